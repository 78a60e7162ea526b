package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"collab-api/domain"
)

type rosterBackend interface {
	LoadBoardMembership(ctx context.Context, boardID string) (map[string]struct{}, error)
}

// RosterCache wraps membership lookups with Redis-backed caching. Membership
// is read on every join but changes rarely, so a short TTL takes most of the
// load off table storage without making revocation noticeably slower.
type RosterCache struct {
	base  rosterBackend
	redis *redis.Client
	ttl   time.Duration
}

// NewRosterCache creates a caching roster wrapper using the provided Redis
// client and TTL.
func NewRosterCache(base rosterBackend, client *redis.Client, ttl time.Duration) *RosterCache {
	if base == nil {
		panic("storage.NewRosterCache: base roster is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &RosterCache{base: base, redis: client, ttl: ttl}
}

func (c *RosterCache) LoadBoardMembership(ctx context.Context, boardID string) (map[string]struct{}, error) {
	if members, ok := c.loadFromCache(ctx, boardID); ok {
		if len(members) == 0 {
			return nil, domain.ErrNotFound
		}
		return members, nil
	}

	members, err := c.base.LoadBoardMembership(ctx, boardID)
	if err != nil {
		return nil, err
	}

	c.store(ctx, boardID, members)
	return members, nil
}

// Evict drops the cached roster, forcing the next join to re-read it.
func (c *RosterCache) Evict(ctx context.Context, boardID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, rosterCacheKey(boardID)).Err()
}

func (c *RosterCache) loadFromCache(ctx context.Context, boardID string) (map[string]struct{}, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, rosterCacheKey(boardID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, rosterCacheKey(boardID)).Err()
		}
		return nil, false
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		_ = c.redis.Del(ctx, rosterCacheKey(boardID)).Err()
		return nil, false
	}
	members := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		members[id] = struct{}{}
	}
	return members, true
}

func (c *RosterCache) store(ctx context.Context, boardID string, members map[string]struct{}) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, rosterCacheKey(boardID), data, c.ttl).Err()
}

func rosterCacheKey(boardID string) string {
	return "roster:" + boardID
}
