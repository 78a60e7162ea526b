package storage

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"collab-api/domain"
)

// ChatHistory keeps a bounded window of recent chat messages per board in
// Redis. The list is newest-first; Recent reverses it so joiners replay
// oldest-first.
type ChatHistory struct {
	client *redis.Client
	limit  int64
}

// NewChatHistory creates a history keeping at most limit messages per board.
func NewChatHistory(client *redis.Client, limit int) *ChatHistory {
	if limit <= 0 {
		limit = 50
	}
	return &ChatHistory{client: client, limit: int64(limit)}
}

func chatKey(boardID string) string {
	return "chat:" + boardID
}

// Append stores a message and trims the window.
func (h *ChatHistory) Append(ctx context.Context, boardID string, msg domain.ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	key := chatKey(boardID)
	pipe := h.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, h.limit-1)
	_, err = pipe.Exec(ctx)
	return err
}

// Recent returns up to limit messages, oldest first.
func (h *ChatHistory) Recent(ctx context.Context, boardID string) ([]domain.ChatMessage, error) {
	raw, err := h.client.LRange(ctx, chatKey(boardID), 0, h.limit-1).Result()
	if err != nil {
		return nil, err
	}
	msgs := make([]domain.ChatMessage, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var msg domain.ChatMessage
		if err := json.Unmarshal([]byte(raw[i]), &msg); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
