// Package presence tracks which identities are connected and which room each
// connection occupies. The directory is the single source of truth for room
// membership; transport state is never scanned to derive it.
package presence

import (
	"sort"
	"sync"
	"time"
)

// Member identifies a user visible in a room roster.
type Member struct {
	UserID      string
	DisplayName string
}

type entry struct {
	userID      string
	displayName string
	room        string
	lastSeen    time.Time
}

// Directory is a mutex-guarded connection table. A connection occupies at
// most one room; joining another room leaves the previous one implicitly.
type Directory struct {
	mu    sync.RWMutex
	conns map[string]*entry
	rooms map[string]map[string]struct{}
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		conns: make(map[string]*entry),
		rooms: make(map[string]map[string]struct{}),
	}
}

// Authenticate binds an identity to a connection. Re-authenticating an
// existing connection rebinds it and drops any room membership.
func (d *Directory) Authenticate(connID, userID, displayName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.conns[connID]; ok && old.room != "" {
		d.removeFromRoom(connID, old.room)
	}
	d.conns[connID] = &entry{userID: userID, displayName: displayName, lastSeen: time.Now()}
}

// Join moves the connection into roomID, implicitly leaving any previously
// joined room. It reports the previous room and whether the connection was
// known (authenticated).
func (d *Directory) Join(connID, roomID string) (prev string, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, known := d.conns[connID]
	if !known {
		return "", false
	}
	prev = e.room
	if prev == roomID {
		return prev, true
	}
	if prev != "" {
		d.removeFromRoom(connID, prev)
	}
	e.room = roomID
	e.lastSeen = time.Now()
	members, exists := d.rooms[roomID]
	if !exists {
		members = make(map[string]struct{})
		d.rooms[roomID] = members
	}
	members[connID] = struct{}{}
	return prev, true
}

// Leave removes the connection from roomID if it is currently there. It is
// safe to call for rooms the connection never joined.
func (d *Directory) Leave(connID, roomID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.conns[connID]
	if !ok || e.room != roomID {
		return
	}
	e.room = ""
	e.lastSeen = time.Now()
	d.removeFromRoom(connID, roomID)
}

// Disconnect removes the connection entirely, leaving its room first. It is
// idempotent and a no-op for unknown connections; ok reports whether an
// entry was actually removed.
func (d *Directory) Disconnect(connID string) (room string, m Member, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, known := d.conns[connID]
	if !known {
		return "", Member{}, false
	}
	if e.room != "" {
		d.removeFromRoom(connID, e.room)
	}
	delete(d.conns, connID)
	return e.room, Member{UserID: e.userID, DisplayName: e.displayName}, true
}

// MembersOf lists the identities currently in roomID, ordered by user id.
func (d *Directory) MembersOf(roomID string) []Member {
	d.mu.RLock()
	defer d.mu.RUnlock()
	conns := d.rooms[roomID]
	out := make([]Member, 0, len(conns))
	for connID := range conns {
		if e, ok := d.conns[connID]; ok {
			out = append(out, Member{UserID: e.userID, DisplayName: e.displayName})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// ConnectionsIn lists the connection ids currently in roomID.
func (d *Directory) ConnectionsIn(roomID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	conns := d.rooms[roomID]
	out := make([]string, 0, len(conns))
	for connID := range conns {
		out = append(out, connID)
	}
	return out
}

// Room reports the room the connection currently occupies, if any.
func (d *Directory) Room(connID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.conns[connID]
	if !ok {
		return "", false
	}
	return e.room, e.room != ""
}

// Touch refreshes the connection's last-seen timestamp.
func (d *Directory) Touch(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.conns[connID]; ok {
		e.lastSeen = time.Now()
	}
}

// caller must hold d.mu
func (d *Directory) removeFromRoom(connID, roomID string) {
	members, ok := d.rooms[roomID]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(d.rooms, roomID)
	}
}
