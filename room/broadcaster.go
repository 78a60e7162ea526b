// Package room fans typed envelopes out to the live connections of a board
// room. Delivery is best-effort and non-blocking per recipient; publishes
// for one room are never reordered.
package room

import (
	"context"
	"sync"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"collab-api/domain"
	"collab-api/presence"
)

// Conn is a registered live connection. Enqueue must not block; it reports
// false when the connection cannot accept the frame.
type Conn interface {
	ID() string
	Enqueue(frame []byte) bool
	Close() error
}

// Broadcaster routes envelopes to the connections the presence directory
// lists for a room. An optional relay republishes frames to peer instances.
type Broadcaster struct {
	directory *presence.Directory
	relay     *Relay
	logger    *log.Logger

	mu    sync.Mutex // held across a full fan-out to keep per-room order
	conns map[string]Conn
}

// NewBroadcaster creates a broadcaster over the given directory. relay may
// be nil for single-instance deployments.
func NewBroadcaster(directory *presence.Directory, relay *Relay, logger *log.Logger) *Broadcaster {
	b := &Broadcaster{
		directory: directory,
		relay:     relay,
		logger:    logger,
		conns:     make(map[string]Conn),
	}
	return b
}

// Register adds a live connection to the routing table.
func (b *Broadcaster) Register(conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[conn.ID()] = conn
}

// Unregister removes a connection; pending publishes simply skip it.
func (b *Broadcaster) Unregister(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, connID)
}

// Publish delivers the envelope to every member of roomID. When origin is
// non-empty, that connection is skipped — used for events the origin already
// applied locally. Committed frames are also handed to the relay so members
// connected to peer instances receive them.
func (b *Broadcaster) Publish(roomID string, env domain.Envelope, origin string) {
	frame, err := sonic.Marshal(env)
	if err != nil {
		b.logger.WithFields(log.Fields{"room": roomID, "event": env.Type}).Errorf("marshal envelope: %v", err)
		return
	}
	b.deliver(roomID, frame, origin)
	if b.relay != nil {
		if err := b.relay.Publish(context.Background(), roomID, frame); err != nil {
			b.logger.WithFields(log.Fields{"room": roomID, "event": env.Type}).Warnf("relay publish: %v", err)
		}
	}
}

// DeliverFrame injects an already-marshaled frame received from a peer
// instance into the local room.
func (b *Broadcaster) DeliverFrame(roomID string, frame []byte) {
	b.deliver(roomID, frame, "")
}

func (b *Broadcaster) deliver(roomID string, frame []byte, origin string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, connID := range b.directory.ConnectionsIn(roomID) {
		if connID == origin {
			continue
		}
		conn, ok := b.conns[connID]
		if !ok {
			continue
		}
		if !conn.Enqueue(frame) {
			// a connection that cannot keep up is dropped rather than
			// allowed to stall or reorder the room
			b.logger.WithFields(log.Fields{"room": roomID, "conn": connID}).Warn("send buffer full, dropping connection")
			delete(b.conns, connID)
			_ = conn.Close()
		}
	}
}
