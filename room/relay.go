package room

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// relayMessage is the cross-instance form of a committed room frame.
type relayMessage struct {
	Instance string          `json:"instance"`
	Room     string          `json:"room"`
	Frame    json.RawMessage `json:"frame"`
}

// Relay republishes committed room frames over Redis pub/sub so members
// connected to other instances receive them. Each relay skips its own
// messages on the way back in.
type Relay struct {
	rc         *redis.Client
	channel    string
	instanceID string
	logger     *log.Logger
}

// NewRelay creates a relay over the given Redis client and channel. An empty
// channel name picks the default.
func NewRelay(rc *redis.Client, channel string, logger *log.Logger) *Relay {
	if channel == "" {
		channel = "room-events"
	}
	return &Relay{rc: rc, channel: channel, instanceID: uuid.NewString(), logger: logger}
}

// Publish sends a marshaled frame to peer instances.
func (r *Relay) Publish(ctx context.Context, roomID string, frame []byte) error {
	data, err := json.Marshal(relayMessage{Instance: r.instanceID, Room: roomID, Frame: frame})
	if err != nil {
		return err
	}
	return r.rc.Publish(ctx, r.channel, data).Err()
}

// Run subscribes to the relay channel and hands each foreign frame to
// deliver. It reconnects on channel loss and returns when ctx is done.
func (r *Relay) Run(ctx context.Context, deliver func(roomID string, frame []byte)) {
	for {
		sub := r.rc.Subscribe(ctx, r.channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var rm relayMessage
				if err := json.Unmarshal([]byte(msg.Payload), &rm); err != nil {
					r.logger.Errorf("unable to parse relay message: %v", err)
					continue
				}
				if rm.Instance == r.instanceID {
					continue
				}
				deliver(rm.Room, rm.Frame)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("relay channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}
