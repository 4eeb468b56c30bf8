package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/omochice/keyrelay/pkg/protocol"
)

// Broadcaster delivers frames to the members of a room.
//
// Membership is copied under the registry lock and the sends happen after
// the lock is released, so a slow member only delays its own room. A
// member that leaves while a broadcast is in flight may still be sent to
// from the stale snapshot; that send either succeeds or fails harmlessly.
//
// A failed delivery evicts the recipient: its connection is closed and it
// is removed from the room. Failures never reach the sender.
type Broadcaster struct {
	registry     *Registry
	logger       *slog.Logger
	writeTimeout time.Duration
}

// NewBroadcaster creates a Broadcaster over registry. A zero writeTimeout
// leaves sends unbounded.
func NewBroadcaster(registry *Registry, logger *slog.Logger, writeTimeout time.Duration) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		registry:     registry,
		logger:       logger,
		writeTimeout: writeTimeout,
	}
}

// PublishMessage sends payload unmodified to every member of roomID except
// exclude, in join order. It returns the number of successful deliveries.
func (b *Broadcaster) PublishMessage(ctx context.Context, roomID string, payload []byte, exclude Conn) int {
	members := b.registry.Snapshot(roomID)
	if len(members) == 0 {
		b.logger.Debug("room does not exist or is empty", "room", roomID)
		return 0
	}

	delivered := 0
	for _, m := range members {
		if m.Conn == exclude {
			continue
		}
		if b.deliver(ctx, roomID, m.Conn, payload) {
			delivered++
		}
	}
	b.logger.Debug("broadcast message", "room", roomID, "bytes", len(payload), "delivered", delivered)
	return delivered
}

// PublishPublicKeys resends the whole key set of roomID: every member
// receives every other member's key as its own frame. A member evicted
// during the resync receives nothing further and its key is not sent on.
func (b *Broadcaster) PublishPublicKeys(ctx context.Context, roomID string) int {
	members := b.registry.Snapshot(roomID)
	evicted := make(map[Conn]bool)

	delivered := 0
	for _, recipient := range members {
		for _, other := range members {
			if evicted[recipient.Conn] {
				break
			}
			if other.Conn == recipient.Conn || evicted[other.Conn] {
				continue
			}
			if b.deliver(ctx, roomID, recipient.Conn, other.PublicKey) {
				delivered++
			} else {
				evicted[recipient.Conn] = true
			}
		}
	}
	b.logger.Debug("broadcast public keys", "room", roomID, "members", len(members), "delivered", delivered)
	return delivered
}

// NotifyPeerLeft tells the current members of roomID that the peer at addr
// has left. The leaver must already be out of the room.
func (b *Broadcaster) NotifyPeerLeft(ctx context.Context, roomID string, addr Addr) int {
	frame := protocol.ClientLeft(addr.Host, addr.Port)

	delivered := 0
	for _, m := range b.registry.Snapshot(roomID) {
		if b.deliver(ctx, roomID, m.Conn, frame) {
			delivered++
		}
	}
	return delivered
}

func (b *Broadcaster) deliver(ctx context.Context, roomID string, to Conn, data []byte) bool {
	if b.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.writeTimeout)
		defer cancel()
	}

	if err := to.Write(ctx, data); err != nil {
		b.evict(roomID, to, err)
		return false
	}
	return true
}

func (b *Broadcaster) evict(roomID string, c Conn, cause error) {
	if err := c.Close(); err != nil {
		b.logger.Debug("close after failed delivery", "remote", c.RemoteAddr().String(), "error", err)
	}
	removed := b.registry.Leave(c, roomID)
	b.logger.Warn("evicted unreachable member",
		"room", roomID,
		"remote", c.RemoteAddr().String(),
		"removed", removed,
		"error", cause,
	)
}
