package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Hub owns the room registry and tracks live sessions.
// Both TCP and WebSocket servers share a single Hub instance.
type Hub struct {
	registry    *Registry
	broadcaster *Broadcaster
	logger      *slog.Logger
	sessions    map[*Session]struct{}
	mu          sync.RWMutex
}

// HubOption configures a Hub.
type HubOption func(*hubOptions)

type hubOptions struct {
	logger       *slog.Logger
	writeTimeout time.Duration
}

// WithLogger sets the logger used by the hub and its sessions.
func WithLogger(logger *slog.Logger) HubOption {
	return func(o *hubOptions) { o.logger = logger }
}

// WithWriteTimeout bounds every delivery made by the broadcaster.
func WithWriteTimeout(d time.Duration) HubOption {
	return func(o *hubOptions) { o.writeTimeout = d }
}

// NewHub creates a new Hub.
func NewHub(opts ...HubOption) *Hub {
	o := hubOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	registry := NewRegistry()
	return &Hub{
		registry:    registry,
		broadcaster: NewBroadcaster(registry, o.logger, o.writeTimeout),
		logger:      o.logger,
		sessions:    make(map[*Session]struct{}),
	}
}

// Registry returns the room registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Broadcaster returns the broadcaster bound to the registry.
func (h *Hub) Broadcaster() *Broadcaster {
	return h.broadcaster
}

// HandleConn runs a session for conn and blocks until it has been cleaned up.
func (h *Hub) HandleConn(ctx context.Context, conn Conn) {
	session := NewSession(conn, h.registry, h.broadcaster, h.logger, h.unregister)
	h.register(session)
	session.Run(ctx)
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s] = struct{}{}
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s)
}

// ClientCount returns number of live sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ReportStatus logs the number of sessions and rooms every interval until
// ctx is done.
func (h *Hub) ReportStatus(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.logger.Info("relay status",
				"sessions", h.ClientCount(),
				"rooms", h.registry.RoomCount(),
			)
		}
	}
}
