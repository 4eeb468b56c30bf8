// Package server accepts relay connections and hands each one to the hub.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/omochice/keyrelay/internal/chat"
	"github.com/omochice/keyrelay/internal/transport/tcp"
	"github.com/omochice/keyrelay/internal/transport/ws"
	"github.com/omochice/keyrelay/pkg/protocol"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Options configures a Server.
type Options struct {
	// WebSocket enables WebSocket upgrades on the same port.
	WebSocket bool
	// WebSocketPath is the only path accepted for upgrades.
	WebSocketPath string
	// Framing selects how raw TCP frames are delimited.
	Framing protocol.Framing
	// MaxFrameSize bounds varint frames.
	MaxFrameSize int
	// ReadBufferSize is the size of one raw TCP read.
	ReadBufferSize int
	Logger         *slog.Logger
}

// Server accepts connections and runs one session per connection.
type Server struct {
	address  string
	hub      *chat.Hub
	opts     Options
	logger   *slog.Logger
	listener net.Listener
	mu       sync.Mutex
	quit     chan struct{}
	stopOnce sync.Once
	sessions sync.WaitGroup
}

// New creates a Server that uses the provided Hub.
func New(address string, hub *chat.Hub, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Framing == "" {
		opts.Framing = protocol.FramingRaw
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = tcp.DefaultReadBufferSize
	}
	if opts.WebSocketPath == "" {
		opts.WebSocketPath = ws.DefaultPath
	}
	return &Server{
		address: address,
		hub:     hub,
		opts:    opts,
		logger:  opts.Logger,
		quit:    make(chan struct{}),
	}
}

// Listen binds the listening socket. A failure here is the only fatal
// error of the server.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("server listening",
		"addr", listener.Addr().String(),
		"websocket", s.opts.WebSocket,
		"framing", string(s.opts.Framing),
	)
	return nil
}

// Serve runs the accept loop until Stop is called. Accept errors are logged
// and the loop keeps going.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("server is not listening")
	}

	var retryDelay time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			retryDelay = acceptBackoff(retryDelay)
			s.logger.Warn("failed to accept connection", "error", err, "retry_in", retryDelay)
			select {
			case <-s.quit:
				return nil
			case <-time.After(retryDelay):
			}
			continue
		}
		retryDelay = 0

		s.sessions.Add(1)
		go s.handleConnection(conn)
	}
}

// Start listens and serves.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Stop stops accepting connections. Running sessions are left to finish on
// their own; use Wait to drain them.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.listener != nil {
			s.listener.Close()
		}
	})
}

// Wait blocks until every session has terminated or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// handleConnection wraps conn for its transport and runs its session.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.sessions.Done()

	logger := s.logger.With("remote", conn.RemoteAddr().String())
	logger.Info("new connection")

	c, err := s.wrap(conn)
	if err != nil {
		logger.Warn("dropping connection", "error", err)
		conn.Close()
		return
	}

	// Sessions outlive Stop, so they do not inherit a cancelable context.
	s.hub.HandleConn(context.Background(), c)
}

func (s *Server) wrap(conn net.Conn) (chat.Conn, error) {
	if !s.opts.WebSocket {
		return s.newTCPConn(conn, tcp.WithReader(conn)), nil
	}

	proto, reader, err := detectProtocol(conn, s.opts.ReadBufferSize)
	if err != nil {
		return nil, fmt.Errorf("failed to peek connection: %w", err)
	}
	if proto == protocolHTTP {
		return ws.Upgrade(conn, reader, s.opts.WebSocketPath)
	}
	return s.newTCPConn(conn, tcp.WithReader(reader)), nil
}

func (s *Server) newTCPConn(conn net.Conn, opts ...tcp.Option) *tcp.Conn {
	opts = append(opts,
		tcp.WithReadBufferSize(s.opts.ReadBufferSize),
		tcp.WithFraming(s.opts.Framing, s.opts.MaxFrameSize),
	)
	return tcp.NewConn(conn, opts...)
}

// acceptBackoff doubles the delay after a failed Accept, up to maxAcceptDelay.
func acceptBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return minAcceptDelay
	}
	if next := prev * 2; next < maxAcceptDelay {
		return next
	}
	return maxAcceptDelay
}
