package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/omochice/keyrelay/pkg/protocol"
)

// State is a stage of the per-connection protocol.
type State int

const (
	StateHandshaking State = iota
	StateAwaitingRoomInfo
	StateInRoom
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateAwaitingRoomInfo:
		return "awaiting_room_info"
	case StateInRoom:
		return "in_room"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

var (
	errConnectionLost = errors.New("connection lost")
	errAuthFailed     = errors.New("invalid room password")
)

// Session drives one connection through
// handshake -> room request -> message loop, and always ends in cleanup.
type Session struct {
	id          string
	conn        Conn
	registry    *Registry
	broadcaster *Broadcaster
	logger      *slog.Logger
	onClose     func(*Session)

	state     State
	publicKey []byte
	roomID    string
	username  string
}

// NewSession creates a session for conn. onClose, if set, runs as the last
// step of cleanup.
func NewSession(conn Conn, registry *Registry, broadcaster *Broadcaster, logger *slog.Logger, onClose func(*Session)) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		id:          id,
		conn:        conn,
		registry:    registry,
		broadcaster: broadcaster,
		logger:      logger.With("session", id, "remote", conn.RemoteAddr().String()),
		onClose:     onClose,
		state:       StateHandshaking,
	}
}

// ID returns the session id used in logs.
func (s *Session) ID() string { return s.id }

// State returns the current protocol state. It is only meaningful from the
// goroutine running the session or after Run returns.
func (s *Session) State() State { return s.state }

// Run executes the protocol until the connection ends. Cleanup runs exactly
// once regardless of how the session stops, including on panic.
func (s *Session) Run(ctx context.Context) {
	defer s.terminate()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	if err := s.run(ctx); err != nil {
		s.logSessionEnd(err)
	}
}

func (s *Session) run(ctx context.Context) error {
	if err := s.handshake(ctx); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if err := s.joinRoom(ctx); err != nil {
		return fmt.Errorf("room request: %w", err)
	}

	s.broadcaster.PublishPublicKeys(ctx, s.roomID)
	return s.messageLoop(ctx)
}

func (s *Session) handshake(ctx context.Context) error {
	data, err := s.receive(ctx)
	if err != nil {
		return err
	}
	if _, err := protocol.ParsePublicKey(data); err != nil {
		return err
	}

	s.publicKey = data
	s.logger.Info("received public key")
	s.setState(StateAwaitingRoomInfo)
	return nil
}

func (s *Session) joinRoom(ctx context.Context) error {
	data, err := s.receive(ctx)
	if err != nil {
		return err
	}
	req, err := protocol.ParseRoomRequest(data)
	if err != nil {
		return err
	}

	if current, ok := s.registry.FindCurrentRoom(s.conn); ok && current != req.RoomID {
		s.registry.Leave(s.conn, current)
		s.logger.Info("left previous room", "room", current)
	}

	result := s.registry.JoinOrCreate(req.RoomID, req.Password, s.conn, s.publicKey)
	switch result {
	case Created, Joined:
		s.roomID = req.RoomID
		s.username = req.Username
		s.logger = s.logger.With("room", req.RoomID, "username", req.Username)
		if err := s.conn.Write(ctx, protocol.JoinConfirmation(req.RoomID, req.Username, result == Created)); err != nil {
			return fmt.Errorf("send join confirmation: %w", err)
		}
		s.logger.Info("entered room", "result", result.String())
		s.setState(StateInRoom)
		return nil
	default:
		if err := s.conn.Write(ctx, protocol.AuthFailure(req.RoomID)); err != nil {
			s.logger.Debug("failed to send auth failure", "error", err)
		}
		return fmt.Errorf("room %q: %w", req.RoomID, errAuthFailed)
	}
}

func (s *Session) messageLoop(ctx context.Context) error {
	for {
		payload, err := s.receive(ctx)
		if err != nil {
			return err
		}

		if protocol.IsLeave(payload) {
			return s.leave(ctx, payload)
		}

		s.broadcaster.PublishMessage(ctx, s.roomID, payload, s.conn)
	}
}

func (s *Session) leave(ctx context.Context, payload []byte) error {
	roomID, err := protocol.ParseLeave(payload)
	if err != nil {
		return err
	}

	if !s.registry.Leave(s.conn, roomID) {
		s.logger.Warn("leave request for a room the client is not in", "leave_room", roomID)
		return nil
	}

	if err := s.conn.Write(ctx, protocol.LeaveConfirmation(roomID)); err != nil {
		s.logger.Debug("failed to send leave confirmation", "error", err)
	}
	notified := s.broadcaster.NotifyPeerLeft(ctx, roomID, s.conn.RemoteAddr())
	s.logger.Info("left room", "leave_room", roomID, "notified", notified)
	return nil
}

// receive reads one frame. An empty frame counts as a disconnect.
func (s *Session) receive(ctx context.Context) ([]byte, error) {
	data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errConnectionLost, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty receive", errConnectionLost)
	}
	return data, nil
}

func (s *Session) logSessionEnd(err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		s.logger.Info("client disconnected", "state", s.state.String())
	case errors.Is(err, errConnectionLost):
		s.logger.Warn("connection lost", "state", s.state.String(), "error", err)
	case errors.Is(err, errAuthFailed):
		s.logger.Warn("rejected room request", "error", err)
	default:
		s.logger.Warn("protocol error", "state", s.state.String(), "error", err)
	}
}

func (s *Session) setState(next State) {
	s.logger.Debug("state transition", "from", s.state.String(), "to", next.String())
	s.state = next
}

func (s *Session) terminate() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cleanup panicked", "panic", r)
		}
	}()

	s.setState(StateTerminated)
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("error closing connection", "error", err)
	}
	if roomID, ok := s.registry.RemoveEverywhere(s.conn); ok {
		s.logger.Info("removed disconnected client from room", "room", roomID)
	}
	if s.onClose != nil {
		s.onClose(s)
	}
}
