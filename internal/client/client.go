// Package client implements the relay protocol from the client side. It is
// used by the command line test client and by end-to-end tests.
package client

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/omochice/keyrelay/pkg/protocol"
)

// ErrAuthFailed is returned by Join when the server rejects the password.
var ErrAuthFailed = errors.New("room password rejected")

// Options configures Dial.
type Options struct {
	// WebSocket dials ws://addr<Path> instead of a raw TCP stream.
	WebSocket bool
	Path      string
	// Framing applies to raw TCP only.
	Framing     protocol.Framing
	DialTimeout time.Duration
}

type transport interface {
	read() ([]byte, error)
	write(data []byte) error
	setReadDeadline(t time.Time) error
	localAddr() string
	close() error
}

// Client is one connection to the relay.
type Client struct {
	t      transport
	roomID string
}

// Dial connects to the relay at addr.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	if opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
	}

	var (
		t   transport
		err error
	)
	if opts.WebSocket {
		t, err = dialWebSocket(ctx, addr, opts.Path)
	} else {
		t, err = dialTCP(ctx, addr, opts.Framing)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	return &Client{t: t}, nil
}

// GenerateKey creates an ECDSA P-256 key pair and its PEM public key.
func GenerateKey() (*ecdsa.PrivateKey, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	pub, err := protocol.EncodePublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	return key, pub, nil
}

// Handshake sends the client's serialized public key.
func (c *Client) Handshake(publicKey []byte) error {
	if err := c.t.write(publicKey); err != nil {
		return fmt.Errorf("failed to send public key: %w", err)
	}
	return nil
}

// Join sends a room request and waits up to timeout for the reply. It
// returns the reply frame; a rejected password yields ErrAuthFailed.
func (c *Client) Join(roomID, username, password string, timeout time.Duration) ([]byte, error) {
	req := protocol.RoomRequest{RoomID: roomID, Username: username, Password: password}
	if err := c.t.write(req.Encode()); err != nil {
		return nil, fmt.Errorf("failed to send room request: %w", err)
	}

	reply, err := c.Receive(timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to read room reply: %w", err)
	}
	switch protocol.Classify(reply) {
	case protocol.FrameTypeRoomCreated, protocol.FrameTypeRoomJoined:
		c.roomID = roomID
		return reply, nil
	case protocol.FrameTypeError:
		return reply, fmt.Errorf("%w: %s", ErrAuthFailed, reply)
	default:
		return reply, fmt.Errorf("unexpected room reply %q", reply)
	}
}

// Send relays an already encrypted payload to the room.
func (c *Client) Send(payload []byte) error {
	if err := c.t.write(payload); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Leave asks the server to remove the client from its room.
func (c *Client) Leave() error {
	if c.roomID == "" {
		return errors.New("not in a room")
	}
	if err := c.t.write(protocol.LeaveRequest(c.roomID)); err != nil {
		return fmt.Errorf("failed to send leave request: %w", err)
	}
	return nil
}

// Receive returns the next frame. A zero timeout waits forever.
func (c *Client) Receive(timeout time.Duration) ([]byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.t.setReadDeadline(deadline); err != nil {
		return nil, err
	}
	return c.t.read()
}

// RoomID returns the room joined by the last successful Join.
func (c *Client) RoomID() string {
	return c.roomID
}

// LocalAddr returns the client side address, which the server reports in
// peer-left notifications.
func (c *Client) LocalAddr() string {
	return c.t.localAddr()
}

// Close closes the connection without leaving the room first.
func (c *Client) Close() error {
	return c.t.close()
}
