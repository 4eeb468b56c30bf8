// Package tcp provides TCP transport implementation for the relay server.
package tcp

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/omochice/keyrelay/internal/chat"
	"github.com/omochice/keyrelay/pkg/protocol"
)

// DefaultReadBufferSize is the largest frame a single raw read returns.
const DefaultReadBufferSize = 4096

// Conn adapts net.Conn to chat.Conn interface.
type Conn struct {
	conn     net.Conn
	reader   io.Reader
	frames   *protocol.FrameReader
	framing  protocol.Framing
	maxFrame int
	bufSize  int
	addr     chat.Addr

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Conn.
type Option func(*Conn)

// WithReader reads from r instead of the connection itself. Used when the
// first bytes were already buffered while sniffing the protocol.
func WithReader(r io.Reader) Option {
	return func(c *Conn) { c.reader = r }
}

// WithReadBufferSize sets the size of a raw read.
func WithReadBufferSize(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.bufSize = n
		}
	}
}

// WithFraming selects the framing. maxFrame bounds varint frames.
func WithFraming(f protocol.Framing, maxFrame int) Option {
	return func(c *Conn) {
		c.framing = f
		c.maxFrame = maxFrame
	}
}

// NewConn wraps a net.Conn. The remote address is captured here so it
// stays available after the socket closes.
func NewConn(conn net.Conn, opts ...Option) *Conn {
	c := &Conn{
		conn:    conn,
		reader:  conn,
		framing: protocol.FramingRaw,
		bufSize: DefaultReadBufferSize,
		addr:    chat.AddrOf(conn.RemoteAddr()),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.framing == protocol.FramingVarint {
		c.frames = protocol.NewFrameReader(c.reader, c.maxFrame)
	}
	return c
}

// Read implements chat.Conn.
// In raw framing one call to the underlying reader is one frame, and a
// zero-byte read is reported as io.EOF.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if c.frames != nil {
		return c.frames.ReadFrame()
	}

	buf := make([]byte, c.bufSize)
	n, err := c.reader.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil {
		err = io.EOF
	}
	return nil, err
}

// Write implements chat.Conn.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	if c.framing == protocol.FramingVarint {
		data = protocol.AppendFrame(nil, data)
	}
	_, err := c.conn.Write(data)
	return err
}

// Close implements chat.Conn.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() chat.Addr {
	return c.addr
}
