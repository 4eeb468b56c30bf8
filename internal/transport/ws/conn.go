// Package ws provides WebSocket transport implementation for the relay
// server. Every WebSocket data message carries exactly one frame.
package ws

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/omochice/keyrelay/internal/chat"
)

// DefaultPath is the request path accepted for upgrades.
const DefaultPath = "/ws"

// closeFrameTimeout bounds the best-effort close frame sent by Close.
const closeFrameTimeout = time.Second

// Conn adapts a server-side gobwas/ws connection to chat.Conn interface.
type Conn struct {
	conn net.Conn
	rw   io.ReadWriter
	addr chat.Addr

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

type readWriter struct {
	io.Reader
	io.Writer
}

// controlWriter serializes the pong and close replies wsutil writes while
// reading with the data frames written by Write.
type controlWriter struct {
	c *Conn
}

func (w controlWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}

// Upgrade performs the WebSocket handshake on conn. reader must hold any
// bytes already consumed from conn, or be nil. Requests for any path other
// than path are rejected with 404.
func Upgrade(conn net.Conn, reader *bufio.Reader, path string) (*Conn, error) {
	if path == "" {
		path = DefaultPath
	}
	var r io.Reader = conn
	if reader != nil {
		r = reader
	}
	rw := readWriter{Reader: r, Writer: conn}

	upgrader := ws.Upgrader{
		OnRequest: func(uri []byte) error {
			u, err := url.ParseRequestURI(string(uri))
			if err != nil || u.Path != path {
				return ws.RejectConnectionError(ws.RejectionStatus(404))
			}
			return nil
		},
	}
	if _, err := upgrader.Upgrade(rw); err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}

	c := &Conn{
		conn: conn,
		addr: chat.AddrOf(conn.RemoteAddr()),
	}
	c.rw = readWriter{Reader: r, Writer: controlWriter{c: c}}
	return c, nil
}

// Read implements chat.Conn.
// Reads the next text or binary message; control frames are handled
// internally. A close frame is reported as io.EOF.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	data, _, err := wsutil.ReadClientData(c.rw)
	if err != nil {
		var closed wsutil.ClosedError
		if errors.As(err, &closed) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

// Write implements chat.Conn.
// Writes a binary message.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerBinary(c.conn, data)
}

// Close implements chat.Conn.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		// A writer holding the lock may be stuck on a peer that stopped
		// reading. Skip the close frame then; closing the socket releases it.
		if c.writeMu.TryLock() {
			_ = c.conn.SetWriteDeadline(time.Now().Add(closeFrameTimeout))
			_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
			c.writeMu.Unlock()
		}
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() chat.Addr {
	return c.addr
}
