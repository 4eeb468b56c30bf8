package client

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"github.com/omochice/keyrelay/pkg/protocol"
)

const readBufferSize = 4096

// rawWriteGap spaces out writes in raw framing so that each one reaches the
// server as its own receive.
const rawWriteGap = 50 * time.Millisecond

type tcpTransport struct {
	conn      net.Conn
	framing   protocol.Framing
	frames    *protocol.FrameReader
	lastWrite time.Time
}

func dialTCP(ctx context.Context, addr string, framing protocol.Framing) (*tcpTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	t := &tcpTransport{conn: conn, framing: framing}
	if framing == protocol.FramingVarint {
		t.frames = protocol.NewFrameReader(conn, 0)
	}
	return t, nil
}

func (t *tcpTransport) read() ([]byte, error) {
	if t.frames != nil {
		return t.frames.ReadFrame()
	}
	buf := make([]byte, readBufferSize)
	n, err := t.conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil {
		err = io.EOF
	}
	return nil, err
}

func (t *tcpTransport) write(data []byte) error {
	if t.framing == protocol.FramingVarint {
		data = protocol.AppendFrame(nil, data)
	} else if wait := rawWriteGap - time.Since(t.lastWrite); wait > 0 {
		time.Sleep(wait)
	}
	_, err := t.conn.Write(data)
	t.lastWrite = time.Now()
	return err
}

func (t *tcpTransport) setReadDeadline(d time.Time) error { return t.conn.SetReadDeadline(d) }
func (t *tcpTransport) localAddr() string                 { return t.conn.LocalAddr().String() }
func (t *tcpTransport) close() error                      { return t.conn.Close() }

type wsTransport struct {
	conn *websocket.Conn
}

func dialWebSocket(ctx context.Context, addr, path string) (*wsTransport, error) {
	if path == "" {
		path = "/ws"
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+addr+path, nil)
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) read() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return nil, io.EOF
	}
	return data, err
}

func (t *wsTransport) write(data []byte) error {
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) setReadDeadline(d time.Time) error { return t.conn.SetReadDeadline(d) }
func (t *wsTransport) localAddr() string                 { return t.conn.LocalAddr().String() }

func (t *wsTransport) close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.conn.Close()
}
