package tcp_test

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/omochice/keyrelay/internal/chat"
	"github.com/omochice/keyrelay/internal/transport/tcp"
	"github.com/omochice/keyrelay/pkg/protocol"
)

func TestConn_ImplementsInterface(t *testing.T) {
	var _ chat.Conn = (*tcp.Conn)(nil)
}

func TestConn_Read(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := tcp.NewConn(client)

	go func() {
		server.Write([]byte("test message"))
		server.Close()
	}()

	data, err := conn.Read(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "test message" {
		t.Errorf("Read() = %q, want %q", string(data), "test message")
	}

	if _, err := conn.Read(context.Background()); err != io.EOF {
		t.Errorf("Read() after peer close = %v, want io.EOF", err)
	}
}

func TestConn_ReadFromBufferedReader(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	reader := bufio.NewReader(client)
	conn := tcp.NewConn(client, tcp.WithReader(reader))

	go server.Write([]byte("-----BEGIN PUBLIC KEY-----"))

	if _, err := reader.Peek(4); err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	data, err := conn.Read(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "-----BEGIN PUBLIC KEY-----" {
		t.Errorf("Read() = %q, peeked bytes lost", data)
	}
}

func TestConn_Write(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := tcp.NewConn(client)

	go func() {
		err := conn.Write(context.Background(), []byte("hello"))
		if err != nil {
			t.Errorf("Write() error = %v", err)
		}
	}()

	buf := make([]byte, 1024)
	n, err := server.Read(buf)
	if err != nil {
		t.Fatalf("server read error: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("server received %q, want %q", string(buf[:n]), "hello")
	}
}

func TestConn_WriteDeadline(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := tcp.NewConn(client)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Nobody reads from server, so the pipe write blocks until the deadline.
	err := conn.Write(ctx, []byte("stuck"))
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Errorf("Write() error = %v, want timeout", err)
	}
}

func TestConn_VarintFraming(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := tcp.NewConn(client, tcp.WithFraming(protocol.FramingVarint, 0))

	go func() {
		var stream []byte
		stream = protocol.AppendFrame(stream, []byte("first"))
		stream = protocol.AppendFrame(stream, []byte("second"))
		server.Write(stream)
	}()

	for _, want := range []string{"first", "second"} {
		data, err := conn.Read(context.Background())
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if string(data) != want {
			t.Errorf("Read() = %q, want %q", data, want)
		}
	}

	go conn.Write(context.Background(), []byte("reply"))

	got, err := protocol.NewFrameReader(server, 0).ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if string(got) != "reply" {
		t.Errorf("server received %q, want %q", got, "reply")
	}
}

func TestConn_Close(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	conn := tcp.NewConn(client)

	err := conn.Close()
	if err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	_, err = client.Read(make([]byte, 1))
	if err == nil {
		t.Error("expected error after close, got nil")
	}
}

func TestConn_RemoteAddrSurvivesClose(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	go func() {
		c, err := net.Dial("tcp", listener.Addr().String())
		if err == nil {
			defer c.Close()
			time.Sleep(50 * time.Millisecond)
		}
	}()

	raw, err := listener.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	conn := tcp.NewConn(raw)
	before := conn.RemoteAddr()
	conn.Close()

	if before.Host != "127.0.0.1" || before.Port == "" {
		t.Errorf("RemoteAddr() = %+v, want loopback host and a port", before)
	}
	if conn.RemoteAddr() != before {
		t.Error("RemoteAddr() changed after Close")
	}
}
