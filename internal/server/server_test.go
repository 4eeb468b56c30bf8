package server_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/omochice/keyrelay/internal/chat"
	"github.com/omochice/keyrelay/internal/server"
	"github.com/omochice/keyrelay/pkg/protocol"
)

func startServer(t *testing.T, opts server.Options) (*server.Server, *chat.Hub) {
	t.Helper()
	hub := chat.NewHub()
	srv := server.New("127.0.0.1:0", hub, opts)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve()
	}()
	t.Cleanup(func() {
		srv.Stop()
		select {
		case err := <-errChan:
			if err != nil {
				t.Errorf("Serve() error = %v", err)
			}
		case <-time.After(time.Second):
			t.Error("Server did not stop in time")
		}
	})
	return srv, hub
}

func publicKey(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	data, err := protocol.EncodePublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("EncodePublicKey: %v", err)
	}
	return data
}

func readWithTimeout(t *testing.T, conn net.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(buf[:n])
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestServer_ListenFailure(t *testing.T) {
	srv, _ := startServer(t, server.Options{})

	second := server.New(srv.Addr(), chat.NewHub(), server.Options{})
	if err := second.Listen(); err == nil {
		second.Stop()
		t.Fatal("Listen() on a used address succeeded")
	}
}

func TestServer_ServeWithoutListen(t *testing.T) {
	srv := server.New("127.0.0.1:0", chat.NewHub(), server.Options{})
	if err := srv.Serve(); err == nil {
		t.Error("Serve() without Listen() succeeded")
	}
}

func TestServer_CreateRoomOverTCP(t *testing.T) {
	srv, hub := startServer(t, server.Options{})

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("Failed to connect to server: %v", err)
	}
	defer conn.Close()

	conn.Write(publicKey(t))
	time.Sleep(50 * time.Millisecond)
	conn.Write([]byte("room1|alice|secret"))

	got := readWithTimeout(t, conn)
	if !strings.Contains(got, `You have created the room "room1"`) {
		t.Errorf("received %q, want created confirmation", got)
	}
	if n := hub.Registry().MemberCount("room1"); n != 1 {
		t.Errorf("room1 has %d members, want 1", n)
	}
}

func TestServer_StopKeepsSessions(t *testing.T) {
	srv, hub := startServer(t, server.Options{})
	addr := srv.Addr()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to connect to server: %v", err)
	}
	defer conn.Close()
	waitFor(t, "session", func() bool { return hub.ClientCount() == 1 })

	srv.Stop()

	if _, err := net.Dial("tcp", addr); err == nil {
		t.Error("expected error dialing after stop, got nil")
	}
	if n := hub.ClientCount(); n != 1 {
		t.Errorf("ClientCount() = %d after Stop, want running session kept", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := srv.Wait(ctx); err == nil {
		t.Error("Wait() returned before the session ended")
	}

	conn.Close()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := srv.Wait(ctx2); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
}

func TestServer_WebSocketOnSamePort(t *testing.T) {
	srv, hub := startServer(t, server.Options{WebSocket: true})

	wsConn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket client: %v", err)
	}
	defer wsConn.Close()

	tcpConn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("Failed to connect TCP client: %v", err)
	}
	defer tcpConn.Close()

	wsConn.WriteMessage(websocket.BinaryMessage, publicKey(t))
	wsConn.WriteMessage(websocket.TextMessage, []byte("room1|wsuser|pw"))
	wsConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := wsConn.ReadMessage()
	if err != nil {
		t.Fatalf("ws read: %v", err)
	}
	if protocol.Classify(data) != protocol.FrameTypeRoomCreated {
		t.Errorf("ws client received %q, want created confirmation", data)
	}

	tcpKey := publicKey(t)
	tcpConn.Write(tcpKey)
	time.Sleep(50 * time.Millisecond)
	tcpConn.Write([]byte("room1|tcpuser|pw"))

	// The TCP joiner's confirmation may share a read with the WS member's key.
	got := readWithTimeout(t, tcpConn)
	if !strings.Contains(got, "You have joined the room") {
		t.Errorf("tcp client received %q, want joined confirmation", got)
	}

	_, relayed, err := wsConn.ReadMessage()
	if err != nil {
		t.Fatalf("ws read key: %v", err)
	}
	if string(relayed) != string(tcpKey) {
		t.Error("ws client did not receive the tcp client's key verbatim")
	}
	if n := hub.Registry().MemberCount("room1"); n != 2 {
		t.Errorf("room1 has %d members, want 2", n)
	}
}

func TestServer_VarintFraming(t *testing.T) {
	srv, _ := startServer(t, server.Options{Framing: protocol.FramingVarint})

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Both frames in one write: varint framing does not depend on read boundaries.
	var stream []byte
	stream = protocol.AppendFrame(stream, publicKey(t))
	stream = protocol.AppendFrame(stream, []byte("room1|alice|secret"))
	conn.Write(stream)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := protocol.NewFrameReader(conn, 0).ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if protocol.Classify(frame) != protocol.FrameTypeRoomCreated {
		t.Errorf("received %q, want created confirmation", frame)
	}
}
