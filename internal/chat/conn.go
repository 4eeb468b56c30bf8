// Package chat provides the room membership and relay logic shared by all
// transports.
package chat

import (
	"context"
	"net"
)

// Conn abstracts a bidirectional connection for both TCP and WebSocket.
// This interface isolates transport details from relay logic.
//
// Implementations must allow Write to be called concurrently with Read and
// with other Writes, since broadcasts from other sessions write to it.
type Conn interface {
	// Read reads a single frame.
	// Returns io.EOF when connection is closed.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single frame. A deadline on ctx bounds the write.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection. Calling it more than once is safe.
	Close() error

	// RemoteAddr returns the peer address captured when the connection was
	// accepted. It stays valid after Close.
	RemoteAddr() Addr
}

// Addr is the remote address label of a connection.
type Addr struct {
	Host string
	Port string
}

// ParseAddr splits a host:port string. Strings without a port are kept
// whole in Host.
func ParseAddr(s string) Addr {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Addr{Host: s}
	}
	return Addr{Host: host, Port: port}
}

// AddrOf captures the label of a net.Addr.
func AddrOf(addr net.Addr) Addr {
	if addr == nil {
		return Addr{}
	}
	return ParseAddr(addr.String())
}

func (a Addr) String() string {
	if a.Port == "" {
		return a.Host
	}
	return net.JoinHostPort(a.Host, a.Port)
}
