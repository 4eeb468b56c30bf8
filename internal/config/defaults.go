package config

import (
	"github.com/omochice/keyrelay/internal/transport/tcp"
	"github.com/omochice/keyrelay/internal/transport/ws"
	"github.com/omochice/keyrelay/pkg/protocol"
)

// Default values for optional configuration fields.
const (
	DefaultListen    = ":12345"
	DefaultFraming   = string(protocol.FramingRaw)
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
)

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Framing == "" {
		c.Framing = DefaultFraming
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = tcp.DefaultReadBufferSize
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if c.WebSocket.Path == "" {
		c.WebSocket.Path = ws.DefaultPath
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}
