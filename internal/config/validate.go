package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/omochice/keyrelay/internal/logging"
	"github.com/omochice/keyrelay/pkg/protocol"
)

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if _, err := protocol.ParseFraming(c.Framing); err != nil {
		errs = append(errs, err)
	}
	if c.ReadBufferSize < 0 {
		errs = append(errs, fmt.Errorf("read_buffer_size must be positive, got %d", c.ReadBufferSize))
	}
	if c.MaxFrameSize < 0 {
		errs = append(errs, fmt.Errorf("max_frame_size must be positive, got %d", c.MaxFrameSize))
	}
	if c.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("write_timeout must not be negative, got %s", c.WriteTimeout))
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("shutdown_timeout must not be negative, got %s", c.ShutdownTimeout))
	}
	if c.StatusInterval < 0 {
		errs = append(errs, fmt.Errorf("status_interval must not be negative, got %s", c.StatusInterval))
	}
	if c.WebSocket.Enabled && !strings.HasPrefix(c.WebSocket.Path, "/") {
		errs = append(errs, fmt.Errorf("websocket.path must start with '/', got %q", c.WebSocket.Path))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
