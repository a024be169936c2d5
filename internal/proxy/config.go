package proxy

import (
	"context"
	"net"

	"github.com/die-net/socksgate/internal/events"
)

// Dialer opens the destination leg. It mirrors net.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Config struct {
	Dialer Dialer

	// Events and Stats default to events.Nop when nil.
	Events events.Sink
	Stats  events.Stats

	// ReadBufferSize bounds the size of one inbound chunk. Defaults to 32KiB.
	ReadBufferSize int
}

const defaultReadBufferSize = 32 * 1024

func (c Config) withDefaults() Config {
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
	if c.Events == nil {
		c.Events = events.Nop{}
	}
	if c.Stats == nil {
		c.Stats = events.Nop{}
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = defaultReadBufferSize
	}
	return c
}
