package tcpbus

import (
	"time"

	"github.com/webitel/tcpbus/internal/bufpool"
	"github.com/webitel/tcpbus/internal/endpoint"
)

// Config is the TcpBus-level slice of the configuration surface
// described in spec.md §6.
type Config struct {
	// Port this bus listens on.
	Port uint16
	// FixedPoolSize is the outbound connection fan-out per peer.
	FixedPoolSize int
	// MaxMessageSize bounds the accepted frame payload; the backing
	// buffer pool is sized to at least 2x this.
	MaxMessageSize int
	// PendingCap is the soft cap on the per-endpoint pending-send
	// queue; Send returns false once it is exceeded. Zero means
	// unbounded.
	PendingCap int
	// MaxAcceptsPerEvent bounds how many connections are accepted per
	// readiness event on the listening socket, mirroring the
	// original's fixed batch of two.
	MaxAcceptsPerEvent int
	// DialTimeout bounds how long a dialed connection may sit without
	// completing its handshake write before it's force-closed, covering
	// a non-blocking connect that never resolves and so never generates
	// a readiness event on its own.
	DialTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAcceptsPerEvent <= 0 {
		c.MaxAcceptsPerEvent = 2
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	return c
}

// AcceptThrottler optionally gates the accept path, consulted once per
// accept attempt. A nil throttler means unthrottled. Grounded on the
// original's Throttler hook (bus.cpp's accept_conns).
type AcceptThrottler interface {
	Allow() bool
}

// Handler processes a delivered frame. It is invoked on the event-loop
// goroutine and must not block; the view is valid only until it
// returns — to retain the payload, clone the view.
type Handler func(from endpoint.ID, view *bufpool.SharedView)

// Greeter produces the greeting frame a freshly dialed connection sends
// as its first message, carrying this bus's listen port and optional
// forced endpoint override (spec.md §4.7).
type Greeter func() *bufpool.SharedView
