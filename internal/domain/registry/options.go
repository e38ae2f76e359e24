package registry

import (
	"log/slog"
	"time"
)

// Option is a functional configuration type for the Hub.
type Option func(*Hub)

// WithMailboxSize sets the buffer capacity of each cell mailbox.
func WithMailboxSize(size int) Option {
	return func(h *Hub) {
		h.config.mailboxSize = size
	}
}

// WithSendTimeout bounds how long a cell waits for a saturated session
// before evicting it.
func WithSendTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.config.sendTimeout = d
	}
}

// WithEvictionInterval configures how often the janitor runs.
func WithEvictionInterval(d time.Duration) Option {
	return func(h *Hub) {
		h.config.evictionInterval = d
	}
}

// WithIdleTimeout defines the quiet period after which an offline
// instance entry is purged.
func WithIdleTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.config.idleTimeout = d
	}
}

// WithEventSink routes instance lifecycle events to the given sink.
func WithEventSink(sink EventSink) Option {
	return func(h *Hub) {
		h.sink = sink
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(h *Hub) {
		h.log = log
	}
}
