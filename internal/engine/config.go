package engine

import (
	"log/slog"
	"time"
)

// Config bounds the delivery state machine. Zero values fall back to the
// documented defaults.
type Config struct {
	// DeliveryTimeout is the per-attempt deadline a session gets to
	// accept an envelope before it is treated as unreachable.
	DeliveryTimeout time.Duration
	// AckTimeout is how long a delivered message waits for an ack
	// before terminating as timeout.
	AckTimeout time.Duration
	// MaxRetries is the delivery attempt ceiling.
	MaxRetries int
	// BaseBackoff is the exponential backoff base between attempts.
	BaseBackoff time.Duration
	// SweepInterval is the cleanup cadence.
	SweepInterval time.Duration
	// EvictionAge is the absolute maximum age of a tracked message.
	EvictionAge time.Duration
	// Enhanced enables ack/read tracking. When false every send runs in
	// legacy best-effort mode (no acks, no receipts, no timers).
	Enhanced bool
}

func (c *Config) applyDefaults() {
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 5 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.EvictionAge <= 0 {
		c.EvictionAge = 5 * time.Minute
	}
}

// Option is a functional configuration type for the Engine.
type Option func(*Engine)

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithAuditor wires the external memory-store audit trail. Nil is valid
// and disables auditing.
func WithAuditor(a Auditor) Option {
	return func(e *Engine) {
		e.auditor = a
	}
}
