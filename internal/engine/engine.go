// Package engine owns the lifecycle of every in-flight message: delivery
// attempts with exponential backoff, acknowledgment and read-receipt
// tracking, timeouts, confirmation synthesis with loop prevention, and
// garbage collection of stale records.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/agentmesh/agent-hub/internal/domain/event"
	"github.com/agentmesh/agent-hub/internal/domain/model"
)

// Resolver is the registry view the engine needs.
type Resolver interface {
	LiveInstances(agentID string) []model.Instance
	AllLiveAgentIDs() []string
}

// Transport is the dispatch fabric: the only way the engine reaches the
// outside world. Deliver must not block; it reports whether the envelope
// was accepted for the target session.
type Transport interface {
	Deliver(env model.Envelope) bool
	Publish(ev event.Event)
}

// Auditor persists message content and audit trails off the correctness
// path. Implementations must tolerate being called concurrently.
type Auditor interface {
	AuditSend(ctx context.Context, m *model.Message)
	AuditTerminal(ctx context.Context, m *model.Message)
}

// tracked is the engine-private record for one in-flight message.
type tracked struct {
	msg *model.Message

	// targets is the frozen recipient resolution: the single agent for
	// a2a, the request list for a2ma, the send-time expansion for
	// broadcast. Never re-evaluated on retry.
	targets []string

	// state holds per-recipient progress for every mode; msg.Recipients
	// aliases it for non-a2a modes.
	state map[string]*model.RecipientState

	// processed guards against duplicate (agent, kind) acks.
	processed map[string]struct{}

	retryTimer *time.Timer
	ackTimer   *time.Timer
	done       bool
}

type Engine struct {
	cfg       Config
	log       *slog.Logger
	resolver  Resolver
	transport Transport
	auditor   Auditor

	mu      sync.Mutex
	tracked map[string]*tracked
	recent  *lru.Cache[string, *model.Message]
	stopped bool
}

// recentStatusCap bounds the cache of terminated message snapshots kept
// for get_status after eviction.
const recentStatusCap = 4096

func New(cfg Config, resolver Resolver, transport Transport, opts ...Option) *Engine {
	cfg.applyDefaults()

	e := &Engine{
		cfg:       cfg,
		log:       slog.Default(),
		resolver:  resolver,
		transport: transport,
		tracked:   make(map[string]*tracked),
	}
	e.recent, _ = lru.New[string, *model.Message](recentStatusCap)

	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drives the sweeper until the context is cancelled. The sweep is
// defensive: the state machine should terminate every message long
// before it ages out.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

// Stop cancels all timers and abandons in-flight messages without
// further notification.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopped = true
	for id, t := range e.tracked {
		stopTimers(t)
		delete(e.tracked, id)
	}
}

// Status returns the live tracked message or, after termination, the
// cached final snapshot.
func (e *Engine) Status(id string) (*model.Message, bool) {
	e.mu.Lock()
	if t, ok := e.tracked[id]; ok {
		snap := t.msg.Clone()
		e.mu.Unlock()
		return snap, true
	}
	e.mu.Unlock()

	if m, ok := e.recent.Get(id); ok {
		return m.Clone(), true
	}
	return nil, false
}

// Pending snapshots every in-flight message.
func (e *Engine) Pending() []*model.Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*model.Message, 0, len(e.tracked))
	for _, t := range e.tracked {
		out = append(out, t.msg.Clone())
	}
	return out
}

// CountByStatus returns in-flight counters for stats/health.
func (e *Engine) CountByStatus() map[model.Status]int {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[model.Status]int)
	for _, t := range e.tracked {
		out[t.msg.Status]++
	}
	return out
}

// sweep evicts tracked messages older than the eviction age.
func (e *Engine) sweep() {
	cutoff := time.Now().Add(-e.cfg.EvictionAge)

	e.mu.Lock()
	var stale []*tracked
	for _, t := range e.tracked {
		if t.msg.CreatedAt.Before(cutoff) {
			stale = append(stale, t)
		}
	}
	for _, t := range stale {
		e.failLocked(t, "stale")
	}
	e.mu.Unlock()

	if len(stale) > 0 {
		e.log.Warn("sweeper evicted stale messages", "count", len(stale))
	}
}

// failLocked force-terminates a message as failed. Caller holds e.mu.
func (e *Engine) failLocked(t *tracked, reason string) {
	if t.done {
		return
	}
	now := time.Now()
	t.msg.Status = model.StatusFailed
	t.msg.TimeoutAt = &now
	for _, rs := range t.state {
		if !rs.Status.Terminal() {
			rs.Status = model.StatusFailed
		}
	}

	ev := event.New(event.TopicDeliveryFailed)
	ev.MessageID = t.msg.ID
	ev.From = t.msg.From
	ev.Agents = append([]string{t.msg.From}, t.targets...)
	ev.Reason = reason
	e.transport.Publish(ev)

	e.evictLocked(t)
}

// evictLocked removes the record, cancels timers, caches the final
// snapshot and hands the audit trail off asynchronously.
func (e *Engine) evictLocked(t *tracked) {
	t.done = true
	stopTimers(t)
	delete(e.tracked, t.msg.ID)

	final := t.msg.Clone()
	e.recent.Add(final.ID, final)

	if e.auditor != nil {
		go e.auditor.AuditTerminal(context.Background(), final)
	}
}

func stopTimers(t *tracked) {
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}
	if t.ackTimer != nil {
		t.ackTimer.Stop()
		t.ackTimer = nil
	}
}
