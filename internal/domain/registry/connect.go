package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/agentmesh/agent-hub/internal/domain/model"
)

// Interface guard
var _ Connector = (*connect)(nil)

// Connector is the session handle the transport layer holds: a buffered,
// priority-aware mailbox between the hub and one socket writer.
type Connector interface {
	GetID() uuid.UUID
	GetAgentID() string
	GetInstanceID() string
	Send(p *model.Push, timeout time.Duration) bool
	Recv() <-chan *model.Push
	Close()
}

type connect struct {
	id         uuid.UUID
	agentID    string
	instanceID string
	createdAt  time.Time

	ctx      context.Context
	cancelFn context.CancelFunc

	// sendMu fences sendCh against Close: producers hold the read side
	// across every channel operation, Close takes the write side before
	// closing, so a send can never commit to a closed channel.
	sendMu    sync.RWMutex
	closed    bool
	sendCh    chan *model.Push
	closeOnce sync.Once

	droppedCount uint64
}

// connectPool recycles connectors across sessions to reduce GC pressure.
var connectPool = sync.Pool{
	New: func() any {
		return &connect{}
	},
}

// NewConnector acquires a pooled connector bound to the given identity.
func NewConnector(ctx context.Context, agentID, instanceID string, bufferSize int) Connector {
	c := connectPool.Get().(*connect)
	c.reset(ctx, agentID, instanceID, bufferSize)
	return c
}

// reset wipes pooled state with a struct literal so stale fields and the
// sync.Once guard never leak between sessions.
func (c *connect) reset(ctx context.Context, agentID, instanceID string, bufferSize int) {
	childCtx, cancel := context.WithCancel(ctx)

	*c = connect{
		id:         uuid.New(),
		agentID:    agentID,
		instanceID: instanceID,
		createdAt:  time.Now(),
		ctx:        childCtx,
		cancelFn:   cancel,
		sendCh:     make(chan *model.Push, bufferSize),
	}
}

func (c *connect) GetID() uuid.UUID       { return c.id }
func (c *connect) GetAgentID() string     { return c.agentID }
func (c *connect) GetInstanceID() string  { return c.instanceID }
func (c *connect) Recv() <-chan *model.Push { return c.sendCh }

// Send enqueues a push, waiting up to timeout for mailbox space so that
// transient jitter does not drop frames. A saturated mailbox falls through
// to priority-based eviction.
func (c *connect) Send(p *model.Push, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()

	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		return false
	}

	select {
	case c.sendCh <- p:
		return true
	case <-ctx.Done():
		if c.ctx.Err() != nil {
			return false
		}
		return c.handleBackpressure(p)
	}
}

// handleBackpressure manages full buffers by dropping low-priority pushes.
// Several producers (cell loop, event routers) share one mailbox, so every
// channel operation here is non-blocking.
func (c *connect) handleBackpressure(p *model.Push) bool {
	// A low-priority push loses immediately; keep the buffer for urgent ones.
	if p.Priority.Rank() > model.PriorityLow.Rank() {
		// Try to evict one queued push of lower priority to make room.
		select {
		case old := <-c.sendCh:
			if old.Priority.Rank() < p.Priority.Rank() {
				select {
				case c.sendCh <- p:
					return true
				default:
				}
			} else {
				// The queued push was at least as urgent; put it back (best effort).
				select {
				case c.sendCh <- old:
				default:
				}
			}
		default:
		}
	}

	atomic.AddUint64(&c.droppedCount, 1)
	return false
}

// Close terminates the session mailbox and recycles the object. Safe to
// call from the hub (eviction), the cell (dead session) and the transport
// handler (defer) concurrently, and concurrently with Send.
func (c *connect) Close() {
	c.closeOnce.Do(func() {
		// Cancel first so senders blocked on a full mailbox wake up before
		// the channel itself goes away.
		c.cancelFn()

		c.sendMu.Lock()
		c.closed = true
		// Closing the channel tells the socket writer (via !ok) to send a
		// final close frame and exit its pump loop.
		close(c.sendCh)
		c.sendCh = nil
		c.sendMu.Unlock()

		connectPool.Put(c)
	})
}
