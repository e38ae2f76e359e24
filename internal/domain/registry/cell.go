/*
Package registry tracks every known agent, its instances and their live
sessions, and routes outbound pushes to the right socket.

Key concepts:
  - Cells: every agent is represented by an isolated cell that owns the
    instance table and the live sessions for that identity.
  - Mailboxes: each cell drains a buffered mailbox on its own goroutine,
    so a slow consumer never blocks the delivery engine.
  - Concurrency: lock-free cell lookup via sync.Map, fine-grained locking
    inside each cell.
*/
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/agentmesh/agent-hub/internal/domain/model"
)

// directed is one mailbox element: a push bound for a specific instance,
// or for every live session of the agent when instanceID is empty.
type directed struct {
	instanceID string
	push       *model.Push
}

// slot pairs instance bookkeeping with its session connector. An offline
// instance keeps its slot (conn nil) until the janitor purges it.
type slot struct {
	inst model.Instance
	conn Connector
}

// deadFn is invoked outside cell locks when a session stops accepting
// pushes and has been closed.
type deadFn func(agentID, instanceID string, connID uuid.UUID)

// Cell owns all state for a single agent id.
type Cell struct {
	agentID string

	mu        sync.RWMutex
	instances map[string]*slot

	mailbox chan directed
	doneCh  chan struct{}

	sendTimeout time.Duration
	onDead      deadFn

	lastActivityAt time.Time
}

func newCell(agentID string, mailboxSize int, sendTimeout time.Duration, onDead deadFn) *Cell {
	c := &Cell{
		agentID:        agentID,
		instances:      make(map[string]*slot),
		mailbox:        make(chan directed, mailboxSize),
		doneCh:         make(chan struct{}),
		sendTimeout:    sendTimeout,
		onDead:         onDead,
		lastActivityAt: time.Now(),
	}
	go c.loop()
	return c
}

// register upserts the instance and attaches its session. It returns the
// replaced connector (to be closed by the caller) and whether the agent
// transitioned from fully offline to online.
func (c *Cell) register(inst model.Instance, conn Connector) (replaced Connector, cameOnline bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wasOnline := c.anyOnlineLocked()
	if prev, ok := c.instances[inst.InstanceID]; ok && prev.conn != nil {
		replaced = prev.conn
	}
	c.instances[inst.InstanceID] = &slot{inst: inst, conn: conn}
	c.lastActivityAt = time.Now()
	return replaced, !wasOnline
}

// markOffline flips the instance offline. Both returns are transition
// flags: changed is false when the instance was already offline.
func (c *Cell) markOffline(instanceID string) (changed, agentWentOffline bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.instances[instanceID]
	if !ok || !s.inst.Online {
		return false, false
	}
	s.inst.Online = false
	s.inst.LastSeen = time.Now()
	s.conn = nil
	c.lastActivityAt = time.Now()
	return true, !c.anyOnlineLocked()
}

// detach removes the session connector if it still belongs to connID,
// returning it for closing. Registration state is handled by markOffline.
func (c *Cell) detach(instanceID string, connID uuid.UUID) Connector {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.instances[instanceID]
	if !ok || s.conn == nil || s.conn.GetID() != connID {
		return nil
	}
	conn := s.conn
	s.conn = nil
	return conn
}

func (c *Cell) touch(instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.instances[instanceID]; ok {
		s.inst.LastSeen = time.Now()
	}
	c.lastActivityAt = time.Now()
}

func (c *Cell) anyOnlineLocked() bool {
	for _, s := range c.instances {
		if s.inst.Online {
			return true
		}
	}
	return false
}

func (c *Cell) anyOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.anyOnlineLocked()
}

// live returns online instances, freshest lastSeen first.
func (c *Cell) live() []model.Instance {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]model.Instance, 0, len(c.instances))
	for _, s := range c.instances {
		if s.inst.Online {
			out = append(out, s.inst)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

func (c *Cell) all() []model.Instance {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]model.Instance, 0, len(c.instances))
	for _, s := range c.instances {
		out = append(out, s.inst)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].InstanceID < out[j].InstanceID
	})
	return out
}

func (c *Cell) sessions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, s := range c.instances {
		if s.conn != nil {
			n++
		}
	}
	return n
}

// push enqueues a directed delivery. Returns false on mailbox overflow.
func (c *Cell) push(instanceID string, p *model.Push) bool {
	c.mu.Lock()
	c.lastActivityAt = time.Now()
	c.mu.Unlock()

	select {
	case c.mailbox <- directed{instanceID: instanceID, push: p}:
		return true
	default:
		return false
	}
}

// purge drops offline instances idle for longer than grace and reports
// whether the cell is now empty and quiet (eligible for eviction).
func (c *Cell) purge(grace time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for id, s := range c.instances {
		if !s.inst.Online && s.conn == nil && now.Sub(s.inst.LastSeen) > grace {
			delete(c.instances, id)
		}
	}
	return len(c.instances) == 0 && now.Sub(c.lastActivityAt) > grace
}

func (c *Cell) loop() {
	for {
		select {
		case <-c.doneCh:
			return
		case d := <-c.mailbox:
			c.deliver(d)
		}
	}
}

// deliver hands the push to the target session(s). Failed sessions are
// closed and reported outside the lock so the hub can mark them offline.
func (c *Cell) deliver(d directed) {
	type target struct {
		instanceID string
		conn       Connector
	}

	c.mu.RLock()
	var targets []target
	if d.instanceID != "" {
		if s, ok := c.instances[d.instanceID]; ok && s.conn != nil {
			targets = append(targets, target{d.instanceID, s.conn})
		}
	} else {
		for id, s := range c.instances {
			if s.conn != nil {
				targets = append(targets, target{id, s.conn})
			}
		}
	}
	c.mu.RUnlock()

	for _, t := range targets {
		if t.conn.Send(d.push, c.sendTimeout) {
			continue
		}
		// Session refused the push within the send window: treat it as dead.
		connID := t.conn.GetID()
		t.conn.Close()
		if c.onDead != nil {
			c.onDead(c.agentID, t.instanceID, connID)
		}
	}
}

func (c *Cell) stop() {
	close(c.doneCh)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.instances {
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
	}
}
