package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/agentmesh/agent-hub/internal/domain/event"
	"github.com/agentmesh/agent-hub/internal/domain/model"
)

// EventSink receives registry lifecycle events. The dispatch fabric
// implements it by publishing to the bus.
type EventSink interface {
	Publish(ev event.Event)
}

// Hubber is the registry gateway used by the engine and the push server.
type Hubber interface {
	Register(inst model.Instance, conn Connector)
	MarkOffline(agentID, instanceID string)
	Unregister(agentID, instanceID string, connID uuid.UUID)
	Touch(agentID, instanceID string)
	LiveInstances(agentID string) []model.Instance
	AllLiveAgentIDs() []string
	Push(agentID, instanceID string, p *model.Push) bool
	Instances(agentID string) []model.Instance
	AllInstances() []model.Instance
	Sessions() int
	Shutdown()
}

// Hub resolves logical agent ids to cells. Cell lookup is lock-free;
// mutation happens under each cell's own lock.
type Hub struct {
	cells sync.Map // agentID -> *Cell

	config struct {
		mailboxSize      int
		sendTimeout      time.Duration
		evictionInterval time.Duration
		idleTimeout      time.Duration
	}

	sink     EventSink
	log      *slog.Logger
	doneCh   chan struct{}
	stopOnce sync.Once
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{doneCh: make(chan struct{})}
	h.config.mailboxSize = 256
	h.config.sendTimeout = 5 * time.Second
	h.config.evictionInterval = time.Minute
	h.config.idleTimeout = 10 * time.Minute
	h.log = slog.Default()

	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) cell(agentID string) (*Cell, bool) {
	if val, ok := h.cells.Load(agentID); ok {
		return val.(*Cell), true
	}
	return nil, false
}

func (h *Hub) cellOrCreate(agentID string) *Cell {
	if c, ok := h.cell(agentID); ok {
		return c
	}
	created := newCell(agentID, h.config.mailboxSize, h.config.sendTimeout, h.onDeadSession)
	val, loaded := h.cells.LoadOrStore(agentID, created)
	if loaded {
		created.stop()
	}
	return val.(*Cell)
}

// Register upserts the instance, replacing any prior session with the
// same (agent, instance) key, and announces the registration.
func (h *Hub) Register(inst model.Instance, conn Connector) {
	inst.Online = true
	inst.LastSeen = time.Now()

	c := h.cellOrCreate(inst.AgentID)
	replaced, cameOnline := c.register(inst, conn)
	if replaced != nil {
		replaced.Close()
	}

	h.publish(instanceEvent(event.TopicInstanceUp, inst.AgentID, inst.InstanceID))
	if cameOnline {
		h.publish(instanceEvent(event.TopicAgentOnline, inst.AgentID, inst.InstanceID))
	}
}

// MarkOffline flips the instance offline, keeping the entry for
// observability until the janitor purges it. Emits agent.offline at most
// once per offline transition of the whole agent.
func (h *Hub) MarkOffline(agentID, instanceID string) {
	c, ok := h.cell(agentID)
	if !ok {
		return
	}
	changed, agentWentOffline := c.markOffline(instanceID)
	if !changed {
		return
	}
	h.publish(instanceEvent(event.TopicInstanceDown, agentID, instanceID))
	if agentWentOffline {
		h.publish(instanceEvent(event.TopicAgentOffline, agentID, instanceID))
	}
}

// Unregister detaches and closes the session connector, then marks the
// instance offline. The connID check makes stale teardowns inert: when a
// re-registration already replaced the session, the superseded socket's
// teardown must not touch the slot its replacement now owns.
func (h *Hub) Unregister(agentID, instanceID string, connID uuid.UUID) {
	c, ok := h.cell(agentID)
	if !ok {
		return
	}
	conn := c.detach(instanceID, connID)
	if conn == nil {
		return
	}
	conn.Close()
	h.MarkOffline(agentID, instanceID)
}

// Touch refreshes lastSeen on heartbeat.
func (h *Hub) Touch(agentID, instanceID string) {
	if c, ok := h.cell(agentID); ok {
		c.touch(instanceID)
	}
}

// LiveInstances returns online instances of the agent, freshest first.
// Unknown agents return an empty slice.
func (h *Hub) LiveInstances(agentID string) []model.Instance {
	if c, ok := h.cell(agentID); ok {
		return c.live()
	}
	return nil
}

// AllLiveAgentIDs lists every agent with at least one online instance.
func (h *Hub) AllLiveAgentIDs() []string {
	var ids []string
	h.cells.Range(func(key, val any) bool {
		if val.(*Cell).anyOnline() {
			ids = append(ids, key.(string))
		}
		return true
	})
	return ids
}

// Push routes an outbound push to one instance session, or to every live
// session of the agent when instanceID is empty. Returns false on miss or
// mailbox overflow.
func (h *Hub) Push(agentID, instanceID string, p *model.Push) bool {
	if c, ok := h.cell(agentID); ok {
		return c.push(instanceID, p)
	}
	return false
}

// Instances returns all known instances of the agent, offline included.
func (h *Hub) Instances(agentID string) []model.Instance {
	if c, ok := h.cell(agentID); ok {
		return c.all()
	}
	return nil
}

func (h *Hub) AllInstances() []model.Instance {
	var out []model.Instance
	h.cells.Range(func(_, val any) bool {
		out = append(out, val.(*Cell).all()...)
		return true
	})
	return out
}

// Sessions counts currently attached session connectors.
func (h *Hub) Sessions() int {
	n := 0
	h.cells.Range(func(_, val any) bool {
		n += val.(*Cell).sessions()
		return true
	})
	return n
}

// Run drives the janitor until the context is cancelled: offline
// instances past the idle grace are purged and quiet cells reclaimed.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.config.evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.doneCh:
			return
		case <-ticker.C:
			h.cells.Range(func(key, val any) bool {
				if val.(*Cell).purge(h.config.idleTimeout) {
					val.(*Cell).stop()
					h.cells.Delete(key)
				}
				return true
			})
		}
	}
}

// Shutdown stops every cell goroutine and closes all sessions.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() {
		close(h.doneCh)
		h.cells.Range(func(key, val any) bool {
			val.(*Cell).stop()
			h.cells.Delete(key)
			return true
		})
	})
}

// onDeadSession runs on the cell loop after a session was closed for
// refusing pushes; it only flips registry state and announces it.
func (h *Hub) onDeadSession(agentID, instanceID string, _ uuid.UUID) {
	h.log.Warn("session evicted on backpressure",
		"agent_id", agentID,
		"instance_id", instanceID,
	)
	h.MarkOffline(agentID, instanceID)
}

func (h *Hub) publish(ev event.Event) {
	if h.sink != nil {
		h.sink.Publish(ev)
	}
}

func instanceEvent(topic, agentID, instanceID string) event.Event {
	ev := event.New(topic)
	ev.AgentID = agentID
	ev.InstanceID = instanceID
	return ev
}
