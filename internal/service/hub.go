// Package service is the hub facade: the single entry point that
// composes the registry, the delivery engine, the dispatch fabric and
// the event bus, and owns the lifecycle of their background loops.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentmesh/agent-hub/config"
	"github.com/agentmesh/agent-hub/internal/adapter/pubsub"
	"github.com/agentmesh/agent-hub/internal/domain/model"
	"github.com/agentmesh/agent-hub/internal/domain/registry"
	"github.com/agentmesh/agent-hub/internal/engine"
)

// Features announced in the welcome frame and the health report.
var Features = []string{
	"guaranteed-delivery",
	"read-receipts",
	"broadcast",
	"heartbeat",
	"get-status",
}

// Hubber is the facade interface the push server (and any surrounding
// RPC layer) programs against.
type Hubber interface {
	Register(ctx context.Context, req model.RegisterRequest) (registry.Connector, model.Instance, error)
	Unregister(agentID, instanceID string, connID uuid.UUID)
	MarkOffline(agentID, instanceID string)
	Touch(agentID, instanceID string)

	Send(ctx context.Context, req model.SendRequest) (*model.Message, error)
	Ack(ctx context.Context, ack model.Ack)

	MessageStatus(id string) (*model.Message, bool)
	AgentStatus(agentID string) model.AgentStatus
	Pending() []*model.Message
	Stats() model.HubStats
	Health() model.Health
}

var _ Hubber = (*Hub)(nil)

// Hub wires the components together. Multiple hubs may coexist in one
// process; there is no package-level state.
type Hub struct {
	cfg      *config.Config
	registry *registry.Hub
	engine   *engine.Engine
	bus      *pubsub.Bus
	auther   Auther
	exporter *pubsub.Exporter
	tracer   trace.Tracer

	mailboxSize int
	startedAt   time.Time
	cancel      context.CancelFunc
}

// HubOption adjusts optional collaborators of the facade.
type HubOption func(*Hub)

// WithExporter enables AMQP export of lifecycle events.
func WithExporter(x *pubsub.Exporter) HubOption {
	return func(h *Hub) {
		h.exporter = x
	}
}

// WithAuther replaces the register-frame credential check.
func WithAuther(a Auther) HubOption {
	return func(h *Hub) {
		h.auther = a
	}
}

func NewHub(cfg *config.Config, reg *registry.Hub, eng *engine.Engine, bus *pubsub.Bus, opts ...HubOption) *Hub {
	h := &Hub{
		cfg:         cfg,
		registry:    reg,
		engine:      eng,
		bus:         bus,
		auther:      NewAPIKeyAuther(cfg.Auth.APIKey),
		tracer:      otel.Tracer("agent-hub/service"),
		mailboxSize: cfg.Session.MailboxSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start launches the background loops (registry janitor, engine
// sweeper, optional event export) and returns immediately.
func (h *Hub) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancel = cancel
	h.startedAt = time.Now()

	go h.registry.Run(loopCtx)
	go h.engine.Run(loopCtx)

	if h.exporter != nil {
		if err := h.exporter.Run(loopCtx); err != nil {
			cancel()
			return err
		}
	}
	return nil
}

// Stop closes all sessions, cancels all timers and abandons in-flight
// messages.
func (h *Hub) Stop(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}
	h.engine.Stop()
	h.registry.Shutdown()

	var errs []error
	if h.exporter != nil {
		errs = append(errs, h.exporter.Close())
	}
	errs = append(errs, h.bus.Close())
	return errors.Join(errs...)
}

// Register authenticates the caller, creates the session connector and
// upserts the instance. A missing instance id gets a generated one.
func (h *Hub) Register(ctx context.Context, req model.RegisterRequest) (registry.Connector, model.Instance, error) {
	if req.AgentID == "" {
		return nil, model.Instance{}, errors.New("agentId is required")
	}
	if err := h.auther.Authorize(ctx, req.AgentID, req.Token); err != nil {
		return nil, model.Instance{}, err
	}

	instanceID := req.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()[:8]
	}

	conn := registry.NewConnector(ctx, req.AgentID, instanceID, h.mailboxSize)
	inst := model.Instance{
		AgentID:      req.AgentID,
		InstanceID:   instanceID,
		Capabilities: req.Capabilities,
		SessionID:    req.SessionID,
	}
	h.registry.Register(inst, conn)

	inst.Online = true
	return conn, inst, nil
}

func (h *Hub) Unregister(agentID, instanceID string, connID uuid.UUID) {
	h.registry.Unregister(agentID, instanceID, connID)
}

func (h *Hub) MarkOffline(agentID, instanceID string) {
	h.registry.MarkOffline(agentID, instanceID)
}

func (h *Hub) Touch(agentID, instanceID string) {
	h.registry.Touch(agentID, instanceID)
}

func (h *Hub) Send(ctx context.Context, req model.SendRequest) (*model.Message, error) {
	ctx, span := h.tracer.Start(ctx, "hub.send",
		trace.WithAttributes(
			attribute.String("from", req.From),
			attribute.Int("recipients", len(req.To)),
		),
	)
	defer span.End()

	m, err := h.engine.Send(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("message_id", m.ID))
	return m, nil
}

func (h *Hub) Ack(ctx context.Context, ack model.Ack) {
	ctx, span := h.tracer.Start(ctx, "hub.ack",
		trace.WithAttributes(
			attribute.String("message_id", ack.MessageID),
			attribute.String("kind", string(ack.Kind)),
		),
	)
	defer span.End()

	h.engine.ProcessAck(ctx, ack)
}

func (h *Hub) MessageStatus(id string) (*model.Message, bool) {
	return h.engine.Status(id)
}

func (h *Hub) AgentStatus(agentID string) model.AgentStatus {
	instances := h.registry.Instances(agentID)
	online := false
	for _, inst := range instances {
		if inst.Online {
			online = true
			break
		}
	}
	return model.AgentStatus{
		AgentID:   agentID,
		Online:    online,
		Instances: instances,
	}
}

func (h *Hub) Pending() []*model.Message {
	return h.engine.Pending()
}

func (h *Hub) Stats() model.HubStats {
	byStatus := h.engine.CountByStatus()
	pending := 0
	for _, n := range byStatus {
		pending += n
	}
	return model.HubStats{
		ConnectedSessions: h.registry.Sessions(),
		PendingMessages:   pending,
		MessagesByStatus:  byStatus,
		Instances:         h.registry.AllInstances(),
		Uptime:            time.Since(h.startedAt),
	}
}

func (h *Hub) Health() model.Health {
	stats := h.Stats()
	return model.Health{
		Status:   "ok",
		Features: Features,
		Counters: map[string]int{
			"connected_sessions": stats.ConnectedSessions,
			"pending_messages":   stats.PendingMessages,
			"known_instances":    len(stats.Instances),
		},
	}
}
