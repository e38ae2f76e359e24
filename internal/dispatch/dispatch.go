// Package dispatch couples the delivery engine to its transports: it is
// the only component allowed to hold transport references inside engine
// call paths, keeping the engine pure.
package dispatch

import (
	"log/slog"

	"github.com/agentmesh/agent-hub/internal/domain/event"
	"github.com/agentmesh/agent-hub/internal/domain/model"
	"github.com/agentmesh/agent-hub/internal/domain/registry"
)

// Publisher is the bus side the fabric publishes lifecycle events to.
type Publisher interface {
	Publish(ev event.Event)
}

// Fabric implements engine.Transport and registry.EventSink.
type Fabric struct {
	hub registry.Hubber
	bus Publisher
	log *slog.Logger
}

func New(hub registry.Hubber, bus Publisher, log *slog.Logger) *Fabric {
	return &Fabric{hub: hub, bus: bus, log: log}
}

// Deliver pushes a deliver envelope toward the target instance session.
// The push is an in-memory mailbox handoff, never a blocking socket
// write; false means the session is unknown or saturated.
func (f *Fabric) Deliver(env model.Envelope) bool {
	frame := deliverFrame(env)
	ok := f.hub.Push(env.ToAgent, env.ToInstance, &model.Push{
		Frame:    frame,
		Priority: env.Priority,
	})
	if !ok {
		f.log.Debug("envelope not accepted",
			"message_id", env.MessageID,
			"agent_id", env.ToAgent,
			"instance_id", env.ToInstance,
		)
	}
	return ok
}

// Publish forwards a lifecycle event to the bus.
func (f *Fabric) Publish(ev event.Event) {
	f.bus.Publish(ev)
}

// MessageReceivedFrame is the wire frame a recipient session gets for a
// deliver envelope.
type MessageReceivedFrame struct {
	Type                string         `json:"type"`
	MessageID           string         `json:"messageId"`
	From                string         `json:"from"`
	MessageType         string         `json:"messageType"`
	Content             any            `json:"content"`
	Priority            string         `json:"priority"`
	RequiresAck         bool           `json:"requiresAck"`
	RequiresReadReceipt bool           `json:"requiresReadReceipt"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

func deliverFrame(env model.Envelope) *MessageReceivedFrame {
	return &MessageReceivedFrame{
		Type:                "message.received",
		MessageID:           env.MessageID,
		From:                env.From,
		MessageType:         string(env.Type),
		Content:             env.Content,
		Priority:            string(env.Priority),
		RequiresAck:         env.RequiresAck,
		RequiresReadReceipt: env.RequiresReadReceipt,
		Metadata:            env.Metadata,
	}
}
