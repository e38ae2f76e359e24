package wsmarshaller

import (
	"encoding/json"
	"time"

	"github.com/agentmesh/agent-hub/internal/domain/event"
	"github.com/agentmesh/agent-hub/internal/domain/model"
)

// MarshallPush serializes a mailbox push for the websocket wire. Frames
// are stored wire-shaped, so this is a plain encode.
func MarshallPush(p *model.Push) ([]byte, error) {
	return json.Marshal(p.Frame)
}

// LifecycleFrame is the wire shape of a lifecycle event; the bus topic
// doubles as the frame type.
type LifecycleFrame struct {
	Type       string `json:"type"`
	MessageID  string `json:"messageId,omitempty"`
	From       string `json:"from,omitempty"`
	AgentID    string `json:"agentId,omitempty"`
	InstanceID string `json:"instanceId,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// EventFrame maps a bus event to its client frame.
func EventFrame(ev event.Event) *LifecycleFrame {
	return &LifecycleFrame{
		Type:       ev.Topic,
		MessageID:  ev.MessageID,
		From:       ev.From,
		AgentID:    ev.AgentID,
		InstanceID: ev.InstanceID,
		Reason:     ev.Reason,
		Timestamp:  ev.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}

// EventPriority picks the mailbox priority for a lifecycle frame.
// Failures must survive backpressure eviction; presence chatter may not.
func EventPriority(topic string) model.Priority {
	switch topic {
	case event.TopicDeliveryFailed, event.TopicAckTimeout:
		return model.PriorityHigh
	case event.TopicAgentOnline, event.TopicAgentOffline:
		return model.PriorityLow
	}
	return model.PriorityMedium
}
