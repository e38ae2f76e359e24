// Package event defines the lifecycle events published on the in-process
// bus. Every state transition of interest flows through here and nowhere
// else; transports subscribe and fan events out to interested sessions.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Bus topics. A topic string doubles as the wire frame type for clients.
const (
	TopicDeliveryConfirmed = "delivery.confirmed"
	TopicAcknowledged      = "message.acknowledged"
	TopicRead              = "message.read"
	TopicDeliveryFailed    = "delivery.failed"
	TopicAckTimeout        = "acknowledgment.timeout"
	TopicAgentOnline       = "agent.online"
	TopicAgentOffline      = "agent.offline"
	TopicInstanceUp        = "instance.registered"
	TopicInstanceDown      = "instance.offline"
)

// MessageTopics are the per-message lifecycle topics, in the order a
// subscriber may observe them for a single message id.
var MessageTopics = []string{
	TopicDeliveryConfirmed,
	TopicAcknowledged,
	TopicRead,
	TopicDeliveryFailed,
	TopicAckTimeout,
}

// PresenceTopics fan out to every connected session.
var PresenceTopics = []string{
	TopicAgentOnline,
	TopicAgentOffline,
}

// Event is a single lifecycle notification. Agents lists the logical
// agents the event concerns; transports use it to filter subscribers.
type Event struct {
	Topic      string    `json:"topic"`
	ID         string    `json:"id"`
	MessageID  string    `json:"message_id,omitempty"`
	From       string    `json:"from,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	InstanceID string    `json:"instance_id,omitempty"`
	Agents     []string  `json:"agents,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// New builds an event with a fresh id and the current timestamp.
func New(topic string) Event {
	return Event{
		Topic:      topic,
		ID:         uuid.NewString(),
		OccurredAt: time.Now().UTC(),
	}
}

// Concerns reports whether the event touches any agent in the given set.
func (e Event) Concerns(subs map[string]struct{}) bool {
	if len(subs) == 0 {
		return false
	}
	if e.AgentID != "" {
		if _, ok := subs[e.AgentID]; ok {
			return true
		}
	}
	if e.From != "" {
		if _, ok := subs[e.From]; ok {
			return true
		}
	}
	for _, a := range e.Agents {
		if _, ok := subs[a]; ok {
			return true
		}
	}
	return false
}
