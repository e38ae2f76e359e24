package model

import (
	"time"
)

// DeliveryMode describes how the recipient set of a message was formed.
type DeliveryMode string

const (
	// ModeA2A targets exactly one agent.
	ModeA2A DeliveryMode = "a2a"
	// ModeA2MA targets an explicit set of agents.
	ModeA2MA DeliveryMode = "a2ma"
	// ModeBroadcast targets every agent online at send time except the sender.
	ModeBroadcast DeliveryMode = "broadcast"
)

// BroadcastToken is the recipient sentinel that expands to all online agents.
const BroadcastToken = "*"

type MessageType string

const (
	TypeContent      MessageType = "content"
	TypeConfirmation MessageType = "confirmation"
	TypeSystem       MessageType = "system"
)

// Priority orders messages for backpressure eviction on saturated sessions.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank maps a priority to a comparable weight. Unknown values sort lowest.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityCritical:
		return 4
	}
	return 0
}

// RecipientState tracks one recipient of a multi-recipient message.
type RecipientState struct {
	Status         Status     `json:"status"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

// Message is the engine's in-memory record governing a single in-flight
// send, plus the snapshot shape returned to callers and serialized on the
// wire. Recipients is populated only for a2ma/broadcast modes.
type Message struct {
	ID           string         `json:"id"`
	From         string         `json:"from"`
	To           []string       `json:"to"`
	DeliveryMode DeliveryMode   `json:"delivery_mode"`
	Type         MessageType    `json:"message_type"`
	Priority     Priority       `json:"priority"`
	Content      any            `json:"content"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`

	RequiresAck            bool `json:"requires_ack"`
	RequiresReadReceipt    bool `json:"requires_read_receipt"`
	ConfirmationChainDepth int  `json:"confirmation_chain_depth,omitempty"`

	Status         Status     `json:"status"`
	Attempts       int        `json:"attempts"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	TimeoutAt      *time.Time `json:"timeout_at,omitempty"`

	Recipients map[string]*RecipientState `json:"recipients,omitempty"`
}

// Clone returns a deep copy safe to hand outside the engine's lock.
func (m *Message) Clone() *Message {
	cp := *m
	cp.To = append([]string(nil), m.To...)
	if m.Metadata != nil {
		cp.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	if m.Recipients != nil {
		cp.Recipients = make(map[string]*RecipientState, len(m.Recipients))
		for k, v := range m.Recipients {
			rs := *v
			cp.Recipients[k] = &rs
		}
	}
	return &cp
}

// SendRequest carries the caller-supplied fields of a send. Nil policy
// pointers mean "apply the default for the message type".
type SendRequest struct {
	From                   string
	To                     []string
	Broadcast              bool
	Content                any
	Type                   MessageType
	Priority               Priority
	RequiresAck            *bool
	RequiresReadReceipt    *bool
	Metadata               map[string]any
	ConfirmationChainDepth int
}

// ConfirmationPayload is the content of an engine-synthesized confirmation
// message sent back to the original sender.
type ConfirmationPayload struct {
	Confirms  string `json:"confirms"` // DELIVERY_CONFIRMED or READ_CONFIRMED
	MessageID string `json:"message_id"`
	By        string `json:"by"`
}

const (
	DeliveryConfirmed = "DELIVERY_CONFIRMED"
	ReadConfirmed     = "READ_CONFIRMED"
)
