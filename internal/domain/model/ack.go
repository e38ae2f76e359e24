package model

// AckKind discriminates delivery acknowledgments from read receipts.
type AckKind string

const (
	AckDelivery AckKind = "delivery"
	AckRead     AckKind = "read"
)

// Ack is a recipient confirmation for a tracked message. Duplicate
// (From, Kind) pairs for the same message are ignored by the engine.
type Ack struct {
	MessageID    string  `json:"message_id"`
	Kind         AckKind `json:"kind"`
	From         string  `json:"from"`
	FromInstance string  `json:"from_instance,omitempty"`
}

// Key is the duplicate-suppression key recorded on the tracked message.
func (a Ack) Key() string {
	return a.From + ":" + string(a.Kind)
}
