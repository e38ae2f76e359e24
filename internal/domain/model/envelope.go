package model

// EnvelopeKind tags outbound transport frames emitted by the dispatcher.
type EnvelopeKind string

const (
	EnvelopeDeliver EnvelopeKind = "deliver"
)

// Envelope is the transient wire unit handed from the engine to the
// transport: one message bound for one concrete instance.
type Envelope struct {
	Kind                EnvelopeKind
	MessageID           string
	From                string
	ToAgent             string
	ToInstance          string
	Type                MessageType
	Priority            Priority
	Content             any
	Metadata            map[string]any
	RequiresAck         bool
	RequiresReadReceipt bool
}

// Push is one element of a session mailbox: an already wire-shaped frame
// plus the priority used for backpressure eviction.
type Push struct {
	Frame    any
	Priority Priority
}
