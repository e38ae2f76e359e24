package model

// Status is the lifecycle position of a tracked message. Transitions are
// monotone on pending < sent < delivered < acknowledged < read; timeout and
// failed are absorbing terminal states.
type Status string

const (
	StatusPending      Status = "pending"
	StatusSent         Status = "sent"
	StatusDelivered    Status = "delivered"
	StatusAcknowledged Status = "acknowledged"
	StatusRead         Status = "read"
	StatusTimeout      Status = "timeout"
	StatusFailed       Status = "failed"
)

var statusRank = map[Status]int{
	StatusPending:      0,
	StatusSent:         1,
	StatusDelivered:    2,
	StatusAcknowledged: 3,
	StatusRead:         4,
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusRead, StatusTimeout, StatusFailed:
		return true
	}
	return false
}

// Rank returns the position of s on the progress order. Terminal absorbing
// states (timeout, failed) rank above everything so they can never be
// overwritten by a late ack.
func (s Status) Rank() int {
	if s == StatusTimeout || s == StatusFailed {
		return 100
	}
	return statusRank[s]
}

// CanAdvance reports whether a transition from s to next obeys monotonicity.
func (s Status) CanAdvance(next Status) bool {
	if s == StatusTimeout || s == StatusFailed {
		return false
	}
	if next == StatusTimeout || next == StatusFailed {
		return true
	}
	return next.Rank() > s.Rank()
}
