package model

import "time"

// HubStats is the aggregate counter snapshot exposed by the facade.
type HubStats struct {
	ConnectedSessions int            `json:"connected_sessions"`
	PendingMessages   int            `json:"pending_messages"`
	MessagesByStatus  map[Status]int `json:"messages_by_status,omitempty"`
	Instances         []Instance     `json:"instances"`
	Uptime            time.Duration  `json:"uptime"`
}

// Health is the cheap liveness answer of the facade.
type Health struct {
	Status   string         `json:"status"`
	Features []string       `json:"features"`
	Counters map[string]int `json:"counters"`
}

// WelcomePayload is pushed to a client right after the socket is accepted.
type WelcomePayload struct {
	SessionID string   `json:"session_id"`
	Features  []string `json:"features"`
}

// ClosedPayload is the final frame before a server-initiated close.
type ClosedPayload struct {
	Reason string `json:"reason"`
	Code   string `json:"code,omitempty"` // SHUTDOWN, EVICTED, TIMEOUT
}
