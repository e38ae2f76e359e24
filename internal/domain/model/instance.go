package model

import (
	"time"

	"github.com/google/uuid"
)

// Instance is one concurrent embodiment of an agent, bound to a single
// push session. Re-registration of the same (AgentID, InstanceID) pair
// replaces the prior entry.
type Instance struct {
	AgentID      string    `json:"agent_id"`
	InstanceID   string    `json:"instance_id"`
	Online       bool      `json:"online"`
	LastSeen     time.Time `json:"last_seen"`
	Capabilities []string  `json:"capabilities,omitempty"`
	SessionID    uuid.UUID `json:"session_id,omitempty"`
}

// Key returns the registry key of the instance.
func (i Instance) Key() string {
	return i.AgentID + "/" + i.InstanceID
}

// RegisterRequest carries a register frame into the hub.
type RegisterRequest struct {
	AgentID      string
	InstanceID   string
	Capabilities []string
	SessionID    uuid.UUID
	Token        string
}

// AgentStatus is the get_status answer for a logical agent.
type AgentStatus struct {
	AgentID   string     `json:"agent_id"`
	Online    bool       `json:"online"`
	Instances []Instance `json:"instances"`
}
