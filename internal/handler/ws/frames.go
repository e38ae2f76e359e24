package ws

import (
	"encoding/json"
	"fmt"

	"github.com/agentmesh/agent-hub/internal/domain/model"
)

// clientFrame is the union of every inbound frame. Type selects which
// fields are meaningful; unknown fields are ignored.
type clientFrame struct {
	Type string `json:"type"`

	// register
	AgentID      string   `json:"agentId"`
	InstanceID   string   `json:"instanceId"`
	Capabilities []string `json:"capabilities"`
	Token        string   `json:"token"`

	// subscribe / unsubscribe
	TargetAgents  []string `json:"targetAgents"`
	TargetAgentID string   `json:"targetAgentId"`

	// send_message. To accepts a single agent id or an array of them.
	To                  json.RawMessage `json:"to"`
	Broadcast           bool            `json:"broadcast"`
	Content             any             `json:"content"`
	MessageType         string          `json:"messageType"`
	Priority            string          `json:"priority"`
	RequiresAck         *bool           `json:"requiresAck"`
	RequiresReadReceipt *bool           `json:"requiresReadReceipt"`
	Metadata            map[string]any  `json:"metadata"`

	// acknowledge / read_receipt / get_status
	MessageID string `json:"messageId"`
}

// recipients normalizes the polymorphic "to" field.
func (f *clientFrame) recipients() ([]string, error) {
	if len(f.To) == 0 {
		return nil, nil
	}
	var one string
	if err := json.Unmarshal(f.To, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(f.To, &many); err == nil {
		return many, nil
	}
	return nil, fmt.Errorf("to must be an agent id or an array of agent ids")
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type welcomeFrame struct {
	Type      string   `json:"type"`
	SessionID string   `json:"sessionId"`
	Features  []string `json:"features"`
}

type registeredFrame struct {
	Type       string `json:"type"`
	AgentID    string `json:"agentId"`
	InstanceID string `json:"instanceId"`
	SessionID  string `json:"sessionId"`
}

type sentFrame struct {
	Type         string `json:"type"`
	MessageID    string `json:"messageId"`
	Status       string `json:"status"`
	DeliveryMode string `json:"deliveryMode"`
}

type heartbeatAckFrame struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

type subscriptionFrame struct {
	Type         string   `json:"type"`
	TargetAgents []string `json:"targetAgents"`
}

type statusFrame struct {
	Type    string             `json:"type"`
	Found   bool               `json:"found"`
	Message *model.Message     `json:"message,omitempty"`
	Agent   *model.AgentStatus `json:"agent,omitempty"`
	Stats   *model.HubStats    `json:"stats,omitempty"`
}

type closedFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
	Code   string `json:"code,omitempty"`
}
