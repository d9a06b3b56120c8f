package bus

import (
	"time"

	"github.com/google/uuid"
)

// SubjectPrefix roots every subject published by fleetd.
const SubjectPrefix = "fleet."

const (
	SubjectAgentOnline        = SubjectPrefix + "agents.online"
	SubjectAgentOffline       = SubjectPrefix + "agents.offline"
	SubjectTransferCompleted  = SubjectPrefix + "transfers.completed"
	SubjectTransferFailed     = SubjectPrefix + "transfers.failed"
	SubjectActivationFinished = SubjectPrefix + "activations.finished"
)

// AgentEvent reports a connection state change.
type AgentEvent struct {
	AgentID  uuid.UUID `json:"agent_id"`
	Hostname string    `json:"hostname,omitempty"`
	State    string    `json:"state"`
	At       time.Time `json:"at"`
}

// TransferEvent reports a transfer reaching a terminal status.
type TransferEvent struct {
	TransferID uuid.UUID `json:"transfer_id"`
	AgentID    uuid.UUID `json:"agent_id"`
	Root       string    `json:"root"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Delivered  int       `json:"delivered"`
	Activate   bool      `json:"activate,omitempty"`
	At         time.Time `json:"at"`
}

// ActivationEvent reports an activation request resolving.
type ActivationEvent struct {
	ActivationID uuid.UUID `json:"activation_id"`
	AgentID      uuid.UUID `json:"agent_id"`
	Target       string    `json:"target"`
	State        string    `json:"state"`
	Reason       string    `json:"reason,omitempty"`
	Active       string    `json:"active,omitempty"`
	At           time.Time `json:"at"`
}
