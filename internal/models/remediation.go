package models

import "time"

// ActionKind enumerates supported remediation responses.
type ActionKind string

const (
	ActionScale   ActionKind = "scale"
	ActionRestart ActionKind = "restart"
	ActionNotify  ActionKind = "notify"
	ActionTicket  ActionKind = "ticket"
	ActionCustom  ActionKind = "custom"
)

// ActionStatus tracks a remediation action through its execution.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionApproved  ActionStatus = "approved"
	ActionExecuting ActionStatus = "executing"
	ActionSucceeded ActionStatus = "succeeded"
	ActionFailed    ActionStatus = "failed"
	ActionSkipped   ActionStatus = "skipped"
)

// RemediationAction is a planned or executed response to an incident.
// IncidentID is a back-reference, not an ownership edge.
type RemediationAction struct {
	ID         string            `json:"actionId"`
	IncidentID string            `json:"incidentId"`
	Kind       ActionKind        `json:"kind"`
	Resource   string            `json:"resource"`
	Params     map[string]string `json:"params,omitempty"`
	Status     ActionStatus      `json:"status"`
	Attempts   int               `json:"attempts"`
	LastError  string            `json:"lastError,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}
