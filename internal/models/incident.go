package models

import "time"

// OccurrenceState tracks whether a deduplicated condition is still firing.
type OccurrenceState string

const (
	OccurrenceActive   OccurrenceState = "active"
	OccurrenceResolved OccurrenceState = "resolved"
)

// Occurrence is the deduplicated representation of one or more raw alerts
// judged identical by fingerprint.
type Occurrence struct {
	Fingerprint string          `json:"fingerprint"`
	Source      string          `json:"source"`
	Resource    string          `json:"resource"`
	Metric      string          `json:"metric"`
	Severity    Severity        `json:"severity"`
	FirstSeen   time.Time       `json:"firstSeen"`
	LastSeen    time.Time       `json:"lastSeen"`
	Count       int64           `json:"count"`
	State       OccurrenceState `json:"state"`
}

// IncidentState enumerates the incident lifecycle.
type IncidentState string

const (
	IncidentOpen        IncidentState = "open"
	IncidentEscalated   IncidentState = "escalated"
	IncidentRemediating IncidentState = "remediating"
	IncidentResolved    IncidentState = "resolved"
	IncidentClosed      IncidentState = "closed"
)

// Terminal reports whether the state permits no further transitions.
func (s IncidentState) Terminal() bool { return s == IncidentClosed }

// MemberRef records an occurrence attached to an incident.
type MemberRef struct {
	Fingerprint string    `json:"fingerprint"`
	Resource    string    `json:"resource"`
	Severity    Severity  `json:"severity"`
	Resolved    bool      `json:"resolved"`
	AttachedAt  time.Time `json:"attachedAt"`
}

// Incident is a correlated cluster of occurrences believed to share a root
// cause. Owned exclusively by the lifecycle manager.
type Incident struct {
	ID               string               `json:"incidentId"`
	Members          map[string]MemberRef `json:"members"`
	CorrelationScore float64              `json:"correlationScore"`
	Severity         Severity             `json:"severity"`
	State            IncidentState        `json:"state"`
	CreatedAt        time.Time            `json:"createdAt"`
	LastActivity     time.Time            `json:"lastActivity"`
	ClosedAt         time.Time            `json:"closedAt,omitempty"`
	ReopenedFrom     string               `json:"reopenedFrom,omitempty"`
}

// Resources lists the distinct member resources, useful for topology checks.
func (i Incident) Resources() []string {
	seen := make(map[string]struct{}, len(i.Members))
	out := make([]string, 0, len(i.Members))
	for _, m := range i.Members {
		if _, ok := seen[m.Resource]; ok {
			continue
		}
		seen[m.Resource] = struct{}{}
		out = append(out, m.Resource)
	}
	return out
}

// AllMembersResolved reports whether every attached occurrence has resolved.
func (i Incident) AllMembersResolved() bool {
	for _, m := range i.Members {
		if !m.Resolved {
			return false
		}
	}
	return true
}

// TransitionEvent is the structured record emitted on every incident state
// change so external observers can reconstruct the decision chain.
type TransitionEvent struct {
	IncidentID    string        `json:"incidentId"`
	From          IncidentState `json:"from"`
	To            IncidentState `json:"to"`
	Reason        string        `json:"reason"`
	PolicyVersion int64         `json:"policyVersion"`
	At            time.Time     `json:"at"`
}
