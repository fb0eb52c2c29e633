package models

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// Severity captures the impact level carried by an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for comparison; higher means more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// MaxSeverity returns the more severe of the two values.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseSeverity maps common severity spellings onto the canonical enum.
// Unknown values default to warning so a misbehaving source cannot silence itself.
func ParseSeverity(value string) Severity {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "info", "informational", "low", "ok", "notice":
		return SeverityInfo
	case "warning", "warn", "medium", "minor":
		return SeverityWarning
	case "critical", "crit", "high", "major", "page", "emergency", "fatal":
		return SeverityCritical
	default:
		return SeverityWarning
	}
}

// Alert is the canonical normalized signal emitted by Event Ingest.
// Immutable once ingested.
type Alert struct {
	ID        string            `json:"id"`
	Source    string            `json:"source"`
	Resource  string            `json:"resource"`
	Metric    string            `json:"metric"`
	Severity  Severity          `json:"severity"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload,omitempty"`
}

// Fingerprint derives the deterministic dedup key identifying the underlying
// condition across repeated alerts.
func (a Alert) Fingerprint() string {
	h := fnv.New64a()
	h.Write([]byte(a.Source))
	h.Write([]byte{'|'})
	h.Write([]byte(a.Resource))
	h.Write([]byte{'|'})
	h.Write([]byte(a.Metric))
	return fmt.Sprintf("%016x", h.Sum64())
}
