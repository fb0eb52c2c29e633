package engine

import (
	"testing"
	"time"

	"github.com/miradorstack/mirador-incident/internal/models"
	"github.com/miradorstack/mirador-incident/internal/policy"
)

func testSnapshot(p policy.Policy) policy.Snapshot {
	return policy.NewStaticStore(p).Current()
}

func gatewayTopology() policy.Policy {
	return policy.Policy{
		Topology: policy.TopologyPolicy{Edges: []policy.TopologyEdge{
			{Source: "api-gw-1", Target: "api-gw-1-db"},
		}},
	}
}

func TestEvaluateJoinsRelatedResourceWithinWindow(t *testing.T) {
	snap := testSnapshot(gatewayTopology())
	now := time.Date(2025, 6, 1, 10, 2, 0, 0, time.UTC)

	occ := models.Occurrence{
		Fingerprint: "fp-db",
		Resource:    "api-gw-1-db",
		Metric:      "replication_lag",
		Severity:    models.SeverityWarning,
		LastSeen:    now,
	}
	cand := Candidate{
		ID:           "inc-1",
		CreatedAt:    now.Add(-90 * time.Second),
		LastActivity: now.Add(-30 * time.Second),
		Severity:     models.SeverityWarning,
		Resources:    []string{"api-gw-1"},
	}

	proposal := NewCorrelator(nil).Evaluate(snap, occ, []Candidate{cand}, now)
	if proposal.IncidentID != "inc-1" {
		t.Fatalf("expected join, got %+v", proposal)
	}
	if proposal.Score < snap.Correlation.Threshold {
		t.Fatalf("related resource seconds apart must clear threshold, score=%v", proposal.Score)
	}
}

func TestEvaluateSkipsCandidatesOutsideWindow(t *testing.T) {
	snap := testSnapshot(gatewayTopology())
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	occ := models.Occurrence{Resource: "api-gw-1-db", Severity: models.SeverityWarning, LastSeen: now}
	stale := Candidate{
		ID:           "inc-stale",
		CreatedAt:    now.Add(-time.Hour),
		LastActivity: now.Add(-20 * time.Minute),
		Severity:     models.SeverityWarning,
		Resources:    []string{"api-gw-1"},
	}

	if proposal := NewCorrelator(nil).Evaluate(snap, occ, []Candidate{stale}, now); proposal.IncidentID != "" {
		t.Fatalf("candidate quiet beyond the window must not match: %+v", proposal)
	}
}

func TestEvaluateUnrelatedResourceProposesNewIncident(t *testing.T) {
	snap := testSnapshot(policy.Policy{})
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	occ := models.Occurrence{Resource: "payments", Severity: models.SeverityWarning, LastSeen: now}
	cand := Candidate{
		ID:           "inc-1",
		CreatedAt:    now.Add(-time.Minute),
		LastActivity: now,
		Severity:     models.SeverityWarning,
		Resources:    []string{"api-gw-1"},
	}

	if proposal := NewCorrelator(nil).Evaluate(snap, occ, []Candidate{cand}, now); proposal.IncidentID != "" {
		t.Fatalf("unrelated resource must not join: %+v", proposal)
	}
}

func TestEvaluateTieBreakPrefersEarliestIncident(t *testing.T) {
	snap := testSnapshot(gatewayTopology())
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	occ := models.Occurrence{Resource: "api-gw-1", Severity: models.SeverityWarning, LastSeen: now}
	older := Candidate{
		ID:           "inc-older",
		CreatedAt:    now.Add(-2 * time.Minute),
		LastActivity: now,
		Severity:     models.SeverityWarning,
		Resources:    []string{"api-gw-1"},
	}
	newer := Candidate{
		ID:           "inc-newer",
		CreatedAt:    now.Add(-time.Minute),
		LastActivity: now,
		Severity:     models.SeverityWarning,
		Resources:    []string{"api-gw-1"},
	}

	c := NewCorrelator(nil)
	// Same score either way the slice is ordered.
	for _, candidates := range [][]Candidate{{newer, older}, {older, newer}} {
		proposal := c.Evaluate(snap, occ, candidates, now)
		if proposal.IncidentID != "inc-older" {
			t.Fatalf("tie must resolve to earliest incident, got %+v", proposal)
		}
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	snap := testSnapshot(gatewayTopology())
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	occ := models.Occurrence{Resource: "api-gw-1-db", Severity: models.SeverityCritical, LastSeen: now}
	candidates := []Candidate{
		{ID: "inc-a", CreatedAt: now.Add(-3 * time.Minute), LastActivity: now.Add(-time.Minute), Severity: models.SeverityWarning, Resources: []string{"api-gw-1"}},
		{ID: "inc-b", CreatedAt: now.Add(-2 * time.Minute), LastActivity: now.Add(-10 * time.Second), Severity: models.SeverityCritical, Resources: []string{"api-gw-1", "api-gw-1-db"}},
	}

	c := NewCorrelator(nil)
	first := c.Evaluate(snap, occ, candidates, now)
	for i := 0; i < 10; i++ {
		if got := c.Evaluate(snap, occ, candidates, now); got != first {
			t.Fatalf("evaluation not deterministic: %+v vs %+v", got, first)
		}
	}
}

func TestTemporalProximityDecaysLinearly(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	window := 5 * time.Minute

	cases := []struct {
		gap  time.Duration
		want float64
	}{
		{0, 1},
		{150 * time.Second, 0.5},
		{5 * time.Minute, 0},
		{time.Hour, 0},
	}
	for _, tc := range cases {
		got := temporalProximity(base.Add(tc.gap), base, window)
		if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("gap %v: expected %v, got %v", tc.gap, tc.want, got)
		}
	}
}

func TestSeverityAlignment(t *testing.T) {
	if got := severityAlignment(models.SeverityCritical, models.SeverityCritical); got != 1 {
		t.Fatalf("identical severities should align fully, got %v", got)
	}
	if got := severityAlignment(models.SeverityInfo, models.SeverityCritical); got != 0 {
		t.Fatalf("opposite severities should not align, got %v", got)
	}
	if got := severityAlignment(models.SeverityWarning, models.SeverityCritical); got != 0.5 {
		t.Fatalf("adjacent severities should half-align, got %v", got)
	}
}
