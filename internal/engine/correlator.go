package engine

import (
	"log/slog"
	"sort"
	"time"

	"github.com/miradorstack/mirador-incident/internal/models"
	"github.com/miradorstack/mirador-incident/internal/policy"
)

// Candidate is the read-only view of an open incident the correlator scores
// against. The lifecycle manager builds candidates; the correlator never
// touches incident state directly.
type Candidate struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time
	Severity     models.Severity
	Resources    []string
}

// Proposal is the correlator's membership suggestion for one occurrence.
// An empty IncidentID proposes a new incident.
type Proposal struct {
	IncidentID string
	Score      float64
}

// Correlator groups related occurrences into candidate incidents and computes
// a correlation confidence score from temporal proximity, shared-resource
// overlap, and severity alignment. Weights and threshold come from policy.
type Correlator struct {
	logger *slog.Logger
}

// NewCorrelator constructs a Correlator.
func NewCorrelator(logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{logger: logger}
}

// Evaluate scores the occurrence against every candidate inside the policy
// window and proposes the best qualifying incident. Tie-break is the higher
// score, then the earlier-created incident, so identical histories always
// reproduce identical membership.
func (c *Correlator) Evaluate(pol policy.Snapshot, occ models.Occurrence, candidates []Candidate, now time.Time) Proposal {
	window := pol.Correlation.Window
	threshold := pol.Correlation.Threshold

	ordered := append([]Candidate(nil), candidates...)
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	best := Proposal{}
	for _, cand := range ordered {
		if now.Sub(cand.LastActivity) > window {
			continue
		}
		score := c.score(pol, occ, cand, now)
		c.logger.Debug("correlation evaluated",
			slog.String("fingerprint", occ.Fingerprint),
			slog.String("incident_id", cand.ID),
			slog.Float64("score", score),
			slog.Int64("policy_version", pol.Version))
		if score < threshold {
			continue
		}
		// Strictly greater keeps the earliest candidate on exact ties.
		if score > best.Score {
			best = Proposal{IncidentID: cand.ID, Score: score}
		}
	}
	return best
}

func (c *Correlator) score(pol policy.Snapshot, occ models.Occurrence, cand Candidate, now time.Time) float64 {
	w := pol.Correlation.Weights

	temporal := temporalProximity(occ.LastSeen, cand.LastActivity, pol.Correlation.Window)
	overlap := resourceOverlap(pol.Topology, occ.Resource, cand.Resources)
	severity := severityAlignment(occ.Severity, cand.Severity)

	total := w.Temporal + w.Resource + w.Severity
	if total <= 0 {
		return 0
	}
	return clamp((w.Temporal*temporal+w.Resource*overlap+w.Severity*severity)/total, 0, 1)
}

// temporalProximity scores 1 for simultaneous activity, decaying linearly to
// 0 at the window edge.
func temporalProximity(a, b time.Time, window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	gap := a.Sub(b)
	if gap < 0 {
		gap = -gap
	}
	if gap >= window {
		return 0
	}
	return 1 - float64(gap)/float64(window)
}

// resourceOverlap is the fraction of candidate resources topologically
// related to the occurrence's resource.
func resourceOverlap(topology policy.TopologyPolicy, resource string, candidateResources []string) float64 {
	if len(candidateResources) == 0 {
		return 0
	}
	related := 0
	for _, r := range candidateResources {
		if topology.Related(resource, r) {
			related++
		}
	}
	return float64(related) / float64(len(candidateResources))
}

func severityAlignment(a, b models.Severity) float64 {
	diff := a.Rank() - b.Rank()
	if diff < 0 {
		diff = -diff
	}
	return 1 - float64(diff)/2
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
