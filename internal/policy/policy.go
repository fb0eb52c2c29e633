package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/miradorstack/mirador-incident/internal/models"
)

// Policy is the versioned rule set read by the correlator, lifecycle manager,
// and dispatcher. Read-only at evaluation time; replaced wholesale on reload.
type Policy struct {
	Correlation CorrelationPolicy `yaml:"correlation"`
	Dedup       DedupPolicy       `yaml:"dedup"`
	Escalation  EscalationPolicy  `yaml:"escalation"`
	Lifecycle   LifecyclePolicy   `yaml:"lifecycle"`
	Topology    TopologyPolicy    `yaml:"topology"`
	Remediation RemediationPolicy `yaml:"remediation"`
}

// CorrelationPolicy controls window bucketing and scoring.
type CorrelationPolicy struct {
	Window    time.Duration `yaml:"window"`
	Threshold float64       `yaml:"threshold"`
	Weights   ScoreWeights  `yaml:"weights"`
}

// ScoreWeights expose the correlation weighting as configuration.
type ScoreWeights struct {
	Temporal float64 `yaml:"temporal"`
	Resource float64 `yaml:"resource"`
	Severity float64 `yaml:"severity"`
}

// DedupPolicy controls occurrence resolution timing.
type DedupPolicy struct {
	QuietWindow   time.Duration `yaml:"quietWindow"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// EscalationPolicy controls when an open incident escalates.
type EscalationPolicy struct {
	// ScoreStreak is the number of consecutive evaluation cycles the
	// correlation score must hold above threshold.
	ScoreStreak int `yaml:"scoreStreak"`
}

// LifecyclePolicy controls incident closing behaviour.
type LifecyclePolicy struct {
	CoolDown    time.Duration `yaml:"coolDown"`
	ReopenGrace time.Duration `yaml:"reopenGrace"`
}

// TopologyPolicy declares which resources are related.
type TopologyPolicy struct {
	Edges []TopologyEdge `yaml:"edges"`
}

// TopologyEdge is an undirected dependency link between two resources.
type TopologyEdge struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

// Related reports whether two resources are identical or share an edge.
func (t TopologyPolicy) Related(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if strings.EqualFold(a, b) {
		return true
	}
	for _, e := range t.Edges {
		if (strings.EqualFold(e.Source, a) && strings.EqualFold(e.Target, b)) ||
			(strings.EqualFold(e.Source, b) && strings.EqualFold(e.Target, a)) {
			return true
		}
	}
	return false
}

// RemediationPolicy maps classified incidents onto actions and safety gates.
type RemediationPolicy struct {
	MaxAttempts    int                `yaml:"maxAttempts"`
	InitialBackoff time.Duration      `yaml:"initialBackoff"`
	MaxBackoff     time.Duration      `yaml:"maxBackoff"`
	RateLimit      RateLimitPolicy    `yaml:"rateLimit"`
	ResourceTypes  []ResourceTypeRule `yaml:"resourceTypes"`
	Actions        []ActionRule       `yaml:"actions"`
}

// RateLimitPolicy bounds automated actions per resource per window.
type RateLimitPolicy struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

// ResourceTypeRule classifies resources by identifier prefix.
type ResourceTypeRule struct {
	Type   string `yaml:"type"`
	Prefix string `yaml:"prefix"`
}

// ActionRule maps (severity, resource type) onto a remediation action.
type ActionRule struct {
	Severity         string            `yaml:"severity"`
	ResourceType     string            `yaml:"resourceType"`
	Kind             models.ActionKind `yaml:"kind"`
	RequiresApproval bool              `yaml:"requiresApproval"`
	Params           map[string]string `yaml:"params"`
}

// Default returns the documented fallback policy used when no file is
// configured or a section fails validation.
func Default() Policy {
	return Policy{
		Correlation: CorrelationPolicy{
			Window:    5 * time.Minute,
			Threshold: 0.8,
			Weights:   ScoreWeights{Temporal: 0.4, Resource: 0.4, Severity: 0.2},
		},
		Dedup: DedupPolicy{
			QuietWindow:   5 * time.Minute,
			SweepInterval: time.Minute,
		},
		Escalation: EscalationPolicy{ScoreStreak: 2},
		Lifecycle: LifecyclePolicy{
			CoolDown:    10 * time.Minute,
			ReopenGrace: 30 * time.Minute,
		},
		Remediation: RemediationPolicy{
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			RateLimit:      RateLimitPolicy{Max: 1, Window: 15 * time.Minute},
		},
	}
}

// ResourceType classifies a resource identifier using the configured prefix
// rules. Longest matching prefix wins; unmatched resources classify as "".
func (p Policy) ResourceType(resource string) string {
	best := ""
	bestLen := -1
	for _, rule := range p.Remediation.ResourceTypes {
		if rule.Prefix == "" {
			continue
		}
		if strings.HasPrefix(resource, rule.Prefix) && len(rule.Prefix) > bestLen {
			best = rule.Type
			bestLen = len(rule.Prefix)
		}
	}
	return best
}

// ActionsFor returns the action rules applicable to the given severity and
// resource type. A rule with an empty severity or resource type matches any.
func (p Policy) ActionsFor(sev models.Severity, resourceType string) []ActionRule {
	matched := make([]ActionRule, 0, 2)
	for _, rule := range p.Remediation.Actions {
		if rule.Severity != "" && !strings.EqualFold(rule.Severity, string(sev)) {
			continue
		}
		if rule.ResourceType != "" && !strings.EqualFold(rule.ResourceType, resourceType) {
			continue
		}
		matched = append(matched, rule)
	}
	return matched
}

// normalize fills zero-valued correlation and lifecycle settings with the
// documented defaults so a sparse policy file still correlates.
func (p *Policy) normalize() {
	def := Default()
	if p.Correlation.Window <= 0 {
		p.Correlation.Window = def.Correlation.Window
	}
	if p.Correlation.Threshold <= 0 || p.Correlation.Threshold > 1 {
		p.Correlation.Threshold = def.Correlation.Threshold
	}
	if p.Correlation.Weights == (ScoreWeights{}) {
		p.Correlation.Weights = def.Correlation.Weights
	}
	if p.Dedup.QuietWindow <= 0 {
		p.Dedup.QuietWindow = def.Dedup.QuietWindow
	}
	if p.Dedup.SweepInterval <= 0 {
		p.Dedup.SweepInterval = def.Dedup.SweepInterval
	}
	if p.Escalation.ScoreStreak <= 0 {
		p.Escalation.ScoreStreak = def.Escalation.ScoreStreak
	}
	if p.Lifecycle.CoolDown <= 0 {
		p.Lifecycle.CoolDown = def.Lifecycle.CoolDown
	}
	if p.Lifecycle.ReopenGrace <= 0 {
		p.Lifecycle.ReopenGrace = def.Lifecycle.ReopenGrace
	}
}

// validateRemediation checks the settings automated execution depends on.
// A failure here disables automated remediation (fail closed) but never
// blocks correlation.
func (p Policy) validateRemediation() error {
	if p.Remediation.MaxAttempts <= 0 {
		return fmt.Errorf("remediation.maxAttempts must be positive")
	}
	if p.Remediation.RateLimit.Max <= 0 || p.Remediation.RateLimit.Window <= 0 {
		return fmt.Errorf("remediation.rateLimit requires positive max and window")
	}
	for i, rule := range p.Remediation.Actions {
		switch rule.Kind {
		case models.ActionScale, models.ActionRestart, models.ActionNotify, models.ActionTicket, models.ActionCustom:
		default:
			return fmt.Errorf("remediation.actions[%d]: unknown kind %q", i, rule.Kind)
		}
	}
	return nil
}
