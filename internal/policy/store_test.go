package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/miradorstack/mirador-incident/internal/models"
)

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write policy file: %v", err)
	}
	return path
}

func TestNewStoreDefaultsWithoutPath(t *testing.T) {
	store, err := NewStore("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := store.Current()
	if snap.Version != 1 {
		t.Fatalf("expected version 1, got %d", snap.Version)
	}
	if !snap.AutomatedRemediation {
		t.Fatal("defaults must allow automated remediation")
	}
	if snap.Correlation.Threshold != 0.8 {
		t.Fatalf("expected default threshold 0.8, got %v", snap.Correlation.Threshold)
	}
	if snap.Lifecycle.CoolDown != 10*time.Minute {
		t.Fatalf("expected default cooldown 10m, got %v", snap.Lifecycle.CoolDown)
	}
}

func TestNewStoreLoadsFile(t *testing.T) {
	path := writePolicy(t, `
correlation:
  window: 3m
  threshold: 0.9
topology:
  edges:
    - source: api-gw-1
      target: api-gw-1-db
remediation:
  maxAttempts: 2
  rateLimit:
    max: 1
    window: 15m
  actions:
    - severity: critical
      kind: restart
`)
	store, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := store.Current()
	if snap.Correlation.Window != 3*time.Minute || snap.Correlation.Threshold != 0.9 {
		t.Fatalf("file values not applied: %+v", snap.Correlation)
	}
	// Unset sections fall back to defaults.
	if snap.Escalation.ScoreStreak != 2 {
		t.Fatalf("expected default score streak, got %d", snap.Escalation.ScoreStreak)
	}
	if !snap.Topology.Related("api-gw-1", "api-gw-1-db") {
		t.Fatal("topology edge not loaded")
	}
	if !snap.AutomatedRemediation {
		t.Fatal("valid remediation section should keep automation enabled")
	}
}

func TestNewStoreFailsClosedOnInvalidRemediation(t *testing.T) {
	path := writePolicy(t, `
correlation:
  threshold: 0.85
remediation:
  maxAttempts: 3
  rateLimit:
    max: 1
    window: 15m
  actions:
    - severity: critical
      kind: reboot-the-universe
`)
	store, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("invalid remediation must not fail startup: %v", err)
	}
	snap := store.Current()
	if snap.AutomatedRemediation {
		t.Fatal("invalid remediation section must disable automation")
	}
	// Correlation still runs on the loaded settings.
	if snap.Correlation.Threshold != 0.85 {
		t.Fatalf("correlation settings lost: %v", snap.Correlation.Threshold)
	}
}

func TestNewStoreMissingFileIsFatal(t *testing.T) {
	if _, err := NewStore(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Fatal("expected error for missing policy file")
	}
}

func TestReloadBumpsVersionAndKeepsPreviousOnParseError(t *testing.T) {
	path := writePolicy(t, `
correlation:
  threshold: 0.7
remediation:
  maxAttempts: 3
  rateLimit:
    max: 1
    window: 15m
`)
	store, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first := store.Current()

	if err := os.WriteFile(path, []byte("correlation:\n  threshold: 0.95\n"), 0o644); err != nil {
		t.Fatalf("rewrite policy: %v", err)
	}
	if err := store.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	second := store.Current()
	if second.Version != first.Version+1 {
		t.Fatalf("version must increase on reload: %d -> %d", first.Version, second.Version)
	}
	if second.Correlation.Threshold != 0.95 {
		t.Fatalf("reload did not apply new threshold: %v", second.Correlation.Threshold)
	}

	if err := os.WriteFile(path, []byte(":: not yaml ::"), 0o644); err != nil {
		t.Fatalf("rewrite policy: %v", err)
	}
	if err := store.Reload(); err == nil {
		t.Fatal("expected parse error")
	}
	if got := store.Current(); got.Version != second.Version {
		t.Fatalf("parse failure must keep previous snapshot, got version %d", got.Version)
	}
}

func TestResourceTypeLongestPrefixWins(t *testing.T) {
	p := Policy{Remediation: RemediationPolicy{ResourceTypes: []ResourceTypeRule{
		{Type: "gateway", Prefix: "api"},
		{Type: "gateway-db", Prefix: "api-gw-1-db"},
	}}}
	if got := p.ResourceType("api-gw-1-db"); got != "gateway-db" {
		t.Fatalf("expected longest prefix match, got %q", got)
	}
	if got := p.ResourceType("checkout"); got != "" {
		t.Fatalf("unmatched resource should classify empty, got %q", got)
	}
}

func TestActionsForMatchesSeverityAndType(t *testing.T) {
	p := Policy{Remediation: RemediationPolicy{Actions: []ActionRule{
		{Severity: "critical", ResourceType: "gateway", Kind: models.ActionScale},
		{Severity: "critical", ResourceType: "database", Kind: models.ActionRestart},
		{Severity: "warning", Kind: models.ActionNotify},
	}}}

	rules := p.ActionsFor(models.SeverityCritical, "gateway")
	if len(rules) != 1 || rules[0].Kind != models.ActionScale {
		t.Fatalf("expected scale rule for critical gateway, got %+v", rules)
	}
	// Empty resource type on the rule matches any classification.
	rules = p.ActionsFor(models.SeverityWarning, "database")
	if len(rules) != 1 || rules[0].Kind != models.ActionNotify {
		t.Fatalf("expected notify rule for warning, got %+v", rules)
	}
	if rules := p.ActionsFor(models.SeverityInfo, "gateway"); len(rules) != 0 {
		t.Fatalf("expected no rules for info, got %+v", rules)
	}
}

func TestStaticStoreNormalizes(t *testing.T) {
	store := NewStaticStore(Policy{})
	snap := store.Current()
	if snap.Correlation.Window != 5*time.Minute {
		t.Fatalf("static store must normalize, got window %v", snap.Correlation.Window)
	}
}
