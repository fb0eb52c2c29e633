package engine

import (
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-incident/internal/dedup"
	"github.com/miradorstack/mirador-incident/internal/models"
	"github.com/miradorstack/mirador-incident/internal/policy"
)

// ErrStaleIncident marks an operation against a closed or unknown incident.
// Callers treat it as a no-op, not a failure.
var ErrStaleIncident = errors.New("stale incident reference")

// TransitionSink receives every incident state change for telemetry fan-out.
type TransitionSink func(models.TransitionEvent)

// DispatchFunc hands an escalated incident to the remediation dispatcher.
type DispatchFunc func(models.Incident)

// Manager owns the incident registry and state machine. The correlator only
// proposes membership; all mutation happens here. Registry access is
// serialized under one mutex, which gives single-writer semantics per
// incident; ingest and dedup never take this lock, so a slow transition
// cannot stall the front of the pipeline.
type Manager struct {
	logger     *slog.Logger
	policies   policy.Source
	correlator *Correlator

	dispatch   DispatchFunc
	sink       TransitionSink
	onResolved func(incidentID string)

	now       func() time.Time
	afterFunc func(time.Duration, func()) *time.Timer
	newID     func() string

	mu            sync.Mutex
	incidents     map[string]*incidentEntry
	byFingerprint map[string]string
	closed        map[string]models.Incident
	closedOrder   []string
	timers        map[string]*time.Timer
}

type incidentEntry struct {
	inc models.Incident
	// streak counts consecutive evaluation cycles with score at or above
	// the policy threshold.
	streak int
}

// NewManager constructs the lifecycle manager.
func NewManager(logger *slog.Logger, policies policy.Source, correlator *Correlator) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if correlator == nil {
		correlator = NewCorrelator(logger)
	}
	return &Manager{
		logger:        logger,
		policies:      policies,
		correlator:    correlator,
		now:           func() time.Time { return time.Now().UTC() },
		afterFunc:     time.AfterFunc,
		newID:         func() string { return uuid.NewString() },
		incidents:     make(map[string]*incidentEntry),
		byFingerprint: make(map[string]string),
		closed:        make(map[string]models.Incident),
		timers:        make(map[string]*time.Timer),
	}
}

// SetDispatch wires the remediation dispatcher. Called once during startup;
// the manager and dispatcher reference each other.
func (m *Manager) SetDispatch(fn DispatchFunc) { m.dispatch = fn }

// SetTransitionSink wires telemetry emission for every state change.
func (m *Manager) SetTransitionSink(sink TransitionSink) { m.sink = sink }

// SetResolveHook registers a callback fired when an incident leaves the
// active remediation path, letting the dispatcher cancel in-flight work.
func (m *Manager) SetResolveHook(fn func(incidentID string)) { m.onResolved = fn }

// effects collects callbacks to run after the registry lock is released, so
// dispatcher re-entry can never deadlock and events emit in decision order.
type effects struct {
	events     []models.TransitionEvent
	dispatches []models.Incident
	resolved   []string
}

func (m *Manager) run(fn func(*effects)) {
	var fx effects
	m.mu.Lock()
	fn(&fx)
	m.mu.Unlock()

	for _, ev := range fx.events {
		if m.sink != nil {
			m.sink(ev)
		}
	}
	for _, id := range fx.resolved {
		if m.onResolved != nil {
			m.onResolved(id)
		}
	}
	for _, inc := range fx.dispatches {
		if m.dispatch != nil {
			m.dispatch(inc)
		}
	}
}

// HandleOccurrence consumes a dedup event: create/update correlates the
// occurrence into an incident, resolve updates membership state.
func (m *Manager) HandleOccurrence(ev dedup.Event) {
	switch ev.Type {
	case dedup.OccurrenceResolved:
		m.run(func(fx *effects) { m.resolveMemberLocked(fx, ev.Occurrence.Fingerprint) })
	default:
		m.run(func(fx *effects) { m.correlateLocked(fx, ev.Occurrence) })
	}
}

func (m *Manager) correlateLocked(fx *effects, occ models.Occurrence) {
	pol := m.policies.Current()
	now := m.now()

	if incidentID, attached := m.byFingerprint[occ.Fingerprint]; attached {
		if entry, ok := m.incidents[incidentID]; ok {
			m.reEvaluateLocked(fx, pol, entry, occ, now)
			return
		}
		delete(m.byFingerprint, occ.Fingerprint)
	}

	proposal := m.correlator.Evaluate(pol, occ, m.candidatesLocked(), now)
	if proposal.IncidentID != "" {
		if entry, ok := m.incidents[proposal.IncidentID]; ok {
			m.attachLocked(fx, pol, entry, occ, proposal.Score, now)
			return
		}
	}
	m.createLocked(fx, pol, occ, now)
}

// reEvaluateLocked rescores an already-attached occurrence. When another
// incident scores strictly higher the switch is an explicit detach then
// attach, never a silent move.
func (m *Manager) reEvaluateLocked(fx *effects, pol policy.Snapshot, entry *incidentEntry, occ models.Occurrence, now time.Time) {
	current := m.correlator.Evaluate(pol, occ, []Candidate{m.candidateOf(entry)}, now)

	others := make([]Candidate, 0, len(m.incidents))
	for id, other := range m.incidents {
		if id == entry.inc.ID || !joinable(other.inc.State) {
			continue
		}
		others = append(others, m.candidateOf(other))
	}
	better := m.correlator.Evaluate(pol, occ, others, now)

	if better.IncidentID != "" && better.Score > current.Score {
		m.detachLocked(fx, entry, occ.Fingerprint, "higher-scoring incident "+better.IncidentID)
		if target, ok := m.incidents[better.IncidentID]; ok {
			m.attachLocked(fx, pol, target, occ, better.Score, now)
			return
		}
	}
	m.attachLocked(fx, pol, entry, occ, current.Score, now)
}

func (m *Manager) candidatesLocked() []Candidate {
	out := make([]Candidate, 0, len(m.incidents))
	for _, entry := range m.incidents {
		if !joinable(entry.inc.State) {
			continue
		}
		out = append(out, m.candidateOf(entry))
	}
	return out
}

func (m *Manager) candidateOf(entry *incidentEntry) Candidate {
	return Candidate{
		ID:           entry.inc.ID,
		CreatedAt:    entry.inc.CreatedAt,
		LastActivity: entry.inc.LastActivity,
		Severity:     entry.inc.Severity,
		Resources:    entry.inc.Resources(),
	}
}

// joinable states accept new members. Resolved incidents reactivate through
// attach instead, and closed incidents are immutable.
func joinable(state models.IncidentState) bool {
	switch state {
	case models.IncidentOpen, models.IncidentEscalated, models.IncidentRemediating:
		return true
	default:
		return false
	}
}

func (m *Manager) attachLocked(fx *effects, pol policy.Snapshot, entry *incidentEntry, occ models.Occurrence, score float64, now time.Time) {
	member, existed := entry.inc.Members[occ.Fingerprint]
	if !existed {
		member = models.MemberRef{
			Fingerprint: occ.Fingerprint,
			Resource:    occ.Resource,
			AttachedAt:  now,
		}
	}
	member.Severity = occ.Severity
	member.Resolved = false
	entry.inc.Members[occ.Fingerprint] = member
	m.byFingerprint[occ.Fingerprint] = entry.inc.ID

	// Severity only escalates; it drops solely through explicit resolution.
	entry.inc.Severity = models.MaxSeverity(entry.inc.Severity, occ.Severity)
	entry.inc.LastActivity = now
	if score > 0 {
		entry.inc.CorrelationScore = score
	}

	if score >= pol.Correlation.Threshold {
		entry.streak++
	} else {
		entry.streak = 0
	}

	if entry.inc.State == models.IncidentResolved {
		m.cancelTimerLocked(entry.inc.ID)
		m.transitionLocked(fx, pol, entry, models.IncidentEscalated, "reactivated during cool-down")
		return
	}

	if entry.inc.State == models.IncidentOpen {
		if entry.inc.Severity == models.SeverityCritical {
			m.transitionLocked(fx, pol, entry, models.IncidentEscalated, "severity critical")
		} else if entry.streak >= pol.Escalation.ScoreStreak {
			m.transitionLocked(fx, pol, entry, models.IncidentEscalated,
				"correlation score held above threshold for "+strconv.Itoa(entry.streak)+" cycles")
		}
	}
}

func (m *Manager) detachLocked(fx *effects, entry *incidentEntry, fingerprint, reason string) {
	delete(entry.inc.Members, fingerprint)
	delete(m.byFingerprint, fingerprint)
	m.logger.Info("occurrence detached",
		slog.String("fingerprint", fingerprint),
		slog.String("incident_id", entry.inc.ID),
		slog.String("reason", reason))
	if len(entry.inc.Members) == 0 {
		// An incident with no members left resolves immediately.
		if joinable(entry.inc.State) {
			pol := m.policies.Current()
			m.transitionLocked(fx, pol, entry, models.IncidentResolved, "all members detached")
			m.startCooldownLocked(pol, entry.inc.ID)
		}
	}
}

func (m *Manager) createLocked(fx *effects, pol policy.Snapshot, occ models.Occurrence, now time.Time) {
	inc := models.Incident{
		ID:           m.newID(),
		Members:      make(map[string]models.MemberRef, 1),
		Severity:     occ.Severity,
		State:        models.IncidentOpen,
		CreatedAt:    now,
		LastActivity: now,
		ReopenedFrom: m.reopenReferenceLocked(pol, occ, now),
	}
	inc.Members[occ.Fingerprint] = models.MemberRef{
		Fingerprint: occ.Fingerprint,
		Resource:    occ.Resource,
		Severity:    occ.Severity,
		AttachedAt:  now,
	}
	entry := &incidentEntry{inc: inc}
	m.incidents[inc.ID] = entry
	m.byFingerprint[occ.Fingerprint] = inc.ID

	fx.events = append(fx.events, models.TransitionEvent{
		IncidentID:    inc.ID,
		To:            models.IncidentOpen,
		Reason:        "created for fingerprint " + occ.Fingerprint,
		PolicyVersion: pol.Version,
		At:            now,
	})
	m.logger.Info("incident created",
		slog.String("incident_id", inc.ID),
		slog.String("fingerprint", occ.Fingerprint),
		slog.String("reopened_from", inc.ReopenedFrom),
		slog.Int64("policy_version", pol.Version))

	if occ.Severity == models.SeverityCritical {
		m.transitionLocked(fx, pol, entry, models.IncidentEscalated, "severity critical")
	}
}

// reopenReferenceLocked finds a recently closed incident sharing the
// occurrence's fingerprint. The closed record is never mutated; the new
// incident carries a back-reference for audit trails.
func (m *Manager) reopenReferenceLocked(pol policy.Snapshot, occ models.Occurrence, now time.Time) string {
	for i := len(m.closedOrder) - 1; i >= 0; i-- {
		closed, ok := m.closed[m.closedOrder[i]]
		if !ok {
			continue
		}
		if now.Sub(closed.ClosedAt) > pol.Lifecycle.ReopenGrace {
			break
		}
		if _, member := closed.Members[occ.Fingerprint]; member {
			return closed.ID
		}
	}
	return ""
}

func (m *Manager) resolveMemberLocked(fx *effects, fingerprint string) {
	incidentID, ok := m.byFingerprint[fingerprint]
	if !ok {
		return
	}
	entry, ok := m.incidents[incidentID]
	if !ok {
		delete(m.byFingerprint, fingerprint)
		return
	}
	member, ok := entry.inc.Members[fingerprint]
	if !ok {
		return
	}
	member.Resolved = true
	entry.inc.Members[fingerprint] = member

	if !entry.inc.AllMembersResolved() {
		return
	}
	pol := m.policies.Current()
	switch entry.inc.State {
	case models.IncidentOpen, models.IncidentEscalated, models.IncidentRemediating:
		m.transitionLocked(fx, pol, entry, models.IncidentResolved, "all member occurrences resolved")
		m.startCooldownLocked(pol, entry.inc.ID)
	case models.IncidentResolved:
		m.startCooldownLocked(pol, entry.inc.ID)
	}
}

// AcceptRemediation moves an escalated incident into Remediating. The
// dispatcher calls this when it takes ownership of a dispatch request.
func (m *Manager) AcceptRemediation(incidentID string) error {
	var err error
	m.run(func(fx *effects) {
		entry, ok := m.incidents[incidentID]
		if !ok {
			err = ErrStaleIncident
			return
		}
		if entry.inc.State != models.IncidentEscalated {
			err = ErrStaleIncident
			return
		}
		m.transitionLocked(fx, m.policies.Current(), entry, models.IncidentRemediating, "remediation dispatched")
	})
	return err
}

// RemediationFailed returns a remediating incident to Escalated. No automatic
// redispatch happens; a human-visible escalation is required from here.
func (m *Manager) RemediationFailed(incidentID, reason string) {
	m.run(func(fx *effects) {
		entry, ok := m.incidents[incidentID]
		if !ok || entry.inc.State != models.IncidentRemediating {
			return
		}
		m.transitionLocked(fx, m.policies.Current(), entry, models.IncidentEscalated, "remediation failed: "+reason)
	})
}

// RemediationSucceeded resolves a remediating incident on confirmed fix.
func (m *Manager) RemediationSucceeded(incidentID string) {
	m.run(func(fx *effects) {
		entry, ok := m.incidents[incidentID]
		if !ok || entry.inc.State != models.IncidentRemediating {
			return
		}
		pol := m.policies.Current()
		m.transitionLocked(fx, pol, entry, models.IncidentResolved, "remediation confirmed fix")
		if entry.inc.AllMembersResolved() {
			m.startCooldownLocked(pol, entry.inc.ID)
		}
	})
}

func (m *Manager) startCooldownLocked(pol policy.Snapshot, incidentID string) {
	m.cancelTimerLocked(incidentID)
	m.timers[incidentID] = m.afterFunc(pol.Lifecycle.CoolDown, func() {
		m.closeIncident(incidentID)
	})
}

func (m *Manager) cancelTimerLocked(incidentID string) {
	if t, ok := m.timers[incidentID]; ok {
		t.Stop()
		delete(m.timers, incidentID)
	}
}

func (m *Manager) closeIncident(incidentID string) {
	m.run(func(fx *effects) {
		entry, ok := m.incidents[incidentID]
		if !ok {
			return
		}
		delete(m.timers, incidentID)
		// Closing requires every member resolved; a reactivation that raced
		// the timer leaves the incident Resolved until members settle.
		if entry.inc.State != models.IncidentResolved || !entry.inc.AllMembersResolved() {
			return
		}
		pol := m.policies.Current()
		m.transitionLocked(fx, pol, entry, models.IncidentClosed, "cool-down elapsed without reactivation")

		entry.inc.ClosedAt = m.now()
		m.closed[incidentID] = snapshotOf(entry)
		m.closedOrder = append(m.closedOrder, incidentID)
		m.pruneClosedLocked(pol)

		for fingerprint := range entry.inc.Members {
			if m.byFingerprint[fingerprint] == incidentID {
				delete(m.byFingerprint, fingerprint)
			}
		}
		delete(m.incidents, incidentID)
	})
}

// pruneClosedLocked bounds the archive to records still inside the reopen
// grace window, keeping at least the most recent 256 for the query surface.
func (m *Manager) pruneClosedLocked(pol policy.Snapshot) {
	const keepMin = 256
	now := m.now()
	for len(m.closedOrder) > keepMin {
		oldest := m.closedOrder[0]
		record, ok := m.closed[oldest]
		if ok && now.Sub(record.ClosedAt) <= pol.Lifecycle.ReopenGrace {
			break
		}
		delete(m.closed, oldest)
		m.closedOrder = m.closedOrder[1:]
	}
}

var allowedTransitions = map[models.IncidentState]map[models.IncidentState]bool{
	models.IncidentOpen:        {models.IncidentEscalated: true, models.IncidentResolved: true},
	models.IncidentEscalated:   {models.IncidentRemediating: true, models.IncidentResolved: true},
	models.IncidentRemediating: {models.IncidentEscalated: true, models.IncidentResolved: true},
	models.IncidentResolved:    {models.IncidentEscalated: true, models.IncidentClosed: true},
}

func (m *Manager) transitionLocked(fx *effects, pol policy.Snapshot, entry *incidentEntry, to models.IncidentState, reason string) {
	from := entry.inc.State
	if !allowedTransitions[from][to] {
		m.logger.Error("rejected invalid transition",
			slog.String("incident_id", entry.inc.ID),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.String("reason", reason))
		return
	}
	entry.inc.State = to
	now := m.now()

	fx.events = append(fx.events, models.TransitionEvent{
		IncidentID:    entry.inc.ID,
		From:          from,
		To:            to,
		Reason:        reason,
		PolicyVersion: pol.Version,
		At:            now,
	})
	m.logger.Info("incident transition",
		slog.String("incident_id", entry.inc.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("reason", reason),
		slog.Int64("policy_version", pol.Version))

	switch to {
	case models.IncidentEscalated:
		if from != models.IncidentRemediating {
			fx.dispatches = append(fx.dispatches, snapshotOf(entry))
		}
	case models.IncidentResolved:
		fx.resolved = append(fx.resolved, entry.inc.ID)
	}
}

func snapshotOf(entry *incidentEntry) models.Incident {
	inc := entry.inc
	members := make(map[string]models.MemberRef, len(inc.Members))
	for k, v := range inc.Members {
		members[k] = v
	}
	inc.Members = members
	return inc
}

// Get returns an incident snapshot by ID, including closed incidents still
// held in the archive.
func (m *Manager) Get(incidentID string) (models.Incident, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.incidents[incidentID]; ok {
		return snapshotOf(entry), true
	}
	if closed, ok := m.closed[incidentID]; ok {
		return closed, true
	}
	return models.Incident{}, false
}

// List returns incidents filtered by state, newest first, with offset-based
// page tokens for the dashboard surface.
func (m *Manager) List(state models.IncidentState, pageSize int, pageToken string) ([]models.Incident, string) {
	m.mu.Lock()
	all := make([]models.Incident, 0, len(m.incidents)+len(m.closed))
	for _, entry := range m.incidents {
		all = append(all, snapshotOf(entry))
	}
	for _, closed := range m.closed {
		all = append(all, closed)
	}
	m.mu.Unlock()

	filtered := all[:0]
	for _, inc := range all {
		if state != "" && inc.State != state {
			continue
		}
		filtered = append(filtered, inc)
	}
	sort.Slice(filtered, func(i, j int) bool {
		if !filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
			return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
		}
		return filtered[i].ID < filtered[j].ID
	})

	if pageSize <= 0 {
		pageSize = 50
	}
	offset := 0
	if pageToken != "" {
		if parsed, err := strconv.Atoi(pageToken); err == nil && parsed > 0 {
			offset = parsed
		}
	}
	if offset >= len(filtered) {
		return nil, ""
	}
	end := offset + pageSize
	next := ""
	if end < len(filtered) {
		next = strconv.Itoa(end)
	} else {
		end = len(filtered)
	}
	return filtered[offset:end], next
}
