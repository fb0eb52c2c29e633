package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-incident/internal/executor"
	"github.com/miradorstack/mirador-incident/internal/metrics"
	"github.com/miradorstack/mirador-incident/internal/models"
	"github.com/miradorstack/mirador-incident/internal/policy"
	"github.com/miradorstack/mirador-incident/internal/utils"
)

// IncidentControl is the slice of lifecycle manager behaviour the dispatcher
// needs. Kept narrow so tests can fake it.
type IncidentControl interface {
	AcceptRemediation(incidentID string) error
	RemediationFailed(incidentID, reason string)
	RemediationSucceeded(incidentID string)
}

// ErrUnknownAction marks an approval for an action the dispatcher is not
// holding.
var ErrUnknownAction = errors.New("unknown action")

// Dispatcher maps escalated incidents onto remediation actions, enforces the
// safety gates, and executes through external executors on a dedicated worker
// pool so slow collaborators never stall correlation.
type Dispatcher struct {
	logger    *slog.Logger
	policies  policy.Source
	executors *executor.Registry
	limiter   *RateLimiter
	control   IncidentControl
	latencies *utils.LatencyTracker
	now       func() time.Time

	queue   chan dispatchJob
	baseCtx context.Context
	wg      sync.WaitGroup

	mu      sync.Mutex
	actions map[string]*models.RemediationAction
	order   []string
	pending map[string]dispatchJob
	cancels map[string]inflightCtx
}

// inflightCtx pairs an execution context with its cancel so a finished
// execution releases only its own map entry, never a successor's.
type inflightCtx struct {
	ctx    context.Context
	cancel context.CancelFunc
}

type dispatchJob struct {
	actionID string
	incident models.Incident
	// manual jobs (tickets, rate-limit fallbacks) run outside the
	// Remediating state and never move the incident on completion.
	manual bool
}

// NewDispatcher constructs the dispatcher.
func NewDispatcher(logger *slog.Logger, policies policy.Source, executors *executor.Registry, limiter *RateLimiter, control IncidentControl) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:    logger,
		policies:  policies,
		executors: executors,
		limiter:   limiter,
		control:   control,
		latencies: utils.NewLatencyTracker(1024),
		now:       func() time.Time { return time.Now().UTC() },
		queue:     make(chan dispatchJob, 256),
		actions:   make(map[string]*models.RemediationAction),
		pending:   make(map[string]dispatchJob),
		cancels:   make(map[string]inflightCtx),
	}
}

// Start launches the worker pool. Workers drain the queue until ctx is done.
func (d *Dispatcher) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 4
	}
	d.baseCtx = ctx
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-d.queue:
					d.execute(job)
				}
			}
		}()
	}
}

// Wait blocks until all workers have exited.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Dispatch handles a dispatch request for an escalated incident. Requests for
// incidents in any other state are rejected as stale no-ops.
func (d *Dispatcher) Dispatch(incident models.Incident) {
	if incident.State != models.IncidentEscalated && incident.State != models.IncidentRemediating {
		d.logger.Debug("ignoring dispatch for non-escalated incident",
			slog.String("incident_id", incident.ID), slog.String("state", string(incident.State)))
		return
	}

	pol := d.policies.Current()
	resource := primaryResource(incident)

	if !pol.AutomatedRemediation {
		d.logger.Warn("automated remediation disabled by policy, raising manual ticket",
			slog.String("incident_id", incident.ID), slog.Int64("policy_version", pol.Version))
		d.enqueueManual(incident, models.ActionTicket, resource, "automated remediation disabled")
		return
	}

	rules := pol.ActionsFor(incident.Severity, pol.ResourceType(resource))
	if len(rules) == 0 {
		d.logger.Info("no remediation mapping for incident",
			slog.String("incident_id", incident.ID),
			slog.String("severity", string(incident.Severity)),
			slog.String("resource", resource),
			slog.Int64("policy_version", pol.Version))
		return
	}
	rule := rules[0]

	if automatedKind(rule.Kind) && !d.limiter.Allow(d.ctx(), resource, pol.Remediation.RateLimit) {
		metrics.ObserveRateLimited(resource)
		d.logger.Warn("remediation rate limited, forcing manual ticket",
			slog.String("incident_id", incident.ID),
			slog.String("resource", resource),
			slog.Int64("policy_version", pol.Version))
		action := d.recordAction(incident, rule.Kind, resource, rule.Params)
		d.finishAction(action.ID, models.ActionSkipped, 0, "rate limited")
		d.enqueueManual(incident, models.ActionTicket, resource, "rate limited")
		return
	}

	action := d.recordAction(incident, rule.Kind, resource, rule.Params)

	if rule.RequiresApproval {
		d.mu.Lock()
		d.pending[action.ID] = dispatchJob{actionID: action.ID, incident: incident}
		d.mu.Unlock()
		d.logger.Info("action awaiting approval",
			slog.String("action_id", action.ID),
			slog.String("incident_id", incident.ID),
			slog.String("kind", string(rule.Kind)))
		return
	}

	d.accept(dispatchJob{actionID: action.ID, incident: incident})
}

// Approve releases an action parked behind the approval gate.
func (d *Dispatcher) Approve(actionID string) error {
	d.mu.Lock()
	job, ok := d.pending[actionID]
	if ok {
		delete(d.pending, actionID)
		if action := d.actions[actionID]; action != nil {
			action.Status = models.ActionApproved
			action.UpdatedAt = d.now()
		}
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAction, actionID)
	}
	d.accept(job)
	return nil
}

// CancelIncident cancels in-flight and pending work for an incident that left
// the remediation path.
func (d *Dispatcher) CancelIncident(incidentID string) {
	d.mu.Lock()
	if inflight, ok := d.cancels[incidentID]; ok {
		inflight.cancel()
		delete(d.cancels, incidentID)
	}
	var parked []string
	for id, job := range d.pending {
		if job.incident.ID == incidentID {
			parked = append(parked, id)
			delete(d.pending, id)
		}
	}
	d.mu.Unlock()
	for _, id := range parked {
		d.finishAction(id, models.ActionSkipped, 0, "incident resolved before approval")
	}
}

// ActionsFor returns the audit trail for one incident, oldest first.
func (d *Dispatcher) ActionsFor(incidentID string) []models.RemediationAction {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.RemediationAction, 0, 4)
	for _, id := range d.order {
		if action := d.actions[id]; action != nil && action.IncidentID == incidentID {
			out = append(out, *action)
		}
	}
	return out
}

func (d *Dispatcher) accept(job dispatchJob) {
	if err := d.control.AcceptRemediation(job.incident.ID); err != nil {
		if errors.Is(err, ErrStaleIncident) {
			d.finishAction(job.actionID, models.ActionSkipped, 0, "incident no longer escalated")
			return
		}
		d.finishAction(job.actionID, models.ActionSkipped, 0, err.Error())
		return
	}
	d.enqueue(job)
}

func (d *Dispatcher) enqueueManual(incident models.Incident, kind models.ActionKind, resource, reason string) {
	action := d.recordAction(incident, kind, resource, map[string]string{"reason": reason})
	d.enqueue(dispatchJob{actionID: action.ID, incident: incident, manual: true})
}

func (d *Dispatcher) enqueue(job dispatchJob) {
	select {
	case d.queue <- job:
	default:
		// A saturated queue means executors are stuck; failing the action is
		// louder and safer than blocking the caller.
		d.finishAction(job.actionID, models.ActionFailed, 0, "dispatch queue full")
		if !job.manual {
			d.control.RemediationFailed(job.incident.ID, "dispatch queue full")
		}
	}
}

func (d *Dispatcher) execute(job dispatchJob) {
	snapshot, ok := d.actionSnapshot(job.actionID)
	if !ok {
		return
	}
	pol := d.policies.Current()
	exec := d.executors.ForKind(snapshot.Kind)

	ctx := d.incidentContext(job)
	defer d.releaseContext(job, ctx)
	d.updateAction(job.actionID, func(a *models.RemediationAction) {
		a.Status = models.ActionExecuting
	})

	started := d.now()
	maxAttempts := pol.Remediation.MaxAttempts
	if maxAttempts <= 0 || job.manual {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			d.finishAction(job.actionID, models.ActionSkipped, attempt-1, "incident resolved before execution")
			return
		}

		outcome, err := exec.Execute(ctx, snapshot, job.incident)
		if err == nil && outcome.Succeeded {
			if ctx.Err() != nil {
				// Late-arriving success against a resolved incident is a no-op.
				d.finishAction(job.actionID, models.ActionSkipped, attempt, "incident resolved during execution")
				return
			}
			d.finishAction(job.actionID, models.ActionSucceeded, attempt, outcome.Detail)
			d.observe(snapshot.Kind, metrics.OutcomeSuccess, started)
			if !job.manual {
				d.control.RemediationSucceeded(job.incident.ID)
			}
			return
		}
		if err == nil {
			err = fmt.Errorf("executor reported failure: %s", outcome.Detail)
		}
		lastErr = err

		if executor.IsTransient(err) && attempt < maxAttempts {
			delay := utils.Backoff(attempt-1, pol.Remediation.InitialBackoff, pol.Remediation.MaxBackoff)
			d.logger.Warn("transient executor failure, retrying",
				slog.String("action_id", job.actionID),
				slog.String("incident_id", job.incident.ID),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", delay),
				slog.Any("error", err))
			d.updateAction(job.actionID, func(a *models.RemediationAction) {
				a.Attempts = attempt
				a.LastError = err.Error()
			})
			if !utils.SleepContext(ctx, delay) {
				d.finishAction(job.actionID, models.ActionSkipped, attempt, "incident resolved during backoff")
				return
			}
			continue
		}

		d.finishAction(job.actionID, models.ActionFailed, attempt, err.Error())
		d.observe(snapshot.Kind, metrics.OutcomeError, started)
		if !job.manual {
			d.control.RemediationFailed(job.incident.ID, err.Error())
		}
		return
	}

	// Retries exhausted on transient failures.
	d.finishAction(job.actionID, models.ActionFailed, maxAttempts, lastErr.Error())
	d.observe(snapshot.Kind, metrics.OutcomeError, started)
	if !job.manual {
		d.control.RemediationFailed(job.incident.ID, "retries exhausted: "+lastErr.Error())
	}
}

func (d *Dispatcher) observe(kind models.ActionKind, outcome string, started time.Time) {
	duration := d.now().Sub(started)
	metrics.ObserveRemediation(kind, outcome, duration)
	d.latencies.Observe(duration)
	if count := d.latencies.Count(); count >= 20 && count%20 == 0 {
		d.logger.Info("remediation latency",
			slog.Duration("p95", d.latencies.Percentile(95)),
			slog.Int("samples", count))
	}
}

func (d *Dispatcher) ctx() context.Context {
	if d.baseCtx != nil {
		return d.baseCtx
	}
	return context.Background()
}

func (d *Dispatcher) incidentContext(job dispatchJob) context.Context {
	if job.manual {
		return d.ctx()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, cancel := context.WithCancel(d.ctx())
	if prev, ok := d.cancels[job.incident.ID]; ok {
		prev.cancel()
	}
	d.cancels[job.incident.ID] = inflightCtx{ctx: ctx, cancel: cancel}
	return ctx
}

// releaseContext frees the execution context once the attempt loop is done,
// whatever the outcome. The entry is only removed when it still belongs to
// this execution; a redispatch may have replaced it already.
func (d *Dispatcher) releaseContext(job dispatchJob, ctx context.Context) {
	if job.manual {
		return
	}
	var cancel context.CancelFunc
	d.mu.Lock()
	if inflight, ok := d.cancels[job.incident.ID]; ok && inflight.ctx == ctx {
		cancel = inflight.cancel
		delete(d.cancels, job.incident.ID)
	}
	d.mu.Unlock()
	// A missing or replaced entry was already cancelled by CancelIncident or
	// the redispatch that superseded this execution.
	if cancel != nil {
		cancel()
	}
}

func (d *Dispatcher) recordAction(incident models.Incident, kind models.ActionKind, resource string, params map[string]string) models.RemediationAction {
	now := d.now()
	action := &models.RemediationAction{
		ID:         uuid.NewString(),
		IncidentID: incident.ID,
		Kind:       kind,
		Resource:   resource,
		Params:     params,
		Status:     models.ActionPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	d.mu.Lock()
	d.actions[action.ID] = action
	d.order = append(d.order, action.ID)
	d.mu.Unlock()
	return *action
}

func (d *Dispatcher) actionSnapshot(actionID string) (models.RemediationAction, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	action, ok := d.actions[actionID]
	if !ok {
		return models.RemediationAction{}, false
	}
	return *action, true
}

func (d *Dispatcher) updateAction(actionID string, fn func(*models.RemediationAction)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if action, ok := d.actions[actionID]; ok {
		fn(action)
		action.UpdatedAt = d.now()
	}
}

func (d *Dispatcher) finishAction(actionID string, status models.ActionStatus, attempts int, detail string) {
	d.updateAction(actionID, func(a *models.RemediationAction) {
		a.Status = status
		if attempts > a.Attempts {
			a.Attempts = attempts
		}
		if status == models.ActionFailed || status == models.ActionSkipped {
			a.LastError = detail
		}
	})
	d.logger.Info("action finished",
		slog.String("action_id", actionID),
		slog.String("status", string(status)),
		slog.String("detail", detail))
}

func automatedKind(kind models.ActionKind) bool {
	switch kind {
	case models.ActionNotify, models.ActionTicket:
		return false
	default:
		return true
	}
}

// primaryResource picks the earliest-attached member's resource so rate
// limiting and action targeting are deterministic.
func primaryResource(incident models.Incident) string {
	members := make([]models.MemberRef, 0, len(incident.Members))
	for _, m := range incident.Members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		if !members[i].AttachedAt.Equal(members[j].AttachedAt) {
			return members[i].AttachedAt.Before(members[j].AttachedAt)
		}
		return members[i].Fingerprint < members[j].Fingerprint
	})
	if len(members) == 0 {
		return ""
	}
	return members[0].Resource
}
