package services

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/miradorstack/mirador-incident/internal/config"
	"github.com/miradorstack/mirador-incident/internal/dedup"
	"github.com/miradorstack/mirador-incident/internal/engine"
	"github.com/miradorstack/mirador-incident/internal/ingest"
	"github.com/miradorstack/mirador-incident/internal/metrics"
	"github.com/miradorstack/mirador-incident/internal/models"
	"github.com/miradorstack/mirador-incident/internal/policy"
)

// Engine wires the pipeline stages: ingest → dedup → correlation →
// lifecycle → dispatch. Stages run on independent workers joined by ordered
// queues; alert streams from different sources dedup in parallel while each
// fingerprint stays on one partition.
type Engine struct {
	logger      *slog.Logger
	policies    policy.Source
	normalizers *ingest.Registry
	store       *dedup.Store
	manager     *engine.Manager
	dispatcher  *engine.Dispatcher

	alertCh    chan models.Alert
	partitions []chan partitionMsg
	occCh      chan dedup.Event

	dispatchWorkers int

	ctx      context.Context
	wg       sync.WaitGroup
	onEvents []engine.TransitionSink
	mu       sync.Mutex
	started  bool
}

// partitionMsg is the unit of work on a partition channel. Either an alert to
// fold into the store or a sweep candidate to resolve. Both mutate the store
// on the partition goroutine, so occurrence events for one fingerprint reach
// the correlator in mutation order.
type partitionMsg struct {
	alert models.Alert

	sweep       bool
	fingerprint string
	now         time.Time
	quiet       time.Duration
}

// New constructs the engine around its stages.
func New(
	logger *slog.Logger,
	cfg config.PipelineConfig,
	policies policy.Source,
	normalizers *ingest.Registry,
	store *dedup.Store,
	manager *engine.Manager,
	dispatcher *engine.Dispatcher,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if normalizers == nil {
		normalizers = ingest.NewRegistry()
	}
	buffer := cfg.AlertBuffer
	if buffer <= 0 {
		buffer = 1024
	}
	partitionCount := cfg.DedupPartitions
	if partitionCount <= 0 {
		partitionCount = 4
	}

	e := &Engine{
		logger:          logger,
		policies:        policies,
		normalizers:     normalizers,
		store:           store,
		manager:         manager,
		dispatcher:      dispatcher,
		alertCh:         make(chan models.Alert, buffer),
		partitions:      make([]chan partitionMsg, partitionCount),
		occCh:           make(chan dedup.Event, buffer),
		dispatchWorkers: cfg.DispatchWorkers,
	}
	for i := range e.partitions {
		e.partitions[i] = make(chan partitionMsg, buffer/partitionCount+1)
	}

	manager.SetTransitionSink(e.emitTransition)
	manager.SetResolveHook(dispatcher.CancelIncident)
	manager.SetDispatch(dispatcher.Dispatch)
	return e
}

// OnTransition registers an additional telemetry sink (websocket hub, tests).
// Must be called before Start.
func (e *Engine) OnTransition(sink engine.TransitionSink) {
	e.onEvents = append(e.onEvents, sink)
}

func (e *Engine) emitTransition(ev models.TransitionEvent) {
	metrics.ObserveTransition(ev.To)
	for _, sink := range e.onEvents {
		sink(ev)
	}
}

// Start launches the stage workers. They exit when ctx is done.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.ctx = ctx
	e.mu.Unlock()

	// Router partitions alerts by fingerprint so each fingerprint has a
	// single dedup writer.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case alert := <-e.alertCh:
				idx := partitionIndex(alert.Fingerprint(), len(e.partitions))
				select {
				case <-ctx.Done():
					return
				case e.partitions[idx] <- partitionMsg{alert: alert}:
				}
			}
		}
	}()

	for _, partition := range e.partitions {
		partition := partition
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-partition:
					var ev dedup.Event
					if msg.sweep {
						resolved, ok := e.store.ResolveIfQuiet(msg.fingerprint, msg.now, msg.quiet)
						if !ok {
							continue
						}
						ev = resolved
					} else {
						ev = e.store.Apply(msg.alert)
					}
					select {
					case <-ctx.Done():
						return
					case e.occCh <- ev:
					}
				}
			}
		}()
	}

	// Single correlation consumer keeps incident membership deterministic.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-e.occCh:
				e.manager.HandleOccurrence(ev)
			}
		}
	}()

	e.wg.Add(1)
	go e.sweepLoop(ctx)

	e.dispatcher.Start(ctx, e.dispatchWorkers)
}

// sweepLoop drives occurrence resolution on the policy interval. It runs off
// the ingest path so a large sweep never delays alert handling.
func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()
	interval := e.policies.Current().Dedup.SweepInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.Sweep(now.UTC())
			if next := e.policies.Current().Dedup.SweepInterval; next != interval && next > 0 {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// Sweep routes quiet-occurrence candidates to their partition workers for
// resolution. The worker re-checks quietness under the shard lock, so a sweep
// can never resolve an occurrence a racing alert just refreshed, and the
// resolution event lands on occCh in order with that fingerprint's updates.
// Exposed for deterministic tests.
func (e *Engine) Sweep(now time.Time) {
	quiet := e.policies.Current().Dedup.QuietWindow
	for _, fingerprint := range e.store.QuietFingerprints(now, quiet) {
		idx := partitionIndex(fingerprint, len(e.partitions))
		msg := partitionMsg{sweep: true, fingerprint: fingerprint, now: now, quiet: quiet}
		select {
		case <-e.done():
			return
		case e.partitions[idx] <- msg:
		}
	}
	metrics.SetActiveOccurrences(len(e.store.Active()))
}

func (e *Engine) done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx != nil {
		return e.ctx.Done()
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Wait blocks until all stage workers have exited.
func (e *Engine) Wait() {
	e.wg.Wait()
	e.dispatcher.Wait()
}

// Submit normalizes and enqueues one raw event. Malformed events are dropped
// with a logged reason; there is no retry path for a missing identity.
func (e *Engine) Submit(ctx context.Context, source string, raw map[string]any) (models.Alert, error) {
	alert, err := e.normalizers.Normalize(source, raw)
	if err != nil {
		metrics.ObserveAlert(source, metrics.OutcomeMalformed)
		e.logger.Warn("dropping malformed event",
			slog.String("source", source), slog.Any("error", err))
		return models.Alert{}, err
	}

	select {
	case e.alertCh <- alert:
		metrics.ObserveAlert(alert.Source, metrics.OutcomeSuccess)
		return alert, nil
	case <-ctx.Done():
		return models.Alert{}, ctx.Err()
	case <-e.done():
		return models.Alert{}, fmt.Errorf("engine stopped")
	}
}

// ListIncidents pages over current and archived incidents, newest first.
func (e *Engine) ListIncidents(state models.IncidentState, pageSize int, pageToken string) ([]models.Incident, string) {
	return e.manager.List(state, pageSize, pageToken)
}

// GetIncident returns one incident by ID.
func (e *Engine) GetIncident(id string) (models.Incident, bool) {
	return e.manager.Get(id)
}

// ActionsFor returns the remediation audit trail for an incident.
func (e *Engine) ActionsFor(incidentID string) []models.RemediationAction {
	return e.dispatcher.ActionsFor(incidentID)
}

// ActiveOccurrences snapshots the dedup state for the dashboard surface.
func (e *Engine) ActiveOccurrences() []models.Occurrence {
	return e.store.Active()
}

// Approve releases an approval-gated action.
func (e *Engine) Approve(actionID string) error {
	return e.dispatcher.Approve(actionID)
}

func partitionIndex(fingerprint string, partitions int) int {
	h := fnv.New32a()
	h.Write([]byte(fingerprint))
	return int(h.Sum32() % uint32(partitions))
}
