package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/miradorstack/mirador-incident/internal/models"
)

const (
	// OutcomeSuccess labels successful operations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed operations.
	OutcomeError = "error"
	// OutcomeMalformed labels events dropped at ingest.
	OutcomeMalformed = "malformed"
)

var (
	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_incident",
			Name:      "alerts_ingested_total",
			Help:      "Alerts handled at ingest, partitioned by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	occurrencesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mirador_incident",
			Name:      "occurrences_active",
			Help:      "Active deduplicated occurrences.",
		},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_incident",
			Name:      "incident_transitions_total",
			Help:      "Incident state transitions, partitioned by target state.",
		},
		[]string{"to"},
	)

	remediationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_incident",
			Name:      "remediations_total",
			Help:      "Remediation executions, partitioned by action kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	remediationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mirador_incident",
			Name:      "remediation_seconds",
			Help:      "Remediation execution latency in seconds, retries included.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	rateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_incident",
			Name:      "remediations_rate_limited_total",
			Help:      "Automated actions blocked by the per-resource rate limit.",
		},
		[]string{"resource"},
	)

	policyReloadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mirador_incident",
			Name:      "policy_reloads_total",
			Help:      "Successful policy hot reloads.",
		},
	)
)

// Register attaches the engine collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		alertsTotal,
		occurrencesActive,
		transitionsTotal,
		remediationsTotal,
		remediationSeconds,
		rateLimitedTotal,
		policyReloadsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveAlert records one ingested alert and its outcome label.
func ObserveAlert(source, outcome string) {
	alertsTotal.WithLabelValues(source, outcome).Inc()
}

// SetActiveOccurrences updates the active occurrence gauge.
func SetActiveOccurrences(count int) {
	occurrencesActive.Set(float64(count))
}

// ObserveTransition records an incident state transition.
func ObserveTransition(to models.IncidentState) {
	transitionsTotal.WithLabelValues(string(to)).Inc()
}

// ObserveRemediation records a remediation execution duration and outcome.
func ObserveRemediation(kind models.ActionKind, outcome string, duration time.Duration) {
	if outcome != OutcomeError {
		outcome = OutcomeSuccess
	}
	remediationsTotal.WithLabelValues(string(kind), outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	remediationSeconds.Observe(duration.Seconds())
}

// ObserveRateLimited counts an action blocked by the per-resource limit.
func ObserveRateLimited(resource string) {
	rateLimitedTotal.WithLabelValues(resource).Inc()
}

// ObservePolicyReload counts a successful policy reload.
func ObservePolicyReload() {
	policyReloadsTotal.Inc()
}
