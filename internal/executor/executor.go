package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/miradorstack/mirador-incident/internal/models"
)

// Outcome reports the result of one execution attempt.
type Outcome struct {
	Succeeded bool
	Detail    string
}

// Executor is the external action executor capability: scaling APIs,
// ticketing systems, notification channels. Implementations must honour
// context cancellation.
type Executor interface {
	Execute(ctx context.Context, action models.RemediationAction, incident models.Incident) (Outcome, error)
}

// TransientError wraps a failure worth retrying with backoff. Anything else
// is treated as permanent.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient executor failure: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is a retryable executor failure.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// Registry routes action kinds to executors, with a default for unmapped
// kinds.
type Registry struct {
	byKind      map[models.ActionKind]Executor
	defaultExec Executor
}

// NewRegistry builds a registry with the given default executor.
func NewRegistry(defaultExec Executor) *Registry {
	return &Registry{
		byKind:      make(map[models.ActionKind]Executor),
		defaultExec: defaultExec,
	}
}

// Register maps an action kind to an executor.
func (r *Registry) Register(kind models.ActionKind, exec Executor) {
	r.byKind[kind] = exec
}

// ForKind returns the executor handling the given kind.
func (r *Registry) ForKind(kind models.ActionKind) Executor {
	if exec, ok := r.byKind[kind]; ok {
		return exec
	}
	return r.defaultExec
}

// LogExecutor records the action and reports success. It backs notify and
// ticket kinds when no external channel is configured, keeping the manual
// path visible in logs rather than silently dropped.
type LogExecutor struct {
	Logger *slog.Logger
}

// Execute logs the action at warn level so human operators see it.
func (l LogExecutor) Execute(_ context.Context, action models.RemediationAction, incident models.Incident) (Outcome, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("remediation action requires operator attention",
		slog.String("action_id", action.ID),
		slog.String("incident_id", incident.ID),
		slog.String("kind", string(action.Kind)),
		slog.String("resource", action.Resource))
	return Outcome{Succeeded: true, Detail: "logged for operator attention"}, nil
}
