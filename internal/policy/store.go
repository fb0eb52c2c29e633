package policy

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-incident/internal/metrics"
	"github.com/miradorstack/mirador-incident/internal/utils"
)

// Snapshot is an immutable view of the policy at a point in time. Evaluation
// code holds a snapshot for the duration of one decision so a concurrent
// reload never splits a decision across two versions.
type Snapshot struct {
	Policy
	Version int64
	// AutomatedRemediation is false when the remediation section failed
	// validation; the dispatcher then only takes the manual ticket path.
	AutomatedRemediation bool
}

// Source provides policy snapshots to evaluation stages.
type Source interface {
	Current() Snapshot
}

// Store loads policy from a YAML file, assigns monotonically increasing
// versions, and hot-reloads on file change without disturbing in-flight
// correlation.
type Store struct {
	logger  *slog.Logger
	path    string
	version atomic.Int64

	mu      sync.RWMutex
	current Snapshot
}

// NewStore reads the policy file at path, falling back to defaults when path
// is empty. A missing or unreadable file is an error; a file whose
// remediation section is invalid loads with automated remediation disabled.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{logger: logger, path: path}

	if path == "" {
		s.install(Default())
		logger.Info("no policy file configured, using defaults")
		return s, nil
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStaticStore wraps a fixed policy, used by tests and embedded setups.
func NewStaticStore(p Policy) *Store {
	s := &Store{logger: slog.Default()}
	s.install(p)
	return s
}

// Current returns the latest policy snapshot.
func (s *Store) Current() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Reload re-reads the policy file and swaps in a new version. The previous
// snapshot stays active when the file fails to parse.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return utils.NewAppError("policy.reload", "read "+s.path, err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return utils.NewAppError("policy.reload", "parse "+s.path, err)
	}
	s.install(p)
	return nil
}

func (s *Store) install(p Policy) {
	p.normalize()
	snap := Snapshot{
		Policy:               p,
		Version:              s.version.Add(1),
		AutomatedRemediation: true,
	}
	if err := p.validateRemediation(); err != nil {
		snap.AutomatedRemediation = false
		s.logger.Warn("remediation policy invalid, automated remediation disabled",
			slog.Int64("policy_version", snap.Version), slog.Any("error", err))
	}

	s.mu.Lock()
	s.current = snap
	s.mu.Unlock()

	s.logger.Info("policy installed",
		slog.Int64("policy_version", snap.Version),
		slog.Float64("threshold", snap.Correlation.Threshold),
		slog.Bool("automated_remediation", snap.AutomatedRemediation))
}

// Watch blocks until ctx is done, reloading the policy whenever the file is
// rewritten. Editors and config mounts replace files rather than write in
// place, so the watch is on the parent directory.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return utils.NewAppError("policy.watch", "create watcher", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return utils.NewAppError("policy.watch", "watch "+dir, err)
	}

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			// Coalesce bursts of write events from atomic file replaces.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				if err := s.Reload(); err != nil {
					s.logger.Error("policy reload failed, keeping previous version",
						slog.Int64("policy_version", s.Current().Version), slog.Any("error", err))
					return
				}
				metrics.ObservePolicyReload()
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("policy watcher error", slog.Any("error", err))
		}
	}
}
