package dedup

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/mirador-incident/internal/models"
)

// EventType labels the occurrence changes the store reports downstream.
type EventType string

const (
	OccurrenceCreated  EventType = "created"
	OccurrenceUpdated  EventType = "updated"
	OccurrenceResolved EventType = "resolved"
)

// Event carries an occurrence snapshot taken while the shard lock was held,
// so downstream stages never observe a half-applied update.
type Event struct {
	Type       EventType
	Occurrence models.Occurrence
}

const shardCount = 16

// Store maintains the fingerprint → active occurrence mapping. State is
// sharded so alerts from different sources dedup fully in parallel while
// updates to one fingerprint stay serialized.
type Store struct {
	shards [shardCount]shard
}

type shard struct {
	mu  sync.Mutex
	occ map[string]*models.Occurrence
}

// NewStore constructs an empty occurrence store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i].occ = make(map[string]*models.Occurrence)
	}
	return s
}

func (s *Store) shardFor(fingerprint string) *shard {
	h := fnv.New32a()
	h.Write([]byte(fingerprint))
	return &s.shards[h.Sum32()%shardCount]
}

// Apply folds an alert into its occurrence: an existing active occurrence
// gains count and lastSeen, otherwise a new one is created. Count only ever
// increases for a live occurrence.
func (s *Store) Apply(alert models.Alert) Event {
	fingerprint := alert.Fingerprint()
	sh := s.shardFor(fingerprint)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if occ, ok := sh.occ[fingerprint]; ok {
		occ.Count++
		if alert.Timestamp.After(occ.LastSeen) {
			occ.LastSeen = alert.Timestamp
		}
		occ.Severity = models.MaxSeverity(occ.Severity, alert.Severity)
		return Event{Type: OccurrenceUpdated, Occurrence: *occ}
	}

	occ := &models.Occurrence{
		Fingerprint: fingerprint,
		Source:      alert.Source,
		Resource:    alert.Resource,
		Metric:      alert.Metric,
		Severity:    alert.Severity,
		FirstSeen:   alert.Timestamp,
		LastSeen:    alert.Timestamp,
		Count:       1,
		State:       models.OccurrenceActive,
	}
	sh.occ[fingerprint] = occ
	return Event{Type: OccurrenceCreated, Occurrence: *occ}
}

// QuietFingerprints lists occurrences quiet for longer than quietWindow,
// ordered by fingerprint. It is a candidate scan only; resolution happens via
// ResolveIfQuiet on the goroutine that owns the fingerprint, so a refreshing
// alert in between simply wins.
func (s *Store) QuietFingerprints(now time.Time, quietWindow time.Duration) []string {
	var fingerprints []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for fingerprint, occ := range sh.occ {
			if now.Sub(occ.LastSeen) > quietWindow {
				fingerprints = append(fingerprints, fingerprint)
			}
		}
		sh.mu.Unlock()
	}
	sort.Strings(fingerprints)
	return fingerprints
}

// ResolveIfQuiet resolves the fingerprint's occurrence when it is still quiet,
// removing it from the active set. It returns false when the occurrence is
// gone or a fresh alert refreshed it since the candidate scan. Each occurrence
// resolves exactly once; a later alert with the same fingerprint starts a
// fresh occurrence.
func (s *Store) ResolveIfQuiet(fingerprint string, now time.Time, quietWindow time.Duration) (Event, bool) {
	sh := s.shardFor(fingerprint)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	occ, ok := sh.occ[fingerprint]
	if !ok || now.Sub(occ.LastSeen) <= quietWindow {
		return Event{}, false
	}
	occ.State = models.OccurrenceResolved
	delete(sh.occ, fingerprint)
	return Event{Type: OccurrenceResolved, Occurrence: *occ}, true
}

// Get returns the active occurrence for a fingerprint, if any.
func (s *Store) Get(fingerprint string) (models.Occurrence, bool) {
	sh := s.shardFor(fingerprint)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	occ, ok := sh.occ[fingerprint]
	if !ok {
		return models.Occurrence{}, false
	}
	return *occ, true
}

// Active snapshots all active occurrences, ordered by fingerprint.
func (s *Store) Active() []models.Occurrence {
	var out []models.Occurrence
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, occ := range sh.occ {
			out = append(out, *occ)
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}
