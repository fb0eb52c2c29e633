package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/miradorstack/mirador-incident/internal/models"
	"github.com/miradorstack/mirador-incident/internal/utils"
)

// Normalizer turns a raw, source-shaped payload into a canonical Alert.
// Source adapters implement this capability; the registry falls back to the
// generic field mapping for unknown sources.
type Normalizer interface {
	Normalize(source string, raw map[string]any) (models.Alert, error)
}

// MalformedEventError marks an event missing required identity fields. Such
// events are dropped and logged, never retried: there is no way to recover a
// missing identity.
type MalformedEventError struct {
	Source string
	Field  string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event from %q: missing or invalid %s", e.Source, e.Field)
}

// Registry routes payloads to per-source normalizers.
type Registry struct {
	adapters map[string]Normalizer
	fallback Normalizer
}

// NewRegistry constructs a registry with the generic normalizer as fallback.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Normalizer),
		fallback: GenericNormalizer{},
	}
}

// Register installs a source-specific normalizer.
func (r *Registry) Register(source string, n Normalizer) {
	r.adapters[strings.ToLower(source)] = n
}

// Normalize dispatches to the source adapter or the generic fallback.
func (r *Registry) Normalize(source string, raw map[string]any) (models.Alert, error) {
	if n, ok := r.adapters[strings.ToLower(source)]; ok {
		return n.Normalize(source, raw)
	}
	return r.fallback.Normalize(source, raw)
}

// GenericNormalizer maps loosely structured monitoring payloads onto the
// canonical Alert shape. It tolerates the common field spellings seen across
// alertmanager-style and anomaly-detector webhooks.
type GenericNormalizer struct{}

// Normalize validates required identity fields and extracts the rest.
func (GenericNormalizer) Normalize(source string, raw map[string]any) (models.Alert, error) {
	if source == "" {
		source = stringField(raw, "source", "origin")
	}
	if source == "" {
		return models.Alert{}, &MalformedEventError{Source: "unknown", Field: "source"}
	}

	resource := stringField(raw, "resource", "resource_id", "entity", "host", "instance")
	if resource == "" {
		return models.Alert{}, &MalformedEventError{Source: source, Field: "resource"}
	}

	metric := stringField(raw, "metric", "metric_name", "alertname", "check")
	if metric == "" {
		return models.Alert{}, &MalformedEventError{Source: source, Field: "metric"}
	}

	ts, ok := timestampField(raw, "timestamp", "ts", "time", "startsAt")
	if !ok {
		return models.Alert{}, &MalformedEventError{Source: source, Field: "timestamp"}
	}

	alert := models.Alert{
		ID:        stringField(raw, "id", "alert_id", "event_id"),
		Source:    source,
		Resource:  resource,
		Metric:    metric,
		Severity:  models.ParseSeverity(stringField(raw, "severity", "level", "priority")),
		Timestamp: ts.UTC(),
		Payload:   payloadFields(raw),
	}
	return alert, nil
}

var identityKeys = map[string]struct{}{
	"id": {}, "alert_id": {}, "event_id": {},
	"source": {}, "origin": {},
	"resource": {}, "resource_id": {}, "entity": {}, "host": {}, "instance": {},
	"metric": {}, "metric_name": {}, "alertname": {}, "check": {},
	"severity": {}, "level": {}, "priority": {},
	"timestamp": {}, "ts": {}, "time": {}, "startsAt": {},
}

func stringField(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := raw[key]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func timestampField(raw map[string]any, keys ...string) (time.Time, bool) {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok {
			continue
		}
		switch value := v.(type) {
		case string:
			if t, err := utils.ParseRFC3339(value); err == nil {
				return t, true
			}
		case float64:
			if t := utils.FromEpoch(value); !t.IsZero() {
				return t, true
			}
		case int64:
			if t := utils.FromEpoch(float64(value)); !t.IsZero() {
				return t, true
			}
		case int:
			if t := utils.FromEpoch(float64(value)); !t.IsZero() {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// payloadFields collects the remaining scalar attributes as opaque key-value
// context.
func payloadFields(raw map[string]any) map[string]string {
	var payload map[string]string
	for k, v := range raw {
		if _, identity := identityKeys[k]; identity {
			continue
		}
		if payload == nil {
			payload = make(map[string]string)
		}
		switch value := v.(type) {
		case string:
			payload[k] = value
		case bool:
			payload[k] = fmt.Sprintf("%t", value)
		case float64:
			payload[k] = strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", value), "0"), ".")
		case int, int64:
			payload[k] = fmt.Sprintf("%d", value)
		}
	}
	return payload
}
