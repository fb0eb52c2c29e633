package ingest

import (
	"errors"
	"testing"
	"time"

	"github.com/miradorstack/mirador-incident/internal/models"
)

func TestGenericNormalizerRequiredFields(t *testing.T) {
	cases := []struct {
		name    string
		source  string
		raw     map[string]any
		missing string
	}{
		{
			name:    "missing resource",
			source:  "cloudwatch",
			raw:     map[string]any{"metric": "4XXError", "timestamp": "2025-06-01T10:00:00Z"},
			missing: "resource",
		},
		{
			name:    "missing metric",
			source:  "cloudwatch",
			raw:     map[string]any{"resource": "api-gw-1", "timestamp": "2025-06-01T10:00:00Z"},
			missing: "metric",
		},
		{
			name:    "missing timestamp",
			source:  "cloudwatch",
			raw:     map[string]any{"resource": "api-gw-1", "metric": "4XXError"},
			missing: "timestamp",
		},
		{
			name:    "missing source",
			source:  "",
			raw:     map[string]any{"resource": "api-gw-1", "metric": "4XXError", "timestamp": "2025-06-01T10:00:00Z"},
			missing: "source",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := GenericNormalizer{}.Normalize(tc.source, tc.raw)
			var malformed *MalformedEventError
			if !errors.As(err, &malformed) {
				t.Fatalf("expected MalformedEventError, got %v", err)
			}
			if malformed.Field != tc.missing {
				t.Fatalf("expected missing field %q, got %q", tc.missing, malformed.Field)
			}
		})
	}
}

func TestGenericNormalizerTimestampFormats(t *testing.T) {
	epoch := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		raw  map[string]any
	}{
		{"rfc3339", map[string]any{"timestamp": "2025-06-01T10:00:00Z"}},
		{"epoch seconds", map[string]any{"ts": float64(epoch.Unix())}},
		{"epoch millis", map[string]any{"time": float64(epoch.UnixMilli())}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := map[string]any{"resource": "api-gw-1", "metric": "4XXError"}
			for k, v := range tc.raw {
				raw[k] = v
			}
			alert, err := GenericNormalizer{}.Normalize("cloudwatch", raw)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !alert.Timestamp.Equal(epoch) {
				t.Fatalf("expected %v, got %v", epoch, alert.Timestamp)
			}
		})
	}
}

func TestGenericNormalizerSeverityAndPayload(t *testing.T) {
	raw := map[string]any{
		"resource":  "api-gw-1",
		"metric":    "4XXError",
		"timestamp": "2025-06-01T10:00:00Z",
		"severity":  "major",
		"region":    "eu-west-1",
		"value":     float64(42),
	}
	alert, err := GenericNormalizer{}.Normalize("anomaly-detector", raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alert.Severity != models.SeverityCritical {
		t.Fatalf("expected critical severity for major, got %s", alert.Severity)
	}
	if alert.Payload["region"] != "eu-west-1" {
		t.Fatalf("expected payload to keep region, got %v", alert.Payload)
	}
	if _, ok := alert.Payload["resource"]; ok {
		t.Fatal("identity fields must not leak into payload")
	}
}

func TestRegistryFallsBackToGeneric(t *testing.T) {
	registry := NewRegistry()
	alert, err := registry.Normalize("unknown-source", map[string]any{
		"resource":  "db-orders",
		"metric":    "replication_lag",
		"timestamp": "2025-06-01T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alert.Source != "unknown-source" {
		t.Fatalf("expected source passthrough, got %q", alert.Source)
	}
}

type staticNormalizer struct{ alert models.Alert }

func (s staticNormalizer) Normalize(string, map[string]any) (models.Alert, error) {
	return s.alert, nil
}

func TestRegistryPrefersSourceAdapter(t *testing.T) {
	registry := NewRegistry()
	registry.Register("Custom", staticNormalizer{alert: models.Alert{Source: "custom", Resource: "r", Metric: "m"}})

	alert, err := registry.Normalize("custom", map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alert.Resource != "r" {
		t.Fatalf("expected adapter output, got %+v", alert)
	}
}
