package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("expected default address, got %q", cfg.Server.Address)
	}
	if cfg.Pipeline.DedupPartitions != 4 {
		t.Fatalf("expected 4 dedup partitions, got %d", cfg.Pipeline.DedupPartitions)
	}
	if cfg.Cache.Enabled {
		t.Fatal("cache must default to disabled")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  address: ":9090"
  gracefulTimeout: 5s
logging:
  level: debug
  json: true
pipeline:
  alertBuffer: 2048
kafka:
  enabled: true
  brokers: ["kafka-1:9092"]
  topic: alerts
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("expected file address, got %q", cfg.Server.Address)
	}
	if cfg.Server.GracefulTimeout != 5*time.Second {
		t.Fatalf("expected 5s graceful timeout, got %v", cfg.Server.GracefulTimeout)
	}
	if !cfg.Logging.JSON || cfg.Logging.Level != "debug" {
		t.Fatalf("logging not applied: %+v", cfg.Logging)
	}
	if !cfg.Kafka.Enabled || cfg.Kafka.Topic != "alerts" {
		t.Fatalf("kafka section not applied: %+v", cfg.Kafka)
	}
	// File values merge over defaults.
	if cfg.Server.MetricsAddress != ":2112" {
		t.Fatalf("unset fields must keep defaults, got %q", cfg.Server.MetricsAddress)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MIRADOR_INCIDENT_SERVER_ADDRESS", ":7070")
	t.Setenv("MIRADOR_INCIDENT_LOG_LEVEL", "warn")
	t.Setenv("MIRADOR_INCIDENT_KAFKA_BROKERS", "a:9092, b:9092")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Address != ":7070" {
		t.Fatalf("env address override not applied: %q", cfg.Server.Address)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("env log level override not applied: %q", cfg.Logging.Level)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "b:9092" {
		t.Fatalf("broker list override not applied: %v", cfg.Kafka.Brokers)
	}
}
