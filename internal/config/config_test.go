package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Store.Backend != "memory" || cfg.Session.CleanupMode != "archive" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Session.ResubscribeBase != time.Second || cfg.Session.ResubscribeMax != 30*time.Second {
		t.Fatalf("unexpected backoff defaults: %+v", cfg.Session)
	}
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "Redis")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("CLEANUP_MODE", "delete")
	t.Setenv("RESUBSCRIBE_BASE", "50ms")
	t.Setenv("KAFKA_BROKERS", " a:9092, ,b:9092 ")
	t.Setenv("OSRM_ENDPOINT", "http://osrm:5000/")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Store.Backend != "redis" || cfg.Session.CleanupMode != "delete" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Session.ResubscribeBase != 50*time.Millisecond {
		t.Fatalf("base = %v", cfg.Session.ResubscribeBase)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Fatalf("brokers = %v", cfg.KafkaBrokers)
	}
	if cfg.OSRMEndpoint != "http://osrm:5000" {
		t.Fatalf("endpoint = %q", cfg.OSRMEndpoint)
	}
}

func TestLoadServerConfigAggregatesErrors(t *testing.T) {
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("CLEANUP_MODE", "shred")
	t.Setenv("HTTP_READ_TIMEOUT", "soon")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"PG_DSN", "CLEANUP_MODE", "HTTP_READ_TIMEOUT"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_BROKER", "k1:9092")
	t.Setenv("CONSUMER_ATTEMPTS", "0")
	_, err := LoadConsumerConfig()
	if err == nil || !strings.Contains(err.Error(), "CONSUMER_ATTEMPTS") {
		t.Fatalf("expected attempts error, got %v", err)
	}
}
