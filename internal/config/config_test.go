package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.AppName != "creditledger" {
		t.Fatalf("expected app name creditledger, got %s", cfg.AppName)
	}
	if cfg.HTTPPort != "8080" {
		t.Fatalf("expected port 8080, got %s", cfg.HTTPPort)
	}
	if !cfg.APIAuthEnabled {
		t.Fatal("expected API auth on by default")
	}
	if cfg.LedgerLockTimeout != 3*time.Second {
		t.Fatalf("expected 3s lock timeout, got %s", cfg.LedgerLockTimeout)
	}
	if cfg.Maintenance.ClaimRetentionDays != 90 {
		t.Fatalf("expected 90 day claim retention, got %d", cfg.Maintenance.ClaimRetentionDays)
	}
	if cfg.Events.Enabled {
		t.Fatal("expected events off by default")
	}
	if cfg.Cloud.Metrics.Enabled {
		t.Fatal("expected cloud metrics off by default")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("SNOWFLAKE_NODE", "7")
	t.Setenv("API_AUTH_ENABLED", "false")
	t.Setenv("LEDGER_LOCK_TIMEOUT", "250ms")
	t.Setenv("EVENTS_ENABLED", "yes")
	t.Setenv("EVENTS_REDIS_ADDR", " redis:6379 ")
	t.Setenv("CLOUD_METRICS_EXPORTER", "PUSHGATEWAY")
	t.Setenv("CLAIM_RETENTION_DAYS", "30")

	cfg := Load()

	if cfg.HTTPPort != "9090" {
		t.Fatalf("expected port 9090, got %s", cfg.HTTPPort)
	}
	if cfg.SnowflakeNode != 7 {
		t.Fatalf("expected node 7, got %d", cfg.SnowflakeNode)
	}
	if cfg.APIAuthEnabled {
		t.Fatal("expected API auth disabled")
	}
	if cfg.LedgerLockTimeout != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %s", cfg.LedgerLockTimeout)
	}
	if !cfg.Events.Enabled {
		t.Fatal("expected events enabled via yes")
	}
	if cfg.Events.RedisAddr != "redis:6379" {
		t.Fatalf("expected trimmed redis addr, got %q", cfg.Events.RedisAddr)
	}
	if cfg.Cloud.Metrics.Exporter != "pushgateway" {
		t.Fatalf("expected lowercased exporter, got %q", cfg.Cloud.Metrics.Exporter)
	}
	if cfg.Maintenance.ClaimRetentionDays != 30 {
		t.Fatalf("expected 30 day retention, got %d", cfg.Maintenance.ClaimRetentionDays)
	}
}

func TestLoadIgnoresGarbageValues(t *testing.T) {
	t.Setenv("LEDGER_LOCK_TIMEOUT", "soon")
	t.Setenv("SNOWFLAKE_NODE", "not-a-number")
	t.Setenv("API_AUTH_ENABLED", "maybe")

	cfg := Load()

	if cfg.LedgerLockTimeout != 3*time.Second {
		t.Fatalf("expected default timeout on parse failure, got %s", cfg.LedgerLockTimeout)
	}
	if cfg.SnowflakeNode != 1 {
		t.Fatalf("expected default node on parse failure, got %d", cfg.SnowflakeNode)
	}
	if !cfg.APIAuthEnabled {
		t.Fatal("expected default auth on unparseable bool")
	}
}
