package config

import "testing"

func TestLoadUsesDefaultsWhenUnset(t *testing.T) {
	cfg := Load()
	if cfg.HTTPAddr != ":8786" {
		t.Fatalf("expected default HTTP addr, got %s", cfg.HTTPAddr)
	}
	if cfg.AllowedFailures != 3 {
		t.Fatalf("expected default allowed failures 3, got %d", cfg.AllowedFailures)
	}
	if cfg.RebalanceMeasure != "optimistic" {
		t.Fatalf("expected default rebalance measure optimistic, got %s", cfg.RebalanceMeasure)
	}
}

func TestLoadHonorsEnvironmentOverrides(t *testing.T) {
	t.Setenv("SCHED_HTTP_ADDR", ":9999")
	t.Setenv("SCHED_ALLOWED_FAILURES", "7")
	t.Setenv("SCHED_BANDWIDTH_BYTES_PER_SEC", "12345.5")
	t.Setenv("SCHED_WORKER_TIMEOUT", "45s")

	cfg := Load()
	if cfg.HTTPAddr != ":9999" {
		t.Fatalf("expected overridden HTTP addr, got %s", cfg.HTTPAddr)
	}
	if cfg.AllowedFailures != 7 {
		t.Fatalf("expected overridden allowed failures 7, got %d", cfg.AllowedFailures)
	}
	if cfg.BandwidthBytesPerSec != 12345.5 {
		t.Fatalf("expected overridden bandwidth, got %v", cfg.BandwidthBytesPerSec)
	}
	if cfg.WorkerTimeout.Seconds() != 45 {
		t.Fatalf("expected overridden worker timeout 45s, got %v", cfg.WorkerTimeout)
	}
}

func TestIntFromEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("SCHED_ALLOWED_FAILURES", "not-a-number")
	cfg := Load()
	if cfg.AllowedFailures != 3 {
		t.Fatalf("expected fallback to default on parse failure, got %d", cfg.AllowedFailures)
	}
}
