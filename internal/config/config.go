// Package config loads the scheduler's environment-driven configuration,
// following the SCHED_*-prefixed env-var convention of internal/logging and
// the getEnv/intFromEnv helpers this lineage's services use for their own
// settings.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every environment-tunable scheduler setting (SPEC_FULL.md §6
// "Environment configuration").
type Config struct {
	// HTTPAddr is the ingress HTTP listen address.
	HTTPAddr string
	// NATSURL is the outbound/inbound message bus address.
	NATSURL string
	// PolicyDir is watched for .rego restriction/admission policies.
	PolicyDir string
	// AuditDBPath is the bbolt file backing the forensic transition log.
	AuditDBPath string

	// AllowedFailures is how many times a task may see the worker computing
	// it die before it is marked erred with KilledWorker (spec.md's
	// allowed_failures, default 3). Retries after task errors are counted
	// separately, by Task.Retries.
	AllowedFailures int
	// TransitionMaxBatch bounds one stimulus's follow-on chain length.
	TransitionMaxBatch int
	// WorkerTimeout is how long a worker may go without a heartbeat before
	// it is considered dead (spec.md §4.7 failure detection).
	WorkerTimeout time.Duration
	// ClientCleanupDelay is how long a disconnected client's holds are kept
	// in case of a quick reconnect.
	ClientCleanupDelay time.Duration
	// IdleDebounce is the two-consecutive-sample idle detection window.
	IdleDebounce time.Duration
	// IdleCheckCron, RebalanceCron, and WorkerTTLCheckCron are robfig/cron
	// specs for the lifecycle controller's periodic maintenance sweeps.
	IdleCheckCron      string
	RebalanceCron      string
	WorkerTTLCheckCron string

	// RebalanceMeasure selects which internal/memory.Measure drives rebalance
	// (one of "process", "optimistic", "managed", "managed_in_memory").
	RebalanceMeasure string

	// BandwidthBytesPerSec feeds the placement engine's transfer-cost model.
	BandwidthBytesPerSec float64
}

// Load reads Config from the environment, applying the defaults this
// lineage's services fall back to when a variable is unset.
func Load() Config {
	return Config{
		HTTPAddr:             getEnv("SCHED_HTTP_ADDR", ":8786"),
		NATSURL:              getEnv("SCHED_NATS_URL", "nats://127.0.0.1:4222"),
		PolicyDir:            getEnv("SCHED_POLICY_DIR", ""),
		AuditDBPath:          getEnv("SCHED_AUDIT_DB_PATH", "./scheduler-audit.db"),
		AllowedFailures:      intFromEnv("SCHED_ALLOWED_FAILURES", 3),
		TransitionMaxBatch:   intFromEnv("SCHED_TRANSITION_MAX_BATCH", 10000),
		WorkerTimeout:        durationFromEnv("SCHED_WORKER_TIMEOUT", 30*time.Second),
		ClientCleanupDelay:   durationFromEnv("SCHED_CLIENT_CLEANUP_DELAY", 60*time.Second),
		IdleDebounce:         durationFromEnv("SCHED_IDLE_DEBOUNCE", 10*time.Second),
		IdleCheckCron:        getEnv("SCHED_IDLE_CHECK_CRON", "*/30 * * * * *"),
		RebalanceCron:        getEnv("SCHED_REBALANCE_CRON", "0 */5 * * * *"),
		WorkerTTLCheckCron:   getEnv("SCHED_WORKER_TTL_CHECK_CRON", "*/10 * * * * *"),
		RebalanceMeasure:     getEnv("SCHED_REBALANCE_MEASURE", "optimistic"),
		BandwidthBytesPerSec: floatFromEnv("SCHED_BANDWIDTH_BYTES_PER_SEC", 100e6),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intFromEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func floatFromEnv(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func durationFromEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
