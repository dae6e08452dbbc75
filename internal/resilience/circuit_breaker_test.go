package resilience

import (
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterFailureRateExceedsThreshold(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(100*time.Millisecond, 4, 2, 0.5, 50*time.Millisecond, 1)

	if !cb.Allow() {
		t.Fatalf("expected breaker to start closed and allow requests")
	}
	cb.RecordResult(false)
	time.Sleep(30 * time.Millisecond)
	cb.RecordResult(false)

	if cb.Allow() {
		t.Fatalf("expected breaker to open after two failures at minSamples=2")
	}
}

func TestCircuitBreakerHalfOpensThenClosesOnSuccessfulProbe(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(100*time.Millisecond, 4, 2, 0.5, 50*time.Millisecond, 1)
	cb.RecordResult(false)
	time.Sleep(30 * time.Millisecond)
	cb.RecordResult(false)
	if cb.Allow() {
		t.Fatalf("expected breaker open immediately after tripping")
	}

	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected a half-open probe to be allowed after halfOpenAfter elapses")
	}
	if cb.Allow() {
		t.Fatalf("expected second concurrent probe denied (maxHalfOpenProbes=1)")
	}

	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatalf("expected breaker closed and allowing requests after a successful probe")
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(100*time.Millisecond, 4, 2, 0.5, 20*time.Millisecond, 2)
	cb.RecordResult(false)
	time.Sleep(30 * time.Millisecond)
	cb.RecordResult(false)

	time.Sleep(30 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected probe allowed once half-open")
	}
	cb.RecordResult(false)
	if cb.Allow() {
		t.Fatalf("expected breaker to reopen after a failed half-open probe")
	}
}
