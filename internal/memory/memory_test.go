package memory

import "testing"

func TestNewClampsManagedInMemoryToProcess(t *testing.T) {
	s := New(100, 500, 0, 0)
	if s.ManagedInMemory != 100 {
		t.Fatalf("expected clamp to process 100, got %d", s.ManagedInMemory)
	}
}

func TestNewRejectsNegativeFields(t *testing.T) {
	s := New(100, -10, -5, -1)
	if s.ManagedInMemory != 0 || s.ManagedSpilled != 0 || s.UnmanagedOld != 0 {
		t.Fatalf("expected negative fields clamped to zero, got %+v", s)
	}
}

func TestUnmanagedNeverNegative(t *testing.T) {
	s := New(50, 50, 0, 0)
	if s.Unmanaged() != 0 {
		t.Fatalf("expected zero unmanaged when process==managed, got %d", s.Unmanaged())
	}
}

func TestUnmanagedRecentFloorsAtZero(t *testing.T) {
	s := New(100, 10, 0, 200)
	if s.UnmanagedRecent() != 0 {
		t.Fatalf("expected unmanaged recent floored at zero, got %d", s.UnmanagedRecent())
	}
}

func TestSumAggregatesAcrossWorkers(t *testing.T) {
	a := New(100, 40, 10, 5)
	b := New(200, 60, 20, 15)
	total := Sum(a, b)
	if total.Process != 300 || total.ManagedInMemory != 100 || total.ManagedSpilled != 30 || total.UnmanagedOld != 20 {
		t.Fatalf("unexpected aggregate: %+v", total)
	}
}

func TestValueSelectsConfiguredMeasure(t *testing.T) {
	s := New(100, 40, 10, 5)
	if s.Value(MeasureProcess) != 100 {
		t.Fatalf("expected process measure 100, got %d", s.Value(MeasureProcess))
	}
	if s.Value(MeasureManaged) != 50 {
		t.Fatalf("expected managed measure 50, got %d", s.Value(MeasureManaged))
	}
	if s.Value(MeasureManagedInMemory) != 40 {
		t.Fatalf("expected managed-in-memory measure 40, got %d", s.Value(MeasureManagedInMemory))
	}
	if s.Value(MeasureOptimistic) != 45 {
		t.Fatalf("expected optimistic measure 45, got %d", s.Value(MeasureOptimistic))
	}
}
