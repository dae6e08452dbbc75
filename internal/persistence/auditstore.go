// Package persistence implements the scheduler's optional forensic audit store:
// a bbolt-backed append log of transitions and maintenance-schedule
// configuration. It is never read back as authoritative state on startup
// (see SPEC_FULL.md §1 Non-goals, §6) -- the scheduler's live state always
// lives in internal/taskgraph, internal/workerregistry, internal/clientregistry.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/metric"
)

var (
	bucketTransitions = []byte("transitions")
	bucketSchedules   = []byte("schedules")
	bucketSnapshots   = []byte("snapshots")
)

// AuditStore persists the transition log for post-incident forensics and the
// cron-driven maintenance schedule configuration described in
// SPEC_FULL.md §2.1/§4.10.
type AuditStore struct {
	db           *bbolt.DB
	writeLatency metric.Float64Histogram
}

// Open creates (or reopens) a bbolt database at path, creating buckets as needed.
func Open(path string, meter metric.Meter) (*AuditStore, error) {
	opts := &bbolt.Options{Timeout: 1 * time.Second, FreelistType: bbolt.FreelistArrayType}
	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("persistence: open: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketTransitions, bucketSchedules, bucketSnapshots} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: create buckets: %w", err)
	}
	writeLatency, _ := meter.Float64Histogram("scheduler_audit_db_write_ms")
	return &AuditStore{db: db, writeLatency: writeLatency}, nil
}

// Close closes the underlying database.
func (s *AuditStore) Close() error { return s.db.Close() }

// TransitionRecord is the persisted shape of one transition-log entry.
type TransitionRecord struct {
	Seq        uint64    `json:"seq"`
	Key        string    `json:"key"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	StimulusID string    `json:"stimulus_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// AppendTransition writes one transition record, keyed by its sequence number
// so iteration order matches recording order.
func (s *AuditStore) AppendTransition(rec TransitionRecord) error {
	start := time.Now()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("persistence: marshal transition: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTransitions)
		key := seqKey(rec.Seq)
		return b.Put(key, data)
	})
	if s.writeLatency != nil {
		s.writeLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()))
	}
	return err
}

// ScheduleRecord persists one maintenance-cron entry (e.g. a periodic rebalance
// or retire-workers sweep), grounded on this lineage's cron-backed Scheduler.
type ScheduleRecord struct {
	Name       string `json:"name"`
	CronSpec   string `json:"cron_spec"`
	Operation  string `json:"operation"` // "rebalance" | "retire-workers" | "idle-check"
	Enabled    bool   `json:"enabled"`
}

// PutSchedule upserts a maintenance schedule entry.
func (s *AuditStore) PutSchedule(rec ScheduleRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("persistence: marshal schedule: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(rec.Name), data)
	})
}

// ListSchedules returns every persisted maintenance schedule.
func (s *AuditStore) ListSchedules() ([]ScheduleRecord, error) {
	var out []ScheduleRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			var rec ScheduleRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// PutSnapshot stores an opaque bootstrap document (the scheduler_file of
// spec.md §6: address, known workers, scheduler id) for operational discovery
// only -- never read back to reconstruct authoritative state.
func (s *AuditStore) PutSnapshot(name string, payload []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(name), payload)
	})
}

func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}
