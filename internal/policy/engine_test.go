package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/scheduler/internal/taskgraph"
)

func newTestEngine(t *testing.T, dir string) *Engine {
	mp := noopmetric.MeterProvider{}
	e, err := New(context.Background(), dir, mp.Meter("test"), nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func TestAllowsDefaultsTrueWithNoPolicyFiles(t *testing.T) {
	e := newTestEngine(t, "")
	if !e.Allows("tcp://w1:1", taskgraph.Restrictions{}) {
		t.Fatalf("expected default-allow with no policy files loaded")
	}
}

func TestAllowsRejectsWorkerOutsideExplicitWorkerRestriction(t *testing.T) {
	e := newTestEngine(t, "")
	r := taskgraph.Restrictions{Workers: []string{"tcp://w2:1"}}
	if e.Allows("tcp://w1:1", r) {
		t.Fatalf("expected worker restriction to reject a worker not in the allow-list")
	}
	if !e.Allows("tcp://w2:1", r) {
		t.Fatalf("expected worker restriction to allow the listed worker")
	}
}

func TestAllowsRejectsHostOutsideExplicitHostRestriction(t *testing.T) {
	e := newTestEngine(t, "")
	r := taskgraph.Restrictions{Hosts: []string{"tcp://w2:1"}}
	if e.Allows("tcp://w1:1", r) {
		t.Fatalf("expected host restriction to reject a non-matching host")
	}
}

func TestReloadPicksUpDenyPolicyFromDisk(t *testing.T) {
	dir := t.TempDir()
	rego := `package scheduler

allow = false {
	input.worker == "tcp://blocked:1"
}
`
	if err := os.WriteFile(filepath.Join(dir, "blocklist.rego"), []byte(rego), 0644); err != nil {
		t.Fatalf("write policy file: %v", err)
	}
	e := newTestEngine(t, dir)
	if e.Allows("tcp://blocked:1", taskgraph.Restrictions{}) {
		t.Fatalf("expected on-disk policy to block tcp://blocked:1")
	}
	if !e.Allows("tcp://ok:1", taskgraph.Restrictions{}) {
		t.Fatalf("expected on-disk policy to allow an unlisted worker")
	}
}

func TestAllowsHandlerDefaultsTrue(t *testing.T) {
	e := newTestEngine(t, "")
	if !e.AllowsHandler("compute-task") {
		t.Fatalf("expected default-allow for handler admission check")
	}
}
