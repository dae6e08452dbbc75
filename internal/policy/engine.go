// Package policy evaluates worker/host/resource restrictions and the
// scheduler.blocked-handlers admission check as rego policies, adapting the
// OPA wrapper from this lineage's standalone policy service (see
// SPEC_FULL.md §4.5.1) to the scheduler's in-process restriction checks.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/scheduler/internal/taskgraph"
)

const defaultPackage = "scheduler.allow"

// defaultPolicy is loaded unconditionally so the engine has no restrictive
// effect unless an operator drops additional .rego files into the policy
// directory.
const defaultPolicy = `package scheduler

default allow = true
`

// Engine wraps a prepared OPA query set, reloaded whenever the policy
// directory changes on disk.
type Engine struct {
	mu             sync.RWMutex
	prepared       *rego.PreparedEvalQuery
	modules        map[string]*ast.Module
	policyDir      string
	compileLatency metric.Float64Histogram
	evalLatency    metric.Float64Histogram
	tracer         trace.Tracer
}

// New constructs an Engine and performs the initial load (always succeeds:
// the built-in default policy is the fallback if policyDir is empty or
// unreadable).
func New(ctx context.Context, policyDir string, meter metric.Meter, tracer trace.Tracer) (*Engine, error) {
	compileLatency, _ := meter.Float64Histogram("scheduler_policy_compile_latency_ms")
	evalLatency, _ := meter.Float64Histogram("scheduler_policy_eval_latency_ms")
	e := &Engine{
		policyDir:      policyDir,
		modules:        make(map[string]*ast.Module),
		compileLatency: compileLatency,
		evalLatency:    evalLatency,
		tracer:         tracer,
	}
	if err := e.Reload(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload recompiles every .rego file under the policy directory plus the
// built-in default, atomically swapping the prepared query.
func (e *Engine) Reload(ctx context.Context) error {
	start := time.Now()

	modules := map[string]*ast.Module{}
	defaultMod, err := ast.ParseModule("default.rego", defaultPolicy)
	if err != nil {
		return fmt.Errorf("policy: parse default module: %w", err)
	}
	modules["default.rego"] = defaultMod

	if e.policyDir != "" {
		files, _ := filepath.Glob(filepath.Join(e.policyDir, "*.rego"))
		for _, file := range files {
			content, err := os.ReadFile(file)
			if err != nil {
				continue
			}
			mod, err := ast.ParseModule(file, string(content))
			if err != nil {
				return fmt.Errorf("policy: parse %s: %w", file, err)
			}
			modules[file] = mod
		}
	}

	compiler := ast.NewCompiler()
	compiler.Compile(modules)
	if compiler.Failed() {
		return fmt.Errorf("policy: compile failed: %v", compiler.Errors)
	}

	prepared, err := rego.New(
		rego.Query(fmt.Sprintf("data.%s", defaultPackage)),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("policy: prepare query: %w", err)
	}

	e.mu.Lock()
	e.modules = modules
	e.prepared = &prepared
	e.mu.Unlock()

	if e.compileLatency != nil {
		e.compileLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
	return nil
}

// Allows implements placement.RestrictionChecker: true unless a compiled
// policy explicitly disallows the candidate worker for this restriction set.
func (e *Engine) Allows(workerAddress string, r taskgraph.Restrictions) bool {
	ctx := context.Background()
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "policy.allows")
		defer span.End()
	}
	if len(r.Workers) > 0 && !contains(r.Workers, workerAddress) {
		return false
	}
	if len(r.Hosts) > 0 && !hostMatches(r.Hosts, workerAddress) {
		return false
	}
	return e.evaluate(ctx, map[string]any{
		"worker":    workerAddress,
		"resources": r.Resources,
	})
}

// AllowsHandler implements the scheduler.blocked-handlers admission check.
func (e *Engine) AllowsHandler(handler string) bool {
	return e.evaluate(context.Background(), map[string]any{"handler": handler})
}

func (e *Engine) evaluate(ctx context.Context, input map[string]any) bool {
	start := time.Now()
	e.mu.RLock()
	prepared := e.prepared
	e.mu.RUnlock()
	if prepared == nil {
		return true
	}
	results, err := prepared.Eval(ctx, rego.EvalInput(input))
	if e.evalLatency != nil {
		e.evalLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
	if err != nil || len(results) == 0 || len(results[0].Expressions) == 0 {
		return true
	}
	allow, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return true
	}
	return allow
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func hostMatches(hosts []string, workerAddress string) bool {
	for _, h := range hosts {
		if h == workerAddress {
			return true
		}
	}
	return false
}
