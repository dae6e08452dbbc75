// Package ingress exposes the scheduler's stimuli as an HTTP control surface,
// adapting this lineage's api-gateway (bearer auth, per-key rate limiting,
// circuit breaker, request validation) to front internal/stimuli instead of
// proxying to other services (see SPEC_FULL.md §6.1).
package ingress

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/scheduler/internal/resilience"
	"github.com/swarmguard/scheduler/internal/stimuli"
	"github.com/swarmguard/scheduler/internal/taskgraph"
)

// Server fronts the stimuli handlers with HTTP, auth, per-key rate limiting,
// and a circuit breaker protecting the single-threaded scheduler loop from a
// thundering herd of client requests.
type Server struct {
	handlers *stimuli.Handlers
	breaker  *resilience.CircuitBreaker

	limiterMu sync.Mutex
	limiters  map[string]*resilience.HybridRateLimiter

	reqCounter   metric.Int64Counter
	latencyHist  metric.Float64Histogram
	rlDenied     metric.Int64Counter
	authDenied   metric.Int64Counter
	cbRejected   metric.Int64Counter
}

// NewServer wires the HTTP control surface around an already-assembled
// stimuli.Handlers.
func NewServer(h *stimuli.Handlers, meter metric.Meter) *Server {
	reqCounter, _ := meter.Int64Counter("scheduler_ingress_requests_total")
	latencyHist, _ := meter.Float64Histogram("scheduler_ingress_latency_ms")
	rlDenied, _ := meter.Int64Counter("scheduler_ingress_rate_limited_total")
	authDenied, _ := meter.Int64Counter("scheduler_ingress_auth_denied_total")
	cbRejected, _ := meter.Int64Counter("scheduler_ingress_circuit_rejected_total")
	return &Server{
		handlers:    h,
		breaker:     resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 20, 0.5, 5*time.Second, 3),
		limiters:    make(map[string]*resilience.HybridRateLimiter),
		reqCounter:  reqCounter,
		latencyHist: latencyHist,
		rlDenied:    rlDenied,
		authDenied:  authDenied,
		cbRejected:  cbRejected,
	}
}

// Mux builds the HTTP handler tree, excluding /metrics (wired by the caller
// against the otelinit Prometheus handler).
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/update-graph", s.wrap("/v1/update-graph", s.handleUpdateGraph))
	mux.HandleFunc("/v1/release-keys", s.wrap("/v1/release-keys", s.handleReleaseKeys))
	mux.HandleFunc("/v1/cancel-key", s.wrap("/v1/cancel-key", s.handleCancelKey))
	mux.HandleFunc("/v1/register-worker", s.wrap("/v1/register-worker", s.handleRegisterWorker))
	mux.HandleFunc("/v1/heartbeat-worker", s.wrap("/v1/heartbeat-worker", s.handleHeartbeat))
	mux.HandleFunc("/v1/task-finished", s.wrap("/v1/task-finished", s.handleTaskFinished))
	mux.HandleFunc("/v1/task-erred", s.wrap("/v1/task-erred", s.handleTaskErred))
	mux.HandleFunc("/v1/rebalance", s.wrap("/v1/rebalance", s.handleRebalance))
	mux.HandleFunc("/v1/retire-workers", s.wrap("/v1/retire-workers", s.handleRetireWorkers))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	total := s.handlers.Workers.TotalMemory()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "ok",
		"workers":              len(s.handlers.Workers.Running()),
		"cluster_memory_bytes": total.Process,
		"cluster_managed_bytes": total.Managed(),
	})
}

// wrap applies auth, per-key rate limiting, the circuit breaker, latency/
// request metrics, and structured logging around handler.
func (s *Server) wrap(path string, handler func(*http.Request) (int, any)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()

		clientID := clientIdentity(r)
		if clientID == "" {
			s.authDenied.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing client identity"})
			return
		}

		if !s.breaker.Allow() {
			s.cbRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scheduler overloaded"})
			return
		}

		limiter := s.limiterFor(clientID)
		if !limiter.Allow(ctx) {
			s.rlDenied.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}

		status, body := handler(r)
		s.breaker.RecordResult(status < 500)
		writeJSON(w, status, body)

		dur := float64(time.Since(start).Milliseconds())
		s.reqCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
		s.latencyHist.Record(ctx, dur, metric.WithAttributes(attribute.String("path", path)))
		slog.Info("ingress request", "path", path, "client", clientID, "status", status, "dur_ms", dur)
	}
}

func (s *Server) limiterFor(key string) *resilience.HybridRateLimiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		l = resilience.NewHybridRateLimiter(50, 10, 20, 100*time.Millisecond)
		s.limiters[key] = l
	}
	return l
}

func clientIdentity(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

type updateGraphRequest struct {
	ClientID string `json:"client_id"`
	Tasks    []struct {
		Key          string   `json:"key"`
		RunSpec      []byte   `json:"run_spec"`
		Dependencies []string `json:"dependencies"`
		GroupName    string   `json:"group_name"`
		PriorityHigh int64    `json:"priority_high"`
		PriorityLow  int64    `json:"priority_low"`
	} `json:"tasks"`
	KeysWanted []string `json:"keys_wanted"`
}

func (s *Server) handleUpdateGraph(r *http.Request) (int, any) {
	var req updateGraphRequest
	if err := decodeBody(r, &req); err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	submissions := make([]stimuli.TaskSubmission, 0, len(req.Tasks))
	for _, t := range req.Tasks {
		deps := make([]taskgraph.Key, len(t.Dependencies))
		for i, d := range t.Dependencies {
			deps[i] = taskgraph.Key(d)
		}
		submissions = append(submissions, stimuli.TaskSubmission{
			Key:          taskgraph.Key(t.Key),
			RunSpec:      t.RunSpec,
			Dependencies: deps,
			GroupName:    t.GroupName,
			Priority:     taskgraph.Priority{High: t.PriorityHigh, Low: t.PriorityLow},
		})
	}
	wanted := make([]taskgraph.Key, len(req.KeysWanted))
	for i, k := range req.KeysWanted {
		wanted[i] = taskgraph.Key(k)
	}
	stimulusID, err := s.handlers.UpdateGraph(r.Context(), req.ClientID, submissions, wanted)
	if err != nil {
		return http.StatusConflict, map[string]string{"error": err.Error(), "stimulus_id": stimulusID}
	}
	return http.StatusAccepted, map[string]string{"stimulus_id": stimulusID}
}

func (s *Server) handleReleaseKeys(r *http.Request) (int, any) {
	var req struct {
		ClientID string   `json:"client_id"`
		Keys     []string `json:"keys"`
	}
	if err := decodeBody(r, &req); err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	keys := make([]taskgraph.Key, len(req.Keys))
	for i, k := range req.Keys {
		keys[i] = taskgraph.Key(k)
	}
	stimulusID, culled := s.handlers.ReleaseKeys(r.Context(), req.ClientID, keys)
	return http.StatusOK, map[string]any{"stimulus_id": stimulusID, "culled": culled}
}

func (s *Server) handleCancelKey(r *http.Request) (int, any) {
	var req struct {
		Key string `json:"key"`
	}
	if err := decodeBody(r, &req); err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	stimulusID, err := s.handlers.CancelKey(r.Context(), taskgraph.Key(req.Key))
	if err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]string{"stimulus_id": stimulusID}
}

func (s *Server) handleRegisterWorker(r *http.Request) (int, any) {
	var req struct {
		Address   string             `json:"address"`
		Name      string             `json:"name"`
		NThreads  int                `json:"nthreads"`
		Resources map[string]float64 `json:"resources"`
		Versions  map[string]string  `json:"versions"`
	}
	if err := decodeBody(r, &req); err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	stimulusID, err := s.handlers.RegisterWorker(req.Address, req.Name, req.NThreads, req.Resources, req.Versions, nil, nil)
	if err != nil {
		return http.StatusConflict, map[string]string{"error": err.Error(), "stimulus_id": stimulusID}
	}
	return http.StatusCreated, map[string]string{"stimulus_id": stimulusID}
}

func (s *Server) handleHeartbeat(r *http.Request) (int, any) {
	var req struct {
		Address       string             `json:"address"`
		Seq           uint64             `json:"seq"`
		UsedResources map[string]float64 `json:"used_resources"`
	}
	if err := decodeBody(r, &req); err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	stimulusID, err := s.handlers.HeartbeatWorker(req.Address, req.Seq, req.UsedResources, struct{ Process, ManagedInMemory, ManagedSpilled, UnmanagedOld int64 }{})
	if err != nil {
		return http.StatusNotFound, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]string{"stimulus_id": stimulusID}
}

func (s *Server) handleTaskFinished(r *http.Request) (int, any) {
	var req struct {
		Key    string `json:"key"`
		NBytes int64  `json:"nbytes"`
		Type   string `json:"type"`
	}
	if err := decodeBody(r, &req); err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	stimulusID, err := s.handlers.TaskFinished(r.Context(), taskgraph.Key(req.Key), req.NBytes, req.Type)
	if err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]string{"stimulus_id": stimulusID}
}

func (s *Server) handleTaskErred(r *http.Request) (int, any) {
	var req struct {
		Key       string `json:"key"`
		Exception string `json:"exception"`
		Traceback string `json:"traceback"`
	}
	if err := decodeBody(r, &req); err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	stimulusID, err := s.handlers.TaskErred(r.Context(), taskgraph.Key(req.Key), req.Exception, req.Traceback)
	if err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]string{"stimulus_id": stimulusID}
}

func (s *Server) handleRebalance(r *http.Request) (int, any) {
	var req struct {
		Workers []string `json:"workers"`
	}
	_ = decodeBody(r, &req)
	stimulusID, moved, err := s.handlers.Rebalance(r.Context(), req.Workers)
	if err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]any{"stimulus_id": stimulusID, "moved": moved}
}

func (s *Server) handleRetireWorkers(r *http.Request) (int, any) {
	var req struct {
		Addresses []string `json:"addresses"`
	}
	if err := decodeBody(r, &req); err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	stimulusID, err := s.handlers.RetireWorkers(r.Context(), req.Addresses)
	if err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]string{"stimulus_id": stimulusID}
}
