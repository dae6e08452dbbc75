package workerregistry

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/swarmguard/scheduler/internal/memory"
	"github.com/swarmguard/scheduler/internal/taskgraph"
)

var (
	// ErrNameCollision is returned when a worker announces a name already held by
	// another live worker.
	ErrNameCollision = errors.New("workerregistry: name already in use by a live worker")
	// ErrUnexpectedData is returned when a worker announces holding keys the
	// scheduler never asked it to hold.
	ErrUnexpectedData = errors.New("workerregistry: worker announced unrequested keys")
)

// Registry owns every connected Worker, indexed by address, name, and host.
type Registry struct {
	mu sync.RWMutex

	byAddress map[string]*Worker
	byName    map[any]*Worker
	byHost    map[string]map[string]struct{} // host -> set of addresses
	aliases   map[string]string              // name-or-alias -> canonical address
}

// NewRegistry constructs an empty worker registry.
func NewRegistry() *Registry {
	return &Registry{
		byAddress: make(map[string]*Worker),
		byName:    make(map[any]*Worker),
		byHost:    make(map[string]map[string]struct{}),
		aliases:   make(map[string]string),
	}
}

// Get returns the worker at address, or nil.
func (r *Registry) Get(address string) *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byAddress[address]
}

// Workers returns a snapshot of every registered worker.
func (r *Registry) Workers() []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Worker, 0, len(r.byAddress))
	for _, w := range r.byAddress {
		out = append(out, w)
	}
	return out
}

// Running returns every worker in Running status, the candidate set for placement.
func (r *Registry) Running() []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Worker
	for _, w := range r.byAddress {
		if w.IsRunning() {
			out = append(out, w)
		}
	}
	return out
}

// TotalMemory sums the last-reported memory.State of every running worker,
// the cluster-wide total spec.md §4.9 derives from per-worker heartbeats.
func (r *Registry) TotalMemory() memory.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make([]memory.State, 0, len(r.byAddress))
	for _, w := range r.byAddress {
		if w.IsRunning() {
			states = append(states, w.Memory)
		}
	}
	return memory.Sum(states...)
}

// AddWorker registers a new worker. keysInMemory/nbytes describe replicas the
// worker claims to already hold; known is a lookup for tasks that legitimately
// exist in the graph (anything else is a protocol violation -- ErrUnexpectedData).
func (r *Registry) AddWorker(address string, name any, nthreads int, resources map[string]float64, versions map[string]string, keysInMemory []taskgraph.Key, nbytes map[taskgraph.Key]int64, known func(taskgraph.Key) *taskgraph.Task) (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[name]; ok && existing.Status != Closed && existing.Status != Failed {
		return nil, fmt.Errorf("%w: %v", ErrNameCollision, name)
	}

	for _, k := range keysInMemory {
		if known(k) == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnexpectedData, k)
		}
	}

	w := newWorker(address, name, nthreads, resources, versions)
	w.Status = Running
	w.LastSeen = time.Now().UnixNano()
	r.byAddress[address] = w
	r.byName[name] = w
	r.aliases[address] = address
	if nameStr, ok := name.(string); ok {
		r.aliases[nameStr] = address
	}

	host := hostOf(address)
	hosts, ok := r.byHost[host]
	if !ok {
		hosts = make(map[string]struct{})
		r.byHost[host] = hosts
	}
	hosts[address] = struct{}{}

	for _, k := range keysInMemory {
		w.HasWhat[k] = struct{}{}
		if nb, ok := nbytes[k]; ok {
			w.NBytes += nb
		}
	}

	return w, nil
}

// RemoveWorker removes a worker. Idempotent: returns ("already-removed", nil) if
// the worker is already gone. On success returns the set of tasks that were
// processing on it (to be re-routed by the caller) and the set of keys it held
// (to be removed from who_has by the caller, since that mutation belongs to the
// task graph store, not the worker registry).
func (r *Registry) RemoveWorker(address string) (status string, processing []taskgraph.Key, hadWhat []taskgraph.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.byAddress[address]
	if !ok {
		return "already-removed", nil, nil
	}

	for k := range w.Processing {
		processing = append(processing, k)
	}
	for k := range w.HasWhat {
		hadWhat = append(hadWhat, k)
	}

	delete(r.byAddress, address)
	delete(r.byName, w.Name)
	delete(r.aliases, address)
	if nameStr, ok := w.Name.(string); ok {
		delete(r.aliases, nameStr)
	}
	host := hostOf(address)
	if hosts, ok := r.byHost[host]; ok {
		delete(hosts, address)
		if len(hosts) == 0 {
			delete(r.byHost, host)
		}
	}
	w.Status = Closed
	return "OK", processing, hadWhat
}

// CoerceAddress resolves a worker alias, bare host, or canonical address into the
// canonical registered address.
func (r *Registry) CoerceAddress(x string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if addr, ok := r.aliases[x]; ok {
		return addr, true
	}
	if _, ok := r.byAddress[x]; ok {
		return x, true
	}
	// bare host: resolve to any worker on that host, deterministically (lowest address).
	if hosts, ok := r.byHost[x]; ok && len(hosts) > 0 {
		best := ""
		for addr := range hosts {
			if best == "" || addr < best {
				best = addr
			}
		}
		return best, true
	}
	return "", false
}

func hostOf(address string) string {
	addr := address
	if i := strings.Index(addr, "://"); i >= 0 {
		addr = addr[i+3:]
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
