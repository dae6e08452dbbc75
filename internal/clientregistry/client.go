// Package clientregistry owns ClientState: connected clients and what task keys
// each keeps alive.
package clientregistry

import (
	"sync"
	"time"

	"github.com/swarmguard/scheduler/internal/taskgraph"
)

// Client is the scheduler's record of a connected client session.
type Client struct {
	ID         string
	WantsWhat  map[taskgraph.Key]struct{}
	Versions   map[string]string
	LastSeen   time.Time
}

func newClient(id string, versions map[string]string) *Client {
	return &Client{
		ID:        id,
		WantsWhat: make(map[taskgraph.Key]struct{}),
		Versions:  versions,
		LastSeen:  time.Now(),
	}
}

// Registry owns every connected client and drives the delayed event-log cleanup
// that follows a disconnect.
type Registry struct {
	mu       sync.Mutex
	clients  map[string]*Client
	pendingRemoval map[string]*time.Timer
	cleanupDelay   time.Duration
}

// NewRegistry constructs a client registry. cleanupDelay is
// scheduler.events-cleanup-delay: how long a departed client's event log is kept
// in case of a quick reconnect.
func NewRegistry(cleanupDelay time.Duration) *Registry {
	return &Registry{
		clients:        make(map[string]*Client),
		pendingRemoval: make(map[string]*time.Timer),
		cleanupDelay:   cleanupDelay,
	}
}

// AddClient registers (or reconnects) a client.
func (r *Registry) AddClient(id string, versions map[string]string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	if timer, ok := r.pendingRemoval[id]; ok {
		timer.Stop()
		delete(r.pendingRemoval, id)
	}
	c, ok := r.clients[id]
	if !ok {
		c = newClient(id, versions)
		r.clients[id] = c
	}
	c.LastSeen = time.Now()
	return c
}

// RemoveClient arms a delayed removal; onExpire is invoked (outside the lock) if
// the client does not reconnect within cleanupDelay.
func (r *Registry) RemoveClient(id string, onExpire func(clientID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[id]; !ok {
		return
	}
	r.pendingRemoval[id] = time.AfterFunc(r.cleanupDelay, func() {
		r.mu.Lock()
		delete(r.clients, id)
		delete(r.pendingRemoval, id)
		r.mu.Unlock()
		if onExpire != nil {
			onExpire(id)
		}
	})
}

// Get returns the client by id, or nil.
func (r *Registry) Get(id string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[id]
}

// Clients returns a snapshot of every connected client.
func (r *Registry) Clients() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}
