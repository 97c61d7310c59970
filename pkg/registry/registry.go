// Package registry implements the agent registry (spec component C2): an
// in-memory, keyed directory of remote agents with capability lookup and
// status/heartbeat tracking.
package registry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/time/rate"

	orcherr "github.com/taskmesh/core/pkg/errors"
)

// Status is an agent's current availability.
type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusOffline Status = "OFFLINE"
	StatusBusy    Status = "BUSY"
)

// Capability describes a named set of methods an agent supports.
type Capability struct {
	Name    string
	Methods []string
	Version string
}

// Advertises reports whether this capability covers method, honoring
// doublestar glob patterns in Methods (e.g. "image.*").
func (c Capability) Advertises(method string) bool {
	for _, m := range c.Methods {
		if m == method {
			return true
		}
		if ok, _ := doublestar.Match(m, method); ok {
			return true
		}
	}
	return false
}

// Agent is a remote worker entry in the registry.
type Agent struct {
	ID           string
	Endpoint     string
	Capabilities []Capability
	Status       Status
	LastSeen     time.Time
}

// Advertises reports whether any capability of this agent covers method.
func (a Agent) Advertises(method string) bool {
	for _, c := range a.Capabilities {
		if c.Advertises(method) {
			return true
		}
	}
	return false
}

// CapabilityMatchFraction returns the fraction of this agent's capability
// entries that advertise method — used by the router's scoring function.
func (a Agent) CapabilityMatchFraction(method string) float64 {
	if len(a.Capabilities) == 0 {
		return 0
	}
	matched := 0
	for _, c := range a.Capabilities {
		if c.Advertises(method) {
			matched++
		}
	}
	return float64(matched) / float64(len(a.Capabilities))
}

// Registry is the in-memory agent directory.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent

	httpClient *http.Client

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// New creates an empty registry. httpClient is used by the optional health
// prober; pass nil to use http.DefaultClient.
func New(httpClient *http.Client) *Registry {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Registry{
		agents:     make(map[string]*Agent),
		httpClient: httpClient,
		limiters:   make(map[string]*rate.Limiter),
	}
}

// probeLimiterFor returns the per-agent rate limiter gating /health probes,
// creating one on first use. A flapping agent that an operator is actively
// debugging should not get hammered by every tick of the prober's caller.
func (r *Registry) probeLimiterFor(id string) *rate.Limiter {
	r.limitersMu.Lock()
	defer r.limitersMu.Unlock()
	l, ok := r.limiters[id]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Second), 1)
		r.limiters[id] = l
	}
	return l
}

// Register adds a new agent. Registering an existing id fails with
// AlreadyExistsError.
func (r *Registry) Register(a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[a.ID]; exists {
		return &orcherr.AlreadyExistsError{Resource: "agent", ID: a.ID}
	}
	if a.Status == "" {
		a.Status = StatusOnline
	}
	a.LastSeen = time.Now()
	cp := a
	r.agents[a.ID] = &cp
	return nil
}

// Unregister removes an agent; unknown ids are a no-op so shutdown code
// never has to special-case "already gone".
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.agents, id)
	r.mu.Unlock()

	r.limitersMu.Lock()
	delete(r.limiters, id)
	r.limitersMu.Unlock()
}

// Get returns a copy of the agent record, or NotFoundError.
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, &orcherr.NotFoundError{Resource: "agent", ID: id}
	}
	return *a, nil
}

// List returns a snapshot slice of all agents.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	return out
}

// UpdateStatus sets an agent's status and advances lastSeen to now.
// Unknown ids fail with NotFoundError.
func (r *Registry) UpdateStatus(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return &orcherr.NotFoundError{Resource: "agent", ID: id}
	}
	a.Status = status
	a.LastSeen = time.Now()
	return nil
}

// OnlineCount returns the number of agents currently ONLINE.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, a := range r.agents {
		if a.Status == StatusOnline {
			n++
		}
	}
	return n
}

// ProbeHealth performs a single GET {endpoint}/health against every
// registered agent, flipping status to OFFLINE on a non-OK response or
// transport error, and restoring ONLINE on success. Intended to be driven
// by a single periodic ticker owned by the caller, not a per-agent timer.
func (r *Registry) ProbeHealth(ctx context.Context) {
	for _, a := range r.List() {
		if !r.probeLimiterFor(a.ID).Allow() {
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.Endpoint+"/health", nil)
		if err != nil {
			r.UpdateStatus(a.ID, StatusOffline)
			continue
		}
		resp, err := r.httpClient.Do(req)
		if err != nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
			r.UpdateStatus(a.ID, StatusOffline)
			if resp != nil {
				resp.Body.Close()
			}
			continue
		}
		resp.Body.Close()
		r.UpdateStatus(a.ID, StatusOnline)
	}
}
