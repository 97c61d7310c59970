// Package router implements the task router (spec component C4): given a
// task and the agent registry, it picks the agent best suited to run it.
package router

import (
	"math"
	"time"

	orcherr "github.com/taskmesh/core/pkg/errors"
	"github.com/taskmesh/core/pkg/registry"
)

// Default neutral score used for an agent the router has no observed
// metrics for yet.
const neutralScore = 0.5

// loadBalancingWindow bounds the "time since last used" term of the
// scoring function; an agent idle for this long or more scores the
// maximum 1.0 on the load-balancing factor.
const loadBalancingWindow = 5 * time.Minute

// Metrics is the caller-supplied, per-agent observation window the
// router consults for the 30%/25%/20%/15% score terms. Callers own how these
// are measured and aggregated; the router only reads them.
type Metrics struct {
	SuccessRate  float64 // [0,1] over a sliding window
	AvgLatencyMs float64
	LastUsed     time.Time
	CPUUtilPct   float64 // [0,100]
	MemUtilPct   float64 // [0,100]
	Observed     bool    // false => agent has no recorded metrics yet
}

// MetricsSource supplies per-agent metrics, keyed by agent id.
type MetricsSource interface {
	Get(agentID string) (Metrics, bool)
}

// Router selects a target agent for a task.
type Router struct {
	reg     *registry.Registry
	metrics MetricsSource
	now     func() time.Time
}

// New creates a router over reg, scoring candidates with metrics.
// metrics may be nil, in which case every candidate gets the neutral
// score.
func New(reg *registry.Registry, metrics MetricsSource) *Router {
	return &Router{reg: reg, metrics: metrics, now: time.Now}
}

// candidate pairs an agent with its score for selection and tie-breaking.
type candidate struct {
	agent    registry.Agent
	score    float64
	lastUsed time.Time
}

// Select picks an agent for method. If targetAgent is non-empty it is
// validated (must exist, be ONLINE, and advertise method) rather than
// scored. Returns NotFoundError/PreconditionFailedError for an invalid
// explicit target, or NoCapableAgentError if no online agent qualifies.
func (r *Router) Select(method, targetAgent string) (registry.Agent, error) {
	if targetAgent != "" {
		return r.validateTarget(method, targetAgent)
	}
	return r.selectBest(method)
}

func (r *Router) validateTarget(method, targetAgent string) (registry.Agent, error) {
	a, err := r.reg.Get(targetAgent)
	if err != nil {
		return registry.Agent{}, err
	}
	if a.Status != registry.StatusOnline {
		return registry.Agent{}, &orcherr.PreconditionFailedError{
			Resource: "agent", State: string(a.Status), Message: "target agent is not online",
		}
	}
	if !a.Advertises(method) {
		return registry.Agent{}, &orcherr.NoCapableAgentError{Method: method}
	}
	return a, nil
}

func (r *Router) selectBest(method string) (registry.Agent, error) {
	var candidates []candidate
	for _, a := range r.reg.List() {
		if a.Status != registry.StatusOnline {
			continue
		}
		if !a.Advertises(method) {
			continue
		}
		score, lastUsed := r.score(a, method)
		candidates = append(candidates, candidate{agent: a, score: score, lastUsed: lastUsed})
	}

	if len(candidates) == 0 {
		return registry.Agent{}, &orcherr.NoCapableAgentError{Method: method}
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.score > best.score {
			best = c
			continue
		}
		if c.score == best.score && c.lastUsed.Before(best.lastUsed) {
			best = c
		}
	}
	return best.agent, nil
}

// score computes the weighted [0,1] score for a candidate agent, and
// returns its lastUsed timestamp for tie-breaking.
func (r *Router) score(a registry.Agent, method string) (float64, time.Time) {
	m, ok := Metrics{}, false
	if r.metrics != nil {
		m, ok = r.metrics.Get(a.ID)
	}
	if !ok || !m.Observed {
		return neutralScore, time.Time{}
	}

	headroom := 1 - math.Max(m.CPUUtilPct/100, m.MemUtilPct/100)
	headroom = clamp01(headroom)

	successRate := clamp01(m.SuccessRate)

	var loadBalance float64
	if !m.LastUsed.IsZero() {
		elapsed := r.now().Sub(m.LastUsed)
		loadBalance = clamp01(float64(elapsed) / float64(loadBalancingWindow))
	}

	latencyScore := clamp01(1 - m.AvgLatencyMs/1000)

	capMatch := a.CapabilityMatchFraction(method)

	total := 0.30*headroom + 0.25*successRate + 0.20*loadBalance + 0.15*latencyScore + 0.10*capMatch
	return total, m.LastUsed
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
