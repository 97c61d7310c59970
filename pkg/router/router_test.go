package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orcherr "github.com/taskmesh/core/pkg/errors"
	"github.com/taskmesh/core/pkg/registry"
)

type fakeMetrics struct {
	byAgent map[string]Metrics
}

func (f *fakeMetrics) Get(agentID string) (Metrics, bool) {
	m, ok := f.byAgent[agentID]
	return m, ok
}

func newReg(agents ...registry.Agent) *registry.Registry {
	r := registry.New(nil)
	for _, a := range agents {
		_ = r.Register(a)
	}
	return r
}

func TestSelect_ValidatesExplicitTarget(t *testing.T) {
	reg := newReg(registry.Agent{
		ID: "a1", Endpoint: "http://x", Status: registry.StatusOnline,
		Capabilities: []registry.Capability{{Methods: []string{"Foo"}}},
	})
	r := New(reg, nil)

	got, err := r.Select("Foo", "a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.ID)
}

func TestSelect_ExplicitTargetOfflineFails(t *testing.T) {
	reg := newReg(registry.Agent{
		ID: "a1", Status: registry.StatusOffline,
		Capabilities: []registry.Capability{{Methods: []string{"Foo"}}},
	})
	r := New(reg, nil)

	_, err := r.Select("Foo", "a1")
	var pf *orcherr.PreconditionFailedError
	assert.ErrorAs(t, err, &pf)
}

func TestSelect_ExplicitTargetLackingCapabilityFails(t *testing.T) {
	reg := newReg(registry.Agent{ID: "a1", Status: registry.StatusOnline})
	r := New(reg, nil)

	_, err := r.Select("Foo", "a1")
	var nc *orcherr.NoCapableAgentError
	assert.ErrorAs(t, err, &nc)
}

func TestSelect_ExplicitTargetUnknownFails(t *testing.T) {
	reg := newReg()
	r := New(reg, nil)

	_, err := r.Select("Foo", "missing")
	var nf *orcherr.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestSelect_NoCapableOnlineAgentFails(t *testing.T) {
	reg := newReg(
		registry.Agent{ID: "a1", Status: registry.StatusOffline, Capabilities: []registry.Capability{{Methods: []string{"Foo"}}}},
		registry.Agent{ID: "a2", Status: registry.StatusOnline, Capabilities: []registry.Capability{{Methods: []string{"Bar"}}}},
	)
	r := New(reg, nil)

	_, err := r.Select("Foo", "")
	var nc *orcherr.NoCapableAgentError
	assert.ErrorAs(t, err, &nc)
}

func TestSelect_UnobservedAgentsGetNeutralScoreAndFirstWins(t *testing.T) {
	reg := newReg(
		registry.Agent{ID: "a1", Status: registry.StatusOnline, Capabilities: []registry.Capability{{Methods: []string{"Foo"}}}},
		registry.Agent{ID: "a2", Status: registry.StatusOnline, Capabilities: []registry.Capability{{Methods: []string{"Foo"}}}},
	)
	r := New(reg, nil)

	got, err := r.Select("Foo", "")
	require.NoError(t, err)
	assert.Contains(t, []string{"a1", "a2"}, got.ID)
}

func TestSelect_PicksHigherHeadroomAgent(t *testing.T) {
	reg := newReg(
		registry.Agent{ID: "busy", Status: registry.StatusOnline, Capabilities: []registry.Capability{{Methods: []string{"Foo"}}}},
		registry.Agent{ID: "idle", Status: registry.StatusOnline, Capabilities: []registry.Capability{{Methods: []string{"Foo"}}}},
	)
	metrics := &fakeMetrics{byAgent: map[string]Metrics{
		"busy": {Observed: true, CPUUtilPct: 90, MemUtilPct: 90, SuccessRate: 1, LastUsed: time.Now()},
		"idle": {Observed: true, CPUUtilPct: 5, MemUtilPct: 5, SuccessRate: 1, LastUsed: time.Now()},
	}}
	r := New(reg, metrics)

	got, err := r.Select("Foo", "")
	require.NoError(t, err)
	assert.Equal(t, "idle", got.ID)
}

func TestSelect_TieBreaksByEarliestLastUsed(t *testing.T) {
	reg := newReg(
		registry.Agent{ID: "recent", Status: registry.StatusOnline, Capabilities: []registry.Capability{{Methods: []string{"Foo"}}}},
		registry.Agent{ID: "stale", Status: registry.StatusOnline, Capabilities: []registry.Capability{{Methods: []string{"Foo"}}}},
	)
	now := time.Now()
	metrics := &fakeMetrics{byAgent: map[string]Metrics{
		// Both idle past loadBalancingWindow, so their scores tie exactly.
		"recent": {Observed: true, SuccessRate: 1, LastUsed: now.Add(-10 * time.Minute)},
		"stale":  {Observed: true, SuccessRate: 1, LastUsed: now.Add(-time.Hour)},
	}}
	r := New(reg, metrics)

	got, err := r.Select("Foo", "")
	require.NoError(t, err)
	assert.Equal(t, "stale", got.ID)
}

func TestSelect_CapabilityMatchFractionBreaksAdvantage(t *testing.T) {
	reg := newReg(
		registry.Agent{ID: "narrow", Status: registry.StatusOnline, Capabilities: []registry.Capability{{Methods: []string{"Foo"}}}},
		registry.Agent{ID: "broad", Status: registry.StatusOnline, Capabilities: []registry.Capability{
			{Methods: []string{"Foo"}}, {Methods: []string{"Bar"}},
		}},
	)
	now := time.Now()
	metrics := &fakeMetrics{byAgent: map[string]Metrics{
		"narrow": {Observed: true, SuccessRate: 1, LastUsed: now},
		"broad":  {Observed: true, SuccessRate: 1, LastUsed: now},
	}}
	r := New(reg, metrics)

	got, err := r.Select("Foo", "")
	require.NoError(t, err)
	assert.Equal(t, "narrow", got.ID)
}
