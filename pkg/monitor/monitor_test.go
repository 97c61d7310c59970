package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/core/pkg/eventbus"
	"github.com/taskmesh/core/pkg/resources"
)

func newTestMonitor(t *testing.T, limits resources.Limits, bus *eventbus.Bus) (*Monitor, *resources.Manager) {
	t.Helper()
	mgr := resources.New(limits, bus, nil)
	m := New(mgr, bus, Config{Interval: 10 * time.Millisecond, MemoryWarningPct: 50, MemoryCriticalPct: 80, CPUWarningPct: 50, CPUCriticalPct: 80}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	t.Cleanup(func() {
		cancel()
		m.Stop()
	})
	return m, mgr
}

func waitForSample(t *testing.T, m *Monitor, timeout time.Duration) Sample {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s, ok := m.Latest(); ok {
			return s
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("monitor never produced a sample")
	return Sample{}
}

func TestMonitor_HealthyWhenUnderThresholds(t *testing.T) {
	m, _ := newTestMonitor(t, resources.Limits{MemoryMax: 1000, CPUMaxUsage: 100}, nil)
	s := waitForSample(t, m, time.Second)
	assert.Equal(t, StatusHealthy, s.Status)
}

func TestMonitor_DegradedAboveWarning(t *testing.T) {
	bus := eventbus.New(16)
	m, mgr := newTestMonitor(t, resources.Limits{MemoryMax: 1000, CPUMaxUsage: 100}, bus)
	waitForSample(t, m, time.Second)

	require.True(t, mgr.Reserve("t1", resources.Requirement{MemoryBytes: 600}))

	deadline := time.Now().Add(time.Second)
	var s Sample
	for time.Now().Before(deadline) {
		s, _ = m.Latest()
		if s.Status == StatusDegraded {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, StatusDegraded, s.Status)
}

func TestMonitor_UnhealthyAboveCritical(t *testing.T) {
	m, mgr := newTestMonitor(t, resources.Limits{MemoryMax: 1000, CPUMaxUsage: 100}, nil)
	waitForSample(t, m, time.Second)

	require.True(t, mgr.Reserve("t1", resources.Requirement{MemoryBytes: 850}))

	deadline := time.Now().Add(time.Second)
	var s Sample
	for time.Now().Before(deadline) {
		s, _ = m.Latest()
		if s.Status == StatusUnhealthy {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, StatusUnhealthy, s.Status)
}

func TestMonitor_QuerySinceFiltersOlderSamples(t *testing.T) {
	m, _ := newTestMonitor(t, resources.Limits{MemoryMax: 1000, CPUMaxUsage: 100}, nil)
	waitForSample(t, m, time.Second)

	cutoff := time.Now()
	time.Sleep(30 * time.Millisecond)

	recent := m.QuerySince(cutoff)
	assert.NotEmpty(t, recent)
	for _, s := range recent {
		assert.False(t, s.Timestamp.Before(cutoff))
	}
}

func TestMonitor_HistoryBoundedAtMax(t *testing.T) {
	m := New(resources.New(resources.Limits{MemoryMax: 1000, CPUMaxUsage: 100}, nil, nil), nil, DefaultConfig(), nil)
	for i := 0; i < MaxHistory+10; i++ {
		m.sample()
	}
	assert.Len(t, m.History(), MaxHistory)
}
