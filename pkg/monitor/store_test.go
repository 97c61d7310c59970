package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/core/pkg/resources"
)

func TestStoreAppendAndQuerySince(t *testing.T) {
	store, err := OpenStore(StoreConfig{Path: ":memory:"})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	base := time.Now()

	old := Sample{Timestamp: base.Add(-time.Hour), Status: StatusHealthy, Snapshot: resources.Snapshot{}}
	recent := Sample{Timestamp: base, Status: StatusDegraded, Snapshot: resources.Snapshot{CPUUtilizationPct: 80}}

	require.NoError(t, store.Append(ctx, old))
	require.NoError(t, store.Append(ctx, recent))

	got, err := store.QuerySince(ctx, base.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, StatusDegraded, got[0].Status)
	assert.InDelta(t, 80, got[0].Snapshot.CPUUtilizationPct, 0.001)
}

func TestStorePrune(t *testing.T) {
	store, err := OpenStore(StoreConfig{Path: ":memory:"})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	base := time.Now()
	require.NoError(t, store.Append(ctx, Sample{Timestamp: base.Add(-2 * time.Hour), Status: StatusHealthy}))
	require.NoError(t, store.Append(ctx, Sample{Timestamp: base, Status: StatusHealthy}))

	require.NoError(t, store.Prune(ctx, base.Add(-time.Hour)))

	got, err := store.QuerySince(ctx, base.Add(-3*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestMonitorWithStorePersistsSamples(t *testing.T) {
	store, err := OpenStore(StoreConfig{Path: ":memory:"})
	require.NoError(t, err)
	defer store.Close()

	mgr := resources.New(resources.Limits{
		MemoryMax: 1 << 30, MemoryWarning: 800 << 20, CPUMaxUsage: 100, CPUWarning: 80,
	}, nil, nil)
	m := New(mgr, nil, Config{Interval: 5 * time.Millisecond, MemoryWarningPct: 99, MemoryCriticalPct: 99.9, CPUWarningPct: 99, CPUCriticalPct: 99.9}, nil).WithStore(store)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	defer func() {
		cancel()
		m.Stop()
	}()

	waitForSample(t, m, time.Second)
	time.Sleep(20 * time.Millisecond)

	got, err := store.QuerySince(context.Background(), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.NotEmpty(t, got)
}
