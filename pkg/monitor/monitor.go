// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package monitor implements the health aggregator (spec component C8): it
// periodically asks the resource manager for a snapshot, derives a health
// status from warning/critical utilization thresholds, and keeps a bounded
// history ring that callers can query by time.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/taskmesh/core/pkg/eventbus"
	"github.com/taskmesh/core/pkg/resources"
)

// Status is the derived health of the process at a point in time.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// MaxHistory bounds the in-memory ring of samples.
const MaxHistory = 1000

// Config tunes the Monitor's sampling cadence and health thresholds. The
// thresholds apply to resources.Snapshot's utilization percentages and are
// independent of the resource manager's own warning/max limits, so a
// Monitor can be configured to alarm earlier than C1's own alert topic.
type Config struct {
	Interval          time.Duration
	MemoryWarningPct  float64
	MemoryCriticalPct float64
	CPUWarningPct     float64
	CPUCriticalPct    float64
}

// DefaultConfig returns sane defaults for a single-process deployment.
func DefaultConfig() Config {
	return Config{
		Interval:          10 * time.Second,
		MemoryWarningPct:  75,
		MemoryCriticalPct: 90,
		CPUWarningPct:     75,
		CPUCriticalPct:    90,
	}
}

// Sample is one entry in the health history.
type Sample struct {
	Timestamp time.Time
	Status    Status
	Snapshot  resources.Snapshot
}

// Monitor is the health aggregator (spec component C8).
type Monitor struct {
	cfg         Config
	resourceMgr *resources.Manager
	bus         *eventbus.Bus
	logger      *slog.Logger
	store       *Store

	mu        sync.Mutex
	history   []Sample
	lastState Status

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Monitor. bus may be nil to disable the health-change event.
func New(resourceMgr *resources.Manager, bus *eventbus.Bus, cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Monitor{
		cfg:         cfg,
		resourceMgr: resourceMgr,
		bus:         bus,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// WithStore attaches an optional durable backing store. Every sample taken
// after this call is also persisted there; QuerySince still reads from the
// in-memory ring first, falling back to the store only via QuerySinceDurable.
func (m *Monitor) WithStore(store *Store) *Monitor {
	m.store = store
	return m
}

// Start launches the periodic sampling loop.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop halts the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	m.sample()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	snap := m.resourceMgr.Snapshot()
	status := m.deriveStatus(snap)

	entry := Sample{Timestamp: time.Now(), Status: status, Snapshot: snap}

	m.mu.Lock()
	m.history = append(m.history, entry)
	if len(m.history) > MaxHistory {
		m.history = m.history[len(m.history)-MaxHistory:]
	}
	changed := status != m.lastState
	m.lastState = status
	m.mu.Unlock()

	recordUtilization(snap.MemoryUtilizationPct, snap.CPUUtilizationPct)
	recordHealth(status)

	if m.store != nil {
		if err := m.store.Append(context.Background(), entry); err != nil {
			m.logger.Warn("failed to persist health sample", "error", err)
		}
	}

	if changed {
		m.logger.Info("health status changed", "status", status,
			"memory_utilization_pct", snap.MemoryUtilizationPct,
			"cpu_utilization_pct", snap.CPUUtilizationPct)
		m.publish(status)
	}
}

func (m *Monitor) deriveStatus(snap resources.Snapshot) Status {
	if snap.MemoryUtilizationPct >= m.cfg.MemoryCriticalPct || snap.CPUUtilizationPct >= m.cfg.CPUCriticalPct {
		return StatusUnhealthy
	}
	if snap.MemoryUtilizationPct >= m.cfg.MemoryWarningPct || snap.CPUUtilizationPct >= m.cfg.CPUWarningPct {
		return StatusDegraded
	}
	return StatusHealthy
}

func (m *Monitor) publish(status Status) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{
		Type:    "monitor:health:" + string(status),
		Payload: map[string]any{"status": string(status)},
	})
}

// Latest returns the most recent sample, or the zero value and false if no
// sample has been taken yet.
func (m *Monitor) Latest() (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return Sample{}, false
	}
	return m.history[len(m.history)-1], true
}

// QuerySince returns every sample recorded at or after t, oldest first.
func (m *Monitor) QuerySince(t time.Time) []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Sample, 0, len(m.history))
	for _, s := range m.history {
		if !s.Timestamp.Before(t) {
			out = append(out, s)
		}
	}
	return out
}

// QuerySinceDurable answers "history since t" against the durable store
// when one is attached, reaching further back than the bounded in-memory
// ring allows. With no store attached it returns the in-memory QuerySince
// result and a nil error.
func (m *Monitor) QuerySinceDurable(ctx context.Context, t time.Time) ([]Sample, error) {
	if m.store == nil {
		return m.QuerySince(t), nil
	}
	return m.store.QuerySince(ctx, t)
}

// History returns a copy of the full bounded history, oldest first.
func (m *Monitor) History() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, len(m.history))
	copy(out, m.history)
	return out
}
