// Package resources implements the admission-control substrate shared by
// the orchestrator and the workflow engine: it tracks sampled CPU/memory
// usage, owns the reservation table, and decides whether a caller may
// proceed.
//
// No component may read or write the reservation map directly; every
// interaction goes through CanHandle/Reserve/Release/Snapshot.
package resources

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/taskmesh/core/pkg/eventbus"
)

// Requirement describes the resources a task or workflow needs.
type Requirement struct {
	MemoryBytes int64
	CPUPercent  float64
	TimeoutMs   int64
}

// Limits is the static configuration of the resource manager.
type Limits struct {
	MemoryMax     int64   // bytes
	MemoryWarning int64   // bytes
	CPUMaxUsage   float64 // percent, 0-100
	CPUWarning    float64 // percent, 0-100
}

// DefaultLimits returns sane defaults for a single-process deployment.
func DefaultLimits() Limits {
	return Limits{
		MemoryMax:     2 << 30, // 2 GiB
		MemoryWarning: 1 << 30, // 1 GiB
		CPUMaxUsage:   80,
		CPUWarning:    60,
	}
}

// MemorySnapshot reports measured and derived memory figures.
type MemorySnapshot struct {
	Total         int64
	Used          int64
	Free          int64
	ProcessUsage  int64
}

// CPUSnapshot reports measured and derived CPU figures.
type CPUSnapshot struct {
	Usage        float64
	LoadAvg      float64
	ProcessUsage float64
}

// Snapshot is the immutable metrics view returned by Snapshot().
type Snapshot struct {
	Memory               MemorySnapshot
	CPU                  CPUSnapshot
	AvailableMemory      int64
	AvailableCPU         float64
	MemoryUtilizationPct float64
	CPUUtilizationPct    float64
}

// AlertLevel distinguishes a warning crossing from a critical crossing.
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alert is emitted on the event bus when cumulative reservations cross a
// configured threshold.
type Alert struct {
	Level    AlertLevel
	Resource string // "memory" or "cpu"
}

// reservation is a single taskId -> requirement entry.
type reservation struct {
	req Requirement
}

// Manager is the resource manager (spec component C1).
type Manager struct {
	mu           sync.Mutex
	limits       Limits
	reservations map[string]reservation

	reservedMemory int64
	reservedCPU    float64

	measuredMemoryUsed  int64
	measuredMemoryTotal int64
	measuredCPUUsage    float64

	lastMemoryLevel AlertLevel // "" | warning | critical, per-resource de-dup
	lastCPULevel    AlertLevel

	bus    *eventbus.Bus
	logger *slog.Logger

	stopSampler chan struct{}
	samplerOnce sync.Once
	wg          sync.WaitGroup
}

// New creates a resource manager. bus may be nil to disable alert
// publication.
func New(limits Limits, bus *eventbus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		limits:              limits,
		reservations:        make(map[string]reservation),
		measuredMemoryTotal: limits.MemoryMax,
		bus:                 bus,
		logger:              logger,
		stopSampler:         make(chan struct{}),
	}
	return m
}

// StartSampling launches a background sampler on a single ticker that
// updates measured usage roughly once per second until ctx is done or
// Stop is called.
func (m *Manager) StartSampling(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopSampler:
				return
			case <-ticker.C:
				m.sample()
			}
		}
	}()
}

// Stop halts the background sampler.
func (m *Manager) Stop() {
	m.samplerOnce.Do(func() {
		close(m.stopSampler)
	})
	m.wg.Wait()
}

// SetLimits replaces the configured limits in place, for hot-reload of
// resource limits without restarting the process. Existing reservations
// are left untouched; a lowered limit only affects future Reserve calls,
// it never evicts what is already reserved.
func (m *Manager) SetLimits(limits Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = limits
	m.lastMemoryLevel = ""
	m.lastCPULevel = ""
}

// Limits returns the currently configured limits.
func (m *Manager) Limits() Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

// sample reads current process memory stats. Sampling errors are
// impossible with runtime.ReadMemStats but the method is structured so a
// future OS-level sampler can fail without affecting reservation calls.
func (m *Manager) sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.mu.Lock()
	m.measuredMemoryUsed = int64(ms.Sys)
	if m.measuredMemoryTotal == 0 {
		m.measuredMemoryTotal = m.limits.MemoryMax
	}
	// No portable, dependency-free host CPU sampler; approximate using
	// goroutine pressure is misleading, so process CPU usage is reported
	// as the reservation-derived utilization only. NumGoroutine is kept
	// as a coarse liveness signal in logs.
	m.mu.Unlock()

	m.logger.Debug("resource sample", slog.Int64("memory_used_bytes", int64(ms.Sys)), slog.Int("goroutines", runtime.NumGoroutine()))
}

// CanHandle reports whether req could be admitted right now without
// mutating any state.
func (m *Manager) CanHandle(req Requirement) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canHandleLocked(req)
}

func (m *Manager) canHandleLocked(req Requirement) bool {
	freeMemory := m.limits.MemoryMax - m.reservedMemory
	freeCPU := m.limits.CPUMaxUsage - m.reservedCPU

	if req.MemoryBytes > freeMemory {
		return false
	}
	if req.CPUPercent > freeCPU {
		return false
	}
	if m.reservedMemory+req.MemoryBytes > m.limits.MemoryMax {
		return false
	}
	if m.reservedCPU+req.CPUPercent > m.limits.CPUMaxUsage {
		return false
	}
	return true
}

// Reserve performs an atomic test-and-insert: if CanHandle holds for req,
// a reservation is recorded under taskID and true is returned.
func (m *Manager) Reserve(taskID string, req Requirement) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.canHandleLocked(req) {
		return false
	}

	m.reservations[taskID] = reservation{req: req}
	m.reservedMemory += req.MemoryBytes
	m.reservedCPU += req.CPUPercent

	m.checkAlertsLocked()
	recordReservation(m.reservedMemory, m.reservedCPU, len(m.reservations))
	return true
}

// Release removes the reservation for taskID, if present. Idempotent.
func (m *Manager) Release(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[taskID]
	if !ok {
		return
	}
	delete(m.reservations, taskID)
	m.reservedMemory -= r.req.MemoryBytes
	m.reservedCPU -= r.req.CPUPercent
	if m.reservedMemory < 0 {
		m.reservedMemory = 0
	}
	if m.reservedCPU < 0 {
		m.reservedCPU = 0
	}
	recordReservation(m.reservedMemory, m.reservedCPU, len(m.reservations))
}

// checkAlertsLocked emits at most one alert per level per crossing,
// using last-emitted-level to de-duplicate successive samples above
// threshold. Must be called with m.mu held.
func (m *Manager) checkAlertsLocked() {
	memLevel := m.levelFor(m.reservedMemory, m.limits.MemoryWarning, m.limits.MemoryMax)
	if memLevel != "" && memLevel != m.lastMemoryLevel {
		m.publishAlert(Alert{Level: memLevel, Resource: "memory"})
	}
	m.lastMemoryLevel = memLevel

	cpuLevel := m.levelFor(int64(m.reservedCPU*1000), int64(m.limits.CPUWarning*1000), int64(m.limits.CPUMaxUsage*1000))
	if cpuLevel != "" && cpuLevel != m.lastCPULevel {
		m.publishAlert(Alert{Level: cpuLevel, Resource: "cpu"})
	}
	m.lastCPULevel = cpuLevel
}

func (m *Manager) levelFor(value, warning, max int64) AlertLevel {
	switch {
	case value >= max:
		return AlertCritical
	case value >= warning:
		return AlertWarning
	default:
		return ""
	}
}

func (m *Manager) publishAlert(a Alert) {
	recordAlert(a.Resource, a.Level)
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{
		Type: "resource:" + string(a.Level),
		Payload: map[string]any{
			"resource": a.Resource,
			"level":    string(a.Level),
		},
	})
}

// Snapshot returns an immutable view of current metrics.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := m.measuredMemoryTotal
	if total == 0 {
		total = m.limits.MemoryMax
	}
	used := m.measuredMemoryUsed
	free := total - used
	if free < 0 {
		free = 0
	}

	availMem := m.limits.MemoryMax - m.reservedMemory
	availCPU := m.limits.CPUMaxUsage - m.reservedCPU

	var memUtil, cpuUtil float64
	if m.limits.MemoryMax > 0 {
		memUtil = float64(m.reservedMemory) / float64(m.limits.MemoryMax) * 100
	}
	if m.limits.CPUMaxUsage > 0 {
		cpuUtil = m.reservedCPU / m.limits.CPUMaxUsage * 100
	}

	return Snapshot{
		Memory: MemorySnapshot{
			Total:        total,
			Used:         used,
			Free:         free,
			ProcessUsage: used,
		},
		CPU: CPUSnapshot{
			Usage:        m.measuredCPUUsage,
			ProcessUsage: m.reservedCPU,
		},
		AvailableMemory:      availMem,
		AvailableCPU:         availCPU,
		MemoryUtilizationPct: memUtil,
		CPUUtilizationPct:    cpuUtil,
	}
}

// ReservedCount reports how many active reservations exist; used by tests
// and metrics to confirm reserve/release balance.
func (m *Manager) ReservedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reservations)
}
