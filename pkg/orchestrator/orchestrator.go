package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	orcherr "github.com/taskmesh/core/pkg/errors"
	"github.com/taskmesh/core/pkg/eventbus"
	"github.com/taskmesh/core/pkg/registry"
	"github.com/taskmesh/core/pkg/resources"
	"github.com/taskmesh/core/pkg/router"
	"github.com/taskmesh/core/pkg/rpcwire"
	"github.com/taskmesh/core/pkg/taskqueue"
)

var (
	tracer = otel.Tracer("github.com/taskmesh/core/pkg/orchestrator")
	meter  = otel.Meter("github.com/taskmesh/core/pkg/orchestrator")

	// dispatchLatency complements the promauto-based dispatchDuration
	// histogram in metrics.go with an OTel instrument, so a span and its
	// corresponding measurement share the same exemplar-capable pipeline
	// once a MeterProvider is installed (see internal/tracing.BootstrapMeter).
	dispatchLatency, _ = meter.Float64Histogram(
		"taskmesh.orchestrator.dispatch_latency_ms",
		otelmetric.WithDescription("Dispatch latency to a remote agent, in milliseconds"),
		otelmetric.WithUnit("ms"),
	)
)

// Config tunes admission, concurrency, and retry behavior.
type Config struct {
	MaxConcurrentTasks     int
	RetryAttempts          int
	RetryDelay             time.Duration
	DispatchTickInterval   time.Duration
	MetricsRefreshInterval time.Duration
}

// DefaultConfig mirrors the source's EnhancedOrchestrator defaults.
// BasicOrchestrator is the same component with MaxConcurrentTasks=1.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks:     10,
		RetryAttempts:          3,
		RetryDelay:             time.Second,
		DispatchTickInterval:   100 * time.Millisecond,
		MetricsRefreshInterval: 5 * time.Second,
	}
}

// Metrics is the point-in-time view returned by Orchestrator.Metrics.
type Metrics struct {
	TaskCount                    int64
	CompletedTasks               int64
	FailedTasks                  int64
	AverageProcessingTime        time.Duration
	ActiveAgents                 int
	ResourceUtilizationMemoryPct float64
	ResourceUtilizationCPUPct    float64
}

// Orchestrator owns task lifecycle: admission, routing, dispatch, retry.
type Orchestrator struct {
	cfg Config

	resourceMgr *resources.Manager
	registry    *registry.Registry
	router      *router.Router
	queue       *taskqueue.Queue
	bus         *eventbus.Bus
	httpClient  *http.Client
	logger      *slog.Logger

	mu       sync.RWMutex
	tasks    map[string]*Task
	contexts map[string]*executionContext

	activeTaskCount   int32
	processingEnabled atomic.Bool

	taskCount      int64
	completedTasks int64
	failedTasks    int64

	procMu          sync.Mutex
	processingTimes []time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an orchestrator. httpClient should be built with retries
// disabled (httpclient.Config.RetryAttempts=0): the orchestrator performs
// its own fixed-delay retry at the task layer, per spec §4.5/§9.
func New(cfg Config, resourceMgr *resources.Manager, reg *registry.Registry, rtr *router.Router, q *taskqueue.Queue, bus *eventbus.Bus, httpClient *http.Client, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		cfg:         cfg,
		resourceMgr: resourceMgr,
		registry:    reg,
		router:      rtr,
		queue:       q,
		bus:         bus,
		httpClient:  httpClient,
		logger:      logger,
		tasks:       make(map[string]*Task),
		contexts:    make(map[string]*executionContext),
		stopCh:      make(chan struct{}),
	}
	o.processingEnabled.Store(true)
	return o
}

// Start launches the dispatch loop, the periodic metrics refresh, and the
// resource-critical reaction loop. It returns immediately; call Stop to
// drain all spawned work.
func (o *Orchestrator) Start(ctx context.Context) {
	o.wg.Add(1)
	go o.dispatchLoop(ctx)

	o.wg.Add(1)
	go o.metricsLoop(ctx)

	if o.bus != nil {
		o.wg.Add(1)
		go o.resourceCriticalLoop(ctx)
	}
}

// Stop signals all loops to exit and waits for in-flight dispatches to
// finish their exit path (reservation release, status update).
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.wg.Wait()
}

// SubmitTask admits a task: derives its resource requirement, checks
// admission with the resource manager, resolves its target agent via the
// router, and enqueues it PENDING.
func (o *Orchestrator) SubmitTask(input TaskInput) (string, error) {
	req := deriveResourceRequirement(input.Method, input.ResourceRequirement)

	if !o.resourceMgr.CanHandle(req) {
		return "", &orcherr.InsufficientResourcesError{
			MemoryBytes: req.MemoryBytes, CPUPercent: req.CPUPercent,
		}
	}

	target := input.TargetAgent
	agent, err := o.router.Select(input.Method, target)
	if err != nil {
		return "", err
	}
	if target == "" {
		target = agent.ID
	}

	id := newTaskID()
	now := time.Now()
	task := &Task{
		ID:                  id,
		Method:              input.Method,
		Params:              input.Params,
		SourceAgent:         input.SourceAgent,
		TargetAgent:         target,
		Status:              StatusPending,
		ResourceRequirement: req,
		Dependencies:        input.Dependencies,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	ec := &executionContext{startTime: now, dependencies: input.Dependencies, resourceReq: req}

	o.mu.Lock()
	o.tasks[id] = task
	o.contexts[id] = ec
	o.mu.Unlock()

	qErr := o.queue.Enqueue(&taskqueue.Task{
		ID: id, Method: input.Method, Params: input.Params,
		Dependencies: input.Dependencies, Status: taskqueue.StatusPending,
		CreatedAt: now, UpdatedAt: now,
	})
	if qErr != nil {
		o.mu.Lock()
		delete(o.tasks, id)
		delete(o.contexts, id)
		o.mu.Unlock()
		return "", qErr
	}

	atomic.AddInt64(&o.taskCount, 1)
	recordTaskSubmitted()
	o.publish("task:created", id, nil)
	return id, nil
}

// GetTask returns a copy of the task record, or NotFoundError.
func (o *Orchestrator) GetTask(id string) (Task, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	t, ok := o.tasks[id]
	if !ok {
		return Task{}, &orcherr.NotFoundError{Resource: "task", ID: id}
	}
	return *t, nil
}

// CancelTask cancels a task that has not yet begun dispatch. It returns
// (true, nil) the first time it succeeds against a PENDING task, and
// (false, nil) on any later call against the same (now FAILED) task.
// Unknown ids return NotFoundError.
func (o *Orchestrator) CancelTask(id string) (bool, error) {
	o.mu.Lock()
	t, ok := o.tasks[id]
	if !ok {
		o.mu.Unlock()
		return false, &orcherr.NotFoundError{Resource: "task", ID: id}
	}
	if t.Status != StatusPending {
		o.mu.Unlock()
		return false, nil
	}
	t.Status = StatusFailed
	t.Error = "cancelled"
	t.UpdatedAt = time.Now()
	delete(o.contexts, id)
	o.mu.Unlock()

	o.resourceMgr.Release(id)
	o.queue.DeleteTask(id)
	atomic.AddInt64(&o.failedTasks, 1)
	o.publish("task:cancelled", id, nil)
	return true, nil
}

// Metrics returns a point-in-time snapshot.
func (o *Orchestrator) Metrics() Metrics {
	o.procMu.Lock()
	avg := o.averageProcessingTimeLocked()
	o.procMu.Unlock()

	snap := o.resourceMgr.Snapshot()
	return Metrics{
		TaskCount:                    atomic.LoadInt64(&o.taskCount),
		CompletedTasks:               atomic.LoadInt64(&o.completedTasks),
		FailedTasks:                  atomic.LoadInt64(&o.failedTasks),
		AverageProcessingTime:        avg,
		ActiveAgents:                 o.registry.OnlineCount(),
		ResourceUtilizationMemoryPct: snap.MemoryUtilizationPct,
		ResourceUtilizationCPUPct:    snap.CPUUtilizationPct,
	}
}

// ActiveTaskCount reports the current number of in-flight dispatch
// operations; tests use this to assert the concurrency cap holds.
func (o *Orchestrator) ActiveTaskCount() int {
	return int(atomic.LoadInt32(&o.activeTaskCount))
}

func (o *Orchestrator) dispatchLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.DispatchTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.dispatchTick(ctx)
		}
	}
}

// dispatchTick makes at most one pass over the tasks that were queued
// when the tick began, so a run of not-yet-ready tasks re-enqueued to the
// tail cannot spin the loop within a single tick.
func (o *Orchestrator) dispatchTick(ctx context.Context) {
	if !o.processingEnabled.Load() {
		return
	}
	n := o.queue.Len()
	for i := 0; i < n; i++ {
		if int(atomic.LoadInt32(&o.activeTaskCount)) >= o.cfg.MaxConcurrentTasks {
			return
		}
		if !o.processingEnabled.Load() {
			return
		}

		qt := o.queue.TryDequeue()
		if qt == nil {
			return
		}

		o.mu.RLock()
		ec, ok := o.contexts[qt.ID]
		o.mu.RUnlock()
		if !ok {
			// Cancelled or otherwise cleared between enqueue and dequeue.
			continue
		}

		if !o.dependenciesSatisfiedLocked(ec.dependencies) {
			o.queue.EnqueueToTail(qt.ID)
			continue
		}
		if !o.resourceMgr.Reserve(qt.ID, ec.resourceReq) {
			o.queue.EnqueueToTail(qt.ID)
			continue
		}

		n := atomic.AddInt32(&o.activeTaskCount, 1)
		setActiveTasks(n)
		taskCopy := o.markInProgress(qt.ID)
		if taskCopy == nil {
			n := atomic.AddInt32(&o.activeTaskCount, -1)
			setActiveTasks(n)
			o.resourceMgr.Release(qt.ID)
			continue
		}

		o.wg.Add(1)
		go func(t Task, ec *executionContext) {
			defer o.wg.Done()
			o.runDispatch(ctx, &t, ec)
		}(*taskCopy, ec)
	}
}

func (o *Orchestrator) dependenciesSatisfiedLocked(deps []string) bool {
	if len(deps) == 0 {
		return true
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, d := range deps {
		dep, ok := o.tasks[d]
		if !ok || dep.Status != StatusCompleted {
			return false
		}
	}
	return true
}

func (o *Orchestrator) markInProgress(id string) *Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok {
		return nil
	}
	t.Status = StatusInProgress
	t.UpdatedAt = time.Now()
	cp := *t
	return &cp
}

// runDispatch drives the retry loop for a single task's dispatch
// operation and guarantees activeTaskCount is decremented on every exit
// path, including a panic recovered from a misbehaving callable.
func (o *Orchestrator) runDispatch(ctx context.Context, t *Task, ec *executionContext) {
	defer setActiveTasks(atomic.AddInt32(&o.activeTaskCount, -1))
	defer func() {
		if r := recover(); r != nil {
			o.finishTask(t, ec, StatusFailed, nil, fmt.Sprintf("panic during dispatch: %v", r))
		}
	}()

	for {
		result, rpcErr, err := o.attemptDispatch(ctx, t)
		if err == nil && rpcErr == nil {
			o.finishTask(t, ec, StatusCompleted, result, "")
			return
		}
		if rpcErr != nil {
			o.finishTask(t, ec, StatusFailed, nil, rpcErr.Message)
			return
		}

		ec.retryCount++
		if ec.retryCount < o.cfg.RetryAttempts {
			time.Sleep(o.cfg.RetryDelay)
			continue
		}
		o.finishTask(t, ec, StatusFailed, nil, err.Error())
		return
	}
}

// attemptDispatch makes a single JSON-RPC call to t's target agent.
// A non-nil rpcErr is a non-retryable agent-reported error; a non-nil err
// with rpcErr == nil is a retryable transport/timeout failure.
func (o *Orchestrator) attemptDispatch(ctx context.Context, t *Task) (any, *rpcwire.ErrorObject, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "orchestrator.dispatch",
		trace.WithAttributes(
			attribute.String("task.id", t.ID),
			attribute.String("task.method", t.Method),
			attribute.String("task.target_agent", t.TargetAgent),
		),
	)
	defer span.End()

	result, rpcErr, err := o.doDispatch(ctx, t)

	outcome := "ok"
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		outcome = "error"
	case rpcErr != nil:
		span.SetStatus(codes.Error, rpcErr.Message)
		outcome = "remote_error"
	default:
		span.SetStatus(codes.Ok, "")
	}
	dispatchLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
		otelmetric.WithAttributes(
			attribute.String("method", t.Method),
			attribute.String("outcome", outcome),
		))
	return result, rpcErr, err
}

func (o *Orchestrator) doDispatch(ctx context.Context, t *Task) (any, *rpcwire.ErrorObject, error) {
	agent, err := o.registry.Get(t.TargetAgent)
	if err != nil {
		return nil, nil, err
	}
	if agent.Status != registry.StatusOnline {
		return nil, nil, fmt.Errorf("agent %s is not online", agent.ID)
	}

	body, err := rpcwire.Marshal(rpcwire.NewRequest(t.ID, t.Method, t.Params))
	if err != nil {
		return nil, nil, err
	}

	timeout := time.Duration(t.ResourceRequirement.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(dctx, http.MethodPost, agent.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		if dctx.Err() == context.DeadlineExceeded {
			return nil, nil, &orcherr.TimeoutError{Operation: "dispatch:" + t.Method, Duration: timeout, Cause: err}
		}
		return nil, nil, &orcherr.TransportError{Endpoint: agent.Endpoint, Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &orcherr.TransportError{Endpoint: agent.Endpoint, Cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, &orcherr.TransportError{Endpoint: agent.Endpoint, Cause: fmt.Errorf("http status %d", resp.StatusCode)}
	}

	rpcResp, err := rpcwire.Unmarshal(respBody)
	if err != nil {
		return nil, nil, &orcherr.TransportError{Endpoint: agent.Endpoint, Cause: err}
	}
	if rpcResp.IsError() {
		return nil, rpcResp.Error, nil
	}

	var result any
	if err := rpcResp.DecodeResult(&result); err != nil {
		return nil, nil, &orcherr.TransportError{Endpoint: agent.Endpoint, Cause: err}
	}
	return result, nil, nil
}

// finishTask applies a terminal status transition: releases the
// reservation, updates the task record, clears the execution context,
// records metrics, and publishes the corresponding event.
func (o *Orchestrator) finishTask(t *Task, ec *executionContext, status Status, result any, errMsg string) {
	o.resourceMgr.Release(t.ID)

	o.mu.Lock()
	if stored, ok := o.tasks[t.ID]; ok {
		stored.Status = status
		stored.Result = result
		stored.Error = errMsg
		stored.UpdatedAt = time.Now()
	}
	delete(o.contexts, t.ID)
	o.mu.Unlock()

	o.queue.DeleteTask(t.ID)

	elapsed := time.Since(ec.startTime)
	recordTaskFinished(status, t.Method, elapsed)

	switch status {
	case StatusCompleted:
		atomic.AddInt64(&o.completedTasks, 1)
		o.recordProcessingTime(elapsed)
		o.publish("task:completed", t.ID, map[string]any{"result": result})
	case StatusFailed:
		atomic.AddInt64(&o.failedTasks, 1)
		o.publish("task:failed", t.ID, map[string]any{"error": errMsg})
	}
}

const processingTimeWindow = 100

func (o *Orchestrator) recordProcessingTime(d time.Duration) {
	o.procMu.Lock()
	defer o.procMu.Unlock()
	o.processingTimes = append(o.processingTimes, d)
	if len(o.processingTimes) > processingTimeWindow {
		o.processingTimes = o.processingTimes[len(o.processingTimes)-processingTimeWindow:]
	}
}

func (o *Orchestrator) averageProcessingTimeLocked() time.Duration {
	if len(o.processingTimes) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range o.processingTimes {
		total += d
	}
	return total / time.Duration(len(o.processingTimes))
}

func (o *Orchestrator) publish(eventType, taskID string, payload map[string]any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(eventbus.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		TaskID:    taskID,
		Payload:   payload,
	})
}

func (o *Orchestrator) metricsLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.MetricsRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			m := o.Metrics()
			o.logger.Debug("orchestrator metrics",
				slog.Int64("task_count", m.TaskCount),
				slog.Int64("completed", m.CompletedTasks),
				slog.Int64("failed", m.FailedTasks),
				slog.Int("active_agents", m.ActiveAgents),
			)
		}
	}
}

// resourceCriticalLoop disables dispatch while the resource manager
// reports critical utilization, re-enabling it 2*RetryDelay after each
// critical alert; a later alert does not postpone an earlier one's re-enable.
func (o *Orchestrator) resourceCriticalLoop(ctx context.Context) {
	defer o.wg.Done()
	ch, unsubscribe := o.bus.Subscribe("resource")
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			level, _ := evt.Payload["level"].(string)
			if level != "critical" {
				continue
			}
			o.processingEnabled.Store(false)
			o.logger.Warn("dispatch paused on critical resource alert", slog.String("resource", evt.Payload["resource"].(string)))

			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				select {
				case <-time.After(2 * o.cfg.RetryDelay):
					o.processingEnabled.Store(true)
					o.logger.Info("dispatch resumed after critical resource cooldown")
				case <-ctx.Done():
				case <-o.stopCh:
				}
			}()
		}
	}
}
