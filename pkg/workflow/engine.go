package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	orcherr "github.com/taskmesh/core/pkg/errors"
	"github.com/taskmesh/core/pkg/eventbus"
	"github.com/taskmesh/core/pkg/orchestrator"
	"github.com/taskmesh/core/pkg/resources"
)

var tracer = otel.Tracer("github.com/taskmesh/core/pkg/workflow")

// TaskSubmitter is the narrow slice of the orchestrator an Engine needs to
// dispatch resource-bearing steps as distributed tasks. The engine depends
// on the orchestrator through this interface; the orchestrator never
// imports the workflow package, so the dependency runs one way.
type TaskSubmitter interface {
	SubmitTask(input orchestrator.TaskInput) (string, error)
}

// Config tunes the Engine's admission and housekeeping behavior.
type Config struct {
	MaxConcurrentWorkflows int
	CacheTimeout           time.Duration
	MaintenanceInterval    time.Duration
}

// DefaultEngineConfig returns sane defaults for a single-process deployment.
func DefaultEngineConfig() Config {
	return Config{
		MaxConcurrentWorkflows: 10,
		CacheTimeout:           30 * time.Minute,
		MaintenanceInterval:    60 * time.Second,
	}
}

// Engine is the workflow engine (spec component C6): it compiles
// dependency-graph definitions, runs dependency-gated parallel step
// execution bounded by MaxConcurrentSteps, retries failed steps with
// backoff, and rolls back completed steps in reverse order on abort or
// cancellation.
type Engine struct {
	cfg         Config
	resourceMgr *resources.Manager
	bus         *eventbus.Bus
	submitter   TaskSubmitter
	logger      *slog.Logger

	sm   *StateMachine
	cond *conditionEvaluator

	mu       sync.RWMutex
	runtimes map[string]*workflowRuntime

	taskMu      sync.Mutex
	taskWaiters map[string]chan taskOutcome

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	stepsWG  sync.WaitGroup
}

// NewEngine constructs an Engine. bus and submitter may be nil: a nil bus
// disables event publication and the critical-resource reaction; a nil
// submitter means steps with a ResourceRequirement cannot be dispatched
// (Execute-only workflows still run).
func NewEngine(cfg Config, resourceMgr *resources.Manager, bus *eventbus.Bus, submitter TaskSubmitter, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrentWorkflows <= 0 {
		cfg.MaxConcurrentWorkflows = DefaultEngineConfig().MaxConcurrentWorkflows
	}
	if cfg.CacheTimeout <= 0 {
		cfg.CacheTimeout = DefaultEngineConfig().CacheTimeout
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = DefaultEngineConfig().MaintenanceInterval
	}
	return &Engine{
		cfg:         cfg,
		resourceMgr: resourceMgr,
		bus:         bus,
		submitter:   submitter,
		logger:      logger,
		sm:          NewStateMachine(DefaultTransitions()),
		cond:        newConditionEvaluator(),
		runtimes:    make(map[string]*workflowRuntime),
		taskWaiters: make(map[string]chan taskOutcome),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the engine's maintenance loop and, when a bus is
// configured, the critical-resource reaction and task-outcome demuxer.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.maintenanceLoop(ctx)

	if e.bus != nil {
		e.wg.Add(1)
		go e.criticalResourceLoop(ctx)

		if e.submitter != nil {
			e.wg.Add(1)
			go e.taskEventLoop(ctx)
		}
	}
}

// Stop signals all background loops to exit and waits for in-flight step
// goroutines to finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	e.stepsWG.Wait()
}

// workflowRuntime is the engine's internal bookkeeping for one workflow
// instance. All fields are guarded by mu except def and the channels,
// which are immutable after construction.
type workflowRuntime struct {
	mu sync.Mutex

	core *Workflow
	def  *Definition

	stepStates     map[string]*StepState
	variables      map[string]any
	priority       Priority
	resourceUsage  ResourceUsage
	completedOrder []string
	runningCount   int

	aborted         bool
	abortErr        string
	cancelRequested bool

	lastTouch time.Time

	wake chan struct{} // buffered 1; signaled on any state change the run loop should react to
}

func (wr *workflowRuntime) signal() {
	select {
	case wr.wake <- struct{}{}:
	default:
	}
}

func (wr *workflowRuntime) stepByID(id string) *StepDefinition {
	for i := range wr.def.Steps {
		if wr.def.Steps[i].ID == id {
			return &wr.def.Steps[i]
		}
	}
	return nil
}

// dependenciesCompletedLocked reports whether every dependency in deps has
// reached COMPLETED. Must be called with wr.mu held.
func (wr *workflowRuntime) dependenciesCompletedLocked(deps []string) bool {
	for _, d := range deps {
		st, ok := wr.stepStates[d]
		if !ok || st.Status != StepCompleted {
			return false
		}
	}
	return true
}

func (wr *workflowRuntime) snapshotLocked() WorkflowState {
	states := make(map[string]StepState, len(wr.stepStates))
	completed := 0
	for id, st := range wr.stepStates {
		states[id] = *st
		if st.Status == StepCompleted {
			completed++
		}
	}
	return WorkflowState{
		ID:            wr.core.ID,
		Definition:    wr.def,
		Status:        wr.core.State,
		CurrentStep:   completed,
		StepStates:    states,
		Variables:     cloneVars(wr.variables),
		Priority:      wr.priority,
		ResourceUsage: wr.resourceUsage,
		CreatedAt:     wr.core.CreatedAt,
		UpdatedAt:     wr.core.UpdatedAt,
		Error:         wr.core.Error,
	}
}

type taskOutcome struct {
	result any
	errMsg string
	failed bool
}

// Create compiles def and registers a new workflow instance in PENDING.
// It does not start execution; call StartWorkflow for that.
func (e *Engine) Create(def *Definition, opts CreateOptions) (string, error) {
	if _, err := Compile(def); err != nil {
		return "", err
	}

	e.mu.Lock()
	if e.activeCountLocked() >= e.cfg.MaxConcurrentWorkflows {
		e.mu.Unlock()
		return "", &orcherr.PreconditionFailedError{
			Resource: "workflow",
			State:    "active_limit",
			Message:  "max concurrent workflows reached",
		}
	}

	priority := opts.Priority
	if priority == PriorityUnspecified {
		priority = PriorityNormal
	}

	id := uuid.NewString()
	now := time.Now()
	core := &Workflow{
		ID:        id,
		Name:      def.Name,
		State:     StatePending,
		Metadata:  map[string]any{"version": def.Version},
		CreatedAt: now,
		UpdatedAt: now,
	}

	stepStates := make(map[string]*StepState, len(def.Steps))
	for _, s := range def.Steps {
		stepStates[s.ID] = &StepState{StepID: s.ID, Status: StepPending}
	}

	wr := &workflowRuntime{
		core:       core,
		def:        def,
		stepStates: stepStates,
		variables:  mergeVariables(def.Variables, opts.Variables),
		priority:   priority,
		lastTouch:  now,
		wake:       make(chan struct{}, 1),
	}
	e.runtimes[id] = wr
	e.mu.Unlock()

	e.publish("workflow:created", id, "", nil)
	return id, nil
}

// StartWorkflow reserves the workflow's aggregate resource estimate and
// begins dependency-gated step execution. Valid only from PENDING.
func (e *Engine) StartWorkflow(id string) error {
	wr, err := e.get(id)
	if err != nil {
		return err
	}

	wr.mu.Lock()
	if wr.core.State != StatePending {
		state := wr.core.State
		wr.mu.Unlock()
		return &orcherr.PreconditionFailedError{Resource: "workflow", State: string(state), Message: "workflow must be PENDING to start"}
	}
	agg := aggregateRequirement(wr.def)
	wr.mu.Unlock()

	if e.resourceMgr != nil && !e.resourceMgr.Reserve(id, agg) {
		return &orcherr.InsufficientResourcesError{
			MemoryBytes: agg.MemoryBytes,
			CPUPercent:  agg.CPUPercent,
			Reason:      "workflow aggregate estimate exceeds available resources",
		}
	}

	wr.mu.Lock()
	wr.resourceUsage = ResourceUsage{Current: agg, Peak: agg}
	if err := e.sm.Trigger(context.Background(), wr.core, "start"); err != nil {
		wr.mu.Unlock()
		if e.resourceMgr != nil {
			e.resourceMgr.Release(id)
		}
		return err
	}
	wr.lastTouch = time.Now()
	wr.mu.Unlock()

	e.publish("workflow:started", id, "", nil)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runWorkflow(context.Background(), wr)
	}()
	return nil
}

// Pause suspends a RUNNING workflow; in-flight steps finish naturally but
// no new steps are dispatched until Resume.
func (e *Engine) Pause(id string) error {
	wr, err := e.get(id)
	if err != nil {
		return err
	}

	wr.mu.Lock()
	if wr.core.State != StateRunning {
		state := wr.core.State
		wr.mu.Unlock()
		return &orcherr.PreconditionFailedError{Resource: "workflow", State: string(state), Message: "pause is only valid from RUNNING"}
	}
	err = e.sm.Trigger(context.Background(), wr.core, "pause")
	wr.mu.Unlock()
	if err != nil {
		return err
	}
	e.publish("workflow:paused", id, "", nil)
	wr.signal()
	return nil
}

// Resume continues a PAUSED workflow's dispatch loop.
func (e *Engine) Resume(id string) error {
	wr, err := e.get(id)
	if err != nil {
		return err
	}

	wr.mu.Lock()
	if wr.core.State != StatePaused {
		state := wr.core.State
		wr.mu.Unlock()
		return &orcherr.PreconditionFailedError{Resource: "workflow", State: string(state), Message: "resume is only valid from PAUSED"}
	}
	err = e.sm.Trigger(context.Background(), wr.core, "resume")
	wr.mu.Unlock()
	if err != nil {
		return err
	}
	e.publish("workflow:resumed", id, "", nil)
	wr.signal()
	return nil
}

// Cancel requests cancellation from PENDING, RUNNING, or PAUSED. If the
// workflow never started, it is cancelled synchronously; otherwise the
// run loop observes the request once in-flight steps drain. If
// def.RollbackOnCancel is set, completed steps are rolled back, but the
// terminal state remains CANCELLED rather than ROLLED_BACK.
func (e *Engine) Cancel(id string) error {
	wr, err := e.get(id)
	if err != nil {
		return err
	}

	wr.mu.Lock()
	switch wr.core.State {
	case StatePending, StateRunning, StatePaused:
	default:
		state := wr.core.State
		wr.mu.Unlock()
		return &orcherr.PreconditionFailedError{Resource: "workflow", State: string(state), Message: "cancel is only valid from PENDING, RUNNING, or PAUSED"}
	}
	wr.cancelRequested = true
	pending := wr.core.State == StatePending
	wr.mu.Unlock()

	if pending {
		e.finishCancelled(wr)
		return nil
	}

	wr.signal()
	return nil
}

// GetState returns a value-copy snapshot of a workflow's current state.
func (e *Engine) GetState(id string) (WorkflowState, error) {
	wr, err := e.get(id)
	if err != nil {
		return WorkflowState{}, err
	}
	wr.mu.Lock()
	defer wr.mu.Unlock()
	return wr.snapshotLocked(), nil
}

// List returns a snapshot of every tracked workflow.
func (e *Engine) List() []WorkflowState {
	e.mu.RLock()
	ids := make([]*workflowRuntime, 0, len(e.runtimes))
	for _, wr := range e.runtimes {
		ids = append(ids, wr)
	}
	e.mu.RUnlock()

	out := make([]WorkflowState, 0, len(ids))
	for _, wr := range ids {
		wr.mu.Lock()
		out = append(out, wr.snapshotLocked())
		wr.mu.Unlock()
	}
	return out
}

// ActiveCount reports how many tracked workflows are not yet terminal.
func (e *Engine) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.activeCountLocked()
}

func (e *Engine) activeCountLocked() int {
	n := 0
	for _, wr := range e.runtimes {
		wr.mu.Lock()
		if !wr.core.State.IsTerminal() {
			n++
		}
		wr.mu.Unlock()
	}
	return n
}

func (e *Engine) get(id string) (*workflowRuntime, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wr, ok := e.runtimes[id]
	if !ok {
		return nil, &orcherr.NotFoundError{Resource: "workflow", ID: id}
	}
	return wr, nil
}

// runWorkflow is the per-workflow dispatch loop: while RUNNING it
// dispatches dependency-ready steps up to MaxConcurrentSteps, then blocks
// until a step completes, a pause/resume/cancel request lands, or the
// engine is stopped.
func (e *Engine) runWorkflow(ctx context.Context, wr *workflowRuntime) {
	for {
		wr.mu.Lock()
		status := wr.core.State
		cancelled := wr.cancelRequested
		aborted := wr.aborted
		wr.mu.Unlock()

		if cancelled {
			wr.mu.Lock()
			running := wr.runningCount
			wr.mu.Unlock()
			if running == 0 {
				e.finishCancelled(wr)
				return
			}
		} else if aborted {
			wr.mu.Lock()
			running := wr.runningCount
			wr.mu.Unlock()
			if running == 0 {
				e.finishAborted(wr)
				return
			}
		} else if status == StateRunning {
			dispatched := e.dispatchReady(ctx, wr)
			wr.mu.Lock()
			running := wr.runningCount
			wr.mu.Unlock()
			if running == 0 && dispatched == 0 {
				// No steps in flight and nothing new to dispatch: either
				// every step reached a terminal status, or continueOnError
				// left some steps permanently blocked on a failed
				// dependency. Both end the run.
				e.finishCompleted(wr)
				return
			}
		}

		select {
		case <-wr.wake:
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// dispatchReady starts goroutines for every step whose dependencies are
// satisfied and for which a concurrency slot is free, and returns how many
// it started.
func (e *Engine) dispatchReady(ctx context.Context, wr *workflowRuntime) int {
	wr.mu.Lock()
	maxConcurrent := wr.def.MaxConcurrentSteps
	if maxConcurrent <= 0 {
		maxConcurrent = len(wr.def.Steps)
	}
	slots := maxConcurrent - wr.runningCount

	var toStart []*StepDefinition
	for i := range wr.def.Steps {
		if slots <= 0 {
			break
		}
		s := &wr.def.Steps[i]
		st := wr.stepStates[s.ID]
		if st.Status != StepPending {
			continue
		}
		if !wr.dependenciesCompletedLocked(s.Dependencies) {
			continue
		}
		st.Status = StepRunning
		st.StartedAt = time.Now()
		st.Attempts = 1
		wr.runningCount++
		toStart = append(toStart, s)
		slots--
	}
	wr.mu.Unlock()

	for _, s := range toStart {
		step := s
		e.stepsWG.Add(1)
		e.publish("workflow:step:started", wr.core.ID, step.ID, nil)
		go e.runStep(ctx, wr, step)
	}
	return len(toStart)
}

// runStep evaluates a step's condition, invokes it (retrying with backoff
// on failure), and records the outcome. It never returns an error: all
// failures are folded into step/workflow state.
func (e *Engine) runStep(ctx context.Context, wr *workflowRuntime, step *StepDefinition) {
	defer e.stepsWG.Done()
	defer func() {
		if r := recover(); r != nil {
			e.handleStepFailure(wr, step, nil, fmt.Sprintf("panic in step %s: %v", step.ID, r))
			wr.signal()
		}
	}()

	wr.mu.Lock()
	vars := cloneVars(wr.variables)
	wr.mu.Unlock()

	ok, err := e.cond.Eval(step.Condition, vars)
	if err != nil {
		e.handleStepFailure(wr, step, vars, err.Error())
		wr.signal()
		return
	}
	if !ok {
		e.completeStepSuccess(wr, step, nil, true)
		wr.signal()
		return
	}

	attempt := 1
	for {
		start := time.Now()
		result, stepErr := e.invokeStep(ctx, wr, step, vars)
		dur := time.Since(start)

		if stepErr == nil {
			e.recordMetrics(wr, step.ID, dur)
			e.completeStepSuccess(wr, step, result, false)
			wr.signal()
			return
		}

		if step.RetryPolicy != nil && attempt < step.RetryPolicy.MaxAttempts {
			delay := backoffDelay(step.RetryPolicy, attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				e.handleStepFailure(wr, step, vars, ctx.Err().Error())
				wr.signal()
				return
			}
			attempt++
			e.bumpAttempts(wr, step.ID)
			continue
		}

		e.handleStepFailure(wr, step, vars, stepErr.Error())
		wr.signal()
		return
	}
}

func (e *Engine) invokeStep(ctx context.Context, wr *workflowRuntime, step *StepDefinition, vars map[string]any) (any, error) {
	ctx, span := tracer.Start(ctx, "workflow.step",
		trace.WithAttributes(
			attribute.String("workflow.id", wr.core.ID),
			attribute.String("workflow.step_id", step.ID),
		),
	)
	defer span.End()

	result, err := e.doInvokeStep(ctx, wr, step, vars)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return result, err
}

func (e *Engine) doInvokeStep(ctx context.Context, wr *workflowRuntime, step *StepDefinition, vars map[string]any) (any, error) {
	if step.ResourceRequirement != nil && step.TaskInput != nil && e.submitter != nil {
		return e.invokeAsTask(ctx, wr, step, vars)
	}
	if step.Execute == nil {
		return nil, fmt.Errorf("step %s has no execute function or task binding", step.ID)
	}
	return step.Execute(ctx, vars)
}

func (e *Engine) invokeAsTask(ctx context.Context, wr *workflowRuntime, step *StepDefinition, vars map[string]any) (any, error) {
	input := step.TaskInput(vars)
	taskID, err := e.submitter.SubmitTask(input)
	if err != nil {
		return nil, err
	}

	ch := e.registerWaiter(taskID)
	defer e.unregisterWaiter(taskID)

	select {
	case out := <-ch:
		if out.failed {
			return nil, errors.New(out.errMsg)
		}
		return out.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) registerWaiter(taskID string) chan taskOutcome {
	ch := make(chan taskOutcome, 1)
	e.taskMu.Lock()
	e.taskWaiters[taskID] = ch
	e.taskMu.Unlock()
	return ch
}

func (e *Engine) unregisterWaiter(taskID string) {
	e.taskMu.Lock()
	delete(e.taskWaiters, taskID)
	e.taskMu.Unlock()
}

func (e *Engine) completeStepSuccess(wr *workflowRuntime, step *StepDefinition, result any, skipped bool) {
	wr.mu.Lock()
	st := wr.stepStates[step.ID]
	st.Status = StepCompleted
	st.Result = result
	st.Skipped = skipped
	st.CompletedAt = time.Now()
	if step.OutputVariable != "" && !skipped {
		wr.variables[step.OutputVariable] = result
	}
	wr.completedOrder = append(wr.completedOrder, step.ID)
	wr.runningCount--
	wr.core.UpdatedAt = time.Now()
	wr.lastTouch = wr.core.UpdatedAt
	wr.mu.Unlock()

	evtType := "workflow:step:completed"
	if skipped {
		evtType = "workflow:step:skipped"
	}
	e.publish(evtType, wr.core.ID, step.ID, map[string]any{"result": result})
}

// handleStepFailure marks a step FAILED, runs its error handler if any,
// and decides whether the workflow continues (step.ContinueOnError, or
// definition.ContinueOnError when there is no handler) or aborts.
func (e *Engine) handleStepFailure(wr *workflowRuntime, step *StepDefinition, vars map[string]any, errMsg string) {
	wr.mu.Lock()
	st := wr.stepStates[step.ID]
	st.Status = StepFailed
	st.Error = errMsg
	st.CompletedAt = time.Now()
	wr.runningCount--
	wr.core.UpdatedAt = time.Now()
	wr.lastTouch = wr.core.UpdatedAt
	def := wr.def
	wr.mu.Unlock()

	e.publish("workflow:step:failed", wr.core.ID, step.ID, map[string]any{"error": errMsg})

	continueWorkflow := false
	if step.ErrorHandler != nil {
		e.runErrorHandler(step, errMsg, vars)
		continueWorkflow = step.ContinueOnError
	} else if def.ContinueOnError {
		continueWorkflow = true
	}

	if !continueWorkflow {
		wr.mu.Lock()
		wr.aborted = true
		wr.abortErr = errMsg
		wr.mu.Unlock()
	}
}

func (e *Engine) runErrorHandler(step *StepDefinition, errMsg string, vars map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in step error handler", "step", step.ID, "panic", r)
		}
	}()
	if hErr := step.ErrorHandler(context.Background(), errors.New(errMsg), vars); hErr != nil {
		e.logger.Error("step error handler returned an error", "step", step.ID, "error", hErr)
	}
}

func (e *Engine) bumpAttempts(wr *workflowRuntime, stepID string) {
	wr.mu.Lock()
	wr.stepStates[stepID].Attempts++
	wr.mu.Unlock()
}

func (e *Engine) recordMetrics(wr *workflowRuntime, stepID string, dur time.Duration) {
	wr.mu.Lock()
	wr.stepStates[stepID].Metrics.Duration = dur
	wr.mu.Unlock()
}

func (e *Engine) finishCompleted(wr *workflowRuntime) {
	wr.mu.Lock()
	err := e.sm.Trigger(context.Background(), wr.core, "complete")
	wr.mu.Unlock()
	if err != nil {
		e.logger.Error("workflow completion transition failed", "workflow_id", wr.core.ID, "error", err)
	}
	if e.resourceMgr != nil {
		e.resourceMgr.Release(wr.core.ID)
	}
	e.touch(wr)
	e.publish("workflow:completed", wr.core.ID, "", nil)
}

func (e *Engine) finishAborted(wr *workflowRuntime) {
	wr.mu.Lock()
	rollbackOnError := wr.def.RollbackOnError
	abortErr := wr.abortErr
	wr.core.Error = abortErr
	wr.mu.Unlock()

	if !rollbackOnError {
		wr.mu.Lock()
		err := e.sm.Trigger(context.Background(), wr.core, "fail")
		wr.mu.Unlock()
		if err != nil {
			e.logger.Error("workflow failure transition failed", "workflow_id", wr.core.ID, "error", err)
		}
		if e.resourceMgr != nil {
			e.resourceMgr.Release(wr.core.ID)
		}
		e.touch(wr)
		e.publish("workflow:failed", wr.core.ID, "", map[string]any{"error": abortErr})
		return
	}

	wr.mu.Lock()
	err := e.sm.Trigger(context.Background(), wr.core, "rollback")
	wr.mu.Unlock()
	if err != nil {
		e.logger.Error("workflow rollback transition failed", "workflow_id", wr.core.ID, "error", err)
	}
	e.publish("workflow:rolling_back", wr.core.ID, "", map[string]any{"error": abortErr})

	e.runRollback(wr)

	wr.mu.Lock()
	err = e.sm.Trigger(context.Background(), wr.core, "rollback_complete")
	wr.mu.Unlock()
	if err != nil {
		e.logger.Error("workflow rollback_complete transition failed", "workflow_id", wr.core.ID, "error", err)
	}
	if e.resourceMgr != nil {
		e.resourceMgr.Release(wr.core.ID)
	}
	e.touch(wr)
	e.publish("workflow:rolled_back", wr.core.ID, "", map[string]any{"error": abortErr})
}

// finishCancelled transitions a workflow to CANCELLED. If RollbackOnCancel
// is set, completed steps are rolled back, but unlike the abort path the
// terminal state stays CANCELLED — it never passes through ROLLING_BACK or
// ROLLED_BACK.
func (e *Engine) finishCancelled(wr *workflowRuntime) {
	wr.mu.Lock()
	err := e.sm.Trigger(context.Background(), wr.core, "cancel")
	rollbackOnCancel := wr.def.RollbackOnCancel
	wr.mu.Unlock()
	if err != nil {
		e.logger.Error("workflow cancel transition failed", "workflow_id", wr.core.ID, "error", err)
	}

	if rollbackOnCancel {
		e.runRollback(wr)
	}

	if e.resourceMgr != nil {
		e.resourceMgr.Release(wr.core.ID)
	}
	e.touch(wr)
	e.publish("workflow:cancelled", wr.core.ID, "", nil)
}

// runRollback invokes each completed step's Rollback in reverse completion
// order. A rollback failure is logged and does not stop the rest of the
// sequence from running.
func (e *Engine) runRollback(wr *workflowRuntime) {
	wr.mu.Lock()
	order := append([]string(nil), wr.completedOrder...)
	vars := cloneVars(wr.variables)
	wr.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		stepID := order[i]
		step := wr.stepByID(stepID)
		if step == nil || step.Rollback == nil {
			continue
		}
		e.runOneRollback(wr, step, stepID, vars)
	}
}

func (e *Engine) runOneRollback(wr *workflowRuntime, step *StepDefinition, stepID string, vars map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic during rollback", "step", stepID, "panic", r)
			e.publish("workflow:rollback:failed", wr.core.ID, stepID, map[string]any{"error": fmt.Sprintf("panic: %v", r)})
		}
	}()
	if err := step.Rollback(context.Background(), vars); err != nil {
		e.logger.Error("rollback failed", "step", stepID, "error", err)
		e.publish("workflow:rollback:failed", wr.core.ID, stepID, map[string]any{"error": err.Error()})
		return
	}
	e.publish("workflow:rollback:completed", wr.core.ID, stepID, nil)
}

func (e *Engine) touch(wr *workflowRuntime) {
	wr.mu.Lock()
	wr.lastTouch = time.Now()
	wr.mu.Unlock()
}

func (e *Engine) publish(eventType, workflowID, stepID string, payload map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{
		Type:       eventType,
		WorkflowID: workflowID,
		StepID:     stepID,
		Payload:    payload,
	})
}

// maintenanceLoop periodically evicts terminal workflow runtimes that have
// been untouched for longer than CacheTimeout.
func (e *Engine) maintenanceLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.evictStale()
		}
	}
}

func (e *Engine) evictStale() {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, wr := range e.runtimes {
		wr.mu.Lock()
		terminal := wr.core.State.IsTerminal()
		touched := wr.lastTouch
		wr.mu.Unlock()
		if terminal && now.Sub(touched) > e.cfg.CacheTimeout {
			delete(e.runtimes, id)
		}
	}
}

// criticalResourceLoop subscribes to the resource manager's alert topic
// and pauses every RUNNING workflow below PriorityCritical when a
// critical-level alert fires. Mirrors the orchestrator's own
// resourceCriticalLoop reaction on the same topic.
func (e *Engine) criticalResourceLoop(ctx context.Context) {
	defer e.wg.Done()
	ch, unsubscribe := e.bus.Subscribe("resource")
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			level, _ := evt.Payload["level"].(string)
			if level != string(resources.AlertCritical) {
				continue
			}
			e.pauseNonCritical()
		}
	}
}

func (e *Engine) pauseNonCritical() {
	e.mu.RLock()
	var ids []string
	for id, wr := range e.runtimes {
		wr.mu.Lock()
		if wr.core.State == StateRunning && wr.priority < PriorityCritical {
			ids = append(ids, id)
		}
		wr.mu.Unlock()
	}
	e.mu.RUnlock()

	for _, id := range ids {
		if err := e.Pause(id); err != nil {
			e.logger.Warn("failed to pause workflow on critical resource alert", "workflow_id", id, "error", err)
		}
	}
}

// taskEventLoop demultiplexes orchestrator task:completed/task:failed
// events to the goroutine blocked on the matching task id in
// invokeAsTask.
func (e *Engine) taskEventLoop(ctx context.Context) {
	defer e.wg.Done()
	ch, unsubscribe := e.bus.Subscribe("task")
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Type != "task:completed" && evt.Type != "task:failed" {
				continue
			}
			e.taskMu.Lock()
			waiter, ok := e.taskWaiters[evt.TaskID]
			e.taskMu.Unlock()
			if !ok {
				continue
			}
			out := taskOutcome{failed: evt.Type == "task:failed"}
			if out.failed {
				out.errMsg, _ = evt.Payload["error"].(string)
			} else {
				out.result = evt.Payload["result"]
			}
			select {
			case waiter <- out:
			default:
			}
		}
	}
}

func aggregateRequirement(def *Definition) resources.Requirement {
	var mem int64
	var cpu float64
	for _, s := range def.Steps {
		if s.ResourceRequirement == nil {
			continue
		}
		if s.ResourceRequirement.MemoryBytes > mem {
			mem = s.ResourceRequirement.MemoryBytes
		}
		if s.ResourceRequirement.CPUPercent > cpu {
			cpu = s.ResourceRequirement.CPUPercent
		}
	}
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = time.Hour
	}
	return resources.Requirement{MemoryBytes: mem, CPUPercent: cpu, TimeoutMs: timeout.Milliseconds()}
}

func backoffDelay(rp *RetryPolicy, attempt int) time.Duration {
	mult := rp.BackoffMultiplier
	if mult <= 0 {
		mult = 2
	}
	delay := time.Duration(float64(time.Second) * math.Pow(mult, float64(attempt-1)))
	if rp.MaxDelay > 0 && delay > rp.MaxDelay {
		delay = rp.MaxDelay
	}
	return delay
}

func mergeVariables(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func cloneVars(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
