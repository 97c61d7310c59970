package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orcherr "github.com/taskmesh/core/pkg/errors"
	"github.com/taskmesh/core/pkg/eventbus"
	"github.com/taskmesh/core/pkg/orchestrator"
	"github.com/taskmesh/core/pkg/resources"
)

func newTestEngine(t *testing.T, bus *eventbus.Bus, submitter TaskSubmitter) *Engine {
	t.Helper()
	mgr := resources.New(resources.DefaultLimits(), bus, nil)
	e := NewEngine(Config{MaxConcurrentWorkflows: 4, MaintenanceInterval: 50 * time.Millisecond}, mgr, bus, submitter, nil)
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	t.Cleanup(func() {
		cancel()
		e.Stop()
	})
	return e
}

func waitForStatus(t *testing.T, e *Engine, id string, want State, timeout time.Duration) WorkflowState {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st, err := e.GetState(id)
		require.NoError(t, err)
		if st.Status == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("workflow %s did not reach status %s within %s", id, want, timeout)
	return WorkflowState{}
}

func TestEngine_LinearChainCompletesInOrder(t *testing.T) {
	e := newTestEngine(t, eventbus.New(64), nil)

	var order []string
	step := func(name string) StepFunc {
		return func(ctx context.Context, vars map[string]any) (any, error) {
			order = append(order, name)
			return name, nil
		}
	}

	def := &Definition{
		Name: "linear",
		Steps: []StepDefinition{
			{ID: "a", Execute: step("a"), OutputVariable: "a_out"},
			{ID: "b", Execute: step("b"), Dependencies: []string{"a"}},
			{ID: "c", Execute: step("c"), Dependencies: []string{"b"}},
		},
	}

	id, err := e.Create(def, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, e.StartWorkflow(id))

	st := waitForStatus(t, e, id, StateCompleted, 2*time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, "a", st.Variables["a_out"])
	assert.Equal(t, 3, st.CurrentStep)
}

func TestEngine_FanOutRunsConcurrently(t *testing.T) {
	e := newTestEngine(t, eventbus.New(64), nil)

	var running int32
	var maxRunning int32
	slow := func(ctx context.Context, vars map[string]any) (any, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			cur := atomic.LoadInt32(&maxRunning)
			if n <= cur || atomic.CompareAndSwapInt32(&maxRunning, cur, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil, nil
	}

	def := &Definition{
		Name:                "fanout",
		MaxConcurrentSteps: 3,
		Steps: []StepDefinition{
			{ID: "root", Execute: func(ctx context.Context, vars map[string]any) (any, error) { return nil, nil }},
			{ID: "a", Execute: slow, Dependencies: []string{"root"}},
			{ID: "b", Execute: slow, Dependencies: []string{"root"}},
			{ID: "c", Execute: slow, Dependencies: []string{"root"}},
		},
	}

	id, err := e.Create(def, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, e.StartWorkflow(id))

	waitForStatus(t, e, id, StateCompleted, 2*time.Second)
	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&maxRunning)), 2)
}

func TestEngine_ConditionFalseSkipsStep(t *testing.T) {
	e := newTestEngine(t, eventbus.New(64), nil)

	var ran bool
	def := &Definition{
		Name: "conditional",
		Steps: []StepDefinition{
			{ID: "a", Condition: "1 == 2", Execute: func(ctx context.Context, vars map[string]any) (any, error) {
				ran = true
				return nil, nil
			}},
			{ID: "b", Dependencies: []string{"a"}, Execute: func(ctx context.Context, vars map[string]any) (any, error) {
				return "reached", nil
			}, OutputVariable: "b_out"},
		},
	}

	id, err := e.Create(def, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, e.StartWorkflow(id))

	st := waitForStatus(t, e, id, StateCompleted, 2*time.Second)
	assert.False(t, ran)
	assert.True(t, st.StepStates["a"].Skipped)
	assert.Equal(t, "reached", st.Variables["b_out"])
}

func TestEngine_RetrySucceedsOnSecondAttempt(t *testing.T) {
	e := newTestEngine(t, eventbus.New(64), nil)

	attempts := 0
	def := &Definition{
		Name: "retry",
		Steps: []StepDefinition{
			{
				ID: "a",
				Execute: func(ctx context.Context, vars map[string]any) (any, error) {
					attempts++
					if attempts < 2 {
						return nil, errors.New("transient failure")
					}
					return "ok", nil
				},
				RetryPolicy: &RetryPolicy{MaxAttempts: 3, BackoffMultiplier: 1, MaxDelay: 10 * time.Millisecond},
			},
		},
	}

	id, err := e.Create(def, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, e.StartWorkflow(id))

	st := waitForStatus(t, e, id, StateCompleted, 2*time.Second)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 2, st.StepStates["a"].Attempts)
}

func TestEngine_FailureAbortsWithoutRollback(t *testing.T) {
	e := newTestEngine(t, eventbus.New(64), nil)

	def := &Definition{
		Name: "fails",
		Steps: []StepDefinition{
			{ID: "a", Execute: func(ctx context.Context, vars map[string]any) (any, error) {
				return nil, errors.New("boom")
			}},
		},
	}

	id, err := e.Create(def, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, e.StartWorkflow(id))

	st := waitForStatus(t, e, id, StateFailed, 2*time.Second)
	assert.Equal(t, "boom", st.Error)
}

func TestEngine_RollbackOnErrorRunsInReverseOrder(t *testing.T) {
	e := newTestEngine(t, eventbus.New(64), nil)

	var rolledBack []string
	def := &Definition{
		Name:            "rollback",
		RollbackOnError: true,
		Steps: []StepDefinition{
			{
				ID:      "a",
				Execute: func(ctx context.Context, vars map[string]any) (any, error) { return nil, nil },
				Rollback: func(ctx context.Context, vars map[string]any) error {
					rolledBack = append(rolledBack, "a")
					return nil
				},
			},
			{
				ID:           "b",
				Dependencies: []string{"a"},
				Execute:      func(ctx context.Context, vars map[string]any) (any, error) { return nil, nil },
				Rollback: func(ctx context.Context, vars map[string]any) error {
					rolledBack = append(rolledBack, "b")
					return nil
				},
			},
			{
				ID:           "c",
				Dependencies: []string{"b"},
				Execute: func(ctx context.Context, vars map[string]any) (any, error) {
					return nil, errors.New("boom")
				},
			},
		},
	}

	id, err := e.Create(def, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, e.StartWorkflow(id))

	waitForStatus(t, e, id, StateRolledBack, 2*time.Second)
	assert.Equal(t, []string{"b", "a"}, rolledBack)
}

func TestEngine_ContinueOnErrorReachesCompletion(t *testing.T) {
	e := newTestEngine(t, eventbus.New(64), nil)

	def := &Definition{
		Name:            "tolerant",
		ContinueOnError: true,
		Steps: []StepDefinition{
			{ID: "a", Execute: func(ctx context.Context, vars map[string]any) (any, error) {
				return nil, errors.New("ignored")
			}},
			{ID: "independent", Execute: func(ctx context.Context, vars map[string]any) (any, error) {
				return "done", nil
			}, OutputVariable: "out"},
		},
	}

	id, err := e.Create(def, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, e.StartWorkflow(id))

	st := waitForStatus(t, e, id, StateCompleted, 2*time.Second)
	assert.Equal(t, StepFailed, st.StepStates["a"].Status)
	assert.Equal(t, "done", st.Variables["out"])
}

func TestEngine_CancelFromPendingIsSynchronous(t *testing.T) {
	e := newTestEngine(t, eventbus.New(64), nil)

	def := &Definition{
		Name:  "never-started",
		Steps: []StepDefinition{{ID: "a", Execute: func(ctx context.Context, vars map[string]any) (any, error) { return nil, nil }}},
	}

	id, err := e.Create(def, CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, e.Cancel(id))

	st, err := e.GetState(id)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, st.Status)
}

func TestEngine_PauseBlocksDispatchUntilResume(t *testing.T) {
	e := newTestEngine(t, eventbus.New(64), nil)

	release := make(chan struct{})
	def := &Definition{
		Name: "pausable",
		Steps: []StepDefinition{
			{ID: "a", Execute: func(ctx context.Context, vars map[string]any) (any, error) {
				<-release
				return nil, nil
			}},
			{ID: "b", Dependencies: []string{"a"}, Execute: func(ctx context.Context, vars map[string]any) (any, error) {
				return nil, nil
			}},
		},
	}

	id, err := e.Create(def, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, e.StartWorkflow(id))

	// Let step "a" start running before pausing.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, e.Pause(id))

	st, err := e.GetState(id)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, st.Status)

	close(release)
	require.NoError(t, e.Resume(id))

	waitForStatus(t, e, id, StateCompleted, 2*time.Second)
}

func TestEngine_MaxConcurrentWorkflowsRejectsExcess(t *testing.T) {
	e := newTestEngine(t, eventbus.New(64), nil)
	def := func(name string) *Definition {
		return &Definition{
			Name: name,
			Steps: []StepDefinition{
				{ID: "a", Execute: func(ctx context.Context, vars map[string]any) (any, error) { return nil, nil }},
			},
		}
	}

	for i := 0; i < 4; i++ {
		_, err := e.Create(def(fmt.Sprintf("wf-%d", i)), CreateOptions{})
		require.NoError(t, err)
	}

	_, err := e.Create(def("wf-overflow"), CreateOptions{})
	var precond *orcherr.PreconditionFailedError
	assert.ErrorAs(t, err, &precond)
}

type fakeSubmitter struct {
	bus *eventbus.Bus
	ok  bool
}

func (f *fakeSubmitter) SubmitTask(input orchestrator.TaskInput) (string, error) {
	taskID := "task-" + input.Method
	go func() {
		time.Sleep(10 * time.Millisecond)
		if f.ok {
			f.bus.Publish(eventbus.Event{Type: "task:completed", TaskID: taskID, Payload: map[string]any{"result": "remote-ok"}})
		} else {
			f.bus.Publish(eventbus.Event{Type: "task:failed", TaskID: taskID, Payload: map[string]any{"error": "remote failure"}})
		}
	}()
	return taskID, nil
}

func TestEngine_DispatchesResourceStepAsTaskAndAwaitsCompletion(t *testing.T) {
	bus := eventbus.New(64)
	sub := &fakeSubmitter{bus: bus, ok: true}
	e := newTestEngine(t, bus, sub)

	def := &Definition{
		Name: "remote",
		Steps: []StepDefinition{
			{
				ID:                  "remote-step",
				ResourceRequirement: &resources.Requirement{MemoryBytes: 1024, CPUPercent: 1},
				TaskInput: func(vars map[string]any) orchestrator.TaskInput {
					return orchestrator.TaskInput{Method: "remote-step"}
				},
				OutputVariable: "remote_out",
			},
		},
	}

	id, err := e.Create(def, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, e.StartWorkflow(id))

	st := waitForStatus(t, e, id, StateCompleted, 2*time.Second)
	assert.Equal(t, "remote-ok", st.Variables["remote_out"])
}

func TestEngine_RemoteTaskFailurePropagates(t *testing.T) {
	bus := eventbus.New(64)
	sub := &fakeSubmitter{bus: bus, ok: false}
	e := newTestEngine(t, bus, sub)

	def := &Definition{
		Name: "remote-fail",
		Steps: []StepDefinition{
			{
				ID:                  "remote-step",
				ResourceRequirement: &resources.Requirement{MemoryBytes: 1024, CPUPercent: 1},
				TaskInput: func(vars map[string]any) orchestrator.TaskInput {
					return orchestrator.TaskInput{Method: "remote-step"}
				},
			},
		},
	}

	id, err := e.Create(def, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, e.StartWorkflow(id))

	st := waitForStatus(t, e, id, StateFailed, 2*time.Second)
	assert.Contains(t, st.Error, "remote failure")
}

func TestEngine_GetState_UnknownIDReturnsNotFound(t *testing.T) {
	e := newTestEngine(t, eventbus.New(64), nil)
	_, err := e.GetState("does-not-exist")
	var notFound *orcherr.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}
