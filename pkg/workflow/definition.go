package workflow

import (
	"context"
	"time"

	"github.com/taskmesh/core/pkg/orchestrator"
	"github.com/taskmesh/core/pkg/resources"
)

// Priority ranks a workflow relative to others when the resource manager
// reports a critical alert: only workflows at PriorityCritical are exempt
// from the engine's pause-on-critical reaction. The zero value,
// PriorityUnspecified, is never assigned to a created workflow; Create
// normalizes it to PriorityNormal.
type Priority int

const (
	PriorityUnspecified Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String renders the priority for logs and snapshots.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "UNSPECIFIED"
	}
}

// RetryPolicy governs per-step retry with exponential backoff. Delay for
// attempt n (1-indexed) is min(MaxDelay, 1s * BackoffMultiplier^(n-1)).
type RetryPolicy struct {
	MaxAttempts       int
	BackoffMultiplier float64
	MaxDelay          time.Duration
}

// StepFunc executes a step in-process against the workflow's variable map.
type StepFunc func(ctx context.Context, vars map[string]any) (any, error)

// RollbackFunc undoes a completed step's effects during the abort path, or
// on cancel when the Definition sets RollbackOnCancel.
// Rollback errors are logged and suppressed; they never re-fail a
// workflow that is already rolling back.
type RollbackFunc func(ctx context.Context, vars map[string]any) error

// ErrorHandlerFunc observes a step's terminal failure. Its return value
// does not override the step's FAILED outcome; it only participates in
// the engine's log of what was attempted.
type ErrorHandlerFunc func(ctx context.Context, stepErr error, vars map[string]any) error

// TaskInputFunc builds an orchestrator task request from the workflow's
// current variables. Steps that set ResourceRequirement and TaskInput are
// dispatched through a TaskSubmitter instead of invoking Execute directly.
type TaskInputFunc func(vars map[string]any) orchestrator.TaskInput

// StepDefinition describes one node of a workflow's dependency graph.
type StepDefinition struct {
	ID           string
	Dependencies []string

	Execute   StepFunc
	Rollback  RollbackFunc
	TaskInput TaskInputFunc

	Condition           string
	OutputVariable      string
	ContinueOnError     bool
	RetryPolicy         *RetryPolicy
	ResourceRequirement *resources.Requirement
	Priority            Priority
	ErrorHandler        ErrorHandlerFunc
}

// Definition is a compiled-once workflow blueprint. Compile validates it
// and returns the Kahn layering of its steps; Engine.Create calls Compile
// before accepting a Definition.
type Definition struct {
	Name    string
	Version string
	Steps   []StepDefinition

	MaxConcurrentSteps int
	RollbackOnError    bool
	RollbackOnCancel   bool
	ContinueOnError    bool
	Timeout            time.Duration
	Variables          map[string]any
}

// CreateOptions customizes a single workflow instance created from a
// shared Definition.
type CreateOptions struct {
	Variables map[string]any
	Priority  Priority
}
