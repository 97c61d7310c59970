// Package orchestrator implements the task scheduler (spec component C5):
// admission control, capability-matched routing, bounded-concurrency
// dispatch over JSON-RPC, and fixed-delay retry.
package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/core/pkg/resources"
)

// Status is a task's lifecycle state. The orchestrator is the only
// component permitted to transition it.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Task is a unit of work submitted by a client or by the workflow engine.
type Task struct {
	ID          string
	Method      string
	Params      any
	SourceAgent string
	TargetAgent string

	Status Status
	Result any
	Error  string

	ResourceRequirement resources.Requirement
	Dependencies        []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TaskInput is the caller-supplied partial task accepted by SubmitTask.
// Zero-value ResourceRequirement triggers method-based derivation.
type TaskInput struct {
	Method              string
	Params              any
	SourceAgent         string
	TargetAgent         string
	ResourceRequirement resources.Requirement
	Dependencies        []string
}

// executionContext is the scheduler-internal bookkeeping record kept
// alongside a task for the duration of its dispatch lifecycle.
type executionContext struct {
	retryCount   int
	startTime    time.Time
	dependencies []string
	resourceReq  resources.Requirement
}

func newTaskID() string {
	return uuid.NewString()
}
