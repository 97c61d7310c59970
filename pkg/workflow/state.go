package workflow

import (
	"time"

	"github.com/taskmesh/core/pkg/resources"
)

// StepStatus is a step's lifecycle state within a running workflow.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
)

// StepMetrics records what a single step execution cost.
type StepMetrics struct {
	Duration    time.Duration
	MemoryUsage int64
	CPUUsage    float64
}

// StepState is the point-in-time record of one step's execution.
// Skipped is true when the step's condition evaluated to false; a skipped
// step is COMPLETED with a nil Result so downstream steps may still
// depend on it.
type StepState struct {
	StepID      string
	Status      StepStatus
	Skipped     bool
	Result      any
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
	Attempts    int
	Metrics     StepMetrics
}

// ResourceUsage reports the workflow's aggregate resource footprint: the
// reservation currently held, and the peak ever held.
type ResourceUsage struct {
	Current resources.Requirement
	Peak    resources.Requirement
}

// WorkflowState is a by-value snapshot returned to callers. It never
// shares memory with the engine's internal runtime, so callers may read
// it freely without synchronization.
type WorkflowState struct {
	ID          string
	Definition  *Definition
	Status      State
	CurrentStep int
	StepStates  map[string]StepState
	Variables   map[string]any
	Priority    Priority

	ResourceUsage ResourceUsage

	CreatedAt time.Time
	UpdatedAt time.Time
	Error     string
}
