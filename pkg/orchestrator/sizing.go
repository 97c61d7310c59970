package orchestrator

import (
	"time"

	"github.com/taskmesh/core/pkg/resources"
)

// Scheduler memory-estimate tiers, used by the method-based resource
// derivation below.
const (
	tierSmall  int64 = 256 << 20
	tierMedium int64 = 512 << 20
	tierLarge  int64 = 1 << 30
	tierXLarge int64 = 2 << 30
)

// defaultRequirement is used when a method has no entry in the derivation
// table below.
var defaultRequirement = resources.Requirement{
	MemoryBytes: tierSmall,
	CPUPercent:  10,
	TimeoutMs:   30_000,
}

// methodRequirements maps known method names to their resource profile.
var methodRequirements = map[string]resources.Requirement{
	"processLargeData": {MemoryBytes: tierMedium, CPUPercent: 25, TimeoutMs: 60_000},
	"imageProcessing":  {MemoryBytes: tierMedium, CPUPercent: 25, TimeoutMs: 60_000},
	"videoProcessing":  {MemoryBytes: tierLarge, CPUPercent: 50, TimeoutMs: int64(5 * time.Minute / time.Millisecond)},
}

// deriveResourceRequirement returns req unchanged unless it is the zero
// value, in which case it looks up method in the derivation table,
// falling back to defaultRequirement.
func deriveResourceRequirement(method string, req resources.Requirement) resources.Requirement {
	if req != (resources.Requirement{}) {
		return req
	}
	if known, ok := methodRequirements[method]; ok {
		return known
	}
	return defaultRequirement
}
