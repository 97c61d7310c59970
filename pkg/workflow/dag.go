package workflow

import (
	"sort"

	orcherr "github.com/taskmesh/core/pkg/errors"
)

// Compile validates a Definition structurally — non-empty identity, unique
// step ids, dependencies that reference known steps, and an acyclic
// dependency graph — and returns the Kahn layering of its steps. Engine
// callers keep the layering only for diagnostics; dispatch itself re-checks
// readiness against live step state on every tick.
func Compile(def *Definition) ([][]string, error) {
	if def.Name == "" {
		return nil, &orcherr.ValidationError{Field: "name", Message: "workflow name must not be empty"}
	}
	if len(def.Steps) == 0 {
		return nil, &orcherr.ValidationError{Field: "steps", Message: "workflow must declare at least one step"}
	}

	seen := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		if s.ID == "" {
			return nil, &orcherr.ValidationError{Field: "steps[].id", Message: "step id must not be empty"}
		}
		if seen[s.ID] {
			return nil, &orcherr.ValidationError{Field: "steps[].id", Message: "duplicate step id: " + s.ID}
		}
		seen[s.ID] = true
	}
	for _, s := range def.Steps {
		for _, d := range s.Dependencies {
			if !seen[d] {
				return nil, &orcherr.ValidationError{
					Field:   "steps[].dependencies",
					Message: "step " + s.ID + " depends on unknown step " + d,
				}
			}
			if d == s.ID {
				return nil, &orcherr.ValidationError{
					Field:   "steps[].dependencies",
					Message: "step " + s.ID + " cannot depend on itself",
				}
			}
		}
	}

	return layer(def.Steps)
}

// layer computes the Kahn layering of steps: each layer is the maximal set
// of not-yet-scheduled steps whose dependencies are all already scheduled.
// A remaining non-empty set with no extractable layer means the graph has
// a cycle.
func layer(steps []StepDefinition) ([][]string, error) {
	remaining := make(map[string]StepDefinition, len(steps))
	for _, s := range steps {
		remaining[s.ID] = s
	}

	completed := make(map[string]bool, len(steps))
	var layers [][]string

	for len(remaining) > 0 {
		var ready []string
		for id, s := range remaining {
			isReady := true
			for _, d := range s.Dependencies {
				if !completed[d] {
					isReady = false
					break
				}
			}
			if isReady {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			return nil, &orcherr.ValidationError{
				Field:      "steps[].dependencies",
				Message:    "cycle detected in workflow dependency graph",
				Suggestion: "remove the circular dependency chain between steps",
			}
		}

		sort.Strings(ready) // deterministic layer order
		for _, id := range ready {
			completed[id] = true
			delete(remaining, id)
		}
		layers = append(layers, ready)
	}
	return layers, nil
}
