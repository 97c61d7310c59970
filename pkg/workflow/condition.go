package workflow

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	orcherr "github.com/taskmesh/core/pkg/errors"
)

// conditionEvaluator compiles and caches step condition expressions,
// evaluated directly against the workflow's flat variable map. An empty
// expression is always true, matching the default of an unconditional
// step.
type conditionEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func newConditionEvaluator() *conditionEvaluator {
	return &conditionEvaluator{cache: make(map[string]*vm.Program)}
}

// Eval returns whether the step should run.
func (c *conditionEvaluator) Eval(condition string, vars map[string]any) (bool, error) {
	if condition == "" {
		return true, nil
	}

	prog, err := c.compile(condition)
	if err != nil {
		return false, &orcherr.ValidationError{
			Field:      "condition",
			Message:    err.Error(),
			Suggestion: "check the expression syntax against the step's variable map",
		}
	}

	out, err := expr.Run(prog, vars)
	if err != nil {
		return false, &orcherr.ValidationError{Field: "condition", Message: err.Error()}
	}
	result, ok := out.(bool)
	if !ok {
		return false, &orcherr.ValidationError{Field: "condition", Message: "condition must evaluate to a boolean"}
	}
	return result, nil
}

func (c *conditionEvaluator) compile(condition string) (*vm.Program, error) {
	c.mu.RLock()
	if p, ok := c.cache[condition]; ok {
		c.mu.RUnlock()
		return p, nil
	}
	c.mu.RUnlock()

	prog, err := expr.Compile(condition, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[condition] = prog
	c.mu.Unlock()
	return prog, nil
}

// ClearCache discards compiled condition programs, forcing recompilation
// on next use.
func (c *conditionEvaluator) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*vm.Program)
}
