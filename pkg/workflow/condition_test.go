package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditionEvaluator_EmptyConditionIsTrue(t *testing.T) {
	c := newConditionEvaluator()
	ok, err := c.Eval("", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConditionEvaluator_EvaluatesAgainstVariables(t *testing.T) {
	c := newConditionEvaluator()
	vars := map[string]any{"retryCount": 2, "threshold": 3}

	ok, err := c.Eval("retryCount < threshold", vars)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Eval("retryCount > threshold", vars)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConditionEvaluator_AllowsUndefinedVariables(t *testing.T) {
	c := newConditionEvaluator()
	ok, err := c.Eval("missing == nil || missing == false", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConditionEvaluator_RejectsNonBooleanExpression(t *testing.T) {
	c := newConditionEvaluator()
	_, err := c.Eval("1 + 1", nil)
	assert.Error(t, err)
}

func TestConditionEvaluator_RejectsSyntaxError(t *testing.T) {
	c := newConditionEvaluator()
	_, err := c.Eval("((", nil)
	assert.Error(t, err)
}

func TestConditionEvaluator_CachesCompiledPrograms(t *testing.T) {
	c := newConditionEvaluator()
	_, err := c.Eval("a == 1", map[string]any{"a": 1})
	require.NoError(t, err)

	assert.Len(t, c.cache, 1)

	_, err = c.Eval("a == 1", map[string]any{"a": 2})
	require.NoError(t, err)
	assert.Len(t, c.cache, 1)
}
