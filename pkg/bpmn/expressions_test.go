package bpmn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateExpressionReturnsLiteralsVerbatim(t *testing.T) {
	value, err := bpmnEngine.evaluateExpression("plain-value", map[string]interface{}{"x": 1})
	assert.NoError(t, err)
	assert.Equal(t, "plain-value", value)
}

func TestEvaluateExpressionResolvesVariables(t *testing.T) {
	scope := map[string]interface{}{"amount": int64(100), "customer": "acme"}

	value, err := bpmnEngine.evaluateExpression("=customer", scope)
	assert.NoError(t, err)
	assert.Equal(t, "acme", value)

	value, err = bpmnEngine.evaluateExpression("=amount > 50", scope)
	assert.NoError(t, err)
	assert.Equal(t, true, value)
}

func TestEvaluateExpressionReturnsNativeNumbers(t *testing.T) {
	scope := map[string]interface{}{"amount": int64(100)}

	// whole results come back as int64
	value, err := bpmnEngine.evaluateExpression("=amount + 50", scope)
	assert.NoError(t, err)
	assert.Equal(t, int64(150), value)

	// fractional results as float64
	value, err = bpmnEngine.evaluateExpression("=amount / 8", scope)
	assert.NoError(t, err)
	assert.Equal(t, 12.5, value)
}

func TestEvaluateExpressionUnwrapsListsAndContexts(t *testing.T) {
	value, err := bpmnEngine.evaluateExpression("=[1, 2.5]", map[string]interface{}{})
	assert.NoError(t, err)
	assert.Equal(t, []interface{}{int64(1), 2.5}, value)

	value, err = bpmnEngine.evaluateExpression("={count: 3}", map[string]interface{}{})
	assert.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"count": int64(3)}, value)
}

func TestEvaluateExpressionReportsBrokenExpressions(t *testing.T) {
	_, err := bpmnEngine.evaluateExpression("=amount >", map[string]interface{}{"amount": int64(1)})
	assert.Error(t, err)
}
