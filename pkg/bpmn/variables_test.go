package bpmn

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flowent/flowent/pkg/bpmn/runtime"
)

// startWaitingInstance starts an instance that parks on a user task so
// variable commands can run against a live scope.
func startWaitingInstance(t *testing.T, variables map[string]interface{}) runtime.ProcessInstance {
	t.Helper()
	definition := deploy(t, userTaskDefinition(uniqueId("var-scope")))
	instance, err := bpmnEngine.StartProcessInstance(t.Context(), definition.Id, variables)
	assert.NoError(t, err)
	return instance
}

func TestVariableTypesAreInferredOnFirstWrite(t *testing.T) {
	instance := startWaitingInstance(t, map[string]interface{}{
		"amount":   123,
		"approved": false,
		"dueDate":  "2026-09-15",
		"comment":  "initial request",
		"payload":  map[string]interface{}{"items": 3},
	})

	variables, err := bpmnEngine.GetProcessInstanceVariables(t.Context(), instance.Key)
	assert.NoError(t, err)

	assert.Equal(t, runtime.VariableTypeInteger, variables["amount"].Type)
	assert.Equal(t, int64(123), variables["amount"].Value)
	assert.Equal(t, runtime.VariableTypeBoolean, variables["approved"].Type)
	assert.Equal(t, runtime.VariableTypeDate, variables["dueDate"].Type)
	assert.Equal(t, runtime.VariableTypeString, variables["comment"].Type)
	assert.Equal(t, runtime.VariableTypeJson, variables["payload"].Type)
}

func TestVariableUpdateKeepsDeclaredType(t *testing.T) {
	// given
	instance := startWaitingInstance(t, map[string]interface{}{"amount": 123})

	// when: same type, new value
	err := bpmnEngine.SetProcessInstanceVariables(t.Context(), instance.Key, map[string]interface{}{"amount": 321})
	assert.NoError(t, err)

	// then
	variables, err := bpmnEngine.GetProcessInstanceVariables(t.Context(), instance.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.VariableTypeInteger, variables["amount"].Type)
	assert.Equal(t, int64(321), variables["amount"].Value)
}

func TestVariableTypeMismatchLeavesBatchUnapplied(t *testing.T) {
	// given
	instance := startWaitingInstance(t, map[string]interface{}{"amount": 123})

	// when: one bad value in a batch of two
	err := bpmnEngine.SetProcessInstanceVariables(t.Context(), instance.Key, map[string]interface{}{
		"amount":   "not a number",
		"newField": true,
	})

	// then: typed error, and neither value was written
	var mismatch *runtime.TypeMismatchError
	assert.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "variable 'amount' declared as integer cannot be set to a string value", err.Error())

	variables, getErr := bpmnEngine.GetProcessInstanceVariables(t.Context(), instance.Key)
	assert.NoError(t, getErr)
	assert.Equal(t, int64(123), variables["amount"].Value)
	assert.NotContains(t, variables, "newField")
}

func TestDeleteVariableFreesTheName(t *testing.T) {
	// given
	instance := startWaitingInstance(t, map[string]interface{}{"amount": 123})

	// when
	assert.NoError(t, bpmnEngine.DeleteProcessInstanceVariable(t.Context(), instance.Key, "amount"))

	// then: the name is gone and can be re-declared with another type
	variables, err := bpmnEngine.GetProcessInstanceVariables(t.Context(), instance.Key)
	assert.NoError(t, err)
	assert.NotContains(t, variables, "amount")

	assert.NoError(t, bpmnEngine.SetProcessInstanceVariables(t.Context(), instance.Key, map[string]interface{}{"amount": "redeclared"}))
	variables, err = bpmnEngine.GetProcessInstanceVariables(t.Context(), instance.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.VariableTypeString, variables["amount"].Type)
}

func TestVariableChangesAreRecorded(t *testing.T) {
	// given
	instance := startWaitingInstance(t, map[string]interface{}{"amount": 123})

	// when
	assert.NoError(t, bpmnEngine.SetProcessInstanceVariables(t.Context(), instance.Key, map[string]interface{}{"amount": 321}))
	assert.NoError(t, bpmnEngine.DeleteProcessInstanceVariable(t.Context(), instance.Key, "amount"))

	// then
	events, err := engineStorage.GetEventStream(t.Context(), instance.Key)
	assert.NoError(t, err)

	var seen []runtime.EventType
	for _, event := range events {
		switch event.Type {
		case runtime.EventVariableCreated, runtime.EventVariableUpdated, runtime.EventVariableDeleted:
			seen = append(seen, event.Type)
		}
	}
	assert.Equal(t, []runtime.EventType{
		runtime.EventVariableCreated,
		runtime.EventVariableUpdated,
		runtime.EventVariableDeleted,
	}, seen)
}

func TestVariableCommandsOnTerminalInstanceFail(t *testing.T) {
	instance := startWaitingInstance(t, map[string]interface{}{"amount": 123})
	assert.NoError(t, bpmnEngine.CancelProcessInstance(t.Context(), instance.Key))

	err := bpmnEngine.SetProcessInstanceVariables(t.Context(), instance.Key, map[string]interface{}{"amount": 1})

	var notFound *ProcessInstanceNotFoundError
	assert.ErrorAs(t, err, &notFound)
}
