package bpmn

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flowent/flowent/pkg/bpmn/runtime"
)

func TestStandaloneTaskLifecycle(t *testing.T) {
	// given
	task, err := bpmnEngine.CreateTask(t.Context(), TaskRequest{
		Name:      "Prepare quarterly report",
		Owner:     "bob",
		Priority:  10,
		Variables: map[string]interface{}{"quarter": "Q3"},
	})
	assert.NoError(t, err)
	assert.Equal(t, runtime.TaskCreated, task.State)
	assert.True(t, task.Standalone())

	// when
	alice := runtime.Caller{UserId: "alice"}
	assert.NoError(t, bpmnEngine.ClaimTask(t.Context(), task.Key, alice))
	assert.NoError(t, bpmnEngine.CompleteTask(t.Context(), task.Key, alice, map[string]interface{}{"pages": 12}))

	// then
	completed, err := bpmnEngine.FindTask(t.Context(), task.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.TaskCompleted, completed.State)
	assert.Equal(t, "alice", completed.Assignee)
	assert.NotNil(t, completed.CompletedAt)

	variables, err := bpmnEngine.GetTaskVariables(t.Context(), task.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.VariableTypeString, variables["quarter"].Type)
	assert.Equal(t, int64(12), variables["pages"].Value)
}

func TestClaimedTaskCannotBeClaimedAgain(t *testing.T) {
	task, err := bpmnEngine.CreateTask(t.Context(), TaskRequest{Name: "Review contract"})
	assert.NoError(t, err)
	assert.NoError(t, bpmnEngine.ClaimTask(t.Context(), task.Key, runtime.Caller{UserId: "alice"}))

	err = bpmnEngine.ClaimTask(t.Context(), task.Key, runtime.Caller{UserId: "bob"})

	var notClaimable *TaskNotClaimableError
	assert.ErrorAs(t, err, &notClaimable)
	assert.Contains(t, err.Error(), "already assigned to 'alice'")
}

func TestReleaseRequiresAssigneeOrAdmin(t *testing.T) {
	// given
	task, err := bpmnEngine.CreateTask(t.Context(), TaskRequest{Name: "Triage incident"})
	assert.NoError(t, err)
	assert.NoError(t, bpmnEngine.ClaimTask(t.Context(), task.Key, runtime.Caller{UserId: "alice"}))

	// then: a stranger cannot release
	err = bpmnEngine.ReleaseTask(t.Context(), task.Key, runtime.Caller{UserId: "bob"})
	var notClaimable *TaskNotClaimableError
	assert.ErrorAs(t, err, &notClaimable)

	// an admin can
	assert.NoError(t, bpmnEngine.ReleaseTask(t.Context(), task.Key, runtime.Caller{UserId: "bob", Admin: true}))

	released, err := bpmnEngine.FindTask(t.Context(), task.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.TaskCreated, released.State)
	assert.Empty(t, released.Assignee)
	assert.Nil(t, released.ClaimedAt)
}

func TestAssignHeldTaskRequiresCurrentAssigneeOrAdmin(t *testing.T) {
	task, err := bpmnEngine.CreateTask(t.Context(), TaskRequest{Name: "Sign off release", Assignee: "alice"})
	assert.NoError(t, err)
	assert.Equal(t, runtime.TaskAssigned, task.State)

	err = bpmnEngine.AssignTask(t.Context(), task.Key, "carol", runtime.Caller{UserId: "bob"})
	var notAssignable *TaskNotAssignableError
	assert.ErrorAs(t, err, &notAssignable)

	assert.NoError(t, bpmnEngine.AssignTask(t.Context(), task.Key, "carol", runtime.Caller{UserId: "alice"}))

	reassigned, err := bpmnEngine.FindTask(t.Context(), task.Key)
	assert.NoError(t, err)
	assert.Equal(t, "carol", reassigned.Assignee)
}

func TestCompletedTaskCannotBeCompletedAgain(t *testing.T) {
	// given a completed task
	alice := runtime.Caller{UserId: "alice"}
	task, err := bpmnEngine.CreateTask(t.Context(), TaskRequest{Name: "File report", Assignee: "alice"})
	assert.NoError(t, err)
	assert.NoError(t, bpmnEngine.CompleteTask(t.Context(), task.Key, alice, nil))

	before, err := engineStorage.GetEventStream(t.Context(), task.StreamKey())
	assert.NoError(t, err)

	// when
	err = bpmnEngine.CompleteTask(t.Context(), task.Key, alice, nil)

	// then: the command is rejected and records nothing
	var invalid *InvalidStateTransitionError
	assert.ErrorAs(t, err, &invalid)
	after, err := engineStorage.GetEventStream(t.Context(), task.StreamKey())
	assert.NoError(t, err)
	assert.Len(t, after, len(before))
}

func TestOpenSubtaskBlocksCompletion(t *testing.T) {
	// given
	parent, err := bpmnEngine.CreateTask(t.Context(), TaskRequest{Name: "Onboard customer"})
	assert.NoError(t, err)
	subtask, err := bpmnEngine.CreateTask(t.Context(), TaskRequest{Name: "Collect documents", ParentTaskKey: parent.Key})
	assert.NoError(t, err)

	alice := runtime.Caller{UserId: "alice"}
	assert.NoError(t, bpmnEngine.ClaimTask(t.Context(), parent.Key, alice))

	// when
	err = bpmnEngine.CompleteTask(t.Context(), parent.Key, alice, nil)

	// then
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "subtask")

	// completing the subtask unblocks the parent
	assert.NoError(t, bpmnEngine.ClaimTask(t.Context(), subtask.Key, alice))
	assert.NoError(t, bpmnEngine.CompleteTask(t.Context(), subtask.Key, alice, nil))
	assert.NoError(t, bpmnEngine.CompleteTask(t.Context(), parent.Key, alice, nil))
}

func TestDeleteTaskCascadesDepthFirst(t *testing.T) {
	// given a three level standalone task tree
	root, err := bpmnEngine.CreateTask(t.Context(), TaskRequest{Name: "Migration", Owner: "alice"})
	assert.NoError(t, err)
	child, err := bpmnEngine.CreateTask(t.Context(), TaskRequest{Name: "Export data", ParentTaskKey: root.Key})
	assert.NoError(t, err)
	grandchild, err := bpmnEngine.CreateTask(t.Context(), TaskRequest{Name: "Dump tables", ParentTaskKey: child.Key})
	assert.NoError(t, err)

	// when
	assert.NoError(t, bpmnEngine.DeleteTask(t.Context(), root.Key, runtime.Caller{UserId: "alice"}))

	// then: the whole tree is cancelled
	for _, key := range []int64{root.Key, child.Key, grandchild.Key} {
		task, err := bpmnEngine.FindTask(t.Context(), key)
		assert.NoError(t, err)
		assert.Equal(t, runtime.TaskCancelled, task.State)
	}

	// and the cancellation events arrive leaves first on the root's stream
	events, err := engineStorage.GetEventStream(t.Context(), root.Key)
	assert.NoError(t, err)
	var cancelledKeys []int64
	for _, event := range events {
		if event.Type == runtime.EventTaskCancelled {
			cancelledKeys = append(cancelledKeys, event.EntityKey)
		}
	}
	assert.Equal(t, []int64{grandchild.Key, child.Key, root.Key}, cancelledKeys)
}

func TestDeleteTaskRequiresOwnerOrAdmin(t *testing.T) {
	task, err := bpmnEngine.CreateTask(t.Context(), TaskRequest{Name: "Confidential review", Owner: "alice"})
	assert.NoError(t, err)

	err = bpmnEngine.DeleteTask(t.Context(), task.Key, runtime.Caller{UserId: "mallory"})
	var notAssignable *TaskNotAssignableError
	assert.ErrorAs(t, err, &notAssignable)
}

func TestProcessTaskCannotBeDeleted(t *testing.T) {
	definition := deploy(t, userTaskDefinition(uniqueId("undeletable")))
	instance, err := bpmnEngine.StartProcessInstance(t.Context(), definition.Id, nil)
	assert.NoError(t, err)
	task := waitingTasks(t, instance.Key)[0]

	err = bpmnEngine.DeleteTask(t.Context(), task.Key, runtime.Caller{UserId: "alice", Admin: true})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be deleted")
}

func TestSaveTaskAppliesPartialUpdate(t *testing.T) {
	// given
	task, err := bpmnEngine.CreateTask(t.Context(), TaskRequest{
		Name:      "Draft announcement",
		Priority:  5,
		Variables: map[string]interface{}{"wordCount": 100},
	})
	assert.NoError(t, err)

	// when
	newName := "Draft release announcement"
	newPriority := int32(1)
	err = bpmnEngine.SaveTask(t.Context(), task.Key, runtime.Caller{UserId: "alice"}, TaskUpdate{
		Name:      &newName,
		Priority:  &newPriority,
		Variables: map[string]interface{}{"wordCount": 250},
	})
	assert.NoError(t, err)

	// then
	updated, err := bpmnEngine.FindTask(t.Context(), task.Key)
	assert.NoError(t, err)
	assert.Equal(t, newName, updated.Name)
	assert.Equal(t, newPriority, updated.Priority)
	assert.Equal(t, int64(250), updated.Variables["wordCount"].Value)

	// a type mismatch leaves the task untouched
	err = bpmnEngine.SaveTask(t.Context(), task.Key, runtime.Caller{UserId: "alice"}, TaskUpdate{
		Variables: map[string]interface{}{"wordCount": "lots"},
	})
	var mismatch *runtime.TypeMismatchError
	assert.ErrorAs(t, err, &mismatch)
	unchanged, err := bpmnEngine.FindTask(t.Context(), task.Key)
	assert.NoError(t, err)
	assert.Equal(t, int64(250), unchanged.Variables["wordCount"].Value)
}

func TestProcessTaskCompletionPropagatesThroughOutputMappings(t *testing.T) {
	// given a user task with input and output mappings
	definition := deploy(t, processWithMappedUserTask(uniqueId("mapped")))
	instance, err := bpmnEngine.StartProcessInstance(t.Context(), definition.Id, map[string]interface{}{"amount": 200})
	assert.NoError(t, err)
	task := waitingTasks(t, instance.Key)[0]

	// the input mapping seeded the task scope
	assert.Equal(t, int64(200), task.Variables["requested"].Value)

	// when
	alice := runtime.Caller{UserId: "alice"}
	assert.NoError(t, bpmnEngine.ClaimTask(t.Context(), task.Key, alice))
	assert.NoError(t, bpmnEngine.CompleteTask(t.Context(), task.Key, alice, map[string]interface{}{"granted": 150, "note": "partial"}))

	// then: only the mapped output reached the instance scope
	completed, err := bpmnEngine.FindProcessInstance(t.Context(), instance.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.ProcessInstanceCompleted, completed.State)
	assert.Equal(t, int64(150), completed.GetVariable("approvedAmount"))
	assert.Nil(t, completed.GetVariable("note"))
}
