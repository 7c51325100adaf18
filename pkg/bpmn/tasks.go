package bpmn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/senseyeio/duration"
	"go.opentelemetry.io/otel/attribute"

	"github.com/flowent/flowent/pkg/bpmn/model"
	"github.com/flowent/flowent/pkg/bpmn/runtime"
	otelPkg "github.com/flowent/flowent/pkg/otel"
	"github.com/flowent/flowent/pkg/storage"
)

// TaskRequest describes a task to create outside the flow executor:
// a standalone task, or a subtask under an existing task.
type TaskRequest struct {
	Name          string
	Description   string
	Assignee      string
	Owner         string
	FormKey       string
	Priority      int32
	DueDate       *time.Time
	ParentTaskKey int64
	Variables     map[string]interface{}
}

// TaskUpdate carries a partial task save: nil fields stay untouched.
type TaskUpdate struct {
	Name        *string
	Description *string
	Priority    *int32
	DueDate     *time.Time
	Variables   map[string]interface{}
}

// FindTask returns a task by key regardless of state.
func (engine *Engine) FindTask(ctx context.Context, taskKey int64) (runtime.Task, error) {
	task, err := engine.persistence.FindTaskByKey(ctx, taskKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return runtime.Task{}, &TaskNotFoundError{Key: taskKey}
		}
		return runtime.Task{}, err
	}
	return task, nil
}

// GetTaskVariables returns the task-local variables with their declared
// types. Instance-scoped variables are not included.
func (engine *Engine) GetTaskVariables(ctx context.Context, taskKey int64) (map[string]runtime.Variable, error) {
	task, err := engine.FindTask(ctx, taskKey)
	if err != nil {
		return nil, err
	}
	variables := make(map[string]runtime.Variable, len(task.Variables))
	for name, v := range task.Variables {
		variables[name] = v
	}
	return variables, nil
}

// taskScopeKey resolves the serialization scope of a task: the owning
// process instance, or the root of a standalone task tree.
func (engine *Engine) taskScopeKey(ctx context.Context, task runtime.Task) (int64, error) {
	if task.ProcessInstanceKey != 0 {
		return task.ProcessInstanceKey, nil
	}
	for task.ParentTaskKey != 0 {
		parent, err := engine.FindTask(ctx, task.ParentTaskKey)
		if err != nil {
			return 0, err
		}
		task = parent
	}
	return task.Key, nil
}

// CreateTask creates a standalone task, or a subtask when ParentTaskKey
// is set. Subtasks of process tasks belong to the same process instance.
func (engine *Engine) CreateTask(ctx context.Context, request TaskRequest) (runtime.Task, error) {
	ctx = engine.commandContext(ctx)
	taskKey := engine.generateKey()

	scopeKey := taskKey
	if request.ParentTaskKey != 0 {
		parent, err := engine.FindTask(ctx, request.ParentTaskKey)
		if err != nil {
			return runtime.Task{}, err
		}
		scopeKey, err = engine.taskScopeKey(ctx, parent)
		if err != nil {
			return runtime.Task{}, err
		}
	}

	var created runtime.Task
	err := engine.dispatcher.do(ctx, scopeKey, func(ctx context.Context) error {
		processInstanceKey := int64(0)
		if request.ParentTaskKey != 0 {
			parent, err := engine.FindTask(ctx, request.ParentTaskKey)
			if err != nil {
				return err
			}
			if parent.State.IsTerminal() {
				return &InvalidStateTransitionError{EntityType: "task", Key: parent.Key, From: string(parent.State), To: string(runtime.TaskCreated)}
			}
			processInstanceKey = parent.ProcessInstanceKey
		}

		rootTaskKey := int64(0)
		if processInstanceKey == 0 {
			rootTaskKey = scopeKey
		}
		holder := runtime.NewVariableHolder(nil, request.Variables)
		task := runtime.Task{
			Key:                taskKey,
			Name:               request.Name,
			Description:        request.Description,
			State:              runtime.TaskCreated,
			Owner:              request.Owner,
			ParentTaskKey:      request.ParentTaskKey,
			ProcessInstanceKey: processInstanceKey,
			RootTaskKey:        rootTaskKey,
			FormKey:            request.FormKey,
			Priority:           request.Priority,
			DueDate:            request.DueDate,
			CreatedAt:          engine.clock(),
			Variables:          holder.Variables(),
		}
		if err := engine.saveNewTask(ctx, &task, request.Assignee); err != nil {
			return err
		}
		created = task
		return nil
	})
	return created, err
}

// createProcessTask materializes a user task node for a waiting token.
// Runs inside the owning instance's worker.
func (engine *Engine) createProcessTask(ctx context.Context, instance *runtime.ProcessInstance, node model.Node, token runtime.ExecutionToken) (runtime.Task, error) {
	assignee := ""
	if node.Assignee != "" {
		value, err := engine.evaluateExpression(node.Assignee, instance.VariableHolder.RawValues())
		if err != nil {
			return runtime.Task{}, err
		}
		assignee = fmt.Sprintf("%v", value)
	}

	var dueDate *time.Time
	if node.DueIn != "" {
		timer, err := parseDueIn(node.DueIn, engine.clock())
		if err != nil {
			return runtime.Task{}, err
		}
		dueDate = &timer
	}

	values, err := engine.mapOnEntry(node.InputMappings, instance.VariableHolder.RawValues())
	if err != nil {
		return runtime.Task{}, err
	}

	holder := runtime.NewVariableHolder(nil, values)
	task := runtime.Task{
		Key:                engine.generateKey(),
		ElementId:          node.Id,
		TokenKey:           token.Key,
		Name:               node.Name,
		State:              runtime.TaskCreated,
		ProcessInstanceKey: instance.Key,
		FormKey:            node.FormKey,
		Priority:           node.Priority,
		DueDate:            dueDate,
		CreatedAt:          engine.clock(),
		Variables:          holder.Variables(),
	}
	if err := engine.saveNewTask(ctx, &task, assignee); err != nil {
		return runtime.Task{}, err
	}
	return task, nil
}

func (engine *Engine) saveNewTask(ctx context.Context, task *runtime.Task, assignee string) error {
	if err := engine.persistence.SaveTask(ctx, *task); err != nil {
		return err
	}
	if err := engine.recordEvent(ctx, task.StreamKey(), runtime.EventTaskCreated, task.Key, task.ProcessInstanceKey, map[string]interface{}{
		"name":          task.Name,
		"elementId":     task.ElementId,
		"parentTaskKey": task.ParentTaskKey,
	}); err != nil {
		return err
	}
	if engine.metrics != nil {
		engine.metrics.TasksCreated.Add(ctx, 1)
	}
	if assignee == "" {
		return nil
	}
	task.Assignee = assignee
	task.State = runtime.TaskAssigned
	if err := engine.persistence.SaveTask(ctx, *task); err != nil {
		return err
	}
	return engine.recordEvent(ctx, task.StreamKey(), runtime.EventTaskAssigned, task.Key, task.ProcessInstanceKey, map[string]interface{}{
		"assignee": assignee,
	})
}

// ClaimTask assigns an unassigned task to the caller.
func (engine *Engine) ClaimTask(ctx context.Context, taskKey int64, caller runtime.Caller) error {
	return engine.withTask(ctx, taskKey, func(ctx context.Context, task *runtime.Task) error {
		if task.State.IsTerminal() {
			return &InvalidStateTransitionError{EntityType: "task", Key: task.Key, From: string(task.State), To: string(runtime.TaskAssigned)}
		}
		if task.State == runtime.TaskAssigned {
			return &TaskNotClaimableError{Key: task.Key, Reason: fmt.Sprintf("already assigned to '%s'", task.Assignee)}
		}
		if err := engine.requireRunningInstance(ctx, *task); err != nil {
			return err
		}
		now := engine.clock()
		task.Assignee = caller.UserId
		task.State = runtime.TaskAssigned
		task.ClaimedAt = &now
		if err := engine.persistence.SaveTask(ctx, *task); err != nil {
			return err
		}
		return engine.recordEvent(ctx, task.StreamKey(), runtime.EventTaskAssigned, task.Key, task.ProcessInstanceKey, map[string]interface{}{
			"assignee": caller.UserId,
		})
	})
}

// ReleaseTask puts an assigned task back into the unassigned pool. Only
// the assignee or an admin may release.
func (engine *Engine) ReleaseTask(ctx context.Context, taskKey int64, caller runtime.Caller) error {
	return engine.withTask(ctx, taskKey, func(ctx context.Context, task *runtime.Task) error {
		if task.State != runtime.TaskAssigned {
			return &InvalidStateTransitionError{EntityType: "task", Key: task.Key, From: string(task.State), To: string(runtime.TaskCreated)}
		}
		if task.Assignee != caller.UserId && !caller.Admin {
			return &TaskNotClaimableError{Key: task.Key, Reason: fmt.Sprintf("caller '%s' is not the assignee", caller.UserId)}
		}
		task.Assignee = ""
		task.State = runtime.TaskCreated
		task.ClaimedAt = nil
		if err := engine.persistence.SaveTask(ctx, *task); err != nil {
			return err
		}
		return engine.recordEvent(ctx, task.StreamKey(), runtime.EventTaskReleased, task.Key, task.ProcessInstanceKey, nil)
	})
}

// AssignTask hands the task to an explicit assignee. Reassigning a task
// held by somebody else requires the current assignee or an admin.
func (engine *Engine) AssignTask(ctx context.Context, taskKey int64, assignee string, caller runtime.Caller) error {
	return engine.withTask(ctx, taskKey, func(ctx context.Context, task *runtime.Task) error {
		if task.State.IsTerminal() {
			return &InvalidStateTransitionError{EntityType: "task", Key: task.Key, From: string(task.State), To: string(runtime.TaskAssigned)}
		}
		if task.Assignee != "" && task.Assignee != caller.UserId && !caller.Admin {
			return &TaskNotAssignableError{Key: task.Key, Reason: fmt.Sprintf("caller '%s' is neither the assignee nor an admin", caller.UserId)}
		}
		if err := engine.requireRunningInstance(ctx, *task); err != nil {
			return err
		}
		now := engine.clock()
		task.Assignee = assignee
		task.State = runtime.TaskAssigned
		task.ClaimedAt = &now
		if err := engine.persistence.SaveTask(ctx, *task); err != nil {
			return err
		}
		return engine.recordEvent(ctx, task.StreamKey(), runtime.EventTaskAssigned, task.Key, task.ProcessInstanceKey, map[string]interface{}{
			"assignee": assignee,
		})
	})
}

// SaveTask applies a partial update to an open task. Variable values are
// validated against their declared types before anything is written.
func (engine *Engine) SaveTask(ctx context.Context, taskKey int64, caller runtime.Caller, update TaskUpdate) error {
	return engine.withTask(ctx, taskKey, func(ctx context.Context, task *runtime.Task) error {
		if task.State.IsTerminal() {
			return &InvalidStateTransitionError{EntityType: "task", Key: task.Key, From: string(task.State), To: string(task.State)}
		}
		if task.Assignee != "" && task.Assignee != caller.UserId && !caller.Admin {
			return &TaskNotAssignableError{Key: task.Key, Reason: fmt.Sprintf("caller '%s' is neither the assignee nor an admin", caller.UserId)}
		}
		if update.Name != nil {
			task.Name = *update.Name
		}
		if update.Description != nil {
			task.Description = *update.Description
		}
		if update.Priority != nil {
			task.Priority = *update.Priority
		}
		if update.DueDate != nil {
			task.DueDate = update.DueDate
		}
		if len(update.Variables) > 0 {
			holder := runtime.NewVariableHolderFor(nil, task.Variables)
			if err := engine.applyVariables(ctx, &holder, task.StreamKey(), task.Key, task.ProcessInstanceKey, update.Variables); err != nil {
				return err
			}
			task.Variables = holder.Variables()
		}
		if err := engine.persistence.SaveTask(ctx, *task); err != nil {
			return err
		}
		return engine.recordEvent(ctx, task.StreamKey(), runtime.EventTaskUpdated, task.Key, task.ProcessInstanceKey, nil)
	})
}

// CompleteTask completes an assigned task. Every subtask must already be
// terminal; for process tasks the completion variables move through the
// node's output mappings into the instance scope and the waiting token
// continues.
func (engine *Engine) CompleteTask(ctx context.Context, taskKey int64, caller runtime.Caller, variables map[string]interface{}) error {
	ctx = engine.commandContext(ctx)
	ctx, span := engine.startSpan(ctx, "complete-task",
		attribute.Int64(otelPkg.AttributeTaskKey, taskKey),
	)
	defer span.End()

	return engine.withTask(ctx, taskKey, func(ctx context.Context, task *runtime.Task) error {
		if task.State != runtime.TaskAssigned {
			return &InvalidStateTransitionError{EntityType: "task", Key: task.Key, From: string(task.State), To: string(runtime.TaskCompleted)}
		}
		if task.Assignee != caller.UserId && !caller.Admin {
			return &TaskNotAssignableError{Key: task.Key, Reason: fmt.Sprintf("caller '%s' is neither the assignee nor an admin", caller.UserId)}
		}
		subtasks, err := engine.persistence.FindSubtasks(ctx, task.Key)
		if err != nil {
			return err
		}
		for _, subtask := range subtasks {
			if !subtask.State.IsTerminal() {
				return newEngineErrorf("task %d cannot be completed: subtask %d is still open", task.Key, subtask.Key)
			}
		}
		if err := engine.requireRunningInstance(ctx, *task); err != nil {
			return err
		}

		holder := runtime.NewVariableHolderFor(nil, task.Variables)
		if err := engine.applyVariables(ctx, &holder, task.StreamKey(), task.Key, task.ProcessInstanceKey, variables); err != nil {
			return err
		}
		task.Variables = holder.Variables()

		now := engine.clock()
		task.State = runtime.TaskCompleted
		task.CompletedAt = &now
		if err := engine.persistence.SaveTask(ctx, *task); err != nil {
			return err
		}
		if err := engine.recordEvent(ctx, task.StreamKey(), runtime.EventTaskCompleted, task.Key, task.ProcessInstanceKey, map[string]interface{}{
			"assignee":   task.Assignee,
			"durationMs": task.Duration().Milliseconds(),
		}); err != nil {
			return err
		}
		if engine.metrics != nil {
			engine.metrics.TasksCompleted.Add(ctx, 1)
		}

		if task.Standalone() {
			return nil
		}
		return engine.completeProcessTask(ctx, *task, variables)
	})
}

// completeProcessTask propagates task output into the instance scope and
// continues the waiting token.
func (engine *Engine) completeProcessTask(ctx context.Context, task runtime.Task, completionValues map[string]interface{}) error {
	instance, err := engine.findActiveInstance(ctx, task.ProcessInstanceKey)
	if err != nil {
		return err
	}
	definition, err := engine.definition(ctx, instance.DefinitionKey)
	if err != nil {
		return err
	}

	var mappings []model.IoMapping
	if node, found := definition.FindNode(task.ElementId); found {
		mappings = node.OutputMappings
	}
	localHolder := runtime.NewVariableHolderFor(nil, task.Variables)
	localValues := localHolder.RawValues()
	outputs, err := engine.mapOnExit(mappings, localValues, completionValues)
	if err != nil {
		return err
	}
	if len(outputs) > 0 {
		if err := engine.applyVariables(ctx, &instance.VariableHolder, instance.Key, instance.Key, instance.Key, outputs); err != nil {
			return err
		}
	}
	if err := engine.persistence.SaveProcessInstance(ctx, instance); err != nil {
		return err
	}

	token, err := engine.persistence.FindTokenByKey(ctx, task.TokenKey)
	if err != nil {
		return err
	}
	if token.State != runtime.TokenWaiting {
		return nil
	}
	return engine.continueToken(ctx, &instance, token)
}

// DeleteTask cancels a standalone task and its whole subtask tree.
// Process-bound tasks cannot be deleted, they end with their node.
func (engine *Engine) DeleteTask(ctx context.Context, taskKey int64, caller runtime.Caller) error {
	return engine.withTask(ctx, taskKey, func(ctx context.Context, task *runtime.Task) error {
		if !task.Standalone() {
			return newEngineErrorf("task %d is owned by process instance %d and cannot be deleted", task.Key, task.ProcessInstanceKey)
		}
		if task.State.IsTerminal() {
			return &InvalidStateTransitionError{EntityType: "task", Key: task.Key, From: string(task.State), To: string(runtime.TaskCancelled)}
		}
		if task.Owner != "" && task.Owner != caller.UserId && task.Assignee != caller.UserId && !caller.Admin {
			return &TaskNotAssignableError{Key: task.Key, Reason: fmt.Sprintf("caller '%s' is neither the owner nor an admin", caller.UserId)}
		}
		return engine.cancelTaskCascade(ctx, *task)
	})
}

// cancelTaskCascade cancels the subtask tree depth-first, so subtask
// cancellation events always precede their parent's.
func (engine *Engine) cancelTaskCascade(ctx context.Context, task runtime.Task) error {
	subtasks, err := engine.persistence.FindSubtasks(ctx, task.Key)
	if err != nil {
		return err
	}
	for _, subtask := range subtasks {
		if subtask.State.IsTerminal() {
			continue
		}
		if err := engine.cancelTaskCascade(ctx, subtask); err != nil {
			return err
		}
	}
	task.State = runtime.TaskCancelled
	if err := engine.persistence.SaveTask(ctx, task); err != nil {
		return err
	}
	return engine.recordEvent(ctx, task.StreamKey(), runtime.EventTaskCancelled, task.Key, task.ProcessInstanceKey, nil)
}

// cancelOpenTasksForToken tears down the tasks of one interrupted
// activity.
func (engine *Engine) cancelOpenTasksForToken(ctx context.Context, instance *runtime.ProcessInstance, tokenKey int64) error {
	tasks, err := engine.persistence.FindTasksByProcessInstanceKey(ctx, instance.Key)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.TokenKey == tokenKey && !task.State.IsTerminal() {
			if err := engine.cancelTaskCascade(ctx, task); err != nil {
				return err
			}
		}
	}
	return nil
}

// cancelOpenTasksForInstance tears down every open task of a cancelled
// instance, root tasks last.
func (engine *Engine) cancelOpenTasksForInstance(ctx context.Context, instance *runtime.ProcessInstance) error {
	tasks, err := engine.persistence.FindTasksByProcessInstanceKey(ctx, instance.Key)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.IsSubtask() || task.State.IsTerminal() {
			continue
		}
		if err := engine.cancelTaskCascade(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

// withTask runs fn on the task's serialization scope with a fresh read
// of the task.
func (engine *Engine) withTask(ctx context.Context, taskKey int64, fn func(ctx context.Context, task *runtime.Task) error) error {
	ctx = engine.commandContext(ctx)
	task, err := engine.FindTask(ctx, taskKey)
	if err != nil {
		return err
	}
	scopeKey, err := engine.taskScopeKey(ctx, task)
	if err != nil {
		return err
	}
	return engine.dispatcher.do(ctx, scopeKey, func(ctx context.Context) error {
		task, err := engine.FindTask(ctx, taskKey)
		if err != nil {
			return err
		}
		return fn(ctx, &task)
	})
}

// parseDueIn shifts now by an ISO-8601 duration.
func parseDueIn(isoDuration string, now time.Time) (time.Time, error) {
	d, err := duration.ParseISO8601(isoDuration)
	if err != nil {
		return time.Time{}, newEngineErrorf("invalid due date duration '%s': %s", isoDuration, err)
	}
	return d.Shift(now), nil
}

// requireRunningInstance blocks task mutations while the owning instance
// is suspended. Standalone tasks have no owning instance.
func (engine *Engine) requireRunningInstance(ctx context.Context, task runtime.Task) error {
	if task.Standalone() {
		return nil
	}
	instance, err := engine.findActiveInstance(ctx, task.ProcessInstanceKey)
	if err != nil {
		return err
	}
	if instance.State != runtime.ProcessInstanceRunning {
		return &TaskNotClaimableError{Key: task.Key, Reason: fmt.Sprintf("process instance %d is suspended", instance.Key)}
	}
	return nil
}
