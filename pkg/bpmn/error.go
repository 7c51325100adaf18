package bpmn

import "fmt"

// EngineError is the generic engine failure wrapper.
type EngineError struct {
	Msg string
}

func (e *EngineError) Error() string {
	return e.Msg
}

// newEngineErrorf uses fmt.Sprintf(format, a...) to format the message
func newEngineErrorf(format string, a ...interface{}) error {
	return &EngineError{
		Msg: fmt.Sprintf(format, a...),
	}
}

// DefinitionNotFoundError is returned when a start command references an
// unknown definition id or key.
type DefinitionNotFoundError struct {
	DefinitionId string
}

func (e *DefinitionNotFoundError) Error() string {
	return fmt.Sprintf("no process definition with id '%s' was found", e.DefinitionId)
}

// ProcessInstanceNotFoundError is returned for commands targeting an
// unknown instance, or one already removed from the active index.
type ProcessInstanceNotFoundError struct {
	Key int64
}

func (e *ProcessInstanceNotFoundError) Error() string {
	return fmt.Sprintf("no active process instance with key %d was found", e.Key)
}

// TaskNotFoundError is returned for commands targeting an unknown task.
type TaskNotFoundError struct {
	Key int64
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("no task with key %d was found", e.Key)
}

// InvalidStateTransitionError rejects a command before any mutation: the
// entity is not in a state the command may be applied to. No audit event
// is recorded for rejected commands.
type InvalidStateTransitionError struct {
	EntityType string
	Key        int64
	From       string
	To         string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition for %s %d: %s -> %s", e.EntityType, e.Key, e.From, e.To)
}

// TaskNotClaimableError rejects claim/release commands that violate the
// task state machine or its ownership rules.
type TaskNotClaimableError struct {
	Key    int64
	Reason string
}

func (e *TaskNotClaimableError) Error() string {
	return fmt.Sprintf("task %d cannot be claimed: %s", e.Key, e.Reason)
}

// TaskNotAssignableError rejects assign/complete/delete commands issued
// by a caller without the required ownership or admin scope.
type TaskNotAssignableError struct {
	Key    int64
	Reason string
}

func (e *TaskNotAssignableError) Error() string {
	return fmt.Sprintf("task %d cannot be assigned: %s", e.Key, e.Reason)
}

// SubscriptionNotFoundError is returned when a receive message finds no
// pending subscription for its (name, correlation key) pair.
type SubscriptionNotFoundError struct {
	MessageName    string
	CorrelationKey string
}

func (e *SubscriptionNotFoundError) Error() string {
	return fmt.Sprintf("no message subscription '%s' with correlation key '%s'", e.MessageName, e.CorrelationKey)
}

// DuplicateSubscriptionError rejects registering a second pending
// subscription for the same (name, correlation key) pair. The message
// text is part of the external contract.
type DuplicateSubscriptionError struct {
	MessageName    string
	CorrelationKey string
}

func (e *DuplicateSubscriptionError) Error() string {
	return fmt.Sprintf("Duplicate message subscription '%s' with correlation key '%s'", e.MessageName, e.CorrelationKey)
}

// DuplicateStartMessageError rejects a start message that reuses an
// active correlation key. Kept distinct from DuplicateSubscriptionError:
// the source system reports this case with internal-error severity.
type DuplicateStartMessageError struct {
	MessageName    string
	CorrelationKey string
}

func (e *DuplicateStartMessageError) Error() string {
	return fmt.Sprintf("start message '%s' reuses active correlation key '%s'", e.MessageName, e.CorrelationKey)
}
