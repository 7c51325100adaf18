package runtime

import (
	"time"
)

// ProcessInstanceState is the lifecycle state of a process instance.
//
//	CREATED ──> RUNNING <──> SUSPENDED
//	               │
//	               ├──> COMPLETED (terminal)
//	               └──> CANCELLED (terminal)
type ProcessInstanceState string

const (
	ProcessInstanceCreated   ProcessInstanceState = "CREATED"
	ProcessInstanceRunning   ProcessInstanceState = "RUNNING"
	ProcessInstanceSuspended ProcessInstanceState = "SUSPENDED"
	ProcessInstanceCompleted ProcessInstanceState = "COMPLETED"
	ProcessInstanceCancelled ProcessInstanceState = "CANCELLED"
)

// IsTerminal reports whether no further transitions are possible.
func (s ProcessInstanceState) IsTerminal() bool {
	return s == ProcessInstanceCompleted || s == ProcessInstanceCancelled
}

type ProcessInstance struct {
	Key               int64
	DefinitionKey     int64
	DefinitionId      string
	DefinitionVersion int32
	BusinessKey       string
	Name              string
	State             ProcessInstanceState
	ParentKey         int64 // 0 for root instances
	ParentTokenKey    int64 // token in the parent waiting for this sub-process
	StartedAt         time.Time
	CompletedAt       *time.Time
	VariableHolder    VariableHolder

	// set when the instance was started by a message; used to reject
	// duplicate start messages while the instance is still live
	StartedByMessage string
	CorrelationKey   string
}

func (pi *ProcessInstance) GetInstanceKey() int64 {
	return pi.Key
}

// GetVariable reads from the instance's variable scope, nil if absent.
func (pi *ProcessInstance) GetVariable(name string) interface{} {
	v, ok := pi.VariableHolder.GetVariable(name)
	if !ok {
		return nil
	}
	return v.Value
}

// TokenState tracks where a single thread of execution within a process
// instance currently is.
type TokenState string

const (
	TokenRunning   TokenState = "RUNNING"
	TokenWaiting   TokenState = "WAITING"
	TokenCompleted TokenState = "COMPLETED"
	TokenCancelled TokenState = "CANCELLED"

	// TokenFailed marks a branch stopped by an incident. A failed token
	// keeps its instance from auto-completing.
	TokenFailed TokenState = "FAILED"
)

// ExecutionToken marks the position of one execution path inside a process
// instance. A token in TokenWaiting state sits at a wait-state node (user
// task, service task, catch event, sub-process) until an inbound command
// continues it.
type ExecutionToken struct {
	Key                int64
	ProcessInstanceKey int64
	ElementId          string
	State              TokenState
	CreatedAt          time.Time
}

// TaskState is the lifecycle state of a human task.
//
//	CREATED ──> ASSIGNED ──> COMPLETED (terminal)
//	   │            │
//	   └────────────┴──────> CANCELLED (terminal)
//
// release moves ASSIGNED back to CREATED.
type TaskState string

const (
	TaskCreated   TaskState = "CREATED"
	TaskAssigned  TaskState = "ASSIGNED"
	TaskCompleted TaskState = "COMPLETED"
	TaskCancelled TaskState = "CANCELLED"
)

func (s TaskState) IsTerminal() bool {
	return s == TaskCompleted || s == TaskCancelled
}

type Task struct {
	Key                int64
	ElementId          string // empty for standalone tasks
	TokenKey           int64  // waiting token for process-bound tasks, 0 otherwise
	Name               string
	Description        string
	State              TaskState
	Assignee           string
	Owner              string
	ParentTaskKey      int64 // 0 for root tasks
	ProcessInstanceKey int64 // 0 for standalone tasks
	RootTaskKey        int64 // root of a standalone task tree, 0 for process-bound tasks
	FormKey            string
	Priority           int32
	DueDate            *time.Time
	CreatedAt          time.Time
	ClaimedAt          *time.Time
	CompletedAt        *time.Time

	// task-local variable scope; reads fall through to the owning
	// instance scope at evaluation time
	Variables map[string]Variable
}

// Standalone reports whether the task exists outside any process instance.
func (t Task) Standalone() bool {
	return t.ProcessInstanceKey == 0
}

func (t Task) IsSubtask() bool {
	return t.ParentTaskKey != 0
}

// Duration is completedAt-createdAt, zero while the task is still open.
func (t Task) Duration() time.Duration {
	if t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(t.CreatedAt)
}

// StreamKey identifies the audit stream the task's events belong to:
// the owning process instance, or the root task of a standalone tree.
func (t Task) StreamKey() int64 {
	if t.ProcessInstanceKey != 0 {
		return t.ProcessInstanceKey
	}
	if t.RootTaskKey != 0 {
		return t.RootTaskKey
	}
	return t.Key
}

// Caller identifies who issued a task command. Admin bypasses the
// assignee ownership check on complete/delete.
type Caller struct {
	UserId string
	Admin  bool
}

type SubscriptionState string

const (
	SubscriptionPending  SubscriptionState = "PENDING"
	SubscriptionConsumed SubscriptionState = "CONSUMED"
	SubscriptionReleased SubscriptionState = "RELEASED"
)

// MessageSubscription is created when a process instance reaches a
// message catch point. While pending, (Name, CorrelationKey) is unique
// across the engine.
type MessageSubscription struct {
	Key                int64
	Name               string
	CorrelationKey     string
	ProcessInstanceKey int64
	ElementId          string
	TokenKey           int64
	State              SubscriptionState
	CreatedAt          time.Time
}

// SignalSubscription is a broadcast listener: many instances may listen
// on the same signal name and each advances independently.
type SignalSubscription struct {
	Key                int64
	SignalName         string
	ProcessInstanceKey int64
	ElementId          string
	TokenKey           int64
	BoundaryOf         string // element id the listener is attached to, empty for intermediate catches
	State              SubscriptionState
	CreatedAt          time.Time
}

type TimerState string

const (
	TimerScheduled TimerState = "SCHEDULED"
	TimerFired     TimerState = "FIRED"
	TimerExecuted  TimerState = "EXECUTED"
	TimerCancelled TimerState = "CANCELLED"
)

// Timer goes through exactly one SCHEDULED -> FIRED -> EXECUTED sequence
// unless the owning scope ends first, in which case it is CANCELLED.
type Timer struct {
	Key                int64
	ProcessInstanceKey int64
	ElementId          string
	TokenKey           int64
	BoundaryOf         string // activity the timer is attached to, empty for intermediate catches
	State              TimerState
	CreatedAt          time.Time
	DueAt              time.Time
	Duration           time.Duration
}

type IntegrationState string

const (
	IntegrationRequested      IntegrationState = "INTEGRATION_REQUESTED"
	IntegrationResultReceived IntegrationState = "INTEGRATION_RESULT_RECEIVED"
	IntegrationErrorReceived  IntegrationState = "INTEGRATION_ERROR_RECEIVED"
)

// IntegrationContext records one outbound call from a service task to an
// external connector. It is closed by exactly one result or error.
type IntegrationContext struct {
	Key                int64
	ElementId          string
	TokenKey           int64
	ProcessInstanceKey int64
	ClientType         string
	State              IntegrationState
	CreatedAt          time.Time
	ClosedAt           *time.Time
}

// Incident marks a failed execution branch that had no error boundary to
// route the failure through.
type Incident struct {
	Key                int64
	ProcessInstanceKey int64
	ElementId          string
	TokenKey           int64
	ErrorClassName     string
	Message            string
	CreatedAt          time.Time
}
