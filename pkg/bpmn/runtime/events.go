package runtime

import (
	"time"
)

// EventType names are the wire contract toward the query projector and
// must not change without a version bump.
type EventType string

const (
	EventProcessCreated   EventType = "PROCESS_CREATED"
	EventProcessStarted   EventType = "PROCESS_STARTED"
	EventProcessSuspended EventType = "PROCESS_SUSPENDED"
	EventProcessResumed   EventType = "PROCESS_RESUMED"
	EventProcessCompleted EventType = "PROCESS_COMPLETED"
	EventProcessCancelled EventType = "PROCESS_CANCELLED"
	EventProcessUpdated   EventType = "PROCESS_UPDATED"

	EventActivityStarted   EventType = "ACTIVITY_STARTED"
	EventActivityCompleted EventType = "ACTIVITY_COMPLETED"
	EventSequenceFlowTaken EventType = "SEQUENCE_FLOW_TAKEN"

	EventTaskCreated   EventType = "TASK_CREATED"
	EventTaskAssigned  EventType = "TASK_ASSIGNED"
	EventTaskReleased  EventType = "TASK_RELEASED"
	EventTaskUpdated   EventType = "TASK_UPDATED"
	EventTaskCompleted EventType = "TASK_COMPLETED"
	EventTaskCancelled EventType = "TASK_CANCELLED"

	EventVariableCreated EventType = "VARIABLE_CREATED"
	EventVariableUpdated EventType = "VARIABLE_UPDATED"
	EventVariableDeleted EventType = "VARIABLE_DELETED"

	EventMessageSubscriptionCreated   EventType = "MESSAGE_SUBSCRIPTION_CREATED"
	EventMessageSubscriptionCancelled EventType = "MESSAGE_SUBSCRIPTION_CANCELLED"
	EventMessageReceived              EventType = "MESSAGE_RECEIVED"
	EventSignalReceived               EventType = "SIGNAL_RECEIVED"

	EventTimerScheduled EventType = "TIMER_SCHEDULED"
	EventTimerFired     EventType = "TIMER_FIRED"
	EventTimerExecuted  EventType = "TIMER_EXECUTED"
	EventTimerCancelled EventType = "TIMER_CANCELLED"

	EventIntegrationRequested      EventType = "INTEGRATION_REQUESTED"
	EventIntegrationResultReceived EventType = "INTEGRATION_RESULT_RECEIVED"
	EventIntegrationErrorReceived  EventType = "INTEGRATION_ERROR_RECEIVED"
	EventErrorReceived             EventType = "ERROR_RECEIVED"
	EventIncidentCreated           EventType = "INCIDENT_CREATED"
)

// RuntimeEvent is one immutable entry of the audit trail. SequenceNumber
// is strictly increasing and gapless per stream, starting at 0. All
// events produced while handling one inbound command share one MessageId.
type RuntimeEvent struct {
	Key                int64
	StreamKey          int64
	SequenceNumber     int64
	MessageId          string
	Type               EventType
	EntityKey          int64
	ProcessInstanceKey int64
	Timestamp          time.Time
	Payload            map[string]interface{}
}
