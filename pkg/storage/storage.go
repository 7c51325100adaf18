package storage

import (
	"context"
	"errors"
	"time"

	"github.com/flowent/flowent/pkg/bpmn/model"
	"github.com/flowent/flowent/pkg/bpmn/runtime"
)

var ErrNotFound = errors.New("not found")

// Storage is the complete persistence surface the engine runs against.
type Storage interface {
	ProcessDefinitionStorageReader
	ProcessDefinitionStorageWriter
	ProcessInstanceStorageReader
	ProcessInstanceStorageWriter
	TokenStorageReader
	TokenStorageWriter
	TaskStorageReader
	TaskStorageWriter
	MessageSubscriptionStorageReader
	MessageSubscriptionStorageWriter
	SignalSubscriptionStorageReader
	SignalSubscriptionStorageWriter
	TimerStorageReader
	TimerStorageWriter
	IntegrationContextStorageReader
	IntegrationContextStorageWriter
	IncidentStorageReader
	IncidentStorageWriter
	RuntimeEventStorageReader
	RuntimeEventStorageWriter
}

type ProcessDefinitionStorageReader interface {
	// FindLatestProcessDefinitionById returns the largest version
	// registered under the given definition id.
	FindLatestProcessDefinitionById(ctx context.Context, definitionId string) (model.ProcessDefinition, error)

	FindProcessDefinitionByKey(ctx context.Context, definitionKey int64) (model.ProcessDefinition, error)

	// FindProcessDefinitionsById returns all versions registered under
	// the given definition id, ordered by version ascending.
	FindProcessDefinitionsById(ctx context.Context, definitionId string) ([]model.ProcessDefinition, error)

	// FindProcessDefinitionByMessageName returns the latest definition
	// version carrying a message start event for the given message name.
	FindProcessDefinitionByMessageName(ctx context.Context, messageName string) (model.ProcessDefinition, error)
}

type ProcessDefinitionStorageWriter interface {
	SaveProcessDefinition(ctx context.Context, definition model.ProcessDefinition) error
}

type ProcessInstanceStorageReader interface {
	FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error)

	// FindProcessInstancesByState returns all instances currently in
	// one of the given states.
	FindProcessInstancesByState(ctx context.Context, states ...runtime.ProcessInstanceState) ([]runtime.ProcessInstance, error)

	// FindChildProcessInstances returns the sub-process instances of a
	// parent instance.
	FindChildProcessInstances(ctx context.Context, parentKey int64) ([]runtime.ProcessInstance, error)
}

type ProcessInstanceStorageWriter interface {
	SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error
}

type TokenStorageReader interface {
	FindTokenByKey(ctx context.Context, tokenKey int64) (runtime.ExecutionToken, error)
	GetTokensForProcessInstance(ctx context.Context, processInstanceKey int64) ([]runtime.ExecutionToken, error)
}

type TokenStorageWriter interface {
	SaveToken(ctx context.Context, token runtime.ExecutionToken) error
}

type TaskStorageReader interface {
	FindTaskByKey(ctx context.Context, taskKey int64) (runtime.Task, error)
	FindTasksByProcessInstanceKey(ctx context.Context, processInstanceKey int64) ([]runtime.Task, error)
	FindSubtasks(ctx context.Context, parentTaskKey int64) ([]runtime.Task, error)
}

type TaskStorageWriter interface {
	SaveTask(ctx context.Context, task runtime.Task) error
}

type MessageSubscriptionStorageReader interface {
	// FindPendingMessageSubscription returns the pending subscription
	// for (messageName, correlationKey), or ErrNotFound.
	FindPendingMessageSubscription(ctx context.Context, messageName string, correlationKey string) (runtime.MessageSubscription, error)

	FindMessageSubscriptionsByProcessInstanceKey(ctx context.Context, processInstanceKey int64, states ...runtime.SubscriptionState) ([]runtime.MessageSubscription, error)
}

type MessageSubscriptionStorageWriter interface {
	SaveMessageSubscription(ctx context.Context, subscription runtime.MessageSubscription) error
}

type SignalSubscriptionStorageReader interface {
	// FindSignalSubscriptionsByName returns all pending listeners on a
	// signal name, across all process instances.
	FindSignalSubscriptionsByName(ctx context.Context, signalName string) ([]runtime.SignalSubscription, error)

	FindSignalSubscriptionsByProcessInstanceKey(ctx context.Context, processInstanceKey int64, states ...runtime.SubscriptionState) ([]runtime.SignalSubscription, error)
}

type SignalSubscriptionStorageWriter interface {
	SaveSignalSubscription(ctx context.Context, subscription runtime.SignalSubscription) error
}

type TimerStorageReader interface {
	FindTimerByKey(ctx context.Context, timerKey int64) (runtime.Timer, error)

	// FindTimersDueBefore returns scheduled timers with DueAt before end.
	FindTimersDueBefore(ctx context.Context, end time.Time) ([]runtime.Timer, error)

	FindTimersByProcessInstanceKey(ctx context.Context, processInstanceKey int64, states ...runtime.TimerState) ([]runtime.Timer, error)
}

type TimerStorageWriter interface {
	SaveTimer(ctx context.Context, timer runtime.Timer) error
}

type IntegrationContextStorageReader interface {
	FindIntegrationContextByKey(ctx context.Context, integrationContextKey int64) (runtime.IntegrationContext, error)
	FindIntegrationContextsByProcessInstanceKey(ctx context.Context, processInstanceKey int64) ([]runtime.IntegrationContext, error)
}

type IntegrationContextStorageWriter interface {
	SaveIntegrationContext(ctx context.Context, integrationContext runtime.IntegrationContext) error
}

type IncidentStorageReader interface {
	FindIncidentsByProcessInstanceKey(ctx context.Context, processInstanceKey int64) ([]runtime.Incident, error)
}

type IncidentStorageWriter interface {
	SaveIncident(ctx context.Context, incident runtime.Incident) error
}

type RuntimeEventStorageReader interface {
	// GetEventStream returns all events of one stream ordered by
	// sequence number ascending.
	GetEventStream(ctx context.Context, streamKey int64) ([]runtime.RuntimeEvent, error)
}

type RuntimeEventStorageWriter interface {
	// AppendRuntimeEvent persists one immutable event. Implementations
	// must reject a duplicate (streamKey, sequenceNumber) pair.
	AppendRuntimeEvent(ctx context.Context, event runtime.RuntimeEvent) error
}
