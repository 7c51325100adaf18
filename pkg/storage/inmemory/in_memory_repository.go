package inmemory

import (
	"context"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/flowent/flowent/pkg/bpmn/model"
	"github.com/flowent/flowent/pkg/bpmn/runtime"
	"github.com/flowent/flowent/pkg/storage"
)

// Storage keeps all engine state in memory,
// please use NewStorage to create a new object of this type.
//
// Commands for one process instance are serialized by the engine, but
// different instances run in parallel, so every accessor takes the lock.
type Storage struct {
	mu                   sync.RWMutex
	ProcessDefinitions   map[int64]model.ProcessDefinition
	ProcessInstances     map[int64]runtime.ProcessInstance
	Tokens               map[int64]runtime.ExecutionToken
	Tasks                map[int64]runtime.Task
	MessageSubscriptions map[int64]runtime.MessageSubscription
	SignalSubscriptions  map[int64]runtime.SignalSubscription
	Timers               map[int64]runtime.Timer
	IntegrationContexts  map[int64]runtime.IntegrationContext
	Incidents            map[int64]runtime.Incident
	Events               map[int64][]runtime.RuntimeEvent
}

func NewStorage() *Storage {
	return &Storage{
		ProcessDefinitions:   make(map[int64]model.ProcessDefinition),
		ProcessInstances:     make(map[int64]runtime.ProcessInstance),
		Tokens:               make(map[int64]runtime.ExecutionToken),
		Tasks:                make(map[int64]runtime.Task),
		MessageSubscriptions: make(map[int64]runtime.MessageSubscription),
		SignalSubscriptions:  make(map[int64]runtime.SignalSubscription),
		Timers:               make(map[int64]runtime.Timer),
		IntegrationContexts:  make(map[int64]runtime.IntegrationContext),
		Incidents:            make(map[int64]runtime.Incident),
		Events:               make(map[int64][]runtime.RuntimeEvent),
	}
}

func (mem *Storage) GenerateId() int64 {
	return rand.Int63()
}

var _ storage.Storage = &Storage{}

func (mem *Storage) FindLatestProcessDefinitionById(ctx context.Context, definitionId string) (model.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var res model.ProcessDefinition
	found := false
	for _, def := range mem.ProcessDefinitions {
		if def.Id != definitionId {
			continue
		}
		if found && def.Version < res.Version {
			continue
		}
		found = true
		res = def
	}
	if !found {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessDefinitionByKey(ctx context.Context, definitionKey int64) (model.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.ProcessDefinitions[definitionKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessDefinitionsById(ctx context.Context, definitionId string) ([]model.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]model.ProcessDefinition, 0)
	for _, def := range mem.ProcessDefinitions {
		if def.Id != definitionId {
			continue
		}
		res = append(res, def)
	}
	slices.SortFunc(res, func(a, b model.ProcessDefinition) int {
		return int(a.Version - b.Version)
	})
	return res, nil
}

func (mem *Storage) FindProcessDefinitionByMessageName(ctx context.Context, messageName string) (model.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var res model.ProcessDefinition
	found := false
	for _, def := range mem.ProcessDefinitions {
		if _, ok := def.MessageStartNode(messageName); !ok {
			continue
		}
		if found && def.Version < res.Version {
			continue
		}
		found = true
		res = def
	}
	if !found {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) SaveProcessDefinition(ctx context.Context, definition model.ProcessDefinition) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.ProcessDefinitions[definition.Key] = definition
	return nil
}

func (mem *Storage) FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.ProcessInstances[processInstanceKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessInstancesByState(ctx context.Context, states ...runtime.ProcessInstanceState) ([]runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.ProcessInstance, 0)
	for _, instance := range mem.ProcessInstances {
		if slices.Contains(states, instance.State) {
			res = append(res, instance)
		}
	}
	return res, nil
}

func (mem *Storage) FindChildProcessInstances(ctx context.Context, parentKey int64) ([]runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.ProcessInstance, 0)
	for _, instance := range mem.ProcessInstances {
		if instance.ParentKey == parentKey {
			res = append(res, instance)
		}
	}
	return res, nil
}

func (mem *Storage) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.ProcessInstances[processInstance.Key] = processInstance
	return nil
}

func (mem *Storage) FindTokenByKey(ctx context.Context, tokenKey int64) (runtime.ExecutionToken, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Tokens[tokenKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) GetTokensForProcessInstance(ctx context.Context, processInstanceKey int64) ([]runtime.ExecutionToken, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.ExecutionToken, 0)
	for _, token := range mem.Tokens {
		if token.ProcessInstanceKey == processInstanceKey {
			res = append(res, token)
		}
	}
	return res, nil
}

func (mem *Storage) SaveToken(ctx context.Context, token runtime.ExecutionToken) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.Tokens[token.Key] = token
	return nil
}

func (mem *Storage) FindTaskByKey(ctx context.Context, taskKey int64) (runtime.Task, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Tasks[taskKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindTasksByProcessInstanceKey(ctx context.Context, processInstanceKey int64) ([]runtime.Task, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Task, 0)
	for _, task := range mem.Tasks {
		if task.ProcessInstanceKey == processInstanceKey {
			res = append(res, task)
		}
	}
	return res, nil
}

func (mem *Storage) FindSubtasks(ctx context.Context, parentTaskKey int64) ([]runtime.Task, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Task, 0)
	for _, task := range mem.Tasks {
		if task.ParentTaskKey == parentTaskKey {
			res = append(res, task)
		}
	}
	return res, nil
}

func (mem *Storage) SaveTask(ctx context.Context, task runtime.Task) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.Tasks[task.Key] = task
	return nil
}

func (mem *Storage) FindPendingMessageSubscription(ctx context.Context, messageName string, correlationKey string) (runtime.MessageSubscription, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	for _, sub := range mem.MessageSubscriptions {
		if sub.State == runtime.SubscriptionPending && sub.Name == messageName && sub.CorrelationKey == correlationKey {
			return sub, nil
		}
	}
	return runtime.MessageSubscription{}, storage.ErrNotFound
}

func (mem *Storage) FindMessageSubscriptionsByProcessInstanceKey(ctx context.Context, processInstanceKey int64, states ...runtime.SubscriptionState) ([]runtime.MessageSubscription, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.MessageSubscription, 0)
	for _, sub := range mem.MessageSubscriptions {
		if sub.ProcessInstanceKey != processInstanceKey {
			continue
		}
		if len(states) > 0 && !slices.Contains(states, sub.State) {
			continue
		}
		res = append(res, sub)
	}
	return res, nil
}

func (mem *Storage) SaveMessageSubscription(ctx context.Context, subscription runtime.MessageSubscription) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.MessageSubscriptions[subscription.Key] = subscription
	return nil
}

func (mem *Storage) FindSignalSubscriptionsByName(ctx context.Context, signalName string) ([]runtime.SignalSubscription, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.SignalSubscription, 0)
	for _, sub := range mem.SignalSubscriptions {
		if sub.SignalName == signalName && sub.State == runtime.SubscriptionPending {
			res = append(res, sub)
		}
	}
	return res, nil
}

func (mem *Storage) FindSignalSubscriptionsByProcessInstanceKey(ctx context.Context, processInstanceKey int64, states ...runtime.SubscriptionState) ([]runtime.SignalSubscription, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.SignalSubscription, 0)
	for _, sub := range mem.SignalSubscriptions {
		if sub.ProcessInstanceKey != processInstanceKey {
			continue
		}
		if len(states) > 0 && !slices.Contains(states, sub.State) {
			continue
		}
		res = append(res, sub)
	}
	return res, nil
}

func (mem *Storage) SaveSignalSubscription(ctx context.Context, subscription runtime.SignalSubscription) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.SignalSubscriptions[subscription.Key] = subscription
	return nil
}

func (mem *Storage) FindTimerByKey(ctx context.Context, timerKey int64) (runtime.Timer, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Timers[timerKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindTimersDueBefore(ctx context.Context, end time.Time) ([]runtime.Timer, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Timer, 0)
	for _, timer := range mem.Timers {
		if timer.State == runtime.TimerScheduled && timer.DueAt.Before(end) {
			res = append(res, timer)
		}
	}
	return res, nil
}

func (mem *Storage) FindTimersByProcessInstanceKey(ctx context.Context, processInstanceKey int64, states ...runtime.TimerState) ([]runtime.Timer, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Timer, 0)
	for _, timer := range mem.Timers {
		if timer.ProcessInstanceKey != processInstanceKey {
			continue
		}
		if len(states) > 0 && !slices.Contains(states, timer.State) {
			continue
		}
		res = append(res, timer)
	}
	return res, nil
}

func (mem *Storage) SaveTimer(ctx context.Context, timer runtime.Timer) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.Timers[timer.Key] = timer
	return nil
}

func (mem *Storage) FindIntegrationContextByKey(ctx context.Context, integrationContextKey int64) (runtime.IntegrationContext, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.IntegrationContexts[integrationContextKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindIntegrationContextsByProcessInstanceKey(ctx context.Context, processInstanceKey int64) ([]runtime.IntegrationContext, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.IntegrationContext, 0)
	for _, ic := range mem.IntegrationContexts {
		if ic.ProcessInstanceKey == processInstanceKey {
			res = append(res, ic)
		}
	}
	return res, nil
}

func (mem *Storage) SaveIntegrationContext(ctx context.Context, integrationContext runtime.IntegrationContext) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.IntegrationContexts[integrationContext.Key] = integrationContext
	return nil
}

func (mem *Storage) FindIncidentsByProcessInstanceKey(ctx context.Context, processInstanceKey int64) ([]runtime.Incident, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Incident, 0)
	for _, incident := range mem.Incidents {
		if incident.ProcessInstanceKey == processInstanceKey {
			res = append(res, incident)
		}
	}
	return res, nil
}

func (mem *Storage) SaveIncident(ctx context.Context, incident runtime.Incident) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.Incidents[incident.Key] = incident
	return nil
}

func (mem *Storage) GetEventStream(ctx context.Context, streamKey int64) ([]runtime.RuntimeEvent, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	stream := mem.Events[streamKey]
	res := make([]runtime.RuntimeEvent, len(stream))
	copy(res, stream)
	slices.SortFunc(res, func(a, b runtime.RuntimeEvent) int {
		return int(a.SequenceNumber - b.SequenceNumber)
	})
	return res, nil
}

func (mem *Storage) AppendRuntimeEvent(ctx context.Context, event runtime.RuntimeEvent) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	for _, existing := range mem.Events[event.StreamKey] {
		if existing.SequenceNumber == event.SequenceNumber {
			return fmt.Errorf("duplicate sequence number %d in stream %d", event.SequenceNumber, event.StreamKey)
		}
	}
	mem.Events[event.StreamKey] = append(mem.Events[event.StreamKey], event)
	return nil
}
