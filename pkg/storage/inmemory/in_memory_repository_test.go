package inmemory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/flowent/flowent/pkg/bpmn/model"
	"github.com/flowent/flowent/pkg/bpmn/runtime"
	"github.com/flowent/flowent/pkg/storage"
)

func definitionV(id string, key int64, version int32) model.ProcessDefinition {
	return model.ProcessDefinition{
		Id:      id,
		Key:     key,
		Version: version,
		Nodes:   []model.Node{{Id: "start", Kind: model.NodeStartEvent}},
	}
}

func TestFindLatestProcessDefinitionPicksHighestVersion(t *testing.T) {
	mem := NewStorage()
	assert.NoError(t, mem.SaveProcessDefinition(t.Context(), definitionV("order", 1, 1)))
	assert.NoError(t, mem.SaveProcessDefinition(t.Context(), definitionV("order", 2, 2)))
	assert.NoError(t, mem.SaveProcessDefinition(t.Context(), definitionV("other", 3, 5)))

	latest, err := mem.FindLatestProcessDefinitionById(t.Context(), "order")
	assert.NoError(t, err)
	assert.Equal(t, int64(2), latest.Key)

	_, err = mem.FindLatestProcessDefinitionById(t.Context(), "unknown")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFindProcessDefinitionsByIdSortsByVersion(t *testing.T) {
	mem := NewStorage()
	assert.NoError(t, mem.SaveProcessDefinition(t.Context(), definitionV("order", 2, 2)))
	assert.NoError(t, mem.SaveProcessDefinition(t.Context(), definitionV("order", 1, 1)))

	versions, err := mem.FindProcessDefinitionsById(t.Context(), "order")
	assert.NoError(t, err)
	assert.Len(t, versions, 2)
	assert.Equal(t, int32(1), versions[0].Version)
	assert.Equal(t, int32(2), versions[1].Version)
}

func TestFindProcessDefinitionByMessageName(t *testing.T) {
	mem := NewStorage()
	withStart := definitionV("intake", 1, 1)
	withStart.Nodes = []model.Node{{Id: "start", Kind: model.NodeStartEvent, MessageName: "orderPlaced"}}
	assert.NoError(t, mem.SaveProcessDefinition(t.Context(), withStart))
	newer := withStart
	newer.Key = 2
	newer.Version = 2
	assert.NoError(t, mem.SaveProcessDefinition(t.Context(), newer))

	found, err := mem.FindProcessDefinitionByMessageName(t.Context(), "orderPlaced")
	assert.NoError(t, err)
	assert.Equal(t, int64(2), found.Key)

	_, err = mem.FindProcessDefinitionByMessageName(t.Context(), "somethingElse")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFindProcessInstancesByState(t *testing.T) {
	mem := NewStorage()
	assert.NoError(t, mem.SaveProcessInstance(t.Context(), runtime.ProcessInstance{Key: 1, State: runtime.ProcessInstanceRunning}))
	assert.NoError(t, mem.SaveProcessInstance(t.Context(), runtime.ProcessInstance{Key: 2, State: runtime.ProcessInstanceSuspended}))
	assert.NoError(t, mem.SaveProcessInstance(t.Context(), runtime.ProcessInstance{Key: 3, State: runtime.ProcessInstanceCompleted}))

	live, err := mem.FindProcessInstancesByState(t.Context(), runtime.ProcessInstanceRunning, runtime.ProcessInstanceSuspended)
	assert.NoError(t, err)
	assert.Len(t, live, 2)
}

func TestFindPendingMessageSubscriptionMatchesStateAndPair(t *testing.T) {
	mem := NewStorage()
	assert.NoError(t, mem.SaveMessageSubscription(t.Context(), runtime.MessageSubscription{
		Key: 1, Name: "paymentReceived", CorrelationKey: "order-1", State: runtime.SubscriptionConsumed,
	}))
	assert.NoError(t, mem.SaveMessageSubscription(t.Context(), runtime.MessageSubscription{
		Key: 2, Name: "paymentReceived", CorrelationKey: "order-1", State: runtime.SubscriptionPending,
	}))

	found, err := mem.FindPendingMessageSubscription(t.Context(), "paymentReceived", "order-1")
	assert.NoError(t, err)
	assert.Equal(t, int64(2), found.Key)

	_, err = mem.FindPendingMessageSubscription(t.Context(), "paymentReceived", "order-2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFindTimersDueBefore(t *testing.T) {
	mem := NewStorage()
	now := time.Now()
	assert.NoError(t, mem.SaveTimer(t.Context(), runtime.Timer{Key: 1, State: runtime.TimerScheduled, DueAt: now.Add(-time.Minute)}))
	assert.NoError(t, mem.SaveTimer(t.Context(), runtime.Timer{Key: 2, State: runtime.TimerScheduled, DueAt: now.Add(time.Hour)}))
	assert.NoError(t, mem.SaveTimer(t.Context(), runtime.Timer{Key: 3, State: runtime.TimerCancelled, DueAt: now.Add(-time.Minute)}))

	due, err := mem.FindTimersDueBefore(t.Context(), now)
	assert.NoError(t, err)
	assert.Len(t, due, 1)
	assert.Equal(t, int64(1), due[0].Key)
}

func TestGetEventStreamReturnsEventsInSequenceOrder(t *testing.T) {
	mem := NewStorage()
	for _, sequence := range []int64{2, 0, 1} {
		assert.NoError(t, mem.AppendRuntimeEvent(t.Context(), runtime.RuntimeEvent{
			Key: sequence + 100, StreamKey: 7, SequenceNumber: sequence, Type: runtime.EventProcessUpdated,
		}))
	}

	events, err := mem.GetEventStream(t.Context(), 7)
	assert.NoError(t, err)
	assert.Len(t, events, 3)
	for i, event := range events {
		assert.Equal(t, int64(i), event.SequenceNumber)
	}
}

func TestAppendRuntimeEventRejectsDuplicateSequence(t *testing.T) {
	mem := NewStorage()
	event := runtime.RuntimeEvent{Key: 1, StreamKey: 7, SequenceNumber: 0, Type: runtime.EventProcessUpdated}
	assert.NoError(t, mem.AppendRuntimeEvent(t.Context(), event))

	event.Key = 2
	err := mem.AppendRuntimeEvent(t.Context(), event)
	assert.ErrorContains(t, err, "duplicate sequence number")

	// the same sequence number on another stream is fine
	event.StreamKey = 8
	assert.NoError(t, mem.AppendRuntimeEvent(t.Context(), event))
}

func TestFindIncidentsByProcessInstanceKey(t *testing.T) {
	mem := NewStorage()
	assert.NoError(t, mem.SaveIncident(t.Context(), runtime.Incident{Key: 1, ProcessInstanceKey: 10}))
	assert.NoError(t, mem.SaveIncident(t.Context(), runtime.Incident{Key: 2, ProcessInstanceKey: 11}))

	incidents, err := mem.FindIncidentsByProcessInstanceKey(t.Context(), 10)
	assert.NoError(t, err)
	assert.Len(t, incidents, 1)
	assert.Equal(t, int64(1), incidents[0].Key)
}
