package bpmn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/flowent/flowent/pkg/bpmn/model"
	"github.com/flowent/flowent/pkg/bpmn/runtime"
	"github.com/flowent/flowent/pkg/storage/inmemory"
)

// timerCatchDefinition builds start -> timer catch -> end.
func timerCatchDefinition(id string, isoDuration string) model.ProcessDefinition {
	return model.ProcessDefinition{
		Id: id,
		Nodes: []model.Node{
			{Id: "start", Kind: model.NodeStartEvent},
			{Id: "wait", Kind: model.NodeTimerCatchEvent, Duration: isoDuration},
			{Id: "end", Kind: model.NodeEndEvent},
		},
		Flows: []model.SequenceFlow{
			{Id: "f1", Source: "start", Target: "wait"},
			{Id: "f2", Source: "wait", Target: "end"},
		},
	}
}

func timerEvents(t *testing.T, processInstanceKey int64) map[runtime.EventType]int {
	t.Helper()
	events, err := engineStorage.GetEventStream(t.Context(), processInstanceKey)
	assert.NoError(t, err)
	counts := make(map[runtime.EventType]int)
	for _, event := range events {
		switch event.Type {
		case runtime.EventTimerScheduled, runtime.EventTimerFired, runtime.EventTimerExecuted, runtime.EventTimerCancelled:
			counts[event.Type]++
		}
	}
	return counts
}

func TestTimerCatchEventFiresAndContinues(t *testing.T) {
	// given a timer that is due immediately
	definition := deploy(t, timerCatchDefinition(uniqueId("delayed"), "PT0S"))

	// when
	instance, err := bpmnEngine.StartProcessInstance(t.Context(), definition.Id, nil)
	assert.NoError(t, err)

	// then: the poll loop picks the timer up and the instance completes
	assert.Eventually(t, func() bool {
		current, err := bpmnEngine.FindProcessInstance(t.Context(), instance.Key)
		return err == nil && current.State == runtime.ProcessInstanceCompleted
	}, 2*time.Second, 10*time.Millisecond)

	counts := timerEvents(t, instance.Key)
	assert.Equal(t, 1, counts[runtime.EventTimerScheduled])
	assert.Equal(t, 1, counts[runtime.EventTimerFired])
	assert.Equal(t, 1, counts[runtime.EventTimerExecuted])
	assert.Zero(t, counts[runtime.EventTimerCancelled])
}

func TestTimerIsScheduledWithItsDueDate(t *testing.T) {
	definition := deploy(t, timerCatchDefinition(uniqueId("reminder"), "PT1H"))
	instance, err := bpmnEngine.StartProcessInstance(t.Context(), definition.Id, nil)
	assert.NoError(t, err)

	timers, err := engineStorage.FindTimersByProcessInstanceKey(t.Context(), instance.Key, runtime.TimerScheduled)
	assert.NoError(t, err)
	assert.Len(t, timers, 1)
	timer := timers[0]
	assert.Equal(t, "wait", timer.ElementId)
	assert.Equal(t, time.Hour, timer.Duration)
	assert.True(t, timer.DueAt.After(timer.CreatedAt))
}

func TestCancelInstanceCancelsScheduledTimer(t *testing.T) {
	// given
	definition := deploy(t, timerCatchDefinition(uniqueId("doomed"), "PT1H"))
	instance, err := bpmnEngine.StartProcessInstance(t.Context(), definition.Id, nil)
	assert.NoError(t, err)

	// when
	assert.NoError(t, bpmnEngine.CancelProcessInstance(t.Context(), instance.Key))

	// then: the timer is cancelled and never fires
	timers, err := engineStorage.FindTimersByProcessInstanceKey(t.Context(), instance.Key, runtime.TimerCancelled)
	assert.NoError(t, err)
	assert.Len(t, timers, 1)

	counts := timerEvents(t, instance.Key)
	assert.Equal(t, 1, counts[runtime.EventTimerCancelled])
	assert.Zero(t, counts[runtime.EventTimerFired])
}

func TestSuspendCancelsTimerAndResumeRearmsIt(t *testing.T) {
	// given
	definition := deploy(t, timerCatchDefinition(uniqueId("paused"), "PT1H"))
	instance, err := bpmnEngine.StartProcessInstance(t.Context(), definition.Id, nil)
	assert.NoError(t, err)

	// when
	assert.NoError(t, bpmnEngine.SuspendProcessInstance(t.Context(), instance.Key))

	// then
	scheduled, err := engineStorage.FindTimersByProcessInstanceKey(t.Context(), instance.Key, runtime.TimerScheduled)
	assert.NoError(t, err)
	assert.Empty(t, scheduled)

	// resume schedules a fresh timer for the full duration
	assert.NoError(t, bpmnEngine.ResumeProcessInstance(t.Context(), instance.Key))
	scheduled, err = engineStorage.FindTimersByProcessInstanceKey(t.Context(), instance.Key, runtime.TimerScheduled)
	assert.NoError(t, err)
	assert.Len(t, scheduled, 1)
}

func TestTimerBoundaryInterruptsUserTask(t *testing.T) {
	// given a user task with an immediate timer boundary leading to an
	// escalation path
	definition := deploy(t, model.ProcessDefinition{
		Id: uniqueId("escalating"),
		Nodes: []model.Node{
			{Id: "start", Kind: model.NodeStartEvent},
			{Id: "approve", Kind: model.NodeUserTask},
			{Id: "end", Kind: model.NodeEndEvent},
			{Id: "escalated", Kind: model.NodeEndEvent},
		},
		Flows: []model.SequenceFlow{
			{Id: "f1", Source: "start", Target: "approve"},
			{Id: "f2", Source: "approve", Target: "end"},
			{Id: "f3", Source: "timeout", Target: "escalated"},
		},
		Boundaries: []model.BoundaryEvent{
			{Id: "timeout", AttachedTo: "approve", Kind: model.BoundaryTimer, Duration: "PT0S"},
		},
	})

	// when
	instance, err := bpmnEngine.StartProcessInstance(t.Context(), definition.Id, nil)
	assert.NoError(t, err)
	task := waitingTasks(t, instance.Key)[0]

	// then: the boundary fires, cancels the task and completes the
	// instance over the escalation path
	assert.Eventually(t, func() bool {
		current, err := bpmnEngine.FindProcessInstance(t.Context(), instance.Key)
		return err == nil && current.State == runtime.ProcessInstanceCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancelled, err := bpmnEngine.FindTask(t.Context(), task.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.TaskCancelled, cancelled.State)

	events, err := engineStorage.GetEventStream(t.Context(), instance.Key)
	assert.NoError(t, err)
	var interrupted bool
	for _, event := range events {
		if event.Type == runtime.EventActivityCompleted && event.Payload["interrupted"] == true {
			interrupted = true
			assert.Equal(t, "timeout", event.Payload["boundaryId"])
		}
	}
	assert.True(t, interrupted)
}

func TestStopWithDueTimersDoesNotPanic(t *testing.T) {
	// given a dedicated engine with immediately due timers
	localEngine := NewEngine(
		EngineWithStorage(inmemory.NewStorage()),
		EngineWithTimerPollDelay(10*time.Millisecond),
	)
	localEngine.Start()
	definition, err := localEngine.DeployProcessDefinition(t.Context(), timerCatchDefinition(uniqueId("rushed"), "PT0S"))
	assert.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := localEngine.StartProcessInstance(t.Context(), definition.Id, nil)
		assert.NoError(t, err)
	}

	// when: stopping while timers are being handed over
	localEngine.Stop()
}

func TestTimerOfSuspendedInstanceDoesNotFire(t *testing.T) {
	// given a short timer that would fire during the suspension
	definition := deploy(t, timerCatchDefinition(uniqueId("held"), "PT1S"))
	instance, err := bpmnEngine.StartProcessInstance(t.Context(), definition.Id, nil)
	assert.NoError(t, err)
	assert.NoError(t, bpmnEngine.SuspendProcessInstance(t.Context(), instance.Key))

	// then: it stays suspended, the cancelled timer never executes
	time.Sleep(1300 * time.Millisecond)
	current, err := bpmnEngine.FindProcessInstance(t.Context(), instance.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.ProcessInstanceSuspended, current.State)
	counts := timerEvents(t, instance.Key)
	assert.Zero(t, counts[runtime.EventTimerFired])
	assert.Zero(t, counts[runtime.EventTimerExecuted])
}
