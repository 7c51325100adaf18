package bpmn

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flowent/flowent/internal/appcontext"
	"github.com/flowent/flowent/pkg/bpmn/exporter"
	"github.com/flowent/flowent/pkg/bpmn/runtime"
	"github.com/flowent/flowent/pkg/storage/inmemory"
)

func TestRecorderAssignsGaplessSequencesPerStream(t *testing.T) {
	// given two independent streams
	recorder := bpmnEngine.Recorder()
	streamA := bpmnEngine.generateKey()
	streamB := bpmnEngine.generateKey()

	// when events interleave across them
	for i := 0; i < 3; i++ {
		_, err := recorder.Append(t.Context(), streamA, runtime.EventProcessUpdated, streamA, streamA, nil)
		assert.NoError(t, err)
		_, err = recorder.Append(t.Context(), streamB, runtime.EventProcessUpdated, streamB, streamB, nil)
		assert.NoError(t, err)
	}

	// then each stream counts 0,1,2 on its own
	for _, streamKey := range []int64{streamA, streamB} {
		events, err := engineStorage.GetEventStream(t.Context(), streamKey)
		assert.NoError(t, err)
		assert.Len(t, events, 3)
		for i, event := range events {
			assert.Equal(t, int64(i), event.SequenceNumber)
		}
	}
}

func TestRecorderUsesTheCommandMessageId(t *testing.T) {
	recorder := bpmnEngine.Recorder()
	streamKey := bpmnEngine.generateKey()
	ctx := appcontext.WithMessageId(t.Context(), "command-123")

	first, err := recorder.Append(ctx, streamKey, runtime.EventProcessUpdated, streamKey, streamKey, nil)
	assert.NoError(t, err)
	second, err := recorder.Append(ctx, streamKey, runtime.EventProcessUpdated, streamKey, streamKey, nil)
	assert.NoError(t, err)

	assert.Equal(t, "command-123", first.MessageId)
	assert.Equal(t, "command-123", second.MessageId)

	// without a command context every append gets a fresh id
	loose, err := recorder.Append(t.Context(), streamKey, runtime.EventProcessUpdated, streamKey, streamKey, nil)
	assert.NoError(t, err)
	assert.NotEmpty(t, loose.MessageId)
	assert.NotEqual(t, "command-123", loose.MessageId)
}

func TestRecorderDeepCopiesThePayload(t *testing.T) {
	recorder := bpmnEngine.Recorder()
	streamKey := bpmnEngine.generateKey()
	payload := map[string]interface{}{"state": "before"}

	event, err := recorder.Append(t.Context(), streamKey, runtime.EventProcessUpdated, streamKey, streamKey, payload)
	assert.NoError(t, err)

	// mutating the source map after the append must not reach the log
	payload["state"] = "after"
	assert.Equal(t, "before", event.Payload["state"])
	persisted, err := engineStorage.GetEventStream(t.Context(), streamKey)
	assert.NoError(t, err)
	assert.Equal(t, "before", persisted[0].Payload["state"])
}

func TestStreamForIsRestartable(t *testing.T) {
	// given a stream with three events
	recorder := bpmnEngine.Recorder()
	streamKey := bpmnEngine.generateKey()
	for i := 0; i < 3; i++ {
		_, err := recorder.Append(t.Context(), streamKey, runtime.EventProcessUpdated, streamKey, streamKey, nil)
		assert.NoError(t, err)
	}

	stream := recorder.StreamFor(t.Context(), streamKey)

	// when: a consumer breaks off after the first event
	var firstPass []int64
	for event := range stream {
		firstPass = append(firstPass, event.SequenceNumber)
		break
	}
	assert.Equal(t, []int64{0}, firstPass)

	// then: ranging again starts over and sees everything, including an
	// event appended in between
	_, err := recorder.Append(t.Context(), streamKey, runtime.EventProcessUpdated, streamKey, streamKey, nil)
	assert.NoError(t, err)
	var secondPass []int64
	for event := range stream {
		secondPass = append(secondPass, event.SequenceNumber)
	}
	assert.Equal(t, []int64{0, 1, 2, 3}, secondPass)
}

func TestExportersReceiveAppendedEvents(t *testing.T) {
	// given
	recording := &exporter.RecordingExporter{}
	bpmnEngine.AddEventExporter(recording)
	streamKey := bpmnEngine.generateKey()

	// when
	event, err := bpmnEngine.Recorder().Append(t.Context(), streamKey, runtime.EventProcessUpdated, streamKey, streamKey, nil)
	assert.NoError(t, err)

	// then
	exported := recording.EventsOfStream(streamKey)
	assert.Len(t, exported, 1)
	assert.Equal(t, event.Key, exported[0].Key)
	assert.Equal(t, int64(0), exported[0].SequenceNumber)
}

// failingEventStorage rejects appends on demand while every other
// storage operation keeps working.
type failingEventStorage struct {
	*inmemory.Storage
	failAppends atomic.Bool
}

func (s *failingEventStorage) AppendRuntimeEvent(ctx context.Context, event runtime.RuntimeEvent) error {
	if s.failAppends.Load() {
		return errors.New("event log unavailable")
	}
	return s.Storage.AppendRuntimeEvent(ctx, event)
}

func TestFailedEventAppendFailsTheCommand(t *testing.T) {
	// given a running instance whose event log stops accepting writes
	flaky := &failingEventStorage{Storage: inmemory.NewStorage()}
	localEngine := NewEngine(EngineWithStorage(flaky))
	definition, err := localEngine.DeployProcessDefinition(t.Context(), userTaskDefinition(uniqueId("audited")))
	assert.NoError(t, err)
	instance, err := localEngine.StartProcessInstance(t.Context(), definition.Id, nil)
	assert.NoError(t, err)
	flaky.failAppends.Store(true)

	// then: the unrecorded command reports the failure to its caller
	err = localEngine.RenameProcessInstance(t.Context(), instance.Key, "renamed")
	assert.ErrorContains(t, err, "event log unavailable")
}

func TestStorageRejectsDuplicateSequenceNumbers(t *testing.T) {
	streamKey := bpmnEngine.generateKey()
	event := runtime.RuntimeEvent{
		Key:            bpmnEngine.generateKey(),
		StreamKey:      streamKey,
		SequenceNumber: 0,
		Type:           runtime.EventProcessUpdated,
	}
	assert.NoError(t, engineStorage.AppendRuntimeEvent(t.Context(), event))

	event.Key = bpmnEngine.generateKey()
	err := engineStorage.AppendRuntimeEvent(t.Context(), event)
	assert.Error(t, err)
}
