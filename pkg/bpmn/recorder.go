package bpmn

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/flowent/flowent/internal/appcontext"
	"github.com/flowent/flowent/pkg/bpmn/exporter"
	"github.com/flowent/flowent/pkg/bpmn/runtime"
	"github.com/flowent/flowent/pkg/storage"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/mohae/deepcopy"
)

// EventRecorder appends immutable audit events. Per stream it hands out
// gapless, strictly increasing sequence numbers starting at 0; all
// events recorded while handling one inbound command share that
// command's message id. The sequence counter is the one piece of engine
// state mutated under concurrent cross-stream load, so it sits behind
// its own mutex instead of relying on per-instance serialization.
type EventRecorder struct {
	mu          sync.Mutex
	sequences   map[int64]int64 // next sequence number per stream
	persistence storage.Storage
	exporters   []exporter.EventExporter
	clock       func() time.Time
	logger      hclog.Logger
}

func newEventRecorder(persistence storage.Storage, clock func() time.Time) *EventRecorder {
	return &EventRecorder{
		sequences:   make(map[int64]int64),
		persistence: persistence,
		clock:       clock,
		logger:      hclog.Default().Named("event-recorder"),
	}
}

func (r *EventRecorder) addExporter(exp exporter.EventExporter) {
	r.exporters = append(r.exporters, exp)
}

// Append records one event on the given stream. The payload is deep
// copied so later mutations of the source maps cannot reach the log.
func (r *EventRecorder) Append(ctx context.Context, streamKey int64, eventType runtime.EventType, entityKey int64, processInstanceKey int64, payload map[string]interface{}) (runtime.RuntimeEvent, error) {
	messageId, ok := appcontext.MessageIdFromContext(ctx)
	if !ok {
		messageId = uuid.NewString()
	}

	event := runtime.RuntimeEvent{
		Key:                getGlobalSnowflakeIdGenerator().Generate().Int64(),
		StreamKey:          streamKey,
		MessageId:          messageId,
		Type:               eventType,
		EntityKey:          entityKey,
		ProcessInstanceKey: processInstanceKey,
		Timestamp:          r.clock(),
	}
	if payload != nil {
		event.Payload = deepcopy.Copy(payload).(map[string]interface{})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	sequence, err := r.nextSequenceLocked(ctx, streamKey)
	if err != nil {
		return runtime.RuntimeEvent{}, err
	}
	event.SequenceNumber = sequence
	if err := r.persistence.AppendRuntimeEvent(ctx, event); err != nil {
		return runtime.RuntimeEvent{}, newEngineErrorf("failed to append event %s to stream %d: %s", eventType, streamKey, err)
	}
	r.sequences[streamKey] = sequence + 1

	for _, exp := range r.exporters {
		exp.NewRuntimeEvent(&event)
	}
	return event, nil
}

// nextSequenceLocked recovers the counter from the persisted stream the
// first time a stream is touched after a restart.
func (r *EventRecorder) nextSequenceLocked(ctx context.Context, streamKey int64) (int64, error) {
	if next, ok := r.sequences[streamKey]; ok {
		return next, nil
	}
	events, err := r.persistence.GetEventStream(ctx, streamKey)
	if err != nil {
		return 0, newEngineErrorf("failed to read stream %d: %s", streamKey, err)
	}
	return int64(len(events)), nil
}

// StreamFor returns a lazy, restartable view of one stream ordered by
// sequence number. Every range over the result re-reads the log, so a
// consumer can restart from scratch at any time.
func (r *EventRecorder) StreamFor(ctx context.Context, streamKey int64) iter.Seq[runtime.RuntimeEvent] {
	return func(yield func(runtime.RuntimeEvent) bool) {
		events, err := r.persistence.GetEventStream(ctx, streamKey)
		if err != nil {
			r.logger.Error("failed to read event stream", "stream", streamKey, "err", err)
			return
		}
		for _, event := range events {
			if !yield(event) {
				return
			}
		}
	}
}
