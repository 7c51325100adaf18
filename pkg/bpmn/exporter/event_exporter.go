// Package exporter is the boundary toward read-model projectors: every
// audit event the engine records is handed to the registered exporters
// in stream order, exactly once per recorded event.
package exporter

import (
	"github.com/flowent/flowent/pkg/bpmn/runtime"
)

// EventExporter receives runtime events after they have been persisted.
// Implementations must not block for long; they run on the worker that
// handled the originating command.
type EventExporter interface {
	NewRuntimeEvent(event *runtime.RuntimeEvent)
}

// RecordingExporter collects events in memory. Used in tests and as a
// trivial projector feed.
type RecordingExporter struct {
	Events []runtime.RuntimeEvent
}

func (r *RecordingExporter) NewRuntimeEvent(event *runtime.RuntimeEvent) {
	r.Events = append(r.Events, *event)
}

// EventsOfStream filters the recorded events down to one stream,
// preserving order.
func (r *RecordingExporter) EventsOfStream(streamKey int64) []runtime.RuntimeEvent {
	events := make([]runtime.RuntimeEvent, 0, len(r.Events))
	for _, e := range r.Events {
		if e.StreamKey == streamKey {
			events = append(events, e)
		}
	}
	return events
}
