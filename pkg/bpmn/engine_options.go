package bpmn

import (
	"time"

	"github.com/flowent/flowent/pkg/bpmn/exporter"
	"github.com/flowent/flowent/pkg/storage"
)

type EngineOption = func(*Engine)

func EngineWithStorage(persistence storage.Storage) EngineOption {
	return func(engine *Engine) {
		engine.persistence = persistence
	}
}

func EngineWithExporter(exporter exporter.EventExporter) EngineOption {
	return func(engine *Engine) {
		engine.pendingExporters = append(engine.pendingExporters, exporter)
	}
}

func EngineWithConnector(connector Connector) EngineOption {
	return func(engine *Engine) {
		engine.pendingConnectors = append(engine.pendingConnectors, connector)
	}
}

func EngineWithName(name string) EngineOption {
	return func(engine *Engine) {
		engine.name = name
	}
}

// EngineWithClock replaces the time source, used by tests to control
// timer due dates.
func EngineWithClock(clock func() time.Time) EngineOption {
	return func(engine *Engine) {
		engine.clock = clock
	}
}

// EngineWithTimerPollDelay sets the polling cycle of the timer manager.
func EngineWithTimerPollDelay(delay time.Duration) EngineOption {
	return func(engine *Engine) {
		engine.timerPollDelay = delay
	}
}
