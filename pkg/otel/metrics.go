package otel

import (
	"errors"

	"go.opentelemetry.io/otel/metric"
)

type EngineMetrics struct {
	ProcessesStarted      metric.Int64Counter
	ProcessesEnded        metric.Int64Counter
	ProcessesRunning      metric.Int64UpDownCounter
	TasksCreated          metric.Int64Counter
	TasksCompleted        metric.Int64Counter
	TimersFired           metric.Int64Counter
	IntegrationsRequested metric.Int64Counter
	EventsAppended        metric.Int64Counter
	IncidentsCreated      metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*EngineMetrics, error) {
	var errJoin error

	processesStarted, err := meter.Int64Counter("processes_started", metric.WithDescription("Number of process instances started"))
	errJoin = errors.Join(errJoin, err)

	processesEnded, err := meter.Int64Counter("processes_ended", metric.WithDescription("Number of process instances completed or cancelled"))
	errJoin = errors.Join(errJoin, err)

	processesRunning, err := meter.Int64UpDownCounter("processes_running", metric.WithDescription("Number of process instances currently running"))
	errJoin = errors.Join(errJoin, err)

	tasksCreated, err := meter.Int64Counter("tasks_created", metric.WithDescription("Number of tasks created"))
	errJoin = errors.Join(errJoin, err)

	tasksCompleted, err := meter.Int64Counter("tasks_completed", metric.WithDescription("Number of tasks completed"))
	errJoin = errors.Join(errJoin, err)

	timersFired, err := meter.Int64Counter("timers_fired", metric.WithDescription("Number of timers fired"))
	errJoin = errors.Join(errJoin, err)

	integrationsRequested, err := meter.Int64Counter("integrations_requested", metric.WithDescription("Number of integration requests dispatched"))
	errJoin = errors.Join(errJoin, err)

	eventsAppended, err := meter.Int64Counter("events_appended", metric.WithDescription("Number of audit events appended"))
	errJoin = errors.Join(errJoin, err)

	incidentsCreated, err := meter.Int64Counter("incidents_created", metric.WithDescription("Number of incidents created"))
	errJoin = errors.Join(errJoin, err)

	metrics := EngineMetrics{
		ProcessesStarted:      processesStarted,
		ProcessesEnded:        processesEnded,
		ProcessesRunning:      processesRunning,
		TasksCreated:          tasksCreated,
		TasksCompleted:        tasksCompleted,
		TimersFired:           timersFired,
		IntegrationsRequested: integrationsRequested,
		EventsAppended:        eventsAppended,
		IncidentsCreated:      incidentsCreated,
	}
	return &metrics, errJoin
}
