package bpmn

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/flowent/flowent/pkg/bpmn/model"
	"github.com/flowent/flowent/pkg/bpmn/runtime"
	otelPkg "github.com/flowent/flowent/pkg/otel"
	"github.com/flowent/flowent/pkg/storage"
)

// StartOption customizes a start command.
type StartOption func(*startOptions)

type startOptions struct {
	businessKey string
	name        string
}

// StartWithBusinessKey tags the instance with a caller-defined business
// identifier, e.g. an order number.
func StartWithBusinessKey(businessKey string) StartOption {
	return func(o *startOptions) {
		o.businessKey = businessKey
	}
}

// StartWithName sets a human readable instance name.
func StartWithName(name string) StartOption {
	return func(o *startOptions) {
		o.name = name
	}
}

// StartProcessInstance starts a new instance of the latest version of
// the given definition id and executes it until every token parked at a
// wait state or the instance completed.
func (engine *Engine) StartProcessInstance(ctx context.Context, definitionId string, variables map[string]interface{}, options ...StartOption) (runtime.ProcessInstance, error) {
	ctx = engine.commandContext(ctx)
	definition, err := engine.persistence.FindLatestProcessDefinitionById(ctx, definitionId)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return runtime.ProcessInstance{}, &DefinitionNotFoundError{DefinitionId: definitionId}
		}
		return runtime.ProcessInstance{}, err
	}

	opts := startOptions{}
	for _, option := range options {
		option(&opts)
	}

	ctx, span := engine.startSpan(ctx, "start-process-instance",
		attribute.String(otelPkg.AttributeProcessId, definitionId),
		attribute.Int64(otelPkg.AttributeProcessDefinitionKey, definition.Key),
	)
	defer span.End()

	spawn := instanceSpawn{
		definition: definition,
		variables:  variables,
		options:    opts,
	}
	return engine.spawnInstance(ctx, spawn)
}

// instanceSpawn carries everything needed to create and run one new
// instance inside its worker.
type instanceSpawn struct {
	definition model.ProcessDefinition
	variables  map[string]interface{}
	options    startOptions

	// set for sub-process children
	parentKey      int64
	parentTokenKey int64

	// set for message-started instances
	startedByMessage string
	correlationKey   string
}

func (engine *Engine) spawnInstance(ctx context.Context, spawn instanceSpawn) (runtime.ProcessInstance, error) {
	processInstanceKey := engine.generateKey()
	var created runtime.ProcessInstance
	err := engine.dispatcher.do(ctx, processInstanceKey, func(ctx context.Context) error {
		instance, err := engine.createAndRunInstance(ctx, processInstanceKey, spawn)
		created = instance
		return err
	})
	return created, err
}

func (engine *Engine) createAndRunInstance(ctx context.Context, processInstanceKey int64, spawn instanceSpawn) (runtime.ProcessInstance, error) {
	definition := spawn.definition

	// a rejected start must leave no trace, so the start nodes are
	// resolved before anything is recorded or persisted
	startNodes := definition.StartNodes()
	if spawn.startedByMessage != "" {
		node, found := definition.MessageStartNode(spawn.startedByMessage)
		if !found {
			return runtime.ProcessInstance{}, newEngineErrorf("definition '%s' has no start event for message '%s'", definition.Id, spawn.startedByMessage)
		}
		startNodes = []model.Node{node}
	}
	if len(startNodes) == 0 {
		return runtime.ProcessInstance{}, newEngineErrorf("definition '%s' has no start event to activate", definition.Id)
	}

	instance := runtime.ProcessInstance{
		Key:               processInstanceKey,
		DefinitionKey:     definition.Key,
		DefinitionId:      definition.Id,
		DefinitionVersion: definition.Version,
		BusinessKey:       spawn.options.businessKey,
		Name:              spawn.options.name,
		State:             runtime.ProcessInstanceCreated,
		ParentKey:         spawn.parentKey,
		ParentTokenKey:    spawn.parentTokenKey,
		StartedAt:         engine.clock(),
		VariableHolder:    runtime.NewVariableHolder(nil, nil),
		StartedByMessage:  spawn.startedByMessage,
		CorrelationKey:    spawn.correlationKey,
	}
	if err := engine.recordEvent(ctx, instance.Key, runtime.EventProcessCreated, instance.Key, instance.Key, map[string]interface{}{
		"definitionId":      definition.Id,
		"definitionVersion": definition.Version,
		"businessKey":       instance.BusinessKey,
	}); err != nil {
		return runtime.ProcessInstance{}, err
	}
	if err := engine.applyVariables(ctx, &instance.VariableHolder, instance.Key, instance.Key, instance.Key, spawn.variables); err != nil {
		return runtime.ProcessInstance{}, err
	}

	instance.State = runtime.ProcessInstanceRunning
	if err := engine.persistence.SaveProcessInstance(ctx, instance); err != nil {
		return runtime.ProcessInstance{}, err
	}
	if err := engine.recordEvent(ctx, instance.Key, runtime.EventProcessStarted, instance.Key, instance.Key, nil); err != nil {
		return runtime.ProcessInstance{}, err
	}
	if engine.metrics != nil {
		engine.metrics.ProcessesStarted.Add(ctx, 1)
		engine.metrics.ProcessesRunning.Add(ctx, 1)
	}

	for _, node := range startNodes {
		token := engine.newToken(&instance, node.Id)
		if err := engine.persistence.SaveToken(ctx, token); err != nil {
			return runtime.ProcessInstance{}, err
		}
		if err := engine.runToken(ctx, &instance, definition, token); err != nil {
			return runtime.ProcessInstance{}, err
		}
	}
	if err := engine.maybeCompleteInstance(ctx, &instance); err != nil {
		return runtime.ProcessInstance{}, err
	}
	return instance, nil
}

// SuspendProcessInstance pauses a running instance. Its pending message
// subscriptions are released and its scheduled timers cancelled; resume
// re-arms them from the waiting tokens.
func (engine *Engine) SuspendProcessInstance(ctx context.Context, processInstanceKey int64) error {
	ctx = engine.commandContext(ctx)
	return engine.dispatcher.do(ctx, processInstanceKey, func(ctx context.Context) error {
		instance, err := engine.findActiveInstance(ctx, processInstanceKey)
		if err != nil {
			return err
		}
		if instance.State != runtime.ProcessInstanceRunning {
			return &InvalidStateTransitionError{EntityType: "process instance", Key: processInstanceKey, From: string(instance.State), To: string(runtime.ProcessInstanceSuspended)}
		}
		if err := engine.correlations.releaseForInstance(ctx, processInstanceKey); err != nil {
			return err
		}
		instance.State = runtime.ProcessInstanceSuspended
		if err := engine.persistence.SaveProcessInstance(ctx, instance); err != nil {
			return err
		}
		return engine.recordEvent(ctx, processInstanceKey, runtime.EventProcessSuspended, processInstanceKey, processInstanceKey, nil)
	})
}

// ResumeProcessInstance puts a suspended instance back to running and
// re-arms the waits its tokens are parked at: fresh timers, re-created
// message subscriptions and signal listeners.
func (engine *Engine) ResumeProcessInstance(ctx context.Context, processInstanceKey int64) error {
	ctx = engine.commandContext(ctx)
	return engine.dispatcher.do(ctx, processInstanceKey, func(ctx context.Context) error {
		instance, err := engine.findActiveInstance(ctx, processInstanceKey)
		if err != nil {
			return err
		}
		if instance.State != runtime.ProcessInstanceSuspended {
			return &InvalidStateTransitionError{EntityType: "process instance", Key: processInstanceKey, From: string(instance.State), To: string(runtime.ProcessInstanceRunning)}
		}
		instance.State = runtime.ProcessInstanceRunning
		if err := engine.persistence.SaveProcessInstance(ctx, instance); err != nil {
			return err
		}
		if err := engine.recordEvent(ctx, processInstanceKey, runtime.EventProcessResumed, processInstanceKey, processInstanceKey, nil); err != nil {
			return err
		}
		return engine.rearmWaitingTokens(ctx, &instance)
	})
}

// rearmWaitingTokens re-creates the transient wait infrastructure that
// suspend tore down, one waiting token at a time.
func (engine *Engine) rearmWaitingTokens(ctx context.Context, instance *runtime.ProcessInstance) error {
	definition, err := engine.definition(ctx, instance.DefinitionKey)
	if err != nil {
		return err
	}
	tokens, err := engine.persistence.GetTokensForProcessInstance(ctx, instance.Key)
	if err != nil {
		return err
	}
	for _, token := range tokens {
		if token.State == runtime.TokenRunning {
			// a continuation deferred while the instance was suspended
			if err := engine.runToken(ctx, instance, definition, token); err != nil {
				return err
			}
			continue
		}
		if token.State != runtime.TokenWaiting {
			continue
		}
		node, found := definition.FindNode(token.ElementId)
		if !found {
			continue
		}
		switch node.Kind {
		case model.NodeTimerCatchEvent:
			if _, err := engine.correlations.ScheduleTimer(ctx, instance.Key, node.Id, token.Key, "", node.Duration); err != nil {
				return err
			}
		case model.NodeMessageCatchEvent:
			correlationKey, err := engine.resolveCorrelationKey(node, instance)
			if err != nil {
				return err
			}
			if _, err := engine.correlations.RegisterSubscription(ctx, node.MessageName, correlationKey, instance.Key, node.Id, token.Key); err != nil {
				return err
			}
		case model.NodeSignalCatchEvent:
			if _, err := engine.correlations.RegisterSignalListener(ctx, node.SignalName, instance.Key, node.Id, token.Key, ""); err != nil {
				return err
			}
		}
		if err := engine.scheduleBoundaries(ctx, instance, definition, node, token); err != nil {
			return err
		}
	}
	return engine.maybeCompleteInstance(ctx, instance)
}

// CancelProcessInstance terminates the instance: open tasks are
// cancelled (subtasks before their parents), waits are released, tokens
// are cancelled and every non-terminal child sub-process is cancelled in
// turn.
func (engine *Engine) CancelProcessInstance(ctx context.Context, processInstanceKey int64) error {
	ctx = engine.commandContext(ctx)
	return engine.dispatcher.do(ctx, processInstanceKey, func(ctx context.Context) error {
		instance, err := engine.findActiveInstance(ctx, processInstanceKey)
		if err != nil {
			return err
		}
		return engine.cancelInstance(ctx, &instance)
	})
}

func (engine *Engine) cancelInstance(ctx context.Context, instance *runtime.ProcessInstance) error {
	if err := engine.cancelOpenTasksForInstance(ctx, instance); err != nil {
		return err
	}
	if err := engine.correlations.releaseForInstance(ctx, instance.Key); err != nil {
		return err
	}

	tokens, err := engine.persistence.GetTokensForProcessInstance(ctx, instance.Key)
	if err != nil {
		return err
	}
	for _, token := range tokens {
		if token.State == runtime.TokenRunning || token.State == runtime.TokenWaiting || token.State == runtime.TokenFailed {
			token.State = runtime.TokenCancelled
			if err := engine.persistence.SaveToken(ctx, token); err != nil {
				return err
			}
		}
	}

	now := engine.clock()
	instance.State = runtime.ProcessInstanceCancelled
	instance.CompletedAt = &now
	if err := engine.persistence.SaveProcessInstance(ctx, *instance); err != nil {
		return err
	}
	if err := engine.recordEvent(ctx, instance.Key, runtime.EventProcessCancelled, instance.Key, instance.Key, map[string]interface{}{
		"definitionId": instance.DefinitionId,
	}); err != nil {
		return err
	}
	if engine.metrics != nil {
		engine.metrics.ProcessesEnded.Add(ctx, 1)
		engine.metrics.ProcessesRunning.Add(ctx, -1)
	}

	children, err := engine.persistence.FindChildProcessInstances(ctx, instance.Key)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.State.IsTerminal() {
			continue
		}
		childKey := child.Key
		engine.dispatcher.enqueue(ctx, childKey, func(ctx context.Context) error {
			child, err := engine.FindProcessInstance(ctx, childKey)
			if err != nil || child.State.IsTerminal() {
				return err
			}
			return engine.cancelInstance(ctx, &child)
		})
	}
	return nil
}

// RenameProcessInstance updates the display name of an active instance.
func (engine *Engine) RenameProcessInstance(ctx context.Context, processInstanceKey int64, name string) error {
	ctx = engine.commandContext(ctx)
	return engine.dispatcher.do(ctx, processInstanceKey, func(ctx context.Context) error {
		instance, err := engine.findActiveInstance(ctx, processInstanceKey)
		if err != nil {
			return err
		}
		instance.Name = name
		if err := engine.persistence.SaveProcessInstance(ctx, instance); err != nil {
			return err
		}
		return engine.recordEvent(ctx, processInstanceKey, runtime.EventProcessUpdated, processInstanceKey, processInstanceKey, map[string]interface{}{
			"name": name,
		})
	})
}

// pollDueTimers feeds the timer manager with scheduled timers due before
// the end of the current polling cycle.
func (engine *Engine) pollDueTimers(ctx context.Context, end time.Time) ([]runtime.Timer, error) {
	return engine.persistence.FindTimersDueBefore(ctx, end)
}

// handleDueTimer hands a due timer to the owning instance's worker. The
// timer manager's loop must not block on a busy instance, so the
// continuation is fire-and-forget.
func (engine *Engine) handleDueTimer(ctx context.Context, timer runtime.Timer) {
	ctx = engine.commandContext(context.WithoutCancel(ctx))
	engine.dispatcher.enqueue(ctx, timer.ProcessInstanceKey, func(ctx context.Context) error {
		return engine.fireTimer(ctx, timer.Key)
	})
}

func (engine *Engine) fireTimer(ctx context.Context, timerKey int64) error {
	timer, err := engine.persistence.FindTimerByKey(ctx, timerKey)
	if err != nil {
		return err
	}
	if timer.State != runtime.TimerScheduled {
		return nil
	}
	instance, err := engine.FindProcessInstance(ctx, timer.ProcessInstanceKey)
	if err != nil {
		return err
	}
	if instance.State != runtime.ProcessInstanceRunning {
		// suspension and termination cancel their timers; a timer that
		// still fired in between is dropped here
		timer.State = runtime.TimerCancelled
		return engine.persistence.SaveTimer(ctx, timer)
	}

	timer.State = runtime.TimerFired
	if err := engine.persistence.SaveTimer(ctx, timer); err != nil {
		return err
	}
	if err := engine.recordEvent(ctx, timer.ProcessInstanceKey, runtime.EventTimerFired, timer.Key, timer.ProcessInstanceKey, map[string]interface{}{
		"elementId": timer.ElementId,
	}); err != nil {
		return err
	}
	if engine.metrics != nil {
		engine.metrics.TimersFired.Add(ctx, 1)
	}

	token, err := engine.persistence.FindTokenByKey(ctx, timer.TokenKey)
	if err != nil {
		return err
	}
	if token.State != runtime.TokenWaiting {
		return nil
	}

	timer.State = runtime.TimerExecuted
	if err := engine.persistence.SaveTimer(ctx, timer); err != nil {
		return err
	}
	if err := engine.recordEvent(ctx, timer.ProcessInstanceKey, runtime.EventTimerExecuted, timer.Key, timer.ProcessInstanceKey, map[string]interface{}{
		"elementId": timer.ElementId,
	}); err != nil {
		return err
	}

	if timer.BoundaryOf != "" {
		return engine.interruptToken(ctx, &instance, token, timer.ElementId)
	}
	return engine.continueToken(ctx, &instance, token)
}
