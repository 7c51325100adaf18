package bpmn

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/flowent/flowent/pkg/bpmn/runtime"
	otelPkg "github.com/flowent/flowent/pkg/otel"
	"github.com/flowent/flowent/pkg/storage"
)

// StartProcessByMessage starts a new instance of the definition carrying
// a message start event for messageName. While an instance started this
// way is still live, a second start message reusing its correlation key
// is rejected with DuplicateStartMessageError.
func (engine *Engine) StartProcessByMessage(ctx context.Context, messageName string, correlationKey string, variables map[string]interface{}) (runtime.ProcessInstance, error) {
	ctx = engine.commandContext(ctx)
	definition, err := engine.persistence.FindProcessDefinitionByMessageName(ctx, messageName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return runtime.ProcessInstance{}, newEngineErrorf("no process definition with a start event for message '%s' was found", messageName)
		}
		return runtime.ProcessInstance{}, err
	}

	// the duplicate check and the spawn must be atomic, otherwise two
	// concurrent starts on the same correlation key both pass the scan
	engine.messageStartMu.Lock()
	defer engine.messageStartMu.Unlock()

	live, err := engine.persistence.FindProcessInstancesByState(ctx,
		runtime.ProcessInstanceCreated, runtime.ProcessInstanceRunning, runtime.ProcessInstanceSuspended)
	if err != nil {
		return runtime.ProcessInstance{}, err
	}
	for _, existing := range live {
		if existing.StartedByMessage == messageName && existing.CorrelationKey == correlationKey {
			return runtime.ProcessInstance{}, &DuplicateStartMessageError{MessageName: messageName, CorrelationKey: correlationKey}
		}
	}

	ctx, span := engine.startSpan(ctx, "start-process-by-message",
		attribute.String(otelPkg.AttributeMessageName, messageName),
		attribute.String(otelPkg.AttributeProcessId, definition.Id),
	)
	defer span.End()

	spawn := instanceSpawn{
		definition:       definition,
		variables:        variables,
		startedByMessage: messageName,
		correlationKey:   correlationKey,
	}
	return engine.spawnInstance(ctx, spawn)
}

// CorrelateMessage delivers a message to the single pending subscription
// matching (messageName, correlationKey): the message payload is applied
// to the instance scope, the subscription is consumed and the waiting
// token continues. Without a pending subscription the command fails with
// SubscriptionNotFoundError and nothing mutates.
func (engine *Engine) CorrelateMessage(ctx context.Context, messageName string, correlationKey string, variables map[string]interface{}) error {
	ctx = engine.commandContext(ctx)
	subscription, err := engine.correlations.Resolve(ctx, messageName, correlationKey)
	if err != nil {
		return err
	}

	ctx, span := engine.startSpan(ctx, "correlate-message",
		attribute.String(otelPkg.AttributeMessageName, messageName),
		attribute.Int64(otelPkg.AttributeProcessInstanceKey, subscription.ProcessInstanceKey),
	)
	defer span.End()

	return engine.dispatcher.do(ctx, subscription.ProcessInstanceKey, func(ctx context.Context) error {
		// resolve again inside the worker: another command may have
		// consumed or released the subscription in the meantime
		subscription, err := engine.correlations.Resolve(ctx, messageName, correlationKey)
		if err != nil {
			return err
		}
		instance, err := engine.findActiveInstance(ctx, subscription.ProcessInstanceKey)
		if err != nil {
			return err
		}
		if instance.State != runtime.ProcessInstanceRunning {
			return &InvalidStateTransitionError{EntityType: "process instance", Key: instance.Key, From: string(instance.State), To: string(runtime.ProcessInstanceRunning)}
		}
		if err := engine.applyVariables(ctx, &instance.VariableHolder, instance.Key, instance.Key, instance.Key, variables); err != nil {
			return err
		}
		if err := engine.correlations.consume(ctx, subscription); err != nil {
			return err
		}
		if err := engine.recordEvent(ctx, instance.Key, runtime.EventMessageReceived, subscription.Key, instance.Key, map[string]interface{}{
			"messageName":    messageName,
			"correlationKey": correlationKey,
			"elementId":      subscription.ElementId,
		}); err != nil {
			return err
		}
		if err := engine.persistence.SaveProcessInstance(ctx, instance); err != nil {
			return err
		}

		token, err := engine.persistence.FindTokenByKey(ctx, subscription.TokenKey)
		if err != nil {
			return err
		}
		if token.State != runtime.TokenWaiting {
			return nil
		}
		return engine.continueToken(ctx, &instance, token)
	})
}

// BroadcastSignal delivers a signal to every pending listener on the
// signal name. Each listening instance advances independently on its own
// worker; a signal nobody listens on is a no-op, not an error.
func (engine *Engine) BroadcastSignal(ctx context.Context, signalName string, variables map[string]interface{}) error {
	ctx = engine.commandContext(ctx)
	listeners, err := engine.persistence.FindSignalSubscriptionsByName(ctx, signalName)
	if err != nil {
		return err
	}

	ctx, span := engine.startSpan(ctx, "broadcast-signal",
		attribute.String(otelPkg.AttributeSignalName, signalName),
	)
	defer span.End()

	for _, listener := range listeners {
		subscriptionKey := listener.Key
		engine.dispatcher.enqueue(ctx, listener.ProcessInstanceKey, func(ctx context.Context) error {
			return engine.deliverSignal(ctx, subscriptionKey, signalName, variables)
		})
	}
	return nil
}

func (engine *Engine) deliverSignal(ctx context.Context, subscriptionKey int64, signalName string, variables map[string]interface{}) error {
	subscriptions, err := engine.persistence.FindSignalSubscriptionsByName(ctx, signalName)
	if err != nil {
		return err
	}
	var subscription runtime.SignalSubscription
	found := false
	for _, s := range subscriptions {
		if s.Key == subscriptionKey {
			subscription = s
			found = true
			break
		}
	}
	if !found {
		// consumed or released since the broadcast fanned out
		return nil
	}

	instance, err := engine.FindProcessInstance(ctx, subscription.ProcessInstanceKey)
	if err != nil {
		return err
	}
	if instance.State != runtime.ProcessInstanceRunning {
		return nil
	}
	token, err := engine.persistence.FindTokenByKey(ctx, subscription.TokenKey)
	if err != nil {
		return err
	}
	if token.State != runtime.TokenWaiting {
		return nil
	}

	if err := engine.applyVariables(ctx, &instance.VariableHolder, instance.Key, instance.Key, instance.Key, variables); err != nil {
		return err
	}
	if err := engine.correlations.consumeSignal(ctx, subscription); err != nil {
		return err
	}
	if err := engine.recordEvent(ctx, instance.Key, runtime.EventSignalReceived, subscription.Key, instance.Key, map[string]interface{}{
		"signalName": signalName,
		"elementId":  subscription.ElementId,
	}); err != nil {
		return err
	}
	if err := engine.persistence.SaveProcessInstance(ctx, instance); err != nil {
		return err
	}

	if subscription.BoundaryOf != "" {
		return engine.interruptToken(ctx, &instance, token, subscription.ElementId)
	}
	return engine.continueToken(ctx, &instance, token)
}
