package bpmn

import (
	"context"
	"errors"

	"github.com/senseyeio/duration"

	"github.com/flowent/flowent/pkg/bpmn/runtime"
	"github.com/flowent/flowent/pkg/storage"
)

// CorrelationRegistry tracks pending message subscriptions, active
// timers and signal listeners, and resolves inbound messages and signals
// to the process instances waiting on them. All mutations run on the
// owning instance's serialized worker, so the registry itself holds no
// locks beyond what storage provides.
type CorrelationRegistry struct {
	engine *Engine
}

func newCorrelationRegistry(engine *Engine) *CorrelationRegistry {
	return &CorrelationRegistry{engine: engine}
}

// RegisterSubscription creates a pending message subscription. A second
// pending subscription for the same (messageName, correlationKey) pair
// is rejected with DuplicateSubscriptionError before anything mutates.
func (registry *CorrelationRegistry) RegisterSubscription(ctx context.Context, messageName string, correlationKey string, processInstanceKey int64, elementId string, tokenKey int64) (runtime.MessageSubscription, error) {
	engine := registry.engine
	_, err := engine.persistence.FindPendingMessageSubscription(ctx, messageName, correlationKey)
	if err == nil {
		return runtime.MessageSubscription{}, &DuplicateSubscriptionError{MessageName: messageName, CorrelationKey: correlationKey}
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return runtime.MessageSubscription{}, err
	}

	subscription := runtime.MessageSubscription{
		Key:                engine.generateKey(),
		Name:               messageName,
		CorrelationKey:     correlationKey,
		ProcessInstanceKey: processInstanceKey,
		ElementId:          elementId,
		TokenKey:           tokenKey,
		State:              runtime.SubscriptionPending,
		CreatedAt:          engine.clock(),
	}
	if err := engine.persistence.SaveMessageSubscription(ctx, subscription); err != nil {
		return runtime.MessageSubscription{}, err
	}
	if err := engine.recordEvent(ctx, processInstanceKey, runtime.EventMessageSubscriptionCreated, subscription.Key, processInstanceKey, map[string]interface{}{
		"messageName":    messageName,
		"correlationKey": correlationKey,
		"elementId":      elementId,
	}); err != nil {
		return runtime.MessageSubscription{}, err
	}
	return subscription, nil
}

// Resolve finds the pending subscription an inbound message correlates
// to, failing with SubscriptionNotFoundError if there is none.
func (registry *CorrelationRegistry) Resolve(ctx context.Context, messageName string, correlationKey string) (runtime.MessageSubscription, error) {
	subscription, err := registry.engine.persistence.FindPendingMessageSubscription(ctx, messageName, correlationKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return runtime.MessageSubscription{}, &SubscriptionNotFoundError{MessageName: messageName, CorrelationKey: correlationKey}
		}
		return runtime.MessageSubscription{}, err
	}
	return subscription, nil
}

func (registry *CorrelationRegistry) consume(ctx context.Context, subscription runtime.MessageSubscription) error {
	subscription.State = runtime.SubscriptionConsumed
	return registry.engine.persistence.SaveMessageSubscription(ctx, subscription)
}

// RegisterSignalListener adds a broadcast listener: many instances may
// listen on one signal name and each advances independently.
func (registry *CorrelationRegistry) RegisterSignalListener(ctx context.Context, signalName string, processInstanceKey int64, elementId string, tokenKey int64, boundaryOf string) (runtime.SignalSubscription, error) {
	engine := registry.engine
	subscription := runtime.SignalSubscription{
		Key:                engine.generateKey(),
		SignalName:         signalName,
		ProcessInstanceKey: processInstanceKey,
		ElementId:          elementId,
		TokenKey:           tokenKey,
		BoundaryOf:         boundaryOf,
		State:              runtime.SubscriptionPending,
		CreatedAt:          engine.clock(),
	}
	if err := engine.persistence.SaveSignalSubscription(ctx, subscription); err != nil {
		return runtime.SignalSubscription{}, err
	}
	return subscription, nil
}

func (registry *CorrelationRegistry) consumeSignal(ctx context.Context, subscription runtime.SignalSubscription) error {
	subscription.State = runtime.SubscriptionConsumed
	return registry.engine.persistence.SaveSignalSubscription(ctx, subscription)
}

// ScheduleTimer creates a scheduled timer from an ISO-8601 duration and
// hands it to the timer manager.
func (registry *CorrelationRegistry) ScheduleTimer(ctx context.Context, processInstanceKey int64, elementId string, tokenKey int64, boundaryOf string, isoDuration string) (runtime.Timer, error) {
	engine := registry.engine
	d, err := duration.ParseISO8601(isoDuration)
	if err != nil {
		return runtime.Timer{}, newEngineErrorf("invalid timer duration '%s': %s", isoDuration, err)
	}
	now := engine.clock()
	dueAt := d.Shift(now)
	timer := runtime.Timer{
		Key:                engine.generateKey(),
		ProcessInstanceKey: processInstanceKey,
		ElementId:          elementId,
		TokenKey:           tokenKey,
		BoundaryOf:         boundaryOf,
		State:              runtime.TimerScheduled,
		CreatedAt:          now,
		DueAt:              dueAt,
		Duration:           dueAt.Sub(now),
	}
	if err := engine.persistence.SaveTimer(ctx, timer); err != nil {
		return runtime.Timer{}, err
	}
	if err := engine.recordEvent(ctx, processInstanceKey, runtime.EventTimerScheduled, timer.Key, processInstanceKey, map[string]interface{}{
		"elementId": elementId,
		"dueAt":     dueAt,
	}); err != nil {
		return runtime.Timer{}, err
	}
	engine.timerManager.registerTimer(timer)
	return timer, nil
}

// CancelTimer cancels one scheduled timer; fired or executed timers are
// left untouched.
func (registry *CorrelationRegistry) CancelTimer(ctx context.Context, timerKey int64) error {
	engine := registry.engine
	timer, err := engine.persistence.FindTimerByKey(ctx, timerKey)
	if err != nil {
		return err
	}
	if timer.State != runtime.TimerScheduled {
		return nil
	}
	timer.State = runtime.TimerCancelled
	if err := engine.persistence.SaveTimer(ctx, timer); err != nil {
		return err
	}
	if err := engine.recordEvent(ctx, timer.ProcessInstanceKey, runtime.EventTimerCancelled, timer.Key, timer.ProcessInstanceKey, map[string]interface{}{
		"elementId": timer.ElementId,
	}); err != nil {
		return err
	}
	engine.timerManager.removeTimer(timer)
	return nil
}

// releaseForInstance releases (without error) everything the instance
// still waits on: pending subscriptions, signal listeners and scheduled
// timers. Called when the instance suspends, completes or is cancelled.
func (registry *CorrelationRegistry) releaseForInstance(ctx context.Context, processInstanceKey int64) error {
	engine := registry.engine
	subscriptions, err := engine.persistence.FindMessageSubscriptionsByProcessInstanceKey(ctx, processInstanceKey, runtime.SubscriptionPending)
	if err != nil {
		return err
	}
	for _, subscription := range subscriptions {
		subscription.State = runtime.SubscriptionReleased
		if err := engine.persistence.SaveMessageSubscription(ctx, subscription); err != nil {
			return err
		}
		if err := engine.recordEvent(ctx, processInstanceKey, runtime.EventMessageSubscriptionCancelled, subscription.Key, processInstanceKey, map[string]interface{}{
			"messageName":    subscription.Name,
			"correlationKey": subscription.CorrelationKey,
		}); err != nil {
			return err
		}
	}

	signals, err := engine.persistence.FindSignalSubscriptionsByProcessInstanceKey(ctx, processInstanceKey, runtime.SubscriptionPending)
	if err != nil {
		return err
	}
	for _, subscription := range signals {
		subscription.State = runtime.SubscriptionReleased
		if err := engine.persistence.SaveSignalSubscription(ctx, subscription); err != nil {
			return err
		}
	}

	timers, err := engine.persistence.FindTimersByProcessInstanceKey(ctx, processInstanceKey, runtime.TimerScheduled)
	if err != nil {
		return err
	}
	for _, timer := range timers {
		if err := registry.CancelTimer(ctx, timer.Key); err != nil {
			return err
		}
	}
	return nil
}

// releaseForToken drops the boundary listeners attached to a completing
// or interrupted activity.
func (registry *CorrelationRegistry) releaseForToken(ctx context.Context, processInstanceKey int64, tokenKey int64) error {
	engine := registry.engine
	timers, err := engine.persistence.FindTimersByProcessInstanceKey(ctx, processInstanceKey, runtime.TimerScheduled)
	if err != nil {
		return err
	}
	for _, timer := range timers {
		if timer.TokenKey == tokenKey && timer.BoundaryOf != "" {
			if err := registry.CancelTimer(ctx, timer.Key); err != nil {
				return err
			}
		}
	}

	signals, err := engine.persistence.FindSignalSubscriptionsByProcessInstanceKey(ctx, processInstanceKey, runtime.SubscriptionPending)
	if err != nil {
		return err
	}
	for _, subscription := range signals {
		if subscription.TokenKey == tokenKey && subscription.BoundaryOf != "" {
			subscription.State = runtime.SubscriptionReleased
			if err := engine.persistence.SaveSignalSubscription(ctx, subscription); err != nil {
				return err
			}
		}
	}
	return nil
}
