package bpmn

import (
	"context"
	"fmt"

	"github.com/flowent/flowent/pkg/bpmn/model"
	"github.com/flowent/flowent/pkg/bpmn/runtime"
)

// This file holds the token executor: tokens move along sequence flows,
// activate nodes and park at wait states until an inbound command (task
// complete, message, signal, timer, integration result) continues them.
// Everything here runs inside the owning instance's serialized worker.

func (engine *Engine) newToken(instance *runtime.ProcessInstance, elementId string) runtime.ExecutionToken {
	return runtime.ExecutionToken{
		Key:                engine.generateKey(),
		ProcessInstanceKey: instance.Key,
		ElementId:          elementId,
		State:              runtime.TokenRunning,
		CreatedAt:          engine.clock(),
	}
}

// runToken drives one token until it parks at a wait state, completes or
// fails. Parallel branches created along the way are executed in turn on
// the same worker.
func (engine *Engine) runToken(ctx context.Context, instance *runtime.ProcessInstance, definition model.ProcessDefinition, token runtime.ExecutionToken) error {
	for token.State == runtime.TokenRunning {
		node, found := definition.FindNode(token.ElementId)
		if !found {
			// a token continuing out of a boundary event has no node
			// to activate, it just takes the outgoing flows
			next, err := engine.takeOutgoingFlows(ctx, instance, definition, &token)
			if err != nil {
				return err
			}
			if err := engine.runBranches(ctx, instance, definition, next); err != nil {
				return err
			}
			continue
		}

		if err := engine.recordEvent(ctx, instance.Key, runtime.EventActivityStarted, token.Key, instance.Key, map[string]interface{}{
			"elementId": node.Id,
			"kind":      string(node.Kind),
		}); err != nil {
			return err
		}

		state, err := engine.activateNode(ctx, instance, definition, node, &token)
		if err != nil {
			return err
		}
		token.State = state

		switch state {
		case runtime.TokenWaiting:
			if err := engine.persistence.SaveToken(ctx, token); err != nil {
				return err
			}
			return engine.scheduleBoundaries(ctx, instance, definition, node, token)
		case runtime.TokenCompleted:
			if err := engine.recordEvent(ctx, instance.Key, runtime.EventActivityCompleted, token.Key, instance.Key, map[string]interface{}{
				"elementId": node.Id,
			}); err != nil {
				return err
			}
			return engine.persistence.SaveToken(ctx, token)
		case runtime.TokenRunning:
			if err := engine.recordEvent(ctx, instance.Key, runtime.EventActivityCompleted, token.Key, instance.Key, map[string]interface{}{
				"elementId": node.Id,
			}); err != nil {
				return err
			}
			next, err := engine.takeOutgoingFlows(ctx, instance, definition, &token)
			if err != nil {
				return err
			}
			if err := engine.runBranches(ctx, instance, definition, next); err != nil {
				return err
			}
		default:
			return engine.persistence.SaveToken(ctx, token)
		}
	}
	return nil
}

func (engine *Engine) runBranches(ctx context.Context, instance *runtime.ProcessInstance, definition model.ProcessDefinition, branches []runtime.ExecutionToken) error {
	for _, branch := range branches {
		if err := engine.runToken(ctx, instance, definition, branch); err != nil {
			return err
		}
	}
	return nil
}

// takeOutgoingFlows moves the token over its element's outgoing flows.
// The first flow reuses the token, every further flow forks a new one; a
// node without outgoing flows completes the token implicitly.
func (engine *Engine) takeOutgoingFlows(ctx context.Context, instance *runtime.ProcessInstance, definition model.ProcessDefinition, token *runtime.ExecutionToken) ([]runtime.ExecutionToken, error) {
	flows := definition.OutgoingFlows(token.ElementId)
	if len(flows) == 0 {
		token.State = runtime.TokenCompleted
		return nil, engine.persistence.SaveToken(ctx, *token)
	}

	forks := make([]runtime.ExecutionToken, 0, len(flows)-1)
	for i, flow := range flows {
		moving := *token
		if i > 0 {
			moving = engine.newToken(instance, flow.Target)
			forks = append(forks, moving)
		}
		if err := engine.recordEvent(ctx, instance.Key, runtime.EventSequenceFlowTaken, moving.Key, instance.Key, map[string]interface{}{
			"flowId": flow.Id,
			"source": flow.Source,
			"target": flow.Target,
		}); err != nil {
			return nil, err
		}
	}
	token.ElementId = flows[0].Target
	token.State = runtime.TokenRunning
	if err := engine.persistence.SaveToken(ctx, *token); err != nil {
		return nil, err
	}
	for _, fork := range forks {
		if err := engine.persistence.SaveToken(ctx, fork); err != nil {
			return nil, err
		}
	}
	return forks, nil
}

// activateNode performs the node's entry behavior and reports the state
// the token ends up in: running for pass-through nodes, waiting for wait
// states, completed for end events.
func (engine *Engine) activateNode(ctx context.Context, instance *runtime.ProcessInstance, definition model.ProcessDefinition, node model.Node, token *runtime.ExecutionToken) (runtime.TokenState, error) {
	switch node.Kind {
	case model.NodeStartEvent:
		if len(node.InputMappings) > 0 {
			values, err := engine.evaluateMappings(node.InputMappings, instance.VariableHolder.RawValues())
			if err != nil {
				return "", err
			}
			if err := engine.applyVariables(ctx, &instance.VariableHolder, instance.Key, instance.Key, instance.Key, values); err != nil {
				return "", err
			}
			if err := engine.persistence.SaveProcessInstance(ctx, *instance); err != nil {
				return "", err
			}
		}
		return runtime.TokenRunning, nil

	case model.NodeEndEvent:
		return runtime.TokenCompleted, nil

	case model.NodeUserTask:
		if _, err := engine.createProcessTask(ctx, instance, node, *token); err != nil {
			return "", err
		}
		return runtime.TokenWaiting, nil

	case model.NodeServiceTask:
		if _, err := engine.gateway.RequestIntegration(ctx, instance, node, *token); err != nil {
			return "", err
		}
		return runtime.TokenWaiting, nil

	case model.NodeTimerCatchEvent:
		if _, err := engine.correlations.ScheduleTimer(ctx, instance.Key, node.Id, token.Key, "", node.Duration); err != nil {
			return "", err
		}
		return runtime.TokenWaiting, nil

	case model.NodeMessageCatchEvent:
		correlationKey, err := engine.resolveCorrelationKey(node, instance)
		if err != nil {
			return "", err
		}
		if _, err := engine.correlations.RegisterSubscription(ctx, node.MessageName, correlationKey, instance.Key, node.Id, token.Key); err != nil {
			return "", err
		}
		return runtime.TokenWaiting, nil

	case model.NodeSignalCatchEvent:
		if _, err := engine.correlations.RegisterSignalListener(ctx, node.SignalName, instance.Key, node.Id, token.Key, ""); err != nil {
			return "", err
		}
		return runtime.TokenWaiting, nil

	case model.NodeSubProcess:
		if err := engine.startSubProcess(ctx, instance, node, *token); err != nil {
			return "", err
		}
		return runtime.TokenWaiting, nil
	}
	return "", newEngineErrorf("element '%s' has unknown kind '%s'", node.Id, node.Kind)
}

// resolveCorrelationKey evaluates the node's correlation key, which may
// be a literal or an expression over the instance scope, into a string.
func (engine *Engine) resolveCorrelationKey(node model.Node, instance *runtime.ProcessInstance) (string, error) {
	value, err := engine.evaluateExpression(node.CorrelationKey, instance.VariableHolder.RawValues())
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%v", value), nil
}

// scheduleBoundaries arms the timer and signal boundary events attached
// to the activity the token just parked at. Error boundaries need no
// arming, they are matched when an integration error arrives.
func (engine *Engine) scheduleBoundaries(ctx context.Context, instance *runtime.ProcessInstance, definition model.ProcessDefinition, node model.Node, token runtime.ExecutionToken) error {
	for _, boundary := range definition.BoundariesFor(node.Id) {
		switch boundary.Kind {
		case model.BoundaryTimer:
			if _, err := engine.correlations.ScheduleTimer(ctx, instance.Key, boundary.Id, token.Key, node.Id, boundary.Duration); err != nil {
				return err
			}
		case model.BoundarySignal:
			if _, err := engine.correlations.RegisterSignalListener(ctx, boundary.SignalName, instance.Key, boundary.Id, token.Key, node.Id); err != nil {
				return err
			}
		}
	}
	return nil
}

// continueToken resumes a waiting token after its wait condition was
// satisfied: the activity completes, remaining boundary listeners are
// dropped and the token moves on. Ends with an auto-completion check.
func (engine *Engine) continueToken(ctx context.Context, instance *runtime.ProcessInstance, token runtime.ExecutionToken) error {
	definition, err := engine.definition(ctx, instance.DefinitionKey)
	if err != nil {
		return err
	}
	if err := engine.recordEvent(ctx, instance.Key, runtime.EventActivityCompleted, token.Key, instance.Key, map[string]interface{}{
		"elementId": token.ElementId,
	}); err != nil {
		return err
	}
	if err := engine.correlations.releaseForToken(ctx, instance.Key, token.Key); err != nil {
		return err
	}
	token.State = runtime.TokenRunning
	next, err := engine.takeOutgoingFlows(ctx, instance, definition, &token)
	if err != nil {
		return err
	}
	if token.State == runtime.TokenRunning {
		if err := engine.runToken(ctx, instance, definition, token); err != nil {
			return err
		}
	}
	if err := engine.runBranches(ctx, instance, definition, next); err != nil {
		return err
	}
	return engine.maybeCompleteInstance(ctx, instance)
}

// interruptToken redirects a waiting token through a boundary event: the
// interrupted activity is torn down without an activity completion and
// the token continues from the boundary's outgoing flows.
func (engine *Engine) interruptToken(ctx context.Context, instance *runtime.ProcessInstance, token runtime.ExecutionToken, boundaryId string) error {
	definition, err := engine.definition(ctx, instance.DefinitionKey)
	if err != nil {
		return err
	}
	if err := engine.cancelOpenTasksForToken(ctx, instance, token.Key); err != nil {
		return err
	}
	if err := engine.correlations.releaseForToken(ctx, instance.Key, token.Key); err != nil {
		return err
	}
	if err := engine.recordEvent(ctx, instance.Key, runtime.EventActivityCompleted, token.Key, instance.Key, map[string]interface{}{
		"elementId":   token.ElementId,
		"interrupted": true,
		"boundaryId":  boundaryId,
	}); err != nil {
		return err
	}
	token.ElementId = boundaryId
	token.State = runtime.TokenRunning
	next, err := engine.takeOutgoingFlows(ctx, instance, definition, &token)
	if err != nil {
		return err
	}
	if token.State == runtime.TokenRunning {
		if err := engine.runToken(ctx, instance, definition, token); err != nil {
			return err
		}
	}
	if err := engine.runBranches(ctx, instance, definition, next); err != nil {
		return err
	}
	return engine.maybeCompleteInstance(ctx, instance)
}

// maybeCompleteInstance completes the instance once every token settled:
// no token running or waiting, none failed, and at least one branch
// actually reached an end. A failed branch holds the instance open until
// its incident is dealt with.
func (engine *Engine) maybeCompleteInstance(ctx context.Context, instance *runtime.ProcessInstance) error {
	if instance.State != runtime.ProcessInstanceRunning {
		return nil
	}
	tokens, err := engine.persistence.GetTokensForProcessInstance(ctx, instance.Key)
	if err != nil {
		return err
	}
	completed := 0
	for _, token := range tokens {
		switch token.State {
		case runtime.TokenRunning, runtime.TokenWaiting, runtime.TokenFailed:
			return nil
		case runtime.TokenCompleted:
			completed++
		}
	}
	if completed == 0 {
		return nil
	}
	return engine.completeInstance(ctx, instance)
}

func (engine *Engine) completeInstance(ctx context.Context, instance *runtime.ProcessInstance) error {
	now := engine.clock()
	instance.State = runtime.ProcessInstanceCompleted
	instance.CompletedAt = &now
	if err := engine.correlations.releaseForInstance(ctx, instance.Key); err != nil {
		return err
	}
	if err := engine.persistence.SaveProcessInstance(ctx, *instance); err != nil {
		return err
	}
	if err := engine.recordEvent(ctx, instance.Key, runtime.EventProcessCompleted, instance.Key, instance.Key, map[string]interface{}{
		"definitionId": instance.DefinitionId,
	}); err != nil {
		return err
	}
	if engine.metrics != nil {
		engine.metrics.ProcessesEnded.Add(ctx, 1)
		engine.metrics.ProcessesRunning.Add(ctx, -1)
	}
	engine.logger.Debug("process instance completed", "key", instance.Key, "definitionId", instance.DefinitionId)

	if instance.ParentKey != 0 {
		engine.notifyParentOfCompletion(ctx, *instance)
	}
	return nil
}
