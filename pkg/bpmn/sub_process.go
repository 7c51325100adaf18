package bpmn

import (
	"context"
	"errors"

	"github.com/flowent/flowent/pkg/bpmn/model"
	"github.com/flowent/flowent/pkg/bpmn/runtime"
	"github.com/flowent/flowent/pkg/storage"
)

// startSubProcess spawns a child instance of the called process. The
// child gets a one-way copy of the parent scope, overridden by the
// node's input mappings; it runs on its own worker, so the spawn is
// asynchronous and the parent token just parks.
func (engine *Engine) startSubProcess(ctx context.Context, parent *runtime.ProcessInstance, node model.Node, token runtime.ExecutionToken) error {
	definition, err := engine.persistence.FindLatestProcessDefinitionById(ctx, node.CalledProcessId)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &DefinitionNotFoundError{DefinitionId: node.CalledProcessId}
		}
		return err
	}

	parentValues := parent.VariableHolder.RawValues()
	variables := make(map[string]interface{}, len(parentValues))
	for name, value := range parentValues {
		variables[name] = value
	}
	if len(node.InputMappings) > 0 {
		mapped, err := engine.evaluateMappings(node.InputMappings, parentValues)
		if err != nil {
			return err
		}
		for name, value := range mapped {
			variables[name] = value
		}
	}

	spawn := instanceSpawn{
		definition:     definition,
		variables:      variables,
		options:        startOptions{businessKey: parent.BusinessKey},
		parentKey:      parent.Key,
		parentTokenKey: token.Key,
	}
	childKey := engine.generateKey()
	engine.dispatcher.enqueue(ctx, childKey, func(ctx context.Context) error {
		_, err := engine.createAndRunInstance(ctx, childKey, spawn)
		return err
	})
	engine.logger.Debug("spawned sub-process", "parent", parent.Key, "child", childKey, "calledProcessId", node.CalledProcessId)
	return nil
}

// notifyParentOfCompletion hands the completed child's variables to the
// parent's worker. Fire-and-forget: the child's worker must never wait
// on the parent's.
func (engine *Engine) notifyParentOfCompletion(ctx context.Context, child runtime.ProcessInstance) {
	outputs := child.VariableHolder.RawValues()
	parentKey := child.ParentKey
	parentTokenKey := child.ParentTokenKey
	engine.dispatcher.enqueue(ctx, parentKey, func(ctx context.Context) error {
		return engine.handleChildCompleted(ctx, parentKey, parentTokenKey, outputs)
	})
}

// handleChildCompleted continues the parent token waiting on a finished
// sub-process. Child variables reach the parent scope only through the
// node's explicit output mappings. If the parent is suspended the token
// advances past the node but does not execute until resume.
func (engine *Engine) handleChildCompleted(ctx context.Context, parentKey int64, parentTokenKey int64, outputs map[string]interface{}) error {
	parent, err := engine.FindProcessInstance(ctx, parentKey)
	if err != nil {
		return err
	}
	if parent.State.IsTerminal() {
		return nil
	}
	token, err := engine.persistence.FindTokenByKey(ctx, parentTokenKey)
	if err != nil {
		return err
	}
	if token.State != runtime.TokenWaiting {
		engine.logger.Warn("parent token is no longer waiting for sub-process", "parent", parentKey, "token", parentTokenKey)
		return nil
	}

	definition, err := engine.definition(ctx, parent.DefinitionKey)
	if err != nil {
		return err
	}
	if node, found := definition.FindNode(token.ElementId); found && len(node.OutputMappings) > 0 {
		mapped, err := engine.mapOnExit(node.OutputMappings, parent.VariableHolder.RawValues(), outputs)
		if err != nil {
			return err
		}
		if err := engine.applyVariables(ctx, &parent.VariableHolder, parent.Key, parent.Key, parent.Key, mapped); err != nil {
			return err
		}
		if err := engine.persistence.SaveProcessInstance(ctx, parent); err != nil {
			return err
		}
	}

	if parent.State == runtime.ProcessInstanceSuspended {
		if err := engine.recordEvent(ctx, parent.Key, runtime.EventActivityCompleted, token.Key, parent.Key, map[string]interface{}{
			"elementId": token.ElementId,
		}); err != nil {
			return err
		}
		if err := engine.correlations.releaseForToken(ctx, parent.Key, token.Key); err != nil {
			return err
		}
		token.State = runtime.TokenRunning
		_, err := engine.takeOutgoingFlows(ctx, &parent, definition, &token)
		return err
	}
	return engine.continueToken(ctx, &parent, token)
}
