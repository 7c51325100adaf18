package bpmn

import (
	"context"

	"github.com/flowent/flowent/pkg/bpmn/model"
	"github.com/flowent/flowent/pkg/bpmn/runtime"
)

// SetProcessInstanceVariables sets variables on the instance scope. The
// whole map is validated against the declared types before anything is
// written, so a TypeMismatchError leaves the scope untouched.
func (engine *Engine) SetProcessInstanceVariables(ctx context.Context, processInstanceKey int64, values map[string]interface{}) error {
	ctx = engine.commandContext(ctx)
	return engine.dispatcher.do(ctx, processInstanceKey, func(ctx context.Context) error {
		instance, err := engine.findActiveInstance(ctx, processInstanceKey)
		if err != nil {
			return err
		}
		if err := engine.applyVariables(ctx, &instance.VariableHolder, processInstanceKey, processInstanceKey, processInstanceKey, values); err != nil {
			return err
		}
		return engine.persistence.SaveProcessInstance(ctx, instance)
	})
}

// GetProcessInstanceVariables returns the instance-scoped variables with
// their declared types.
func (engine *Engine) GetProcessInstanceVariables(ctx context.Context, processInstanceKey int64) (map[string]runtime.Variable, error) {
	instance, err := engine.FindProcessInstance(ctx, processInstanceKey)
	if err != nil {
		return nil, err
	}
	variables := make(map[string]runtime.Variable, len(instance.VariableHolder.Variables()))
	for name, v := range instance.VariableHolder.Variables() {
		variables[name] = v
	}
	return variables, nil
}

// DeleteProcessInstanceVariable removes one variable from the instance
// scope. Deleting an absent name is a no-op without an event.
func (engine *Engine) DeleteProcessInstanceVariable(ctx context.Context, processInstanceKey int64, name string) error {
	ctx = engine.commandContext(ctx)
	return engine.dispatcher.do(ctx, processInstanceKey, func(ctx context.Context) error {
		instance, err := engine.findActiveInstance(ctx, processInstanceKey)
		if err != nil {
			return err
		}
		variable, existed := instance.VariableHolder.DeleteVariable(name)
		if !existed {
			return nil
		}
		if err := engine.recordEvent(ctx, processInstanceKey, runtime.EventVariableDeleted, processInstanceKey, processInstanceKey, map[string]interface{}{
			"name": variable.Name,
			"type": string(variable.Type),
		}); err != nil {
			return err
		}
		return engine.persistence.SaveProcessInstance(ctx, instance)
	})
}

// applyVariables validates every value against the holder's declared
// types first and only then applies them, emitting one variable
// lifecycle event per name.
func (engine *Engine) applyVariables(ctx context.Context, holder *runtime.VariableHolder, streamKey int64, entityKey int64, processInstanceKey int64, values map[string]interface{}) error {
	for name, value := range values {
		if existing, ok := holder.Variables()[name]; ok {
			if _, err := existing.Retype(value); err != nil {
				return err
			}
		}
	}
	for name, value := range values {
		variable, created, err := holder.SetVariable(name, value)
		if err != nil {
			return err
		}
		eventType := runtime.EventVariableUpdated
		if created {
			eventType = runtime.EventVariableCreated
		}
		if err := engine.recordEvent(ctx, streamKey, eventType, entityKey, processInstanceKey, map[string]interface{}{
			"name":  variable.Name,
			"type":  string(variable.Type),
			"value": variable.Value,
		}); err != nil {
			return err
		}
	}
	return nil
}

// evaluateMappings resolves mapping sources against the given variable
// context, returning target name -> value.
func (engine *Engine) evaluateMappings(mappings []model.IoMapping, variableContext map[string]interface{}) (map[string]interface{}, error) {
	result := make(map[string]interface{}, len(mappings))
	for _, mapping := range mappings {
		value, err := engine.evaluateExpression(mapping.Source, variableContext)
		if err != nil {
			return nil, err
		}
		result[mapping.Target] = value
	}
	return result, nil
}

// mapOnEntry copies values into a freshly created child scope per the
// declared input mappings, evaluated against the parent scope.
func (engine *Engine) mapOnEntry(mappings []model.IoMapping, parentValues map[string]interface{}) (map[string]interface{}, error) {
	if len(mappings) == 0 {
		return map[string]interface{}{}, nil
	}
	return engine.evaluateMappings(mappings, parentValues)
}

// mapOnExit propagates a completing scope's results upward. Without
// mappings all output values go up unchanged; with mappings only the
// mapped targets do, evaluated against local+output values.
func (engine *Engine) mapOnExit(mappings []model.IoMapping, localValues map[string]interface{}, outputValues map[string]interface{}) (map[string]interface{}, error) {
	if len(mappings) == 0 {
		return outputValues, nil
	}
	merged := make(map[string]interface{}, len(localValues)+len(outputValues))
	for k, v := range localValues {
		merged[k] = v
	}
	for k, v := range outputValues {
		merged[k] = v
	}
	return engine.evaluateMappings(mappings, merged)
}
