package bpmn

import (
	"context"

	"github.com/flowent/flowent/pkg/bpmn/runtime"
)

// failToken marks a branch as failed and raises an incident. The failed
// token keeps its instance from auto-completing until the instance is
// cancelled.
func (engine *Engine) failToken(ctx context.Context, instance *runtime.ProcessInstance, token runtime.ExecutionToken, elementId string, errorClassName string, message string) error {
	if err := engine.correlations.releaseForToken(ctx, instance.Key, token.Key); err != nil {
		return err
	}
	token.State = runtime.TokenFailed
	if err := engine.persistence.SaveToken(ctx, token); err != nil {
		return err
	}

	incident := runtime.Incident{
		Key:                engine.generateKey(),
		ProcessInstanceKey: instance.Key,
		ElementId:          elementId,
		TokenKey:           token.Key,
		ErrorClassName:     errorClassName,
		Message:            message,
		CreatedAt:          engine.clock(),
	}
	if err := engine.persistence.SaveIncident(ctx, incident); err != nil {
		return err
	}
	if err := engine.recordEvent(ctx, instance.Key, runtime.EventIncidentCreated, incident.Key, instance.Key, map[string]interface{}{
		"elementId":      elementId,
		"errorClassName": errorClassName,
		"message":        message,
	}); err != nil {
		return err
	}
	if engine.metrics != nil {
		engine.metrics.IncidentsCreated.Add(ctx, 1)
	}
	engine.logger.Error("incident created", "instance", instance.Key, "elementId", elementId, "errorClassName", errorClassName, "message", message)
	return nil
}
