package bpmn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/flowent/flowent/pkg/bpmn/model"
	"github.com/flowent/flowent/pkg/bpmn/runtime"
	"github.com/flowent/flowent/pkg/storage"
)

// IntegrationRequest is the payload handed to a connector when a service
// task activates.
type IntegrationRequest struct {
	IntegrationContextKey int64
	ProcessInstanceKey    int64
	ElementId             string
	ClientType            string
	Variables             map[string]interface{}
}

// Connector dispatches integration requests to an external system.
// Invoke must not block on the external call: it hands the request off
// and returns, and the result arrives later through
// ReceiveIntegrationResult or ReceiveIntegrationError.
type Connector interface {
	ClientType() string
	Invoke(ctx context.Context, request IntegrationRequest) error
}

const errorClassConnectorNotFound = "ConnectorNotFoundError"
const errorClassConnectorDispatch = "ConnectorDispatchError"

// IntegrationGateway owns the connector registry and the per-connector
// circuit breakers guarding dispatch.
type IntegrationGateway struct {
	engine     *Engine
	mu         sync.RWMutex
	connectors map[string]Connector
	breakers   map[string]*gobreaker.CircuitBreaker[struct{}]
}

func newIntegrationGateway(engine *Engine) *IntegrationGateway {
	return &IntegrationGateway{
		engine:     engine,
		connectors: make(map[string]Connector),
		breakers:   make(map[string]*gobreaker.CircuitBreaker[struct{}]),
	}
}

// RegisterConnector makes a connector available under its client type.
// Registering a second connector for the same client type replaces the
// first, keeping the existing breaker state.
func (gateway *IntegrationGateway) RegisterConnector(connector Connector) {
	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	clientType := connector.ClientType()
	gateway.connectors[clientType] = connector
	if _, ok := gateway.breakers[clientType]; !ok {
		gateway.breakers[clientType] = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:    "connector-" + clientType,
			Timeout: 30 * time.Second,
		})
	}
}

func (gateway *IntegrationGateway) connector(clientType string) (Connector, *gobreaker.CircuitBreaker[struct{}], bool) {
	gateway.mu.RLock()
	defer gateway.mu.RUnlock()
	connector, ok := gateway.connectors[clientType]
	return connector, gateway.breakers[clientType], ok
}

// RequestIntegration opens an integration context for a service task and
// dispatches it to the matching connector. Dispatch failures, including
// an open breaker or a missing connector, are routed like a received
// integration error so error boundaries and incidents apply uniformly.
func (gateway *IntegrationGateway) RequestIntegration(ctx context.Context, instance *runtime.ProcessInstance, node model.Node, token runtime.ExecutionToken) (runtime.IntegrationContext, error) {
	engine := gateway.engine

	values := instance.VariableHolder.RawValues()
	if len(node.InputMappings) > 0 {
		mapped, err := engine.evaluateMappings(node.InputMappings, values)
		if err != nil {
			return runtime.IntegrationContext{}, err
		}
		values = mapped
	}

	integrationContext := runtime.IntegrationContext{
		Key:                engine.generateKey(),
		ElementId:          node.Id,
		TokenKey:           token.Key,
		ProcessInstanceKey: instance.Key,
		ClientType:         node.ClientType,
		State:              runtime.IntegrationRequested,
		CreatedAt:          engine.clock(),
	}
	if err := engine.persistence.SaveIntegrationContext(ctx, integrationContext); err != nil {
		return runtime.IntegrationContext{}, err
	}
	if err := engine.recordEvent(ctx, instance.Key, runtime.EventIntegrationRequested, integrationContext.Key, instance.Key, map[string]interface{}{
		"elementId":  node.Id,
		"clientType": node.ClientType,
	}); err != nil {
		return runtime.IntegrationContext{}, err
	}
	if engine.metrics != nil {
		engine.metrics.IntegrationsRequested.Add(ctx, 1)
	}

	connector, breaker, ok := gateway.connector(node.ClientType)
	if !ok {
		return integrationContext, engine.deferIntegrationFailure(ctx, integrationContext,
			errorClassConnectorNotFound, "no connector registered for client type '"+node.ClientType+"'")
	}

	request := IntegrationRequest{
		IntegrationContextKey: integrationContext.Key,
		ProcessInstanceKey:    instance.Key,
		ElementId:             node.Id,
		ClientType:            node.ClientType,
		Variables:             values,
	}
	_, err := breaker.Execute(func() (struct{}, error) {
		return struct{}{}, connector.Invoke(ctx, request)
	})
	if err != nil {
		engine.logger.Warn("connector dispatch failed", "clientType", node.ClientType, "instance", instance.Key, "err", err)
		return integrationContext, engine.deferIntegrationFailure(ctx, integrationContext,
			errorClassConnectorDispatch, err.Error())
	}
	return integrationContext, nil
}

// deferIntegrationFailure schedules the error routing for after the
// current activation finished, once the token is persisted as waiting.
func (engine *Engine) deferIntegrationFailure(ctx context.Context, integrationContext runtime.IntegrationContext, errorClassName string, message string) error {
	engine.dispatcher.enqueue(ctx, integrationContext.ProcessInstanceKey, func(ctx context.Context) error {
		return engine.receiveIntegrationOutcome(ctx, integrationContext.Key, nil, errorClassName, message)
	})
	return nil
}

// ReceiveIntegrationResult closes an open integration context with a
// successful result. The result values flow through the service task's
// output mappings into the instance scope and the waiting token
// continues. Results arriving after the instance reached a terminal
// state are recorded for audit but change nothing.
func (engine *Engine) ReceiveIntegrationResult(ctx context.Context, integrationContextKey int64, results map[string]interface{}) error {
	ctx = engine.commandContext(ctx)
	integrationContext, err := engine.findIntegrationContext(ctx, integrationContextKey)
	if err != nil {
		return err
	}
	return engine.dispatcher.do(ctx, integrationContext.ProcessInstanceKey, func(ctx context.Context) error {
		return engine.receiveIntegrationOutcome(ctx, integrationContextKey, results, "", "")
	})
}

// ReceiveIntegrationError closes an open integration context with an
// error. A matching error boundary on the service task redirects the
// flow; without one the branch fails and an incident is raised.
func (engine *Engine) ReceiveIntegrationError(ctx context.Context, integrationContextKey int64, errorClassName string, message string) error {
	ctx = engine.commandContext(ctx)
	integrationContext, err := engine.findIntegrationContext(ctx, integrationContextKey)
	if err != nil {
		return err
	}
	if errorClassName == "" {
		errorClassName = "IntegrationError"
	}
	return engine.dispatcher.do(ctx, integrationContext.ProcessInstanceKey, func(ctx context.Context) error {
		return engine.receiveIntegrationOutcome(ctx, integrationContextKey, nil, errorClassName, message)
	})
}

func (engine *Engine) findIntegrationContext(ctx context.Context, integrationContextKey int64) (runtime.IntegrationContext, error) {
	integrationContext, err := engine.persistence.FindIntegrationContextByKey(ctx, integrationContextKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return runtime.IntegrationContext{}, newEngineErrorf("no integration context with key %d was found", integrationContextKey)
		}
		return runtime.IntegrationContext{}, err
	}
	return integrationContext, nil
}

// receiveIntegrationOutcome is the single closing path for integration
// contexts. Runs inside the owning instance's worker; errorClassName is
// empty for results.
func (engine *Engine) receiveIntegrationOutcome(ctx context.Context, integrationContextKey int64, results map[string]interface{}, errorClassName string, message string) error {
	integrationContext, err := engine.findIntegrationContext(ctx, integrationContextKey)
	if err != nil {
		return err
	}
	if integrationContext.State != runtime.IntegrationRequested {
		return &InvalidStateTransitionError{EntityType: "integration context", Key: integrationContext.Key, From: string(integrationContext.State), To: string(runtime.IntegrationResultReceived)}
	}

	now := engine.clock()
	integrationContext.ClosedAt = &now
	if errorClassName == "" {
		integrationContext.State = runtime.IntegrationResultReceived
	} else {
		integrationContext.State = runtime.IntegrationErrorReceived
	}
	if err := engine.persistence.SaveIntegrationContext(ctx, integrationContext); err != nil {
		return err
	}

	if errorClassName == "" {
		err = engine.recordEvent(ctx, integrationContext.ProcessInstanceKey, runtime.EventIntegrationResultReceived, integrationContext.Key, integrationContext.ProcessInstanceKey, map[string]interface{}{
			"elementId":  integrationContext.ElementId,
			"clientType": integrationContext.ClientType,
		})
	} else {
		err = engine.recordEvent(ctx, integrationContext.ProcessInstanceKey, runtime.EventIntegrationErrorReceived, integrationContext.Key, integrationContext.ProcessInstanceKey, map[string]interface{}{
			"elementId":      integrationContext.ElementId,
			"errorClassName": errorClassName,
			"errorMessage":   message,
		})
	}
	if err != nil {
		return err
	}

	instance, err := engine.FindProcessInstance(ctx, integrationContext.ProcessInstanceKey)
	if err != nil {
		return err
	}
	if instance.State.IsTerminal() {
		// audit-only: the instance ended before the outcome arrived
		return nil
	}
	token, err := engine.persistence.FindTokenByKey(ctx, integrationContext.TokenKey)
	if err != nil {
		return err
	}
	if token.State != runtime.TokenWaiting {
		return nil
	}

	if errorClassName != "" {
		return engine.routeIntegrationError(ctx, &instance, integrationContext, token, errorClassName, message)
	}

	definition, err := engine.definition(ctx, instance.DefinitionKey)
	if err != nil {
		return err
	}
	var mappings []model.IoMapping
	if node, found := definition.FindNode(integrationContext.ElementId); found {
		mappings = node.OutputMappings
	}
	outputs, err := engine.mapOnExit(mappings, instance.VariableHolder.RawValues(), results)
	if err != nil {
		return err
	}
	if len(outputs) > 0 {
		if err := engine.applyVariables(ctx, &instance.VariableHolder, instance.Key, instance.Key, instance.Key, outputs); err != nil {
			return err
		}
		if err := engine.persistence.SaveProcessInstance(ctx, instance); err != nil {
			return err
		}
	}
	return engine.continueToken(ctx, &instance, token)
}

// routeIntegrationError sends a failed integration through the matching
// error boundary, or fails the branch with an incident.
func (engine *Engine) routeIntegrationError(ctx context.Context, instance *runtime.ProcessInstance, integrationContext runtime.IntegrationContext, token runtime.ExecutionToken, errorClassName string, message string) error {
	definition, err := engine.definition(ctx, instance.DefinitionKey)
	if err != nil {
		return err
	}
	if boundary, found := definition.ErrorBoundaryFor(integrationContext.ElementId, errorClassName); found {
		if err := engine.recordEvent(ctx, instance.Key, runtime.EventErrorReceived, integrationContext.Key, instance.Key, map[string]interface{}{
			"errorClassName": errorClassName,
			"boundaryId":     boundary.Id,
		}); err != nil {
			return err
		}
		return engine.interruptToken(ctx, instance, token, boundary.Id)
	}
	return engine.failToken(ctx, instance, token, integrationContext.ElementId, errorClassName, message)
}
