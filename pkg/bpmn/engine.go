package bpmn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowent/flowent/internal/appcontext"
	"github.com/flowent/flowent/pkg/bpmn/exporter"
	"github.com/flowent/flowent/pkg/bpmn/model"
	"github.com/flowent/flowent/pkg/bpmn/runtime"
	otelPkg "github.com/flowent/flowent/pkg/otel"
	"github.com/flowent/flowent/pkg/storage"
)

const definitionCacheSize = 128

// Engine executes process instances and standalone tasks against a
// storage backend. Commands targeting the same process instance (or the
// same standalone task) are serialized; different scopes run in
// parallel.
type Engine struct {
	name        string
	snowflake   *snowflake.Node
	persistence storage.Storage

	recorder     *EventRecorder
	correlations *CorrelationRegistry
	gateway      *IntegrationGateway
	dispatcher   *dispatcher
	timerManager *timerManager

	definitionCache *lru.Cache[int64, model.ProcessDefinition]

	logger  hclog.Logger
	tracer  trace.Tracer
	metrics *otelPkg.EngineMetrics

	clock          func() time.Time
	timerPollDelay time.Duration

	// serializes message starts: the duplicate-live-instance check and
	// the instance spawn must be atomic across concurrent callers
	messageStartMu sync.Mutex

	pendingExporters  []exporter.EventExporter
	pendingConnectors []Connector
}

// NewEngine creates a new engine instance. EngineWithStorage is
// mandatory; the remaining options have sensible defaults.
func NewEngine(options ...EngineOption) *Engine {
	name := fmt.Sprintf("Flowent-Engine-%d", getGlobalSnowflakeIdGenerator().Generate().Int64())
	engine := &Engine{
		name:           name,
		snowflake:      getGlobalSnowflakeIdGenerator(),
		logger:         hclog.Default().Named("bpmn-engine"),
		tracer:         otel.Tracer("bpmn-engine"),
		clock:          time.Now,
		timerPollDelay: 1 * time.Second,
	}

	for _, option := range options {
		option(engine)
	}

	if engine.persistence == nil {
		panic("bpmn.NewEngine requires EngineWithStorage")
	}

	cache, err := lru.New[int64, model.ProcessDefinition](definitionCacheSize)
	if err != nil {
		panic("failed to create definition cache: " + err.Error())
	}
	engine.definitionCache = cache

	engine.recorder = newEventRecorder(engine.persistence, engine.clock)
	for _, exp := range engine.pendingExporters {
		engine.recorder.addExporter(exp)
	}
	engine.pendingExporters = nil

	engine.correlations = newCorrelationRegistry(engine)
	engine.gateway = newIntegrationGateway(engine)
	for _, connector := range engine.pendingConnectors {
		engine.gateway.RegisterConnector(connector)
	}
	engine.pendingConnectors = nil

	engine.dispatcher = newDispatcher(engine.logger.Named("dispatcher"))
	engine.timerManager = newTimerManager(engine.handleDueTimer, engine.pollDueTimers, engine.timerPollDelay)

	metrics, err := otelPkg.NewMetrics(otel.GetMeterProvider().Meter("bpmn-engine"))
	if err != nil {
		engine.logger.Error("failed to set up engine metrics", "err", err)
	}
	engine.metrics = metrics

	return engine
}

// Name returns the configured engine name.
func (engine *Engine) Name() string {
	return engine.name
}

// Start begins background timer processing. Commands can be issued
// before Start, but scheduled timers will not fire until it is called.
func (engine *Engine) Start() {
	go engine.timerManager.run()
}

// Stop halts timer processing and drains queued commands.
func (engine *Engine) Stop() {
	engine.timerManager.stop()
	engine.dispatcher.stop()
}

// RegisterConnector makes a connector available to service tasks under
// its client type.
func (engine *Engine) RegisterConnector(connector Connector) {
	engine.gateway.RegisterConnector(connector)
}

// AddEventExporter registers an EventExporter instance.
func (engine *Engine) AddEventExporter(exp exporter.EventExporter) {
	engine.recorder.addExporter(exp)
}

// Recorder exposes the audit event recorder, the read surface for
// projectors that pull instead of subscribing.
func (engine *Engine) Recorder() *EventRecorder {
	return engine.recorder
}

// DeployProcessDefinition validates and registers a definition. The
// version is incremented per definition id; the returned copy carries
// the assigned key and version.
func (engine *Engine) DeployProcessDefinition(ctx context.Context, definition model.ProcessDefinition) (model.ProcessDefinition, error) {
	if err := definition.Validate(); err != nil {
		return model.ProcessDefinition{}, errors.Join(newEngineErrorf("failed to deploy process definition '%s'", definition.Id), err)
	}
	existing, err := engine.persistence.FindProcessDefinitionsById(ctx, definition.Id)
	if err != nil {
		return model.ProcessDefinition{}, err
	}
	definition.Version = 1
	if len(existing) > 0 {
		definition.Version = existing[len(existing)-1].Version + 1
	}
	definition.Key = engine.generateKey()
	if err := engine.persistence.SaveProcessDefinition(ctx, definition); err != nil {
		return model.ProcessDefinition{}, err
	}
	engine.definitionCache.Add(definition.Key, definition)
	return definition, nil
}

// FindLatestProcessDefinition returns the highest deployed version of a
// definition id.
func (engine *Engine) FindLatestProcessDefinition(ctx context.Context, definitionId string) (model.ProcessDefinition, error) {
	definition, err := engine.persistence.FindLatestProcessDefinitionById(ctx, definitionId)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.ProcessDefinition{}, &DefinitionNotFoundError{DefinitionId: definitionId}
		}
		return model.ProcessDefinition{}, err
	}
	return definition, nil
}

// FindProcessInstance returns the instance with the given key,
// regardless of state. Commands use findActiveInstance instead.
func (engine *Engine) FindProcessInstance(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	instance, err := engine.persistence.FindProcessInstanceByKey(ctx, processInstanceKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return runtime.ProcessInstance{}, &ProcessInstanceNotFoundError{Key: processInstanceKey}
		}
		return runtime.ProcessInstance{}, err
	}
	return instance, nil
}

// findActiveInstance rejects terminal instances: once completed or
// cancelled an instance leaves the active index and further external
// interaction fails with ProcessInstanceNotFoundError.
func (engine *Engine) findActiveInstance(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	instance, err := engine.FindProcessInstance(ctx, processInstanceKey)
	if err != nil {
		return runtime.ProcessInstance{}, err
	}
	if instance.State.IsTerminal() {
		return runtime.ProcessInstance{}, &ProcessInstanceNotFoundError{Key: processInstanceKey}
	}
	return instance, nil
}

func (engine *Engine) definition(ctx context.Context, definitionKey int64) (model.ProcessDefinition, error) {
	if definition, ok := engine.definitionCache.Get(definitionKey); ok {
		return definition, nil
	}
	definition, err := engine.persistence.FindProcessDefinitionByKey(ctx, definitionKey)
	if err != nil {
		return model.ProcessDefinition{}, err
	}
	engine.definitionCache.Add(definitionKey, definition)
	return definition, nil
}

// commandContext pins one message id onto the context so every event
// recorded while handling the command shares it.
func (engine *Engine) commandContext(ctx context.Context) context.Context {
	if _, ok := appcontext.MessageIdFromContext(ctx); ok {
		return ctx
	}
	return appcontext.WithMessageId(ctx, uuid.NewString())
}

func (engine *Engine) recordEvent(ctx context.Context, streamKey int64, eventType runtime.EventType, entityKey int64, processInstanceKey int64, payload map[string]interface{}) error {
	_, err := engine.recorder.Append(ctx, streamKey, eventType, entityKey, processInstanceKey, payload)
	if err != nil {
		engine.logger.Error("failed to record event", "type", eventType, "stream", streamKey, "err", err)
		return err
	}
	if engine.metrics != nil {
		engine.metrics.EventsAppended.Add(ctx, 1)
	}
	return nil
}

func (engine *Engine) startSpan(ctx context.Context, name string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return engine.tracer.Start(ctx, name, trace.WithAttributes(attributes...))
}
