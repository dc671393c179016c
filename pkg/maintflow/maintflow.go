// Package maintflow wires the predictive maintenance pipeline: event
// bus, stores, the six agents, and the orchestrator, built from one
// configuration.
//
// The Runtime is the composition root. Library users who need custom
// wiring (their own model source, extra channels, a different store)
// use the sub-packages directly; Runtime covers the standard
// deployment shape.
package maintflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sentriq/maintflow/pkg/maintflow/agent"
	"github.com/sentriq/maintflow/pkg/maintflow/agents"
	"github.com/sentriq/maintflow/pkg/maintflow/config"
	mferrors "github.com/sentriq/maintflow/pkg/maintflow/errors"
	"github.com/sentriq/maintflow/pkg/maintflow/event"
	"github.com/sentriq/maintflow/pkg/maintflow/model"
	"github.com/sentriq/maintflow/pkg/maintflow/notify"
	"github.com/sentriq/maintflow/pkg/maintflow/observability"
	"github.com/sentriq/maintflow/pkg/maintflow/orchestrator"
	"github.com/sentriq/maintflow/pkg/maintflow/pipeline"
	"github.com/sentriq/maintflow/pkg/maintflow/rules"
	"github.com/sentriq/maintflow/pkg/maintflow/store"
)

// Options customizes runtime construction beyond what configuration
// expresses.
type Options struct {
	// Logger is the root logger. Defaults to slog.Default.
	Logger *slog.Logger

	// Metrics records pipeline metrics. Defaults to NoopMetrics.
	Metrics observability.MetricsRecorder

	// Spans traces event deliveries. Defaults to NoopSpanManager.
	Spans observability.SpanManager

	// ModelSource serves anomaly models. Defaults to a built-in static
	// source.
	ModelSource model.Source

	// Channels are extra notification channels beyond those the
	// configuration enables.
	Channels []notify.Channel

	// Criticality maps equipment ID to criticality for acquisition.
	Criticality map[string]pipeline.Criticality
}

// Runtime is a fully wired pipeline.
type Runtime struct {
	Bus          *event.LocalBus
	Store        Store
	Agents       *agent.Registry
	Orchestrator *orchestrator.Orchestrator
	Dispatcher   *notify.Dispatcher

	logger *slog.Logger
	all    []agent.Agent
	closer func() error
}

// Store is the persistence surface the runtime wires together.
type Store interface {
	store.EventLog
	store.ReadingHistory
	store.MaintenanceLog
	store.DecisionLog
}

// New builds a runtime from configuration.
func New(cfg config.Config, opts Options) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	spans := opts.Spans
	if spans == nil {
		spans = observability.NoopSpanManager{}
	}

	st, dlq, closer, err := buildStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	schemaReg := event.NewSchemaRegistry()
	pipeline.RegisterSchemas(schemaReg)

	busCfg := event.BusConfig{
		BufferSize: cfg.Bus.BufferSize,
		Retry: mferrors.RetryConfig{
			MaxAttempts:    cfg.Bus.MaxAttempts,
			InitialBackoff: cfg.Bus.InitialBackoff,
			MaxBackoff:     cfg.Bus.MaxBackoff,
			BackoffFactor:  cfg.Bus.BackoffFactor,
			Jitter:         cfg.Bus.Jitter,
		},
		DLQ:             dlq,
		Log:             st,
		Registry:        schemaReg,
		ValidateSchemas: cfg.Bus.ValidateSchemas,
		DeduplicateTTL:  cfg.Bus.DeduplicateTTL,
		Poison: event.NewPoisonDetector(event.PoisonConfig{
			OnDetect: func(evt event.Event, failures int) {
				logger.Warn("poison pill detected",
					"event_type", evt.Type(), "event_id", evt.ID(), "failures", failures)
			},
		}),
	}
	observability.InstrumentBus(&busCfg, metrics, logger)
	bus := event.NewBus(busCfg)

	agentReg := agent.NewRegistry()
	base := func(id string) agent.BaseConfig {
		return agent.BaseConfig{
			ID: id, Bus: bus, Registry: agentReg, Logger: logger,
			Middleware: []event.MiddlewareFunc{observability.TraceMiddleware(spans, id)},
		}
	}

	source := opts.ModelSource
	if source == nil {
		source = &model.StaticSource{}
	}
	loader := model.NewCachedLoader(source, model.LoaderConfig{
		TTL:                cfg.Model.TTL,
		LoadTimeout:        cfg.Model.LoadTimeout,
		MaxConcurrentLoads: cfg.Model.MaxConcurrentLoads,
	})

	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		SendTimeout:        cfg.Notify.SendTimeout,
		BreakerMaxFailures: cfg.Notify.BreakerMaxFailures,
		BreakerCooldown:    cfg.Notify.BreakerCooldown,
	})
	dispatcher.Register(&notify.ConsoleChannel{Logger: logger})
	if cfg.Notify.WebhookURL != "" {
		dispatcher.Register(&notify.WebhookChannel{URL: cfg.Notify.WebhookURL})
	}
	if cfg.Notify.ChatWebhookURL != "" {
		dispatcher.Register(&notify.ChatChannel{WebhookURL: cfg.Notify.ChatWebhookURL})
	}
	if cfg.Notify.Email.Host != "" {
		dispatcher.Register(&notify.EmailChannel{
			Host: cfg.Notify.Email.Host,
			Port: cfg.Notify.Email.Port,
			From: cfg.Notify.Email.From,
			To:   cfg.Notify.Email.To,
		})
	}
	for _, ch := range opts.Channels {
		dispatcher.Register(ch)
	}

	acquisition, err := agents.NewAcquisition(base("acquisition-agent"),
		agents.AcquisitionConfig{Criticality: opts.Criticality})
	if err != nil {
		return nil, err
	}
	detection, err := agents.NewAnomalyDetection(base("anomaly-detection-agent"),
		agents.AnomalyDetectionConfig{
			ScoreThreshold: cfg.Detection.ScoreThreshold,
			ModelWeight:    cfg.Detection.ModelWeight,
		}, loader, st)
	if err != nil {
		return nil, err
	}
	validation, err := agents.NewValidation(base("validation-agent"),
		agents.ValidationConfig{
			WindowSize:             cfg.Validation.WindowSize,
			MinHistory:             cfg.Validation.MinHistory,
			RecurrenceThreshold:    cfg.Validation.RecurrenceThreshold,
			RecurrencePenalty:      cfg.Validation.RecurrencePenalty,
			RuleWeight:             cfg.Validation.RuleWeight,
			CredibleThreshold:      cfg.Validation.CredibleThreshold,
			FalsePositiveThreshold: cfg.Validation.FalsePositiveThreshold,
		}, rules.NewDefaultEngine(nil), st)
	if err != nil {
		return nil, err
	}
	prediction, err := agents.NewPrediction(base("prediction-agent"), agents.PredictionConfig{}, st)
	if err != nil {
		return nil, err
	}
	scheduling, err := agents.NewScheduling(base("scheduling-agent"), agents.SchedulingConfig{})
	if err != nil {
		return nil, err
	}
	notification, err := agents.NewNotification(base("notification-agent"), dispatcher, st)
	if err != nil {
		return nil, err
	}

	coordinator, err := orchestrator.New(base("orchestrator"), orchestrator.Config{
		SLA:                          cfg.Orchestrator.SLA,
		TickInterval:                 cfg.Orchestrator.TickInterval,
		HistorySize:                  cfg.Orchestrator.HistorySize,
		CriticalEscalationConfidence: cfg.Orchestrator.CriticalEscalationConfidence,
		Metrics:                      metrics,
	}, st)
	if err != nil {
		return nil, err
	}

	return &Runtime{
		Bus:          bus,
		Store:        st,
		Agents:       agentReg,
		Orchestrator: coordinator,
		Dispatcher:   dispatcher,
		logger:       logger,
		all: []agent.Agent{
			acquisition, detection, validation,
			prediction, scheduling, notification,
			coordinator,
		},
		closer: closer,
	}, nil
}

// buildStore selects the configured persistence backend. The SQLite
// store doubles as the durable DLQ; the memory store pairs with an
// in-memory DLQ.
func buildStore(cfg config.StoreConfig) (Store, event.DeadLetterQueue, func() error, error) {
	if cfg.Path == "" {
		return store.NewMemoryStore(), event.NewInMemoryDLQ(event.DLQConfig{}), func() error { return nil }, nil
	}
	s, err := store.NewSQLiteStore(cfg.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	return s, s, s.Close, nil
}

// Start starts every agent and the orchestrator.
func (r *Runtime) Start(ctx context.Context) error {
	for _, a := range r.all {
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", a.ID(), err)
		}
	}
	r.logger.Info("pipeline started", "agents", len(r.all))
	return nil
}

// Ingest publishes a sensor reading as the first event of a new
// workflow and returns its correlation ID.
func (r *Runtime) Ingest(ctx context.Context, reading pipeline.SensorReading) (string, error) {
	if reading.ReadAt.IsZero() {
		reading.ReadAt = time.Now().UTC()
	}
	evt := event.New(pipeline.TypeSensorDataReceived, "gateway", reading)
	if err := r.Bus.Publish(ctx, evt); err != nil {
		return "", err
	}
	return evt.CorrelationID(), nil
}

// Respond publishes a human decision for an escalated workflow.
func (r *Runtime) Respond(ctx context.Context, correlationID string, response pipeline.HumanDecisionResponse) error {
	evt := event.New(pipeline.TypeHumanDecisionResponse, "gateway", response,
		event.WithCorrelationID(correlationID))
	return r.Bus.Publish(ctx, evt)
}

// Stop stops agents in reverse order, closes the bus, and releases the
// store.
func (r *Runtime) Stop(ctx context.Context) error {
	var firstErr error
	for i := len(r.all) - 1; i >= 0; i-- {
		if err := r.all[i].Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := r.Bus.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.closer(); err != nil && firstErr == nil {
		firstErr = err
	}
	r.logger.Info("pipeline stopped")
	return firstErr
}
