// Package engine owns every collaborator of the orchestrator and exposes
// the request pipeline as one handle.
//
// New builds the backend registry, health monitor, retry and batch runners,
// team assembler, mode dispatcher, execution coordinator, tool registry and
// finalizer from configuration. Nothing is global: two engines in one
// process share no state. Shutdown releases the store, the event publisher
// and telemetry.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chimera/internal/backend"
	"github.com/fyrsmithlabs/chimera/internal/batch"
	"github.com/fyrsmithlabs/chimera/internal/config"
	"github.com/fyrsmithlabs/chimera/internal/events"
	"github.com/fyrsmithlabs/chimera/internal/execution"
	"github.com/fyrsmithlabs/chimera/internal/finalize"
	"github.com/fyrsmithlabs/chimera/internal/health"
	"github.com/fyrsmithlabs/chimera/internal/intent"
	"github.com/fyrsmithlabs/chimera/internal/logging"
	"github.com/fyrsmithlabs/chimera/internal/modes"
	"github.com/fyrsmithlabs/chimera/internal/plan"
	"github.com/fyrsmithlabs/chimera/internal/retry"
	"github.com/fyrsmithlabs/chimera/internal/team"
	"github.com/fyrsmithlabs/chimera/internal/telemetry"
	"github.com/fyrsmithlabs/chimera/internal/tools"
)

// Option overrides a collaborator New would otherwise build from config.
type Option func(*options)

type options struct {
	backends  []backend.Backend
	store     execution.Store
	publisher events.Publisher
	tools     *tools.Registry
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	registry  *prometheus.Registry
	rules     intent.RuleSet
	retry     []retry.Option
}

// WithBackends replaces the configured backends.
func WithBackends(bs ...backend.Backend) Option {
	return func(o *options) { o.backends = bs }
}

// WithStore replaces the configured execution store. The engine closes it
// on Shutdown.
func WithStore(s execution.Store) Option {
	return func(o *options) { o.store = s }
}

// WithPublisher replaces the configured event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithTools installs the tool registry used by the work pass.
func WithTools(r *tools.Registry) Option {
	return func(o *options) { o.tools = r }
}

// WithLogger replaces the logger built from config.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTelemetry uses t instead of initializing telemetry from config. The
// engine does not shut it down.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *options) { o.telemetry = t }
}

// WithPrometheusRegistry registers the engine's gauges on reg.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithRules replaces the default ambiguity rules.
func WithRules(rs intent.RuleSet) Option {
	return func(o *options) { o.rules = rs }
}

// WithRetryOptions passes extra options to the retry runner.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(o *options) { o.retry = append(o.retry, opts...) }
}

// Engine is the orchestrator handle.
type Engine struct {
	cfg    *config.Config
	logger *logging.Logger

	analyzer    *intent.Analyzer
	backends    *backend.Registry
	health      *health.Monitor
	retry       *retry.Runner
	team        *team.Assembler
	dispatcher  *modes.Dispatcher
	coordinator *execution.Coordinator
	store       execution.Store
	publisher   events.Publisher
	tools       *tools.Registry
	finalizer   *finalize.Finalizer
	metrics     *telemetry.Metrics
	registry    *prometheus.Registry

	telemetry    *telemetry.Telemetry
	ownTelemetry bool
}

// New builds an engine from cfg. A nil cfg uses config.Default.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Engine, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	e := &Engine{cfg: cfg, telemetry: o.telemetry}
	defer func() {
		if err != nil {
			_ = e.Shutdown(context.WithoutCancel(ctx))
		}
	}()

	if e.telemetry == nil {
		if e.telemetry, err = telemetry.New(ctx, cfg.Telemetry); err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		e.ownTelemetry = true
	}
	if e.logger = o.logger; e.logger == nil {
		if e.logger, err = newLogger(cfg, e.telemetry); err != nil {
			return nil, err
		}
	}
	e.logger = e.logger.Named("chimera")
	zl := e.logger.Underlying()

	if e.metrics, err = telemetry.NewMetrics(e.telemetry.Meter(telemetry.InstrumentationName)); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	if e.registry = o.registry; e.registry == nil {
		e.registry = prometheus.NewRegistry()
		e.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	if e.analyzer, err = newAnalyzer(cfg.Ambiguity, o.rules); err != nil {
		return nil, err
	}

	bs := o.backends
	if bs == nil {
		if bs, err = backend.NewAll(cfg.Backends); err != nil {
			return nil, err
		}
	}
	if e.backends, err = backend.NewRegistry(bs...); err != nil {
		return nil, err
	}
	e.health = health.NewMonitor(health.Config{
		FailureThreshold: cfg.Health.FailureThreshold,
		Cooldown:         cfg.Health.Cooldown.Duration(),
	}, health.WithLogger(zl), health.WithRegisterer(e.registry))

	retryOpts := append([]retry.Option{retry.WithLogger(zl), retry.WithMetrics(e.metrics)}, o.retry...)
	e.retry = retry.New(retry.Config{
		MaxRetries:     cfg.Retry.MaxRetries,
		InitialBackoff: cfg.Retry.InitialBackoff.Duration(),
		MaxBackoff:     cfg.Retry.MaxBackoff.Duration(),
		Multiplier:     cfg.Retry.Multiplier,
		Jitter:         cfg.Retry.Jitter,
	}, retryOpts...)
	batcher := batch.New(batch.Config{
		Width:   cfg.Batch.Width,
		Delay:   cfg.Batch.Delay.Duration(),
		Timeout: cfg.Batch.Timeout.Duration(),
	})

	bindings, err := roleBindings(cfg.Team.Bindings)
	if err != nil {
		return nil, err
	}
	e.team = team.NewAssembler(team.Config{
		MaxIdle:      cfg.Team.MaxIdle,
		TaskWorkload: cfg.Team.TaskWorkload,
		Bindings:     bindings,
	}, zl)

	if e.dispatcher, err = modes.NewDispatcher(modes.Config{
		SystemPrompt:           cfg.Modes.SystemPrompt,
		CouncilSynthesize:      cfg.Modes.CouncilSynthesize,
		CouncilMaxVoters:       cfg.Modes.CouncilMaxVoters,
		DeliberationMaxRounds:  cfg.Modes.DeliberationMaxRounds,
		DebateRounds:           cfg.Modes.DebateRounds,
		SwarmOutputTrimChars:   cfg.Modes.SwarmOutputTrimChars,
		SwarmMaxParallelLayers: cfg.Modes.SwarmMaxParallelLayers,
	}, modes.Deps{
		Registry: e.backends,
		Health:   e.health,
		Retry:    e.retry,
		Batch:    batcher,
		Team:     e.team,
		Logger:   zl,
	}); err != nil {
		return nil, err
	}

	if e.store = o.store; e.store == nil {
		if e.store, err = openStore(cfg.Store, zl); err != nil {
			return nil, err
		}
	}
	if e.publisher = o.publisher; e.publisher == nil {
		if e.publisher, err = openPublisher(cfg.Events, zl); err != nil {
			return nil, err
		}
	}
	e.coordinator = execution.NewCoordinator(e.store, e.dispatcher,
		execution.WithLogger(e.logger),
		execution.WithPublisher(e.publisher),
		execution.WithMetrics(e.metrics),
		execution.WithStaleAfter(cfg.Execution.StaleAfter.Duration()),
	)

	if e.tools = o.tools; e.tools == nil {
		e.tools = tools.NewRegistry(tools.WithLogger(zl.Named("tools")))
	}
	var redactor *finalize.Redactor
	if cfg.Finalizer.RedactSecrets {
		if redactor, err = finalize.NewRedactor(); err != nil {
			e.logger.Warn(ctx, "secret redaction disabled", zap.Error(err))
			err = nil
		}
	}
	if e.finalizer, err = finalize.New(finalize.Config{
		WorkRounds:    cfg.Finalizer.WorkRounds,
		MaxWords:      cfg.Finalizer.MaxWords,
		ContextChars:  cfg.Finalizer.ContextChars,
		InlineCodeMax: cfg.Finalizer.InlineCodeMax,
		RedactSecrets: cfg.Finalizer.RedactSecrets,
	}, finalize.Deps{
		Registry: e.backends,
		Health:   e.health,
		Retry:    e.retry,
		Tools:    e.tools,
		Redactor: redactor,
		Logger:   zl,
	}); err != nil {
		return nil, err
	}

	e.logger.Info(ctx, "engine initialized",
		zap.Strings("backends", e.backends.IDs()),
		zap.String("store", cfg.Store.Kind),
		zap.Bool("events", cfg.Events.NATSURL != "" || o.publisher != nil),
		zap.Int("tools", len(e.tools.ListTools())),
	)
	return e, nil
}

func newLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	lp := tel.LoggerProvider()
	lc, err := logging.FromSettings(cfg.Logging, lp != nil)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	l, err := logging.NewLogger(lc, lp)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	return l, nil
}

func newAnalyzer(cfg config.AmbiguityConfig, rules intent.RuleSet) (*intent.Analyzer, error) {
	sev, err := intent.ParseSeverity(cfg.BlockSeverity)
	if err != nil {
		return nil, fmt.Errorf("ambiguity.block_severity: %w", err)
	}
	if rules == nil {
		rules = intent.DefaultRules()
	}
	known := make(map[string]bool, len(rules))
	for _, n := range rules.Names() {
		known[n] = true
	}
	for _, n := range cfg.DisabledRules {
		if !known[n] {
			return nil, fmt.Errorf("ambiguity.disabled_rules: unknown rule %q", n)
		}
	}
	for name, raw := range cfg.SeverityOverrides {
		if !known[name] {
			return nil, fmt.Errorf("ambiguity.severity_overrides: unknown rule %q", name)
		}
		over, err := intent.ParseSeverity(raw)
		if err == nil && over == intent.SeverityNever {
			err = fmt.Errorf("%q is only a blocking threshold", raw)
		}
		if err != nil {
			return nil, fmt.Errorf("ambiguity.severity_overrides.%s: %w", name, err)
		}
		rules = rules.Override(name, over)
	}
	rules = rules.Without(cfg.DisabledRules...)
	return intent.NewAnalyzer(intent.WithRules(rules), intent.WithBlockingSeverity(sev)), nil
}

func roleBindings(in map[string]config.RoleBinding) (map[team.Role]team.Binding, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[team.Role]team.Binding, len(in))
	for name, b := range in {
		role := team.Role(name)
		if !role.IsValid() {
			return nil, fmt.Errorf("team.bindings: unknown role %q", name)
		}
		out[role] = team.Binding{Backend: b.Backend, Model: b.Model}
	}
	return out, nil
}

func openStore(cfg config.StoreConfig, logger *zap.Logger) (execution.Store, error) {
	switch cfg.Kind {
	case config.StoreBadger:
		s, err := execution.OpenBadger(execution.BadgerConfig{Path: cfg.Path, SyncWrites: cfg.SyncWrites}, logger)
		if err != nil {
			return nil, fmt.Errorf("execution store: %w", err)
		}
		return s, nil
	case config.StoreMemory, "":
		return execution.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("execution store: unknown kind %q", cfg.Kind)
	}
}

func openPublisher(cfg config.EventsConfig, logger *zap.Logger) (events.Publisher, error) {
	if cfg.NATSURL == "" {
		return events.Nop{}, nil
	}
	p, err := events.Connect(cfg.NATSURL, cfg.SubjectPrefix, logger.Named("events"))
	if err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	return p, nil
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() *config.Config { return e.cfg }

// Logger returns the engine logger.
func (e *Engine) Logger() *logging.Logger { return e.logger }

// Tools returns the tool registry so adapters can register tools.
func (e *Engine) Tools() *tools.Registry { return e.tools }

// Meter returns a meter from the engine's telemetry.
func (e *Engine) Meter(name string) metric.Meter { return e.telemetry.Meter(name) }

// Gatherer exposes the engine's Prometheus collectors.
func (e *Engine) Gatherer() prometheus.Gatherer { return e.registry }

// TelemetryHealth reports whether the telemetry exporters are working.
func (e *Engine) TelemetryHealth() telemetry.HealthStatus { return e.telemetry.Health() }

// TeamStats counts pooled team members by status.
func (e *Engine) TeamStats() map[string]int {
	stats := e.team.Stats()
	out := make(map[string]int, len(stats))
	for st, n := range stats {
		out[string(st)] = n
	}
	return out
}

// Health returns the circuit state of every configured backend, sorted by id.
func (e *Engine) Health() []health.Status {
	ids := e.backends.IDs()
	out := make([]health.Status, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.health.Status(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// AvailableBackends lists backends whose circuit admits calls, in
// configuration order.
func (e *Engine) AvailableBackends() []string {
	var out []string
	for _, id := range e.backends.IDs() {
		if e.health.Available(id) {
			out = append(out, id)
		}
	}
	return out
}

// AnalyzeIntent classifies a request.
func (e *Engine) AnalyzeIntent(text string) intent.Intent {
	return e.analyzer.AnalyzeIntent(text)
}

// DetectAmbiguities runs the configured rules.
func (e *Engine) DetectAmbiguities(text string, in intent.Intent) []intent.Ambiguity {
	return e.analyzer.DetectAmbiguities(text, in)
}

// Clarify builds the questions for the ambiguities that block execution,
// or nil when nothing blocks.
func (e *Engine) Clarify(ambs []intent.Ambiguity) *intent.ClarificationRequest {
	return e.analyzer.Clarify(ambs)
}

// Classify scores a request.
func (e *Engine) Classify(in intent.Intent, text string) plan.Classification {
	return plan.Classify(in, text)
}

// BuildPlan builds a plan over the currently available backends.
func (e *Engine) BuildPlan(in intent.Intent, cls plan.Classification, message string) (*plan.Plan, error) {
	return plan.Build(in, cls, message, e.AvailableBackends())
}

// RunPlan executes p. A repeated idempotency key returns the earlier
// execution.
func (e *Engine) RunPlan(ctx context.Context, p *plan.Plan, idempotencyKey string) (*execution.Result, error) {
	return e.coordinator.RunPlan(ctx, p, idempotencyKey)
}

// Resume continues an execution from its first unfinished phase.
func (e *Engine) Resume(ctx context.Context, id string) (*execution.Result, error) {
	return e.coordinator.Resume(ctx, id)
}

// Execution returns the current result of an execution without driving it.
func (e *Engine) Execution(ctx context.Context, id string) (*execution.Result, error) {
	return e.coordinator.Result(ctx, id)
}

// Shutdown releases the store, the publisher and owned telemetry. It is
// safe to call on a partially built engine.
func (e *Engine) Shutdown(ctx context.Context) error {
	var errs []error
	if e.publisher != nil {
		if err := e.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("events: %w", err))
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("execution store: %w", err))
		}
	}
	if e.ownTelemetry && e.telemetry != nil {
		if err := e.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: %w", err))
		}
	}
	if e.logger != nil {
		_ = e.logger.Sync()
	}
	return errors.Join(errs...)
}
