// Package config provides configuration loading for chimera.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then CHIMERA_* environment variables.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Backend kinds understood by the backend factory.
const (
	BackendAnthropic = "anthropic"
	BackendOpenAI    = "openai"
	BackendOllama    = "ollama"
)

// OTLP export protocols.
const (
	TelemetryGRPC = "grpc"
	TelemetryHTTP = "http"
)

// Store kinds.
const (
	StoreMemory = "memory"
	StoreBadger = "badger"
)

// Config holds the complete chimera configuration.
type Config struct {
	Backends  []BackendConfig `koanf:"backends"`
	Health    HealthConfig    `koanf:"health"`
	Retry     RetryConfig     `koanf:"retry"`
	Batch     BatchConfig     `koanf:"batch"`
	Team      TeamConfig      `koanf:"team"`
	Ambiguity AmbiguityConfig `koanf:"ambiguity"`
	Modes     ModesConfig     `koanf:"modes"`
	Finalizer FinalizerConfig `koanf:"finalizer"`
	Execution ExecutionConfig `koanf:"execution"`
	Store     StoreConfig     `koanf:"store"`
	Events    EventsConfig    `koanf:"events"`
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// BackendConfig describes one model-serving provider.
type BackendConfig struct {
	ID        string   `koanf:"id"`
	Kind      string   `koanf:"kind"`
	Model     string   `koanf:"model"`
	BaseURL   string   `koanf:"base_url"`
	APIKey    Secret   `koanf:"api_key"`
	APIKeyEnv string   `koanf:"api_key_env"`
	Timeout   Duration `koanf:"timeout"`
	RateLimit float64  `koanf:"rate_limit"` // requests per second, 0 disables
	MaxTokens int      `koanf:"max_tokens"`
}

// HealthConfig controls the per-backend circuit breaker.
type HealthConfig struct {
	FailureThreshold int      `koanf:"failure_threshold"`
	Cooldown         Duration `koanf:"cooldown"`
}

// RetryConfig controls backoff between attempts against one backend.
type RetryConfig struct {
	MaxRetries     int      `koanf:"max_retries"`
	InitialBackoff Duration `koanf:"initial_backoff"`
	MaxBackoff     Duration `koanf:"max_backoff"`
	Multiplier     float64  `koanf:"multiplier"`
	Jitter         float64  `koanf:"jitter"`
}

// BatchConfig controls client-side admission of concurrent backend calls.
type BatchConfig struct {
	Width   int      `koanf:"width"`
	Delay   Duration `koanf:"delay"`
	Timeout Duration `koanf:"timeout"`
}

// TeamConfig controls the swarm worker arena.
type TeamConfig struct {
	MaxIdle      int                    `koanf:"max_idle"`
	TaskWorkload int                    `koanf:"task_workload"`
	Bindings     map[string]RoleBinding `koanf:"bindings"`
}

// RoleBinding pins a team role to a backend and model.
type RoleBinding struct {
	Backend string `koanf:"backend"`
	Model   string `koanf:"model"`
}

// AmbiguityConfig selects how eagerly requests are sent back for clarification.
type AmbiguityConfig struct {
	BlockSeverity string   `koanf:"block_severity"`
	DisabledRules []string `koanf:"disabled_rules"`
	// SeverityOverrides maps rule names to a replacement severity.
	SeverityOverrides map[string]string `koanf:"severity_overrides"`
}

// ModesConfig tunes the multi-backend execution algorithms.
type ModesConfig struct {
	SystemPrompt           string `koanf:"system_prompt"`
	CouncilSynthesize      bool   `koanf:"council_synthesize"`
	CouncilMaxVoters       int    `koanf:"council_max_voters"`
	DeliberationMaxRounds  int    `koanf:"deliberation_max_rounds"`
	DebateRounds           int    `koanf:"debate_rounds"`
	SwarmOutputTrimChars   int    `koanf:"swarm_output_trim_chars"`
	SwarmMaxParallelLayers int    `koanf:"swarm_max_parallel_layers"`
}

// FinalizerConfig bounds the work and finalize passes.
type FinalizerConfig struct {
	WorkRounds    int  `koanf:"work_rounds"`
	MaxWords      int  `koanf:"max_words"`
	ContextChars  int  `koanf:"context_chars"`
	InlineCodeMax int  `koanf:"inline_code_max"`
	RedactSecrets bool `koanf:"redact_secrets"`
}

// ExecutionConfig controls the coordinator.
type ExecutionConfig struct {
	// StaleAfter is how long a running execution may go without an update
	// before a resume is allowed to take it over.
	StaleAfter Duration `koanf:"stale_after"`
}

// StoreConfig selects the execution state store.
type StoreConfig struct {
	Kind       string `koanf:"kind"`
	Path       string `koanf:"path"`
	SyncWrites bool   `koanf:"sync_writes"`
}

// EventsConfig configures lifecycle event publishing. An empty URL disables it.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig is the subset of logging settings exposed through config files.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"`
	Sampling bool   `koanf:"sampling"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"`
	Protocol       string   `koanf:"protocol"` // grpc or http
	ServiceName    string   `koanf:"service_name"`
	ServiceVersion string   `koanf:"service_version"`
	Insecure       bool     `koanf:"insecure"`
	SampleRate     float64  `koanf:"sample_rate"`
	ExportInterval Duration `koanf:"export_interval"`
	ShutdownAfter  Duration `koanf:"shutdown_timeout"`
}

// Default returns a configuration with every default applied and no backends.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	for i := range cfg.Backends {
		b := &cfg.Backends[i]
		if b.ID == "" {
			b.ID = b.Kind
		}
		if b.Timeout == 0 {
			b.Timeout = Duration(60 * time.Second)
		}
		if b.MaxTokens == 0 {
			b.MaxTokens = 2048
		}
	}

	if cfg.Health.FailureThreshold == 0 {
		cfg.Health.FailureThreshold = 5
	}
	if cfg.Health.Cooldown == 0 {
		cfg.Health.Cooldown = Duration(60 * time.Second)
	}

	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry.InitialBackoff = Duration(500 * time.Millisecond)
	}
	if cfg.Retry.MaxBackoff == 0 {
		cfg.Retry.MaxBackoff = Duration(8 * time.Second)
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 2
	}

	if cfg.Batch.Width == 0 {
		cfg.Batch.Width = 3
	}
	if cfg.Batch.Delay == 0 {
		cfg.Batch.Delay = Duration(250 * time.Millisecond)
	}
	if cfg.Batch.Timeout == 0 {
		cfg.Batch.Timeout = Duration(90 * time.Second)
	}

	if cfg.Team.MaxIdle == 0 {
		cfg.Team.MaxIdle = 8
	}
	if cfg.Team.TaskWorkload == 0 {
		cfg.Team.TaskWorkload = 25
	}

	if cfg.Ambiguity.BlockSeverity == "" {
		cfg.Ambiguity.BlockSeverity = "high"
	}

	if cfg.Modes.CouncilMaxVoters == 0 {
		cfg.Modes.CouncilMaxVoters = 5
	}
	if cfg.Modes.DeliberationMaxRounds == 0 {
		cfg.Modes.DeliberationMaxRounds = 3
	}
	if cfg.Modes.DebateRounds == 0 {
		cfg.Modes.DebateRounds = 2
	}
	if cfg.Modes.SwarmOutputTrimChars == 0 {
		cfg.Modes.SwarmOutputTrimChars = 1500
	}

	if cfg.Finalizer.WorkRounds == 0 {
		cfg.Finalizer.WorkRounds = 3
	}
	if cfg.Finalizer.MaxWords == 0 {
		cfg.Finalizer.MaxWords = 350
	}
	if cfg.Finalizer.ContextChars == 0 {
		cfg.Finalizer.ContextChars = 6000
	}
	if cfg.Finalizer.InlineCodeMax == 0 {
		cfg.Finalizer.InlineCodeMax = 40
	}

	if cfg.Execution.StaleAfter == 0 {
		cfg.Execution.StaleAfter = Duration(15 * time.Minute)
	}

	if cfg.Store.Kind == "" {
		cfg.Store.Kind = StoreMemory
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "chimera.executions"
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = TelemetryGRPC
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "chimera"
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = "0.1.0"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
	if cfg.Telemetry.ExportInterval == 0 {
		cfg.Telemetry.ExportInterval = Duration(15 * time.Second)
	}
	if cfg.Telemetry.ShutdownAfter == 0 {
		cfg.Telemetry.ShutdownAfter = Duration(5 * time.Second)
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	seen := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		switch b.Kind {
		case BackendAnthropic, BackendOpenAI, BackendOllama:
		default:
			errs = append(errs, fmt.Errorf("backends[%d]: unknown kind %q", i, b.Kind))
		}
		if b.Model == "" {
			errs = append(errs, fmt.Errorf("backends[%d]: model is required", i))
		}
		if seen[b.ID] {
			errs = append(errs, fmt.Errorf("backends[%d]: duplicate id %q", i, b.ID))
		}
		seen[b.ID] = true
		if b.RateLimit < 0 {
			errs = append(errs, fmt.Errorf("backends[%d]: rate_limit must be >= 0", i))
		}
	}

	if c.Health.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("health.failure_threshold must be >= 1"))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("retry.max_retries must be >= 0"))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be >= 1"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, fmt.Errorf("retry.jitter must be between 0 and 1"))
	}
	if c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		errs = append(errs, fmt.Errorf("retry.max_backoff must be >= retry.initial_backoff"))
	}
	if c.Batch.Width < 1 {
		errs = append(errs, fmt.Errorf("batch.width must be >= 1"))
	}
	if c.Team.TaskWorkload < 1 || c.Team.TaskWorkload > 100 {
		errs = append(errs, fmt.Errorf("team.task_workload must be between 1 and 100"))
	}

	switch c.Ambiguity.BlockSeverity {
	case "low", "medium", "high", "never":
	default:
		errs = append(errs, fmt.Errorf("ambiguity.block_severity must be low, medium, high or never, got %q", c.Ambiguity.BlockSeverity))
	}

	if c.Modes.DeliberationMaxRounds < 1 {
		errs = append(errs, fmt.Errorf("modes.deliberation_max_rounds must be >= 1"))
	}
	if c.Modes.DebateRounds < 1 {
		errs = append(errs, fmt.Errorf("modes.debate_rounds must be >= 1"))
	}
	if c.Finalizer.WorkRounds < 1 {
		errs = append(errs, fmt.Errorf("finalizer.work_rounds must be >= 1"))
	}
	if c.Finalizer.MaxWords < 1 {
		errs = append(errs, fmt.Errorf("finalizer.max_words must be >= 1"))
	}

	switch c.Store.Kind {
	case StoreMemory:
	case StoreBadger:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for the badger store"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.kind must be memory or badger, got %q", c.Store.Kind))
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}
	switch c.Telemetry.Protocol {
	case TelemetryGRPC, TelemetryHTTP:
	default:
		errs = append(errs, fmt.Errorf("telemetry.protocol must be grpc or http, got %q", c.Telemetry.Protocol))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1"))
	}

	return errors.Join(errs...)
}
