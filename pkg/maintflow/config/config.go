// Package config defines the typed configuration for a pipeline
// deployment: explicit structs with named fields, defaults applied at
// load, and validation at construction. Values come from an optional
// YAML file with environment variable overrides on top.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	Bus          BusConfig          `yaml:"bus" json:"bus"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" json:"orchestrator"`
	Detection    DetectionConfig    `yaml:"detection" json:"detection"`
	Validation   ValidationConfig   `yaml:"validation" json:"validation"`
	Model        ModelConfig        `yaml:"model" json:"model"`
	Notify       NotifyConfig       `yaml:"notify" json:"notify"`
	Store        StoreConfig        `yaml:"store" json:"store"`
}

// BusConfig tunes event delivery.
type BusConfig struct {
	BufferSize      int           `yaml:"buffer_size" json:"buffer_size" split_words:"true"`
	MaxAttempts     int           `yaml:"max_attempts" json:"max_attempts" split_words:"true"`
	InitialBackoff  time.Duration `yaml:"initial_backoff" json:"initial_backoff" split_words:"true"`
	MaxBackoff      time.Duration `yaml:"max_backoff" json:"max_backoff" split_words:"true"`
	BackoffFactor   float64       `yaml:"backoff_factor" json:"backoff_factor" split_words:"true"`
	Jitter          float64       `yaml:"jitter" json:"jitter"`
	DeduplicateTTL  time.Duration `yaml:"deduplicate_ttl" json:"deduplicate_ttl" envconfig:"DEDUPLICATE_TTL"`
	ValidateSchemas bool          `yaml:"validate_schemas" json:"validate_schemas" split_words:"true"`
}

// OrchestratorConfig tunes workflow coordination.
type OrchestratorConfig struct {
	SLA                          time.Duration `yaml:"sla" json:"sla" envconfig:"SLA"`
	TickInterval                 time.Duration `yaml:"tick_interval" json:"tick_interval" split_words:"true"`
	HistorySize                  int           `yaml:"history_size" json:"history_size" split_words:"true"`
	CriticalEscalationConfidence float64       `yaml:"critical_escalation_confidence" json:"critical_escalation_confidence" split_words:"true"`
}

// DetectionConfig tunes anomaly scoring.
type DetectionConfig struct {
	ScoreThreshold float64 `yaml:"score_threshold" json:"score_threshold" split_words:"true"`
	ModelWeight    float64 `yaml:"model_weight" json:"model_weight" split_words:"true"`
}

// ValidationConfig tunes anomaly validation.
type ValidationConfig struct {
	WindowSize             int     `yaml:"window_size" json:"window_size" split_words:"true"`
	MinHistory             int     `yaml:"min_history" json:"min_history" split_words:"true"`
	RecurrenceThreshold    float64 `yaml:"recurrence_threshold" json:"recurrence_threshold" split_words:"true"`
	RecurrencePenalty      float64 `yaml:"recurrence_penalty" json:"recurrence_penalty" split_words:"true"`
	RuleWeight             float64 `yaml:"rule_weight" json:"rule_weight" split_words:"true"`
	CredibleThreshold      float64 `yaml:"credible_threshold" json:"credible_threshold" split_words:"true"`
	FalsePositiveThreshold float64 `yaml:"false_positive_threshold" json:"false_positive_threshold" split_words:"true"`
}

// ModelConfig tunes model loading.
type ModelConfig struct {
	TTL                time.Duration `yaml:"ttl" json:"ttl" envconfig:"TTL"`
	LoadTimeout        time.Duration `yaml:"load_timeout" json:"load_timeout" split_words:"true"`
	MaxConcurrentLoads int           `yaml:"max_concurrent_loads" json:"max_concurrent_loads" split_words:"true"`
}

// NotifyConfig tunes notification delivery.
type NotifyConfig struct {
	SendTimeout        time.Duration `yaml:"send_timeout" json:"send_timeout" split_words:"true"`
	BreakerMaxFailures uint32        `yaml:"breaker_max_failures" json:"breaker_max_failures" split_words:"true"`
	BreakerCooldown    time.Duration `yaml:"breaker_cooldown" json:"breaker_cooldown" split_words:"true"`
	WebhookURL         string        `yaml:"webhook_url" json:"webhook_url" envconfig:"WEBHOOK_URL"`
	ChatWebhookURL     string        `yaml:"chat_webhook_url" json:"chat_webhook_url" envconfig:"CHAT_WEBHOOK_URL"`
	Email              EmailConfig   `yaml:"email" json:"email"`
}

// EmailConfig configures the SMTP channel. Empty host disables it.
type EmailConfig struct {
	Host string   `yaml:"host" json:"host"`
	Port int      `yaml:"port" json:"port"`
	From string   `yaml:"from" json:"from"`
	To   []string `yaml:"to" json:"to"`
}

// StoreConfig configures persistence. An empty path selects the
// in-memory store.
type StoreConfig struct {
	Path string `yaml:"path" json:"path"`
}

// Default returns the standard configuration.
func Default() Config {
	return Config{
		Bus: BusConfig{
			BufferSize:     256,
			MaxAttempts:    4,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			BackoffFactor:  2.0,
			Jitter:         0.1,
		},
		Orchestrator: OrchestratorConfig{
			SLA:                          90 * time.Second,
			TickInterval:                 time.Second,
			HistorySize:                  256,
			CriticalEscalationConfidence: 0.9,
		},
		Detection: DetectionConfig{
			ScoreThreshold: 0.75,
			ModelWeight:    0.7,
		},
		Validation: ValidationConfig{
			WindowSize:             20,
			MinHistory:             5,
			RecurrenceThreshold:    0.25,
			RecurrencePenalty:      0.45,
			RuleWeight:             0.6,
			CredibleThreshold:      0.7,
			FalsePositiveThreshold: 0.4,
		},
		Model: ModelConfig{
			TTL:                60 * time.Minute,
			LoadTimeout:        10 * time.Second,
			MaxConcurrentLoads: 4,
		},
		Notify: NotifyConfig{
			SendTimeout:        10 * time.Second,
			BreakerMaxFailures: 3,
			BreakerCooldown:    30 * time.Second,
		},
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Bus.BufferSize <= 0 {
		return fmt.Errorf("bus.buffer_size must be positive")
	}
	if c.Bus.MaxAttempts <= 0 {
		return fmt.Errorf("bus.max_attempts must be positive")
	}
	if c.Bus.BackoffFactor < 1 {
		return fmt.Errorf("bus.backoff_factor must be at least 1")
	}
	if c.Orchestrator.SLA <= 0 {
		return fmt.Errorf("orchestrator.sla must be positive")
	}
	if c.Detection.ScoreThreshold <= 0 || c.Detection.ScoreThreshold > 1 {
		return fmt.Errorf("detection.score_threshold must be in (0, 1]")
	}
	if c.Detection.ModelWeight < 0 || c.Detection.ModelWeight > 1 {
		return fmt.Errorf("detection.model_weight must be in [0, 1]")
	}
	if c.Validation.CredibleThreshold <= c.Validation.FalsePositiveThreshold {
		return fmt.Errorf("validation.credible_threshold must exceed validation.false_positive_threshold")
	}
	if c.Validation.RecurrenceThreshold <= 0 || c.Validation.RecurrenceThreshold > 1 {
		return fmt.Errorf("validation.recurrence_threshold must be in (0, 1]")
	}
	if c.Validation.RuleWeight < 0 || c.Validation.RuleWeight > 1 {
		return fmt.Errorf("validation.rule_weight must be in [0, 1]")
	}
	if c.Model.LoadTimeout <= 0 {
		return fmt.Errorf("model.load_timeout must be positive")
	}
	return nil
}
