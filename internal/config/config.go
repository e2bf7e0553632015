// Package config provides configuration loading for wardend.
//
// Configuration is loaded from a YAML file with environment variable
// overrides. This package covers the HTTP server, state store, log
// ingestion, detection, learning, and decision policy settings.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete wardend configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Store         StoreConfig         `koanf:"store"`
	Ingest        IngestConfig        `koanf:"ingest"`
	Detect        DetectConfig        `koanf:"detect"`
	Learning      LearningConfig      `koanf:"learning"`
	Decision      DecisionConfig      `koanf:"decision"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StoreConfig holds state store persistence configuration.
type StoreConfig struct {
	// Path is the persisted state document. Empty disables persistence.
	Path string `koanf:"path"`

	// PersistInterval is how often the store is flushed to disk.
	PersistInterval Duration `koanf:"persist_interval"`

	// HistorySize bounds the in-memory change record ring.
	HistorySize int `koanf:"history_size"`
}

// SourceConfig describes one named log source.
type SourceConfig struct {
	Name string `koanf:"name"`
	Path string `koanf:"path"`

	// FromStart reads the file from the beginning when no checkpointed
	// offset exists. Default is to start at the current end.
	FromStart bool `koanf:"from_start"`
}

// IngestConfig holds log ingestion configuration.
type IngestConfig struct {
	Sources []SourceConfig `koanf:"sources"`

	// NoisePatterns are regular expressions for lines to skip entirely.
	NoisePatterns []string `koanf:"noise_patterns"`

	// OffsetFlushInterval is how often read offsets are checkpointed.
	OffsetFlushInterval Duration `koanf:"offset_flush_interval"`

	// MaxLineLength bounds a single log line; longer lines are truncated.
	MaxLineLength int `koanf:"max_line_length"`
}

// DetectConfig holds issue detection configuration.
type DetectConfig struct {
	// ZScoreThreshold is the deviation magnitude that flags an anomaly.
	ZScoreThreshold float64 `koanf:"zscore_threshold"`

	// WarmupSamples is the minimum sample count per signal before any
	// anomaly is raised.
	WarmupSamples int `koanf:"warmup_samples"`

	// SyncBudget bounds synchronous analysis per event; work beyond the
	// budget is deferred to the background pass.
	SyncBudget Duration `koanf:"sync_budget"`

	// CausalWindow bounds how far back causal analysis walks.
	CausalWindow Duration `koanf:"causal_window"`

	// CausalMaxDepth bounds chain length attached as evidence.
	CausalMaxDepth int `koanf:"causal_max_depth"`

	// EventsPerSecond rate-limits synchronous detection. Zero disables
	// the limiter.
	EventsPerSecond float64 `koanf:"events_per_second"`

	// Burst is the limiter burst size.
	Burst int `koanf:"burst"`
}

// LearningConfig holds fix knowledge base configuration.
type LearningConfig struct {
	// AttemptTimeout marks in-flight attempts abandoned when no outcome
	// arrives in time.
	AttemptTimeout Duration `koanf:"attempt_timeout"`

	// MisdiagnosisCostThreshold excludes methods whose recorded wasted
	// time exceeds it, unless no alternative exists.
	MisdiagnosisCostThreshold Duration `koanf:"misdiagnosis_cost_threshold"`

	// RecencyHalfLife controls how quickly old attempt outcomes decay
	// in the ranking.
	RecencyHalfLife Duration `koanf:"recency_half_life"`
}

// DecisionConfig holds decision engine policy configuration.
type DecisionConfig struct {
	// ActivationSeverity is the minimum severity that moves an issue
	// from detected to active. One of: low, medium, high, critical.
	ActivationSeverity string `koanf:"activation_severity"`

	// EscalationActiveLimit raises a global escalation when the active
	// issue count reaches it.
	EscalationActiveLimit int `koanf:"escalation_active_limit"`

	// EscalationSeverity raises a global escalation when any active
	// issue reaches it.
	EscalationSeverity string `koanf:"escalation_severity"`
}

// ObservabilityConfig holds logging and telemetry configuration.
type ObservabilityConfig struct {
	ServiceName string `koanf:"service_name"`
	LogLevel    string `koanf:"log_level"`
	LogFormat   string `koanf:"log_format"`
}

// Default loads a configuration with all defaults applied and no file
// or environment input. Useful for tests and embedding.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

var validSeverities = map[string]bool{
	"low": true, "medium": true, "high": true, "critical": true,
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.http_port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Store.PersistInterval.Duration() <= 0 {
		return errors.New("store.persist_interval must be > 0")
	}
	if c.Store.HistorySize <= 0 {
		return errors.New("store.history_size must be > 0")
	}
	for i, src := range c.Ingest.Sources {
		if src.Name == "" {
			return fmt.Errorf("ingest.sources[%d]: name is required", i)
		}
		if src.Path == "" {
			return fmt.Errorf("ingest.sources[%d]: path is required", i)
		}
	}
	if c.Detect.ZScoreThreshold <= 0 {
		return errors.New("detect.zscore_threshold must be > 0")
	}
	if c.Detect.WarmupSamples < 2 {
		return errors.New("detect.warmup_samples must be >= 2")
	}
	if c.Learning.AttemptTimeout.Duration() <= 0 {
		return errors.New("learning.attempt_timeout must be > 0")
	}
	if !validSeverities[c.Decision.ActivationSeverity] {
		return fmt.Errorf("decision.activation_severity must be one of low/medium/high/critical, got %q", c.Decision.ActivationSeverity)
	}
	if !validSeverities[c.Decision.EscalationSeverity] {
		return fmt.Errorf("decision.escalation_severity must be one of low/medium/high/critical, got %q", c.Decision.EscalationSeverity)
	}
	if c.Decision.EscalationActiveLimit < 1 {
		return errors.New("decision.escalation_active_limit must be >= 1")
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Store.PersistInterval == 0 {
		cfg.Store.PersistInterval = Duration(5 * time.Second)
	}
	if cfg.Store.HistorySize == 0 {
		cfg.Store.HistorySize = 4096
	}

	if cfg.Ingest.OffsetFlushInterval == 0 {
		cfg.Ingest.OffsetFlushInterval = Duration(2 * time.Second)
	}
	if cfg.Ingest.MaxLineLength == 0 {
		cfg.Ingest.MaxLineLength = 64 * 1024
	}

	if cfg.Detect.ZScoreThreshold == 0 {
		cfg.Detect.ZScoreThreshold = 3.0
	}
	if cfg.Detect.WarmupSamples == 0 {
		cfg.Detect.WarmupSamples = 30
	}
	if cfg.Detect.SyncBudget == 0 {
		cfg.Detect.SyncBudget = Duration(25 * time.Millisecond)
	}
	if cfg.Detect.CausalWindow == 0 {
		cfg.Detect.CausalWindow = Duration(2 * time.Minute)
	}
	if cfg.Detect.CausalMaxDepth == 0 {
		cfg.Detect.CausalMaxDepth = 8
	}
	if cfg.Detect.Burst == 0 {
		cfg.Detect.Burst = 100
	}

	if cfg.Learning.AttemptTimeout == 0 {
		cfg.Learning.AttemptTimeout = Duration(30 * time.Minute)
	}
	if cfg.Learning.MisdiagnosisCostThreshold == 0 {
		cfg.Learning.MisdiagnosisCostThreshold = Duration(15 * time.Minute)
	}
	if cfg.Learning.RecencyHalfLife == 0 {
		cfg.Learning.RecencyHalfLife = Duration(14 * 24 * time.Hour)
	}

	if cfg.Decision.ActivationSeverity == "" {
		cfg.Decision.ActivationSeverity = "medium"
	}
	if cfg.Decision.EscalationActiveLimit == 0 {
		cfg.Decision.EscalationActiveLimit = 10
	}
	if cfg.Decision.EscalationSeverity == "" {
		cfg.Decision.EscalationSeverity = "critical"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "wardend"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}
}
