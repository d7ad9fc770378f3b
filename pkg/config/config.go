// Package config loads the chainhunt configuration file.
//
// Example:
//
//	storage:
//	  database_path: ~/.chainhunt/campaign.db
//	synthesis:
//	  max_chain_length: 5
//	  severity_weights: {info: 0.5, low: 1, medium: 3, high: 6, critical: 10}
//	log:
//	  level: debug
//
// Values may reference environment variables (${HOME}); a few settings can be
// overridden directly with CHAINHUNT_* variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/exploopio/chainhunt/pkg/audit"
	"github.com/exploopio/chainhunt/pkg/chain"
	"github.com/exploopio/chainhunt/pkg/correlate"
	"github.com/exploopio/chainhunt/pkg/errors"
	"github.com/exploopio/chainhunt/pkg/ingest"
	"github.com/exploopio/chainhunt/pkg/shared/severity"
	"github.com/exploopio/chainhunt/pkg/storage"
)

// Environment overrides.
const (
	EnvDatabase = "CHAINHUNT_DB"
	EnvLogLevel = "CHAINHUNT_LOG_LEVEL"
	EnvAuditLog = "CHAINHUNT_AUDIT_LOG"
)

// Config is the whole configuration file.
type Config struct {
	Storage     storage.Config   `yaml:"storage"`
	Correlation correlate.Config `yaml:"correlation"`
	Synthesis   SynthesisConfig  `yaml:"synthesis"`
	Ingest      ingest.Config    `yaml:"ingest"`
	Log         LogConfig        `yaml:"log"`
	Audit       AuditConfig      `yaml:"audit"`
	Metrics     MetricsConfig    `yaml:"metrics"`
}

// SynthesisConfig holds the chain search bounds and the scoring weights.
type SynthesisConfig struct {
	chain.Options `yaml:",inline"`

	SeverityWeights severity.Weights `yaml:"severity_weights"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// AuditConfig configures the audit event log.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`

	audit.LoggerConfig `yaml:",inline"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
	Listen    string `yaml:"listen"`

	// HideDetails strips individual checks from the health responses.
	HideDetails bool `yaml:"hide_details"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Storage:     *storage.DefaultConfig(),
		Correlation: *correlate.DefaultConfig(),
		Synthesis: SynthesisConfig{
			Options:         chain.DefaultOptions(),
			SeverityWeights: severity.DefaultWeights(),
		},
		Ingest: *ingest.DefaultConfig(),
		Log:    LogConfig{Level: "info", Format: "text"},
		Audit: AuditConfig{
			Enabled:      true,
			LoggerConfig: *audit.DefaultLoggerConfig(),
		},
		Metrics: MetricsConfig{Namespace: "chainhunt", Listen: ":9464"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path yields the defaults with overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}

		// Expand environment variables in config
		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, errors.E(errors.KindInvalidInput, "config.Load", fmt.Errorf("parse %s: %w", path, err))
		}
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv applies the CHAINHUNT_* overrides.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvDatabase); v != "" {
		c.Storage.DatabasePath = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvAuditLog); v != "" {
		c.Audit.LogFile = v
	}
}

// Validate fills zero values with defaults and rejects invalid settings.
func (c *Config) Validate() error {
	const op = "config.Validate"

	c.Storage.DatabasePath = expandHome(c.Storage.DatabasePath)
	c.Audit.LogFile = expandHome(c.Audit.LogFile)

	if err := c.Storage.Validate(); err != nil {
		return errors.E(errors.KindInvalidInput, op, err)
	}
	if err := c.Correlation.Validate(); err != nil {
		return errors.E(errors.KindInvalidInput, op, fmt.Errorf("correlation: %w", err))
	}

	d := chain.DefaultOptions()
	if c.Synthesis.MaxLength == 0 {
		c.Synthesis.MaxLength = d.MaxLength
	}
	if c.Synthesis.TopK == 0 {
		c.Synthesis.TopK = d.TopK
	}
	if c.Synthesis.MinFindings == 0 {
		c.Synthesis.MinFindings = d.MinFindings
	}
	if err := c.Synthesis.Options.Validate(); err != nil {
		return errors.Wrap(err, op)
	}
	if len(c.Synthesis.SeverityWeights) == 0 {
		c.Synthesis.SeverityWeights = severity.DefaultWeights()
	}
	if err := c.Synthesis.SeverityWeights.Validate(); err != nil {
		return errors.Wrap(err, op)
	}

	if err := c.Ingest.Validate(); err != nil {
		return errors.Wrap(err, op)
	}

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch c.Log.Level {
	case "":
		c.Log.Level = "info"
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.Errorf(errors.KindInvalidInput, op, "log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "":
		c.Log.Format = "text"
	case "text", "json":
	default:
		return errors.Errorf(errors.KindInvalidInput, op, "log.format %q is not one of text, json", c.Log.Format)
	}

	da := audit.DefaultLoggerConfig()
	if c.Audit.LogFile == "" {
		c.Audit.LogFile = da.LogFile
	}
	if c.Audit.BufferSize <= 0 {
		c.Audit.BufferSize = da.BufferSize
	}
	if c.Audit.FlushInterval <= 0 {
		c.Audit.FlushInterval = da.FlushInterval
	}
	if c.Audit.FlushInterval < 10*time.Millisecond {
		return errors.Errorf(errors.KindInvalidInput, op, "audit.flush_interval %s is too short", c.Audit.FlushInterval)
	}

	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "chainhunt"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9464"
	}
	return nil
}

// Save writes c to path as YAML, creating the directory if needed.
func Save(c *Config, path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
