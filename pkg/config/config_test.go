package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/exploopio/chainhunt/pkg/errors"
	"github.com/exploopio/chainhunt/pkg/shared/severity"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chainhunt.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Synthesis.MaxLength != 4 || cfg.Synthesis.TopK != 10 || cfg.Synthesis.MinFindings != 2 {
		t.Errorf("synthesis defaults = %+v", cfg.Synthesis.Options)
	}
	if cfg.Synthesis.SeverityWeights.Of(severity.Critical) != 10 {
		t.Errorf("critical weight = %v", cfg.Synthesis.SeverityWeights.Of(severity.Critical))
	}
	if cfg.Ingest.RatePerSecond != 50 || cfg.Ingest.Burst != 10 || cfg.Ingest.MaxRetries != 5 {
		t.Errorf("ingest defaults = %+v", cfg.Ingest)
	}
	if len(cfg.Correlation.NetworkPositionTags) != 3 {
		t.Errorf("network position tags = %v", cfg.Correlation.NetworkPositionTags)
	}
	if cfg.Metrics.Namespace != "chainhunt" {
		t.Errorf("namespace = %q", cfg.Metrics.Namespace)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CAMPAIGN_DIR", dir)

	path := writeFile(t, `
storage:
  database_path: ${CAMPAIGN_DIR}/x.db
correlation:
  min_confidence: 0.5
synthesis:
  max_chain_length: 6
  severity_weights:
    critical: 20
ingest:
  workers: 8
log:
  level: DEBUG
  format: json
audit:
  enabled: false
  flush_interval: 2s
metrics:
  hide_details: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Storage.DatabasePath != filepath.Join(dir, "x.db") {
		t.Errorf("DatabasePath = %q", cfg.Storage.DatabasePath)
	}
	if cfg.Storage.BusyTimeoutMs != 5000 {
		t.Errorf("BusyTimeoutMs = %d, default lost", cfg.Storage.BusyTimeoutMs)
	}
	if cfg.Correlation.MinConfidence != 0.5 {
		t.Errorf("MinConfidence = %v", cfg.Correlation.MinConfidence)
	}
	if len(cfg.Correlation.EntryPointTags) != 2 {
		t.Errorf("EntryPointTags default lost: %v", cfg.Correlation.EntryPointTags)
	}
	if cfg.Synthesis.MaxLength != 6 || cfg.Synthesis.TopK != 10 {
		t.Errorf("synthesis = %+v", cfg.Synthesis.Options)
	}
	if cfg.Synthesis.SeverityWeights.Of(severity.Critical) != 20 {
		t.Errorf("critical weight = %v", cfg.Synthesis.SeverityWeights.Of(severity.Critical))
	}
	if cfg.Synthesis.SeverityWeights.Of(severity.High) != 6 {
		t.Errorf("high weight default lost: %v", cfg.Synthesis.SeverityWeights.Of(severity.High))
	}
	if cfg.Ingest.Workers != 8 || cfg.Ingest.Burst != 10 {
		t.Errorf("ingest = %+v", cfg.Ingest)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.Audit.Enabled || cfg.Audit.FlushInterval != 2*time.Second {
		t.Errorf("audit = %+v", cfg.Audit)
	}
	if !cfg.Metrics.HideDetails || cfg.Metrics.Listen != ":9464" {
		t.Errorf("metrics = %+v", cfg.Metrics)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvDatabase, "/tmp/env.db")
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvAuditLog, "/tmp/env-audit.log")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.DatabasePath != "/tmp/env.db" {
		t.Errorf("DatabasePath = %q", cfg.Storage.DatabasePath)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Level = %q", cfg.Log.Level)
	}
	if cfg.Audit.LogFile != "/tmp/env-audit.log" {
		t.Errorf("LogFile = %q", cfg.Audit.LogFile)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "storage: [unclosed"},
		{"min confidence out of range", "correlation:\n  min_confidence: 1.5\n"},
		{"negative chain length", "synthesis:\n  max_chain_length: -1\n"},
		{"negative weight", "synthesis:\n  severity_weights:\n    low: -1\n"},
		{"negative workers", "ingest:\n  workers: -2\n"},
		{"unknown log level", "log:\n  level: loud\n"},
		{"unknown log format", "log:\n  format: xml\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.content))
			if !errors.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSave_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Synthesis.TopK = 3
	cfg.Metrics.Listen = "127.0.0.1:9000"

	path := filepath.Join(t.TempDir(), "nested", "chainhunt.yaml")
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Synthesis.TopK != 3 || got.Metrics.Listen != "127.0.0.1:9000" {
		t.Errorf("round trip lost values: %+v %+v", got.Synthesis.Options, got.Metrics)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandHome("~/x.db"); got != filepath.Join(home, "x.db") {
		t.Errorf("expandHome = %q", got)
	}
	if got := expandHome("/abs/x.db"); got != "/abs/x.db" {
		t.Errorf("expandHome changed an absolute path: %q", got)
	}
}
