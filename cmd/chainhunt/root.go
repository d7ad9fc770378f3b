package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/exploopio/chainhunt/pkg/audit"
	"github.com/exploopio/chainhunt/pkg/chain"
	"github.com/exploopio/chainhunt/pkg/config"
	"github.com/exploopio/chainhunt/pkg/engine"
	"github.com/exploopio/chainhunt/pkg/errors"
	"github.com/exploopio/chainhunt/pkg/logger"
	"github.com/exploopio/chainhunt/pkg/metrics"
	"github.com/exploopio/chainhunt/pkg/storage"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	dbPath     string
	verbose    bool
	json       bool
}

// app is the set of components a command works with. Commands open it in
// RunE and close it when they return.
type app struct {
	cfg     *config.Config
	log     *logger.LogrusLogger
	db      *storage.DB
	audit   *audit.Logger
	metrics metrics.Collector
	engine  *engine.Engine
	out     io.Writer
	json    bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   appName,
		Short: "Correlate bug bounty findings into attack chains",
		Long: `chainhunt stores findings reported by recon and triage collaborators,
links them by the capabilities they grant and require, ranks the attack
chains they form, tracks each target through the campaign pipeline and
keeps the time/payout ledger.`,
		Version:       appVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "Path to config file")
	pf.StringVar(&flags.dbPath, "db", "", "Campaign database path (or CHAINHUNT_DB env)")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "Verbose output")
	pf.BoolVar(&flags.json, "json", false, "Output results as JSON")

	root.AddCommand(
		newSubmitCmd(flags),
		newFindingsCmd(flags),
		newFindingCmd(flags),
		newStatusCmd(flags),
		newGraphCmd(flags),
		newChainsCmd(flags),
		newStageCmd(flags),
		newTransitionCmd(flags),
		newTargetsCmd(flags),
		newROICmd(flags),
		newExportCmd(flags),
		newInspectCmd(flags),
		newServeMetricsCmd(flags),
		newConfigCmd(flags),
	)
	return root
}

// loadConfig reads the config file and applies the command-line overrides.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.dbPath != "" {
		cfg.Storage.DatabasePath = flags.dbPath
	}
	if flags.verbose {
		cfg.Log.Level = "debug"
		cfg.Audit.Verbose = true
	}
	return cfg, nil
}

// openApp wires the engine. A nil collector disables metrics. Each tweak
// may adjust the loaded config before anything is opened.
func openApp(cmd *cobra.Command, flags *globalFlags, collector metrics.Collector, tweaks ...func(*config.Config)) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	for _, tweak := range tweaks {
		tweak(cfg)
	}

	a := &app{
		cfg:     cfg,
		log:     logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cmd.ErrOrStderr()}),
		metrics: metrics.OrNop(collector),
		out:     cmd.OutOrStdout(),
		json:    flags.json,
	}

	a.db, err = storage.Open(&cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.log.Debug("Opened campaign database %s", a.db.Path())

	opts := []engine.Option{
		engine.WithLogger(a.log),
		engine.WithMetrics(a.metrics),
		engine.WithCorrelation(&cfg.Correlation),
		engine.WithSynthesis(cfg.Synthesis.Options),
		engine.WithScorer(chain.NewWeightedScorer(cfg.Synthesis.SeverityWeights)),
	}

	if cfg.Audit.Enabled {
		auditCfg := cfg.Audit.LoggerConfig
		auditCfg.Console = cmd.ErrOrStderr()
		a.audit, err = audit.NewLogger(&auditCfg)
		if err != nil {
			a.db.Close()
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		a.audit.Start()
		opts = append(opts, engine.WithAudit(a.audit))
	}

	a.engine, err = engine.New(a.db, opts...)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	if a.engine != nil {
		a.engine.Close()
	}
	if a.audit != nil {
		if err := a.audit.Stop(); err != nil {
			a.log.Warn("Failed to flush audit log: %v", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database: %v", err)
		}
	}
}

// print writes v as indented JSON when --json is set, and calls text
// otherwise.
func (a *app) print(v any, text func(w io.Writer)) error {
	if a.json {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(a.out)
	return nil
}

// exitCode maps engine error kinds to process exit codes.
func exitCode(err error) int {
	switch {
	case errors.IsValidation(err):
		return 2
	case errors.IsNotFound(err):
		return 3
	case errors.IsConflict(err):
		return 4
	case errors.IsInvalidTransition(err):
		return 5
	default:
		return 1
	}
}

var (
	bold    = color.New(color.Bold).SprintFunc()
	faint   = color.New(color.Faint).SprintFunc()
	green   = color.New(color.FgGreen).SprintFunc()
	yellow  = color.New(color.FgYellow).SprintFunc()
	red     = color.New(color.FgRed).SprintFunc()
	cyan    = color.New(color.FgCyan).SprintFunc()
	magenta = color.New(color.FgMagenta, color.Bold).SprintFunc()
)

// severityColor renders a severity level in its usual color.
func severityColor(level string) string {
	switch level {
	case "critical":
		return magenta(level)
	case "high":
		return red(level)
	case "medium":
		return yellow(level)
	case "low":
		return green(level)
	default:
		return faint(level)
	}
}
