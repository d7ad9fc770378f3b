package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/exploopio/chainhunt/pkg/compress"
	"github.com/exploopio/chainhunt/pkg/config"
	"github.com/exploopio/chainhunt/pkg/engine"
	"github.com/exploopio/chainhunt/pkg/health"
	"github.com/exploopio/chainhunt/pkg/metrics"
	"github.com/exploopio/chainhunt/pkg/pipeline"
)

func newExportCmd(flags *globalFlags) *cobra.Command {
	var (
		output    string
		algorithm string
	)

	cmd := &cobra.Command{
		Use:   "export <target>",
		Short: "Write everything known about a target to a compressed bundle",
		Long: `Writes the findings, correlation graph, top chains, pipeline history and
ROI ledger of a target to a single JSON bundle. The bundle is compressed
with zstd unless --algorithm says otherwise; "chainhunt inspect" reads any
of them back.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alg, err := compress.ParseAlgorithm(strings.ToLower(algorithm))
			if err != nil {
				return err
			}
			c := compress.For(alg)

			a, err := openApp(cmd, flags, nil)
			if err != nil {
				return err
			}
			defer a.close()

			data, err := a.engine.Export(cmd.Context(), args[0], c)
			if err != nil {
				return err
			}

			if output == "-" {
				_, err := a.out.Write(data)
				return err
			}
			if output == "" {
				output = strings.ReplaceAll(args[0], string(filepath.Separator), "_") + c.Extension()
			}
			if err := os.WriteFile(output, data, 0o600); err != nil {
				return fmt.Errorf("write bundle: %w", err)
			}
			a.log.Info("Exported %s to %s (%d bytes, %s)", args[0], output, len(data), alg)
			return a.print(map[string]any{"target": args[0], "path": output, "bytes": len(data), "algorithm": alg}, func(w io.Writer) {
				fmt.Fprintf(w, "%s exported %s to %s (%d bytes)\n", green("✓"), args[0], output, len(data))
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file, - for stdout (default: <target><ext>)")
	cmd.Flags().StringVar(&algorithm, "algorithm", string(compress.AlgorithmZSTD), "Compression: zstd, gzip or none")
	return cmd
}

func newInspectCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <bundle>",
		Short: "Summarize an exported bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read bundle: %w", err)
			}
			b, err := engine.ReadBundle(data)
			if err != nil {
				return err
			}

			a := &app{out: cmd.OutOrStdout(), json: flags.json}
			return a.print(b, func(w io.Writer) { printBundle(w, b, compress.Detect(data)) })
		},
	}
}

func printBundle(w io.Writer, b *engine.Bundle, alg compress.Algorithm) {
	fmt.Fprintf(w, "%s %s  %s\n", bold("Bundle"), b.Target,
		faint(fmt.Sprintf("v%d, %s, exported %s", b.Version, alg, b.ExportedAt.Format("2006-01-02 15:04"))))
	if b.State != nil {
		fmt.Fprintf(w, "  Stage:    %s (version %d, %d transitions)\n", stageColor(b.State.Stage), b.State.Version, len(b.History))
	}
	fmt.Fprintf(w, "  Findings: %d  %s\n", len(b.Findings), severitySummary(b.Severities))
	if b.Graph != nil {
		fmt.Fprintf(w, "  Graph:    %d nodes, %d edges  %s\n", len(b.Graph.Nodes), len(b.Graph.Edges), faint(b.Graph.Digest()[:12]))
	}
	fmt.Fprintf(w, "  Ledger:   %d entries\n", len(b.Ledger))
	if b.ROI != nil {
		fmt.Fprintf(w, "  ROI:      %.2f %s over %.2fh, %s\n", b.ROI.TotalPayout, b.ROI.Currency, b.ROI.TotalHours, rate(b.ROI))
	}
	for i := range b.Chains {
		printChain(w, i+1, &b.Chains[i])
	}
}

func newServeMetricsCmd(flags *globalFlags) *cobra.Command {
	var (
		listen      string
		interval    time.Duration
		hideDetails bool
	)

	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Serve Prometheus metrics and health checks for the campaign",
		Long: `Serves /metrics, /healthz and /readyz. Graph and pipeline gauges are
refreshed from the database every --interval, so other chainhunt processes
writing to the same database show up without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if listen == "" {
				listen = cfg.Metrics.Listen
			}

			collector, err := metrics.NewPrometheusCollector(&metrics.PrometheusConfig{
				Namespace:             cfg.Metrics.Namespace,
				RegisterEngineMetrics: true,
			})
			if err != nil {
				return fmt.Errorf("create metrics collector: %w", err)
			}

			// Periodic rebuilds would flood the audit log with graph events.
			a, err := openApp(cmd, flags, collector, func(c *config.Config) { c.Audit.Enabled = false })
			if err != nil {
				return err
			}
			defer a.close()

			checks := newChecks(a, cfg.Metrics.HideDetails || hideDetails)
			refresh := &refresher{app: a}
			checks.RegisterFunc("refresh", refresh.check)

			mux := http.NewServeMux()
			mux.Handle("/metrics", collector.Handler())
			health.RegisterRoutes(mux, checks)

			srv := &http.Server{
				Addr:              listen,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx := cmd.Context()
			if err := refresh.run(ctx); err != nil {
				a.log.Warn("Initial refresh failed: %v", err)
			}
			checks.SetReady(true)
			go refresh.loop(ctx, interval)

			errCh := make(chan error, 1)
			go func() {
				a.log.Info("Serving metrics on %s", listen)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !stderrors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("metrics server: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			a.log.Info("Shutting down metrics server")
			checks.SetReady(false)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default from config, :9464)")
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "Refresh interval of the gauges")
	cmd.Flags().BoolVar(&hideDetails, "hide-details", false, "Report only the overall health status (or metrics.hide_details)")
	return cmd
}

func newChecks(a *app, hideDetails bool) *health.Handler {
	opts := []health.HandlerOption{health.WithVersion(appVersion)}
	if hideDetails {
		opts = append(opts, health.WithHideDetails())
	}
	checks := health.NewHandler(opts...)
	checks.Register("database", &health.DatabaseCheck{DB: a.db})
	checks.Register("disk", &health.DiskCheck{Path: filepath.Dir(a.db.Path()), MinFreeBytes: 100 << 20})
	checks.Register("pipeline", &health.PipelineCheck{Drift: a.engine.StageDrift})
	return checks
}

// refresher keeps the gauges current and remembers how the last refresh went.
type refresher struct {
	app *app

	mu      sync.Mutex
	last    time.Time
	lastErr error
}

func (r *refresher) run(ctx context.Context) error {
	err := refreshGauges(ctx, r.app)
	r.mu.Lock()
	r.last, r.lastErr = time.Now(), err
	r.mu.Unlock()
	return err
}

func (r *refresher) loop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.run(ctx); err != nil && ctx.Err() == nil {
				r.app.log.Warn("Refresh failed: %v", err)
			}
		}
	}
}

// check reports a failed refresh as degraded: the gauges are stale, not wrong.
func (r *refresher) check(ctx context.Context) health.CheckResult {
	r.mu.Lock()
	last, err := r.last, r.lastErr
	r.mu.Unlock()

	result := health.CheckResult{Timestamp: time.Now()}
	switch {
	case last.IsZero():
		result.Status = health.StatusUnknown
		result.Message = "gauges not refreshed yet"
	case err != nil:
		result.Status = health.StatusDegraded
		result.Error = err.Error()
		result.Metadata = map[string]any{"last_refresh": last}
	default:
		result.Status = health.StatusHealthy
		result.Metadata = map[string]any{"last_refresh": last}
	}
	return result
}

// refreshGauges rebuilds every graph, which sets the graph gauges through
// the engine, and counts targets per stage.
func refreshGauges(ctx context.Context, a *app) error {
	targets, err := a.engine.Targets(ctx)
	if err != nil {
		return err
	}
	for _, t := range targets {
		if _, err := a.engine.RepairGraph(ctx, t.Target); err != nil {
			return err
		}
	}

	states, err := a.engine.Stages(ctx, "")
	if err != nil {
		return err
	}
	counts := make(map[pipeline.Stage]int)
	for _, st := range states {
		counts[st.Stage]++
	}
	for _, s := range pipeline.AllStages() {
		a.metrics.GaugeSet(metrics.TargetsByStage.Name, float64(counts[s]), "stage", string(s))
	}
	a.log.Debug("Refreshed gauges for %d targets", len(targets))
	return nil
}

func newConfigCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or create the configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration to a file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "chainhunt.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(config.Default(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s wrote %s\n", green("✓"), path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	cmd.AddCommand(show, initCmd)
	return cmd
}
