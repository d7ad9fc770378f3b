package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/exploopio/chainhunt/pkg/finding"
	"github.com/exploopio/chainhunt/pkg/ingest"
	"github.com/exploopio/chainhunt/pkg/shared/severity"
)

func newSubmitCmd(flags *globalFlags) *cobra.Command {
	var (
		target  string
		lenient bool
		workers int
	)

	cmd := &cobra.Command{
		Use:   "submit [file|-]",
		Short: "Submit findings from JSON lines",
		Long: `Reads one finding per line, as produced by recon and triage tools:

  {"target":"x.com","host":"api.x.com","vulnerability_class":"ssrf",
   "evidence":"GET /fetch?url=...","severity":"medium","confidence":0.9,
   "grants":["internal-network-access"],"status":"triaged"}

Lines that fail are reported with their line number and do not stop the
batch. Re-submitting the same evidence is a no-op.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open input: %w", err)
				}
				defer f.Close()
				in = f
			}

			a, err := openApp(cmd, flags, nil)
			if err != nil {
				return err
			}
			defer a.close()

			cfg := a.cfg.Ingest
			cfg.DefaultTarget = target
			if lenient {
				cfg.LenientSeverity = true
			}
			if workers > 0 {
				cfg.Workers = workers
			}
			if flags.verbose {
				cfg.OnStored = func(line int, f *finding.Finding, created bool) {
					state := "duplicate"
					if created {
						state = "created"
					}
					a.log.Debug("line %d: %s %s (%s on %s)", line, state, f.ID, f.VulnerabilityClass, f.Host)
				}
			}

			ing, err := ingest.New(&cfg, a.engine, a.log)
			if err != nil {
				return err
			}
			rep, err := ing.Run(cmd.Context(), in)
			if err != nil {
				return err
			}

			if err := a.print(rep, func(w io.Writer) {
				fmt.Fprintf(w, "%s %d lines: %s created, %d duplicates, %d status updates, %s failed (%s)\n",
					bold("Ingested"), rep.Lines, green(rep.Created), rep.Duplicates, rep.StatusUpdates,
					failedCount(rep.Failed), rep.Duration)
				for _, le := range rep.Errors {
					fmt.Fprintf(w, "  %s %s\n", red("✗"), le.Error())
				}
			}); err != nil {
				return err
			}
			if rep.Failed > 0 && rep.Created+rep.Duplicates == 0 {
				return fmt.Errorf("no line could be ingested")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", "", "Target for lines that carry none")
	cmd.Flags().BoolVar(&lenient, "lenient", false, "Accept severity aliases such as MED or crit")
	cmd.Flags().IntVar(&workers, "workers", 0, "Concurrent submitters (default from config)")
	return cmd
}

func failedCount(n int) string {
	if n == 0 {
		return "0"
	}
	return red(n)
}

func newFindingsCmd(flags *globalFlags) *cobra.Command {
	var (
		statuses    []string
		minSeverity string
		latest      bool
	)

	cmd := &cobra.Command{
		Use:   "findings <target>",
		Short: "List the findings of a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := finding.ListFilter{LatestOnly: latest}
			for _, s := range statuses {
				st, err := finding.ParseStatus(strings.ToLower(s))
				if err != nil {
					return err
				}
				filter.Statuses = append(filter.Statuses, st)
			}
			if minSeverity != "" {
				l, err := severity.Parse(minSeverity)
				if err != nil {
					return err
				}
				filter.MinSeverity = l
			}

			a, err := openApp(cmd, flags, nil)
			if err != nil {
				return err
			}
			defer a.close()

			fs, err := a.engine.ListFindings(cmd.Context(), args[0], filter)
			if err != nil {
				return err
			}
			return a.print(fs, func(w io.Writer) { printFindings(w, fs) })
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only findings in these statuses")
	cmd.Flags().StringVar(&minSeverity, "min-severity", "", "Only findings at or above this severity")
	cmd.Flags().BoolVar(&latest, "latest", false, "Only the latest revision of each finding")
	return cmd
}

func printFindings(w io.Writer, fs []*finding.Finding) {
	if len(fs) == 0 {
		fmt.Fprintln(w, faint("No findings."))
		return
	}
	var counts severity.CountBySeverity
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tHOST\tCLASS\tSEVERITY\tSTATUS\tREV\tREQUIRES\tGRANTS")
	for _, f := range fs {
		counts.Increment(f.Severity)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			f.ID, f.Host, f.VulnerabilityClass, severityColor(string(f.Severity)),
			f.Status, f.Revision, tags(f.Requires), tags(f.Grants))
	}
	tw.Flush()
	fmt.Fprintf(w, "%d findings  %s\n", counts.Total, severitySummary(counts))
}

// severitySummary renders the non-zero counts, most severe first.
func severitySummary(c severity.CountBySeverity) string {
	var parts []string
	for _, p := range []struct {
		level severity.Level
		n     int
	}{
		{severity.Critical, c.Critical},
		{severity.High, c.High},
		{severity.Medium, c.Medium},
		{severity.Low, c.Low},
		{severity.Info, c.Info},
	} {
		if p.n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", p.n, severityColor(string(p.level))))
		}
	}
	return strings.Join(parts, ", ")
}

func newFindingCmd(flags *globalFlags) *cobra.Command {
	var history, revisions bool

	cmd := &cobra.Command{
		Use:   "finding <id>",
		Short: "Show one finding, its status history or its revisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, flags, nil)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			switch {
			case history:
				hs, err := a.engine.FindingHistory(ctx, args[0])
				if err != nil {
					return err
				}
				return a.print(hs, func(w io.Writer) {
					for _, h := range hs {
						fmt.Fprintf(w, "%s  v%d  %s -> %s\n",
							h.ChangedAt.Format("2006-01-02 15:04:05"), h.Version, h.From, cyan(h.To))
					}
				})
			case revisions:
				rs, err := a.engine.FindingRevisions(ctx, args[0])
				if err != nil {
					return err
				}
				return a.print(rs, func(w io.Writer) { printFindings(w, rs) })
			}

			f, err := a.engine.Finding(ctx, args[0])
			if err != nil {
				return err
			}
			return a.print(f, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s\n", bold(f.VulnerabilityClass), faint(f.ID))
				fmt.Fprintf(w, "  Target:     %s\n", f.Target)
				fmt.Fprintf(w, "  Host:       %s\n", f.Host)
				fmt.Fprintf(w, "  Severity:   %s (confidence %.2f)\n", severityColor(string(f.Severity)), f.Confidence)
				fmt.Fprintf(w, "  Status:     %s (version %d)\n", f.Status, f.Version)
				fmt.Fprintf(w, "  Revision:   %d\n", f.Revision)
				if f.Supersedes != "" {
					fmt.Fprintf(w, "  Supersedes: %s\n", f.Supersedes)
				}
				fmt.Fprintf(w, "  Requires:   %s\n", tags(f.Requires))
				fmt.Fprintf(w, "  Grants:     %s\n", tags(f.Grants))
				if f.EvidenceRef != "" {
					fmt.Fprintf(w, "  Evidence:   %s\n", f.EvidenceRef)
				}
			})
		},
	}

	cmd.Flags().BoolVar(&history, "history", false, "Show the status history")
	cmd.Flags().BoolVar(&revisions, "revisions", false, "Show every revision of the finding")
	return cmd
}

func newStatusCmd(flags *globalFlags) *cobra.Command {
	var version int64

	cmd := &cobra.Command{
		Use:   "status <finding-id> <status>",
		Short: "Change the triage status of a finding",
		Long: `Moves a finding to new, triaged, verified, reported, paid or rejected.
Without --version the current version is read first; pass the version you
saw to fail with a conflict when someone else changed the finding meanwhile.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := finding.ParseStatus(strings.ToLower(args[1]))
			if err != nil {
				return err
			}

			a, err := openApp(cmd, flags, nil)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if !cmd.Flags().Changed("version") {
				cur, err := a.engine.Finding(ctx, args[0])
				if err != nil {
					return err
				}
				version = cur.Version
			}

			f, err := a.engine.UpdateFindingStatus(ctx, args[0], to, version)
			if err != nil {
				return err
			}
			return a.print(f, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s is now %s (version %d)\n", green("✓"), shortID(f.ID), bold(f.Status), f.Version)
			})
		},
	}

	cmd.Flags().Int64Var(&version, "version", 0, "Expected current version")
	return cmd
}

func tags(ts []string) string {
	if len(ts) == 0 {
		return "-"
	}
	return strings.Join(ts, ",")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
