package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/exploopio/chainhunt/pkg/roi"
)

func newROICmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roi",
		Short: "Record and report time spent and payouts",
	}
	cmd.AddCommand(newROIRecordCmd(flags), newROIReportCmd(flags))
	return cmd
}

func newROIRecordCmd(flags *globalFlags) *cobra.Command {
	var e roi.Entry
	var kind string

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Append an entry to the ledger",
		Long: `Appends hours and payout for a finding, a chain or a whole target.
Entries are never edited: fix a mistake with a compensating entry
(--compensates <entry-id>) carrying the negative difference.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e.SubjectKind = roi.SubjectKind(strings.ToLower(kind))

			a, err := openApp(cmd, flags, nil)
			if err != nil {
				return err
			}
			defer a.close()

			rec, err := a.engine.RecordROI(cmd.Context(), e)
			if err != nil {
				return err
			}
			return a.print(rec, func(w io.Writer) {
				fmt.Fprintf(w, "%s recorded %s: %.2fh, %.2f %s on %s %s\n",
					green("✓"), faint(rec.ID), rec.Hours, rec.Payout, rec.Currency, rec.SubjectKind, rec.SubjectID)
			})
		},
	}

	f := cmd.Flags()
	f.StringVarP(&e.Target, "target", "t", "", "Target (required)")
	f.StringVar(&e.SubjectID, "subject", "", "Finding id, chain id, or empty for the target itself")
	f.StringVar(&kind, "kind", string(roi.SubjectTarget), "Subject kind: finding, chain or target")
	f.Float64Var(&e.Hours, "hours", 0, "Hours spent")
	f.Float64Var(&e.Payout, "payout", 0, "Payout received")
	f.StringVar(&e.Currency, "currency", "USD", "ISO currency code of the payout")
	f.StringVar(&e.Compensates, "compensates", "", "Id of the entry this one corrects")
	f.StringVar(&e.Note, "note", "", "Free-form note")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func newROIReportCmd(flags *globalFlags) *cobra.Command {
	var (
		q         roi.Query
		since     string
		until     string
		breakdown bool
		entries   bool
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if q.Since, err = parseDate(since); err != nil {
				return err
			}
			if q.Until, err = parseDate(until); err != nil {
				return err
			}

			a, err := openApp(cmd, flags, nil)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			switch {
			case entries:
				es, err := a.engine.ROIEntries(ctx, q)
				if err != nil {
					return err
				}
				return a.print(es, func(w io.Writer) { printEntries(w, es) })
			case breakdown:
				sums, err := a.engine.ROIBreakdown(ctx, q)
				if err != nil {
					return err
				}
				return a.print(sums, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
					fmt.Fprintln(tw, "SUBJECT\tENTRIES\tHOURS\tPAYOUT\tPER HOUR")
					for _, s := range sums {
						fmt.Fprintf(tw, "%s\t%d\t%.2f\t%.2f %s\t%s\n",
							s.SubjectID, s.Entries, s.TotalHours, s.TotalPayout, s.Currency, rate(s))
					}
					tw.Flush()
				})
			}

			sum, err := a.engine.ComputeROI(ctx, q)
			if err != nil {
				return err
			}
			return a.print(sum, func(w io.Writer) {
				scope := q.Target
				if scope == "" {
					scope = "all targets"
				}
				fmt.Fprintf(w, "%s %s\n", bold("ROI"), scope)
				fmt.Fprintf(w, "  Entries:  %d\n", sum.Entries)
				fmt.Fprintf(w, "  Hours:    %.2f\n", sum.TotalHours)
				fmt.Fprintf(w, "  Payout:   %.2f %s\n", sum.TotalPayout, sum.Currency)
				if sum.ZeroHourPayout != 0 {
					fmt.Fprintf(w, "            %s\n", faint(fmt.Sprintf("%.2f of it with no hours logged", sum.ZeroHourPayout)))
				}
				fmt.Fprintf(w, "  Per hour: %s\n", rate(sum))
			})
		},
	}

	f := cmd.Flags()
	f.StringVarP(&q.Target, "target", "t", "", "Only this target")
	f.StringVar(&q.SubjectID, "subject", "", "Only this finding or chain")
	f.StringVar(&since, "since", "", "Only entries recorded at or after (YYYY-MM-DD or RFC 3339)")
	f.StringVar(&until, "until", "", "Only entries recorded before (YYYY-MM-DD or RFC 3339)")
	f.BoolVar(&breakdown, "breakdown", false, "One line per subject, best paid first")
	f.BoolVar(&entries, "entries", false, "List the raw entries")
	return cmd
}

func rate(s *roi.Summary) string {
	if s.TotalHours == 0 {
		return faint("n/a")
	}
	return green(fmt.Sprintf("%.2f %s/h", s.DollarsPerHour, s.Currency))
}

func printEntries(w io.Writer, es []*roi.Entry) {
	if len(es) == 0 {
		fmt.Fprintln(w, faint("No entries."))
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tRECORDED\tTARGET\tSUBJECT\tHOURS\tPAYOUT\tNOTE")
	for _, e := range es {
		note := e.Note
		if e.Compensates != "" {
			note = strings.TrimSpace("corrects " + e.Compensates + " " + note)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s %s\t%.2f\t%.2f %s\t%s\n",
			e.Seq, e.RecordedAt.Format("2006-01-02"), e.Target, e.SubjectKind, e.SubjectID,
			e.Hours, e.Payout, e.Currency, note)
	}
	tw.Flush()
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: use YYYY-MM-DD or RFC 3339", s)
	}
	return t, nil
}
