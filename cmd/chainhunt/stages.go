package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/exploopio/chainhunt/pkg/pipeline"
)

func newStageCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Inspect the campaign pipeline",
	}

	show := &cobra.Command{
		Use:   "show <target>",
		Short: "Show the current stage of a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, flags, nil)
			if err != nil {
				return err
			}
			defer a.close()

			st, err := a.engine.Stage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(st, func(w io.Writer) { printState(w, st) })
		},
	}

	history := &cobra.Command{
		Use:   "history <target>",
		Short: "Show the transition log of a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, flags, nil)
			if err != nil {
				return err
			}
			defer a.close()

			ts, err := a.engine.StageHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(ts, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tAT\tFROM\tTO\tKIND\tREASON")
				for _, t := range ts {
					from := string(t.From)
					if from == "" {
						from = "-"
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
						t.Version, t.At.Format("2006-01-02 15:04:05"), from, t.To, t.Kind, t.Reason)
				}
				tw.Flush()
			})
		},
	}

	var stage string
	list := &cobra.Command{
		Use:   "list",
		Short: "List targets and their stages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter pipeline.Stage
			if stage != "" {
				s, err := pipeline.ParseStage(strings.ToLower(stage))
				if err != nil {
					return err
				}
				filter = s
			}

			a, err := openApp(cmd, flags, nil)
			if err != nil {
				return err
			}
			defer a.close()

			states, err := a.engine.Stages(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return a.print(states, func(w io.Writer) {
				for _, st := range states {
					printState(w, st)
				}
			})
		},
	}
	list.Flags().StringVar(&stage, "stage", "", "Only targets in this stage")

	recoverCmd := &cobra.Command{
		Use:   "recover <target>",
		Short: "Rebuild the state of a target from its transition log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, flags, nil)
			if err != nil {
				return err
			}
			defer a.close()

			st, changed, err := a.engine.RecoverStage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(st, func(w io.Writer) {
				if changed {
					fmt.Fprintf(w, "%s state rebuilt from the log\n", yellow("!"))
				} else {
					fmt.Fprintf(w, "%s state matches the log\n", green("✓"))
				}
				printState(w, st)
			})
		},
	}

	cmd.AddCommand(show, history, list, recoverCmd)
	return cmd
}

func printState(w io.Writer, st *pipeline.State) {
	fmt.Fprintf(w, "%s  %s  version %d  %s\n",
		bold(st.Target), stageColor(st.Stage), st.Version, faint("since "+st.UpdatedAt.Format("2006-01-02 15:04")))
}

func stageColor(s pipeline.Stage) string {
	switch s {
	case pipeline.StageClosed:
		return green(s)
	case pipeline.StageRejected:
		return red(s)
	case pipeline.StageVerified, pipeline.StageReported:
		return cyan(s)
	default:
		return yellow(s)
	}
}

func newTransitionCmd(flags *globalFlags) *cobra.Command {
	var (
		from    string
		version int64
		reason  string
	)

	cmd := &cobra.Command{
		Use:   "transition <target> <stage>",
		Short: "Move a target to another pipeline stage",
		Long: `Moves a target along discovered -> triaged -> planned -> verified ->
reported -> closed, to rejected from any open stage, or back to triaged
from verified or reported.

Without --from and --version the current state is read first. Pass both to
fail with a conflict when another collaborator moved the target meanwhile.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := pipeline.ParseStage(strings.ToLower(args[1]))
			if err != nil {
				return err
			}

			a, err := openApp(cmd, flags, nil)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			cur, err := a.engine.Stage(ctx, args[0])
			if err != nil {
				return err
			}
			fromStage := cur.Stage
			if from != "" {
				if fromStage, err = pipeline.ParseStage(strings.ToLower(from)); err != nil {
					return err
				}
			}
			if !cmd.Flags().Changed("version") {
				version = cur.Version
			}

			st, err := a.engine.Transition(ctx, args[0], fromStage, to, version, reason)
			if err != nil {
				return err
			}
			return a.print(st, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s: %s -> %s (version %d)\n",
					green("✓"), st.Target, fromStage, stageColor(st.Stage), st.Version)
			})
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "Expected current stage")
	cmd.Flags().Int64Var(&version, "version", 0, "Expected current version")
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Why the target moves")
	return cmd
}

func newTargetsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "List targets with their finding counts and stages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, flags, nil)
			if err != nil {
				return err
			}
			defer a.close()

			ts, err := a.engine.Targets(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(ts, func(w io.Writer) {
				if len(ts) == 0 {
					fmt.Fprintln(w, faint("No targets."))
					return
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "TARGET\tFINDINGS\tSTAGE\tVERSION")
				for _, t := range ts {
					fmt.Fprintf(tw, "%s\t%d\t%s\t%d\n", t.Target, t.Findings, stageColor(t.Stage), t.Version)
				}
				tw.Flush()
			})
		},
	}
}
