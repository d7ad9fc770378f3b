package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/exploopio/chainhunt/pkg/chain"
	"github.com/exploopio/chainhunt/pkg/correlate"
)

func newGraphCmd(flags *globalFlags) *cobra.Command {
	var repair bool

	cmd := &cobra.Command{
		Use:   "graph <target>",
		Short: "Show the correlation graph of a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, flags, nil)
			if err != nil {
				return err
			}
			defer a.close()

			get := a.engine.Graph
			if repair {
				get = a.engine.RepairGraph
			}
			g, err := get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(g, func(w io.Writer) { printGraph(w, g) })
		},
	}

	cmd.Flags().BoolVar(&repair, "repair", false, "Force a full rebuild")
	return cmd
}

func printGraph(w io.Writer, g *correlate.Graph) {
	fmt.Fprintf(w, "%s %s: %d findings, %d edges %s\n",
		bold("Graph"), g.Target, len(g.Nodes), len(g.Edges), faint(g.Digest()[:12]))
	for _, e := range g.Edges {
		from, _ := g.Node(e.From)
		to, _ := g.Node(e.To)
		fmt.Fprintf(w, "  %s %s %s  %s %.2f %s\n",
			nodeLabel(from), cyan("--["+strings.Join(e.Via, ",")+"]-->"), nodeLabel(to),
			faint("confidence"), e.Confidence, faint(string(e.Scope)))
	}
}

func nodeLabel(n correlate.Node) string {
	return fmt.Sprintf("%s@%s", n.VulnerabilityClass, n.Host)
}

func newChainsCmd(flags *globalFlags) *cobra.Command {
	var (
		top        int
		maxLength  int
		minFinding int
	)

	cmd := &cobra.Command{
		Use:   "chains <target>",
		Short: "Rank the attack chains of a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, flags, nil)
			if err != nil {
				return err
			}
			defer a.close()

			opts := a.engine.SynthesisOptions()
			if top > 0 {
				opts.TopK = top
			}
			if maxLength > 0 {
				opts.MaxLength = maxLength
			}
			if minFinding > 0 {
				opts.MinFindings = minFinding
			}

			chains, partial, err := a.engine.Chains(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}

			out := struct {
				Target  string        `json:"target"`
				Partial bool          `json:"partial"`
				Chains  []chain.Chain `json:"chains"`
			}{args[0], partial, chains}

			return a.print(out, func(w io.Writer) {
				if len(chains) == 0 {
					fmt.Fprintln(w, faint("No chains."))
					return
				}
				for i := range chains {
					printChain(w, i+1, &chains[i])
				}
				if partial {
					fmt.Fprintln(w, yellow("Search was interrupted; results are the best found so far."))
				}
			})
		},
	}

	cmd.Flags().IntVarP(&top, "top", "k", 0, "Number of chains (default from config)")
	cmd.Flags().IntVar(&maxLength, "max-length", 0, "Longest chain considered (default from config)")
	cmd.Flags().IntVar(&minFinding, "min-findings", 0, "Findings needed before multi-step chains are searched")
	return cmd
}

func printChain(w io.Writer, rank int, c *chain.Chain) {
	fmt.Fprintf(w, "%s %s  score %.2f  %s  payout %.0f-%.0f %s\n",
		bold(fmt.Sprintf("#%d", rank)), faint(c.ID), c.Score,
		severityColor(string(c.CombinedSeverity)),
		c.EstimatedPayout.Min, c.EstimatedPayout.Max, c.EstimatedPayout.Currency)
	for i, s := range c.Steps {
		prefix := "   "
		if i > 0 {
			prefix = "   " + cyan("-["+strings.Join(s.Via, ",")+"]->") + " "
		}
		fmt.Fprintf(w, "%s%s on %s (%s)\n", prefix, s.VulnerabilityClass, s.Host, severityColor(string(s.Severity)))
	}
	fmt.Fprintf(w, "   %s\n\n", faint(c.Rationale))
}
