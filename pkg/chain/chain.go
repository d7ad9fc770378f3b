// Package chain synthesizes ranked attack chains from a correlation graph.
//
// A chain is a simple path through the graph. Its score is the sum of the
// per-step severity scores multiplied by its feasibility, the product of the
// confidences of the edges it walks. Single findings are chains of length one
// with feasibility 1.
package chain

import (
	"fmt"
	"strings"

	"github.com/exploopio/chainhunt/pkg/correlate"
	"github.com/exploopio/chainhunt/pkg/roi"
	"github.com/exploopio/chainhunt/pkg/shared/fingerprint"
	"github.com/exploopio/chainhunt/pkg/shared/severity"
)

// Step is one finding of a chain.
type Step struct {
	FindingID          string         `json:"finding_id"`
	Host               string         `json:"host"`
	VulnerabilityClass string         `json:"vulnerability_class"`
	Severity           severity.Level `json:"severity"`

	// Via and Confidence describe the edge that leads into this step.
	// Both are empty for the first step.
	Via        []string `json:"via,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
}

// Chain is a ranked attack chain.
type Chain struct {
	ID               string         `json:"id"`
	Target           string         `json:"target"`
	Steps            []Step         `json:"steps"`
	SeverityScore    float64        `json:"severity_score"`
	Feasibility      float64        `json:"feasibility"`
	Score            float64        `json:"score"`
	CombinedSeverity severity.Level `json:"combined_severity"`
	EstimatedPayout  roi.Band       `json:"estimated_payout"`
	Rationale        string         `json:"rationale"`
}

// Len returns the number of findings in the chain.
func (c *Chain) Len() int {
	return len(c.Steps)
}

// FindingIDs returns the ordered finding ids of the chain.
func (c *Chain) FindingIDs() []string {
	ids := make([]string, len(c.Steps))
	for i, s := range c.Steps {
		ids[i] = s.FindingID
	}
	return ids
}

// Scorer turns findings into severity scores. The severity score of a chain
// is the sum of its steps' scores, which is what makes branch-and-bound
// pruning possible.
type Scorer interface {
	// StepScore returns the contribution of one finding. Must be >= 0.
	StepScore(n correlate.Node) float64

	// MaxStepScore is an upper bound of StepScore over any finding.
	MaxStepScore() float64
}

// WeightedScorer scores a finding by the weight of its severity level.
type WeightedScorer struct {
	Weights severity.Weights
}

// NewWeightedScorer creates a scorer; nil weights use the defaults.
func NewWeightedScorer(w severity.Weights) *WeightedScorer {
	if w == nil {
		w = severity.DefaultWeights()
	}
	return &WeightedScorer{Weights: w}
}

func (s *WeightedScorer) StepScore(n correlate.Node) float64 {
	return s.Weights.Of(n.Severity)
}

func (s *WeightedScorer) MaxStepScore() float64 {
	return s.Weights.Max()
}

// ConfidenceScorer discounts each severity weight by the triage confidence of
// the finding, so speculative findings rank below confirmed ones.
type ConfidenceScorer struct {
	Weights severity.Weights
}

func (s *ConfidenceScorer) StepScore(n correlate.Node) float64 {
	return s.Weights.Of(n.Severity) * n.Confidence
}

func (s *ConfidenceScorer) MaxStepScore() float64 {
	return s.Weights.Max()
}

// CombinedSeverity rates a chain as a whole: the highest member severity,
// escalated one level when at least two members are medium or above.
func CombinedSeverity(levels []severity.Level) severity.Level {
	var top severity.Level
	significant := 0
	for _, l := range levels {
		top = severity.Max(top, l)
		if l.IsAtLeast(severity.Medium) {
			significant++
		}
	}
	if len(levels) >= 2 && significant >= 2 {
		return top.Escalate()
	}
	return top
}

// newChain assembles a chain from a path of node positions.
func newChain(g *correlate.Graph, path []int, sev, feas float64) Chain {
	steps := make([]Step, len(path))
	levels := make([]severity.Level, len(path))
	ids := make([]string, len(path))

	for i, p := range path {
		n := g.Nodes[p]
		steps[i] = Step{
			FindingID:          n.ID,
			Host:               n.Host,
			VulnerabilityClass: n.VulnerabilityClass,
			Severity:           n.Severity,
		}
		if i > 0 {
			e, _ := g.Edge(g.Nodes[path[i-1]].ID, n.ID)
			steps[i].Via = e.Via
			steps[i].Confidence = e.Confidence
		}
		levels[i] = n.Severity
		ids[i] = n.ID
	}

	c := Chain{
		ID:               fingerprint.ChainID(ids),
		Target:           g.Target,
		Steps:            steps,
		SeverityScore:    sev,
		Feasibility:      feas,
		Score:            sev * feas,
		CombinedSeverity: CombinedSeverity(levels),
	}
	c.EstimatedPayout = roi.EstimateBand(c.CombinedSeverity)
	c.Rationale = rationale(&c)
	return c
}

// rationale renders a chain as a one-line human explanation, e.g.
//
//	ssrf on edge.x.com [high] -> (ssrf-egress, 100%) admin-panel on internal.x.com [critical]
func rationale(c *Chain) string {
	var b strings.Builder
	for i, s := range c.Steps {
		if i > 0 {
			fmt.Fprintf(&b, " -> (%s, %.0f%%) ", strings.Join(s.Via, "+"), s.Confidence*100)
		}
		fmt.Fprintf(&b, "%s on %s [%s]", s.VulnerabilityClass, s.Host, s.Severity)
	}
	if len(c.Steps) > 1 {
		fmt.Fprintf(&b, "; combined %s, feasibility %.2f", c.CombinedSeverity, c.Feasibility)
	}
	return b.String()
}

// Validate checks that c is a simple path of g with the recorded edges.
func Validate(g *correlate.Graph, c *Chain) error {
	if len(c.Steps) == 0 {
		return fmt.Errorf("chain %s is empty", c.ID)
	}
	seen := make(map[string]bool, len(c.Steps))
	for i, s := range c.Steps {
		if _, ok := g.Node(s.FindingID); !ok {
			return fmt.Errorf("chain %s: finding %s is not in the graph", c.ID, s.FindingID)
		}
		if seen[s.FindingID] {
			return fmt.Errorf("chain %s: finding %s appears twice", c.ID, s.FindingID)
		}
		seen[s.FindingID] = true
		if i > 0 {
			if _, ok := g.Edge(c.Steps[i-1].FindingID, s.FindingID); !ok {
				return fmt.Errorf("chain %s: no edge %s -> %s", c.ID, c.Steps[i-1].FindingID, s.FindingID)
			}
		}
	}
	return nil
}
