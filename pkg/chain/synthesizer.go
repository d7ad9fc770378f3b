package chain

import (
	"container/heap"
	"context"
	"math"

	"github.com/exploopio/chainhunt/pkg/correlate"
	"github.com/exploopio/chainhunt/pkg/errors"
	"github.com/exploopio/chainhunt/pkg/logger"
)

// Options bounds a synthesis run.
type Options struct {
	// MaxLength is the longest chain considered (default: 4)
	MaxLength int `yaml:"max_chain_length"`

	// TopK is how many chains the first page of a Sequence holds (default: 10)
	TopK int `yaml:"top_k"`

	// MinFindings is the number of findings a target needs before
	// multi-step chains are searched (default: 2)
	MinFindings int `yaml:"min_findings"`
}

// DefaultOptions returns the default synthesis bounds.
func DefaultOptions() Options {
	return Options{MaxLength: 4, TopK: 10, MinFindings: 2}
}

// Validate rejects non-positive bounds.
func (o Options) Validate() error {
	if o.MaxLength < 1 {
		return errors.Errorf(errors.KindInvalidInput, "chain.Options", "max_chain_length must be at least 1, got %d", o.MaxLength)
	}
	if o.TopK < 1 {
		return errors.Errorf(errors.KindInvalidInput, "chain.Options", "top_k must be at least 1, got %d", o.TopK)
	}
	if o.MinFindings < 1 {
		return errors.Errorf(errors.KindInvalidInput, "chain.Options", "min_findings must be at least 1, got %d", o.MinFindings)
	}
	return nil
}

// cancelCheckInterval is how many DFS expansions run between context checks.
const cancelCheckInterval = 256

// Synthesizer enumerates and ranks chains. It holds no per-run state and may
// be shared by concurrent callers.
type Synthesizer struct {
	scorer Scorer
	cfg    *correlate.Config
	log    logger.Logger
}

// NewSynthesizer creates a synthesizer. nil arguments use the defaults.
func NewSynthesizer(scorer Scorer, cfg *correlate.Config, log logger.Logger) *Synthesizer {
	if scorer == nil {
		scorer = NewWeightedScorer(nil)
	}
	if cfg == nil {
		cfg = correlate.DefaultConfig()
	}
	return &Synthesizer{scorer: scorer, cfg: cfg, log: logger.OrNop(log)}
}

// Synthesize returns a lazy sequence of the chains of g, best first. No work
// happens until the sequence is read.
func (s *Synthesizer) Synthesize(g *correlate.Graph, opts Options) (*Sequence, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Sequence{synth: s, graph: g, opts: opts, emitted: make(map[string]bool)}, nil
}

// TopK is a convenience for Synthesize followed by reading the first page.
func (s *Synthesizer) TopK(ctx context.Context, g *correlate.Graph, opts Options) ([]Chain, bool, error) {
	seq, err := s.Synthesize(g, opts)
	if err != nil {
		return nil, false, err
	}
	chains := seq.Take(ctx, opts.TopK)
	return chains, seq.Partial(), nil
}

// =============================================================================
// Search
// =============================================================================

type candidate struct {
	path  []int
	sev   float64
	feas  float64
	score float64
}

// better orders candidates: higher score, then shorter, then lower node
// positions. Nodes are sorted by identity, so position order is identity order.
func better(a, b *candidate) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if len(a.path) != len(b.path) {
		return len(a.path) < len(b.path)
	}
	for i := range a.path {
		if a.path[i] != b.path[i] {
			return a.path[i] < b.path[i]
		}
	}
	return false
}

// worstFirst is a bounded heap whose root is the worst kept candidate.
type worstFirst []*candidate

func (h worstFirst) Len() int            { return len(h) }
func (h worstFirst) Less(i, j int) bool  { return better(h[j], h[i]) }
func (h worstFirst) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *worstFirst) Push(x interface{}) { *h = append(*h, x.(*candidate)) }
func (h *worstFirst) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type search struct {
	ctx    context.Context
	g      *correlate.Graph
	scorer Scorer
	maxLen int
	k      int
	maxW   float64

	best      worstFirst
	steps     int
	cancelled bool

	onPath []bool
	path   []int
}

// run returns the best k chains of g. cancelled reports that the context
// ended the search early; the result then holds the best chains found so far.
func (s *Synthesizer) run(ctx context.Context, g *correlate.Graph, opts Options, k int) ([]Chain, bool) {
	if g == nil || g.Len() == 0 {
		return nil, false
	}

	st := &search{
		ctx:    ctx,
		g:      g,
		scorer: s.scorer,
		maxLen: opts.MaxLength,
		k:      k,
		maxW:   s.scorer.MaxStepScore(),
		onPath: make([]bool, g.Len()),
	}

	// Every finding is a chain on its own.
	for i, n := range g.Nodes {
		sev := s.scorer.StepScore(n)
		st.offer(&candidate{path: []int{i}, sev: sev, feas: 1, score: sev})
	}

	st.cancelled = ctx.Err() != nil

	if opts.MaxLength >= 2 && g.Len() >= opts.MinFindings && len(g.Edges) > 0 {
		for _, start := range s.starts(g) {
			if st.cancelled {
				break
			}
			n := g.Nodes[start]
			st.path = append(st.path[:0], start)
			st.onPath[start] = true
			st.extend(start, s.scorer.StepScore(n), 1)
			st.onPath[start] = false
		}
	}

	out := make([]*candidate, len(st.best))
	for i := len(st.best) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&st.best).(*candidate)
	}

	chains := make([]Chain, len(out))
	for i, c := range out {
		chains[i] = newChain(g, c.path, c.sev, c.feas)
	}
	return chains, st.cancelled
}

// starts returns the DFS roots: findings nothing points at, plus entry
// points. Findings no root can reach sit in a region made only of cycles;
// each of them is a root too, so such a region keeps its chains whatever the
// rest of the graph looks like.
func (s *Synthesizer) starts(g *correlate.Graph) []int {
	isRoot := make([]bool, g.Len())
	reached := make([]bool, g.Len())
	var queue []int
	for i, n := range g.Nodes {
		if g.InDegree(n.ID) == 0 || s.cfg.IsEntryPoint(n) {
			isRoot[i] = true
			reached[i] = true
			queue = append(queue, i)
		}
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.Out(g.Nodes[cur].ID) {
			if to := g.Position(e.To); to >= 0 && !reached[to] {
				reached[to] = true
				queue = append(queue, to)
			}
		}
	}

	var out []int
	for i := range g.Nodes {
		if isRoot[i] || !reached[i] {
			out = append(out, i)
		}
	}
	return out
}

func (st *search) offer(c *candidate) {
	if len(st.best) < st.k {
		heap.Push(&st.best, c)
		return
	}
	if better(c, st.best[0]) {
		st.best[0] = c
		heap.Fix(&st.best, 0)
	}
}

// threshold is the score a chain must reach to enter the kept set.
func (st *search) threshold() float64 {
	if len(st.best) < st.k {
		return math.Inf(-1)
	}
	return st.best[0].score
}

func (st *search) extend(from int, sev, feas float64) {
	for _, e := range st.g.Out(st.g.Nodes[from].ID) {
		st.steps++
		if st.steps%cancelCheckInterval == 0 && st.ctx.Err() != nil {
			st.cancelled = true
		}
		if st.cancelled {
			return
		}

		to := st.g.Position(e.To)
		if to < 0 || st.onPath[to] {
			continue
		}

		nsev := sev + st.scorer.StepScore(st.g.Nodes[to])
		nfeas := feas * e.Confidence

		st.path = append(st.path, to)
		st.offer(&candidate{
			path:  append([]int(nil), st.path...),
			sev:   nsev,
			feas:  nfeas,
			score: nsev * nfeas,
		})

		if remaining := st.maxLen - len(st.path); remaining > 0 {
			// Feasibility only shrinks along a path, and each further step adds
			// at most maxW, so no extension can beat bound.
			bound := nfeas * (nsev + float64(remaining)*st.maxW)
			if bound+1e-9 >= st.threshold() {
				st.onPath[to] = true
				st.extend(to, nsev, nfeas)
				st.onPath[to] = false
			}
		}
		st.path = st.path[:len(st.path)-1]
	}
}
