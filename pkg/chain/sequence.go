package chain

import (
	"context"
	"time"

	"github.com/exploopio/chainhunt/pkg/correlate"
)

// Sequence is a lazy, restartable stream of chains in rank order.
//
// The first read computes the top TopK chains. Reading past them re-runs the
// search with a doubled bound and skips chains already returned, so callers
// pay for more results only when they ask for them. A Sequence is not safe
// for concurrent use.
type Sequence struct {
	synth *Synthesizer
	graph *correlate.Graph
	opts  Options

	k         int
	pending   []Chain
	emitted   map[string]bool
	exhausted bool
	partial   bool

	// retry is set when the last search was cancelled; the next one reruns
	// the same bound instead of doubling it.
	retry bool

	// Searches and Elapsed describe the work done so far.
	Searches int
	Elapsed  time.Duration
}

// Next returns the next chain. ok is false when the sequence is exhausted or
// a search was cancelled. A cancelled sequence can be read again with a live
// context; it then resumes where the cancelled search left off.
func (s *Sequence) Next(ctx context.Context) (Chain, bool) {
	for len(s.pending) == 0 && !s.exhausted {
		if !s.fill(ctx) {
			break
		}
	}
	if len(s.pending) == 0 {
		return Chain{}, false
	}

	c := s.pending[0]
	s.pending = s.pending[1:]
	s.emitted[c.ID] = true
	return c, true
}

// Take returns up to n further chains.
func (s *Sequence) Take(ctx context.Context, n int) []Chain {
	out := make([]Chain, 0, n)
	for len(out) < n {
		c, ok := s.Next(ctx)
		if !ok {
			break
		}
		out = append(out, c)
	}
	return out
}

// Partial reports whether the last search was cut short by cancellation.
// Chains returned so far are still correctly ranked among themselves, but
// better chains may exist until a later read completes a search.
func (s *Sequence) Partial() bool {
	return s.partial
}

// Graph returns the graph the sequence was synthesized from.
func (s *Sequence) Graph() *correlate.Graph {
	return s.graph
}

// fill runs one search and queues the chains not returned yet. It reports
// false when ctx cancelled the search.
func (s *Sequence) fill(ctx context.Context) bool {
	switch {
	case s.k == 0:
		s.k = s.opts.TopK
	case !s.retry:
		s.k *= 2
	}

	start := time.Now()
	chains, cancelled := s.synth.run(ctx, s.graph, s.opts, s.k)
	s.Searches++
	s.Elapsed += time.Since(start)

	for _, c := range chains {
		if !s.emitted[c.ID] {
			s.pending = append(s.pending, c)
		}
	}

	if cancelled {
		s.partial = true
		s.retry = true
		s.synth.log.Warn("synthesis for %s cancelled after %d chains", s.graph.Target, len(chains))
		return false
	}

	s.partial = false
	s.retry = false
	if len(chains) < s.k {
		s.exhausted = true
	}
	return true
}
