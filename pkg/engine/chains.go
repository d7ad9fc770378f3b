package engine

import (
	"context"

	"github.com/exploopio/chainhunt/pkg/chain"
	"github.com/exploopio/chainhunt/pkg/correlate"
	"github.com/exploopio/chainhunt/pkg/errors"
	"github.com/exploopio/chainhunt/pkg/metrics"
	"github.com/exploopio/chainhunt/pkg/pipeline"
	"github.com/exploopio/chainhunt/pkg/shared/fingerprint"
)

// Graph returns the correlation graph of target, from cache when possible.
func (e *Engine) Graph(ctx context.Context, target string) (*correlate.Graph, error) {
	return e.builder.Graph(ctx, target)
}

// RepairGraph discards the cached graph of target and rebuilds it from the
// store.
func (e *Engine) RepairGraph(ctx context.Context, target string) (*correlate.Graph, error) {
	e.builder.Invalidate(target)
	return e.builder.Rebuild(ctx, target)
}

// Synthesize returns a lazy sequence of the chains of target, best first.
// A zero opts uses the engine defaults. Rejected targets cannot be
// synthesized; every other stage can, since synthesis writes nothing.
func (e *Engine) Synthesize(ctx context.Context, target string, opts chain.Options) (*chain.Sequence, error) {
	const op = "engine.Synthesize"

	if opts == (chain.Options{}) {
		opts = e.synthesis
	}
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, op)
	}

	target = fingerprint.NormalizeHost(target)
	st, err := e.machine.Get(ctx, target)
	switch {
	case errors.IsNotFound(err):
	case err != nil:
		return nil, errors.Wrap(err, op)
	default:
		if err := pipeline.Gate(target, st.Stage, pipeline.OpSynthesize); err != nil {
			return nil, errors.Wrap(err, op)
		}
	}

	g, err := e.builder.Graph(ctx, target)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	return e.synth.Synthesize(g, opts)
}

// Chains returns the first page of Synthesize. partial reports that ctx
// ended before the search finished.
func (e *Engine) Chains(ctx context.Context, target string, opts chain.Options) ([]chain.Chain, bool, error) {
	seq, err := e.Synthesize(ctx, target, opts)
	if err != nil {
		return nil, false, err
	}
	if opts == (chain.Options{}) {
		opts = e.synthesis
	}

	timer := metrics.NewTimer(e.metrics, metrics.SynthesisDuration.Name)
	chains := seq.Take(ctx, opts.TopK)
	elapsed := timer.ObserveDuration()

	e.metrics.CounterAdd(metrics.ChainsEmitted.Name, float64(len(chains)))
	if seq.Partial() {
		e.metrics.CounterInc(metrics.SynthesisPartial.Name)
	}
	e.audit.ChainsSynthesized(seq.Graph().Target, len(chains), seq.Partial(), elapsed)
	return chains, seq.Partial(), nil
}
