package engine

import (
	"context"
	"time"

	"github.com/exploopio/chainhunt/pkg/audit"
	"github.com/exploopio/chainhunt/pkg/chain"
	"github.com/exploopio/chainhunt/pkg/compress"
	"github.com/exploopio/chainhunt/pkg/correlate"
	"github.com/exploopio/chainhunt/pkg/errors"
	"github.com/exploopio/chainhunt/pkg/finding"
	"github.com/exploopio/chainhunt/pkg/pipeline"
	"github.com/exploopio/chainhunt/pkg/roi"
	"github.com/exploopio/chainhunt/pkg/shared/fingerprint"
	"github.com/exploopio/chainhunt/pkg/shared/severity"
)

// BundleVersion is the format version of export bundles.
const BundleVersion = 1

// Bundle is everything the engine knows about one target.
type Bundle struct {
	Version    int       `json:"version"`
	Target     string    `json:"target"`
	ExportedAt time.Time `json:"exported_at"`

	Findings   []*finding.Finding       `json:"findings"`
	Severities severity.CountBySeverity `json:"severities"`
	Graph    *correlate.Graph   `json:"graph"`
	Chains   []chain.Chain      `json:"chains,omitempty"`

	State   *pipeline.State       `json:"state,omitempty"`
	History []pipeline.Transition `json:"history,omitempty"`

	Ledger []*roi.Entry `json:"ledger,omitempty"`

	// ROI is omitted when the ledger mixes currencies.
	ROI *roi.Summary `json:"roi,omitempty"`
}

// Snapshot collects the bundle of target. It fails with NotFound when the
// engine has nothing on target.
func (e *Engine) Snapshot(ctx context.Context, target string) (*Bundle, error) {
	const op = "engine.Snapshot"

	target = fingerprint.NormalizeHost(target)
	b := &Bundle{Version: BundleVersion, Target: target, ExportedAt: e.now().UTC()}

	var err error
	if b.Findings, err = e.store.List(ctx, target, finding.ListFilter{}); err != nil {
		return nil, errors.Wrap(err, op)
	}
	for _, f := range b.Findings {
		b.Severities.Increment(f.Severity)
	}
	if b.Graph, err = e.builder.Graph(ctx, target); err != nil {
		return nil, errors.Wrap(err, op)
	}

	b.State, err = e.machine.Get(ctx, target)
	switch {
	case errors.IsNotFound(err):
		b.State = nil
	case err != nil:
		return nil, errors.Wrap(err, op)
	default:
		if b.History, err = e.machine.History(ctx, target); err != nil {
			return nil, errors.Wrap(err, op)
		}
	}

	q := roi.Query{Target: target}
	if b.Ledger, err = e.ledger.Entries(ctx, q); err != nil {
		return nil, errors.Wrap(err, op)
	}
	if len(b.Ledger) > 0 {
		if sum, err := roi.Summarize(b.Ledger, nil); err == nil {
			sum.Target = target
			b.ROI = sum
		}
	}

	if len(b.Findings) == 0 && b.State == nil && len(b.Ledger) == 0 {
		return nil, errors.Errorf(errors.KindNotFound, op, "nothing recorded for target %q", target)
	}

	if b.State == nil || pipeline.Allows(b.State.Stage, pipeline.OpSynthesize) {
		seq, err := e.synth.Synthesize(b.Graph, e.synthesis)
		if err != nil {
			return nil, errors.Wrap(err, op)
		}
		b.Chains = seq.Take(ctx, e.synthesis.TopK)
	}
	return b, nil
}

// Export writes the bundle of target compressed with c. A nil c uses ZSTD.
func (e *Engine) Export(ctx context.Context, target string, c *compress.Compressor) ([]byte, error) {
	if c == nil {
		c = compress.DefaultZSTD
	}

	b, err := e.Snapshot(ctx, target)
	if err != nil {
		return nil, err
	}

	data, stats, err := encodeBundle(c, b)
	if err != nil {
		return nil, errors.Internal("engine.Export", err)
	}

	e.audit.Info(audit.EventExported, b.Target, "Campaign bundle exported", map[string]interface{}{
		"algorithm":       stats.Algorithm,
		"findings":        len(b.Findings),
		"chains":          len(b.Chains),
		"original_size":   stats.OriginalSize,
		"compressed_size": stats.CompressedSize,
	})
	return data, nil
}

func encodeBundle(c *compress.Compressor, b *Bundle) ([]byte, *compress.CompressionStats, error) {
	raw, err := compress.For(compress.AlgorithmNone).EncodeJSON(b)
	if err != nil {
		return nil, nil, err
	}
	return c.CompressWithStats(raw)
}

// ReadBundle decodes a bundle written by Export with any algorithm.
func ReadBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := compress.DecodeJSON(data, &b); err != nil {
		return nil, errors.E(errors.KindInvalidInput, "engine.ReadBundle", err)
	}
	return &b, nil
}
