package correlate

import (
	"context"
	"sync"

	"github.com/exploopio/chainhunt/pkg/errors"
	"github.com/exploopio/chainhunt/pkg/finding"
	"github.com/exploopio/chainhunt/pkg/logger"
	"github.com/exploopio/chainhunt/pkg/shared/fingerprint"
)

// Source provides the findings a graph is built from.
type Source interface {
	Snapshot(ctx context.Context, target string) ([]*finding.Finding, error)
}

// Builder maintains a cached graph per target. The cache is updated in place
// from store change events and is only rebuilt in full when a change cannot
// be applied incrementally.
type Builder struct {
	src Source
	cfg *Config
	log logger.Logger

	mu    sync.Mutex
	cache map[string]*Graph
	gen   map[string]uint64

	// OnBuild, when set, is called after every full or incremental build.
	OnBuild func(target string, incremental bool, g *Graph)
}

// NewBuilder creates a builder. A nil cfg uses DefaultConfig.
func NewBuilder(src Source, cfg *Config, log logger.Logger) (*Builder, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.E(errors.KindInvalidInput, "correlate.NewBuilder", err)
	}
	return &Builder{
		src:   src,
		cfg:   cfg,
		log:   logger.OrNop(log),
		cache: make(map[string]*Graph),
		gen:   make(map[string]uint64),
	}, nil
}

// Config returns the builder's correlation config.
func (b *Builder) Config() *Config {
	return b.cfg
}

// Graph returns the current graph of target, building it if needed.
func (b *Builder) Graph(ctx context.Context, target string) (*Graph, error) {
	target = fingerprint.NormalizeHost(target)

	b.mu.Lock()
	g, ok := b.cache[target]
	b.mu.Unlock()
	if ok {
		return g, nil
	}
	return b.Rebuild(ctx, target)
}

// Rebuild builds the graph of target from a fresh snapshot and caches it
// unless a change event arrived while the snapshot was being read.
func (b *Builder) Rebuild(ctx context.Context, target string) (*Graph, error) {
	target = fingerprint.NormalizeHost(target)

	b.mu.Lock()
	start := b.gen[target]
	b.mu.Unlock()

	findings, err := b.src.Snapshot(ctx, target)
	if err != nil {
		return nil, errors.Wrap(err, "correlate.Rebuild")
	}
	g := Build(b.cfg, target, findings)

	b.mu.Lock()
	if b.gen[target] == start {
		b.cache[target] = g
	}
	b.mu.Unlock()

	b.log.Debug("built graph for %s: %d nodes, %d edges", target, len(g.Nodes), len(g.Edges))
	if b.OnBuild != nil {
		b.OnBuild(target, false, g)
	}
	return g, nil
}

// Invalidate drops the cached graph of target.
func (b *Builder) Invalidate(target string) {
	target = fingerprint.NormalizeHost(target)
	b.mu.Lock()
	b.gen[target]++
	delete(b.cache, target)
	b.mu.Unlock()
}

// OnChange applies a store change event. Subscribe it with
// finding.Store.Subscribe.
func (b *Builder) OnChange(ev finding.ChangeEvent) {
	if ev.Finding == nil {
		return
	}
	target := ev.Finding.Target

	switch {
	case ev.Type == finding.EventCreated:
		b.mu.Lock()
		b.gen[target]++
		g, ok := b.cache[target]
		if ok {
			g = g.With(b.cfg, NodeFromFinding(ev.Finding))
			b.cache[target] = g
		}
		b.mu.Unlock()

		if ok && b.OnBuild != nil {
			b.OnBuild(target, true, g)
		}

	case ev.Type == finding.EventStatusChanged && ev.Finding.Status == finding.StatusRejected:
		// An older revision may take the rejected one's place.
		b.Invalidate(target)
	}
}
