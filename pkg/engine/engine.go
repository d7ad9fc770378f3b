// Package engine wires the finding store, correlation graph builder, chain
// synthesizer, pipeline state machine and ROI ledger onto one campaign
// database.
//
// Collaborators (recon, triage, verification, reporting agents) talk to the
// Engine only. Every mutation is gated by the target's pipeline stage, is
// logged, counted in metrics and written to the audit trail. Derived
// artifacts (graphs and chains) are never persisted; they are recomputed
// from the store.
package engine

import (
	"time"

	"github.com/exploopio/chainhunt/pkg/audit"
	"github.com/exploopio/chainhunt/pkg/chain"
	"github.com/exploopio/chainhunt/pkg/correlate"
	"github.com/exploopio/chainhunt/pkg/errors"
	"github.com/exploopio/chainhunt/pkg/finding"
	"github.com/exploopio/chainhunt/pkg/logger"
	"github.com/exploopio/chainhunt/pkg/metrics"
	"github.com/exploopio/chainhunt/pkg/pipeline"
	"github.com/exploopio/chainhunt/pkg/roi"
	"github.com/exploopio/chainhunt/pkg/storage"
)

// Auditor receives the engine's audit events. *audit.Logger implements it.
type Auditor interface {
	Info(eventType audit.EventType, target, message string, details map[string]interface{})
	Warn(eventType audit.EventType, target, message string, err error, details map[string]interface{})
	FindingStored(target, findingID string, created bool, details map[string]interface{})
	StatusChanged(target, findingID, from, to string, version int64)
	TransitionApplied(target, from, to, kind string, version int64, reason string)
	TransitionRejected(target, from, to string, err error)
	ChainsSynthesized(target string, chains int, partial bool, duration time.Duration)
	ROIRecorded(target, entryID, subjectID string, hours, payout float64, currency string)
}

type nopAuditor struct{}

func (nopAuditor) Info(audit.EventType, string, string, map[string]interface{})        {}
func (nopAuditor) Warn(audit.EventType, string, string, error, map[string]interface{}) {}
func (nopAuditor) FindingStored(string, string, bool, map[string]interface{})          {}
func (nopAuditor) StatusChanged(string, string, string, string, int64)                 {}
func (nopAuditor) TransitionApplied(string, string, string, string, int64, string)     {}
func (nopAuditor) TransitionRejected(string, string, string, error)                    {}
func (nopAuditor) ChainsSynthesized(string, int, bool, time.Duration)                  {}
func (nopAuditor) ROIRecorded(string, string, string, float64, float64, string)        {}

var _ Auditor = (*audit.Logger)(nil)

// Engine is the entry point for collaborators. It is safe for concurrent use.
type Engine struct {
	db      *storage.DB
	log     logger.Logger
	metrics metrics.Collector
	audit   Auditor

	store   *finding.Store
	builder *correlate.Builder
	synth   *chain.Synthesizer
	machine *pipeline.Machine
	ledger  *roi.Ledger

	correlation *correlate.Config
	synthesis   chain.Options
	scorer      chain.Scorer
	now         func() time.Time

	unsubscribe func()
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger shared by every component.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) { e.log = logger.OrNop(l) }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(e *Engine) { e.metrics = metrics.OrNop(c) }
}

// WithAudit sets the audit trail.
func WithAudit(a Auditor) Option {
	return func(e *Engine) {
		if a == nil {
			e.audit = nopAuditor{}
			return
		}
		e.audit = a
	}
}

// WithCorrelation sets the edge derivation rules.
func WithCorrelation(cfg *correlate.Config) Option {
	return func(e *Engine) { e.correlation = cfg }
}

// WithSynthesis sets the default synthesis bounds.
func WithSynthesis(opts chain.Options) Option {
	return func(e *Engine) { e.synthesis = opts }
}

// WithScorer replaces the default severity-weighted scorer.
func WithScorer(s chain.Scorer) Option {
	return func(e *Engine) { e.scorer = s }
}

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine on db. The caller owns db and closes it after
// calling Close.
func New(db *storage.DB, opts ...Option) (*Engine, error) {
	if db == nil {
		return nil, errors.E(errors.KindInvalidInput, "engine.New", "database handle is required")
	}

	e := &Engine{
		db:        db,
		log:       logger.Nop(),
		metrics:   &metrics.NopCollector{},
		audit:     nopAuditor{},
		synthesis: chain.DefaultOptions(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.correlation == nil {
		e.correlation = correlate.DefaultConfig()
	}
	if err := e.synthesis.Validate(); err != nil {
		return nil, errors.Wrap(err, "engine.New")
	}

	e.store = finding.NewStore(db, finding.WithLogger(e.log), finding.WithClock(e.now))

	builder, err := correlate.NewBuilder(e.store, e.correlation, e.log)
	if err != nil {
		return nil, errors.Wrap(err, "engine.New")
	}
	builder.OnBuild = e.onBuild
	e.builder = builder
	e.unsubscribe = e.store.Subscribe(builder.OnChange)

	e.synth = chain.NewSynthesizer(e.scorer, e.correlation, e.log)

	e.machine = pipeline.NewMachine(db, e.log)
	e.machine.SetClock(e.now)
	e.machine.OnTransition = e.onTransition
	e.machine.OnRejected = e.onRejected

	e.ledger = roi.NewLedger(db, e.log)
	e.ledger.SetClock(e.now)

	return e, nil
}

// Close detaches the engine from store events. It does not close the
// database.
func (e *Engine) Close() {
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
}

// SynthesisOptions returns the default synthesis bounds.
func (e *Engine) SynthesisOptions() chain.Options {
	return e.synthesis
}

// =============================================================================
// Component hooks
// =============================================================================

func (e *Engine) onBuild(target string, incremental bool, g *correlate.Graph) {
	mode := "full"
	if incremental {
		mode = "incremental"
	}
	e.metrics.CounterInc(metrics.GraphBuilds.Name, "mode", mode)
	e.metrics.GaugeSet(metrics.GraphNodes.Name, float64(len(g.Nodes)), "target", target)
	e.metrics.GaugeSet(metrics.GraphEdges.Name, float64(len(g.Edges)), "target", target)

	if !incremental {
		e.audit.Info(audit.EventGraphRebuilt, target, "Correlation graph rebuilt", map[string]interface{}{
			"nodes":  len(g.Nodes),
			"edges":  len(g.Edges),
			"digest": g.Digest(),
		})
	}
}

func (e *Engine) onTransition(t pipeline.Transition) {
	e.metrics.CounterInc(metrics.Transitions.Name, "to", string(t.To), "result", "applied")
	e.audit.TransitionApplied(t.Target, string(t.From), string(t.To), string(t.Kind), t.Version, t.Reason)
}

func (e *Engine) onRejected(target string, from, to pipeline.Stage, err error) {
	e.metrics.CounterInc(metrics.Transitions.Name, "to", string(to), "result", "rejected")
	e.audit.TransitionRejected(target, string(from), string(to), err)
}

// result classifies err for metric labels.
func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.IsValidation(err):
		return "invalid"
	case errors.IsConflict(err):
		return "conflict"
	case errors.IsInvalidTransition(err):
		return "rejected"
	case errors.IsNotFound(err):
		return "not_found"
	default:
		return "error"
	}
}
