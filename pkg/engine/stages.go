package engine

import (
	"context"

	"github.com/exploopio/chainhunt/pkg/audit"
	"github.com/exploopio/chainhunt/pkg/errors"
	"github.com/exploopio/chainhunt/pkg/metrics"
	"github.com/exploopio/chainhunt/pkg/pipeline"
)

// Transition moves target from one pipeline stage to another. version is
// the version the caller read. reason is optional.
func (e *Engine) Transition(ctx context.Context, target string, from, to pipeline.Stage, version int64, reason string) (*pipeline.State, error) {
	st, err := e.machine.Transition(ctx, target, from, to, version, pipeline.WithReason(reason))
	if err == nil {
		return st, nil
	}

	// Applied and illegal transitions are reported by the machine hooks.
	switch {
	case errors.IsConflict(err):
		e.metrics.CounterInc(metrics.Transitions.Name, "to", string(to), "result", "conflict")
		e.audit.Warn(audit.EventConflict, target, "Stale pipeline transition", err,
			map[string]interface{}{"from": string(from), "to": string(to), "version": version})
	case errors.IsNotFound(err), errors.IsValidation(err):
		e.metrics.CounterInc(metrics.Transitions.Name, "to", string(to), "result", result(err))
	}
	return nil, errors.Wrap(err, "engine.Transition")
}

// Stage returns the pipeline state of target.
func (e *Engine) Stage(ctx context.Context, target string) (*pipeline.State, error) {
	return e.machine.Get(ctx, target)
}

// Stages lists pipeline states, optionally only those in stage.
func (e *Engine) Stages(ctx context.Context, stage pipeline.Stage) ([]*pipeline.State, error) {
	return e.machine.List(ctx, stage)
}

// StageHistory returns the transition log of target, oldest first.
func (e *Engine) StageHistory(ctx context.Context, target string) ([]pipeline.Transition, error) {
	return e.machine.History(ctx, target)
}

// RecoverStage rewrites the stored state of target from its transition log
// when the two disagree.
func (e *Engine) RecoverStage(ctx context.Context, target string) (*pipeline.State, bool, error) {
	st, changed, err := e.machine.Recover(ctx, target)
	if err != nil {
		return nil, false, err
	}
	if changed {
		e.audit.Warn(audit.EventTargetRecovered, st.Target, "Pipeline state rewritten from transition log", nil,
			map[string]interface{}{"stage": string(st.Stage), "version": st.Version})
	}
	return st, changed, nil
}

// StageDrift returns the targets whose stored state disagrees with their
// transition log, or whose log cannot be replayed. RecoverStage repairs the
// former.
func (e *Engine) StageDrift(ctx context.Context) ([]string, error) {
	states, err := e.machine.List(ctx, "")
	if err != nil {
		return nil, err
	}

	var drifted []string
	for _, st := range states {
		want, err := e.machine.Replay(ctx, st.Target)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			drifted = append(drifted, st.Target)
			continue
		}
		if want.Stage != st.Stage || want.Version != st.Version {
			drifted = append(drifted, st.Target)
		}
	}
	return drifted, nil
}
