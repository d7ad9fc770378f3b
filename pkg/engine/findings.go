package engine

import (
	"context"
	"database/sql"
	"sort"

	"github.com/exploopio/chainhunt/pkg/audit"
	"github.com/exploopio/chainhunt/pkg/errors"
	"github.com/exploopio/chainhunt/pkg/finding"
	"github.com/exploopio/chainhunt/pkg/metrics"
	"github.com/exploopio/chainhunt/pkg/pipeline"
	"github.com/exploopio/chainhunt/pkg/shared/fingerprint"
)

// SubmitFinding stores a finding. The first finding of a target initialises
// its pipeline at discovered. Targets that are closed or rejected accept no
// new findings.
func (e *Engine) SubmitFinding(ctx context.Context, sub finding.Submission) (*finding.Finding, bool, error) {
	const op = "engine.SubmitFinding"

	if err := sub.Validate(); err != nil {
		e.metrics.CounterInc(metrics.FindingsSubmitted.Name, "result", "invalid")
		e.audit.Warn(audit.EventValidationError, fingerprint.NormalizeHost(sub.Target), "Finding rejected", err, nil)
		return nil, false, errors.Wrap(err, op)
	}

	f, created, err := e.store.Put(ctx, sub, e.stageGuard(pipeline.OpSubmitFinding))
	if err != nil {
		e.metrics.CounterInc(metrics.FindingsSubmitted.Name, "result", result(err))
		if errors.IsInvalidTransition(err) {
			e.audit.Warn(audit.EventValidationError, fingerprint.NormalizeHost(sub.Target),
				"Finding refused by pipeline stage", err, nil)
		}
		return nil, false, errors.Wrap(err, op)
	}

	if _, initialised, err := e.machine.Ensure(ctx, f.Target); err != nil {
		return nil, false, errors.Wrap(err, op)
	} else if initialised {
		e.audit.Info(audit.EventTargetInitialised, f.Target, "Pipeline initialised at discovered", nil)
	}

	label := "created"
	if !created {
		label = "duplicate"
	}
	e.metrics.CounterInc(metrics.FindingsSubmitted.Name, "result", label)
	e.audit.FindingStored(f.Target, f.ID, created, map[string]interface{}{
		"host":     f.Host,
		"class":    f.VulnerabilityClass,
		"severity": string(f.Severity),
		"revision": f.Revision,
	})
	return f, created, nil
}

// stageGuard checks op against the pipeline stage inside the write
// transaction of the finding, so a concurrent close or reject cannot slip
// between the check and the write.
func (e *Engine) stageGuard(op pipeline.Operation) finding.Guard {
	return func(ctx context.Context, tx *sql.Tx, f *finding.Finding) error {
		return e.machine.GateTx(ctx, tx, f.Target, op)
	}
}

// statusOperation returns the gate that guards a move to status.
func statusOperation(to finding.Status) pipeline.Operation {
	switch to {
	case finding.StatusReported:
		return pipeline.OpReportFinding
	case finding.StatusPaid:
		return pipeline.OpPayFinding
	default:
		return pipeline.OpTriageFinding
	}
}

// UpdateFindingStatus moves a finding to status to. expectedVersion is the
// version the caller read; a stale caller gets a conflict. The target's
// pipeline stage must allow the move: reporting needs a verified or
// reported target, payout a reported or closed one.
func (e *Engine) UpdateFindingStatus(ctx context.Context, id string, to finding.Status, expectedVersion int64) (*finding.Finding, error) {
	const op = "engine.UpdateFindingStatus"

	if !to.Valid() {
		e.metrics.CounterInc(metrics.StatusUpdates.Name, "to", string(to), "result", "invalid")
		return nil, errors.Errorf(errors.KindInvalidInput, op, "unknown status %q", to)
	}

	cur, err := e.store.Get(ctx, id)
	if err != nil {
		e.metrics.CounterInc(metrics.StatusUpdates.Name, "to", string(to), "result", result(err))
		return nil, errors.Wrap(err, op)
	}

	st, _, err := e.machine.Ensure(ctx, cur.Target)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	if err := pipeline.Gate(cur.Target, st.Stage, statusOperation(to)); err != nil {
		e.metrics.CounterInc(metrics.StatusUpdates.Name, "to", string(to), "result", "rejected")
		e.audit.Warn(audit.EventStatusRejected, cur.Target, "Status change refused by pipeline stage", err,
			map[string]interface{}{"finding_id": id, "to": string(to)})
		return nil, errors.Wrap(err, op)
	}

	f, err := e.store.UpdateStatus(ctx, id, to, expectedVersion, e.stageGuard(statusOperation(to)))
	e.metrics.CounterInc(metrics.StatusUpdates.Name, "to", string(to), "result", result(err))
	if err != nil {
		switch {
		case errors.IsConflict(err):
			e.audit.Warn(audit.EventConflict, cur.Target, "Stale finding status update", err,
				map[string]interface{}{"finding_id": id, "expected_version": expectedVersion})
		case errors.IsInvalidTransition(err):
			e.audit.Warn(audit.EventStatusRejected, cur.Target, "Illegal finding status change", err,
				map[string]interface{}{"finding_id": id, "from": string(cur.Status), "to": string(to)})
		}
		return nil, errors.Wrap(err, op)
	}

	e.audit.StatusChanged(f.Target, f.ID, string(cur.Status), string(f.Status), f.Version)
	return f, nil
}

// Finding returns one finding by id.
func (e *Engine) Finding(ctx context.Context, id string) (*finding.Finding, error) {
	return e.store.Get(ctx, id)
}

// ListFindings returns the findings of target matching filter.
func (e *Engine) ListFindings(ctx context.Context, target string, filter finding.ListFilter) ([]*finding.Finding, error) {
	return e.store.List(ctx, target, filter)
}

// FindingHistory returns the status changes of a finding, oldest first.
func (e *Engine) FindingHistory(ctx context.Context, id string) ([]finding.StatusChange, error) {
	return e.store.History(ctx, id)
}

// FindingRevisions returns every revision in the lineage of a finding.
func (e *Engine) FindingRevisions(ctx context.Context, id string) ([]*finding.Finding, error) {
	return e.store.Revisions(ctx, id)
}

// TargetOverview is a target with its finding count and pipeline position.
type TargetOverview struct {
	Target   string         `json:"target"`
	Findings int            `json:"findings"`
	Stage    pipeline.Stage `json:"stage,omitempty"`
	Version  int64          `json:"version"`
}

// Targets lists every target that has findings or pipeline state.
func (e *Engine) Targets(ctx context.Context) ([]TargetOverview, error) {
	counts, err := e.store.Targets(ctx)
	if err != nil {
		return nil, err
	}
	states, err := e.machine.List(ctx, "")
	if err != nil {
		return nil, err
	}

	byTarget := make(map[string]*TargetOverview)
	var order []string
	for _, c := range counts {
		byTarget[c.Target] = &TargetOverview{Target: c.Target, Findings: c.Findings}
		order = append(order, c.Target)
	}
	for _, st := range states {
		ov, ok := byTarget[st.Target]
		if !ok {
			ov = &TargetOverview{Target: st.Target}
			byTarget[st.Target] = ov
			order = append(order, st.Target)
		}
		ov.Stage = st.Stage
		ov.Version = st.Version
	}

	out := make([]TargetOverview, 0, len(order))
	for _, t := range order {
		out = append(out, *byTarget[t])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out, nil
}
