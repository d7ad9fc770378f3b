package engine

import (
	"context"

	"github.com/exploopio/chainhunt/pkg/audit"
	"github.com/exploopio/chainhunt/pkg/errors"
	"github.com/exploopio/chainhunt/pkg/metrics"
	"github.com/exploopio/chainhunt/pkg/roi"
)

// RecordROI appends an entry to the ledger. Recording is allowed in every
// pipeline stage, since payouts usually arrive after a target is closed.
func (e *Engine) RecordROI(ctx context.Context, entry roi.Entry) (*roi.Entry, error) {
	rec, err := e.ledger.Record(ctx, entry)
	if err != nil {
		if errors.IsValidation(err) {
			e.audit.Warn(audit.EventValidationError, entry.Target, "ROI entry rejected", err, nil)
		}
		return nil, errors.Wrap(err, "engine.RecordROI")
	}

	e.metrics.CounterInc(metrics.ROIEntries.Name, "kind", string(rec.SubjectKind))
	e.audit.ROIRecorded(rec.Target, rec.ID, rec.SubjectID, rec.Hours, rec.Payout, rec.Currency)
	return rec, nil
}

// ComputeROI sums the entries selected by q.
func (e *Engine) ComputeROI(ctx context.Context, q roi.Query) (*roi.Summary, error) {
	return e.ledger.Compute(ctx, q)
}

// ROIBreakdown returns one summary per subject of q's target, best paid
// first.
func (e *Engine) ROIBreakdown(ctx context.Context, q roi.Query) ([]*roi.Summary, error) {
	return e.ledger.Breakdown(ctx, q)
}

// ROIEntries returns the ledger entries selected by q in recording order.
func (e *Engine) ROIEntries(ctx context.Context, q roi.Query) ([]*roi.Entry, error) {
	return e.ledger.Entries(ctx, q)
}
