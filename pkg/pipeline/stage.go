// Package pipeline implements the per-target campaign state machine:
//
//	discovered -> triaged -> planned -> verified -> reported -> closed
//
// Any non-terminal stage may move to rejected, and verified or reported
// targets may be reopened to triaged. Every applied transition is appended
// to a log from which the current state can be rebuilt.
package pipeline

import (
	"fmt"

	"github.com/exploopio/chainhunt/pkg/errors"
)

// Stage is a campaign stage of a target.
type Stage string

const (
	StageDiscovered Stage = "discovered"
	StageTriaged    Stage = "triaged"
	StagePlanned    Stage = "planned"
	StageVerified   Stage = "verified"
	StageReported   Stage = "reported"
	StageClosed     Stage = "closed"
	StageRejected   Stage = "rejected"
)

// AllStages returns every stage in pipeline order.
func AllStages() []Stage {
	return []Stage{StageDiscovered, StageTriaged, StagePlanned, StageVerified, StageReported, StageClosed, StageRejected}
}

// Valid reports whether s is a defined stage.
func (s Stage) Valid() bool {
	for _, v := range AllStages() {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether s accepts no further transitions.
func (s Stage) Terminal() bool {
	return s == StageClosed || s == StageRejected
}

// ParseStage validates s against the defined stages.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if !st.Valid() {
		return "", errors.E(errors.KindInvalidInput, "pipeline.ParseStage", fmt.Sprintf("unknown stage %q", s))
	}
	return st, nil
}

// Kind classifies a transition.
type Kind string

const (
	KindInit    Kind = "init"
	KindForward Kind = "forward"
	KindReopen  Kind = "reopen"
	KindReject  Kind = "reject"
)

var forward = map[Stage]Stage{
	StageDiscovered: StageTriaged,
	StageTriaged:    StagePlanned,
	StagePlanned:    StageVerified,
	StageVerified:   StageReported,
	StageReported:   StageClosed,
}

// Allowed reports whether from -> to is in the transition table and, if so,
// what kind of transition it is.
func Allowed(from, to Stage) (Kind, bool) {
	if from.Terminal() || !from.Valid() {
		return "", false
	}
	switch {
	case forward[from] == to:
		return KindForward, true
	case to == StageRejected:
		return KindReject, true
	case to == StageTriaged && (from == StageVerified || from == StageReported):
		return KindReopen, true
	}
	return "", false
}

// Next returns the stages reachable from s.
func Next(s Stage) []Stage {
	var out []Stage
	for _, to := range AllStages() {
		if _, ok := Allowed(s, to); ok {
			out = append(out, to)
		}
	}
	return out
}

// =============================================================================
// Gates
// =============================================================================

// Operation is an engine operation whose availability depends on the stage.
type Operation string

const (
	OpSubmitFinding Operation = "submit_finding"

	// OpTriageFinding covers status moves other than report and payout.
	OpTriageFinding Operation = "triage_finding"
	OpReportFinding Operation = "report_finding"
	OpPayFinding    Operation = "pay_finding"
	OpSynthesize    Operation = "synthesize"
	OpRecordROI     Operation = "record_roi"
)

// Allows reports whether op may run while the target is in stage s.
func Allows(s Stage, op Operation) bool {
	switch op {
	case OpSubmitFinding, OpTriageFinding:
		return !s.Terminal()
	case OpReportFinding:
		return s == StageVerified || s == StageReported
	case OpPayFinding:
		return s == StageReported || s == StageClosed
	case OpSynthesize:
		return s != StageRejected
	case OpRecordROI:
		return true
	}
	return false
}

// Gate returns an InvalidTransition error when op is not allowed in s.
func Gate(target string, s Stage, op Operation) error {
	if Allows(s, op) {
		return nil
	}
	return errors.E(errors.KindInvalidTransition, "pipeline.Gate",
		fmt.Sprintf("%s is not allowed while %s is %s", op, target, s))
}
