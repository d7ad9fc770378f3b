package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/exploopio/chainhunt/pkg/errors"
	"github.com/exploopio/chainhunt/pkg/logger"
	"github.com/exploopio/chainhunt/pkg/shared/fingerprint"
	"github.com/exploopio/chainhunt/pkg/storage"
)

// State is the current stage of a target. Version starts at 0 and counts
// applied transitions.
type State struct {
	Target    string    `json:"target"`
	Stage     Stage     `json:"stage"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transition is one entry of the transition log.
type Transition struct {
	ID      string    `json:"id"`
	Target  string    `json:"target"`
	Version int64     `json:"version"`
	From    Stage     `json:"from,omitempty"`
	To      Stage     `json:"to"`
	Kind    Kind      `json:"kind"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Machine persists target states and their transition log.
type Machine struct {
	db  *storage.DB
	log logger.Logger
	now func() time.Time

	// OnTransition, when set, is called after every committed transition.
	OnTransition func(t Transition)

	// OnRejected, when set, is called for every refused transition.
	OnRejected func(target string, from, to Stage, err error)
}

// NewMachine creates a state machine on the campaign database.
func NewMachine(db *storage.DB, log logger.Logger) *Machine {
	return &Machine{db: db, log: logger.OrNop(log), now: time.Now}
}

// SetClock overrides the time source.
func (m *Machine) SetClock(now func() time.Time) {
	m.now = now
}

// Ensure creates the state of target at stage discovered, version 0, unless
// it already exists. created reports whether this call created it.
func (m *Machine) Ensure(ctx context.Context, target string) (*State, bool, error) {
	const op = "pipeline.Ensure"

	target = fingerprint.NormalizeHost(target)
	if target == "" {
		return nil, false, errors.E(errors.KindInvalidInput, op, "target is required")
	}

	var st *State
	var created bool
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanState(tx.QueryRowContext(ctx,
			`SELECT target, stage, version, created_at, updated_at FROM pipeline_state WHERE target = ?`, target))
		if err == nil {
			st = cur
			return nil
		}
		if err != sql.ErrNoRows {
			return errors.Internal(op, err)
		}

		now := m.now().UTC()
		st = &State{Target: target, Stage: StageDiscovered, Version: 0, CreatedAt: now, UpdatedAt: now}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pipeline_state (target, stage, version, created_at, updated_at) VALUES (?, ?, 0, ?, ?)
		`, target, string(st.Stage), storage.ToUnix(now), storage.ToUnix(now)); err != nil {
			return errors.Internal(op, err)
		}
		if err := appendLog(ctx, tx, Transition{
			ID: uuid.NewString(), Target: target, Version: 0, To: StageDiscovered, Kind: KindInit, At: now,
		}); err != nil {
			return errors.Internal(op, err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		m.log.Info("pipeline: %s initialised at %s", target, StageDiscovered)
	}
	return st, created, nil
}

// GateTx checks op against the stage of target as seen by tx, so the check
// and the caller's write commit together. A target without state is at
// discovered.
func (m *Machine) GateTx(ctx context.Context, tx *sql.Tx, target string, op Operation) error {
	target = fingerprint.NormalizeHost(target)
	var stage string
	err := tx.QueryRowContext(ctx, `SELECT stage FROM pipeline_state WHERE target = ?`, target).Scan(&stage)
	switch {
	case err == sql.ErrNoRows:
		return Gate(target, StageDiscovered, op)
	case err != nil:
		return errors.Internal("pipeline.GateTx", err)
	}
	return Gate(target, Stage(stage), op)
}

// Get returns the current state of target.
func (m *Machine) Get(ctx context.Context, target string) (*State, error) {
	target = fingerprint.NormalizeHost(target)
	st, err := scanState(m.db.SQL().QueryRowContext(ctx,
		`SELECT target, stage, version, created_at, updated_at FROM pipeline_state WHERE target = ?`, target))
	if err == sql.ErrNoRows {
		return nil, errors.E(errors.KindNotFound, "pipeline.Get", fmt.Sprintf("target %q has no pipeline state", target))
	}
	if err != nil {
		return nil, errors.Internal("pipeline.Get", err)
	}
	return st, nil
}

// List returns every target state, optionally only those in stage.
func (m *Machine) List(ctx context.Context, stage Stage) ([]*State, error) {
	q := `SELECT target, stage, version, created_at, updated_at FROM pipeline_state`
	var args []interface{}
	if stage != "" {
		if !stage.Valid() {
			return nil, errors.E(errors.KindInvalidInput, "pipeline.List", fmt.Sprintf("unknown stage %q", stage))
		}
		q += ` WHERE stage = ?`
		args = append(args, string(stage))
	}
	q += ` ORDER BY target`

	rows, err := m.db.SQL().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Internal("pipeline.List", err)
	}
	defer rows.Close()

	var out []*State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, errors.Internal("pipeline.List", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// TransitionOption configures a transition.
type TransitionOption func(*Transition)

// WithReason records why the transition was made.
func WithReason(reason string) TransitionOption {
	return func(t *Transition) { t.Reason = strings.TrimSpace(reason) }
}

// Transition moves target from stage from to stage to. version must be the
// version the caller read; from must be the stage the caller saw.
//
// Checks run in this order: unknown stages (validation error), the
// transition table (invalid transition), missing target (not found), then
// a stale version or stage (conflict). Nothing is written unless all pass.
func (m *Machine) Transition(ctx context.Context, target string, from, to Stage, version int64, opts ...TransitionOption) (*State, error) {
	const op = "pipeline.Transition"

	target = fingerprint.NormalizeHost(target)
	if target == "" {
		return nil, errors.E(errors.KindInvalidInput, op, "target is required")
	}
	if !from.Valid() || !to.Valid() {
		return nil, errors.E(errors.KindInvalidInput, op, fmt.Sprintf("unknown stage in %q -> %q", from, to))
	}

	kind, ok := Allowed(from, to)
	if !ok {
		err := errors.E(errors.KindInvalidTransition, op, fmt.Sprintf("%s -> %s is not a legal transition", from, to))
		m.log.Warn("pipeline: rejected %s -> %s for %s at version %d", from, to, target, version)
		if m.OnRejected != nil {
			m.OnRejected(target, from, to, err)
		}
		return nil, err
	}

	t := Transition{ID: uuid.NewString(), Target: target, Version: version + 1, From: from, To: to, Kind: kind}
	for _, o := range opts {
		o(&t)
	}

	var st *State
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanState(tx.QueryRowContext(ctx,
			`SELECT target, stage, version, created_at, updated_at FROM pipeline_state WHERE target = ?`, target))
		if err == sql.ErrNoRows {
			return errors.E(errors.KindNotFound, op, fmt.Sprintf("target %q has no pipeline state", target))
		}
		if err != nil {
			return errors.Internal(op, err)
		}

		if cur.Version != version || cur.Stage != from {
			return errors.E(errors.KindConflict, op, fmt.Sprintf(
				"%s is at %s (version %d), caller expected %s (version %d)", target, cur.Stage, cur.Version, from, version))
		}

		t.At = m.now().UTC()
		res, err := tx.ExecContext(ctx,
			`UPDATE pipeline_state SET stage = ?, version = version + 1, updated_at = ? WHERE target = ? AND version = ?`,
			string(to), storage.ToUnix(t.At), target, version)
		if err != nil {
			return errors.Internal(op, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.E(errors.KindConflict, op, fmt.Sprintf("%s changed concurrently", target))
		}
		if err := appendLog(ctx, tx, t); err != nil {
			return errors.Internal(op, err)
		}

		cur.Stage = to
		cur.Version = version + 1
		cur.UpdatedAt = t.At
		st = cur
		return nil
	})
	if err != nil {
		if errors.IsConflict(err) {
			m.log.Debug("pipeline: conflict on %s: %v", target, err)
		}
		return nil, err
	}

	m.log.Info("pipeline: %s %s -> %s (version %d)", target, from, to, st.Version)
	if m.OnTransition != nil {
		m.OnTransition(t)
	}
	return st, nil
}

// History returns the transition log of target, oldest first. The first
// entry is the init record at version 0.
func (m *Machine) History(ctx context.Context, target string) ([]Transition, error) {
	target = fingerprint.NormalizeHost(target)
	rows, err := m.db.SQL().QueryContext(ctx, `
		SELECT id, target, version, from_stage, to_stage, kind, reason, at
		FROM pipeline_transitions WHERE target = ? ORDER BY version
	`, target)
	if err != nil {
		return nil, errors.Internal("pipeline.History", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var from, to, kind string
		var at int64
		if err := rows.Scan(&t.ID, &t.Target, &t.Version, &from, &to, &kind, &t.Reason, &at); err != nil {
			return nil, errors.Internal("pipeline.History", err)
		}
		t.From, t.To, t.Kind = Stage(from), Stage(to), Kind(kind)
		t.At = storage.FromUnix(at)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internal("pipeline.History", err)
	}
	if len(out) == 0 {
		return nil, errors.E(errors.KindNotFound, "pipeline.History", fmt.Sprintf("target %q has no transition log", target))
	}
	return out, nil
}

// Replay rebuilds the state of target from its transition log alone. Every
// entry must be a legal transition from the previous one with a contiguous
// version; otherwise the log is reported as corrupt.
func (m *Machine) Replay(ctx context.Context, target string) (*State, error) {
	log, err := m.History(ctx, target)
	if err != nil {
		return nil, err
	}
	return replay(log)
}

func replay(log []Transition) (*State, error) {
	const op = "pipeline.Replay"

	first := log[0]
	if first.Kind != KindInit || first.Version != 0 || first.To != StageDiscovered {
		return nil, errors.Internal(op, fmt.Errorf("log of %s does not start with an init record", first.Target))
	}

	st := &State{Target: first.Target, Stage: first.To, CreatedAt: first.At, UpdatedAt: first.At}
	for _, t := range log[1:] {
		if t.Version != st.Version+1 {
			return nil, errors.Internal(op, fmt.Errorf("log of %s skips from version %d to %d", st.Target, st.Version, t.Version))
		}
		if t.From != st.Stage {
			return nil, errors.Internal(op, fmt.Errorf("log of %s: version %d starts from %s, state is %s", st.Target, t.Version, t.From, st.Stage))
		}
		if _, ok := Allowed(t.From, t.To); !ok {
			return nil, errors.Internal(op, fmt.Errorf("log of %s: illegal %s -> %s at version %d", st.Target, t.From, t.To, t.Version))
		}
		st.Stage = t.To
		st.Version = t.Version
		st.UpdatedAt = t.At
	}
	return st, nil
}

// Recover compares the stored state of target with its replayed log and
// rewrites the state row from the log when they disagree or the row is
// missing. It returns the recovered state and whether anything changed.
func (m *Machine) Recover(ctx context.Context, target string) (*State, bool, error) {
	const op = "pipeline.Recover"

	want, err := m.Replay(ctx, target)
	if err != nil {
		return nil, false, err
	}

	changed := false
	err = m.db.WithTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanState(tx.QueryRowContext(ctx,
			`SELECT target, stage, version, created_at, updated_at FROM pipeline_state WHERE target = ?`, want.Target))
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return errors.Internal(op, err)
		case cur.Stage == want.Stage && cur.Version == want.Version:
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO pipeline_state (target, stage, version, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(target) DO UPDATE SET stage = excluded.stage, version = excluded.version, updated_at = excluded.updated_at
		`, want.Target, string(want.Stage), want.Version, storage.ToUnix(want.CreatedAt), storage.ToUnix(want.UpdatedAt))
		if err != nil {
			return errors.Internal(op, err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if changed {
		m.log.Warn("pipeline: recovered %s to %s (version %d) from its log", want.Target, want.Stage, want.Version)
	}
	return want, changed, nil
}

func appendLog(ctx context.Context, tx *sql.Tx, t Transition) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO pipeline_transitions (id, target, version, from_stage, to_stage, kind, reason, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Target, t.Version, string(t.From), string(t.To), string(t.Kind), t.Reason, storage.ToUnix(t.At))
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanState(row rowScanner) (*State, error) {
	var st State
	var stage string
	var created, updated int64
	if err := row.Scan(&st.Target, &stage, &st.Version, &created, &updated); err != nil {
		return nil, err
	}
	st.Stage = Stage(stage)
	st.CreatedAt = storage.FromUnix(created)
	st.UpdatedAt = storage.FromUnix(updated)
	return &st, nil
}
