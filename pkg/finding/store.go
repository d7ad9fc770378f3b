package finding

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/exploopio/chainhunt/pkg/errors"
	"github.com/exploopio/chainhunt/pkg/logger"
	"github.com/exploopio/chainhunt/pkg/shared/fingerprint"
	"github.com/exploopio/chainhunt/pkg/shared/severity"
	"github.com/exploopio/chainhunt/pkg/storage"
)

// EventType identifies a change to the store.
type EventType string

const (
	// EventCreated is emitted once per newly stored finding (or revision).
	EventCreated EventType = "created"

	// EventStatusChanged is emitted after a committed status update.
	EventStatusChanged EventType = "status_changed"
)

// ChangeEvent describes a committed change.
type ChangeEvent struct {
	Type           EventType
	Finding        *Finding
	PreviousStatus Status
}

// Listener receives change events. Listeners run synchronously on the
// writer's goroutine after the commit and must not block.
type Listener func(ChangeEvent)

// Guard runs inside the write transaction of Put and UpdateStatus, before
// anything is written. An error aborts the write and is returned as is.
type Guard func(ctx context.Context, tx *sql.Tx, f *Finding) error

// Store persists findings on the shared campaign database.
type Store struct {
	db  *storage.DB
	log logger.Logger
	now func() time.Time

	mu        sync.RWMutex
	listeners map[int]Listener
	nextID    int
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) { s.log = logger.OrNop(l) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a finding store.
func NewStore(db *storage.DB, opts ...Option) *Store {
	s := &Store{
		db:        db,
		log:       logger.Nop(),
		now:       time.Now,
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers l for change events and returns a function removing it.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) emit(ev ChangeEvent) {
	s.mu.RLock()
	ls := make([]Listener, 0, len(s.listeners))
	for i := 0; i < s.nextID; i++ {
		if l, ok := s.listeners[i]; ok {
			ls = append(ls, l)
		}
	}
	s.mu.RUnlock()

	for _, l := range ls {
		l(ev)
	}
}

const findingColumns = `id, target, host, vulnerability_class, evidence_hash, lineage, revision, supersedes,
	severity, confidence, status, evidence_ref, requires, grants, entry_point, version, discovered_at, updated_at`

// Put stores a finding. Submitting the same identity twice is a no-op that
// returns the stored finding and created=false. New evidence for an existing
// (target, host, class) becomes the next revision of that lineage. Guards
// see the finding as it would be stored.
func (s *Store) Put(ctx context.Context, sub Submission, guards ...Guard) (*Finding, bool, error) {
	const op = "finding.Put"

	if err := sub.Validate(); err != nil {
		return nil, false, errors.Wrap(err, op)
	}

	ident := fingerprint.Identity{
		Target:             sub.Target,
		Host:               sub.Host,
		VulnerabilityClass: sub.VulnerabilityClass,
		EvidenceHash:       sub.EvidenceHash,
	}.Normalize()

	now := s.now().UTC()
	discovered := sub.DiscoveredAt
	if discovered.IsZero() {
		discovered = now
	}

	f := &Finding{
		ID:                 fingerprint.FindingID(ident),
		Target:             ident.Target,
		Host:               ident.Host,
		VulnerabilityClass: ident.VulnerabilityClass,
		EvidenceHash:       ident.EvidenceHash,
		EvidenceRef:        strings.TrimSpace(sub.EvidenceRef),
		Severity:           severity.Level(sub.Severity),
		Confidence:         sub.Confidence,
		Requires:           NormalizeTags(sub.Requires),
		Grants:             NormalizeTags(sub.Grants),
		EntryPoint:         sub.EntryPoint,
		Lineage:            fingerprint.LineageKey(ident.Target, ident.Host, ident.VulnerabilityClass),
		Revision:           1,
		Status:             StatusNew,
		Version:            1,
		DiscoveredAt:       discovered.UTC(),
		UpdatedAt:          now,
	}

	requires, _ := json.Marshal(f.Requires)
	grants, _ := json.Marshal(f.Grants)

	var existing *Finding
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, g := range guards {
			if err := g(ctx, tx, f); err != nil {
				return err
			}
		}

		cur, err := scanFinding(tx.QueryRowContext(ctx,
			`SELECT `+findingColumns+` FROM findings WHERE id = ?`, f.ID))
		if err == nil {
			existing = cur
			return nil
		}
		if err != sql.ErrNoRows {
			return errors.Internal(op, err)
		}

		var prevID string
		var prevRev int
		err = tx.QueryRowContext(ctx,
			`SELECT id, revision FROM findings WHERE lineage = ? ORDER BY revision DESC LIMIT 1`,
			f.Lineage).Scan(&prevID, &prevRev)
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return errors.Internal(op, err)
		default:
			f.Revision = prevRev + 1
			f.Supersedes = prevID
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO findings (`+findingColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			f.ID, f.Target, f.Host, f.VulnerabilityClass, f.EvidenceHash, f.Lineage, f.Revision, f.Supersedes,
			string(f.Severity), f.Confidence, string(f.Status), f.EvidenceRef, string(requires), string(grants),
			boolToInt(f.EntryPoint), f.Version, storage.ToUnix(f.DiscoveredAt), storage.ToUnix(f.UpdatedAt),
		)
		if err != nil {
			return errors.Internal(op, fmt.Errorf("insert finding: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if existing != nil {
		s.log.Debug("finding %s already stored for %s", existing.ID[:12], existing.Target)
		return existing, false, nil
	}

	if f.Supersedes != "" {
		s.log.Info("stored %s on %s as revision %d of lineage %s", f.VulnerabilityClass, f.Host, f.Revision, f.Lineage[:12])
	} else {
		s.log.Info("stored %s on %s (%s)", f.VulnerabilityClass, f.Host, f.Severity)
	}

	s.emit(ChangeEvent{Type: EventCreated, Finding: f.Clone()})
	return f, true, nil
}

// Get returns a finding by id.
func (s *Store) Get(ctx context.Context, id string) (*Finding, error) {
	f, err := scanFinding(s.db.SQL().QueryRowContext(ctx,
		`SELECT `+findingColumns+` FROM findings WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, errors.E(errors.KindNotFound, "finding.Get", fmt.Sprintf("finding %q not found", id))
	}
	if err != nil {
		return nil, errors.Internal("finding.Get", err)
	}
	return f, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	// Statuses keeps only findings in one of these statuses. Empty means all.
	Statuses []Status

	// MinSeverity drops findings below this level. Empty means all.
	MinSeverity severity.Level

	// LatestOnly keeps only the newest revision of each lineage.
	LatestOnly bool
}

// List returns the findings of a target ordered by identity.
func (s *Store) List(ctx context.Context, target string, filter ListFilter) ([]*Finding, error) {
	q := `SELECT ` + findingColumns + ` FROM findings f WHERE target = ?`
	args := []interface{}{fingerprint.NormalizeHost(target)}

	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			if !st.Valid() {
				return nil, errors.E(errors.KindInvalidInput, "finding.List", fmt.Sprintf("unknown status %q", st))
			}
			marks[i] = "?"
			args = append(args, string(st))
		}
		q += ` AND status IN (` + strings.Join(marks, ", ") + `)`
	}
	if filter.LatestOnly {
		q += ` AND revision = (SELECT MAX(g.revision) FROM findings g WHERE g.lineage = f.lineage)`
	}
	q += ` ORDER BY host, vulnerability_class, evidence_hash`

	out, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, errors.Internal("finding.List", err)
	}

	if filter.MinSeverity != "" {
		kept := out[:0]
		for _, f := range out {
			if f.Severity.IsAtLeast(filter.MinSeverity) {
				kept = append(kept, f)
			}
		}
		out = kept
	}
	return out, nil
}

// Snapshot returns the findings that take part in correlation for a target:
// the newest non-rejected revision of every lineage, ordered by identity.
// It is a single statement, so concurrent writes are either fully visible or
// not visible at all.
func (s *Store) Snapshot(ctx context.Context, target string) ([]*Finding, error) {
	out, err := s.query(ctx, `
		SELECT `+findingColumns+` FROM findings f
		WHERE target = ? AND status != ?
		  AND revision = (
			SELECT MAX(g.revision) FROM findings g
			WHERE g.lineage = f.lineage AND g.status != ?
		  )
		ORDER BY host, vulnerability_class, evidence_hash
	`, fingerprint.NormalizeHost(target), string(StatusRejected), string(StatusRejected))
	if err != nil {
		return nil, errors.Internal("finding.Snapshot", err)
	}
	return out, nil
}

// Revisions returns every revision of a finding's lineage, oldest first.
func (s *Store) Revisions(ctx context.Context, id string) ([]*Finding, error) {
	f, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out, err := s.query(ctx,
		`SELECT `+findingColumns+` FROM findings WHERE lineage = ? ORDER BY revision`, f.Lineage)
	if err != nil {
		return nil, errors.Internal("finding.Revisions", err)
	}
	return out, nil
}

// UpdateStatus moves a finding to a new status. expectedVersion must match
// the stored version; a stale caller gets a Conflict and nothing changes.
// Guards see the finding before the move.
func (s *Store) UpdateStatus(ctx context.Context, id string, to Status, expectedVersion int64, guards ...Guard) (*Finding, error) {
	const op = "finding.UpdateStatus"

	if !to.Valid() {
		return nil, errors.E(errors.KindInvalidInput, op, fmt.Sprintf("unknown status %q", to))
	}

	var updated *Finding
	var previous Status
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanFinding(tx.QueryRowContext(ctx,
			`SELECT `+findingColumns+` FROM findings WHERE id = ?`, id))
		if err == sql.ErrNoRows {
			return errors.E(errors.KindNotFound, op, fmt.Sprintf("finding %q not found", id))
		}
		if err != nil {
			return errors.Internal(op, err)
		}
		for _, g := range guards {
			if err := g(ctx, tx, cur); err != nil {
				return err
			}
		}

		if cur.Version != expectedVersion {
			return errors.E(errors.KindConflict, op,
				fmt.Sprintf("finding %q is at version %d, caller expected %d", id, cur.Version, expectedVersion))
		}
		if !CanTransition(cur.Status, to) {
			return errors.E(errors.KindInvalidTransition, op,
				fmt.Sprintf("finding %q cannot move from %s to %s", id, cur.Status, to))
		}

		now := s.now().UTC()
		res, err := tx.ExecContext(ctx,
			`UPDATE findings SET status = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
			string(to), storage.ToUnix(now), id, expectedVersion)
		if err != nil {
			return errors.Internal(op, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.E(errors.KindConflict, op, fmt.Sprintf("finding %q changed concurrently", id))
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO finding_status_log (id, finding_id, from_status, to_status, version, changed_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, uuid.NewString(), id, string(cur.Status), string(to), expectedVersion+1, storage.ToUnix(now))
		if err != nil {
			return errors.Internal(op, fmt.Errorf("append status log: %w", err))
		}

		previous = cur.Status
		cur.Status = to
		cur.Version = expectedVersion + 1
		cur.UpdatedAt = now
		updated = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("finding %s: %s -> %s", id[:min(12, len(id))], previous, to)
	s.emit(ChangeEvent{Type: EventStatusChanged, Finding: updated.Clone(), PreviousStatus: previous})
	return updated, nil
}

// History returns the status changes of a finding, oldest first.
func (s *Store) History(ctx context.Context, id string) ([]StatusChange, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.db.SQL().QueryContext(ctx, `
		SELECT id, finding_id, from_status, to_status, version, changed_at
		FROM finding_status_log WHERE finding_id = ? ORDER BY version
	`, id)
	if err != nil {
		return nil, errors.Internal("finding.History", err)
	}
	defer rows.Close()

	var out []StatusChange
	for rows.Next() {
		var c StatusChange
		var from, to string
		var at int64
		if err := rows.Scan(&c.ID, &c.FindingID, &from, &to, &c.Version, &at); err != nil {
			return nil, errors.Internal("finding.History", err)
		}
		c.From = Status(from)
		c.To = Status(to)
		c.ChangedAt = storage.FromUnix(at)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internal("finding.History", err)
	}
	return out, nil
}

// Targets returns every target with at least one finding.
func (s *Store) Targets(ctx context.Context) ([]TargetSummary, error) {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT target, COUNT(*) FROM findings GROUP BY target ORDER BY target`)
	if err != nil {
		return nil, errors.Internal("finding.Targets", err)
	}
	defer rows.Close()

	var out []TargetSummary
	for rows.Next() {
		var ts TargetSummary
		if err := rows.Scan(&ts.Target, &ts.Findings); err != nil {
			return nil, errors.Internal("finding.Targets", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// =============================================================================
// Scanning
// =============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) query(ctx context.Context, q string, args ...interface{}) ([]*Finding, error) {
	rows, err := s.db.SQL().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanFinding(row rowScanner) (*Finding, error) {
	var f Finding
	var sev, status, requires, grants string
	var entry int
	var discovered, updated int64

	err := row.Scan(
		&f.ID, &f.Target, &f.Host, &f.VulnerabilityClass, &f.EvidenceHash, &f.Lineage, &f.Revision, &f.Supersedes,
		&sev, &f.Confidence, &status, &f.EvidenceRef, &requires, &grants, &entry, &f.Version, &discovered, &updated,
	)
	if err != nil {
		return nil, err
	}

	f.Severity = severity.Level(sev)
	f.Status = Status(status)
	f.EntryPoint = entry != 0
	f.DiscoveredAt = storage.FromUnix(discovered)
	f.UpdatedAt = storage.FromUnix(updated)

	if err := json.Unmarshal([]byte(requires), &f.Requires); err != nil {
		return nil, fmt.Errorf("decode requires of %s: %w", f.ID, err)
	}
	if err := json.Unmarshal([]byte(grants), &f.Grants); err != nil {
		return nil, fmt.Errorf("decode grants of %s: %w", f.ID, err)
	}
	if f.Requires == nil {
		f.Requires = []string{}
	}
	if f.Grants == nil {
		f.Grants = []string{}
	}
	return &f, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
