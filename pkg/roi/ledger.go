package roi

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/exploopio/chainhunt/pkg/errors"
	"github.com/exploopio/chainhunt/pkg/logger"
	"github.com/exploopio/chainhunt/pkg/shared/fingerprint"
	"github.com/exploopio/chainhunt/pkg/storage"
)

// Ledger is the append-only ROI ledger.
type Ledger struct {
	db  *storage.DB
	log logger.Logger
	now func() time.Time
}

// NewLedger creates a ledger on the campaign database.
func NewLedger(db *storage.DB, log logger.Logger) *Ledger {
	return &Ledger{db: db, log: logger.OrNop(log), now: time.Now}
}

// SetClock overrides the time source used for RecordedAt.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

const entryColumns = `seq, id, target, subject_id, subject_kind, hours, payout, currency, compensates, note, recorded_at`

// Record appends an entry and returns it with its id, sequence number and
// timestamp filled in. It fails only on malformed input.
func (l *Ledger) Record(ctx context.Context, e Entry) (*Entry, error) {
	const op = "roi.Record"

	e.Target = fingerprint.NormalizeHost(e.Target)
	if err := e.normalize(); err != nil {
		return nil, err
	}
	e.ID = uuid.NewString()
	if e.RecordedAt.IsZero() {
		e.RecordedAt = l.now()
	}
	e.RecordedAt = e.RecordedAt.UTC()

	err := l.db.WithTx(ctx, func(tx *sql.Tx) error {
		if e.Compensates != "" {
			orig, err := scanEntry(tx.QueryRowContext(ctx,
				`SELECT `+entryColumns+` FROM roi_entries WHERE id = ?`, e.Compensates))
			if err == sql.ErrNoRows {
				return errors.E(errors.KindInvalidInput, op, fmt.Sprintf("compensated entry %q does not exist", e.Compensates))
			}
			if err != nil {
				return errors.Internal(op, err)
			}
			if orig.Target != e.Target || orig.Currency != e.Currency {
				return errors.E(errors.KindInvalidInput, op,
					"a compensating entry must use the target and currency of the entry it corrects")
			}
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO roi_entries (id, target, subject_id, subject_kind, hours, payout, currency, compensates, note, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ID, e.Target, e.SubjectID, string(e.SubjectKind), e.Hours, e.Payout, e.Currency,
			e.Compensates, e.Note, storage.ToUnix(e.RecordedAt))
		if err != nil {
			return errors.Internal(op, err)
		}
		e.Seq, _ = res.LastInsertId()
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.log.Info("roi: %s %s %.2fh %.2f %s", e.Target, e.SubjectID, e.Hours, e.Payout, e.Currency)
	return &e, nil
}

// Get returns one entry.
func (l *Ledger) Get(ctx context.Context, id string) (*Entry, error) {
	e, err := scanEntry(l.db.SQL().QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM roi_entries WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, errors.E(errors.KindNotFound, "roi.Get", fmt.Sprintf("entry %q not found", id))
	}
	if err != nil {
		return nil, errors.Internal("roi.Get", err)
	}
	return e, nil
}

// Entries returns the entries matching q in recording order.
func (l *Ledger) Entries(ctx context.Context, q Query) ([]*Entry, error) {
	var where []string
	var args []interface{}

	if q.Target != "" {
		where = append(where, "target = ?")
		args = append(args, fingerprint.NormalizeHost(q.Target))
	}
	if q.SubjectID != "" {
		where = append(where, "subject_id = ?")
		args = append(args, q.SubjectID)
	}
	if !q.Since.IsZero() {
		where = append(where, "recorded_at >= ?")
		args = append(args, storage.ToUnix(q.Since))
	}
	if !q.Until.IsZero() {
		where = append(where, "recorded_at < ?")
		args = append(args, storage.ToUnix(q.Until))
	}

	stmt := `SELECT ` + entryColumns + ` FROM roi_entries`
	if len(where) > 0 {
		stmt += ` WHERE ` + strings.Join(where, " AND ")
	}
	stmt += ` ORDER BY seq`

	rows, err := l.db.SQL().QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Internal("roi.Entries", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Internal("roi.Entries", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internal("roi.Entries", err)
	}
	return out, nil
}

// Compute aggregates the entries matching q.
func (l *Ledger) Compute(ctx context.Context, q Query) (*Summary, error) {
	entries, err := l.Entries(ctx, q)
	if err != nil {
		return nil, err
	}
	s, err := Summarize(entries, q.Rates)
	if err != nil {
		return nil, err
	}
	s.Target = fingerprint.NormalizeHost(q.Target)
	s.SubjectID = q.SubjectID
	return s, nil
}

// Breakdown computes one summary per subject of a target, highest payout first.
func (l *Ledger) Breakdown(ctx context.Context, q Query) ([]*Summary, error) {
	entries, err := l.Entries(ctx, q)
	if err != nil {
		return nil, err
	}

	bySubject := make(map[string][]*Entry)
	var order []string
	for _, e := range entries {
		if _, ok := bySubject[e.SubjectID]; !ok {
			order = append(order, e.SubjectID)
		}
		bySubject[e.SubjectID] = append(bySubject[e.SubjectID], e)
	}

	out := make([]*Summary, 0, len(order))
	for _, id := range order {
		s, err := Summarize(bySubject[id], q.Rates)
		if err != nil {
			return nil, err
		}
		s.Target = bySubject[id][0].Target
		s.SubjectID = id
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TotalPayout > out[j].TotalPayout })
	return out, nil
}

// Summarize aggregates entries. Amounts are converted with rates when given;
// otherwise all entries must share one currency.
func Summarize(entries []*Entry, rates *Rates) (*Summary, error) {
	s := &Summary{Entries: len(entries)}

	if rates != nil {
		s.Currency = strings.ToUpper(rates.Base)
	}

	for _, e := range entries {
		payout := e.Payout
		if rates != nil {
			converted, err := rates.convert(e.Payout, e.Currency)
			if err != nil {
				return nil, err
			}
			payout = converted
		} else {
			if s.Currency == "" {
				s.Currency = e.Currency
			}
			if e.Currency != s.Currency {
				return nil, errors.E(errors.KindMixedCurrency, "roi.Compute",
					fmt.Sprintf("entries mix %s and %s; provide conversion rates", s.Currency, e.Currency))
			}
		}

		s.TotalHours += e.Hours
		s.TotalPayout += payout
		if e.Hours == 0 {
			s.ZeroHourPayout += payout
		}
	}

	if s.TotalHours > 0 {
		s.DollarsPerHour = s.TotalPayout / s.TotalHours
	}
	return s, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var kind string
	var at int64
	err := row.Scan(&e.Seq, &e.ID, &e.Target, &e.SubjectID, &kind, &e.Hours, &e.Payout,
		&e.Currency, &e.Compensates, &e.Note, &at)
	if err != nil {
		return nil, err
	}
	e.SubjectKind = SubjectKind(kind)
	e.RecordedAt = storage.FromUnix(at)
	return &e, nil
}
