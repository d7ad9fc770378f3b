package roi

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/exploopio/chainhunt/pkg/errors"
	"github.com/exploopio/chainhunt/pkg/shared/severity"
	"github.com/exploopio/chainhunt/pkg/storage"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()

	db, err := storage.Open(&storage.Config{DatabasePath: filepath.Join(t.TempDir(), "campaign.db")})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewLedger(db, nil)
}

func record(t *testing.T, l *Ledger, e Entry) *Entry {
	t.Helper()
	out, err := l.Record(context.Background(), e)
	if err != nil {
		t.Fatalf("Record(%+v): %v", e, err)
	}
	return out
}

func TestCompute_ZeroHourPayout(t *testing.T) {
	l := newTestLedger(t)

	record(t, l, Entry{Target: "x.com", SubjectID: "f1", SubjectKind: SubjectFinding, Hours: 2, Payout: 500, Currency: "USD"})
	record(t, l, Entry{Target: "x.com", SubjectID: "f1", SubjectKind: SubjectFinding, Hours: 0, Payout: 100, Currency: "usd", Note: "bonus"})

	s, err := l.Compute(context.Background(), Query{Target: "x.com"})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if s.TotalHours != 2 || s.TotalPayout != 600 || s.DollarsPerHour != 300 {
		t.Errorf("got hours=%v payout=%v dph=%v, want 2/600/300", s.TotalHours, s.TotalPayout, s.DollarsPerHour)
	}
	if s.ZeroHourPayout != 100 {
		t.Errorf("ZeroHourPayout = %v, want 100", s.ZeroHourPayout)
	}
}

func TestCompute_NoHours(t *testing.T) {
	l := newTestLedger(t)
	record(t, l, Entry{Target: "x.com", Payout: 100, Currency: "USD"})

	s, err := l.Compute(context.Background(), Query{Target: "x.com"})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if s.DollarsPerHour != 0 || math.IsNaN(s.DollarsPerHour) || math.IsInf(s.DollarsPerHour, 0) {
		t.Errorf("DollarsPerHour = %v, want 0", s.DollarsPerHour)
	}
}

func TestCompute_Empty(t *testing.T) {
	l := newTestLedger(t)

	s, err := l.Compute(context.Background(), Query{Target: "nothing.com"})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if s.Entries != 0 || s.TotalPayout != 0 || s.DollarsPerHour != 0 {
		t.Errorf("empty summary = %+v", s)
	}
}

func TestCompute_MixedCurrency(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	record(t, l, Entry{Target: "x.com", Hours: 1, Payout: 100, Currency: "USD"})
	record(t, l, Entry{Target: "x.com", Hours: 1, Payout: 100, Currency: "EUR"})

	if _, err := l.Compute(ctx, Query{Target: "x.com"}); !errors.IsMixedCurrency(err) {
		t.Fatalf("Compute error = %v, want mixed currency", err)
	}

	s, err := l.Compute(ctx, Query{Target: "x.com", Rates: &Rates{Base: "USD", PerUnit: map[string]float64{"EUR": 1.1}}})
	if err != nil {
		t.Fatalf("Compute with rates: %v", err)
	}
	if math.Abs(s.TotalPayout-210) > 1e-9 || s.Currency != "USD" {
		t.Errorf("converted payout = %v %s, want 210 USD", s.TotalPayout, s.Currency)
	}

	_, err = l.Compute(ctx, Query{Target: "x.com", Rates: &Rates{Base: "USD", PerUnit: map[string]float64{"GBP": 1.3}}})
	if !errors.IsMixedCurrency(err) {
		t.Errorf("missing rate error = %v, want mixed currency", err)
	}
}

func TestRecord_Validation(t *testing.T) {
	l := newTestLedger(t)

	tests := []struct {
		name  string
		entry Entry
	}{
		{"missing target", Entry{Hours: 1, Currency: "USD"}},
		{"bad currency", Entry{Target: "x.com", Hours: 1, Currency: "dollars"}},
		{"negative hours", Entry{Target: "x.com", Hours: -1, Currency: "USD"}},
		{"negative payout", Entry{Target: "x.com", Payout: -5, Currency: "USD"}},
		{"nan hours", Entry{Target: "x.com", Hours: math.NaN(), Currency: "USD"}},
		{"unknown kind", Entry{Target: "x.com", SubjectKind: "bug", SubjectID: "b", Hours: 1, Currency: "USD"}},
		{"finding without id", Entry{Target: "x.com", SubjectKind: SubjectFinding, Hours: 1, Currency: "USD"}},
		{"compensates unknown entry", Entry{Target: "x.com", Hours: -1, Currency: "USD", Compensates: "nope"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := l.Record(context.Background(), tt.entry); !errors.IsValidation(err) {
				t.Errorf("Record error = %v, want validation error", err)
			}
		})
	}

	entries, _ := l.Entries(context.Background(), Query{})
	if len(entries) != 0 {
		t.Errorf("%d malformed entries were stored", len(entries))
	}
}

func TestRecord_Compensation(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	wrong := record(t, l, Entry{Target: "x.com", Hours: 10, Payout: 0, Currency: "USD"})
	record(t, l, Entry{Target: "x.com", Hours: -8, Currency: "USD", Compensates: wrong.ID, Note: "typo"})

	s, err := l.Compute(ctx, Query{Target: "x.com"})
	if err != nil {
		t.Fatal(err)
	}
	if s.TotalHours != 2 || s.Entries != 2 {
		t.Errorf("hours=%v entries=%d, want 2 / 2", s.TotalHours, s.Entries)
	}

	// The original entry is untouched.
	got, err := l.Get(ctx, wrong.ID)
	if err != nil || got.Hours != 10 {
		t.Errorf("original entry changed: %+v %v", got, err)
	}

	_, err = l.Record(ctx, Entry{Target: "x.com", Hours: -1, Currency: "EUR", Compensates: wrong.ID})
	if !errors.IsValidation(err) {
		t.Errorf("currency mismatch on compensation error = %v", err)
	}
}

func TestEntries_PeriodAndSubject(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	day := func(d int) time.Time { return time.Date(2026, 5, d, 12, 0, 0, 0, time.UTC) }
	record(t, l, Entry{Target: "x.com", SubjectKind: SubjectFinding, SubjectID: "a", Hours: 1, Currency: "USD", RecordedAt: day(1)})
	record(t, l, Entry{Target: "x.com", SubjectKind: SubjectFinding, SubjectID: "b", Hours: 2, Currency: "USD", RecordedAt: day(2)})
	record(t, l, Entry{Target: "x.com", SubjectKind: SubjectFinding, SubjectID: "a", Hours: 4, Currency: "USD", RecordedAt: day(3)})

	s, _ := l.Compute(ctx, Query{Target: "x.com", Since: day(2), Until: day(3)})
	if s.TotalHours != 2 {
		t.Errorf("period hours = %v, want 2", s.TotalHours)
	}

	s, _ = l.Compute(ctx, Query{Target: "x.com", SubjectID: "a"})
	if s.TotalHours != 5 || s.SubjectID != "a" {
		t.Errorf("subject hours = %v, want 5", s.TotalHours)
	}
}

func TestBreakdown(t *testing.T) {
	l := newTestLedger(t)

	record(t, l, Entry{Target: "x.com", SubjectKind: SubjectFinding, SubjectID: "a", Hours: 1, Payout: 100, Currency: "USD"})
	record(t, l, Entry{Target: "x.com", SubjectKind: SubjectChain, SubjectID: "chain-1", Hours: 3, Payout: 3000, Currency: "USD"})

	out, err := l.Breakdown(context.Background(), Query{Target: "x.com"})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0].SubjectID != "chain-1" || out[0].DollarsPerHour != 1000 {
		t.Errorf("breakdown = %+v", out)
	}
}

func TestRecord_TargetSubjectDefaults(t *testing.T) {
	l := newTestLedger(t)

	e := record(t, l, Entry{Target: "https://X.com/", Hours: 1.5, Currency: "usd"})
	if e.SubjectKind != SubjectTarget || e.SubjectID != "x.com" || e.Target != "x.com" || e.Currency != "USD" {
		t.Errorf("normalized entry = %+v", e)
	}
	if e.ID == "" || e.Seq == 0 || e.RecordedAt.IsZero() {
		t.Errorf("generated fields missing: %+v", e)
	}
}

func TestEstimateBand(t *testing.T) {
	tests := []struct {
		level    severity.Level
		min, max float64
	}{
		{severity.Info, 0, 0},
		{severity.Low, 50, 250},
		{severity.Medium, 250, 1500},
		{severity.High, 1500, 5000},
		{severity.Critical, 5000, 25000},
	}
	for _, tt := range tests {
		b := EstimateBand(tt.level)
		if b.Min != tt.min || b.Max != tt.max || b.Currency != "USD" {
			t.Errorf("EstimateBand(%s) = %+v", tt.level, b)
		}
	}
	if b := EstimateBand(severity.Critical); b.Midpoint() != 15000 {
		t.Errorf("Midpoint = %v", b.Midpoint())
	}
}
