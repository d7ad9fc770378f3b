// Package roi implements the append-only ledger of hours spent and payouts
// received, and the dollars-per-hour figures derived from it.
package roi

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/exploopio/chainhunt/pkg/errors"
	"github.com/exploopio/chainhunt/pkg/shared/severity"
)

// SubjectKind is what an entry's time or payout is attributed to.
type SubjectKind string

const (
	SubjectFinding SubjectKind = "finding"
	SubjectChain   SubjectKind = "chain"

	// SubjectTarget is for time not attributable to one finding, e.g. recon.
	SubjectTarget SubjectKind = "target"
)

// Valid reports whether k is a defined subject kind.
func (k SubjectKind) Valid() bool {
	switch k {
	case SubjectFinding, SubjectChain, SubjectTarget:
		return true
	}
	return false
}

// Entry is one ledger line. Entries are never edited; a mistake is undone by
// recording a compensating entry that references it.
type Entry struct {
	ID          string      `json:"id"`
	Seq         int64       `json:"seq"`
	Target      string      `json:"target"`
	SubjectID   string      `json:"subject_id"`
	SubjectKind SubjectKind `json:"subject_kind"`
	Hours       float64     `json:"hours"`
	Payout      float64     `json:"payout"`
	Currency    string      `json:"currency"`

	// Compensates is the id of the entry this one corrects. Only
	// compensating entries may carry negative hours or payout.
	Compensates string `json:"compensates,omitempty"`

	Note       string    `json:"note,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// normalize upper-cases the currency and fills the subject of target-level
// entries. It returns a validation error for malformed input.
func (e *Entry) normalize() error {
	var problems []string

	e.Target = strings.TrimSpace(e.Target)
	e.SubjectID = strings.TrimSpace(e.SubjectID)
	e.Currency = strings.ToUpper(strings.TrimSpace(e.Currency))
	if e.SubjectKind == "" {
		e.SubjectKind = SubjectTarget
	}
	if e.SubjectKind == SubjectTarget && e.SubjectID == "" {
		e.SubjectID = e.Target
	}

	if e.Target == "" {
		problems = append(problems, "target is required")
	}
	if !e.SubjectKind.Valid() {
		problems = append(problems, fmt.Sprintf("unknown subject kind %q", e.SubjectKind))
	}
	if e.SubjectID == "" {
		problems = append(problems, "subject_id is required")
	}
	if !currencyPattern.MatchString(e.Currency) {
		problems = append(problems, fmt.Sprintf("currency %q is not a 3-letter code", e.Currency))
	}
	if !finite(e.Hours) || !finite(e.Payout) {
		problems = append(problems, "hours and payout must be finite numbers")
	}
	if e.Compensates == "" && (e.Hours < 0 || e.Payout < 0) {
		problems = append(problems, "negative hours or payout are only allowed on compensating entries")
	}

	if len(problems) > 0 {
		return errors.E(errors.KindInvalidInput, "roi.Record", strings.Join(problems, "; "))
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Query selects the entries a summary covers.
type Query struct {
	Target string

	// SubjectID narrows the query to one finding or chain.
	SubjectID string

	// Since and Until bound RecordedAt to [Since, Until). Zero means open.
	Since time.Time
	Until time.Time

	// Rates converts currencies. Without it, entries in more than one
	// currency make Compute fail with a mixed-currency error.
	Rates *Rates
}

// Rates converts amounts into a base currency.
type Rates struct {
	Base string `json:"base" yaml:"base"`

	// PerUnit maps a currency to the amount of Base one unit of it is worth.
	PerUnit map[string]float64 `json:"per_unit" yaml:"per_unit"`
}

// convert returns amount expressed in r.Base.
func (r *Rates) convert(amount float64, currency string) (float64, error) {
	if strings.EqualFold(currency, r.Base) {
		return amount, nil
	}
	rate, ok := r.PerUnit[strings.ToUpper(currency)]
	if !ok || !finite(rate) || rate <= 0 {
		return 0, errors.E(errors.KindMixedCurrency, "roi.Compute",
			fmt.Sprintf("no conversion rate from %s to %s", currency, r.Base))
	}
	return amount * rate, nil
}

// Summary is the result of Compute.
type Summary struct {
	Target    string `json:"target,omitempty"`
	SubjectID string `json:"subject_id,omitempty"`
	Currency  string `json:"currency"`
	Entries   int    `json:"entries"`

	TotalHours  float64 `json:"total_hours"`
	TotalPayout float64 `json:"total_payout"`

	// DollarsPerHour is TotalPayout / TotalHours in Currency, or 0 when no
	// hours were logged. Entries with zero hours add to the payout and not to
	// the hours, so a bonus raises the rate instead of dividing by zero.
	DollarsPerHour float64 `json:"dollars_per_hour"`

	// ZeroHourPayout is the part of TotalPayout that came with no hours.
	ZeroHourPayout float64 `json:"zero_hour_payout"`
}

// =============================================================================
// Payout bands
// =============================================================================

// Band is an expected bounty range.
type Band struct {
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Currency string  `json:"currency"`
}

var bands = map[severity.Level]Band{
	severity.Info:     {0, 0, "USD"},
	severity.Low:      {50, 250, "USD"},
	severity.Medium:   {250, 1500, "USD"},
	severity.High:     {1500, 5000, "USD"},
	severity.Critical: {5000, 25000, "USD"},
}

// EstimateBand returns the typical bounty range of a severity level.
func EstimateBand(l severity.Level) Band {
	if b, ok := bands[l]; ok {
		return b
	}
	return Band{Currency: "USD"}
}

// Midpoint returns the middle of the band.
func (b Band) Midpoint() float64 {
	return (b.Min + b.Max) / 2
}
