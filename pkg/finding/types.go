// Package finding implements the durable store of discovered weaknesses.
//
// A finding is identified by (target, host, vulnerability class, evidence
// hash). Everything except its status is immutable once stored; submitting
// new evidence for the same weakness creates a new revision in the same
// lineage instead of overwriting the old one.
package finding

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/exploopio/chainhunt/pkg/errors"
	"github.com/exploopio/chainhunt/pkg/shared/fingerprint"
	"github.com/exploopio/chainhunt/pkg/shared/severity"
)

// Status represents the triage status of a finding.
type Status string

const (
	// StatusNew is the status of a freshly submitted finding.
	StatusNew Status = "new"

	// StatusTriaged indicates a collaborator confirmed the finding is worth pursuing.
	StatusTriaged Status = "triaged"

	// StatusVerified indicates the finding was reproduced.
	StatusVerified Status = "verified"

	// StatusReported indicates the finding was sent to the program.
	StatusReported Status = "reported"

	// StatusPaid indicates the program paid out for the finding.
	StatusPaid Status = "paid"

	// StatusRejected indicates the finding was dropped. Terminal.
	StatusRejected Status = "rejected"
)

// AllStatuses returns every status in lifecycle order.
func AllStatuses() []Status {
	return []Status{StatusNew, StatusTriaged, StatusVerified, StatusReported, StatusPaid, StatusRejected}
}

// Valid reports whether s is a defined status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses() {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether no further status change is possible.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusRejected
}

// ParseStatus validates s against the defined statuses.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", errors.E(errors.KindInvalidInput, "finding.ParseStatus", fmt.Sprintf("unknown status %q", s))
	}
	return st, nil
}

// statusTable lists the allowed status moves. Verification or report
// bounces send a finding back to triage without touching the target's
// pipeline stage.
var statusTable = map[Status][]Status{
	StatusNew:      {StatusTriaged, StatusRejected},
	StatusTriaged:  {StatusVerified, StatusRejected},
	StatusVerified: {StatusReported, StatusTriaged, StatusRejected},
	StatusReported: {StatusPaid, StatusTriaged, StatusRejected},
}

// CanTransition reports whether a finding may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range statusTable[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Finding is a stored weakness.
type Finding struct {
	ID                 string         `json:"id"`
	Target             string         `json:"target"`
	Host               string         `json:"host"`
	VulnerabilityClass string         `json:"vulnerability_class"`
	EvidenceHash       string         `json:"evidence_hash"`
	EvidenceRef        string         `json:"evidence_ref,omitempty"`
	Severity           severity.Level `json:"severity"`
	Confidence         float64        `json:"confidence"`
	Requires           []string       `json:"requires"`
	Grants             []string       `json:"grants"`
	EntryPoint         bool           `json:"entry_point,omitempty"`

	// Lineage groups revisions of the same (target, host, class).
	Lineage    string `json:"lineage"`
	Revision   int    `json:"revision"`
	Supersedes string `json:"supersedes,omitempty"`

	Status  Status `json:"status"`
	Version int64  `json:"version"`

	DiscoveredAt time.Time `json:"discovered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Identity returns the natural key of the finding.
func (f *Finding) Identity() fingerprint.Identity {
	return fingerprint.Identity{
		Target:             f.Target,
		Host:               f.Host,
		VulnerabilityClass: f.VulnerabilityClass,
		EvidenceHash:       f.EvidenceHash,
	}
}

// Clone returns a deep copy.
func (f *Finding) Clone() *Finding {
	c := *f
	c.Requires = append([]string(nil), f.Requires...)
	c.Grants = append([]string(nil), f.Grants...)
	return &c
}

// StatusChange is one entry of a finding's status history.
type StatusChange struct {
	ID        string    `json:"id"`
	FindingID string    `json:"finding_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Version   int64     `json:"version"`
	ChangedAt time.Time `json:"changed_at"`
}

// TargetSummary is a target with its finding count.
type TargetSummary struct {
	Target   string `json:"target"`
	Findings int    `json:"findings"`
}

// =============================================================================
// Submission
// =============================================================================

// Submission is a new finding as produced by a recon or triage collaborator.
type Submission struct {
	Target             string    `json:"target"`
	Host               string    `json:"host"`
	VulnerabilityClass string    `json:"vulnerability_class"`
	EvidenceHash       string    `json:"evidence_hash"`
	EvidenceRef        string    `json:"evidence_ref,omitempty"`
	Severity           string    `json:"severity"`
	Confidence         float64   `json:"confidence"`
	Requires           []string  `json:"requires,omitempty"`
	Grants             []string  `json:"grants,omitempty"`
	EntryPoint         bool      `json:"entry_point,omitempty"`
	DiscoveredAt       time.Time `json:"discovered_at,omitempty"`
}

// Validate checks the structural shape of a submission.
// It does not judge whether the severity or tags are semantically right.
func (s *Submission) Validate() error {
	var problems []string

	if strings.TrimSpace(s.Target) == "" {
		problems = append(problems, "target is required")
	}
	if strings.TrimSpace(s.Host) == "" {
		problems = append(problems, "host is required")
	}
	if strings.TrimSpace(s.VulnerabilityClass) == "" {
		problems = append(problems, "vulnerability_class is required")
	}
	if strings.TrimSpace(s.EvidenceHash) == "" {
		problems = append(problems, "evidence_hash is required")
	}
	if _, err := severity.Parse(s.Severity); err != nil {
		problems = append(problems, fmt.Sprintf("severity %q is not one of info, low, medium, high, critical", s.Severity))
	}
	if math.IsNaN(s.Confidence) || s.Confidence < 0 || s.Confidence > 1 {
		problems = append(problems, "confidence must be within [0, 1]")
	}
	for _, tag := range append(append([]string(nil), s.Requires...), s.Grants...) {
		if strings.TrimSpace(tag) == "" {
			problems = append(problems, "capability tags must not be empty")
			break
		}
	}

	if len(problems) > 0 {
		return errors.E(errors.KindInvalidInput, "finding.Validate", strings.Join(problems, "; "))
	}
	return nil
}

// NormalizeTags lower-cases, trims, de-duplicates and sorts capability tags.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
