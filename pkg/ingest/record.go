// Package ingest feeds collaborator output into the engine.
//
// Recon and triage collaborators emit one JSON object per line. Each line is
// decoded into a Record, turned into a finding submission and pushed through
// a rate-limited worker pool. Lines that fail to decode or validate are
// reported with their line number; they never stop the rest of the batch.
package ingest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/exploopio/chainhunt/pkg/finding"
	"github.com/exploopio/chainhunt/pkg/shared/fingerprint"
	"github.com/exploopio/chainhunt/pkg/shared/severity"
)

// maxLineBytes bounds a single JSON line.
const maxLineBytes = 1 << 20

// Record is one line of collaborator output.
type Record struct {
	Target             string `json:"target"`
	Host               string `json:"host"`
	VulnerabilityClass string `json:"vulnerability_class"`

	// Vulnerability is the older spelling of VulnerabilityClass.
	Vulnerability string `json:"vulnerability,omitempty"`

	EvidenceHash string `json:"evidence_hash,omitempty"`
	EvidenceRef  string `json:"evidence_ref,omitempty"`

	// Evidence is raw evidence text, hashed when EvidenceHash is missing.
	Evidence string `json:"evidence,omitempty"`

	Severity   string   `json:"severity"`
	Confidence *float64 `json:"confidence,omitempty"`
	Requires   []string `json:"requires,omitempty"`
	Grants     []string `json:"grants,omitempty"`
	EntryPoint bool     `json:"entry_point,omitempty"`

	// Status, when set, is applied after the finding is stored.
	Status string `json:"status,omitempty"`

	DiscoveredAt time.Time `json:"discovered_at,omitempty"`
}

// DecodeOptions controls how records become submissions.
type DecodeOptions struct {
	// LenientSeverity accepts common spellings such as "MED" or "crit".
	LenientSeverity bool

	// DefaultTarget fills records that carry no target.
	DefaultTarget string

	// DefaultConfidence is used when a record has no confidence (default: 1).
	DefaultConfidence *float64
}

// Submission converts r into a store submission and the status to apply
// afterwards ("" for none). Structural validation is left to the store.
func (r *Record) Submission(opts DecodeOptions) (finding.Submission, finding.Status, error) {
	sub := finding.Submission{
		Target:             r.Target,
		Host:               r.Host,
		VulnerabilityClass: r.VulnerabilityClass,
		EvidenceHash:       r.EvidenceHash,
		EvidenceRef:        r.EvidenceRef,
		Severity:           r.Severity,
		Confidence:         1,
		Requires:           r.Requires,
		Grants:             r.Grants,
		EntryPoint:         r.EntryPoint,
		DiscoveredAt:       r.DiscoveredAt,
	}

	if sub.Target == "" {
		sub.Target = opts.DefaultTarget
	}
	if sub.VulnerabilityClass == "" {
		sub.VulnerabilityClass = r.Vulnerability
	}
	if sub.EvidenceHash == "" {
		switch {
		case r.Evidence != "":
			sub.EvidenceHash = fingerprint.EvidenceHash([]byte(r.Evidence))
		case r.EvidenceRef != "":
			sub.EvidenceHash = fingerprint.EvidenceHash([]byte(r.EvidenceRef))
		}
	}
	if opts.LenientSeverity {
		if l := severity.FromString(r.Severity); l != "" {
			sub.Severity = string(l)
		}
	}
	switch {
	case r.Confidence != nil:
		sub.Confidence = *r.Confidence
	case opts.DefaultConfidence != nil:
		sub.Confidence = *opts.DefaultConfidence
	}

	var status finding.Status
	if s := strings.ToLower(strings.TrimSpace(r.Status)); s != "" {
		st, err := finding.ParseStatus(s)
		if err != nil {
			return sub, "", err
		}
		status = st
	}
	return sub, status, nil
}

// Line is a decoded record and its position in the input.
type Line struct {
	Number int
	Record Record
}

// LineError reports a line that could not be ingested.
type LineError struct {
	Line int    `json:"line"`
	Err  string `json:"error"`
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Err)
}

// Decode reads JSON lines from r. Blank lines and lines starting with '#'
// are skipped. Undecodable lines are returned as LineErrors; the returned
// error is reserved for read failures.
func Decode(r io.Reader) ([]Line, []LineError, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	var lines []Line
	var bad []LineError
	n := 0
	for sc.Scan() {
		n++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var rec Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			bad = append(bad, LineError{Line: n, Err: fmt.Sprintf("invalid JSON: %v", err)})
			continue
		}
		lines = append(lines, Line{Number: n, Record: rec})
	}
	if err := sc.Err(); err != nil {
		return lines, bad, fmt.Errorf("read input at line %d: %w", n+1, err)
	}
	return lines, bad, nil
}
