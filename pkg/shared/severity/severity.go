// Package severity provides the severity levels attached to findings and the
// weights used to turn them into chain scores.
package severity

import (
	"fmt"
	"strings"

	"github.com/exploopio/chainhunt/pkg/errors"
)

// Level represents a severity level for a finding.
type Level string

const (
	// Critical - trivially exploitable, full compromise.
	Critical Level = "critical"

	// High - serious weakness with direct impact.
	High Level = "high"

	// Medium - moderate impact or needs preconditions.
	Medium Level = "medium"

	// Low - minor issue.
	Low Level = "low"

	// Info - informational, no direct impact.
	Info Level = "info"
)

// AllLevels returns all severity levels in order of priority (highest first).
func AllLevels() []Level {
	return []Level{Critical, High, Medium, Low, Info}
}

// String returns the string representation of the severity level.
func (l Level) String() string {
	return string(l)
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	return l.Priority() > 0
}

// Priority returns the numeric priority of the severity level.
// Higher numbers = higher priority. Undefined levels return 0.
func (l Level) Priority() int {
	switch l {
	case Critical:
		return 5
	case High:
		return 4
	case Medium:
		return 3
	case Low:
		return 2
	case Info:
		return 1
	default:
		return 0
	}
}

// IsHigherThan returns true if this severity is higher than the other.
func (l Level) IsHigherThan(other Level) bool {
	return l.Priority() > other.Priority()
}

// IsAtLeast returns true if this severity is at least as high as the other.
func (l Level) IsAtLeast(other Level) bool {
	return l.Priority() >= other.Priority()
}

// Escalate returns the next level up, saturating at Critical.
func (l Level) Escalate() Level {
	switch l {
	case Info:
		return Low
	case Low:
		return Medium
	case Medium:
		return High
	default:
		if l.Valid() {
			return Critical
		}
		return l
	}
}

// Parse validates s against the defined levels.
// Only the canonical lower-case names are accepted; anything else is a
// validation error so malformed collaborator output never reaches the store.
func Parse(s string) (Level, error) {
	l := Level(s)
	if !l.Valid() {
		return "", errors.E(errors.KindInvalidInput, "severity.Parse",
			fmt.Sprintf("unknown severity %q (want one of info, low, medium, high, critical)", s))
	}
	return l, nil
}

// FromString normalizes common triage spellings to a Level.
// Triage collaborators report "med", "crit", "moderate" and upper-case names.
// Unrecognised input yields "" which Parse then rejects.
func FromString(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL", "CRIT":
		return Critical
	case "HIGH", "SEVERE":
		return High
	case "MEDIUM", "MODERATE", "MED":
		return Medium
	case "LOW":
		return Low
	case "INFO", "INFORMATIONAL", "NONE":
		return Info
	default:
		return ""
	}
}

// Compare returns:
//
//	-1 if a < b (a is lower severity)
//	 0 if a == b
//	+1 if a > b (a is higher severity)
func Compare(a, b Level) int {
	pa, pb := a.Priority(), b.Priority()
	switch {
	case pa < pb:
		return -1
	case pa > pb:
		return 1
	default:
		return 0
	}
}

// Max returns the higher severity of two levels.
func Max(a, b Level) Level {
	if a.IsHigherThan(b) {
		return a
	}
	return b
}

// =============================================================================
// Weights
// =============================================================================

// Weights maps each level to the numeric score it contributes to a chain.
type Weights map[Level]float64

// DefaultWeights returns the default scoring weights.
// Each step up roughly doubles the value of a finding.
func DefaultWeights() Weights {
	return Weights{
		Info:     0.5,
		Low:      1,
		Medium:   3,
		High:     6,
		Critical: 10,
	}
}

// Of returns the weight for l, 0 when l has no weight.
func (w Weights) Of(l Level) float64 {
	return w[l]
}

// Max returns the largest configured weight.
func (w Weights) Max() float64 {
	var m float64
	for _, v := range w {
		if v > m {
			m = v
		}
	}
	return m
}

// Validate checks that every level has a non-negative weight.
func (w Weights) Validate() error {
	for _, l := range AllLevels() {
		v, ok := w[l]
		if !ok {
			return errors.E(errors.KindInvalidInput, "severity.Weights", fmt.Sprintf("missing weight for %s", l))
		}
		if v < 0 {
			return errors.E(errors.KindInvalidInput, "severity.Weights", fmt.Sprintf("negative weight for %s", l))
		}
	}
	return nil
}

// CountBySeverity counts findings by severity level.
type CountBySeverity struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
	Total    int `json:"total"`
}

// Increment increases the count for the given severity.
func (c *CountBySeverity) Increment(level Level) {
	c.Total++
	switch level {
	case Critical:
		c.Critical++
	case High:
		c.High++
	case Medium:
		c.Medium++
	case Low:
		c.Low++
	case Info:
		c.Info++
	}
}
