package correlate

import (
	"fmt"
	"math"
	"sort"
)

// Config controls which pairs of findings are linked.
type Config struct {
	// MinConfidence drops edges whose confidence is below it (default: 0).
	MinConfidence float64 `yaml:"min_confidence"`

	// NetworkPositionTags are grants that make other hosts of the same
	// target reachable.
	NetworkPositionTags []string `yaml:"network_position_tags"`

	// EntryPointTags mark findings usable as the first step of a chain even
	// when they have incoming edges.
	EntryPointTags []string `yaml:"entry_point_tags"`
}

// DefaultConfig returns the default correlation settings.
func DefaultConfig() *Config {
	c := &Config{
		NetworkPositionTags: []string{"internal-network-access", "ssrf-egress", "vpn-access"},
		EntryPointTags:      []string{"public-exposure", "unauthenticated-access"},
	}
	return c
}

// Validate checks the config.
func (c *Config) Validate() error {
	if math.IsNaN(c.MinConfidence) || c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be within [0, 1], got %v", c.MinConfidence)
	}
	for _, t := range append(append([]string(nil), c.NetworkPositionTags...), c.EntryPointTags...) {
		if t == "" {
			return fmt.Errorf("tag lists must not contain empty tags")
		}
	}
	return nil
}

// IsEntryPoint reports whether n may start a chain regardless of in-degree.
func (c *Config) IsEntryPoint(n Node) bool {
	if n.EntryPoint {
		return true
	}
	return containsAny(n.Grants, c.EntryPointTags)
}

// link decides whether a enables b.
func (c *Config) link(a, b Node) (Edge, bool) {
	if a.ID == b.ID || len(b.Requires) == 0 {
		return Edge{}, false
	}

	via := intersect(a.Grants, b.Requires)
	if len(via) == 0 {
		return Edge{}, false
	}

	scope := ScopeSameHost
	if a.Host != b.Host {
		if !c.grantsNetworkPosition(a) {
			return Edge{}, false
		}
		scope = ScopeNetworkPosition
	}

	conf := float64(len(via)) / float64(len(b.Requires))
	if conf < c.MinConfidence {
		return Edge{}, false
	}

	return Edge{From: a.ID, To: b.ID, Via: via, Confidence: conf, Scope: scope}, true
}

func (c *Config) grantsNetworkPosition(n Node) bool {
	return containsAny(n.Grants, c.NetworkPositionTags)
}

func containsAny(tags, wanted []string) bool {
	for _, t := range tags {
		for _, w := range wanted {
			if t == w {
				return true
			}
		}
	}
	return false
}

// intersect returns the sorted common elements of two tag sets.
func intersect(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	var out []string
	for _, t := range b {
		if set[t] {
			out = append(out, t)
			delete(set, t)
		}
	}
	sort.Strings(out)
	return out
}
