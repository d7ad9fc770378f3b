// Package correlate derives the correlation graph of a target: which findings
// enable which, based on the capability tags they grant and require.
package correlate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/exploopio/chainhunt/pkg/finding"
	"github.com/exploopio/chainhunt/pkg/shared/fingerprint"
	"github.com/exploopio/chainhunt/pkg/shared/severity"
)

// Scope explains why two findings on possibly different hosts may be chained.
type Scope string

const (
	// ScopeSameHost links findings on the same host.
	ScopeSameHost Scope = "same-host"

	// ScopeNetworkPosition links across hosts because the enabling finding
	// grants a network position (internal access, SSRF egress, VPN access).
	ScopeNetworkPosition Scope = "network-position"
)

// Node is a finding as seen by the graph. Only immutable attributes are
// carried, so status changes never alter a graph.
type Node struct {
	ID                 string         `json:"id"`
	Host               string         `json:"host"`
	VulnerabilityClass string         `json:"vulnerability_class"`
	EvidenceHash       string         `json:"evidence_hash"`
	Lineage            string         `json:"lineage"`
	Revision           int            `json:"revision"`
	Severity           severity.Level `json:"severity"`
	Confidence         float64        `json:"confidence"`
	Requires           []string       `json:"requires"`
	Grants             []string       `json:"grants"`
	EntryPoint         bool           `json:"entry_point"`
}

// NodeFromFinding converts a stored finding.
func NodeFromFinding(f *finding.Finding) Node {
	return Node{
		ID:                 f.ID,
		Host:               f.Host,
		VulnerabilityClass: f.VulnerabilityClass,
		EvidenceHash:       f.EvidenceHash,
		Lineage:            f.Lineage,
		Revision:           f.Revision,
		Severity:           f.Severity,
		Confidence:         f.Confidence,
		Requires:           append([]string{}, f.Requires...),
		Grants:             append([]string{}, f.Grants...),
		EntryPoint:         f.EntryPoint,
	}
}

// Identity returns the node's natural key within its target.
func (n Node) Identity() fingerprint.Identity {
	return fingerprint.Identity{Host: n.Host, VulnerabilityClass: n.VulnerabilityClass, EvidenceHash: n.EvidenceHash}
}

// Edge states that From enables To.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`

	// Via is the sorted intersection of From's grants and To's requires.
	Via []string `json:"via"`

	// Confidence is the fraction of To's requirements satisfied by From.
	Confidence float64 `json:"confidence"`

	Scope Scope `json:"scope"`
}

// Graph is an immutable correlation graph. Nodes are ordered by identity and
// edges by (from, to) node position, so equal inputs marshal to equal bytes.
type Graph struct {
	Target string `json:"target"`
	Nodes  []Node `json:"nodes"`
	Edges  []Edge `json:"edges"`

	index    map[string]int
	out      map[string][]int
	inDegree map[string]int
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.Nodes)
}

// Node returns the node with the given finding id.
func (g *Graph) Node(id string) (Node, bool) {
	i, ok := g.index[id]
	if !ok {
		return Node{}, false
	}
	return g.Nodes[i], true
}

// Position returns the index of a node in Nodes, or -1.
func (g *Graph) Position(id string) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	return -1
}

// Out returns the edges leaving id, ordered by target position.
func (g *Graph) Out(id string) []Edge {
	idx := g.out[id]
	out := make([]Edge, len(idx))
	for i, e := range idx {
		out[i] = g.Edges[e]
	}
	return out
}

// Edge returns the edge from -> to, if any.
func (g *Graph) Edge(from, to string) (Edge, bool) {
	for _, e := range g.out[from] {
		if g.Edges[e].To == to {
			return g.Edges[e], true
		}
	}
	return Edge{}, false
}

// InDegree returns the number of edges entering id.
func (g *Graph) InDegree(id string) int {
	return g.inDegree[id]
}

// Canonical returns the deterministic JSON encoding of the graph.
func (g *Graph) Canonical() []byte {
	// Every field is a string, number, bool or an already sorted slice.
	data, _ := json.Marshal(g)
	return data
}

// Digest returns the SHA256 of the canonical encoding.
func (g *Graph) Digest() string {
	sum := sha256.Sum256(g.Canonical())
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// Construction
// =============================================================================

// Build derives the graph of target from findings. Findings of other targets
// are ignored; nothing in the input can make Build fail.
func Build(cfg *Config, target string, findings []*finding.Finding) *Graph {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	target = fingerprint.NormalizeHost(target)

	nodes := make([]Node, 0, len(findings))
	seen := make(map[string]bool, len(findings))
	for _, f := range findings {
		if f == nil || f.Target != target || seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		nodes = append(nodes, NodeFromFinding(f))
	}
	sortNodes(nodes)

	g := &Graph{Target: target, Nodes: nodes}
	g.reindex()

	for _, a := range nodes {
		for _, b := range nodes {
			if e, ok := cfg.link(a, b); ok {
				g.Edges = append(g.Edges, e)
			}
		}
	}
	g.finish()
	return g
}

// With returns a new graph with n added. A node of the same lineage with a
// lower revision is replaced; if the lineage already has a newer revision,
// or n is already present, the graph is returned unchanged.
func (g *Graph) With(cfg *Config, n Node) *Graph {
	if _, ok := g.index[n.ID]; ok {
		return g
	}

	var replaced string
	for _, existing := range g.Nodes {
		if existing.Lineage != "" && existing.Lineage == n.Lineage {
			if existing.Revision >= n.Revision {
				return g
			}
			replaced = existing.ID
		}
	}

	nodes := make([]Node, 0, len(g.Nodes)+1)
	for _, existing := range g.Nodes {
		if existing.ID != replaced {
			nodes = append(nodes, existing)
		}
	}
	nodes = append(nodes, n)
	sortNodes(nodes)

	next := &Graph{Target: g.Target, Nodes: nodes}
	next.reindex()

	for _, e := range g.Edges {
		if e.From != replaced && e.To != replaced {
			next.Edges = append(next.Edges, e)
		}
	}
	for _, other := range nodes {
		if e, ok := cfg.link(n, other); ok {
			next.Edges = append(next.Edges, e)
		}
		if e, ok := cfg.link(other, n); ok {
			next.Edges = append(next.Edges, e)
		}
	}
	next.finish()
	return next
}

// Without returns a new graph with id and its edges removed.
func (g *Graph) Without(id string) *Graph {
	if _, ok := g.index[id]; !ok {
		return g
	}

	next := &Graph{Target: g.Target}
	for _, n := range g.Nodes {
		if n.ID != id {
			next.Nodes = append(next.Nodes, n)
		}
	}
	next.reindex()
	for _, e := range g.Edges {
		if e.From != id && e.To != id {
			next.Edges = append(next.Edges, e)
		}
	}
	next.finish()
	return next
}

func sortNodes(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if c := nodes[i].Identity().Compare(nodes[j].Identity()); c != 0 {
			return c < 0
		}
		return nodes[i].ID < nodes[j].ID
	})
}

func (g *Graph) reindex() {
	g.index = make(map[string]int, len(g.Nodes))
	for i, n := range g.Nodes {
		g.index[n.ID] = i
	}
	if g.Nodes == nil {
		g.Nodes = []Node{}
	}
}

// finish sorts the edges and builds the adjacency indexes.
func (g *Graph) finish() {
	if g.Edges == nil {
		g.Edges = []Edge{}
	}
	sort.Slice(g.Edges, func(i, j int) bool {
		fi, fj := g.index[g.Edges[i].From], g.index[g.Edges[j].From]
		if fi != fj {
			return fi < fj
		}
		return g.index[g.Edges[i].To] < g.index[g.Edges[j].To]
	})

	g.out = make(map[string][]int, len(g.Nodes))
	g.inDegree = make(map[string]int, len(g.Nodes))
	for i, e := range g.Edges {
		g.out[e.From] = append(g.out[e.From], i)
		g.inDegree[e.To]++
	}
}

// UnmarshalJSON restores a graph including its indexes.
func (g *Graph) UnmarshalJSON(data []byte) error {
	type plain Graph
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*g = Graph(p)
	g.reindex()
	g.finish()
	return nil
}
