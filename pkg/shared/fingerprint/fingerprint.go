// Package fingerprint provides the deterministic identities used for
// deduplicating findings and naming derived attack chains.
//
// IMPORTANT: identities are persisted as primary keys. Any change to the
// normalisation or the hashed layout invalidates every stored finding id.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
)

// Identity is the natural key of a finding.
type Identity struct {
	Target             string
	Host               string
	VulnerabilityClass string
	EvidenceHash       string
}

// Normalize returns the identity with every component normalized the way it
// is hashed and stored.
func (i Identity) Normalize() Identity {
	return Identity{
		Target:             NormalizeHost(i.Target),
		Host:               NormalizeHost(i.Host),
		VulnerabilityClass: normalize(i.VulnerabilityClass),
		EvidenceHash:       normalize(i.EvidenceHash),
	}
}

// Compare orders identities component by component.
func (i Identity) Compare(other Identity) int {
	for _, pair := range [][2]string{
		{i.Target, other.Target},
		{i.Host, other.Host},
		{i.VulnerabilityClass, other.VulnerabilityClass},
		{i.EvidenceHash, other.EvidenceHash},
	} {
		if c := strings.Compare(pair[0], pair[1]); c != 0 {
			return c
		}
	}
	return 0
}

// FindingID returns the SHA256 id (64 hex characters) of a finding identity.
// The same identity always yields the same id, which makes re-submission of
// identical evidence a no-op at the storage layer.
func FindingID(id Identity) string {
	n := id.Normalize()
	return digest("finding", n.Target, n.Host, n.VulnerabilityClass, n.EvidenceHash)
}

// LineageKey groups every evidence revision of the same weakness on the same host.
func LineageKey(target, host, class string) string {
	return digest("lineage", NormalizeHost(target), NormalizeHost(host), normalize(class))[:32]
}

// ChainID returns the id of an attack chain made of the given finding ids, in order.
func ChainID(findingIDs []string) string {
	return "chain-" + digest("chain", findingIDs...)[:32]
}

// EvidenceHash hashes raw evidence content for collaborators that only hold
// the artifact itself.
func EvidenceHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// NormalizeHost cleans up a hostname.
// - Removes protocol prefix (http://, https://)
// - Removes trailing slash
// - Removes default ports (80, 443)
// - Converts to lowercase
func NormalizeHost(host string) string {
	host = strings.TrimSpace(host)
	host = strings.ToLower(host)

	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")

	host = strings.TrimSuffix(host, "/")

	host = strings.TrimSuffix(host, ":443")
	host = strings.TrimSuffix(host, ":80")

	return host
}

func normalize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ToLower(s)
	return s
}

// digest hashes kind and fields, each field prefixed with its length so that
// no two field lists share an encoding whatever bytes they contain.
func digest(kind string, fields ...string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	var n [binary.MaxVarintLen64]byte
	for _, f := range fields {
		h.Write(n[:binary.PutUvarint(n[:], uint64(len(f)))])
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}
