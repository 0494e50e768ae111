// Package artifact tracks version counters for the derived artifacts of a
// review session and answers whether each one is stale.
//
// Artifacts form a chain: documents feed mappings, mappings feed evidence,
// evidence feeds validation, and validation feeds the report. Staleness is
// evaluated on read; bumping a version never cascades.
package artifact

import (
	"fmt"
	"slices"
)

// Kind names an artifact.
type Kind string

const (
	Documents  Kind = "documents"
	Mappings   Kind = "mappings"
	Evidence   Kind = "evidence"
	Validation Kind = "validation"
	Report     Kind = "report"
)

// Kinds lists every kind, upstream first.
var Kinds = []Kind{Documents, Mappings, Evidence, Validation, Report}

// ParseKind validates s as a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !slices.Contains(Kinds, k) {
		return "", fmt.Errorf("unknown artifact kind %q", s)
	}
	return k, nil
}

// Upstream returns the kind k is derived from. ok is false for documents.
func (k Kind) Upstream() (Kind, bool) {
	i := slices.Index(Kinds, k)
	if i <= 0 {
		return "", false
	}
	return Kinds[i-1], true
}

// Version is the persisted state of one kind.
type Version struct {
	Kind        Kind   `json:"kind"`
	Current     uint64 `json:"current"`
	DerivedFrom uint64 `json:"derived_from"`
}

// Graph holds the version counters of one session. The zero value is not
// usable; call New. Graph is not safe for concurrent use; the session
// coordinator serializes access.
type Graph struct {
	current     map[Kind]uint64
	derivedFrom map[Kind]uint64
}

// New returns a graph with every counter at zero.
func New() *Graph {
	return &Graph{
		current:     make(map[Kind]uint64, len(Kinds)),
		derivedFrom: make(map[Kind]uint64, len(Kinds)),
	}
}

// Bump increments the current version of k and returns it.
func (g *Graph) Bump(k Kind) (uint64, error) {
	if !slices.Contains(Kinds, k) {
		return 0, fmt.Errorf("unknown artifact kind %q", k)
	}
	g.current[k]++
	return g.current[k], nil
}

// MarkDerived records that k was regenerated from upstream version v.
// Recorded values never decrease: an older run finishing late is a no-op.
func (g *Graph) MarkDerived(k Kind, v uint64) error {
	up, ok := k.Upstream()
	if !ok {
		if k == Documents {
			return fmt.Errorf("documents have no upstream")
		}
		return fmt.Errorf("unknown artifact kind %q", k)
	}
	if v > g.current[up] {
		return fmt.Errorf("%s version %d is ahead of current %s version %d", up, v, up, g.current[up])
	}
	g.derivedFrom[k] = max(g.derivedFrom[k], v)
	return nil
}

// Current returns the current version of k.
func (g *Graph) Current(k Kind) uint64 {
	return g.current[k]
}

// DerivedFrom returns the upstream version k was last regenerated from.
func (g *Graph) DerivedFrom(k Kind) uint64 {
	return g.derivedFrom[k]
}

// UpstreamVersion returns the current version of k's upstream, the value a
// producer snapshots when it starts regenerating k.
func (g *Graph) UpstreamVersion(k Kind) (uint64, error) {
	up, ok := k.Upstream()
	if !ok {
		if k == Documents {
			return 0, fmt.Errorf("documents have no upstream")
		}
		return 0, fmt.Errorf("unknown artifact kind %q", k)
	}
	return g.current[up], nil
}

// IsStale reports whether k lags its upstream, directly or through any kind
// further up the chain. Documents are never stale.
func (g *Graph) IsStale(k Kind) bool {
	for {
		up, ok := k.Upstream()
		if !ok {
			return false
		}
		if g.current[up] > g.derivedFrom[k] {
			return true
		}
		k = up
	}
}

// Report returns the staleness of every kind.
func (g *Graph) Report() map[Kind]bool {
	out := make(map[Kind]bool, len(Kinds))
	for _, k := range Kinds {
		out[k] = g.IsStale(k)
	}
	return out
}

// Clone returns an independent copy of g.
func (g *Graph) Clone() *Graph {
	c := New()
	for k, v := range g.current {
		c.current[k] = v
	}
	for k, v := range g.derivedFrom {
		c.derivedFrom[k] = v
	}
	return c
}

// Snapshot returns the versions of every kind, upstream first.
func (g *Graph) Snapshot() []Version {
	out := make([]Version, 0, len(Kinds))
	for _, k := range Kinds {
		out = append(out, Version{Kind: k, Current: g.current[k], DerivedFrom: g.derivedFrom[k]})
	}
	return out
}

// Restore rebuilds a graph from persisted versions.
func Restore(versions []Version) (*Graph, error) {
	g := New()
	for _, v := range versions {
		if !slices.Contains(Kinds, v.Kind) {
			return nil, fmt.Errorf("unknown artifact kind %q", v.Kind)
		}
		g.current[v.Kind] = v.Current
		if v.Kind != Documents {
			g.derivedFrom[v.Kind] = v.DerivedFrom
		}
	}
	return g, nil
}
