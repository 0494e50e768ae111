package anchor

import (
	"fmt"
	"slices"

	"github.com/cespare/xxhash/v2"
)

// Confidence grades how precisely a descriptor was resolved.
type Confidence string

const (
	ConfidenceExact     Confidence = "exact"     // stored region still holds the snippet
	ConfidenceRecovered Confidence = "recovered" // found by fingerprint search; region re-derived
	ConfidencePageOnly  Confidence = "page_only" // region lost; page and text only
)

// Region is the precise placement of a snippet: a page and one rectangle per
// line the snippet spans.
type Region struct {
	Page  int    `json:"page"`
	Rects []Rect `json:"rects"`
}

// Fingerprint identifies one occurrence of a snippet on a page by hashing
// the snippet text with the collapsed context around it. The context windows
// are kept so a moved occurrence can be compared by edit distance.
type Fingerprint struct {
	Hash   string `json:"hash"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// Descriptor is the stored anchor of a snippet. Page and Text are always
// present; Region and Fingerprint are nil when they were never established.
type Descriptor struct {
	Region      *Region      `json:"region,omitempty"`
	Fingerprint *Fingerprint `json:"fingerprint,omitempty"`
	Page        int          `json:"page"`
	Text        string       `json:"text"`
}

// Clone returns a deep copy of d.
func (d Descriptor) Clone() Descriptor {
	out := Descriptor{Page: d.Page, Text: d.Text}
	if d.Region != nil {
		out.Region = &Region{Page: d.Region.Page, Rects: slices.Clone(d.Region.Rects)}
	}
	if d.Fingerprint != nil {
		fp := *d.Fingerprint
		out.Fingerprint = &fp
	}
	return out
}

// Equal reports whether two descriptors hold the same anchor.
func (d Descriptor) Equal(o Descriptor) bool {
	if d.Page != o.Page || d.Text != o.Text {
		return false
	}
	if (d.Region == nil) != (o.Region == nil) || (d.Fingerprint == nil) != (o.Fingerprint == nil) {
		return false
	}
	if d.Region != nil && (d.Region.Page != o.Region.Page || !slices.Equal(d.Region.Rects, o.Region.Rects)) {
		return false
	}
	if d.Fingerprint != nil && *d.Fingerprint != *o.Fingerprint {
		return false
	}
	return true
}

// Resolution is the outcome of resolving a descriptor against a page.
type Resolution struct {
	Region       Region     `json:"region"`
	Descriptor   Descriptor `json:"descriptor"`
	Confidence   Confidence `json:"confidence"`
	MayHaveMoved bool       `json:"may_have_moved"`
}

// Changed reports whether the resolution carries a descriptor that differs
// from the one resolved, i.e. the caller should persist it.
func (r Resolution) Changed(from Descriptor) bool {
	return r.Confidence == ConfidenceRecovered && !r.Descriptor.Equal(from)
}

// hashContext hashes collapsed snippet text together with its context.
func hashContext(before, text, after string) string {
	d := xxhash.New()
	_, _ = d.WriteString(before)
	_, _ = d.WriteString("\x1f")
	_, _ = d.WriteString(text)
	_, _ = d.WriteString("\x1f")
	_, _ = d.WriteString(after)
	return fmt.Sprintf("%016x", d.Sum64())
}
