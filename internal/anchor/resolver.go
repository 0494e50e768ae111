// Package anchor locates evidence snippets on rendered document pages.
//
// A snippet's Descriptor is resolved in three layers, most precise first:
// the stored region, a fingerprint search of the page text, and finally the
// stored page number and text. Resolution never fails; it degrades.
package anchor

// Default resolver tuning.
const (
	DefaultContextWindow        = 32
	DefaultMinContextSimilarity = 0.6
)

// Options tunes a Resolver.
type Options struct {
	// ContextWindow is the number of runes of context kept on each side of a
	// snippet in its fingerprint.
	ContextWindow int

	// MinContextSimilarity is the lowest context similarity (0..1) at which a
	// fingerprint search accepts a candidate occurrence.
	MinContextSimilarity float64
}

// Resolver resolves and creates descriptors. It holds no state beyond its
// options and is safe for concurrent use.
type Resolver struct {
	window        int
	minSimilarity float64
}

// NewResolver creates a Resolver, filling unset options with defaults.
func NewResolver(opts Options) *Resolver {
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = DefaultContextWindow
	}
	if opts.MinContextSimilarity <= 0 || opts.MinContextSimilarity > 1 {
		opts.MinContextSimilarity = DefaultMinContextSimilarity
	}
	return &Resolver{window: opts.ContextWindow, minSimilarity: opts.MinContextSimilarity}
}

// Resolve locates desc on page, which must be the current rendering of the
// descriptor's stored page.
func (r *Resolver) Resolve(desc Descriptor, page Page) Resolution {
	needle := Collapse(desc.Text)
	if needle == "" || page.Number != desc.Page {
		return r.Fallback(desc)
	}

	if r.regionHolds(desc, page, needle) {
		return Resolution{
			Region:     *desc.Clone().Region,
			Descriptor: desc.Clone(),
			Confidence: ConfidenceExact,
		}
	}

	occ, fp, ok := r.search(desc, page, needle)
	if !ok {
		return r.Fallback(desc)
	}
	rects := rectsFor(page, occ.start, occ.end)
	if len(rects) == 0 {
		return r.Fallback(desc)
	}

	healed := desc.Clone()
	healed.Region = &Region{Page: page.Number, Rects: rects}
	healed.Fingerprint = &fp
	return Resolution{
		Region:     *healed.Clone().Region,
		Descriptor: healed,
		Confidence: ConfidenceRecovered,
	}
}

// Fallback returns the page-only resolution of desc.
func (r *Resolver) Fallback(desc Descriptor) Resolution {
	return Resolution{
		Region:       Region{Page: desc.Page},
		Descriptor:   desc.Clone(),
		Confidence:   ConfidencePageOnly,
		MayHaveMoved: true,
	}
}

// Anchor builds the descriptor for a newly placed snippet. When region is
// given, the occurrence inside it is fingerprinted and the region is kept;
// otherwise the page must contain exactly one occurrence, whose region is
// derived. If neither locates the text, only page and text (and the given
// region) are recorded.
func (r *Resolver) Anchor(page Page, text string, region *Region) Descriptor {
	desc := Descriptor{Page: page.Number, Text: text}
	if region != nil {
		desc.Region = &Region{Page: region.Page, Rects: append([]Rect(nil), region.Rects...)}
	}

	needle := Collapse(text)
	if needle == "" {
		return desc
	}

	if region != nil && region.Page == page.Number {
		if lo, hi, ok := coveredRange(page, region.Rects); ok {
			if occs := findOccurrences(page.Text[lo:hi], needle); len(occs) > 0 {
				fp := r.fingerprint(page.Text, needle, lo+occs[0].start, lo+occs[0].end)
				desc.Fingerprint = &fp
				return desc
			}
		}
	}

	occs := findOccurrences(page.Text, needle)
	if len(occs) != 1 {
		return desc
	}
	fp := r.fingerprint(page.Text, needle, occs[0].start, occs[0].end)
	desc.Fingerprint = &fp
	if rects := rectsFor(page, occs[0].start, occs[0].end); len(rects) > 0 {
		desc.Region = &Region{Page: page.Number, Rects: rects}
	}
	return desc
}

// regionHolds reports whether the text rendered inside the stored region
// still contains the fingerprinted occurrence.
func (r *Resolver) regionHolds(desc Descriptor, page Page, needle string) bool {
	if desc.Region == nil || desc.Fingerprint == nil || desc.Region.Page != page.Number {
		return false
	}
	lo, hi, ok := coveredRange(page, desc.Region.Rects)
	if !ok {
		return false
	}
	for _, occ := range findOccurrences(page.Text[lo:hi], needle) {
		fp := r.fingerprint(page.Text, needle, lo+occ.start, lo+occ.end)
		if fp.Hash == desc.Fingerprint.Hash {
			return true
		}
	}
	return false
}

// search finds the occurrence of needle on the page that best matches the
// stored context. Without a stored fingerprint only a unique occurrence is
// accepted. Ties go to the earliest occurrence.
func (r *Resolver) search(desc Descriptor, page Page, needle string) (occurrence, Fingerprint, bool) {
	occs := findOccurrences(page.Text, needle)
	if len(occs) == 0 {
		return occurrence{}, Fingerprint{}, false
	}

	if desc.Fingerprint == nil {
		if len(occs) != 1 {
			return occurrence{}, Fingerprint{}, false
		}
		return occs[0], r.fingerprint(page.Text, needle, occs[0].start, occs[0].end), true
	}

	best := -1
	bestScore := -1.0
	var bestFP Fingerprint
	for i, occ := range occs {
		fp := r.fingerprint(page.Text, needle, occ.start, occ.end)
		score := (similarity(desc.Fingerprint.Before, fp.Before) + similarity(desc.Fingerprint.After, fp.After)) / 2
		if score > bestScore {
			best, bestScore, bestFP = i, score, fp
		}
	}
	if bestScore < r.minSimilarity {
		return occurrence{}, Fingerprint{}, false
	}
	return occs[best], bestFP, true
}

// fingerprint computes the fingerprint of the occurrence [start, end) of
// needle in text.
func (r *Resolver) fingerprint(text, needle string, start, end int) Fingerprint {
	before := contextBefore(text, start, r.window)
	after := contextAfter(text, end, r.window)
	return Fingerprint{
		Hash:   hashContext(before, needle, after),
		Before: before,
		After:  after,
	}
}
