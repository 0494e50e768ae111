package anchor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fieldNotes = "The field team documented site conditions in detail. " +
	"Soil samples collected 2024-03-15 were sent to the lab for analysis. " +
	"Groundwater readings were taken at three wells."

const soilSnippet = "Soil samples collected 2024-03-15"

// wrap greedily wraps text at width columns.
func wrap(text string, width int) string {
	var lines []string
	var line string
	for _, w := range strings.Fields(text) {
		switch {
		case line == "":
			line = w
		case len(line)+1+len(w) <= width:
			line += " " + w
		default:
			lines = append(lines, line)
			line = w
		}
	}
	if line != "" {
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func layout(number int, text string) Page {
	return MonospaceLayout(number, text, MonospaceOptions{CharWidth: 6, LineHeight: 12})
}

func TestResolve_ExactOnStoredRegion(t *testing.T) {
	r := NewResolver(Options{})
	page := layout(2, wrap(fieldNotes, 40))

	desc := r.Anchor(page, soilSnippet, nil)
	require.NotNil(t, desc.Region)
	require.NotNil(t, desc.Fingerprint)
	assert.Equal(t, 2, desc.Region.Page)
	assert.Len(t, desc.Region.Rects, 2, "snippet wraps across two lines at width 40")

	res := r.Resolve(desc, page)
	assert.Equal(t, ConfidenceExact, res.Confidence)
	assert.False(t, res.MayHaveMoved)
	assert.Equal(t, *desc.Region, res.Region)
	assert.True(t, res.Descriptor.Equal(desc))
	assert.False(t, res.Changed(desc))
}

func TestResolve_SelfHealsAfterReflow(t *testing.T) {
	r := NewResolver(Options{})
	original := layout(2, wrap(fieldNotes, 40))
	desc := r.Anchor(original, soilSnippet, nil)
	require.NotNil(t, desc.Region)

	reflowed := layout(2, wrap(fieldNotes, 22))

	res := r.Resolve(desc, reflowed)
	require.Equal(t, ConfidenceRecovered, res.Confidence)
	assert.False(t, res.MayHaveMoved)
	assert.NotEqual(t, desc.Region.Rects, res.Region.Rects)
	assert.True(t, res.Changed(desc))
	assert.Equal(t, desc.Text, res.Descriptor.Text, "page text layer is never rewritten")
	assert.Equal(t, desc.Fingerprint.Hash, res.Descriptor.Fingerprint.Hash,
		"whitespace-only reflow keeps the collapsed context")

	// The healed descriptor resolves on the fast path.
	again := r.Resolve(res.Descriptor, reflowed)
	assert.Equal(t, ConfidenceExact, again.Confidence)
	assert.Equal(t, res.Region, again.Region)
}

func TestResolve_RepeatedRecoveryConverges(t *testing.T) {
	r := NewResolver(Options{})
	desc := r.Anchor(layout(2, wrap(fieldNotes, 40)), soilSnippet, nil)
	reflowed := layout(2, wrap(fieldNotes, 30))

	first := r.Resolve(desc, reflowed)
	second := r.Resolve(desc, reflowed)
	require.Equal(t, ConfidenceRecovered, first.Confidence)
	assert.Equal(t, first.Region, second.Region)
	assert.True(t, first.Descriptor.Equal(second.Descriptor))
}

func TestResolve_PageOnlyWhenTextMissing(t *testing.T) {
	r := NewResolver(Options{})
	desc := r.Anchor(layout(2, wrap(fieldNotes, 40)), soilSnippet, nil)

	blank := layout(2, "This page was re-extracted and no longer mentions sampling.")
	res := r.Resolve(desc, blank)

	assert.Equal(t, ConfidencePageOnly, res.Confidence)
	assert.True(t, res.MayHaveMoved)
	assert.Equal(t, 2, res.Region.Page)
	assert.Empty(t, res.Region.Rects)
	assert.True(t, res.Descriptor.Equal(desc), "fallback never rewrites the descriptor")
}

func TestResolve_PageOnlyOnEmptyPage(t *testing.T) {
	r := NewResolver(Options{})
	res := r.Resolve(Descriptor{Page: 3, Text: soilSnippet}, Page{Number: 3})
	assert.Equal(t, ConfidencePageOnly, res.Confidence)
	assert.Equal(t, 3, res.Region.Page)
}

func TestResolve_PageOnlyOnPageMismatch(t *testing.T) {
	r := NewResolver(Options{})
	page := layout(2, wrap(fieldNotes, 40))
	desc := r.Anchor(page, soilSnippet, nil)

	page.Number = 3
	res := r.Resolve(desc, page)
	assert.Equal(t, ConfidencePageOnly, res.Confidence)
	assert.Equal(t, 2, res.Region.Page)
}

func TestResolve_PicksOccurrenceByContext(t *testing.T) {
	r := NewResolver(Options{})
	original := layout(1, "Intro line\nWell B measured pH 6.5 at depth")
	desc := r.Anchor(original, "pH 6.5", nil)
	require.NotNil(t, desc.Fingerprint)

	// A new first line adds a second occurrence with different context and
	// pushes the original down a row.
	updated := layout(1, "Sample A pH 6.5 acidic topsoil\nIntro line\nWell B measured pH 6.5 at depth")
	res := r.Resolve(desc, updated)

	require.Equal(t, ConfidenceRecovered, res.Confidence)
	require.Len(t, res.Region.Rects, 1)
	assert.Equal(t, 24.0, res.Region.Rects[0].Y, "third row holds the intended occurrence")
	assert.Equal(t, desc.Fingerprint.Hash, res.Descriptor.Fingerprint.Hash)
}

func TestResolve_AmbiguousWithoutFingerprint(t *testing.T) {
	r := NewResolver(Options{})
	page := layout(1, "pH 6.5 upstream\npH 6.5 downstream")

	res := r.Resolve(Descriptor{Page: 1, Text: "pH 6.5"}, page)
	assert.Equal(t, ConfidencePageOnly, res.Confidence)
}

func TestResolve_UniqueWithoutFingerprintRecovers(t *testing.T) {
	r := NewResolver(Options{})
	page := layout(1, "Groundwater pH 6.5 at well B")

	res := r.Resolve(Descriptor{Page: 1, Text: "pH  6.5"}, page)
	require.Equal(t, ConfidenceRecovered, res.Confidence)
	require.NotNil(t, res.Descriptor.Fingerprint)
	assert.Equal(t, ConfidenceExact, r.Resolve(res.Descriptor, page).Confidence)
}

func TestResolve_LowContextSimilarityFallsThrough(t *testing.T) {
	r := NewResolver(Options{MinContextSimilarity: 0.9})
	original := layout(1, "Borehole log: pH 6.5 measured at twelve meters below grade")
	desc := r.Anchor(original, "pH 6.5", nil)

	unrelated := layout(1, "Unrelated appendix table, pH 6.5 reference buffer solution")
	res := r.Resolve(desc, unrelated)
	assert.Equal(t, ConfidencePageOnly, res.Confidence)
}

func TestAnchor_WithRegionKeepsRegion(t *testing.T) {
	r := NewResolver(Options{})
	page := layout(1, "Intro line\nWell B measured pH 6.5 at depth")
	region := &Region{Page: 1, Rects: []Rect{{X: 0, Y: 12, W: 200, H: 12}}}

	desc := r.Anchor(page, "pH 6.5", region)
	require.NotNil(t, desc.Region)
	require.NotNil(t, desc.Fingerprint)
	assert.Equal(t, region.Rects, desc.Region.Rects)

	region.Rects[0].X = 99
	assert.Equal(t, 0.0, desc.Region.Rects[0].X, "descriptor owns a copy of the region")

	assert.Equal(t, ConfidenceExact, r.Resolve(desc, page).Confidence)
}

func TestAnchor_TextNotOnPage(t *testing.T) {
	r := NewResolver(Options{})
	desc := r.Anchor(layout(1, "nothing relevant"), soilSnippet, nil)
	assert.Nil(t, desc.Region)
	assert.Nil(t, desc.Fingerprint)
	assert.Equal(t, 1, desc.Page)
	assert.Equal(t, soilSnippet, desc.Text)
}

func TestDescriptor_CloneAndEqual(t *testing.T) {
	d := Descriptor{
		Region:      &Region{Page: 1, Rects: []Rect{{X: 1, Y: 2, W: 3, H: 4}}},
		Fingerprint: &Fingerprint{Hash: "abc", Before: "x", After: "y"},
		Page:        1,
		Text:        "t",
	}
	c := d.Clone()
	assert.True(t, d.Equal(c))

	c.Region.Rects[0].X = 10
	assert.False(t, d.Equal(c))
	assert.Equal(t, 1.0, d.Region.Rects[0].X)

	c = d.Clone()
	c.Fingerprint = nil
	assert.False(t, d.Equal(c))
}
