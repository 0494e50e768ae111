package anchor

import (
	"math"
	"slices"
)

// Rect is an axis-aligned rectangle in page coordinate space.
// Y grows downward, matching rendered page layouts.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Center returns the rectangle's center point.
func (r Rect) Center() (float64, float64) {
	return r.X + r.W/2, r.Y + r.H/2
}

// Contains reports whether the point lies inside r (edges inclusive).
func (r Rect) Contains(x, y float64) bool {
	return x >= r.X && x <= r.X+r.W && y >= r.Y && y <= r.Y+r.H
}

// Union returns the smallest rectangle covering r and o.
func (r Rect) Union(o Rect) Rect {
	x0 := math.Min(r.X, o.X)
	y0 := math.Min(r.Y, o.Y)
	x1 := math.Max(r.X+r.W, o.X+o.W)
	y1 := math.Max(r.Y+r.H, o.Y+o.H)
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// Span is a run of page text with its rendered box.
// Start and End are byte offsets into Page.Text.
type Span struct {
	Start int  `json:"start"`
	End   int  `json:"end"`
	Box   Rect `json:"box"`
}

// Page is the current rendering of one document page: its text and the
// geometry of that text. Pages are 1-indexed.
type Page struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
	Spans  []Span `json:"spans,omitempty"`
}

// Validate checks that spans reference valid ranges of the page text.
func (p Page) Validate() error {
	if p.Number < 1 {
		return errInvalidPage("page number must be >= 1")
	}
	for _, sp := range p.Spans {
		if sp.Start < 0 || sp.End > len(p.Text) || sp.Start >= sp.End {
			return errInvalidPage("span range out of bounds")
		}
		if sp.Box.W < 0 || sp.Box.H < 0 {
			return errInvalidPage("span box has negative size")
		}
	}
	return nil
}

type errInvalidPage string

func (e errInvalidPage) Error() string { return string(e) }

// orderedSpans returns the page spans sorted by start offset.
func (p Page) orderedSpans() []Span {
	cmp := func(a, b Span) int { return a.Start - b.Start }
	if slices.IsSortedFunc(p.Spans, cmp) {
		return p.Spans
	}
	spans := slices.Clone(p.Spans)
	slices.SortStableFunc(spans, cmp)
	return spans
}

// coveredRange returns the byte range spanned by every span whose center
// lies inside one of rects.
func coveredRange(p Page, rects []Rect) (lo, hi int, ok bool) {
	for _, sp := range p.Spans {
		cx, cy := sp.Box.Center()
		inside := false
		for _, r := range rects {
			if r.Contains(cx, cy) {
				inside = true
				break
			}
		}
		if !inside {
			continue
		}
		if !ok || sp.Start < lo {
			lo = sp.Start
		}
		if !ok || sp.End > hi {
			hi = sp.End
		}
		ok = true
	}
	return lo, hi, ok
}

// rectsFor derives one rectangle per visual line for the spans overlapping
// the byte range [start, end).
func rectsFor(p Page, start, end int) []Rect {
	var rects []Rect
	var line, last Rect
	open := false
	for _, sp := range p.orderedSpans() {
		if sp.End <= start || sp.Start >= end {
			continue
		}
		if open && sameLine(last, sp.Box) {
			line = line.Union(sp.Box)
			last = sp.Box
			continue
		}
		if open {
			rects = append(rects, line)
		}
		line, last, open = sp.Box, sp.Box, true
	}
	if open {
		rects = append(rects, line)
	}
	return rects
}

// sameLine reports whether two boxes sit on the same visual line.
func sameLine(a, b Rect) bool {
	_, ay := a.Center()
	_, by := b.Center()
	return math.Abs(ay-by) <= math.Min(a.H, b.H)/2
}

// MonospaceOptions controls MonospaceLayout.
type MonospaceOptions struct {
	CharWidth  float64
	LineHeight float64
}

// MonospaceLayout synthesizes word-level geometry for a page whose renderer
// supplied text only. Each line of text (split on '\n') becomes a row, each
// word a span.
func MonospaceLayout(number int, text string, opts MonospaceOptions) Page {
	if opts.CharWidth <= 0 {
		opts.CharWidth = 6
	}
	if opts.LineHeight <= 0 {
		opts.LineHeight = 12
	}

	page := Page{Number: number, Text: text}
	row, col := 0, 0
	wordStart, wordCol := -1, 0
	flush := func(end int) {
		if wordStart < 0 {
			return
		}
		page.Spans = append(page.Spans, Span{
			Start: wordStart,
			End:   end,
			Box: Rect{
				X: float64(wordCol) * opts.CharWidth,
				Y: float64(row) * opts.LineHeight,
				W: float64(col-wordCol) * opts.CharWidth,
				H: opts.LineHeight,
			},
		})
		wordStart = -1
	}

	for i, r := range text {
		switch {
		case r == '\n':
			flush(i)
			row++
			col = 0
			continue
		case r == ' ' || r == '\t' || r == '\r':
			flush(i)
		default:
			if wordStart < 0 {
				wordStart, wordCol = i, col
			}
		}
		col++
	}
	flush(len(text))
	return page
}
