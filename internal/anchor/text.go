package anchor

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/xrash/smetrics"
)

// Collapse trims s and collapses internal whitespace runs to single spaces.
// Line wrapping only changes whitespace, so all matching is done on
// collapsed text.
func Collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// collapsed is a whitespace-collapsed view of a text with byte offsets back
// into the original.
type collapsed struct {
	text  string
	start []int // original offset of each collapsed byte
	end   []int // original offset just past each collapsed byte
}

func collapseWithOffsets(s string) collapsed {
	var b strings.Builder
	b.Grow(len(s))
	c := collapsed{
		start: make([]int, 0, len(s)),
		end:   make([]int, 0, len(s)),
	}

	spaceStart, spaceEnd := -1, 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if unicode.IsSpace(r) {
			if spaceStart < 0 {
				spaceStart = i
			}
			spaceEnd = i + size
			i += size
			continue
		}
		if spaceStart >= 0 {
			if b.Len() > 0 {
				b.WriteByte(' ')
				c.start = append(c.start, spaceStart)
				c.end = append(c.end, spaceEnd)
			}
			spaceStart = -1
		}
		b.WriteString(s[i : i+size])
		for k := 0; k < size; k++ {
			c.start = append(c.start, i)
			c.end = append(c.end, i+size)
		}
		i += size
	}
	c.text = b.String()
	return c
}

// occurrence is a byte range of an original text.
type occurrence struct {
	start, end int
}

// findOccurrences returns every (possibly overlapping) occurrence of the
// collapsed needle in text, as ranges of the original text.
func findOccurrences(text, needle string) []occurrence {
	if needle == "" {
		return nil
	}
	c := collapseWithOffsets(text)
	var out []occurrence
	for from := 0; from <= len(c.text)-len(needle); {
		idx := strings.Index(c.text[from:], needle)
		if idx < 0 {
			break
		}
		a := from + idx
		b := a + len(needle)
		out = append(out, occurrence{start: c.start[a], end: c.end[b-1]})
		_, size := utf8.DecodeRuneInString(c.text[a:])
		from = a + size
	}
	return out
}

// contextBefore returns up to n runes of collapsed text ending at offset at.
// The whitespace separating the context from the snippet is kept as a single
// space.
func contextBefore(s string, at, n int) string {
	out := make([]rune, 0, n)
	pending := false
	for i := at; i > 0 && len(out) < n; {
		r, size := utf8.DecodeLastRuneInString(s[:i])
		i -= size
		if unicode.IsSpace(r) {
			pending = true
			continue
		}
		if pending {
			out = append(out, ' ')
			pending = false
			if len(out) == n {
				break
			}
		}
		out = append(out, r)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

// contextAfter returns up to n runes of collapsed text starting at offset at.
func contextAfter(s string, at, n int) string {
	out := make([]rune, 0, n)
	pending := false
	for i := at; i < len(s) && len(out) < n; {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		if unicode.IsSpace(r) {
			pending = true
			continue
		}
		if pending {
			out = append(out, ' ')
			pending = false
			if len(out) == n {
				break
			}
		}
		out = append(out, r)
	}
	return string(out)
}

// similarity is 1 minus the normalized edit distance between a and b.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := max(len(a), len(b))
	d := smetrics.WagnerFischer(a, b, 1, 1, 1)
	return 1 - float64(d)/float64(longest)
}
