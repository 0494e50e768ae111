// Package verify holds reviewer decisions about (snippet, requirement) pairs.
package verify

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/hpungsan/keel/internal/review"
)

// Status is a reviewer's decision on one pair.
type Status string

const (
	Unverified   Status = "unverified"
	Verified     Status = "verified"
	Rejected     Status = "rejected"
	Partial      Status = "partial"
	NeedsContext Status = "needs_context"
)

// Statuses lists every status.
var Statuses = []Status{Unverified, Verified, Rejected, Partial, NeedsContext}

// ParseStatus validates s as a status name.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.TrimSpace(s))
	if !slices.Contains(Statuses, st) {
		return "", fmt.Errorf("unknown verification status %q", s)
	}
	return st, nil
}

// Key identifies one decision.
type Key struct {
	SnippetID     review.SnippetID     `json:"snippet_id"`
	RequirementID review.RequirementID `json:"requirement_id"`
}

// Record is the latest decision on a key.
type Record struct {
	Key
	Status    Status `json:"status"`
	Notes     string `json:"notes,omitempty"`
	Reviewer  string `json:"reviewer,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

// Tracker stores one record per key. Every status may move to every other;
// nothing changes a status except Set. Tracker is not safe for concurrent
// use.
type Tracker struct {
	records map[Key]Record
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{records: make(map[Key]Record)}
}

// Set records a decision, replacing any earlier one. A nil notes keeps the
// notes already recorded.
func (t *Tracker) Set(key Key, status Status, notes *string, reviewer string, at int64) (Record, error) {
	if !slices.Contains(Statuses, status) {
		return Record{}, fmt.Errorf("unknown verification status %q", status)
	}
	rec := t.records[key]
	rec.Key = key
	rec.Status = status
	if notes != nil {
		rec.Notes = *notes
	}
	rec.Reviewer = reviewer
	rec.UpdatedAt = at
	t.records[key] = rec
	return rec, nil
}

// Get returns the record for key. Pairs never decided read as unverified.
func (t *Tracker) Get(key Key) (Record, bool) {
	rec, ok := t.records[key]
	if !ok {
		return Record{Key: key, Status: Unverified}, false
	}
	return rec, true
}

// Remove drops the record for key.
func (t *Tracker) Remove(key Key) {
	delete(t.records, key)
}

// RemoveSnippet drops every record of a snippet and returns how many went.
func (t *Tracker) RemoveSnippet(id review.SnippetID) int {
	n := 0
	for k := range t.records {
		if k.SnippetID == id {
			delete(t.records, k)
			n++
		}
	}
	return n
}

// Records returns every record ordered by snippet, then requirement.
func (t *Tracker) Records() []Record {
	out := slices.Collect(maps.Values(t.records))
	slices.SortFunc(out, func(a, b Record) int {
		if c := strings.Compare(string(a.SnippetID), string(b.SnippetID)); c != 0 {
			return c
		}
		return strings.Compare(string(a.RequirementID), string(b.RequirementID))
	})
	return out
}

// Len returns the number of records.
func (t *Tracker) Len() int {
	return len(t.records)
}

// Clone returns an independent copy of t.
func (t *Tracker) Clone() *Tracker {
	return &Tracker{records: maps.Clone(t.records)}
}

// Restore rebuilds a tracker from persisted records.
func Restore(records []Record) *Tracker {
	t := NewTracker()
	for _, r := range records {
		t.records[r.Key] = r
	}
	return t
}

// Summary counts decisions over a set of linked pairs.
type Summary struct {
	Total        int     `json:"total"`
	Verified     int     `json:"verified"`
	Rejected     int     `json:"rejected"`
	Partial      int     `json:"partial"`
	NeedsContext int     `json:"needs_context"`
	Pending      int     `json:"pending"`
	Progress     float64 `json:"progress"`
}

// Summarize counts the decisions for links. Pairs without a record count as
// unverified. Pending covers everything not yet verified or rejected, and
// Progress is the decided share (0 for an empty set).
func (t *Tracker) Summarize(links []Key) Summary {
	var s Summary
	seen := make(map[Key]bool, len(links))
	for _, k := range links {
		if seen[k] {
			continue
		}
		seen[k] = true
		s.Total++
		switch t.records[k].Status {
		case Verified:
			s.Verified++
		case Rejected:
			s.Rejected++
		case Partial:
			s.Partial++
		case NeedsContext:
			s.NeedsContext++
		}
	}
	s.Pending = s.Total - s.Verified - s.Rejected
	if s.Total > 0 {
		s.Progress = float64(s.Verified+s.Rejected) / float64(s.Total)
	}
	return s
}
