package session

import (
	"cmp"
	"maps"
	"slices"

	"github.com/hpungsan/keel/internal/artifact"
	"github.com/hpungsan/keel/internal/review"
	"github.com/hpungsan/keel/internal/verify"
)

// State is everything persisted for one session. A published State is never
// modified; mutations work on a Clone.
type State struct {
	ID        review.SessionID
	CreatedAt int64
	UpdatedAt int64

	Documents    map[review.DocumentID]review.Document
	Requirements map[review.RequirementID]review.Requirement

	// Machine and Human are disjoint by id. Replacing the machine set never
	// touches Human.
	Machine map[review.SnippetID]*review.Snippet
	Human   map[review.SnippetID]*review.Snippet

	Verification *verify.Tracker
	Versions     *artifact.Graph
}

// NewState returns an empty session.
func NewState(id review.SessionID, at int64) *State {
	return &State{
		ID:           id,
		CreatedAt:    at,
		UpdatedAt:    at,
		Documents:    make(map[review.DocumentID]review.Document),
		Requirements: make(map[review.RequirementID]review.Requirement),
		Machine:      make(map[review.SnippetID]*review.Snippet),
		Human:        make(map[review.SnippetID]*review.Snippet),
		Verification: verify.NewTracker(),
		Versions:     artifact.New(),
	}
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	c := &State{
		ID:           s.ID,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		Documents:    maps.Clone(s.Documents),
		Requirements: maps.Clone(s.Requirements),
		Machine:      cloneSnippets(s.Machine),
		Human:        cloneSnippets(s.Human),
		Verification: s.Verification.Clone(),
		Versions:     s.Versions.Clone(),
	}
	if c.Documents == nil {
		c.Documents = make(map[review.DocumentID]review.Document)
	}
	if c.Requirements == nil {
		c.Requirements = make(map[review.RequirementID]review.Requirement)
	}
	return c
}

func cloneSnippets(in map[review.SnippetID]*review.Snippet) map[review.SnippetID]*review.Snippet {
	out := make(map[review.SnippetID]*review.Snippet, len(in))
	for id, sn := range in {
		out[id] = sn.Clone()
	}
	return out
}

// Snippet looks a snippet up in either set.
func (s *State) Snippet(id review.SnippetID) (*review.Snippet, bool) {
	if sn, ok := s.Human[id]; ok {
		return sn, true
	}
	sn, ok := s.Machine[id]
	return sn, ok
}

// AllSnippets returns both sets ordered by document, page, then id.
func (s *State) AllSnippets() []*review.Snippet {
	out := make([]*review.Snippet, 0, len(s.Machine)+len(s.Human))
	for _, sn := range s.Machine {
		out = append(out, sn)
	}
	for _, sn := range s.Human {
		out = append(out, sn)
	}
	slices.SortFunc(out, func(a, b *review.Snippet) int {
		return cmp.Or(
			cmp.Compare(a.DocumentID, b.DocumentID),
			cmp.Compare(a.Page(), b.Page()),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return out
}

// LinksFor returns every (snippet, requirement) pair linked to req.
func (s *State) LinksFor(req review.RequirementID) []verify.Key {
	var out []verify.Key
	for _, sn := range s.AllSnippets() {
		if sn.LinkedTo(req) {
			out = append(out, verify.Key{SnippetID: sn.ID, RequirementID: req})
		}
	}
	return out
}

// Links returns every linked pair in the session.
func (s *State) Links() []verify.Key {
	var out []verify.Key
	for _, sn := range s.AllSnippets() {
		for _, req := range sn.RequirementIDs {
			out = append(out, verify.Key{SnippetID: sn.ID, RequirementID: req})
		}
	}
	return out
}

// RequirementList returns requirements ordered by id.
func (s *State) RequirementList() []review.Requirement {
	out := slices.Collect(maps.Values(s.Requirements))
	slices.SortFunc(out, func(a, b review.Requirement) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// DocumentList returns documents ordered by import time, then id.
func (s *State) DocumentList() []review.Document {
	out := slices.Collect(maps.Values(s.Documents))
	slices.SortFunc(out, func(a, b review.Document) int {
		return cmp.Or(cmp.Compare(a.CreatedAt, b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out
}
