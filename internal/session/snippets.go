package session

import (
	"context"
	"fmt"
	"slices"

	"github.com/hpungsan/keel/internal/anchor"
	"github.com/hpungsan/keel/internal/artifact"
	"github.com/hpungsan/keel/internal/errors"
	"github.com/hpungsan/keel/internal/review"
	"github.com/hpungsan/keel/internal/verify"
)

// Placement is a reviewer-placed snippet.
type Placement struct {
	ID             review.SnippetID // generated when empty
	DocumentID     review.DocumentID
	Page           int
	Text           string
	Region         *anchor.Region
	RequirementIDs []review.RequirementID
	PlacedBy       string
	Note           string
}

// Extraction is one snippet produced by an extraction run.
type Extraction struct {
	ID         review.SnippetID // derived from position when empty
	DocumentID review.DocumentID
	Page       int
	Text       string
	Region     *anchor.Region
	Score      float64

	// RequirementIDs replaces the snippet's links. Nil keeps the links an
	// existing snippet with the same id already has.
	RequirementIDs []review.RequirementID
}

// ExtractionRun is a complete machine evidence set.
type ExtractionRun struct {
	RunID    string
	Model    string
	Snippets []Extraction

	// DerivedFrom is the mappings version the run started from, if the
	// producer tracked it.
	DerivedFrom *uint64
}

// ReplaceResult summarizes a machine evidence replacement.
type ReplaceResult struct {
	Added           int    `json:"added"`
	Kept            int    `json:"kept"`
	Removed         int    `json:"removed"`
	EvidenceVersion uint64 `json:"evidence_version"`
}

// Snippet returns a copy of one snippet.
func (c *Coordinator) Snippet(id review.SnippetID) (*review.Snippet, error) {
	sn, ok := c.Snapshot().Snippet(id)
	if !ok {
		return nil, errors.NewNotFound("snippet", string(id))
	}
	return sn.Clone(), nil
}

// SnippetFilter narrows Snippets. Zero fields match everything.
type SnippetFilter struct {
	DocumentID    review.DocumentID
	RequirementID review.RequirementID
	Method        review.Method
	Page          int
	Unlinked      bool // scratchpad snippets only
}

// Snippets returns copies of the matching snippets ordered by document,
// page, then id.
func (c *Coordinator) Snippets(f SnippetFilter) []*review.Snippet {
	var out []*review.Snippet
	for _, sn := range c.Snapshot().AllSnippets() {
		switch {
		case f.DocumentID != "" && sn.DocumentID != f.DocumentID:
		case f.RequirementID != "" && !sn.LinkedTo(f.RequirementID):
		case f.Method != "" && sn.Method != f.Method:
		case f.Page != 0 && sn.Page() != f.Page:
		case f.Unlinked && len(sn.RequirementIDs) > 0:
		default:
			out = append(out, sn.Clone())
		}
	}
	return out
}

// PlaceSnippet adds a human snippet.
func (c *Coordinator) PlaceSnippet(ctx context.Context, p Placement) (*review.Snippet, error) {
	snap := c.Snapshot()
	if err := checkPlacement(snap, p.DocumentID, p.Page, p.Text, p.RequirementIDs); err != nil {
		return nil, err
	}
	if p.Region != nil && p.Region.Page != p.Page {
		return nil, errors.NewInvalidRequest("region page does not match snippet page")
	}
	reqs := dedupe(p.RequirementIDs)

	id := p.ID
	if id == "" {
		id = review.SnippetID(review.NewID())
	}
	desc := c.anchorOn(ctx, p.DocumentID, p.Page, p.Text, p.Region)

	now := c.now().Unix()
	sn := &review.Snippet{
		ID:             id,
		DocumentID:     p.DocumentID,
		Method:         review.MethodHuman,
		Text:           p.Text,
		Descriptor:     desc,
		RequirementIDs: reqs,
		Human:          &review.HumanInfo{PlacedBy: p.PlacedBy, Note: p.Note},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := sn.Validate(); err != nil {
		return nil, errors.NewInvalidRequest(err.Error())
	}

	_, _, err := c.mutate(ctx, "place_snippet", func(s *State) (bool, error) {
		if _, ok := s.Snippet(id); ok {
			return false, errors.NewConflict("snippet already exists: " + string(id))
		}
		s.Human[id] = sn.Clone()
		kinds := []artifact.Kind{artifact.Evidence}
		if len(reqs) > 0 {
			kinds = append(kinds, artifact.Mappings)
		}
		return true, bump(s, kinds...)
	})
	if err != nil {
		return nil, err
	}
	return sn, nil
}

// ReplaceMachineEvidence swaps the machine snippet set for run. Snippets
// whose id survives keep their verification records; records of dropped
// snippets go with them. Human snippets are never touched.
func (c *Coordinator) ReplaceMachineEvidence(ctx context.Context, run ExtractionRun) (ReplaceResult, error) {
	snap := c.Snapshot()
	if run.RunID == "" {
		return ReplaceResult{}, errors.NewInvalidRequest("run id is required")
	}

	now := c.now().Unix()
	incoming := make([]*review.Snippet, 0, len(run.Snippets))
	ids := make(map[review.SnippetID]bool, len(run.Snippets))
	ordinals := make(map[string]int)
	keepLinks := make(map[review.SnippetID]bool)
	for _, e := range run.Snippets {
		if err := checkPlacement(snap, e.DocumentID, e.Page, e.Text, e.RequirementIDs); err != nil {
			return ReplaceResult{}, err
		}
		id := e.ID
		if id == "" {
			pos := fmt.Sprintf("%s\x1f%d\x1f%s", e.DocumentID, e.Page, anchor.Collapse(e.Text))
			id = review.MachineSnippetID(e.DocumentID, e.Page, e.Text, ordinals[pos])
			ordinals[pos]++
		}
		if ids[id] {
			return ReplaceResult{}, errors.NewInvalidRequest("duplicate snippet id in run: " + string(id))
		}
		ids[id] = true
		if e.RequirementIDs == nil {
			keepLinks[id] = true
		}

		incoming = append(incoming, &review.Snippet{
			ID:             id,
			DocumentID:     e.DocumentID,
			Method:         review.MethodMachine,
			Text:           e.Text,
			Descriptor:     c.anchorOn(ctx, e.DocumentID, e.Page, e.Text, e.Region),
			RequirementIDs: dedupe(e.RequirementIDs),
			Machine:        &review.MachineInfo{RunID: run.RunID, Model: run.Model, Score: e.Score},
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	var res ReplaceResult
	_, _, err := c.mutate(ctx, "replace_machine_evidence", func(s *State) (bool, error) {
		res = ReplaceResult{}
		next := make(map[review.SnippetID]*review.Snippet, len(incoming))
		for _, sn := range incoming {
			if _, ok := s.Human[sn.ID]; ok {
				return false, errors.NewConflict("machine snippet id collides with human snippet: " + string(sn.ID))
			}
			sn = sn.Clone()
			if old, ok := s.Machine[sn.ID]; ok {
				res.Kept++
				sn.CreatedAt = old.CreatedAt
				if keepLinks[sn.ID] {
					sn.RequirementIDs = slices.Clone(old.RequirementIDs)
				}
				for _, req := range old.RequirementIDs {
					if !sn.LinkedTo(req) {
						s.Verification.Remove(verify.Key{SnippetID: sn.ID, RequirementID: req})
					}
				}
			} else {
				res.Added++
			}
			next[sn.ID] = sn
		}
		for id := range s.Machine {
			if _, ok := next[id]; !ok {
				s.Verification.RemoveSnippet(id)
				res.Removed++
			}
		}
		s.Machine = next

		v, err := s.Versions.Bump(artifact.Evidence)
		if err != nil {
			return false, errors.NewInternal(err)
		}
		res.EvidenceVersion = v
		if run.DerivedFrom != nil {
			if err := s.Versions.MarkDerived(artifact.Evidence, *run.DerivedFrom); err != nil {
				return false, errors.NewInvalidRequest(err.Error())
			}
		}
		return true, nil
	})
	if err != nil {
		return ReplaceResult{}, err
	}
	c.log.Info().
		Str("run_id", run.RunID).
		Int("added", res.Added).
		Int("kept", res.Kept).
		Int("removed", res.Removed).
		Msg("machine evidence replaced")
	return res, nil
}

// DeleteSnippet removes a snippet and its verification records. Deleting
// a linked snippet moves mappings as well as evidence.
func (c *Coordinator) DeleteSnippet(ctx context.Context, id review.SnippetID) error {
	_, _, err := c.mutate(ctx, "delete_snippet", func(s *State) (bool, error) {
		sn, ok := s.Snippet(id)
		if !ok {
			return false, errors.NewNotFound("snippet", string(id))
		}
		delete(s.Human, id)
		delete(s.Machine, id)
		s.Verification.RemoveSnippet(id)
		if len(sn.RequirementIDs) > 0 {
			return true, bump(s, artifact.Evidence, artifact.Mappings)
		}
		return true, bump(s, artifact.Evidence)
	})
	return err
}

// LinkSnippet links a snippet to a requirement. Linking an existing link is
// a no-op.
func (c *Coordinator) LinkSnippet(ctx context.Context, id review.SnippetID, req review.RequirementID) error {
	_, _, err := c.mutate(ctx, "link_snippet", func(s *State) (bool, error) {
		sn, err := lookupPair(s, id, req)
		if err != nil {
			return false, err
		}
		if sn.LinkedTo(req) {
			return false, nil
		}
		sn.RequirementIDs = append(sn.RequirementIDs, req)
		sn.UpdatedAt = c.now().Unix()
		return true, bump(s, artifact.Mappings)
	})
	return err
}

// UnlinkSnippet removes one link, or every link when req is nil, turning
// the snippet into a scratchpad item. Decisions on removed links are
// dropped.
func (c *Coordinator) UnlinkSnippet(ctx context.Context, id review.SnippetID, req *review.RequirementID) error {
	_, _, err := c.mutate(ctx, "unlink_snippet", func(s *State) (bool, error) {
		sn, ok := s.Snippet(id)
		if !ok {
			return false, errors.NewNotFound("snippet", string(id))
		}
		var drop []review.RequirementID
		if req == nil {
			drop = sn.RequirementIDs
		} else {
			if !sn.LinkedTo(*req) {
				return false, errors.NewNotFound("link", linkID(id, *req))
			}
			drop = []review.RequirementID{*req}
		}
		if len(drop) == 0 {
			return false, nil
		}
		for _, r := range drop {
			s.Verification.Remove(verify.Key{SnippetID: id, RequirementID: r})
		}
		sn.RequirementIDs = slices.DeleteFunc(slices.Clone(sn.RequirementIDs), func(r review.RequirementID) bool {
			return slices.Contains(drop, r)
		})
		sn.UpdatedAt = c.now().Unix()
		return true, bump(s, artifact.Mappings)
	})
	return err
}

// ReassignSnippet moves a snippet's link from one requirement to another.
// The decision on the old link does not carry over.
func (c *Coordinator) ReassignSnippet(ctx context.Context, id review.SnippetID, from, to review.RequirementID) error {
	_, _, err := c.mutate(ctx, "reassign_snippet", func(s *State) (bool, error) {
		sn, err := lookupPair(s, id, to)
		if err != nil {
			return false, err
		}
		if !sn.LinkedTo(from) {
			return false, errors.NewNotFound("link", linkID(id, from))
		}
		if from == to {
			return false, nil
		}
		s.Verification.Remove(verify.Key{SnippetID: id, RequirementID: from})
		reqs := slices.DeleteFunc(slices.Clone(sn.RequirementIDs), func(r review.RequirementID) bool { return r == from })
		if !slices.Contains(reqs, to) {
			reqs = append(reqs, to)
		}
		sn.RequirementIDs = reqs
		sn.UpdatedAt = c.now().Unix()
		return true, bump(s, artifact.Mappings)
	})
	return err
}

// anchorOn builds the initial descriptor for a snippet. When the page
// cannot be fetched the descriptor holds only page and text (and region),
// and the first resolve after the page appears will locate it.
func (c *Coordinator) anchorOn(ctx context.Context, doc review.DocumentID, page int, text string, region *anchor.Region) anchor.Descriptor {
	p, err := c.pages.GetPageText(ctx, c.id, doc, page)
	if err != nil {
		c.log.Warn().Err(err).Str("document_id", string(doc)).Int("page", page).Msg("page unavailable; anchoring to page only")
		desc := anchor.Descriptor{Page: page, Text: text}
		if region != nil {
			desc.Region = &anchor.Region{Page: region.Page, Rects: slices.Clone(region.Rects)}
		}
		return desc
	}
	return c.resolver.Anchor(p, text, region)
}

func checkPlacement(s *State, doc review.DocumentID, page int, text string, reqs []review.RequirementID) error {
	d, ok := s.Documents[doc]
	if !ok {
		return errors.NewNotFound("document", string(doc))
	}
	if page < 1 || page > d.PageCount {
		return errors.NewInvalidRequest(fmt.Sprintf("page %d out of range 1..%d", page, d.PageCount))
	}
	if anchor.Collapse(text) == "" {
		return errors.NewInvalidRequest("snippet text is required")
	}
	for _, r := range reqs {
		if _, ok := s.Requirements[r]; !ok {
			return errors.NewNotFound("requirement", string(r))
		}
	}
	return nil
}

func lookupPair(s *State, id review.SnippetID, req review.RequirementID) (*review.Snippet, error) {
	sn, ok := s.Snippet(id)
	if !ok {
		return nil, errors.NewNotFound("snippet", string(id))
	}
	if _, ok := s.Requirements[req]; !ok {
		return nil, errors.NewNotFound("requirement", string(req))
	}
	return sn, nil
}

func linkID(id review.SnippetID, req review.RequirementID) string {
	return string(id) + "->" + string(req)
}

func dedupe(reqs []review.RequirementID) []review.RequirementID {
	out := make([]review.RequirementID, 0, len(reqs))
	for _, r := range reqs {
		if !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	return out
}
