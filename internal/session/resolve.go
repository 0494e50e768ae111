package session

import (
	"context"

	"github.com/hpungsan/keel/internal/anchor"
	"github.com/hpungsan/keel/internal/errors"
	"github.com/hpungsan/keel/internal/review"
)

// ResolveResult is a snippet's current location.
type ResolveResult struct {
	SnippetID  review.SnippetID  `json:"snippet_id"`
	DocumentID review.DocumentID `json:"document_id"`
	anchor.Resolution

	// Healed is true when a recovered descriptor was persisted.
	Healed bool `json:"healed"`
}

// Resolve locates a snippet on the current rendering of its page. A
// recovered location is written back so the next resolve is exact; if that
// write fails the location is still returned.
func (c *Coordinator) Resolve(ctx context.Context, id review.SnippetID) (ResolveResult, error) {
	sn, ok := c.Snapshot().Snippet(id)
	if !ok {
		return ResolveResult{}, errors.NewNotFound("snippet", string(id))
	}
	desc := sn.Descriptor.Clone()
	out := ResolveResult{SnippetID: id, DocumentID: sn.DocumentID}

	page, err := c.pages.GetPageText(ctx, c.id, sn.DocumentID, desc.Page)
	if err != nil {
		c.log.Warn().Err(err).Str("snippet_id", string(id)).Msg("page unavailable; resolving to page only")
		out.Resolution = c.resolver.Fallback(desc)
		c.metrics.RecordResolution(string(out.Confidence))
		return out, nil
	}

	out.Resolution = c.resolver.Resolve(desc, page)
	c.metrics.RecordResolution(string(out.Confidence))
	switch {
	case out.Confidence == anchor.ConfidencePageOnly:
		c.log.Warn().Str("snippet_id", string(id)).Int("page", desc.Page).Msg("snippet may have moved")
	case out.Changed(desc):
		out.Healed = c.heal(ctx, id, desc, out.Descriptor)
	}
	return out, nil
}

func (c *Coordinator) heal(ctx context.Context, id review.SnippetID, from, to anchor.Descriptor) bool {
	_, changed, err := c.mutate(ctx, "heal_descriptor", func(s *State) (bool, error) {
		sn, ok := s.Snippet(id)
		if !ok || !sn.Descriptor.Equal(from) {
			// Deleted or re-anchored since we read it.
			return false, nil
		}
		sn.Descriptor = to.Clone()
		sn.UpdatedAt = c.now().Unix()
		return true, nil
	})
	if err != nil {
		c.log.Warn().Err(err).Str("snippet_id", string(id)).Msg("could not persist healed descriptor")
		return false
	}
	if changed {
		c.log.Info().Str("snippet_id", string(id)).Msg("descriptor healed")
	}
	return changed
}
