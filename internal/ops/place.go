package ops

import (
	"context"
	"strings"

	"github.com/hpungsan/keel/internal/anchor"
	"github.com/hpungsan/keel/internal/artifact"
	"github.com/hpungsan/keel/internal/review"
	"github.com/hpungsan/keel/internal/session"
)

// PlaceSnippetInput contains parameters for the PlaceSnippet operation.
type PlaceSnippetInput struct {
	SessionID      string         `json:"session_id" validate:"required"`
	SnippetID      string         `json:"snippet_id,omitempty"` // default: generated
	DocumentID     string         `json:"document_id" validate:"required"`
	Page           int            `json:"page" validate:"gte=1"`
	Text           string         `json:"text" validate:"required"`
	Region         *anchor.Region `json:"region,omitempty"`
	RequirementIDs []string       `json:"requirement_ids,omitempty" validate:"omitempty,dive,required"`
	PlacedBy       string         `json:"placed_by" validate:"required"`
	Note           string         `json:"note,omitempty"`
}

// SnippetOutput returns a snippet after a change, with the evidence and
// mappings versions it produced.
type SnippetOutput struct {
	Snippet         *review.Snippet `json:"snippet"`
	EvidenceVersion uint64          `json:"evidence_version"`
	MappingsVersion uint64          `json:"mappings_version"`
}

// PlaceSnippet adds a reviewer-placed snippet, optionally linked to
// requirements. Without links it lands on the scratchpad.
func PlaceSnippet(ctx context.Context, mgr *session.Manager, input PlaceSnippetInput) (*SnippetOutput, error) {
	c, err := open(ctx, mgr, input.SessionID, input)
	if err != nil {
		return nil, err
	}
	sn, err := c.PlaceSnippet(ctx, session.Placement{
		ID:             review.SnippetID(strings.TrimSpace(input.SnippetID)),
		DocumentID:     review.DocumentID(input.DocumentID),
		Page:           input.Page,
		Text:           input.Text,
		Region:         input.Region,
		RequirementIDs: requirementIDs(input.RequirementIDs),
		PlacedBy:       strings.TrimSpace(input.PlacedBy),
		Note:           input.Note,
	})
	if err != nil {
		return nil, err
	}
	return snippetOutput(c, sn), nil
}

func snippetOutput(c *session.Coordinator, sn *review.Snippet) *SnippetOutput {
	g := c.Snapshot().Versions
	return &SnippetOutput{
		Snippet:         sn,
		EvidenceVersion: g.Current(artifact.Evidence),
		MappingsVersion: g.Current(artifact.Mappings),
	}
}
