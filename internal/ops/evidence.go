package ops

import (
	"context"
	"strings"

	"github.com/hpungsan/keel/internal/anchor"
	"github.com/hpungsan/keel/internal/review"
	"github.com/hpungsan/keel/internal/session"
)

// ExtractionInput is one machine-extracted snippet.
type ExtractionInput struct {
	ID             string         `json:"id,omitempty"` // default: derived from position
	DocumentID     string         `json:"document_id" validate:"required"`
	Page           int            `json:"page" validate:"gte=1"`
	Text           string         `json:"text" validate:"required"`
	Region         *anchor.Region `json:"region,omitempty"`
	Score          float64        `json:"score,omitempty" validate:"gte=0,lte=1"`
	RequirementIDs []string       `json:"requirement_ids,omitempty" validate:"omitempty,dive,required"`
}

// ReplaceEvidenceInput contains parameters for the ReplaceEvidence operation.
type ReplaceEvidenceInput struct {
	SessionID   string            `json:"session_id" validate:"required"`
	RunID       string            `json:"run_id" validate:"required"`
	Model       string            `json:"model,omitempty"`
	DerivedFrom *uint64           `json:"derived_from,omitempty"` // mappings version the run used
	Snippets    []ExtractionInput `json:"snippets" validate:"dive"`
}

// ReplaceEvidence swaps in a complete machine evidence set. Reviewer-placed
// snippets are never touched. An empty set removes every machine snippet.
func ReplaceEvidence(ctx context.Context, mgr *session.Manager, input ReplaceEvidenceInput) (*session.ReplaceResult, error) {
	c, err := open(ctx, mgr, input.SessionID, input)
	if err != nil {
		return nil, err
	}
	run := session.ExtractionRun{
		RunID:       strings.TrimSpace(input.RunID),
		Model:       strings.TrimSpace(input.Model),
		DerivedFrom: input.DerivedFrom,
		Snippets:    make([]session.Extraction, 0, len(input.Snippets)),
	}
	for _, e := range input.Snippets {
		run.Snippets = append(run.Snippets, session.Extraction{
			ID:             review.SnippetID(strings.TrimSpace(e.ID)),
			DocumentID:     review.DocumentID(e.DocumentID),
			Page:           e.Page,
			Text:           e.Text,
			Region:         e.Region,
			Score:          e.Score,
			RequirementIDs: requirementIDs(e.RequirementIDs),
		})
	}
	res, err := c.ReplaceMachineEvidence(ctx, run)
	if err != nil {
		return nil, err
	}
	return &res, nil
}
