package ops

import (
	"context"
	"strings"

	"github.com/hpungsan/keel/internal/review"
	"github.com/hpungsan/keel/internal/session"
	"github.com/hpungsan/keel/internal/verify"
)

// SetStatusInput contains parameters for the SetStatus operation.
type SetStatusInput struct {
	SessionID     string  `json:"session_id" validate:"required"`
	SnippetID     string  `json:"snippet_id" validate:"required"`
	RequirementID string  `json:"requirement_id" validate:"required"`
	Status        string  `json:"status" validate:"required,oneof=unverified verified rejected partial needs_context"`
	Notes         *string `json:"notes,omitempty"` // nil keeps earlier notes
	Reviewer      string  `json:"reviewer,omitempty"`
}

// SetStatus records a reviewer decision on a linked snippet/requirement pair.
func SetStatus(ctx context.Context, mgr *session.Manager, input SetStatusInput) (*verify.Record, error) {
	c, err := open(ctx, mgr, input.SessionID, input)
	if err != nil {
		return nil, err
	}
	rec, err := c.SetStatus(ctx, session.Decision{
		Key:      pairKey(input.SnippetID, input.RequirementID),
		Status:   verify.Status(input.Status),
		Notes:    input.Notes,
		Reviewer: strings.TrimSpace(input.Reviewer),
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// PairInput names one snippet/requirement pair.
type PairInput struct {
	SnippetID     string `json:"snippet_id" validate:"required"`
	RequirementID string `json:"requirement_id" validate:"required"`
}

// BulkVerifyInput contains parameters for the BulkVerify operation.
type BulkVerifyInput struct {
	SessionID string      `json:"session_id" validate:"required"`
	Pairs     []PairInput `json:"pairs" validate:"required,min=1,dive"`
	Reviewer  string      `json:"reviewer,omitempty"`
}

// BulkVerify marks every pair verified. Pairs are applied one by one; a
// failing pair is reported and does not undo the others.
func BulkVerify(ctx context.Context, mgr *session.Manager, input BulkVerifyInput) (*session.BulkResult, error) {
	c, err := open(ctx, mgr, input.SessionID, input)
	if err != nil {
		return nil, err
	}
	keys := make([]verify.Key, 0, len(input.Pairs))
	for _, p := range input.Pairs {
		keys = append(keys, pairKey(p.SnippetID, p.RequirementID))
	}
	res := c.BulkSetStatus(ctx, keys, strings.TrimSpace(input.Reviewer))
	return &res, nil
}

// SummaryInput contains parameters for the Summary operation.
type SummaryInput struct {
	SessionID     string `json:"session_id" validate:"required"`
	RequirementID string `json:"requirement_id" validate:"required"`
}

// SummaryOutput contains the result of the Summary operation.
type SummaryOutput struct {
	RequirementID string `json:"requirement_id"`
	verify.Summary
	Records []verify.Record `json:"records"`
}

// Summary counts decisions over every snippet linked to a requirement.
func Summary(ctx context.Context, mgr *session.Manager, input SummaryInput) (*SummaryOutput, error) {
	c, err := open(ctx, mgr, input.SessionID, input)
	if err != nil {
		return nil, err
	}
	req := review.RequirementID(input.RequirementID)
	sum, err := c.Summarize(req)
	if err != nil {
		return nil, err
	}
	recs := c.Records("", req)
	if recs == nil {
		recs = []verify.Record{}
	}
	return &SummaryOutput{RequirementID: input.RequirementID, Summary: sum, Records: recs}, nil
}

// RollupInput contains parameters for the Rollup operation.
type RollupInput struct {
	SessionID string `json:"session_id" validate:"required"`
}

// Rollup summarizes verification progress per requirement and overall.
func Rollup(ctx context.Context, mgr *session.Manager, input RollupInput) (*session.Rollup, error) {
	c, err := open(ctx, mgr, input.SessionID, input)
	if err != nil {
		return nil, err
	}
	r := c.Rollup()
	return &r, nil
}

func pairKey(snippet, req string) verify.Key {
	return verify.Key{
		SnippetID:     review.SnippetID(strings.TrimSpace(snippet)),
		RequirementID: review.RequirementID(strings.TrimSpace(req)),
	}
}
