package ops

import (
	"context"

	"github.com/hpungsan/keel/internal/review"
	"github.com/hpungsan/keel/internal/session"
)

// ListSnippetsInput contains parameters for the ListSnippets operation.
type ListSnippetsInput struct {
	SessionID     string `json:"session_id" validate:"required"`
	DocumentID    string `json:"document_id,omitempty"`
	RequirementID string `json:"requirement_id,omitempty"`
	Method        string `json:"method,omitempty" validate:"omitempty,oneof=machine human"`
	Page          int    `json:"page,omitempty" validate:"gte=0"`
	Unlinked      bool   `json:"unlinked,omitempty"` // scratchpad only
	Limit         int    `json:"limit,omitempty" validate:"gte=0"`
	Offset        int    `json:"offset,omitempty" validate:"gte=0"`
}

// ListSnippetsOutput contains the result of the ListSnippets operation.
type ListSnippetsOutput struct {
	Items      []*review.Snippet `json:"items"`
	Pagination Pagination        `json:"pagination"`
}

// ListSnippets returns a session's snippets ordered by document, page, then id.
func ListSnippets(ctx context.Context, mgr *session.Manager, input ListSnippetsInput) (*ListSnippetsOutput, error) {
	c, err := open(ctx, mgr, input.SessionID, input)
	if err != nil {
		return nil, err
	}

	limit := input.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	all := c.Snippets(session.SnippetFilter{
		DocumentID:    review.DocumentID(input.DocumentID),
		RequirementID: review.RequirementID(input.RequirementID),
		Method:        review.Method(input.Method),
		Page:          input.Page,
		Unlinked:      input.Unlinked,
	})

	start := min(input.Offset, len(all))
	end := min(start+limit, len(all))
	items := all[start:end]
	if items == nil {
		items = []*review.Snippet{}
	}

	return &ListSnippetsOutput{
		Items: items,
		Pagination: Pagination{
			Limit:   limit,
			Offset:  input.Offset,
			HasMore: end < len(all),
			Total:   len(all),
		},
	}, nil
}
