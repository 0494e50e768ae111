package ops

import (
	"context"

	"github.com/hpungsan/keel/internal/review"
	"github.com/hpungsan/keel/internal/session"
)

// LinkSnippetInput contains parameters for the LinkSnippet operation.
type LinkSnippetInput struct {
	SessionID     string `json:"session_id" validate:"required"`
	SnippetID     string `json:"snippet_id" validate:"required"`
	RequirementID string `json:"requirement_id" validate:"required"`
}

// LinkSnippet links a snippet to a requirement.
func LinkSnippet(ctx context.Context, mgr *session.Manager, input LinkSnippetInput) (*SnippetOutput, error) {
	c, err := open(ctx, mgr, input.SessionID, input)
	if err != nil {
		return nil, err
	}
	id := review.SnippetID(input.SnippetID)
	if err := c.LinkSnippet(ctx, id, review.RequirementID(input.RequirementID)); err != nil {
		return nil, err
	}
	return currentSnippet(c, id)
}

// UnlinkSnippetInput contains parameters for the UnlinkSnippet operation.
type UnlinkSnippetInput struct {
	SessionID     string  `json:"session_id" validate:"required"`
	SnippetID     string  `json:"snippet_id" validate:"required"`
	RequirementID *string `json:"requirement_id,omitempty"` // nil: unlink from every requirement
}

// UnlinkSnippet removes one link, or every link, of a snippet. The
// verification records of removed links are dropped.
func UnlinkSnippet(ctx context.Context, mgr *session.Manager, input UnlinkSnippetInput) (*SnippetOutput, error) {
	c, err := open(ctx, mgr, input.SessionID, input)
	if err != nil {
		return nil, err
	}
	var req *review.RequirementID
	if s := cleanOptionalString(input.RequirementID); s != nil {
		r := review.RequirementID(*s)
		req = &r
	}
	id := review.SnippetID(input.SnippetID)
	if err := c.UnlinkSnippet(ctx, id, req); err != nil {
		return nil, err
	}
	return currentSnippet(c, id)
}

// ReassignSnippetInput contains parameters for the ReassignSnippet operation.
type ReassignSnippetInput struct {
	SessionID string `json:"session_id" validate:"required"`
	SnippetID string `json:"snippet_id" validate:"required"`
	From      string `json:"from" validate:"required"`
	To        string `json:"to" validate:"required,nefield=From"`
}

// ReassignSnippet moves a snippet's link from one requirement to another.
func ReassignSnippet(ctx context.Context, mgr *session.Manager, input ReassignSnippetInput) (*SnippetOutput, error) {
	c, err := open(ctx, mgr, input.SessionID, input)
	if err != nil {
		return nil, err
	}
	id := review.SnippetID(input.SnippetID)
	if err := c.ReassignSnippet(ctx, id, review.RequirementID(input.From), review.RequirementID(input.To)); err != nil {
		return nil, err
	}
	return currentSnippet(c, id)
}

func currentSnippet(c *session.Coordinator, id review.SnippetID) (*SnippetOutput, error) {
	sn, err := c.Snippet(id)
	if err != nil {
		return nil, err
	}
	return snippetOutput(c, sn), nil
}
