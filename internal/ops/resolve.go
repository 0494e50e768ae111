package ops

import (
	"context"

	"github.com/hpungsan/keel/internal/review"
	"github.com/hpungsan/keel/internal/session"
)

// ResolveSnippetInput contains parameters for the ResolveSnippet operation.
type ResolveSnippetInput struct {
	SessionID string `json:"session_id" validate:"required"`
	SnippetID string `json:"snippet_id" validate:"required"`
}

// ResolveSnippet locates a snippet on the current rendering of its page.
// A snippet that can no longer be located still resolves, to its page.
func ResolveSnippet(ctx context.Context, mgr *session.Manager, input ResolveSnippetInput) (*session.ResolveResult, error) {
	c, err := open(ctx, mgr, input.SessionID, input)
	if err != nil {
		return nil, err
	}
	res, err := c.Resolve(ctx, review.SnippetID(input.SnippetID))
	if err != nil {
		return nil, err
	}
	return &res, nil
}
