package ops

import (
	"context"

	"github.com/hpungsan/keel/internal/review"
	"github.com/hpungsan/keel/internal/session"
)

// RenderPageInput contains parameters for the RenderPage operation.
type RenderPageInput struct {
	SessionID  string    `json:"session_id" validate:"required"`
	DocumentID string    `json:"document_id" validate:"required"`
	Page       PageInput `json:"page"`
}

// RenderPageOutput contains the result of the RenderPage operation.
type RenderPageOutput struct {
	DocumentID string `json:"document_id"`
	Page       int    `json:"page"`
	Rendered   bool   `json:"rendered"`
}

// RenderPage replaces the current rendering of one page, as after a reflow
// or an OCR pass. Snippets on the page heal on their next resolve.
func RenderPage(ctx context.Context, mgr *session.Manager, input RenderPageInput) (*RenderPageOutput, error) {
	c, err := open(ctx, mgr, input.SessionID, input)
	if err != nil {
		return nil, err
	}
	if err := c.RenderPage(ctx, review.DocumentID(input.DocumentID), input.Page.page()); err != nil {
		return nil, err
	}
	return &RenderPageOutput{DocumentID: input.DocumentID, Page: input.Page.Number, Rendered: true}, nil
}
