package ops

import (
	"context"

	"github.com/hpungsan/keel/internal/artifact"
	"github.com/hpungsan/keel/internal/review"
	"github.com/hpungsan/keel/internal/session"
)

// DeleteSnippetInput contains parameters for the DeleteSnippet operation.
type DeleteSnippetInput struct {
	SessionID string `json:"session_id" validate:"required"`
	SnippetID string `json:"snippet_id" validate:"required"`
}

// DeleteSnippetOutput contains the result of the DeleteSnippet operation.
type DeleteSnippetOutput struct {
	SnippetID       string `json:"snippet_id"`
	Deleted         bool   `json:"deleted"`
	EvidenceVersion uint64 `json:"evidence_version"`
}

// DeleteSnippet removes a snippet together with its verification records.
func DeleteSnippet(ctx context.Context, mgr *session.Manager, input DeleteSnippetInput) (*DeleteSnippetOutput, error) {
	c, err := open(ctx, mgr, input.SessionID, input)
	if err != nil {
		return nil, err
	}
	if err := c.DeleteSnippet(ctx, review.SnippetID(input.SnippetID)); err != nil {
		return nil, err
	}
	return &DeleteSnippetOutput{
		SnippetID:       input.SnippetID,
		Deleted:         true,
		EvidenceVersion: c.Snapshot().Versions.Current(artifact.Evidence),
	}, nil
}
