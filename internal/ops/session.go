package ops

import (
	"context"

	"github.com/hpungsan/keel/internal/artifact"
	"github.com/hpungsan/keel/internal/review"
	"github.com/hpungsan/keel/internal/session"
)

// CreateSessionOutput contains the result of the CreateSession operation.
type CreateSessionOutput struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
}

// CreateSession starts an empty review session.
func CreateSession(ctx context.Context, mgr *session.Manager) (*CreateSessionOutput, error) {
	c, err := mgr.Create(ctx)
	if err != nil {
		return nil, err
	}
	return &CreateSessionOutput{
		ID:        string(c.ID()),
		CreatedAt: c.Snapshot().CreatedAt,
	}, nil
}

// ShowSessionInput contains parameters for the ShowSession operation.
type ShowSessionInput struct {
	SessionID string `json:"session_id" validate:"required"`
}

// ShowSessionOutput is an overview of one session.
type ShowSessionOutput struct {
	ID           string               `json:"id"`
	CreatedAt    int64                `json:"created_at"`
	UpdatedAt    int64                `json:"updated_at"`
	Documents    []review.Document    `json:"documents"`
	Requirements []review.Requirement `json:"requirements"`
	Snippets     SnippetCounts        `json:"snippets"`
	Artifacts    []ArtifactStatus     `json:"artifacts"`
	Rollup       session.Rollup       `json:"rollup"`
}

// SnippetCounts counts a session's snippets by method.
type SnippetCounts struct {
	Machine int `json:"machine"`
	Human   int `json:"human"`
}

// ShowSession returns an overview of a session.
func ShowSession(ctx context.Context, mgr *session.Manager, input ShowSessionInput) (*ShowSessionOutput, error) {
	c, err := open(ctx, mgr, input.SessionID, input)
	if err != nil {
		return nil, err
	}
	snap := c.Snapshot()
	return &ShowSessionOutput{
		ID:           string(snap.ID),
		CreatedAt:    snap.CreatedAt,
		UpdatedAt:    snap.UpdatedAt,
		Documents:    snap.DocumentList(),
		Requirements: snap.RequirementList(),
		Snippets:     SnippetCounts{Machine: len(snap.Machine), Human: len(snap.Human)},
		Artifacts:    artifactStatuses(snap.Versions),
		Rollup:       c.Rollup(),
	}, nil
}

// ArtifactStatus is the version state of one artifact kind.
type ArtifactStatus struct {
	Kind        artifact.Kind `json:"kind"`
	Current     uint64        `json:"current"`
	DerivedFrom uint64        `json:"derived_from"`
	Stale       bool          `json:"stale"`
}

func artifactStatuses(g *artifact.Graph) []ArtifactStatus {
	out := make([]ArtifactStatus, 0, len(artifact.Kinds))
	for _, v := range g.Snapshot() {
		out = append(out, ArtifactStatus{
			Kind:        v.Kind,
			Current:     v.Current,
			DerivedFrom: v.DerivedFrom,
			Stale:       g.IsStale(v.Kind),
		})
	}
	return out
}
