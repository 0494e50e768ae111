package ops

import (
	"context"

	"github.com/hpungsan/keel/internal/artifact"
	"github.com/hpungsan/keel/internal/session"
)

// BumpInput contains parameters for the Bump operation.
type BumpInput struct {
	SessionID string `json:"session_id" validate:"required"`
	Kind      string `json:"kind" validate:"required,oneof=documents mappings evidence validation report"`
}

// BumpOutput contains the result of the Bump operation.
type BumpOutput struct {
	Kind    artifact.Kind `json:"kind"`
	Version uint64        `json:"version"`
}

// Bump records that an artifact was regenerated.
func Bump(ctx context.Context, mgr *session.Manager, input BumpInput) (*BumpOutput, error) {
	c, err := open(ctx, mgr, input.SessionID, input)
	if err != nil {
		return nil, err
	}
	kind := artifact.Kind(input.Kind)
	v, err := c.Bump(ctx, kind)
	if err != nil {
		return nil, err
	}
	return &BumpOutput{Kind: kind, Version: v}, nil
}

// MarkDerivedInput contains parameters for the MarkDerived operation.
type MarkDerivedInput struct {
	SessionID string `json:"session_id" validate:"required"`
	Kind      string `json:"kind" validate:"required,oneof=mappings evidence validation report"`
	Version   uint64 `json:"version"` // upstream version the artifact was built from
}

// MarkDerived records which upstream version an artifact was built from.
func MarkDerived(ctx context.Context, mgr *session.Manager, input MarkDerivedInput) (*ArtifactStatus, error) {
	c, err := open(ctx, mgr, input.SessionID, input)
	if err != nil {
		return nil, err
	}
	kind := artifact.Kind(input.Kind)
	if err := c.MarkDerived(ctx, kind, input.Version); err != nil {
		return nil, err
	}
	return status(c, kind), nil
}

// IsStaleInput contains parameters for the IsStale operation.
type IsStaleInput struct {
	SessionID string `json:"session_id" validate:"required"`
	Kind      string `json:"kind" validate:"required,oneof=documents mappings evidence validation report"`
}

// IsStale reports whether an artifact, or anything upstream of it, is out
// of date.
func IsStale(ctx context.Context, mgr *session.Manager, input IsStaleInput) (*ArtifactStatus, error) {
	c, err := open(ctx, mgr, input.SessionID, input)
	if err != nil {
		return nil, err
	}
	return status(c, artifact.Kind(input.Kind)), nil
}

// StalenessReportInput contains parameters for the StalenessReport operation.
type StalenessReportInput struct {
	SessionID string `json:"session_id" validate:"required"`
}

// StalenessReportOutput contains the result of the StalenessReport operation.
type StalenessReportOutput struct {
	Artifacts []ArtifactStatus `json:"artifacts"`
	Stale     []artifact.Kind  `json:"stale"`
}

// StalenessReport returns the version state of every artifact.
func StalenessReport(ctx context.Context, mgr *session.Manager, input StalenessReportInput) (*StalenessReportOutput, error) {
	c, err := open(ctx, mgr, input.SessionID, input)
	if err != nil {
		return nil, err
	}
	out := &StalenessReportOutput{
		Artifacts: artifactStatuses(c.Snapshot().Versions),
		Stale:     []artifact.Kind{},
	}
	for _, a := range out.Artifacts {
		if a.Stale {
			out.Stale = append(out.Stale, a.Kind)
		}
	}
	return out, nil
}

func status(c *session.Coordinator, kind artifact.Kind) *ArtifactStatus {
	g := c.Snapshot().Versions
	return &ArtifactStatus{
		Kind:        kind,
		Current:     g.Current(kind),
		DerivedFrom: g.DerivedFrom(kind),
		Stale:       g.IsStale(kind),
	}
}
