package ops

import (
	"context"
	"strings"

	"github.com/hpungsan/keel/internal/review"
	"github.com/hpungsan/keel/internal/session"
)

// RequirementInput is one requirement definition.
type RequirementInput struct {
	ID       string `json:"id" validate:"required"`
	Category string `json:"category,omitempty"`
	Title    string `json:"title" validate:"required"`
}

// DefineRequirementsInput contains parameters for the DefineRequirements operation.
type DefineRequirementsInput struct {
	SessionID    string             `json:"session_id" validate:"required"`
	Requirements []RequirementInput `json:"requirements" validate:"required,min=1,dive"`
}

// DefineRequirementsOutput contains the result of the DefineRequirements operation.
type DefineRequirementsOutput struct {
	Requirements []review.Requirement `json:"requirements"`
}

// DefineRequirements adds requirements to a session or updates existing ones.
func DefineRequirements(ctx context.Context, mgr *session.Manager, input DefineRequirementsInput) (*DefineRequirementsOutput, error) {
	c, err := open(ctx, mgr, input.SessionID, input)
	if err != nil {
		return nil, err
	}
	reqs := make([]review.Requirement, 0, len(input.Requirements))
	for _, r := range input.Requirements {
		reqs = append(reqs, review.Requirement{
			ID:       review.RequirementID(strings.TrimSpace(r.ID)),
			Category: strings.TrimSpace(r.Category),
			Title:    strings.TrimSpace(r.Title),
		})
	}
	if err := c.DefineRequirements(ctx, reqs); err != nil {
		return nil, err
	}
	return &DefineRequirementsOutput{Requirements: c.Requirements()}, nil
}
