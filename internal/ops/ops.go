// Package ops is the operation layer shared by the CLI, the MCP server, and
// the HTTP API. Each operation takes an XxxInput, validates it, and works
// through the session manager.
package ops

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hpungsan/keel/internal/errors"
	"github.com/hpungsan/keel/internal/review"
	"github.com/hpungsan/keel/internal/session"
)

// Pagination limits
const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

// Pagination contains pagination metadata for list operations.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
	Total   int  `json:"total"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON names so messages match what callers sent.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// check validates input against its struct tags. The first failing field is
// reported as INVALID_REQUEST.
func check(input any) error {
	err := validate.Struct(input)
	if err == nil {
		return nil
	}
	if ve, ok := err.(validator.ValidationErrors); ok && len(ve) > 0 {
		return errors.NewInvalidRequest(describe(ve[0]))
	}
	return errors.NewInvalidRequest(err.Error())
}

func describe(fe validator.FieldError) string {
	field := fe.Field()
	if _, ns, ok := strings.Cut(fe.Namespace(), "."); ok {
		field = ns
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s needs at least %s item(s)", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, fe.Param())
	case "lte", "max":
		return fmt.Sprintf("%s must be <= %s", field, fe.Param())
	case "nefield":
		return fmt.Sprintf("%s must differ from %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// open validates input and returns the coordinator of its session.
func open(ctx context.Context, mgr *session.Manager, sessionID string, input any) (*session.Coordinator, error) {
	if err := check(input); err != nil {
		return nil, err
	}
	return mgr.Get(ctx, review.SessionID(strings.TrimSpace(sessionID)))
}

func requirementIDs(in []string) []review.RequirementID {
	if in == nil {
		return nil
	}
	out := make([]review.RequirementID, 0, len(in))
	for _, id := range in {
		out = append(out, review.RequirementID(strings.TrimSpace(id)))
	}
	return out
}

// cleanOptionalString trims whitespace and returns nil for empty strings.
func cleanOptionalString(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
