package session

import (
	"context"
	"strings"

	"github.com/hpungsan/keel/internal/errors"
	"github.com/hpungsan/keel/internal/review"
	"github.com/hpungsan/keel/internal/verify"
)

// Decision is one reviewer verdict.
type Decision struct {
	Key      verify.Key
	Status   verify.Status
	Notes    *string // nil keeps earlier notes
	Reviewer string
}

// SetStatus records a decision on a linked pair. Any status may follow any
// other. Repeating a decision stamps it again; the latest write wins.
// Verification never moves artifact versions.
func (c *Coordinator) SetStatus(ctx context.Context, d Decision) (verify.Record, error) {
	var rec verify.Record
	_, _, err := c.mutate(ctx, "set_status", func(s *State) (bool, error) {
		var err error
		rec, err = applyDecision(s, d, c.now().Unix())
		return err == nil, err
	})
	if err != nil {
		return verify.Record{}, err
	}
	return rec, nil
}

func applyDecision(s *State, d Decision, at int64) (verify.Record, error) {
	sn, err := lookupPair(s, d.Key.SnippetID, d.Key.RequirementID)
	if err != nil {
		return verify.Record{}, err
	}
	if !sn.LinkedTo(d.Key.RequirementID) {
		return verify.Record{}, errors.NewNotFound("link", linkID(d.Key.SnippetID, d.Key.RequirementID))
	}
	rec, err := s.Verification.Set(d.Key, d.Status, d.Notes, d.Reviewer, at)
	if err != nil {
		return verify.Record{}, errors.NewInvalidRequest(err.Error())
	}
	return rec, nil
}

// BulkFailure is one pair a bulk verification could not set.
type BulkFailure struct {
	SnippetID     review.SnippetID     `json:"snippet_id"`
	RequirementID review.RequirementID `json:"requirement_id"`
	Code          errors.ErrorCode     `json:"code"`
	Message       string               `json:"message"`
}

// BulkResult reports a bulk verification.
type BulkResult struct {
	Verified int           `json:"verified"`
	Failed   int           `json:"failed"`
	Failures []BulkFailure `json:"failures,omitempty"`
}

func (r *BulkResult) fail(k verify.Key, err error) {
	ke := errors.As(err)
	r.Failed++
	r.Failures = append(r.Failures, BulkFailure{
		SnippetID:     k.SnippetID,
		RequirementID: k.RequirementID,
		Code:          ke.Code,
		Message:       ke.Message,
	})
}

// BulkSetStatus marks each pair verified. Pairs are applied independently:
// a pair that cannot be set is reported and the others still apply. The
// applied pairs are saved together, so if that save fails every one of
// them is reported as a storage failure and nothing changes.
func (c *Coordinator) BulkSetStatus(ctx context.Context, keys []verify.Key, reviewer string) BulkResult {
	var res BulkResult
	var applied []verify.Key
	_, _, err := c.mutate(ctx, "bulk_set_status", func(s *State) (bool, error) {
		now := c.now().Unix()
		for _, k := range keys {
			if _, err := applyDecision(s, Decision{Key: k, Status: verify.Verified, Reviewer: reviewer}, now); err != nil {
				res.fail(k, err)
				continue
			}
			applied = append(applied, k)
		}
		return len(applied) > 0, nil
	})
	if err != nil {
		for _, k := range applied {
			res.fail(k, err)
		}
	} else {
		res.Verified = len(applied)
	}
	c.metrics.RecordBulkItems(res.Verified, res.Failed)
	if res.Failed > 0 {
		c.log.Warn().Int("verified", res.Verified).Int("failed", res.Failed).Msg("bulk verification partially failed")
	}
	return res
}

// Records returns verification records, optionally narrowed to one snippet
// or one requirement.
func (c *Coordinator) Records(snippet review.SnippetID, req review.RequirementID) []verify.Record {
	var out []verify.Record
	for _, r := range c.Snapshot().Verification.Records() {
		if snippet != "" && r.SnippetID != snippet {
			continue
		}
		if req != "" && r.RequirementID != req {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Summarize counts decisions over every snippet linked to req.
func (c *Coordinator) Summarize(req review.RequirementID) (verify.Summary, error) {
	snap := c.Snapshot()
	if _, ok := snap.Requirements[req]; !ok {
		return verify.Summary{}, errors.NewNotFound("requirement", string(req))
	}
	return snap.Verification.Summarize(snap.LinksFor(req)), nil
}

// RequirementSummary is one row of a rollup.
type RequirementSummary struct {
	Requirement review.Requirement `json:"requirement"`
	Summary     verify.Summary     `json:"summary"`
}

// Rollup summarizes every requirement and the session as a whole.
type Rollup struct {
	Requirements []RequirementSummary `json:"requirements"`
	Overall      verify.Summary       `json:"overall"`
	Scratchpad   int                  `json:"scratchpad"`
}

// Rollup summarizes the verification progress of the session.
func (c *Coordinator) Rollup() Rollup {
	snap := c.Snapshot()
	out := Rollup{Requirements: []RequirementSummary{}}
	for _, r := range snap.RequirementList() {
		out.Requirements = append(out.Requirements, RequirementSummary{
			Requirement: r,
			Summary:     snap.Verification.Summarize(snap.LinksFor(r.ID)),
		})
	}
	out.Overall = snap.Verification.Summarize(snap.Links())
	for _, sn := range snap.AllSnippets() {
		if len(sn.RequirementIDs) == 0 {
			out.Scratchpad++
		}
	}
	return out
}

// ParseKey parses "snippet:requirement".
func ParseKey(s string) (verify.Key, error) {
	sn, req, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || sn == "" || req == "" {
		return verify.Key{}, errors.NewInvalidRequest("expected snippet:requirement, got " + s)
	}
	return verify.Key{SnippetID: review.SnippetID(sn), RequirementID: review.RequirementID(req)}, nil
}
