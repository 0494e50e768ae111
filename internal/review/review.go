// Package review holds the records shared by the review components:
// documents, requirements, and evidence snippets.
package review

import (
	"crypto/rand"
	"fmt"
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/oklog/ulid/v2"

	"github.com/hpungsan/keel/internal/anchor"
)

// SessionID identifies a review session.
type SessionID string

// DocumentID identifies an uploaded document. A re-upload gets a new id.
type DocumentID string

// SnippetID identifies an evidence snippet.
type SnippetID string

// RequirementID identifies a methodology requirement, e.g. "REQ-005".
type RequirementID string

// NewID returns a fresh ULID string.
func NewID() string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Document is an uploaded source document. Documents never change once
// imported; their pages may be re-rendered through the text index.
type Document struct {
	// ID is a ULID unless the importer supplied one
	ID DocumentID `json:"id"`

	// Title is the human-readable document name
	Title string `json:"title"`

	// PageCount is the number of pages; pages are numbered from 1
	PageCount int `json:"page_count"`

	// CreatedAt is the Unix timestamp of the import
	CreatedAt int64 `json:"created_at"`
}

// Requirement is one item of the review methodology. Requirements are never
// deleted within a session.
type Requirement struct {
	ID       RequirementID `json:"id"`
	Category string        `json:"category"`
	Title    string        `json:"title"`
}

// Method says who placed a snippet.
type Method string

const (
	MethodMachine Method = "machine"
	MethodHuman   Method = "human"
)

// MachineInfo is the provenance of an extracted snippet.
type MachineInfo struct {
	RunID string  `json:"run_id"`
	Model string  `json:"model,omitempty"`
	Score float64 `json:"score,omitempty"`
}

// HumanInfo is the provenance of a reviewer-placed snippet.
type HumanInfo struct {
	PlacedBy string `json:"placed_by"`
	Note     string `json:"note,omitempty"`
}

// Snippet is a piece of document text offered as evidence.
// Exactly one of Machine and Human is set, matching Method.
type Snippet struct {
	ID         SnippetID  `json:"id"`
	DocumentID DocumentID `json:"document_id"`
	Method     Method     `json:"method"`

	// Text is the snippet text as it appears in the page text layer
	Text string `json:"text"`

	// Descriptor anchors the snippet to its page
	Descriptor anchor.Descriptor `json:"descriptor"`

	// RequirementIDs are the linked requirements; empty means scratchpad
	RequirementIDs []RequirementID `json:"requirement_ids"`

	Machine *MachineInfo `json:"machine,omitempty"`
	Human   *HumanInfo   `json:"human,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// Validate checks the method-specific payload.
func (s *Snippet) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("snippet id is required")
	}
	if s.DocumentID == "" {
		return fmt.Errorf("snippet %s: document id is required", s.ID)
	}
	if anchor.Collapse(s.Text) == "" {
		return fmt.Errorf("snippet %s: text is required", s.ID)
	}
	switch s.Method {
	case MethodMachine:
		if s.Machine == nil || s.Human != nil {
			return fmt.Errorf("snippet %s: machine snippets carry machine info only", s.ID)
		}
	case MethodHuman:
		if s.Human == nil || s.Machine != nil {
			return fmt.Errorf("snippet %s: human snippets carry human info only", s.ID)
		}
	default:
		return fmt.Errorf("snippet %s: unknown method %q", s.ID, s.Method)
	}
	return nil
}

// Page returns the page the snippet is anchored to.
func (s *Snippet) Page() int {
	return s.Descriptor.Page
}

// LinkedTo reports whether the snippet is linked to req.
func (s *Snippet) LinkedTo(req RequirementID) bool {
	return slices.Contains(s.RequirementIDs, req)
}

// Clone returns a deep copy of s.
func (s *Snippet) Clone() *Snippet {
	c := *s
	c.Descriptor = s.Descriptor.Clone()
	c.RequirementIDs = slices.Clone(s.RequirementIDs)
	if s.Machine != nil {
		m := *s.Machine
		c.Machine = &m
	}
	if s.Human != nil {
		h := *s.Human
		c.Human = &h
	}
	return &c
}

// MachineSnippetID derives a stable id for an extracted snippet from where
// it sits, so an unchanged snippet keeps its id (and its verification
// records) across extraction runs. ordinal distinguishes repeats of the same
// text on one page.
func MachineSnippetID(doc DocumentID, page int, text string, ordinal int) SnippetID {
	d := xxhash.New()
	_, _ = fmt.Fprintf(d, "%s\x1f%d\x1f%s\x1f%d", doc, page, anchor.Collapse(text), ordinal)
	return SnippetID(fmt.Sprintf("m-%016x", d.Sum64()))
}
