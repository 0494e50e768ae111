package ops

import (
	"context"
	"strings"

	"github.com/hpungsan/keel/internal/anchor"
	"github.com/hpungsan/keel/internal/artifact"
	"github.com/hpungsan/keel/internal/review"
	"github.com/hpungsan/keel/internal/session"
)

// PageInput is one rendered page. Pages sent without spans are laid out on
// a monospace grid.
type PageInput struct {
	Number int           `json:"number" validate:"gte=1"`
	Text   string        `json:"text"`
	Spans  []anchor.Span `json:"spans,omitempty"`
}

func (p PageInput) page() anchor.Page {
	if len(p.Spans) == 0 {
		return anchor.MonospaceLayout(p.Number, p.Text, anchor.MonospaceOptions{})
	}
	return anchor.Page{Number: p.Number, Text: p.Text, Spans: p.Spans}
}

// ImportDocumentInput contains parameters for the ImportDocument operation.
type ImportDocumentInput struct {
	SessionID  string      `json:"session_id" validate:"required"`
	DocumentID string      `json:"document_id,omitempty"` // default: generated
	Title      string      `json:"title" validate:"required"`
	Pages      []PageInput `json:"pages" validate:"required,min=1,dive"`
}

// ImportDocumentOutput contains the result of the ImportDocument operation.
type ImportDocumentOutput struct {
	Document         review.Document `json:"document"`
	DocumentsVersion uint64          `json:"documents_version"`
}

// ImportDocument registers a document and its pages with a session.
func ImportDocument(ctx context.Context, mgr *session.Manager, input ImportDocumentInput) (*ImportDocumentOutput, error) {
	c, err := open(ctx, mgr, input.SessionID, input)
	if err != nil {
		return nil, err
	}
	pages := make([]anchor.Page, 0, len(input.Pages))
	for _, p := range input.Pages {
		pages = append(pages, p.page())
	}
	doc, err := c.ImportDocument(ctx, review.DocumentID(strings.TrimSpace(input.DocumentID)), input.Title, pages)
	if err != nil {
		return nil, err
	}
	return &ImportDocumentOutput{
		Document:         doc,
		DocumentsVersion: c.Snapshot().Versions.Current(artifact.Documents),
	}, nil
}
