package session

import (
	"context"

	"github.com/hpungsan/keel/internal/anchor"
	"github.com/hpungsan/keel/internal/review"
)

// Store persists whole session states. Save is all-or-nothing: after a
// failed Save the previously saved state is still what Load returns.
// Load reports a missing session with a NOT_FOUND error.
type Store interface {
	Load(ctx context.Context, id review.SessionID) (*State, error)
	Save(ctx context.Context, st *State) error
}

// TextIndex serves the current rendering of document pages. Pages belong
// to one session; two sessions may use the same document id.
// GetPageText reports a missing page with a NOT_FOUND error.
type TextIndex interface {
	GetPageText(ctx context.Context, sess review.SessionID, doc review.DocumentID, page int) (anchor.Page, error)
	PutPage(ctx context.Context, sess review.SessionID, doc review.DocumentID, page anchor.Page) error
}
