package session

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/hpungsan/keel/internal/anchor"
	"github.com/hpungsan/keel/internal/errors"
	"github.com/hpungsan/keel/internal/review"
)

// MemoryStore keeps session states in memory.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[review.SessionID]*State
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[review.SessionID]*State)}
}

// Load returns a copy of the saved state.
func (m *MemoryStore) Load(_ context.Context, id review.SessionID) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[id]
	if !ok {
		return nil, errors.NewNotFound("session", string(id))
	}
	return st.Clone(), nil
}

// Save stores a copy of st.
func (m *MemoryStore) Save(ctx context.Context, st *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.ID] = st.Clone()
	return nil
}

type pageKey struct {
	sess review.SessionID
	doc  review.DocumentID
	page int
}

// MemoryPages is an in-memory TextIndex.
type MemoryPages struct {
	mu    sync.RWMutex
	pages map[pageKey]anchor.Page
}

var _ TextIndex = (*MemoryPages)(nil)

// NewMemoryPages returns an empty MemoryPages.
func NewMemoryPages() *MemoryPages {
	return &MemoryPages{pages: make(map[pageKey]anchor.Page)}
}

func (m *MemoryPages) GetPageText(_ context.Context, sess review.SessionID, doc review.DocumentID, page int) (anchor.Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pages[pageKey{sess, doc, page}]
	if !ok {
		return anchor.Page{}, errors.NewNotFound("page", fmt.Sprintf("%s#%d", doc, page))
	}
	return p, nil
}

func (m *MemoryPages) PutPage(_ context.Context, sess review.SessionID, doc review.DocumentID, page anchor.Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	page.Spans = slices.Clone(page.Spans)
	m.pages[pageKey{sess, doc, page.Number}] = page
	return nil
}
