package session

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/hpungsan/keel/internal/errors"
	"github.com/hpungsan/keel/internal/review"
)

// Manager hands out one Coordinator per session. Loading a session does not
// block work on other sessions, and concurrent first requests for the same
// session share one load.
type Manager struct {
	deps  Deps
	group singleflight.Group

	mu       sync.Mutex
	sessions map[review.SessionID]*Coordinator
}

// NewManager creates a Manager.
func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:     deps.withDefaults(),
		sessions: make(map[review.SessionID]*Coordinator),
	}
}

// Create starts a new, empty session.
func (m *Manager) Create(ctx context.Context) (*Coordinator, error) {
	id := review.SessionID(review.NewID())
	st := NewState(id, m.deps.Now().Unix())
	if err := m.deps.Store.Save(ctx, st); err != nil {
		return nil, errors.NewStorageFailure(err)
	}
	c := NewCoordinator(st, m.deps)
	m.mu.Lock()
	m.sessions[id] = c
	m.mu.Unlock()
	m.deps.Metrics.SessionOpened()
	m.deps.Logger.Info().Str("session_id", string(id)).Msg("session created")
	return c, nil
}

// Get returns the coordinator of a session, loading it on first use.
func (m *Manager) Get(ctx context.Context, id review.SessionID) (*Coordinator, error) {
	if id == "" {
		return nil, errors.NewInvalidRequest("session id is required")
	}
	m.mu.Lock()
	c, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		return c, nil
	}

	v, err, _ := m.group.Do(string(id), func() (any, error) {
		m.mu.Lock()
		c, ok := m.sessions[id]
		m.mu.Unlock()
		if ok {
			return c, nil
		}

		// The load is shared, so one caller going away must not fail the rest.
		st, err := m.deps.Store.Load(context.WithoutCancel(ctx), id)
		if err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				return nil, err
			}
			return nil, errors.NewStorageFailure(err)
		}
		c = NewCoordinator(st, m.deps)
		m.mu.Lock()
		m.sessions[id] = c
		m.mu.Unlock()
		m.deps.Metrics.SessionOpened()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Coordinator), nil
}
