// Package session owns review sessions. A Coordinator serializes the
// mutations of one session and publishes immutable snapshots to readers;
// a Manager hands out coordinators.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hpungsan/keel/internal/anchor"
	"github.com/hpungsan/keel/internal/artifact"
	"github.com/hpungsan/keel/internal/errors"
	"github.com/hpungsan/keel/internal/metrics"
	"github.com/hpungsan/keel/internal/review"
)

// Deps are the collaborators shared by every coordinator.
type Deps struct {
	Store    Store
	Pages    TextIndex
	Resolver *anchor.Resolver // nil uses default options
	Logger   *zerolog.Logger  // nil discards logs
	Metrics  *metrics.Metrics // nil records nothing
	Now      func() time.Time // nil uses time.Now
}

func (d Deps) withDefaults() Deps {
	if d.Resolver == nil {
		d.Resolver = anchor.NewResolver(anchor.Options{})
	}
	if d.Logger == nil {
		nop := zerolog.Nop()
		d.Logger = &nop
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// Coordinator owns one session's state.
//
// Writers hold writeMu for the whole clone, apply, save, publish sequence,
// so mutations of one session are serialized. Readers only take mu long
// enough to grab the published pointer.
type Coordinator struct {
	id       review.SessionID
	store    Store
	pages    TextIndex
	resolver *anchor.Resolver
	log      zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	writeMu sync.Mutex
	mu      sync.RWMutex
	state   *State
}

// NewCoordinator wraps an already persisted state.
func NewCoordinator(st *State, deps Deps) *Coordinator {
	deps = deps.withDefaults()
	return &Coordinator{
		id:       st.ID,
		store:    deps.Store,
		pages:    deps.Pages,
		resolver: deps.Resolver,
		log:      deps.Logger.With().Str("component", "session").Str("session_id", string(st.ID)).Logger(),
		metrics:  deps.Metrics,
		now:      deps.Now,
		state:    st,
	}
}

// ID returns the session id.
func (c *Coordinator) ID() review.SessionID {
	return c.id
}

// Snapshot returns the published state. Callers must not modify it.
func (c *Coordinator) Snapshot() *State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// mutate applies fn to a clone of the current state, saves the clone, and
// publishes it. fn reports whether it changed anything; an unchanged clone
// is neither saved nor published. If fn or the save fails, the published
// state is untouched.
func (c *Coordinator) mutate(ctx context.Context, op string, fn func(*State) (bool, error)) (*State, bool, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	current := c.Snapshot()
	next := current.Clone()
	changed, err := fn(next)
	if err != nil {
		c.metrics.RecordMutation(op, string(errors.As(err).Code))
		return current, false, err
	}
	if !changed {
		c.metrics.RecordMutation(op, "noop")
		return current, false, nil
	}
	next.UpdatedAt = c.now().Unix()

	start := time.Now()
	err = c.store.Save(ctx, next)
	c.metrics.ObserveSave(time.Since(start))
	if err != nil {
		c.log.Error().Err(err).Str("op", op).Msg("save failed; mutation discarded")
		c.metrics.RecordMutation(op, string(errors.ErrStorageFailure))
		return current, false, errors.NewStorageFailure(err)
	}

	c.mu.Lock()
	c.state = next
	c.mu.Unlock()
	c.metrics.RecordMutation(op, "ok")
	return next, true, nil
}

// Bump records that kind was regenerated and returns its new version.
// Completion signals are persisted even if the caller has gone away.
func (c *Coordinator) Bump(ctx context.Context, kind artifact.Kind) (uint64, error) {
	var v uint64
	_, _, err := c.mutate(context.WithoutCancel(ctx), "bump", func(s *State) (bool, error) {
		var err error
		v, err = s.Versions.Bump(kind)
		if err != nil {
			return false, errors.NewInvalidRequest(err.Error())
		}
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	return v, nil
}

// MarkDerived records that kind was regenerated from upstream version v.
func (c *Coordinator) MarkDerived(ctx context.Context, kind artifact.Kind, v uint64) error {
	_, _, err := c.mutate(context.WithoutCancel(ctx), "mark_derived", func(s *State) (bool, error) {
		before := s.Versions.DerivedFrom(kind)
		if err := s.Versions.MarkDerived(kind, v); err != nil {
			return false, errors.NewInvalidRequest(err.Error())
		}
		return s.Versions.DerivedFrom(kind) != before, nil
	})
	return err
}

// UpstreamVersion returns the version a producer of kind should snapshot
// before it starts.
func (c *Coordinator) UpstreamVersion(kind artifact.Kind) (uint64, error) {
	v, err := c.Snapshot().Versions.UpstreamVersion(kind)
	if err != nil {
		return 0, errors.NewInvalidRequest(err.Error())
	}
	return v, nil
}

// IsStale reports whether kind lags its upstream.
func (c *Coordinator) IsStale(kind artifact.Kind) (bool, error) {
	if _, err := artifact.ParseKind(string(kind)); err != nil {
		return false, errors.NewInvalidRequest(err.Error())
	}
	return c.Snapshot().Versions.IsStale(kind), nil
}

// StalenessReport returns the staleness of every kind.
func (c *Coordinator) StalenessReport() map[artifact.Kind]bool {
	return c.Snapshot().Versions.Report()
}

// Requirements returns the session's requirements.
func (c *Coordinator) Requirements() []review.Requirement {
	return c.Snapshot().RequirementList()
}

// ImportDocument registers a document and stores its pages. Pages must be
// numbered 1..n without gaps.
func (c *Coordinator) ImportDocument(ctx context.Context, id review.DocumentID, title string, pages []anchor.Page) (review.Document, error) {
	if id == "" {
		id = review.DocumentID(review.NewID())
	}
	if _, ok := c.Snapshot().Documents[id]; ok {
		return review.Document{}, errors.NewConflict("document already exists: " + string(id))
	}
	if len(pages) == 0 {
		return review.Document{}, errors.NewInvalidRequest("document needs at least one page")
	}
	seen := make(map[int]bool, len(pages))
	for _, p := range pages {
		if err := p.Validate(); err != nil {
			return review.Document{}, errors.NewInvalidRequest(err.Error())
		}
		if p.Number > len(pages) || seen[p.Number] {
			return review.Document{}, errors.NewInvalidRequest("pages must be numbered 1..n without gaps")
		}
		seen[p.Number] = true
	}

	doc := review.Document{ID: id, Title: title, PageCount: len(pages), CreatedAt: c.now().Unix()}
	_, _, err := c.mutate(ctx, "import_document", func(s *State) (bool, error) {
		if _, ok := s.Documents[id]; ok {
			return false, errors.NewConflict("document already exists: " + string(id))
		}
		// Pages go in under the write lock, once the id is known to be free.
		for _, p := range pages {
			if err := c.pages.PutPage(ctx, c.id, id, p); err != nil {
				return false, errors.NewStorageFailure(err)
			}
		}
		s.Documents[id] = doc
		if _, err := s.Versions.Bump(artifact.Documents); err != nil {
			return false, errors.NewInternal(err)
		}
		return true, nil
	})
	if err != nil {
		return review.Document{}, err
	}
	c.log.Info().Str("document_id", string(id)).Int("pages", len(pages)).Msg("document imported")
	return doc, nil
}

// RenderPage replaces the rendering of one page. The document itself does
// not change, so no version moves; anchors heal on their next resolve.
func (c *Coordinator) RenderPage(ctx context.Context, id review.DocumentID, page anchor.Page) error {
	doc, ok := c.Snapshot().Documents[id]
	if !ok {
		return errors.NewNotFound("document", string(id))
	}
	if err := page.Validate(); err != nil {
		return errors.NewInvalidRequest(err.Error())
	}
	if page.Number > doc.PageCount {
		return errors.NewInvalidRequest("page number beyond document page count")
	}
	if err := c.pages.PutPage(ctx, c.id, id, page); err != nil {
		return errors.NewStorageFailure(err)
	}
	return nil
}

// DefineRequirements adds requirements or updates their titles and
// categories. Requirements are never removed.
func (c *Coordinator) DefineRequirements(ctx context.Context, reqs []review.Requirement) error {
	for _, r := range reqs {
		if r.ID == "" {
			return errors.NewInvalidRequest("requirement id is required")
		}
	}
	_, _, err := c.mutate(ctx, "define_requirements", func(s *State) (bool, error) {
		changed := false
		for _, r := range reqs {
			if old, ok := s.Requirements[r.ID]; ok && old == r {
				continue
			}
			s.Requirements[r.ID] = r
			changed = true
		}
		return changed, nil
	})
	return err
}

func bump(s *State, kinds ...artifact.Kind) error {
	for _, k := range kinds {
		if _, err := s.Versions.Bump(k); err != nil {
			return errors.NewInternal(err)
		}
	}
	return nil
}
