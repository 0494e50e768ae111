package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/keel/internal/anchor"
	"github.com/hpungsan/keel/internal/artifact"
	"github.com/hpungsan/keel/internal/errors"
	"github.com/hpungsan/keel/internal/review"
	"github.com/hpungsan/keel/internal/verify"
)

const page2Text = "Site B overview and sampling log. The field team documented conditions. " +
	"Soil samples collected 2024-03-15 were sent to the lab for analysis. " +
	"Groundwater readings were taken at three wells."

// flakyStore fails every Save while failing is set.
type flakyStore struct {
	*MemoryStore
	failing atomic.Bool
	saves   atomic.Int32
}

func (f *flakyStore) Save(ctx context.Context, st *State) error {
	f.saves.Add(1)
	if f.failing.Load() {
		return fmt.Errorf("disk full")
	}
	return f.MemoryStore.Save(ctx, st)
}

type fixture struct {
	store *flakyStore
	pages *MemoryPages
	mgr   *Manager
	c     *Coordinator
	ctx   context.Context
}

func wrapText(text string, width int) string {
	var lines []string
	var line string
	for _, w := range strings.Fields(text) {
		switch {
		case line == "":
			line = w
		case len(line)+1+len(w) <= width:
			line += " " + w
		default:
			lines = append(lines, line)
			line = w
		}
	}
	if line != "" {
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func layout(n int, text string) anchor.Page {
	return anchor.MonospaceLayout(n, text, anchor.MonospaceOptions{})
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: &flakyStore{MemoryStore: NewMemoryStore()},
		pages: NewMemoryPages(),
		ctx:   context.Background(),
	}
	f.mgr = NewManager(Deps{Store: f.store, Pages: f.pages})
	c, err := f.mgr.Create(f.ctx)
	require.NoError(t, err)
	f.c = c
	return f
}

// seed imports document D (3 pages) and requirement REQ-005.
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	_, err := f.c.ImportDocument(f.ctx, "D", "Site B report", []anchor.Page{
		layout(1, "Cover page"),
		layout(2, wrapText(page2Text, 40)),
		layout(3, "Appendix"),
	})
	require.NoError(t, err)
	require.NoError(t, f.c.DefineRequirements(f.ctx, []review.Requirement{
		{ID: "REQ-005", Category: "soil", Title: "Soil sampling dates recorded"},
		{ID: "REQ-006", Category: "water", Title: "Groundwater monitored"},
	}))
}

func (f *fixture) stale(t *testing.T, k artifact.Kind) bool {
	t.Helper()
	s, err := f.c.IsStale(k)
	require.NoError(t, err)
	return s
}

func TestEndToEnd_ReviewSession(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	v, err := f.c.UpstreamVersion(artifact.Evidence)
	require.NoError(t, err)
	res, err := f.c.ReplaceMachineEvidence(f.ctx, ExtractionRun{
		RunID: "run-1",
		Snippets: []Extraction{{
			ID: "S1", DocumentID: "D", Page: 2,
			Text:           "Soil samples collected 2024-03-15",
			RequirementIDs: []review.RequirementID{"REQ-005"},
		}},
		DerivedFrom: &v,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)

	s1, err := f.c.Snippet("S1")
	require.NoError(t, err)
	require.NotNil(t, s1.Descriptor.Region, "S1 anchored with a region R1")
	r1 := *s1.Descriptor.Region

	_, err = f.c.SetStatus(f.ctx, Decision{Key: verify.Key{SnippetID: "S1", RequirementID: "REQ-005"}, Status: verify.Verified, Reviewer: "ana"})
	require.NoError(t, err)
	assert.True(t, f.stale(t, artifact.Validation))

	// Validation runs and catches up.
	vv, _ := f.c.UpstreamVersion(artifact.Validation)
	require.NoError(t, f.c.MarkDerived(f.ctx, artifact.Validation, vv))
	assert.False(t, f.stale(t, artifact.Validation))

	// Extraction re-runs with the same snippet: evidence bumps, validation is stale again.
	_, err = f.c.ReplaceMachineEvidence(f.ctx, ExtractionRun{
		RunID:    "run-2",
		Snippets: []Extraction{{ID: "S1", DocumentID: "D", Page: 2, Text: "Soil samples collected 2024-03-15"}},
	})
	require.NoError(t, err)
	assert.True(t, f.stale(t, artifact.Validation))
	assert.True(t, f.stale(t, artifact.Report))

	rec, _ := f.c.Snapshot().Verification.Get(verify.Key{SnippetID: "S1", RequirementID: "REQ-005"})
	assert.Equal(t, verify.Verified, rec.Status, "kept snippet keeps its decision")

	// Page 2 reflows.
	require.NoError(t, f.c.RenderPage(f.ctx, "D", layout(2, wrapText(page2Text, 22))))

	first, err := f.c.Resolve(f.ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, anchor.ConfidenceRecovered, first.Confidence)
	assert.True(t, first.Healed)
	assert.NotEqual(t, r1.Rects, first.Region.Rects)

	stored, _ := f.c.Snippet("S1")
	assert.Equal(t, first.Region, *stored.Descriptor.Region, "R1' persisted")

	second, err := f.c.Resolve(f.ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, anchor.ConfidenceExact, second.Confidence)
	assert.Equal(t, first.Region, second.Region)
	assert.False(t, second.Healed)

	// The persisted state matches what readers see.
	loaded, err := f.store.Load(f.ctx, f.c.ID())
	require.NoError(t, err)
	sn, ok := loaded.Snippet("S1")
	require.True(t, ok)
	assert.Equal(t, first.Region, *sn.Descriptor.Region)
}

func TestResolve_PageOnlyWhenPageMissing(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	sn, err := f.c.PlaceSnippet(f.ctx, Placement{DocumentID: "D", Page: 2, Text: "Groundwater readings", PlacedBy: "ana"})
	require.NoError(t, err)

	// Re-extraction drops the phrase.
	require.NoError(t, f.c.RenderPage(f.ctx, "D", layout(2, "This page no longer mentions it.")))
	res, err := f.c.Resolve(f.ctx, sn.ID)
	require.NoError(t, err)
	assert.Equal(t, anchor.ConfidencePageOnly, res.Confidence)
	assert.True(t, res.MayHaveMoved)
	assert.Equal(t, 2, res.Region.Page)
	assert.False(t, res.Healed)
}

func TestResolve_UnknownSnippet(t *testing.T) {
	f := newFixture(t)
	_, err := f.c.Resolve(f.ctx, "nope")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestResolve_HealSaveFailureStillReturns(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	sn, err := f.c.PlaceSnippet(f.ctx, Placement{DocumentID: "D", Page: 2, Text: "Soil samples collected 2024-03-15", PlacedBy: "ana"})
	require.NoError(t, err)
	require.NoError(t, f.c.RenderPage(f.ctx, "D", layout(2, wrapText(page2Text, 22))))

	f.store.failing.Store(true)
	res, err := f.c.Resolve(f.ctx, sn.ID)
	require.NoError(t, err)
	assert.Equal(t, anchor.ConfidenceRecovered, res.Confidence)
	assert.False(t, res.Healed)

	stored, _ := f.c.Snippet(sn.ID)
	assert.True(t, stored.Descriptor.Equal(sn.Descriptor), "published descriptor unchanged")

	f.store.failing.Store(false)
	res, err = f.c.Resolve(f.ctx, sn.ID)
	require.NoError(t, err)
	assert.True(t, res.Healed)
}

func TestMutate_RollbackOnSaveFailure(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	before := f.c.Snapshot()

	f.store.failing.Store(true)
	_, err := f.c.PlaceSnippet(f.ctx, Placement{DocumentID: "D", Page: 2, Text: "Soil samples", PlacedBy: "ana"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStorageFailure))
	assert.False(t, errors.Is(err, errors.ErrNotFound))

	after := f.c.Snapshot()
	assert.Same(t, before, after, "nothing published")
	assert.Empty(t, after.Human)
	assert.Equal(t, before.Versions.Current(artifact.Evidence), after.Versions.Current(artifact.Evidence))

	_, err = f.c.Bump(f.ctx, artifact.Report)
	assert.True(t, errors.Is(err, errors.ErrStorageFailure))
	assert.Equal(t, uint64(0), f.c.Snapshot().Versions.Current(artifact.Report))
}

func TestBump_SurvivesCancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v, err := f.c.Bump(ctx, artifact.Mappings)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
	require.NoError(t, f.c.MarkDerived(ctx, artifact.Mappings, 0))

	loaded, err := f.store.Load(context.Background(), f.c.ID())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), loaded.Versions.Current(artifact.Mappings))
}

func TestMarkDerived_InFlightRunStaysStale(t *testing.T) {
	f := newFixture(t)
	_, err := f.c.Bump(f.ctx, artifact.Mappings)
	require.NoError(t, err)

	snapshot, err := f.c.UpstreamVersion(artifact.Evidence)
	require.NoError(t, err)
	_, err = f.c.Bump(f.ctx, artifact.Mappings)
	require.NoError(t, err)

	require.NoError(t, f.c.MarkDerived(f.ctx, artifact.Evidence, snapshot))
	assert.True(t, f.stale(t, artifact.Evidence))

	err = f.c.MarkDerived(f.ctx, artifact.Evidence, 99)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	err = f.c.MarkDerived(f.ctx, artifact.Documents, 0)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestIsStale_UnknownKind(t *testing.T) {
	f := newFixture(t)
	_, err := f.c.IsStale("bogus")
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestVersionEffects(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	cur := func(k artifact.Kind) uint64 { return f.c.Snapshot().Versions.Current(k) }

	assert.Equal(t, uint64(1), cur(artifact.Documents))

	sn, err := f.c.PlaceSnippet(f.ctx, Placement{
		DocumentID: "D", Page: 2, Text: "Soil samples", PlacedBy: "ana",
		RequirementIDs: []review.RequirementID{"REQ-005"},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cur(artifact.Evidence))
	assert.Equal(t, uint64(1), cur(artifact.Mappings))

	require.NoError(t, f.c.LinkSnippet(f.ctx, sn.ID, "REQ-006"))
	assert.Equal(t, uint64(2), cur(artifact.Mappings))
	require.NoError(t, f.c.LinkSnippet(f.ctx, sn.ID, "REQ-006"), "relinking is a no-op")
	assert.Equal(t, uint64(2), cur(artifact.Mappings))

	_, err = f.c.SetStatus(f.ctx, Decision{Key: verify.Key{SnippetID: sn.ID, RequirementID: "REQ-005"}, Status: verify.Rejected})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cur(artifact.Mappings), "verification bumps nothing")
	assert.Equal(t, uint64(1), cur(artifact.Evidence))

	require.NoError(t, f.c.DeleteSnippet(f.ctx, sn.ID))
	assert.Equal(t, uint64(2), cur(artifact.Evidence))
	assert.Equal(t, uint64(3), cur(artifact.Mappings), "deleting a linked snippet drops its links")
	assert.Zero(t, f.c.Snapshot().Verification.Len())

	loose, err := f.c.PlaceSnippet(f.ctx, Placement{DocumentID: "D", Page: 2, Text: "field team", PlacedBy: "ana"})
	require.NoError(t, err)
	require.NoError(t, f.c.DeleteSnippet(f.ctx, loose.ID))
	assert.Equal(t, uint64(4), cur(artifact.Evidence))
	assert.Equal(t, uint64(3), cur(artifact.Mappings), "scratchpad snippets carry no links")
}

func TestImportDocument_SameIDInTwoSessions(t *testing.T) {
	f := newFixture(t)
	_, err := f.c.ImportDocument(f.ctx, "D", "Site A report", []anchor.Page{
		layout(1, "Soil samples collected 2024-03-15 at site A."),
	})
	require.NoError(t, err)
	sn, err := f.c.PlaceSnippet(f.ctx, Placement{DocumentID: "D", Page: 1, Text: "Soil samples collected 2024-03-15", PlacedBy: "ana"})
	require.NoError(t, err)

	other, err := f.mgr.Create(f.ctx)
	require.NoError(t, err)
	_, err = other.ImportDocument(f.ctx, "D", "Unrelated", []anchor.Page{layout(1, "Completely different content.")})
	require.NoError(t, err)
	require.NoError(t, other.RenderPage(f.ctx, "D", layout(1, "Still different.")))

	res, err := f.c.Resolve(f.ctx, sn.ID)
	require.NoError(t, err)
	assert.Equal(t, anchor.ConfidenceExact, res.Confidence)
	assert.False(t, res.MayHaveMoved)

	page, err := f.pages.GetPageText(f.ctx, f.c.ID(), "D", 1)
	require.NoError(t, err)
	assert.Equal(t, "Soil samples collected 2024-03-15 at site A.", page.Text)
}

func TestImportDocument_RejectedImportKeepsPages(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	sn, err := f.c.PlaceSnippet(f.ctx, Placement{DocumentID: "D", Page: 1, Text: "Cover page", PlacedBy: "ana"})
	require.NoError(t, err)

	_, err = f.c.ImportDocument(f.ctx, "D", "again", []anchor.Page{layout(1, "Something else")})
	assert.True(t, errors.Is(err, errors.ErrConflict))

	res, err := f.c.Resolve(f.ctx, sn.ID)
	require.NoError(t, err)
	assert.Equal(t, anchor.ConfidenceExact, res.Confidence)
}

func TestImportDocument_FailedSaveCanBeRetried(t *testing.T) {
	f := newFixture(t)
	f.store.failing.Store(true)
	_, err := f.c.ImportDocument(f.ctx, "D", "Site B report", []anchor.Page{layout(1, "first try")})
	assert.True(t, errors.Is(err, errors.ErrStorageFailure))
	assert.NotContains(t, f.c.Snapshot().Documents, review.DocumentID("D"))

	f.store.failing.Store(false)
	_, err = f.c.ImportDocument(f.ctx, "D", "Site B report", []anchor.Page{layout(1, "second try")})
	require.NoError(t, err)
	page, err := f.pages.GetPageText(f.ctx, f.c.ID(), "D", 1)
	require.NoError(t, err)
	assert.Equal(t, "second try", page.Text)
}

func TestImportDocument_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.c.ImportDocument(f.ctx, "D", "x", nil)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = f.c.ImportDocument(f.ctx, "D", "x", []anchor.Page{layout(1, "a"), layout(3, "c")})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	doc, err := f.c.ImportDocument(f.ctx, "", "x", []anchor.Page{layout(1, "a")})
	require.NoError(t, err)
	assert.NotEmpty(t, doc.ID)

	_, err = f.c.ImportDocument(f.ctx, doc.ID, "again", []anchor.Page{layout(1, "a")})
	assert.True(t, errors.Is(err, errors.ErrConflict))

	err = f.c.RenderPage(f.ctx, doc.ID, layout(2, "b"))
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	err = f.c.RenderPage(f.ctx, "missing", layout(1, "b"))
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestPlaceSnippet_Errors(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	_, err := f.c.PlaceSnippet(f.ctx, Placement{DocumentID: "X", Page: 1, Text: "a"})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	ke := errors.As(err)
	assert.Equal(t, "document", ke.Details["kind"])

	_, err = f.c.PlaceSnippet(f.ctx, Placement{DocumentID: "D", Page: 4, Text: "a"})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = f.c.PlaceSnippet(f.ctx, Placement{DocumentID: "D", Page: 1, Text: "Cover", RequirementIDs: []review.RequirementID{"REQ-404"}})
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	_, err = f.c.PlaceSnippet(f.ctx, Placement{DocumentID: "D", Page: 1, Text: "Cover", Region: &anchor.Region{Page: 2}})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = f.c.PlaceSnippet(f.ctx, Placement{ID: "h1", DocumentID: "D", Page: 1, Text: "Cover"})
	require.NoError(t, err)
	_, err = f.c.PlaceSnippet(f.ctx, Placement{ID: "h1", DocumentID: "D", Page: 1, Text: "Cover"})
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestReplaceMachineEvidence_DisjointFromHuman(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	human, err := f.c.PlaceSnippet(f.ctx, Placement{
		DocumentID: "D", Page: 2, Text: "Groundwater readings", PlacedBy: "ana",
		RequirementIDs: []review.RequirementID{"REQ-006"},
	})
	require.NoError(t, err)
	_, err = f.c.SetStatus(f.ctx, Decision{Key: verify.Key{SnippetID: human.ID, RequirementID: "REQ-006"}, Status: verify.Verified})
	require.NoError(t, err)

	run := ExtractionRun{RunID: "r1", Snippets: []Extraction{
		{DocumentID: "D", Page: 2, Text: "Soil samples", RequirementIDs: []review.RequirementID{"REQ-005"}},
		{DocumentID: "D", Page: 2, Text: "field team"},
	}}
	_, err = f.c.ReplaceMachineEvidence(f.ctx, run)
	require.NoError(t, err)
	_, err = f.c.ReplaceMachineEvidence(f.ctx, ExtractionRun{RunID: "r2"})
	require.NoError(t, err)

	snap := f.c.Snapshot()
	assert.Empty(t, snap.Machine)
	require.Contains(t, snap.Human, human.ID)
	rec, ok := snap.Verification.Get(verify.Key{SnippetID: human.ID, RequirementID: "REQ-006"})
	assert.True(t, ok)
	assert.Equal(t, verify.Verified, rec.Status)

	_, err = f.c.ReplaceMachineEvidence(f.ctx, ExtractionRun{RunID: "r3", Snippets: []Extraction{
		{ID: human.ID, DocumentID: "D", Page: 2, Text: "Soil samples"},
	}})
	assert.True(t, errors.Is(err, errors.ErrConflict))
	assert.Contains(t, f.c.Snapshot().Human, human.ID)
}

func TestReplaceMachineEvidence_StableIDsAndCascade(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	run := ExtractionRun{RunID: "r1", Snippets: []Extraction{
		{DocumentID: "D", Page: 2, Text: "Soil samples", RequirementIDs: []review.RequirementID{"REQ-005"}},
		{DocumentID: "D", Page: 2, Text: "field team", RequirementIDs: []review.RequirementID{"REQ-005"}},
	}}
	_, err := f.c.ReplaceMachineEvidence(f.ctx, run)
	require.NoError(t, err)

	soil := review.MachineSnippetID("D", 2, "Soil samples", 0)
	team := review.MachineSnippetID("D", 2, "field team", 0)
	for _, id := range []review.SnippetID{soil, team} {
		_, err := f.c.SetStatus(f.ctx, Decision{Key: verify.Key{SnippetID: id, RequirementID: "REQ-005"}, Status: verify.Verified})
		require.NoError(t, err)
	}

	// Second run keeps "Soil samples" (links omitted, so preserved) and drops "field team".
	res, err := f.c.ReplaceMachineEvidence(f.ctx, ExtractionRun{RunID: "r2", Snippets: []Extraction{
		{DocumentID: "D", Page: 2, Text: "Soil  samples"},
	}})
	require.NoError(t, err)
	assert.Equal(t, ReplaceResult{Kept: 1, Removed: 1, EvidenceVersion: 2}, res)

	sn, err := f.c.Snippet(soil)
	require.NoError(t, err)
	assert.Equal(t, []review.RequirementID{"REQ-005"}, sn.RequirementIDs)
	assert.Equal(t, "r2", sn.Machine.RunID)

	assert.Len(t, f.c.Records("", ""), 1)
	_, ok := f.c.Snapshot().Verification.Get(verify.Key{SnippetID: team, RequirementID: "REQ-005"})
	assert.False(t, ok, "records of dropped snippets cascade")

	// Explicitly empty links unlink and drop the decision.
	_, err = f.c.ReplaceMachineEvidence(f.ctx, ExtractionRun{RunID: "r3", Snippets: []Extraction{
		{DocumentID: "D", Page: 2, Text: "Soil samples", RequirementIDs: []review.RequirementID{}},
	}})
	require.NoError(t, err)
	assert.Empty(t, f.c.Records("", ""))
}

func TestReplaceMachineEvidence_RepeatedTextGetsDistinctIDs(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	res, err := f.c.ReplaceMachineEvidence(f.ctx, ExtractionRun{RunID: "r1", Snippets: []Extraction{
		{DocumentID: "D", Page: 2, Text: "the"},
		{DocumentID: "D", Page: 2, Text: "the"},
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Added)

	_, err = f.c.ReplaceMachineEvidence(f.ctx, ExtractionRun{RunID: "r2", Snippets: []Extraction{
		{ID: "x", DocumentID: "D", Page: 2, Text: "the"},
		{ID: "x", DocumentID: "D", Page: 2, Text: "the"},
	}})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestReplaceMachineEvidence_DerivedFrom(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	_, err := f.c.Bump(f.ctx, artifact.Mappings)
	require.NoError(t, err)
	assert.True(t, f.stale(t, artifact.Evidence))

	v := uint64(1)
	_, err = f.c.ReplaceMachineEvidence(f.ctx, ExtractionRun{RunID: "r1", DerivedFrom: &v})
	require.NoError(t, err)
	assert.False(t, f.stale(t, artifact.Evidence))

	future := uint64(9)
	before := f.c.Snapshot()
	_, err = f.c.ReplaceMachineEvidence(f.ctx, ExtractionRun{RunID: "r2", DerivedFrom: &future})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	assert.Same(t, before, f.c.Snapshot())
}

func TestLinkUnlinkReassign(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	sn, err := f.c.PlaceSnippet(f.ctx, Placement{DocumentID: "D", Page: 2, Text: "Soil samples", PlacedBy: "ana"})
	require.NoError(t, err)
	assert.Len(t, f.c.Snippets(SnippetFilter{Unlinked: true}), 1)

	require.NoError(t, f.c.LinkSnippet(f.ctx, sn.ID, "REQ-005"))
	require.NoError(t, f.c.LinkSnippet(f.ctx, sn.ID, "REQ-006"))
	assert.Len(t, f.c.Snippets(SnippetFilter{RequirementID: "REQ-006"}), 1)

	key5 := verify.Key{SnippetID: sn.ID, RequirementID: "REQ-005"}
	key6 := verify.Key{SnippetID: sn.ID, RequirementID: "REQ-006"}
	_, err = f.c.SetStatus(f.ctx, Decision{Key: key5, Status: verify.Verified})
	require.NoError(t, err)
	_, err = f.c.SetStatus(f.ctx, Decision{Key: key6, Status: verify.Partial})
	require.NoError(t, err)

	req6 := review.RequirementID("REQ-006")
	require.NoError(t, f.c.UnlinkSnippet(f.ctx, sn.ID, &req6))
	_, ok := f.c.Snapshot().Verification.Get(key6)
	assert.False(t, ok)
	err = f.c.UnlinkSnippet(f.ctx, sn.ID, &req6)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	require.NoError(t, f.c.ReassignSnippet(f.ctx, sn.ID, "REQ-005", "REQ-006"))
	got, _ := f.c.Snippet(sn.ID)
	assert.Equal(t, []review.RequirementID{"REQ-006"}, got.RequirementIDs)
	_, ok = f.c.Snapshot().Verification.Get(key5)
	assert.False(t, ok, "decision does not follow the reassignment")

	err = f.c.ReassignSnippet(f.ctx, sn.ID, "REQ-005", "REQ-006")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	err = f.c.LinkSnippet(f.ctx, sn.ID, "REQ-404")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	require.NoError(t, f.c.UnlinkSnippet(f.ctx, sn.ID, nil))
	got, _ = f.c.Snippet(sn.ID)
	assert.Empty(t, got.RequirementIDs)
}

func TestSetStatus_Correctable(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	sn, err := f.c.PlaceSnippet(f.ctx, Placement{
		DocumentID: "D", Page: 2, Text: "Soil samples", PlacedBy: "ana",
		RequirementIDs: []review.RequirementID{"REQ-005"},
	})
	require.NoError(t, err)
	key := verify.Key{SnippetID: sn.ID, RequirementID: "REQ-005"}

	notes := "date matches"
	for _, st := range []verify.Status{verify.Verified, verify.Rejected, verify.Unverified, verify.NeedsContext, verify.Verified} {
		rec, err := f.c.SetStatus(f.ctx, Decision{Key: key, Status: st, Notes: &notes, Reviewer: "ben"})
		require.NoError(t, err)
		assert.Equal(t, st, rec.Status)
	}
	assert.Len(t, f.c.Records(sn.ID, ""), 1)

	// Repeating a decision stamps it again.
	f.c.now = func() time.Time { return time.Unix(1_900_000_000, 0) }
	saves := f.store.saves.Load()
	rec, err := f.c.SetStatus(f.ctx, Decision{Key: key, Status: verify.Verified, Reviewer: "ben"})
	require.NoError(t, err)
	assert.Equal(t, saves+1, f.store.saves.Load())
	assert.Equal(t, int64(1_900_000_000), rec.UpdatedAt)
	stored, _ := f.c.Snapshot().Verification.Get(key)
	assert.Equal(t, int64(1_900_000_000), stored.UpdatedAt)
	assert.Equal(t, notes, stored.Notes)

	_, err = f.c.SetStatus(f.ctx, Decision{Key: verify.Key{SnippetID: sn.ID, RequirementID: "REQ-006"}, Status: verify.Verified})
	assert.True(t, errors.Is(err, errors.ErrNotFound), "unlinked pair")
	_, err = f.c.SetStatus(f.ctx, Decision{Key: key, Status: "approved"})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestBulkSetStatus_PartialFailure(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	var keys []verify.Key
	for _, text := range []string{"Soil samples", "field team"} {
		sn, err := f.c.PlaceSnippet(f.ctx, Placement{
			DocumentID: "D", Page: 2, Text: text, PlacedBy: "ana",
			RequirementIDs: []review.RequirementID{"REQ-005"},
		})
		require.NoError(t, err)
		keys = append(keys, verify.Key{SnippetID: sn.ID, RequirementID: "REQ-005"})
	}
	keys = append(keys, verify.Key{SnippetID: "ghost", RequirementID: "REQ-005"})

	res := f.c.BulkSetStatus(f.ctx, keys, "ana")
	assert.Equal(t, 2, res.Verified)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, review.SnippetID("ghost"), res.Failures[0].SnippetID)
	assert.Equal(t, errors.ErrNotFound, res.Failures[0].Code)

	sum, err := f.c.Summarize("REQ-005")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Verified)
	assert.Equal(t, 1.0, sum.Progress)
}

func TestBulkSetStatus_SavesOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	var keys []verify.Key
	for _, text := range []string{"Soil samples", "field team", "2024-03-15"} {
		sn, err := f.c.PlaceSnippet(f.ctx, Placement{
			DocumentID: "D", Page: 2, Text: text, PlacedBy: "ana",
			RequirementIDs: []review.RequirementID{"REQ-005"},
		})
		require.NoError(t, err)
		keys = append(keys, verify.Key{SnippetID: sn.ID, RequirementID: "REQ-005"})
	}

	saves := f.store.saves.Load()
	res := f.c.BulkSetStatus(f.ctx, keys, "ana")
	assert.Equal(t, 3, res.Verified)
	assert.Equal(t, saves+1, f.store.saves.Load())

	// Nothing applicable, nothing written.
	res = f.c.BulkSetStatus(f.ctx, []verify.Key{{SnippetID: "ghost", RequirementID: "REQ-005"}}, "ana")
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, saves+1, f.store.saves.Load())
}

func TestBulkSetStatus_StopsPersistingOnStorageFailure(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	sn, err := f.c.PlaceSnippet(f.ctx, Placement{
		DocumentID: "D", Page: 2, Text: "Soil samples", PlacedBy: "ana",
		RequirementIDs: []review.RequirementID{"REQ-005", "REQ-006"},
	})
	require.NoError(t, err)

	res := f.c.BulkSetStatus(f.ctx, []verify.Key{{SnippetID: sn.ID, RequirementID: "REQ-005"}}, "ana")
	require.Equal(t, 1, res.Verified)

	f.store.failing.Store(true)
	res = f.c.BulkSetStatus(f.ctx, []verify.Key{
		{SnippetID: sn.ID, RequirementID: "REQ-006"},
		{SnippetID: "ghost", RequirementID: "REQ-006"},
	}, "ana")
	assert.Equal(t, 0, res.Verified)
	assert.Equal(t, 2, res.Failed)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, errors.ErrNotFound, res.Failures[0].Code)
	assert.Equal(t, errors.ErrStorageFailure, res.Failures[1].Code)
	assert.Equal(t, sn.ID, res.Failures[1].SnippetID)

	rec6, _ := f.c.Snapshot().Verification.Get(verify.Key{SnippetID: sn.ID, RequirementID: "REQ-006"})
	assert.Equal(t, verify.Unverified, rec6.Status, "unsaved pair not published")

	rec, _ := f.c.Snapshot().Verification.Get(verify.Key{SnippetID: sn.ID, RequirementID: "REQ-005"})
	assert.Equal(t, verify.Verified, rec.Status, "earlier success kept")
}

func TestRollup(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	a, err := f.c.PlaceSnippet(f.ctx, Placement{DocumentID: "D", Page: 2, Text: "Soil samples", PlacedBy: "ana",
		RequirementIDs: []review.RequirementID{"REQ-005"}})
	require.NoError(t, err)
	_, err = f.c.PlaceSnippet(f.ctx, Placement{DocumentID: "D", Page: 2, Text: "field team", PlacedBy: "ana"})
	require.NoError(t, err)
	_, err = f.c.SetStatus(f.ctx, Decision{Key: verify.Key{SnippetID: a.ID, RequirementID: "REQ-005"}, Status: verify.Rejected})
	require.NoError(t, err)

	r := f.c.Rollup()
	require.Len(t, r.Requirements, 2)
	assert.Equal(t, review.RequirementID("REQ-005"), r.Requirements[0].Requirement.ID)
	assert.Equal(t, 1, r.Requirements[0].Summary.Rejected)
	assert.Equal(t, 0, r.Requirements[1].Summary.Total)
	assert.Equal(t, 1, r.Overall.Total)
	assert.Equal(t, 1, r.Scratchpad)

	_, err = f.c.Summarize("REQ-404")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestConcurrentMutationsSerialize(t *testing.T) {
	f := newFixture(t)
	const n = 50
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.c.Bump(f.ctx, artifact.Documents)
			assert.NoError(t, err)
			_ = f.c.StalenessReport()
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(n), f.c.Snapshot().Versions.Current(artifact.Documents))
}

// blockingStore blocks saves for one session until released.
type blockingStore struct {
	*MemoryStore
	blocked review.SessionID
	release chan struct{}
	entered chan struct{}
}

func (b *blockingStore) Save(ctx context.Context, st *State) error {
	if st.ID == b.blocked {
		b.entered <- struct{}{}
		<-b.release
	}
	return b.MemoryStore.Save(ctx, st)
}

func TestSessionsDoNotBlockEachOther(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	mgr := NewManager(Deps{Store: mem, Pages: NewMemoryPages()})
	slow, err := mgr.Create(ctx)
	require.NoError(t, err)
	fast, err := mgr.Create(ctx)
	require.NoError(t, err)

	bs := &blockingStore{MemoryStore: mem, blocked: slow.ID(), release: make(chan struct{}), entered: make(chan struct{}, 1)}
	slow.store = bs
	fast.store = bs

	done := make(chan error, 1)
	go func() {
		_, err := slow.Bump(ctx, artifact.Documents)
		done <- err
	}()
	<-bs.entered

	// Readers of the blocked session see the last published state.
	assert.Equal(t, uint64(0), slow.Snapshot().Versions.Current(artifact.Documents))

	finished := make(chan struct{})
	go func() {
		_, err := fast.Bump(ctx, artifact.Documents)
		assert.NoError(t, err)
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("mutation on another session blocked")
	}

	close(bs.release)
	require.NoError(t, <-done)
	assert.Equal(t, uint64(1), slow.Snapshot().Versions.Current(artifact.Documents))
}

func TestManager_GetLoadsOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	st := NewState("S", 1)
	require.NoError(t, store.Save(ctx, st))

	mgr := NewManager(Deps{Store: store, Pages: NewMemoryPages()})
	var wg sync.WaitGroup
	got := make([]*Coordinator, 10)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := mgr.Get(ctx, "S")
			assert.NoError(t, err)
			got[i] = c
		}()
	}
	wg.Wait()
	for _, c := range got {
		assert.Same(t, got[0], c)
	}

	_, err := mgr.Get(ctx, "missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	_, err = mgr.Get(ctx, "")
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

// ctxStore fails loads whose context is done.
type ctxStore struct {
	*MemoryStore
}

func (c ctxStore) Load(ctx context.Context, id review.SessionID) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.MemoryStore.Load(ctx, id)
}

func TestManager_GetIgnoresCallerCancellation(t *testing.T) {
	mem := NewMemoryStore()
	require.NoError(t, mem.Save(context.Background(), NewState("S", 1)))
	mgr := NewManager(Deps{Store: ctxStore{mem}, Pages: NewMemoryPages()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c, err := mgr.Get(ctx, "S")
	require.NoError(t, err)
	assert.Equal(t, review.SessionID("S"), c.ID())

	again, err := mgr.Get(context.Background(), "S")
	require.NoError(t, err)
	assert.Same(t, c, again)
}

func TestStateCloneIsDeep(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	sn, err := f.c.PlaceSnippet(f.ctx, Placement{DocumentID: "D", Page: 2, Text: "Soil samples", PlacedBy: "ana"})
	require.NoError(t, err)

	snap := f.c.Snapshot()
	c := snap.Clone()
	c.Human[sn.ID].Text = "changed"
	c.Documents["D2"] = review.Document{ID: "D2"}
	_, _ = c.Versions.Bump(artifact.Report)

	assert.Equal(t, "Soil samples", snap.Human[sn.ID].Text)
	assert.NotContains(t, snap.Documents, review.DocumentID("D2"))
	assert.Zero(t, snap.Versions.Current(artifact.Report))
}
