package web

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hpungsan/keel/internal/errors"
	"github.com/hpungsan/keel/internal/ops"
	"github.com/hpungsan/keel/internal/review"
	"github.com/hpungsan/keel/internal/session"
	"github.com/hpungsan/keel/internal/verify"
)

// Handlers contains HTTP route handlers for the web UI and the JSON API.
type Handlers struct {
	mgr      *session.Manager
	sessions SessionLister
	renderer *Renderer
	log      zerolog.Logger
}

// IndexPageData is the template data for the index page.
type IndexPageData struct {
	PageData
	Sessions []review.SessionID
}

// SessionPageData is the template data for the session review page.
type SessionPageData struct {
	PageData
	Session      *ops.ShowSessionOutput
	Requirements []RequirementView
	Scratchpad   []SnippetView
	Statuses     []verify.Status
}

// RequirementView is one requirement with its linked snippets.
type RequirementView struct {
	Requirement review.Requirement
	Summary     verify.Summary
	Snippets    []SnippetView
}

// SnippetView is one snippet row. Record is the decision on the pair being
// displayed, zero for scratchpad rows.
type SnippetView struct {
	Snippet *review.Snippet
	Record  verify.Record
}

// HandleIndex handles GET /, the list of recent sessions.
func (h *Handlers) HandleIndex(w http.ResponseWriter, r *http.Request) {
	if id := strings.TrimSpace(r.URL.Query().Get("session")); id != "" {
		http.Redirect(w, r, "/sessions/"+url.PathEscape(id), http.StatusFound)
		return
	}

	data := IndexPageData{PageData: PageData{Title: "Sessions", Version: h.renderer.version}}
	if h.sessions != nil {
		ids, err := h.sessions.ListSessions(r.Context(), 50)
		if err != nil {
			h.renderer.renderError(w, r, errors.NewStorageFailure(err))
			return
		}
		data.Sessions = ids
	}
	h.renderer.renderPage(w, "index", data)
}

// HandleSession handles GET /sessions/{id}, the review page of a session.
func (h *Handlers) HandleSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	show, err := ops.ShowSession(ctx, h.mgr, ops.ShowSessionInput{SessionID: id})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	data := SessionPageData{
		PageData: PageData{Title: "Session " + show.ID, Version: h.renderer.version},
		Session:  show,
		Statuses: verify.Statuses,
	}

	for _, rs := range show.Rollup.Requirements {
		view := RequirementView{Requirement: rs.Requirement, Summary: rs.Summary}

		sum, err := ops.Summary(ctx, h.mgr, ops.SummaryInput{SessionID: id, RequirementID: string(rs.Requirement.ID)})
		if err != nil {
			h.renderer.renderError(w, r, err)
			return
		}
		records := make(map[review.SnippetID]verify.Record, len(sum.Records))
		for _, rec := range sum.Records {
			records[rec.SnippetID] = rec
		}

		list, err := ops.ListSnippets(ctx, h.mgr, ops.ListSnippetsInput{
			SessionID: id, RequirementID: string(rs.Requirement.ID), Limit: ops.MaxListLimit,
		})
		if err != nil {
			h.renderer.renderError(w, r, err)
			return
		}
		for _, sn := range list.Items {
			rec, ok := records[sn.ID]
			if !ok {
				rec = verify.Record{
					Key:    verify.Key{SnippetID: sn.ID, RequirementID: rs.Requirement.ID},
					Status: verify.Unverified,
				}
			}
			view.Snippets = append(view.Snippets, SnippetView{Snippet: sn, Record: rec})
		}
		data.Requirements = append(data.Requirements, view)
	}

	scratch, err := ops.ListSnippets(ctx, h.mgr, ops.ListSnippetsInput{SessionID: id, Unlinked: true, Limit: ops.MaxListLimit})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	for _, sn := range scratch.Items {
		data.Scratchpad = append(data.Scratchpad, SnippetView{Snippet: sn})
	}

	h.renderer.renderPage(w, "session", data)
}

// HandleVerifyForm handles POST /sessions/{id}/verify, the decision form on
// the review page. Empty notes keep the earlier notes.
func (h *Handlers) HandleVerifyForm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderer.renderError(w, r, errors.NewInvalidRequest("invalid form data"))
		return
	}
	id := r.PathValue("id")

	input := ops.SetStatusInput{
		SessionID:     id,
		SnippetID:     r.FormValue("snippet_id"),
		RequirementID: r.FormValue("requirement_id"),
		Status:        r.FormValue("status"),
		Reviewer:      r.FormValue("reviewer"),
	}
	if notes := r.FormValue("notes"); strings.TrimSpace(notes) != "" {
		input.Notes = &notes
	}

	if _, err := ops.SetStatus(r.Context(), h.mgr, input); err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	http.Redirect(w, r, "/sessions/"+url.PathEscape(id)+"#"+url.PathEscape(input.SnippetID), http.StatusSeeOther)
}
