package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/hpungsan/keel/internal/errors"
	"github.com/hpungsan/keel/internal/ops"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 4 << 20

// decodeBody reads a JSON request body into dst. Unknown fields are rejected.
func decodeBody(r *http.Request, w http.ResponseWriter, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.NewInvalidRequest(fmt.Sprintf("invalid JSON body: %v", err))
	}
	return nil
}

func (h *Handlers) respond(w http.ResponseWriter, r *http.Request, status int, out any, err error) {
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	renderJSON(w, status, out)
}

// APICreateSession handles POST /api/sessions.
func (h *Handlers) APICreateSession(w http.ResponseWriter, r *http.Request) {
	out, err := ops.CreateSession(r.Context(), h.mgr)
	h.respond(w, r, http.StatusCreated, out, err)
}

// APIShowSession handles GET /api/sessions/{id}.
func (h *Handlers) APIShowSession(w http.ResponseWriter, r *http.Request) {
	out, err := ops.ShowSession(r.Context(), h.mgr, ops.ShowSessionInput{SessionID: r.PathValue("id")})
	h.respond(w, r, http.StatusOK, out, err)
}

// APIStalenessReport handles GET /api/sessions/{id}/artifacts.
func (h *Handlers) APIStalenessReport(w http.ResponseWriter, r *http.Request) {
	out, err := ops.StalenessReport(r.Context(), h.mgr, ops.StalenessReportInput{SessionID: r.PathValue("id")})
	h.respond(w, r, http.StatusOK, out, err)
}

// APIIsStale handles GET /api/sessions/{id}/artifacts/{kind}.
func (h *Handlers) APIIsStale(w http.ResponseWriter, r *http.Request) {
	out, err := ops.IsStale(r.Context(), h.mgr, ops.IsStaleInput{
		SessionID: r.PathValue("id"),
		Kind:      r.PathValue("kind"),
	})
	h.respond(w, r, http.StatusOK, out, err)
}

// APIBump handles POST /api/sessions/{id}/artifacts/{kind}/bump.
func (h *Handlers) APIBump(w http.ResponseWriter, r *http.Request) {
	out, err := ops.Bump(r.Context(), h.mgr, ops.BumpInput{
		SessionID: r.PathValue("id"),
		Kind:      r.PathValue("kind"),
	})
	h.respond(w, r, http.StatusOK, out, err)
}

// APIMarkDerived handles POST /api/sessions/{id}/artifacts/{kind}/derived
// with body {"version": n}.
func (h *Handlers) APIMarkDerived(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Version uint64 `json:"version"`
	}
	if err := decodeBody(r, w, &body); err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	out, err := ops.MarkDerived(r.Context(), h.mgr, ops.MarkDerivedInput{
		SessionID: r.PathValue("id"),
		Kind:      r.PathValue("kind"),
		Version:   body.Version,
	})
	h.respond(w, r, http.StatusOK, out, err)
}

// APIListSnippets handles GET /api/sessions/{id}/snippets.
func (h *Handlers) APIListSnippets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	input := ops.ListSnippetsInput{
		SessionID:     r.PathValue("id"),
		DocumentID:    q.Get("document_id"),
		RequirementID: q.Get("requirement_id"),
		Method:        q.Get("method"),
		Unlinked:      parseBoolParam(r, "unlinked"),
	}
	var err error
	if input.Page, err = parseIntParam(r, "page"); err == nil {
		if input.Limit, err = parseIntParam(r, "limit"); err == nil {
			input.Offset, err = parseIntParam(r, "offset")
		}
	}
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	out, err := ops.ListSnippets(r.Context(), h.mgr, input)
	h.respond(w, r, http.StatusOK, out, err)
}

// APIResolve handles POST /api/sessions/{id}/snippets/{snippet}/resolve.
// Resolving may persist a healed location, so it is not a GET.
func (h *Handlers) APIResolve(w http.ResponseWriter, r *http.Request) {
	out, err := ops.ResolveSnippet(r.Context(), h.mgr, ops.ResolveSnippetInput{
		SessionID: r.PathValue("id"),
		SnippetID: r.PathValue("snippet"),
	})
	h.respond(w, r, http.StatusOK, out, err)
}

// APISetStatus handles POST /api/sessions/{id}/verification.
func (h *Handlers) APISetStatus(w http.ResponseWriter, r *http.Request) {
	var input ops.SetStatusInput
	if err := decodeBody(r, w, &input); err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	input.SessionID = r.PathValue("id")
	out, err := ops.SetStatus(r.Context(), h.mgr, input)
	h.respond(w, r, http.StatusOK, out, err)
}

// APIBulkVerify handles POST /api/sessions/{id}/verification/bulk. Per-pair
// failures are reported in a 200 response.
func (h *Handlers) APIBulkVerify(w http.ResponseWriter, r *http.Request) {
	var input ops.BulkVerifyInput
	if err := decodeBody(r, w, &input); err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	input.SessionID = r.PathValue("id")
	out, err := ops.BulkVerify(r.Context(), h.mgr, input)
	h.respond(w, r, http.StatusOK, out, err)
}

// APISummary handles GET /api/sessions/{id}/requirements/{req}/summary.
func (h *Handlers) APISummary(w http.ResponseWriter, r *http.Request) {
	out, err := ops.Summary(r.Context(), h.mgr, ops.SummaryInput{
		SessionID:     r.PathValue("id"),
		RequirementID: r.PathValue("req"),
	})
	h.respond(w, r, http.StatusOK, out, err)
}

// APIRollup handles GET /api/sessions/{id}/rollup.
func (h *Handlers) APIRollup(w http.ResponseWriter, r *http.Request) {
	out, err := ops.Rollup(r.Context(), h.mgr, ops.RollupInput{SessionID: r.PathValue("id")})
	h.respond(w, r, http.StatusOK, out, err)
}

// parseIntParam parses an optional integer query parameter.
func parseIntParam(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.NewInvalidRequest(name + " must be an integer")
	}
	return v, nil
}

// parseBoolParam parses a boolean query parameter.
func parseBoolParam(r *http.Request, name string) bool {
	s := r.URL.Query().Get(name)
	return s == "true" || s == "1"
}
