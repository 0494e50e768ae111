package mcp

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"

	"github.com/hpungsan/keel/internal/errors"
	"github.com/hpungsan/keel/internal/logger"
	"github.com/hpungsan/keel/internal/ops"
	"github.com/hpungsan/keel/internal/session"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	mgr *session.Manager
	log zerolog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(mgr *session.Manager, log zerolog.Logger) *Handlers {
	return &Handlers{mgr: mgr, log: logger.Component(log, "mcp")}
}

// call decodes the request arguments into the operation's input and runs it.
func call[I, O any](ctx context.Context, h *Handlers, tool string, req mcp.CallToolRequest, op func(context.Context, *session.Manager, I) (O, error)) (*mcp.CallToolResult, error) {
	input, err := decode[I](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	out, err := op(ctx, h.mgr, input)
	if err != nil {
		h.logFailure(tool, err)
		return errorResult(err), nil
	}
	return successResult(out)
}

func (h *Handlers) logFailure(tool string, err error) {
	switch errors.As(err).Code {
	case errors.ErrInternal, errors.ErrStorageFailure:
		h.log.Error().Err(err).Str("tool", tool).Msg("tool failed")
	default:
		h.log.Debug().Err(err).Str("tool", tool).Msg("tool rejected request")
	}
}

// HandleSessionCreate handles the session_create tool call.
func (h *Handlers) HandleSessionCreate(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out, err := ops.CreateSession(ctx, h.mgr)
	if err != nil {
		h.logFailure("session_create", err)
		return errorResult(err), nil
	}
	return successResult(out)
}

// HandleSessionShow handles the session_show tool call.
func (h *Handlers) HandleSessionShow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return call(ctx, h, "session_show", req, ops.ShowSession)
}

// HandleDocumentImport handles the document_import tool call.
func (h *Handlers) HandleDocumentImport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return call(ctx, h, "document_import", req, ops.ImportDocument)
}

// HandleDocumentRender handles the document_render tool call.
func (h *Handlers) HandleDocumentRender(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return call(ctx, h, "document_render", req, ops.RenderPage)
}

// HandleRequirementDefine handles the requirement_define tool call.
func (h *Handlers) HandleRequirementDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return call(ctx, h, "requirement_define", req, ops.DefineRequirements)
}

// HandleSnippetPlace handles the snippet_place tool call.
func (h *Handlers) HandleSnippetPlace(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return call(ctx, h, "snippet_place", req, ops.PlaceSnippet)
}

// HandleSnippetDelete handles the snippet_delete tool call.
func (h *Handlers) HandleSnippetDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return call(ctx, h, "snippet_delete", req, ops.DeleteSnippet)
}

// HandleSnippetLink handles the snippet_link tool call.
func (h *Handlers) HandleSnippetLink(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return call(ctx, h, "snippet_link", req, ops.LinkSnippet)
}

// HandleSnippetUnlink handles the snippet_unlink tool call.
func (h *Handlers) HandleSnippetUnlink(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return call(ctx, h, "snippet_unlink", req, ops.UnlinkSnippet)
}

// HandleSnippetReassign handles the snippet_reassign tool call.
func (h *Handlers) HandleSnippetReassign(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return call(ctx, h, "snippet_reassign", req, ops.ReassignSnippet)
}

// HandleSnippetList handles the snippet_list tool call.
func (h *Handlers) HandleSnippetList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return call(ctx, h, "snippet_list", req, ops.ListSnippets)
}

// HandleSnippetResolve handles the snippet_resolve tool call.
func (h *Handlers) HandleSnippetResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return call(ctx, h, "snippet_resolve", req, ops.ResolveSnippet)
}

// HandleEvidenceReplace handles the evidence_replace tool call.
func (h *Handlers) HandleEvidenceReplace(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return call(ctx, h, "evidence_replace", req, ops.ReplaceEvidence)
}

// HandleArtifactBump handles the artifact_bump tool call.
func (h *Handlers) HandleArtifactBump(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return call(ctx, h, "artifact_bump", req, ops.Bump)
}

// HandleArtifactMarkDerived handles the artifact_mark_derived tool call.
func (h *Handlers) HandleArtifactMarkDerived(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return call(ctx, h, "artifact_mark_derived", req, ops.MarkDerived)
}

// HandleArtifactIsStale handles the artifact_is_stale tool call.
func (h *Handlers) HandleArtifactIsStale(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return call(ctx, h, "artifact_is_stale", req, ops.IsStale)
}

// HandleArtifactReport handles the artifact_report tool call.
func (h *Handlers) HandleArtifactReport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return call(ctx, h, "artifact_report", req, ops.StalenessReport)
}

// HandleVerifySet handles the verify_set tool call.
func (h *Handlers) HandleVerifySet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return call(ctx, h, "verify_set", req, ops.SetStatus)
}

// HandleVerifyBulk handles the verify_bulk tool call. Per-pair failures are
// part of a successful result.
func (h *Handlers) HandleVerifyBulk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return call(ctx, h, "verify_bulk", req, ops.BulkVerify)
}

// HandleVerifySummary handles the verify_summary tool call.
func (h *Handlers) HandleVerifySummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return call(ctx, h, "verify_summary", req, ops.Summary)
}

// HandleVerifyRollup handles the verify_rollup tool call.
func (h *Handlers) HandleVerifyRollup(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return call(ctx, h, "verify_rollup", req, ops.Rollup)
}

// Result helpers

// errorResult creates an MCP error result from any error.
// Uses IsError: true so MCP clients recognize failures properly.
// Note: Internal error details are not exposed to prevent leaking sensitive info.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	var kErr *errors.KeelError
	if stderrors.As(err, &kErr) {
		message := kErr.Message
		// Keep any context a caller wrapped around the coded error.
		if outer := err.Error(); outer != kErr.Error() {
			message = strings.TrimSuffix(outer, kErr.Error()) + kErr.Message
		}
		errorObj := map[string]any{
			"code":    kErr.Code,
			"message": message,
			"status":  kErr.Status,
		}
		// Only include details for non-internal errors to avoid leaking
		// sensitive info like file paths or SQL errors
		if kErr.Code != errors.ErrInternal && kErr.Details != nil {
			errorObj["details"] = kErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    errors.ErrInternal,
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
