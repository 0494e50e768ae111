package mcp

import (
	"context"
	"slices"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/hpungsan/keel/internal/config"
	"github.com/hpungsan/keel/internal/session"
)

// KnownTypes lists all valid type names.
var KnownTypes = []string{"session", "document", "requirement", "snippet", "evidence", "artifact", "verify"}

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"session_create": {
		def:     sessionCreateToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSessionCreate },
	},
	"session_show": {
		def:     sessionShowToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSessionShow },
	},
	"document_import": {
		def:     documentImportToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleDocumentImport },
	},
	"document_render": {
		def:     documentRenderToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleDocumentRender },
	},
	"requirement_define": {
		def:     requirementDefineToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleRequirementDefine },
	},
	"snippet_place": {
		def:     snippetPlaceToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSnippetPlace },
	},
	"snippet_delete": {
		def:     snippetDeleteToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSnippetDelete },
	},
	"snippet_link": {
		def:     snippetLinkToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSnippetLink },
	},
	"snippet_unlink": {
		def:     snippetUnlinkToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSnippetUnlink },
	},
	"snippet_reassign": {
		def:     snippetReassignToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSnippetReassign },
	},
	"snippet_list": {
		def:     snippetListToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSnippetList },
	},
	"snippet_resolve": {
		def:     snippetResolveToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSnippetResolve },
	},
	"evidence_replace": {
		def:     evidenceReplaceToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleEvidenceReplace },
	},
	"artifact_bump": {
		def:     artifactBumpToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleArtifactBump },
	},
	"artifact_mark_derived": {
		def:     artifactMarkDerivedToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleArtifactMarkDerived },
	},
	"artifact_is_stale": {
		def:     artifactIsStaleToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleArtifactIsStale },
	},
	"artifact_report": {
		def:     artifactReportToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleArtifactReport },
	},
	"verify_set": {
		def:     verifySetToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleVerifySet },
	},
	"verify_bulk": {
		def:     verifyBulkToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleVerifyBulk },
	},
	"verify_summary": {
		def:     verifySummaryToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleVerifySummary },
	},
	"verify_rollup": {
		def:     verifyRollupToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleVerifyRollup },
	},
}

// AllToolNames returns a sorted list of all valid tool names.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ValidateDisabledTools returns a list of unknown tool names from the given list.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// ValidateDisabledTypes returns a list of unknown type names from the given list.
func ValidateDisabledTypes(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if !slices.Contains(KnownTypes, name) {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// GetTypeForTool extracts the type name from a tool name.
// Tool names follow the pattern "type_action" (e.g., "snippet_place" → "snippet").
func GetTypeForTool(toolName string) string {
	if idx := strings.Index(toolName, "_"); idx > 0 {
		return toolName[:idx]
	}
	return ""
}

// ExpandTypesToTools returns all tool names belonging to the given types.
func ExpandTypesToTools(types []string) []string {
	if len(types) == 0 {
		return nil
	}
	tools := make([]string, 0)
	for name := range toolRegistry {
		if slices.Contains(types, GetTypeForTool(name)) {
			tools = append(tools, name)
		}
	}
	return tools
}

// NewServer creates a new MCP server with Keel tools registered.
// Tools listed in cfg.DisabledTools or belonging to cfg.DisabledTypes
// are excluded from registration.
func NewServer(mgr *session.Manager, cfg *config.Config, log zerolog.Logger, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"keel",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	h := NewHandlers(mgr, log)

	if unknown := ValidateDisabledTools(cfg.DisabledTools); len(unknown) > 0 {
		log.Warn().Strs("tools", unknown).Msg("unknown tools in disabled_tools")
	}
	if unknown := ValidateDisabledTypes(cfg.DisabledTypes); len(unknown) > 0 {
		log.Warn().Strs("types", unknown).Msg("unknown types in disabled_types")
	}

	// Build set of disabled tools: first expand types, then add individual tools
	disabled := make(map[string]bool)
	for _, tool := range ExpandTypesToTools(cfg.DisabledTypes) {
		disabled[tool] = true
	}
	for _, name := range cfg.DisabledTools {
		disabled[name] = true
	}

	for name, entry := range toolRegistry {
		if disabled[name] {
			continue
		}
		s.AddTool(entry.def, entry.handler(h))
	}

	return s
}

// Run starts the MCP server using stdio transport.
func Run(mgr *session.Manager, cfg *config.Config, log zerolog.Logger, version string) error {
	s := NewServer(mgr, cfg, log, version)
	return server.ServeStdio(s)
}

// ToolHandlerFunc is the signature for tool handlers.
type ToolHandlerFunc func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
