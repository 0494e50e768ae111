package mcp

import "github.com/mark3labs/mcp-go/mcp"

var kindNames = []string{"documents", "mappings", "evidence", "validation", "report"}

var statusNames = []string{"unverified", "verified", "rejected", "partial", "needs_context"}

func sessionParam() mcp.ToolOption {
	return mcp.WithString("session_id", mcp.Required(), mcp.Description("Review session id"))
}

var regionSchema = map[string]any{
	"type":        "object",
	"description": "Bounding boxes of the snippet on its page, in page coordinates",
	"properties": map[string]any{
		"page": map[string]any{"type": "integer"},
		"rects": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"x": map[string]any{"type": "number"},
					"y": map[string]any{"type": "number"},
					"w": map[string]any{"type": "number"},
					"h": map[string]any{"type": "number"},
				},
			},
		},
	},
}

var pageSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"number": map[string]any{"type": "integer", "minimum": 1},
		"text":   map[string]any{"type": "string"},
		"spans": map[string]any{
			"type":        "array",
			"description": "Per-character boxes; omitted spans are laid out on a monospace grid",
			"items":       map[string]any{"type": "object"},
		},
	},
	"required": []string{"number", "text"},
}

var sessionCreateToolDef = mcp.NewTool("session_create",
	mcp.WithDescription("Start an empty review session and return its id."),
)

var sessionShowToolDef = mcp.NewTool("session_show",
	mcp.WithDescription("Overview of a session: documents, requirements, snippet counts, artifact staleness and verification rollup."),
	mcp.WithReadOnlyHintAnnotation(true),
	sessionParam(),
)

var documentImportToolDef = mcp.NewTool("document_import",
	mcp.WithDescription("Register a document and the text of its pages (numbered 1..n). Bumps the documents version."),
	sessionParam(),
	mcp.WithString("document_id", mcp.Description("Document id (default: generated)")),
	mcp.WithString("title", mcp.Required(), mcp.Description("Document title")),
	mcp.WithArray("pages", mcp.Required(), mcp.Description("Rendered pages"), mcp.Items(pageSchema)),
)

var documentRenderToolDef = mcp.NewTool("document_render",
	mcp.WithDescription("Replace the rendering of one page (after reflow or OCR). Snippets heal on their next resolve."),
	sessionParam(),
	mcp.WithString("document_id", mcp.Required()),
	mcp.WithObject("page", mcp.Required(), mcp.Properties(pageSchema["properties"].(map[string]any))),
)

var requirementDefineToolDef = mcp.NewTool("requirement_define",
	mcp.WithDescription("Add requirements or update their title and category."),
	sessionParam(),
	mcp.WithArray("requirements", mcp.Required(), mcp.Items(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":       map[string]any{"type": "string"},
			"category": map[string]any{"type": "string"},
			"title":    map[string]any{"type": "string"},
		},
		"required": []string{"id", "title"},
	})),
)

var snippetPlaceToolDef = mcp.NewTool("snippet_place",
	mcp.WithDescription("Place a reviewer snippet on a page, optionally linked to requirements. Unlinked snippets land on the scratchpad."),
	sessionParam(),
	mcp.WithString("snippet_id", mcp.Description("Snippet id (default: generated)")),
	mcp.WithString("document_id", mcp.Required()),
	mcp.WithNumber("page", mcp.Required(), mcp.Min(1)),
	mcp.WithString("text", mcp.Required(), mcp.Description("Quoted text of the snippet")),
	mcp.WithObject("region", mcp.Properties(regionSchema["properties"].(map[string]any))),
	mcp.WithArray("requirement_ids", mcp.WithStringItems()),
	mcp.WithString("placed_by", mcp.Required(), mcp.Description("Reviewer name")),
	mcp.WithString("note", mcp.Description("Reviewer note (Markdown)")),
)

var snippetDeleteToolDef = mcp.NewTool("snippet_delete",
	mcp.WithDescription("Delete a snippet and its verification records. Bumps the evidence version."),
	mcp.WithDestructiveHintAnnotation(true),
	sessionParam(),
	mcp.WithString("snippet_id", mcp.Required()),
)

var snippetLinkToolDef = mcp.NewTool("snippet_link",
	mcp.WithDescription("Link a snippet to a requirement."),
	sessionParam(),
	mcp.WithString("snippet_id", mcp.Required()),
	mcp.WithString("requirement_id", mcp.Required()),
)

var snippetUnlinkToolDef = mcp.NewTool("snippet_unlink",
	mcp.WithDescription("Remove one link of a snippet, or all links when requirement_id is omitted. Decisions on removed links are dropped."),
	sessionParam(),
	mcp.WithString("snippet_id", mcp.Required()),
	mcp.WithString("requirement_id"),
)

var snippetReassignToolDef = mcp.NewTool("snippet_reassign",
	mcp.WithDescription("Move a snippet's link from one requirement to another. The old decision does not carry over."),
	sessionParam(),
	mcp.WithString("snippet_id", mcp.Required()),
	mcp.WithString("from", mcp.Required()),
	mcp.WithString("to", mcp.Required()),
)

var snippetListToolDef = mcp.NewTool("snippet_list",
	mcp.WithDescription("List snippets ordered by document, page and id."),
	mcp.WithReadOnlyHintAnnotation(true),
	sessionParam(),
	mcp.WithString("document_id"),
	mcp.WithString("requirement_id"),
	mcp.WithString("method", mcp.Enum("machine", "human")),
	mcp.WithNumber("page"),
	mcp.WithBoolean("unlinked", mcp.Description("Scratchpad snippets only")),
	mcp.WithNumber("limit", mcp.Description("Default 100, max 500")),
	mcp.WithNumber("offset"),
)

var snippetResolveToolDef = mcp.NewTool("snippet_resolve",
	mcp.WithDescription("Locate a snippet on the current rendering of its page. Confidence is exact, recovered (location persisted) or page_only."),
	sessionParam(),
	mcp.WithString("snippet_id", mcp.Required()),
)

var evidenceReplaceToolDef = mcp.NewTool("evidence_replace",
	mcp.WithDescription("Replace the machine evidence set with the output of an extraction run. Reviewer snippets are untouched."),
	sessionParam(),
	mcp.WithString("run_id", mcp.Required()),
	mcp.WithString("model"),
	mcp.WithNumber("derived_from", mcp.Description("Mappings version the run started from")),
	mcp.WithArray("snippets", mcp.Required(), mcp.Items(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":              map[string]any{"type": "string"},
			"document_id":     map[string]any{"type": "string"},
			"page":            map[string]any{"type": "integer", "minimum": 1},
			"text":            map[string]any{"type": "string"},
			"region":          regionSchema,
			"score":           map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			"requirement_ids": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []string{"document_id", "page", "text"},
	})),
)

var artifactBumpToolDef = mcp.NewTool("artifact_bump",
	mcp.WithDescription("Record that an artifact was regenerated."),
	sessionParam(),
	mcp.WithString("kind", mcp.Required(), mcp.Enum(kindNames...)),
)

var artifactMarkDerivedToolDef = mcp.NewTool("artifact_mark_derived",
	mcp.WithDescription("Record the upstream version an artifact was built from. Older versions never overwrite newer ones."),
	sessionParam(),
	mcp.WithString("kind", mcp.Required(), mcp.Enum(kindNames[1:]...)),
	mcp.WithNumber("version", mcp.Required(), mcp.Min(0)),
)

var artifactIsStaleToolDef = mcp.NewTool("artifact_is_stale",
	mcp.WithDescription("Whether an artifact, or anything upstream of it, is out of date."),
	mcp.WithReadOnlyHintAnnotation(true),
	sessionParam(),
	mcp.WithString("kind", mcp.Required(), mcp.Enum(kindNames...)),
)

var artifactReportToolDef = mcp.NewTool("artifact_report",
	mcp.WithDescription("Version state and staleness of every artifact."),
	mcp.WithReadOnlyHintAnnotation(true),
	sessionParam(),
)

var verifySetToolDef = mcp.NewTool("verify_set",
	mcp.WithDescription("Record a decision on a linked snippet/requirement pair. Decisions can be changed at any time."),
	sessionParam(),
	mcp.WithString("snippet_id", mcp.Required()),
	mcp.WithString("requirement_id", mcp.Required()),
	mcp.WithString("status", mcp.Required(), mcp.Enum(statusNames...)),
	mcp.WithString("notes", mcp.Description("Omit to keep earlier notes")),
	mcp.WithString("reviewer"),
)

var verifyBulkToolDef = mcp.NewTool("verify_bulk",
	mcp.WithDescription("Mark many pairs verified. Each pair is applied on its own; failures are reported per pair."),
	sessionParam(),
	mcp.WithArray("pairs", mcp.Required(), mcp.Items(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"snippet_id":     map[string]any{"type": "string"},
			"requirement_id": map[string]any{"type": "string"},
		},
		"required": []string{"snippet_id", "requirement_id"},
	})),
	mcp.WithString("reviewer"),
)

var verifySummaryToolDef = mcp.NewTool("verify_summary",
	mcp.WithDescription("Decision counts and progress for one requirement."),
	mcp.WithReadOnlyHintAnnotation(true),
	sessionParam(),
	mcp.WithString("requirement_id", mcp.Required()),
)

var verifyRollupToolDef = mcp.NewTool("verify_rollup",
	mcp.WithDescription("Verification progress per requirement and for the whole session."),
	mcp.WithReadOnlyHintAnnotation(true),
	sessionParam(),
)
