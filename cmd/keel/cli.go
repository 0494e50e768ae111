package main

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/hpungsan/keel/internal/anchor"
	"github.com/hpungsan/keel/internal/errors"
	"github.com/hpungsan/keel/internal/ops"
	"github.com/hpungsan/keel/internal/session"
	"github.com/hpungsan/keel/internal/verify"
	"github.com/hpungsan/keel/internal/web"
)

// maxStdinBytes caps piped input (page text, extraction runs).
const maxStdinBytes = 32 << 20

// newCLIApp creates the CLI application with all commands. d is nil when
// only help or version output is needed.
func newCLIApp(d *appDeps) *cli.App {
	app := &cli.App{
		Name:    "keel",
		Usage:   "Evidence anchoring, staleness tracking and verification",
		Version: Version,
		Commands: []*cli.Command{
			sessionCmd(d),
			documentCmd(d),
			requirementCmd(d),
			snippetCmd(d),
			evidenceCmd(d),
			resolveCmd(d),
			staleCmd(d),
			reportCmd(d),
			bumpCmd(d),
			deriveCmd(d),
			verifyCmd(d),
			webCmd(d),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

func sessionFlag() cli.Flag {
	return &cli.StringFlag{Name: "session", Aliases: []string{"s"}, EnvVars: []string{"KEEL_SESSION"}, Usage: "Session ID"}
}

// sessionCmd creates the session command group.
func sessionCmd(d *appDeps) *cli.Command {
	return &cli.Command{
		Name:  "session",
		Usage: "Create and inspect review sessions",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Start an empty review session",
				Action: func(c *cli.Context) error {
					output, err := ops.CreateSession(c.Context, d.mgr)
					return respond(c, output, err)
				},
			},
			{
				Name:      "show",
				Usage:     "Show documents, requirements, artifact versions and progress",
				ArgsUsage: "[id]",
				Flags:     []cli.Flag{sessionFlag()},
				Action: func(c *cli.Context) error {
					id := c.String("session")
					if c.NArg() > 0 {
						id = c.Args().First()
					}
					output, err := ops.ShowSession(c.Context, d.mgr, ops.ShowSessionInput{SessionID: id})
					return respond(c, output, err)
				},
			},
		},
	}
}

// documentCmd creates the document command group.
func documentCmd(d *appDeps) *cli.Command {
	return &cli.Command{
		Name:  "document",
		Usage: "Import documents and replace page renderings",
		Subcommands: []*cli.Command{
			{
				Name: "import",
				Usage: "Import a document (reads pages from stdin: a JSON array of pages, " +
					"or plain text with pages separated by form feeds)",
				Flags: []cli.Flag{
					sessionFlag(),
					&cli.StringFlag{Name: "id", Usage: "Document ID (default: generated)"},
					&cli.StringFlag{Name: "title", Aliases: []string{"t"}, Usage: "Document title"},
				},
				Action: func(c *cli.Context) error {
					data, err := requireStdin("pages")
					if err != nil {
						return outputError(err)
					}
					pages, err := parsePages(data)
					if err != nil {
						return outputError(err)
					}
					output, err := ops.ImportDocument(c.Context, d.mgr, ops.ImportDocumentInput{
						SessionID:  c.String("session"),
						DocumentID: c.String("id"),
						Title:      c.String("title"),
						Pages:      pages,
					})
					return respond(c, output, err)
				},
			},
			{
				Name:  "render",
				Usage: "Replace the rendering of one page (reads page text, or a JSON page with spans, from stdin)",
				Flags: []cli.Flag{
					sessionFlag(),
					&cli.StringFlag{Name: "document", Aliases: []string{"d"}, Usage: "Document ID"},
					&cli.IntFlag{Name: "page", Aliases: []string{"p"}, Usage: "Page number"},
				},
				Action: func(c *cli.Context) error {
					data, err := requireStdin("page text")
					if err != nil {
						return outputError(err)
					}
					page := ops.PageInput{Number: c.Int("page"), Text: data}
					if strings.HasPrefix(strings.TrimSpace(data), "{") {
						if err := decodeJSON(data, &page); err != nil {
							return outputError(err)
						}
						if c.IsSet("page") {
							page.Number = c.Int("page")
						}
					}
					output, err := ops.RenderPage(c.Context, d.mgr, ops.RenderPageInput{
						SessionID:  c.String("session"),
						DocumentID: c.String("document"),
						Page:       page,
					})
					return respond(c, output, err)
				},
			},
		},
	}
}

// requirementCmd creates the requirement command group.
func requirementCmd(d *appDeps) *cli.Command {
	return &cli.Command{
		Name:  "requirement",
		Usage: "Define the requirements evidence is checked against",
		Subcommands: []*cli.Command{
			{
				Name:  "define",
				Usage: "Add or update a requirement (or a JSON array of requirements from stdin)",
				Flags: []cli.Flag{
					sessionFlag(),
					&cli.StringFlag{Name: "id", Usage: "Requirement ID"},
					&cli.StringFlag{Name: "title", Aliases: []string{"t"}, Usage: "Requirement title"},
					&cli.StringFlag{Name: "category", Aliases: []string{"c"}, Usage: "Requirement category"},
				},
				Action: func(c *cli.Context) error {
					var reqs []ops.RequirementInput
					if c.IsSet("id") {
						reqs = []ops.RequirementInput{{
							ID:       c.String("id"),
							Title:    c.String("title"),
							Category: c.String("category"),
						}}
					} else {
						data, err := requireStdin("requirements")
						if err != nil {
							return outputError(err)
						}
						if err := decodeJSON(data, &reqs); err != nil {
							return outputError(err)
						}
					}
					output, err := ops.DefineRequirements(c.Context, d.mgr, ops.DefineRequirementsInput{
						SessionID:    c.String("session"),
						Requirements: reqs,
					})
					return respond(c, output, err)
				},
			},
		},
	}
}

// snippetCmd creates the snippet command group.
func snippetCmd(d *appDeps) *cli.Command {
	return &cli.Command{
		Name:  "snippet",
		Usage: "Place, link and list evidence snippets",
		Subcommands: []*cli.Command{
			snippetPlaceCmd(d),
			{
				Name:      "delete",
				Usage:     "Delete a snippet and its verification records",
				ArgsUsage: "<snippet>",
				Flags:     []cli.Flag{sessionFlag()},
				Action: func(c *cli.Context) error {
					output, err := ops.DeleteSnippet(c.Context, d.mgr, ops.DeleteSnippetInput{
						SessionID: c.String("session"),
						SnippetID: c.Args().First(),
					})
					return respond(c, output, err)
				},
			},
			{
				Name:      "link",
				Usage:     "Link a snippet to a requirement",
				ArgsUsage: "<snippet> <requirement>",
				Flags:     []cli.Flag{sessionFlag()},
				Action: func(c *cli.Context) error {
					output, err := ops.LinkSnippet(c.Context, d.mgr, ops.LinkSnippetInput{
						SessionID:     c.String("session"),
						SnippetID:     c.Args().Get(0),
						RequirementID: c.Args().Get(1),
					})
					return respond(c, output, err)
				},
			},
			{
				Name:      "unlink",
				Usage:     "Unlink a snippet from one requirement, or from all of them",
				ArgsUsage: "<snippet> [requirement]",
				Flags:     []cli.Flag{sessionFlag()},
				Action: func(c *cli.Context) error {
					input := ops.UnlinkSnippetInput{
						SessionID: c.String("session"),
						SnippetID: c.Args().Get(0),
					}
					if c.NArg() > 1 {
						req := c.Args().Get(1)
						input.RequirementID = &req
					}
					output, err := ops.UnlinkSnippet(c.Context, d.mgr, input)
					return respond(c, output, err)
				},
			},
			{
				Name:      "reassign",
				Usage:     "Move a snippet's link to another requirement",
				ArgsUsage: "<snippet>",
				Flags: []cli.Flag{
					sessionFlag(),
					&cli.StringFlag{Name: "from", Usage: "Current requirement"},
					&cli.StringFlag{Name: "to", Usage: "New requirement"},
				},
				Action: func(c *cli.Context) error {
					output, err := ops.ReassignSnippet(c.Context, d.mgr, ops.ReassignSnippetInput{
						SessionID: c.String("session"),
						SnippetID: c.Args().First(),
						From:      c.String("from"),
						To:        c.String("to"),
					})
					return respond(c, output, err)
				},
			},
			{
				Name:  "list",
				Usage: "List snippets",
				Flags: []cli.Flag{
					sessionFlag(),
					&cli.StringFlag{Name: "document", Aliases: []string{"d"}, Usage: "Filter by document"},
					&cli.StringFlag{Name: "requirement", Aliases: []string{"r"}, Usage: "Filter by linked requirement"},
					&cli.StringFlag{Name: "method", Aliases: []string{"m"}, Usage: "Filter by method: machine|human"},
					&cli.IntFlag{Name: "page", Aliases: []string{"p"}, Usage: "Filter by page"},
					&cli.BoolFlag{Name: "unlinked", Usage: "Only snippets linked to no requirement"},
					&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: 20, Usage: "Maximum items to return"},
					&cli.IntFlag{Name: "offset", Aliases: []string{"o"}, Value: 0, Usage: "Items to skip"},
				},
				Action: func(c *cli.Context) error {
					output, err := ops.ListSnippets(c.Context, d.mgr, ops.ListSnippetsInput{
						SessionID:     c.String("session"),
						DocumentID:    c.String("document"),
						RequirementID: c.String("requirement"),
						Method:        c.String("method"),
						Page:          c.Int("page"),
						Unlinked:      c.Bool("unlinked"),
						Limit:         c.Int("limit"),
						Offset:        c.Int("offset"),
					})
					return respond(c, output, err)
				},
			},
		},
	}
}

// snippetPlaceCmd creates the snippet place command.
func snippetPlaceCmd(d *appDeps) *cli.Command {
	return &cli.Command{
		Name:  "place",
		Usage: "Place a reviewer snippet on a page",
		Flags: []cli.Flag{
			sessionFlag(),
			&cli.StringFlag{Name: "id", Usage: "Snippet ID (default: generated)"},
			&cli.StringFlag{Name: "document", Aliases: []string{"d"}, Usage: "Document ID"},
			&cli.IntFlag{Name: "page", Aliases: []string{"p"}, Usage: "Page number"},
			&cli.StringFlag{Name: "text", Usage: "Snippet text as it appears on the page"},
			&cli.StringSliceFlag{Name: "rect", Usage: "Region rectangle x,y,w,h (repeatable)"},
			&cli.StringSliceFlag{Name: "requirement", Aliases: []string{"r"}, Usage: "Requirement to link (repeatable)"},
			&cli.StringFlag{Name: "placed-by", EnvVars: []string{"KEEL_REVIEWER"}, Usage: "Reviewer placing the snippet"},
			&cli.StringFlag{Name: "note", Usage: "Free-text note"},
		},
		Action: func(c *cli.Context) error {
			input := ops.PlaceSnippetInput{
				SessionID:      c.String("session"),
				SnippetID:      c.String("id"),
				DocumentID:     c.String("document"),
				Page:           c.Int("page"),
				Text:           c.String("text"),
				RequirementIDs: c.StringSlice("requirement"),
				PlacedBy:       c.String("placed-by"),
				Note:           c.String("note"),
			}
			if rects := c.StringSlice("rect"); len(rects) > 0 {
				region := &anchor.Region{Page: input.Page}
				for _, s := range rects {
					r, err := parseRect(s)
					if err != nil {
						return outputError(errors.NewInvalidRequest(err.Error()))
					}
					region.Rects = append(region.Rects, r)
				}
				input.Region = region
			}
			output, err := ops.PlaceSnippet(c.Context, d.mgr, input)
			return respond(c, output, err)
		},
	}
}

// evidenceCmd creates the evidence command group.
func evidenceCmd(d *appDeps) *cli.Command {
	return &cli.Command{
		Name:  "evidence",
		Usage: "Manage machine-extracted evidence",
		Subcommands: []*cli.Command{
			{
				Name:  "replace",
				Usage: "Replace every machine snippet with an extraction run (reads a JSON array of snippets from stdin)",
				Flags: []cli.Flag{
					sessionFlag(),
					&cli.StringFlag{Name: "run", Usage: "Extraction run ID"},
					&cli.StringFlag{Name: "model", Usage: "Extraction model"},
					&cli.Uint64Flag{Name: "derived-from", Usage: "Mappings version the run used"},
				},
				Action: func(c *cli.Context) error {
					data, err := requireStdin("snippets")
					if err != nil {
						return outputError(err)
					}
					input := ops.ReplaceEvidenceInput{
						SessionID: c.String("session"),
						RunID:     c.String("run"),
						Model:     c.String("model"),
					}
					if err := decodeJSON(data, &input.Snippets); err != nil {
						return outputError(err)
					}
					if c.IsSet("derived-from") {
						v := c.Uint64("derived-from")
						input.DerivedFrom = &v
					}
					output, err := ops.ReplaceEvidence(c.Context, d.mgr, input)
					return respond(c, output, err)
				},
			},
		},
	}
}

// resolveCmd creates the resolve command.
func resolveCmd(d *appDeps) *cli.Command {
	return &cli.Command{
		Name:      "resolve",
		Usage:     "Locate a snippet on the current rendering of its page",
		ArgsUsage: "<snippet>",
		Flags:     []cli.Flag{sessionFlag()},
		Action: func(c *cli.Context) error {
			output, err := ops.ResolveSnippet(c.Context, d.mgr, ops.ResolveSnippetInput{
				SessionID: c.String("session"),
				SnippetID: c.Args().First(),
			})
			return respond(c, output, err)
		},
	}
}

// staleCmd creates the stale command.
func staleCmd(d *appDeps) *cli.Command {
	return &cli.Command{
		Name:      "stale",
		Usage:     "Report whether an artifact is stale",
		ArgsUsage: "<kind>",
		Flags:     []cli.Flag{sessionFlag()},
		Action: func(c *cli.Context) error {
			output, err := ops.IsStale(c.Context, d.mgr, ops.IsStaleInput{
				SessionID: c.String("session"),
				Kind:      c.Args().First(),
			})
			return respond(c, output, err)
		},
	}
}

// reportCmd creates the report command.
func reportCmd(d *appDeps) *cli.Command {
	return &cli.Command{
		Name:  "report",
		Usage: "Report the version and staleness of every artifact",
		Flags: []cli.Flag{sessionFlag()},
		Action: func(c *cli.Context) error {
			output, err := ops.StalenessReport(c.Context, d.mgr, ops.StalenessReportInput{
				SessionID: c.String("session"),
			})
			return respond(c, output, err)
		},
	}
}

// bumpCmd creates the bump command.
func bumpCmd(d *appDeps) *cli.Command {
	return &cli.Command{
		Name:      "bump",
		Usage:     "Record that an artifact was regenerated",
		ArgsUsage: "<kind>",
		Flags:     []cli.Flag{sessionFlag()},
		Action: func(c *cli.Context) error {
			output, err := ops.Bump(c.Context, d.mgr, ops.BumpInput{
				SessionID: c.String("session"),
				Kind:      c.Args().First(),
			})
			return respond(c, output, err)
		},
	}
}

// deriveCmd creates the derive command.
func deriveCmd(d *appDeps) *cli.Command {
	return &cli.Command{
		Name:      "derive",
		Usage:     "Record which upstream version an artifact was built from",
		ArgsUsage: "<kind>",
		Flags: []cli.Flag{
			sessionFlag(),
			&cli.Uint64Flag{Name: "version", Usage: "Upstream version"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.MarkDerived(c.Context, d.mgr, ops.MarkDerivedInput{
				SessionID: c.String("session"),
				Kind:      c.Args().First(),
				Version:   c.Uint64("version"),
			})
			return respond(c, output, err)
		},
	}
}

// verifyCmd creates the verify command group.
func verifyCmd(d *appDeps) *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Record and summarize reviewer decisions",
		Subcommands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "Set the status of a snippet/requirement pair",
				ArgsUsage: "<snippet> <requirement>",
				Flags: []cli.Flag{
					sessionFlag(),
					&cli.StringFlag{Name: "status", Usage: "unverified|verified|rejected|partial|needs_context"},
					&cli.StringFlag{Name: "notes", Usage: "Reviewer notes (markdown)"},
					&cli.StringFlag{Name: "reviewer", EnvVars: []string{"KEEL_REVIEWER"}, Usage: "Reviewer name"},
				},
				Action: func(c *cli.Context) error {
					status, err := verify.ParseStatus(c.String("status"))
					if err != nil {
						return outputError(errors.NewInvalidRequest(err.Error()))
					}
					input := ops.SetStatusInput{
						SessionID:     c.String("session"),
						SnippetID:     c.Args().Get(0),
						RequirementID: c.Args().Get(1),
						Status:        string(status),
						Reviewer:      c.String("reviewer"),
					}
					if c.IsSet("notes") {
						notes := c.String("notes")
						input.Notes = &notes
					}
					output, err := ops.SetStatus(c.Context, d.mgr, input)
					return respond(c, output, err)
				},
			},
			{
				Name:      "bulk",
				Usage:     "Mark pairs verified",
				ArgsUsage: "<snippet:requirement>...",
				Flags: []cli.Flag{
					sessionFlag(),
					&cli.StringFlag{Name: "reviewer", EnvVars: []string{"KEEL_REVIEWER"}, Usage: "Reviewer name"},
				},
				Action: func(c *cli.Context) error {
					input := ops.BulkVerifyInput{
						SessionID: c.String("session"),
						Reviewer:  c.String("reviewer"),
					}
					for _, arg := range c.Args().Slice() {
						key, err := session.ParseKey(arg)
						if err != nil {
							return outputError(err)
						}
						input.Pairs = append(input.Pairs, ops.PairInput{
							SnippetID:     string(key.SnippetID),
							RequirementID: string(key.RequirementID),
						})
					}
					output, err := ops.BulkVerify(c.Context, d.mgr, input)
					return respond(c, output, err)
				},
			},
			{
				Name:      "summary",
				Usage:     "Summarize decisions for one requirement",
				ArgsUsage: "<requirement>",
				Flags:     []cli.Flag{sessionFlag()},
				Action: func(c *cli.Context) error {
					output, err := ops.Summary(c.Context, d.mgr, ops.SummaryInput{
						SessionID:     c.String("session"),
						RequirementID: c.Args().First(),
					})
					return respond(c, output, err)
				},
			},
			{
				Name:  "rollup",
				Usage: "Summarize decisions for every requirement",
				Flags: []cli.Flag{sessionFlag()},
				Action: func(c *cli.Context) error {
					output, err := ops.Rollup(c.Context, d.mgr, ops.RollupInput{SessionID: c.String("session")})
					return respond(c, output, err)
				},
			},
		},
	}
}

// webCmd creates the web command.
func webCmd(d *appDeps) *cli.Command {
	return &cli.Command{
		Name:  "web",
		Usage: "Serve the review UI, JSON API and metrics",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Value: "127.0.0.1", Usage: "Address to bind"},
			&cli.IntFlag{Name: "port", Value: 8787, Usage: "Port to listen on"},
		},
		Action: func(c *cli.Context) error {
			srv := web.NewServer(d.mgr, web.Options{
				Version:  Version,
				Bind:     c.String("bind"),
				Port:     c.Int("port"),
				Logger:   d.log,
				Gatherer: d.registry,
				Sessions: d.store,
			})
			return web.Run(srv, d.log)
		},
	}
}

// Helper functions

// respond writes output as JSON, or formats err.
func respond(c *cli.Context, output any, err error) error {
	if err != nil {
		return outputError(err)
	}
	return outputJSON(c.App.Writer, output)
}

// outputJSON marshals result to w as JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	var kErr *errors.KeelError
	if stderrors.As(err, &kErr) {
		return cli.Exit(fmt.Sprintf("[%s] %s", kErr.Code, kErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// readStdin reads at most limit bytes from stdin.
func readStdin(limit int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(os.Stdin, limit+1))
	if err != nil {
		return "", err
	}
	if int64(len(data)) > limit {
		return "", fmt.Errorf("input exceeds %d bytes", limit)
	}
	return string(data), nil
}

// requireStdin reads piped stdin, failing when nothing is piped.
func requireStdin(what string) (string, error) {
	if !stdinHasData() {
		return "", errors.NewInvalidRequest(what + " must be piped via stdin")
	}
	data, err := readStdin(maxStdinBytes)
	if err != nil {
		return "", errors.NewInvalidRequest(err.Error())
	}
	if strings.TrimSpace(data) == "" {
		return "", errors.NewInvalidRequest(what + " is required")
	}
	return data, nil
}

// decodeJSON strictly decodes piped JSON.
func decodeJSON(data string, dst any) error {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.NewInvalidRequest(fmt.Sprintf("invalid JSON input: %v", err))
	}
	return nil
}

// parsePages reads either a JSON array of pages or plain text with pages
// separated by form feeds. Plain-text pages are numbered from 1.
func parsePages(data string) ([]ops.PageInput, error) {
	if strings.HasPrefix(strings.TrimSpace(data), "[") {
		var pages []ops.PageInput
		if err := decodeJSON(data, &pages); err != nil {
			return nil, err
		}
		return pages, nil
	}
	parts := bytes.Split([]byte(data), []byte{'\f'})
	// A trailing form feed ends the last page rather than starting a new one.
	if len(parts) > 1 && len(bytes.TrimSpace(parts[len(parts)-1])) == 0 {
		parts = parts[:len(parts)-1]
	}
	pages := make([]ops.PageInput, 0, len(parts))
	for i, p := range parts {
		pages = append(pages, ops.PageInput{Number: i + 1, Text: strings.TrimRight(string(p), "\n")})
	}
	return pages, nil
}

// parseRect parses "x,y,w,h".
func parseRect(s string) (anchor.Rect, error) {
	fields := strings.Split(s, ",")
	if len(fields) != 4 {
		return anchor.Rect{}, fmt.Errorf("rect must be x,y,w,h, got %q", s)
	}
	var v [4]float64
	for i, f := range fields {
		n, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return anchor.Rect{}, fmt.Errorf("rect must be x,y,w,h, got %q", s)
		}
		v[i] = n
	}
	return anchor.Rect{X: v[0], Y: v[1], W: v[2], H: v[3]}, nil
}
