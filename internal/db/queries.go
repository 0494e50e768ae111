package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hpungsan/keel/internal/anchor"
	"github.com/hpungsan/keel/internal/artifact"
	"github.com/hpungsan/keel/internal/errors"
	"github.com/hpungsan/keel/internal/review"
	"github.com/hpungsan/keel/internal/session"
	"github.com/hpungsan/keel/internal/verify"
)

// Store persists session state and page text in SQLite.
type Store struct {
	db *sql.DB
}

var (
	_ session.Store     = (*Store)(nil)
	_ session.TextIndex = (*Store)(nil)
)

// NewStore wraps an initialized database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// snippetMeta is the method-specific payload stored in meta_json.
type snippetMeta struct {
	Machine *review.MachineInfo `json:"machine,omitempty"`
	Human   *review.HumanInfo   `json:"human,omitempty"`
}

// Save replaces everything stored for the session in one transaction.
func (s *Store) Save(ctx context.Context, st *session.State) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`, string(st.ID), st.CreatedAt, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	for _, table := range []string{"documents", "requirements", "snippets", "verification_records", "artifact_versions"} {
		if _, err = tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE session_id = ?", string(st.ID)); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for _, d := range st.DocumentList() {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (session_id, id, title, page_count, created_at) VALUES (?, ?, ?, ?, ?)
		`, string(st.ID), string(d.ID), d.Title, d.PageCount, d.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert document %s: %w", d.ID, err)
		}
	}

	for _, r := range st.RequirementList() {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO requirements (session_id, id, category, title) VALUES (?, ?, ?, ?)
		`, string(st.ID), string(r.ID), r.Category, r.Title)
		if err != nil {
			return fmt.Errorf("insert requirement %s: %w", r.ID, err)
		}
	}

	for _, sn := range st.AllSnippets() {
		if err = insertSnippet(ctx, tx, st.ID, sn); err != nil {
			return err
		}
	}

	for _, rec := range st.Verification.Records() {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO verification_records (session_id, snippet_id, requirement_id, status, notes, reviewer, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, string(st.ID), string(rec.SnippetID), string(rec.RequirementID), string(rec.Status), nullIfEmpty(rec.Notes), nullIfEmpty(rec.Reviewer), rec.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert verification record: %w", err)
		}
	}

	for _, v := range st.Versions.Snapshot() {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO artifact_versions (session_id, kind, current_version, derived_from) VALUES (?, ?, ?, ?)
		`, string(st.ID), string(v.Kind), int64(v.Current), int64(v.DerivedFrom))
		if err != nil {
			return fmt.Errorf("insert artifact version: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertSnippet(ctx context.Context, tx *sql.Tx, sid review.SessionID, sn *review.Snippet) error {
	desc, err := json.Marshal(sn.Descriptor)
	if err != nil {
		return errors.NewInternal(err)
	}
	reqs := sn.RequirementIDs
	if reqs == nil {
		reqs = []review.RequirementID{}
	}
	reqJSON, err := json.Marshal(reqs)
	if err != nil {
		return errors.NewInternal(err)
	}
	meta, err := json.Marshal(snippetMeta{Machine: sn.Machine, Human: sn.Human})
	if err != nil {
		return errors.NewInternal(err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snippets (
			session_id, id, method, document_id, page, text,
			descriptor_json, requirement_ids_json, meta_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(sid), string(sn.ID), string(sn.Method), string(sn.DocumentID), sn.Page(), sn.Text,
		string(desc), string(reqJSON), string(meta), sn.CreatedAt, sn.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert snippet %s: %w", sn.ID, err)
	}
	return nil
}

// Load reads a session. A missing session is a NOT_FOUND error.
func (s *Store) Load(ctx context.Context, id review.SessionID) (*session.State, error) {
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, `SELECT created_at, updated_at FROM sessions WHERE id = ?`, string(id)).
		Scan(&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("session", string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	st := session.NewState(id, createdAt)
	st.UpdatedAt = updatedAt

	if err := s.loadDocuments(ctx, st); err != nil {
		return nil, err
	}
	if err := s.loadRequirements(ctx, st); err != nil {
		return nil, err
	}
	if err := s.loadSnippets(ctx, st); err != nil {
		return nil, err
	}
	if err := s.loadVerification(ctx, st); err != nil {
		return nil, err
	}
	if err := s.loadVersions(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) loadDocuments(ctx context.Context, st *session.State) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, page_count, created_at FROM documents WHERE session_id = ?
	`, string(st.ID))
	if err != nil {
		return fmt.Errorf("load documents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d review.Document
		if err := rows.Scan(&d.ID, &d.Title, &d.PageCount, &d.CreatedAt); err != nil {
			return fmt.Errorf("scan document: %w", err)
		}
		st.Documents[d.ID] = d
	}
	return rows.Err()
}

func (s *Store) loadRequirements(ctx context.Context, st *session.State) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, title FROM requirements WHERE session_id = ?
	`, string(st.ID))
	if err != nil {
		return fmt.Errorf("load requirements: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r review.Requirement
		if err := rows.Scan(&r.ID, &r.Category, &r.Title); err != nil {
			return fmt.Errorf("scan requirement: %w", err)
		}
		st.Requirements[r.ID] = r
	}
	return rows.Err()
}

func (s *Store) loadSnippets(ctx context.Context, st *session.State) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, method, document_id, text, descriptor_json, requirement_ids_json, meta_json, created_at, updated_at
		FROM snippets WHERE session_id = ?
	`, string(st.ID))
	if err != nil {
		return fmt.Errorf("load snippets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			sn                   review.Snippet
			desc, reqs, metaJSON string
			meta                 snippetMeta
		)
		if err := rows.Scan(&sn.ID, &sn.Method, &sn.DocumentID, &sn.Text, &desc, &reqs, &metaJSON, &sn.CreatedAt, &sn.UpdatedAt); err != nil {
			return fmt.Errorf("scan snippet: %w", err)
		}
		if err := json.Unmarshal([]byte(desc), &sn.Descriptor); err != nil {
			return fmt.Errorf("snippet %s descriptor: %w", sn.ID, err)
		}
		if err := json.Unmarshal([]byte(reqs), &sn.RequirementIDs); err != nil {
			return fmt.Errorf("snippet %s requirements: %w", sn.ID, err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return fmt.Errorf("snippet %s meta: %w", sn.ID, err)
		}
		sn.Machine, sn.Human = meta.Machine, meta.Human

		switch sn.Method {
		case review.MethodMachine:
			st.Machine[sn.ID] = &sn
		case review.MethodHuman:
			st.Human[sn.ID] = &sn
		default:
			return fmt.Errorf("snippet %s: unknown method %q", sn.ID, sn.Method)
		}
	}
	return rows.Err()
}

func (s *Store) loadVerification(ctx context.Context, st *session.State) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT snippet_id, requirement_id, status, notes, reviewer, updated_at
		FROM verification_records WHERE session_id = ?
	`, string(st.ID))
	if err != nil {
		return fmt.Errorf("load verification records: %w", err)
	}
	defer rows.Close()

	var records []verify.Record
	for rows.Next() {
		var (
			r               verify.Record
			notes, reviewer sql.NullString
		)
		if err := rows.Scan(&r.SnippetID, &r.RequirementID, &r.Status, &notes, &reviewer, &r.UpdatedAt); err != nil {
			return fmt.Errorf("scan verification record: %w", err)
		}
		r.Notes = notes.String
		r.Reviewer = reviewer.String
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	st.Verification = verify.Restore(records)
	return nil
}

func (s *Store) loadVersions(ctx context.Context, st *session.State) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, current_version, derived_from FROM artifact_versions WHERE session_id = ?
	`, string(st.ID))
	if err != nil {
		return fmt.Errorf("load artifact versions: %w", err)
	}
	defer rows.Close()

	var versions []artifact.Version
	for rows.Next() {
		var v artifact.Version
		if err := rows.Scan(&v.Kind, &v.Current, &v.DerivedFrom); err != nil {
			return fmt.Errorf("scan artifact version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	g, err := artifact.Restore(versions)
	if err != nil {
		return err
	}
	st.Versions = g
	return nil
}

// ListSessions returns session ids, most recently updated first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]review.SessionID, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions ORDER BY updated_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()
	var out []review.SessionID
	for rows.Next() {
		var id review.SessionID
		if err := rows.Scan(&id); err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetPageText returns the current rendering of a page of a session's document.
func (s *Store) GetPageText(ctx context.Context, sess review.SessionID, doc review.DocumentID, page int) (anchor.Page, error) {
	var text, spans string
	err := s.db.QueryRowContext(ctx, `
		SELECT text, spans_json FROM pages WHERE session_id = ? AND document_id = ? AND page_number = ?
	`, string(sess), string(doc), page).Scan(&text, &spans)
	if err == sql.ErrNoRows {
		return anchor.Page{}, errors.NewNotFound("page", fmt.Sprintf("%s#%d", doc, page))
	}
	if err != nil {
		return anchor.Page{}, fmt.Errorf("load page: %w", err)
	}
	p := anchor.Page{Number: page, Text: text}
	if err := json.Unmarshal([]byte(spans), &p.Spans); err != nil {
		return anchor.Page{}, fmt.Errorf("page %s#%d spans: %w", doc, page, err)
	}
	return p, nil
}

// PutPage stores or replaces the rendering of a page.
func (s *Store) PutPage(ctx context.Context, sess review.SessionID, doc review.DocumentID, page anchor.Page) error {
	spans := page.Spans
	if spans == nil {
		spans = []anchor.Span{}
	}
	data, err := json.Marshal(spans)
	if err != nil {
		return errors.NewInternal(err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pages (session_id, document_id, page_number, text, spans_json, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, document_id, page_number) DO UPDATE SET
			text = excluded.text, spans_json = excluded.spans_json, updated_at = excluded.updated_at
	`, string(sess), string(doc), page.Number, page.Text, string(data), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store page: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
