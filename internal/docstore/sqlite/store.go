// Package sqlite provides an embedded persistent document store backed by
// modernc.org/sqlite. It is the default store for single-node deployments
// that need durability across restarts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/weftworks/weft/internal/docstore"
)

// Store is a SQLite implementation of docstore.Store.
type Store struct {
	db     *sqlx.DB
	notify func(docstore.Document)
}

var _ docstore.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithNotify registers a callback fired after every successful create or
// update, with a copy of the stored document.
func WithNotify(fn func(docstore.Document)) Option {
	return func(s *Store) { s.notify = fn }
}

// New opens (creating if necessary) a SQLite document store at dsn.
func New(dsn string, opts ...Option) (*Store, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS documents (
id TEXT PRIMARY KEY,
schema_name TEXT NOT NULL,
title TEXT NOT NULL DEFAULT '',
payload TEXT NOT NULL DEFAULT '{}',
version INTEGER NOT NULL DEFAULT 1,
created_at TIMESTAMP NOT NULL,
updated_at TIMESTAMP NOT NULL,
expires_at TIMESTAMP
)`,
		`CREATE TABLE IF NOT EXISTS document_tags (
document_id TEXT NOT NULL,
tag TEXT NOT NULL,
PRIMARY KEY (document_id, tag),
FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_schema_created ON documents(schema_name, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_document_tags_tag ON document_tags(tag)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *Store) Create(ctx context.Context, req docstore.CreateRequest) (*docstore.Document, error) {
	if req.SchemaName == "" {
		return nil, fmt.Errorf("create document: schema_name is required")
	}

	now := time.Now().UTC()
	doc := &docstore.Document{
		ID:         uuid.NewString(),
		SchemaName: req.SchemaName,
		Title:      req.Title,
		Tags:       append([]string(nil), req.Tags...),
		Payload:    append([]byte(nil), req.Payload...),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	payload := string(doc.Payload)
	if payload == "" {
		payload = "{}"
	}

	var expires any
	if req.TTL > 0 {
		expires = now.Add(req.TTL)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (id, schema_name, title, payload, version, created_at, updated_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.SchemaName, doc.Title, payload, doc.Version, doc.CreatedAt, doc.UpdatedAt, expires,
	); err != nil {
		return nil, fmt.Errorf("failed to insert document: %w", err)
	}
	if err := insertTags(ctx, tx, doc.ID, doc.Tags); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	if s.notify != nil {
		s.notify(*doc)
	}
	return doc, nil
}

func (s *Store) Get(ctx context.Context, id string) (*docstore.Document, error) {
	var row docRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, schema_name, title, payload, version, created_at, updated_at
FROM documents WHERE id = ? AND (expires_at IS NULL OR expires_at > ?)`,
		id, time.Now().UTC(),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, docstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	doc := row.document()
	if doc.Tags, err = s.loadTags(ctx, id); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) ReadByTag(ctx context.Context, tag, schema string) ([]docstore.Document, error) {
	query := `SELECT d.id, d.schema_name, d.title, d.payload, d.version, d.created_at, d.updated_at
FROM documents d
JOIN document_tags t ON t.document_id = d.id
WHERE t.tag = ? AND (d.expires_at IS NULL OR d.expires_at > ?)`
	args := []any{tag, time.Now().UTC()}
	if schema != "" {
		query += ` AND d.schema_name = ?`
		args = append(args, schema)
	}
	query += ` ORDER BY d.created_at DESC, d.id`

	var rows []docRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to read by tag: %w", err)
	}
	return s.hydrate(ctx, rows)
}

func (s *Store) Update(ctx context.Context, id string, expectedVersion int64, req docstore.UpdateRequest) (*docstore.Document, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	sets := []string{"version = version + 1", "updated_at = ?"}
	args := []any{now}
	if req.Title != "" {
		sets = append(sets, "title = ?")
		args = append(args, req.Title)
	}
	if req.Payload != nil {
		sets = append(sets, "payload = ?")
		args = append(args, string(req.Payload))
	}
	args = append(args, id, expectedVersion, now)

	result, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE documents SET %s WHERE id = ? AND version = ? AND (expires_at IS NULL OR expires_at > ?)`, strings.Join(sets, ", ")),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		// Either the document is gone, expired, or the version is stale.
		var current int64
		err := tx.GetContext(ctx, &current,
			`SELECT version FROM documents WHERE id = ? AND (expires_at IS NULL OR expires_at > ?)`, id, now)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, docstore.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read current version: %w", err)
		}
		return nil, &docstore.ConflictError{ID: id, Expected: expectedVersion, Actual: current}
	}

	if req.Tags != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM document_tags WHERE document_id = ?`, id); err != nil {
			return nil, fmt.Errorf("failed to clear tags: %w", err)
		}
		if err := insertTags(ctx, tx, id, req.Tags); err != nil {
			return nil, err
		}
	}

	var row docRow
	if err := tx.GetContext(ctx, &row,
		`SELECT id, schema_name, title, payload, version, created_at, updated_at FROM documents WHERE id = ?`, id,
	); err != nil {
		return nil, fmt.Errorf("failed to reload document: %w", err)
	}
	var tags []string
	if err := tx.SelectContext(ctx, &tags, `SELECT tag FROM document_tags WHERE document_id = ? ORDER BY tag`, id); err != nil {
		return nil, fmt.Errorf("failed to load tags: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	doc := row.document()
	doc.Tags = tags
	if s.notify != nil {
		s.notify(*doc)
	}
	return doc, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return docstore.ErrNotFound
	}
	return nil
}

// similarityScanCap bounds how many recent candidates are scored per query.
const similarityScanCap = 512

// SearchSimilarity scores recent candidates by query-term overlap in Go
// rather than pushing ranking into SQL. Real relevance ranking belongs to a
// remote store with vector search.
func (s *Store) SearchSimilarity(ctx context.Context, query string, limit int, filter docstore.Filter) ([]docstore.Document, error) {
	if limit <= 0 {
		limit = defaultLimit
	}

	candidates, err := s.scan(ctx, filter.SchemaName, filter, similarityScanCap, false)
	if err != nil {
		return nil, err
	}

	terms := queryTerms(query)
	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := overlap(&candidates[i], terms), overlap(&candidates[j], terms)
		if si != sj {
			return si > sj
		}
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (s *Store) SearchRecent(ctx context.Context, schema string, filter docstore.Filter, limit int) ([]docstore.Document, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	return s.scan(ctx, schema, filter, limit, schema == "")
}

func (s *Store) Close() error {
	return s.db.Close()
}

const defaultLimit = 20

// scan is the shared recency query. Tag constraints are pushed into SQL;
// payload field constraints are applied after hydration.
func (s *Store) scan(ctx context.Context, schema string, filter docstore.Filter, limit int, excludeSystem bool) ([]docstore.Document, error) {
	query := `SELECT d.id, d.schema_name, d.title, d.payload, d.version, d.created_at, d.updated_at
FROM documents d
WHERE (d.expires_at IS NULL OR d.expires_at > ?)`
	args := []any{time.Now().UTC()}

	if schema != "" {
		query += ` AND d.schema_name = ?`
		args = append(args, schema)
	} else if excludeSystem {
		names := make([]string, 0, len(docstore.SystemSchemas))
		for name := range docstore.SystemSchemas {
			names = append(names, name)
		}
		sort.Strings(names)
		placeholders := make([]string, len(names))
		for i, name := range names {
			placeholders[i] = "?"
			args = append(args, name)
		}
		query += fmt.Sprintf(` AND d.schema_name NOT IN (%s)`, strings.Join(placeholders, ", "))
	}
	for _, tag := range filter.AllTags {
		query += ` AND EXISTS (SELECT 1 FROM document_tags t WHERE t.document_id = d.id AND t.tag = ?)`
		args = append(args, tag)
	}
	query += ` ORDER BY d.created_at DESC, d.id LIMIT ?`
	args = append(args, limit)

	var rows []docRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to scan documents: %w", err)
	}

	docs, err := s.hydrate(ctx, rows)
	if err != nil {
		return nil, err
	}
	if len(filter.Fields) == 0 {
		return docs, nil
	}
	filtered := docs[:0]
	for _, doc := range docs {
		if doc.MatchesFilter(docstore.Filter{Fields: filter.Fields}) {
			filtered = append(filtered, doc)
		}
	}
	return filtered, nil
}

func (s *Store) hydrate(ctx context.Context, rows []docRow) ([]docstore.Document, error) {
	docs := make([]docstore.Document, 0, len(rows))
	for _, row := range rows {
		doc := row.document()
		tags, err := s.loadTags(ctx, row.ID)
		if err != nil {
			return nil, err
		}
		doc.Tags = tags
		docs = append(docs, *doc)
	}
	return docs, nil
}

func (s *Store) loadTags(ctx context.Context, id string) ([]string, error) {
	var tags []string
	if err := s.db.SelectContext(ctx, &tags,
		`SELECT tag FROM document_tags WHERE document_id = ? ORDER BY tag`, id,
	); err != nil {
		return nil, fmt.Errorf("failed to load tags: %w", err)
	}
	return tags, nil
}

func insertTags(ctx context.Context, tx *sqlx.Tx, id string, tags []string) error {
	for _, tag := range tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO document_tags (document_id, tag) VALUES (?, ?)`, id, tag,
		); err != nil {
			return fmt.Errorf("failed to insert tag: %w", err)
		}
	}
	return nil
}

type docRow struct {
	ID         string    `db:"id"`
	SchemaName string    `db:"schema_name"`
	Title      string    `db:"title"`
	Payload    string    `db:"payload"`
	Version    int64     `db:"version"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r docRow) document() *docstore.Document {
	return &docstore.Document{
		ID:         r.ID,
		SchemaName: r.SchemaName,
		Title:      r.Title,
		Payload:    []byte(r.Payload),
		Version:    r.Version,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func queryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	seen := make(map[string]bool, len(fields))
	var terms []string
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			terms = append(terms, f)
		}
	}
	return terms
}

func overlap(doc *docstore.Document, terms []string) int {
	if len(terms) == 0 {
		return 0
	}
	haystack := strings.ToLower(doc.Title + " " + strings.Join(doc.Tags, " ") + " " + string(doc.Payload))
	score := 0
	for _, t := range terms {
		if strings.Contains(haystack, t) {
			score++
		}
	}
	return score
}
