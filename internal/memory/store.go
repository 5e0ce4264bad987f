package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a referenced record or relation is absent.
var ErrNotFound = errors.New("memory: not found")

// Config holds store configuration.
type Config struct {
	DataDir          string
	MaxSearchResults int
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{DataDir: "./data", MaxSearchResults: 20}
}

// Store is the durable memory backend: SQLite with WAL and an FTS5 index
// over record content.
type Store struct {
	db  *sql.DB
	cfg Config
}

// New opens (creating if needed) the database under cfg.DataDir and runs
// migrations.
func New(cfg Config) (*Store, error) {
	if cfg.MaxSearchResults <= 0 {
		cfg.MaxSearchResults = 20
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("memory: create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(cfg.DataDir, "memgate.db"))
	if err != nil {
		return nil, fmt.Errorf("memory: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("memory: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, cfg: cfg}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id            TEXT PRIMARY KEY,
			content       TEXT NOT NULL,
			type          TEXT NOT NULL,
			scope         TEXT NOT NULL,
			tags          TEXT NOT NULL DEFAULT '[]',
			confidence    REAL NOT NULL DEFAULT 0.5,
			attrs         TEXT NOT NULL DEFAULT '{}',
			provenance    TEXT NOT NULL DEFAULT '',
			active        INTEGER NOT NULL DEFAULT 1,
			superseded_by TEXT,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(scope, active)`,
		`CREATE TABLE IF NOT EXISTS relations (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			from_id    TEXT NOT NULL,
			to_id      TEXT NOT NULL,
			type       TEXT NOT NULL,
			note       TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			UNIQUE(from_id, to_id, type)
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			id UNINDEXED, content
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("memory: migrate: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Create inserts a new record and indexes its content.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	tags, attrs, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO memories (id, content, type, scope, tags, confidence, attrs, provenance, active, superseded_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, NULL, ?, ?)`,
		rec.ID, rec.Content, rec.Type, rec.Scope, tags, rec.Metadata.Confidence, attrs,
		rec.Provenance, fmtTime(rec.CreatedAt), fmtTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("memory: insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memories_fts (id, content) VALUES (?, ?)`, rec.ID, rec.Content); err != nil {
		return fmt.Errorf("memory: index: %w", err)
	}
	return tx.Commit()
}

// Get returns a record by id, whether or not it is still active.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, content, type, scope, tags, confidence, attrs, provenance, active, superseded_by, created_at, updated_at
		 FROM memories WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ActiveByScope returns every active record in the scope. This is the
// corpus arbitration evaluates candidates against.
func (s *Store) ActiveByScope(ctx context.Context, scope string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, type, scope, tags, confidence, attrs, provenance, active, superseded_by, created_at, updated_at
		 FROM memories WHERE scope = ? AND active = 1`, scope)
	if err != nil {
		return nil, fmt.Errorf("memory: query scope: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Search runs FTS5 full-text search over active records (or all records
// when IncludeInactive is set), filtered by type and scope.
func (s *Store) Search(ctx context.Context, opts SearchOptions) ([]SearchResult, error) {
	limit := opts.Limit
	if limit <= 0 || limit > s.cfg.MaxSearchResults {
		limit = s.cfg.MaxSearchResults
	}
	match := ftsQuery(opts.Query)
	if match == "" {
		return nil, nil
	}

	q := `SELECT m.id, m.content, m.type, m.scope, m.tags, m.confidence, m.attrs, m.provenance,
			m.active, m.superseded_by, m.created_at, m.updated_at, bm25(memories_fts)
		  FROM memories_fts f
		  JOIN memories m ON m.id = f.id
		  WHERE memories_fts MATCH ?`
	args := []any{match}
	if !opts.IncludeInactive {
		q += ` AND m.active = 1`
	}
	if opts.Type != "" {
		q += ` AND m.type = ?`
		args = append(args, opts.Type)
	}
	if opts.Scope != "" {
		q += ` AND m.scope = ?`
		args = append(args, opts.Scope)
	}
	q += ` ORDER BY bm25(memories_fts) LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: search: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		var bm float64
		if err := scanRecordInto(rows, &r.Record, &bm); err != nil {
			return nil, err
		}
		// bm25 is smaller-is-better; flip it so callers see bigger-is-better.
		r.Rank = -bm
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateInPlace amends a record's content and metadata without changing
// its identity, and refreshes the search index.
func (s *Store) UpdateInPlace(ctx context.Context, id, content string, md Metadata, provenance string) error {
	tags, attrs, err := encodeMetadata(md)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE memories SET content = ?, tags = ?, confidence = ?, attrs = ?, provenance = ?, updated_at = ?
		 WHERE id = ?`,
		content, tags, md.Confidence, attrs, provenance, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("memory: update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories_fts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("memory: reindex: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO memories_fts (id, content) VALUES (?, ?)`, id, content); err != nil {
		return fmt.Errorf("memory: reindex: %w", err)
	}
	return tx.Commit()
}

// MarkSuperseded deactivates a record and links it to its successor. The
// record stays retrievable by id; only default search drops it.
func (s *Store) MarkSuperseded(ctx context.Context, id, byID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE memories SET active = 0, superseded_by = ?, updated_at = ? WHERE id = ?`,
		byID, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("memory: supersede: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// AddRelation creates a typed edge between two existing records. Either
// endpoint missing yields ErrNotFound. Relating an already-related pair
// with the same type returns the existing edge unchanged.
func (s *Store) AddRelation(ctx context.Context, fromID, toID, relType, note string) (*Relation, error) {
	for _, id := range []string{fromID, toID} {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM memories WHERE id = ?`, id).Scan(&n); err != nil {
			return nil, fmt.Errorf("memory: relation endpoint: %w", err)
		}
		if n == 0 {
			return nil, fmt.Errorf("memory: record %s: %w", id, ErrNotFound)
		}
	}

	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO relations (from_id, to_id, type, note, created_at) VALUES (?, ?, ?, ?, ?)`,
		fromID, toID, relType, note, fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("memory: insert relation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// The unique (from, to, type) edge already exists; LastInsertId
		// would be stale here.
		return s.findRelation(ctx, fromID, toID, relType)
	}
	id, _ := res.LastInsertId()
	return &Relation{ID: id, FromID: fromID, ToID: toID, Type: relType, Note: note, CreatedAt: now}, nil
}

func (s *Store) findRelation(ctx context.Context, fromID, toID, relType string) (*Relation, error) {
	rel := Relation{FromID: fromID, ToID: toID, Type: relType}
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, note, created_at FROM relations WHERE from_id = ? AND to_id = ? AND type = ?`,
		fromID, toID, relType).Scan(&rel.ID, &rel.Note, &created)
	if err != nil {
		return nil, fmt.Errorf("memory: existing relation: %w", err)
	}
	rel.CreatedAt = parseTime(created)
	return &rel, nil
}

// Relations returns every edge touching the record.
func (s *Store) Relations(ctx context.Context, id string) ([]Relation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, from_id, to_id, type, note, created_at FROM relations
		 WHERE from_id = ? OR to_id = ? ORDER BY id`, id, id)
	if err != nil {
		return nil, fmt.Errorf("memory: query relations: %w", err)
	}
	defer rows.Close()

	var out []Relation
	for rows.Next() {
		var r Relation
		var created string
		if err := rows.Scan(&r.ID, &r.FromID, &r.ToID, &r.Type, &r.Note, &created); err != nil {
			return nil, fmt.Errorf("memory: scan relation: %w", err)
		}
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ─── scanning helpers ────────────────────────────────────────────────────────

type rowLike interface {
	Scan(dest ...any) error
}

func scanRecord(row rowLike) (*Record, error) {
	var rec Record
	if err := scanRecordInto(row, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// scanRecordInto scans the standard record column list, plus any extra
// destinations appended to the select.
func scanRecordInto(row rowLike, rec *Record, extra ...any) error {
	var tags, attrs, created, updated string
	var superseded sql.NullString
	var active int
	dest := []any{
		&rec.ID, &rec.Content, &rec.Type, &rec.Scope, &tags, &rec.Metadata.Confidence,
		&attrs, &rec.Provenance, &active, &superseded, &created, &updated,
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return fmt.Errorf("memory: scan record: %w", err)
	}
	rec.Active = active == 1
	rec.SupersededBy = superseded.String
	rec.CreatedAt = parseTime(created)
	rec.UpdatedAt = parseTime(updated)
	if err := json.Unmarshal([]byte(tags), &rec.Metadata.Tags); err != nil {
		rec.Metadata.Tags = nil
	}
	if err := json.Unmarshal([]byte(attrs), &rec.Metadata.Attrs); err != nil {
		rec.Metadata.Attrs = nil
	}
	return nil
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var rec Record
		if err := scanRecordInto(rows, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func encodeMetadata(md Metadata) (tags, attrs string, err error) {
	t, err := json.Marshal(md.Tags)
	if err != nil {
		return "", "", fmt.Errorf("memory: encode tags: %w", err)
	}
	if md.Tags == nil {
		t = []byte("[]")
	}
	a, err := json.Marshal(md.Attrs)
	if err != nil {
		return "", "", fmt.Errorf("memory: encode attrs: %w", err)
	}
	if md.Attrs == nil {
		a = []byte("{}")
	}
	return string(t), string(a), nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ftsQuery turns free text into an FTS5 OR-query of quoted tokens so user
// punctuation cannot break the match expression.
func ftsQuery(q string) string {
	fields := strings.FieldsFunc(q, func(r rune) bool {
		return !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9')
	})
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + f + `"`
	}
	return strings.Join(quoted, " OR ")
}
