// Package memory is the persistent fact store: SQLite with an FTS5 index,
// consumed by the agent runtime as top-k search snippets.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Fact categories.
const (
	CategoryEpisodicRaw     = "episodic_raw"
	CategoryEpisodicSummary = "episodic_summary"
	CategoryDream           = "dream"
	CategoryMonologue       = "monologue"
	CategoryCuriosity       = "curiosity"
	CategoryGeneral         = "general"
	CategoryUserFact        = "user_fact"
	CategoryKnowledge       = "knowledge"
)

// Fact is one remembered item.
type Fact struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Category   string    `json:"category"`
	Tags       []string  `json:"tags,omitempty"`
	Source     string    `json:"source,omitempty"`
	SessionKey string    `json:"sessionKey,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ScoredFact is a search hit with its FTS relevance.
type ScoredFact struct {
	Fact
	Score float64 `json:"score"`
}

// Store wraps the facts database. All goroutines serialize through one
// connection so concurrent writers never hit SQLITE_BUSY.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the facts database at dbPath and ensures the schema.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create memory dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, now: time.Now}
	if err := s.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS facts (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			category TEXT NOT NULL,
			tags TEXT,
			source TEXT,
			session_key TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_category ON facts(category, created_at)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("memory schema: %w", err)
		}
	}
	// FTS5 full-text index over fact content.
	_, _ = s.db.ExecContext(ctx, `CREATE VIRTUAL TABLE IF NOT EXISTS facts_fts USING fts5(fact_id UNINDEXED, content)`)
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// AddFact stores a fact, assigning id and timestamp when absent.
func (s *Store) AddFact(ctx context.Context, f Fact) (Fact, error) {
	if strings.TrimSpace(f.Content) == "" {
		return f, fmt.Errorf("fact content required")
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Category == "" {
		f.Category = CategoryGeneral
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}
	tagsJSON, _ := json.Marshal(f.Tags)

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO facts (id, content, category, tags, source, session_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Content, f.Category, string(tagsJSON), f.Source, f.SessionKey, f.CreatedAt.UnixMilli(),
	); err != nil {
		return f, fmt.Errorf("insert fact: %w", err)
	}
	_, _ = s.db.ExecContext(ctx,
		`INSERT INTO facts_fts (fact_id, content) VALUES (?, ?)`, f.ID, f.Content)
	return f, nil
}

// Search returns the top-k facts ranked by FTS5 relevance. Falls back to a
// LIKE scan when the FTS index is unavailable. An empty query returns nil.
func (s *Store) Search(ctx context.Context, query string, k int) ([]ScoredFact, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if k <= 0 {
		k = 5
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT f.id, f.content, f.category, f.tags, f.source, f.session_key, f.created_at, fts.rank
		 FROM facts_fts fts
		 JOIN facts f ON f.id = fts.fact_id
		 WHERE facts_fts MATCH ?
		 ORDER BY fts.rank LIMIT ?`, match, k)
	if err != nil {
		return s.searchLike(ctx, query, k)
	}
	defer rows.Close()

	var out []ScoredFact
	for rows.Next() {
		var sf ScoredFact
		var rank float64
		if err := scanFact(rows, &sf.Fact, &rank); err != nil {
			return nil, err
		}
		// FTS5 rank is negative; closer to zero is better.
		sf.Score = -rank
		if sf.Score < 0 {
			sf.Score = 0
		}
		out = append(out, sf)
	}
	return out, rows.Err()
}

func (s *Store) searchLike(ctx context.Context, query string, k int) ([]ScoredFact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, category, tags, source, session_key, created_at, 0.0
		 FROM facts WHERE content LIKE ? ORDER BY created_at DESC LIMIT ?`,
		"%"+strings.TrimSpace(query)+"%", k)
	if err != nil {
		return nil, fmt.Errorf("memory search: %w", err)
	}
	defer rows.Close()

	var out []ScoredFact
	for rows.Next() {
		var sf ScoredFact
		var rank float64
		if err := scanFact(rows, &sf.Fact, &rank); err != nil {
			return nil, err
		}
		out = append(out, sf)
	}
	return out, rows.Err()
}

// List returns facts newest-first, optionally filtered by category.
func (s *Store) List(ctx context.Context, category string, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if category != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, content, category, tags, source, session_key, created_at, 0.0
			 FROM facts WHERE category = ? ORDER BY created_at DESC LIMIT ?`, category, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, content, category, tags, source, session_key, created_at, 0.0
			 FROM facts ORDER BY created_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()
	return collectFacts(rows)
}

// RecentSince returns facts created at or after the cutoff, oldest first,
// which is the shape the dreamer and snapshot writer want.
func (s *Store) RecentSince(ctx context.Context, since time.Time) ([]Fact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, category, tags, source, session_key, created_at, 0.0
		 FROM facts WHERE created_at >= ? ORDER BY created_at ASC`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("recent facts: %w", err)
	}
	defer rows.Close()
	return collectFacts(rows)
}

// Delete removes a fact and its index entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM facts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete fact: %w", err)
	}
	_, _ = s.db.ExecContext(ctx, `DELETE FROM facts_fts WHERE fact_id = ?`, id)
	return nil
}

// DeleteBySource removes every fact with the given source tag. The knowledge
// reindexer uses it to replace a workspace's facts wholesale.
func (s *Store) DeleteBySource(ctx context.Context, source string) (int64, error) {
	if source == "" {
		return 0, fmt.Errorf("source required")
	}
	_, _ = s.db.ExecContext(ctx,
		`DELETE FROM facts_fts WHERE fact_id IN (SELECT id FROM facts WHERE source = ?)`, source)
	res, err := s.db.ExecContext(ctx, `DELETE FROM facts WHERE source = ?`, source)
	if err != nil {
		return 0, fmt.Errorf("delete facts by source: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the number of stored facts.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM facts`).Scan(&n)
	return n, err
}

type factScanner interface {
	Scan(dest ...interface{}) error
}

func scanFact(rows factScanner, f *Fact, rank *float64) error {
	var tagsJSON, source, sessionKey sql.NullString
	var createdMs int64
	if err := rows.Scan(&f.ID, &f.Content, &f.Category, &tagsJSON, &source, &sessionKey, &createdMs, rank); err != nil {
		return fmt.Errorf("scan fact: %w", err)
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		_ = json.Unmarshal([]byte(tagsJSON.String), &f.Tags)
	}
	f.Source = source.String
	f.SessionKey = sessionKey.String
	f.CreatedAt = time.UnixMilli(createdMs)
	return nil
}

func collectFacts(rows *sql.Rows) ([]Fact, error) {
	var out []Fact
	for rows.Next() {
		var f Fact
		var rank float64
		if err := scanFact(rows, &f, &rank); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ftsQuery turns free text into a defensive FTS5 MATCH expression: quoted
// tokens joined with OR, so user punctuation cannot break the parser.
func ftsQuery(query string) string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= 'A' && r <= 'Z') &&
			!(r >= '0' && r <= '9') && r < 128
	})
	var tokens []string
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		tokens = append(tokens, `"`+f+`"`)
	}
	return strings.Join(tokens, " OR ")
}
