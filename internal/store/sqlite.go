// Package store persists the audit trail and token accounting. The default
// backend is the workspace SQLite file shared with the memory store; managed
// deployments mirror the action log into Postgres (see pg/).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/adytum-sh/adytum/internal/bus"
	"github.com/adytum-sh/adytum/internal/providers"
)

// SQLite holds the action log and token usage tables. It opens its own
// connection on the shared database file; busy_timeout covers contention
// with the memory store's writer.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the store at dbPath and ensures the schema.
func OpenSQLite(dbPath string) (*SQLite, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db, now: time.Now}
	if err := s.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS action_log (
			id TEXT PRIMARY KEY,
			session_key TEXT,
			agent_id TEXT,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			input TEXT,
			output TEXT,
			error TEXT,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_action_log_session ON action_log(session_key, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_action_log_kind ON action_log(kind, started_at)`,
		`CREATE TABLE IF NOT EXISTS token_usage (
			id TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			session_key TEXT,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cost_usd REAL NOT NULL,
			at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_token_usage_model ON token_usage(model, at)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// Append writes one audit record. Satisfies bus.TraceSink.
func (s *SQLite) Append(ctx context.Context, rec bus.TraceRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	var meta []byte
	if len(rec.Metadata) > 0 {
		meta, _ = json.Marshal(rec.Metadata)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO action_log
		 (id, session_key, agent_id, kind, name, input, output, error, started_at, finished_at, duration_ms, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionKey, rec.AgentID, rec.Kind, rec.Name,
		rec.Input, rec.Output, rec.Error,
		rec.StartedAt.UnixMilli(), rec.FinishedAt.UnixMilli(), rec.DurationMs(),
		string(meta),
	)
	if err != nil {
		return fmt.Errorf("append action: %w", err)
	}
	return nil
}

// RecentActions returns the newest records, newest first, optionally scoped
// to one session.
func (s *SQLite) RecentActions(ctx context.Context, sessionKey string, limit int) ([]bus.TraceRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, session_key, agent_id, kind, name, input, output, error, started_at, finished_at, metadata
	          FROM action_log`
	args := []interface{}{}
	if sessionKey != "" {
		query += ` WHERE session_key = ?`
		args = append(args, sessionKey)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	var out []bus.TraceRecord
	for rows.Next() {
		var rec bus.TraceRecord
		var started, finished int64
		var meta sql.NullString
		if err := rows.Scan(&rec.ID, &rec.SessionKey, &rec.AgentID, &rec.Kind, &rec.Name,
			&rec.Input, &rec.Output, &rec.Error, &started, &finished, &meta); err != nil {
			return nil, err
		}
		rec.StartedAt = time.UnixMilli(started)
		rec.FinishedAt = time.UnixMilli(finished)
		if meta.Valid && meta.String != "" {
			json.Unmarshal([]byte(meta.String), &rec.Metadata)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordUsage writes one token accounting row. Satisfies llm.UsageRecorder.
// Failures are logged by the audit layer's contract: accounting must never
// fail a model call, so errors are swallowed here.
func (s *SQLite) RecordUsage(ctx context.Context, model, sessionKey string, usage *providers.Usage, cost float64) {
	if usage == nil {
		return
	}
	s.db.ExecContext(ctx,
		`INSERT INTO token_usage (id, model, session_key, input_tokens, output_tokens, cost_usd, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), model, sessionKey,
		usage.PromptTokens, usage.CompletionTokens, cost,
		s.now().UnixMilli(),
	)
}

// ModelUsage is one row of the aggregated usage report.
type ModelUsage struct {
	Model        string  `json:"model"`
	Calls        int64   `json:"calls"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
}

// Summary aggregates usage per model over the trailing window.
func (s *SQLite) Summary(ctx context.Context, days int) ([]ModelUsage, error) {
	if days <= 0 {
		days = 30
	}
	since := s.now().AddDate(0, 0, -days).UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(cost_usd)
		 FROM token_usage WHERE at >= ? GROUP BY model ORDER BY SUM(cost_usd) DESC`,
		since)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var out []ModelUsage
	for rows.Next() {
		var u ModelUsage
		if err := rows.Scan(&u.Model, &u.Calls, &u.InputTokens, &u.OutputTokens, &u.CostUSD); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
