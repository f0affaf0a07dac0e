// Package pg mirrors the action log into Postgres for managed deployments.
// The schema is owned by `adytum migrate` (golang-migrate); this package
// assumes the tables exist.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"

	"github.com/adytum-sh/adytum/internal/bus"
	"github.com/adytum-sh/adytum/internal/providers"
)

// OpenDB connects and verifies the Postgres instance behind dsn.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// ActionStore writes audit records to Postgres. Satisfies bus.TraceSink.
type ActionStore struct {
	db *sql.DB
}

func NewActionStore(db *sql.DB) *ActionStore {
	return &ActionStore{db: db}
}

func (s *ActionStore) Append(ctx context.Context, rec bus.TraceRecord) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.SessionKey, rec.AgentID, rec.Kind, rec.Name,
		rec.Input, rec.Output, rec.Error,
		rec.StartedAt, rec.FinishedAt, rec.DurationMs(),
		nullableJSON(meta),
	)
	if err != nil {
		return fmt.Errorf("append action: %w", err)
	}
	return nil
}

// Recent returns the newest records, newest first, optionally scoped to one
// session.
func (s *ActionStore) Recent(ctx context.Context, sessionKey string, limit int) ([]bus.TraceRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, session_key, agent_id, kind, name,
	                 COALESCE(input, ''), COALESCE(output, ''), COALESCE(error, ''),
	                 started_at, finished_at, COALESCE(metadata::text, '')
	          FROM action_log`
	args := []interface{}{}
	if sessionKey != "" {
		query += ` WHERE session_key = $1`
		args = append(args, sessionKey)
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	var out []bus.TraceRecord
	for rows.Next() {
		var rec bus.TraceRecord
		var meta string
		if err := rows.Scan(&rec.ID, &rec.SessionKey, &rec.AgentID, &rec.Kind, &rec.Name,
			&rec.Input, &rec.Output, &rec.Error, &rec.StartedAt, &rec.FinishedAt, &meta); err != nil {
			return nil, err
		}
		if meta != "" {
			json.Unmarshal([]byte(meta), &rec.Metadata)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UsageStore writes token accounting to Postgres. Satisfies llm.UsageRecorder.
type UsageStore struct {
	db *sql.DB
}

func NewUsageStore(db *sql.DB) *UsageStore {
	return &UsageStore{db: db}
}

// RecordUsage inserts one accounting row; accounting never fails a model
// call, so errors are dropped.
func (s *UsageStore) RecordUsage(ctx context.Context, model, sessionKey string, usage *providers.Usage, cost float64) {
	if usage == nil {
		return
	}
	s.db.ExecContext(ctx,
		`INSERT INTO token_usage (id, model, session_key, input_tokens, output_tokens, cost_usd, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), model, sessionKey,
		usage.PromptTokens, usage.CompletionTokens, cost, time.Now(),
	)
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
