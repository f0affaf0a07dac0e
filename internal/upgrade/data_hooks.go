package upgrade

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// A dataHook is a Go-side transformation tied to a schema version. It runs
// once, after that version's SQL migration has been applied, and its
// completion is recorded in the data_hooks ledger so reruns are no-ops.
type dataHook struct {
	version uint
	name    string
	run     func(ctx context.Context, db *sql.DB) error
}

var dataHooks []dataHook

// RegisterDataHook wires a data transformation to a schema version. Names
// must be unique; hooks run ordered by version, then registration order.
// Called from init in hooks.go.
func RegisterDataHook(version uint, name string, run func(ctx context.Context, db *sql.DB) error) {
	for _, h := range dataHooks {
		if h.name == name {
			panic(fmt.Sprintf("upgrade: duplicate data hook %q", name))
		}
	}
	dataHooks = append(dataHooks, dataHook{version: version, name: name, run: run})
	sort.SliceStable(dataHooks, func(i, j int) bool { return dataHooks[i].version < dataHooks[j].version })
}

// PendingHooks names the registered hooks the ledger has no record of.
func PendingHooks(ctx context.Context, db *sql.DB) ([]string, error) {
	applied, err := appliedHooks(ctx, db)
	if err != nil {
		return nil, err
	}
	return pendingOf(applied), nil
}

func pendingOf(applied map[string]bool) []string {
	var pending []string
	for _, h := range dataHooks {
		if !applied[h.name] {
			pending = append(pending, h.name)
		}
	}
	return pending
}

// RunPendingHooks executes every unapplied hook and records it. A failing
// hook stops the run; hooks that already completed stay recorded, so the
// next attempt resumes where this one stopped.
func RunPendingHooks(ctx context.Context, db *sql.DB) (int, error) {
	applied, err := appliedHooks(ctx, db)
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, h := range dataHooks {
		if applied[h.name] {
			continue
		}
		slog.Info("upgrade.data_hook", "name", h.name, "schema_version", h.version)
		start := time.Now()
		if err := h.run(ctx, db); err != nil {
			return ran, fmt.Errorf("data hook %q: %w", h.name, err)
		}
		if _, err := db.ExecContext(ctx,
			"INSERT INTO data_hooks (name, schema_version, applied_at) VALUES ($1, $2, NOW())",
			h.name, h.version,
		); err != nil {
			return ran, fmt.Errorf("record data hook %q: %w", h.name, err)
		}
		slog.Info("upgrade.data_hook_done", "name", h.name, "duration", time.Since(start))
		ran++
	}
	return ran, nil
}

func appliedHooks(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS data_hooks (
			name           VARCHAR(255) PRIMARY KEY,
			schema_version INT NOT NULL,
			applied_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return nil, fmt.Errorf("ensure data_hooks table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT name FROM data_hooks")
	if err != nil {
		return nil, fmt.Errorf("query data_hooks: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}
