package upgrade

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/adytum-sh/adytum/internal/providers"
)

// Hook registrations live here, one init block per schema version that
// needs a Go-side transformation after its SQL migration.

func init() {
	// Early builds wrote action_log rows with duration_ms left at its
	// default; recompute it from the recorded timestamps.
	RegisterDataHook(1, "001_backfill_action_durations", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			UPDATE action_log
			SET duration_ms = CAST(EXTRACT(EPOCH FROM (finished_at - started_at)) * 1000 AS BIGINT)
			WHERE duration_ms = 0 AND finished_at > started_at
		`)
		if err != nil {
			return fmt.Errorf("backfill action durations: %w", err)
		}
		return nil
	})

	// token_usage rows recorded before per-call pricing landed carry
	// cost_usd = 0; price them from the built-in model catalog. Models the
	// catalog does not know (local ones, mostly) are left untouched.
	RegisterDataHook(2, "002_price_token_usage", func(ctx context.Context, db *sql.DB) error {
		catalog := providers.NewCatalog()

		rows, err := db.QueryContext(ctx, `
			SELECT id, model, input_tokens, output_tokens
			FROM token_usage
			WHERE cost_usd = 0 AND (input_tokens > 0 OR output_tokens > 0)
		`)
		if err != nil {
			return fmt.Errorf("select unpriced usage: %w", err)
		}
		defer rows.Close()

		type repriced struct {
			id   string
			cost float64
		}
		var updates []repriced
		for rows.Next() {
			var (
				id, model string
				in, out   int64
			)
			if err := rows.Scan(&id, &model, &in, &out); err != nil {
				return err
			}
			entry, ok := catalog.Lookup(model)
			if !ok {
				continue
			}
			cost := entry.EstimatedCost(&providers.Usage{
				PromptTokens:     int(in),
				CompletionTokens: int(out),
			})
			if cost > 0 {
				updates = append(updates, repriced{id: id, cost: cost})
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, u := range updates {
			if _, err := db.ExecContext(ctx,
				"UPDATE token_usage SET cost_usd = $1 WHERE id = $2",
				u.cost, u.id,
			); err != nil {
				return fmt.Errorf("reprice usage row %s: %w", u.id, err)
			}
		}
		return nil
	})
}
