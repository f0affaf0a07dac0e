package upgrade

import (
	"context"
	"database/sql"
	"testing"
)

func TestHooksRegisteredInVersionOrder(t *testing.T) {
	if len(dataHooks) < 2 {
		t.Fatalf("registered hooks = %d, want the action-duration and usage-pricing hooks", len(dataHooks))
	}
	seen := map[string]bool{}
	var last uint
	for _, h := range dataHooks {
		if seen[h.name] {
			t.Errorf("duplicate hook name %q", h.name)
		}
		seen[h.name] = true
		if h.version < last {
			t.Errorf("hook %q at version %d registered after version %d", h.name, h.version, last)
		}
		last = h.version
		if h.run == nil {
			t.Errorf("hook %q has no run func", h.name)
		}
	}
	if !seen["001_backfill_action_durations"] || !seen["002_price_token_usage"] {
		t.Errorf("expected hooks missing, got %v", pendingOf(nil))
	}
}

func TestRegisterDataHookRejectsDuplicateName(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("duplicate registration should panic")
		}
	}()
	RegisterDataHook(1, "001_backfill_action_durations", func(context.Context, *sql.DB) error { return nil })
}

func TestPendingSkipsApplied(t *testing.T) {
	if got := pendingOf(map[string]bool{"001_backfill_action_durations": true}); len(got) != len(dataHooks)-1 {
		t.Fatalf("pending = %v, want everything but the applied hook", got)
	}
	applied := map[string]bool{}
	for _, h := range dataHooks {
		applied[h.name] = true
	}
	if got := pendingOf(applied); got != nil {
		t.Errorf("pending = %v, want none", got)
	}
}
