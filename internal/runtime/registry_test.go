package runtime

import (
	"context"
	"testing"
)

func TestRegisterUnregister(t *testing.T) {
	r := NewRegistry()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Register("s1", cancel, "")
	if !r.IsSessionActive("s1") {
		t.Error("s1 should be active after Register")
	}
	r.Unregister("s1")
	if r.IsSessionActive("s1") {
		t.Error("s1 should be inactive after Unregister")
	}
}

func TestAbortSingle(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	r.Register("s1", cancel, "")

	if !r.Abort("s1") {
		t.Fatal("Abort should find s1")
	}
	if ctx.Err() == nil {
		t.Error("abort should cancel the context")
	}
	if r.Abort("missing") {
		t.Error("aborting an unknown session should be a no-op")
	}
}

func TestAbortHierarchyCascade(t *testing.T) {
	r := NewRegistry()
	rootCtx, rootCancel := context.WithCancel(context.Background())
	c1Ctx, c1Cancel := context.WithCancel(context.Background())
	c2Ctx, c2Cancel := context.WithCancel(context.Background())
	siblingCtx, siblingCancel := context.WithCancel(context.Background())
	defer siblingCancel()

	r.Register("root", rootCancel, "")
	r.Register("c1", c1Cancel, "root")
	r.Register("c2", c2Cancel, "c1")
	r.Register("other", func() {}, "")

	count := r.AbortHierarchy("root")
	if count != 3 {
		t.Errorf("aborted = %d, want 3", count)
	}
	for name, ctx := range map[string]context.Context{"root": rootCtx, "c1": c1Ctx, "c2": c2Ctx} {
		if ctx.Err() == nil {
			t.Errorf("%s should be cancelled", name)
		}
	}
	if siblingCtx.Err() != nil {
		t.Error("unrelated session must not be cancelled")
	}
}

func TestAbortHierarchyOrphanedDescendants(t *testing.T) {
	r := NewRegistry()
	// Parent already finished and unregistered; child still runs.
	childCtx, childCancel := context.WithCancel(context.Background())
	r.Register("child", childCancel, "gone-parent")

	if count := r.AbortHierarchy("gone-parent"); count != 1 {
		t.Errorf("aborted = %d, want 1", count)
	}
	if childCtx.Err() == nil {
		t.Error("orphaned child should still be cancelled")
	}
}

func TestAbortEmitsEvent(t *testing.T) {
	var events []map[string]interface{}
	r := NewRegistry(WithPublisher(func(name string, payload interface{}) {
		events = append(events, payload.(map[string]interface{}))
	}))
	_, cancel := context.WithCancel(context.Background())
	r.Register("s1", cancel, "")
	r.AbortHierarchy("s1")

	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0]["sessionKey"] != "s1" {
		t.Errorf("event = %+v", events[0])
	}
	// Aborting a tree with no registered runs emits nothing.
	events = nil
	r.AbortHierarchy("s1")
	if len(events) != 0 {
		t.Errorf("no-op abort emitted %d events", len(events))
	}
}

func TestActiveSessionsOrder(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"a", "b", "c"} {
		r.Register(id, func() {}, "")
	}
	got := r.ActiveSessions()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("ActiveSessions = %v, want [a b c]", got)
	}
}
