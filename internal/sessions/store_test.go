package sessions

import (
	"testing"

	"github.com/adytum-sh/adytum/internal/providers"
)

func TestKindForKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"agent-main", KindInteractive},
		{"cron-job42", KindScheduled},
		{"system-dream", KindSystem},
		{"adhoc", KindInteractive},
	}
	for _, tt := range tests {
		if got := KindForKey(tt.key); got != tt.want {
			t.Errorf("KindForKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestIsBackground(t *testing.T) {
	if !IsBackground("system-monologue") || !IsBackground("cron-x") {
		t.Error("system/cron keys should be background")
	}
	if IsBackground("agent-main") {
		t.Error("agent keys should not be background")
	}
}

func TestCommitPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	key := AgentKey("a1")
	s.GetOrCreate(key, KindInteractive)
	msgs := []providers.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
	}
	usage := &providers.Usage{PromptTokens: 10, CompletionTokens: 5}
	if err := s.Commit(key, msgs, usage); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	reloaded := NewStore(dir)
	sess, ok := reloaded.Get(key)
	if !ok {
		t.Fatal("session not reloaded from disk")
	}
	if len(sess.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(sess.Messages))
	}
	if sess.Kind != KindInteractive {
		t.Errorf("kind = %q, want %q", sess.Kind, KindInteractive)
	}
	if sess.InputTokens != 10 || sess.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d, want 10/5", sess.InputTokens, sess.OutputTokens)
	}
}

func TestCommitReplacesHistory(t *testing.T) {
	s := NewStore("")
	key := CronKey("job1")
	s.GetOrCreate(key, KindScheduled)

	s.Commit(key, []providers.Message{{Role: "user", Content: "one"}}, nil)
	s.Commit(key, []providers.Message{
		{Role: "user", Content: "one"},
		{Role: "assistant", Content: "two"},
	}, nil)

	hist := s.History(key)
	if len(hist) != 2 {
		t.Fatalf("got %d messages, want 2", len(hist))
	}
	if hist[1].Content != "two" {
		t.Errorf("last message = %q, want %q", hist[1].Content, "two")
	}
}

func TestHistoryReturnsCopy(t *testing.T) {
	s := NewStore("")
	key := AgentKey("a2")
	s.GetOrCreate(key, KindInteractive)
	s.Commit(key, []providers.Message{{Role: "user", Content: "original"}}, nil)

	hist := s.History(key)
	hist[0].Content = "mutated"

	if got := s.History(key)[0].Content; got != "original" {
		t.Errorf("stored history mutated: %q", got)
	}
}

func TestResetClearsHistoryAndSummary(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	key := AgentKey("a3")
	s.GetOrCreate(key, KindInteractive)
	s.Commit(key, []providers.Message{{Role: "user", Content: "x"}}, nil)
	s.SetSummary(key, "a summary")

	if err := s.Reset(key); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	sess, _ := s.Get(key)
	if len(sess.Messages) != 0 || sess.Summary != "" || sess.CompactionCount != 0 {
		t.Errorf("reset left state behind: %+v", sess)
	}
}

func TestDeleteRemovesFile(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	key := SystemKey("dream")
	s.GetOrCreate(key, KindSystem)
	if err := s.Save(key); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	reloaded := NewStore(dir)
	if _, ok := reloaded.Get(key); ok {
		t.Error("deleted session still on disk")
	}
}

func TestListFiltersByAgent(t *testing.T) {
	s := NewStore("")
	s.GetOrCreate(AgentKey("a"), KindInteractive)
	s.SetAgent(AgentKey("a"), "a")
	s.GetOrCreate(AgentKey("b"), KindInteractive)
	s.SetAgent(AgentKey("b"), "b")

	all := s.List("")
	if len(all) != 2 {
		t.Fatalf("List(\"\") = %d sessions, want 2", len(all))
	}
	only := s.List("a")
	if len(only) != 1 || only[0].AgentID != "a" {
		t.Fatalf("List(\"a\") = %+v, want one session for agent a", only)
	}
}

func TestSaveRejectsTraversalKeys(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	key := "../escape"
	s.GetOrCreate(key, KindInteractive)
	if err := s.Save(key); err == nil {
		t.Error("expected error saving key with path separators")
	}
}
