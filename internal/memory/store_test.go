package memory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "adytum.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddAndSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seeds := []Fact{
		{Content: "The user's favorite editor is Helix", Category: CategoryUserFact},
		{Content: "Deploy pipeline runs on push to main", Category: CategoryGeneral},
		{Content: "Dreamt about reorganizing the skill files", Category: CategoryDream},
	}
	for _, f := range seeds {
		if _, err := s.AddFact(ctx, f); err != nil {
			t.Fatalf("AddFact: %v", err)
		}
	}

	hits, err := s.Search(ctx, "favorite editor", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected at least one hit")
	}
	if !strings.Contains(hits[0].Content, "Helix") {
		t.Errorf("top hit = %q, want the editor fact", hits[0].Content)
	}

	// Punctuation-heavy queries must not break the FTS parser.
	if _, err := s.Search(ctx, `what's "the" deploy (pipeline)?`, 3); err != nil {
		t.Errorf("Search with punctuation: %v", err)
	}

	// Empty queries return nothing rather than matching everything.
	hits, err = s.Search(ctx, "  ", 3)
	if err != nil || hits != nil {
		t.Errorf("empty query = (%v, %v), want (nil, nil)", hits, err)
	}
}

func TestSearchTopK(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if _, err := s.AddFact(ctx, Fact{Content: "gateway restart procedure step"}); err != nil {
			t.Fatalf("AddFact: %v", err)
		}
	}
	hits, err := s.Search(ctx, "gateway restart", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 3 {
		t.Errorf("hits = %d, want 3", len(hits))
	}
}

func TestListAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	f1, _ := s.AddFact(ctx, Fact{Content: "first", Category: CategoryUserFact})
	s.AddFact(ctx, Fact{Content: "second", Category: CategoryGeneral})

	userFacts, err := s.List(ctx, CategoryUserFact, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(userFacts) != 1 || userFacts[0].Content != "first" {
		t.Errorf("List(user_fact) = %+v", userFacts)
	}

	all, _ := s.List(ctx, "", 10)
	if len(all) != 2 {
		t.Errorf("List(all) = %d, want 2", len(all))
	}

	if err := s.Delete(ctx, f1.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
	hits, _ := s.Search(ctx, "first", 5)
	if len(hits) != 0 {
		t.Errorf("deleted fact still searchable: %+v", hits)
	}
}

func TestRecentSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := Fact{Content: "ancient history", CreatedAt: time.Now().Add(-48 * time.Hour)}
	if _, err := s.AddFact(ctx, old); err != nil {
		t.Fatalf("AddFact: %v", err)
	}
	s.AddFact(ctx, Fact{Content: "fresh news"})

	recent, err := s.RecentSince(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("RecentSince: %v", err)
	}
	if len(recent) != 1 || recent[0].Content != "fresh news" {
		t.Errorf("recent = %+v, want only the fresh fact", recent)
	}
}

func TestFactValidationAndTags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AddFact(ctx, Fact{Content: "   "}); err == nil {
		t.Error("blank content should be rejected")
	}

	f, err := s.AddFact(ctx, Fact{Content: "tagged", Tags: []string{"infra", "deploy"}, SessionKey: "cli:main"})
	if err != nil {
		t.Fatalf("AddFact: %v", err)
	}
	if f.ID == "" || f.Category != CategoryGeneral {
		t.Errorf("defaults not applied: %+v", f)
	}

	got, _ := s.List(ctx, "", 1)
	if len(got) != 1 || len(got[0].Tags) != 2 || got[0].SessionKey != "cli:main" {
		t.Errorf("round trip = %+v", got)
	}
}

func TestWriteSnapshot(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "snapshots")
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	facts := []Fact{
		{Content: "user key is sk-abcdefghijklmnopqrstuvwx", Category: CategoryUserFact, CreatedAt: at},
		{Content: "multi\nline\nfact", Category: CategoryGeneral, CreatedAt: at},
	}
	redact := func(s string) string { return strings.ReplaceAll(s, "sk-abcdefghijklmnopqrstuvwx", "[REDACTED_API_KEY]") }

	path, err := WriteSnapshot(dir, facts, redact, at)
	if err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	text := string(data)
	if strings.Contains(text, "sk-abcdefghijklmnopqrstuvwx") {
		t.Error("snapshot must not contain raw secrets")
	}
	if !strings.Contains(text, "[REDACTED_API_KEY]") {
		t.Error("snapshot should contain the redaction token")
	}
	if !strings.Contains(text, "- multi line fact") {
		t.Errorf("newlines should be flattened, got:\n%s", text)
	}
	if !strings.Contains(filepath.Base(path), "2026-03-14") {
		t.Errorf("snapshot name should carry the date, got %s", path)
	}
}
