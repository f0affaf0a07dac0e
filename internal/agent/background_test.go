package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/adytum-sh/adytum/internal/cron"
	"github.com/adytum-sh/adytum/internal/llm"
	"github.com/adytum-sh/adytum/internal/memory"
	"github.com/adytum-sh/adytum/internal/providers"
	"github.com/adytum-sh/adytum/internal/soul"
)

// reflectStore adds the recency surface the dreamer needs on top of the
// plain memory fake.
type reflectStore struct {
	fakeMemory
	recent      []memory.Fact
	recentCalls int
}

func (r *reflectStore) RecentSince(ctx context.Context, since time.Time) ([]memory.Fact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recentCalls++
	return r.recent, nil
}

func (r *reflectStore) stored() []memory.Fact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]memory.Fact(nil), r.added...)
}

func TestDreamStoresReflectionSnapshotAndEvolution(t *testing.T) {
	h := newHarness(t, func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		return textResponse("SUMMARY: the user prefers terse answers and is mid-way through a migration."), nil
	})
	rs := &reflectStore{recent: []memory.Fact{
		{Content: "User asked for shorter replies", Category: memory.CategoryUserFact},
		{Content: "Deploy token sk-secret-123 was rotated", Category: memory.CategoryGeneral},
	}}

	soulDir := t.TempDir()
	s, err := soul.Load(soulDir, true)
	if err != nil {
		t.Fatalf("soul.Load: %v", err)
	}
	snapDir := filepath.Join(t.TempDir(), "snapshots")

	bg := NewBackground(h.runtime, rs,
		WithSoul(s),
		WithSnapshotDir(snapDir),
		WithRedactor(func(line string) string {
			return strings.ReplaceAll(line, "sk-secret-123", "[redacted]")
		}),
	)

	out, err := bg.Dream(context.Background())
	if err != nil {
		t.Fatalf("Dream: %v", err)
	}
	if !strings.HasPrefix(out, "SUMMARY:") {
		t.Errorf("reflection = %q", out)
	}

	stored := rs.stored()
	if len(stored) != 1 {
		t.Fatalf("stored %d facts, want 1", len(stored))
	}
	if stored[0].Category != memory.CategoryDream || stored[0].Source != "dreamer" {
		t.Errorf("dream fact = %+v", stored[0])
	}
	if stored[0].SessionKey != "system-dream" {
		t.Errorf("dream fact session = %q", stored[0].SessionKey)
	}

	entries, err := os.ReadDir(snapDir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("snapshot dir = %v entries, err %v", entries, err)
	}
	snap, err := os.ReadFile(filepath.Join(snapDir, entries[0].Name()))
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if strings.Contains(string(snap), "sk-secret-123") {
		t.Error("secret survived redaction into the snapshot")
	}
	if !strings.Contains(string(snap), "[redacted]") {
		t.Error("redacted marker missing from snapshot")
	}

	evo, err := os.ReadFile(filepath.Join(soulDir, "EVOLUTION.md"))
	if err != nil {
		t.Fatalf("read EVOLUTION.md: %v", err)
	}
	if !strings.Contains(string(evo), "terse answers") {
		t.Errorf("evolution log missing reflection: %q", evo)
	}
}

func TestDreamSkipsWhenNothingRecent(t *testing.T) {
	h := newHarness(t, func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		t.Error("model should not be called on an empty lookback window")
		return textResponse("SUMMARY: nothing"), nil
	})
	rs := &reflectStore{}
	bg := NewBackground(h.runtime, rs)

	out, err := bg.Dream(context.Background())
	if err != nil || out != "" {
		t.Errorf("Dream = (%q, %v), want empty and nil", out, err)
	}
	if rs.recentCalls != 1 {
		t.Errorf("RecentSince called %d times, want 1", rs.recentCalls)
	}
}

func TestDreamNoReplyStoresNothing(t *testing.T) {
	h := newHarness(t, func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		return textResponse("NO_REPLY"), nil
	})
	rs := &reflectStore{recent: []memory.Fact{
		{Content: "a quiet day", Category: memory.CategoryGeneral},
	}}
	snapDir := filepath.Join(t.TempDir(), "snapshots")
	bg := NewBackground(h.runtime, rs, WithSnapshotDir(snapDir))

	out, err := bg.Dream(context.Background())
	if err != nil || out != "" {
		t.Errorf("Dream = (%q, %v), want empty and nil", out, err)
	}
	if got := rs.stored(); len(got) != 0 {
		t.Errorf("NO_REPLY dream stored facts: %+v", got)
	}
	if _, err := os.Stat(snapDir); !os.IsNotExist(err) {
		t.Error("NO_REPLY dream wrote a snapshot")
	}
}

func TestDreamPromptCapsFactCount(t *testing.T) {
	var prompt string
	h := newHarness(t, func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		for _, m := range req.Messages {
			if m.Role == "user" {
				prompt = m.Content
			}
		}
		return textResponse("NO_REPLY"), nil
	})
	rs := &reflectStore{}
	for i := 0; i < 120; i++ {
		rs.recent = append(rs.recent, memory.Fact{
			Content:  fmt.Sprintf("note-%03d", i),
			Category: memory.CategoryGeneral,
		})
	}
	bg := NewBackground(h.runtime, rs)

	if _, err := bg.Dream(context.Background()); err != nil {
		t.Fatalf("Dream: %v", err)
	}
	if got := strings.Count(prompt, "- ["); got != maxDreamFacts {
		t.Errorf("prompt carries %d facts, want %d", got, maxDreamFacts)
	}
	// newest survive, oldest are dropped
	if strings.Contains(prompt, "note-019") {
		t.Error("oldest facts should have been trimmed")
	}
	if !strings.Contains(prompt, "note-020") || !strings.Contains(prompt, "note-119") {
		t.Error("newest facts missing from prompt")
	}
}

func TestMonologueStoresStatusFact(t *testing.T) {
	h := newHarness(t, func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		return textResponse("STATUS: mulling over the reindex backlog."), nil
	})
	rs := &reflectStore{}
	bg := NewBackground(h.runtime, rs)

	out, err := bg.Monologue(context.Background())
	if err != nil {
		t.Fatalf("Monologue: %v", err)
	}
	if !strings.HasPrefix(out, "STATUS:") {
		t.Errorf("monologue = %q", out)
	}

	stored := rs.stored()
	if len(stored) != 1 || stored[0].Category != memory.CategoryMonologue {
		t.Fatalf("stored = %+v, want one monologue fact", stored)
	}
	if stored[0].SessionKey != "system-monologue" {
		t.Errorf("monologue session = %q", stored[0].SessionKey)
	}
}

func TestHeartbeatQuietAndNoisy(t *testing.T) {
	var sawPreamble bool
	reply := "NO_REPLY"
	h := newHarness(t, func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		for _, m := range req.Messages {
			if m.Role == "user" && strings.HasPrefix(m.Content, "[HEARTBEAT]") {
				sawPreamble = true
			}
		}
		return textResponse(reply), nil
	})
	rs := &reflectStore{}
	bg := NewBackground(h.runtime, rs)

	out, err := bg.Heartbeat(context.Background())
	if err != nil || out != "" {
		t.Errorf("quiet heartbeat = (%q, %v), want empty and nil", out, err)
	}
	if !sawPreamble {
		t.Error("heartbeat message missing its preamble")
	}
	if got := rs.stored(); len(got) != 0 {
		t.Errorf("heartbeat stored facts: %+v", got)
	}

	reply = "Your 15:00 reminder is due."
	out, err = bg.Heartbeat(context.Background())
	if err != nil || out != reply {
		t.Errorf("noisy heartbeat = (%q, %v)", out, err)
	}
}

func TestHeartbeatIncludesChecklist(t *testing.T) {
	var prompt string
	h := newHarness(t, func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		for _, m := range req.Messages {
			if m.Role == "user" {
				prompt = m.Content
			}
		}
		return textResponse("NO_REPLY"), nil
	})
	bg := NewBackground(h.runtime, &reflectStore{},
		WithHeartbeatChecklist(func() string { return "- check the RSS feed" }))

	if _, err := bg.Heartbeat(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(prompt, "- check the RSS feed") {
		t.Errorf("checklist missing from heartbeat prompt: %q", prompt)
	}
}

func TestCronHandlerDispatchesDirectives(t *testing.T) {
	var prompt string
	h := newHarness(t, func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		for _, m := range req.Messages {
			if m.Role == "user" {
				prompt = m.Content
			}
		}
		return textResponse("STATUS: all quiet."), nil
	})
	rs := &reflectStore{}
	handler := NewBackground(h.runtime, rs).CronHandler()

	out, err := handler(context.Background(), cron.Job{ID: "j1", Task: DirectiveMonologue})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if out != "STATUS: all quiet." {
		t.Errorf("result = %q", out)
	}
	// the directive expands to the real prompt, it is never sent literally
	if strings.Contains(prompt, DirectiveMonologue) {
		t.Errorf("directive leaked into the prompt: %q", prompt)
	}
	if !strings.Contains(prompt, "STATUS:") {
		t.Errorf("monologue prompt not used: %q", prompt)
	}
	if stored := rs.stored(); len(stored) != 1 || stored[0].Category != memory.CategoryMonologue {
		t.Errorf("stored = %+v", stored)
	}
}

func TestCronHandlerRunsPlainTask(t *testing.T) {
	h := newHarness(t, func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		return textResponse("feeds are quiet"), nil
	})
	handler := NewBackground(h.runtime, &reflectStore{}).CronHandler()

	job := cron.Job{ID: "rss1", Task: "check the RSS feeds", TargetAgentID: "agent-7"}
	out, err := handler(context.Background(), job)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if out != "feeds are quiet" {
		t.Errorf("result = %q", out)
	}

	hist := h.store.History(job.SessionKey())
	if len(hist) != 2 || hist[0].Content != "check the RSS feeds" {
		t.Errorf("cron session history = %+v", hist)
	}
}

func TestCronHandlerMapsFailures(t *testing.T) {
	h := newHarness(t, func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		return nil, &llm.AllFailedError{Role: "thinking", Attempts: []llm.Attempt{
			{Model: "a", Err: errors.New("boom")},
		}}
	})
	handler := NewBackground(h.runtime, &reflectStore{}).CronHandler()

	_, err := handler(context.Background(), cron.Job{ID: "j2", Task: "do work"})
	if err == nil || err.Error() != msgAllModelsFailed {
		t.Errorf("err = %v, want the friendly all-failed text", err)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = handler(cancelled, cron.Job{ID: "j3", Task: "do work"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestEnsureSystemJobsInstallsOnce(t *testing.T) {
	sched, err := cron.NewScheduler(filepath.Join(t.TempDir(), "cron.json"), func(ctx context.Context, job cron.Job) (string, error) {
		return "", nil
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	schedules := SystemJobSchedules{Dream: "0 3 * * *", Heartbeat: "*/30 * * * *"}
	if err := EnsureSystemJobs(sched, schedules); err != nil {
		t.Fatalf("EnsureSystemJobs: %v", err)
	}
	if err := EnsureSystemJobs(sched, schedules); err != nil {
		t.Fatalf("EnsureSystemJobs (second): %v", err)
	}

	jobs := sched.Jobs()
	byName := make(map[string]*cron.Job)
	for _, j := range jobs {
		if _, dup := byName[j.Name]; dup {
			t.Errorf("job %q installed twice", j.Name)
		}
		byName[j.Name] = j
	}
	if len(jobs) != 2 {
		t.Fatalf("installed %d jobs, want 2: %+v", len(jobs), jobs)
	}
	if j, ok := byName[JobNameDream]; !ok || j.Task != DirectiveDream {
		t.Errorf("dream job = %+v", j)
	}
	if j, ok := byName[JobNameHeartbeat]; !ok || j.Task != DirectiveHeartbeat {
		t.Errorf("heartbeat job = %+v", j)
	}
	if _, ok := byName[JobNameMonologue]; ok {
		t.Error("monologue installed despite empty schedule")
	}
}
