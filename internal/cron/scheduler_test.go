package cron

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adytum-sh/adytum/internal/llm"
)

type fakeHandler struct {
	calls int32
	fn    func(ctx context.Context, job Job) (string, error)
}

func (h *fakeHandler) handle(ctx context.Context, job Job) (string, error) {
	atomic.AddInt32(&h.calls, 1)
	if h.fn != nil {
		return h.fn(ctx, job)
	}
	return "done", nil
}

func (h *fakeHandler) count() int32 { return atomic.LoadInt32(&h.calls) }

func newTestScheduler(t *testing.T, h Handler, now *time.Time, opts ...Option) *Scheduler {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cron.json")
	all := append([]Option{WithClock(func() time.Time { return *now })}, opts...)
	s, err := NewScheduler(path, h, all...)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	return s
}

func TestAddJobValidation(t *testing.T) {
	now := time.Now()
	s := newTestScheduler(t, (&fakeHandler{}).handle, &now)

	tests := []struct {
		name     string
		schedule string
		task     string
		wantErr  bool
	}{
		{"valid cron", "*/5 * * * *", "do it", false},
		{"valid one-shot", fmt.Sprintf("at:%d", now.Add(time.Hour).UnixMilli()), "once", false},
		{"bad cron", "not a cron", "x", true},
		{"bad one-shot", "at:soon", "x", true},
		{"empty task", "* * * * *", "  ", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.AddJob(AddParams{Name: tt.name, Schedule: tt.schedule, Task: tt.task})
			if (err != nil) != tt.wantErr {
				t.Errorf("AddJob(%q) error = %v, wantErr %v", tt.schedule, err, tt.wantErr)
			}
		})
	}
}

func TestRunGuardBlocksConcurrentTicks(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	h := &fakeHandler{fn: func(ctx context.Context, job Job) (string, error) {
		close(started)
		<-release
		return "slow", nil
	}}
	now := time.Now()
	s := newTestScheduler(t, h.handle, &now)
	job, err := s.AddJob(AddParams{Name: "slow", Schedule: "* * * * *", Task: "work"})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	go s.tryRun(context.Background(), job.ID, false, false)
	<-started

	if got := s.Get(job.ID); got.State.RunningAtMs == nil {
		t.Fatal("runningAtMs should be set while executing")
	}

	// A second tick while running is dropped without calling the handler.
	s.tryRun(context.Background(), job.ID, false, false)
	if h.count() != 1 {
		t.Fatalf("handler calls = %d, want 1", h.count())
	}

	close(release)
	waitFor(t, func() bool { return s.Get(job.ID).State.RunningAtMs == nil })
	got := s.Get(job.ID)
	if got.State.LastStatus != StatusOK {
		t.Errorf("LastStatus = %q, want ok", got.State.LastStatus)
	}
	if got.State.ConsecutiveErrors != 0 {
		t.Errorf("ConsecutiveErrors = %d, want 0", got.State.ConsecutiveErrors)
	}
}

func TestBackoffDropsTicks(t *testing.T) {
	h := &fakeHandler{fn: func(ctx context.Context, job Job) (string, error) {
		return "", errors.New("boom")
	}}
	base := time.Unix(1_700_000_000, 0)
	now := base
	s := newTestScheduler(t, h.handle, &now)
	job, _ := s.AddJob(AddParams{Name: "flaky", Schedule: "* * * * *", Task: "work"})

	// Three consecutive failures, spaced past each backoff window.
	for i := 0; i < 3; i++ {
		s.tryRun(context.Background(), job.ID, false, false)
		now = now.Add(llm.BackoffDelay(i+1) + time.Second)
	}
	got := s.Get(job.ID)
	if got.State.ConsecutiveErrors != 3 {
		t.Fatalf("ConsecutiveErrors = %d, want 3", got.State.ConsecutiveErrors)
	}
	lastRun := got.State.LastRunAtMs

	// Within the 5-minute backoff window the tick is dropped.
	now = time.UnixMilli(lastRun).Add(4 * time.Minute)
	s.tryRun(context.Background(), job.ID, false, false)
	if h.count() != 3 {
		t.Fatalf("handler calls = %d, want 3 (backoff should drop)", h.count())
	}

	// After the window the tick runs; success resets the counter.
	h.fn = nil
	now = time.UnixMilli(lastRun).Add(5*time.Minute + time.Millisecond)
	s.tryRun(context.Background(), job.ID, false, false)
	if h.count() != 4 {
		t.Fatalf("handler calls = %d, want 4", h.count())
	}
	got = s.Get(job.ID)
	if got.State.ConsecutiveErrors != 0 || got.State.LastStatus != StatusOK {
		t.Errorf("state = %+v, want reset after success", got.State)
	}
}

func TestTriggerBypassesBackoff(t *testing.T) {
	h := &fakeHandler{fn: func(ctx context.Context, job Job) (string, error) {
		return "", errors.New("boom")
	}}
	base := time.Unix(1_700_000_000, 0)
	now := base
	s := newTestScheduler(t, h.handle, &now)
	job, _ := s.AddJob(AddParams{Name: "flaky", Schedule: "* * * * *", Task: "work"})

	s.tryRun(context.Background(), job.ID, false, false)
	if h.count() != 1 {
		t.Fatalf("handler calls = %d", h.count())
	}

	// Scheduled tick inside backoff: dropped.
	now = now.Add(3 * time.Second)
	s.tryRun(context.Background(), job.ID, false, false)
	if h.count() != 1 {
		t.Fatalf("handler calls = %d, want backoff drop", h.count())
	}

	// Manual trigger inside backoff: runs.
	h.fn = nil
	if err := s.TriggerJob(context.Background(), job.ID); err != nil {
		t.Fatalf("TriggerJob: %v", err)
	}
	s.Wait()
	if h.count() != 2 {
		t.Fatalf("handler calls = %d, want trigger to bypass backoff", h.count())
	}
}

func TestRefireGap(t *testing.T) {
	h := &fakeHandler{}
	base := time.Unix(1_700_000_000, 0)
	now := base
	s := newTestScheduler(t, h.handle, &now)
	job, _ := s.AddJob(AddParams{Name: "tight", Schedule: "* * * * *", Task: "work"})

	s.tryRun(context.Background(), job.ID, false, false)
	now = now.Add(time.Second) // inside the 2s gap
	s.tryRun(context.Background(), job.ID, false, false)
	if h.count() != 1 {
		t.Fatalf("handler calls = %d, want refire-gap drop", h.count())
	}
	now = now.Add(2 * time.Second)
	s.tryRun(context.Background(), job.ID, false, false)
	if h.count() != 2 {
		t.Fatalf("handler calls = %d, want run after gap", h.count())
	}
}

func TestTimeoutRace(t *testing.T) {
	h := &fakeHandler{fn: func(ctx context.Context, job Job) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	now := time.Now()
	s := newTestScheduler(t, h.handle, &now)
	job, _ := s.AddJob(AddParams{Name: "hang", Schedule: "* * * * *", Task: "work", TimeoutMs: 20})

	s.tryRun(context.Background(), job.ID, false, false)
	got := s.Get(job.ID)
	if got.State.LastStatus != StatusTimeout {
		t.Errorf("LastStatus = %q, want timeout", got.State.LastStatus)
	}
	if got.State.ConsecutiveErrors != 1 {
		t.Errorf("ConsecutiveErrors = %d, want 1", got.State.ConsecutiveErrors)
	}
	if got.State.RunningAtMs != nil {
		t.Error("runningAtMs must be cleared on timeout")
	}
}

func TestHandlerPanicIsError(t *testing.T) {
	h := &fakeHandler{fn: func(ctx context.Context, job Job) (string, error) {
		panic("tool exploded")
	}}
	now := time.Now()
	s := newTestScheduler(t, h.handle, &now)
	job, _ := s.AddJob(AddParams{Name: "bad", Schedule: "* * * * *", Task: "work"})

	s.tryRun(context.Background(), job.ID, false, false)
	got := s.Get(job.ID)
	if got.State.LastStatus != StatusError {
		t.Errorf("LastStatus = %q, want error", got.State.LastStatus)
	}
	if got.State.RunningAtMs != nil {
		t.Error("runningAtMs must be cleared after a panic")
	}
}

func TestOneShotLifecycle(t *testing.T) {
	h := &fakeHandler{}
	base := time.Unix(1_700_000_000, 0)
	now := base
	s := newTestScheduler(t, h.handle, &now)

	// deleteAfterRun: the record disappears after a successful run.
	gone, _ := s.AddJob(AddParams{
		Name:           "once-del",
		Schedule:       fmt.Sprintf("at:%d", base.Add(time.Minute).UnixMilli()),
		Task:           "one shot",
		DeleteAfterRun: true,
	})
	now = base.Add(2 * time.Minute)
	s.tryRun(context.Background(), gone.ID, false, false)
	if s.Get(gone.ID) != nil {
		t.Error("deleteAfterRun job should be removed after ok")
	}

	// Without deleteAfterRun: the record is disabled, not removed.
	kept, _ := s.AddJob(AddParams{
		Name:     "once-keep",
		Schedule: fmt.Sprintf("at:%d", now.Add(time.Minute).UnixMilli()),
		Task:     "one shot",
	})
	now = now.Add(2 * time.Minute)
	s.tryRun(context.Background(), kept.ID, false, false)
	got := s.Get(kept.ID)
	if got == nil {
		t.Fatal("one-shot without deleteAfterRun should survive")
	}
	if got.Enabled {
		t.Error("one-shot should be disabled after running")
	}
}

func TestStaleRunningClearedOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cron.json")
	now := time.Now()
	s, err := NewScheduler(path, (&fakeHandler{}).handle, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	job, _ := s.AddJob(AddParams{Name: "crashy", Schedule: "* * * * *", Task: "work"})

	// Simulate a crash mid-run: persist with runningAtMs set.
	s.mu.Lock()
	ms := now.UnixMilli()
	s.jobs[job.ID].State.RunningAtMs = &ms
	s.saveLocked()
	s.mu.Unlock()

	s2, err := NewScheduler(path, (&fakeHandler{}).handle, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := s2.Get(job.ID); got.State.RunningAtMs != nil {
		t.Error("stale runningAtMs should be cleared on load")
	}
}

func TestUpdateJobRearms(t *testing.T) {
	aborted := []string{}
	now := time.Unix(1_700_000_000, 0)
	s := newTestScheduler(t, (&fakeHandler{}).handle, &now,
		WithAbort(func(sessionKey string) { aborted = append(aborted, sessionKey) }))
	job, _ := s.AddJob(AddParams{Name: "j", Schedule: "0 9 * * *", Task: "work"})
	before := s.Get(job.ID).State.NextRunAtMs

	sched := "0 18 * * *"
	updated, err := s.UpdateJob(job.ID, UpdateParams{Schedule: &sched})
	if err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if updated.Schedule != sched {
		t.Errorf("Schedule = %q", updated.Schedule)
	}
	if updated.State.NextRunAtMs == before {
		t.Error("schedule change should re-arm the timer")
	}
	if len(aborted) != 1 || aborted[0] != job.SessionKey() {
		t.Errorf("aborted = %v, want [%s]", aborted, job.SessionKey())
	}

	// Field-only updates do not abort.
	name := "renamed"
	if _, err := s.UpdateJob(job.ID, UpdateParams{Name: &name}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if len(aborted) != 1 {
		t.Errorf("rename should not abort, aborted = %v", aborted)
	}
}

func TestResumeClearsErrorState(t *testing.T) {
	h := &fakeHandler{fn: func(ctx context.Context, job Job) (string, error) {
		return "", errors.New("boom")
	}}
	now := time.Unix(1_700_000_000, 0)
	s := newTestScheduler(t, h.handle, &now)
	job, _ := s.AddJob(AddParams{Name: "j", Schedule: "* * * * *", Task: "work"})
	s.tryRun(context.Background(), job.ID, false, false)
	s.PauseJob(job.ID)

	if err := s.ResumeJob(job.ID); err != nil {
		t.Fatalf("ResumeJob: %v", err)
	}
	got := s.Get(job.ID)
	if !got.Enabled || got.State.ConsecutiveErrors != 0 || got.State.LastError != "" {
		t.Errorf("resumed job state = %+v", got.State)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cron.json")
	now := time.Now()
	clock := func() time.Time { return now }
	s, _ := NewScheduler(path, (&fakeHandler{}).handle, WithClock(clock))
	job, _ := s.AddJob(AddParams{Name: "keep", Schedule: "0 * * * *", Task: "hourly", Deliver: true})

	s2, err := NewScheduler(path, (&fakeHandler{}).handle, WithClock(clock))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := s2.Get(job.ID)
	if got == nil || got.Name != "keep" || !got.Deliver {
		t.Fatalf("reloaded job = %+v", got)
	}
	if got.State.NextRunAtMs == 0 {
		t.Error("reload should re-arm enabled cron jobs")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
