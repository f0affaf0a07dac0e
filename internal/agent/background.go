package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adytum-sh/adytum/internal/cron"
	"github.com/adytum-sh/adytum/internal/memory"
	"github.com/adytum-sh/adytum/internal/sessions"
	"github.com/adytum-sh/adytum/internal/soul"
	"github.com/adytum-sh/adytum/internal/tools"
)

// Task directives. A cron job whose Task equals one of these dispatches to
// the built-in reflection instead of running the text as a prompt.
const (
	DirectiveDream     = "@dream"
	DirectiveMonologue = "@monologue"
	DirectiveHeartbeat = "@heartbeat"
)

// Built-in job names, stable across restarts so EnsureSystemJobs can find
// jobs it installed earlier.
const (
	JobNameDream     = "system-dream"
	JobNameMonologue = "system-monologue"
	JobNameHeartbeat = "system-heartbeat"
)

const (
	heartbeatPreamble = "[HEARTBEAT]"
	defaultLookback   = 24 * time.Hour
	maxDreamFacts     = 100
)

// ReflectionStore is the memory surface the background tasks need beyond
// what a normal turn uses.
type ReflectionStore interface {
	MemoryStore
	RecentSince(ctx context.Context, since time.Time) ([]memory.Fact, error)
}

// Background runs the periodic self-maintenance tasks: the dreamer, the
// monologue and the heartbeat. Each executes through the same runtime as a
// user turn but on its own system-* session, so nothing it says can land in
// interactive history.
type Background struct {
	runtime     *Runtime
	memory      ReflectionStore
	soul        *soul.Soul
	redact      func(string) string
	snapshotDir string
	lookback    time.Duration
	checklist   func() string
	now         func() time.Time
}

type BackgroundOption func(*Background)

// WithSoul lets successful dreams append to the evolution log (still gated
// by the soul's own autoUpdate flag).
func WithSoul(s *soul.Soul) BackgroundOption {
	return func(b *Background) { b.soul = s }
}

// WithSnapshotDir enables dated memory snapshots under dir after each dream.
func WithSnapshotDir(dir string) BackgroundOption {
	return func(b *Background) { b.snapshotDir = dir }
}

// WithRedactor scrubs secrets from snapshot lines before they reach disk.
func WithRedactor(redact func(string) string) BackgroundOption {
	return func(b *Background) { b.redact = redact }
}

// WithLookback changes how far back the dreamer reads, default 24h.
func WithLookback(d time.Duration) BackgroundOption {
	return func(b *Background) {
		if d > 0 {
			b.lookback = d
		}
	}
}

// WithHeartbeatChecklist supplies the operator's HEARTBEAT.md content; called
// on every beat so edits apply without a restart.
func WithHeartbeatChecklist(load func() string) BackgroundOption {
	return func(b *Background) { b.checklist = load }
}

func NewBackground(rt *Runtime, mem ReflectionStore, opts ...BackgroundOption) *Background {
	b := &Background{
		runtime:  rt,
		memory:   mem,
		lookback: defaultLookback,
		now:      rt.now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Dream reviews recent memory, distills it through the model, stores the
// reflection as a dream fact, writes a redacted snapshot, and feeds the
// evolution log when the soul allows it.
func (b *Background) Dream(ctx context.Context) (string, error) {
	since := b.now().Add(-b.lookback)
	facts, err := b.memory.RecentSince(ctx, since)
	if err != nil {
		return "", fmt.Errorf("load recent memory: %w", err)
	}
	if len(facts) == 0 {
		return "", nil
	}
	if len(facts) > maxDreamFacts {
		facts = facts[len(facts)-maxDreamFacts:]
	}

	res := b.runtime.Run(ctx, RunRequest{
		SessionKey: sessions.SystemKey("dream"),
		Message:    dreamPrompt(facts, since),
	})
	if res.Status != StatusCompleted {
		return "", backgroundErr(res)
	}
	if res.Silent || strings.TrimSpace(res.Response) == "" {
		return "", nil
	}
	reflection := res.Response

	if _, err := b.memory.AddFact(ctx, memory.Fact{
		Content:    reflection,
		Category:   memory.CategoryDream,
		Source:     "dreamer",
		SessionKey: sessions.SystemKey("dream"),
	}); err != nil {
		slog.Warn("background.dream_store_failed", "error", err)
	}

	if b.snapshotDir != "" {
		if path, err := memory.WriteSnapshot(b.snapshotDir, facts, b.redact, b.now()); err != nil {
			slog.Warn("background.snapshot_failed", "error", err)
		} else {
			slog.Info("background.snapshot_written", "path", path, "facts", len(facts))
		}
	}

	if b.soul != nil {
		if err := b.soul.Evolve(reflection); err != nil {
			slog.Warn("background.evolve_failed", "error", err)
		}
	}
	return reflection, nil
}

// Monologue runs one beat of inner voice and stores it as a monologue fact.
func (b *Background) Monologue(ctx context.Context) (string, error) {
	res := b.runtime.Run(ctx, RunRequest{
		SessionKey: sessions.SystemKey("monologue"),
		Message: `Take a short beat of inner monologue. Begin your reply with "STATUS:" ` +
			`and note what you are tracking, wondering about, or want to try next. One paragraph. ` +
			`If there is truly nothing, reply with exactly NO_REPLY.`,
	})
	if res.Status != StatusCompleted {
		return "", backgroundErr(res)
	}
	if res.Silent || strings.TrimSpace(res.Response) == "" {
		return "", nil
	}

	if _, err := b.memory.AddFact(ctx, memory.Fact{
		Content:    res.Response,
		Category:   memory.CategoryMonologue,
		Source:     "monologue",
		SessionKey: sessions.SystemKey("monologue"),
	}); err != nil {
		slog.Warn("background.monologue_store_failed", "error", err)
	}
	return res.Response, nil
}

// Heartbeat pings the agent with the fixed preamble. A NO_REPLY answer means
// all quiet and comes back as an empty string.
func (b *Background) Heartbeat(ctx context.Context) (string, error) {
	msg := heartbeatPreamble + " Periodic check-in. Review your pending work and decide " +
		"whether anything needs attention right now. If not, reply with exactly NO_REPLY."
	if b.checklist != nil {
		if list := strings.TrimSpace(b.checklist()); list != "" {
			msg += "\n\n" + list
		}
	}
	res := b.runtime.Run(ctx, RunRequest{
		SessionKey: sessions.SystemKey("heartbeat"),
		Message:    msg,
	})
	if res.Status != StatusCompleted {
		return "", backgroundErr(res)
	}
	if res.Silent {
		return "", nil
	}
	return res.Response, nil
}

// CronHandler adapts Background for the scheduler: directive tasks dispatch
// to the built-in reflections, anything else runs as an agent turn on the
// job's own cron session.
func (b *Background) CronHandler() cron.Handler {
	return func(ctx context.Context, job cron.Job) (string, error) {
		switch job.Task {
		case DirectiveDream:
			return b.Dream(ctx)
		case DirectiveMonologue:
			return b.Monologue(ctx)
		case DirectiveHeartbeat:
			return b.Heartbeat(ctx)
		}

		res := b.runtime.Run(ctx, RunRequest{
			SessionKey: job.SessionKey(),
			Message:    job.Task,
			AgentID:    job.TargetAgentID,
		})
		switch res.Status {
		case StatusCompleted:
			return res.Response, nil
		case StatusCancelled:
			return "", context.Canceled
		default:
			return "", backgroundErr(res)
		}
	}
}

// SystemJobSchedules configures the built-in jobs; an empty schedule leaves
// that job uninstalled.
type SystemJobSchedules struct {
	Dream     string
	Monologue string
	Heartbeat string
}

// EnsureSystemJobs installs the built-in reflection jobs that are enabled and
// not already present. Jobs are matched by name so user edits (pausing,
// rescheduling) survive restarts.
func EnsureSystemJobs(sched *cron.Scheduler, schedules SystemJobSchedules) error {
	want := []struct {
		name, schedule, task string
	}{
		{JobNameDream, schedules.Dream, DirectiveDream},
		{JobNameMonologue, schedules.Monologue, DirectiveMonologue},
		{JobNameHeartbeat, schedules.Heartbeat, DirectiveHeartbeat},
	}

	existing := make(map[string]bool)
	for _, j := range sched.Jobs() {
		existing[j.Name] = true
	}
	for _, w := range want {
		if w.schedule == "" || existing[w.name] {
			continue
		}
		if _, err := sched.AddJob(cron.AddParams{
			Name:     w.name,
			Schedule: w.schedule,
			Task:     w.task,
		}); err != nil {
			return fmt.Errorf("install %s: %w", w.name, err)
		}
		slog.Info("background.system_job_installed", "job", w.name, "schedule", w.schedule)
	}
	return nil
}

func backgroundErr(res *RunResult) error {
	if res.Err != nil && res.Response == "" {
		return res.Err
	}
	if res.Response != "" {
		return errors.New(res.Response)
	}
	return errors.New("run ended without a result")
}

func dreamPrompt(facts []memory.Fact, since time.Time) string {
	var sb strings.Builder
	sb.WriteString(`Review your recent activity and distill what mattered. Begin your reply with "SUMMARY:" on its own line, `)
	sb.WriteString("then keep durable lessons, open threads, and anything the user should not have to repeat. ")
	sb.WriteString("If nothing is worth keeping, reply with exactly NO_REPLY.\n\n")
	fmt.Fprintf(&sb, "Activity since %s:\n", since.Format("2006-01-02 15:04"))
	for _, f := range facts {
		line := strings.ReplaceAll(f.Content, "\n", " ")
		fmt.Fprintf(&sb, "- [%s] %s\n", f.Category, tools.Truncate(line, 300))
	}
	return sb.String()
}
