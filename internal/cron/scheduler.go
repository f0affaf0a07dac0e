// Package cron schedules agent jobs from cron expressions and one-shot
// timestamps, with per-job backoff, a run-in-progress guard, and a timeout
// race around each execution.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/adytum-sh/adytum/internal/llm"
	"github.com/adytum-sh/adytum/pkg/protocol"
)

// Run statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
	StatusTimeout = "timeout"
)

// Schedule kinds.
const (
	KindCron = "cron"
	KindAt   = "at"
)

const (
	minRefireGapMs = 2000
	// DefaultTimeout bounds one job execution unless the job overrides it.
	DefaultTimeout = 10 * time.Minute
)

// JobState is the mutable run bookkeeping for one job.
type JobState struct {
	LastRunAtMs       int64  `json:"lastRunAtMs,omitempty"`
	LastStatus        string `json:"lastStatus,omitempty"`
	LastError         string `json:"lastError,omitempty"`
	LastDurationMs    int64  `json:"lastDurationMs,omitempty"`
	ConsecutiveErrors int    `json:"consecutiveErrors,omitempty"`
	RunningAtMs       *int64 `json:"runningAtMs,omitempty"`
	NextRunAtMs       int64  `json:"nextRunAtMs,omitempty"`
}

// Job is one scheduled task. Schedule is either a cron expression or
// "at:<epochMs>" for a one-shot.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Schedule       string   `json:"schedule"`
	ScheduleKind   string   `json:"scheduleKind"`
	Task           string   `json:"task"`
	TargetAgentID  string   `json:"targetAgentId,omitempty"`
	Enabled        bool     `json:"enabled"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	TimeoutMs      int64    `json:"timeoutMs,omitempty"`
	Deliver        bool     `json:"deliver,omitempty"`
	State          JobState `json:"state"`
	CreatedAtMs    int64    `json:"createdAtMs"`
	UpdatedAtMs    int64    `json:"updatedAtMs"`
}

// SessionKey returns the background session a job's runs execute under.
func (j *Job) SessionKey() string { return "cron-" + j.ID }

// Handler executes one job tick and returns the textual result.
type Handler func(ctx context.Context, job Job) (string, error)

type schedulerFile struct {
	Jobs []*Job `json:"jobs"`
}

// Scheduler owns the job records and the timer loop.
type Scheduler struct {
	mu      sync.Mutex
	path    string
	jobs    map[string]*Job
	order   []string
	handler Handler

	gron           *gronx.Gronx
	wake           chan struct{}
	sem            chan struct{}
	defaultTimeout time.Duration
	abortTree      func(sessionKey string)
	publish        func(name string, payload interface{})
	now            func() time.Time
	wg             sync.WaitGroup
}

type Option func(*Scheduler)

// WithPublisher announces job lifecycle events on the bus.
func WithPublisher(publish func(name string, payload interface{})) Option {
	return func(s *Scheduler) { s.publish = publish }
}

// WithAbort wires hierarchy cancellation for job removal/update.
func WithAbort(abort func(sessionKey string)) Option {
	return func(s *Scheduler) { s.abortTree = abort }
}

// WithDefaultTimeout overrides the 10-minute per-job default.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.defaultTimeout = d
		}
	}
}

// WithMaxConcurrent caps simultaneously executing jobs.
func WithMaxConcurrent(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.sem = make(chan struct{}, n)
		}
	}
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler loads jobs from path. Stale runningAtMs markers left by a
// crash are cleared so the guard does not wedge jobs forever.
func NewScheduler(path string, handler Handler, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		path:           path,
		jobs:           make(map[string]*Job),
		handler:        handler,
		gron:           gronx.New(),
		wake:           make(chan struct{}, 1),
		sem:            make(chan struct{}, 4),
		defaultTimeout: DefaultTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read cron file: %w", err)
	}
	if err == nil {
		var file schedulerFile
		if jsonErr := json.Unmarshal(data, &file); jsonErr != nil {
			slog.Warn("cron file corrupt, starting empty", "path", path, "error", jsonErr)
		} else {
			for _, j := range file.Jobs {
				j.State.RunningAtMs = nil
				s.jobs[j.ID] = j
				s.order = append(s.order, j.ID)
			}
		}
	}
	sort.SliceStable(s.order, func(i, j int) bool {
		return s.jobs[s.order[i]].CreatedAtMs < s.jobs[s.order[j]].CreatedAtMs
	})
	s.mu.Lock()
	s.rearmLocked()
	s.mu.Unlock()
	return s, nil
}

// Start runs the timer loop until ctx is cancelled, then waits for in-flight
// jobs to drain.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
}

// Wait blocks until the loop and all running jobs have finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) loop(ctx context.Context) {
	for {
		wait := s.untilNext()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
			continue
		case <-timer.C:
			s.fireDue(ctx)
		}
	}
}

func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := int64(0)
	for _, id := range s.order {
		j := s.jobs[id]
		if !j.Enabled || j.State.NextRunAtMs == 0 {
			continue
		}
		if next == 0 || j.State.NextRunAtMs < next {
			next = j.State.NextRunAtMs
		}
	}
	if next == 0 {
		return time.Minute
	}
	d := time.UnixMilli(next).Sub(s.now())
	if d < 0 {
		d = 0
	}
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

func (s *Scheduler) fireDue(ctx context.Context) {
	nowMs := s.now().UnixMilli()
	s.mu.Lock()
	var due []string
	for _, id := range s.order {
		j := s.jobs[id]
		if j.Enabled && j.State.NextRunAtMs > 0 && j.State.NextRunAtMs <= nowMs {
			due = append(due, id)
			// Consume the arm time immediately so a slow run does not refire.
			if j.ScheduleKind == KindAt {
				j.State.NextRunAtMs = 0
			} else {
				s.armJobLocked(j)
			}
		}
	}
	s.saveLocked()
	s.mu.Unlock()

	for _, id := range due {
		id := id
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.tryRun(ctx, id, false, false)
		}()
	}
}

type runOutcome struct {
	status string
	result string
	errMsg string
}

// tryRun applies the tick guards and, if they pass, executes the job racing
// its timeout. bypassBackoff is set for manual triggers; manual also runs
// disabled jobs.
func (s *Scheduler) tryRun(ctx context.Context, id string, bypassBackoff, manual bool) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || (!job.Enabled && !manual) {
		s.mu.Unlock()
		return
	}
	nowMs := s.now().UnixMilli()

	if job.State.RunningAtMs != nil {
		snapshot := *job
		s.mu.Unlock()
		s.emit(protocol.CronEventSkipped, &snapshot, "already running")
		return
	}
	if !bypassBackoff && job.State.ConsecutiveErrors > 0 && job.State.LastRunAtMs > 0 {
		wait := llm.BackoffDelay(job.State.ConsecutiveErrors)
		if time.UnixMilli(job.State.LastRunAtMs).Add(wait).After(s.now()) {
			snapshot := *job
			s.mu.Unlock()
			s.emit(protocol.CronEventSkipped, &snapshot, "in backoff")
			return
		}
	}
	if !manual && job.State.LastRunAtMs > 0 && nowMs-job.State.LastRunAtMs < minRefireGapMs {
		snapshot := *job
		s.mu.Unlock()
		s.emit(protocol.CronEventSkipped, &snapshot, "refire gap")
		return
	}

	start := nowMs
	job.State.RunningAtMs = &start
	if err := s.saveLocked(); err != nil {
		slog.Warn("cron save failed", "error", err)
	}
	snapshot := *job
	s.mu.Unlock()

	s.emit(protocol.CronEventStarted, &snapshot, "")
	outcome := s.execute(ctx, snapshot)
	s.finish(id, start, outcome)
}

func (s *Scheduler) execute(ctx context.Context, job Job) runOutcome {
	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-ctx.Done():
			return runOutcome{status: StatusError, errMsg: ctx.Err().Error()}
		}
	}

	timeout := s.defaultTimeout
	if job.TimeoutMs > 0 {
		timeout = time.Duration(job.TimeoutMs) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type handlerResult struct {
		text string
		err  error
	}
	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: fmt.Errorf("job panic: %v", r)}
			}
		}()
		text, err := s.handler(runCtx, job)
		done <- handlerResult{text: text, err: err}
	}()

	select {
	case <-runCtx.Done():
		if runCtx.Err() == context.DeadlineExceeded {
			return runOutcome{status: StatusTimeout, errMsg: fmt.Sprintf("timed out after %s", timeout)}
		}
		return runOutcome{status: StatusError, errMsg: runCtx.Err().Error()}
	case res := <-done:
		if res.err != nil {
			return runOutcome{status: StatusError, errMsg: res.err.Error()}
		}
		return runOutcome{status: StatusOK, result: res.text}
	}
}

// finish clears the run guard and records the outcome. One-shots are removed
// after a successful run when deleteAfterRun is set, disabled otherwise.
func (s *Scheduler) finish(id string, startMs int64, outcome runOutcome) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		// Removed mid-run; nothing to record.
		s.mu.Unlock()
		return
	}
	endMs := s.now().UnixMilli()
	job.State.RunningAtMs = nil
	job.State.LastRunAtMs = endMs
	job.State.LastDurationMs = endMs - startMs
	job.State.LastStatus = outcome.status
	job.State.LastError = outcome.errMsg
	if outcome.status == StatusOK {
		job.State.ConsecutiveErrors = 0
	} else {
		job.State.ConsecutiveErrors++
	}

	removed := false
	if job.ScheduleKind == KindAt {
		if job.DeleteAfterRun && outcome.status == StatusOK {
			delete(s.jobs, id)
			s.order = removeID(s.order, id)
			removed = true
		} else {
			job.Enabled = false
			job.State.NextRunAtMs = 0
		}
	} else {
		s.armJobLocked(job)
	}
	if err := s.saveLocked(); err != nil {
		slog.Warn("cron save failed", "error", err)
	}
	snapshot := *job
	s.mu.Unlock()

	s.kick()
	switch outcome.status {
	case StatusOK:
		slog.Info("cron.job.finished", "job", snapshot.Name, "id", id, "durationMs", snapshot.State.LastDurationMs, "removed", removed)
		s.emit(protocol.CronEventFinished, &snapshot, outcome.result)
	default:
		slog.Warn("cron.job.failed", "job", snapshot.Name, "id", id,
			"status", outcome.status, "error", outcome.errMsg,
			"consecutiveErrors", snapshot.State.ConsecutiveErrors)
		s.emit(protocol.CronEventFailed, &snapshot, outcome.errMsg)
	}
}

// AddParams are the inputs to AddJob.
type AddParams struct {
	Name           string
	Schedule       string
	Task           string
	TargetAgentID  string
	TimeoutMs      int64
	Deliver        bool
	DeleteAfterRun bool
	Disabled       bool
}

// AddJob validates the schedule, persists the job, and arms its timer.
func (s *Scheduler) AddJob(p AddParams) (*Job, error) {
	if strings.TrimSpace(p.Task) == "" {
		return nil, fmt.Errorf("job task required")
	}
	kind, err := s.validateSchedule(p.Schedule)
	if err != nil {
		return nil, err
	}

	nowMs := s.now().UnixMilli()
	job := &Job{
		ID:             uuid.NewString(),
		Name:           strings.TrimSpace(p.Name),
		Schedule:       p.Schedule,
		ScheduleKind:   kind,
		Task:           p.Task,
		TargetAgentID:  p.TargetAgentID,
		Enabled:        !p.Disabled,
		DeleteAfterRun: p.DeleteAfterRun && kind == KindAt,
		TimeoutMs:      p.TimeoutMs,
		Deliver:        p.Deliver,
		CreatedAtMs:    nowMs,
		UpdatedAtMs:    nowMs,
	}
	if job.Name == "" {
		job.Name = "job-" + job.ID[:8]
	}

	s.mu.Lock()
	s.armJobLocked(job)
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	err = s.saveLocked()
	snapshot := *job
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.kick()
	slog.Info("cron.job.added", "job", snapshot.Name, "id", snapshot.ID, "schedule", snapshot.Schedule)
	return &snapshot, nil
}

// UpdateParams carries optional field updates; nil leaves a field unchanged.
type UpdateParams struct {
	Name          *string
	Schedule      *string
	Task          *string
	TargetAgentID *string
	Enabled       *bool
	TimeoutMs     *int64
	Deliver       *bool
}

// UpdateJob mutates a job. A schedule or enabled change re-arms the timer
// and aborts any in-flight run tree for the job's session.
func (s *Scheduler) UpdateJob(id string, p UpdateParams) (*Job, error) {
	rearm := false
	if p.Schedule != nil {
		if _, err := s.validateSchedule(*p.Schedule); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("job not found: %s", id)
	}
	if p.Name != nil {
		job.Name = strings.TrimSpace(*p.Name)
	}
	if p.Task != nil {
		job.Task = *p.Task
	}
	if p.TargetAgentID != nil {
		job.TargetAgentID = *p.TargetAgentID
	}
	if p.TimeoutMs != nil {
		job.TimeoutMs = *p.TimeoutMs
	}
	if p.Deliver != nil {
		job.Deliver = *p.Deliver
	}
	if p.Schedule != nil && *p.Schedule != job.Schedule {
		job.Schedule = *p.Schedule
		kind, _ := s.validateSchedule(*p.Schedule)
		job.ScheduleKind = kind
		rearm = true
	}
	if p.Enabled != nil && *p.Enabled != job.Enabled {
		job.Enabled = *p.Enabled
		rearm = true
	}
	job.UpdatedAtMs = s.now().UnixMilli()
	if rearm {
		s.armJobLocked(job)
	}
	err := s.saveLocked()
	snapshot := *job
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if rearm {
		s.abortJobTree(&snapshot)
		s.kick()
	}
	return &snapshot, nil
}

// PauseJob disables a job without touching its error state.
func (s *Scheduler) PauseJob(id string) error {
	enabled := false
	_, err := s.UpdateJob(id, UpdateParams{Enabled: &enabled})
	return err
}

// ResumeJob re-enables a job and clears its error state so backoff does not
// keep suppressing it.
func (s *Scheduler) ResumeJob(id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job not found: %s", id)
	}
	job.Enabled = true
	job.State.ConsecutiveErrors = 0
	job.State.LastError = ""
	job.UpdatedAtMs = s.now().UnixMilli()
	s.armJobLocked(job)
	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.kick()
	return nil
}

// RemoveJob deletes a job and aborts its in-flight run tree.
func (s *Scheduler) RemoveJob(id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job not found: %s", id)
	}
	snapshot := *job
	delete(s.jobs, id)
	s.order = removeID(s.order, id)
	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.abortJobTree(&snapshot)
	s.kick()
	slog.Info("cron.job.removed", "job", snapshot.Name, "id", id)
	return nil
}

// TriggerJob runs a job now, bypassing backoff and the schedule but still
// honoring the run-in-progress guard.
func (s *Scheduler) TriggerJob(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job not found: %s", id)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tryRun(ctx, id, true, true)
	}()
	return nil
}

// Get returns a copy of one job, or nil.
func (s *Scheduler) Get(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		snapshot := *job
		return &snapshot
	}
	return nil
}

// Jobs lists all jobs in creation order.
func (s *Scheduler) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.order))
	for _, id := range s.order {
		snapshot := *s.jobs[id]
		out = append(out, &snapshot)
	}
	return out
}

// GetJobStatus renders one job's state as a human-readable line.
func (s *Scheduler) GetJobStatus(id string) string {
	job := s.Get(id)
	if job == nil {
		return fmt.Sprintf("job not found: %s", id)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)", job.Name, job.Schedule)
	if !job.Enabled {
		b.WriteString(" [paused]")
	}
	if job.State.RunningAtMs != nil {
		fmt.Fprintf(&b, " running since %s", time.UnixMilli(*job.State.RunningAtMs).Format(time.RFC3339))
	}
	if job.State.LastStatus != "" {
		fmt.Fprintf(&b, " last=%s in %dms at %s", job.State.LastStatus,
			job.State.LastDurationMs, time.UnixMilli(job.State.LastRunAtMs).Format(time.RFC3339))
	}
	if job.State.ConsecutiveErrors > 0 {
		fmt.Fprintf(&b, " errors=%d (backoff %s)", job.State.ConsecutiveErrors,
			llm.BackoffDelay(job.State.ConsecutiveErrors))
	}
	if job.Enabled && job.State.NextRunAtMs > 0 {
		fmt.Fprintf(&b, " next=%s", time.UnixMilli(job.State.NextRunAtMs).Format(time.RFC3339))
	}
	return b.String()
}

func (s *Scheduler) validateSchedule(schedule string) (string, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return "", fmt.Errorf("schedule required")
	}
	if strings.HasPrefix(schedule, "at:") {
		ms, err := strconv.ParseInt(strings.TrimPrefix(schedule, "at:"), 10, 64)
		if err != nil || ms <= 0 {
			return "", fmt.Errorf("invalid one-shot schedule %q, want at:<epochMs>", schedule)
		}
		return KindAt, nil
	}
	if !s.gron.IsValid(schedule) {
		return "", fmt.Errorf("invalid cron expression: %q", schedule)
	}
	return KindCron, nil
}

// armJobLocked recomputes NextRunAtMs. Past one-shots stay armed so a job
// missed during downtime fires immediately after load.
func (s *Scheduler) armJobLocked(job *Job) {
	if !job.Enabled {
		job.State.NextRunAtMs = 0
		return
	}
	switch job.ScheduleKind {
	case KindAt:
		ms, _ := strconv.ParseInt(strings.TrimPrefix(job.Schedule, "at:"), 10, 64)
		job.State.NextRunAtMs = ms
	default:
		next, err := gronx.NextTickAfter(job.Schedule, s.now(), false)
		if err != nil {
			slog.Warn("cron.arm_failed", "job", job.Name, "schedule", job.Schedule, "error", err)
			job.State.NextRunAtMs = 0
			return
		}
		job.State.NextRunAtMs = next.UnixMilli()
	}
}

func (s *Scheduler) rearmLocked() {
	for _, id := range s.order {
		s.armJobLocked(s.jobs[id])
	}
}

func (s *Scheduler) abortJobTree(job *Job) {
	if s.abortTree != nil {
		s.abortTree(job.SessionKey())
	}
}

// kick wakes the loop so it recomputes the next timer.
func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) emit(subtype string, job *Job, detail string) {
	if s.publish == nil {
		return
	}
	s.publish(protocol.EventCron, map[string]interface{}{
		"type":   subtype,
		"job":    job,
		"detail": detail,
	})
}

func (s *Scheduler) saveLocked() error {
	if s.path == "" {
		return nil
	}
	file := schedulerFile{}
	for _, id := range s.order {
		file.Jobs = append(file.Jobs, s.jobs[id])
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func removeID(order []string, id string) []string {
	out := order[:0]
	for _, v := range order {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
