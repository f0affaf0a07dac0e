package bus

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/adytum-sh/adytum/pkg/protocol"
)

// Trace record kinds.
const (
	TraceKindRun      = "run"
	TraceKindTool     = "tool"
	TraceKindApproval = "approval"
	TraceKindSecurity = "security"
	TraceKindCron     = "cron"
	TraceKindSpawn    = "spawn"
	TraceKindModel    = "model"
)

// TraceRecord is one audit entry. Input and Output carry redacted,
// truncated summaries, never raw payloads.
type TraceRecord struct {
	ID         string            `json:"id"`
	SessionKey string            `json:"session_key,omitempty"`
	AgentID    string            `json:"agent_id,omitempty"`
	Kind       string            `json:"kind"`
	Name       string            `json:"name"`
	Input      string            `json:"input,omitempty"`
	Output     string            `json:"output,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (r TraceRecord) DurationMs() int64 {
	if r.FinishedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt).Milliseconds()
}

// TraceSink persists audit records. Implementations: sqlite action log,
// optional postgres store in managed mode.
type TraceSink interface {
	Append(ctx context.Context, rec TraceRecord) error
}

const traceFieldMax = 2000

// Audit fans every record out to the event bus, the persistent sinks and,
// when telemetry is enabled, an OTLP span.
type Audit struct {
	pub    EventPublisher
	sinks  []TraceSink
	redact func(string) string
	tracer trace.Tracer
}

// NewAudit builds the audit logger. redact must be non-nil; tracer may be
// nil when telemetry is off.
func NewAudit(pub EventPublisher, redact func(string) string, tracer trace.Tracer, sinks ...TraceSink) *Audit {
	return &Audit{pub: pub, sinks: sinks, redact: redact, tracer: tracer}
}

// Record sanitizes and emits one trace record. It never fails the caller;
// sink errors are logged and dropped.
func (a *Audit) Record(ctx context.Context, rec TraceRecord) {
	rec.Input = a.clean(rec.Input)
	rec.Output = a.clean(rec.Output)
	rec.Error = a.clean(rec.Error)
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = rec.FinishedAt
	}

	if a.pub != nil {
		a.pub.Broadcast(Event{Name: protocol.EventTraceRecord, Payload: rec})
	}

	for _, sink := range a.sinks {
		if err := sink.Append(ctx, rec); err != nil {
			slog.Warn("trace sink append failed", "kind", rec.Kind, "name", rec.Name, "error", err)
		}
	}

	a.span(ctx, rec)
}

func (a *Audit) clean(s string) string {
	if s == "" {
		return ""
	}
	s = a.redact(s)
	if len(s) > traceFieldMax {
		s = s[:traceFieldMax] + "…"
	}
	return s
}

func (a *Audit) span(ctx context.Context, rec TraceRecord) {
	if a.tracer == nil {
		return
	}
	_, span := a.tracer.Start(ctx, rec.Kind+"."+rec.Name,
		trace.WithTimestamp(rec.StartedAt),
		trace.WithAttributes(
			attribute.String("adytum.session", rec.SessionKey),
			attribute.String("adytum.agent", rec.AgentID),
			attribute.String("adytum.kind", rec.Kind),
		))
	if rec.Error != "" {
		span.SetAttributes(attribute.String("adytum.error", rec.Error))
	}
	span.End(trace.WithTimestamp(rec.FinishedAt))
}
