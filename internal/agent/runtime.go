// Package agent runs the ReAct loop: model calls, ordered tool execution,
// approval gating, context compaction and memory recall for one session
// at a time.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adytum-sh/adytum/internal/bus"
	"github.com/adytum-sh/adytum/internal/llm"
	"github.com/adytum-sh/adytum/internal/memory"
	"github.com/adytum-sh/adytum/internal/providers"
	"github.com/adytum-sh/adytum/internal/runtime"
	"github.com/adytum-sh/adytum/internal/sessions"
	"github.com/adytum-sh/adytum/internal/tools"
	"github.com/adytum-sh/adytum/pkg/protocol"
)

// Run outcomes.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Approval modes for tools that require confirmation.
const (
	ApprovalAlways    = "always"
	ApprovalNever     = "never"
	ApprovalUntrusted = "untrusted"
)

const (
	defaultMaxIterations = 12
	defaultMaxTokens     = 8192
	defaultTemperature   = 0.7
	memoryTopK           = 5
	sentinelScanTail     = 12
	roleFast             = "fast"
)

// Tools whose output originates from the open web. In "untrusted"
// approval mode, a turn that has seen their results starts gating
// approval-required tools.
var untrustedOriginTools = map[string]bool{
	"web_search":    true,
	"web_fetch":     true,
	"browser_visit": true,
}

// ModelCaller is the slice of the model router the runtime needs.
type ModelCaller interface {
	Chat(ctx context.Context, roleOrTask string, req providers.ChatRequest) (*llm.Result, error)
	ChatStream(ctx context.Context, roleOrTask string, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*llm.Result, error)
}

// MemoryStore is the slice of the fact store the runtime needs.
type MemoryStore interface {
	Search(ctx context.Context, query string, k int) ([]memory.ScoredFact, error)
	AddFact(ctx context.Context, f memory.Fact) (memory.Fact, error)
}

// ApprovalRequest is handed to the approval handler when a gated tool
// wants to run.
type ApprovalRequest struct {
	ID         string                 `json:"id"`
	SessionKey string                 `json:"sessionKey"`
	AgentID    string                 `json:"agentId,omitempty"`
	Tool       string                 `json:"tool"`
	Arguments  map[string]interface{} `json:"arguments,omitempty"`
}

// ApprovalFunc resolves an approval request. A nil handler or an error
// counts as denial; only ctx cancellation aborts the turn.
type ApprovalFunc func(ctx context.Context, req ApprovalRequest) (bool, error)

// Config wires a Runtime. Router, Tools and Contexts are required;
// everything else degrades gracefully when nil.
type Config struct {
	AgentID   string
	AgentName string
	Role      string // routing role for model selection, e.g. "thinking"
	Workspace string

	Router   ModelCaller
	Tools    *tools.Registry
	Contexts *ContextStore
	Sessions *sessions.Store
	Memory   MemoryStore
	Runtimes *runtime.Registry
	Audit    *bus.Audit
	Publish  func(name string, payload interface{})
	Approver ApprovalFunc
	Prompt   PromptSources

	ApprovalMode  string
	MaxIterations int
	MaxTokens     int
	Temperature   float64
	Clock         func() time.Time
}

// Runtime executes turns for one agent. Safe for concurrent use across
// sessions; within a session callers serialise Run.
type Runtime struct {
	cfg Config
	now func() time.Time

	promptMu     sync.Mutex
	cachedPrompt string
}

// New builds a Runtime, applying defaults for unset knobs.
func New(cfg Config) *Runtime {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}
	switch cfg.ApprovalMode {
	case ApprovalAlways, ApprovalNever, ApprovalUntrusted:
	default:
		cfg.ApprovalMode = ApprovalAlways
	}
	if cfg.Role == "" {
		cfg.Role = "thinking"
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Runtime{cfg: cfg, now: now}
}

// RunRequest is one turn.
type RunRequest struct {
	SessionKey string
	Message    string

	// Overrides; zero values fall back to the runtime config.
	Role        string
	Model       string // explicit provider/model, bypasses the role chain
	AgentID     string
	AgentName   string
	Temperature float64

	// ExtraSystemPrompt is appended to the system prompt for this turn
	// (sub-agent goal frame, cron job context).
	ExtraSystemPrompt string

	// ParentSessionKey links this run under a parent for cascade aborts.
	ParentSessionKey string

	Stream  bool
	OnChunk func(providers.StreamChunk)
}

// ToolCallRecord summarises one executed tool call.
type ToolCallRecord struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsError    bool   `json:"isError"`
	Rejected   bool   `json:"rejected,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// RunResult is the outcome of one turn. Run never returns an error: the
// failure text is already phrased for the user in Response.
type RunResult struct {
	Status     string           `json:"status"`
	Response   string           `json:"response"`
	Silent     bool             `json:"silent,omitempty"`
	TraceID    string           `json:"traceId"`
	Iterations int              `json:"iterations"`
	ToolCalls  []ToolCallRecord `json:"toolCalls"`
	Usage      providers.Usage  `json:"usage"`
	Err        error            `json:"-"`
}

// Run executes one turn against the session's context. It blocks until
// the loop finishes, is cancelled, or fails.
func (r *Runtime) Run(ctx context.Context, req RunRequest) *RunResult {
	traceID := uuid.NewString()
	started := r.now()
	agentID := req.AgentID
	if agentID == "" {
		agentID = r.cfg.AgentID
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if r.cfg.Runtimes != nil {
		r.cfg.Runtimes.Register(req.SessionKey, cancel, req.ParentSessionKey)
		defer r.cfg.Runtimes.Unregister(req.SessionKey)
	}

	runCtx = tools.WithSessionKey(runCtx, req.SessionKey)
	if agentID != "" {
		runCtx = tools.WithAgentID(runCtx, agentID)
	}

	r.emit(protocol.AgentEventRunStarted, agentID, req.SessionKey, traceID, map[string]interface{}{
		"message": tools.Truncate(req.Message, 200),
	})

	res := r.runLoop(runCtx, req, traceID, agentID)
	res.TraceID = traceID

	finished := r.now()
	if r.cfg.Audit != nil {
		rec := bus.TraceRecord{
			ID:         traceID,
			SessionKey: req.SessionKey,
			AgentID:    agentID,
			Kind:       bus.TraceKindRun,
			Name:       r.agentName(req),
			Input:      req.Message,
			Output:     res.Response,
			StartedAt:  started,
			FinishedAt: finished,
			Metadata: map[string]string{
				"status":     res.Status,
				"iterations": fmt.Sprintf("%d", res.Iterations),
			},
		}
		if res.Err != nil {
			rec.Error = res.Err.Error()
		}
		r.cfg.Audit.Record(context.WithoutCancel(ctx), rec)
	}

	switch res.Status {
	case StatusCompleted:
		r.emit(protocol.AgentEventRunCompleted, agentID, req.SessionKey, traceID, map[string]interface{}{
			"iterations": res.Iterations,
			"toolCalls":  len(res.ToolCalls),
		})
	case StatusCancelled:
		r.emit(protocol.AgentEventRunAborted, agentID, req.SessionKey, traceID, nil)
	default:
		payload := map[string]interface{}{"response": res.Response}
		if res.Err != nil {
			payload["error"] = res.Err.Error()
		}
		r.emit(protocol.AgentEventRunFailed, agentID, req.SessionKey, traceID, payload)
	}
	return res
}

func (r *Runtime) runLoop(ctx context.Context, req RunRequest, traceID, agentID string) *RunResult {
	background := sessions.IsBackground(req.SessionKey)
	cm := r.cfg.Contexts.Get(req.SessionKey)

	// Leak guard: background prompt sentinels in an interactive context
	// mean a prior bug crossed sessions. Rebuild from nothing.
	if !background && HasBackgroundSentinel(cm.Tail(sentinelScanTail)) {
		slog.Warn("agent.sentinel_leak", "session", req.SessionKey)
		cm.Clear()
		r.emit(protocol.AgentEventStatus, agentID, req.SessionKey, traceID, map[string]interface{}{
			"message": "Context reset: background artifacts detected.",
		})
	}

	if background {
		cm.SetSystemPrompt(r.backgroundPrompt(req))
	} else {
		prompt := r.SystemPrompt()
		if req.ExtraSystemPrompt != "" {
			prompt += "\n\n" + req.ExtraSystemPrompt
		}
		cm.SetSystemPrompt(prompt)
	}

	turnStart := cm.MessageCount()
	rollback := func() { cm.TruncateTo(turnStart) }

	r.addGuarded(ctx, cm, providers.Message{Role: "user", Content: req.Message})

	if !background && r.cfg.Memory != nil {
		for _, fact := range MineUserFacts(req.Message) {
			if _, err := r.cfg.Memory.AddFact(ctx, memory.Fact{
				Content:    fact,
				Category:   memory.CategoryUserFact,
				Source:     "fact-miner",
				SessionKey: req.SessionKey,
			}); err != nil {
				slog.Warn("agent.fact_mine_failed", "session", req.SessionKey, "error", err)
			}
		}
	}

	var splice string
	if !background {
		splice = r.memorySplice(ctx, req.Message)
	}

	role := req.Role
	if role == "" {
		role = r.cfg.Role
	}
	temperature := req.Temperature
	if temperature <= 0 {
		temperature = r.cfg.Temperature
	}

	var (
		totalUsage   providers.Usage
		toolRecords  []ToolCallRecord
		lastModel    string
		lastProvider string
		lastText     string
		finalContent string
		sawUntrusted bool
		answered     bool
	)

	iteration := 0
	for iteration < r.cfg.MaxIterations {
		if err := ctx.Err(); err != nil {
			rollback()
			return r.cancelled(iteration, toolRecords, totalUsage)
		}
		iteration++

		if cm.NeedsCompaction(0) {
			r.compact(ctx, cm, req.SessionKey, agentID, traceID)
		}

		r.emit(protocol.AgentEventStatus, agentID, req.SessionKey, traceID, map[string]interface{}{
			"message": fmt.Sprintf("Thinking (iteration %d)", iteration),
		})

		chatReq := providers.ChatRequest{
			Messages: spliceMemories(cm.Messages(), splice),
			Tools:    r.cfg.Tools.ToWireSchema(),
			Model:    req.Model,
			Options: map[string]interface{}{
				providers.OptMaxTokens:   r.cfg.MaxTokens,
				providers.OptTemperature: temperature,
				"session_key":            req.SessionKey,
			},
		}

		var result *llm.Result
		var err error
		if req.Stream {
			result, err = r.cfg.Router.ChatStream(ctx, role, chatReq, func(chunk providers.StreamChunk) {
				if req.OnChunk != nil {
					req.OnChunk(chunk)
				}
				if chunk.Content != "" {
					r.emitChat(protocol.ChatEventChunk, req.SessionKey, chunk.Content)
				} else if chunk.Thinking != "" {
					r.emitChat(protocol.ChatEventThinking, req.SessionKey, chunk.Thinking)
				}
			})
		} else {
			result, err = r.cfg.Router.Chat(ctx, role, chatReq)
		}
		if err != nil {
			rollback()
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return r.cancelled(iteration, toolRecords, totalUsage)
			}
			slog.Error("agent.model_call_failed", "session", req.SessionKey, "role", role, "iteration", iteration, "error", err)
			return &RunResult{
				Status:     StatusFailed,
				Response:   FriendlyError(err),
				Iterations: iteration,
				ToolCalls:  toolRecords,
				Usage:      totalUsage,
				Err:        err,
			}
		}

		resp := result.Response
		totalUsage.Add(resp.Usage)
		lastModel, lastProvider = result.Model, result.Provider

		if len(resp.ToolCalls) == 0 {
			finalContent = SanitizeAssistantContent(resp.Content)
			if finalContent != "" {
				cm.Add(providers.Message{Role: "assistant", Content: finalContent})
				lastText = finalContent
			} else if thinking := SanitizeAssistantContent(resp.Thinking); thinking != "" {
				// Model put everything in the reasoning field; surface it
				// but keep history to actual content.
				finalContent = thinking
			} else {
				finalContent = msgNoUsableResponse
			}
			answered = true
			break
		}

		assistantMsg := providers.Message{
			Role:      "assistant",
			Content:   SanitizeAssistantContent(resp.Content),
			ToolCalls: resp.ToolCalls,
		}
		cm.Add(assistantMsg)
		if assistantMsg.Content != "" {
			lastText = assistantMsg.Content
		}

		// Execute tool calls in the order the model gave them. Their
		// results must land in the same order before the next model call.
		for _, tc := range resp.ToolCalls {
			if ctx.Err() != nil {
				rollback()
				return r.cancelled(iteration, toolRecords, totalUsage)
			}

			record, toolResult := r.executeToolCall(ctx, req, tc, agentID, traceID, sawUntrusted)
			if !record.Rejected && untrustedOriginTools[tc.Name] && !toolResult.IsError {
				sawUntrusted = true
			}
			if toolResult.Usage != nil {
				totalUsage.Add(toolResult.Usage)
			}
			toolRecords = append(toolRecords, record)

			r.addGuarded(ctx, cm, providers.Message{
				Role:       "tool",
				Content:    toolResult.ForLLM,
				ToolCallID: tc.ID,
			})
		}

		if ctx.Err() != nil {
			rollback()
			return r.cancelled(iteration, toolRecords, totalUsage)
		}
	}

	if !answered {
		// Iteration cap: return what we have plus a note; nothing synthetic
		// is committed to history.
		if lastText != "" {
			finalContent = lastText + "\n\n" + msgIterationCap
		} else {
			finalContent = msgNoUsableResponse + " " + msgIterationCap
		}
		slog.Warn("agent.iteration_cap", "session", req.SessionKey, "iterations", iteration)
	}

	silent := IsSilentReply(finalContent)

	r.commit(req, cm, totalUsage, lastModel, lastProvider, agentID)

	response := finalContent
	if silent {
		response = ""
	}
	r.emit(protocol.AgentEventResponse, agentID, req.SessionKey, traceID, map[string]interface{}{
		"content": response,
		"silent":  silent,
	})

	return &RunResult{
		Status:     StatusCompleted,
		Response:   response,
		Silent:     silent,
		Iterations: iteration,
		ToolCalls:  toolRecords,
		Usage:      totalUsage,
	}
}

// executeToolCall gates, runs and audits a single tool call. The returned
// result is never nil.
func (r *Runtime) executeToolCall(ctx context.Context, req RunRequest, tc providers.ToolCall, agentID, traceID string, sawUntrusted bool) (ToolCallRecord, *tools.Result) {
	argsJSON, _ := json.Marshal(tc.Arguments)
	r.emit(protocol.AgentEventToolCall, agentID, req.SessionKey, traceID, map[string]interface{}{
		"id":   tc.ID,
		"name": tc.Name,
		"args": tools.Truncate(string(argsJSON), 500),
	})
	slog.Info("agent.tool_call", "session", req.SessionKey, "tool", tc.Name, "args_len", len(argsJSON))

	started := r.now()
	record := ToolCallRecord{ID: tc.ID, Name: tc.Name}

	var result *tools.Result
	if r.gated(tc.Name, sawUntrusted) {
		approved := r.requestApproval(ctx, req, tc, agentID)
		if !approved {
			record.Rejected = true
			result = tools.NewResult("Action rejected by user.")
		}
	}
	if result == nil {
		result = r.cfg.Tools.Execute(ctx, tc)
	}

	finished := r.now()
	record.IsError = result.IsError
	record.DurationMs = finished.Sub(started).Milliseconds()

	if result.IsError {
		slog.Warn("agent.tool_error", "session", req.SessionKey, "tool", tc.Name, "error", tools.Truncate(result.ForLLM, 200))
	}

	if r.cfg.Audit != nil {
		rec := bus.TraceRecord{
			ID:         uuid.NewString(),
			SessionKey: req.SessionKey,
			AgentID:    agentID,
			Kind:       bus.TraceKindTool,
			Name:       tc.Name,
			Input:      string(argsJSON),
			Output:     result.ForLLM,
			StartedAt:  started,
			FinishedAt: finished,
			Metadata:   map[string]string{"trace_id": traceID},
		}
		if record.Rejected {
			rec.Metadata["rejected"] = "true"
		}
		if result.IsError {
			rec.Error = result.ForLLM
		}
		r.cfg.Audit.Record(ctx, rec)
	}

	r.emit(protocol.AgentEventToolResult, agentID, req.SessionKey, traceID, map[string]interface{}{
		"id":         tc.ID,
		"name":       tc.Name,
		"isError":    result.IsError,
		"rejected":   record.Rejected,
		"durationMs": record.DurationMs,
	})
	return record, result
}

// gated reports whether this call must pass the approval handler first.
func (r *Runtime) gated(toolName string, sawUntrusted bool) bool {
	if !r.cfg.Tools.RequiresApproval(toolName) {
		return false
	}
	switch r.cfg.ApprovalMode {
	case ApprovalNever:
		return false
	case ApprovalUntrusted:
		return sawUntrusted
	default:
		return true
	}
}

// requestApproval blocks on the handler. Missing handler, handler error
// and timeouts all deny; only the caller's ctx can abort the turn, and
// that is observed at the next suspension point.
func (r *Runtime) requestApproval(ctx context.Context, req RunRequest, tc providers.ToolCall, agentID string) bool {
	if r.cfg.Approver == nil {
		slog.Warn("agent.approval_denied", "tool", tc.Name, "reason", "no approval handler")
		return false
	}
	approvalID := uuid.NewString()
	approved, err := r.cfg.Approver(ctx, ApprovalRequest{
		ID:         approvalID,
		SessionKey: req.SessionKey,
		AgentID:    agentID,
		Tool:       tc.Name,
		Arguments:  tc.Arguments,
	})
	if err != nil {
		slog.Warn("agent.approval_denied", "tool", tc.Name, "reason", err)
		return false
	}
	return approved
}

// commit mirrors the context into the session store after a successful
// turn. Failed and cancelled turns never reach here.
func (r *Runtime) commit(req RunRequest, cm *ContextManager, usage providers.Usage, model, provider, agentID string) {
	if r.cfg.Sessions == nil {
		return
	}
	key := req.SessionKey
	r.cfg.Sessions.GetOrCreate(key, sessions.KindForKey(key))
	if agentID != "" {
		r.cfg.Sessions.SetAgent(key, agentID)
	}
	r.cfg.Sessions.SetMeta(key, model, provider)
	if err := r.cfg.Sessions.Commit(key, cm.History(), &usage); err != nil {
		slog.Warn("agent.session_commit_failed", "session", key, "error", err)
	}
}

func (r *Runtime) cancelled(iterations int, toolRecords []ToolCallRecord, usage providers.Usage) *RunResult {
	return &RunResult{
		Status:     StatusCancelled,
		Response:   msgTurnCancelled,
		Iterations: iterations,
		ToolCalls:  toolRecords,
		Usage:      usage,
		Err:        context.Canceled,
	}
}

// compact summarises everything before the safe cut point with a fast
// model call. Best-effort: on failure the turn proceeds oversized.
func (r *Runtime) compact(ctx context.Context, cm *ContextManager, sessionKey, agentID, traceID string) {
	cut := cm.SafeCutIndex()
	if cut <= 0 {
		return
	}
	dropped := cm.Prefix(cut)

	summary, err := r.summarize(ctx, renderForSummary(dropped))
	if err != nil {
		slog.Warn("agent.compaction_failed", "session", sessionKey, "error", err)
		return
	}

	cm.ReplacePrefix(cut, providers.Message{
		Role:    "system",
		Content: fmt.Sprintf("[Context Summary — %d earlier messages]\n%s", cut, summary),
	})
	if r.cfg.Sessions != nil {
		r.cfg.Sessions.SetSummary(sessionKey, summary)
	}

	// Compacted exchanges are gone from the context; distill them into
	// long-term memory so nothing durable is lost.
	if r.cfg.Memory != nil && !sessions.IsBackground(sessionKey) {
		if _, err := r.cfg.Memory.AddFact(ctx, memory.Fact{
			Content:    summary,
			Category:   memory.CategoryEpisodicSummary,
			Source:     "compaction",
			SessionKey: sessionKey,
		}); err != nil {
			slog.Warn("agent.compaction_memory_failed", "session", sessionKey, "error", err)
		}
	}

	slog.Info("agent.context_compacted", "session", sessionKey, "dropped", cut, "kept", cm.MessageCount()-1)
	r.emit(protocol.AgentEventCompaction, agentID, sessionKey, traceID, map[string]interface{}{
		"dropped": cut,
		"kept":    cm.MessageCount() - 1,
	})
}

// addGuarded appends msg, pre-summarising it when it alone would occupy
// more than half the context window.
func (r *Runtime) addGuarded(ctx context.Context, cm *ContextManager, msg providers.Message) {
	guard := cm.SoftLimit() / 2
	if EstimateMessageTokens(msg) > guard {
		summary, err := r.summarize(ctx, msg.Content)
		if err != nil {
			// deterministic fallback: keep the head, mark the cut
			keep := guard * 3 // rough chars-per-token bound
			if cut := tools.Truncate(msg.Content, keep); cut != msg.Content {
				msg.Content = cut + "\n[truncated: content exceeded context budget]"
			}
		} else {
			msg.Content = "[Summarized: original exceeded context budget]\n" + summary
		}
	}
	cm.Add(msg)
}

// summarize runs a fast-role model call over the given text.
func (r *Runtime) summarize(ctx context.Context, text string) (string, error) {
	req := providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: "Compress the following conversation into a dense summary. Keep decisions, facts, names, numbers and open tasks. No preamble."},
			{Role: "user", Content: text},
		},
		Options: map[string]interface{}{
			providers.OptMaxTokens:   1024,
			providers.OptTemperature: 0.2,
		},
	}
	result, err := r.cfg.Router.Chat(ctx, roleFast, req)
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(result.Response.Content)
	if summary == "" {
		return "", errors.New("empty summary")
	}
	return summary, nil
}

// memorySplice returns the "relevant memories" system addendum, or "".
func (r *Runtime) memorySplice(ctx context.Context, query string) string {
	if r.cfg.Memory == nil {
		return ""
	}
	hits, err := r.cfg.Memory.Search(ctx, query, memoryTopK)
	if err != nil {
		slog.Warn("agent.memory_search_failed", "error", err)
		return ""
	}
	if len(hits) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant memories (may be stale; verify before relying on them):\n")
	for _, h := range hits {
		fmt.Fprintf(&b, "- %s\n", h.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// spliceMemories inserts the memory addendum as a second system message.
// It is rebuilt per call and never stored in the context.
func spliceMemories(msgs []providers.Message, splice string) []providers.Message {
	if splice == "" || len(msgs) == 0 || msgs[0].Role != "system" {
		return msgs
	}
	out := make([]providers.Message, 0, len(msgs)+1)
	out = append(out, msgs[0])
	out = append(out, providers.Message{Role: "system", Content: splice})
	out = append(out, msgs[1:]...)
	return out
}

func renderForSummary(msgs []providers.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		content := m.Content
		if content == "" && len(m.ToolCalls) > 0 {
			names := make([]string, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				names[i] = tc.Name
			}
			content = "(called tools: " + strings.Join(names, ", ") + ")"
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, tools.Truncate(content, 2000))
	}
	return b.String()
}

// SystemPrompt returns the cached interactive system prompt, building it
// on first use.
func (r *Runtime) SystemPrompt() string {
	r.promptMu.Lock()
	defer r.promptMu.Unlock()
	if r.cachedPrompt == "" {
		r.cachedPrompt = r.buildPrompt()
	}
	return r.cachedPrompt
}

// RefreshSystemPrompt rebuilds the prompt after soul or skill changes.
func (r *Runtime) RefreshSystemPrompt() {
	r.promptMu.Lock()
	defer r.promptMu.Unlock()
	r.cachedPrompt = r.buildPrompt()
}

func (r *Runtime) buildPrompt() string {
	var lines []toolLine
	if r.cfg.Tools != nil {
		for _, t := range r.cfg.Tools.GetAll() {
			lines = append(lines, toolLine{name: t.Name(), description: t.Description()})
		}
	}
	return buildSystemPrompt(promptInputs{
		agentName: r.cfg.AgentName,
		role:      r.cfg.Role,
		workspace: r.cfg.Workspace,
		tools:     lines,
		sources:   r.cfg.Prompt,
		now:       r.now(),
	})
}

func (r *Runtime) backgroundPrompt(req RunRequest) string {
	task := strings.TrimPrefix(req.SessionKey, "system-")
	task = strings.TrimPrefix(task, "cron-")
	prompt := buildBackgroundPrompt(r.agentName(req), task, r.now())
	if req.ExtraSystemPrompt != "" {
		prompt += "\n\n" + req.ExtraSystemPrompt
	}
	return prompt
}

func (r *Runtime) agentName(req RunRequest) string {
	if req.AgentName != "" {
		return req.AgentName
	}
	if r.cfg.AgentName != "" {
		return r.cfg.AgentName
	}
	return "agent"
}

func (r *Runtime) emit(subtype, agentID, sessionKey, traceID string, payload map[string]interface{}) {
	if r.cfg.Publish == nil {
		return
	}
	event := map[string]interface{}{
		"type":       subtype,
		"agentId":    agentID,
		"sessionKey": sessionKey,
		"traceId":    traceID,
	}
	if payload != nil {
		event["payload"] = payload
	}
	r.cfg.Publish(protocol.EventAgent, event)
}

func (r *Runtime) emitChat(subtype, sessionKey, content string) {
	if r.cfg.Publish == nil {
		return
	}
	r.cfg.Publish(protocol.EventChat, map[string]interface{}{
		"type":       subtype,
		"sessionKey": sessionKey,
		"content":    content,
	})
}
