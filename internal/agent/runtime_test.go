package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/adytum-sh/adytum/internal/llm"
	"github.com/adytum-sh/adytum/internal/memory"
	"github.com/adytum-sh/adytum/internal/providers"
	"github.com/adytum-sh/adytum/internal/runtime"
	"github.com/adytum-sh/adytum/internal/sessions"
	"github.com/adytum-sh/adytum/internal/tools"
	"github.com/adytum-sh/adytum/pkg/protocol"
)

// fakeRouter scripts model behaviour per call. The handler receives the
// routing role so tests can answer compaction (fast) calls separately.
type fakeRouter struct {
	mu      sync.Mutex
	calls   int
	handler func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error)
}

func (f *fakeRouter) Chat(ctx context.Context, role string, req providers.ChatRequest) (*llm.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	resp, err := f.handler(n, role, req)
	if err != nil {
		return nil, err
	}
	return &llm.Result{Model: "fake/model", Provider: "fake", Response: resp}, nil
}

func (f *fakeRouter) ChatStream(ctx context.Context, role string, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*llm.Result, error) {
	res, err := f.Chat(ctx, role, req)
	if err != nil {
		return nil, err
	}
	if onChunk != nil && res.Response.Content != "" {
		onChunk(providers.StreamChunk{Content: res.Response.Content})
		onChunk(providers.StreamChunk{Done: true})
	}
	return res, nil
}

type fakeMemory struct {
	mu       sync.Mutex
	added    []memory.Fact
	searches int
	hits     []memory.ScoredFact
}

func (f *fakeMemory) Search(ctx context.Context, query string, k int) ([]memory.ScoredFact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches++
	return f.hits, nil
}

func (f *fakeMemory) AddFact(ctx context.Context, fact memory.Fact) (memory.Fact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, fact)
	return fact, nil
}

type stubTool struct {
	name     string
	approval bool
	mu       sync.Mutex
	calls    int
	fn       func(ctx context.Context, args map[string]interface{}) *tools.Result
}

func (t *stubTool) Name() string        { return t.name }
func (t *stubTool) Description() string { return "stub tool" }
func (t *stubTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (t *stubTool) RequiresApproval() bool { return t.approval }
func (t *stubTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	if t.fn != nil {
		return t.fn(ctx, args)
	}
	return tools.NewResult("ok")
}

func (t *stubTool) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	name    string
	payload map[string]interface{}
}

func (e *eventRecorder) publish(name string, payload interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, _ := payload.(map[string]interface{})
	e.events = append(e.events, recordedEvent{name: name, payload: p})
}

func (e *eventRecorder) subtypes(name string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, ev := range e.events {
		if ev.name != name || ev.payload == nil {
			continue
		}
		if sub, ok := ev.payload["type"].(string); ok {
			out = append(out, sub)
		}
	}
	return out
}

type testHarness struct {
	runtime  *Runtime
	router   *fakeRouter
	registry *tools.Registry
	store    *sessions.Store
	contexts *ContextStore
	memory   *fakeMemory
	events   *eventRecorder
	runtimes *runtime.Registry
}

func newHarness(t *testing.T, handler func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error), opts ...func(*Config)) *testHarness {
	t.Helper()
	h := &testHarness{
		router:   &fakeRouter{handler: handler},
		registry: tools.NewRegistry(),
		store:    sessions.NewStore(""),
		memory:   &fakeMemory{},
		events:   &eventRecorder{},
		runtimes: runtime.NewRegistry(),
	}
	h.contexts = NewContextStore(0, 0, h.store)

	cfg := Config{
		AgentID:   "main",
		AgentName: "Main",
		Router:    h.router,
		Tools:     h.registry,
		Contexts:  h.contexts,
		Sessions:  h.store,
		Memory:    h.memory,
		Runtimes:  h.runtimes,
		Publish:   h.events.publish,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.runtime = New(cfg)
	return h
}

func textResponse(content string) *providers.ChatResponse {
	return &providers.ChatResponse{
		Content:      content,
		FinishReason: "stop",
		Usage:        &providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func toolCallResponse(calls ...providers.ToolCall) *providers.ChatResponse {
	return &providers.ChatResponse{
		ToolCalls:    calls,
		FinishReason: "tool_calls",
		Usage:        &providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func TestRunSingleTurnHappyPath(t *testing.T) {
	h := newHarness(t, func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		return textResponse("hello"), nil
	})

	res := h.runtime.Run(context.Background(), RunRequest{SessionKey: "agent-main", Message: "hi"})

	if res.Status != StatusCompleted {
		t.Fatalf("status = %q, want completed", res.Status)
	}
	if res.Response != "hello" {
		t.Errorf("response = %q, want %q", res.Response, "hello")
	}
	if res.Iterations != 1 || len(res.ToolCalls) != 0 {
		t.Errorf("iterations=%d toolCalls=%d, want 1 and 0", res.Iterations, len(res.ToolCalls))
	}

	hist := h.store.History("agent-main")
	if len(hist) != 2 {
		t.Fatalf("history = %d messages, want 2", len(hist))
	}
	if hist[0].Role != "user" || hist[0].Content != "hi" {
		t.Errorf("history[0] = %+v", hist[0])
	}
	if hist[1].Role != "assistant" || hist[1].Content != "hello" {
		t.Errorf("history[1] = %+v", hist[1])
	}

	subs := h.events.subtypes(protocol.EventAgent)
	var started, completed bool
	for _, s := range subs {
		if s == protocol.AgentEventRunStarted {
			started = true
		}
		if s == protocol.AgentEventRunCompleted {
			completed = true
		}
	}
	if !started || !completed {
		t.Errorf("missing run started/completed pair in events: %v", subs)
	}
}

func TestRunToolCallLoop(t *testing.T) {
	h := newHarness(t, func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		if call == 1 {
			return toolCallResponse(providers.ToolCall{
				ID: "c1", Name: "web_search",
				Arguments: map[string]interface{}{"query": "weather"},
			}), nil
		}
		return textResponse("It's sunny, 22°C."), nil
	})
	h.registry.Register(&stubTool{
		name: "web_search",
		fn: func(ctx context.Context, args map[string]interface{}) *tools.Result {
			return tools.NewResult("sunny, 22C")
		},
	})

	res := h.runtime.Run(context.Background(), RunRequest{SessionKey: "agent-main", Message: "what is the weather"})

	if res.Status != StatusCompleted {
		t.Fatalf("status = %q: %v", res.Status, res.Err)
	}
	if res.Response != "It's sunny, 22°C." {
		t.Errorf("response = %q", res.Response)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Name != "web_search" {
		t.Fatalf("toolCalls = %+v, want one web_search call", res.ToolCalls)
	}

	hist := h.store.History("agent-main")
	if len(hist) != 4 {
		t.Fatalf("history = %d messages, want 4", len(hist))
	}
	wantRoles := []string{"user", "assistant", "tool", "assistant"}
	for i, role := range wantRoles {
		if hist[i].Role != role {
			t.Errorf("history[%d].Role = %q, want %q", i, hist[i].Role, role)
		}
	}
	if len(hist[1].ToolCalls) != 1 || hist[1].ToolCalls[0].ID != "c1" {
		t.Errorf("assistant message lost its tool calls: %+v", hist[1])
	}
	if hist[2].ToolCallID != "c1" || hist[2].Content != "sunny, 22C" {
		t.Errorf("tool message = %+v", hist[2])
	}
}

func TestApprovalDeniedSkipsExecution(t *testing.T) {
	gated := &stubTool{name: "exec", approval: true}
	h := newHarness(t, func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		if call == 1 {
			return toolCallResponse(providers.ToolCall{
				ID: "c1", Name: "exec",
				Arguments: map[string]interface{}{"command": "rm -rf /tmp/x"},
			}), nil
		}
		return textResponse("understood, skipping that"), nil
	}, func(cfg *Config) {
		cfg.Approver = func(ctx context.Context, req ApprovalRequest) (bool, error) {
			return false, nil
		}
	})
	h.registry.Register(gated)

	res := h.runtime.Run(context.Background(), RunRequest{SessionKey: "agent-main", Message: "clean up"})

	if gated.callCount() != 0 {
		t.Fatalf("denied tool was executed %d times", gated.callCount())
	}
	if res.Status != StatusCompleted {
		t.Fatalf("status = %q", res.Status)
	}
	if len(res.ToolCalls) != 1 || !res.ToolCalls[0].Rejected {
		t.Errorf("toolCalls = %+v, want one rejected call", res.ToolCalls)
	}

	hist := h.store.History("agent-main")
	var found bool
	for _, m := range hist {
		if m.Role == "tool" && m.Content == "Action rejected by user." {
			found = true
		}
	}
	if !found {
		t.Errorf("synthetic rejection message missing from history: %+v", hist)
	}
}

func TestApprovalDefaultDenyWithoutHandler(t *testing.T) {
	gated := &stubTool{name: "exec", approval: true}
	h := newHarness(t, func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		if call == 1 {
			return toolCallResponse(providers.ToolCall{ID: "c1", Name: "exec", Arguments: map[string]interface{}{}}), nil
		}
		return textResponse("ok"), nil
	})
	h.registry.Register(gated)

	h.runtime.Run(context.Background(), RunRequest{SessionKey: "agent-main", Message: "run it"})
	if gated.callCount() != 0 {
		t.Error("gated tool ran without an approval handler")
	}
}

func TestUntrustedModeGatesAfterWebContent(t *testing.T) {
	gated := &stubTool{name: "exec", approval: true}
	asked := 0
	h := newHarness(t, func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		switch call {
		case 1:
			// trusted turn so far: exec runs ungated
			return toolCallResponse(providers.ToolCall{ID: "c1", Name: "exec", Arguments: map[string]interface{}{}}), nil
		case 2:
			return toolCallResponse(providers.ToolCall{ID: "c2", Name: "web_fetch", Arguments: map[string]interface{}{}}), nil
		case 3:
			// now tainted by web content: exec must ask
			return toolCallResponse(providers.ToolCall{ID: "c3", Name: "exec", Arguments: map[string]interface{}{}}), nil
		}
		return textResponse("done"), nil
	}, func(cfg *Config) {
		cfg.ApprovalMode = ApprovalUntrusted
		cfg.Approver = func(ctx context.Context, req ApprovalRequest) (bool, error) {
			asked++
			return true, nil
		}
	})
	h.registry.Register(gated)
	h.registry.Register(&stubTool{name: "web_fetch", fn: func(ctx context.Context, args map[string]interface{}) *tools.Result {
		return tools.NewResult("<html>…</html>")
	}})

	res := h.runtime.Run(context.Background(), RunRequest{SessionKey: "agent-main", Message: "do things"})
	if res.Status != StatusCompleted {
		t.Fatalf("status = %q", res.Status)
	}
	if asked != 1 {
		t.Errorf("approval handler asked %d times, want exactly 1 (after web content)", asked)
	}
	if gated.callCount() != 2 {
		t.Errorf("exec ran %d times, want 2", gated.callCount())
	}
}

func TestModelFailureRollsBackTurn(t *testing.T) {
	h := newHarness(t, func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		return nil, &llm.AllFailedError{Role: "thinking", Attempts: []llm.Attempt{
			{Model: "a", Err: errors.New("timeout")},
		}}
	})

	// seed one committed exchange
	ses := h.store
	ses.GetOrCreate("agent-main", sessions.KindInteractive)
	ses.Commit("agent-main", []providers.Message{
		{Role: "user", Content: "earlier"},
		{Role: "assistant", Content: "earlier reply"},
	}, nil)
	h.contexts.Drop("agent-main")

	res := h.runtime.Run(context.Background(), RunRequest{SessionKey: "agent-main", Message: "now fail"})

	if res.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", res.Status)
	}
	if res.Response != msgAllModelsFailed {
		t.Errorf("response = %q, want %q", res.Response, msgAllModelsFailed)
	}

	hist := h.store.History("agent-main")
	if len(hist) != 2 {
		t.Fatalf("failed turn mutated history: %+v", hist)
	}
	cm := h.contexts.Get("agent-main")
	if cm.MessageCount() != 2 {
		t.Errorf("context not rolled back: %d messages", cm.MessageCount())
	}
}

func TestAbortHierarchyCancelsMidTurn(t *testing.T) {
	echo := &stubTool{name: "echo"}
	h := newHarness(t, nil)
	h.router.handler = func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		return toolCallResponse(
			providers.ToolCall{ID: "c1", Name: "aborter", Arguments: map[string]interface{}{}},
			providers.ToolCall{ID: "c2", Name: "echo", Arguments: map[string]interface{}{}},
		), nil
	}
	h.registry.Register(&stubTool{name: "aborter", fn: func(ctx context.Context, args map[string]interface{}) *tools.Result {
		h.runtimes.AbortHierarchy("agent-main")
		return tools.NewResult("aborting")
	}})
	h.registry.Register(echo)

	res := h.runtime.Run(context.Background(), RunRequest{SessionKey: "agent-main", Message: "go"})

	if res.Status != StatusCancelled {
		t.Fatalf("status = %q, want cancelled", res.Status)
	}
	if echo.callCount() != 0 {
		t.Error("tool after abort still executed")
	}
	if len(h.store.History("agent-main")) != 0 {
		t.Error("cancelled turn committed messages")
	}
}

func TestBackgroundSessionIsolation(t *testing.T) {
	h := newHarness(t, func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		return textResponse("NO_REPLY"), nil
	})

	interactive := h.contexts.Get("agent-main")
	interactive.Add(providers.Message{Role: "user", Content: "interactive history"})

	res := h.runtime.Run(context.Background(), RunRequest{SessionKey: "system-dream", Message: "[HEARTBEAT] anything pending?"})

	if res.Status != StatusCompleted {
		t.Fatalf("status = %q", res.Status)
	}
	if !res.Silent || res.Response != "" {
		t.Errorf("NO_REPLY should yield a silent empty response, got %+v", res)
	}
	if interactive.MessageCount() != 1 {
		t.Error("background run touched the interactive context")
	}
	if h.memory.searches != 0 {
		t.Error("background run performed memory recall")
	}
	bg := h.contexts.Get("system-dream")
	if !strings.Contains(bg.SystemPrompt(), "background task") {
		t.Errorf("background prompt not applied: %q", bg.SystemPrompt())
	}
}

func TestSentinelLeakClearsInteractiveContext(t *testing.T) {
	h := newHarness(t, func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		return textResponse("fresh start"), nil
	})

	cm := h.contexts.Get("agent-main")
	cm.Add(providers.Message{Role: "user", Content: "old message"})
	cm.Add(providers.Message{Role: "assistant", Content: "STATUS: leaked background line"})

	res := h.runtime.Run(context.Background(), RunRequest{SessionKey: "agent-main", Message: "hello"})

	if res.Status != StatusCompleted {
		t.Fatalf("status = %q", res.Status)
	}
	hist := h.store.History("agent-main")
	if len(hist) != 2 {
		t.Fatalf("context was not cleared before the turn: %+v", hist)
	}
	if hist[0].Content != "hello" {
		t.Errorf("history[0] = %+v, want the new user message", hist[0])
	}
}

func TestCompactionReplacesPrefixWithSummary(t *testing.T) {
	h := newHarness(t, func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		if role == "fast" {
			return textResponse("compact summary of the earlier exchange"), nil
		}
		return textResponse("final answer"), nil
	})
	// tiny limit so the seeded history trips compaction immediately
	h.contexts = NewContextStore(60, 4, h.store)
	h.runtime.cfg.Contexts = h.contexts

	h.store.GetOrCreate("agent-main", sessions.KindInteractive)
	cm := h.contexts.Get("agent-main")
	for i := 0; i < 12; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		cm.Add(providers.Message{Role: role, Content: strings.Repeat("chatter ", 6)})
	}
	tail := cm.Tail(3)

	res := h.runtime.Run(context.Background(), RunRequest{SessionKey: "agent-main", Message: "wrap up"})
	if res.Status != StatusCompleted {
		t.Fatalf("status = %q", res.Status)
	}

	hist := h.contexts.Get("agent-main").History()
	if hist[0].Role != "system" || !strings.HasPrefix(hist[0].Content, "[Context Summary") {
		t.Fatalf("first message after compaction = %+v", hist[0])
	}
	// the pre-compaction tail must survive byte-identical, sitting right
	// after the summary message
	found := 0
	for _, m := range hist {
		for _, want := range tail {
			if m.Role == want.Role && m.Content == want.Content {
				found++
				break
			}
		}
	}
	if found < len(tail) {
		t.Errorf("pre-compaction tail lost: found %d of %d", found, len(tail))
	}

	if sess, ok := h.store.Get("agent-main"); !ok || sess.Summary == "" || sess.CompactionCount != 1 {
		t.Errorf("session summary not recorded: %+v", sess)
	}
}

func TestIterationCapReturnsNote(t *testing.T) {
	h := newHarness(t, func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		return toolCallResponse(providers.ToolCall{ID: "x", Name: "echo", Arguments: map[string]interface{}{}}), nil
	}, func(cfg *Config) {
		cfg.MaxIterations = 3
	})
	h.registry.Register(&stubTool{name: "echo"})

	res := h.runtime.Run(context.Background(), RunRequest{SessionKey: "agent-main", Message: "loop forever"})

	if res.Status != StatusCompleted {
		t.Fatalf("status = %q, want completed (cap is non-terminal)", res.Status)
	}
	if res.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", res.Iterations)
	}
	if !strings.Contains(res.Response, "iteration limit") {
		t.Errorf("response missing cap note: %q", res.Response)
	}
	// the synthetic note is for the caller only, never for history
	for _, m := range h.store.History("agent-main") {
		if strings.Contains(m.Content, "iteration limit") {
			t.Errorf("cap note leaked into history: %+v", m)
		}
	}
}

func TestUserFactsAreMined(t *testing.T) {
	h := newHarness(t, func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		return textResponse("nice to meet you"), nil
	})

	h.runtime.Run(context.Background(), RunRequest{SessionKey: "agent-main", Message: "my name is Zoe"})

	if len(h.memory.added) != 1 {
		t.Fatalf("mined %d facts, want 1", len(h.memory.added))
	}
	fact := h.memory.added[0]
	if fact.Category != memory.CategoryUserFact || !strings.Contains(fact.Content, "Zoe") {
		t.Errorf("fact = %+v", fact)
	}
}

func TestMemorySpliceInsertedBehindSystemPrompt(t *testing.T) {
	var sawSplice bool
	h := newHarness(t, func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		if len(req.Messages) >= 2 &&
			req.Messages[0].Role == "system" &&
			req.Messages[1].Role == "system" &&
			strings.Contains(req.Messages[1].Content, "Relevant memories") {
			sawSplice = true
		}
		return textResponse("hi"), nil
	})
	h.memory.hits = []memory.ScoredFact{
		{Fact: memory.Fact{Content: "User's name is Zoe."}, Score: 1},
	}

	h.runtime.Run(context.Background(), RunRequest{SessionKey: "agent-main", Message: "hello again"})

	if !sawSplice {
		t.Error("memory splice not inserted as second system message")
	}

	// the splice must never be persisted
	for _, m := range h.store.History("agent-main") {
		if strings.Contains(m.Content, "Relevant memories") {
			t.Error("memory splice leaked into history")
		}
	}
}

func TestGuardFallbackKeepsValidUTF8(t *testing.T) {
	h := newHarness(t, func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		if role == "fast" {
			return nil, errors.New("summarizer offline")
		}
		return textResponse("ok"), nil
	})
	h.contexts = NewContextStore(114, 0, h.store)
	h.runtime.cfg.Contexts = h.contexts
	cm := h.contexts.Get("agent-main")

	// multibyte content wide enough to trip the half-window guard while
	// the summarizer is down, forcing the deterministic head cut
	big := strings.Repeat("日本語 ", 60)
	h.runtime.addGuarded(context.Background(), cm, providers.Message{Role: "tool", Content: big})

	msgs := cm.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	got := msgs[0].Content
	if !strings.Contains(got, "[truncated:") {
		t.Fatalf("oversized message was not cut: %d bytes survived", len(got))
	}
	if !utf8.ValidString(got) {
		t.Error("head cut split a rune")
	}
	if len(got) >= len(big) {
		t.Errorf("content not shortened: %d >= %d bytes", len(got), len(big))
	}
}
