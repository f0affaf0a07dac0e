package llm

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adytum-sh/adytum/internal/credentials"
	"github.com/adytum-sh/adytum/internal/providers"
)

type callOutcome struct {
	resp *providers.ChatResponse
	err  error
}

// scriptedProvider plays back per-model outcomes in order.
type scriptedProvider struct {
	name      string
	mu        sync.Mutex
	calls     []string
	script    map[string][]callOutcome
	canStream bool
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req.Model)
	outs := p.script[req.Model]
	if len(outs) == 0 {
		return nil, errors.New("unscripted call")
	}
	out := outs[0]
	p.script[req.Model] = outs[1:]
	return out.resp, out.err
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	if !p.canStream {
		return nil, providers.ErrStreamingUnsupported
	}
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	onChunk(providers.StreamChunk{Content: resp.Content})
	onChunk(providers.StreamChunk{Done: true})
	return resp, nil
}

func newTestRouter(t *testing.T, fake *scriptedProvider, now *time.Time) *Router {
	t.Helper()
	reg := providers.NewRegistry()
	reg.RegisterFactory("fake", func(string) (providers.Provider, error) { return fake, nil })
	creds := credentials.NewResolver("", map[string]string{"fake": "test-key"})
	r := NewRouter(reg, providers.NewCatalog(), creds,
		WithClock(func() time.Time { return *now }))
	return r
}

func textResponse(s string) *providers.ChatResponse {
	return &providers.ChatResponse{Content: s, FinishReason: "stop",
		Usage: &providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}
}

func TestChainFallback(t *testing.T) {
	fake := &scriptedProvider{name: "fake", script: map[string][]callOutcome{
		"model-a": {{err: &providers.HTTPError{Status: 503, Body: "upstream down"}}},
		"model-b": {{err: &providers.HTTPError{Status: 429, Body: "quota exceeded"}}},
		"model-c": {{resp: textResponse("hello")}},
	}}
	now := time.Now()
	r := newTestRouter(t, fake, &now)
	r.UpdateChains(map[string][]string{
		"thinking": {"fake/model-a", "fake/model-b", "fake/model-c"},
	}, nil, nil)

	res, err := r.Chat(context.Background(), "thinking", providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Model != "fake/model-c" {
		t.Errorf("Model = %q, want fake/model-c", res.Model)
	}
	if res.Response.Content != "hello" {
		t.Errorf("Content = %q, want hello", res.Response.Content)
	}

	// Quota failure cools down b; transient failure leaves a alone.
	if _, cooling := r.InCooldown("fake/model-b"); !cooling {
		t.Error("model-b should be in cooldown after quota failure")
	}
	if _, cooling := r.InCooldown("fake/model-a"); cooling {
		t.Error("model-a should not be in cooldown after transient failure")
	}

	status := r.RuntimeStatus()
	if len(status) != 1 || status[0].Model != "fake/model-b" {
		t.Fatalf("RuntimeStatus = %+v, want one entry for model-b", status)
	}
	if status[0].Status != StatusQuotaExceeded {
		t.Errorf("Status = %q, want %q", status[0].Status, StatusQuotaExceeded)
	}
	if status[0].CooldownUntil == nil {
		t.Error("CooldownUntil should be set while cooling")
	}
}

func TestCooldownSkipsModel(t *testing.T) {
	fake := &scriptedProvider{name: "fake", script: map[string][]callOutcome{
		"model-a": {
			{err: &providers.HTTPError{Status: 429, Body: "rate limit"}},
			{resp: textResponse("back")},
		},
	}}
	now := time.Now()
	r := newTestRouter(t, fake, &now)
	r.UpdateChains(map[string][]string{"fast": {"fake/model-a"}}, nil, nil)

	if _, err := r.Chat(context.Background(), "fast", providers.ChatRequest{}); err == nil {
		t.Fatal("first call should fail")
	}

	// Within the cooldown window the model is skipped without a wire call.
	if _, err := r.Chat(context.Background(), "fast", providers.ChatRequest{}); err == nil {
		t.Fatal("cooled-down chain should fail")
	} else if !strings.Contains(err.Error(), "cooldown") {
		t.Errorf("error = %v, want cooldown mention", err)
	}
	if len(fake.calls) != 1 {
		t.Fatalf("calls = %v, cooled model must not be invoked", fake.calls)
	}

	// After the window passes the model is tried again and recovers.
	now = now.Add(31 * time.Second)
	res, err := r.Chat(context.Background(), "fast", providers.ChatRequest{})
	if err != nil {
		t.Fatalf("Chat after cooldown: %v", err)
	}
	if res.Response.Content != "back" {
		t.Errorf("Content = %q, want back", res.Response.Content)
	}
	if _, cooling := r.InCooldown("fake/model-a"); cooling {
		t.Error("success should clear the cooldown")
	}
}

func TestCooldownGrowth(t *testing.T) {
	rate := func() callOutcome {
		return callOutcome{err: &providers.HTTPError{Status: 429, Body: "rate limit"}}
	}
	fake := &scriptedProvider{name: "fake", script: map[string][]callOutcome{
		"model-a": {rate(), rate(), rate()},
	}}
	now := time.Unix(1_700_000_000, 0)
	r := newTestRouter(t, fake, &now)
	r.UpdateChains(map[string][]string{"fast": {"fake/model-a"}}, nil, nil)

	wantDelays := []time.Duration{30 * time.Second, time.Minute, 5 * time.Minute}
	for i, want := range wantDelays {
		start := now
		if _, err := r.Chat(context.Background(), "fast", providers.ChatRequest{}); err == nil {
			t.Fatalf("call %d should fail", i)
		}
		until, cooling := r.InCooldown("fake/model-a")
		if !cooling {
			t.Fatalf("call %d: expected cooldown", i)
		}
		if got := until.Sub(start); got != want {
			t.Errorf("call %d: cooldown = %v, want %v", i, got, want)
		}
		now = until.Add(time.Millisecond)
	}
}

func TestAuthFailureMarksCredential(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	creds := credentials.NewResolver(path, nil)
	if err := creds.SetCredential("default", "fake", "sk-stored", credentials.ModeAPIKey); err != nil {
		t.Fatalf("SetCredential: %v", err)
	}

	fake := &scriptedProvider{name: "fake", script: map[string][]callOutcome{
		"model-a": {{err: &providers.HTTPError{Status: 401, Body: "bad key"}}},
	}}
	reg := providers.NewRegistry()
	reg.RegisterFactory("fake", func(string) (providers.Provider, error) { return fake, nil })
	r := NewRouter(reg, providers.NewCatalog(), creds)
	r.UpdateChains(map[string][]string{"fast": {"fake/model-a"}}, nil, nil)

	_, err := r.Chat(context.Background(), "fast", providers.ChatRequest{})
	if err == nil {
		t.Fatal("expected failure")
	}
	if creds.Resolve("fake", "") != nil {
		t.Error("auth failure should mark the stored credential unhealthy")
	}
	if _, cooling := r.InCooldown("fake/model-a"); cooling {
		t.Error("auth failure must not set a model cooldown")
	}
}

func TestNoAPIKeyError(t *testing.T) {
	t.Setenv("FAKE_API_KEY", "")
	fake := &scriptedProvider{name: "fake", script: map[string][]callOutcome{}}
	reg := providers.NewRegistry()
	reg.RegisterFactory("fake", func(string) (providers.Provider, error) { return fake, nil })
	r := NewRouter(reg, providers.NewCatalog(), credentials.NewResolver("", nil))
	r.UpdateChains(map[string][]string{"fast": {"fake/model-a"}}, nil, nil)

	_, err := r.Chat(context.Background(), "fast", providers.ChatRequest{})
	if err == nil {
		t.Fatal("expected failure")
	}
	if !strings.Contains(err.Error(), "no API key") {
		t.Errorf("error = %v, want no-API-key attempt", err)
	}
	if len(fake.calls) != 0 {
		t.Errorf("provider should never be called without credentials, calls = %v", fake.calls)
	}
}

func TestChatStreamDegrade(t *testing.T) {
	fake := &scriptedProvider{name: "fake", canStream: false, script: map[string][]callOutcome{
		"model-a": {{resp: textResponse("full answer")}},
	}}
	now := time.Now()
	r := newTestRouter(t, fake, &now)
	r.UpdateChains(map[string][]string{"fast": {"fake/model-a"}}, nil, nil)

	var chunks []providers.StreamChunk
	res, err := r.ChatStream(context.Background(), "fast", providers.ChatRequest{},
		func(c providers.StreamChunk) { chunks = append(chunks, c) })
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if res.Response.Content != "full answer" {
		t.Errorf("Content = %q", res.Response.Content)
	}
	if len(chunks) != 2 || chunks[0].Content != "full answer" || !chunks[1].Done {
		t.Errorf("chunks = %+v, want full content then done", chunks)
	}
}

func TestResolveChainPrecedence(t *testing.T) {
	r := NewRouter(providers.NewRegistry(), providers.NewCatalog(), credentials.NewResolver("", nil))
	r.UpdateChains(
		map[string][]string{"thinking": {"fake/a", "fake/b"}},
		map[string]string{"fast": "fake/legacy"},
		[]string{"fake/default"},
	)

	tests := []struct {
		role     string
		override string
		want     string
	}{
		{"thinking", "", "fake/a"},
		{"thinking", "fake/override", "fake/override"},
		{"fast", "", "fake/legacy"},
		{"unknown", "", "fake/default"},
	}
	for _, tt := range tests {
		chain := r.ResolveChain(tt.role, tt.override)
		if len(chain) == 0 || chain[0] != tt.want {
			t.Errorf("ResolveChain(%q, %q) = %v, want first %q", tt.role, tt.override, chain, tt.want)
		}
	}
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		consecutive int
		want        time.Duration
	}{
		{0, 0},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 5 * time.Minute},
		{4, 15 * time.Minute},
		{5, 60 * time.Minute},
		{9, 60 * time.Minute},
	}
	for _, tt := range tests {
		if got := BackoffDelay(tt.consecutive); got != tt.want {
			t.Errorf("BackoffDelay(%d) = %v, want %v", tt.consecutive, got, tt.want)
		}
	}
}
