package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adytum-sh/adytum/internal/credentials"
	"github.com/adytum-sh/adytum/internal/providers"
	"github.com/adytum-sh/adytum/pkg/protocol"
)

// Cooldown reasons surfaced in runtime status.
const (
	StatusOK            = "ok"
	StatusRateLimited   = "rate_limited"
	StatusQuotaExceeded = "quota_exceeded"
)

// Result is a successful routed call: which model answered and what it said.
type Result struct {
	Model    string
	Provider string
	Response *providers.ChatResponse
	Cost     float64
}

// Attempt records one failed candidate inside a chain walk.
type Attempt struct {
	Model string
	Err   error
}

// AllFailedError is returned when every candidate in a chain failed.
type AllFailedError struct {
	Role     string
	Attempts []Attempt
}

func (e *AllFailedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("[%s] %v", a.Model, a.Err)
	}
	return "All models failed: " + strings.Join(parts, "; ")
}

// UsageRecorder receives per-call token accounting. Implemented by the
// sqlite token_usage sink; nil disables recording.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, model, sessionKey string, usage *providers.Usage, cost float64)
}

type cooldownState struct {
	consecutive int
	until       time.Time
	reason      string
	lastErr     string
}

// ModelRuntimeStatus is the observable cooldown state for one model.
type ModelRuntimeStatus struct {
	Model         string     `json:"model"`
	Status        string     `json:"status"`
	CooldownUntil *time.Time `json:"cooldownUntil,omitempty"`
	ResetAt       *time.Time `json:"resetAt,omitempty"`
	Consecutive   int        `json:"consecutiveFailures,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
}

// Router picks a model for a role and executes with fallback down the chain.
type Router struct {
	registry *providers.Registry
	catalog  *providers.Catalog
	creds    *credentials.Resolver

	mu        sync.RWMutex
	chains    map[string][]string
	legacy    map[string]string
	fallback  []string
	cooldowns map[string]*cooldownState

	usage   UsageRecorder
	publish func(name string, payload interface{})
	now     func() time.Time
}

type RouterOption func(*Router)

// WithUsageRecorder wires token accounting into routed calls.
func WithUsageRecorder(u UsageRecorder) RouterOption {
	return func(r *Router) { r.usage = u }
}

// WithStatusPublisher announces cooldown transitions as bus events.
func WithStatusPublisher(publish func(name string, payload interface{})) RouterOption {
	return func(r *Router) { r.publish = publish }
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

func NewRouter(registry *providers.Registry, catalog *providers.Catalog, creds *credentials.Resolver, opts ...RouterOption) *Router {
	r := &Router{
		registry:  registry,
		catalog:   catalog,
		creds:     creds,
		chains:    make(map[string][]string),
		legacy:    make(map[string]string),
		cooldowns: make(map[string]*cooldownState),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if creds != nil && registry != nil {
		creds.OnHealthChange(func(provider string) { registry.Invalidate(provider) })
	}
	return r
}

// UpdateChains swaps the routing table at runtime. Nil maps leave the
// corresponding table untouched.
func (r *Router) UpdateChains(chains map[string][]string, legacy map[string]string, fallback []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if chains != nil {
		r.chains = chains
	}
	if legacy != nil {
		r.legacy = legacy
	}
	if fallback != nil {
		r.fallback = fallback
	}
}

// ResolveChain returns the ordered candidates for a role or task. An
// explicit model override becomes a single-entry chain.
func (r *Router) ResolveChain(roleOrTask, override string) []string {
	if override != "" {
		return []string{override}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if chain, ok := r.chains[roleOrTask]; ok && len(chain) > 0 {
		return append([]string(nil), chain...)
	}
	if single, ok := r.legacy[roleOrTask]; ok && single != "" {
		return []string{single}
	}
	return append([]string(nil), r.fallback...)
}

// Chat walks the chain for roleOrTask until one model answers.
func (r *Router) Chat(ctx context.Context, roleOrTask string, req providers.ChatRequest) (*Result, error) {
	return r.execute(ctx, roleOrTask, req, nil)
}

// ChatStream is Chat with streaming deltas. Endpoints that cannot stream
// degrade to a single call whose content arrives as one chunk.
func (r *Router) ChatStream(ctx context.Context, roleOrTask string, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*Result, error) {
	return r.execute(ctx, roleOrTask, req, onChunk)
}

func (r *Router) execute(ctx context.Context, roleOrTask string, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*Result, error) {
	chain := r.ResolveChain(roleOrTask, req.Model)
	if len(chain) == 0 {
		return nil, fmt.Errorf("no model chain for role %q", roleOrTask)
	}

	attempts := make([]Attempt, 0, len(chain))
	skipped := 0
	for _, modelID := range chain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if until, cooling := r.InCooldown(modelID); cooling {
			skipped++
			attempts = append(attempts, Attempt{Model: modelID,
				Err: fmt.Errorf("in cooldown until %s", until.Format(time.RFC3339))})
			continue
		}

		res, err := r.callModel(ctx, modelID, req, onChunk)
		if err == nil {
			r.clearCooldown(modelID)
			if r.usage != nil && res.Response != nil && res.Response.Usage != nil {
				sessionKey, _ := req.Options["session_key"].(string)
				r.usage.RecordUsage(ctx, modelID, sessionKey, res.Response.Usage, res.Cost)
			}
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		attempts = append(attempts, Attempt{Model: modelID, Err: err})
		r.classifyFailure(modelID, err)
		slog.Warn("model.call_failed", "model", modelID, "role", roleOrTask, "error", err)
	}

	if skipped == len(chain) {
		slog.Warn("model.chain_exhausted_by_cooldowns", "role", roleOrTask, "chain", chain)
	}
	return nil, &AllFailedError{Role: roleOrTask, Attempts: attempts}
}

func (r *Router) callModel(ctx context.Context, modelID string, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*Result, error) {
	entry := r.catalog.Resolve(modelID)
	auth := r.creds.Resolve(entry.Provider, "")
	if auth == nil {
		return nil, fmt.Errorf("no API key for provider %s (set %s)",
			entry.Provider, credentials.EnvVarName(entry.Provider))
	}

	adapter, err := r.registry.Provider(entry.Provider, auth.Secret)
	if err != nil {
		return nil, err
	}

	callReq := req
	callReq.Model = entry.Model

	var resp *providers.ChatResponse
	if onChunk != nil {
		resp, err = adapter.ChatStream(ctx, callReq, onChunk)
		if err == providers.ErrStreamingUnsupported {
			resp, err = adapter.Chat(ctx, callReq)
			if err == nil && resp.Content != "" {
				onChunk(providers.StreamChunk{Content: resp.Content})
				onChunk(providers.StreamChunk{Done: true})
			}
		}
	} else {
		resp, err = adapter.Chat(ctx, callReq)
	}
	if err != nil {
		return nil, err
	}

	return &Result{
		Model:    modelID,
		Provider: entry.Provider,
		Response: resp,
		Cost:     entry.EstimatedCost(resp.Usage),
	}, nil
}

func (r *Router) classifyFailure(modelID string, err error) {
	switch {
	case providers.IsRateLimited(err):
		reason := StatusRateLimited
		if isQuotaError(err) {
			reason = StatusQuotaExceeded
		}
		r.setCooldown(modelID, reason, err)
	case providers.IsAuthError(err):
		provider, _ := providers.SplitModelID(modelID)
		r.creds.MarkFailed(provider)
	default:
		// Transient: 5xx or transport. Try the next candidate, no cooldown.
	}
}

func (r *Router) setCooldown(modelID, reason string, cause error) {
	r.mu.Lock()
	st := r.cooldowns[modelID]
	if st == nil {
		st = &cooldownState{}
		r.cooldowns[modelID] = st
	}
	st.consecutive++
	st.reason = reason
	st.lastErr = cause.Error()
	delay := BackoffDelay(st.consecutive)
	if ra := providers.RetryAfter(cause); ra > delay {
		delay = ra
	}
	st.until = r.now().Add(delay)
	until := st.until
	consecutive := st.consecutive
	r.mu.Unlock()

	slog.Warn("model.cooldown_set", "model", modelID, "reason", reason,
		"until", until.Format(time.RFC3339), "consecutive", consecutive)
	if r.publish != nil {
		r.publish(protocol.EventModelStatus, r.RuntimeStatus())
	}
}

func (r *Router) clearCooldown(modelID string) {
	r.mu.Lock()
	st, ok := r.cooldowns[modelID]
	cleared := ok && (st.consecutive > 0 || !st.until.IsZero())
	if ok {
		delete(r.cooldowns, modelID)
	}
	r.mu.Unlock()

	if cleared && r.publish != nil {
		r.publish(protocol.EventModelStatus, r.RuntimeStatus())
	}
}

// InCooldown reports whether a model is currently cooling down.
func (r *Router) InCooldown(modelID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.cooldowns[modelID]
	if !ok {
		return time.Time{}, false
	}
	if r.now().Before(st.until) {
		return st.until, true
	}
	return time.Time{}, false
}

// RuntimeStatus lists every model with a live cooldown record, sorted by id.
func (r *Router) RuntimeStatus() []ModelRuntimeStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelRuntimeStatus, 0, len(r.cooldowns))
	for id, st := range r.cooldowns {
		s := ModelRuntimeStatus{
			Model:       id,
			Status:      st.reason,
			Consecutive: st.consecutive,
			LastError:   st.lastErr,
		}
		if r.now().Before(st.until) {
			until := st.until
			s.CooldownUntil = &until
			s.ResetAt = &until
		} else {
			s.Status = StatusOK
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

func isQuotaError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "quota") || strings.Contains(msg, "billing") ||
		strings.Contains(msg, "insufficient credit")
}
