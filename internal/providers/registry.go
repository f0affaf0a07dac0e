package providers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Factory builds an adapter bound to one API key. The registry caches the
// result per key so repeated router calls reuse the same http.Client.
type Factory func(apiKey string) (Provider, error)

// Registry maps provider names to adapter factories and caches constructed
// adapters. Credential health transitions call Invalidate so the next call
// rebuilds with fresh auth.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	cache     map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		cache:     make(map[string]Provider),
	}
}

func (r *Registry) RegisterFactory(name string, f Factory) {
	r.mu.Lock()
	r.factories[name] = f
	r.mu.Unlock()
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	_, ok := r.factories[name]
	r.mu.RUnlock()
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Provider returns an adapter for the named provider constructed with apiKey.
func (r *Registry) Provider(name, apiKey string) (Provider, error) {
	key := name + "\x00" + fingerprint(apiKey)
	r.mu.RLock()
	if p, ok := r.cache[key]; ok {
		r.mu.RUnlock()
		return p, nil
	}
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	p, err := f(apiKey)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[key] = p
	r.mu.Unlock()
	return p, nil
}

// Invalidate drops cached adapters for one provider, or all when name is "".
func (r *Registry) Invalidate(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		r.cache = make(map[string]Provider)
		return
	}
	prefix := name + "\x00"
	for k := range r.cache {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(r.cache, k)
		}
	}
}

// ConfigFactory builds a Factory from provider settings. kind selects the
// wire family; everything else is passed through to the adapter.
func ConfigFactory(name, kind, baseURL string, timeout time.Duration, headers map[string]string) Factory {
	return func(apiKey string) (Provider, error) {
		switch kind {
		case "anthropic":
			opts := []AnthropicOption{WithAnthropicHeaders(headers)}
			if baseURL != "" {
				opts = append(opts, WithAnthropicBaseURL(baseURL))
			}
			if timeout > 0 {
				opts = append(opts, WithAnthropicTimeout(timeout))
			}
			return NewAnthropic(name, apiKey, opts...), nil
		case "openai", "":
			opts := []OpenAIOption{WithOpenAIHeaders(headers)}
			if timeout > 0 {
				opts = append(opts, WithOpenAITimeout(timeout))
			}
			return NewOpenAICompat(name, apiKey, baseURL, opts...), nil
		default:
			return nil, fmt.Errorf("provider %s: unknown kind %q", name, kind)
		}
	}
}

// EnsureDefaults registers factories for well-known providers that the
// config did not mention, so a bare env API key is enough to route.
func (r *Registry) EnsureDefaults() {
	defaults := map[string]struct {
		kind    string
		baseURL string
	}{
		"anthropic":  {"anthropic", ""},
		"openai":     {"openai", "https://api.openai.com/v1"},
		"openrouter": {"openai", "https://openrouter.ai/api/v1"},
		"groq":       {"openai", "https://api.groq.com/openai/v1"},
		"ollama":     {"openai", DefaultLocalEndpoints["ollama"]},
		"lmstudio":   {"openai", DefaultLocalEndpoints["lmstudio"]},
		"vllm":       {"openai", DefaultLocalEndpoints["vllm"]},
	}
	for name, d := range defaults {
		if !r.Has(name) {
			r.RegisterFactory(name, ConfigFactory(name, d.kind, d.baseURL, 0, nil))
		}
	}
}

func fingerprint(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:8])
}
