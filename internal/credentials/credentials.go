// Package credentials resolves provider API keys from config, the profile
// store, and the environment, tracking per-credential health.
package credentials

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Auth modes.
const (
	ModeAPIKey = "api-key"
	ModeBearer = "bearer"
	ModeNone   = "none"
)

// ResolvedAuth is the outcome of a successful lookup. Source records which
// step of the resolution order produced it.
type ResolvedAuth struct {
	Provider string `json:"provider"`
	Secret   string `json:"-"`
	Mode     string `json:"mode"`
	Source   string `json:"source"`
}

// Credential is one stored secret inside a profile.
type Credential struct {
	Provider     string    `json:"provider"`
	Secret       string    `json:"secret"`
	Mode         string    `json:"mode,omitempty"`
	SourceDetail string    `json:"sourceDetail,omitempty"`
	Healthy      bool      `json:"healthy"`
	LastVerified time.Time `json:"lastVerified,omitempty"`
}

// Profile groups credentials under a label such as "personal" or "work".
type Profile struct {
	Label       string       `json:"label"`
	Credentials []Credential `json:"credentials"`
}

type storeFile struct {
	ActiveProfile string    `json:"activeProfile,omitempty"`
	Profiles      []Profile `json:"profiles"`
}

// Resolver performs the ordered credential lookup. Results are cached per
// (provider, configHint); any health transition evicts the provider's
// entries so the next resolve sees fresh state.
type Resolver struct {
	mu      sync.Mutex
	path    string
	store   storeFile
	cache   map[string]ResolvedAuth
	configs map[string]string // provider -> literal or ${ENV} reference from config
	onFlip  func(provider string)
}

// NewResolver loads the profile store from path. A missing file yields an
// empty store; a corrupt one is logged and treated as empty rather than
// blocking startup.
func NewResolver(path string, configKeys map[string]string) *Resolver {
	r := &Resolver{
		path:    path,
		cache:   make(map[string]ResolvedAuth),
		configs: make(map[string]string, len(configKeys)),
	}
	for k, v := range configKeys {
		r.configs[k] = v
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &r.store); err != nil {
			slog.Warn("credentials store unreadable, starting empty", "path", path, "error", err)
			r.store = storeFile{}
		}
	}
	return r
}

// OnHealthChange registers a callback invoked after markFailed/markVerified,
// used by the router to invalidate cached adapters.
func (r *Resolver) OnHealthChange(fn func(provider string)) {
	r.mu.Lock()
	r.onFlip = fn
	r.mu.Unlock()
}

// Resolve looks up auth for a provider. configHint distinguishes multiple
// configs for the same provider family (for example two openai-compatible
// endpoints); it participates only in the cache key. Returns nil when no
// source has a usable secret.
func (r *Resolver) Resolve(provider, configHint string) *ResolvedAuth {
	key := provider + "\x00" + configHint
	r.mu.Lock()
	defer r.mu.Unlock()

	if auth, ok := r.cache[key]; ok {
		copied := auth
		return &copied
	}

	auth := r.resolveLocked(provider)
	if auth == nil {
		return nil
	}
	r.cache[key] = *auth
	copied := *auth
	return &copied
}

func (r *Resolver) resolveLocked(provider string) *ResolvedAuth {
	// 1. Explicit config value, literal or ${ENV} reference.
	if raw, ok := r.configs[provider]; ok && raw != "" {
		secret := raw
		if name, isRef := envRefName(raw); isRef {
			secret = os.Getenv(name)
		}
		if secret != "" {
			return &ResolvedAuth{Provider: provider, Secret: secret, Mode: ModeAPIKey, Source: "config"}
		}
	}

	// 2. Healthy credential under the active profile.
	if r.store.ActiveProfile != "" {
		for _, p := range r.store.Profiles {
			if p.Label != r.store.ActiveProfile {
				continue
			}
			if c := firstHealthy(p.Credentials, provider); c != nil {
				return &ResolvedAuth{Provider: provider, Secret: c.Secret, Mode: credMode(c), Source: "profile:" + p.Label}
			}
		}
	}

	// 3. Any healthy credential in any profile.
	for _, p := range r.store.Profiles {
		if c := firstHealthy(p.Credentials, provider); c != nil {
			return &ResolvedAuth{Provider: provider, Secret: c.Secret, Mode: credMode(c), Source: "profile:" + p.Label}
		}
	}

	// 4. Environment variable derived from the provider id.
	if v := os.Getenv(EnvVarName(provider)); v != "" {
		return &ResolvedAuth{Provider: provider, Secret: v, Mode: ModeAPIKey, Source: "env"}
	}

	// Local runtimes authenticate with nothing at all.
	switch provider {
	case "ollama", "lmstudio", "vllm":
		return &ResolvedAuth{Provider: provider, Mode: ModeNone, Source: "local"}
	}
	return nil
}

// MarkFailed flips the provider's stored credentials to unhealthy and evicts
// its cache entries.
func (r *Resolver) MarkFailed(provider string) {
	r.setHealth(provider, false)
}

// MarkVerified flips the provider's stored credentials back to healthy.
func (r *Resolver) MarkVerified(provider string) {
	r.setHealth(provider, true)
}

func (r *Resolver) setHealth(provider string, healthy bool) {
	r.mu.Lock()
	changed := false
	for pi := range r.store.Profiles {
		for ci := range r.store.Profiles[pi].Credentials {
			c := &r.store.Profiles[pi].Credentials[ci]
			if c.Provider != provider || c.Healthy == healthy {
				continue
			}
			c.Healthy = healthy
			if healthy {
				c.LastVerified = time.Now()
			}
			changed = true
		}
	}
	r.evictLocked(provider)
	onFlip := r.onFlip
	var saveErr error
	if changed {
		saveErr = r.saveLocked()
	}
	r.mu.Unlock()

	if saveErr != nil {
		slog.Warn("credentials store save failed", "error", saveErr)
	}
	if onFlip != nil {
		onFlip(provider)
	}
}

func (r *Resolver) evictLocked(provider string) {
	prefix := provider + "\x00"
	for k := range r.cache {
		if strings.HasPrefix(k, prefix) {
			delete(r.cache, k)
		}
	}
}

// SetCredential stores or replaces a credential under a profile, creating
// the profile when needed. New credentials start healthy.
func (r *Resolver) SetCredential(profile, provider, secret, mode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if profile == "" {
		profile = "default"
	}
	if r.store.ActiveProfile == "" {
		r.store.ActiveProfile = profile
	}
	cred := Credential{
		Provider: provider, Secret: secret, Mode: mode,
		Healthy: true, LastVerified: time.Now(),
	}
	for pi := range r.store.Profiles {
		if r.store.Profiles[pi].Label != profile {
			continue
		}
		for ci := range r.store.Profiles[pi].Credentials {
			if r.store.Profiles[pi].Credentials[ci].Provider == provider {
				r.store.Profiles[pi].Credentials[ci] = cred
				r.evictLocked(provider)
				return r.saveLocked()
			}
		}
		r.store.Profiles[pi].Credentials = append(r.store.Profiles[pi].Credentials, cred)
		r.evictLocked(provider)
		return r.saveLocked()
	}
	r.store.Profiles = append(r.store.Profiles, Profile{Label: profile, Credentials: []Credential{cred}})
	r.evictLocked(provider)
	return r.saveLocked()
}

// SetActiveProfile switches which profile step 2 of the resolution order
// consults. The whole cache is dropped since every provider may re-resolve.
func (r *Resolver) SetActiveProfile(label string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store.ActiveProfile = label
	r.cache = make(map[string]ResolvedAuth)
	return r.saveLocked()
}

// Profiles returns the profile labels with their credential counts, secrets
// omitted.
func (r *Resolver) Profiles() (active string, labels map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	labels = make(map[string]int, len(r.store.Profiles))
	for _, p := range r.store.Profiles {
		labels[p.Label] = len(p.Credentials)
	}
	return r.store.ActiveProfile, labels
}

func (r *Resolver) saveLocked() error {
	if r.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r.store, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

// EnvVarName derives the fallback environment variable for a provider:
// uppercase the id, map non-alphanumerics to underscores, append _API_KEY.
func EnvVarName(provider string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(provider) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String() + "_API_KEY"
}

func envRefName(raw string) (string, bool) {
	if strings.HasPrefix(raw, "${") && strings.HasSuffix(raw, "}") {
		return raw[2 : len(raw)-1], true
	}
	return "", false
}

func firstHealthy(creds []Credential, provider string) *Credential {
	for i := range creds {
		if creds[i].Provider == provider && creds[i].Healthy && creds[i].Secret != "" {
			return &creds[i]
		}
	}
	return nil
}

func credMode(c *Credential) string {
	if c.Mode == "" {
		return ModeAPIKey
	}
	return c.Mode
}

// Describe reports resolution state for diagnostics without exposing the
// secret itself.
func (r *Resolver) Describe(provider string) string {
	auth := r.Resolve(provider, "")
	if auth == nil {
		return fmt.Sprintf("%s: no credentials (set %s)", provider, EnvVarName(provider))
	}
	return fmt.Sprintf("%s: %s via %s", provider, auth.Mode, auth.Source)
}
