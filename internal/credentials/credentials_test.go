package credentials

import (
	"path/filepath"
	"testing"
)

func TestEnvVarName(t *testing.T) {
	tests := []struct {
		provider string
		want     string
	}{
		{"anthropic", "ANTHROPIC_API_KEY"},
		{"openrouter", "OPENROUTER_API_KEY"},
		{"my-proxy.v2", "MY_PROXY_V2_API_KEY"},
	}
	for _, tt := range tests {
		if got := EnvVarName(tt.provider); got != tt.want {
			t.Errorf("EnvVarName(%q) = %q, want %q", tt.provider, got, tt.want)
		}
	}
}

func TestResolveOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")

	r := NewResolver(path, map[string]string{"anthropic": "sk-from-config"})
	if err := r.SetCredential("work", "anthropic", "sk-from-profile", ModeAPIKey); err != nil {
		t.Fatalf("SetCredential: %v", err)
	}
	t.Setenv("ANTHROPIC_API_KEY", "sk-from-env")

	// Config wins over profile and env.
	auth := r.Resolve("anthropic", "")
	if auth == nil || auth.Secret != "sk-from-config" || auth.Source != "config" {
		t.Fatalf("Resolve = %+v, want config source", auth)
	}

	// Without config, the active profile wins.
	r2 := NewResolver(path, nil)
	auth = r2.Resolve("anthropic", "")
	if auth == nil || auth.Secret != "sk-from-profile" {
		t.Fatalf("Resolve = %+v, want profile secret", auth)
	}
	if auth.Source != "profile:work" {
		t.Errorf("Source = %q, want profile:work", auth.Source)
	}

	// Unhealthy profile credential falls through to env.
	r2.MarkFailed("anthropic")
	auth = r2.Resolve("anthropic", "")
	if auth == nil || auth.Secret != "sk-from-env" || auth.Source != "env" {
		t.Fatalf("Resolve after MarkFailed = %+v, want env source", auth)
	}

	// MarkVerified restores the profile credential.
	r2.MarkVerified("anthropic")
	auth = r2.Resolve("anthropic", "")
	if auth == nil || auth.Secret != "sk-from-profile" {
		t.Fatalf("Resolve after MarkVerified = %+v, want profile secret", auth)
	}
}

func TestResolveConfigEnvRef(t *testing.T) {
	t.Setenv("MY_CUSTOM_KEY", "sk-indirect")
	r := NewResolver("", map[string]string{"openai": "${MY_CUSTOM_KEY}"})
	auth := r.Resolve("openai", "")
	if auth == nil || auth.Secret != "sk-indirect" {
		t.Fatalf("Resolve = %+v, want env-ref secret", auth)
	}

	// An env ref pointing at an unset variable falls through.
	t.Setenv("UNSET_VAR_FOR_TEST", "")
	t.Setenv("OPENAI_API_KEY", "")
	r2 := NewResolver("", map[string]string{"openai": "${UNSET_VAR_FOR_TEST}"})
	if auth := r2.Resolve("openai", ""); auth != nil {
		t.Errorf("Resolve = %+v, want nil", auth)
	}
}

func TestResolveNone(t *testing.T) {
	t.Setenv("NOSUCH_API_KEY", "")
	r := NewResolver("", nil)
	if auth := r.Resolve("nosuch", ""); auth != nil {
		t.Errorf("Resolve(nosuch) = %+v, want nil", auth)
	}
	// Local runtimes resolve with mode none.
	auth := r.Resolve("ollama", "")
	if auth == nil || auth.Mode != ModeNone {
		t.Errorf("Resolve(ollama) = %+v, want mode none", auth)
	}
}

func TestResolveCacheEviction(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "sk-first")
	r := NewResolver("", nil)
	auth := r.Resolve("groq", "")
	if auth == nil || auth.Secret != "sk-first" {
		t.Fatalf("Resolve = %+v", auth)
	}

	// Cached: env change alone is not observed.
	t.Setenv("GROQ_API_KEY", "sk-second")
	auth = r.Resolve("groq", "")
	if auth.Secret != "sk-first" {
		t.Fatalf("expected cached secret, got %q", auth.Secret)
	}

	// Health transition evicts and re-resolves.
	r.MarkFailed("groq")
	auth = r.Resolve("groq", "")
	if auth == nil || auth.Secret != "sk-second" {
		t.Fatalf("Resolve after eviction = %+v, want sk-second", auth)
	}
}

func TestOnHealthChange(t *testing.T) {
	r := NewResolver("", nil)
	var flipped []string
	r.OnHealthChange(func(p string) { flipped = append(flipped, p) })
	r.MarkFailed("anthropic")
	r.MarkVerified("anthropic")
	if len(flipped) != 2 || flipped[0] != "anthropic" {
		t.Errorf("flipped = %v, want two anthropic notifications", flipped)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")
	r := NewResolver(path, nil)
	if err := r.SetCredential("", "openrouter", "sk-or", ModeBearer); err != nil {
		t.Fatalf("SetCredential: %v", err)
	}

	r2 := NewResolver(path, nil)
	active, labels := r2.Profiles()
	if active != "default" {
		t.Errorf("active = %q, want default", active)
	}
	if labels["default"] != 1 {
		t.Errorf("labels = %v, want default:1", labels)
	}
	auth := r2.Resolve("openrouter", "")
	if auth == nil || auth.Secret != "sk-or" || auth.Mode != ModeBearer {
		t.Fatalf("Resolve = %+v", auth)
	}
}
