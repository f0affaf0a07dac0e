package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agents.MaxIterations != 12 {
		t.Errorf("MaxIterations = %d, want 12", cfg.Agents.MaxIterations)
	}
	if cfg.Context.SoftTokenLimit != 24000 {
		t.Errorf("SoftTokenLimit = %d, want 24000", cfg.Context.SoftTokenLimit)
	}
	if cfg.Context.KeepTrailing != 8 {
		t.Errorf("KeepTrailing = %d, want 8", cfg.Context.KeepTrailing)
	}
}

func TestLoad_JSON5AndEnvRefs(t *testing.T) {
	t.Setenv("TEST_UPSTREAM_KEY", "sk-from-env")
	dir := t.TempDir()
	path := filepath.Join(dir, "adytum.json")
	body := `{
		// comments are fine
		workspace: "/tmp/adytum-test",
		providers: {
			openai: { kind: "openai", apiKey: "${TEST_UPSTREAM_KEY}" },
		},
		models: {
			roles: { chat: ["openai/gpt-4.1", "anthropic/claude-sonnet-4"] },
		},
	}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	pc, ok := cfg.Provider("openai")
	if !ok {
		t.Fatal("openai provider missing")
	}
	if pc.APIKey != "sk-from-env" {
		t.Errorf("APIKey = %q, want expanded env value", pc.APIKey)
	}
}

func TestRoleChain_Resolution(t *testing.T) {
	cfg := Default()
	cfg.Models = ModelsConfig{
		Roles:   map[string][]string{"chat": {"a/m1", "b/m2"}},
		Legacy:  map[string]string{"coding": "c/m3"},
		Default: "d/m4",
	}

	tests := []struct {
		role string
		want []string
	}{
		{"chat", []string{"a/m1", "b/m2"}},
		{"coding", []string{"c/m3"}},
		{"vision", []string{"d/m4"}},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			got := cfg.RoleChain(tt.role)
			if len(got) != len(tt.want) {
				t.Fatalf("chain len = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chain[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestRoleChain_EmptyWhenNothingConfigured(t *testing.T) {
	cfg := Default()
	if got := cfg.RoleChain("chat"); got != nil {
		t.Errorf("RoleChain = %v, want nil", got)
	}
}

func TestGatewayPortEnvOverride(t *testing.T) {
	t.Setenv("GATEWAY_PORT", "9999")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Gateway.Port)
	}
}

func TestSave_SecretsNeverPersist(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Token = "top-secret"
	cfg.Notify.Telegram.Token = "tg-secret"

	path := filepath.Join(t.TempDir(), "adytum.json")
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, secret := range []string{"top-secret", "tg-secret"} {
		if strings.Contains(string(data), secret) {
			t.Errorf("saved config contains secret %q", secret)
		}
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Providers = map[string]ProviderConfig{
		"openai": {Kind: "openai", APIKey: "sk-real"},
		"ollama": {Kind: "openai", BaseURL: "http://localhost:11434"},
	}

	cp := cfg.MaskedCopy()
	if cp.Providers["openai"].APIKey != "***" {
		t.Errorf("APIKey = %q, want masked", cp.Providers["openai"].APIKey)
	}
	if cp.Providers["ollama"].APIKey != "" {
		t.Errorf("empty key should stay empty, got %q", cp.Providers["ollama"].APIKey)
	}
	if cfg.Providers["openai"].APIKey != "sk-real" {
		t.Error("MaskedCopy mutated the original")
	}
}
