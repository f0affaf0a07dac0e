package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Workspace: "~/.adytum",
		Agents: AgentsConfig{
			MaxIterations: 12,
			MaxTokens:     8192,
			Temperature:   0.7,
			Spawn: SpawnConfig{
				MaxChildren: 5,
				MaxDepth:    2,
				MaxBatch:    4,
			},
		},
		Context: ContextConfig{
			SoftTokenLimit: 24000,
			KeepTrailing:   8,
		},
		Gateway: GatewayConfig{
			Host:            "127.0.0.1",
			Port:            18789,
			MaxMessageChars: 32000,
			RateLimitRPM:    60,
		},
		Tools: ToolsConfig{
			Approval: ApprovalConfig{Mode: "untrusted", TimeoutSec: 120},
			Web:      WebToolsConfig{Enabled: true, MaxResults: 5},
			Browser:  BrowserToolConfig{Enabled: false, Headless: true},
			Shell:    ShellToolConfig{Enabled: true, TimeoutSec: 60},
		},
		Cron: CronConfig{
			DefaultTimeoutMs: 10 * 60 * 1000,
			MaxConcurrent:    4,
		},
		Skills:   SkillsConfig{HotReload: true},
		Security: SecurityConfig{InjectionHeuristics: true},
	}
}

// Load reads adytum.json (JSON5 tolerated), then overlays env vars and
// expands ${VAR} references inside provider entries.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.expandProviderEnvRefs()
	cfg.applyEnvOverrides()
	return cfg, nil
}

// expandProviderEnvRefs resolves ${VAR} references in provider apiKey and
// baseUrl fields so the file itself never has to carry a secret.
func (c *Config) expandProviderEnvRefs() {
	for name, pc := range c.Providers {
		pc.APIKey = expandEnvRef(pc.APIKey)
		pc.BaseURL = expandEnvRef(pc.BaseURL)
		c.Providers[name] = pc
	}
}

func expandEnvRef(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("ADYTUM_WORKSPACE", &c.Workspace)
	envStr("ADYTUM_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("ADYTUM_HOST", &c.Gateway.Host)
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Database
	envStr("ADYTUM_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("ADYTUM_MODE", &c.Database.Mode)

	// Telemetry
	envStr("ADYTUM_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("ADYTUM_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("ADYTUM_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("ADYTUM_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ADYTUM_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Notifiers: providing a token enables the backend.
	envStr("ADYTUM_TELEGRAM_TOKEN", &c.Notify.Telegram.Token)
	if c.Notify.Telegram.Token != "" {
		c.Notify.Telegram.Enabled = true
	}
	envStr("ADYTUM_DISCORD_TOKEN", &c.Notify.Discord.Token)
	if c.Notify.Discord.Token != "" {
		c.Notify.Discord.Enabled = true
	}

	// Tailscale (tsnet)
	envStr("ADYTUM_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("ADYTUM_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("ADYTUM_TSNET_DIR", &c.Tailscale.StateDir)
	if c.Tailscale.AuthKey != "" {
		c.Tailscale.Enabled = true
	}
}

// Save writes the config to disk with secrets stripped. Fields tagged
// `json:"-"` never marshal, so stripping is structural.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 of the config for optimistic concurrency.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with provider API keys
// masked. Used by config.get so WS clients never see secrets.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	data, err := json.Marshal(c)
	c.mu.RUnlock()
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}
	for name, pc := range cp.Providers {
		if pc.APIKey != "" {
			pc.APIKey = secretMask
			cp.Providers[name] = pc
		}
	}
	return cp
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
