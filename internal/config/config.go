package config

import (
	"path/filepath"
	"sync"
)

// Config is the root configuration loaded from adytum.json.
// Secrets are never persisted; they arrive via environment variables or the
// credential profile store.
type Config struct {
	Workspace string `json:"workspace,omitempty"`

	Agents    AgentsConfig              `json:"agents,omitempty"`
	Models    ModelsConfig              `json:"models,omitempty"`
	Providers map[string]ProviderConfig `json:"providers,omitempty"`
	Context   ContextConfig             `json:"context,omitempty"`
	Gateway   GatewayConfig             `json:"gateway,omitempty"`
	Tools     ToolsConfig               `json:"tools,omitempty"`
	Cron      CronConfig                `json:"cron,omitempty"`
	Skills    SkillsConfig              `json:"skills,omitempty"`
	Soul      SoulConfig                `json:"soul,omitempty"`
	Memory    MemoryConfig              `json:"memory,omitempty"`
	Security  SecurityConfig            `json:"security,omitempty"`
	Database  DatabaseConfig            `json:"database,omitempty"`
	Telemetry TelemetryConfig           `json:"telemetry,omitempty"`
	Notify    NotifyConfig              `json:"notify,omitempty"`
	Tailscale TailscaleConfig           `json:"tailscale,omitempty"`

	mu sync.RWMutex
}

// AgentsConfig tunes the turn loop and the spawn limits.
type AgentsConfig struct {
	MaxIterations int         `json:"maxIterations,omitempty"`
	MaxTokens     int         `json:"maxTokens,omitempty"`
	Temperature   float64     `json:"temperature,omitempty"`
	Spawn         SpawnConfig `json:"spawn,omitempty"`
}

// SpawnConfig bounds the sub-agent tree.
type SpawnConfig struct {
	MaxChildren int `json:"maxChildren,omitempty"`
	MaxDepth    int `json:"maxDepth,omitempty"`
	MaxBatch    int `json:"maxBatch,omitempty"`
}

// ModelsConfig holds the routing tables. Roles maps a role name (chat,
// coding, fast, embedding, vision) to an ordered fallback chain of
// provider/model ids. Legacy is the older single-id-per-role map; a role
// missing from Roles falls through to it, then to Default.
type ModelsConfig struct {
	Roles   map[string][]string `json:"roles,omitempty"`
	Legacy  map[string]string   `json:"legacy,omitempty"`
	Default string              `json:"default,omitempty"`
}

// ProviderConfig describes one upstream endpoint. Kind selects the wire
// adapter: "anthropic" or "openai" (openai covers openrouter, groq, ollama,
// lmstudio, vllm and any compatible server). APIKey may be a literal or an
// ${ENV_VAR} reference, expanded at load time.
type ProviderConfig struct {
	Kind       string            `json:"kind,omitempty"`
	BaseURL    string            `json:"baseUrl,omitempty"`
	APIKey     string            `json:"apiKey,omitempty"`
	TimeoutSec int               `json:"timeoutSec,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// ContextConfig tunes compaction.
type ContextConfig struct {
	SoftTokenLimit int `json:"softTokenLimit,omitempty"`
	KeepTrailing   int `json:"keepTrailing,omitempty"`
}

type GatewayConfig struct {
	Host            string   `json:"host,omitempty"`
	Port            int      `json:"port,omitempty"`
	Token           string   `json:"-"` // from env ADYTUM_GATEWAY_TOKEN only
	MaxMessageChars int      `json:"maxMessageChars,omitempty"`
	RateLimitRPM    int      `json:"rateLimitRPM,omitempty"`
	AllowedOrigins  []string `json:"allowedOrigins,omitempty"`
}

type ToolsConfig struct {
	Approval ApprovalConfig    `json:"approval,omitempty"`
	Web      WebToolsConfig    `json:"web,omitempty"`
	Browser  BrowserToolConfig `json:"browser,omitempty"`
	Shell    ShellToolConfig   `json:"shell,omitempty"`
}

// ApprovalConfig gates dangerous tools. Mode is "off" (auto-approve
// everything), "on" (every dangerous call asks) or "untrusted" (only calls
// made while untrusted content is in context ask).
type ApprovalConfig struct {
	Mode       string `json:"mode,omitempty"`
	TimeoutSec int    `json:"timeoutSec,omitempty"`
}

type WebToolsConfig struct {
	Enabled    bool   `json:"enabled,omitempty"`
	MaxResults int    `json:"maxResults,omitempty"`
	SearchURL  string `json:"searchUrl,omitempty"`
}

type BrowserToolConfig struct {
	Enabled  bool `json:"enabled,omitempty"`
	Headless bool `json:"headless,omitempty"`
}

type ShellToolConfig struct {
	Enabled    bool `json:"enabled,omitempty"`
	TimeoutSec int  `json:"timeoutSec,omitempty"`
}

type CronConfig struct {
	Enabled          *bool `json:"enabled,omitempty"`
	DefaultTimeoutMs int   `json:"defaultTimeoutMs,omitempty"`
	MaxConcurrent    int   `json:"maxConcurrent,omitempty"`
}

// CronEnabled treats a missing flag as on.
func (c CronConfig) CronEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

type SkillsConfig struct {
	HotReload bool `json:"hotReload,omitempty"`
}

type SoulConfig struct {
	AutoUpdate bool `json:"autoUpdate,omitempty"`
}

// MemoryConfig tunes the background mining processes.
type MemoryConfig struct {
	Dreamer   BackgroundJobConfig `json:"dreamer,omitempty"`
	Monologue BackgroundJobConfig `json:"monologue,omitempty"`
	Heartbeat BackgroundJobConfig `json:"heartbeat,omitempty"`
}

type BackgroundJobConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Schedule string `json:"schedule,omitempty"`
}

type SecurityConfig struct {
	InjectionHeuristics bool `json:"injectionHeuristics,omitempty"`
}

// DatabaseConfig selects the storage mode. PostgresDSN is never read from
// adytum.json, only from env ADYTUM_POSTGRES_DSN.
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
	PostgresDSN string `json:"-"`
}

// IsManagedMode reports whether the gateway also persists traces and the
// action log to Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"serviceName,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// NotifyConfig configures outbound delivery of cron results and approval
// pings. Both backends are optional.
type NotifyConfig struct {
	Telegram TelegramNotifyConfig `json:"telegram,omitempty"`
	Discord  DiscordNotifyConfig  `json:"discord,omitempty"`
}

type TelegramNotifyConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Token   string `json:"-"` // from env ADYTUM_TELEGRAM_TOKEN only
	ChatID  int64  `json:"chatId,omitempty"`
}

type DiscordNotifyConfig struct {
	Enabled   bool   `json:"enabled,omitempty"`
	Token     string `json:"-"` // from env ADYTUM_DISCORD_TOKEN only
	ChannelID string `json:"channelId,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener. Requires building
// with -tags tsnet. Auth key from env only, never persisted.
type TailscaleConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	StateDir string `json:"stateDir,omitempty"`
	AuthKey  string `json:"-"`
}

// Workspace file layout. Everything lives under the workspace root.

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Workspace)
}

func (c *Config) DataDir() string    { return filepath.Join(c.WorkspacePath(), "data") }
func (c *Config) SQLitePath() string { return filepath.Join(c.DataDir(), "sqlite", "adytum.db") }
func (c *Config) HierarchyFile() string {
	return filepath.Join(c.DataDir(), "hierarchy", "agents.json")
}
func (c *Config) CronFile() string        { return filepath.Join(c.DataDir(), "cron.json") }
func (c *Config) SecurityFile() string    { return filepath.Join(c.DataDir(), "security.json") }
func (c *Config) CredentialsFile() string { return filepath.Join(c.DataDir(), "credentials.json") }
func (c *Config) WorkspacesFile() string  { return filepath.Join(c.DataDir(), "workspaces.json") }
func (c *Config) SessionsDir() string     { return filepath.Join(c.DataDir(), "sessions") }
func (c *Config) ModelsFile() string      { return filepath.Join(c.WorkspacePath(), "models.json") }
func (c *Config) SoulFile() string        { return filepath.Join(c.WorkspacePath(), "soul.md") }
func (c *Config) EvolutionFile() string   { return filepath.Join(c.WorkspacePath(), "EVOLUTION.md") }
func (c *Config) SkillsDir() string       { return filepath.Join(c.WorkspacePath(), "skills") }
func (c *Config) SnapshotsDir() string {
	return filepath.Join(c.WorkspacePath(), "memories", "snapshots")
}

// Provider returns the configured endpoint for a provider name, with ok
// reporting whether it was present in the config at all.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pc, ok := c.Providers[name]
	return pc, ok
}

// SetProvider updates one provider entry at runtime.
func (c *Config) SetProvider(name string, pc ProviderConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	c.Providers[name] = pc
}

// RoleChain returns the ordered model-id chain for a role. Resolution order:
// explicit role chain, then the legacy single-id map, then the default model.
// A nil result means nothing is configured for the role.
func (c *Config) RoleChain(role string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if chain, ok := c.Models.Roles[role]; ok && len(chain) > 0 {
		out := make([]string, len(chain))
		copy(out, chain)
		return out
	}
	if id, ok := c.Models.Legacy[role]; ok && id != "" {
		return []string{id}
	}
	if c.Models.Default != "" {
		return []string{c.Models.Default}
	}
	return nil
}

// SetRoleChain replaces one role's chain at runtime.
func (c *Config) SetRoleChain(role string, chain []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Models.Roles == nil {
		c.Models.Roles = make(map[string][]string)
	}
	c.Models.Roles[role] = chain
}

// Roles returns a copy of the full role table.
func (c *Config) Roles() map[string][]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]string, len(c.Models.Roles))
	for k, v := range c.Models.Roles {
		cp := make([]string, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}
