package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/adytum-sh/adytum/internal/tools"
	"github.com/adytum-sh/adytum/pkg/protocol"
)

// conn is the slice of the MCP client the loader drives.
type conn interface {
	Initialize(ctx context.Context, req mcpgo.InitializeRequest) (*mcpgo.InitializeResult, error)
	ListTools(ctx context.Context, req mcpgo.ListToolsRequest) (*mcpgo.ListToolsResult, error)
	CallTool(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error)
	Close() error
}

// serverParams is a fully resolved server spec: env and headers already have
// their secret references expanded.
type serverParams struct {
	transport  string
	command    string
	args       []string
	env        map[string]string
	url        string
	headers    map[string]string
	timeoutSec int
}

type dialFunc func(ctx context.Context, p serverParams) (conn, error)

type skillState struct {
	manifest     *Manifest
	dir          string
	instructions string
	client       conn
	connected    atomic.Bool
	toolNames    []string
	missing      []string
	lastErr      string
}

// Status is one row of `skill list` and the skills.list gateway method.
type Status struct {
	ID          string   `json:"id"`
	Description string   `json:"description,omitempty"`
	Enabled     bool     `json:"enabled"`
	Connected   bool     `json:"connected"`
	ToolCount   int      `json:"toolCount"`
	Tools       []string `json:"tools,omitempty"`
	Missing     []string `json:"missing,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Loader owns every skill under one root directory. It registers bridged
// tools into the shared registry and keeps per-skill tool names so a reload
// can unregister exactly what it added.
type Loader struct {
	mu       sync.RWMutex
	root     string
	registry *tools.Registry
	skills   map[string]*skillState
	secrets  map[string]map[string]string
	publish  func(name string, payload interface{})
	dial     dialFunc

	watcher  *fsnotify.Watcher
	stopWait sync.WaitGroup
	wcancel  context.CancelFunc
}

type Option func(*Loader)

// WithPublisher mirrors skill lifecycle changes onto the event bus.
func WithPublisher(publish func(name string, payload interface{})) Option {
	return func(l *Loader) { l.publish = publish }
}

func NewLoader(root string, registry *tools.Registry, opts ...Option) *Loader {
	l := &Loader{
		root:     root,
		registry: registry,
		skills:   make(map[string]*skillState),
		secrets:  make(map[string]map[string]string),
		dial:     dialServer,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadAll discovers every skill folder and loads it. Individual failures are
// collected so one broken manifest cannot block the rest.
func (l *Loader) LoadAll(ctx context.Context) error {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read skills dir: %w", err)
	}

	var errs []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := filepath.Join(l.root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, manifestName)); err != nil {
			continue
		}
		if err := l.loadSkill(ctx, dir); err != nil {
			slog.Warn("skills.load_failed", "skill", e.Name(), "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", e.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("some skills failed to load: %s", strings.Join(errs, "; "))
	}
	return nil
}

// loadSkill (re)loads one folder. A previous instance of the same skill is
// torn down first so its tools never linger in the registry.
func (l *Loader) loadSkill(ctx context.Context, dir string) error {
	m, err := parseManifest(dir)
	if err != nil {
		l.recordBroken(filepath.Base(dir), dir, err)
		return err
	}

	l.teardown(m.ID)

	st := &skillState{
		manifest:     m,
		dir:          dir,
		instructions: readInstructions(dir),
	}

	if m.Disabled {
		l.store(st)
		slog.Info("skills.disabled", "skill", m.ID)
		return nil
	}

	secrets, missing := l.resolveSecrets(m)
	if len(missing) > 0 {
		st.missing = missing
		l.store(st)
		l.emit(m.ID, "pending", 0)
		slog.Info("skills.pending_secrets", "skill", m.ID, "missing", strings.Join(missing, ","))
		return nil
	}

	// Manifest-only skills contribute instructions and a prompt line but no
	// server-backed tools.
	if m.Server == nil {
		l.store(st)
		l.emit(m.ID, "loaded", 0)
		return nil
	}

	client, err := l.dial(ctx, resolveServer(m, secrets))
	if err != nil {
		st.lastErr = err.Error()
		l.store(st)
		return fmt.Errorf("connect server: %w", err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "adytum", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		st.lastErr = err.Error()
		l.store(st)
		return fmt.Errorf("initialize: %w", err)
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		st.lastErr = err.Error()
		l.store(st)
		return fmt.Errorf("list tools: %w", err)
	}

	st.client = client
	st.connected.Store(true)

	var registered []string
	for _, mt := range listed.Tools {
		bt := newBridgeTool(m.ID, mt, client, m.ToolPrefix, m.Server.TimeoutSec, &st.connected)
		if l.registry.Has(bt.Name()) {
			slog.Warn("skills.tool_collision", "skill", m.ID, "tool", bt.Name(), "action", "skipped")
			continue
		}
		l.registry.Register(bt)
		registered = append(registered, bt.Name())
	}
	st.toolNames = registered

	l.store(st)
	l.emit(m.ID, "loaded", len(registered))
	slog.Info("skills.loaded", "skill", m.ID, "transport", m.Server.transport(), "tools", len(registered))
	return nil
}

// SetSecrets supplies secret values for one skill and reloads it so the new
// values take effect. Values live in memory only.
func (l *Loader) SetSecrets(ctx context.Context, id string, secrets map[string]string) error {
	l.mu.Lock()
	bag := l.secrets[id]
	if bag == nil {
		bag = make(map[string]string, len(secrets))
		l.secrets[id] = bag
	}
	for k, v := range secrets {
		bag[k] = v
	}
	st := l.skills[id]
	l.mu.Unlock()

	if st == nil {
		return nil
	}
	return l.loadSkill(ctx, st.dir)
}

// Reload tears one skill down and loads it again from disk.
func (l *Loader) Reload(ctx context.Context, id string) error {
	l.mu.RLock()
	st := l.skills[id]
	l.mu.RUnlock()
	if st == nil {
		return fmt.Errorf("unknown skill: %s", id)
	}
	return l.loadSkill(ctx, st.dir)
}

// Unload removes a skill's tools and drops it from the loader.
func (l *Loader) Unload(id string) {
	if removed := l.teardown(id); removed {
		l.emit(id, "unloaded", 0)
		slog.Info("skills.unloaded", "skill", id)
	}
}

// Close stops the watcher and tears down every skill.
func (l *Loader) Close() {
	if l.wcancel != nil {
		l.wcancel()
	}
	if l.watcher != nil {
		_ = l.watcher.Close()
	}
	l.stopWait.Wait()

	l.mu.Lock()
	ids := make([]string, 0, len(l.skills))
	for id := range l.skills {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	for _, id := range ids {
		l.teardown(id)
	}
}

// Statuses reports every discovered skill, broken ones included, sorted by id.
func (l *Loader) Statuses() []Status {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Status, 0, len(l.skills))
	for id, st := range l.skills {
		s := Status{
			ID:        id,
			Enabled:   st.manifest == nil || !st.manifest.Disabled,
			Connected: st.connected.Load(),
			ToolCount: len(st.toolNames),
			Tools:     append([]string(nil), st.toolNames...),
			Missing:   append([]string(nil), st.missing...),
			Error:     st.lastErr,
		}
		if st.manifest != nil {
			s.Description = st.manifest.Description
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Summaries renders one prompt line per usable skill.
func (l *Loader) Summaries() []string {
	var lines []string
	for _, s := range l.Statuses() {
		if !s.Enabled || s.Error != "" {
			continue
		}
		line := s.ID
		if s.Description != "" {
			line += ": " + s.Description
		}
		switch {
		case len(s.Missing) > 0:
			line += fmt.Sprintf(" (needs %s)", strings.Join(s.Missing, ", "))
		case s.ToolCount > 0:
			line += fmt.Sprintf(" (%d tools)", s.ToolCount)
		}
		lines = append(lines, line)
	}
	return lines
}

// Instructions returns the operator notes bundled with one skill.
func (l *Loader) Instructions(id string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if st := l.skills[id]; st != nil {
		return st.instructions
	}
	return ""
}

// Manifest returns the parsed manifest for `skill check`.
func (l *Loader) Manifest(id string) (*Manifest, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st := l.skills[id]
	if st == nil || st.manifest == nil {
		return nil, false
	}
	return st.manifest, true
}

// resolveSecrets looks each required name up in the injected secrets first,
// then the process environment.
func (l *Loader) resolveSecrets(m *Manifest) (map[string]string, []string) {
	l.mu.RLock()
	bag := l.secrets[m.ID]
	l.mu.RUnlock()

	resolved := make(map[string]string, len(m.Requires))
	var missing []string
	for _, name := range m.Requires {
		if v, ok := bag[name]; ok && v != "" {
			resolved[name] = v
			continue
		}
		if v := os.Getenv(name); v != "" {
			resolved[name] = v
			continue
		}
		missing = append(missing, name)
	}
	return resolved, missing
}

// resolveServer expands ${NAME} references in env and header values against
// the skill's resolved secrets, falling back to the process environment. The
// secrets themselves are injected as env vars so manifests do not have to
// repeat them.
func resolveServer(m *Manifest, secrets map[string]string) serverParams {
	expand := func(s string) string {
		if !strings.Contains(s, "${") {
			return s
		}
		return os.Expand(s, func(key string) string {
			if v, ok := secrets[key]; ok {
				return v
			}
			return os.Getenv(key)
		})
	}

	env := make(map[string]string, len(m.Server.Env)+len(secrets))
	for k, v := range secrets {
		env[k] = v
	}
	for k, v := range m.Server.Env {
		env[k] = expand(v)
	}
	var headers map[string]string
	if len(m.Server.Headers) > 0 {
		headers = make(map[string]string, len(m.Server.Headers))
		for k, v := range m.Server.Headers {
			headers[k] = expand(v)
		}
	}

	return serverParams{
		transport:  m.Server.transport(),
		command:    m.Server.Command,
		args:       append([]string(nil), m.Server.Args...),
		env:        env,
		url:        m.Server.URL,
		headers:    headers,
		timeoutSec: m.Server.TimeoutSec,
	}
}

// dialServer builds the real MCP client. Stdio transports start on first
// use; the HTTP ones need an explicit Start.
func dialServer(ctx context.Context, p serverParams) (conn, error) {
	switch p.transport {
	case "stdio":
		envSlice := make([]string, 0, len(p.env))
		for k, v := range p.env {
			envSlice = append(envSlice, k+"="+v)
		}
		return mcpclient.NewStdioMCPClient(p.command, envSlice, p.args...)

	case "sse":
		var opts []transport.ClientOption
		if len(p.headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(p.headers))
		}
		client, err := mcpclient.NewSSEMCPClient(p.url, opts...)
		if err != nil {
			return nil, err
		}
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("start transport: %w", err)
		}
		return client, nil

	case "streamable-http":
		var opts []transport.StreamableHTTPCOption
		if len(p.headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(p.headers))
		}
		client, err := mcpclient.NewStreamableHttpClient(p.url, opts...)
		if err != nil {
			return nil, err
		}
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("start transport: %w", err)
		}
		return client, nil

	default:
		return nil, fmt.Errorf("unsupported transport: %q", p.transport)
	}
}

// teardown unregisters a skill's tools and closes its client. Reports
// whether the skill existed.
func (l *Loader) teardown(id string) bool {
	l.mu.Lock()
	st, ok := l.skills[id]
	if ok {
		delete(l.skills, id)
	}
	l.mu.Unlock()
	if !ok {
		return false
	}

	st.connected.Store(false)
	if len(st.toolNames) > 0 {
		l.registry.UnregisterMany(st.toolNames)
	}
	if st.client != nil {
		if err := st.client.Close(); err != nil {
			slog.Debug("skills.close_error", "skill", id, "error", err)
		}
	}
	return true
}

func (l *Loader) store(st *skillState) {
	l.mu.Lock()
	l.skills[st.manifest.ID] = st
	l.mu.Unlock()
}

// recordBroken keeps a folder with an unparseable manifest visible in
// `skill list` instead of silently ignoring it.
func (l *Loader) recordBroken(id, dir string, err error) {
	l.teardown(id)
	l.mu.Lock()
	l.skills[id] = &skillState{
		manifest: &Manifest{ID: id},
		dir:      dir,
		lastErr:  err.Error(),
	}
	l.mu.Unlock()
}

func (l *Loader) emit(id, action string, toolCount int) {
	if l.publish == nil {
		return
	}
	l.publish(protocol.EventSkillsChanged, map[string]interface{}{
		"skill":  id,
		"action": action,
		"tools":  toolCount,
		"ts":     time.Now().UnixMilli(),
	})
}
