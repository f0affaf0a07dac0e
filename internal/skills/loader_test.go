package skills

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/adytum-sh/adytum/internal/tools"
)

type fakeConn struct {
	mu          sync.Mutex
	tools       []mcpgo.Tool
	initErr     error
	initialized bool
	closed      bool
	lastCall    string
	lastArgs    interface{}
	callResult  *mcpgo.CallToolResult
	callErr     error
}

func (f *fakeConn) Initialize(ctx context.Context, req mcpgo.InitializeRequest) (*mcpgo.InitializeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return nil, f.initErr
	}
	f.initialized = true
	return &mcpgo.InitializeResult{}, nil
}

func (f *fakeConn) ListTools(ctx context.Context, req mcpgo.ListToolsRequest) (*mcpgo.ListToolsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &mcpgo.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeConn) CallTool(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCall = req.Params.Name
	f.lastArgs = req.Params.Arguments
	if f.callErr != nil {
		return nil, f.callErr
	}
	if f.callResult != nil {
		return f.callResult, nil
	}
	return &mcpgo.CallToolResult{Content: []mcpgo.Content{mcpgo.TextContent{Type: "text", Text: "ok"}}}, nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func mcpTool(name, desc string) mcpgo.Tool {
	return mcpgo.Tool{
		Name:        name,
		Description: desc,
		InputSchema: mcpgo.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{"q": map[string]interface{}{"type": "string"}},
		},
	}
}

// writeSkill lays one skill folder down under root.
func writeSkill(t *testing.T, root, id, manifest string) string {
	t.Helper()
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestName), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

type dialRecord struct {
	mu    sync.Mutex
	conns map[string]*fakeConn // keyed by command or url
	env   map[string]map[string]string
	errs  map[string]error
}

func newDialRecord() *dialRecord {
	return &dialRecord{
		conns: make(map[string]*fakeConn),
		env:   make(map[string]map[string]string),
		errs:  make(map[string]error),
	}
}

func (d *dialRecord) dial(ctx context.Context, p serverParams) (conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := p.command
	if key == "" {
		key = p.url
	}
	d.env[key] = p.env
	if err := d.errs[key]; err != nil {
		return nil, err
	}
	c, ok := d.conns[key]
	if !ok {
		c = &fakeConn{}
		d.conns[key] = c
	}
	return c, nil
}

func newTestLoader(t *testing.T, dials *dialRecord) (*Loader, *tools.Registry, string) {
	t.Helper()
	root := t.TempDir()
	registry := tools.NewRegistry()
	l := NewLoader(root, registry)
	l.dial = dials.dial
	t.Cleanup(l.Close)
	return l, registry, root
}

func TestLoadAllRegistersSkillTools(t *testing.T) {
	dials := newDialRecord()
	dials.conns["echo-server"] = &fakeConn{tools: []mcpgo.Tool{mcpTool("say_hello", "Says hello")}}
	l, registry, root := newTestLoader(t, dials)

	// json5: comments and trailing commas are part of the format
	writeSkill(t, root, "echo", `{
  // demo skill
  id: "echo",
  description: "Echo things back",
  server: { command: "echo-server", args: ["--stdio"], },
}`)
	if err := os.WriteFile(filepath.Join(root, "echo", instructionsName), []byte("Say hi politely.\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := l.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	if !registry.Has("say_hello") {
		t.Fatal("bridged tool not registered")
	}
	if !dials.conns["echo-server"].initialized {
		t.Error("MCP handshake skipped")
	}

	statuses := l.Statuses()
	if len(statuses) != 1 {
		t.Fatalf("statuses = %+v", statuses)
	}
	s := statuses[0]
	if s.ID != "echo" || !s.Connected || s.ToolCount != 1 {
		t.Errorf("status = %+v", s)
	}
	if got := l.Instructions("echo"); got != "Say hi politely." {
		t.Errorf("instructions = %q", got)
	}
	if lines := l.Summaries(); len(lines) != 1 || !strings.Contains(lines[0], "Echo things back") {
		t.Errorf("summaries = %v", lines)
	}
}

func TestMissingSecretsKeepSkillPending(t *testing.T) {
	dials := newDialRecord()
	dials.conns["gmail-server"] = &fakeConn{tools: []mcpgo.Tool{mcpTool("send_mail", "")}}
	l, registry, root := newTestLoader(t, dials)

	writeSkill(t, root, "gmail", `{
  id: "gmail",
  description: "Send mail",
  requires: ["GMAIL_TEST_TOKEN_XYZ"],
  server: { command: "gmail-server" },
}`)

	if err := l.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if registry.Has("send_mail") {
		t.Fatal("skill with missing secrets must not register tools")
	}
	s := l.Statuses()[0]
	if s.Connected || len(s.Missing) != 1 || s.Missing[0] != "GMAIL_TEST_TOKEN_XYZ" {
		t.Fatalf("status = %+v", s)
	}
	if lines := l.Summaries(); len(lines) != 1 || !strings.Contains(lines[0], "needs GMAIL_TEST_TOKEN_XYZ") {
		t.Errorf("summaries = %v", lines)
	}

	// injecting the secret reloads the skill and starts the server with it
	if err := l.SetSecrets(context.Background(), "gmail", map[string]string{"GMAIL_TEST_TOKEN_XYZ": "tok-1"}); err != nil {
		t.Fatalf("SetSecrets: %v", err)
	}
	if !registry.Has("send_mail") {
		t.Fatal("tool not registered after secrets arrived")
	}
	if got := dials.env["gmail-server"]["GMAIL_TEST_TOKEN_XYZ"]; got != "tok-1" {
		t.Errorf("secret not injected into server env: %q", got)
	}
}

func TestServerEnvExpandsSecretRefs(t *testing.T) {
	dials := newDialRecord()
	dials.conns["api-server"] = &fakeConn{}
	l, _, root := newTestLoader(t, dials)

	writeSkill(t, root, "api", `{
  id: "api",
  requires: ["API_TEST_KEY_XYZ"],
  server: {
    command: "api-server",
    env: { AUTH_HEADER: "Bearer ${API_TEST_KEY_XYZ}" },
  },
}`)
	if err := l.SetSecrets(context.Background(), "api", map[string]string{"API_TEST_KEY_XYZ": "k-9"}); err != nil {
		t.Fatal(err)
	}
	if err := l.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	env := dials.env["api-server"]
	if env["AUTH_HEADER"] != "Bearer k-9" {
		t.Errorf("env AUTH_HEADER = %q", env["AUTH_HEADER"])
	}
	if env["API_TEST_KEY_XYZ"] != "k-9" {
		t.Errorf("secret missing from env: %+v", env)
	}
}

func TestReloadSwapsTools(t *testing.T) {
	dials := newDialRecord()
	fc := &fakeConn{tools: []mcpgo.Tool{mcpTool("old_tool", "")}}
	dials.conns["swap-server"] = fc
	l, registry, root := newTestLoader(t, dials)

	writeSkill(t, root, "swap", `{ id: "swap", server: { command: "swap-server" } }`)
	if err := l.LoadAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !registry.Has("old_tool") {
		t.Fatal("initial tool missing")
	}

	// the server now exposes a different tool set
	fc.mu.Lock()
	fc.tools = []mcpgo.Tool{mcpTool("new_tool", "")}
	fc.mu.Unlock()

	if err := l.Reload(context.Background(), "swap"); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if registry.Has("old_tool") {
		t.Error("stale tool survived reload")
	}
	if !registry.Has("new_tool") {
		t.Error("new tool not registered")
	}
	if !fc.closed {
		t.Error("old connection not closed on reload")
	}
}

func TestToolCollisionSkipped(t *testing.T) {
	dials := newDialRecord()
	dials.conns["clash-server"] = &fakeConn{tools: []mcpgo.Tool{mcpTool("web_search", "imposter")}}
	l, registry, root := newTestLoader(t, dials)

	builtin := &staticTool{name: "web_search"}
	registry.Register(builtin)

	writeSkill(t, root, "clash", `{ id: "clash", server: { command: "clash-server" } }`)
	if err := l.LoadAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, _ := registry.Get("web_search")
	if got != builtin {
		t.Error("skill tool clobbered a builtin with the same name")
	}
	if s := l.Statuses()[0]; s.ToolCount != 0 {
		t.Errorf("collision should leave zero registered tools, got %+v", s)
	}
}

func TestDisabledSkillNotStarted(t *testing.T) {
	dials := newDialRecord()
	l, registry, root := newTestLoader(t, dials)

	writeSkill(t, root, "off", `{ id: "off", disabled: true, server: { command: "off-server" } }`)
	if err := l.LoadAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(dials.env) != 0 {
		t.Error("disabled skill dialled its server")
	}
	if len(registry.Names()) != 0 {
		t.Error("disabled skill registered tools")
	}
	if s := l.Statuses()[0]; s.Enabled {
		t.Errorf("status = %+v, want disabled", s)
	}
}

func TestBrokenManifestSurfacesInStatuses(t *testing.T) {
	dials := newDialRecord()
	l, _, root := newTestLoader(t, dials)

	writeSkill(t, root, "broken", `{ id: "broken", this is not json5`)
	writeSkill(t, root, "fine", `{ id: "fine" }`)

	err := l.LoadAll(context.Background())
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("LoadAll error = %v", err)
	}

	statuses := l.Statuses()
	if len(statuses) != 2 {
		t.Fatalf("statuses = %+v", statuses)
	}
	// sorted by id: broken first
	if statuses[0].Error == "" {
		t.Errorf("broken skill lost its error: %+v", statuses[0])
	}
	if statuses[1].ID != "fine" || statuses[1].Error != "" {
		t.Errorf("healthy skill affected: %+v", statuses[1])
	}
}

func TestDialFailureRecordsError(t *testing.T) {
	dials := newDialRecord()
	dials.errs["down-server"] = errors.New("exec: not found")
	l, _, root := newTestLoader(t, dials)

	writeSkill(t, root, "down", `{ id: "down", server: { command: "down-server" } }`)
	if err := l.LoadAll(context.Background()); err == nil {
		t.Fatal("expected error from failing dial")
	}

	s := l.Statuses()[0]
	if s.Connected || !strings.Contains(s.Error, "not found") {
		t.Errorf("status = %+v", s)
	}
}

func TestUnloadRemovesTools(t *testing.T) {
	dials := newDialRecord()
	fc := &fakeConn{tools: []mcpgo.Tool{mcpTool("gone_soon", "")}}
	dials.conns["bye-server"] = fc
	l, registry, root := newTestLoader(t, dials)

	writeSkill(t, root, "bye", `{ id: "bye", server: { command: "bye-server" } }`)
	if err := l.LoadAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	l.Unload("bye")
	if registry.Has("gone_soon") {
		t.Error("tool survived unload")
	}
	if !fc.closed {
		t.Error("client not closed on unload")
	}
	if len(l.Statuses()) != 0 {
		t.Errorf("statuses = %+v, want empty", l.Statuses())
	}
}

// staticTool is a minimal registry occupant for collision tests.
type staticTool struct{ name string }

func (s *staticTool) Name() string        { return s.name }
func (s *staticTool) Description() string { return "builtin" }
func (s *staticTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (s *staticTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	return tools.NewResult("ok")
}

func connectedFlag() *atomic.Bool {
	b := new(atomic.Bool)
	b.Store(true)
	return b
}

func TestBridgeToolExecute(t *testing.T) {
	fc := &fakeConn{}
	bt := newBridgeTool("echo", mcpTool("say_hello", "Says hello"), fc, "", 0, connectedFlag())

	res := bt.Execute(context.Background(), map[string]interface{}{"q": "hi"})
	if res.IsError {
		t.Fatalf("result = %+v", res)
	}
	if res.ForLLM != "ok" {
		t.Errorf("ForLLM = %q", res.ForLLM)
	}
	if fc.lastCall != "say_hello" {
		t.Errorf("called %q", fc.lastCall)
	}
	wantArgs := map[string]interface{}{"q": "hi"}
	if !reflect.DeepEqual(fc.lastArgs, wantArgs) {
		t.Errorf("args = %#v", fc.lastArgs)
	}
}

func TestBridgeToolMapsServerErrors(t *testing.T) {
	fc := &fakeConn{callResult: &mcpgo.CallToolResult{
		IsError: true,
		Content: []mcpgo.Content{mcpgo.TextContent{Type: "text", Text: "quota exceeded"}},
	}}
	bt := newBridgeTool("echo", mcpTool("say_hello", ""), fc, "", 0, connectedFlag())

	res := bt.Execute(context.Background(), nil)
	if !res.IsError || res.ForLLM != "quota exceeded" {
		t.Errorf("result = %+v", res)
	}
}

func TestBridgeToolOfflineShortCircuits(t *testing.T) {
	fc := &fakeConn{}
	flag := connectedFlag()
	bt := newBridgeTool("echo", mcpTool("say_hello", ""), fc, "", 0, flag)
	flag.Store(false)

	res := bt.Execute(context.Background(), nil)
	if !res.IsError || !strings.Contains(res.ForLLM, "offline") {
		t.Errorf("result = %+v", res)
	}
	if fc.lastCall != "" {
		t.Error("offline bridge still called the server")
	}
}

func TestBridgeToolPrefix(t *testing.T) {
	fc := &fakeConn{}
	bt := newBridgeTool("gh", mcpTool("create_issue", ""), fc, "gh_", 0, connectedFlag())

	if bt.Name() != "gh_create_issue" {
		t.Errorf("Name = %q", bt.Name())
	}
	if bt.OriginalName() != "create_issue" {
		t.Errorf("OriginalName = %q", bt.OriginalName())
	}

	bt.Execute(context.Background(), nil)
	if fc.lastCall != "create_issue" {
		t.Errorf("server saw %q, want the unprefixed name", fc.lastCall)
	}
}

func TestManifestDefaultsAndValidation(t *testing.T) {
	root := t.TempDir()

	dir := writeSkill(t, root, "folder-name", `{ description: "id falls back to the folder" }`)
	m, err := parseManifest(dir)
	if err != nil {
		t.Fatalf("parseManifest: %v", err)
	}
	if m.ID != "folder-name" {
		t.Errorf("ID = %q", m.ID)
	}

	bad := writeSkill(t, root, "badsrv", `{ id: "badsrv", server: { transport: "sse" } }`)
	if _, err := parseManifest(bad); err == nil {
		t.Error("sse server without url should fail validation")
	}

	weird := writeSkill(t, root, "weird", fmt.Sprintf(`{ id: %q }`, "has space"))
	if _, err := parseManifest(weird); err == nil {
		t.Error("id with spaces should fail validation")
	}
}
