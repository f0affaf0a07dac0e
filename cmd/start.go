package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	goruntime "runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/adytum-sh/adytum/internal/agent"
	"github.com/adytum-sh/adytum/internal/bootstrap"
	"github.com/adytum-sh/adytum/internal/bus"
	"github.com/adytum-sh/adytum/internal/config"
	"github.com/adytum-sh/adytum/internal/credentials"
	"github.com/adytum-sh/adytum/internal/cron"
	"github.com/adytum-sh/adytum/internal/gateway"
	"github.com/adytum-sh/adytum/internal/gateway/methods"
	"github.com/adytum-sh/adytum/internal/hierarchy"
	"github.com/adytum-sh/adytum/internal/llm"
	"github.com/adytum-sh/adytum/internal/memory"
	"github.com/adytum-sh/adytum/internal/notify"
	"github.com/adytum-sh/adytum/internal/providers"
	"github.com/adytum-sh/adytum/internal/redact"
	"github.com/adytum-sh/adytum/internal/runtime"
	"github.com/adytum-sh/adytum/internal/sessions"
	"github.com/adytum-sh/adytum/internal/skills"
	"github.com/adytum-sh/adytum/internal/soul"
	"github.com/adytum-sh/adytum/internal/store"
	"github.com/adytum-sh/adytum/internal/store/pg"
	"github.com/adytum-sh/adytum/internal/telemetry"
	"github.com/adytum-sh/adytum/internal/tools"
	"github.com/adytum-sh/adytum/internal/upgrade"
	"github.com/adytum-sh/adytum/pkg/protocol"
)

func startCmd() *cobra.Command {
	var noBrowser bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the gateway until interrupted",
		Long: "Start assembles the full runtime — providers, model router, tools,\n" +
			"skills, memory, cron, sub-agent spawner — and serves the WebSocket\n" +
			"gateway plus the dashboard REST API on one listener.",
		Run: func(cmd *cobra.Command, args []string) {
			runStart(noBrowser)
		},
	}
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "do not open the dashboard in a browser")
	return cmd
}

func fatal(what string, err error) {
	slog.Error(what, "error", err)
	os.Exit(1)
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// usageFanout mirrors token accounting to every recorder (sqlite always,
// postgres in managed mode).
type usageFanout []llm.UsageRecorder

func (f usageFanout) RecordUsage(ctx context.Context, model, sessionKey string, usage *providers.Usage, cost float64) {
	for _, r := range f {
		r.RecordUsage(ctx, model, sessionKey, usage, cost)
	}
}

func runStart(noBrowser bool) {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatal("config.load", err)
	}
	if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) {
		slog.Warn("no config file found, using defaults", "path", cfgPath, "hint", "run `adytum init` to create one")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Workspace layout first: everything below persists under it.
	workspace := cfg.WorkspacePath()
	for _, dir := range []string{
		workspace,
		cfg.DataDir(),
		filepath.Dir(cfg.SQLitePath()),
		cfg.SessionsDir(),
		cfg.SkillsDir(),
		cfg.SnapshotsDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fatal("workspace.create", err)
		}
	}
	if seeded, err := bootstrap.EnsureWorkspaceFiles(workspace); err != nil {
		fatal("workspace.seed", err)
	} else if len(seeded) > 0 {
		slog.Info("workspace.seeded", "files", seeded)
	}

	msgBus := bus.New()
	publish := func(name string, payload interface{}) {
		msgBus.Broadcast(bus.Event{Name: name, Payload: payload})
	}

	tele, err := telemetry.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		fatal("telemetry.setup", err)
	}

	// Storage: sqlite always; managed mode mirrors traces and usage to
	// Postgres after the schema check passes.
	actions, err := store.OpenSQLite(cfg.SQLitePath())
	if err != nil {
		fatal("store.open", err)
	}
	defer actions.Close()

	sinks := []bus.TraceSink{actions}
	recorders := usageFanout{actions}
	var pgDB *sql.DB
	if cfg.IsManagedMode() {
		db, err := pg.OpenDB(cfg.Database.PostgresDSN)
		if err != nil {
			fatal("postgres.connect", err)
		}
		pgDB = db
		defer pgDB.Close()

		status, err := upgrade.CheckSchema(db)
		if err != nil {
			fatal("postgres.schema_check", err)
		}
		if !status.Compatible {
			fmt.Fprint(os.Stderr, upgrade.FormatError(status))
			os.Exit(1)
		}
		sinks = append(sinks, pg.NewActionStore(db))
		recorders = append(recorders, pg.NewUsageStore(db))
		slog.Info("managed mode: postgres mirroring enabled", "schemaVersion", status.CurrentVersion)
	}

	audit := bus.NewAudit(msgBus, redact.String, tele.Tracer(), sinks...)

	memStore, err := memory.Open(cfg.SQLitePath())
	if err != nil {
		fatal("memory.open", err)
	}
	defer memStore.Close()

	// Providers and routing.
	registry := providers.NewRegistry()
	for name, pc := range cfg.Providers {
		timeout := time.Duration(pc.TimeoutSec) * time.Second
		registry.RegisterFactory(name, providers.ConfigFactory(name, pc.Kind, pc.BaseURL, timeout, pc.Headers))
	}
	registry.EnsureDefaults()

	catalog := providers.NewCatalog()
	if err := catalog.LoadOverrides(cfg.ModelsFile()); err != nil {
		slog.Warn("models.overrides_unreadable", "path", cfg.ModelsFile(), "error", err)
	}

	configKeys := make(map[string]string, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		if pc.APIKey != "" {
			configKeys[name] = pc.APIKey
		}
	}
	creds := credentials.NewResolver(cfg.CredentialsFile(), configKeys)

	router := llm.NewRouter(registry, catalog, creds,
		llm.WithUsageRecorder(recorders),
		llm.WithStatusPublisher(publish),
	)
	var fallback []string
	if cfg.Models.Default != "" {
		fallback = []string{cfg.Models.Default}
	}
	router.UpdateChains(cfg.Models.Roles, cfg.Models.Legacy, fallback)

	// Tool registry. The browser tool doubles as the page renderer for
	// knowledge reindexing and link previews when enabled.
	toolReg := tools.NewRegistry()
	policy := tools.LoadPathPolicy(workspace, cfg.SecurityFile(), true)
	toolReg.Register(tools.NewReadFileTool(policy))
	toolReg.Register(tools.NewWriteFileTool(policy))
	toolReg.Register(tools.NewEditFileTool(policy))
	toolReg.Register(tools.NewListDirTool(policy))
	toolReg.Register(tools.NewMemorySaveTool(memStore))
	toolReg.Register(tools.NewMemorySearchTool(memStore))
	toolReg.Register(tools.NewMemoryListTool(memStore))
	toolReg.Register(tools.NewReadImageTool(router))
	if cfg.Tools.Shell.Enabled {
		toolReg.Register(tools.NewExecTool(policy, time.Duration(cfg.Tools.Shell.TimeoutSec)*time.Second))
	}
	if cfg.Tools.Web.Enabled {
		toolReg.Register(tools.NewWebSearchTool(os.Getenv("BRAVE_API_KEY")))
		toolReg.Register(tools.NewWebFetchTool(cfg.Gateway.MaxMessageChars))
	}
	var browserTool *tools.BrowserTool
	if cfg.Tools.Browser.Enabled {
		browserTool = tools.NewBrowserTool(cfg.Tools.Browser.Headless)
		toolReg.Register(browserTool)
	}

	// Skills extend the registry at runtime.
	loader := skills.NewLoader(cfg.SkillsDir(), toolReg, skills.WithPublisher(publish))
	if err := loader.LoadAll(ctx); err != nil {
		slog.Warn("skills.load_failed", "error", err)
	}
	defer loader.Close()
	if cfg.Skills.HotReload {
		if err := loader.Watch(ctx); err != nil {
			slog.Warn("skills.watch_failed", "error", err)
		}
	}

	// Agent identity and lifecycle.
	agents, err := hierarchy.NewRegistry(cfg.HierarchyFile(), hierarchy.WithPublisher(publish))
	if err != nil {
		fatal("hierarchy.load", err)
	}
	root, err := agents.EnsureRoot("Adytum")
	if err != nil {
		fatal("hierarchy.root", err)
	}

	runtimes := runtime.NewRegistry()
	sessionStore := sessions.NewStore(cfg.SessionsDir())

	soulDoc, err := soul.Load(workspace, cfg.Soul.AutoUpdate)
	if err != nil {
		fatal("soul.load", err)
	}

	contexts := agent.NewContextStore(cfg.Context.SoftTokenLimit, cfg.Context.KeepTrailing, sessionStore)

	// The approval broker lives on the gateway server, which needs the
	// runtime; the approver closure resolves after the server exists.
	var server *gateway.Server
	baseCfg := agent.Config{
		AgentID:   root.ID,
		AgentName: root.Name,
		Workspace: workspace,
		Router:    router,
		Tools:     toolReg,
		Contexts:  contexts,
		Sessions:  sessionStore,
		Memory:    memStore,
		Runtimes:  runtimes,
		Audit:     audit,
		Publish:   publish,
		Approver: func(ctx context.Context, req agent.ApprovalRequest) (bool, error) {
			return server.Approvals().ApprovalFunc()(ctx, req)
		},
		Prompt: agent.PromptSources{
			Soul: soulDoc.Content,
			Context: func() []agent.ContextSection {
				files := bootstrap.ContextFiles(workspace)
				sections := make([]agent.ContextSection, len(files))
				for i, f := range files {
					sections[i] = agent.ContextSection{Name: f.Name, Body: f.Body}
				}
				return sections
			},
			Skills: loader.Summaries,
		},
		ApprovalMode:  cfg.Tools.Approval.Mode,
		MaxIterations: cfg.Agents.MaxIterations,
		MaxTokens:     cfg.Agents.MaxTokens,
		Temperature:   cfg.Agents.Temperature,
	}
	rt := agent.New(baseCfg)

	spawner := agent.NewSpawner(agents, baseCfg, agent.WithSpawnConcurrency(cfg.Agents.Spawn.MaxBatch))
	toolReg.Register(tools.NewSpawnTool(spawner))

	// Background reflection and cron.
	background := agent.NewBackground(rt, memStore,
		agent.WithSoul(soulDoc),
		agent.WithSnapshotDir(cfg.SnapshotsDir()),
		agent.WithRedactor(redact.String),
		agent.WithHeartbeatChecklist(func() string { return bootstrap.HeartbeatPrompt(workspace) }),
	)
	sched, err := cron.NewScheduler(cfg.CronFile(), background.CronHandler(),
		cron.WithPublisher(publish),
		cron.WithAbort(func(sessionKey string) { runtimes.AbortHierarchy(sessionKey) }),
		cron.WithDefaultTimeout(time.Duration(cfg.Cron.DefaultTimeoutMs)*time.Millisecond),
		cron.WithMaxConcurrent(cfg.Cron.MaxConcurrent),
	)
	if err != nil {
		fatal("cron.load", err)
	}
	toolReg.Register(tools.NewCronTool(sched))
	if err := agent.EnsureSystemJobs(sched, systemSchedules(cfg)); err != nil {
		slog.Warn("cron.system_jobs", "error", err)
	}
	if cfg.Cron.CronEnabled() {
		sched.Start(ctx)
	} else {
		slog.Info("cron disabled by config")
	}

	// Gateway server and its RPC surface.
	workspaces, err := gateway.LoadWorkspaces(cfg.WorkspacesFile())
	if err != nil {
		fatal("workspaces.load", err)
	}
	var reindexer *gateway.Reindexer
	var preview *gateway.LinkPreview
	if browserTool != nil {
		reindexer = gateway.NewReindexer(memStore, browserTool)
		preview = gateway.NewLinkPreview(browserTool)
	}
	server = gateway.NewServer(cfg, msgBus, gateway.Deps{
		Runtime:    rt,
		Models:     router,
		Workspaces: workspaces,
		Reindexer:  reindexer,
		Preview:    preview,
	})

	methods.NewSystemMethods(server, cfg, agents, runtimes, Version).Register(server.Router())
	methods.NewChatMethods(rt, sessionStore, runtimes).Register(server.Router())
	methods.NewAgentMethods(agents, hierarchy.NewAvatarStore(cfg.DataDir())).Register(server.Router())
	methods.NewCronMethods(sched).Register(server.Router())
	methods.NewSkillMethods(loader).Register(server.Router())
	methods.NewModelMethods(catalog, router).Register(server.Router())
	methods.NewApprovalMethods(server.Approvals()).Register(server.Router())
	methods.NewWorkspaceMethods(workspaces, reindexer).Register(server.Router())
	methods.NewUsageMethods(actions, sessionStore).Register(server.Router())

	// Outbound delivery and the inbound run queue.
	notify.NewFanout(notify.Backends(cfg.Notify), msgBus, msgBus).Start(ctx)
	go consumeInbound(ctx, msgBus, rt)

	// Graceful shutdown: announce, stop intake, then cancel everything.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig.String())
		server.BroadcastEvent(*protocol.NewEvent(protocol.EventShutdown, map[string]interface{}{
			"reason": sig.String(),
		}))
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		tele.Shutdown(shutdownCtx)
		done()
		cancel()
	}()

	slog.Info("adytum.starting",
		"version", Version,
		"protocol", protocol.Version,
		"workspace", workspace,
		"agent", root.Name,
		"mode", cfg.Database.Mode,
	)

	mux := server.BuildMux()
	tsCleanup := initTailscale(ctx, cfg, mux)
	if tsCleanup != nil {
		defer tsCleanup()
	}

	if !noBrowser {
		openDashboard(fmt.Sprintf("http://%s:%d/", cfg.Gateway.Host, cfg.Gateway.Port))
	}

	if err := server.Start(ctx); err != nil {
		fatal("gateway.serve", err)
	}
}

// consumeInbound drains queued run requests from message frontends. The
// WebSocket chat path calls the runtime directly; this lane serialises
// everything else and routes deliver-flagged results to the notifiers.
func consumeInbound(ctx context.Context, router bus.MessageRouter, rt *agent.Runtime) {
	for {
		msg, ok := router.ConsumeInbound(ctx)
		if !ok {
			return
		}
		res := rt.Run(ctx, agent.RunRequest{
			SessionKey: msg.SessionKey,
			Message:    msg.Content,
			AgentID:    msg.AgentID,
		})
		if msg.Deliver && !res.Silent && res.Response != "" {
			router.PublishOutbound(bus.OutboundMessage{
				Target:     notify.TargetNotify,
				SessionKey: msg.SessionKey,
				Content:    res.Response,
				Metadata:   msg.Metadata,
			})
		}
	}
}

func systemSchedules(cfg *config.Config) agent.SystemJobSchedules {
	s := agent.SystemJobSchedules{}
	if cfg.Memory.Dreamer.Enabled {
		s.Dream = cfg.Memory.Dreamer.Schedule
	}
	if cfg.Memory.Monologue.Enabled {
		s.Monologue = cfg.Memory.Monologue.Schedule
	}
	if cfg.Memory.Heartbeat.Enabled {
		s.Heartbeat = cfg.Memory.Heartbeat.Schedule
	}
	return s
}

// openDashboard tries the platform opener; failure is not worth more than
// a debug line since the URL is already in the startup log.
func openDashboard(url string) {
	var cmd *exec.Cmd
	switch goruntime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		slog.Debug("dashboard.open_failed", "url", url, "error", err)
	}
}
