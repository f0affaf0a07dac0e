package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/adytum-sh/adytum/internal/bootstrap"
	"github.com/adytum-sh/adytum/internal/config"
	"github.com/adytum-sh/adytum/internal/credentials"
	"github.com/adytum-sh/adytum/internal/providers"
)

// defaultModelFor suggests a starting model per provider, from the builtin
// catalog.
var defaultModelFor = map[string]string{
	"anthropic":  "claude-sonnet-4",
	"openai":     "gpt-4o",
	"openrouter": "anthropic/claude-sonnet-4",
	"groq":       "llama-3.3-70b-versatile",
	"ollama":     "llama3.1",
}

func initCmd() *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Bootstrap a workspace and write adytum.json",
		Long: "Init walks through provider, model and workspace selection, seeds the\n" +
			"workspace instruction files, and writes the config. Secrets go to the\n" +
			"credential store or stay in the environment — never into adytum.json.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(reset)
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "wipe runtime state (sessions, memory, cron) before setup")
	return cmd
}

func runInit(reset bool) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load existing config: %w", err)
	}

	if reset {
		if err := wipeRuntimeState(cfg); err != nil {
			return err
		}
		fmt.Println("Runtime state cleared.")
	}

	var (
		workspace = cfg.Workspace
		provider  string
		apiKey    string
		model     string
		port      = strconv.Itoa(cfg.Gateway.Port)
	)
	if workspace == "" {
		workspace = "~/.adytum"
	}

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Workspace directory").
				Description("Holds soul.md, memory, sessions, skills and all runtime state.").
				Value(&workspace),
			huh.NewSelect[string]().
				Title("Primary provider").
				Options(
					huh.NewOption("Anthropic", "anthropic"),
					huh.NewOption("OpenAI", "openai"),
					huh.NewOption("OpenRouter", "openrouter"),
					huh.NewOption("Groq", "groq"),
					huh.NewOption("Ollama (local)", "ollama"),
					huh.NewOption("LM Studio (local)", "lmstudio"),
					huh.NewOption("vLLM (local)", "vllm"),
				).
				Value(&provider),
			huh.NewInput().
				Title("Gateway port").
				Validate(func(s string) error {
					n, err := strconv.Atoi(strings.TrimSpace(s))
					if err != nil || n < 1 || n > 65535 {
						return fmt.Errorf("enter a port between 1 and 65535")
					}
					return nil
				}).
				Value(&port),
		),
	).Run()
	if err != nil {
		return err
	}

	model = defaultModelFor[provider]
	keyPrompt := huh.NewGroup(
		huh.NewInput().
			Title(fmt.Sprintf("%s API key", provider)).
			Description(fmt.Sprintf("Stored in the credential store under the workspace. Leave blank to use $%s instead.",
				credentials.EnvVarName(provider))).
			EchoMode(huh.EchoModePassword).
			Value(&apiKey),
		huh.NewInput().
			Title("Default model").
			Description("The fallback when no role chain matches.").
			Value(&model),
	)
	if isLocalProvider(provider) {
		// Local runtimes need no key; scan offers the model list later.
		keyPrompt = huh.NewGroup(
			huh.NewInput().
				Title("Default model").
				Description(fmt.Sprintf("Must be loaded in %s. `adytum models scan` lists what is running.", provider)).
				Value(&model),
		)
	}
	if err := huh.NewForm(keyPrompt).Run(); err != nil {
		return err
	}

	portNum, _ := strconv.Atoi(strings.TrimSpace(port))
	cfg.Workspace = strings.TrimSpace(workspace)
	cfg.Gateway.Port = portNum
	if model != "" && !strings.Contains(model, "/") {
		model = provider + "/" + model
	}
	cfg.Models.Default = model
	cfg.SetRoleChain("chat", []string{model})

	pc, _ := cfg.Provider(provider)
	pc.Kind = providerKind(provider)
	if isLocalProvider(provider) && pc.BaseURL == "" {
		pc.BaseURL = providers.DefaultLocalEndpoints[provider]
	}
	cfg.SetProvider(provider, pc)

	// Lay the workspace down before saving so a failed seed leaves no
	// half-configured install behind.
	wsPath := cfg.WorkspacePath()
	if err := os.MkdirAll(cfg.DataDir(), 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	seeded, err := bootstrap.EnsureWorkspaceFiles(wsPath)
	if err != nil {
		return fmt.Errorf("seed workspace: %w", err)
	}

	if apiKey != "" {
		creds := credentials.NewResolver(cfg.CredentialsFile(), nil)
		if err := creds.SetCredential("default", provider, strings.TrimSpace(apiKey), credentials.ModeAPIKey); err != nil {
			return fmt.Errorf("store credential: %w", err)
		}
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("\nWorkspace ready at %s (%d files seeded).\n", wsPath, len(seeded))
	fmt.Printf("Config written to %s.\n", cfgPath)
	if apiKey == "" && !isLocalProvider(provider) {
		fmt.Printf("Remember to export %s before starting.\n", credentials.EnvVarName(provider))
	}
	fmt.Println("\nRun `adytum start` to launch the gateway.")
	return nil
}

func isLocalProvider(name string) bool {
	_, ok := providers.DefaultLocalEndpoints[name]
	return ok
}

func providerKind(name string) string {
	if name == "anthropic" {
		return "anthropic"
	}
	return "openai"
}
