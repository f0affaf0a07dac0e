package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/titanous/json5"

	"github.com/adytum-sh/adytum/internal/config"
	"github.com/adytum-sh/adytum/internal/credentials"
	"github.com/adytum-sh/adytum/internal/providers"
)

func modelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect and edit the model catalog",
	}
	cmd.AddCommand(modelsListCmd())
	cmd.AddCommand(modelsScanCmd())
	cmd.AddCommand(modelsAddCmd())
	cmd.AddCommand(modelsRemoveCmd())
	return cmd
}

// loadCatalog builds the same catalog `start` uses: builtins plus the
// workspace models.json overrides.
func loadCatalog(cfg *config.Config) *providers.Catalog {
	catalog := providers.NewCatalog()
	if err := catalog.LoadOverrides(cfg.ModelsFile()); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	return catalog
}

func modelsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every model the router can address",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			catalog := loadCatalog(cfg)
			creds := credentials.NewResolver(cfg.CredentialsFile(), nil)

			rows := make([][]string, 0)
			for _, e := range catalog.List() {
				cost := "free"
				if e.InputCostPerM > 0 || e.OutputCostPerM > 0 {
					cost = fmt.Sprintf("$%.2f/$%.2f per M", e.InputCostPerM, e.OutputCostPerM)
				}
				auth := "—"
				if e.Local {
					auth = "local"
				} else if creds.Resolve(e.Provider, "") != nil {
					auth = "ok"
				}
				rows = append(rows, []string{
					e.ID,
					strconv.Itoa(e.ContextWindow),
					cost,
					auth,
				})
			}
			printTable([]string{"Model", "Context", "Cost (in/out)", "Auth"}, rows)
			if cfg.Models.Default != "" {
				fmt.Printf("\nDefault: %s\n", cfg.Models.Default)
			}
			for role, chain := range cfg.Roles() {
				fmt.Printf("Role %-10s %s\n", role+":", strings.Join(chain, " → "))
			}
			return nil
		},
	}
}

func modelsScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Probe local runtimes and register their models",
		Long: "Scan checks Ollama, LM Studio and vLLM at their default endpoints\n" +
			"(plus any configured local provider) and writes discovered models\n" +
			"into models.json so the router can address them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}

			endpoints := make(map[string]string, len(providers.DefaultLocalEndpoints))
			for provider, baseURL := range providers.DefaultLocalEndpoints {
				endpoints[provider] = baseURL
			}
			for name, pc := range cfg.Providers {
				if _, local := providers.DefaultLocalEndpoints[name]; local && pc.BaseURL != "" {
					endpoints[name] = pc.BaseURL
				}
			}

			ctx := cmd.Context()
			var found []string
			for provider, baseURL := range endpoints {
				ids, err := providers.ProbeLocal(ctx, provider, baseURL)
				if err != nil {
					fmt.Printf("  %-10s %v\n", provider, err)
					continue
				}
				fmt.Printf("  %-10s %d model(s) at %s\n", provider, len(ids), baseURL)
				found = append(found, ids...)
			}
			if len(found) == 0 {
				fmt.Println("\nNo local runtimes answered.")
				return nil
			}

			added, err := addOverrides(cfg, func(doc *overridesDoc) int {
				n := 0
				for _, id := range found {
					if doc.upsert(providers.CatalogEntry{ID: id, Local: true}) {
						n++
					}
				}
				return n
			})
			if err != nil {
				return err
			}
			fmt.Printf("\n%d model(s) recorded in %s.\n", added, cfg.ModelsFile())
			return nil
		},
	}
}

func modelsAddCmd() *cobra.Command {
	var contextWindow, maxOutput int
	var inputCost, outputCost float64
	cmd := &cobra.Command{
		Use:   "add <provider>/<model>",
		Short: "Add or override one catalog entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if !strings.Contains(id, "/") {
				return fmt.Errorf("model id must be <provider>/<model>, got %q", id)
			}
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			_, err = addOverrides(cfg, func(doc *overridesDoc) int {
				doc.upsert(providers.CatalogEntry{
					ID:             id,
					ContextWindow:  contextWindow,
					MaxOutput:      maxOutput,
					InputCostPerM:  inputCost,
					OutputCostPerM: outputCost,
				})
				return 1
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s recorded in %s.\n", id, cfg.ModelsFile())
			return nil
		},
	}
	cmd.Flags().IntVar(&contextWindow, "context", 0, "context window in tokens")
	cmd.Flags().IntVar(&maxOutput, "max-output", 0, "max output tokens")
	cmd.Flags().Float64Var(&inputCost, "input-cost", 0, "USD per million input tokens")
	cmd.Flags().Float64Var(&outputCost, "output-cost", 0, "USD per million output tokens")
	return cmd
}

func modelsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a catalog override",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			removed := false
			_, err = addOverrides(cfg, func(doc *overridesDoc) int {
				removed = doc.remove(id)
				return 0
			})
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("%s is not in %s (builtins cannot be removed)", id, cfg.ModelsFile())
			}
			fmt.Printf("%s removed.\n", id)
			return nil
		},
	}
}

// overridesDoc is the models.json shape. Read tolerantly (JSON5), written
// back as plain formatted JSON.
type overridesDoc struct {
	Models []providers.CatalogEntry `json:"models"`
}

func (d *overridesDoc) upsert(e providers.CatalogEntry) bool {
	for i, existing := range d.Models {
		if existing.ID == e.ID {
			d.Models[i] = e
			return false
		}
	}
	d.Models = append(d.Models, e)
	return true
}

func (d *overridesDoc) remove(id string) bool {
	for i, e := range d.Models {
		if e.ID == id {
			d.Models = append(d.Models[:i], d.Models[i+1:]...)
			return true
		}
	}
	return false
}

func addOverrides(cfg *config.Config, edit func(*overridesDoc) int) (int, error) {
	path := cfg.ModelsFile()
	var doc overridesDoc
	if data, err := os.ReadFile(path); err == nil {
		if err := json5.Unmarshal(data, &doc); err != nil {
			return 0, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return 0, err
	}

	n := edit(&doc)
	sort.Slice(doc.Models, func(i, j int) bool { return doc.Models[i].ID < doc.Models[j].ID })

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	return n, nil
}
