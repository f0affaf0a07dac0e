package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/adytum-sh/adytum/internal/config"
	"github.com/adytum-sh/adytum/internal/skills"
)

func skillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skill",
		Short: "Manage skills in the workspace",
		Long: "Skills are folders under <workspace>/skills, each holding a skill.json5\n" +
			"manifest describing an MCP server and the secrets it needs. The gateway\n" +
			"loads them at start and hot-reloads on change.",
	}
	cmd.AddCommand(skillListCmd())
	cmd.AddCommand(skillCheckCmd())
	cmd.AddCommand(skillInstallCmd())
	cmd.AddCommand(skillRemoveCmd())
	return cmd
}

func skillListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed skills",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			found, err := skills.Discover(cfg.SkillsDir())
			if err != nil {
				return err
			}
			if len(found) == 0 {
				fmt.Printf("No skills installed under %s.\n", cfg.SkillsDir())
				fmt.Println("`adytum skill install <id>` scaffolds one.")
				return nil
			}
			rows := make([][]string, 0, len(found))
			for _, d := range found {
				state := "enabled"
				desc := ""
				switch {
				case d.Err != nil:
					state = "broken: " + d.Err.Error()
				case d.Manifest.Disabled:
					state = "disabled"
				}
				if d.Manifest != nil {
					desc = d.Manifest.Description
					if missing := missingSecrets(d.Manifest); len(missing) > 0 {
						state = "needs " + strings.Join(missing, ", ")
					}
				}
				rows = append(rows, []string{d.ID, state, desc})
			}
			printTable([]string{"Skill", "State", "Description"}, rows)
			return nil
		},
	}
}

func skillCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [id]",
		Short: "Verify skill prerequisites (secrets, binaries)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			found, err := skills.Discover(cfg.SkillsDir())
			if err != nil {
				return err
			}
			failures := 0
			for _, d := range found {
				if len(args) == 1 && d.ID != args[0] {
					continue
				}
				failures += checkSkill(d)
			}
			if failures > 0 {
				return fmt.Errorf("%d check(s) failed", failures)
			}
			fmt.Println("All checks passed.")
			return nil
		},
	}
}

// checkSkill prints one skill's health and returns its failure count.
func checkSkill(d skills.Discovered) int {
	fmt.Printf("%s:\n", d.ID)
	if d.Err != nil {
		fmt.Printf("  MISSING  manifest: %v\n", d.Err)
		return 1
	}

	failures := 0
	for _, name := range d.Manifest.Requires {
		if os.Getenv(name) == "" {
			fmt.Printf("  MISSING  secret %s is not set\n", name)
			failures++
		} else {
			fmt.Printf("  ok       secret %s\n", name)
		}
	}
	for _, step := range d.Manifest.Install {
		switch step.Kind {
		case "binary":
			if _, err := exec.LookPath(step.Name); err != nil {
				fmt.Printf("  MISSING  binary %s not in PATH", step.Name)
				if step.Command != "" {
					fmt.Printf(" (install with: %s)", step.Command)
				}
				fmt.Println()
				failures++
			} else {
				fmt.Printf("  ok       binary %s\n", step.Name)
			}
		case "note":
			fmt.Printf("  · %s\n", step.Note)
		}
	}
	if s := d.Manifest.Server; s != nil && s.Command != "" {
		if _, err := exec.LookPath(s.Command); err != nil {
			fmt.Printf("  MISSING  server command %s not in PATH\n", s.Command)
			failures++
		} else {
			fmt.Printf("  ok       server command %s\n", s.Command)
		}
	}
	if failures == 0 && len(d.Manifest.Requires) == 0 && len(d.Manifest.Install) == 0 {
		fmt.Println("  ok       nothing to check")
	}
	return failures
}

func missingSecrets(m *skills.Manifest) []string {
	var missing []string
	for _, name := range m.Requires {
		if os.Getenv(name) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

const skillManifestTemplate = `{
  // Adytum skill manifest. See instructions.md for operator notes.
  id: %q,
  description: "",

  // Secret names this skill needs; values come from the environment or
  // the gateway's skills.setSecrets method, never from this file.
  requires: [],

  // The MCP server providing the tools.
  server: {
    transport: "stdio",
    command: "",
    args: [],
  },
}
`

func skillInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install <id>",
		Short: "Scaffold a new skill folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if strings.ContainsAny(id, " /\\") {
				return fmt.Errorf("skill id %q must not contain spaces or path separators", id)
			}
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			dir := filepath.Join(cfg.SkillsDir(), id)
			if _, err := os.Stat(filepath.Join(dir, "skill.json5")); err == nil {
				return fmt.Errorf("skill %s already exists at %s", id, dir)
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			manifest := fmt.Sprintf(skillManifestTemplate, id)
			if err := os.WriteFile(filepath.Join(dir, "skill.json5"), []byte(manifest), 0o644); err != nil {
				return err
			}
			notes := fmt.Sprintf("# %s\n\nDescribe what this skill does and how to operate it.\n", id)
			if err := os.WriteFile(filepath.Join(dir, "instructions.md"), []byte(notes), 0o644); err != nil {
				return err
			}
			fmt.Printf("Scaffolded %s.\nEdit %s, then `adytum skill check %s`.\n",
				dir, filepath.Join(dir, "skill.json5"), id)
			fmt.Println("A running gateway with hotReload enabled picks it up automatically.")
			return nil
		},
	}
}

func skillRemoveCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete a skill folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			dir := filepath.Join(cfg.SkillsDir(), id)
			if _, err := os.Stat(dir); err != nil {
				return fmt.Errorf("skill %s is not installed", id)
			}
			if !force {
				var ok bool
				err := huh.NewForm(huh.NewGroup(
					huh.NewConfirm().
						Title(fmt.Sprintf("Delete %s?", dir)).
						Description("The manifest, instructions and anything else in the folder are removed.").
						Value(&ok),
				)).Run()
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println("Aborted.")
					return nil
				}
			}
			if err := os.RemoveAll(dir); err != nil {
				return err
			}
			fmt.Printf("Skill %s removed.\n", id)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip the confirmation prompt")
	return cmd
}
