package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/adytum-sh/adytum/internal/config"
)

func resetCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Wipe runtime state, keeping identity and config",
		Long: "Reset deletes sessions, memory, traces, the cron table and the agent\n" +
			"hierarchy. soul.md, the instruction files, skills, credentials and\n" +
			"adytum.json survive.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if !force {
				var ok bool
				err := huh.NewForm(huh.NewGroup(
					huh.NewConfirm().
						Title(fmt.Sprintf("Wipe all runtime state under %s?", cfg.WorkspacePath())).
						Description("Sessions, memory facts, traces, cron jobs and the agent hierarchy will be deleted.").
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
			if err := wipeRuntimeState(cfg); err != nil {
				return err
			}
			fmt.Println("Runtime state cleared. `adytum start` begins fresh.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip the confirmation prompt")
	return cmd
}

// wipeRuntimeState deletes regenerable state. Credentials, the security
// policy and workspace registrations stay: they are setup, not history.
func wipeRuntimeState(cfg *config.Config) error {
	targets := []string{
		cfg.SessionsDir(),
		filepath.Dir(cfg.SQLitePath()), // db plus its WAL siblings
		cfg.CronFile(),
		cfg.HierarchyFile(),
		cfg.SnapshotsDir(),
	}
	for _, path := range targets {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}
	return nil
}
