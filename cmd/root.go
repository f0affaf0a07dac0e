package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/adytum-sh/adytum/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/adytum-sh/adytum/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "adytum",
	Short: "Adytum — self-hosted AI agent gateway",
	Long: "Adytum runs a persistent agent with memory, skills, sub-agents and cron\n" +
		"behind one WebSocket gateway. `adytum init` sets up a workspace,\n" +
		"`adytum start` runs the gateway.",
	Run: func(cmd *cobra.Command, args []string) {
		runStart(false)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: adytum.json or $ADYTUM_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(updateCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(skillCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("adytum %s (protocol %s)\n", Version, protocol.Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("ADYTUM_CONFIG"); v != "" {
		return v
	}
	return "adytum.json"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
