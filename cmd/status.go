package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	goruntime "runtime"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/adytum-sh/adytum/internal/config"
	"github.com/adytum-sh/adytum/internal/credentials"
	"github.com/adytum-sh/adytum/internal/upgrade"
	"github.com/adytum-sh/adytum/pkg/protocol"
)

func statusCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show install health and live gateway state",
		Long: "Status reports the local setup (config, workspace, credentials,\n" +
			"database schema) and, when the gateway is running, its live state:\n" +
			"uptime, connected clients, active agents and sessions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "poll the running gateway every 2s")
	return cmd
}

type gatewayStatus struct {
	Version        string `json:"version"`
	UptimeSec      int64  `json:"uptimeSec"`
	Clients        int    `json:"clients"`
	ActiveAgents   int    `json:"activeAgents"`
	ActiveSessions int    `json:"activeSessions"`
}

func runStatus(ctx context.Context, watch bool) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	fmt.Printf("adytum %s (protocol %s) on %s/%s\n\n", Version, protocol.Version, goruntime.GOOS, goruntime.GOARCH)

	rows := [][]string{
		{"Config", statusPath(cfgPath)},
		{"Workspace", statusPath(cfg.WorkspacePath())},
		{"Soul", statusPath(cfg.SoulFile())},
		{"Skills dir", statusPath(cfg.SkillsDir())},
	}

	creds := credentials.NewResolver(cfg.CredentialsFile(), nil)
	for name := range cfg.Providers {
		rows = append(rows, []string{"Provider " + name, creds.Describe(name)})
	}
	rows = append(rows, []string{"Database", databaseStatus(cfg)})
	printTable([]string{"Component", "State"}, rows)

	probe := func() error {
		client, err := dialGateway(ctx, cfg)
		if err != nil {
			fmt.Printf("\nGateway: not running (%v)\n", err)
			return err
		}
		defer client.Close()
		var st gatewayStatus
		if err := client.callInto(ctx, protocol.MethodStatus, nil, &st); err != nil {
			fmt.Printf("\nGateway: unreachable (%v)\n", err)
			return err
		}
		fmt.Printf("\nGateway: running v%s — up %s, %d client(s), %d active agent(s), %d live session(s)\n",
			st.Version, (time.Duration(st.UptimeSec) * time.Second).String(),
			st.Clients, st.ActiveAgents, st.ActiveSessions)
		return nil
	}

	if !watch {
		if probe() != nil {
			os.Exit(1)
		}
		return nil
	}
	for {
		probe()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

func statusPath(path string) string {
	if _, err := os.Stat(path); err != nil {
		return path + " (missing)"
	}
	return path
}

// databaseStatus summarises the storage mode, including the Postgres schema
// check in managed mode so `status` catches a pending migrate early.
func databaseStatus(cfg *config.Config) string {
	if !cfg.IsManagedMode() {
		return "standalone (sqlite)"
	}
	db, err := sql.Open("pgx", cfg.Database.PostgresDSN)
	if err != nil {
		return fmt.Sprintf("managed — connect failed: %v", err)
	}
	defer db.Close()
	st, err := upgrade.CheckSchema(db)
	if err != nil {
		return fmt.Sprintf("managed — schema check failed: %v", err)
	}
	switch {
	case st.Dirty:
		return "managed — schema DIRTY, run `adytum migrate force`"
	case st.NeedsMigration:
		return fmt.Sprintf("managed — schema %d/%d, run `adytum migrate up`", st.CurrentVersion, st.RequiredVersion)
	case !st.Compatible:
		return fmt.Sprintf("managed — schema %d is newer than this binary (wants %d)", st.CurrentVersion, st.RequiredVersion)
	default:
		return fmt.Sprintf("managed — schema %d up to date", st.CurrentVersion)
	}
}
