//go:build tsnet

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"tailscale.com/tsnet"

	"github.com/adytum-sh/adytum/internal/config"
)

// initTailscale serves the same mux on a tailnet listener, so the dashboard
// and WebSocket surface are reachable from other machines without exposing a
// port. Compiled in with `go build -tags tsnet`.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux) func() {
	if !cfg.Tailscale.Enabled {
		return nil
	}

	hostname := cfg.Tailscale.Hostname
	if hostname == "" {
		hostname = "adytum"
	}
	srv := &tsnet.Server{
		Hostname: hostname,
		Dir:      cfg.Tailscale.StateDir,
		AuthKey:  cfg.Tailscale.AuthKey,
		Logf:     func(format string, args ...any) { slog.Debug("tsnet: " + fmt.Sprintf(format, args...)) },
	}

	ln, err := srv.Listen("tcp", ":80")
	if err != nil {
		slog.Error("tailscale.listen_failed", "error", err)
		srv.Close()
		return nil
	}
	slog.Info("tailscale.listening", "hostname", hostname)

	go func() {
		if err := http.Serve(ln, mux); err != nil && ctx.Err() == nil {
			slog.Error("tailscale.serve_failed", "error", err)
		}
	}()
	return func() {
		ln.Close()
		srv.Close()
	}
}
