package methods

import (
	"context"
	"time"

	"github.com/adytum-sh/adytum/internal/config"
	"github.com/adytum-sh/adytum/internal/gateway"
	"github.com/adytum-sh/adytum/internal/hierarchy"
	"github.com/adytum-sh/adytum/internal/runtime"
	"github.com/adytum-sh/adytum/pkg/protocol"
)

// SystemMethods answers connect handshakes and status probes.
type SystemMethods struct {
	server    *gateway.Server
	cfg       *config.Config
	hierarchy *hierarchy.Registry
	runtimes  *runtime.Registry
	version   string
}

func NewSystemMethods(server *gateway.Server, cfg *config.Config, h *hierarchy.Registry, r *runtime.Registry, version string) *SystemMethods {
	return &SystemMethods{server: server, cfg: cfg, hierarchy: h, runtimes: r, version: version}
}

func (m *SystemMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodConnect, m.handleConnect)
	router.Register(protocol.MethodHealth, m.handleHealth)
	router.Register(protocol.MethodStatus, m.handleStatus)
	router.Register(protocol.MethodConfigRoles, m.handleRoles)
}

func (m *SystemMethods) handleConnect(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"protocol": protocol.Version,
		"version":  m.version,
		"clientId": client.ID(),
		"methods":  m.server.Router().Methods(),
	}))
}

func (m *SystemMethods) handleHealth(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"status":    "ok",
		"uptimeSec": int64(m.server.Uptime().Seconds()),
		"time":      time.Now().UTC(),
	}))
}

func (m *SystemMethods) handleStatus(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	result := map[string]interface{}{
		"version":   m.version,
		"uptimeSec": int64(m.server.Uptime().Seconds()),
		"clients":   m.server.ClientCount(),
	}
	if m.hierarchy != nil {
		result["activeAgents"] = len(m.hierarchy.GetActive())
	}
	if m.runtimes != nil {
		result["activeSessions"] = m.runtimes.ActiveSessions()
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, result))
}

func (m *SystemMethods) handleRoles(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	chains := m.cfg.Roles()
	names := make([]string, 0, len(chains))
	for name := range chains {
		names = append(names, name)
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"roles":  names,
		"chains": chains,
	}))
}
