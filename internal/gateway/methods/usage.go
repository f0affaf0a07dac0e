package methods

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/adytum-sh/adytum/internal/gateway"
	"github.com/adytum-sh/adytum/internal/sessions"
	"github.com/adytum-sh/adytum/internal/store"
	"github.com/adytum-sh/adytum/pkg/protocol"
)

// UsageSource aggregates recorded token usage. The SQLite usage store
// satisfies it.
type UsageSource interface {
	Summary(ctx context.Context, days int) ([]store.ModelUsage, error)
}

// UsageMethods reports token spend: per-model aggregates from the usage
// store plus lifetime totals from the session store.
type UsageMethods struct {
	usage    UsageSource
	sessions *sessions.Store
}

func NewUsageMethods(usage UsageSource, s *sessions.Store) *UsageMethods {
	return &UsageMethods{usage: usage, sessions: s}
}

func (m *UsageMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodUsageSummary, m.handleSummary)
}

func (m *UsageMethods) handleSummary(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		Days int `json:"days"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	if params.Days <= 0 {
		params.Days = 30
	}

	result := map[string]interface{}{}
	if m.sessions != nil {
		in, out := m.sessions.UsageTotals()
		result["totalInputTokens"] = in
		result["totalOutputTokens"] = out
	}
	if m.usage != nil {
		rows, err := m.usage.Summary(ctx, params.Days)
		if err != nil {
			slog.Error("usage.summary", "error", err)
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "failed to read usage"))
			return
		}
		result["models"] = rows
		result["days"] = params.Days
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, result))
}
