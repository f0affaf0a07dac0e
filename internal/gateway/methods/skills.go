package methods

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/adytum-sh/adytum/internal/gateway"
	"github.com/adytum-sh/adytum/internal/skills"
	"github.com/adytum-sh/adytum/pkg/protocol"
)

// SkillMethods surfaces skill health and hot-reload over RPC.
type SkillMethods struct {
	loader *skills.Loader
}

func NewSkillMethods(loader *skills.Loader) *SkillMethods {
	return &SkillMethods{loader: loader}
}

func (m *SkillMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodSkillsList, m.handleList)
	router.Register(protocol.MethodSkillsReload, m.handleReload)
}

func (m *SkillMethods) handleList(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"skills": m.loader.Statuses(),
	}))
}

func (m *SkillMethods) handleReload(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		ID string `json:"id"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	if params.ID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "id is required"))
		return
	}

	if err := m.loader.Reload(ctx, params.ID); err != nil {
		slog.Error("skills.reload", "skill", params.ID, "error", err)
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error()))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]string{"reloaded": params.ID}))
}
