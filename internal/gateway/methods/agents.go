package methods

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/adytum-sh/adytum/internal/gateway"
	"github.com/adytum-sh/adytum/internal/hierarchy"
	"github.com/adytum-sh/adytum/pkg/protocol"
)

// AgentMethods exposes the hierarchy over RPC: listing the family tree,
// birthing and retiring agents, and updating identity fields.
type AgentMethods struct {
	registry *hierarchy.Registry
	avatars  *hierarchy.AvatarStore
}

func NewAgentMethods(registry *hierarchy.Registry, avatars *hierarchy.AvatarStore) *AgentMethods {
	return &AgentMethods{registry: registry, avatars: avatars}
}

func (m *AgentMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodAgentsList, m.handleList)
	router.Register(protocol.MethodAgentsBirth, m.handleBirth)
	router.Register(protocol.MethodAgentsRetire, m.handleRetire)
	router.Register(protocol.MethodAgentsUpdate, m.handleUpdate)
	router.Register(protocol.MethodAgentsAvatar, m.handleAvatar)
}

func (m *AgentMethods) handleList(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		IncludeGraveyard bool `json:"includeGraveyard"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}

	active := m.registry.GetActive()
	result := map[string]interface{}{
		"agents": m.describe(active),
	}
	if params.IncludeGraveyard {
		result["graveyard"] = m.describe(m.registry.GetGraveyard())
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, result))
}

func (m *AgentMethods) describe(agents []*hierarchy.Agent) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(agents))
	for _, a := range agents {
		out = append(out, map[string]interface{}{
			"id":              a.ID,
			"name":            a.Name,
			"tier":            a.Tier,
			"role":            a.Role,
			"parentId":        a.ParentID,
			"birthTime":       a.BirthTime,
			"lastBreath":      a.LastBreath,
			"avatar":          a.Avatar,
			"modelIds":        a.ModelIDs,
			"activeSessionId": a.ActiveSessionID,
			"mode":            a.Mode,
			"uptimeSec":       m.registry.GetUptimeSeconds(a.ID),
		})
	}
	return out
}

func (m *AgentMethods) handleBirth(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		Name     string   `json:"name"`
		Tier     int      `json:"tier"`
		Role     string   `json:"role"`
		ParentID string   `json:"parentId"`
		ModelIDs []string `json:"modelIds"`
		Mode     string   `json:"mode"`
		Topics   []string `json:"topics"`
		Schedule string   `json:"schedule"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}

	agent, err := m.registry.Birth(hierarchy.BirthParams{
		Name:     params.Name,
		Tier:     params.Tier,
		Role:     params.Role,
		ParentID: params.ParentID,
		ModelIDs: params.ModelIDs,
		Mode:     params.Mode,
		Topics:   params.Topics,
		Schedule: params.Schedule,
	})
	if err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error()))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, agent))
}

func (m *AgentMethods) handleRetire(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
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

	if err := m.registry.LastBreath(params.ID); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, err.Error()))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]string{"retired": params.ID}))
}

func (m *AgentMethods) handleUpdate(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		ID       string    `json:"id"`
		Name     *string   `json:"name"`
		ModelIDs *[]string `json:"modelIds"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	if params.ID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "id is required"))
		return
	}

	if params.Name != nil {
		if err := m.registry.SetName(params.ID, *params.Name); err != nil {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error()))
			return
		}
	}
	if params.ModelIDs != nil {
		if err := m.registry.SetModelIDs(params.ID, *params.ModelIDs); err != nil {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error()))
			return
		}
	}

	client.SendResponse(protocol.NewOKResponse(req.ID, m.registry.Get(params.ID)))
}

func (m *AgentMethods) handleAvatar(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	if m.avatars == nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, "avatar storage is not configured"))
		return
	}
	var params struct {
		ID    string `json:"id"`
		Image string `json:"image"` // base64, optionally a data: URL
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	if params.ID == "" || params.Image == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "id and image are required"))
		return
	}
	if m.registry.Get(params.ID) == nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "agent not found: "+params.ID))
		return
	}

	path, err := m.avatars.SetFromBase64(params.ID, params.Image)
	if err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error()))
		return
	}
	if err := m.registry.SetAvatar(params.ID, path); err != nil {
		slog.Error("agents.avatar.record", "agent", params.ID, "error", err)
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "failed to record avatar"))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]string{"id": params.ID, "avatar": path}))
}
