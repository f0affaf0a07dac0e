package methods

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/adytum-sh/adytum/internal/gateway"
	"github.com/adytum-sh/adytum/pkg/protocol"
)

// WorkspaceMethods mirrors the workspace REST surface over RPC so the CLI
// can manage registrations without HTTP round-trips.
type WorkspaceMethods struct {
	workspaces *gateway.Workspaces
	reindexer  *gateway.Reindexer
}

func NewWorkspaceMethods(ws *gateway.Workspaces, ri *gateway.Reindexer) *WorkspaceMethods {
	return &WorkspaceMethods{workspaces: ws, reindexer: ri}
}

func (m *WorkspaceMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodWorkspacesList, m.handleList)
	router.Register(protocol.MethodWorkspacesCreate, m.handleCreate)
	router.Register(protocol.MethodWorkspacesDelete, m.handleDelete)
	router.Register(protocol.MethodKnowledgeReindex, m.handleReindex)
}

func (m *WorkspaceMethods) handleList(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"workspaces": m.workspaces.List(),
	}))
}

func (m *WorkspaceMethods) handleCreate(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		Name string `json:"name"`
		Path string `json:"path"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}

	ws, err := m.workspaces.Add(params.Name, params.Path)
	if err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error()))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, ws))
}

func (m *WorkspaceMethods) handleDelete(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		ID string `json:"id"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	if err := m.workspaces.Remove(params.ID); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, err.Error()))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]string{"deleted": params.ID}))
}

func (m *WorkspaceMethods) handleReindex(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	if m.reindexer == nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, "knowledge indexing is not configured"))
		return
	}
	var params struct {
		WorkspaceID string `json:"workspaceId"`
		Mode        string `json:"mode"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}

	ws, ok := m.workspaces.Get(params.WorkspaceID)
	if !ok {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "unknown workspace: "+params.WorkspaceID))
		return
	}

	report, err := m.reindexer.Reindex(ctx, ws, params.Mode)
	if err != nil {
		slog.Error("knowledge.reindex", "workspace", params.WorkspaceID, "error", err)
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error()))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, report))
}
