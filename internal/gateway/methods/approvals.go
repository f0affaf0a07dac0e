package methods

import (
	"context"
	"encoding/json"

	"github.com/adytum-sh/adytum/internal/gateway"
	"github.com/adytum-sh/adytum/pkg/protocol"
)

// ApprovalMethods resolves pending tool approvals over RPC. The dashboard
// usually answers via the plain approval_response frame; these methods serve
// the CLI and scripted clients.
type ApprovalMethods struct {
	broker *gateway.ApprovalBroker
}

func NewApprovalMethods(broker *gateway.ApprovalBroker) *ApprovalMethods {
	return &ApprovalMethods{broker: broker}
}

func (m *ApprovalMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodApprovalsList, m.handleList)
	router.Register(protocol.MethodApprovalsApprove, m.handleApprove)
	router.Register(protocol.MethodApprovalsDeny, m.handleDeny)
}

func (m *ApprovalMethods) handleList(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"pending": m.broker.Pending(),
	}))
}

func (m *ApprovalMethods) handleApprove(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	m.resolve(client, req, true)
}

func (m *ApprovalMethods) handleDeny(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	m.resolve(client, req, false)
}

func (m *ApprovalMethods) resolve(client *gateway.Client, req *protocol.RequestFrame, approved bool) {
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

	if !m.broker.Resolve(params.ID, approved) {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "no pending approval: "+params.ID))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"id":       params.ID,
		"approved": approved,
	}))
}
