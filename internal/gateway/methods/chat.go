package methods

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/adytum-sh/adytum/internal/agent"
	"github.com/adytum-sh/adytum/internal/gateway"
	"github.com/adytum-sh/adytum/internal/runtime"
	"github.com/adytum-sh/adytum/internal/sessions"
	"github.com/adytum-sh/adytum/pkg/protocol"
)

// ChatMethods drives agent turns over the RPC surface. chat.send blocks
// until the turn completes; streaming callers use the plain message frame
// instead.
type ChatMethods struct {
	runtime  gateway.ChatRunner
	sessions *sessions.Store
	runtimes *runtime.Registry
}

func NewChatMethods(r gateway.ChatRunner, s *sessions.Store, reg *runtime.Registry) *ChatMethods {
	return &ChatMethods{runtime: r, sessions: s, runtimes: reg}
}

func (m *ChatMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodChatSend, m.handleSend)
	router.Register(protocol.MethodChatHistory, m.handleHistory)
	router.Register(protocol.MethodChatAbort, m.handleAbort)
}

func (m *ChatMethods) handleSend(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		Message   string  `json:"message"`
		SessionID string  `json:"sessionId"`
		AgentID   string  `json:"agentId"`
		Role      string  `json:"role"`
		Model     string  `json:"model"`
		Temp      float64 `json:"temperature"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	if strings.TrimSpace(params.Message) == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "message is required"))
		return
	}

	sessionID := params.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	res := m.runtime.Run(ctx, agent.RunRequest{
		SessionKey:  sessionID,
		Message:     params.Message,
		AgentID:     params.AgentID,
		Role:        params.Role,
		Model:       params.Model,
		Temperature: params.Temp,
	})

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"sessionId":  sessionID,
		"status":     res.Status,
		"response":   res.Response,
		"silent":     res.Silent,
		"traceId":    res.TraceID,
		"iterations": res.Iterations,
	}))
}

func (m *ChatMethods) handleHistory(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		SessionID string `json:"sessionId"`
		Limit     int    `json:"limit"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	if params.SessionID == "" {
		// No session given: list all known sessions instead.
		client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
			"sessions": m.sessions.List(""),
		}))
		return
	}

	msgs := m.sessions.History(params.SessionID)
	if params.Limit > 0 && len(msgs) > params.Limit {
		msgs = msgs[len(msgs)-params.Limit:]
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"sessionId": params.SessionID,
		"messages":  msgs,
	}))
}

func (m *ChatMethods) handleAbort(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	if params.SessionID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "sessionId is required"))
		return
	}

	// Cancel the whole tree so spawned sub-agents do not outlive the parent.
	aborted := m.runtimes.AbortHierarchy(params.SessionID)
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"sessionId": params.SessionID,
		"aborted":   aborted,
	}))
}
