package tools

import "context"

// Tool execution context keys. Per-call values ride on the context instead
// of mutable tool fields so concurrent sessions cannot cross wires.

type toolContextKey string

const (
	ctxSessionKey toolContextKey = "tool_session_key"
	ctxAgentID    toolContextKey = "tool_agent_id"
)

func WithSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ctxSessionKey, key)
}

func SessionKeyFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxSessionKey).(string)
	return v
}

func WithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxAgentID, id)
}

func AgentIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxAgentID).(string)
	return v
}
