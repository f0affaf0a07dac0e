package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the wire protocol version exchanged during connect.
const Version = "1"

// Frame type discriminators (the "type" field of every frame).
const (
	FrameTypeRequest  = "request"
	FrameTypeResponse = "response"
	FrameTypeEvent    = "event"

	// Dashboard surface: plain frames that need no RPC envelope.
	FrameTypeMessage          = "message"
	FrameTypeStream           = "stream"
	FrameTypeApprovalRequest  = "approval_request"
	FrameTypeApprovalResponse = "approval_response"
)

// Error codes carried in ResponseFrame.Error.Code.
const (
	ErrInvalidRequest = "INVALID_REQUEST"
	ErrUnauthorized   = "UNAUTHORIZED"
	ErrNotFound       = "NOT_FOUND"
	ErrUnavailable    = "UNAVAILABLE"
	ErrInternal       = "INTERNAL"
)

// RequestFrame is a client → gateway RPC call.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame is the gateway's reply to one RequestFrame, matched by ID.
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo describes a failed request.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventFrame is a gateway → client push (no reply expected).
type EventFrame struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// NewEvent builds an event frame for broadcast.
func NewEvent(event string, payload interface{}) *EventFrame {
	return &EventFrame{Type: FrameTypeEvent, Event: event, Payload: payload}
}

// NewOKResponse builds a success response for a request.
func NewOKResponse(id string, payload interface{}) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds an error response for a request.
func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, OK: false, Error: &ErrorInfo{Code: code, Message: message}}
}

// MessageFrame carries one chat exchange on the dashboard surface. The
// client sends it with Content set; the gateway replies with the same type
// once the turn completes.
type MessageFrame struct {
	Type        string `json:"type"`
	Content     string `json:"content"`
	SessionID   string `json:"sessionId,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	AgentID     string `json:"agentId,omitempty"`
	Error       string `json:"error,omitempty"`
}

// StreamFrame is one incremental delta pushed while a turn is running.
type StreamFrame struct {
	Type       string            `json:"type"`
	StreamType string            `json:"streamType"`
	Delta      string            `json:"delta,omitempty"`
	SessionID  string            `json:"sessionId,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ApprovalRequestFrame asks connected clients to confirm a gated tool call.
type ApprovalRequestFrame struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	Description string `json:"description"`
	Kind        string `json:"kind"`
	SessionID   string `json:"sessionId,omitempty"`
}

// ApprovalResponseFrame resolves one pending approval.
type ApprovalResponseFrame struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
}

// ParseFrameType peeks at the frame discriminator without decoding the body.
func ParseFrameType(raw []byte) (string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", fmt.Errorf("malformed frame: %w", err)
	}
	if probe.Type == "" {
		return "", fmt.Errorf("frame missing type field")
	}
	return probe.Type, nil
}
