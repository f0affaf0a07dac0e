package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/adytum-sh/adytum/internal/config"
	"github.com/adytum-sh/adytum/pkg/protocol"
)

// gatewayClient is the CLI side of the WebSocket RPC surface. One
// connection, sequential calls; stream and approval frames that arrive
// while a call is pending are handed to the frame handler.
type gatewayClient struct {
	conn *websocket.Conn
	mu   sync.Mutex

	// onFrame sees every non-response frame (stream, event, approval).
	// Nil handlers drop them.
	onFrame func(frameType string, raw []byte)
}

// responseFrame mirrors protocol.ResponseFrame with the payload kept raw so
// callers decode into their own shape.
type responseFrame struct {
	Type    string              `json:"type"`
	ID      string              `json:"id"`
	OK      bool                `json:"ok"`
	Payload json.RawMessage     `json:"payload,omitempty"`
	Error   *protocol.ErrorInfo `json:"error,omitempty"`
}

// dialGateway connects to a running gateway and completes the connect
// handshake. The caller owns the connection and must Close it.
func dialGateway(ctx context.Context, cfg *config.Config) (*gatewayClient, error) {
	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	wsURL := fmt.Sprintf("ws://%s:%d/ws", host, cfg.Gateway.Port)

	// Auth happens at the upgrade: the server checks the Bearer header
	// before accepting the socket.
	var opts *websocket.DialOptions
	if cfg.Gateway.Token != "" {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+cfg.Gateway.Token)
		opts = &websocket.DialOptions{HTTPHeader: header}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, wsURL, opts)
	if err != nil {
		return nil, fmt.Errorf("gateway not reachable at %s: %w", wsURL, err)
	}
	conn.SetReadLimit(4 << 20)

	c := &gatewayClient{conn: conn}
	if _, err := c.call(ctx, protocol.MethodConnect, nil); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "connect rejected")
		return nil, fmt.Errorf("gateway handshake: %w", err)
	}
	return c, nil
}

func (c *gatewayClient) Close() {
	c.conn.Close(websocket.StatusNormalClosure, "done")
}

func (c *gatewayClient) write(ctx context.Context, frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// call sends one RPC request and blocks until its response arrives. Frames
// for other consumers (streams, events, approval requests) are routed to
// onFrame in arrival order.
func (c *gatewayClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		raw = data
	}
	reqID := uuid.NewString()[:8]
	if err := c.write(ctx, protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     reqID,
		Method: method,
		Params: raw,
	}); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("read %s response: %w", method, err)
		}
		frameType, err := protocol.ParseFrameType(data)
		if err != nil {
			continue
		}
		if frameType != protocol.FrameTypeResponse {
			if c.onFrame != nil {
				c.onFrame(frameType, data)
			}
			continue
		}
		var resp responseFrame
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("decode %s response: %w", method, err)
		}
		if resp.ID != reqID {
			// Response to someone else's request on a shared connection;
			// not expected from this sequential client, skip it.
			continue
		}
		if !resp.OK {
			if resp.Error != nil {
				return nil, fmt.Errorf("%s: %s", method, resp.Error.Message)
			}
			return nil, fmt.Errorf("%s rejected", method)
		}
		return resp.Payload, nil
	}
}

// callInto is call plus a decode of the payload.
func (c *gatewayClient) callInto(ctx context.Context, method string, params, out interface{}) error {
	payload, err := c.call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", method, err)
	}
	return nil
}
