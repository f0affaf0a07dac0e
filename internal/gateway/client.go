package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/adytum-sh/adytum/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 1 << 20 // 1 MiB inbound frame cap
	sendQueueDepth = 64
)

// Client is one WebSocket connection. Frames to the client go through the
// buffered send queue; a slow consumer gets frames dropped, never blocks
// the gateway.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	send   chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func NewClient(conn *websocket.Conn, server *Server) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: server,
		send:   make(chan []byte, sendQueueDepth),
		done:   make(chan struct{}),
	}
}

// ID returns the connection id used for bus subscriptions and rate limiting.
func (c *Client) ID() string { return c.id }

// Run drives the connection until the peer disconnects or ctx ends.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)
}

// Close tears the connection down; safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// SendResponse queues an RPC response frame.
func (c *Client) SendResponse(res *protocol.ResponseFrame) { c.enqueue(res) }

// SendEvent queues an event frame.
func (c *Client) SendEvent(event protocol.EventFrame) { c.enqueue(event) }

// SendFrame queues any frame (message, stream, approval_request).
func (c *Client) SendFrame(frame interface{}) { c.enqueue(frame) }

func (c *Client) enqueue(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("gateway.marshal_frame", "client", c.id, "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		slog.Warn("gateway.client_backlogged", "client", c.id)
	}
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("gateway.read_error", "client", c.id, "error", err)
			}
			return
		}
		c.dispatch(ctx, raw)
	}
}

func (c *Client) dispatch(ctx context.Context, raw []byte) {
	frameType, err := protocol.ParseFrameType(raw)
	if err != nil {
		slog.Debug("gateway.bad_frame", "client", c.id, "error", err)
		return
	}

	switch frameType {
	case protocol.FrameTypeRequest:
		var req protocol.RequestFrame
		if err := json.Unmarshal(raw, &req); err != nil {
			slog.Debug("gateway.bad_request", "client", c.id, "error", err)
			return
		}
		if !c.server.rateLimiter.Allow(c.id) {
			c.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, "rate limit exceeded"))
			return
		}
		// Handlers may block on the model for a while; never stall the
		// read pump or pings stop flowing.
		go c.server.router.Dispatch(ctx, c, &req)

	case protocol.FrameTypeMessage:
		var msg protocol.MessageFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			slog.Debug("gateway.bad_message", "client", c.id, "error", err)
			return
		}
		if !c.server.rateLimiter.Allow(c.id) {
			c.SendFrame(protocol.MessageFrame{
				Type:      protocol.FrameTypeMessage,
				SessionID: msg.SessionID,
				Error:     "rate limit exceeded",
			})
			return
		}
		go c.server.handleMessageFrame(ctx, c, msg)

	case protocol.FrameTypeApprovalResponse:
		var res protocol.ApprovalResponseFrame
		if err := json.Unmarshal(raw, &res); err != nil {
			return
		}
		c.server.approvals.Resolve(res.ID, res.Approved)

	default:
		slog.Debug("gateway.unknown_frame", "client", c.id, "type", frameType)
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}
