package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/adytum-sh/adytum/internal/agent"
	"github.com/adytum-sh/adytum/internal/bus"
	"github.com/adytum-sh/adytum/internal/config"
	"github.com/adytum-sh/adytum/internal/llm"
	"github.com/adytum-sh/adytum/internal/providers"
	"github.com/adytum-sh/adytum/pkg/protocol"
)

// ChatRunner is the agent runtime slice the gateway drives.
type ChatRunner interface {
	Run(ctx context.Context, req agent.RunRequest) *agent.RunResult
}

// ModelStatusSource reports live cooldown state for the REST surface.
type ModelStatusSource interface {
	RuntimeStatus() []llm.ModelRuntimeStatus
}

// Deps wires the server to the rest of the process. Nil fields disable
// their surface instead of crashing.
type Deps struct {
	Runtime    ChatRunner
	Models     ModelStatusSource
	Workspaces *Workspaces
	Reindexer  *Reindexer
	Preview    *LinkPreview
}

// Server is the gateway: one HTTP listener carrying the REST API for the
// dashboard and the WebSocket endpoint for chat, streams and approvals.
type Server struct {
	cfg      *config.Config
	eventPub bus.EventPublisher
	deps     Deps

	router      *MethodRouter
	approvals   *ApprovalBroker
	rateLimiter *RateLimiter
	upgrader    websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
	mux        *http.ServeMux
	started    time.Time
}

func NewServer(cfg *config.Config, eventPub bus.EventPublisher, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		eventPub: eventPub,
		deps:     deps,
		clients:  make(map[string]*Client),
		started:  time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.rateLimiter = NewRateLimiter(cfg.Gateway.RateLimitRPM, 5)
	s.router = NewMethodRouter()

	timeout := time.Duration(cfg.Tools.Approval.TimeoutSec) * time.Second
	s.approvals = NewApprovalBroker(
		s.BroadcastFrame,
		s.ClientCount,
		WithApprovalTimeout(timeout),
		WithApprovalPublisher(s.publish),
	)
	return s
}

// Router exposes the RPC router so method packages can register handlers.
func (s *Server) Router() *MethodRouter { return s.router }

// Approvals exposes the broker for runtime wiring and the approval methods.
func (s *Server) Approvals() *ApprovalBroker { return s.approvals }

// ClientCount reports how many WebSocket clients are connected.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Uptime reports how long the server has been up.
func (s *Server) Uptime() time.Duration { return time.Since(s.started) }

func (s *Server) publish(name string, payload interface{}) {
	if s.eventPub != nil {
		s.eventPub.Broadcast(bus.Event{Name: name, Payload: payload})
	}
}

// checkOrigin validates browser origins against the whitelist. No
// configured origins means allow all; non-browser clients send no Origin
// header and always pass.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// authorized checks the gateway token. An empty configured token leaves the
// gateway open (local use).
func (s *Server) authorized(r *http.Request) bool {
	token := s.cfg.Gateway.Token
	if token == "" {
		return true
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if got == "" {
		got = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

// BuildMux assembles the HTTP routes once; Start and the tsnet listener
// share it.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("/api/workspaces", s.guard(s.handleWorkspaces))
	mux.HandleFunc("/api/workspaces/", s.guard(s.handleWorkspaceByID))
	mux.HandleFunc("/api/knowledge/reindex", s.guard(s.handleReindex))
	mux.HandleFunc("/api/config/roles", s.guard(s.handleRoles))
	mux.HandleFunc("/api/models/runtime-status", s.guard(s.handleModelStatus))
	mux.HandleFunc("/api/link-preview", s.guard(s.handleLinkPreview))

	s.mux = mux
	return mux
}

// guard wraps REST handlers with token auth.
func (s *Server) guard(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h(w, r)
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway.starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// Serve runs the server on an existing listener (tests, tsnet).
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	mux := s.BuildMux()
	s.httpServer = &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// --- WebSocket ---

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway.upgrade_failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	// Mirror bus events to the socket, minus internal topics.
	s.eventPub.Subscribe(c.id, func(event bus.Event) {
		if strings.HasPrefix(event.Name, "cache.") || strings.HasPrefix(event.Name, "trace.") {
			return
		}
		c.SendEvent(*protocol.NewEvent(event.Name, event.Payload))
	})
	slog.Info("gateway.client_connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	s.eventPub.Unsubscribe(c.id)
	s.rateLimiter.Forget(c.id)
	slog.Info("gateway.client_disconnected", "id", c.id)
}

// BroadcastEvent pushes an event frame to every connected client.
func (s *Server) BroadcastEvent(event protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.SendEvent(event)
	}
}

// BroadcastFrame pushes any frame to every connected client.
func (s *Server) BroadcastFrame(frame interface{}) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.SendFrame(frame)
	}
}

// handleMessageFrame runs one chat turn for a plain message frame, streaming
// deltas back to the sending client only.
func (s *Server) handleMessageFrame(ctx context.Context, c *Client, msg protocol.MessageFrame) {
	if s.deps.Runtime == nil {
		c.SendFrame(protocol.MessageFrame{
			Type: protocol.FrameTypeMessage, SessionID: msg.SessionID, Error: "chat is not available",
		})
		return
	}
	if strings.TrimSpace(msg.Content) == "" {
		c.SendFrame(protocol.MessageFrame{
			Type: protocol.FrameTypeMessage, SessionID: msg.SessionID, Error: "empty message",
		})
		return
	}
	if max := s.cfg.Gateway.MaxMessageChars; max > 0 && len(msg.Content) > max {
		c.SendFrame(protocol.MessageFrame{
			Type: protocol.FrameTypeMessage, SessionID: msg.SessionID,
			Error: fmt.Sprintf("message too long (limit %d chars)", max),
		})
		return
	}

	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	res := s.deps.Runtime.Run(ctx, agent.RunRequest{
		SessionKey: sessionID,
		Message:    msg.Content,
		AgentID:    msg.AgentID,
		Stream:     true,
		OnChunk: func(chunk providers.StreamChunk) {
			frame := protocol.StreamFrame{Type: protocol.FrameTypeStream, SessionID: sessionID}
			switch {
			case chunk.Content != "":
				frame.StreamType = "text"
				frame.Delta = chunk.Content
			case chunk.Thinking != "":
				frame.StreamType = "thinking"
				frame.Delta = chunk.Thinking
			default:
				return
			}
			c.SendFrame(frame)
		},
	})

	reply := protocol.MessageFrame{
		Type:        protocol.FrameTypeMessage,
		SessionID:   sessionID,
		WorkspaceID: msg.WorkspaceID,
	}
	switch res.Status {
	case agent.StatusCompleted:
		reply.Content = res.Response
	default:
		reply.Error = res.Response
		if reply.Error == "" && res.Err != nil {
			reply.Error = res.Err.Error()
		}
	}
	c.SendFrame(reply)
}

// --- REST handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"protocol": protocol.Version,
		"clients":  s.ClientCount(),
		"uptimeSec": int64(s.Uptime().Seconds()),
	})
}

func (s *Server) handleWorkspaces(w http.ResponseWriter, r *http.Request) {
	if s.deps.Workspaces == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "workspaces are not configured")
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]interface{}{"workspaces": s.deps.Workspaces.List()})
	case http.MethodPost:
		var body struct {
			Name string `json:"name"`
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		ws, err := s.deps.Workspaces.Add(body.Name, body.Path)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, ws)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleWorkspaceByID(w http.ResponseWriter, r *http.Request) {
	if s.deps.Workspaces == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "workspaces are not configured")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/workspaces/")
	if id == "" || strings.Contains(id, "/") {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodDelete {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.deps.Workspaces.Remove(id); err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.deps.Workspaces == nil || s.deps.Reindexer == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "knowledge indexing is not configured")
		return
	}
	var body struct {
		WorkspaceID string `json:"workspaceId"`
		Mode        string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ws, ok := s.deps.Workspaces.Get(body.WorkspaceID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown workspace: "+body.WorkspaceID)
		return
	}
	report, err := s.deps.Reindexer.Reindex(r.Context(), ws, body.Mode)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRoles(w http.ResponseWriter, r *http.Request) {
	roles := s.cfg.Roles()
	names := make([]string, 0, len(roles))
	for name := range roles {
		names = append(names, name)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"roles":  names,
		"chains": roles,
	})
}

func (s *Server) handleModelStatus(w http.ResponseWriter, r *http.Request) {
	statuses := map[string]llm.ModelRuntimeStatus{}
	if s.deps.Models != nil {
		for _, st := range s.deps.Models.RuntimeStatus() {
			statuses[st.Model] = st
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"statuses": statuses})
}

func (s *Server) handleLinkPreview(w http.ResponseWriter, r *http.Request) {
	if s.deps.Preview == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "link preview is not configured")
		return
	}
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeJSONError(w, http.StatusBadRequest, "url parameter required")
		return
	}
	deep := r.URL.Query().Get("mode") == "deep"
	pv, err := s.deps.Preview.Fetch(r.Context(), rawURL, deep)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pv)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
