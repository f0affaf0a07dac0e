package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adytum-sh/adytum/internal/agent"
	"github.com/adytum-sh/adytum/pkg/protocol"
)

const defaultApprovalTimeout = 120 * time.Second

// PendingApproval is one unresolved approval for tool.approval.list.
type PendingApproval struct {
	ID          string    `json:"id"`
	Tool        string    `json:"tool"`
	Description string    `json:"description"`
	SessionKey  string    `json:"sessionKey"`
	AgentID     string    `json:"agentId,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

type pendingEntry struct {
	info  PendingApproval
	reply chan bool
}

// ApprovalBroker bridges the runtime's blocking approval requests onto the
// WebSocket surface. Every request is broadcast to all clients; the first
// approval_response (or RPC approve/deny) wins. No connected clients or a
// timeout resolve to denial — the loop then continues with a rejection
// message, it never hangs.
type ApprovalBroker struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry

	timeout     time.Duration
	broadcast   func(frame interface{})
	publish     func(name string, payload interface{})
	clientCount func() int
	now         func() time.Time
}

type BrokerOption func(*ApprovalBroker)

// WithApprovalTimeout overrides the default 120s wait.
func WithApprovalTimeout(d time.Duration) BrokerOption {
	return func(b *ApprovalBroker) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithApprovalPublisher mirrors request/resolve onto the event bus so
// notifiers and the audit log see them.
func WithApprovalPublisher(publish func(string, interface{})) BrokerOption {
	return func(b *ApprovalBroker) { b.publish = publish }
}

func NewApprovalBroker(broadcast func(interface{}), clientCount func() int, opts ...BrokerOption) *ApprovalBroker {
	b := &ApprovalBroker{
		pending:     make(map[string]*pendingEntry),
		timeout:     defaultApprovalTimeout,
		broadcast:   broadcast,
		clientCount: clientCount,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ApprovalFunc adapts the broker to the runtime's approval hook.
func (b *ApprovalBroker) ApprovalFunc() agent.ApprovalFunc {
	return func(ctx context.Context, req agent.ApprovalRequest) (bool, error) {
		return b.Request(ctx, req)
	}
}

// Request blocks until someone answers, the timeout fires, or ctx ends.
func (b *ApprovalBroker) Request(ctx context.Context, req agent.ApprovalRequest) (bool, error) {
	if b.clientCount != nil && b.clientCount() == 0 {
		slog.Warn("approval.auto_denied", "tool", req.Tool, "reason", "no connected clients")
		b.emitResolved(req.ID, req.Tool, false, "no clients")
		return false, nil
	}

	desc := fmt.Sprintf("Run tool %s", req.Tool)
	entry := &pendingEntry{
		info: PendingApproval{
			ID:          req.ID,
			Tool:        req.Tool,
			Description: desc,
			SessionKey:  req.SessionKey,
			AgentID:     req.AgentID,
			RequestedAt: b.now(),
		},
		reply: make(chan bool, 1),
	}

	b.mu.Lock()
	b.pending[req.ID] = entry
	b.mu.Unlock()
	defer b.drop(req.ID)

	b.broadcast(protocol.ApprovalRequestFrame{
		Type:        protocol.FrameTypeApprovalRequest,
		ID:          req.ID,
		Description: desc,
		Kind:        req.Tool,
		SessionID:   req.SessionKey,
	})
	if b.publish != nil {
		b.publish(protocol.EventApprovalReq, entry.info)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case approved := <-entry.reply:
		b.emitResolved(req.ID, req.Tool, approved, "answered")
		return approved, nil
	case <-timer.C:
		slog.Warn("approval.timed_out", "tool", req.Tool, "id", req.ID)
		b.emitResolved(req.ID, req.Tool, false, "timeout")
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Resolve answers one pending approval. Unknown or already-answered ids
// report false so duplicate clicks are harmless.
func (b *ApprovalBroker) Resolve(id string, approved bool) bool {
	b.mu.Lock()
	entry, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	entry.reply <- approved
	return true
}

// Pending lists unresolved approvals, oldest first.
func (b *ApprovalBroker) Pending() []PendingApproval {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PendingApproval, 0, len(b.pending))
	for _, e := range b.pending {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

func (b *ApprovalBroker) drop(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func (b *ApprovalBroker) emitResolved(id, tool string, approved bool, how string) {
	if b.publish == nil {
		return
	}
	b.publish(protocol.EventApprovalRes, map[string]interface{}{
		"id":       id,
		"tool":     tool,
		"approved": approved,
		"how":      how,
	})
}
