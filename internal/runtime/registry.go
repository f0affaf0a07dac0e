// Package runtime tracks in-flight agent runs by session so cancellation can
// cascade down the parent-child tree.
package runtime

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/adytum-sh/adytum/pkg/protocol"
)

type entry struct {
	cancel func()
	parent string
	seq    uint64
}

// Registry holds one cancellation handle per live session plus the
// parent-child edges between them. Entries stay until the owning run
// unregisters itself, so aborting an already-finished session is a no-op.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	seq      uint64
	publish  func(name string, payload interface{})
}

type Option func(*Registry)

// WithPublisher announces aborts on the event bus.
func WithPublisher(publish func(name string, payload interface{})) Option {
	return func(r *Registry) { r.publish = publish }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{sessions: make(map[string]*entry)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register records a live run for sessionID. Re-registering a session
// replaces its handle; the previous run is expected to have ended.
func (r *Registry) Register(sessionID string, cancel func(), parentSessionID string) {
	r.mu.Lock()
	r.seq++
	r.sessions[sessionID] = &entry{cancel: cancel, parent: parentSessionID, seq: r.seq}
	r.mu.Unlock()
}

// Unregister removes a session at end-of-run.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

// IsSessionActive reports whether a run is registered for the session.
func (r *Registry) IsSessionActive(sessionID string) bool {
	r.mu.Lock()
	_, ok := r.sessions[sessionID]
	r.mu.Unlock()
	return ok
}

// ActiveSessions lists registered session ids in registration order.
func (r *Registry) ActiveSessions() []string {
	r.mu.Lock()
	type item struct {
		id  string
		seq uint64
	}
	items := make([]item, 0, len(r.sessions))
	for id, e := range r.sessions {
		items = append(items, item{id, e.seq})
	}
	r.mu.Unlock()
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.id
	}
	return out
}

// Abort cancels a single session's run without touching descendants.
func (r *Registry) Abort(sessionID string) bool {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.cancel()
	r.emitAborted(sessionID, 1)
	return true
}

// AbortHierarchy cancels the session and every registered descendant,
// parents before children, and returns how many runs were signalled.
func (r *Registry) AbortHierarchy(rootSessionID string) int {
	r.mu.Lock()
	order := r.preorderLocked(rootSessionID)
	cancels := make([]func(), 0, len(order))
	for _, id := range order {
		if e, ok := r.sessions[id]; ok {
			cancels = append(cancels, e.cancel)
		}
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if len(cancels) > 0 {
		slog.Info("runtime.abort_hierarchy", "root", rootSessionID, "count", len(cancels))
		r.emitAborted(rootSessionID, len(cancels))
	}
	return len(cancels)
}

// preorderLocked walks root then children in registration order. The root is
// included even when it is itself unregistered so orphaned descendants still
// get cancelled.
func (r *Registry) preorderLocked(root string) []string {
	var out []string
	var visit func(id string)
	seen := make(map[string]bool)
	visit = func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
		for _, child := range r.childrenLocked(id) {
			visit(child)
		}
	}
	visit(root)
	return out
}

func (r *Registry) childrenLocked(parent string) []string {
	type item struct {
		id  string
		seq uint64
	}
	var items []item
	for id, e := range r.sessions {
		if e.parent == parent {
			items = append(items, item{id, e.seq})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.id
	}
	return out
}

func (r *Registry) emitAborted(sessionID string, count int) {
	if r.publish == nil {
		return
	}
	r.publish(protocol.EventAgent, map[string]interface{}{
		"type":       protocol.AgentEventRunAborted,
		"sessionKey": sessionID,
		"count":      count,
	})
}
