// Package hierarchy tracks the agent family tree: identities, tiers, and the
// birth-to-lastBreath lifecycle, persisted as a single JSON file.
package hierarchy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adytum-sh/adytum/pkg/protocol"
)

// Tier bounds the number of models an agent may carry.
const (
	maxModelsOperative = 3 // tier 3
	maxModelsManager   = 5 // tiers 1-2
)

// Agent modes.
const (
	ModeReactive  = "reactive"
	ModeDaemon    = "daemon"
	ModeScheduled = "scheduled"
)

// Agent is one identity in the hierarchy. LastBreath is nil while active.
type Agent struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Tier            int        `json:"tier"`
	Role            string     `json:"role,omitempty"`
	ParentID        string     `json:"parentId,omitempty"`
	BirthTime       time.Time  `json:"birthTime"`
	LastBreath      *time.Time `json:"lastBreath,omitempty"`
	Avatar          string     `json:"avatar,omitempty"`
	ModelIDs        []string   `json:"modelIds,omitempty"`
	ActiveSessionID string     `json:"activeSessionId,omitempty"`
	Mode            string     `json:"mode,omitempty"`
	Topics          []string   `json:"topics,omitempty"`
	Schedule        string     `json:"schedule,omitempty"`
}

// Active reports whether the agent is still breathing.
func (a *Agent) Active() bool { return a.LastBreath == nil }

// LogEntry is one line of an agent's append-only activity log.
type LogEntry struct {
	Type    string                 `json:"type"` // thought | action | interaction
	Content string                 `json:"content"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	At      time.Time              `json:"at"`
}

const maxLogEntriesPerAgent = 200

// BirthParams are the inputs to Birth. Zero values get defaults: tier 3,
// a fresh session id, mode reactive.
type BirthParams struct {
	Name      string
	Tier      int
	Role      string
	ParentID  string
	ModelIDs  []string
	SessionID string
	Avatar    string
	Mode      string
	Topics    []string
	Schedule  string
}

type registryFile struct {
	Agents []*Agent              `json:"agents"`
	Logs   map[string][]LogEntry `json:"logs,omitempty"`
}

// Registry owns the agent records. Every mutation rewrites the backing file
// via temp-file + rename.
type Registry struct {
	mu      sync.RWMutex
	path    string
	agents  map[string]*Agent
	order   []string // birth order, drives first-match lookups
	logs    map[string][]LogEntry
	publish func(name string, payload interface{})
	now     func() time.Time
	newID   func() string
}

type Option func(*Registry)

// WithPublisher announces lifecycle transitions on the event bus.
func WithPublisher(publish func(name string, payload interface{})) Option {
	return func(r *Registry) { r.publish = publish }
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry loads (or initializes) the registry backed by path. A corrupt
// file is logged and renamed aside rather than silently overwritten.
func NewRegistry(path string, opts ...Option) (*Registry, error) {
	r := &Registry{
		path:   path,
		agents: make(map[string]*Agent),
		logs:   make(map[string][]LogEntry),
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(r)
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read hierarchy file: %w", err)
	}
	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		backup := path + ".corrupt"
		if renameErr := os.Rename(path, backup); renameErr == nil {
			slog.Warn("hierarchy file corrupt, moved aside", "path", path, "backup", backup)
			return r, nil
		}
		return nil, fmt.Errorf("parse hierarchy file: %w", err)
	}
	for _, a := range file.Agents {
		r.agents[a.ID] = a
		r.order = append(r.order, a.ID)
	}
	if file.Logs != nil {
		r.logs = file.Logs
	}
	sort.SliceStable(r.order, func(i, j int) bool {
		return r.agents[r.order[i]].BirthTime.Before(r.agents[r.order[j]].BirthTime)
	})
	return r, nil
}

// EnsureRoot births a tier-1 root when the registry is empty, so the
// hierarchy always has exactly one root to hang children from.
func (r *Registry) EnsureRoot(name string) (*Agent, error) {
	r.mu.RLock()
	empty := len(r.agents) == 0
	var root *Agent
	for _, id := range r.order {
		a := r.agents[id]
		if a.Tier == 1 && a.Active() {
			root = copyAgent(a)
			break
		}
	}
	r.mu.RUnlock()

	if root != nil {
		return root, nil
	}
	if !empty {
		// Agents exist but no active root: revive the hierarchy with a new one.
		slog.Warn("hierarchy has no active root, birthing one", "name", name)
	}
	return r.Birth(BirthParams{Name: name, Tier: 1, Role: "root coordinator"})
}

// Birth creates an agent, bounds its models by tier, assigns a session, and
// persists. A second active tier-1 root is refused.
func (r *Registry) Birth(params BirthParams) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.birthLocked(params)
}

// FindOrBirth returns the earliest active agent matching params.Name, or
// births one when none exists. Lookup and birth happen under one write lock,
// so concurrent callers racing on the same name all land on the same agent
// and at most one birth event fires.
func (r *Registry) FindOrBirth(params BirthParams) (agent *Agent, reused bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	needle := strings.TrimSpace(params.Name)
	if needle != "" {
		for _, id := range r.order {
			a := r.agents[id]
			if a.Active() && strings.EqualFold(strings.TrimSpace(a.Name), needle) {
				return copyAgent(a), true, nil
			}
		}
	}
	a, err := r.birthLocked(params)
	return a, false, err
}

func (r *Registry) birthLocked(params BirthParams) (*Agent, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return nil, fmt.Errorf("agent name required")
	}
	tier := params.Tier
	if tier == 0 {
		tier = 3
	}
	if tier < 1 || tier > 3 {
		return nil, fmt.Errorf("tier must be 1-3, got %d", tier)
	}

	if tier == 1 {
		for _, id := range r.order {
			if a := r.agents[id]; a.Tier == 1 && a.Active() {
				return nil, fmt.Errorf("a tier-1 root already exists: %s", a.Name)
			}
		}
	}
	if params.ParentID != "" {
		if _, ok := r.agents[params.ParentID]; !ok {
			return nil, fmt.Errorf("parent agent not found: %s", params.ParentID)
		}
	}

	id := r.newID()
	sessionID := params.SessionID
	if sessionID == "" {
		sessionID = "agent-" + id
	}
	mode := params.Mode
	if mode == "" {
		mode = ModeReactive
	}
	a := &Agent{
		ID:              id,
		Name:            name,
		Tier:            tier,
		Role:            params.Role,
		ParentID:        params.ParentID,
		BirthTime:       r.now(),
		Avatar:          params.Avatar,
		ModelIDs:        boundModels(tier, params.ModelIDs),
		ActiveSessionID: sessionID,
		Mode:            mode,
		Topics:          params.Topics,
		Schedule:        params.Schedule,
	}
	r.agents[id] = a
	r.order = append(r.order, id)
	if err := r.saveLocked(); err != nil {
		delete(r.agents, id)
		r.order = r.order[:len(r.order)-1]
		return nil, err
	}

	r.emit(protocol.HierarchyEventBirth, a)
	slog.Info("hierarchy.birth", "agent", a.Name, "id", a.ID, "tier", a.Tier)
	return copyAgent(a), nil
}

// LastBreath deactivates an agent: stamps the end time and releases its
// session.
func (r *Registry) LastBreath(id string) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("agent not found: %s", id)
	}
	if !a.Active() {
		r.mu.Unlock()
		return nil
	}
	t := r.now()
	a.LastBreath = &t
	a.ActiveSessionID = ""
	err := r.saveLocked()
	snapshot := copyAgent(a)
	r.mu.Unlock()

	if err != nil {
		return err
	}
	r.emit(protocol.HierarchyEventLastBreath, snapshot)
	slog.Info("hierarchy.last_breath", "agent", snapshot.Name, "id", id)
	return nil
}

// Get returns a copy of the agent, or nil.
func (r *Registry) Get(id string) *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.agents[id]; ok {
		return copyAgent(a)
	}
	return nil
}

// GetActive lists living agents in birth order.
func (r *Registry) GetActive() []*Agent {
	return r.filter(func(a *Agent) bool { return a.Active() })
}

// GetGraveyard lists deactivated agents in birth order.
func (r *Registry) GetGraveyard() []*Agent {
	return r.filter(func(a *Agent) bool { return !a.Active() })
}

// GetChildren lists an agent's direct children, active or not.
func (r *Registry) GetChildren(parentID string) []*Agent {
	return r.filter(func(a *Agent) bool { return a.ParentID == parentID })
}

func (r *Registry) filter(keep func(*Agent) bool) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Agent
	for _, id := range r.order {
		if a := r.agents[id]; keep(a) {
			out = append(out, copyAgent(a))
		}
	}
	return out
}

// FindActiveByName returns the first active agent whose trimmed name matches
// case-insensitively, in birth order. Duplicate names are legal; callers get
// the earliest.
func (r *Registry) FindActiveByName(name string) *Agent {
	needle := strings.TrimSpace(name)
	if needle == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		a := r.agents[id]
		if a.Active() && strings.EqualFold(strings.TrimSpace(a.Name), needle) {
			return copyAgent(a)
		}
	}
	return nil
}

// SetAvatar updates the avatar handle.
func (r *Registry) SetAvatar(id, avatar string) error {
	return r.update(id, func(a *Agent) { a.Avatar = avatar })
}

// SetModelIDs replaces the agent's model list, re-bounded by its tier.
func (r *Registry) SetModelIDs(id string, modelIDs []string) error {
	return r.update(id, func(a *Agent) { a.ModelIDs = boundModels(a.Tier, modelIDs) })
}

// SetName renames the agent.
func (r *Registry) SetName(id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("agent name required")
	}
	return r.update(id, func(a *Agent) { a.Name = name })
}

func (r *Registry) update(id string, mutate func(*Agent)) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("agent not found: %s", id)
	}
	mutate(a)
	err := r.saveLocked()
	snapshot := copyAgent(a)
	r.mu.Unlock()

	if err != nil {
		return err
	}
	r.emit(protocol.HierarchyEventUpdated, snapshot)
	return nil
}

// GetUptimeSeconds returns seconds since birth for active agents, 0 for
// unknown or deactivated ones.
func (r *Registry) GetUptimeSeconds(id string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok || !a.Active() {
		return 0
	}
	return int64(r.now().Sub(a.BirthTime).Seconds())
}

// AppendLog records one activity line for an agent, bounded per agent.
func (r *Registry) AppendLog(agentID, entryType, content string, payload map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[agentID]; !ok {
		return fmt.Errorf("agent not found: %s", agentID)
	}
	log := append(r.logs[agentID], LogEntry{
		Type: entryType, Content: content, Payload: payload, At: r.now(),
	})
	if len(log) > maxLogEntriesPerAgent {
		log = log[len(log)-maxLogEntriesPerAgent:]
	}
	r.logs[agentID] = log
	return r.saveLocked()
}

// GetLog returns an agent's recent activity, oldest first.
func (r *Registry) GetLog(agentID string) []LogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]LogEntry(nil), r.logs[agentID]...)
}

func (r *Registry) saveLocked() error {
	if r.path == "" {
		return nil
	}
	file := registryFile{Logs: r.logs}
	for _, id := range r.order {
		file.Agents = append(file.Agents, r.agents[id])
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

func (r *Registry) emit(subtype string, a *Agent) {
	if r.publish == nil {
		return
	}
	r.publish(protocol.EventHierarchy, map[string]interface{}{
		"type":  subtype,
		"agent": a,
	})
}

func boundModels(tier int, modelIDs []string) []string {
	limit := maxModelsManager
	if tier == 3 {
		limit = maxModelsOperative
	}
	if len(modelIDs) > limit {
		modelIDs = modelIDs[:limit]
	}
	return append([]string(nil), modelIDs...)
}

func copyAgent(a *Agent) *Agent {
	c := *a
	c.ModelIDs = append([]string(nil), a.ModelIDs...)
	c.Topics = append([]string(nil), a.Topics...)
	if a.LastBreath != nil {
		t := *a.LastBreath
		c.LastBreath = &t
	}
	return &c
}
