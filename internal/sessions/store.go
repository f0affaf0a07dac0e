package sessions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adytum-sh/adytum/internal/providers"
)

// Session is the persistent record of one conversation. Messages mirror
// the live context (minus the system prompt): the runtime replaces them
// wholesale after each committed turn, so ephemeral failures never land
// on disk.
type Session struct {
	Key      string              `json:"key"`
	Kind     string              `json:"kind"`
	AgentID  string              `json:"agentId,omitempty"`
	Messages []providers.Message `json:"messages"`
	Summary  string              `json:"summary,omitempty"`
	Created  time.Time           `json:"created"`
	Updated  time.Time           `json:"updated"`

	Model           string `json:"model,omitempty"`
	Provider        string `json:"provider,omitempty"`
	InputTokens     int64  `json:"inputTokens,omitempty"`
	OutputTokens    int64  `json:"outputTokens,omitempty"`
	CompactionCount int    `json:"compactionCount,omitempty"`
	Label           string `json:"label,omitempty"`
	SpawnedBy       string `json:"spawnedBy,omitempty"`
	SpawnDepth      int    `json:"spawnDepth,omitempty"`
}

// Info is a lightweight session descriptor for listings.
type Info struct {
	Key          string    `json:"key"`
	Kind         string    `json:"kind"`
	AgentID      string    `json:"agentId,omitempty"`
	Label        string    `json:"label,omitempty"`
	MessageCount int       `json:"messageCount"`
	InputTokens  int64     `json:"inputTokens"`
	OutputTokens int64     `json:"outputTokens"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
}

// Store keeps sessions in memory and persists each one as a JSON file.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	dir      string
}

// NewStore loads any existing session files from dir. An empty dir means
// in-memory only (tests, ephemeral CLI runs).
func NewStore(dir string) *Store {
	s := &Store{
		sessions: make(map[string]*Session),
		dir:      dir,
	}
	if dir != "" {
		os.MkdirAll(dir, 0o755)
		s.loadAll()
	}
	return s
}

// GetOrCreate returns the session for key, creating it with the given
// kind if missing. The kind of an existing session is never changed.
func (s *Store) GetOrCreate(key, kind string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[key]; ok {
		return sess.clone()
	}

	now := time.Now()
	sess := &Session{
		Key:      key,
		Kind:     kind,
		Messages: []providers.Message{},
		Created:  now,
		Updated:  now,
	}
	s.sessions[key] = sess
	return sess.clone()
}

// Get returns a copy of the session, or false when it does not exist.
func (s *Store) Get(key string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, false
	}
	return sess.clone(), true
}

// History returns a copy of the message history for key.
func (s *Store) History(key string) []providers.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	if !ok || len(sess.Messages) == 0 {
		return nil
	}
	msgs := make([]providers.Message, len(sess.Messages))
	copy(msgs, sess.Messages)
	return msgs
}

// Commit replaces the stored history with the context snapshot from a
// completed turn and accumulates token counters. It persists the session
// before returning.
func (s *Store) Commit(key string, msgs []providers.Message, usage *providers.Usage) error {
	s.mu.Lock()
	sess, ok := s.sessions[key]
	if !ok {
		now := time.Now()
		sess = &Session{Key: key, Kind: KindForKey(key), Created: now}
		s.sessions[key] = sess
	}
	sess.Messages = make([]providers.Message, len(msgs))
	copy(sess.Messages, msgs)
	if usage != nil {
		sess.InputTokens += int64(usage.PromptTokens)
		sess.OutputTokens += int64(usage.CompletionTokens)
	}
	sess.Updated = time.Now()
	s.mu.Unlock()

	return s.Save(key)
}

// SetSummary records the rolling compaction summary and bumps the
// compaction counter.
func (s *Store) SetSummary(key, summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		sess.Summary = summary
		sess.CompactionCount++
		sess.Updated = time.Now()
	}
}

// SetMeta records which model/provider served the last turn.
func (s *Store) SetMeta(key, model, provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		if model != "" {
			sess.Model = model
		}
		if provider != "" {
			sess.Provider = provider
		}
	}
}

// SetAgent ties the session to a hierarchy agent.
func (s *Store) SetAgent(key, agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		sess.AgentID = agentID
	}
}

// SetLabel sets a human-readable label on the session.
func (s *Store) SetLabel(key, label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		sess.Label = label
		sess.Updated = time.Now()
	}
}

// SetSpawnInfo records subagent origin metadata.
func (s *Store) SetSpawnInfo(key, spawnedBy string, depth int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		sess.SpawnedBy = spawnedBy
		sess.SpawnDepth = depth
	}
}

// Reset clears history and summary but keeps the session record.
func (s *Store) Reset(key string) error {
	s.mu.Lock()
	sess, ok := s.sessions[key]
	if ok {
		sess.Messages = []providers.Message{}
		sess.Summary = ""
		sess.CompactionCount = 0
		sess.Updated = time.Now()
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Save(key)
}

// Delete removes the session and its file.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	delete(s.sessions, key)
	s.mu.Unlock()

	if s.dir == "" {
		return nil
	}
	name := sanitizeFilename(key)
	if name == "" {
		return nil
	}
	if err := os.Remove(filepath.Join(s.dir, name+".json")); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns all sessions, newest first, optionally filtered by agent.
func (s *Store) List(agentID string) []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Info
	for _, sess := range s.sessions {
		if agentID != "" && sess.AgentID != agentID {
			continue
		}
		out = append(out, Info{
			Key:          sess.Key,
			Kind:         sess.Kind,
			AgentID:      sess.AgentID,
			Label:        sess.Label,
			MessageCount: len(sess.Messages),
			InputTokens:  sess.InputTokens,
			OutputTokens: sess.OutputTokens,
			Created:      sess.Created,
			Updated:      sess.Updated,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Updated.After(out[j].Updated) })
	return out
}

// UsageTotals sums token counters across all sessions.
func (s *Store) UsageTotals() (input, output int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		input += sess.InputTokens
		output += sess.OutputTokens
	}
	return input, output
}

// Save persists one session atomically (temp file, fsync, rename).
func (s *Store) Save(key string) error {
	if s.dir == "" {
		return nil
	}

	s.mu.RLock()
	sess, ok := s.sessions[key]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	snapshot := sess.clone()
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	name := sanitizeFilename(key)
	if name == "" || name == "." || !filepath.IsLocal(name) || strings.ContainsAny(name, `/\`) {
		return os.ErrInvalid
	}

	tmp, err := os.CreateTemp(s.dir, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, filepath.Join(s.dir, name+".json")); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (s *Store) loadAll() {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, f.Name()))
		if err != nil {
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil || sess.Key == "" {
			continue
		}
		if sess.Kind == "" {
			sess.Kind = KindForKey(sess.Key)
		}
		s.sessions[sess.Key] = &sess
	}
}

func (sess *Session) clone() *Session {
	cp := *sess
	cp.Messages = make([]providers.Message, len(sess.Messages))
	copy(cp.Messages, sess.Messages)
	return &cp
}

func sanitizeFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}
