package agent

import (
	"math"
	"strings"
	"sync"

	"github.com/adytum-sh/adytum/internal/providers"
)

// Default context sizing. SoftTokenLimit is deliberately conservative:
// estimation is word-based, not tokenizer-based, so we compact early.
const (
	DefaultSoftTokenLimit = 24000
	DefaultKeepTrailing   = 8
	perMessageOverhead    = 4
	wordsPerToken         = 1.35
)

// ContextManager holds the live conversation state for one session: a
// single system prompt plus the ordered message list. It is a data
// structure only; compaction policy lives in the runtime.
type ContextManager struct {
	mu           sync.Mutex
	systemPrompt string
	messages     []providers.Message
	softLimit    int
	keepTrailing int
}

// NewContextManager builds an empty manager. Non-positive arguments fall
// back to the defaults.
func NewContextManager(softLimit, keepTrailing int) *ContextManager {
	if softLimit <= 0 {
		softLimit = DefaultSoftTokenLimit
	}
	if keepTrailing <= 0 {
		keepTrailing = DefaultKeepTrailing
	}
	return &ContextManager{
		softLimit:    softLimit,
		keepTrailing: keepTrailing,
	}
}

// SetSystemPrompt replaces the system prompt. The prompt is not part of
// the message list and never compacts away.
func (c *ContextManager) SetSystemPrompt(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.systemPrompt = text
}

// SystemPrompt returns the current system prompt.
func (c *ContextManager) SystemPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.systemPrompt
}

// Add appends one message.
func (c *ContextManager) Add(msg providers.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

// Messages returns a copy of the full prompt: the system message first,
// then the conversation in order.
func (c *ContextManager) Messages() []providers.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]providers.Message, 0, len(c.messages)+1)
	if c.systemPrompt != "" {
		out = append(out, providers.Message{Role: "system", Content: c.systemPrompt})
	}
	out = append(out, c.messages...)
	return out
}

// History returns a copy of the conversation messages without the system
// prompt. This is what gets mirrored to the session store.
func (c *ContextManager) History() []providers.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]providers.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Tail returns a copy of the last n conversation messages.
func (c *ContextManager) Tail(n int) []providers.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || len(c.messages) == 0 {
		return nil
	}
	if n > len(c.messages) {
		n = len(c.messages)
	}
	out := make([]providers.Message, n)
	copy(out, c.messages[len(c.messages)-n:])
	return out
}

// MessageCount returns the number of conversation messages (system prompt
// excluded).
func (c *ContextManager) MessageCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// Clear drops all conversation messages. The system prompt is kept.
func (c *ContextManager) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
}

// TruncateTo discards every message past index n. Used to roll a turn
// back when it fails or is cancelled, so ephemeral errors never become
// history.
func (c *ContextManager) TruncateTo(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n < len(c.messages) {
		c.messages = c.messages[:n]
	}
}

// EstimateTokens returns the word-based token estimate for the whole
// prompt, system message included.
func (c *ContextManager) EstimateTokens() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	if c.systemPrompt != "" {
		total += estimateText(c.systemPrompt) + perMessageOverhead
	}
	for _, m := range c.messages {
		total += EstimateMessageTokens(m)
	}
	return total
}

// NeedsCompaction reports whether the estimate exceeds the given limit
// (or the configured soft limit when limit <= 0).
func (c *ContextManager) NeedsCompaction(limit int) bool {
	if limit <= 0 {
		c.mu.Lock()
		limit = c.softLimit
		c.mu.Unlock()
	}
	return c.EstimateTokens() > limit
}

// SoftLimit returns the configured soft token limit.
func (c *ContextManager) SoftLimit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.softLimit
}

// KeepTrailing returns how many trailing messages compaction preserves.
func (c *ContextManager) KeepTrailing() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepTrailing
}

// SafeCutIndex returns the largest index <= len-keepTrailing where the
// prefix [0:idx) can be summarised without orphaning a tool exchange:
// the message at idx must not be a tool result, and the message before
// it must not be an assistant turn that is still awaiting tool results.
// Returns 0 when no safe cut exists.
func (c *ContextManager) SafeCutIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := len(c.messages) - c.keepTrailing
	for idx > 0 {
		cur := c.messages[idx]
		prev := c.messages[idx-1]
		if cur.Role != "tool" && !(prev.Role == "assistant" && len(prev.ToolCalls) > 0) {
			return idx
		}
		idx--
	}
	return 0
}

// Prefix returns a copy of the first n conversation messages.
func (c *ContextManager) Prefix(n int) []providers.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > len(c.messages) {
		n = len(c.messages)
	}
	if n <= 0 {
		return nil
	}
	out := make([]providers.Message, n)
	copy(out, c.messages[:n])
	return out
}

// ReplacePrefix substitutes the first n messages with the given summary
// message. The trailing messages are kept byte-identical.
func (c *ContextManager) ReplacePrefix(n int, summary providers.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || n > len(c.messages) {
		return
	}
	rest := c.messages[n:]
	next := make([]providers.Message, 0, len(rest)+1)
	next = append(next, summary)
	next = append(next, rest...)
	c.messages = next
}

// EstimateMessageTokens estimates one message: words scaled by the
// tokens-per-word factor plus fixed per-message overhead.
func EstimateMessageTokens(m providers.Message) int {
	return estimateText(m.Content) + perMessageOverhead
}

func estimateText(s string) int {
	if s == "" {
		return 0
	}
	words := len(strings.Fields(s))
	return int(math.Ceil(float64(words) * wordsPerToken))
}

// HistoryProvider seeds a fresh ContextManager with persisted messages.
type HistoryProvider interface {
	History(key string) []providers.Message
}

// ContextStore hands out one ContextManager per session key. Background
// sessions get their own entries by construction, so their prompts never
// touch an interactive context.
type ContextStore struct {
	mu           sync.Mutex
	managers     map[string]*ContextManager
	softLimit    int
	keepTrailing int
	history      HistoryProvider
}

// NewContextStore builds the store. history may be nil for fully
// ephemeral contexts.
func NewContextStore(softLimit, keepTrailing int, history HistoryProvider) *ContextStore {
	return &ContextStore{
		managers:     make(map[string]*ContextManager),
		softLimit:    softLimit,
		keepTrailing: keepTrailing,
		history:      history,
	}
}

// Get returns the manager for key, creating and seeding it from the
// persisted history on first use.
func (s *ContextStore) Get(key string) *ContextManager {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.managers[key]; ok {
		return m
	}
	m := NewContextManager(s.softLimit, s.keepTrailing)
	if s.history != nil {
		m.messages = s.history.History(key)
	}
	s.managers[key] = m
	return m
}

// Drop forgets the manager for key. The next Get re-seeds from history.
func (s *ContextStore) Drop(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.managers, key)
}
