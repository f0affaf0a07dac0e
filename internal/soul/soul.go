// Package soul manages the agent's identity file: the markdown preamble the
// system prompt opens with, plus the append-only EVOLUTION.md record of how
// that identity changed over time.
package soul

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const soulFilename = "soul.md"
const evolutionFilename = "EVOLUTION.md"

const defaultSoul = `# Soul

You are a capable, honest assistant. Keep answers grounded in what you
actually did or observed. Prefer doing the work over talking about it.
Say so plainly when you do not know something or cannot do it.
`

// Soul holds the loaded identity text. Safe for concurrent readers; Refresh
// and Evolve serialize writes.
type Soul struct {
	mu         sync.RWMutex
	path       string
	content    string
	autoUpdate bool
	now        func() time.Time
}

type Option func(*Soul)

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Soul) { s.now = now }
}

// Load reads soul.md from dir, seeding the default identity when the file
// does not exist yet. autoUpdate gates Evolve.
func Load(dir string, autoUpdate bool, opts ...Option) (*Soul, error) {
	s := &Soul{
		path:       filepath.Join(dir, soulFilename),
		autoUpdate: autoUpdate,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Refresh(); err != nil {
		return nil, err
	}
	return s, nil
}

// Refresh re-reads the soul file, picking up external edits. A missing file
// is re-seeded with the default identity.
func (s *Soul) Refresh() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		if mkErr := os.MkdirAll(filepath.Dir(s.path), 0o755); mkErr != nil {
			return fmt.Errorf("create soul dir: %w", mkErr)
		}
		if writeErr := os.WriteFile(s.path, []byte(defaultSoul), 0o644); writeErr != nil {
			return fmt.Errorf("seed soul file: %w", writeErr)
		}
		data = []byte(defaultSoul)
	} else if err != nil {
		return fmt.Errorf("read soul file: %w", err)
	}

	s.mu.Lock()
	s.content = strings.TrimSpace(string(data))
	s.mu.Unlock()
	return nil
}

// Content returns the current identity text.
func (s *Soul) Content() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.content
}

// Path returns the location of the soul file.
func (s *Soul) Path() string { return s.path }

// AutoUpdate reports whether the identity may evolve on its own.
func (s *Soul) AutoUpdate() bool { return s.autoUpdate }

// Evolve appends a dated entry to EVOLUTION.md beside the soul file. It is a
// no-op when autoUpdate is off or the entry is blank; the soul text itself is
// never rewritten by the process.
func (s *Soul) Evolve(entry string) error {
	entry = strings.TrimSpace(entry)
	if !s.autoUpdate || entry == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(filepath.Dir(s.path), evolutionFilename)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open evolution log: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "\n## %s\n\n%s\n", s.now().Format("2006-01-02"), entry); err != nil {
		return fmt.Errorf("append evolution entry: %w", err)
	}
	return nil
}
