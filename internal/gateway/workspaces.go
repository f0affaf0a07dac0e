package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Workspace is one registered knowledge root the dashboard can reindex.
type Workspace struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	AddedAtMs int64  `json:"addedAtMs"`
}

type workspacesFile struct {
	Workspaces []*Workspace `json:"workspaces"`
}

// Workspaces persists the registry to data/workspaces.json. Single writer
// per file; reads return copies.
type Workspaces struct {
	mu    sync.Mutex
	path  string
	items map[string]*Workspace
	now   func() time.Time
}

// LoadWorkspaces reads the registry, starting empty when the file does not
// exist yet.
func LoadWorkspaces(path string) (*Workspaces, error) {
	w := &Workspaces{
		path:  path,
		items: make(map[string]*Workspace),
		now:   time.Now,
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return w, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workspaces: %w", err)
	}
	var file workspacesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse workspaces: %w", err)
	}
	for _, ws := range file.Workspaces {
		if ws != nil && ws.ID != "" {
			w.items[ws.ID] = ws
		}
	}
	return w, nil
}

// Add registers a directory. The path must exist and be a directory; the
// name defaults to the folder name.
func (w *Workspaces) Add(name, path string) (*Workspace, error) {
	abs, err := filepath.Abs(strings.TrimSpace(path))
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace path is not a directory: %s", abs)
	}
	if name = strings.TrimSpace(name); name == "" {
		name = filepath.Base(abs)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, existing := range w.items {
		if existing.Path == abs {
			return nil, fmt.Errorf("path already registered as %q", existing.Name)
		}
	}
	ws := &Workspace{
		ID:        uuid.NewString(),
		Name:      name,
		Path:      abs,
		AddedAtMs: w.now().UnixMilli(),
	}
	w.items[ws.ID] = ws
	if err := w.saveLocked(); err != nil {
		delete(w.items, ws.ID)
		return nil, err
	}
	return ws, nil
}

// Get returns a copy of one workspace.
func (w *Workspaces) Get(id string) (*Workspace, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ws, ok := w.items[id]
	if !ok {
		return nil, false
	}
	cp := *ws
	return &cp, true
}

// List returns every workspace, oldest first.
func (w *Workspaces) List() []*Workspace {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Workspace, 0, len(w.items))
	for _, ws := range w.items {
		cp := *ws
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AddedAtMs != out[j].AddedAtMs {
			return out[i].AddedAtMs < out[j].AddedAtMs
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Remove unregisters a workspace. The directory itself is untouched.
func (w *Workspaces) Remove(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.items[id]; !ok {
		return fmt.Errorf("unknown workspace: %s", id)
	}
	delete(w.items, id)
	return w.saveLocked()
}

func (w *Workspaces) saveLocked() error {
	file := workspacesFile{Workspaces: make([]*Workspace, 0, len(w.items))}
	for _, ws := range w.items {
		file.Workspaces = append(file.Workspaces, ws)
	}
	sort.Slice(file.Workspaces, func(i, j int) bool {
		return file.Workspaces[i].AddedAtMs < file.Workspaces[j].AddedAtMs
	})
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return err
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, w.path)
}
