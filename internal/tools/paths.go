package tools

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// PathPolicy decides which paths the filesystem tools may touch. The
// workspace is always allowed; data/security.json can whitelist more roots.
type PathPolicy struct {
	Workspace string
	Restrict  bool
	Allowed   []string // extra allowed roots (skills dirs, whitelisted paths)
	Denied    []string // prefixes under the workspace to refuse (e.g. "data")
}

// securityFile mirrors data/security.json.
type securityFile struct {
	AllowedPaths []string `json:"allowedPaths"`
}

// LoadPathPolicy builds the policy for a workspace, merging the whitelist
// from data/security.json when it exists. A missing or unreadable file just
// means no extra roots.
func LoadPathPolicy(workspace, securityPath string, restrict bool) *PathPolicy {
	p := &PathPolicy{
		Workspace: workspace,
		Restrict:  restrict,
		Denied:    []string{filepath.Join("data", "credentials.json")},
	}
	data, err := os.ReadFile(securityPath)
	if err != nil {
		return p
	}
	var sf securityFile
	if err := json.Unmarshal(data, &sf); err != nil {
		slog.Warn("security.whitelist_unreadable", "path", securityPath, "error", err)
		return p
	}
	for _, ap := range sf.AllowedPaths {
		if ap = strings.TrimSpace(ap); ap != "" {
			p.Allowed = append(p.Allowed, ap)
		}
	}
	return p
}

// Allow adds extra readable roots (for example skill directories).
func (p *PathPolicy) Allow(roots ...string) {
	p.Allowed = append(p.Allowed, roots...)
}

// Resolve turns a user-supplied path into an absolute one and enforces the
// policy. Violations return an "access denied" error; the callers pass that
// text straight back to the model.
func (p *PathPolicy) Resolve(path string) (string, error) {
	var resolved string
	if filepath.IsAbs(path) {
		resolved = filepath.Clean(path)
	} else {
		resolved = filepath.Clean(filepath.Join(p.Workspace, path))
	}

	if !p.Restrict {
		return resolved, nil
	}

	real := canonicalize(resolved)

	for _, denied := range p.Denied {
		if isPathInside(real, filepath.Join(canonicalize(p.Workspace), denied)) {
			return "", fmt.Errorf("access denied: path %s is restricted", denied)
		}
	}

	if isPathInside(real, canonicalize(p.Workspace)) {
		return real, nil
	}
	for _, root := range p.Allowed {
		if isPathInside(real, canonicalize(root)) {
			return real, nil
		}
	}

	slog.Warn("security.path_escape", "path", path, "resolved", real, "workspace", p.Workspace)
	return "", fmt.Errorf("access denied: path outside workspace")
}

// canonicalize resolves symlinks so escape checks compare real locations.
// Non-existent paths resolve through their deepest existing ancestor.
func canonicalize(path string) string {
	abs, _ := filepath.Abs(path)
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real
	}
	current := abs
	var tail []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			return abs
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent
		if real, err := filepath.EvalSymlinks(current); err == nil {
			for _, component := range tail {
				real = filepath.Join(real, component)
			}
			return real
		}
	}
}

func isPathInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}
