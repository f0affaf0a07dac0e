// Package skills discovers skill folders, connects their MCP servers, and
// bridges the discovered tools into the shared tool registry. A skill is a
// directory under the workspace skills/ path holding a skill.json5 manifest
// and, optionally, an instructions.md shown to operators.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/titanous/json5"
)

const (
	manifestName     = "skill.json5"
	instructionsName = "instructions.md"
)

// Manifest is the parsed skill.json5. Required secret names are declared,
// never their values; values arrive through SetSecrets or the environment.
type Manifest struct {
	ID          string        `json:"id"`
	Description string        `json:"description,omitempty"`
	Requires    []string      `json:"requires,omitempty"`
	Install     []InstallStep `json:"install,omitempty"`
	Disabled    bool          `json:"disabled,omitempty"`
	ToolPrefix  string        `json:"toolPrefix,omitempty"`
	Server      *ServerConfig `json:"server,omitempty"`
}

// InstallStep names an external prerequisite surfaced by `adytum skill check`.
type InstallStep struct {
	Kind    string `json:"kind"` // "binary", "command" or "note"
	Name    string `json:"name,omitempty"`
	Command string `json:"command,omitempty"`
	Note    string `json:"note,omitempty"`
}

// ServerConfig describes the MCP server that provides the skill's tools.
// Env values may reference secrets as ${NAME}; they are expanded against the
// skill's resolved secret set at connect time only.
type ServerConfig struct {
	Transport  string            `json:"transport,omitempty"` // stdio (default), sse, streamable-http
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	TimeoutSec int               `json:"timeoutSec,omitempty"`
}

func (s *ServerConfig) transport() string {
	if s.Transport == "" {
		return "stdio"
	}
	return s.Transport
}

func parseManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, manifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json5.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", manifestName, err)
	}

	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		m.ID = filepath.Base(dir)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if strings.ContainsAny(m.ID, " /\\") {
		return fmt.Errorf("skill id %q must not contain spaces or path separators", m.ID)
	}
	if m.Server != nil {
		switch m.Server.transport() {
		case "stdio":
			if m.Server.Command == "" {
				return fmt.Errorf("skill %s: stdio server needs a command", m.ID)
			}
		case "sse", "streamable-http":
			if m.Server.URL == "" {
				return fmt.Errorf("skill %s: %s server needs a url", m.ID, m.Server.transport())
			}
		default:
			return fmt.Errorf("skill %s: unsupported transport %q", m.ID, m.Server.Transport)
		}
	}
	return nil
}

// Discovered is one skill folder found on disk, parsed but not connected.
// Manifest is nil when Err is set.
type Discovered struct {
	ID       string
	Dir      string
	Manifest *Manifest
	Err      error
}

// Discover lists the skill folders under root without dialing their servers.
// Used by the CLI, which has no tool registry to bridge into.
func Discover(root string) ([]Discovered, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	var out []Discovered
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, manifestName)); err != nil {
			continue
		}
		d := Discovered{ID: e.Name(), Dir: dir}
		if m, err := parseManifest(dir); err != nil {
			d.Err = err
		} else {
			d.ID = m.ID
			d.Manifest = m
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// readInstructions returns the operator notes bundled with the skill, empty
// when the folder has none.
func readInstructions(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, instructionsName))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
