package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
)

// ContextFile is one workspace instruction file with its current content.
type ContextFile struct {
	Name string
	Body string
}

// promptFiles are the instruction files injected into the system prompt, in
// order. HEARTBEAT.md is excluded: it only feeds heartbeat runs.
var promptFiles = []string{
	AgentsFile,
	IdentityFile,
	UserFile,
	ToolsFile,
	BootstrapFile,
}

// ContextFiles reads the workspace instruction files that exist. Missing or
// empty files are skipped so a fresh workspace yields a short prompt.
func ContextFiles(workspaceDir string) []ContextFile {
	var out []ContextFile
	for _, name := range promptFiles {
		data, err := os.ReadFile(filepath.Join(workspaceDir, name))
		if err != nil {
			continue
		}
		body := strings.TrimSpace(string(data))
		if body == "" {
			continue
		}
		out = append(out, ContextFile{Name: name, Body: body})
	}
	return out
}

// HeartbeatPrompt returns the operator's HEARTBEAT.md checklist, or "" when
// the file is missing or blank.
func HeartbeatPrompt(workspaceDir string) string {
	data, err := os.ReadFile(filepath.Join(workspaceDir, HeartbeatFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
