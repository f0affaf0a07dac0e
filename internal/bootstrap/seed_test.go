package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnsureWorkspaceFiles(t *testing.T) {
	dir := t.TempDir()

	created, err := EnsureWorkspaceFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	// fresh workspace gets every template plus the bootstrap ritual
	want := len(templateFiles) + 1
	if len(created) != want {
		t.Fatalf("created %v, want %d files", created, want)
	}
	for _, name := range created {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s reported created but missing: %v", name, err)
		}
	}

	// user edits survive a re-run
	custom := []byte("# mine\n")
	if err := os.WriteFile(filepath.Join(dir, AgentsFile), custom, 0o644); err != nil {
		t.Fatal(err)
	}
	created, err = EnsureWorkspaceFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 0 {
		t.Errorf("second run created %v, want none", created)
	}
	got, _ := os.ReadFile(filepath.Join(dir, AgentsFile))
	if string(got) != string(custom) {
		t.Error("re-run overwrote a user-edited file")
	}
}

func TestEnsureWorkspaceFilesSkipsBootstrapWhenEstablished(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, AgentsFile), []byte("# existing\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	created, err := EnsureWorkspaceFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range created {
		if name == BootstrapFile {
			t.Error("BOOTSTRAP.md seeded into an established workspace")
		}
	}
}

func TestContextFilesOrderAndSkips(t *testing.T) {
	dir := t.TempDir()
	if _, err := EnsureWorkspaceFiles(dir); err != nil {
		t.Fatal(err)
	}
	// blank files drop out of the prompt
	if err := os.WriteFile(filepath.Join(dir, UserFile), []byte("  \n"), 0o644); err != nil {
		t.Fatal(err)
	}

	files := ContextFiles(dir)
	var names []string
	for _, f := range files {
		names = append(names, f.Name)
		if strings.TrimSpace(f.Body) == "" {
			t.Errorf("%s has blank body", f.Name)
		}
	}
	joined := strings.Join(names, ",")
	if strings.Contains(joined, UserFile) {
		t.Errorf("blank USER.md still injected: %v", names)
	}
	if names[0] != AgentsFile {
		t.Errorf("AGENTS.md must lead the context, got %v", names)
	}
}

func TestHeartbeatPrompt(t *testing.T) {
	dir := t.TempDir()
	if got := HeartbeatPrompt(dir); got != "" {
		t.Errorf("missing file, got %q", got)
	}
	if _, err := EnsureWorkspaceFiles(dir); err != nil {
		t.Fatal(err)
	}
	if got := HeartbeatPrompt(dir); !strings.Contains(got, "heartbeat") && !strings.Contains(got, "HEARTBEAT") {
		t.Errorf("checklist = %q", got)
	}
}
