package gateway

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adytum-sh/adytum/internal/memory"
	"github.com/adytum-sh/adytum/internal/tools"
)

const (
	// ReindexFast ingests markdown and plain-text files as-is.
	ReindexFast = "fast"
	// ReindexDeep additionally renders HTML files through the headless
	// browser so generated docs contribute their visible text.
	ReindexDeep = "deep"

	maxKnowledgeFileBytes = 512 * 1024
	maxFactChars          = 4000
)

// knowledgeSkipDirs are never descended into during a reindex walk.
var knowledgeSkipDirs = map[string]bool{
	"node_modules": true,
	"data":         true,
	"vendor":       true,
	".git":         true,
}

// KnowledgeStore is the memory slice the reindexer writes through.
type KnowledgeStore interface {
	AddFact(ctx context.Context, f memory.Fact) (memory.Fact, error)
	DeleteBySource(ctx context.Context, source string) (int64, error)
}

// PageRenderer renders a URL (including file://) and returns its title and
// visible text. Satisfied by tools.BrowserTool.
type PageRenderer interface {
	Visit(ctx context.Context, rawURL string, extraWait time.Duration) (title, text string, err error)
}

// ReindexReport summarises one reindex run.
type ReindexReport struct {
	WorkspaceID string `json:"workspaceId"`
	Mode        string `json:"mode"`
	Files       int    `json:"files"`
	Facts       int    `json:"facts"`
	Skipped     int    `json:"skipped"`
	DurationMs  int64  `json:"durationMs"`
}

// Reindexer ingests a workspace's documents into the memory store. Facts
// carry the workspace id as their source so a re-run replaces, never
// duplicates.
type Reindexer struct {
	store    KnowledgeStore
	renderer PageRenderer
	now      func() time.Time
}

func NewReindexer(store KnowledgeStore, renderer PageRenderer) *Reindexer {
	return &Reindexer{store: store, renderer: renderer, now: time.Now}
}

func knowledgeSource(workspaceID string) string { return "knowledge:" + workspaceID }

// Reindex walks the workspace and stores one fact per readable document.
// Unknown modes fall back to fast.
func (r *Reindexer) Reindex(ctx context.Context, ws *Workspace, mode string) (*ReindexReport, error) {
	if r.store == nil {
		return nil, fmt.Errorf("no memory store configured")
	}
	if mode != ReindexDeep {
		mode = ReindexFast
	}
	start := r.now()
	source := knowledgeSource(ws.ID)

	if _, err := r.store.DeleteBySource(ctx, source); err != nil {
		return nil, fmt.Errorf("clear previous index: %w", err)
	}

	report := &ReindexReport{WorkspaceID: ws.ID, Mode: mode}
	err := filepath.WalkDir(ws.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := d.Name()
		if d.IsDir() {
			if path != ws.Path && (strings.HasPrefix(name, ".") || knowledgeSkipDirs[name]) {
				return filepath.SkipDir
			}
			return nil
		}

		content, ok := r.extract(ctx, path, mode)
		if !ok {
			return nil
		}
		report.Files++
		if strings.TrimSpace(content) == "" {
			report.Skipped++
			return nil
		}

		rel, relErr := filepath.Rel(ws.Path, path)
		if relErr != nil {
			rel = name
		}
		fact := memory.Fact{
			Content:  fmt.Sprintf("[%s] %s", rel, tools.Truncate(content, maxFactChars)),
			Category: memory.CategoryKnowledge,
			Tags:     []string{ws.Name},
			Source:   source,
		}
		if _, err := r.store.AddFact(ctx, fact); err != nil {
			slog.Warn("knowledge.ingest_failed", "file", rel, "error", err)
			report.Skipped++
			return nil
		}
		report.Facts++
		return nil
	})
	if err != nil {
		return nil, err
	}

	report.DurationMs = r.now().Sub(start).Milliseconds()
	slog.Info("knowledge.reindexed",
		"workspace", ws.Name, "mode", mode, "files", report.Files, "facts", report.Facts)
	return report, nil
}

// extract pulls ingestible text out of one file. The bool reports whether
// the file type participates in this mode at all.
func (r *Reindexer) extract(ctx context.Context, path, mode string) (string, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".txt":
		data, err := readCapped(path)
		if err != nil {
			return "", false
		}
		return string(data), true

	case ".html", ".htm":
		if mode != ReindexDeep {
			return "", false
		}
		if r.renderer == nil {
			slog.Warn("knowledge.no_renderer", "file", path)
			return "", false
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", false
		}
		_, text, err := r.renderer.Visit(ctx, "file://"+abs, 0)
		if err != nil {
			slog.Warn("knowledge.render_failed", "file", path, "error", err)
			return "", true
		}
		return text, true

	default:
		return "", false
	}
}

func readCapped(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxKnowledgeFileBytes {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		buf := make([]byte, maxKnowledgeFileBytes)
		n, _ := f.Read(buf)
		return buf[:n], nil
	}
	return os.ReadFile(path)
}
