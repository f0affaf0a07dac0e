package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// WriteSnapshot renders facts into a dated markdown file under dir, applying
// redact to every line before it touches disk. Returns the file path.
func WriteSnapshot(dir string, facts []Fact, redact func(string) string, at time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	if redact == nil {
		redact = func(s string) string { return s }
	}

	byCategory := make(map[string][]Fact)
	for _, f := range facts {
		byCategory[f.Category] = append(byCategory[f.Category], f)
	}
	categories := make([]string, 0, len(byCategory))
	for c := range byCategory {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	var b strings.Builder
	fmt.Fprintf(&b, "# Memory Snapshot %s\n\n", at.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "%d facts\n", len(facts))
	for _, c := range categories {
		fmt.Fprintf(&b, "\n## %s\n\n", c)
		for _, f := range byCategory[c] {
			line := strings.ReplaceAll(f.Content, "\n", " ")
			fmt.Fprintf(&b, "- %s (%s)\n", redact(line), f.CreatedAt.Format("2006-01-02"))
		}
	}

	path := filepath.Join(dir, at.Format("2006-01-02T150405")+".md")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return path, nil
}
