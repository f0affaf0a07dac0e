package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/adytum-sh/adytum/internal/memory"
)

// MemorySaveTool stores a fact in long-term memory.
type MemorySaveTool struct {
	store *memory.Store
}

func NewMemorySaveTool(store *memory.Store) *MemorySaveTool {
	return &MemorySaveTool{store: store}
}

func (t *MemorySaveTool) Name() string { return "memory_save" }

func (t *MemorySaveTool) Description() string {
	return "Save a fact to long-term memory so it can be recalled in future conversations."
}

func (t *MemorySaveTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The fact to remember, phrased so it makes sense on its own",
			},
			"category": map[string]interface{}{
				"type":        "string",
				"description": "Fact category",
				"enum": []string{
					memory.CategoryGeneral, memory.CategoryUserFact,
					memory.CategoryCuriosity, memory.CategoryEpisodicSummary,
				},
			},
			"tags": map[string]interface{}{
				"type":        "array",
				"description": "Optional tags for filtering",
			},
		},
		"required": []string{"content"},
	}
}

func (t *MemorySaveTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return ErrorResult("content is required")
	}
	category, _ := args["category"].(string)
	var tags []string
	if raw, ok := args["tags"].([]interface{}); ok {
		for _, tv := range raw {
			if s, ok := tv.(string); ok && s != "" {
				tags = append(tags, s)
			}
		}
	}

	f, err := t.store.AddFact(ctx, memory.Fact{
		Content:    content,
		Category:   category,
		Tags:       tags,
		Source:     "agent",
		SessionKey: SessionKeyFromCtx(ctx),
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to save memory: %v", err))
	}
	return SilentResult(fmt.Sprintf("Remembered (id %s).", f.ID))
}

// MemorySearchTool retrieves the most relevant stored facts for a query.
type MemorySearchTool struct {
	store *memory.Store
}

func NewMemorySearchTool(store *memory.Store) *MemorySearchTool {
	return &MemorySearchTool{store: store}
}

func (t *MemorySearchTool) Name() string { return "memory_search" }

func (t *MemorySearchTool) Description() string {
	return "Search long-term memory for facts relevant to a query."
}

func (t *MemorySearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "What to look for",
			},
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Maximum facts to return (default 5)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *MemorySearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return ErrorResult("query is required")
	}
	limit := 5
	if l, ok := args["limit"].(float64); ok && int(l) > 0 {
		limit = int(l)
	}

	hits, err := t.store.Search(ctx, query, limit)
	if err != nil {
		return ErrorResult(fmt.Sprintf("memory search failed: %v", err))
	}
	if len(hits) == 0 {
		return SilentResult("No matching memories.")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d memories:\n", len(hits))
	for _, h := range hits {
		fmt.Fprintf(&sb, "- [%s] %s (%s)\n", h.Category, h.Content, h.CreatedAt.Format("2006-01-02"))
	}
	return SilentResult(sb.String())
}

// MemoryListTool lists recent facts, optionally filtered by category.
type MemoryListTool struct {
	store *memory.Store
}

func NewMemoryListTool(store *memory.Store) *MemoryListTool {
	return &MemoryListTool{store: store}
}

func (t *MemoryListTool) Name() string { return "memory_list" }

func (t *MemoryListTool) Description() string {
	return "List recent memories, newest first, optionally filtered by category."
}

func (t *MemoryListTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"category": map[string]interface{}{
				"type":        "string",
				"description": "Restrict to one category",
			},
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Maximum facts to return (default 20)",
			},
		},
	}
}

func (t *MemoryListTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	category, _ := args["category"].(string)
	limit := 20
	if l, ok := args["limit"].(float64); ok && int(l) > 0 {
		limit = int(l)
	}

	facts, err := t.store.List(ctx, category, limit)
	if err != nil {
		return ErrorResult(fmt.Sprintf("memory list failed: %v", err))
	}
	if len(facts) == 0 {
		return SilentResult("No memories stored yet.")
	}

	var sb strings.Builder
	for _, f := range facts {
		fmt.Fprintf(&sb, "- [%s] %s (%s)\n", f.Category, f.Content, f.CreatedAt.Format("2006-01-02"))
	}
	return SilentResult(sb.String())
}
