package providers

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/titanous/json5"
)

// CatalogEntry describes one model addressable as "provider/model".
// Costs are USD per million tokens; zero means free or unknown.
type CatalogEntry struct {
	ID             string  `json:"id"`
	Provider       string  `json:"provider,omitempty"`
	Model          string  `json:"model,omitempty"`
	ContextWindow  int     `json:"contextWindow,omitempty"`
	MaxOutput      int     `json:"maxOutput,omitempty"`
	InputCostPerM  float64 `json:"inputCostPerM,omitempty"`
	OutputCostPerM float64 `json:"outputCostPerM,omitempty"`
	Local          bool    `json:"local,omitempty"`
}

// EstimatedCost computes the USD cost of a call from reported usage.
func (e CatalogEntry) EstimatedCost(u *Usage) float64 {
	if u == nil {
		return 0
	}
	return float64(u.PromptTokens)/1e6*e.InputCostPerM +
		float64(u.CompletionTokens)/1e6*e.OutputCostPerM
}

// SplitModelID splits "provider/model" on the first slash. Model ids without
// a slash are treated as belonging to the empty provider.
func SplitModelID(id string) (provider, model string) {
	if i := strings.Index(id, "/"); i >= 0 {
		return id[:i], id[i+1:]
	}
	return "", id
}

// Catalog maps model ids to their entries. Builtins cover the common hosted
// models; models.json overrides or extends them.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]CatalogEntry
}

func NewCatalog() *Catalog {
	c := &Catalog{entries: make(map[string]CatalogEntry, len(builtinModels))}
	for _, e := range builtinModels {
		c.entries[e.ID] = withSplitID(e)
	}
	return c
}

// LoadOverrides merges entries from a models.json file (JSON5). Entries with
// an id already in the catalog replace the builtin. A missing file is not an
// error; a malformed one is.
func (c *Catalog) LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var doc struct {
		Models []CatalogEntry `json:"models"`
	}
	if err := json5.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range doc.Models {
		if e.ID == "" {
			continue
		}
		c.entries[e.ID] = withSplitID(e)
	}
	return nil
}

// Lookup returns the exact catalog entry for a model id.
func (c *Catalog) Lookup(id string) (CatalogEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e, ok
}

// Resolve always returns a usable entry, synthesizing defaults for models the
// catalog has never heard of so arbitrary local models still route.
func (c *Catalog) Resolve(id string) CatalogEntry {
	if e, ok := c.Lookup(id); ok {
		return e
	}
	provider, model := SplitModelID(id)
	return CatalogEntry{
		ID:            id,
		Provider:      provider,
		Model:         model,
		ContextWindow: 128000,
		MaxOutput:     8192,
		Local:         isLocalProvider(provider),
	}
}

func (c *Catalog) Add(e CatalogEntry) {
	if e.ID == "" {
		return
	}
	c.mu.Lock()
	c.entries[e.ID] = withSplitID(e)
	c.mu.Unlock()
}

func (c *Catalog) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; !ok {
		return false
	}
	delete(c.entries, id)
	return true
}

// List returns all entries sorted by id.
func (c *Catalog) List() []CatalogEntry {
	c.mu.RLock()
	out := make([]CatalogEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func withSplitID(e CatalogEntry) CatalogEntry {
	if e.Provider == "" || e.Model == "" {
		e.Provider, e.Model = SplitModelID(e.ID)
	}
	if e.Local || isLocalProvider(e.Provider) {
		e.Local = true
	}
	return e
}

func isLocalProvider(provider string) bool {
	switch provider {
	case "ollama", "lmstudio", "vllm":
		return true
	}
	return false
}

var builtinModels = []CatalogEntry{
	{ID: "anthropic/claude-opus-4", ContextWindow: 200000, MaxOutput: 32000, InputCostPerM: 15, OutputCostPerM: 75},
	{ID: "anthropic/claude-sonnet-4", ContextWindow: 200000, MaxOutput: 64000, InputCostPerM: 3, OutputCostPerM: 15},
	{ID: "anthropic/claude-3-5-haiku", ContextWindow: 200000, MaxOutput: 8192, InputCostPerM: 0.8, OutputCostPerM: 4},
	{ID: "openai/gpt-4.1", ContextWindow: 1047576, MaxOutput: 32768, InputCostPerM: 2, OutputCostPerM: 8},
	{ID: "openai/gpt-4.1-mini", ContextWindow: 1047576, MaxOutput: 32768, InputCostPerM: 0.4, OutputCostPerM: 1.6},
	{ID: "openai/gpt-4o", ContextWindow: 128000, MaxOutput: 16384, InputCostPerM: 2.5, OutputCostPerM: 10},
	{ID: "openai/gpt-4o-mini", ContextWindow: 128000, MaxOutput: 16384, InputCostPerM: 0.15, OutputCostPerM: 0.6},
	{ID: "openai/o3-mini", ContextWindow: 200000, MaxOutput: 100000, InputCostPerM: 1.1, OutputCostPerM: 4.4},
	{ID: "openrouter/anthropic/claude-sonnet-4", ContextWindow: 200000, MaxOutput: 64000, InputCostPerM: 3, OutputCostPerM: 15},
	{ID: "groq/llama-3.3-70b-versatile", ContextWindow: 131072, MaxOutput: 32768, InputCostPerM: 0.59, OutputCostPerM: 0.79},
	{ID: "ollama/llama3.1", ContextWindow: 131072, MaxOutput: 8192, Local: true},
	{ID: "ollama/qwen2.5-coder", ContextWindow: 32768, MaxOutput: 8192, Local: true},
}
