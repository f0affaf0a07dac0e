package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/adytum-sh/adytum/internal/tools"
)

const defaultCallTimeout = 60 * time.Second

// caller is the slice of the MCP client a bridge needs.
type caller interface {
	CallTool(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error)
}

// BridgeTool exposes one remote MCP tool through the registry's Tool
// interface. Failures come back as error results so the model can read them.
type BridgeTool struct {
	skillID     string
	name        string
	original    string
	description string
	schema      map[string]interface{}
	caller      caller
	timeout     time.Duration
	connected   *atomic.Bool
}

func newBridgeTool(skillID string, t mcpgo.Tool, c caller, prefix string, timeoutSec int, connected *atomic.Bool) *BridgeTool {
	timeout := defaultCallTimeout
	if timeoutSec > 0 {
		timeout = time.Duration(timeoutSec) * time.Second
	}
	desc := t.Description
	if desc == "" {
		desc = fmt.Sprintf("%s tool from the %s skill", t.Name, skillID)
	}
	return &BridgeTool{
		skillID:     skillID,
		name:        prefix + t.Name,
		original:    t.Name,
		description: desc,
		schema:      convertSchema(t.InputSchema),
		caller:      c,
		timeout:     timeout,
		connected:   connected,
	}
}

func (b *BridgeTool) Name() string        { return b.name }
func (b *BridgeTool) Description() string { return b.description }

// OriginalName is the server-side tool name, before any prefix.
func (b *BridgeTool) OriginalName() string { return b.original }

// SkillID identifies which skill registered this tool.
func (b *BridgeTool) SkillID() string { return b.skillID }

func (b *BridgeTool) Parameters() map[string]interface{} {
	if b.schema == nil {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	return b.schema
}

func (b *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if b.connected != nil && !b.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("skill %s is offline; its server is not connected", b.skillID))
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.original
	req.Params.Arguments = args

	res, err := b.caller.CallTool(ctx, req)
	if err != nil {
		if b.connected != nil && ctx.Err() == nil {
			b.connected.Store(false)
		}
		return tools.ErrorResult(fmt.Sprintf("%s failed: %v", b.name, err)).WithError(err)
	}

	text := flattenContent(res.Content)
	if res.IsError {
		if text == "" {
			text = b.name + " reported an error without details"
		}
		return tools.ErrorResult(text)
	}
	if text == "" {
		text = "(no output)"
	}
	return tools.NewResult(text)
}

// flattenContent joins the text blocks of an MCP result; non-text blocks are
// carried as their JSON form so nothing is dropped silently.
func flattenContent(blocks []mcpgo.Content) string {
	var parts []string
	for _, block := range blocks {
		if tc, ok := block.(mcpgo.TextContent); ok {
			parts = append(parts, tc.Text)
			continue
		}
		if raw, err := json.Marshal(block); err == nil {
			parts = append(parts, string(raw))
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// convertSchema rounds the typed MCP schema through JSON into the loose map
// the registry's wire schema wants.
func convertSchema(schema mcpgo.ToolInputSchema) map[string]interface{} {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
