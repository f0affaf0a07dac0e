package tools

import (
	"context"
	"fmt"
	"strings"
)

// SpawnSpec describes one sub-agent run requested through the spawn tool.
type SpawnSpec struct {
	Goal            string
	Name            string
	Role            string
	ParentAgentID   string
	Model           string
	DeactivateAfter *bool // nil means "use the reuse-rule default"
}

// SpawnOutcome is one sub-agent's final state.
type SpawnOutcome struct {
	AgentID   string
	AgentName string
	SessionID string
	Result    string
	Err       error
}

// SubAgentSpawner runs sub-agent goals. Single and batch calls share one
// entry point; batch items run concurrently and come back in input order.
type SubAgentSpawner interface {
	SpawnSubAgents(ctx context.Context, parentSessionID string, specs []SpawnSpec) []SpawnOutcome
}

// SpawnTool exposes sub-agent delegation to the model.
type SpawnTool struct {
	spawner SubAgentSpawner
}

func NewSpawnTool(spawner SubAgentSpawner) *SpawnTool {
	return &SpawnTool{spawner: spawner}
}

func (t *SpawnTool) Name() string { return "spawn_sub_agent" }

func (t *SpawnTool) Description() string {
	return "Delegate a goal to a sub-agent and wait for its answer. Pass batch to run several goals in parallel."
}

func (t *SpawnTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"goal": map[string]interface{}{
				"type":        "string",
				"description": "The task for the sub-agent",
			},
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Agent name. An active agent with this name is reused; otherwise a new one is born.",
			},
			"role": map[string]interface{}{
				"type":        "string",
				"description": "Role description for a newly born agent",
			},
			"model": map[string]interface{}{
				"type":        "string",
				"description": "Model override as provider/model",
			},
			"deactivate_after": map[string]interface{}{
				"type":        "boolean",
				"description": "Retire the agent when the goal completes. Defaults: reused agents keep running, new agents retire.",
			},
			"batch": map[string]interface{}{
				"type":        "array",
				"description": "Multiple goals to run concurrently: [{goal, name?, role?, model?, deactivate_after?}]. Results join in input order.",
			},
		},
	}
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	specs, err := parseSpawnSpecs(args)
	if err != nil {
		return ErrorResult(err.Error())
	}

	outcomes := t.spawner.SpawnSubAgents(ctx, SessionKeyFromCtx(ctx), specs)

	if len(outcomes) == 1 {
		o := outcomes[0]
		if o.Err != nil {
			return ErrorResult(fmt.Sprintf("sub-agent %s failed: %v", o.AgentName, o.Err))
		}
		return SilentResult(o.Result)
	}

	var sb strings.Builder
	failures := 0
	for i, o := range outcomes {
		fmt.Fprintf(&sb, "=== Sub-agent %d (%s) ===\n", i+1, o.AgentName)
		if o.Err != nil {
			failures++
			fmt.Fprintf(&sb, "failed: %v\n\n", o.Err)
			continue
		}
		sb.WriteString(o.Result)
		sb.WriteString("\n\n")
	}
	out := SilentResult(strings.TrimSpace(sb.String()))
	if failures == len(outcomes) {
		out.IsError = true
	}
	return out
}

func parseSpawnSpecs(args map[string]interface{}) ([]SpawnSpec, error) {
	if rawBatch, ok := args["batch"].([]interface{}); ok && len(rawBatch) > 0 {
		specs := make([]SpawnSpec, 0, len(rawBatch))
		for i, item := range rawBatch {
			m, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("batch[%d] must be an object", i)
			}
			spec, err := specFromMap(m)
			if err != nil {
				return nil, fmt.Errorf("batch[%d]: %w", i, err)
			}
			specs = append(specs, spec)
		}
		return specs, nil
	}

	spec, err := specFromMap(args)
	if err != nil {
		return nil, err
	}
	return []SpawnSpec{spec}, nil
}

func specFromMap(m map[string]interface{}) (SpawnSpec, error) {
	goal, _ := m["goal"].(string)
	if strings.TrimSpace(goal) == "" {
		return SpawnSpec{}, fmt.Errorf("goal is required")
	}
	spec := SpawnSpec{Goal: goal}
	spec.Name, _ = m["name"].(string)
	spec.Role, _ = m["role"].(string)
	spec.Model, _ = m["model"].(string)
	spec.ParentAgentID, _ = m["parent_id"].(string)
	if v, ok := m["deactivate_after"].(bool); ok {
		spec.DeactivateAfter = &v
	}
	return spec, nil
}
