package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/adytum-sh/adytum/internal/hierarchy"
	"github.com/adytum-sh/adytum/internal/providers"
	"github.com/adytum-sh/adytum/internal/sessions"
	"github.com/adytum-sh/adytum/internal/tools"
	"github.com/adytum-sh/adytum/pkg/protocol"
)

func lastUserContent(req providers.ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}

func newSpawnHarness(t *testing.T, handler func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error)) (*testHarness, *Spawner, *hierarchy.Registry, *hierarchy.Agent) {
	t.Helper()
	agents, err := hierarchy.NewRegistry("")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	root, err := agents.Birth(hierarchy.BirthParams{Name: "Root", Tier: 1})
	if err != nil {
		t.Fatalf("Birth root: %v", err)
	}

	h := newHarness(t, handler)
	cfg := h.runtime.cfg
	cfg.AgentID = root.ID
	cfg.AgentName = root.Name
	sp := NewSpawner(agents, cfg)
	return h, sp, agents, root
}

func TestSpawnBirthsAgentAndRetiresIt(t *testing.T) {
	h, sp, agents, root := newSpawnHarness(t, func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		return textResponse("findings: all clear"), nil
	})

	outcomes := sp.SpawnSubAgents(context.Background(), "agent-"+root.ID, []tools.SpawnSpec{
		{Goal: "survey the perimeter", Name: "Scout", Role: "researcher"},
	})

	if len(outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(outcomes))
	}
	o := outcomes[0]
	if o.Err != nil {
		t.Fatalf("spawn failed: %v", o.Err)
	}
	if o.Result != "findings: all clear" || o.AgentName != "Scout" {
		t.Errorf("outcome = %+v", o)
	}

	// new agents retire once the goal completes
	if agents.FindActiveByName("Scout") != nil {
		t.Error("Scout still active after deactivate-by-default")
	}
	grave := agents.GetGraveyard()
	if len(grave) != 1 || grave[0].Name != "Scout" {
		t.Errorf("graveyard = %+v", grave)
	}
	if kids := agents.GetChildren(root.ID); len(kids) != 1 {
		t.Errorf("root children = %d, want 1", len(kids))
	}

	sess, ok := h.store.Get(o.SessionID)
	if !ok {
		t.Fatalf("child session %q not in store", o.SessionID)
	}
	if sess.Kind != sessions.KindSubagent || sess.SpawnedBy != "agent-"+root.ID || sess.SpawnDepth != 1 {
		t.Errorf("child session meta = %+v", sess)
	}
}

func TestSpawnReusesActiveAgentByName(t *testing.T) {
	h, sp, agents, root := newSpawnHarness(t, func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		return textResponse("still here"), nil
	})

	scout, err := agents.Birth(hierarchy.BirthParams{Name: "Scout", Tier: 3, ParentID: root.ID})
	if err != nil {
		t.Fatalf("Birth: %v", err)
	}

	outcomes := sp.SpawnSubAgents(context.Background(), "agent-"+root.ID, []tools.SpawnSpec{
		{Goal: "report in", Name: "  scout "},
	})

	o := outcomes[0]
	if o.Err != nil {
		t.Fatalf("spawn failed: %v", o.Err)
	}
	if o.AgentID != scout.ID {
		t.Errorf("AgentID = %q, want reused %q", o.AgentID, scout.ID)
	}
	if o.SessionID != scout.ActiveSessionID {
		t.Errorf("SessionID = %q, want the agent's own %q", o.SessionID, scout.ActiveSessionID)
	}

	// reused agents keep running by default
	if agents.FindActiveByName("Scout") == nil {
		t.Error("reused agent was deactivated")
	}

	// the goal ran on the agent's own session
	if len(h.store.History(o.SessionID)) != 2 {
		t.Errorf("history = %d messages, want 2", len(h.store.History(o.SessionID)))
	}
}

func TestSpawnDeactivateAfterOverride(t *testing.T) {
	_, sp, agents, root := newSpawnHarness(t, func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		return textResponse("done"), nil
	})

	scout, _ := agents.Birth(hierarchy.BirthParams{Name: "Scout", Tier: 3, ParentID: root.ID})
	keep := false
	retire := true

	sp.SpawnSubAgents(context.Background(), "agent-"+root.ID, []tools.SpawnSpec{
		{Goal: "one last job", Name: "Scout", DeactivateAfter: &retire},
		{Goal: "stick around", Name: "Keeper", DeactivateAfter: &keep},
	})

	if got := agents.Get(scout.ID); got == nil || got.Active() {
		t.Error("deactivate_after=true did not retire the reused agent")
	}
	if agents.FindActiveByName("Keeper") == nil {
		t.Error("deactivate_after=false retired the new agent")
	}
}

func TestBatchSpawnJoinsInInputOrder(t *testing.T) {
	_, sp, _, root := newSpawnHarness(t, func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		goal := lastUserContent(req)
		if strings.Contains(goal, "boom") {
			return nil, errors.New("connection refused")
		}
		return textResponse("done: " + goal), nil
	})

	outcomes := sp.SpawnSubAgents(context.Background(), "agent-"+root.ID, []tools.SpawnSpec{
		{Goal: "alpha"},
		{Goal: "boom"},
		{Goal: "gamma"},
	})

	if len(outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(outcomes))
	}
	if outcomes[0].Err != nil || outcomes[0].Result != "done: alpha" {
		t.Errorf("outcomes[0] = %+v", outcomes[0])
	}
	if outcomes[1].Err == nil {
		t.Error("outcomes[1] should carry the failure")
	} else if !strings.Contains(outcomes[1].Err.Error(), "Is it running?") {
		t.Errorf("failure not mapped to friendly text: %v", outcomes[1].Err)
	}
	if outcomes[2].Err != nil || outcomes[2].Result != "done: gamma" {
		t.Errorf("outcomes[2] = %+v", outcomes[2])
	}
}

func TestChildChunksMirroredToParentStream(t *testing.T) {
	h, sp, _, root := newSpawnHarness(t, func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		return textResponse("child says hi"), nil
	})
	parentKey := "agent-" + root.ID

	outcomes := sp.SpawnSubAgents(context.Background(), parentKey, []tools.SpawnSpec{
		{Goal: "say hi", Name: "Echo"},
	})
	childKey := outcomes[0].SessionID

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	var direct, mirrored bool
	for _, ev := range h.events.events {
		if ev.name != protocol.EventChat || ev.payload == nil {
			continue
		}
		switch ev.payload["sessionKey"] {
		case childKey:
			direct = true
		case parentKey:
			if ev.payload["isSubAgent"] == true && ev.payload["childSessionId"] == childKey {
				mirrored = true
			}
		}
	}
	if !direct {
		t.Error("child chat event missing from the bus")
	}
	if !mirrored {
		t.Error("child chat event not mirrored onto the parent stream")
	}
}

func TestSpawnCancelledParentContext(t *testing.T) {
	_, sp, _, root := newSpawnHarness(t, func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		return textResponse("should never arrive"), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes := sp.SpawnSubAgents(ctx, "agent-"+root.ID, []tools.SpawnSpec{{Goal: "too late"}})
	if !errors.Is(outcomes[0].Err, context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", outcomes[0].Err)
	}
}

func TestBatchSpawnDuplicateNameBirthsOnce(t *testing.T) {
	const batch = 4
	var gate sync.WaitGroup
	gate.Add(batch)
	_, sp, agents, root := newSpawnHarness(t, func(call int, role string, req providers.ChatRequest) (*providers.ChatResponse, error) {
		// hold every child at the model call until the whole batch is in
		// flight, so all four resolve their agent concurrently
		gate.Done()
		gate.Wait()
		return textResponse("done"), nil
	})

	specs := make([]tools.SpawnSpec, batch)
	for i := range specs {
		specs[i] = tools.SpawnSpec{Goal: fmt.Sprintf("task %d", i), Name: "Viper"}
	}
	outcomes := sp.SpawnSubAgents(context.Background(), "agent-"+root.ID, specs)

	for i, o := range outcomes {
		if o.Err != nil {
			t.Fatalf("outcomes[%d]: %v", i, o.Err)
		}
		if o.AgentID != outcomes[0].AgentID {
			t.Errorf("outcomes[%d] ran on agent %q, outcomes[0] on %q", i, o.AgentID, outcomes[0].AgentID)
		}
	}

	vipers := 0
	for _, a := range append(agents.GetActive(), agents.GetGraveyard()...) {
		if a.Name == "Viper" {
			vipers++
		}
	}
	if vipers != 1 {
		t.Fatalf("%d Viper agents exist, want exactly 1", vipers)
	}
}
