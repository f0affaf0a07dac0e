package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/adytum-sh/adytum/internal/bus"
	"github.com/adytum-sh/adytum/internal/hierarchy"
	"github.com/adytum-sh/adytum/internal/sessions"
	"github.com/adytum-sh/adytum/internal/tools"
	"github.com/adytum-sh/adytum/pkg/protocol"
)

const (
	defaultSpawnConcurrency = 4
	spawnAuditLimit         = 500
)

// subAgentFrame keeps a child answering its goal instead of opening a
// dialogue with a user that is not there.
const subAgentFrame = "You are running as a sub-agent on behalf of another agent. " +
	"Work the goal you are given to completion and reply with your final result. Do not ask follow-up questions."

// Spawner births or reuses hierarchy agents and runs their goals on child
// runtimes. It implements the spawn tool's contract: batch items execute
// concurrently, outcomes come back in input order, and a failing child never
// takes its siblings down.
type Spawner struct {
	agents *hierarchy.Registry
	base   Config
	limit  int
	now    func() time.Time
}

type SpawnerOption func(*Spawner)

// WithSpawnConcurrency caps how many batch items run at once.
func WithSpawnConcurrency(n int) SpawnerOption {
	return func(s *Spawner) {
		if n > 0 {
			s.limit = n
		}
	}
}

// NewSpawner builds a Spawner. base is the parent runtime's config; children
// inherit everything from it except their agent identity and event stream.
func NewSpawner(agents *hierarchy.Registry, base Config, opts ...SpawnerOption) *Spawner {
	s := &Spawner{
		agents: agents,
		base:   base,
		limit:  defaultSpawnConcurrency,
		now:    time.Now,
	}
	if base.Clock != nil {
		s.now = base.Clock
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SpawnSubAgents runs every spec to completion and returns one outcome per
// spec, in input order.
func (s *Spawner) SpawnSubAgents(ctx context.Context, parentSessionID string, specs []tools.SpawnSpec) []tools.SpawnOutcome {
	outcomes := make([]tools.SpawnOutcome, len(specs))
	if len(specs) == 0 {
		return outcomes
	}

	var g errgroup.Group
	g.SetLimit(s.limit)
	for i, spec := range specs {
		g.Go(func() error {
			outcomes[i] = s.spawnOne(ctx, parentSessionID, spec)
			return nil
		})
	}
	g.Wait()
	return outcomes
}

func (s *Spawner) spawnOne(ctx context.Context, parentSessionID string, spec tools.SpawnSpec) tools.SpawnOutcome {
	child, sessionID, reused, err := s.resolveAgent(spec)
	if err != nil {
		return tools.SpawnOutcome{AgentName: spec.Name, Err: err}
	}

	// Reused agents keep running after the goal; fresh ones retire.
	deactivate := !reused
	if spec.DeactivateAfter != nil {
		deactivate = *spec.DeactivateAfter
	}

	if s.base.Sessions != nil {
		s.base.Sessions.GetOrCreate(sessionID, sessions.KindSubagent)
		s.base.Sessions.SetAgent(sessionID, child.ID)
		s.base.Sessions.SetLabel(sessionID, "sub-agent: "+child.Name)
		s.base.Sessions.SetSpawnInfo(sessionID, parentSessionID, s.depthOf(parentSessionID)+1)
	}

	started := s.now()
	s.emitSpawn(protocol.AgentEventSpawn, child, parentSessionID, map[string]interface{}{
		"childSessionId": sessionID,
		"goal":           tools.Truncate(spec.Goal, spawnAuditLimit),
		"reused":         reused,
	})
	slog.Info("spawn.start", "agent", child.Name, "session", sessionID, "reused", reused)

	res := s.childRuntime(child, parentSessionID, sessionID).Run(ctx, RunRequest{
		SessionKey:        sessionID,
		Message:           spec.Goal,
		Model:             spec.Model,
		ExtraSystemPrompt: subAgentFrame,
		ParentSessionKey:  parentSessionID,
		Stream:            true, // deltas reach the bus and mirror to the parent
	})
	finished := s.now()

	outcome := tools.SpawnOutcome{
		AgentID:   child.ID,
		AgentName: child.Name,
		SessionID: sessionID,
		Result:    res.Response,
	}
	switch res.Status {
	case StatusCompleted:
	case StatusCancelled:
		outcome.Err = context.Canceled
	default:
		// surface the already-friendly failure text to the parent
		if res.Response != "" {
			outcome.Err = errors.New(res.Response)
		} else {
			outcome.Err = res.Err
		}
	}

	if s.base.Audit != nil {
		rec := bus.TraceRecord{
			ID:         uuid.NewString(),
			SessionKey: parentSessionID,
			AgentID:    child.ID,
			Kind:       bus.TraceKindSpawn,
			Name:       child.Name,
			Input:      tools.Truncate(spec.Goal, spawnAuditLimit),
			Output:     tools.Truncate(res.Response, spawnAuditLimit),
			StartedAt:  started,
			FinishedAt: finished,
			Metadata: map[string]string{
				"child_session": sessionID,
				"child_trace":   res.TraceID,
				"status":        res.Status,
				"reused":        fmt.Sprintf("%t", reused),
			},
		}
		if outcome.Err != nil {
			rec.Error = outcome.Err.Error()
		}
		s.base.Audit.Record(context.WithoutCancel(ctx), rec)
	}

	if logErr := s.agents.AppendLog(child.ID, "action",
		"goal: "+tools.Truncate(spec.Goal, 200),
		map[string]interface{}{"status": res.Status, "session": sessionID},
	); logErr != nil {
		slog.Warn("spawn.log_failed", "agent", child.ID, "error", logErr)
	}

	s.emitSpawn(protocol.AgentEventSpawnDone, child, parentSessionID, map[string]interface{}{
		"childSessionId": sessionID,
		"status":         res.Status,
		"durationMs":     finished.Sub(started).Milliseconds(),
		"result":         tools.Truncate(res.Response, spawnAuditLimit),
	})

	if deactivate {
		if err := s.agents.LastBreath(child.ID); err != nil {
			slog.Warn("spawn.last_breath_failed", "agent", child.ID, "error", err)
		}
	}
	return outcome
}

// resolveAgent applies the reuse rule: an active agent holding the requested
// name (case-insensitive, trimmed) is reused together with its session;
// anything else births a fresh tier-3 agent under the spawning parent.
func (s *Spawner) resolveAgent(spec tools.SpawnSpec) (child *hierarchy.Agent, sessionID string, reused bool, err error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		name = "sub-" + uuid.NewString()[:8]
	}
	parentID := spec.ParentAgentID
	if parentID == "" {
		parentID = s.base.AgentID
	}

	// Find-or-birth is atomic on the registry: batch items racing on the
	// same fresh name resolve to one agent and one birth.
	child, reused, err = s.agents.FindOrBirth(hierarchy.BirthParams{
		Name:     name,
		Tier:     3,
		Role:     spec.Role,
		ParentID: parentID,
	})
	if err != nil {
		return nil, "", false, fmt.Errorf("birth sub-agent %q: %w", name, err)
	}
	sessionID = child.ActiveSessionID
	if sessionID == "" {
		sessionID = sessions.AgentKey(child.ID)
	}
	return child, sessionID, reused, nil
}

// childRuntime clones the parent config for one child run. The child keeps
// the parent's router, tools, stores and approval policy; only its identity
// and event stream differ.
func (s *Spawner) childRuntime(child *hierarchy.Agent, parentSessionID, childSessionID string) *Runtime {
	cfg := s.base
	cfg.AgentID = child.ID
	cfg.AgentName = child.Name
	cfg.Publish = s.reEmit(parentSessionID, childSessionID)
	return New(cfg)
}

// reEmit forwards child events unchanged and mirrors chat stream events onto
// the parent's session with sub-agent metadata, so a dashboard following the
// parent sees the child working.
func (s *Spawner) reEmit(parentSessionID, childSessionID string) func(string, interface{}) {
	base := s.base.Publish
	return func(name string, payload interface{}) {
		if base == nil {
			return
		}
		base(name, payload)
		if name != protocol.EventChat {
			return
		}
		m, ok := payload.(map[string]interface{})
		if !ok {
			return
		}
		mirrored := make(map[string]interface{}, len(m)+2)
		for k, v := range m {
			mirrored[k] = v
		}
		mirrored["sessionKey"] = parentSessionID
		mirrored["isSubAgent"] = true
		mirrored["childSessionId"] = childSessionID
		base(name, mirrored)
	}
}

func (s *Spawner) depthOf(sessionKey string) int {
	if s.base.Sessions == nil {
		return 0
	}
	if sess, ok := s.base.Sessions.Get(sessionKey); ok {
		return sess.SpawnDepth
	}
	return 0
}

func (s *Spawner) emitSpawn(subtype string, child *hierarchy.Agent, parentSessionID string, payload map[string]interface{}) {
	if s.base.Publish == nil {
		return
	}
	s.base.Publish(protocol.EventAgent, map[string]interface{}{
		"type":       subtype,
		"agentId":    child.ID,
		"sessionKey": parentSessionID,
		"payload":    payload,
	})
}
