package protocol

// WebSocket event names pushed from the gateway to connected clients.
const (
	EventAgent            = "agent"
	EventChat             = "chat"
	EventHealth           = "health"
	EventCron             = "cron"
	EventHierarchy        = "hierarchy"
	EventSecurity         = "security"
	EventApprovalReq      = "tool.approval.requested"
	EventApprovalRes      = "tool.approval.resolved"
	EventModelStatus      = "models.runtime.status"
	EventSkillsChanged    = "skills.changed"
	EventTick             = "tick"
	EventShutdown         = "shutdown"

	// Internal topics never forwarded to WS clients.
	EventCacheInvalidate = "cache.invalidate"
	EventTraceRecord     = "trace.record"
)

// Agent event subtypes (in payload.type).
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
	AgentEventRunAborted   = "run.aborted"
	AgentEventStatus       = "status"
	AgentEventResponse     = "response"
	AgentEventToolCall     = "tool.call"
	AgentEventToolResult   = "tool.result"
	AgentEventCompaction   = "context.compacted"
	AgentEventSpawn        = "subagent.spawned"
	AgentEventSpawnDone    = "subagent.completed"
)

// Chat stream subtypes (in payload.type).
const (
	ChatEventChunk    = "chunk"
	ChatEventMessage  = "message"
	ChatEventThinking = "thinking"
)

// Hierarchy event subtypes.
const (
	HierarchyEventBirth      = "birth"
	HierarchyEventLastBreath = "lastBreath"
	HierarchyEventUpdated    = "updated"
)

// Cron event subtypes.
const (
	CronEventStarted  = "job.started"
	CronEventFinished = "job.finished"
	CronEventFailed   = "job.failed"
	CronEventSkipped  = "job.skipped"
)
