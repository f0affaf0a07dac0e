package sessions

import "strings"

// Session kinds. The kind decides how the runtime builds context for the
// session: interactive sessions get memory splice and sentinel scrubbing,
// background sessions run with an isolated minimal context.
const (
	KindInteractive = "interactive"
	KindScheduled   = "scheduled"
	KindSystem      = "system"
	KindSubagent    = "subagent"
)

// AgentKey returns the canonical session key for an agent's own
// conversation.
func AgentKey(agentID string) string {
	return "agent-" + agentID
}

// CronKey returns the session key used by a scheduled job run.
func CronKey(jobID string) string {
	return "cron-" + jobID
}

// SystemKey returns the session key for an internal background task
// (dream, monologue, heartbeat).
func SystemKey(task string) string {
	return "system-" + task
}

// KindForKey classifies a key by prefix. Sessions created through the
// store carry an explicit kind; this is the fallback for keys that arrive
// from outside (CLI flags, RPC params).
func KindForKey(key string) string {
	switch {
	case strings.HasPrefix(key, "cron-"):
		return KindScheduled
	case strings.HasPrefix(key, "system-"):
		return KindSystem
	default:
		return KindInteractive
	}
}

// IsBackground reports whether the session belongs to a scheduled or
// internal task rather than a user conversation.
func IsBackground(key string) bool {
	return strings.HasPrefix(key, "system-") || strings.HasPrefix(key, "cron-")
}
