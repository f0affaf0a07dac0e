package bootstrap

// Workspace instruction files. soul.md is deliberately absent: the soul
// package seeds and owns it.
const (
	AgentsFile    = "AGENTS.md"
	ToolsFile     = "TOOLS.md"
	IdentityFile  = "IDENTITY.md"
	UserFile      = "USER.md"
	HeartbeatFile = "HEARTBEAT.md"
	BootstrapFile = "BOOTSTRAP.md"
)
