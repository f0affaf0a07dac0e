package protocol

// RPC method names accepted over the gateway WebSocket.
const (
	// Chat
	MethodChatSend    = "chat.send"
	MethodChatHistory = "chat.history"
	MethodChatAbort   = "chat.abort"

	// Hierarchy
	MethodAgentsList   = "agents.list"
	MethodAgentsBirth  = "agents.birth"
	MethodAgentsRetire = "agents.retire"
	MethodAgentsUpdate = "agents.update"
	MethodAgentsAvatar = "agents.avatar"

	// Config
	MethodConfigGet   = "config.get"
	MethodConfigRoles = "config.roles"

	// Models
	MethodModelsList   = "models.list"
	MethodModelsStatus = "models.runtimeStatus"

	// Cron
	MethodCronList   = "cron.list"
	MethodCronCreate = "cron.create"
	MethodCronUpdate = "cron.update"
	MethodCronDelete = "cron.delete"
	MethodCronToggle = "cron.toggle"
	MethodCronRun    = "cron.run"

	// Skills
	MethodSkillsList   = "skills.list"
	MethodSkillsReload = "skills.reload"

	// Approvals
	MethodApprovalsList    = "tool.approval.list"
	MethodApprovalsApprove = "tool.approval.approve"
	MethodApprovalsDeny    = "tool.approval.deny"

	// Workspaces
	MethodWorkspacesList   = "workspaces.list"
	MethodWorkspacesCreate = "workspaces.create"
	MethodWorkspacesDelete = "workspaces.delete"
	MethodKnowledgeReindex = "knowledge.reindex"

	// Usage
	MethodUsageSummary = "usage.summary"

	// System
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"
)
