package tools

// Skill names. The enabled set is fixed at startup.
const (
	SkillCoreContext = "core_context"
	SkillCoreWorld   = "core_world"
	SkillMemoryRead  = "mcp_memory_read"
	SkillMemoryWrite = "mcp_memory_write"
)

// Tool names.
const (
	ToolChatHistoryTail = "chat_history_tail"
	ToolMemoryQuery     = "memory_query"
	ToolMemoryStore     = "memory_store"
	ToolWorldApplyOps   = "world_apply_ops"
)

// SkillCatalog maps each skill to the tools it bundles. Single source
// of truth; the firewall composes stage toolsets from it.
var SkillCatalog = map[string][]string{
	SkillCoreContext: {ToolChatHistoryTail},
	SkillCoreWorld:   {ToolWorldApplyOps},
	SkillMemoryRead:  {ToolMemoryQuery},
	SkillMemoryWrite: {ToolMemoryStore},
}

// DefaultEnabledSkills is the startup default: everything on.
func DefaultEnabledSkills() []string {
	return []string{SkillCoreContext, SkillCoreWorld, SkillMemoryRead, SkillMemoryWrite}
}
