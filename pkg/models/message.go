package models

// Message roles used in completion requests.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single message in a model conversation. Assistant messages
// may carry tool calls; tool messages carry the matching results.
type Message struct {
	Role        string       `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"toolCalls,omitempty"`
	ToolResults []ToolResult `json:"toolResults,omitempty"`
}

// ToolCallRecord pairs a tool call with its result for persistence in
// generation logs. Args are captured at call time; downstream consumers of
// the NDJSON stream merge call and result by id instead.
type ToolCallRecord struct {
	ToolName string `json:"toolName"`
	Args     any    `json:"args"`
	Result   any    `json:"result"`
}
