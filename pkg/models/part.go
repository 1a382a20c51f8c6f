// Package models defines the provider-neutral types shared across the fable
// runtime: model stream parts, NDJSON wire events, completion messages, and
// tool call records.
package models

import "encoding/json"

// PartType identifies the kind of a model stream part.
type PartType string

const (
	// PartTextDelta carries an incremental chunk of generated prose.
	PartTextDelta PartType = "text-delta"

	// PartReasoningDelta carries an incremental chunk of model reasoning.
	PartReasoningDelta PartType = "reasoning-delta"

	// PartToolCall carries a complete tool invocation request.
	PartToolCall PartType = "tool-call"

	// PartToolResult carries the result of an executed tool call.
	PartToolResult PartType = "tool-result"

	// PartFinish marks the end of one model step. The loop emits one finish
	// part per provider turn; the stream adapter counts them as steps.
	PartFinish PartType = "finish"
)

// Part is a single element of a model part-stream. Exactly one payload field
// is populated according to Type. Err terminates the stream when set.
type Part struct {
	Type PartType

	// Text is the delta payload for text-delta and reasoning-delta parts.
	Text string

	// ToolCall is set for tool-call parts.
	ToolCall *ToolCall

	// ToolResult is set for tool-result parts.
	ToolResult *ToolResult

	// FinishReason is set on finish parts: "stop", "tool-use", "length",
	// or "max-steps" when the loop hit its step budget.
	FinishReason string

	// Usage carries token accounting, populated on finish parts when the
	// provider reports it.
	Usage *Usage

	// Err aborts the stream. No further parts follow an errored part.
	Err error
}

// ToolCall is a model request to execute a named tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of a tool execution, sent back to the model.
// Errors are carried in-band with IsError so the model can recover.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Usage accumulates token counts for a generation.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Add accumulates another usage record into u.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}
