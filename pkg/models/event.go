package models

import "encoding/json"

// Event type values emitted on NDJSON streams.
const (
	EventText       = "text"
	EventReasoning  = "reasoning"
	EventToolCall   = "tool-call"
	EventToolResult = "tool-result"
	EventFinish     = "finish"
	EventError      = "error"
)

// StreamEvent is one line of an NDJSON stream. The Type field selects which
// of the remaining fields are meaningful; unused fields are omitted from the
// wire encoding.
//
// Wire grammar:
//
//	{"type":"text","text":"..."}
//	{"type":"reasoning","text":"..."}
//	{"type":"tool-call","id":"...","toolName":"...","args":{...}}
//	{"type":"tool-result","id":"...","toolName":"...","result":{...}}
//	{"type":"finish","finishReason":"stop","stepCount":2}
//	{"type":"error","error":"..."}
type StreamEvent struct {
	Type         string          `json:"type"`
	Text         string          `json:"text,omitempty"`
	ID           string          `json:"id,omitempty"`
	ToolName     string          `json:"toolName,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	FinishReason string          `json:"finishReason,omitempty"`
	StepCount    int             `json:"stepCount,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// TextEvent builds a text delta event.
func TextEvent(text string) StreamEvent {
	return StreamEvent{Type: EventText, Text: text}
}

// ReasoningEvent builds a reasoning delta event.
func ReasoningEvent(text string) StreamEvent {
	return StreamEvent{Type: EventReasoning, Text: text}
}

// ToolCallEvent builds a tool-call event from a model tool call.
func ToolCallEvent(call *ToolCall) StreamEvent {
	return StreamEvent{Type: EventToolCall, ID: call.ID, ToolName: call.Name, Args: call.Input}
}

// ToolResultEvent builds a tool-result event. The result content is carried
// as raw JSON when it parses, otherwise as a JSON string.
func ToolResultEvent(result *ToolResult) StreamEvent {
	return StreamEvent{
		Type:     EventToolResult,
		ID:       result.ToolCallID,
		ToolName: result.Name,
		Result:   RawOrQuoted(result.Content),
	}
}

// FinishEvent builds the synthetic terminal event of a stream.
func FinishEvent(reason string, steps int) StreamEvent {
	return StreamEvent{Type: EventFinish, FinishReason: reason, StepCount: steps}
}

// ErrorEvent builds an in-band error event.
func ErrorEvent(msg string) StreamEvent {
	return StreamEvent{Type: EventError, Error: msg}
}

// RawOrQuoted returns s as raw JSON when it already is valid JSON, otherwise
// as a quoted JSON string. Tool handlers return JSON payloads but error text
// is plain prose; NDJSON consumers expect a JSON value either way.
func RawOrQuoted(s string) json.RawMessage {
	if json.Valid([]byte(s)) && len(s) > 0 {
		return json.RawMessage(s)
	}
	quoted, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`""`)
	}
	return json.RawMessage(quoted)
}
