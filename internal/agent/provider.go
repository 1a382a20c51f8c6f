// Package agent implements the named-agent registry and runner: schema
// validation, cycle/depth/call/timeout enforcement, trace records, the
// model tool loop, and the in-memory active-agent registry.
package agent

import (
	"context"
	"encoding/json"

	"github.com/fablekit/fable/pkg/models"
)

// Provider is the interface model backends implement. A Stream call performs
// one model turn and emits parts (text deltas, reasoning deltas, tool calls)
// followed by exactly one finish part, then closes the channel.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the provider name ("anthropic", "openai").
	Name() string

	// Stream sends a completion request and returns the part stream.
	Stream(ctx context.Context, req *CompletionRequest) (<-chan *models.Part, error)
}

// CompletionRequest contains the parameters for one model turn.
type CompletionRequest struct {
	// Model is the model id. Empty selects the provider default.
	Model string

	// System is the system prompt.
	System string

	// Messages is the conversation so far, oldest first.
	Messages []models.Message

	// Tools the model may call. Empty disables tool use.
	Tools []Tool

	// MaxTokens caps the response length for this turn.
	MaxTokens int
}

// Tool is an executable function exposed to the model.
type Tool interface {
	// Name returns the function-calling name (alphanumeric, camelCase).
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema returns the JSON Schema for the tool parameters.
	Schema() json.RawMessage

	// Execute runs the tool. Failures are reported through ToolResult with
	// IsError set, never as a Go error, so the model can recover.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}
