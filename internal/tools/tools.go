// Package tools exposes the fragment store to the model as callable tools.
// Read tools are available to every agent; write tools only to agents that
// are allowed to mutate the story.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fablekit/fable/internal/agent"
	"github.com/fablekit/fable/internal/observability"
	"github.com/fablekit/fable/internal/store"
)

// Toolbox builds the tool set for one story.
type Toolbox struct {
	store   *store.Store
	storyID string
	logger  *observability.Logger
}

// NewToolbox creates a toolbox bound to a story.
func NewToolbox(st *store.Store, storyID string, logger *observability.Logger) *Toolbox {
	if logger == nil {
		logger = observability.NewTestLogger()
	}
	return &Toolbox{store: st, storyID: storyID, logger: logger}
}

// ReadTools returns the read-only tools, including the per-type aliases.
func (tb *Toolbox) ReadTools() []agent.Tool {
	tools := []agent.Tool{
		tb.getFragmentTool(),
		tb.listFragmentsTool(),
		tb.searchFragmentsTool(),
		tb.listFragmentTypesTool(),
	}
	for _, alias := range []struct{ fragmentType, singular, plural string }{
		{store.TypeCharacter, "getCharacter", "listCharacters"},
		{store.TypeGuideline, "getGuideline", "listGuidelines"},
		{store.TypeKnowledge, "getKnowledge", "listKnowledge"},
	} {
		tools = append(tools,
			tb.typedGetTool(alias.singular, alias.fragmentType),
			tb.typedListTool(alias.plural, alias.fragmentType),
		)
	}
	return tools
}

// WriteTools returns the mutating tools.
func (tb *Toolbox) WriteTools() []agent.Tool {
	return []agent.Tool{
		tb.createFragmentTool(),
		tb.updateFragmentTool(),
		tb.editFragmentTool(),
		tb.editProseTool(),
		tb.deleteFragmentTool(),
	}
}

// AllTools returns read tools followed by write tools.
func (tb *Toolbox) AllTools() []agent.Tool {
	return append(tb.ReadTools(), tb.WriteTools()...)
}

// funcTool adapts a handler function to the agent.Tool interface. Handler
// errors become in-band error results so the model can correct itself.
type funcTool struct {
	name        string
	description string
	schema      json.RawMessage
	readOnly    bool
	fn          func(ctx context.Context, params json.RawMessage) (string, error)
}

func (t *funcTool) Name() string            { return t.name }
func (t *funcTool) Description() string     { return t.description }
func (t *funcTool) Schema() json.RawMessage { return t.schema }

// ReadOnly reports whether the tool never mutates the story.
func (t *funcTool) ReadOnly() bool { return t.readOnly }

func (t *funcTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	content, err := t.fn(ctx, params)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &agent.ToolResult{Content: content}, nil
}

// decodeParams unmarshals tool parameters with a friendly error for the model.
func decodeParams(params json.RawMessage, into any) error {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if err := json.Unmarshal(params, into); err != nil {
		return fmt.Errorf("invalid parameters: %v", err)
	}
	return nil
}

func marshalResult(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %v", err)
	}
	return string(raw), nil
}

// fragmentView is the fragment shape returned to the model: full content,
// no version history.
type fragmentView struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Content     string   `json:"content"`
	Sticky      bool     `json:"sticky"`
	Placement   string   `json:"placement"`
	Archived    bool     `json:"archived,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Version     int      `json:"version"`
}

func viewOf(frag *store.Fragment) fragmentView {
	return fragmentView{
		ID:          frag.ID,
		Type:        frag.Type,
		Name:        frag.Name,
		Description: frag.Description,
		Content:     frag.Content,
		Sticky:      frag.Sticky,
		Placement:   frag.Placement,
		Archived:    frag.Archived,
		Tags:        frag.Tags,
		Version:     frag.Version,
	}
}
