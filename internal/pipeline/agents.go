package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fablekit/fable/internal/agent"
	"github.com/fablekit/fable/internal/instructions"
	"github.com/fablekit/fable/internal/tools"
	"github.com/fablekit/fable/pkg/models"
)

// writerInput is the schema-validated input of the writer agent.
type writerInput struct {
	StoryID  string           `json:"storyId"`
	Model    string           `json:"model,omitempty"`
	System   string           `json:"system"`
	Messages []models.Message `json:"messages"`
	MaxSteps int              `json:"maxSteps,omitempty"`
}

var writerInputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"storyId": {"type": "string", "minLength": 1},
		"model": {"type": "string"},
		"system": {"type": "string"},
		"messages": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"properties": {
					"role": {"type": "string"},
					"content": {"type": "string"}
				},
				"required": ["role"]
			}
		},
		"maxSteps": {"type": "integer", "minimum": 1}
	},
	"required": ["storyId", "system", "messages"]
}`)

var writerOutputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"text": {"type": "string"},
		"finishReason": {"type": "string"},
		"stepCount": {"type": "integer"}
	},
	"required": ["text", "finishReason", "stepCount"]
}`)

// writerDefinition is the story-writing agent: a tool loop over the fragment
// toolbox, streaming parts to the invocation sink.
func (p *Pipeline) writerDefinition() *agent.Definition {
	return &agent.Definition{
		Name:         AgentWriter,
		Description:  "Writes story prose with access to fragment tools.",
		InputSchema:  writerInputSchema,
		OutputSchema: writerOutputSchema,
		AllowedCalls: []string{},
		Run: func(ctx context.Context, inv *agent.Invocation, input json.RawMessage) (any, error) {
			var in writerInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}

			// The writer consults the corpus but never mutates it; write
			// tools belong to the librarian.
			toolbox := tools.NewToolbox(p.store, in.StoryID, inv.Logger)
			toolset := toolbox.ReadTools()

			loop := agent.NewLoop(p.provider, inv.Logger, p.metrics)
			res, err := loop.Run(ctx, &agent.CompletionRequest{
				Model:     in.Model,
				System:    in.System,
				Messages:  in.Messages,
				Tools:     toolset,
				MaxTokens: p.config.MaxTokens,
			}, in.MaxSteps, inv.Parts)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"text":         res.Text,
				"finishReason": res.FinishReason,
				"stepCount":    res.StepCount,
			}, nil
		},
	}
}

type directionsInput struct {
	StoryID string `json:"storyId"`
	Model   string `json:"model,omitempty"`
	Count   int    `json:"count,omitempty"`
}

var directionsInputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"storyId": {"type": "string", "minLength": 1},
		"model": {"type": "string"},
		"count": {"type": "integer", "minimum": 1, "maximum": 10}
	},
	"required": ["storyId"]
}`)

// Direction is one suggested way the story could continue.
type Direction struct {
	// Pacing hints at the option's tempo: e.g. "action", "quiet", "twist".
	Pacing      string `json:"pacing,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	// Instruction is ready to hand to the writer as generation input.
	Instruction string `json:"instruction"`
}

var directionsOutputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"suggestions": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"pacing": {"type": "string"},
					"title": {"type": "string"},
					"description": {"type": "string"},
					"instruction": {"type": "string"}
				},
				"required": ["title", "instruction"]
			}
		}
	},
	"required": ["suggestions"]
}`)

// directionsDefinition suggests where the story could go next: a single
// model turn over the assembled context, no tools.
func (p *Pipeline) directionsDefinition() *agent.Definition {
	return &agent.Definition{
		Name:         AgentDirections,
		Description:  "Suggests possible next directions for the story.",
		InputSchema:  directionsInputSchema,
		OutputSchema: directionsOutputSchema,
		AllowedCalls: []string{},
		Run: func(ctx context.Context, inv *agent.Invocation, input json.RawMessage) (any, error) {
			var in directionsInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			if in.Count <= 0 {
				in.Count = 3
			}
			model := in.Model
			if model == "" {
				model = p.config.DefaultModel
			}

			system, err := p.instructions.Resolve(instructions.KeySuggestDirections, model)
			if err != nil {
				return nil, err
			}
			msgs, _, err := p.assemble(Request{
				StoryID: in.StoryID,
				Mode:    ModeGenerate,
				Input: fmt.Sprintf("Suggest %d distinct directions the story could take next. "+
					`Respond with a JSON object {"suggestions": [{"pacing", "title", "description", "instruction"}]}.`, in.Count),
			}, model)
			if err != nil {
				return nil, err
			}

			loop := agent.NewLoop(p.provider, inv.Logger, p.metrics)
			res, err := loop.Run(ctx, &agent.CompletionRequest{
				Model:     model,
				System:    system + "\n\n" + msgs.system,
				Messages:  msgs.conversation,
				MaxTokens: p.config.MaxTokens,
			}, 1, nil)
			if err != nil {
				return nil, err
			}

			directions, err := parseDirections(res.Text)
			if err != nil {
				return nil, err
			}
			return map[string]any{"suggestions": directions}, nil
		},
	}
}

// parseDirections extracts {"suggestions": [...]} from model output,
// tolerating prose around the JSON object.
func parseDirections(text string) ([]Direction, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in model output")
	}
	var out struct {
		Suggestions []Direction `json:"suggestions"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("parse directions: %w", err)
	}
	if len(out.Suggestions) == 0 {
		return nil, fmt.Errorf("model returned no suggestions")
	}
	return out.Suggestions, nil
}

// SuggestDirections runs the directions agent and returns its suggestions.
func (p *Pipeline) SuggestDirections(ctx context.Context, storyID, model string, count int) ([]Direction, error) {
	input, err := json.Marshal(directionsInput{StoryID: storyID, Model: model, Count: count})
	if err != nil {
		return nil, err
	}
	res, err := p.runner.Invoke(ctx, agent.InvokeRequest{
		DataDir:   p.store.DataDir(),
		StoryID:   storyID,
		AgentName: AgentDirections,
		Input:     input,
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Suggestions []Direction `json:"suggestions"`
	}
	if err := json.Unmarshal(res.Output, &out); err != nil {
		return nil, err
	}
	return out.Suggestions, nil
}
