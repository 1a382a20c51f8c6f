package librarian

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fablekit/fable/internal/agent"
	"github.com/fablekit/fable/internal/instructions"
	"github.com/fablekit/fable/internal/store"
	"github.com/fablekit/fable/internal/tools"
	"github.com/fablekit/fable/pkg/models"
)

// AgentAnalyze is the librarian's agent name.
const AgentAnalyze = "analyze"

type analyzeInput struct {
	StoryID    string `json:"storyId"`
	FragmentID string `json:"fragmentId"`
	Model      string `json:"model,omitempty"`
}

var analyzeInputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"storyId": {"type": "string", "minLength": 1},
		"fragmentId": {"type": "string", "minLength": 1},
		"model": {"type": "string"}
	},
	"required": ["storyId", "fragmentId"]
}`)

var analyzeOutputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"summaryUpdate": {"type": "string"},
		"mentions": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"fragmentId": {"type": "string"}
				},
				"required": ["name"]
			}
		},
		"contradictions": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"description": {"type": "string"},
					"fragmentIds": {"type": "array", "items": {"type": "string"}}
				},
				"required": ["description"]
			}
		},
		"knowledgeSuggestions": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"description": {"type": "string"},
					"content": {"type": "string"},
					"reason": {"type": "string"}
				},
				"required": ["name", "content"]
			}
		},
		"timelineEvents": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"description": {"type": "string"},
					"when": {"type": "string"}
				},
				"required": ["description"]
			}
		}
	},
	"required": ["summaryUpdate", "mentions", "contradictions", "knowledgeSuggestions", "timelineEvents"]
}`)

// Mention is a character or knowledge reference found in new prose.
type Mention struct {
	Name       string `json:"name"`
	FragmentID string `json:"fragmentId,omitempty"`
}

// Contradiction flags new prose conflicting with established facts.
type Contradiction struct {
	Description string   `json:"description"`
	FragmentIDs []string `json:"fragmentIds,omitempty"`
}

// KnowledgeProposal is a candidate knowledge fragment extracted from prose.
type KnowledgeProposal struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Content     string `json:"content"`
	Reason      string `json:"reason,omitempty"`
}

// TimelineEvent is a dated or ordered story event worth tracking.
type TimelineEvent struct {
	Description string `json:"description"`
	When        string `json:"when,omitempty"`
}

// Analysis is the analyzer agent's structured result.
type Analysis struct {
	SummaryUpdate        string              `json:"summaryUpdate"`
	Mentions             []Mention           `json:"mentions"`
	Contradictions       []Contradiction     `json:"contradictions"`
	KnowledgeSuggestions []KnowledgeProposal `json:"knowledgeSuggestions"`
	TimelineEvents       []TimelineEvent     `json:"timelineEvents"`
}

// analyzeMaxSteps bounds the analyzer's corpus lookups per run.
const analyzeMaxSteps = 5

// analyzerDefinition builds the analyze agent: a short tool loop over the
// full toolbox, ending in one JSON object.
func (s *Scheduler) analyzerDefinition() *agent.Definition {
	return &agent.Definition{
		Name:         AgentAnalyze,
		Description:  "Analyzes newly written prose against the story corpus.",
		InputSchema:  analyzeInputSchema,
		OutputSchema: analyzeOutputSchema,
		AllowedCalls: []string{},
		Run: func(ctx context.Context, inv *agent.Invocation, input json.RawMessage) (any, error) {
			var in analyzeInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			model := in.Model
			if model == "" {
				model = s.config.Model
			}

			system, prompt, err := s.analysisPrompt(in.StoryID, in.FragmentID, model)
			if err != nil {
				return nil, err
			}

			toolbox := tools.NewToolbox(s.store, in.StoryID, inv.Logger)
			loop := agent.NewLoop(s.provider, inv.Logger, s.metrics)
			res, err := loop.Run(ctx, &agent.CompletionRequest{
				Model:     model,
				System:    system,
				Messages:  []models.Message{{Role: models.RoleUser, Content: prompt}},
				Tools:     toolbox.AllTools(),
				MaxTokens: s.config.MaxTokens,
			}, analyzeMaxSteps, nil)
			if err != nil {
				return nil, err
			}

			analysis, err := parseAnalysis(res.Text)
			if err != nil {
				return nil, err
			}
			return analysis.asOutput(), nil
		},
	}
}

// analysisPrompt assembles the analyzer's system and user messages from the
// story summary, the new prose, and the corpus shortlists.
func (s *Scheduler) analysisPrompt(storyID, fragmentID, model string) (string, string, error) {
	system, err := s.instructions.Resolve(instructions.KeyLibrarianAnalyze, model)
	if err != nil {
		return "", "", err
	}

	story, err := s.store.GetStory(storyID)
	if err != nil {
		return "", "", err
	}
	frag, err := s.store.GetFragment(storyID, fragmentID)
	if err != nil {
		return "", "", err
	}
	if frag == nil {
		return "", "", fmt.Errorf("fragment %s: %w", fragmentID, store.ErrNotFound)
	}

	var b strings.Builder
	if story.Summary != "" {
		b.WriteString("Story summary so far:\n")
		b.WriteString(story.Summary)
		b.WriteString("\n\n")
	}
	for _, section := range []struct {
		heading      string
		fragmentType string
	}{
		{"Known characters", store.TypeCharacter},
		{"Known knowledge entries", store.TypeKnowledge},
	} {
		summaries, err := s.store.ListSummaries(storyID, store.ListOptions{Type: section.fragmentType})
		if err != nil {
			return "", "", err
		}
		if len(summaries) == 0 {
			continue
		}
		b.WriteString(section.heading + ":\n")
		for _, sum := range summaries {
			line := "- " + sum.Name + " (" + sum.ID + ")"
			if sum.Description != "" {
				line += ": " + sum.Description
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("New prose to analyze:\n")
	b.WriteString(frag.Content)

	return system, b.String(), nil
}

// parseAnalysis extracts the analysis JSON object from model output,
// tolerating prose around it.
func parseAnalysis(text string) (*Analysis, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in analyzer output")
	}
	var out Analysis
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("parse analysis: %w", err)
	}
	return &out, nil
}

// asOutput normalizes the analysis for output schema validation: nil slices
// become empty arrays.
func (a *Analysis) asOutput() map[string]any {
	out := map[string]any{
		"summaryUpdate":        a.SummaryUpdate,
		"mentions":             []Mention{},
		"contradictions":       []Contradiction{},
		"knowledgeSuggestions": []KnowledgeProposal{},
		"timelineEvents":       []TimelineEvent{},
	}
	if a.Mentions != nil {
		out["mentions"] = a.Mentions
	}
	if a.Contradictions != nil {
		out["contradictions"] = a.Contradictions
	}
	if a.KnowledgeSuggestions != nil {
		out["knowledgeSuggestions"] = a.KnowledgeSuggestions
	}
	if a.TimelineEvents != nil {
		out["timelineEvents"] = a.TimelineEvents
	}
	return out
}

// apply writes the analysis results back to the store: the summary append and
// the knowledge suggestions, routed by the story's auto-apply setting.
func (s *Scheduler) apply(storyID string, analysis *Analysis, buf *AnalysisBuffer) error {
	if strings.TrimSpace(analysis.SummaryUpdate) != "" {
		if _, err := s.store.AppendStorySummary(storyID, analysis.SummaryUpdate, s.config.SummaryCapBytes); err != nil {
			return fmt.Errorf("append summary: %w", err)
		}
		buf.Publish("progress", "summary updated")
	}

	for _, c := range analysis.Contradictions {
		buf.Publish("finding", "contradiction: "+c.Description)
	}
	for _, ev := range analysis.TimelineEvents {
		msg := "timeline: " + ev.Description
		if ev.When != "" {
			msg += " (" + ev.When + ")"
		}
		buf.Publish("finding", msg)
	}

	if len(analysis.KnowledgeSuggestions) == 0 {
		return nil
	}
	story, err := s.store.GetStory(storyID)
	if err != nil {
		return err
	}

	if story.Settings.AutoApplyLibrarian {
		for _, prop := range analysis.KnowledgeSuggestions {
			frag, err := s.store.CreateFragment(storyID, store.CreateFragmentInput{
				Type:        store.TypeKnowledge,
				Name:        prop.Name,
				Description: prop.Description,
				Content:     prop.Content,
			})
			if err != nil {
				return fmt.Errorf("apply knowledge suggestion %q: %w", prop.Name, err)
			}
			buf.Publish("finding", "knowledge recorded: "+prop.Name+" ("+frag.ID+")")
		}
		return nil
	}

	pending := make([]store.KnowledgeSuggestion, 0, len(analysis.KnowledgeSuggestions))
	now := time.Now().UTC()
	for _, prop := range analysis.KnowledgeSuggestions {
		pending = append(pending, store.KnowledgeSuggestion{
			Name:        prop.Name,
			Description: prop.Description,
			Content:     prop.Content,
			Reason:      prop.Reason,
			ProposedAt:  now,
		})
	}
	if err := s.store.SaveSuggestions(storyID, pending); err != nil {
		return fmt.Errorf("save suggestions: %w", err)
	}
	buf.Publish("finding", fmt.Sprintf("%d knowledge suggestions pending review", len(pending)))
	return nil
}
