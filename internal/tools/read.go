package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fablekit/fable/internal/store"
)

func (tb *Toolbox) getFragmentTool() *funcTool {
	return &funcTool{
		name:        "getFragment",
		description: "Fetch a single fragment by id, including its full content.",
		schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"id": {"type": "string", "description": "Fragment id, e.g. ch-a1b2c3"}
			},
			"required": ["id"]
		}`),
		readOnly: true,
		fn: func(ctx context.Context, params json.RawMessage) (string, error) {
			var in struct {
				ID string `json:"id"`
			}
			if err := decodeParams(params, &in); err != nil {
				return "", err
			}
			frag, err := tb.store.GetFragment(tb.storyID, in.ID)
			if err != nil {
				return "", err
			}
			if frag == nil {
				return "", fmt.Errorf("no fragment with id %q", in.ID)
			}
			return marshalResult(viewOf(frag))
		},
	}
}

func (tb *Toolbox) typedGetTool(name, fragmentType string) *funcTool {
	base := tb.getFragmentTool()
	return &funcTool{
		name:        name,
		description: fmt.Sprintf("Fetch a single %s fragment by id.", fragmentType),
		schema:      base.schema,
		readOnly:    true,
		fn: func(ctx context.Context, params json.RawMessage) (string, error) {
			var in struct {
				ID string `json:"id"`
			}
			if err := decodeParams(params, &in); err != nil {
				return "", err
			}
			frag, err := tb.store.GetFragment(tb.storyID, in.ID)
			if err != nil {
				return "", err
			}
			if frag == nil || frag.Type != fragmentType {
				return "", fmt.Errorf("no %s fragment with id %q", fragmentType, in.ID)
			}
			return marshalResult(viewOf(frag))
		},
	}
}

type listedFragment struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Sticky      bool     `json:"sticky"`
	Archived    bool     `json:"archived,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

func (tb *Toolbox) listSummaries(fragmentType string, includeArchived bool) (string, error) {
	summaries, err := tb.store.ListSummaries(tb.storyID, store.ListOptions{
		Type:            fragmentType,
		IncludeArchived: includeArchived,
	})
	if err != nil {
		return "", err
	}
	out := make([]listedFragment, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, listedFragment{
			ID:          s.ID,
			Type:        s.Type,
			Name:        s.Name,
			Description: s.Description,
			Sticky:      s.Sticky,
			Archived:    s.Archived,
			Tags:        s.Tags,
		})
	}
	return marshalResult(map[string]any{"fragments": out})
}

func (tb *Toolbox) listFragmentsTool() *funcTool {
	return &funcTool{
		name:        "listFragments",
		description: "List fragment summaries (no content), optionally filtered by type.",
		schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"type": {"type": "string", "description": "Restrict to one fragment type"},
				"includeArchived": {"type": "boolean"}
			}
		}`),
		readOnly: true,
		fn: func(ctx context.Context, params json.RawMessage) (string, error) {
			var in struct {
				Type            string `json:"type"`
				IncludeArchived bool   `json:"includeArchived"`
			}
			if err := decodeParams(params, &in); err != nil {
				return "", err
			}
			return tb.listSummaries(in.Type, in.IncludeArchived)
		},
	}
}

func (tb *Toolbox) typedListTool(name, fragmentType string) *funcTool {
	return &funcTool{
		name:        name,
		description: fmt.Sprintf("List %s fragment summaries (no content).", fragmentType),
		schema:      json.RawMessage(`{"type": "object", "properties": {}}`),
		readOnly:    true,
		fn: func(ctx context.Context, params json.RawMessage) (string, error) {
			return tb.listSummaries(fragmentType, false)
		},
	}
}

func (tb *Toolbox) listFragmentTypesTool() *funcTool {
	return &funcTool{
		name:        "listFragmentTypes",
		description: "List the fragment types available in this story.",
		schema:      json.RawMessage(`{"type": "object", "properties": {}}`),
		readOnly:    true,
		fn: func(ctx context.Context, params json.RawMessage) (string, error) {
			return marshalResult(map[string]any{"types": store.FragmentTypes()})
		},
	}
}

// excerptRadius is the number of characters kept on each side of a match.
const excerptRadius = 80

type searchMatch struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Field   string `json:"field"`
	Excerpt string `json:"excerpt"`
}

func (tb *Toolbox) searchFragmentsTool() *funcTool {
	return &funcTool{
		name:        "searchFragments",
		description: "Case-insensitive substring search across fragment names, descriptions, and content. Returns short excerpts around each match.",
		schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string"},
				"type": {"type": "string", "description": "Restrict to one fragment type"}
			},
			"required": ["query"]
		}`),
		readOnly: true,
		fn: func(ctx context.Context, params json.RawMessage) (string, error) {
			var in struct {
				Query string `json:"query"`
				Type  string `json:"type"`
			}
			if err := decodeParams(params, &in); err != nil {
				return "", err
			}
			if strings.TrimSpace(in.Query) == "" {
				return "", fmt.Errorf("query must not be empty")
			}
			fragments, err := tb.store.ListFragments(tb.storyID, store.ListOptions{Type: in.Type})
			if err != nil {
				return "", err
			}

			var matches []searchMatch
			for _, frag := range fragments {
				for _, field := range []struct{ name, value string }{
					{"name", frag.Name},
					{"description", frag.Description},
					{"content", frag.Content},
				} {
					if excerpt, ok := excerptAround(field.value, in.Query); ok {
						matches = append(matches, searchMatch{
							ID:      frag.ID,
							Type:    frag.Type,
							Name:    frag.Name,
							Field:   field.name,
							Excerpt: excerpt,
						})
					}
				}
			}
			if matches == nil {
				matches = []searchMatch{}
			}
			return marshalResult(map[string]any{"matches": matches})
		},
	}
}

// excerptAround returns the text surrounding the first case-insensitive
// occurrence of query, trimmed to excerptRadius characters per side.
func excerptAround(text, query string) (string, bool) {
	idx := strings.Index(strings.ToLower(text), strings.ToLower(query))
	if idx < 0 {
		return "", false
	}
	start := idx - excerptRadius
	if start < 0 {
		start = 0
	}
	end := idx + len(query) + excerptRadius
	if end > len(text) {
		end = len(text)
	}
	excerpt := text[start:end]
	if start > 0 {
		excerpt = "…" + excerpt
	}
	if end < len(text) {
		excerpt += "…"
	}
	return excerpt, true
}
