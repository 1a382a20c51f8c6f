package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fablekit/fable/internal/store"
)

func (tb *Toolbox) createFragmentTool() *funcTool {
	return &funcTool{
		name:        "createFragment",
		description: "Create a new fragment. Use for new characters, guidelines, or knowledge discovered while writing.",
		schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"type": {"type": "string", "description": "Fragment type: character, guideline, knowledge, or prose"},
				"name": {"type": "string"},
				"description": {"type": "string", "description": "One-line summary used in shortlists"},
				"content": {"type": "string"},
				"sticky": {"type": "boolean", "description": "Always include full content in the prompt"},
				"tags": {"type": "array", "items": {"type": "string"}}
			},
			"required": ["type", "name", "content"]
		}`),
		fn: func(ctx context.Context, params json.RawMessage) (string, error) {
			var in struct {
				Type        string   `json:"type"`
				Name        string   `json:"name"`
				Description string   `json:"description"`
				Content     string   `json:"content"`
				Sticky      bool     `json:"sticky"`
				Tags        []string `json:"tags"`
			}
			if err := decodeParams(params, &in); err != nil {
				return "", err
			}
			frag, err := tb.store.CreateFragment(tb.storyID, store.CreateFragmentInput{
				Type:        in.Type,
				Name:        in.Name,
				Description: in.Description,
				Content:     in.Content,
				Sticky:      in.Sticky,
				Tags:        in.Tags,
			})
			if err != nil {
				return "", err
			}
			tb.logger.Info(ctx, "tool created fragment", "fragment_id", frag.ID, "type", frag.Type)
			return marshalResult(map[string]any{"id": frag.ID, "version": frag.Version})
		},
	}
}

func (tb *Toolbox) updateFragmentTool() *funcTool {
	return &funcTool{
		name:        "updateFragment",
		description: "Update fields of an existing fragment. Omitted fields are left unchanged.",
		schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"id": {"type": "string"},
				"name": {"type": "string"},
				"description": {"type": "string"},
				"content": {"type": "string"},
				"sticky": {"type": "boolean"},
				"tags": {"type": "array", "items": {"type": "string"}}
			},
			"required": ["id"]
		}`),
		fn: func(ctx context.Context, params json.RawMessage) (string, error) {
			var in struct {
				ID          string    `json:"id"`
				Name        *string   `json:"name"`
				Description *string   `json:"description"`
				Content     *string   `json:"content"`
				Sticky      *bool     `json:"sticky"`
				Tags        *[]string `json:"tags"`
			}
			if err := decodeParams(params, &in); err != nil {
				return "", err
			}
			frag, err := tb.store.UpdateFragment(tb.storyID, in.ID, store.UpdateFragmentInput{
				Name:        in.Name,
				Description: in.Description,
				Content:     in.Content,
				Sticky:      in.Sticky,
				Tags:        in.Tags,
			})
			if err != nil {
				return "", err
			}
			tb.logger.Info(ctx, "tool updated fragment", "fragment_id", frag.ID, "version", frag.Version)
			return marshalResult(map[string]any{"id": frag.ID, "version": frag.Version})
		},
	}
}

func (tb *Toolbox) editFragmentTool() *funcTool {
	return &funcTool{
		name:        "editFragment",
		description: "Replace the first occurrence of a text span in one fragment's content. Fails if the span is not found.",
		schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"id": {"type": "string"},
				"find": {"type": "string", "description": "Exact text to locate"},
				"replace": {"type": "string"}
			},
			"required": ["id", "find", "replace"]
		}`),
		fn: func(ctx context.Context, params json.RawMessage) (string, error) {
			var in struct {
				ID      string `json:"id"`
				Find    string `json:"find"`
				Replace string `json:"replace"`
			}
			if err := decodeParams(params, &in); err != nil {
				return "", err
			}
			if in.Find == "" {
				return "", fmt.Errorf("find must not be empty")
			}
			frag, err := tb.store.GetFragment(tb.storyID, in.ID)
			if err != nil {
				return "", err
			}
			if frag == nil {
				return "", fmt.Errorf("no fragment with id %q", in.ID)
			}
			if !strings.Contains(frag.Content, in.Find) {
				return "", fmt.Errorf("text not found in fragment %s", in.ID)
			}
			updated := strings.Replace(frag.Content, in.Find, in.Replace, 1)
			result, err := tb.store.UpdateFragment(tb.storyID, in.ID, store.UpdateFragmentInput{Content: &updated})
			if err != nil {
				return "", err
			}
			return marshalResult(map[string]any{"id": result.ID, "version": result.Version})
		},
	}
}

func (tb *Toolbox) editProseTool() *funcTool {
	return &funcTool{
		name:        "editProse",
		description: "Replace every occurrence of a text span across all active prose fragments. Fails when no occurrence exists. Use for renames and continuity fixes.",
		schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"find": {"type": "string", "description": "Exact text to locate"},
				"replace": {"type": "string"}
			},
			"required": ["find", "replace"]
		}`),
		fn: func(ctx context.Context, params json.RawMessage) (string, error) {
			var in struct {
				Find    string `json:"find"`
				Replace string `json:"replace"`
			}
			if err := decodeParams(params, &in); err != nil {
				return "", err
			}
			if in.Find == "" {
				return "", fmt.Errorf("find must not be empty")
			}
			fragments, err := tb.store.ListFragments(tb.storyID, store.ListOptions{Type: store.TypeProse})
			if err != nil {
				return "", err
			}

			replaced := 0
			var touched []string
			for _, frag := range fragments {
				count := strings.Count(frag.Content, in.Find)
				if count == 0 {
					continue
				}
				updated := strings.ReplaceAll(frag.Content, in.Find, in.Replace)
				if _, err := tb.store.UpdateFragment(tb.storyID, frag.ID, store.UpdateFragmentInput{Content: &updated}); err != nil {
					return "", err
				}
				replaced += count
				touched = append(touched, frag.ID)
			}
			if replaced == 0 {
				return "", fmt.Errorf("text %q not found in any prose fragment", in.Find)
			}
			tb.logger.Info(ctx, "tool edited prose", "occurrences", replaced, "fragments", len(touched))
			return marshalResult(map[string]any{"occurrences": replaced, "fragmentIds": touched})
		},
	}
}

func (tb *Toolbox) deleteFragmentTool() *funcTool {
	return &funcTool{
		name:        "deleteFragment",
		description: "Archive a fragment so it no longer appears in context. The fragment can be restored later.",
		schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"id": {"type": "string"}
			},
			"required": ["id"]
		}`),
		fn: func(ctx context.Context, params json.RawMessage) (string, error) {
			var in struct {
				ID string `json:"id"`
			}
			if err := decodeParams(params, &in); err != nil {
				return "", err
			}
			frag, err := tb.store.ArchiveFragment(tb.storyID, in.ID)
			if err != nil {
				return "", err
			}
			tb.logger.Info(ctx, "tool archived fragment", "fragment_id", frag.ID)
			return marshalResult(map[string]any{"id": frag.ID, "archived": true})
		},
	}
}
