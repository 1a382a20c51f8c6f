package blocks

import (
	"fmt"

	"github.com/fablekit/fable/internal/observability"
	"github.com/fablekit/fable/internal/store"
)

// Engine merges default blocks with a story's block configuration.
type Engine struct {
	scripts *ScriptRunner
	logger  *observability.Logger
}

// NewEngine creates a block engine. A nil runner disables script blocks
// (they resolve to error blocks).
func NewEngine(scripts *ScriptRunner, logger *observability.Logger) *Engine {
	if logger == nil {
		logger = observability.NewTestLogger()
	}
	return &Engine{scripts: scripts, logger: logger}
}

// Apply merges cfg into the default blocks and returns the final ordered
// list:
//
//  1. Enabled custom blocks are materialized; script bodies are evaluated
//     against scriptCtx, with failures substituted as visible error blocks.
//  2. Content modes from overrides rewrite block content.
//  3. A non-empty blockOrder assigns each referenced block its index.
//  4. Per-id order overrides apply on top.
//  5. Blocks disabled by override are removed.
func (e *Engine) Apply(defaults []ContextBlock, cfg *store.BlockConfig, scriptCtx *ScriptContext) []ContextBlock {
	out := make([]ContextBlock, 0, len(defaults)+4)
	for _, b := range defaults {
		b.Source = SourceBuiltin
		b.seq = len(out)
		out = append(out, b)
	}
	if cfg == nil {
		Sort(out)
		return out
	}

	for _, def := range cfg.CustomBlocks {
		if !def.Enabled {
			continue
		}
		if ov, ok := cfg.Overrides[def.ID]; ok && ov.Enabled != nil && !*ov.Enabled {
			continue
		}
		block, ok := e.materialize(def, scriptCtx)
		if !ok {
			continue
		}
		block.seq = len(out)
		out = append(out, block)
	}

	for i := range out {
		ov, ok := cfg.Overrides[out[i].ID]
		if !ok || ov.ContentMode == nil {
			continue
		}
		switch *ov.ContentMode {
		case store.ContentModeOverride:
			out[i].Content = ov.CustomContent
		case store.ContentModePrepend:
			out[i].Content = ov.CustomContent + "\n" + out[i].Content
		case store.ContentModeAppend:
			out[i].Content = out[i].Content + "\n" + ov.CustomContent
		}
	}

	if len(cfg.BlockOrder) > 0 {
		position := make(map[string]int, len(cfg.BlockOrder))
		for i, id := range cfg.BlockOrder {
			position[id] = i
		}
		for i := range out {
			if pos, ok := position[out[i].ID]; ok {
				out[i].Order = float64(pos)
			}
		}
	}

	for i := range out {
		if ov, ok := cfg.Overrides[out[i].ID]; ok && ov.Order != nil {
			out[i].Order = *ov.Order
		}
	}

	filtered := out[:0]
	for _, b := range out {
		if ov, ok := cfg.Overrides[b.ID]; ok && ov.Enabled != nil && !*ov.Enabled {
			continue
		}
		filtered = append(filtered, b)
	}

	Sort(filtered)
	return filtered
}

// materialize resolves a custom block definition into a concrete block.
// The second return is false when the block should be dropped entirely
// (script returned an empty string).
func (e *Engine) materialize(def store.CustomBlockDefinition, scriptCtx *ScriptContext) (ContextBlock, bool) {
	block := ContextBlock{
		ID:     def.ID,
		Role:   def.Role,
		Order:  def.Order,
		Source: SourceCustom,
		Name:   def.Name,
	}

	if def.Type == store.BlockTypeSimple {
		block.Content = def.Content
		return block, true
	}

	if e.scripts == nil {
		block.Content = scriptErrorText(def.Name, "script evaluation is disabled")
		return block, true
	}

	content, err := e.scripts.Eval(def.Content, scriptCtx)
	if err != nil {
		e.logger.Warn(nil, "script block failed", "block", def.ID, "error", err.Error())
		block.Content = scriptErrorText(def.Name, err.Error())
		return block, true
	}
	if content == "" {
		return ContextBlock{}, false
	}
	block.Content = content
	return block, true
}

// scriptErrorText is the in-band error block content. Failures must be
// visible to the author in the assembled prompt rather than failing the
// request.
func scriptErrorText(name, msg string) string {
	return fmt.Sprintf("[Script error in %q: %s]", name, msg)
}
