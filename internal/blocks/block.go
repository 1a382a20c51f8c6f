// Package blocks composes the ordered prompt blocks for a generation
// request: built-in producers, user-defined simple and script blocks, and
// per-story overrides.
package blocks

import "sort"

// Block sources.
const (
	SourceBuiltin = "builtin"
	SourceCustom  = "custom"
)

// ContextBlock is one ordered piece of the final prompt.
type ContextBlock struct {
	ID      string  `json:"id"`
	Role    string  `json:"role"`
	Content string  `json:"content"`
	Order   float64 `json:"order"`
	Source  string  `json:"source"`
	Name    string  `json:"name,omitempty"`

	// seq preserves insertion order for stable tie-breaking.
	seq int
}

// Sort orders blocks for message assembly: system role before user, then
// ascending Order, ties broken by insertion order.
func Sort(blocks []ContextBlock) {
	sort.SliceStable(blocks, func(i, j int) bool {
		if blocks[i].Role != blocks[j].Role {
			return blocks[i].Role == "system"
		}
		if blocks[i].Order != blocks[j].Order {
			return blocks[i].Order < blocks[j].Order
		}
		return blocks[i].seq < blocks[j].seq
	})
}
