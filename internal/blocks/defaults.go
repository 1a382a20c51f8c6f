package blocks

import (
	"fmt"
	"strings"

	"github.com/fablekit/fable/internal/contextbuild"
	"github.com/fablekit/fable/internal/store"
)

// Builtin block ids, one per logical prompt section. Stories reference these
// ids in overrides and blockOrder.
const (
	BlockInstructions    = "instructions"
	BlockToolUse         = "tool-use"
	BlockSystemFragments = "system-fragments"
	BlockStoryHeader     = "story-header"
	BlockSummary         = "summary"
	BlockSticky          = "sticky"
	BlockShortlists      = "shortlists"
	BlockProse           = "prose"
	BlockAuthorInput     = "author-input"
)

// SystemTexts carries the resolved instruction strings for the builtin
// system blocks.
type SystemTexts struct {
	Instructions string
	ToolUse      string
}

// Defaults produces the builtin blocks for a context state. Sections with no
// content are omitted.
func Defaults(state *contextbuild.ContextState, sys SystemTexts) []ContextBlock {
	var out []ContextBlock
	add := func(id, role, content string, order float64) {
		if strings.TrimSpace(content) == "" {
			return
		}
		out = append(out, ContextBlock{ID: id, Role: role, Content: content, Order: order})
	}

	add(BlockInstructions, store.PlacementSystem, sys.Instructions, 0)
	add(BlockToolUse, store.PlacementSystem, sys.ToolUse, 10)
	add(BlockSystemFragments, store.PlacementSystem, renderFragments(state.SystemPromptFragments), 20)

	add(BlockStoryHeader, store.PlacementUser, renderHeader(state.Story), 0)
	add(BlockSummary, store.PlacementUser, renderSummary(state.Summary), 10)
	add(BlockSticky, store.PlacementUser, renderSticky(state), 20)
	add(BlockShortlists, store.PlacementUser, renderShortlists(state), 30)
	add(BlockProse, store.PlacementUser, renderProse(state.ProseFragments), 40)
	add(BlockAuthorInput, store.PlacementUser, state.AuthorInput, 50)

	return out
}

func renderHeader(story *store.Story) string {
	if story == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", story.Name)
	if story.Description != "" {
		b.WriteString(story.Description)
		b.WriteString("\n")
	}
	return b.String()
}

func renderSummary(summary string) string {
	if summary == "" {
		return ""
	}
	return "## Story so far\n" + summary
}

func renderFragments(fragments []*store.Fragment) string {
	var parts []string
	for _, frag := range fragments {
		var b strings.Builder
		fmt.Fprintf(&b, "### %s", frag.Name)
		if frag.Description != "" {
			fmt.Fprintf(&b, " — %s", frag.Description)
		}
		b.WriteString("\n")
		b.WriteString(frag.Content)
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "\n\n")
}

func renderSticky(state *contextbuild.ContextState) string {
	var sections []string
	if s := renderFragments(userPlaced(state.StickyCharacters)); s != "" {
		sections = append(sections, "## Characters\n"+s)
	}
	if s := renderFragments(userPlaced(state.StickyGuidelines)); s != "" {
		sections = append(sections, "## Guidelines\n"+s)
	}
	if s := renderFragments(userPlaced(state.StickyKnowledge)); s != "" {
		sections = append(sections, "## Knowledge\n"+s)
	}
	return strings.Join(sections, "\n\n")
}

// userPlaced filters out fragments already carried by the system block.
func userPlaced(fragments []*store.Fragment) []*store.Fragment {
	out := make([]*store.Fragment, 0, len(fragments))
	for _, frag := range fragments {
		if frag.Placement != store.PlacementSystem {
			out = append(out, frag)
		}
	}
	return out
}

func renderShortlists(state *contextbuild.ContextState) string {
	var sections []string
	if len(state.CharacterShortlist) > 0 {
		sections = append(sections, "## Other characters\n"+strings.Join(state.CharacterShortlist, "\n"))
	}
	if len(state.GuidelineShortlist) > 0 {
		sections = append(sections, "## Other guidelines\n"+strings.Join(state.GuidelineShortlist, "\n"))
	}
	if len(state.KnowledgeShortlist) > 0 {
		sections = append(sections, "## Other knowledge\n"+strings.Join(state.KnowledgeShortlist, "\n"))
	}
	if len(sections) == 0 {
		return ""
	}
	return strings.Join(sections, "\n\n") +
		"\n\nFetch any of these by id with the getFragment tool when you need the full entry."
}

func renderProse(fragments []*store.Fragment) string {
	if len(fragments) == 0 {
		return ""
	}
	parts := make([]string, 0, len(fragments)+1)
	parts = append(parts, "## Recent prose")
	for _, frag := range fragments {
		parts = append(parts, frag.Content)
	}
	return strings.Join(parts, "\n\n")
}
