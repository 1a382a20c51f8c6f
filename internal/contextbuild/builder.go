// Package contextbuild assembles the transient ContextState for a generation
// request: the recent-prose window, sticky fragments, and shortlists.
package contextbuild

import (
	"fmt"
	"sort"

	"github.com/fablekit/fable/internal/store"
)

// ContextState is the per-request snapshot handed to the block engine and
// the writer agent.
type ContextState struct {
	Story *store.Story

	// ProseFragments is the windowed recent prose, oldest first. Non-empty
	// whenever the story has at least one active prose fragment.
	ProseFragments []*store.Fragment

	// Sticky fragments are included in full in the prompt.
	StickyCharacters []*store.Fragment
	StickyGuidelines []*store.Fragment
	StickyKnowledge  []*store.Fragment

	// Shortlists are one-line entries for non-sticky fragments.
	CharacterShortlist []string
	GuidelineShortlist []string
	KnowledgeShortlist []string

	// SystemPromptFragments are sticky fragments with placement=system,
	// regardless of type.
	SystemPromptFragments []*store.Fragment

	// Summary is the rolling librarian summary, empty when gated out.
	Summary string

	AuthorInput string
}

// Options adjust context assembly for regenerate/refine requests.
type Options struct {
	// ProseBeforeFragmentID starts the prose window strictly before the
	// given fragment.
	ProseBeforeFragmentID string

	// SummaryBeforeFragmentID gates the rolling summary: when set and the
	// fragment is not the tail of the prose chain, the summary is omitted
	// because it may describe events after the target.
	SummaryBeforeFragmentID string
}

// Builder loads stories and fragments from the store and produces
// ContextStates.
type Builder struct {
	store *store.Store
}

// NewBuilder creates a context builder over the given store.
func NewBuilder(s *store.Store) *Builder {
	return &Builder{store: s}
}

// Build assembles the ContextState for a story and author input.
func (b *Builder) Build(storyID, authorInput string, opts Options) (*ContextState, error) {
	story, err := b.store.GetStory(storyID)
	if err != nil {
		return nil, err
	}

	fragments, err := b.store.ListFragments(storyID, store.ListOptions{})
	if err != nil {
		return nil, err
	}

	state := &ContextState{Story: story, AuthorInput: authorInput}

	var prose, characters, guidelines, knowledge []*store.Fragment
	for _, frag := range fragments {
		switch frag.Type {
		case store.TypeProse:
			prose = append(prose, frag)
		case store.TypeCharacter:
			characters = append(characters, frag)
		case store.TypeGuideline:
			guidelines = append(guidelines, frag)
		case store.TypeKnowledge:
			knowledge = append(knowledge, frag)
		}
		if frag.Sticky && frag.Placement == store.PlacementSystem {
			state.SystemPromptFragments = append(state.SystemPromptFragments, frag)
		}
	}

	sortChain(prose)
	state.ProseFragments = windowProse(prose, story.Settings.ContextLimit, opts.ProseBeforeFragmentID)

	state.StickyCharacters, state.CharacterShortlist = stickySplit(characters)
	state.StickyGuidelines, state.GuidelineShortlist = stickySplit(guidelines)
	state.StickyKnowledge, state.KnowledgeShortlist = stickySplit(knowledge)

	if includeSummary(prose, opts.SummaryBeforeFragmentID) {
		state.Summary = story.Summary
	}

	return state, nil
}

// sortChain orders prose by ascending Order, then creation time for ties, so
// the chain end is the most recent passage.
func sortChain(prose []*store.Fragment) {
	sort.SliceStable(prose, func(i, j int) bool {
		if prose[i].Order != prose[j].Order {
			return prose[i].Order < prose[j].Order
		}
		return prose[i].CreatedAt.Before(prose[j].CreatedAt)
	})
}

// windowProse scans the prose chain from the end backward, including
// fragments until the limit is exceeded. At least one fragment is always
// included when any exist. A non-empty before id starts the scan strictly
// before that fragment.
func windowProse(prose []*store.Fragment, limit store.ContextLimit, beforeID string) []*store.Fragment {
	end := len(prose)
	if beforeID != "" {
		for i, frag := range prose {
			if frag.ID == beforeID {
				end = i
				break
			}
		}
	}
	if end == 0 {
		return nil
	}

	start := end
	budget := limit.Value
	used := 0
	for start > 0 {
		frag := prose[start-1]
		var cost int
		switch limit.Mode {
		case store.LimitTokens:
			cost = CountTokens(frag.Content)
		case store.LimitCharacters:
			cost = len(frag.Content)
		default:
			cost = 1
		}
		if start < end && used+cost > budget {
			break
		}
		used += cost
		start--
		if used > budget {
			// The most recent fragment alone may exceed the budget; it is
			// still included, but nothing older is.
			break
		}
	}
	return prose[start:end]
}

// stickySplit partitions fragments into sticky ones (full content) and
// shortlist lines for the rest.
func stickySplit(fragments []*store.Fragment) ([]*store.Fragment, []string) {
	var sticky []*store.Fragment
	var shortlist []string
	for _, frag := range fragments {
		if frag.Sticky {
			sticky = append(sticky, frag)
			continue
		}
		shortlist = append(shortlist, ShortlistLine(frag))
	}
	return sticky, shortlist
}

// ShortlistLine formats the one-line summary entry for a non-sticky fragment.
func ShortlistLine(frag *store.Fragment) string {
	return fmt.Sprintf("%s: %s — %s", frag.ID, frag.Name, frag.Description)
}

// includeSummary reports whether the rolling summary belongs in the prompt.
// When generating before a mid-chain fragment the summary may cover later
// events, so it is only included when the gate fragment is the chain tail.
func includeSummary(prose []*store.Fragment, beforeID string) bool {
	if beforeID == "" {
		return true
	}
	if len(prose) == 0 {
		return true
	}
	return prose[len(prose)-1].ID == beforeID
}
