package blocks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fablekit/fable/internal/contextbuild"
	"github.com/fablekit/fable/internal/store"
)

func testEngine() *Engine {
	return NewEngine(NewScriptRunner(0), nil)
}

func defaultsFixture() []ContextBlock {
	return []ContextBlock{
		{ID: "instructions", Role: "system", Content: "sys", Order: 0},
		{ID: "prose", Role: "user", Content: "recent prose", Order: 40},
		{ID: "author-input", Role: "user", Content: "continue", Order: 50},
	}
}

func TestApply_NilConfigKeepsDefaults(t *testing.T) {
	out := testEngine().Apply(defaultsFixture(), nil, nil)
	require.Len(t, out, 3)
	assert.Equal(t, "instructions", out[0].ID)
	assert.Equal(t, SourceBuiltin, out[0].Source)
}

func TestApply_SimpleCustomBlock(t *testing.T) {
	cfg := &store.BlockConfig{
		CustomBlocks: []store.CustomBlockDefinition{{
			ID: "cb-note", Name: "note", Role: "user", Order: 45,
			Enabled: true, Type: store.BlockTypeSimple, Content: "remember the rain",
		}},
		Overrides: map[string]store.BlockOverride{},
	}

	out := testEngine().Apply(defaultsFixture(), cfg, nil)
	require.Len(t, out, 4)
	// Ordering: system first, then user blocks by ascending order.
	assert.Equal(t, []string{"instructions", "prose", "cb-note", "author-input"}, ids(out))
	assert.Equal(t, SourceCustom, out[2].Source)
}

func TestApply_ContentModes(t *testing.T) {
	override := store.ContentModeOverride
	prepend := store.ContentModePrepend
	appendMode := store.ContentModeAppend

	for _, tc := range []struct {
		name string
		mode *string
		want string
	}{
		{"override", &override, "replacement"},
		{"prepend", &prepend, "replacement\nrecent prose"},
		{"append", &appendMode, "recent prose\nreplacement"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &store.BlockConfig{Overrides: map[string]store.BlockOverride{
				"prose": {ContentMode: tc.mode, CustomContent: "replacement"},
			}}
			out := testEngine().Apply(defaultsFixture(), cfg, nil)
			assert.Equal(t, tc.want, find(t, out, "prose").Content)
		})
	}
}

func TestApply_BlockOrderAssignsIndex(t *testing.T) {
	cfg := &store.BlockConfig{
		Overrides:  map[string]store.BlockOverride{},
		BlockOrder: []string{"author-input", "prose"},
	}
	out := testEngine().Apply(defaultsFixture(), cfg, nil)

	assert.Equal(t, float64(0), find(t, out, "author-input").Order)
	assert.Equal(t, float64(1), find(t, out, "prose").Order)
	// author-input now sorts before prose within the user role.
	assert.Equal(t, []string{"instructions", "author-input", "prose"}, ids(out))
}

func TestApply_OrderOverrideBeatsBlockOrder(t *testing.T) {
	order := 99.0
	cfg := &store.BlockConfig{
		Overrides:  map[string]store.BlockOverride{"author-input": {Order: &order}},
		BlockOrder: []string{"author-input", "prose"},
	}
	out := testEngine().Apply(defaultsFixture(), cfg, nil)
	assert.Equal(t, 99.0, find(t, out, "author-input").Order)
}

func TestApply_DisabledOverrideRemovesBlock(t *testing.T) {
	disabled := false
	cfg := &store.BlockConfig{Overrides: map[string]store.BlockOverride{
		"prose": {Enabled: &disabled},
	}}
	out := testEngine().Apply(defaultsFixture(), cfg, nil)
	assert.Equal(t, []string{"instructions", "author-input"}, ids(out))
}

func TestApply_ScriptBlock(t *testing.T) {
	cfg := &store.BlockConfig{
		CustomBlocks: []store.CustomBlockDefinition{{
			ID: "cb-js", Name: "dynamic", Role: "user", Order: 60,
			Enabled: true, Type: store.BlockTypeScript,
			Content: `return "story is " + ctx.story.name;`,
		}},
		Overrides: map[string]store.BlockOverride{},
	}
	sc := &ScriptContext{State: stateFixture("Voyage")}

	out := testEngine().Apply(defaultsFixture(), cfg, sc)
	assert.Equal(t, "story is Voyage", find(t, out, "cb-js").Content)
}

func TestApply_ScriptErrorBecomesErrorBlock(t *testing.T) {
	cfg := &store.BlockConfig{
		CustomBlocks: []store.CustomBlockDefinition{{
			ID: "cb-bad", Name: "boomer", Role: "user", Order: 60,
			Enabled: true, Type: store.BlockTypeScript,
			Content: `throw new Error('boom')`,
		}},
		Overrides: map[string]store.BlockOverride{},
	}

	out := testEngine().Apply(defaultsFixture(), cfg, &ScriptContext{})
	assert.Equal(t, `[Script error in "boomer": boom]`, find(t, out, "cb-bad").Content)
}

func TestApply_ScriptEmptyStringDropsBlock(t *testing.T) {
	cfg := &store.BlockConfig{
		CustomBlocks: []store.CustomBlockDefinition{{
			ID: "cb-empty", Name: "empty", Role: "user", Order: 60,
			Enabled: true, Type: store.BlockTypeScript, Content: `return ""`,
		}},
		Overrides: map[string]store.BlockOverride{},
	}

	out := testEngine().Apply(defaultsFixture(), cfg, &ScriptContext{})
	assert.Equal(t, []string{"instructions", "prose", "author-input"}, ids(out))
}

func TestApply_ScriptNonStringIsErrorBlock(t *testing.T) {
	cfg := &store.BlockConfig{
		CustomBlocks: []store.CustomBlockDefinition{{
			ID: "cb-num", Name: "numeric", Role: "user", Order: 60,
			Enabled: true, Type: store.BlockTypeScript, Content: `return 42`,
		}},
		Overrides: map[string]store.BlockOverride{},
	}

	out := testEngine().Apply(defaultsFixture(), cfg, &ScriptContext{})
	assert.Equal(t, `[Script error in "numeric": script returned a non-string value]`,
		find(t, out, "cb-num").Content)
}

func TestScript_AwaitGetFragment(t *testing.T) {
	runner := NewScriptRunner(0)
	sc := &ScriptContext{
		GetFragment: func(id string) (*store.Fragment, error) {
			if id == "kn-abc123" {
				return &store.Fragment{ID: id, Name: "The Compass", Content: "points home"}, nil
			}
			return nil, nil
		},
	}

	got, err := runner.Eval(`
		const frag = await ctx.getFragment("kn-abc123");
		const missing = await ctx.getFragment("kn-nope");
		return frag.name + (missing === null ? " / none" : " / found");
	`, sc)
	require.NoError(t, err)
	assert.Equal(t, "The Compass / none", got)
}

func TestScript_Timeout(t *testing.T) {
	runner := NewScriptRunner(50 * time.Millisecond)
	_, err := runner.Eval(`while (true) {}`, &ScriptContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func stateFixture(name string) *contextbuild.ContextState {
	return &contextbuild.ContextState{Story: &store.Story{ID: "s1", Name: name}}
}

func ids(blocks []ContextBlock) []string {
	out := make([]string, len(blocks))
	for i, b := range blocks {
		out[i] = b.ID
	}
	return out
}

func find(t *testing.T, blocks []ContextBlock, id string) ContextBlock {
	t.Helper()
	for _, b := range blocks {
		if b.ID == id {
			return b
		}
	}
	t.Fatalf("block %s not found", id)
	return ContextBlock{}
}
