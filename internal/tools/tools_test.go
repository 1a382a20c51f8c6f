package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fablekit/fable/internal/store"
)

func testToolbox(t *testing.T) (*Toolbox, *store.Store, string) {
	t.Helper()
	st, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	story, err := st.CreateStory(store.CreateStoryInput{Name: "Voyage"})
	require.NoError(t, err)
	return NewToolbox(st, story.ID, nil), st, story.ID
}

func mustCreate(t *testing.T, st *store.Store, sid string, in store.CreateFragmentInput) *store.Fragment {
	t.Helper()
	frag, err := st.CreateFragment(sid, in)
	require.NoError(t, err)
	return frag
}

func run(t *testing.T, tb *Toolbox, name string, params string) (string, bool) {
	t.Helper()
	for _, tool := range tb.AllTools() {
		if tool.Name() == name {
			res, err := tool.Execute(context.Background(), json.RawMessage(params))
			require.NoError(t, err)
			return res.Content, res.IsError
		}
	}
	t.Fatalf("tool %s not found", name)
	return "", false
}

func TestGetFragment(t *testing.T) {
	tb, st, sid := testToolbox(t)
	frag := mustCreate(t, st, sid, store.CreateFragmentInput{
		Type: store.TypeCharacter, Name: "Mara", Content: "A weathered captain.",
	})

	content, isErr := run(t, tb, "getFragment", `{"id":"`+frag.ID+`"}`)
	require.False(t, isErr)

	var view map[string]any
	require.NoError(t, json.Unmarshal([]byte(content), &view))
	assert.Equal(t, "Mara", view["name"])
	assert.Equal(t, "A weathered captain.", view["content"])
	// Version history is not exposed to the model.
	assert.NotContains(t, view, "versions")
}

func TestGetFragment_MissingIsToolError(t *testing.T) {
	tb, _, _ := testToolbox(t)
	content, isErr := run(t, tb, "getFragment", `{"id":"ch-zzzzzz"}`)
	assert.True(t, isErr)
	assert.Contains(t, content, "ch-zzzzzz")
}

func TestTypedGetRejectsWrongType(t *testing.T) {
	tb, st, sid := testToolbox(t)
	frag := mustCreate(t, st, sid, store.CreateFragmentInput{
		Type: store.TypeKnowledge, Name: "Tides", Content: "High tide at dusk.",
	})

	_, isErr := run(t, tb, "getCharacter", `{"id":"`+frag.ID+`"}`)
	assert.True(t, isErr)
	_, isErr = run(t, tb, "getKnowledge", `{"id":"`+frag.ID+`"}`)
	assert.False(t, isErr)
}

func TestListFragments_TypeFilterAndNoContent(t *testing.T) {
	tb, st, sid := testToolbox(t)
	mustCreate(t, st, sid, store.CreateFragmentInput{Type: store.TypeCharacter, Name: "Mara", Content: "secret content"})
	mustCreate(t, st, sid, store.CreateFragmentInput{Type: store.TypeGuideline, Name: "Tone", Content: "Keep it bleak."})

	content, isErr := run(t, tb, "listCharacters", `{}`)
	require.False(t, isErr)

	var out struct {
		Fragments []map[string]any `json:"fragments"`
	}
	require.NoError(t, json.Unmarshal([]byte(content), &out))
	require.Len(t, out.Fragments, 1)
	assert.Equal(t, "Mara", out.Fragments[0]["name"])
	assert.NotContains(t, content, "secret content")
}

func TestSearchFragments_ExcerptWindow(t *testing.T) {
	tb, st, sid := testToolbox(t)
	long := strings.Repeat("a", 200) + " the lighthouse keeper " + strings.Repeat("b", 200)
	mustCreate(t, st, sid, store.CreateFragmentInput{Type: store.TypeProse, Name: "Ch 1", Content: long})

	content, isErr := run(t, tb, "searchFragments", `{"query":"LIGHTHOUSE"}`)
	require.False(t, isErr)

	var out struct {
		Matches []searchMatch `json:"matches"`
	}
	require.NoError(t, json.Unmarshal([]byte(content), &out))
	require.Len(t, out.Matches, 1)
	m := out.Matches[0]
	assert.Equal(t, "content", m.Field)
	assert.Contains(t, m.Excerpt, "lighthouse")
	// Trimmed to the window on both sides.
	assert.True(t, strings.HasPrefix(m.Excerpt, "…"))
	assert.True(t, strings.HasSuffix(m.Excerpt, "…"))
	assert.Less(t, len(m.Excerpt), len(long))
}

func TestSearchFragments_NoMatches(t *testing.T) {
	tb, _, _ := testToolbox(t)
	content, isErr := run(t, tb, "searchFragments", `{"query":"nothing here"}`)
	require.False(t, isErr)
	assert.JSONEq(t, `{"matches":[]}`, content)
}

func TestCreateAndUpdateFragment(t *testing.T) {
	tb, st, sid := testToolbox(t)

	content, isErr := run(t, tb, "createFragment",
		`{"type":"character","name":"Ilse","content":"Stowaway.","sticky":true}`)
	require.False(t, isErr)
	var created struct {
		ID      string `json:"id"`
		Version int    `json:"version"`
	}
	require.NoError(t, json.Unmarshal([]byte(content), &created))
	assert.Equal(t, 1, created.Version)

	_, isErr = run(t, tb, "updateFragment", `{"id":"`+created.ID+`","content":"Stowaway, revealed."}`)
	require.False(t, isErr)

	frag, err := st.GetFragment(sid, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Stowaway, revealed.", frag.Content)
	assert.Equal(t, 2, frag.Version)
	assert.True(t, frag.Sticky)
}

func TestEditFragment_FirstOccurrenceOnly(t *testing.T) {
	tb, st, sid := testToolbox(t)
	frag := mustCreate(t, st, sid, store.CreateFragmentInput{
		Type: store.TypeProse, Name: "Ch 1", Content: "the dog saw the dog",
	})

	_, isErr := run(t, tb, "editFragment",
		`{"id":"`+frag.ID+`","find":"the dog","replace":"the wolf"}`)
	require.False(t, isErr)

	got, err := st.GetFragment(sid, frag.ID)
	require.NoError(t, err)
	assert.Equal(t, "the wolf saw the dog", got.Content)
}

func TestEditFragment_NotFoundSpan(t *testing.T) {
	tb, st, sid := testToolbox(t)
	frag := mustCreate(t, st, sid, store.CreateFragmentInput{
		Type: store.TypeProse, Name: "Ch 1", Content: "calm waters",
	})

	content, isErr := run(t, tb, "editFragment",
		`{"id":"`+frag.ID+`","find":"storm","replace":"gale"}`)
	assert.True(t, isErr)
	assert.Contains(t, content, "not found")
}

func TestEditProse_AllOccurrencesAcrossFragments(t *testing.T) {
	tb, st, sid := testToolbox(t)
	a := mustCreate(t, st, sid, store.CreateFragmentInput{Type: store.TypeProse, Name: "Ch 1", Content: "Mara waved. Mara left."})
	b := mustCreate(t, st, sid, store.CreateFragmentInput{Type: store.TypeProse, Name: "Ch 2", Content: "Mara returned."})
	// Archived prose is untouched.
	archived := mustCreate(t, st, sid, store.CreateFragmentInput{Type: store.TypeProse, Name: "Cut", Content: "Mara again."})
	_, err := st.ArchiveFragment(sid, archived.ID)
	require.NoError(t, err)

	content, isErr := run(t, tb, "editProse", `{"find":"Mara","replace":"Ilse"}`)
	require.False(t, isErr)

	var out struct {
		Occurrences int      `json:"occurrences"`
		FragmentIDs []string `json:"fragmentIds"`
	}
	require.NoError(t, json.Unmarshal([]byte(content), &out))
	assert.Equal(t, 3, out.Occurrences)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, out.FragmentIDs)

	untouched, err := st.GetFragment(sid, archived.ID)
	require.NoError(t, err)
	assert.Equal(t, "Mara again.", untouched.Content)
}

func TestEditProse_ZeroMatchesFails(t *testing.T) {
	tb, st, sid := testToolbox(t)
	mustCreate(t, st, sid, store.CreateFragmentInput{Type: store.TypeProse, Name: "Ch 1", Content: "calm"})

	content, isErr := run(t, tb, "editProse", `{"find":"storm","replace":"gale"}`)
	assert.True(t, isErr)
	assert.Contains(t, content, "not found")
}

func TestDeleteFragment_Archives(t *testing.T) {
	tb, st, sid := testToolbox(t)
	frag := mustCreate(t, st, sid, store.CreateFragmentInput{Type: store.TypeKnowledge, Name: "Tides", Content: "x"})

	_, isErr := run(t, tb, "deleteFragment", `{"id":"`+frag.ID+`"}`)
	require.False(t, isErr)

	got, err := st.GetFragment(sid, frag.ID)
	require.NoError(t, err)
	assert.True(t, got.Archived)
}

func TestReadToolsAreReadOnly(t *testing.T) {
	tb, _, _ := testToolbox(t)
	for _, tool := range tb.ReadTools() {
		ft, ok := tool.(*funcTool)
		require.True(t, ok)
		assert.True(t, ft.ReadOnly(), "tool %s", tool.Name())
	}
	for _, tool := range tb.WriteTools() {
		ft, ok := tool.(*funcTool)
		require.True(t, ok)
		assert.False(t, ft.ReadOnly(), "tool %s", tool.Name())
	}
}
