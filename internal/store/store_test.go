package store

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	story, err := s.CreateStory(CreateStoryInput{Name: "test story"})
	require.NoError(t, err)
	return s, story.ID
}

func strptr(v string) *string { return &v }
func intptr(v int) *int { return &v }

func TestCreateFragment_IDAndInitialVersion(t *testing.T) {
	s, sid := newTestStore(t)

	frag, err := s.CreateFragment(sid, CreateFragmentInput{
		Type: TypeCharacter, Name: "A", Description: "d", Content: "c",
	})
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^ch-[a-z0-9]{4,8}$`), frag.ID)
	assert.Equal(t, 1, frag.Version)
	assert.Empty(t, frag.Versions)
	assert.Equal(t, PlacementUser, frag.Placement)

	loaded, err := s.GetFragment(sid, frag.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, frag.ID, loaded.ID)
	assert.Equal(t, "c", loaded.Content)
}

func TestUpdateFragment_VersionsOnContentChange(t *testing.T) {
	s, sid := newTestStore(t)
	frag, err := s.CreateFragment(sid, CreateFragmentInput{Type: TypeProse, Name: "ch1", Content: "first"})
	require.NoError(t, err)

	_, err = s.UpdateFragment(sid, frag.ID, UpdateFragmentInput{Content: strptr("second")})
	require.NoError(t, err)
	updated, err := s.UpdateFragment(sid, frag.ID, UpdateFragmentInput{Content: strptr("third")})
	require.NoError(t, err)

	assert.Equal(t, 3, updated.Version)
	require.Len(t, updated.Versions, 2)
	assert.Equal(t, 1, updated.Versions[0].Version)
	assert.Equal(t, "first", updated.Versions[0].Content)
	assert.Equal(t, 2, updated.Versions[1].Version)
	assert.Equal(t, "second", updated.Versions[1].Content)
}

func TestUpdateFragment_NonVersionedChange(t *testing.T) {
	s, sid := newTestStore(t)
	frag, err := s.CreateFragment(sid, CreateFragmentInput{Type: TypeGuideline, Name: "g", Content: "c"})
	require.NoError(t, err)

	sticky := true
	updated, err := s.UpdateFragment(sid, frag.ID, UpdateFragmentInput{Sticky: &sticky})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Version)
	assert.Empty(t, updated.Versions)
	assert.True(t, updated.Sticky)
}

func TestUpdateFragment_CASConflict(t *testing.T) {
	s, sid := newTestStore(t)
	frag, err := s.CreateFragment(sid, CreateFragmentInput{Type: TypeKnowledge, Name: "k", Content: "c"})
	require.NoError(t, err)

	_, err = s.UpdateFragment(sid, frag.ID, UpdateFragmentInput{
		Content: strptr("new"), ExpectedVersion: intptr(2),
	})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.UpdateFragment(sid, frag.ID, UpdateFragmentInput{
		Content: strptr("new"), ExpectedVersion: intptr(1),
	})
	assert.NoError(t, err)
}

func TestArchivedExcludedFromDefaultListings(t *testing.T) {
	s, sid := newTestStore(t)
	a, err := s.CreateFragment(sid, CreateFragmentInput{Type: TypeCharacter, Name: "a"})
	require.NoError(t, err)
	_, err = s.CreateFragment(sid, CreateFragmentInput{Type: TypeCharacter, Name: "b"})
	require.NoError(t, err)

	_, err = s.ArchiveFragment(sid, a.ID)
	require.NoError(t, err)

	active, err := s.ListSummaries(sid, ListOptions{Type: TypeCharacter})
	require.NoError(t, err)
	assert.Len(t, active, 1)
	assert.Equal(t, "b", active[0].Name)

	all, err := s.ListSummaries(sid, ListOptions{Type: TypeCharacter, IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	restored, err := s.RestoreFragment(sid, a.ID)
	require.NoError(t, err)
	assert.False(t, restored.Archived)
}

func TestListSummaries_FiltersByTypePrefix(t *testing.T) {
	s, sid := newTestStore(t)
	_, err := s.CreateFragment(sid, CreateFragmentInput{Type: TypeProse, Name: "p"})
	require.NoError(t, err)
	_, err = s.CreateFragment(sid, CreateFragmentInput{Type: TypeGuideline, Name: "g"})
	require.NoError(t, err)

	prose, err := s.ListSummaries(sid, ListOptions{Type: TypeProse})
	require.NoError(t, err)
	require.Len(t, prose, 1)
	assert.Equal(t, "p", prose[0].Name)
}

func TestRevertToVersion(t *testing.T) {
	s, sid := newTestStore(t)
	frag, err := s.CreateFragment(sid, CreateFragmentInput{Type: TypeProse, Name: "n", Content: "v1"})
	require.NoError(t, err)
	_, err = s.UpdateFragment(sid, frag.ID, UpdateFragmentInput{Content: strptr("v2")})
	require.NoError(t, err)
	_, err = s.UpdateFragment(sid, frag.ID, UpdateFragmentInput{Content: strptr("v3")})
	require.NoError(t, err)

	// Revert to latest snapshot (the v2 state) when no version is given.
	reverted, err := s.RevertToVersion(sid, frag.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "v2", reverted.Content)
	assert.Equal(t, 4, reverted.Version)
	// The revert itself appended a snapshot of the v3 state.
	require.Len(t, reverted.Versions, 3)
	assert.Equal(t, "v3", reverted.Versions[2].Content)

	// Revert to an explicit early version.
	reverted, err = s.RevertToVersion(sid, frag.ID, intptr(1))
	require.NoError(t, err)
	assert.Equal(t, "v1", reverted.Content)
	assert.Equal(t, 5, reverted.Version)
}

func TestRevertToVersion_NoSnapshots(t *testing.T) {
	s, sid := newTestStore(t)
	frag, err := s.CreateFragment(sid, CreateFragmentInput{Type: TypeProse, Name: "n", Content: "c"})
	require.NoError(t, err)

	_, err = s.RevertToVersion(sid, frag.ID, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetFragment_AbsentAndCorrupt(t *testing.T) {
	s, sid := newTestStore(t)

	frag, err := s.GetFragment(sid, "pr-missing")
	assert.NoError(t, err)
	assert.Nil(t, frag)

	// A corrupt file reads as null, not an error.
	path := filepath.Join(s.fragmentsDir(sid), "pr-corrupt.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	frag, err = s.GetFragment(sid, "pr-corrupt")
	assert.NoError(t, err)
	assert.Nil(t, frag)
}

func TestIndexRebuildFromDirectory(t *testing.T) {
	s, sid := newTestStore(t)
	frag, err := s.CreateFragment(sid, CreateFragmentInput{Type: TypeKnowledge, Name: "k"})
	require.NoError(t, err)

	// Drop the index file and the cache; the listing must still find the
	// fragment by scanning the directory.
	require.NoError(t, os.Remove(filepath.Join(s.fragmentsDir(sid), indexFile)))
	s.Clear()

	entries, err := s.ListSummaries(sid, ListOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, frag.ID, entries[0].ID)
}

func TestDeleteFragment(t *testing.T) {
	s, sid := newTestStore(t)
	frag, err := s.CreateFragment(sid, CreateFragmentInput{Type: TypeProse, Name: "p"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteFragment(sid, frag.ID))

	got, err := s.GetFragment(sid, frag.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	entries, err := s.ListSummaries(sid, ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.ErrorIs(t, s.DeleteFragment(sid, frag.ID), ErrNotFound)
}

func TestGenerationLogs_NewestFirst(t *testing.T) {
	s, sid := newTestStore(t)

	first, err := s.SaveGenerationLog(sid, &GenerationLog{Input: "one", Mode: "generate"})
	require.NoError(t, err)
	second, err := s.SaveGenerationLog(sid, &GenerationLog{Input: "two", Mode: "generate"})
	require.NoError(t, err)

	list, err := s.ListGenerationLogs(sid)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)

	full, err := s.GetGenerationLog(sid, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "one", full.Input)
}

func TestAppendStorySummary_Truncates(t *testing.T) {
	s, sid := newTestStore(t)

	_, err := s.AppendStorySummary(sid, "aaaa", 0)
	require.NoError(t, err)
	story, err := s.AppendStorySummary(sid, "bbbb", 6)
	require.NoError(t, err)

	assert.LessOrEqual(t, len(story.Summary), 6)
	assert.Contains(t, story.Summary, "bbbb")
}

func TestBlockConfigRoundTrip(t *testing.T) {
	s, sid := newTestStore(t)

	cfg, err := s.GetBlockConfig(sid)
	require.NoError(t, err)
	assert.Empty(t, cfg.CustomBlocks)

	mode := ContentModeAppend
	enabled := false
	in := &BlockConfig{
		CustomBlocks: []CustomBlockDefinition{{
			ID: "cb-aaaa", Name: "note", Role: PlacementUser, Type: BlockTypeSimple, Content: "x", Enabled: true,
		}},
		Overrides: map[string]BlockOverride{
			"prose": {Enabled: &enabled, ContentMode: &mode, CustomContent: "tail"},
		},
		BlockOrder: []string{"prose", "cb-aaaa"},
	}
	require.NoError(t, s.PutBlockConfig(sid, in))

	out, err := s.GetBlockConfig(sid)
	require.NoError(t, err)
	assert.Equal(t, in.CustomBlocks, out.CustomBlocks)
	assert.Equal(t, in.BlockOrder, out.BlockOrder)
	require.Contains(t, out.Overrides, "prose")
	assert.Equal(t, "tail", out.Overrides["prose"].CustomContent)
}

func TestPutBlockConfig_RejectsBadMode(t *testing.T) {
	s, sid := newTestStore(t)
	bad := "replace"
	err := s.PutBlockConfig(sid, &BlockConfig{
		Overrides: map[string]BlockOverride{"x": {ContentMode: &bad}},
	})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestStoryNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetStory("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.ListSummaries("nope", ListOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}
