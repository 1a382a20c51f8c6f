package instructions

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSet(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestResolve_DefaultWhenNoOverride(t *testing.T) {
	r := NewRegistry(nil)
	text, err := r.Resolve(KeyWriterSystem, "claude-sonnet-4")
	require.NoError(t, err)
	assert.NotEmpty(t, text)
}

func TestResolve_UnknownKey(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Resolve("nope.missing", "any-model")
	assert.ErrorIs(t, err, ErrUnknownInstruction)
}

func TestResolve_ExactMatchOverride(t *testing.T) {
	dir := t.TempDir()
	writeSet(t, dir, "exact.json", `{
		"name": "exact",
		"modelMatch": "gpt-4o",
		"instructions": {"writer.system": "exact override"}
	}`)

	r := NewRegistry(nil)
	require.NoError(t, r.LoadDir(dir))

	text, err := r.Resolve(KeyWriterSystem, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "exact override", text)

	// Other models fall back to the default.
	text, err = r.Resolve(KeyWriterSystem, "gpt-4o-mini")
	require.NoError(t, err)
	assert.NotEqual(t, "exact override", text)
}

func TestResolve_RegexCaseInsensitive(t *testing.T) {
	dir := t.TempDir()
	writeSet(t, dir, "regex.json", `{
		"name": "regex",
		"modelMatch": "/foo-.*/i",
		"instructions": {"writer.system": "regex override"}
	}`)

	r := NewRegistry(nil)
	require.NoError(t, r.LoadDir(dir))

	for _, model := range []string{"foo-x", "FOO-Y"} {
		text, err := r.Resolve(KeyWriterSystem, model)
		require.NoError(t, err)
		assert.Equal(t, "regex override", text, "model %s", model)
	}
}

func TestResolve_PriorityOrder(t *testing.T) {
	dir := t.TempDir()
	writeSet(t, dir, "low.json", `{
		"name": "low", "modelMatch": "/.*/", "priority": 10,
		"instructions": {"writer.system": "low wins"}
	}`)
	writeSet(t, dir, "high.json", `{
		"name": "high", "modelMatch": "/.*/", "priority": 200,
		"instructions": {"writer.system": "high", "writer.toolUse": "high tools"}
	}`)

	r := NewRegistry(nil)
	require.NoError(t, r.LoadDir(dir))

	text, err := r.Resolve(KeyWriterSystem, "m")
	require.NoError(t, err)
	assert.Equal(t, "low wins", text)

	// Key not defined by the lower-priority set falls through to the next.
	text, err = r.Resolve(KeyWriterToolUse, "m")
	require.NoError(t, err)
	assert.Equal(t, "high tools", text)
}

func TestLoadDir_SkipsMalformed(t *testing.T) {
	dir := t.TempDir()
	writeSet(t, dir, "bad.json", `{broken`)
	writeSet(t, dir, "badmatch.json", `{"name":"b","modelMatch":"/[/","instructions":{}}`)
	writeSet(t, dir, "good.json", `{
		"name": "good", "modelMatch": "m",
		"instructions": {"writer.system": "good"}
	}`)

	r := NewRegistry(nil)
	require.NoError(t, r.LoadDir(dir))

	text, err := r.Resolve(KeyWriterSystem, "m")
	require.NoError(t, err)
	assert.Equal(t, "good", text)
}

func TestLoadDir_MissingDirectory(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.LoadDir(filepath.Join(t.TempDir(), "absent")))

	text, err := r.Resolve(KeyWriterSystem, "m")
	require.NoError(t, err)
	assert.NotEmpty(t, text)
}
