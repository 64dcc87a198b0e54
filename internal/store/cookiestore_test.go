package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCookieStore_MissingFileIsEmpty(t *testing.T) {
	cs, err := NewCookieStore(t.TempDir())
	require.NoError(t, err)

	pairs, err := cs.Load()
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestCookieStore_SetManyMerges(t *testing.T) {
	cs, err := NewCookieStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, cs.SetMany(map[string]string{
		"portal_token":   "tok-1",
		"portal_user_id": "u-1",
	}))
	require.NoError(t, cs.SetMany(map[string]string{
		"portal_token": "tok-2",
	}))

	pairs, err := cs.Load()
	require.NoError(t, err)
	assert.Equal(t, "tok-2", pairs["portal_token"])
	assert.Equal(t, "u-1", pairs["portal_user_id"], "untouched pairs survive a merge")
}

func TestCookieStore_FileFormat(t *testing.T) {
	dir := t.TempDir()
	cs, err := NewCookieStore(dir)
	require.NoError(t, err)

	require.NoError(t, cs.SetMany(map[string]string{"b": "2", "a": "1"}))

	raw, err := os.ReadFile(filepath.Join(dir, "portal_cookies"))
	require.NoError(t, err)
	assert.Equal(t, "# portal client cookies\na=1\nb=2\n", string(raw), "pairs are sorted for stable diffs")
}

func TestCookieStore_IgnoresCommentsAndBlankLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "portal_cookies")
	require.NoError(t, os.WriteFile(path, []byte("# header\n\nportal_token=tok-x\nnot a pair\n"), 0600))

	cs, err := NewCookieStore(dir)
	require.NoError(t, err)

	pairs, err := cs.Load()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"portal_token": "tok-x"}, pairs)
}

func TestCookieStore_RejectsUnencodableValues(t *testing.T) {
	cs, err := NewCookieStore(t.TempDir())
	require.NoError(t, err)

	assert.Error(t, cs.SetMany(map[string]string{"bad=name": "v"}))
	assert.Error(t, cs.SetMany(map[string]string{"name": "multi\nline"}))
}

func TestCookieStore_ClearRemovesFile(t *testing.T) {
	dir := t.TempDir()
	cs, err := NewCookieStore(dir)
	require.NoError(t, err)

	require.NoError(t, cs.SetMany(map[string]string{"portal_token": "tok-1"}))
	require.NoError(t, cs.Clear())
	require.NoError(t, cs.Clear(), "clearing an already empty store is not an error")

	_, statErr := os.Stat(filepath.Join(dir, "portal_cookies"))
	assert.True(t, os.IsNotExist(statErr))

	pairs, err := cs.Load()
	require.NoError(t, err)
	assert.Empty(t, pairs)
}
