package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadTagsFileMissingReturnsEmpty(t *testing.T) {
	tags, err := loadTagsFile(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Empty(t, tags)
}

func TestWriteAndLoadTagsFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tags.json")
	want := map[string]string{"role": "db", "az": "us-east-1a"}

	require.NoError(t, writeTagsFile(path, want))

	got, err := loadTagsFile(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestWriteTagsFileOverwritesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tags.json")

	require.NoError(t, writeTagsFile(path, map[string]string{"role": "db"}))
	require.NoError(t, writeTagsFile(path, map[string]string{"role": "cache"}))

	got, err := loadTagsFile(path)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"role": "cache"}, got)
}

func TestLoadTagsFileRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tags.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0600))

	_, err := loadTagsFile(path)
	require.Error(t, err)
}
