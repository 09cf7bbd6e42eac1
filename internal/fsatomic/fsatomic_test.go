package fsatomic

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "config.json", SanitizeFilename("config.json"))
	assert.Equal(t, "a_b_c", SanitizeFilename("a/b c"))
	assert.Equal(t, "__etc_passwd", SanitizeFilename("../etc/passwd"))
}

func TestWriteFileAtomicAndCreatesParents(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "config.json")

	require.NoError(t, WriteFile(target, []byte(`{"speed":4}`), 0o644, Allow))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, `{"speed":4}`, string(data))

	entries, err := os.ReadDir(filepath.Dir(target))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no leftover temp file")
}

func TestWriteFileDenyRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "config.json")

	require.NoError(t, WriteFile(target, []byte("v1"), 0o644, Allow))
	err := WriteFile(target, []byte("v2"), 0o644, Deny)
	assert.Error(t, err)

	data, _ := os.ReadFile(target)
	assert.Equal(t, "v1", string(data))
}

func TestSwapDirsHappyPath(t *testing.T) {
	base := t.TempDir()
	oldRoot := filepath.Join(base, "deployments", "root")
	staging := filepath.Join(base, "staging", "abc123")
	trash := filepath.Join(base, "deployments", "root.trash")

	require.NoError(t, os.MkdirAll(oldRoot, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(oldRoot, "old.json"), []byte("old"), 0o644))
	require.NoError(t, os.MkdirAll(staging, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "new.json"), []byte("new"), 0o644))

	require.NoError(t, SwapDirs(oldRoot, trash, staging, oldRoot))

	data, err := os.ReadFile(filepath.Join(oldRoot, "new.json"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	require.NoError(t, RemoveTrash(trash))
	_, err = os.Stat(trash)
	assert.True(t, os.IsNotExist(err))
}

func TestSwapDirsNoPriorRoot(t *testing.T) {
	base := t.TempDir()
	oldRoot := filepath.Join(base, "deployments", "root")
	staging := filepath.Join(base, "staging", "abc123")
	trash := filepath.Join(base, "deployments", "root.trash")

	require.NoError(t, os.MkdirAll(staging, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "new.json"), []byte("new"), 0o644))

	require.NoError(t, SwapDirs(oldRoot, trash, staging, oldRoot))

	data, err := os.ReadFile(filepath.Join(oldRoot, "new.json"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestReapEmptyAncestors(t *testing.T) {
	base := t.TempDir()
	deep := filepath.Join(base, "a", "b", "c")
	require.NoError(t, os.MkdirAll(deep, 0o755))

	require.NoError(t, ReapEmptyAncestors(deep, base))

	_, err := os.Stat(filepath.Join(base, "a"))
	assert.True(t, os.IsNotExist(err))
}

func TestReapEmptyAncestorsStopsAtNonEmpty(t *testing.T) {
	base := t.TempDir()
	deep := filepath.Join(base, "a", "b", "c")
	require.NoError(t, os.MkdirAll(deep, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "a", "keep.txt"), []byte("x"), 0o644))

	require.NoError(t, ReapEmptyAncestors(deep, base))

	_, err := os.Stat(filepath.Join(base, "a"))
	assert.NoError(t, err, "non-empty ancestor must survive")
	_, err = os.Stat(filepath.Join(base, "a", "b"))
	assert.True(t, os.IsNotExist(err))
}
