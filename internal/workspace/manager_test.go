package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/config"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	m := NewManager(config.WorkspaceConfig{
		BindingsPath: filepath.Join(t.TempDir(), "bindings.json"),
	})
	_, err := m.Bind("sess-1", root, false)
	require.NoError(t, err)
	return m, root
}

func TestBindValidation(t *testing.T) {
	m := NewManager(config.WorkspaceConfig{})

	_, err := m.Bind("", t.TempDir(), false)
	assert.Error(t, err)

	_, err = m.Bind("s", filepath.Join(t.TempDir(), "missing"), false)
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err = m.Bind("s", file, false)
	assert.Error(t, err, "binding to a file must fail")
}

func TestReadFileWithinWorkspace(t *testing.T) {
	m, root := newTestManager(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hello"), 0o644))

	fc, err := m.ReadFile("sess-1", "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), fc.Data)
	assert.Equal(t, int64(5), fc.Size)
}

func TestReadFileNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.ReadFile("sess-1", "missing.txt")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestReadFileUnboundSession(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.ReadFile("other", "notes.txt")
	assert.ErrorIs(t, err, ErrNotBound)
}

func TestTraversalRejected(t *testing.T) {
	m, root := newTestManager(t)

	// A sibling of the workspace root must be unreachable.
	sibling := filepath.Join(filepath.Dir(root), "secret.txt")
	require.NoError(t, os.WriteFile(sibling, []byte("secret"), 0o644))

	_, err := m.ReadFile("sess-1", "../secret.txt")
	assert.ErrorIs(t, err, ErrPathEscape)

	_, err = m.ReadFile("sess-1", "a/../../secret.txt")
	assert.ErrorIs(t, err, ErrPathEscape)

	_, err = m.ReadFile("sess-1", sibling)
	assert.ErrorIs(t, err, ErrPathEscape, "absolute paths rejected")
}

func TestPrefixSiblingNotConfused(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "work")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.MkdirAll(root+"space", 0o755))

	m := NewManager(config.WorkspaceConfig{})
	_, err := m.Bind("s", root, false)
	require.NoError(t, err)

	// "workspace" shares the "work" prefix but is outside the binding.
	_, err = m.Resolve("s", "../workspace/f.txt")
	assert.ErrorIs(t, err, ErrPathEscape)
}

func TestReadFileSizeCap(t *testing.T) {
	root := t.TempDir()
	m := NewManager(config.WorkspaceConfig{MaxReadBytes: 8})
	_, err := m.Bind("s", root, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "big.bin"), make([]byte, 64), 0o644))
	_, err = m.ReadFile("s", "big.bin")
	assert.ErrorIs(t, err, ErrFileTooLarge)

	require.NoError(t, os.WriteFile(filepath.Join(root, "ok.bin"), make([]byte, 8), 0o644))
	fc, err := m.ReadFile("s", "ok.bin")
	require.NoError(t, err)
	assert.Len(t, fc.Data, 8)
}

func TestCreateDir(t *testing.T) {
	m, root := newTestManager(t)

	require.NoError(t, m.CreateDir("sess-1", "a/b/c"))
	info, err := os.Stat(filepath.Join(root, "a", "b", "c"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	assert.ErrorIs(t, m.CreateDir("sess-1", "../outside"), ErrPathEscape)
}

func TestCreateDirReadOnly(t *testing.T) {
	m := NewManager(config.WorkspaceConfig{})
	_, err := m.Bind("ro", t.TempDir(), true)
	require.NoError(t, err)

	assert.ErrorIs(t, m.CreateDir("ro", "newdir"), ErrReadOnly)
}

func TestBindingsPersistAcrossManagers(t *testing.T) {
	bindings := filepath.Join(t.TempDir(), "bindings.json")
	root := t.TempDir()

	m1 := NewManager(config.WorkspaceConfig{BindingsPath: bindings})
	_, err := m1.Bind("sess-9", root, true)
	require.NoError(t, err)

	m2 := NewManager(config.WorkspaceConfig{BindingsPath: bindings})
	b, ok := m2.Get("sess-9")
	require.True(t, ok)
	assert.Equal(t, root, b.Path)
	assert.True(t, b.ReadOnly)
}

func TestCleanupOrphans(t *testing.T) {
	m := NewManager(config.WorkspaceConfig{})
	_, err := m.Bind("alive", t.TempDir(), false)
	require.NoError(t, err)
	_, err = m.Bind("dead", t.TempDir(), false)
	require.NoError(t, err)

	removed := m.CleanupOrphans(func(id string) bool { return id == "alive" })
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, m.Len())
	_, ok := m.Get("alive")
	assert.True(t, ok)
}
