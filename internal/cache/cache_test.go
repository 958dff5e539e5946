package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fill(t *testing.T, dir string, bytes int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blob"), make([]byte, bytes), 0o644))
}

func TestCleanBelowThresholdKeepsTemp(t *testing.T) {
	root := t.TempDir()
	tmp := filepath.Join(root, "tmp")
	eph := filepath.Join(root, "gradio")
	fill(t, tmp, 1024)
	fill(t, eph, 10)

	m := &Manager{Ephemeral: []string{eph}, TempDir: tmp, ThresholdMB: 1, Auto: true}
	rep, err := m.Clean(false)
	require.NoError(t, err)
	assert.True(t, rep.Ran)
	assert.False(t, rep.TempCleared)
	assert.Equal(t, int64(1024), rep.TempSize)
	assert.FileExists(t, filepath.Join(tmp, "blob"))
	assert.NoDirExists(t, eph, "ephemeral caches go unconditionally")
}

func TestCleanAboveThresholdEmptiesTemp(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "tmp")
	fill(t, tmp, 2*1024*1024)
	m := &Manager{TempDir: tmp, ThresholdMB: 1, Auto: true}
	rep, err := m.Clean(false)
	require.NoError(t, err)
	assert.True(t, rep.TempCleared)
	assert.DirExists(t, tmp, "temp dir itself must survive")
	assert.NoFileExists(t, filepath.Join(tmp, "blob"))
}

func TestCleanForceEmptiesTemp(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "tmp")
	fill(t, tmp, 10)
	m := &Manager{TempDir: tmp, ThresholdMB: 1024}
	rep, err := m.Clean(true)
	require.NoError(t, err)
	assert.True(t, rep.TempCleared)
	assert.NoFileExists(t, filepath.Join(tmp, "blob"))
}

func TestCleanDisabled(t *testing.T) {
	root := t.TempDir()
	eph := filepath.Join(root, "gradio")
	fill(t, eph, 10)
	m := &Manager{Ephemeral: []string{eph}, TempDir: root, ThresholdMB: 0}
	rep, err := m.Clean(false)
	require.NoError(t, err)
	assert.False(t, rep.Ran)
	assert.DirExists(t, eph)
}

func TestCleanRefusesUnsafePaths(t *testing.T) {
	m := &Manager{Ephemeral: []string{"/", "relative/dir"}, Auto: true}
	rep, err := m.Clean(true)
	require.NoError(t, err)
	assert.Empty(t, rep.Removed)
}

func TestHookRunsOnce(t *testing.T) {
	root := t.TempDir()
	eph := filepath.Join(root, "gradio")
	fill(t, eph, 10)
	m := &Manager{Ephemeral: []string{eph}, Auto: true}
	hook := m.Hook(false)
	hook()
	assert.NoDirExists(t, eph)
	fill(t, eph, 10)
	hook()
	assert.DirExists(t, eph, "second invocation must be a no-op")
}

func TestDefaultEphemeral(t *testing.T) {
	eph := DefaultEphemeral()
	require.NotEmpty(t, eph)
	assert.Equal(t, filepath.Join(os.TempDir(), "gradio"), eph[0])
}
