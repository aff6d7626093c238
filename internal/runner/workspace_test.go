package runner

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWorkspace(t *testing.T) *Workspace {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewWorkspace(filepath.Join(t.TempDir(), "videoconverter"), logger)
	require.NoError(t, w.Ensure())
	return w
}

func TestWorkspace_TaskDir(t *testing.T) {
	w := testWorkspace(t)

	dir, err := w.TaskDir("t1")
	require.NoError(t, err)
	assert.DirExists(t, dir)
	assert.Equal(t, filepath.Join(w.Root(), "t1"), dir)

	// Idempotent.
	again, err := w.TaskDir("t1")
	require.NoError(t, err)
	assert.Equal(t, dir, again)
}

func TestWorkspace_ConvertedPath(t *testing.T) {
	w := testWorkspace(t)
	assert.Equal(t, filepath.Join(w.Root(), "t1_converted.mp4"), w.ConvertedPath("t1"))
}

func TestWorkspace_CleanupTask(t *testing.T) {
	w := testWorkspace(t)

	dir, err := w.TaskDir("t1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.mp4"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(w.ConvertedPath("t1"), []byte("y"), 0o644))

	require.NoError(t, w.CleanupTask("t1"))

	assert.NoDirExists(t, dir)
	_, err = os.Stat(w.ConvertedPath("t1"))
	assert.True(t, os.IsNotExist(err))

	// Cleaning an absent task is not an error.
	assert.NoError(t, w.CleanupTask("t1"))
}

func TestWorkspace_SweepKeepsFreshEntries(t *testing.T) {
	w := testWorkspace(t)

	dir, err := w.TaskDir("fresh")
	require.NoError(t, err)

	w.Sweep(24 * time.Hour)
	assert.DirExists(t, dir, "fresh entries survive for part-file resume")
}

func TestWorkspace_SweepRemovesStaleEntries(t *testing.T) {
	w := testWorkspace(t)

	dir, err := w.TaskDir("stale")
	require.NoError(t, err)
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(dir, old, old))

	w.Sweep(24 * time.Hour)
	assert.NoDirExists(t, dir)
}

func TestWorkspace_DefaultRoot(t *testing.T) {
	w := NewWorkspace("", nil)
	assert.Equal(t, filepath.Join(os.TempDir(), "videoconverter"), w.Root())
}
