// Package runner hosts the worker lifecycle: registration, heartbeat,
// task acquisition, stage dispatch, and scratch management.
package runner

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// scratchDirName is the runner's directory under the system temp root.
const scratchDirName = "videoconverter"

// convertedSuffix names transcode outputs next to their task dirs.
const convertedSuffix = "_converted.mp4"

// Workspace manages per-task scratch storage under a single root:
// downloads land in <root>/<taskId>/ (with .partN siblings during
// transfer), transcode outputs at <root>/<taskId>_converted.mp4.
type Workspace struct {
	root   string
	logger *slog.Logger
}

// NewWorkspace creates a workspace. An empty root defaults to the
// videoconverter directory under the system temp dir.
func NewWorkspace(root string, logger *slog.Logger) *Workspace {
	if root == "" {
		root = filepath.Join(os.TempDir(), scratchDirName)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Workspace{root: root, logger: logger}
}

// Root returns the scratch root path.
func (w *Workspace) Root() string {
	return w.root
}

// Ensure creates the scratch root.
func (w *Workspace) Ensure() error {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return fmt.Errorf("creating scratch root: %w", err)
	}
	return nil
}

// TaskDir creates and returns the per-task download directory.
func (w *Workspace) TaskDir(taskID string) (string, error) {
	dir := filepath.Join(w.root, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating task dir: %w", err)
	}
	return dir, nil
}

// ConvertedPath returns the transcode output path for a task.
func (w *Workspace) ConvertedPath(taskID string) string {
	return filepath.Join(w.root, taskID+convertedSuffix)
}

// CleanupTask removes a task's scratch dir and converted output.
func (w *Workspace) CleanupTask(taskID string) error {
	var firstErr error
	if err := os.RemoveAll(filepath.Join(w.root, taskID)); err != nil {
		firstErr = err
	}
	if err := os.Remove(w.ConvertedPath(taskID)); err != nil && !os.IsNotExist(err) {
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Sweep removes scratch entries older than maxAge. Fresh entries are
// kept so interrupted downloads can resume their part files.
func (w *Workspace) Sweep(maxAge time.Duration) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("scratch sweep failed", slog.String("error", err.Error()))
		}
		return
	}

	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(w.root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			w.logger.Warn("orphan removal failed",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		w.logger.Info("removed orphaned scratch entry",
			slog.String("path", path),
			slog.String("task_id", strings.TrimSuffix(entry.Name(), convertedSuffix)),
		)
	}
}
