package scratch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"tessera/internal/logging"
)

// dirPrefix matches the names produced by config.ScratchDirFor.
const dirPrefix = "entry-"

// EntryID parses the queue entry identifier out of a scratch directory name,
// either entry-<id> or entry-<id>-<claim>.
func EntryID(name string) (int64, bool) {
	raw, ok := strings.CutPrefix(name, dirPrefix)
	if !ok {
		return 0, false
	}
	raw, claim, hasClaim := strings.Cut(raw, "-")
	if hasClaim && claim == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// PruneResult contains the outcome of a prune pass.
type PruneResult struct {
	Removed []string
	Errors  []CleanupError
}

// CleanupError pairs a directory path with its cleanup error.
type CleanupError struct {
	Path  string
	Error error
}

// KeepFunc reports whether the scratch directory of entryID is still needed.
type KeepFunc func(ctx context.Context, entryID int64) bool

// Prune removes per-entry scratch directories that keep rejects. Directories
// modified within minAge are never touched, nor are names that do not parse as
// entry directories.
func Prune(ctx context.Context, scratchDir string, minAge time.Duration, keep KeepFunc, logger *slog.Logger) PruneResult {
	result := PruneResult{}

	scratchDir = strings.TrimSpace(scratchDir)
	if scratchDir == "" || keep == nil {
		return result
	}

	entries, err := os.ReadDir(scratchDir)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, CleanupError{Path: scratchDir, Error: err})
		}
		return result
	}

	cutoff := time.Now().Add(-minAge)

	for _, entry := range entries {
		if ctx.Err() != nil {
			return result
		}
		if !entry.IsDir() {
			continue
		}
		entryID, ok := EntryID(entry.Name())
		if !ok {
			continue
		}

		dirPath := filepath.Join(scratchDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dirPath, Error: err})
			continue
		}
		if info.ModTime().After(cutoff) || keep(ctx, entryID) {
			continue
		}

		if err := os.RemoveAll(dirPath); err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dirPath, Error: err})
			if logger != nil {
				logger.Warn("failed to remove scratch directory",
					logging.String("path", dirPath),
					logging.Int64(logging.FieldItemID, entryID),
					logging.Error(err),
					logging.String(logging.FieldEventType, "scratch_cleanup_failed"),
					logging.String(logging.FieldErrorHint, "check scratch_dir permissions"),
				)
			}
			continue
		}
		result.Removed = append(result.Removed, dirPath)
		if logger != nil {
			logger.Info("removed scratch directory",
				logging.String("path", dirPath),
				logging.Int64(logging.FieldItemID, entryID),
				logging.Duration("age", time.Since(info.ModTime())),
				logging.String(logging.FieldEventType, "scratch_cleanup"),
			)
		}
	}

	return result
}

// DirInfo contains metadata about a scratch directory.
type DirInfo struct {
	Name    string
	Path    string
	EntryID int64
	ModTime time.Time
	Size    int64
}

// ListDirectories returns every entry directory under scratchDir.
func ListDirectories(scratchDir string) ([]DirInfo, error) {
	scratchDir = strings.TrimSpace(scratchDir)
	if scratchDir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(scratchDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var dirs []DirInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		entryID, ok := EntryID(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		dirPath := filepath.Join(scratchDir, entry.Name())
		size, _ := dirSize(dirPath)

		dirs = append(dirs, DirInfo{
			Name:    entry.Name(),
			Path:    dirPath,
			EntryID: entryID,
			ModTime: info.ModTime(),
			Size:    size,
		})
	}

	return dirs, nil
}

// dirSize totals regular file sizes below path, skipping unreadable entries.
func dirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}
