package recording

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// StartCleanupTicker runs a background goroutine that periodically removes
// stale WAV files from the recordings directory. Finished recordings are
// deleted as soon as their upload resolves, so anything old enough to hit
// maxAge was orphaned by a crash mid-call. The goroutine stops when the
// provided context is cancelled.
func StartCleanupTicker(ctx context.Context, dir string, maxAge, interval time.Duration, logger *slog.Logger) {
	logger = logger.With("subsystem", "recording")

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := removeStale(dir, maxAge)
				if err != nil {
					logger.Error("recording cleanup failed", "error", err)
					continue
				}
				if removed > 0 {
					logger.Info("removed orphaned recordings", "count", removed)
				}
			}
		}
	}()
}

// removeStale deletes WAV files in dir whose modification time is older
// than maxAge. Returns the number of files removed.
func removeStale(dir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".wav") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove orphaned recording", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
