package recording

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// StartCleanupTicker runs a background goroutine that periodically walks
// dataDir/recordings and removes WAV files older than maxAge. Call
// recordings are laid out as recordings/YYYY/MM/DD/call_{id}.wav (see
// RecordingPath in internal/media), so retention is enforced directly
// against file modification time rather than a persisted index. If
// maxAge is zero, no cleanup is performed. The goroutine stops when the
// provided context is cancelled.
func StartCleanupTicker(ctx context.Context, dataDir string, maxAge, interval time.Duration) {
	if maxAge <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deleted, err := sweepExpired(dataDir, maxAge)
				if err != nil {
					slog.Error("recording retention cleanup failed", "error", err)
					continue
				}
				if deleted > 0 {
					slog.Info("recording retention cleanup", "deleted", deleted)
				}
			}
		}
	}()
}

func sweepExpired(dataDir string, maxAge time.Duration) (int, error) {
	root := filepath.Join(dataDir, "recordings")
	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".wav" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				slog.Warn("failed to remove recording file", "path", path, "error", rmErr)
				return nil
			}
			deleted++
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return deleted, err
	}
	return deleted, nil
}
