package voicemail

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/flowpbx/flowpbx-core/internal/directory"
)

// StartCleanupTicker runs a background goroutine that periodically asks
// the voicemail sink to expire messages past their mailbox's retention
// window, then removes the expired WAV files from disk. The goroutine
// stops when the provided context is cancelled.
func StartCleanupTicker(ctx context.Context, sink directory.VoicemailSink, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				expired, err := sink.DeleteExpired(ctx)
				if err != nil {
					slog.Error("voicemail retention cleanup failed", "error", err)
					continue
				}
				if len(expired) == 0 {
					continue
				}

				slog.Info("voicemail retention cleanup", "deleted", len(expired))

				for _, msg := range expired {
					if msg.FilePath == "" {
						continue
					}
					if err := os.Remove(msg.FilePath); err != nil && !os.IsNotExist(err) {
						slog.Warn("failed to remove voicemail file", "path", msg.FilePath, "error", err)
					}
				}
			}
		}
	}()
}
