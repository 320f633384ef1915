package prompts

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// SystemDir returns the on-disk location of the extracted system
// prompt set under a data directory.
func SystemDir(dataDir string) string {
	return filepath.Join(dataDir, "prompts", "system")
}

// CustomDir returns the on-disk location for operator-uploaded prompt
// recordings under a data directory.
func CustomDir(dataDir string) string {
	return filepath.Join(dataDir, "prompts", "custom")
}

// ExtractToDataDir copies the embedded system prompts to the data
// directory so they can be streamed by the media player. Files that
// already exist on disk are skipped, preserving any manual replacements.
// The target directory is $dataDir/prompts/system/; an empty custom/
// directory is created alongside for uploaded recordings.
func ExtractToDataDir(dataDir string) error {
	dir := SystemDir(dataDir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating prompts directory: %w", err)
	}
	if err := os.MkdirAll(CustomDir(dataDir), 0750); err != nil {
		return fmt.Errorf("creating custom prompts directory: %w", err)
	}

	for _, name := range SystemPrompts {
		dest := filepath.Join(dir, name)

		// Skip files that already exist on disk.
		if _, err := os.Stat(dest); err == nil {
			slog.Debug("system prompt already exists, skipping", "file", name)
			continue
		}

		data, err := fs.ReadFile(SystemFS, filepath.Join("system", name))
		if err != nil {
			return fmt.Errorf("reading embedded prompt %s: %w", name, err)
		}

		if err := os.WriteFile(dest, data, 0640); err != nil {
			return fmt.Errorf("writing prompt %s: %w", name, err)
		}

		slog.Info("extracted system prompt", "file", name, "path", dest)
	}

	return nil
}
