package prompts

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Backup snapshots the on-disk configuration under
// backupRoot/<timestamp>-<id>/ and returns the snapshot directory. The copy
// is taken from dir as-is, byte for byte, so any version can be restored
// exactly.
func Backup(dir, backupRoot string) (string, error) {
	stamp := time.Now().Format("20060102_150405")
	dest := filepath.Join(backupRoot, fmt.Sprintf("%s-%s", stamp, uuid.NewString()[:8]))
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup dir: %w", err)
	}

	for _, name := range []string{AgentsFile, TasksFile} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return "", fmt.Errorf("failed to read %s for backup: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(dest, name), data, 0o644); err != nil {
			return "", fmt.Errorf("failed to write backup %s: %w", name, err)
		}
	}
	return dest, nil
}

// Restore copies a backup snapshot back over the active configuration.
func Restore(backupDir, dir string) error {
	for _, name := range []string{AgentsFile, TasksFile} {
		data, err := os.ReadFile(filepath.Join(backupDir, name))
		if err != nil {
			return fmt.Errorf("failed to read backup %s: %w", name, err)
		}
		if err := writeAtomic(filepath.Join(dir, name), data); err != nil {
			return err
		}
	}
	return nil
}
