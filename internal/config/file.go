package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	. "github.com/roelfdiedericks/dictate/internal/logging"
)

// DefaultBackupCount is how many previous versions Save keeps next to the
// config file (dictate.json.bak, dictate.json.bak.1, ...).
const DefaultBackupCount = 5

// writeJSON marshals v and replaces path with it atomically.
func writeJSON(path string, v any, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return writeAtomic(path, append(data, '\n'), perm)
}

// writeAtomic writes to a temp file in the target directory, syncs it and
// renames it over path. Readers see the old or the new file, never a mix.
func writeAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".dictate-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = tmp.Chmod(perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// saveWithBackups rotates the existing file into the backup chain, then
// writes v. A failed backup is logged and does not block the save.
func saveWithBackups(path string, v any, keep int) error {
	if keep <= 0 {
		keep = DefaultBackupCount
	}
	if current, err := os.ReadFile(path); err == nil {
		rotateBackups(path, keep)
		if err := writeAtomic(path+".bak", current, 0600); err != nil {
			L_warn("config: backup failed, continuing with save", "error", err)
		}
	}

	if err := writeJSON(path, v, 0600); err != nil {
		return err
	}
	L_debug("config: saved", "path", path)
	return nil
}

// rotateBackups shifts .bak.i to .bak.i+1 and .bak to .bak.1, dropping the
// oldest so at most keep backups remain.
func rotateBackups(path string, keep int) {
	if keep <= 1 {
		return
	}
	name := func(i int) string {
		if i == 0 {
			return path + ".bak"
		}
		return fmt.Sprintf("%s.bak.%d", path, i)
	}

	oldest := name(keep - 1)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		L_trace("config: failed to remove oldest backup", "path", oldest, "error", err)
	}
	for i := keep - 2; i >= 0; i-- {
		if err := os.Rename(name(i), name(i+1)); err != nil && !os.IsNotExist(err) {
			L_trace("config: failed to rotate backup", "from", name(i), "error", err)
		}
	}
}
