// Package paths provides centralized path resolution for dictate.
// This package has NO internal imports (only stdlib) to avoid import cycles.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigFileName is the config file looked up in the working directory and
// in the base directory.
const ConfigFileName = "dictate.json"

// BaseDir returns the dictate base directory (~/.dictate).
// DICTATE_HOME overrides it, mainly for tests and sandboxes.
func BaseDir() (string, error) {
	if dir := os.Getenv("DICTATE_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".dictate"), nil
}

// DataPath returns a path within the data directory (~/.dictate/<subpath>).
func DataPath(subpath string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// ConfigPath returns the active config path.
// Priority: ./dictate.json > ~/.dictate/dictate.json
// Returns ("", nil) if no config exists - this is a valid state, not an error.
func ConfigPath() (string, error) {
	if _, err := os.Stat(ConfigFileName); err == nil {
		abs, err := filepath.Abs(ConfigFileName)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		return abs, nil
	}

	global, err := DataPath(ConfigFileName)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(global); err == nil {
		return global, nil
	}
	return "", nil
}

// DefaultConfigPath returns the location for new configs.
func DefaultConfigPath() (string, error) {
	return DataPath(ConfigFileName)
}

// ModelsDir returns the default directory for downloaded model files of a
// family (e.g. ~/.dictate/models/local).
func ModelsDir(family string) (string, error) {
	return DataPath(filepath.Join("models", family))
}

// ScratchDir returns the directory for temporary audio artifacts.
func ScratchDir() (string, error) {
	return DataPath("scratch")
}

// HistoryDBPath returns the default SQLite history path.
func HistoryDBPath() (string, error) {
	return DataPath("history.db")
}

// EnsureDir creates a directory if it doesn't exist.
// Uses 0750 permissions (owner: rwx, group: rx, other: none).
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// EnsureParentDir creates the parent directory of a file path if it doesn't exist.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}

// ExpandTilde expands a path that starts with ~ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~.
func ExpandTilde(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if len(path) == 1 {
		return home, nil
	}
	return filepath.Join(home, path[1:]), nil
}
