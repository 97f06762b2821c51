// Package state centralizes filesystem locations for Switchyard runtime
// artifacts. The port registry lives at a host-wide well-known path so every
// broker process on the machine mediates ports through the same file.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// StateDirEnv overrides the default runtime state root.
	StateDirEnv = "SWITCHYARD_STATE_DIR"

	xdgStateHomeEnv = "XDG_STATE_HOME"
	appName         = "switchyard"
)

// RootDir returns the runtime state root.
// Resolution order:
//  1. SWITCHYARD_STATE_DIR (if set)
//  2. XDG_STATE_HOME/switchyard (if XDG_STATE_HOME is set)
//  3. os.UserConfigDir()/switchyard (cross-platform fallback)
func RootDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv(StateDirEnv)); override != "" {
		return normalizePath(override)
	}

	if xdg := strings.TrimSpace(os.Getenv(xdgStateHomeEnv)); xdg != "" {
		root, err := normalizePath(xdg)
		if err != nil {
			return "", err
		}
		return filepath.Join(root, appName), nil
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user config directory: %w", err)
	}
	root, err := normalizePath(configDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, appName), nil
}

// PortRegistryFile returns the host-wide port registry path.
func PortRegistryFile() (string, error) {
	return InRoot("run", "ports.json")
}

// LogsDir returns the logs directory under RootDir.
func LogsDir() (string, error) {
	return InRoot("logs")
}

// InRoot returns a path rooted under RootDir with additional path elements,
// creating the parent directory.
func InRoot(parts ...string) (string, error) {
	root, err := RootDir()
	if err != nil {
		return "", err
	}
	all := make([]string, 0, len(parts)+1)
	all = append(all, root)
	all = append(all, parts...)
	p := filepath.Join(all...)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("cannot create state directory: %w", err)
	}
	return p, nil
}

func normalizePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("cannot resolve path %q: %w", path, err)
	}
	return filepath.Clean(absPath), nil
}
