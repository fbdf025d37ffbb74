// Package state centralizes filesystem locations for bridge runtime artifacts.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// StateDirEnv overrides the default runtime state root.
	StateDirEnv = "TABBRIDGE_STATE_DIR"

	xdgStateHomeEnv = "XDG_STATE_HOME"
	appName         = "tabbridge"
)

// RootDir returns the runtime state root for the bridge.
// Resolution order:
//  1. TABBRIDGE_STATE_DIR (if set)
//  2. XDG_STATE_HOME/tabbridge (if XDG_STATE_HOME is set)
//  3. os.UserConfigDir()/tabbridge (cross-platform fallback)
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

// LogsDir returns the logs directory under RootDir.
func LogsDir() (string, error) {
	return InRoot("logs")
}

// DefaultLogFile returns the default structured log file path.
func DefaultLogFile() (string, error) {
	return InRoot("logs", "tabbridge.jsonl")
}

// PIDFile returns the PID file path for the given bridge port.
func PIDFile(port int) (string, error) {
	return InRoot("run", "tabbridge-"+strconv.Itoa(port)+".pid")
}

// WritePIDFile records the current process id for the given bridge port.
func WritePIDFile(port int) (string, error) {
	path, err := PIDFile(port)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// RemovePIDFile deletes the PID file for the given bridge port, if present.
func RemovePIDFile(port int) {
	if path, err := PIDFile(port); err == nil {
		_ = os.Remove(path)
	}
}

// InRoot returns a path rooted under RootDir with additional path elements.
func InRoot(parts ...string) (string, error) {
	root, err := RootDir()
	if err != nil {
		return "", err
	}
	all := make([]string, 0, len(parts)+1)
	all = append(all, root)
	all = append(all, parts...)
	return filepath.Join(all...), nil
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
