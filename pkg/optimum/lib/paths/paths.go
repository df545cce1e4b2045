// Package paths provides cross-platform path utilities for Optimum.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

// DefaultModelsDir returns the platform-specific default models directory.
// Returns ~/.optimum/models on Unix-like systems and %USERPROFILE%\.optimum\models on Windows.
// Falls back to "./models" if home directory cannot be determined.
func DefaultModelsDir() string {
	home := userHomeDir()
	if home == "" {
		return filepath.FromSlash("./models")
	}
	return filepath.Join(home, ".optimum", "models")
}

// userHomeDir returns the user's home directory in a cross-platform manner.
// On Unix: $HOME
// On Windows: %USERPROFILE% (preferred) or %HOMEDRIVE%%HOMEPATH%
// Note: On Windows, we check USERPROFILE first because $HOME from Git Bash/MSYS2
// may contain Unix-style paths (e.g., /c/Users/...) that don't work with Windows APIs.
func userHomeDir() string {
	if runtime.GOOS == "windows" {
		if home := os.Getenv("USERPROFILE"); home != "" {
			return home
		}
		if drive, path := os.Getenv("HOMEDRIVE"), os.Getenv("HOMEPATH"); drive != "" && path != "" {
			return filepath.Join(drive, path)
		}
	}

	if home := os.Getenv("HOME"); home != "" {
		return home
	}

	home, _ := os.UserHomeDir()
	return home
}
