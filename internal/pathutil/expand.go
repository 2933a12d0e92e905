// Package pathutil resolves host paths from configuration and guest paths
// inside the sandbox.
package pathutil

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// Expand resolves $VAR, ${VAR} and a leading "~" in a host path.
func Expand(p string) (string, error) {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		return "", nil
	}

	expanded := os.ExpandEnv(trimmed)
	if expanded == "~" || strings.HasPrefix(expanded, "~/") {
		home, err := homeDir()
		if err != nil {
			return "", fmt.Errorf("expand %q: %w", p, err)
		}
		expanded = filepath.Join(home, strings.TrimPrefix(expanded, "~"))
	}
	return filepath.Clean(expanded), nil
}

// ExpandAbs expands p and makes it absolute against the working directory.
// Cache and output directories are handed to child processes running in
// other directories, so they must not stay relative.
func ExpandAbs(p string) (string, error) {
	expanded, err := Expand(p)
	if err != nil || expanded == "" {
		return expanded, err
	}
	return filepath.Abs(expanded)
}

func homeDir() (string, error) {
	candidates := []func() string{
		func() string {
			home, _ := os.UserHomeDir()
			return home
		},
		func() string {
			if u, err := user.Current(); err == nil {
				return u.HomeDir
			}
			return ""
		},
	}
	for _, candidate := range candidates {
		home := strings.TrimSpace(candidate())
		if home != "" && home != "~" && !strings.HasPrefix(home, "~/") {
			return home, nil
		}
	}
	return "", fmt.Errorf("home directory is not set")
}
