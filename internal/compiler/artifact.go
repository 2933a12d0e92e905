package compiler

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// BinaryName is the file go build writes for a main package in sourceDir
// when none is configured: the directory's base name.
func BinaryName(configured, sourceDir string) (string, error) {
	if name := strings.TrimSpace(configured); name != "" {
		return name, nil
	}
	abs, err := filepath.Abs(sourceDir)
	if err != nil {
		return "", err
	}
	return filepath.Base(abs), nil
}

// Rename moves <outDir>/<binaryName> to <outDir>/<artifactName> and returns
// the new path. An existing artifact is replaced.
func Rename(outDir, binaryName, artifactName string) (string, error) {
	for _, name := range []string{binaryName, artifactName} {
		if name == "" || name != filepath.Base(name) {
			return "", fmt.Errorf("invalid artifact file name %q", name)
		}
	}
	from := filepath.Join(outDir, binaryName)
	to := filepath.Join(outDir, artifactName)
	if from == to {
		return to, nil
	}

	info, err := os.Stat(from)
	if err != nil {
		return "", fmt.Errorf("compiled binary not found: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("compiled binary %s is a directory", from)
	}
	if err := os.Rename(from, to); err != nil {
		return "", fmt.Errorf("rename artifact: %w", err)
	}
	slog.Debug("Artifact renamed", "from", from, "to", to)
	return to, nil
}
