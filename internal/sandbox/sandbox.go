// Package sandbox runs a single WASI module inside a wazero runtime with an
// explicit capability grant. Nothing outside the granted mounts, environment
// and stdio is visible to the guest.
package sandbox

import (
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/harunnryd/wasibuild/internal/errors"
)

// Mount exposes one host directory to the guest.
type Mount struct {
	HostDir   string
	GuestPath string
	ReadOnly  bool
}

// Grant is the full set of capabilities handed to one execution.
type Grant struct {
	Mounts       []Mount
	Env          map[string]string
	InheritStdio bool
	// InheritArgs passes the host process arguments. Otherwise Args is used
	// as the guest argv.
	InheritArgs bool
	Args        []string
}

// ExecutionState tracks an Execution through its single run.
type ExecutionState string

const (
	ExecutionStatePrepared ExecutionState = "prepared"
	ExecutionStateRunning  ExecutionState = "running"
	ExecutionStateFinished ExecutionState = "finished"
	ExecutionStateClosed   ExecutionState = "closed"
)

// Validate checks that every mount names a readable host directory and a
// distinct absolute guest path.
func (g Grant) Validate() error {
	seen := make(map[string]struct{}, len(g.Mounts))
	for _, m := range g.Mounts {
		if m.HostDir == "" {
			return errors.Config("mount host directory is empty")
		}
		if !strings.HasPrefix(m.GuestPath, "/") {
			return errors.Config(fmt.Sprintf("mount guest path %q must be absolute", m.GuestPath))
		}
		guest := path.Clean(m.GuestPath)
		if _, dup := seen[guest]; dup {
			return errors.Config(fmt.Sprintf("guest path %s mounted twice", guest))
		}
		seen[guest] = struct{}{}

		if err := readableDir(m.HostDir); err != nil {
			return errors.WrapWithCategory(err, "mount "+guest, errors.ErrConfig)
		}
	}
	for key := range g.Env {
		if key == "" || strings.ContainsAny(key, "=\x00") {
			return errors.Config(fmt.Sprintf("invalid environment variable name %q", key))
		}
	}
	return nil
}

func readableDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Readdirnames(1); err != nil && err != io.EOF {
		return fmt.Errorf("%s is not readable: %w", dir, err)
	}
	return nil
}

// envKeys returns the grant's environment names in a stable order.
func (g Grant) envKeys() []string {
	keys := make([]string, 0, len(g.Env))
	for k := range g.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
