package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/wasibuild/internal/config"
	"github.com/harunnryd/wasibuild/internal/errors"
	"github.com/harunnryd/wasibuild/internal/pathutil"
	"github.com/harunnryd/wasibuild/internal/sandbox"

	"github.com/google/shlex"
)

// MountedToolchains lists toolchains named by sandbox mounts.
func MountedToolchains(cfg config.SandboxConfig) []string {
	var names []string
	for _, m := range cfg.Mounts {
		if m.Toolchain != "" {
			names = append(names, m.Toolchain)
		}
	}
	return names
}

// DeriveGrant turns the sandbox config and resolved toolchain directories
// into a capability grant. Guest paths live under guest_root; mount env
// names are bound to the mount's guest path. An optional workdir is mounted
// writable and becomes HOME and PWD. Explicit sandbox.env entries win.
func DeriveGrant(cfg config.SandboxConfig, toolchains Toolchains, argv0 string, extraArgs []string) (sandbox.Grant, error) {
	grant := sandbox.Grant{
		Env:          map[string]string{},
		InheritStdio: cfg.InheritStdio,
		InheritArgs:  cfg.InheritArgs,
	}

	for i, m := range cfg.Mounts {
		host := m.Host
		name := m.Guest
		if m.Toolchain != "" {
			tc, ok := toolchains[m.Toolchain]
			if !ok {
				return sandbox.Grant{}, errors.Config(fmt.Sprintf("sandbox.mounts[%d]: toolchain %q was not acquired", i, m.Toolchain))
			}
			host = tc.Home
			if name == "" {
				name = m.Toolchain
			}
		}
		if name == "" {
			name = filepath.Base(host)
		}

		guest, err := pathutil.GuestPath(cfg.GuestRoot, name)
		if err != nil {
			return sandbox.Grant{}, errors.WrapWithCategory(err, fmt.Sprintf("sandbox.mounts[%d]", i), errors.ErrConfig)
		}
		grant.Mounts = append(grant.Mounts, sandbox.Mount{HostDir: host, GuestPath: guest, ReadOnly: m.ReadOnly})
		for _, key := range m.Env {
			grant.Env[key] = guest
		}
	}

	if cfg.Workdir != "" {
		if err := os.MkdirAll(cfg.Workdir, 0o755); err != nil {
			return sandbox.Grant{}, fmt.Errorf("create sandbox workdir: %w", err)
		}
		guest, err := pathutil.GuestPath(cfg.GuestRoot, cfg.WorkdirGuest)
		if err != nil {
			return sandbox.Grant{}, errors.WrapWithCategory(err, "sandbox.workdir_guest", errors.ErrConfig)
		}
		grant.Mounts = append(grant.Mounts, sandbox.Mount{HostDir: cfg.Workdir, GuestPath: guest})
		grant.Env["HOME"] = guest
		grant.Env["PWD"] = guest
	}

	for k, v := range cfg.Env {
		grant.Env[strings.ToUpper(k)] = v
	}

	args, err := shlex.Split(cfg.Args)
	if err != nil {
		return sandbox.Grant{}, errors.WrapWithCategory(err, "parse sandbox.args", errors.ErrConfig)
	}
	grant.Args = append([]string{argv0}, args...)
	grant.Args = append(grant.Args, extraArgs...)

	return grant, nil
}
