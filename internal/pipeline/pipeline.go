// Package pipeline runs the build end to end: acquire toolchains, compile
// the program to a WASI artifact, derive the sandbox grant and launch it.
// Steps run in order and the first failure stops the run.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/harunnryd/wasibuild/internal/compiler"
	"github.com/harunnryd/wasibuild/internal/config"
	"github.com/harunnryd/wasibuild/internal/errors"
	"github.com/harunnryd/wasibuild/internal/logger"
	"github.com/harunnryd/wasibuild/internal/sandbox"
	"github.com/harunnryd/wasibuild/internal/toolchain"
)

// Acquirer resolves a toolchain for a platform.
type Acquirer interface {
	Acquire(ctx context.Context, spec toolchain.Spec, platform toolchain.Platform) (*toolchain.Toolchain, error)
}

// Compiler builds a request into an output directory.
type Compiler interface {
	Build(ctx context.Context, req compiler.Request) error
}

// CompilerFactory binds a Compiler to an acquired GOROOT.
type CompilerFactory func(goroot string) Compiler

// Launcher runs an artifact under a grant.
type Launcher interface {
	Launch(ctx context.Context, artifact []byte, grant sandbox.Grant) error
}

type Pipeline struct {
	cfg         *config.Config
	platform    toolchain.Platform
	acquirer    Acquirer
	newCompiler CompilerFactory
	launcher    Launcher
}

// Toolchains maps toolchain names to their resolved directories.
type Toolchains map[string]*toolchain.Toolchain

func (p *Pipeline) Config() *config.Config {
	return p.cfg
}

func (p *Pipeline) Platform() toolchain.Platform {
	return p.platform
}

// Acquire resolves one configured toolchain and checks its home exists.
func (p *Pipeline) Acquire(ctx context.Context, name string) (*toolchain.Toolchain, error) {
	tc, ok := p.cfg.Toolchains[name]
	if !ok {
		return nil, errors.Config(fmt.Sprintf("toolchain %q is not configured", name))
	}
	ctx = logger.WithStep(ctx, "acquire")

	resolved, err := p.acquirer.Acquire(ctx, toolchain.SpecFromConfig(name, tc), p.platform)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(resolved.Home); err != nil {
		return nil, errors.Config(fmt.Sprintf("toolchain %s not installed in %s", name, resolved.Home))
	}
	logger.FromContext(ctx).Info("Toolchain ready", "toolchain", name, "home", resolved.Home, "overridden", resolved.Overridden)
	return resolved, nil
}

// AcquireAll resolves the given toolchains in name order.
func (p *Pipeline) AcquireAll(ctx context.Context, names []string) (Toolchains, error) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	out := make(Toolchains, len(sorted))
	for _, name := range sorted {
		if _, done := out[name]; done {
			continue
		}
		tc, err := p.Acquire(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = tc
	}
	return out, nil
}

// Compile builds the configured program with the given Go toolchain and
// returns the path of the renamed artifact.
func (p *Pipeline) Compile(ctx context.Context, goroot string) (string, error) {
	ctx = logger.WithStep(ctx, "compile")
	build := p.cfg.Build

	if err := p.newCompiler(goroot).Build(ctx, compiler.RequestFromConfig(build, p.cfg.OutputDir)); err != nil {
		return "", err
	}

	binary, err := compiler.BinaryName(build.BinaryName, build.SourceDir)
	if err != nil {
		return "", err
	}
	artifact, err := compiler.Rename(p.cfg.OutputDir, binary, build.ArtifactName)
	if err != nil {
		return "", errors.WrapWithCategory(err, "collect artifact", errors.ErrCompilation)
	}
	logger.FromContext(ctx).Info("Artifact ready", "path", artifact)
	return artifact, nil
}

// Build acquires the build toolchain and compiles the artifact.
func (p *Pipeline) Build(ctx context.Context) (string, error) {
	tc, err := p.Acquire(ctx, p.cfg.Build.Toolchain)
	if err != nil {
		return "", err
	}
	return p.Compile(ctx, tc.Home)
}

// Execute launches an artifact. Toolchains referenced by mounts are acquired
// first; with a warm cache this does no network I/O.
func (p *Pipeline) Execute(ctx context.Context, artifactPath string, args []string) error {
	toolchains, err := p.AcquireAll(ctx, MountedToolchains(p.cfg.Sandbox))
	if err != nil {
		return err
	}
	return p.launch(ctx, artifactPath, toolchains, args)
}

// Run is the whole pipeline: acquire, compile, grant and launch.
func (p *Pipeline) Run(ctx context.Context, args []string) error {
	names := append(MountedToolchains(p.cfg.Sandbox), p.cfg.Build.Toolchain)
	toolchains, err := p.AcquireAll(ctx, names)
	if err != nil {
		return err
	}

	artifact, err := p.Compile(ctx, toolchains[p.cfg.Build.Toolchain].Home)
	if err != nil {
		return err
	}
	return p.launch(ctx, artifact, toolchains, args)
}

func (p *Pipeline) launch(ctx context.Context, artifactPath string, toolchains Toolchains, args []string) error {
	ctx = logger.WithStep(ctx, "launch")

	grant, err := DeriveGrant(p.cfg.Sandbox, toolchains, filepath.Base(artifactPath), args)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(artifactPath)
	if err != nil {
		return errors.Load(err, "read artifact")
	}
	logger.FromContext(ctx).Info("Launching artifact", "path", artifactPath, "mounts", len(grant.Mounts))
	return p.launcher.Launch(ctx, data, grant)
}
