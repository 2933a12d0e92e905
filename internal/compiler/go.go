// Package compiler cross-compiles Go programs to WASI artifacts with an
// acquired toolchain.
package compiler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harunnryd/wasibuild/internal/config"
	"github.com/harunnryd/wasibuild/internal/errors"
	"github.com/harunnryd/wasibuild/internal/process"

	"github.com/google/shlex"
)

const (
	TargetOS   = "wasip1"
	TargetArch = "wasm"
)

// Request describes one build.
type Request struct {
	SourceDir string
	Packages  []string
	OutputDir string
	// Flags is a shell-quoted string of extra go build flags.
	Flags string
}

// RequestFromConfig maps build settings onto a Request writing to outDir.
func RequestFromConfig(cfg config.BuildConfig, outDir string) Request {
	return Request{
		SourceDir: cfg.SourceDir,
		Packages:  cfg.Packages,
		OutputDir: outDir,
		Flags:     cfg.Flags,
	}
}

// GoCompiler drives <GoRoot>/bin/go.
type GoCompiler struct {
	GoRoot string
	Runner process.Runner
}

func NewGoCompiler(goroot string, runner process.Runner) *GoCompiler {
	if runner == nil {
		runner = process.ExecRunner{}
	}
	return &GoCompiler{GoRoot: goroot, Runner: runner}
}

// Binary is the go command inside GoRoot.
func (c *GoCompiler) Binary() string {
	return filepath.Join(c.GoRoot, "bin", "go")
}

func (c *GoCompiler) env() []string {
	return []string{
		"GOOS=" + TargetOS,
		"GOARCH=" + TargetArch,
		"GOROOT=" + c.GoRoot,
		// Never let go.mod switch to a different, downloaded toolchain.
		"GOTOOLCHAIN=local",
	}
}

// Build runs go build for the wasip1/wasm target. A non-zero exit is a
// ProcessError carrying the compiler's stderr.
func (c *GoCompiler) Build(ctx context.Context, req Request) error {
	flags, err := shlex.Split(req.Flags)
	if err != nil {
		return errors.WrapWithCategory(err, "parse build.flags", errors.ErrConfig)
	}
	packages := req.Packages
	if len(packages) == 0 {
		packages = []string{config.DefaultBuildPackage}
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	args := append([]string{"build"}, flags...)
	args = append(args, "-o", req.OutputDir+string(os.PathSeparator))
	args = append(args, packages...)

	cmd := process.Command{Name: c.Binary(), Args: args, Dir: req.SourceDir, Env: c.env()}
	slog.Info("Compiling", "cmd", cmd.String(), "dir", req.SourceDir, "target", TargetOS+"/"+TargetArch)

	start := time.Now()
	res, err := c.Runner.Run(ctx, cmd)
	if err != nil {
		return &errors.ProcessError{Op: "compile", Stderr: strings.TrimSpace(string(res.Stderr)), Err: err}
	}
	slog.Info("Compiled", "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// Version reports `go version` for the toolchain.
func (c *GoCompiler) Version(ctx context.Context) (string, error) {
	res, err := c.Runner.Run(ctx, process.Command{Name: c.Binary(), Args: []string{"version"}})
	if err != nil {
		return "", &errors.ProcessError{Op: "compile", Stderr: strings.TrimSpace(string(res.Stderr)), Err: err}
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}
