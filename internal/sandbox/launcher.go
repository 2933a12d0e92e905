package sandbox

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/harunnryd/wasibuild/internal/config"
	"github.com/harunnryd/wasibuild/internal/errors"
	"github.com/harunnryd/wasibuild/internal/logger"

	"github.com/oklog/ulid/v2"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental/sysfs"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// instantiateHost links the WASI preview1 host functions into a runtime.
var instantiateHost = func(ctx context.Context, r wazero.Runtime) error {
	_, err := wasi_snapshot_preview1.Instantiate(ctx, r)
	return err
}

// Entry points tried in order. "" is the unnamed default export.
var entryPoints = []string{"_start", ""}

// Launcher prepares and runs WASI artifacts.
type Launcher struct {
	// Engine is config.EngineCompiler (default) or config.EngineInterpreter.
	Engine string
	// CacheDir, when set, persists compiled machine code between runs.
	CacheDir string

	// Stdio used when a grant inherits stdio. Nil selects the process's own.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// NewLauncher wires a Launcher from configuration.
func NewLauncher(cfg config.SandboxConfig) *Launcher {
	return &Launcher{Engine: cfg.Engine, CacheDir: cfg.CacheDir}
}

// Execution is one compiled module bound to one grant. Run may be called
// once; Close releases the runtime.
type Execution struct {
	ID    string
	Entry string
	Grant Grant

	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled wazero.CompiledModule
	config   wazero.ModuleConfig

	mu    sync.Mutex
	state ExecutionState
}

// Launch prepares the artifact, runs its entry point once and closes the
// execution.
func (l *Launcher) Launch(ctx context.Context, artifact []byte, grant Grant) error {
	exec, err := l.Prepare(ctx, artifact, grant)
	if err != nil {
		return err
	}
	defer exec.Close(context.WithoutCancel(ctx))
	return exec.Run(ctx)
}

// Prepare validates the grant, compiles the artifact and resolves its entry
// point. Compile or validation failures are ErrLoad; a missing or mistyped
// entry point is ErrInterface.
func (l *Launcher) Prepare(ctx context.Context, artifact []byte, grant Grant) (*Execution, error) {
	if err := grant.Validate(); err != nil {
		return nil, err
	}

	id := ulid.Make().String()
	ctx = logger.WithExecutionID(ctx, id)
	log := logger.FromContext(ctx)

	rtConfig, err := l.runtimeConfig()
	if err != nil {
		return nil, err
	}
	var cache wazero.CompilationCache
	if l.CacheDir != "" {
		if cache, err = wazero.NewCompilationCacheWithDir(l.CacheDir); err != nil {
			return nil, errors.WrapWithCategory(err, "compilation cache "+l.CacheDir, errors.ErrConfig)
		}
		rtConfig = rtConfig.WithCompilationCache(cache)
	}

	exec := &Execution{
		ID:      id,
		Grant:   grant,
		runtime: wazero.NewRuntimeWithConfig(ctx, rtConfig),
		cache:   cache,
		state:   ExecutionStatePrepared,
	}

	if err := instantiateHost(ctx, exec.runtime); err != nil {
		exec.Close(ctx)
		return nil, errors.Load(err, "instantiate WASI host module")
	}

	start := time.Now()
	exec.compiled, err = exec.runtime.CompileModule(ctx, artifact)
	if err != nil {
		exec.Close(ctx)
		return nil, errors.Load(err, "compile artifact")
	}
	log.Debug("Artifact compiled", "engine", l.engine(), "duration", time.Since(start).Round(time.Millisecond))

	exec.Entry, err = entryPoint(exec.compiled)
	if err != nil {
		exec.Close(ctx)
		return nil, err
	}

	exec.config, err = l.moduleConfig(grant)
	if err != nil {
		exec.Close(ctx)
		return nil, err
	}

	log.Info("Execution prepared", "entry", displayEntry(exec.Entry), "mounts", len(grant.Mounts))
	return exec, nil
}

func (l *Launcher) engine() string {
	if l.Engine == "" {
		return config.EngineCompiler
	}
	return l.Engine
}

func (l *Launcher) runtimeConfig() (wazero.RuntimeConfig, error) {
	var rc wazero.RuntimeConfig
	switch l.engine() {
	case config.EngineCompiler:
		rc = wazero.NewRuntimeConfigCompiler()
	case config.EngineInterpreter:
		rc = wazero.NewRuntimeConfigInterpreter()
	default:
		return nil, errors.Config(fmt.Sprintf("unknown sandbox engine %q", l.Engine))
	}
	return rc.WithCloseOnContextDone(true), nil
}

func (l *Launcher) moduleConfig(grant Grant) (wazero.ModuleConfig, error) {
	mc := wazero.NewModuleConfig().
		WithStartFunctions().
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep().
		WithRandSource(rand.Reader)

	if grant.InheritStdio {
		mc = mc.WithStdin(orDefault[io.Reader](l.Stdin, os.Stdin)).
			WithStdout(orDefault[io.Writer](l.Stdout, os.Stdout)).
			WithStderr(orDefault[io.Writer](l.Stderr, os.Stderr))
	}

	args := grant.Args
	if grant.InheritArgs {
		args = os.Args
	}
	mc = mc.WithArgs(args...)

	for _, key := range grant.envKeys() {
		mc = mc.WithEnv(key, grant.Env[key])
	}

	fsConfig := wazero.NewFSConfig()
	for _, m := range grant.Mounts {
		fsys, err := newConfinedFS(m)
		if err != nil {
			return nil, errors.WrapWithCategory(err, "mount "+m.GuestPath, errors.ErrConfig)
		}
		fsConfig = fsConfig.(sysfs.FSConfig).WithSysFSMount(fsys, m.GuestPath)
	}
	return mc.WithFSConfig(fsConfig), nil
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// entryPoint picks the first export in entryPoints taking no parameters and
// returning nothing.
func entryPoint(compiled wazero.CompiledModule) (string, error) {
	exports := compiled.ExportedFunctions()
	for _, name := range entryPoints {
		def, ok := exports[name]
		if !ok {
			continue
		}
		if len(def.ParamTypes()) != 0 || len(def.ResultTypes()) != 0 {
			return "", errors.Interface(fmt.Sprintf("entry point %s has signature %s, want () -> ()", displayEntry(name), signature(def)))
		}
		return name, nil
	}
	return "", errors.Interface("artifact exports no _start or default function")
}

func signature(def api.FunctionDefinition) string {
	names := func(types []api.ValueType) []string {
		out := make([]string, len(types))
		for i, t := range types {
			out[i] = api.ValueTypeName(t)
		}
		return out
	}
	return fmt.Sprintf("%v -> %v", names(def.ParamTypes()), names(def.ResultTypes()))
}

func displayEntry(name string) string {
	if name == "" {
		return `""`
	}
	return name
}

// Run instantiates the module and calls its entry point exactly once. A
// trap, a non-zero exit status or cancellation is reported as a TrapError.
func (e *Execution) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.state != ExecutionStatePrepared {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("execution %s is %s, not runnable", e.ID, state)
	}
	e.state = ExecutionStateRunning
	e.mu.Unlock()
	defer e.setState(ExecutionStateFinished)

	ctx = logger.WithExecutionID(ctx, e.ID)
	log := logger.FromContext(ctx)

	mod, err := e.runtime.InstantiateModule(ctx, e.compiled, e.config)
	if err != nil {
		if isExit(err) {
			return classify(err)
		}
		return errors.Load(err, "instantiate artifact")
	}
	defer mod.Close(context.WithoutCancel(ctx))

	fn := mod.ExportedFunction(e.Entry)
	if fn == nil {
		return errors.Interface(fmt.Sprintf("entry point %s not found after instantiation", displayEntry(e.Entry)))
	}

	start := time.Now()
	_, err = fn.Call(ctx)
	if err = classify(err); err != nil {
		log.Warn("Execution failed", "duration", time.Since(start).Round(time.Millisecond), "error", err)
		return err
	}
	log.Info("Execution finished", "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

func isExit(err error) bool {
	var exitErr *sys.ExitError
	return errors.As(err, &exitErr)
}

// classify maps a call result onto the error taxonomy. proc_exit(0) is
// success.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
		return nil
	}
	return &errors.TrapError{Cause: err}
}

func (e *Execution) setState(s ExecutionState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != ExecutionStateClosed {
		e.state = s
	}
}

// State reports where the execution is in its lifecycle.
func (e *Execution) State() ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Close releases the runtime and compilation cache. Safe to call more than
// once.
func (e *Execution) Close(ctx context.Context) {
	e.mu.Lock()
	if e.state == ExecutionStateClosed {
		e.mu.Unlock()
		return
	}
	e.state = ExecutionStateClosed
	e.mu.Unlock()

	if err := e.runtime.Close(ctx); err != nil {
		slog.Debug("Runtime close error ignored", "execution_id", e.ID, "error", err)
	}
	if e.cache != nil {
		if err := e.cache.Close(ctx); err != nil {
			slog.Debug("Compilation cache close error ignored", "execution_id", e.ID, "error", err)
		}
	}
}
