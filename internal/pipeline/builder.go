package pipeline

import (
	"fmt"

	"github.com/harunnryd/wasibuild/internal/compiler"
	"github.com/harunnryd/wasibuild/internal/config"
	"github.com/harunnryd/wasibuild/internal/fetch"
	"github.com/harunnryd/wasibuild/internal/process"
	"github.com/harunnryd/wasibuild/internal/sandbox"
	"github.com/harunnryd/wasibuild/internal/toolchain"
)

type PipelineBuilder interface {
	WithConfig(cfg *config.Config) PipelineBuilder
	WithPlatform(p toolchain.Platform) PipelineBuilder
	WithAcquirer(a Acquirer) PipelineBuilder
	WithCompilerFactory(f CompilerFactory) PipelineBuilder
	WithLauncher(l Launcher) PipelineBuilder
	WithRunner(r process.Runner) PipelineBuilder
	Build() (*Pipeline, error)
}

type DefaultPipelineBuilder struct {
	cfg             *config.Config
	platform        *toolchain.Platform
	acquirer        Acquirer
	compilerFactory CompilerFactory
	launcher        Launcher
	runner          process.Runner
}

func NewBuilder() PipelineBuilder {
	return &DefaultPipelineBuilder{}
}

func (b *DefaultPipelineBuilder) WithConfig(cfg *config.Config) PipelineBuilder {
	b.cfg = cfg
	return b
}

func (b *DefaultPipelineBuilder) WithPlatform(p toolchain.Platform) PipelineBuilder {
	b.platform = &p
	return b
}

func (b *DefaultPipelineBuilder) WithAcquirer(a Acquirer) PipelineBuilder {
	b.acquirer = a
	return b
}

func (b *DefaultPipelineBuilder) WithCompilerFactory(f CompilerFactory) PipelineBuilder {
	b.compilerFactory = f
	return b
}

func (b *DefaultPipelineBuilder) WithLauncher(l Launcher) PipelineBuilder {
	b.launcher = l
	return b
}

func (b *DefaultPipelineBuilder) WithRunner(r process.Runner) PipelineBuilder {
	b.runner = r
	return b
}

// Build fills every collaborator not supplied explicitly from the config.
func (b *DefaultPipelineBuilder) Build() (*Pipeline, error) {
	if b.cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	runner := b.runner
	if runner == nil {
		runner = process.ExecRunner{}
	}

	platform := toolchain.Current()
	if b.platform != nil {
		platform = *b.platform
	}

	acquirer := b.acquirer
	if acquirer == nil {
		fetcher, err := fetch.New(b.cfg.Fetch)
		if err != nil {
			return nil, err
		}
		cache, err := toolchain.NewCache(b.cfg, fetcher, runner)
		if err != nil {
			return nil, err
		}
		acquirer = cache
	}

	factory := b.compilerFactory
	if factory == nil {
		factory = func(goroot string) Compiler {
			return compiler.NewGoCompiler(goroot, runner)
		}
	}

	launcher := b.launcher
	if launcher == nil {
		launcher = sandbox.NewLauncher(b.cfg.Sandbox)
	}

	return &Pipeline{
		cfg:         b.cfg,
		platform:    platform,
		acquirer:    acquirer,
		newCompiler: factory,
		launcher:    launcher,
	}, nil
}
