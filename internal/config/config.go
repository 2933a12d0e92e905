package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/harunnryd/wasibuild/internal/errors"
	"github.com/harunnryd/wasibuild/internal/pathutil"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	LogLevel   string                     `koanf:"log_level" yaml:"log_level"`
	OutputDir  string                     `koanf:"output_dir" yaml:"output_dir"`
	Fetch      FetchConfig                `koanf:"fetch" yaml:"fetch"`
	Cache      CacheConfig                `koanf:"cache" yaml:"cache"`
	Toolchains map[string]ToolchainConfig `koanf:"toolchains" yaml:"toolchains"`
	Build      BuildConfig                `koanf:"build" yaml:"build"`
	Sandbox    SandboxConfig              `koanf:"sandbox" yaml:"sandbox"`
}

type FetchConfig struct {
	MaxRedirects     int    `koanf:"max_redirects" yaml:"max_redirects"`
	DialTimeout      string `koanf:"dial_timeout" yaml:"dial_timeout"`
	HandshakeTimeout string `koanf:"handshake_timeout" yaml:"handshake_timeout"`
}

type CacheConfig struct {
	LockTimeout string `koanf:"lock_timeout" yaml:"lock_timeout"`
	LockRetry   string `koanf:"lock_retry" yaml:"lock_retry"`
	Extractor   string `koanf:"extractor" yaml:"extractor"`
}

// ToolchainConfig describes one downloadable toolchain. URL may contain the
// {version} and {suffix} placeholders; Platforms maps "os/arch" to suffix and
// replaces the built-in table when non-empty.
type ToolchainConfig struct {
	Version     string            `koanf:"version" yaml:"version"`
	URL         string            `koanf:"url" yaml:"url"`
	Marker      string            `koanf:"marker" yaml:"marker"`
	OverrideEnv string            `koanf:"override_env" yaml:"override_env"`
	SHA256      string            `koanf:"sha256" yaml:"sha256"`
	Platforms   map[string]string `koanf:"platforms" yaml:"platforms,omitempty"`
}

type BuildConfig struct {
	Toolchain    string   `koanf:"toolchain" yaml:"toolchain"`
	SourceDir    string   `koanf:"source_dir" yaml:"source_dir"`
	Packages     []string `koanf:"packages" yaml:"packages"`
	BinaryName   string   `koanf:"binary_name" yaml:"binary_name"`
	ArtifactName string   `koanf:"artifact_name" yaml:"artifact_name"`
	Flags        string   `koanf:"flags" yaml:"flags"`
}

type SandboxConfig struct {
	Engine       string            `koanf:"engine" yaml:"engine"`
	CacheDir     string            `koanf:"cache_dir" yaml:"cache_dir"`
	GuestRoot    string            `koanf:"guest_root" yaml:"guest_root"`
	InheritStdio bool              `koanf:"inherit_stdio" yaml:"inherit_stdio"`
	InheritArgs  bool              `koanf:"inherit_args" yaml:"inherit_args"`
	Args         string            `koanf:"args" yaml:"args"`
	Env          map[string]string `koanf:"env" yaml:"env,omitempty"`
	Workdir      string            `koanf:"workdir" yaml:"workdir"`
	WorkdirGuest string            `koanf:"workdir_guest" yaml:"workdir_guest"`
	Mounts       []MountConfig     `koanf:"mounts" yaml:"mounts"`
}

// MountConfig grants one host directory to the sandbox. Exactly one of
// Toolchain or Host names the directory. Env lists variables bound to the
// guest path.
type MountConfig struct {
	Toolchain string   `koanf:"toolchain" yaml:"toolchain,omitempty"`
	Host      string   `koanf:"host" yaml:"host,omitempty"`
	Guest     string   `koanf:"guest" yaml:"guest"`
	ReadOnly  bool     `koanf:"read_only" yaml:"read_only"`
	Env       []string `koanf:"env" yaml:"env,omitempty"`
}

const (
	DefaultLogLevel              = "info"
	DefaultFetchMaxRedirects     = 10
	DefaultFetchDialTimeout      = "30s"
	DefaultFetchHandshakeTimeout = "30s"
	DefaultCacheLockTimeout      = "10m"
	DefaultCacheLockRetry        = "250ms"
	DefaultCacheExtractor        = ExtractorTar
	DefaultGoToolchain           = "go"
	DefaultGoVersion             = "1.21.0"
	DefaultGoURL                 = "https://dl.google.com/go/go{version}{suffix}.tar.gz"
	DefaultGoMarker              = "bin/go"
	DefaultGoOverrideEnv         = "WASIBUILD_GO_PATH"
	DefaultBuildSourceDir        = "."
	DefaultBuildPackage          = "./..."
	DefaultBuildArtifactName     = "app.wasm"
	DefaultBuildFlags            = "-trimpath"
	DefaultSandboxEngine         = EngineCompiler
	DefaultSandboxGuestRoot      = "/sandbox"
	DefaultSandboxInheritStdio   = true
	DefaultSandboxInheritArgs    = false
	DefaultSandboxWorkdirGuest   = "work"

	ExtractorTar      = "tar"
	ExtractorNative   = "native"
	EngineCompiler    = "compiler"
	EngineInterpreter = "interpreter"

	EnvPrefix = "WASIBUILD_"
)

func defaults() map[string]interface{} {
	home, _ := os.UserHomeDir()
	return map[string]interface{}{
		"log_level":                  DefaultLogLevel,
		"output_dir":                 filepath.Join(home, ".wasibuild", "out"),
		"fetch.max_redirects":        DefaultFetchMaxRedirects,
		"fetch.dial_timeout":         DefaultFetchDialTimeout,
		"fetch.handshake_timeout":    DefaultFetchHandshakeTimeout,
		"cache.lock_timeout":         DefaultCacheLockTimeout,
		"cache.lock_retry":           DefaultCacheLockRetry,
		"cache.extractor":            DefaultCacheExtractor,
		"toolchains.go.version":      DefaultGoVersion,
		"toolchains.go.url":          DefaultGoURL,
		"toolchains.go.marker":       DefaultGoMarker,
		"toolchains.go.override_env": DefaultGoOverrideEnv,
		"toolchains.go.sha256":       "",
		"build.toolchain":            DefaultGoToolchain,
		"build.source_dir":           DefaultBuildSourceDir,
		"build.packages":             []string{DefaultBuildPackage},
		"build.binary_name":          "",
		"build.artifact_name":        DefaultBuildArtifactName,
		"build.flags":                DefaultBuildFlags,
		"sandbox.engine":             DefaultSandboxEngine,
		"sandbox.cache_dir":          "",
		"sandbox.guest_root":         DefaultSandboxGuestRoot,
		"sandbox.inherit_stdio":      DefaultSandboxInheritStdio,
		"sandbox.inherit_args":       DefaultSandboxInheritArgs,
		"sandbox.args":               "",
		"sandbox.workdir":            "",
		"sandbox.workdir_guest":      DefaultSandboxWorkdirGuest,
		"sandbox.mounts": []MountConfig{
			{Toolchain: DefaultGoToolchain, Guest: DefaultGoToolchain, ReadOnly: true, Env: []string{"GOROOT"}},
		},
	}
}

// DefaultPath is the config file read when --config is not given.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".wasibuild", "config.yaml"), nil
}

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	for key, value := range defaults() {
		k.Set(key, value)
	}

	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, errors.WrapWithCategory(err, "load config "+configPath, errors.ErrConfig)
		}
	} else if globalPath, err := DefaultPath(); err == nil {
		if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
			slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
		}
	}

	// WASIBUILD_FETCH__MAX_REDIRECTS -> fetch.max_redirects. A double
	// underscore separates levels so single underscores survive in key names.
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if cmd != nil {
		if err := k.Load(posflag.Provider(cmd.Flags(), ".", k), nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.WrapWithCategory(err, "decode config", errors.ErrConfig)
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, errors.WrapWithCategory(err, "expand config paths", errors.ErrConfig)
	}
	if err := Validate(&cfg); err != nil {
		return nil, errors.WrapWithCategory(err, "invalid config", errors.ErrConfig)
	}

	return &cfg, nil
}

func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

// Validate checks cross-field constraints that koanf cannot express.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	// The fetcher reads zero as its default ceiling, never as "follow none".
	if cfg.Fetch.MaxRedirects < 1 {
		return fmt.Errorf("fetch.max_redirects must be at least 1, got %d", cfg.Fetch.MaxRedirects)
	}
	switch cfg.Cache.Extractor {
	case ExtractorTar, ExtractorNative:
	default:
		return fmt.Errorf("cache.extractor must be %q or %q, got %q", ExtractorTar, ExtractorNative, cfg.Cache.Extractor)
	}
	switch cfg.Sandbox.Engine {
	case EngineCompiler, EngineInterpreter:
	default:
		return fmt.Errorf("sandbox.engine must be %q or %q, got %q", EngineCompiler, EngineInterpreter, cfg.Sandbox.Engine)
	}
	if strings.TrimSpace(cfg.OutputDir) == "" {
		return fmt.Errorf("output_dir is required")
	}
	if _, ok := cfg.Toolchains[cfg.Build.Toolchain]; !ok {
		return fmt.Errorf("build.toolchain %q is not configured (have %s)", cfg.Build.Toolchain, strings.Join(ToolchainNames(cfg), ", "))
	}
	for name, tc := range cfg.Toolchains {
		if strings.TrimSpace(tc.Version) == "" {
			return fmt.Errorf("toolchains.%s.version is required", name)
		}
		if strings.TrimSpace(tc.URL) == "" {
			return fmt.Errorf("toolchains.%s.url is required", name)
		}
	}
	for i, m := range cfg.Sandbox.Mounts {
		hasToolchain := strings.TrimSpace(m.Toolchain) != ""
		hasHost := strings.TrimSpace(m.Host) != ""
		if hasToolchain == hasHost {
			return fmt.Errorf("sandbox.mounts[%d]: exactly one of toolchain or host is required", i)
		}
		if hasToolchain {
			if _, ok := cfg.Toolchains[m.Toolchain]; !ok {
				return fmt.Errorf("sandbox.mounts[%d]: unknown toolchain %q", i, m.Toolchain)
			}
		}
	}
	return nil
}

// ToolchainNames returns the configured toolchain names in sorted order.
func ToolchainNames(cfg *Config) []string {
	names := make([]string, 0, len(cfg.Toolchains))
	for name := range cfg.Toolchains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizePathFields(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	fields := []*string{
		&cfg.OutputDir,
		&cfg.Build.SourceDir,
		&cfg.Sandbox.CacheDir,
		&cfg.Sandbox.Workdir,
	}
	for i := range cfg.Sandbox.Mounts {
		fields = append(fields, &cfg.Sandbox.Mounts[i].Host)
	}

	for _, field := range fields {
		expanded, err := pathutil.ExpandAbs(*field)
		if err != nil {
			return err
		}
		if expanded != "" {
			*field = expanded
		}
	}

	return nil
}
