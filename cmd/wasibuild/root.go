package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/harunnryd/wasibuild/internal/config"
	"github.com/harunnryd/wasibuild/internal/errors"
	"github.com/harunnryd/wasibuild/internal/logger"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "wasibuild",
	Short: "Build Go programs for WASI and run them in a sandbox",
	Long: `wasibuild downloads a Go toolchain, cross-compiles a program to a
wasip1/wasm artifact and runs it in a WebAssembly sandbox that only sees the
directories and environment it was granted.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cmd)
		if err != nil {
			return err
		}

		logger.Setup(cfg.LogLevel)
		return nil
	},
}

func Execute() {
	signals := NewSignalHandler(context.Background())
	signals.Start()
	defer signals.Stop()

	if err := rootCmd.ExecuteContext(signals.Context()); err != nil {
		slog.Debug("Command failed", "category", errors.Category(err))
		fmt.Fprintln(os.Stderr, "Error:", err)
		signals.Stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.wasibuild/config.yaml)")
	rootCmd.PersistentFlags().String("log_level", config.DefaultLogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("output_dir", "", "directory for toolchains and artifacts (default is $HOME/.wasibuild/out)")
	rootCmd.PersistentFlags().String("cache.extractor", config.DefaultCacheExtractor, "archive extractor (tar, native)")
	rootCmd.PersistentFlags().String("sandbox.engine", config.DefaultSandboxEngine, "wazero engine (compiler, interpreter)")
}
