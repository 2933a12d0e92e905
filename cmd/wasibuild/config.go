package main

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/wasibuild/internal/config"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

//go:embed templates/config.yaml
var embeddedDefaultConfig []byte

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Dump fully resolved configuration",
	Long:  `Display the configuration after defaults, the config file, WASIBUILD_ environment variables and flags are merged.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadConfigForCommand(cmd)
		if err != nil {
			return err
		}

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(loaded); err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		return enc.Close()
	},
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration file",
	Long: `Write the built-in default configuration to --config, or to
$HOME/.wasibuild/config.yaml when no path is given. An existing file is left
alone unless --force is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		target := strings.TrimSpace(cfgFile)
		if target == "" {
			var err error
			if target, err = config.DefaultPath(); err != nil {
				return fmt.Errorf("resolve default config path: %w", err)
			}
		}

		out := cmd.OutOrStdout()
		if _, err := os.Stat(target); err == nil && !configInitForce {
			fmt.Fprintf(out, "Config already exists at %s (use --force to overwrite)\n", target)
			return nil
		} else if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("stat %s: %w", target, err)
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
		body := bytes.TrimSpace(embeddedDefaultConfig)
		body = append(body, '\n')
		if err := atomic.WriteFile(target, bytes.NewReader(body)); err != nil {
			return fmt.Errorf("write %s: %w", target, err)
		}

		fmt.Fprintf(out, "Wrote default config to %s\n", target)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing config file")
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
