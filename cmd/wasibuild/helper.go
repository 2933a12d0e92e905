package main

import (
	"fmt"
	"strings"

	"github.com/harunnryd/wasibuild/internal/config"
	"github.com/harunnryd/wasibuild/internal/pipeline"
	"github.com/harunnryd/wasibuild/internal/toolchain"

	"github.com/spf13/cobra"
)

// newPipeline builds a pipeline from the loaded config, honouring a
// --platform override when the command defines one.
func newPipeline(cmd *cobra.Command) (*pipeline.Pipeline, error) {
	loaded, err := loadConfigForCommand(cmd)
	if err != nil {
		return nil, err
	}

	builder := pipeline.NewBuilder().WithConfig(loaded)
	if flag := cmd.Flags().Lookup("platform"); flag != nil {
		if value := strings.TrimSpace(flag.Value.String()); value != "" {
			p, err := toolchain.ParsePlatform(value)
			if err != nil {
				return nil, err
			}
			builder = builder.WithPlatform(p)
		}
	}

	p, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	return p, nil
}

func loadConfigForCommand(cmd *cobra.Command) (*config.Config, error) {
	if cfg != nil {
		return cfg, nil
	}
	return config.Load(cmd)
}
