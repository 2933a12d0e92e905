package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/harunnryd/wasibuild/internal/config"
	"github.com/harunnryd/wasibuild/internal/toolchain"

	"github.com/spf13/cobra"
)

var platformsCmd = &cobra.Command{
	Use:   "platforms",
	Short: "List supported host platforms per toolchain",
	RunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadConfigForCommand(cmd)
		if err != nil {
			return err
		}

		current := toolchain.Current().String()
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TOOLCHAIN\tPLATFORM\tARCHIVE")
		for _, name := range config.ToolchainNames(loaded) {
			spec := toolchain.SpecFromConfig(name, loaded.Toolchains[name])
			for _, platform := range toolchain.PlatformNames(spec.Platforms) {
				marker := ""
				if platform == current {
					marker = " (current)"
				}
				fmt.Fprintf(w, "%s\t%s%s\t%s\n", name, platform, marker, spec.URL(spec.Platforms[platform]))
			}
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(platformsCmd)
}
