package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var acquireCmd = &cobra.Command{
	Use:   "acquire [toolchain...]",
	Short: "Download and extract toolchains",
	Long: `Download and extract the named toolchains into the output directory.
Without arguments the build toolchain is acquired. Toolchains already in the
cache are not downloaded again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPipeline(cmd)
		if err != nil {
			return err
		}

		names := args
		if len(names) == 0 {
			names = []string{p.Config().Build.Toolchain}
		}
		toolchains, err := p.AcquireAll(cmd.Context(), names)
		if err != nil {
			return err
		}
		for _, name := range names {
			tc := toolchains[name]
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", tc.Name, tc.Version, tc.Home)
		}
		return nil
	},
}

func init() {
	acquireCmd.Flags().String("platform", "", "target host platform as os/arch (default is the current host)")
	rootCmd.AddCommand(acquireCmd)
}
