package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Compile the configured program to a WASI artifact",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPipeline(cmd)
		if err != nil {
			return err
		}
		artifact, err := p.Build(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), artifact)
		return nil
	},
}

var execCmd = &cobra.Command{
	Use:   "exec <artifact.wasm> [args...]",
	Short: "Run an existing WASI artifact in the sandbox",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPipeline(cmd)
		if err != nil {
			return err
		}
		return p.Execute(cmd.Context(), args[0], args[1:])
	},
}

var runCmd = &cobra.Command{
	Use:   "run [args...]",
	Short: "Acquire, compile and run the configured program",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPipeline(cmd)
		if err != nil {
			return err
		}
		return p.Run(cmd.Context(), args)
	},
}

func init() {
	for _, c := range []*cobra.Command{buildCmd, runCmd} {
		c.Flags().String("build.source_dir", "", "directory holding the program to compile")
		c.Flags().String("build.flags", "", "extra go build flags, shell quoted")
	}
	// Guest arguments may look like flags.
	execCmd.Flags().SetInterspersed(false)
	runCmd.Flags().SetInterspersed(false)

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(runCmd)
}
