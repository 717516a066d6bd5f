// Package cli implements the chromatrain command-line interface using
// Cobra. Each subcommand maps to one orchestrator capability (train,
// validate, buckets, runs).
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "chromatrain",
	Short: "chromatrain is a LoRA fine-tuning orchestrator for Chroma",
	Long: `chromatrain orchestrates LoRA fine-tuning runs for the Chroma
text-to-image model: resolution-bucketed data loading, time-shifted
timestep sampling, checkpointing, and optional hub publishing, all
driven by a single job config.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
