package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chroma-forge/chromatrain/internal/config"
)

func init() {
	rootCmd.AddCommand(validateCmd)
}

var validateCmd = &cobra.Command{
	Use:   "validate <config>",
	Short: "Validate a job config without training",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("OK: %s\n", args[0])
	fmt.Printf("  epochs:        %d\n", cfg.Training.TotalEpochs)
	fmt.Printf("  lr:            %g\n", cfg.Training.LR)
	fmt.Printf("  loss weights:  mse=%g l1=%g cosine=%g\n",
		cfg.Training.MSEWeight, cfg.Training.L1Weight, cfg.Training.CosineWeight)
	fmt.Printf("  batch size:    %d\n", cfg.Dataloader.BatchSize)
	fmt.Printf("  resolutions:   %v (step %d, ratio cutoff %g)\n",
		cfg.Dataloader.BaseResolution, cfg.Dataloader.ResolutionStep, cfg.Dataloader.RatioCutoff)
	fmt.Printf("  lora:          rank=%d alpha=%d layers=%v\n",
		cfg.LoRA.Rank, cfg.LoRA.Alpha, cfg.LoRA.TargetLayers)
	if cfg.PublishEnabled() {
		fmt.Printf("  publish:       %s\n", cfg.Training.HFRepoID)
	}
	if cfg.TrackingEnabled() {
		fmt.Printf("  tracking:      %s\n", cfg.Training.WandbProject)
	}
	return nil
}
