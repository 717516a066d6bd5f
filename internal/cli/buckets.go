package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chroma-forge/chromatrain/internal/config"
	"github.com/chroma-forge/chromatrain/internal/data"
)

func init() {
	rootCmd.AddCommand(bucketsCmd)
}

var bucketsCmd = &cobra.Command{
	Use:   "buckets <config>",
	Short: "Show the resolution bucket assignment for a dataset",
	Long: `Reads the manifest and prints how the dataset would be bucketed,
without loading any model or touching image files.`,
	Args: cobra.ExactArgs(1),
	RunE: runBuckets,
}

func runBuckets(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(args[0])
	if err != nil {
		return err
	}

	entries, err := data.ReadManifest(cfg.Dataloader.JSONLMetadataPath, cfg.Dataloader.ImageFolderPath)
	if err != nil {
		return err
	}

	set := data.BuildBuckets(entries, cfg.Dataloader.BaseResolution,
		cfg.Dataloader.ResolutionStep, cfg.Dataloader.RatioCutoff)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BUCKET\tIMAGES\tBATCHES")
	for _, b := range set.Buckets {
		batches := (len(b.Entries) + cfg.Dataloader.BatchSize - 1) / cfg.Dataloader.BatchSize
		fmt.Fprintf(w, "%s\t%d\t%d\n", b.Key, len(b.Entries), batches)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\n%d images in %d buckets, %d rejected (ratio cutoff %g)\n",
		set.Total, len(set.Buckets), set.Rejected, cfg.Dataloader.RatioCutoff)
	return nil
}
