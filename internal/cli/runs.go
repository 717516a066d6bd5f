package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chroma-forge/chromatrain/internal/config"
	"github.com/chroma-forge/chromatrain/internal/store"
)

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum runs to show")
	rootCmd.AddCommand(runsCmd)
}

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent training runs from the ledger",
	RunE:  runRuns,
}

func runRuns(cmd *cobra.Command, args []string) error {
	settings, err := config.LoadSettings()
	if err != nil {
		return err
	}

	db, err := store.Open(settings.Ledger.Dir)
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := db.ListRuns(runsLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded. Start one with 'chromatrain train <config>'.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tEPOCH\tSTEP\tLOSS\tSTARTED\tDURATION")
	for _, r := range runs {
		started := "-"
		if !r.StartedAt.IsZero() {
			started = r.StartedAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%.8s\t%s\t%d\t%d\t%.4f\t%s\t%s\n",
			r.ID, r.Status, r.Epoch, r.GlobalStep, r.LastLoss, started, r.Duration().Round(1e9))
	}
	return w.Flush()
}
