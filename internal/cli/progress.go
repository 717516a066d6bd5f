package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chroma-forge/chromatrain/internal/trainer"
)

const progressWidth = 30

// startProgress redraws a single status line on stderr while the run is
// live. The returned func stops the redraw loop and terminates the line.
func startProgress(ctx context.Context, tr *trainer.Trainer, stepsPerEpoch int64) func() {
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				drawProgress(tr, stepsPerEpoch)
				fmt.Fprintln(os.Stderr)
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				drawProgress(tr, stepsPerEpoch)
			}
		}
	}()

	return func() {
		close(done)
		<-finished
	}
}

func drawProgress(tr *trainer.Trainer, stepsPerEpoch int64) {
	snap := tr.Snapshot()
	total := int64(snap.TotalEpochs) * stepsPerEpoch
	filled := 0
	if total > 0 {
		filled = int(snap.Run.GlobalStep * progressWidth / total)
		if filled > progressWidth {
			filled = progressWidth
		}
	}
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", progressWidth-filled)
	fmt.Fprintf(os.Stderr, "\r[%s] epoch %d/%d  step %d  loss %.4f  %s ",
		bar, snap.Run.Epoch+1, snap.TotalEpochs, snap.Run.GlobalStep, snap.WeightedLoss, snap.Run.Status)
}
