// Package tracker streams training metrics to an experiment tracker.
// The tracker is an injected capability: when the job config carries no
// wandb project the trainer gets the no-op implementation and the loop
// never branches on whether tracking is enabled.
package tracker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chroma-forge/chromatrain/internal/domain"
)

// StepRecord is one logged training step.
type StepRecord struct {
	Epoch        int                   `json:"epoch"`
	GlobalStep   int64                 `json:"global_step"`
	Loss         domain.LossComponents `json:"loss"`
	WeightedLoss float64               `json:"weighted_loss"`
	BatchSize    int                   `json:"batch_size"`
	Timestamp    time.Time             `json:"timestamp"`
}

// Tracker receives training telemetry.
type Tracker interface {
	LogStep(rec StepRecord) error
	LogEpoch(epoch int, meanLoss float64) error
	Finish(status domain.RunStatus) error
}

// ─── No-op ──────────────────────────────────────────────────────────────────

// Noop discards everything. Used when tracking is not configured.
type Noop struct{}

func (Noop) LogStep(StepRecord) error      { return nil }
func (Noop) LogEpoch(int, float64) error   { return nil }
func (Noop) Finish(domain.RunStatus) error { return nil }

// ─── JSONL run log ──────────────────────────────────────────────────────────

// RunLog appends metric records as JSON lines to a per-run file in the
// wandb offline-run layout: <dir>/<project>/<run-name>.jsonl.
type RunLog struct {
	mu sync.Mutex
	f  *os.File
}

// NewRunLog opens (creating as needed) the metrics file for a run.
func NewRunLog(dir, project, runName string) (*RunLog, error) {
	full := filepath.Join(dir, project)
	if err := os.MkdirAll(full, 0o755); err != nil {
		return nil, fmt.Errorf("create tracker dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(full, runName+".jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	return &RunLog{f: f}, nil
}

func (r *RunLog) write(kind string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	line, err := json.Marshal(map[string]any{"kind": kind, "data": payload})
	if err != nil {
		return err
	}
	_, err = r.f.Write(append(line, '\n'))
	return err
}

func (r *RunLog) LogStep(rec StepRecord) error {
	return r.write("step", rec)
}

func (r *RunLog) LogEpoch(epoch int, meanLoss float64) error {
	return r.write("epoch", map[string]any{"epoch": epoch, "mean_loss": meanLoss})
}

// Finish records the terminal status and closes the file.
func (r *RunLog) Finish(status domain.RunStatus) error {
	if err := r.write("finish", map[string]any{"status": status, "at": time.Now()}); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}
