// Package domain holds the core training-run types shared across the
// orchestrator: run lifecycle, live snapshots, and loss accounting.
// Domain types carry no infrastructure dependency.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus tracks the lifecycle of a training run.
type RunStatus string

const (
	RunInit          RunStatus = "INIT"          // Loading model, attaching adapters
	RunRunning       RunStatus = "RUNNING"       // Consuming batches, stepping
	RunCheckpointing RunStatus = "CHECKPOINTING" // Writing a checkpoint snapshot
	RunFinalizing    RunStatus = "FINALIZING"    // Flushing final checkpoint, closing sinks
	RunDone          RunStatus = "DONE"          // Completed all epochs
	RunFailed        RunStatus = "FAILED"        // Unrecoverable error
	RunCancelled     RunStatus = "CANCELLED"     // Stopped by external signal
)

// IsTerminal returns true if the status is a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunDone || s == RunFailed || s == RunCancelled
}

// Run is one training run from Init to a terminal state.
type Run struct {
	ID          string    `json:"id"`
	ConfigPath  string    `json:"config_path"`
	Status      RunStatus `json:"status"`
	Epoch       int       `json:"epoch"`
	GlobalStep  int64     `json:"global_step"`
	LastLoss    float64   `json:"last_loss"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// NewRun creates a Run in INIT state with a fresh ID.
func NewRun(configPath string) *Run {
	return &Run{
		ID:         uuid.NewString(),
		ConfigPath: configPath,
		Status:     RunInit,
		CreatedAt:  time.Now(),
	}
}

// Duration returns training wall time.
func (r *Run) Duration() time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}
	end := r.CompletedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(r.StartedAt)
}

// LossComponents holds the raw per-step loss terms before weighting.
// CosineSim is the cosine similarity between predicted and target
// denoising vectors; the cosine loss term is (1 - CosineSim).
type LossComponents struct {
	MSE       float64 `json:"mse"`
	L1        float64 `json:"l1"`
	CosineSim float64 `json:"cosine_sim"`
}

// RunSnapshot is a consistent view of a live run, taken between steps.
// Served by the status API and written to the run ledger.
type RunSnapshot struct {
	Run            Run            `json:"run"`
	TotalEpochs    int            `json:"total_epochs"`
	StepsPerEpoch  int            `json:"steps_per_epoch,omitempty"` // 0 until the first epoch completes
	Loss           LossComponents `json:"loss"`
	WeightedLoss   float64        `json:"weighted_loss"`
	SamplesSeen    int64          `json:"samples_seen"`
	CheckpointsOut int            `json:"checkpoints_written"`
	Timestamp      time.Time      `json:"timestamp"`
}
