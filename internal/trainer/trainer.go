package trainer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/chroma-forge/chromatrain/internal/checkpoint"
	"github.com/chroma-forge/chromatrain/internal/config"
	"github.com/chroma-forge/chromatrain/internal/data"
	"github.com/chroma-forge/chromatrain/internal/domain"
	"github.com/chroma-forge/chromatrain/internal/metrics"
	"github.com/chroma-forge/chromatrain/internal/store"
	"github.com/chroma-forge/chromatrain/internal/timeshift"
	"github.com/chroma-forge/chromatrain/internal/tracker"
)

// defaultMaxConsecutiveNaN aborts the run after this many NaN losses
// in a row. A single spike is skipped and logged.
const defaultMaxConsecutiveNaN = 5

// Trainer owns the state of one run. The compute loop runs on
// a single goroutine; the checkpoint manager and status API only ever
// see snapshots taken between steps.
type Trainer struct {
	cfg     *config.Config
	backend Backend
	loader  *data.Loader
	shift   *timeshift.Sampler
	ckpts   *checkpoint.Manager
	track   tracker.Tracker
	ledger  *store.DB // optional

	run    *domain.Run
	maxNaN int

	mu   sync.Mutex
	snap domain.RunSnapshot
}

// Options wires a Trainer.
type Options struct {
	Config     *config.Config
	Backend    Backend
	Loader     *data.Loader
	Shift      *timeshift.Sampler
	Checkpoint *checkpoint.Manager
	Tracker    tracker.Tracker // nil = tracker.Noop
	Ledger     *store.DB       // nil = no run ledger
	ConfigPath string
	MaxNaN     int // 0 = default
}

// New creates a Trainer in INIT state.
func New(opts Options) *Trainer {
	if opts.Tracker == nil {
		opts.Tracker = tracker.Noop{}
	}
	if opts.MaxNaN <= 0 {
		opts.MaxNaN = defaultMaxConsecutiveNaN
	}
	return &Trainer{
		cfg:     opts.Config,
		backend: opts.Backend,
		loader:  opts.Loader,
		shift:   opts.Shift,
		ckpts:   opts.Checkpoint,
		track:   opts.Tracker,
		ledger:  opts.Ledger,
		run:     domain.NewRun(opts.ConfigPath),
		maxNaN:  opts.MaxNaN,
	}
}

// Run drives the full state machine:
//
//	Init → Running → (Checkpointing → Running)… → Finalizing → Done
//
// Failed is reachable from any state on unrecoverable error. A
// cancelled context finishes the in-flight step, writes a final
// checkpoint, and exits cleanly with the run marked CANCELLED.
func (t *Trainer) Run(ctx context.Context) error {
	t.mu.Lock()
	status := t.run.Status
	t.mu.Unlock()
	if status.IsTerminal() {
		return domain.ErrRunTerminal
	}
	t.persistRun()

	// Init: load model, attach adapters, freeze base weights.
	if err := t.backend.LoadModel(t.cfg.Model, t.cfg.LoRA); err != nil {
		return t.fail(fmt.Errorf("load model: %w", err))
	}
	defer t.backend.Close()

	t.setStatus(domain.RunRunning)
	t.mu.Lock()
	t.run.StartedAt = time.Now()
	t.mu.Unlock()
	t.persistRun()

	weights := Weights{
		MSE:    t.cfg.Training.MSEWeight,
		L1:     t.cfg.Training.L1Weight,
		Cosine: t.cfg.Training.CosineWeight,
	}
	rng := rand.New(rand.NewSource(t.cfg.Training.MasterSeed))

	consecutiveNaN := 0
	lastCheckpointStep := int64(-1)

	for epoch := 0; epoch < t.cfg.Training.TotalEpochs; epoch++ {
		metrics.CurrentEpoch.Set(float64(epoch))
		t.mu.Lock()
		t.run.Epoch = epoch
		t.mu.Unlock()

		epochLoss, epochSteps := 0.0, 0

		for batch := range t.loader.Epoch(ctx, epoch) {
			// Batches already sitting in the prefetch queue keep
			// arriving after a stop signal; never start another step.
			if ctx.Err() != nil {
				log.Printf("[trainer] stop requested, finalizing at step %d", t.run.GlobalStep)
				return t.finalize(domain.RunCancelled, lastCheckpointStep)
			}

			timesteps := t.sampleTimesteps(rng, batch)

			stepStart := time.Now()
			loss, err := t.backend.TrainStep(ctx, batch, timesteps)
			if err != nil {
				if IsCancelled(err) {
					log.Printf("[trainer] stop requested, finalizing at step %d", t.run.GlobalStep)
					return t.finalize(domain.RunCancelled, lastCheckpointStep)
				}
				return t.fail(fmt.Errorf("train step %d: %w", t.run.GlobalStep+1, err))
			}

			weighted := weights.Combine(loss)
			if unstable(weighted) {
				consecutiveNaN++
				metrics.NaNSteps.Inc()
				log.Printf("[trainer] step %d: unstable loss (%d consecutive), skipping update",
					t.run.GlobalStep+1, consecutiveNaN)
				if consecutiveNaN >= t.maxNaN {
					return t.fail(fmt.Errorf("%w: %d consecutive unstable steps", domain.ErrNaNLoss, consecutiveNaN))
				}
				continue
			}
			consecutiveNaN = 0

			if err := t.backend.ApplyUpdate(t.cfg.Training.LR, t.cfg.Training.WeightDecay); err != nil {
				return t.fail(fmt.Errorf("optimizer update: %w", err))
			}

			t.mu.Lock()
			t.run.GlobalStep++
			t.run.LastLoss = weighted
			t.mu.Unlock()
			epochLoss += weighted
			epochSteps++

			for _, s := range batch.Samples {
				t.shift.Observe(s.Index, weighted)
			}

			metrics.StepsTotal.Inc()
			metrics.SamplesTotal.Add(float64(len(batch.Samples)))
			metrics.StepLoss.Observe(weighted)
			metrics.StepDuration.Observe(time.Since(stepStart).Seconds())

			rec := tracker.StepRecord{
				Epoch:        epoch,
				GlobalStep:   t.run.GlobalStep,
				Loss:         loss,
				WeightedLoss: weighted,
				BatchSize:    len(batch.Samples),
				Timestamp:    time.Now(),
			}
			if err := t.track.LogStep(rec); err != nil {
				log.Printf("[trainer] tracker: %v", err)
			}
			if t.ledger != nil {
				if err := t.ledger.RecordStep(t.run.ID, epoch, t.run.GlobalStep, loss, weighted); err != nil {
					log.Printf("[trainer] ledger: %v", err)
				}
			}
			t.updateSnapshot(loss, weighted, len(batch.Samples))

			if every := t.cfg.Training.SaveEverySteps; every > 0 && t.run.GlobalStep%every == 0 {
				if err := t.checkpointNow(epoch); err != nil {
					return t.fail(err)
				}
				lastCheckpointStep = t.run.GlobalStep
			}
		}

		if err := ctx.Err(); err != nil {
			// Stop signal: the in-flight step above completed. Flush a
			// final checkpoint and exit cleanly.
			log.Printf("[trainer] stop requested, finalizing at step %d", t.run.GlobalStep)
			return t.finalize(domain.RunCancelled, lastCheckpointStep)
		}

		if epochSteps > 0 {
			mean := epochLoss / float64(epochSteps)
			if err := t.track.LogEpoch(epoch, mean); err != nil {
				log.Printf("[trainer] tracker: %v", err)
			}
			t.mu.Lock()
			t.snap.StepsPerEpoch = epochSteps
			t.mu.Unlock()
		}

		// Epoch-boundary checkpoint when no step interval is set.
		if t.cfg.Training.SaveEverySteps == 0 {
			if err := t.checkpointNow(epoch); err != nil {
				return t.fail(err)
			}
			lastCheckpointStep = t.run.GlobalStep
		}
		t.persistRun()
	}

	return t.finalize(domain.RunDone, lastCheckpointStep)
}

// sampleTimesteps draws one warped timestep per sample. Uniform draws
// pass through the per-sample shift bias; bias 1.0 leaves them uniform.
func (t *Trainer) sampleTimesteps(rng *rand.Rand, batch *data.Batch) []float64 {
	ts := make([]float64, len(batch.Samples))
	for i, s := range batch.Samples {
		ts[i] = timeshift.Shift(rng.Float64(), t.shift.Bias(s.Index))
	}
	return ts
}

// checkpointNow transitions through CHECKPOINTING, saves an adapter
// snapshot, and returns to RUNNING. Checkpoint I/O errors are fatal.
func (t *Trainer) checkpointNow(epoch int) error {
	t.setStatus(domain.RunCheckpointing)
	defer t.setStatus(domain.RunRunning)

	snapshot, err := t.backend.AdapterSnapshot()
	if err != nil {
		return fmt.Errorf("adapter snapshot: %w", err)
	}
	path, err := t.ckpts.Save(epoch, t.run.GlobalStep, snapshot)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	if t.ledger != nil {
		if err := t.ledger.RecordCheckpoint(t.run.ID, path, epoch, t.run.GlobalStep); err != nil {
			log.Printf("[trainer] ledger: %v", err)
		}
	}
	t.mu.Lock()
	t.snap.CheckpointsOut++
	t.mu.Unlock()
	return nil
}

// finalize flushes the last checkpoint, waits for pending publishes,
// closes the tracker, and marks the run terminal.
func (t *Trainer) finalize(status domain.RunStatus, lastCheckpointStep int64) error {
	t.setStatus(domain.RunFinalizing)

	if t.run.GlobalStep > 0 && t.run.GlobalStep != lastCheckpointStep {
		if err := t.checkpointNow(t.run.Epoch); err != nil {
			return t.fail(err)
		}
	}
	t.ckpts.Wait()

	if err := t.track.Finish(status); err != nil {
		log.Printf("[trainer] tracker close: %v", err)
	}

	t.setStatus(status)
	t.mu.Lock()
	t.run.CompletedAt = time.Now()
	t.mu.Unlock()
	t.persistRun()
	log.Printf("[trainer] run %s: %s after %d steps", t.run.ID, status, t.run.GlobalStep)
	return nil
}

// fail saves best-effort state and marks the run FAILED.
func (t *Trainer) fail(err error) error {
	log.Printf("[trainer] run failed: %v", err)

	// Best-effort adapter snapshot so work is not lost.
	if t.run.GlobalStep > 0 {
		if snapshot, snapErr := t.backend.AdapterSnapshot(); snapErr == nil {
			if _, saveErr := t.ckpts.Save(t.run.Epoch, t.run.GlobalStep, snapshot); saveErr != nil {
				log.Printf("[trainer] best-effort checkpoint: %v", saveErr)
			}
		}
	}
	t.ckpts.Wait()

	if trackErr := t.track.Finish(domain.RunFailed); trackErr != nil {
		log.Printf("[trainer] tracker close: %v", trackErr)
	}

	t.setStatus(domain.RunFailed)
	t.mu.Lock()
	t.run.Error = err.Error()
	t.run.CompletedAt = time.Now()
	t.mu.Unlock()
	t.persistRun()
	return err
}

func (t *Trainer) setStatus(s domain.RunStatus) {
	t.mu.Lock()
	t.run.Status = s
	t.mu.Unlock()
}

func (t *Trainer) persistRun() {
	if t.ledger == nil {
		return
	}
	t.mu.Lock()
	run := *t.run
	t.mu.Unlock()
	if err := t.ledger.UpsertRun(&run); err != nil {
		log.Printf("[trainer] ledger: %v", err)
	}
}

func (t *Trainer) updateSnapshot(loss domain.LossComponents, weighted float64, batchSize int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Run = *t.run
	t.snap.TotalEpochs = t.cfg.Training.TotalEpochs
	t.snap.Loss = loss
	t.snap.WeightedLoss = weighted
	t.snap.SamplesSeen += int64(batchSize)
	t.snap.Timestamp = time.Now()
}

// Snapshot returns a consistent view of the run for the status API.
func (t *Trainer) Snapshot() domain.RunSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.snap
	snap.Run = *t.run
	snap.TotalEpochs = t.cfg.Training.TotalEpochs
	return snap
}

// RunID returns the run's identifier.
func (t *Trainer) RunID() string { return t.run.ID }

// IsCancelled reports whether err is just a cancelled context.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
