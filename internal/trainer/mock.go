package trainer

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/chroma-forge/chromatrain/internal/config"
	"github.com/chroma-forge/chromatrain/internal/data"
	"github.com/chroma-forge/chromatrain/internal/domain"
)

// MockBackend is a deterministic in-memory Backend for tests and dry
// runs. Loss decays geometrically with each update, mimicking a
// converging run.
type MockBackend struct {
	LoadErr   error
	StepErr   error
	NaNAfter  int64         // emit NaN losses once this many steps have run, 0 = never
	StepDelay time.Duration // simulated compute time per step
	steps     atomic.Int64
	updates   atomic.Int64
	snapshots atomic.Int64
	loaded    atomic.Bool
	closed    atomic.Bool
}

// LoadModel records the call, or fails with LoadErr.
func (m *MockBackend) LoadModel(config.Model, config.LoRA) error {
	if m.LoadErr != nil {
		return m.LoadErr
	}
	m.loaded.Store(true)
	return nil
}

// TrainStep returns a decaying synthetic loss.
func (m *MockBackend) TrainStep(_ context.Context, batch *data.Batch, timesteps []float64) (domain.LossComponents, error) {
	if m.StepErr != nil {
		return domain.LossComponents{}, m.StepErr
	}
	if len(timesteps) != len(batch.Samples) {
		return domain.LossComponents{}, fmt.Errorf("%d timesteps for %d samples", len(timesteps), len(batch.Samples))
	}
	if m.StepDelay > 0 {
		time.Sleep(m.StepDelay)
	}
	n := m.steps.Add(1)
	if m.NaNAfter > 0 && n > m.NaNAfter {
		return domain.LossComponents{MSE: math.NaN(), L1: math.NaN(), CosineSim: math.NaN()}, nil
	}
	decay := math.Pow(0.99, float64(n))
	return domain.LossComponents{
		MSE:       0.5 * decay,
		L1:        0.3 * decay,
		CosineSim: 1 - 0.2*decay,
	}, nil
}

// ApplyUpdate counts optimizer steps.
func (m *MockBackend) ApplyUpdate(lr, weightDecay float64) error {
	m.updates.Add(1)
	return nil
}

// AdapterSnapshot returns fake adapter bytes stamped with the step count.
func (m *MockBackend) AdapterSnapshot() ([]byte, error) {
	m.snapshots.Add(1)
	return []byte(fmt.Sprintf("adapter@%d", m.updates.Load())), nil
}

// Close marks the backend released.
func (m *MockBackend) Close() error {
	m.closed.Store(true)
	return nil
}

// Steps returns how many TrainStep calls ran.
func (m *MockBackend) Steps() int64 { return m.steps.Load() }

// Updates returns how many optimizer updates ran.
func (m *MockBackend) Updates() int64 { return m.updates.Load() }
