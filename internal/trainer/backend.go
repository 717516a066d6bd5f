// Package trainer drives the training run: epochs, steps, loss
// composition, optimizer updates, and checkpoint triggers.
//
// The diffusion model itself (forward/backward pass, VAE, text
// encoder, and the LoRA matrix mechanics) lives behind the Backend
// interface. The orchestrator owns everything around it.
package trainer

import (
	"context"

	"github.com/chroma-forge/chromatrain/internal/config"
	"github.com/chroma-forge/chromatrain/internal/data"
	"github.com/chroma-forge/chromatrain/internal/domain"
)

// Backend is the narrow interface to the compute engine.
type Backend interface {
	// LoadModel loads the frozen base model components, quantizes them
	// per the config, attaches LoRA adapters to the target layers, and
	// freezes everything except the adapter weights.
	LoadModel(model config.Model, lora config.LoRA) error

	// TrainStep runs forward and backward over one batch at the given
	// per-sample timesteps, accumulating gradients into the LoRA
	// parameters only. Returns the raw, unweighted loss terms.
	TrainStep(ctx context.Context, batch *data.Batch, timesteps []float64) (domain.LossComponents, error)

	// ApplyUpdate applies one optimizer step with decoupled weight
	// decay to the LoRA weights and clears the gradients.
	ApplyUpdate(lr, weightDecay float64) error

	// AdapterSnapshot serializes the current LoRA adapter weights.
	// Called between steps, so it always sees a consistent state.
	AdapterSnapshot() ([]byte, error)

	// Close releases model memory.
	Close() error
}
