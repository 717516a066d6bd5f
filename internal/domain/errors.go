package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Model loading errors, fatal before the first step
	ErrModelNotFound  = errors.New("model checkpoint not found")
	ErrModelCorrupted = errors.New("model integrity check failed")

	// Dataloader errors
	ErrManifestEmpty = errors.New("dataset manifest contains no usable entries")
	ErrSampleCorrupt = errors.New("sample could not be decoded")

	// Training errors
	ErrNaNLoss     = errors.New("loss is NaN or Inf")
	ErrRunTerminal = errors.New("run already in a terminal state")

	// Checkpoint errors
	ErrPublishFailed = errors.New("checkpoint publish failed")
)
