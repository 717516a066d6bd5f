package trainer

import (
	"math"

	"github.com/chroma-forge/chromatrain/internal/domain"
)

// Weights are the configured loss-term weights. Each must be >= 0
// (enforced at config load). A zero weight disables its term entirely:
// the term is never read, so a NaN in a disabled component cannot
// poison the total.
type Weights struct {
	MSE    float64
	L1     float64
	Cosine float64
}

// Combine composes the weighted scalar loss:
//
//	mse_weight*MSE + l1_weight*L1 + cosine_weight*(1 - cosine_sim)
func (w Weights) Combine(c domain.LossComponents) float64 {
	total := 0.0
	if w.MSE > 0 {
		total += w.MSE * c.MSE
	}
	if w.L1 > 0 {
		total += w.L1 * c.L1
	}
	if w.Cosine > 0 {
		total += w.Cosine * (1 - c.CosineSim)
	}
	return total
}

// unstable reports a loss value the optimizer must not consume.
func unstable(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}
