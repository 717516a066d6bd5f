// Package timeshift biases the diffusion-timestep sampling
// distribution during training.
//
// Three modes, mirroring the job config:
//   - disabled: every sample gets bias 1.0, so timesteps stay uniform
//   - fixed: a single configured bias applied to all samples
//   - optimal: samples are clustered by a loss-history feature and each
//     cluster carries its own estimated bias, recomputed periodically
//
// The "optimal" grouping is a 1-D k-means over an exponential moving
// average of each sample's training loss. Samples that consistently
// lose more get a higher shift bias, pushing their timestep draws
// toward the noisier end of the schedule. Centroids are initialized at
// quantiles, so the clustering is deterministic for a given
// observation history.
package timeshift

import (
	"math"
	"sort"
	"sync"
)

// Options configures the sampler.
type Options struct {
	Enable         bool
	Optimal        bool    // cluster per-sample biases instead of a single fixed one
	FixedBias      float64 // bias when Optimal is false; baseline when it is true
	NumClusters    int
	EMADecay       float64 // loss EMA decay, 0 = default 0.9
	RecomputeEvery int     // observations between recomputes, 0 = default 1024
}

// minBias/maxBias clamp estimated cluster biases to a sane range.
const (
	minBias = 0.25
	maxBias = 4.0
)

// Sampler assigns a timestep bias to each training sample.
type Sampler struct {
	mu   sync.Mutex
	opts Options

	ema      map[int]float64 // sample index → loss EMA
	assign   map[int]int     // sample index → cluster
	biases   []float64       // per-cluster bias
	observed int
	baseline float64
}

// New creates a Sampler.
func New(opts Options) *Sampler {
	if opts.EMADecay <= 0 || opts.EMADecay >= 1 {
		opts.EMADecay = 0.9
	}
	if opts.RecomputeEvery <= 0 {
		opts.RecomputeEvery = 1024
	}
	baseline := opts.FixedBias
	if baseline <= 0 {
		baseline = 1.0
	}
	return &Sampler{
		opts:     opts,
		ema:      make(map[int]float64),
		assign:   make(map[int]int),
		baseline: baseline,
	}
}

// Bias returns the timestep bias for one sample. 1.0 means uniform.
func (s *Sampler) Bias(sampleIndex int) float64 {
	if !s.opts.Enable {
		return 1.0
	}
	if !s.opts.Optimal {
		return s.opts.FixedBias
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cluster, ok := s.assign[sampleIndex]; ok && cluster < len(s.biases) {
		return s.biases[cluster]
	}
	return s.baseline // unclustered samples fall back to the baseline
}

// Observe records one sample's step loss into its EMA and triggers a
// cluster recompute every RecomputeEvery observations. No-op unless
// optimal clustering is on.
func (s *Sampler) Observe(sampleIndex int, loss float64) {
	if !s.opts.Enable || !s.opts.Optimal {
		return
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.ema[sampleIndex]; ok {
		d := s.opts.EMADecay
		s.ema[sampleIndex] = d*prev + (1-d)*loss
	} else {
		s.ema[sampleIndex] = loss
	}

	s.observed++
	if s.observed%s.opts.RecomputeEvery == 0 {
		s.recompute()
	}
}

// Recompute forces a cluster rebuild from the current loss EMAs.
func (s *Sampler) Recompute() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recompute()
}

// recompute runs the 1-D k-means and derives per-cluster biases.
// Caller holds the lock.
func (s *Sampler) recompute() {
	n := len(s.ema)
	k := s.opts.NumClusters
	if n == 0 || k < 1 {
		return
	}
	if k > n {
		k = n
	}

	indices := make([]int, 0, n)
	for idx := range s.ema {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	values := make([]float64, n)
	for i, idx := range indices {
		values[i] = s.ema[idx]
	}

	centroids, assign := kmeans1D(values, k)

	// Higher-loss clusters get a proportionally higher bias around the
	// configured baseline.
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(n)

	biases := make([]float64, len(centroids))
	for c, centroid := range centroids {
		b := s.baseline
		if mean > 0 {
			b = s.baseline * centroid / mean
		}
		biases[c] = math.Min(maxBias, math.Max(minBias, b))
	}

	s.biases = biases
	s.assign = make(map[int]int, n)
	for i, idx := range indices {
		s.assign[idx] = assign[i]
	}
}

// kmeans1D clusters scalar values into k groups. Centroids start at
// quantiles of the sorted values, making the result deterministic.
func kmeans1D(values []float64, k int) (centroids []float64, assign []int) {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	centroids = make([]float64, k)
	for c := 0; c < k; c++ {
		pos := (2*c + 1) * len(sorted) / (2 * k)
		if pos >= len(sorted) {
			pos = len(sorted) - 1
		}
		centroids[c] = sorted[pos]
	}

	assign = make([]int, len(values))
	for iter := 0; iter < 50; iter++ {
		moved := false
		for i, v := range values {
			best := 0
			bestDist := math.Abs(v - centroids[0])
			for c := 1; c < k; c++ {
				if d := math.Abs(v - centroids[c]); d < bestDist {
					bestDist = d
					best = c
				}
			}
			if assign[i] != best {
				assign[i] = best
				moved = true
			}
		}

		sums := make([]float64, k)
		counts := make([]int, k)
		for i, v := range values {
			sums[assign[i]] += v
			counts[assign[i]]++
		}
		for c := 0; c < k; c++ {
			if counts[c] > 0 {
				centroids[c] = sums[c] / float64(counts[c])
			}
		}
		if !moved && iter > 0 {
			break
		}
	}
	return centroids, assign
}

// Shift warps a uniform timestep draw t in [0,1] by the given bias
// using the flow-matching shift map t' = b·t / (1 + (b-1)·t).
// Bias 1.0 is the identity, leaving the distribution uniform.
func Shift(t, bias float64) float64 {
	if bias == 1.0 {
		return t
	}
	return bias * t / (1 + (bias-1)*t)
}
