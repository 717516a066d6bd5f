package timeshift

import (
	"math"
	"testing"
)

func TestBias_DisabledIsNeutral(t *testing.T) {
	s := New(Options{Enable: false, FixedBias: 3.0})
	for idx := 0; idx < 10; idx++ {
		if got := s.Bias(idx); got != 1.0 {
			t.Errorf("Bias(%d) = %g with time shift disabled, want 1.0", idx, got)
		}
	}
}

func TestBias_Fixed(t *testing.T) {
	s := New(Options{Enable: true, FixedBias: 2.5})
	if got := s.Bias(7); got != 2.5 {
		t.Errorf("Bias = %g, want 2.5", got)
	}
}

func TestShift_IdentityAtBiasOne(t *testing.T) {
	for _, tv := range []float64{0, 0.25, 0.5, 0.75, 1} {
		if got := Shift(tv, 1.0); got != tv {
			t.Errorf("Shift(%g, 1.0) = %g, want identity", tv, got)
		}
	}
}

func TestShift_Monotonic(t *testing.T) {
	prev := -1.0
	for i := 0; i <= 100; i++ {
		tv := float64(i) / 100
		got := Shift(tv, 3.0)
		if got <= prev {
			t.Fatalf("Shift not monotonic at t=%g", tv)
		}
		if got < 0 || got > 1 {
			t.Fatalf("Shift(%g, 3.0) = %g out of [0,1]", tv, got)
		}
		prev = got
	}
}

func TestShift_BiasAboveOnePushesLater(t *testing.T) {
	if got := Shift(0.5, 3.0); got <= 0.5 {
		t.Errorf("Shift(0.5, 3.0) = %g, want > 0.5", got)
	}
}

func TestObserve_ClustersByLossLevel(t *testing.T) {
	s := New(Options{
		Enable:         true,
		Optimal:        true,
		FixedBias:      1.0,
		NumClusters:    2,
		RecomputeEvery: 10_000, // recompute manually below
	})

	// Samples 0-9 lose little, 10-19 lose a lot.
	for round := 0; round < 5; round++ {
		for i := 0; i < 10; i++ {
			s.Observe(i, 0.1)
		}
		for i := 10; i < 20; i++ {
			s.Observe(i, 1.0)
		}
	}
	s.Recompute()

	low := s.Bias(0)
	high := s.Bias(15)
	if high <= low {
		t.Errorf("high-loss bias %g not above low-loss bias %g", high, low)
	}
	for _, b := range []float64{low, high} {
		if b < minBias || b > maxBias {
			t.Errorf("bias %g outside clamp [%g, %g]", b, minBias, maxBias)
		}
	}
}

func TestObserve_DeterministicAcrossRuns(t *testing.T) {
	build := func() *Sampler {
		s := New(Options{Enable: true, Optimal: true, NumClusters: 3, RecomputeEvery: 10_000})
		for i := 0; i < 30; i++ {
			s.Observe(i, float64(i%3)+0.5)
		}
		s.Recompute()
		return s
	}

	a, b := build(), build()
	for i := 0; i < 30; i++ {
		if a.Bias(i) != b.Bias(i) {
			t.Fatalf("sample %d: bias %g vs %g across identical runs", i, a.Bias(i), b.Bias(i))
		}
	}
}

func TestObserve_UnclusteredFallsBackToBaseline(t *testing.T) {
	s := New(Options{Enable: true, Optimal: true, FixedBias: 1.5, NumClusters: 2})
	if got := s.Bias(99); got != 1.5 {
		t.Errorf("Bias for unseen sample = %g, want baseline 1.5", got)
	}
}

func TestObserve_IgnoresNaN(t *testing.T) {
	s := New(Options{Enable: true, Optimal: true, NumClusters: 1, RecomputeEvery: 1})
	s.Observe(0, math.NaN())
	s.Observe(0, math.Inf(1))
	if got := s.Bias(0); got != 1.0 {
		t.Errorf("Bias after NaN observations = %g, want untouched baseline 1.0", got)
	}
}

func TestKmeans1D_SeparatesObviousGroups(t *testing.T) {
	values := []float64{0.1, 0.12, 0.09, 5.0, 5.2, 4.9}
	_, assign := kmeans1D(values, 2)

	if assign[0] != assign[1] || assign[1] != assign[2] {
		t.Error("low group split across clusters")
	}
	if assign[3] != assign[4] || assign[4] != assign[5] {
		t.Error("high group split across clusters")
	}
	if assign[0] == assign[3] {
		t.Error("both groups landed in one cluster")
	}
}
