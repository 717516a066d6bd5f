// Package metrics provides Prometheus metrics for chromatrain.
// Counters, gauges, and histograms for training steps, the dataloader,
// and checkpointing. Exposed on /metrics when the status server is up.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Training ───────────────────────────────────────────────────────────────

// StepsTotal counts optimizer steps taken.
var StepsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "chromatrain",
	Name:      "steps_total",
	Help:      "Total optimizer steps taken.",
})

// SamplesTotal counts training samples consumed.
var SamplesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "chromatrain",
	Name:      "samples_total",
	Help:      "Total training samples consumed.",
})

// StepLoss tracks the weighted per-step loss.
var StepLoss = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "chromatrain",
	Name:      "step_loss",
	Help:      "Weighted training loss per step.",
	Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
})

// StepDuration tracks wall time per optimizer step in seconds.
var StepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "chromatrain",
	Name:      "step_duration_seconds",
	Help:      "Wall time per optimizer step.",
	Buckets:   prometheus.DefBuckets,
})

// NaNSteps counts steps whose loss came back NaN or Inf.
var NaNSteps = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "chromatrain",
	Name:      "nan_steps_total",
	Help:      "Steps rejected because the loss was NaN or Inf.",
})

// CurrentEpoch tracks the epoch in progress.
var CurrentEpoch = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "chromatrain",
	Name:      "current_epoch",
	Help:      "Epoch currently being trained.",
})

// ─── Dataloader ─────────────────────────────────────────────────────────────

// PrefetchDepth tracks how many batches sit materialized in the
// prefetch queue. Zero while training means the loader is the bottleneck.
var PrefetchDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "chromatrain",
	Name:      "prefetch_queue_depth",
	Help:      "Batches currently waiting in the prefetch queue.",
})

// SamplesSkipped counts corrupt samples dropped by the loader.
var SamplesSkipped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "chromatrain",
	Name:      "samples_skipped_total",
	Help:      "Corrupt or unreadable samples skipped and backfilled.",
})

// EntriesRejected counts manifest entries rejected at bucketing time.
var EntriesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "chromatrain",
	Name:      "entries_rejected_total",
	Help:      "Manifest entries rejected before training.",
}, []string{"reason"})

// ─── Checkpoints ────────────────────────────────────────────────────────────

// CheckpointsWritten counts checkpoints persisted locally.
var CheckpointsWritten = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "chromatrain",
	Name:      "checkpoints_written_total",
	Help:      "Checkpoints written to the save folder.",
})

// CheckpointWriteDuration tracks checkpoint write latency in seconds.
var CheckpointWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "chromatrain",
	Name:      "checkpoint_write_seconds",
	Help:      "Checkpoint write latency.",
	Buckets:   prometheus.DefBuckets,
})

// PublishFailures counts failed hub upload attempts.
var PublishFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "chromatrain",
	Name:      "publish_failures_total",
	Help:      "Failed checkpoint hub upload attempts (retried, never fatal).",
})

// PublishesTotal counts successful hub uploads.
var PublishesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "chromatrain",
	Name:      "publishes_total",
	Help:      "Checkpoints successfully uploaded to the hub.",
})
