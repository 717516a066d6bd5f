package data

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"

	"github.com/chroma-forge/chromatrain/internal/domain"
	"github.com/chroma-forge/chromatrain/internal/metrics"
)

// Sample is one decoded training example inside a batch.
type Sample struct {
	Entry   Entry
	Index   int    // index into the manifest entry slice
	Caption string // caption after augmentation and truncation
	Data    []byte // raw image bytes, decoded downstream by the VAE
}

// Batch is an ordered group of samples from a single bucket. Transient:
// produced lazily by loader workers and consumed once by the trainer.
type Batch struct {
	Epoch   int
	Seq     int // position within the epoch, 0-based
	Bucket  BucketKey
	Samples []Sample
}

// Decoder loads the raw bytes for an entry. The default reads the file
// from disk; tests inject failures through this seam.
type Decoder func(Entry) ([]byte, error)

// FileDecoder reads the image file from disk. Read failures surface as
// ErrSampleCorrupt so the loader skips and backfills them.
func FileDecoder(e Entry) ([]byte, error) {
	data, err := os.ReadFile(e.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSampleCorrupt, err)
	}
	return data, nil
}

// Options configures a Loader.
type Options struct {
	BatchSize       int
	NumWorkers      int
	ThreadPerWorker int
	PrefetchFactor  int
	MasterSeed      int64
	Shuffle         bool // permute bucket and entry order each epoch
	Caption         CaptionOptions
	MaxTokens       int     // caption truncation length, 0 = no limit
	Decoder         Decoder // nil = FileDecoder
}

// Loader produces batches from a bucketed dataset, one epoch at a time.
// Epochs are reproducible: the same seed and epoch index always yield
// the same batch sequence (absent decode failures).
type Loader struct {
	entries []Entry
	buckets *BucketSet
	opts    Options
}

// NewLoader builds the bucket assignment once and returns a Loader.
func NewLoader(entries []Entry, buckets *BucketSet, opts Options) *Loader {
	if opts.Decoder == nil {
		opts.Decoder = FileDecoder
	}
	return &Loader{entries: entries, buckets: buckets, opts: opts}
}

// Buckets returns the epoch-independent bucket assignment.
func (l *Loader) Buckets() *BucketSet { return l.buckets }

// Len returns the number of usable entries.
func (l *Loader) Len() int { return l.buckets.Total }

// StepsPerEpoch returns how many batches one epoch yields, assuming no
// decode failures.
func (l *Loader) StepsPerEpoch() int {
	steps := 0
	for _, b := range l.buckets.Buckets {
		steps += (len(b.Entries) + l.opts.BatchSize - 1) / l.opts.BatchSize
	}
	return steps
}

// Epoch returns a channel producing every batch of the given epoch, in
// bucket-iteration order, closed when the epoch is exhausted. The
// channel is fed by NumWorkers workers through a bounded prefetch queue
// of depth PrefetchFactor; cancelling ctx stops production.
func (l *Loader) Epoch(ctx context.Context, epoch int) <-chan *Batch {
	set := l.buckets
	if l.opts.Shuffle {
		rng := rand.New(rand.NewSource(l.opts.MasterSeed + int64(epoch)))
		set = set.Shuffled(rng)
	}

	// Per-bucket result channels let workers run ahead while the merger
	// preserves bucket order on the way out.
	perBucket := make([]chan *Batch, len(set.Buckets))
	for i := range perBucket {
		perBucket[i] = make(chan *Batch, l.opts.PrefetchFactor)
	}

	work := make(chan int)
	go func() {
		defer close(work)
		for i := range set.Buckets {
			select {
			case work <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	for w := 0; w < l.opts.NumWorkers; w++ {
		go func() {
			for i := range work {
				l.produceBucket(ctx, epoch, set.Buckets[i], perBucket[i])
				close(perBucket[i])
			}
		}()
	}
	out := make(chan *Batch, l.opts.PrefetchFactor)
	go func() {
		defer close(out)
		seq := 0
		for i := range perBucket {
			for {
				var batch *Batch
				var ok bool
				select {
				case batch, ok = <-perBucket[i]:
				case <-ctx.Done():
					return
				}
				if !ok {
					break
				}
				batch.Seq = seq
				seq++
				select {
				case out <- batch:
					metrics.PrefetchDepth.Set(float64(len(out)))
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// produceBucket assembles batches from one bucket's entry queue. A
// sample that fails to decode is logged, skipped, and backfilled from
// the next entry in the queue so every batch reaches BatchSize until
// the bucket is exhausted.
func (l *Loader) produceBucket(ctx context.Context, epoch int, b Bucket, out chan<- *Batch) {
	queue := b.Entries
	for len(queue) > 0 {
		samples := make([]Sample, 0, l.opts.BatchSize)
		for len(samples) < l.opts.BatchSize && len(queue) > 0 {
			// Claim one candidate per missing slot, decode in parallel,
			// keep survivors, and loop to backfill the gaps.
			need := l.opts.BatchSize - len(samples)
			if need > len(queue) {
				need = len(queue)
			}
			claimed := queue[:need]
			queue = queue[need:]

			decoded := l.decodeAll(epoch, claimed)
			samples = append(samples, decoded...)

			if ctx.Err() != nil {
				return
			}
		}
		if len(samples) == 0 {
			continue
		}
		batch := &Batch{Epoch: epoch, Bucket: b.Key, Samples: samples}
		select {
		case out <- batch:
		case <-ctx.Done():
			return
		}
	}
}

// decodeAll decodes the claimed entries with ThreadPerWorker parallel
// decoders, preserving claim order and dropping failures.
func (l *Loader) decodeAll(epoch int, indices []int) []Sample {
	results := make([]*Sample, len(indices))
	sem := make(chan struct{}, l.opts.ThreadPerWorker)
	var wg sync.WaitGroup

	for pos, idx := range indices {
		wg.Add(1)
		sem <- struct{}{}
		go func(pos, idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			entry := l.entries[idx]
			data, err := l.opts.Decoder(entry)
			if err != nil {
				log.Printf("[data] skipping %s: %v", entry.ImagePath, err)
				metrics.SamplesSkipped.Inc()
				return
			}
			caption := AugmentCaption(entry.Caption, l.opts.MasterSeed, epoch, idx, l.opts.Caption)
			if l.opts.MaxTokens > 0 {
				caption = TruncateTags(caption, l.opts.MaxTokens)
			}
			results[pos] = &Sample{Entry: entry, Index: idx, Caption: caption, Data: data}
		}(pos, idx)
	}
	wg.Wait()

	samples := make([]Sample, 0, len(indices))
	for _, s := range results {
		if s != nil {
			samples = append(samples, *s)
		}
	}
	return samples
}
