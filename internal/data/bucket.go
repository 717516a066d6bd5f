package data

import (
	"fmt"
	"log"
	"math"
	"math/rand"
	"sort"

	"github.com/chroma-forge/chromatrain/internal/metrics"
)

// BucketKey identifies a resolution bucket: the base resolution the
// image area targets plus the quantized training dimensions. A batch
// only ever contains entries from one bucket.
type BucketKey struct {
	Base   int // base resolution the bucket belongs to
	Width  int // training width, a multiple of the resolution step
	Height int // training height, a multiple of the resolution step
}

func (k BucketKey) String() string {
	return fmt.Sprintf("%dpx %dx%d", k.Base, k.Width, k.Height)
}

// Bucket is the set of entry indices sharing one BucketKey.
type Bucket struct {
	Key     BucketKey
	Entries []int // indices into the entry slice passed to BuildBuckets
}

// BucketSet is the full bucket assignment for one dataset.
type BucketSet struct {
	Buckets  []Bucket
	Rejected int // entries dropped for exceeding the ratio cutoff
	Total    int // entries assigned to a bucket
}

// assignBucket computes the bucket for a single image. The nearest base
// resolution (by geometric-mean side length) is chosen, then the native
// aspect ratio is preserved while both sides are quantized to the step.
func assignBucket(width, height int, bases []int, step int) BucketKey {
	side := math.Sqrt(float64(width) * float64(height))

	base := bases[0]
	best := math.Abs(side - float64(base))
	for _, b := range bases[1:] {
		if d := math.Abs(side - float64(b)); d < best {
			best = d
			base = b
		}
	}

	scale := float64(base) / side
	w := int(math.Round(float64(width)*scale/float64(step))) * step
	h := int(math.Round(float64(height)*scale/float64(step))) * step
	if w < step {
		w = step
	}
	if h < step {
		h = step
	}
	return BucketKey{Base: base, Width: w, Height: h}
}

// BuildBuckets groups entries into resolution buckets. Entries whose
// aspect ratio exceeds ratioCutoff are dropped with a warning, never an
// error. Bucket order and per-bucket entry order are deterministic
// before shuffling.
func BuildBuckets(entries []Entry, bases []int, step int, ratioCutoff float64) *BucketSet {
	byKey := make(map[BucketKey][]int)
	rejected := 0

	for i, e := range entries {
		if e.AspectRatio() > ratioCutoff {
			log.Printf("[data] dropping %s: aspect ratio %.2f exceeds cutoff %.2f",
				e.ImagePath, e.AspectRatio(), ratioCutoff)
			metrics.EntriesRejected.WithLabelValues("ratio_cutoff").Inc()
			rejected++
			continue
		}
		key := assignBucket(e.Width, e.Height, bases, step)
		byKey[key] = append(byKey[key], i)
	}

	keys := make([]BucketKey, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool {
		if keys[a].Base != keys[b].Base {
			return keys[a].Base < keys[b].Base
		}
		if keys[a].Width != keys[b].Width {
			return keys[a].Width < keys[b].Width
		}
		return keys[a].Height < keys[b].Height
	})

	set := &BucketSet{Buckets: make([]Bucket, 0, len(keys)), Rejected: rejected}
	for _, k := range keys {
		set.Buckets = append(set.Buckets, Bucket{Key: k, Entries: byKey[k]})
		set.Total += len(byKey[k])
	}
	return set
}

// Shuffled returns a copy of the bucket set with bucket order and
// per-bucket entry order permuted by rng. The receiver is not modified,
// so the same BucketSet can seed every epoch.
func (s *BucketSet) Shuffled(rng *rand.Rand) *BucketSet {
	out := &BucketSet{
		Buckets:  make([]Bucket, len(s.Buckets)),
		Rejected: s.Rejected,
		Total:    s.Total,
	}
	for i, b := range s.Buckets {
		entries := make([]int, len(b.Entries))
		copy(entries, b.Entries)
		rng.Shuffle(len(entries), func(x, y int) {
			entries[x], entries[y] = entries[y], entries[x]
		})
		out.Buckets[i] = Bucket{Key: b.Key, Entries: entries}
	}
	rng.Shuffle(len(out.Buckets), func(x, y int) {
		out.Buckets[x], out.Buckets[y] = out.Buckets[y], out.Buckets[x]
	})
	return out
}
