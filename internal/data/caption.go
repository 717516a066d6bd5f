package data

import (
	"math/rand"
	"strings"
)

// CaptionOptions controls per-sample caption augmentation.
type CaptionOptions struct {
	ShuffleTags bool
	TagDrop     float64 // probability of dropping each tag independently
	Uncond      float64 // probability of replacing the whole caption
}

// sampleSeed derives the deterministic per-sample seed. Two runs with
// the same master seed produce identical augmentation for the same
// (epoch, entry index) pair.
func sampleSeed(masterSeed int64, epoch, index int) int64 {
	return masterSeed + int64(epoch) + int64(index)
}

// AugmentCaption applies unconditional replacement, tag dropping, and
// tag shuffling to a comma-delimited caption, in that order, using the
// deterministic per-sample rng.
func AugmentCaption(caption string, masterSeed int64, epoch, index int, opts CaptionOptions) string {
	rng := rand.New(rand.NewSource(sampleSeed(masterSeed, epoch, index)))

	if opts.Uncond > 0 && rng.Float64() < opts.Uncond {
		return ""
	}

	tags := splitTags(caption)
	if len(tags) == 0 {
		return ""
	}

	if opts.TagDrop > 0 {
		kept := tags[:0]
		for _, tag := range tags {
			if rng.Float64() >= opts.TagDrop {
				kept = append(kept, tag)
			}
		}
		tags = kept
	}

	if opts.ShuffleTags {
		rng.Shuffle(len(tags), func(i, j int) {
			tags[i], tags[j] = tags[j], tags[i]
		})
	}

	return strings.Join(tags, ", ")
}

// splitTags splits a comma-delimited caption into trimmed, non-empty tags.
func splitTags(caption string) []string {
	parts := strings.Split(caption, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// TruncateTags drops whole tags from the end until the caption fits
// maxTokens whitespace-delimited tokens. A crude stand-in for tokenizer
// truncation applied before the text encoder sees the caption.
func TruncateTags(caption string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	fields := strings.Fields(caption)
	if len(fields) <= maxTokens {
		return caption
	}
	return strings.Join(fields[:maxTokens], " ")
}
