package data

import (
	"strings"
	"testing"
)

func TestAugmentCaption_NoOpsDisabled(t *testing.T) {
	caption := "1girl, solo, red hair, looking at viewer"
	got := AugmentCaption(caption, 42, 0, 0, CaptionOptions{})
	if got != caption {
		t.Errorf("got %q, want unchanged %q", got, caption)
	}
}

func TestAugmentCaption_Deterministic(t *testing.T) {
	caption := "a, b, c, d, e, f, g, h"
	opts := CaptionOptions{ShuffleTags: true, TagDrop: 0.3, Uncond: 0.1}

	for idx := 0; idx < 20; idx++ {
		first := AugmentCaption(caption, 42, 3, idx, opts)
		second := AugmentCaption(caption, 42, 3, idx, opts)
		if first != second {
			t.Fatalf("index %d: same seed gave %q then %q", idx, first, second)
		}
	}
}

func TestAugmentCaption_EpochChangesOutcome(t *testing.T) {
	caption := "a, b, c, d, e, f, g, h, i, j"
	opts := CaptionOptions{ShuffleTags: true}

	same := 0
	for idx := 0; idx < 50; idx++ {
		if AugmentCaption(caption, 42, 0, idx, opts) == AugmentCaption(caption, 42, 1, idx, opts) {
			same++
		}
	}
	if same == 50 {
		t.Error("epoch index has no effect on shuffling")
	}
}

func TestAugmentCaption_UncondAlways(t *testing.T) {
	opts := CaptionOptions{Uncond: 1.0}
	for idx := 0; idx < 10; idx++ {
		if got := AugmentCaption("a, b, c", 1, 0, idx, opts); got != "" {
			t.Errorf("uncond=1.0 produced non-empty caption %q", got)
		}
	}
}

func TestAugmentCaption_DropAll(t *testing.T) {
	opts := CaptionOptions{TagDrop: 1.0}
	if got := AugmentCaption("a, b, c", 1, 0, 0, opts); got != "" {
		t.Errorf("tag_drop=1.0 left %q", got)
	}
}

func TestAugmentCaption_ShufflePreservesTagSet(t *testing.T) {
	caption := "cat, dog, bird, fish"
	got := AugmentCaption(caption, 9, 2, 5, CaptionOptions{ShuffleTags: true})

	want := map[string]bool{"cat": true, "dog": true, "bird": true, "fish": true}
	tags := strings.Split(got, ", ")
	if len(tags) != len(want) {
		t.Fatalf("tag count = %d, want %d (%q)", len(tags), len(want), got)
	}
	for _, tag := range tags {
		if !want[tag] {
			t.Errorf("unexpected tag %q in %q", tag, got)
		}
	}
}

func TestSplitTags_TrimsAndDropsEmpty(t *testing.T) {
	got := splitTags(" a ,, b ,  ")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("splitTags = %v, want [a b]", got)
	}
}

func TestTruncateTags(t *testing.T) {
	tests := []struct {
		caption string
		max     int
		want    string
	}{
		{"one two three four", 2, "one two"},
		{"one two", 5, "one two"},
		{"one", 0, ""},
	}
	for _, tt := range tests {
		if got := TruncateTags(tt.caption, tt.max); got != tt.want {
			t.Errorf("TruncateTags(%q, %d) = %q, want %q", tt.caption, tt.max, got, tt.want)
		}
	}
}
