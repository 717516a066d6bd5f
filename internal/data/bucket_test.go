package data

import (
	"math/rand"
	"reflect"
	"testing"
)

var testBases = []int{384, 512, 640, 768, 896, 1024}

func TestAssignBucket_SquareImage(t *testing.T) {
	key := assignBucket(512, 512, testBases, 8)
	if key.Base != 512 {
		t.Errorf("Base = %d, want 512", key.Base)
	}
	if key.Width != 512 || key.Height != 512 {
		t.Errorf("dims = %dx%d, want 512x512", key.Width, key.Height)
	}
}

func TestAssignBucket_DimsQuantizedToStep(t *testing.T) {
	// 3:2 landscape near the 768 bucket
	key := assignBucket(900, 600, testBases, 8)
	if key.Width%8 != 0 || key.Height%8 != 0 {
		t.Errorf("dims %dx%d not multiples of 8", key.Width, key.Height)
	}
	if key.Width <= key.Height {
		t.Errorf("landscape input produced non-landscape bucket %dx%d", key.Width, key.Height)
	}
}

func TestAssignBucket_NearestBase(t *testing.T) {
	tests := []struct {
		w, h     int
		wantBase int
	}{
		{384, 384, 384},
		{400, 400, 384},
		{1000, 1000, 1024},
		{640, 480, 512}, // sqrt(640*480) ≈ 554 → nearest is 512
	}
	for _, tt := range tests {
		key := assignBucket(tt.w, tt.h, testBases, 8)
		if key.Base != tt.wantBase {
			t.Errorf("assignBucket(%d,%d).Base = %d, want %d", tt.w, tt.h, key.Base, tt.wantBase)
		}
	}
}

func TestBuildBuckets_RatioCutoff(t *testing.T) {
	entries := []Entry{
		{ImagePath: "a.png", Width: 512, Height: 512},
		{ImagePath: "b.png", Width: 512, Height: 512},
		{ImagePath: "wide.png", Width: 2048, Height: 512}, // ratio 4 > 2
		{ImagePath: "tall.png", Width: 300, Height: 1200}, // ratio 4 > 2
	}
	set := BuildBuckets(entries, testBases, 8, 2.0)

	if set.Rejected != 2 {
		t.Errorf("Rejected = %d, want 2", set.Rejected)
	}
	if set.Total != 2 {
		t.Errorf("Total = %d, want 2", set.Total)
	}
	for _, b := range set.Buckets {
		for _, idx := range b.Entries {
			if entries[idx].AspectRatio() > 2.0 {
				t.Errorf("entry %s over the cutoff was bucketed", entries[idx].ImagePath)
			}
		}
	}
}

func TestBuildBuckets_EveryEntryInExactlyOneBucket(t *testing.T) {
	entries := []Entry{
		{ImagePath: "a", Width: 512, Height: 512},
		{ImagePath: "b", Width: 768, Height: 512},
		{ImagePath: "c", Width: 512, Height: 768},
		{ImagePath: "d", Width: 1024, Height: 1024},
		{ImagePath: "e", Width: 512, Height: 512},
	}
	set := BuildBuckets(entries, testBases, 8, 2.0)

	seen := make(map[int]int)
	for _, b := range set.Buckets {
		for _, idx := range b.Entries {
			seen[idx]++
		}
	}
	for i := range entries {
		if seen[i] != 1 {
			t.Errorf("entry %d appears in %d buckets, want 1", i, seen[i])
		}
	}
}

func TestBuildBuckets_Deterministic(t *testing.T) {
	entries := []Entry{
		{ImagePath: "a", Width: 640, Height: 480},
		{ImagePath: "b", Width: 480, Height: 640},
		{ImagePath: "c", Width: 1024, Height: 768},
	}
	first := BuildBuckets(entries, testBases, 8, 2.0)
	second := BuildBuckets(entries, testBases, 8, 2.0)
	if !reflect.DeepEqual(first, second) {
		t.Error("two builds over the same entries differ")
	}
}

func TestShuffled_SameSeedSameOrder(t *testing.T) {
	entries := make([]Entry, 40)
	for i := range entries {
		entries[i] = Entry{ImagePath: "img", Width: 512 + 64*(i%4), Height: 512}
	}
	set := BuildBuckets(entries, testBases, 8, 2.0)

	a := set.Shuffled(rand.New(rand.NewSource(77)))
	b := set.Shuffled(rand.New(rand.NewSource(77)))
	if !reflect.DeepEqual(a, b) {
		t.Error("same seed produced different shuffles")
	}

	c := set.Shuffled(rand.New(rand.NewSource(78)))
	if reflect.DeepEqual(a, c) {
		t.Error("different seeds produced identical shuffles (possible but wildly unlikely)")
	}
}

func TestShuffled_DoesNotMutateOriginal(t *testing.T) {
	entries := make([]Entry, 20)
	for i := range entries {
		entries[i] = Entry{ImagePath: "img", Width: 512, Height: 512}
	}
	set := BuildBuckets(entries, testBases, 8, 2.0)
	before := make([]int, len(set.Buckets[0].Entries))
	copy(before, set.Buckets[0].Entries)

	set.Shuffled(rand.New(rand.NewSource(1)))

	if !reflect.DeepEqual(before, set.Buckets[0].Entries) {
		t.Error("Shuffled mutated the original bucket set")
	}
}
