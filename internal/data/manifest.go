// Package data implements the resolution-bucketing dataloader: manifest
// reading, aspect-ratio bucketing, caption augmentation, and concurrent
// batch production with bounded prefetch.
package data

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/chroma-forge/chromatrain/internal/domain"
)

// Entry is one manifest row: an image plus its caption and native size.
// Immutable once read.
type Entry struct {
	ImagePath string `json:"filename"`
	Caption   string `json:"caption"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// AspectRatio returns the long-side / short-side ratio, always >= 1.
func (e Entry) AspectRatio() float64 {
	w, h := float64(e.Width), float64(e.Height)
	if w >= h {
		return w / h
	}
	return h / w
}

// ReadManifest reads a JSONL metadata file. Each line is one Entry whose
// filename is resolved against imageFolder. Malformed lines are logged
// and skipped, not fatal; an empty result is.
func ReadManifest(path, imageFolder string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			log.Printf("[data] manifest line %d: skipping malformed entry: %v", lineNo, err)
			continue
		}
		if e.ImagePath == "" || e.Width <= 0 || e.Height <= 0 {
			log.Printf("[data] manifest line %d: skipping entry with missing filename or size", lineNo)
			continue
		}
		e.ImagePath = filepath.Join(imageFolder, e.ImagePath)
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	if len(entries) == 0 {
		return nil, domain.ErrManifestEmpty
	}
	return entries, nil
}
