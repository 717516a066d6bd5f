// Package checkpoint persists LoRA adapter snapshots and optionally
// publishes them to a remote model hub.
//
// Writes are atomic: the snapshot goes to a temp file in the save
// folder, is fsynced, then renamed into place. A crash mid-write never
// leaves a partial file at the canonical path.
package checkpoint

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/chroma-forge/chromatrain/internal/metrics"
)

// Manager writes checkpoints under a save folder and hands finished
// files to a Publisher, if one is configured.
type Manager struct {
	dir       string
	keep      int // checkpoints to retain, 0 = keep all
	publisher Publisher

	wg sync.WaitGroup // in-flight async publishes
}

// NewManager creates the save folder if needed. publisher may be nil,
// in which case Save never triggers any upload.
func NewManager(dir string, keep int, publisher Publisher) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create save folder: %w", err)
	}
	return &Manager{dir: dir, keep: keep, publisher: publisher}, nil
}

// Dir returns the save folder.
func (m *Manager) Dir() string { return m.dir }

// writeRetries bounds how often a failed checkpoint write is retried
// before the error becomes fatal to the run.
const writeRetries = 3

// Save atomically writes an adapter snapshot keyed by epoch and global
// step, prunes old checkpoints past the retention limit, and kicks off
// an async publish. Write failures are retried with backoff; the error
// surfaces only once the retry budget is spent. Returns the canonical
// checkpoint path.
func (m *Manager) Save(epoch int, step int64, snapshot []byte) (string, error) {
	started := time.Now()

	name := fmt.Sprintf("lora-e%03d-s%08d.safetensors", epoch, step)
	final := filepath.Join(m.dir, name)

	var err error
	backoff := 500 * time.Millisecond
	for attempt := 1; attempt <= writeRetries; attempt++ {
		if err = m.writeAtomic(final, snapshot); err == nil {
			break
		}
		log.Printf("[checkpoint] write attempt %d/%d for %s: %v", attempt, writeRetries, name, err)
		if attempt < writeRetries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	if err != nil {
		return "", fmt.Errorf("write checkpoint after %d attempts: %w", writeRetries, err)
	}

	metrics.CheckpointsWritten.Inc()
	metrics.CheckpointWriteDuration.Observe(time.Since(started).Seconds())
	log.Printf("[checkpoint] wrote %s (%d bytes)", name, len(snapshot))

	m.prune()

	if m.publisher != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.publisher.Publish(final); err != nil {
				// Upload failure is never fatal to the run.
				log.Printf("[checkpoint] publish %s: %v", name, err)
			}
		}()
	}
	return final, nil
}

// writeAtomic writes the snapshot to a temp file, fsyncs, and renames
// it into place.
func (m *Manager) writeAtomic(final string, snapshot []byte) error {
	tmp, err := os.CreateTemp(m.dir, ".ckpt-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(snapshot); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Wait blocks until all in-flight publishes finish. Called while
// finalizing a run.
func (m *Manager) Wait() { m.wg.Wait() }

// List returns the checkpoint filenames in the save folder, oldest first.
func (m *Manager) List() ([]string, error) {
	glob, err := filepath.Glob(filepath.Join(m.dir, "lora-*.safetensors"))
	if err != nil {
		return nil, err
	}
	sort.Strings(glob)
	names := make([]string, len(glob))
	for i, p := range glob {
		names[i] = filepath.Base(p)
	}
	return names, nil
}

// prune deletes the oldest checkpoints beyond the retention limit.
func (m *Manager) prune() {
	if m.keep <= 0 {
		return
	}
	glob, err := filepath.Glob(filepath.Join(m.dir, "lora-*.safetensors"))
	if err != nil || len(glob) <= m.keep {
		return
	}
	sort.Strings(glob)
	for _, old := range glob[:len(glob)-m.keep] {
		if err := os.Remove(old); err != nil {
			log.Printf("[checkpoint] prune %s: %v", old, err)
		}
	}
}
