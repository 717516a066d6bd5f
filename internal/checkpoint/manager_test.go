package checkpoint

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chroma-forge/chromatrain/internal/domain"
)

func TestSave_WritesCanonicalFile(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, 0, nil)
	if err != nil {
		t.Fatal(err)
	}

	path, err := m.Save(1, 250, []byte("adapter-weights"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if filepath.Base(path) != "lora-e001-s00000250.safetensors" {
		t.Errorf("checkpoint name = %s", filepath.Base(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "adapter-weights" {
		t.Errorf("content = %q", data)
	}
}

func TestSave_NoTempFilesLeftBehind(t *testing.T) {
	dir := t.TempDir()
	m, _ := NewManager(dir, 0, nil)
	if _, err := m.Save(0, 1, []byte("x")); err != nil {
		t.Fatal(err)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file %s left at canonical dir", e.Name())
		}
	}
}

func TestSave_Retention(t *testing.T) {
	dir := t.TempDir()
	m, _ := NewManager(dir, 2, nil)

	for step := int64(1); step <= 5; step++ {
		if _, err := m.Save(0, step, []byte("w")); err != nil {
			t.Fatal(err)
		}
	}

	names, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Fatalf("retained %d checkpoints, want 2: %v", len(names), names)
	}
	// Newest two survive.
	if names[0] != "lora-e000-s00000004.safetensors" || names[1] != "lora-e000-s00000005.safetensors" {
		t.Errorf("retained %v, want steps 4 and 5", names)
	}
}

// countingPublisher records invocations.
type countingPublisher struct {
	calls atomic.Int64
	err   error
}

func (c *countingPublisher) Publish(string) error {
	c.calls.Add(1)
	return c.err
}

func TestSave_NilPublisherNeverPublishes(t *testing.T) {
	dir := t.TempDir()
	m, _ := NewManager(dir, 0, nil)
	if _, err := m.Save(0, 1, []byte("w")); err != nil {
		t.Fatal(err)
	}
	m.Wait()
	// Nothing to assert beyond "no panic, no network": the manager has
	// no publisher to call.
}

func TestSave_PublishesAsync(t *testing.T) {
	pub := &countingPublisher{}
	m, _ := NewManager(t.TempDir(), 0, pub)

	if _, err := m.Save(0, 1, []byte("w")); err != nil {
		t.Fatal(err)
	}
	m.Wait()
	if got := pub.calls.Load(); got != 1 {
		t.Errorf("publish calls = %d, want 1", got)
	}
}

func TestSave_PublishFailureDoesNotFailSave(t *testing.T) {
	pub := &countingPublisher{err: errors.New("hub down")}
	m, _ := NewManager(t.TempDir(), 0, pub)

	if _, err := m.Save(0, 1, []byte("w")); err != nil {
		t.Errorf("Save failed on publish error: %v", err)
	}
	m.Wait()
}

func TestHubPublisher_RetriesThenSucceeds(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ckpt := filepath.Join(t.TempDir(), "lora-e000-s00000001.safetensors")
	if err := os.WriteFile(ckpt, []byte("w"), 0o644); err != nil {
		t.Fatal(err)
	}

	p := &HubPublisher{
		RepoID:   "org/repo",
		Token:    "tok",
		Endpoint: srv.URL,
		Retries:  3,
		Backoff:  time.Millisecond,
		Client:   srv.Client(),
	}
	if err := p.Publish(ckpt); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if hits.Load() != 3 {
		t.Errorf("attempts = %d, want 3", hits.Load())
	}
}

func TestHubPublisher_BoundedRetries(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ckpt := filepath.Join(t.TempDir(), "ck.safetensors")
	if err := os.WriteFile(ckpt, []byte("w"), 0o644); err != nil {
		t.Fatal(err)
	}

	p := &HubPublisher{
		RepoID:   "org/repo",
		Token:    "tok",
		Endpoint: srv.URL,
		Retries:  2,
		Backoff:  time.Millisecond,
		Client:   srv.Client(),
	}
	err := p.Publish(ckpt)
	if !errors.Is(err, domain.ErrPublishFailed) {
		t.Errorf("err = %v, want ErrPublishFailed", err)
	}
	if hits.Load() != 2 {
		t.Errorf("attempts = %d, want exactly 2", hits.Load())
	}
}
