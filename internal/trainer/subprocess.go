package trainer

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/chroma-forge/chromatrain/internal/config"
	"github.com/chroma-forge/chromatrain/internal/data"
	"github.com/chroma-forge/chromatrain/internal/domain"
)

// ─── Subprocess Backend ─────────────────────────────────────────────────────
// The diffusion model's forward/backward pass lives in an external
// worker process (chroma-worker). This backend spawns it and speaks a
// JSON-lines protocol over its stdin/stdout: one request object per
// line, one response object per line, strictly in order.

const workerExe = "chroma-worker"

// SubprocessBackend drives a chroma-worker process.
type SubprocessBackend struct {
	workerPath string

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     *bufio.Writer
	stdinPipe io.WriteCloser
	stdout    *bufio.Scanner
}

// shutdownTimeout bounds how long Close waits for the worker to exit
// before killing it.
const shutdownTimeout = 5 * time.Second

// NewSubprocessBackend locates the worker binary in home/bin or PATH.
func NewSubprocessBackend(home string) (*SubprocessBackend, error) {
	path, err := findWorker(home)
	if err != nil {
		return nil, err
	}
	return &SubprocessBackend{workerPath: path}, nil
}

// findWorker searches for the chroma-worker binary.
func findWorker(home string) (string, error) {
	binPath := filepath.Join(home, "bin", workerExe)
	if _, err := os.Stat(binPath); err == nil {
		return binPath, nil
	}
	if path, err := exec.LookPath(workerExe); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("%s not found in %s or PATH", workerExe, filepath.Join(home, "bin"))
}

// workerRequest is one JSON line sent to the worker.
type workerRequest struct {
	Op          string        `json:"op"` // load_model | train_step | apply_update | snapshot | shutdown
	Model       *config.Model `json:"model,omitempty"`
	LoRA        *config.LoRA  `json:"lora,omitempty"`
	Captions    []string      `json:"captions,omitempty"`
	Images      []string      `json:"images,omitempty"` // base64 raw bytes
	Width       int           `json:"width,omitempty"`
	Height      int           `json:"height,omitempty"`
	Timesteps   []float64     `json:"timesteps,omitempty"`
	LR          float64       `json:"lr,omitempty"`
	WeightDecay float64       `json:"weight_decay,omitempty"`
}

// workerResponse is one JSON line received from the worker.
type workerResponse struct {
	OK       bool    `json:"ok"`
	Error    string  `json:"error,omitempty"`
	MSE      float64 `json:"mse,omitempty"`
	L1       float64 `json:"l1,omitempty"`
	Cosine   float64 `json:"cosine_sim,omitempty"`
	Snapshot string  `json:"snapshot,omitempty"` // base64 adapter weights
}

// LoadModel starts the worker and has it load the base model and
// attach adapters.
func (b *SubprocessBackend) LoadModel(model config.Model, lora config.LoRA) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cmd != nil {
		return fmt.Errorf("worker already started")
	}

	cmd := exec.Command(b.workerPath)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", workerExe, err)
	}

	b.cmd = cmd
	b.stdin = bufio.NewWriter(stdin)
	b.stdinPipe = stdin
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<28) // adapter snapshots are large
	b.stdout = scanner

	resp, err := b.roundTrip(workerRequest{Op: "load_model", Model: &model, LoRA: &lora})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrModelNotFound, err)
	}
	if !resp.OK {
		return fmt.Errorf("%w: %s", domain.ErrModelCorrupted, resp.Error)
	}
	return nil
}

// TrainStep forwards one batch to the worker.
func (b *SubprocessBackend) TrainStep(ctx context.Context, batch *data.Batch, timesteps []float64) (domain.LossComponents, error) {
	if err := ctx.Err(); err != nil {
		return domain.LossComponents{}, err
	}

	req := workerRequest{
		Op:        "train_step",
		Width:     batch.Bucket.Width,
		Height:    batch.Bucket.Height,
		Timesteps: timesteps,
	}
	for _, s := range batch.Samples {
		req.Captions = append(req.Captions, s.Caption)
		req.Images = append(req.Images, base64.StdEncoding.EncodeToString(s.Data))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	resp, err := b.roundTrip(req)
	if err != nil {
		return domain.LossComponents{}, err
	}
	if !resp.OK {
		return domain.LossComponents{}, fmt.Errorf("worker train_step: %s", resp.Error)
	}
	return domain.LossComponents{MSE: resp.MSE, L1: resp.L1, CosineSim: resp.Cosine}, nil
}

// ApplyUpdate applies the optimizer step in the worker.
func (b *SubprocessBackend) ApplyUpdate(lr, weightDecay float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	resp, err := b.roundTrip(workerRequest{Op: "apply_update", LR: lr, WeightDecay: weightDecay})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("worker apply_update: %s", resp.Error)
	}
	return nil
}

// AdapterSnapshot pulls the serialized LoRA weights from the worker.
func (b *SubprocessBackend) AdapterSnapshot() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	resp, err := b.roundTrip(workerRequest{Op: "snapshot"})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("worker snapshot: %s", resp.Error)
	}
	return base64.StdEncoding.DecodeString(resp.Snapshot)
}

// Close asks the worker to exit and reaps the process. Stdin is closed
// after the shutdown op so a worker blocked on reads sees EOF; one that
// still refuses to exit is killed after shutdownTimeout.
func (b *SubprocessBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cmd == nil {
		return nil
	}
	b.send(workerRequest{Op: "shutdown"})
	b.stdinPipe.Close()

	done := make(chan error, 1)
	go func() { done <- b.cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-time.After(shutdownTimeout):
		b.cmd.Process.Kill()
		err = <-done
	}
	b.cmd = nil
	return err
}

// roundTrip sends one request and reads one response. Caller holds the lock.
func (b *SubprocessBackend) roundTrip(req workerRequest) (*workerResponse, error) {
	if b.cmd == nil {
		return nil, fmt.Errorf("worker not started")
	}
	if err := b.send(req); err != nil {
		return nil, err
	}
	if !b.stdout.Scan() {
		if err := b.stdout.Err(); err != nil {
			return nil, fmt.Errorf("read worker response: %w", err)
		}
		return nil, fmt.Errorf("worker exited unexpectedly")
	}
	var resp workerResponse
	if err := json.Unmarshal(b.stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode worker response: %w", err)
	}
	return &resp, nil
}

func (b *SubprocessBackend) send(req workerRequest) error {
	line, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := b.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write worker request: %w", err)
	}
	return b.stdin.Flush()
}
