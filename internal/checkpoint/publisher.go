package checkpoint

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/chroma-forge/chromatrain/internal/domain"
	"github.com/chroma-forge/chromatrain/internal/metrics"
)

// Publisher uploads a finished checkpoint to a remote hub. Implemented
// as an injected capability: when uploads are not configured the
// Manager simply carries no publisher and never makes a network call.
type Publisher interface {
	Publish(path string) error
}

// defaultHubEndpoint is the model hub API base.
const defaultHubEndpoint = "https://huggingface.co"

// HubPublisher uploads checkpoints to a model hub repository with
// bounded retries. Failures are logged and counted, never fatal.
type HubPublisher struct {
	RepoID   string
	Token    string
	Endpoint string        // defaults to the public hub
	Retries  int           // attempts per checkpoint, default 3
	Backoff  time.Duration // initial backoff, doubled per attempt, default 2s
	Client   *http.Client
}

// NewHubPublisher creates a publisher for the given repo.
func NewHubPublisher(repoID, token string) *HubPublisher {
	return &HubPublisher{
		RepoID:   repoID,
		Token:    token,
		Endpoint: defaultHubEndpoint,
		Retries:  3,
		Backoff:  2 * time.Second,
		Client:   &http.Client{Timeout: 5 * time.Minute},
	}
}

// Publish uploads one checkpoint file, retrying with doubling backoff.
func (p *HubPublisher) Publish(path string) error {
	retries := p.Retries
	if retries <= 0 {
		retries = 3
	}
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if err := p.upload(path); err != nil {
			lastErr = err
			metrics.PublishFailures.Inc()
			log.Printf("[publish] attempt %d/%d for %s: %v", attempt, retries, filepath.Base(path), err)
			if attempt < retries {
				time.Sleep(backoff)
				backoff *= 2
			}
			continue
		}
		metrics.PublishesTotal.Inc()
		log.Printf("[publish] uploaded %s to %s", filepath.Base(path), p.RepoID)
		return nil
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", domain.ErrPublishFailed, filepath.Base(path), retries, lastErr)
}

func (p *HubPublisher) upload(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()

	endpoint := p.Endpoint
	if endpoint == "" {
		endpoint = defaultHubEndpoint
	}
	url := fmt.Sprintf("%s/api/models/%s/upload/main/%s", endpoint, p.RepoID, filepath.Base(path))

	req, err := http.NewRequest(http.MethodPut, url, f)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.Token)
	req.Header.Set("Content-Type", "application/octet-stream")

	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("hub returned %s", resp.Status)
	}
	return nil
}
