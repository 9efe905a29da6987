package position

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
)

// Syncer pushes position updates to the document service. Updates are
// advisory; the local store is the source of truth on this machine.
type Syncer struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewSyncer creates a syncer against the service API. An empty token makes
// every push a no-op, matching anonymous use.
func NewSyncer(baseURL, token string) *Syncer {
	return &Syncer{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Push updates the document's position at the service.
func (s *Syncer) Push(ctx context.Context, docID string, blockIdx int) error {
	if s.token == "" {
		return nil
	}
	body, err := sonic.Marshal(map[string]int{"block_idx": blockIdx})
	if err != nil {
		return fmt.Errorf("encode position update: %w", err)
	}
	url := fmt.Sprintf("%s/documents/%s/position", s.baseURL, docID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build position request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("push position: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push position: unexpected status %d", resp.StatusCode)
	}
	return nil
}
