package document

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// Info is the document-level metadata reported by the catalog service.
type Info struct {
	ID                string `json:"id"`
	Title             string `json:"title,omitempty"`
	LastKnownBlockIdx int    `json:"last_known_block_idx"`
}

type blockPayload struct {
	ID            string `json:"id"`
	Idx           int    `json:"idx"`
	Text          string `json:"text"`
	EstDurationMs int64  `json:"est_duration_ms"`
}

// Client fetches block catalogs from the document service.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a catalog client for the given service base URL. The
// token is optional; when set it is sent as a bearer credential.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// ListBlocks fetches the ordered block list for a document and assembles it
// into a catalog.
func (c *Client) ListBlocks(ctx context.Context, docID string) (*Catalog, error) {
	var payload []blockPayload
	if err := c.getJSON(ctx, fmt.Sprintf("/documents/%s/blocks", docID), &payload); err != nil {
		return nil, err
	}
	blocks := make([]Block, 0, len(payload))
	for _, p := range payload {
		blocks = append(blocks, Block{
			ID:          p.ID,
			Idx:         p.Idx,
			Text:        p.Text,
			EstDuration: time.Duration(p.EstDurationMs) * time.Millisecond,
		})
	}
	return NewCatalog(docID, blocks)
}

// GetDocument fetches document metadata, including the last play position
// known to the remote profile.
func (c *Client) GetDocument(ctx context.Context, docID string) (Info, error) {
	var info Info
	if err := c.getJSON(ctx, "/documents/"+docID, &info); err != nil {
		return Info{}, err
	}
	return info, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("catalog request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("catalog request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("catalog request %s: %w", path, ErrDocumentNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("catalog request %s: unexpected status %d", path, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("catalog response: %w", err)
	}
	if err := sonic.Unmarshal(body, out); err != nil {
		return fmt.Errorf("catalog response: %w", err)
	}
	return nil
}

// ErrDocumentNotFound indicates the service has no such document.
var ErrDocumentNotFound = errors.New("document not found")
