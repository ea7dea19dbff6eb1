package proof

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// BridgeClient uploads proofs to an external storage bridge over REST.
type BridgeClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewBridgeClient(baseURL, apiKey string) *BridgeClient {
	return &BridgeClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type uploadResponse struct {
	CID string `json:"cid"`
}

func (c *BridgeClient) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.http.Do(req)
}

func (c *BridgeClient) Put(ctx context.Context, data []byte) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/blobs", bytes.NewReader(data), "application/octet-stream")
	if err != nil {
		return "", fmt.Errorf("bridge upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("bridge upload: status %d", resp.StatusCode)
	}
	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("bridge upload: decode: %w", err)
	}
	if out.CID == "" {
		return "", fmt.Errorf("bridge upload: empty cid")
	}
	return out.CID, nil
}

func (c *BridgeClient) Get(ctx context.Context, cid string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/blobs/"+cid, nil, "")
	if err != nil {
		return nil, fmt.Errorf("bridge download %s: %w", cid, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, cid)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bridge download %s: status %d", cid, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
