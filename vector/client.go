package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client calls a remote vector service. It satisfies the ingestion
// pipeline's Indexer so workers can run in a separate process from the
// vector service.
type Client struct {
	baseURL      string
	serviceToken func() (string, error)
	client       *http.Client
}

// NewClient creates a vector-service client. tokenFn mints the service
// token attached to every request; pass nil when auth is disabled.
func NewClient(baseURL string, tokenFn func() (string, error)) *Client {
	return &Client{
		baseURL:      baseURL,
		serviceToken: tokenFn,
		client:       &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.serviceToken != nil {
		token, err := c.serviceToken()
		if err != nil {
			return fmt.Errorf("failed to mint service token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("vector service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var envelope struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&envelope)
		return fmt.Errorf("vector service returned %d: %s", resp.StatusCode, envelope.Detail)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// IndexDocument asks the service to chunk, embed, and store a document.
func (c *Client) IndexDocument(ctx context.Context, documentID uint, sections map[string]string, fullText string) (int, error) {
	var out struct {
		ChunksAdded int `json:"chunks_added"`
	}
	err := c.do(ctx, http.MethodPost, "/index", indexRequest{
		DocumentID: documentID,
		Sections:   sections,
		FullText:   fullText,
	}, &out)
	if err != nil {
		return 0, err
	}
	return out.ChunksAdded, nil
}

// DeleteChunks drops a document's chunks.
func (c *Client) DeleteChunks(ctx context.Context, documentID uint) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/chunks/%d", documentID), nil, nil)
}

// Search runs a semantic search.
func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	var out SearchResponse
	if err := c.do(ctx, http.MethodPost, "/search", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health fetches the service's health facts.
func (c *Client) Health(ctx context.Context) (*HealthFacts, error) {
	var out HealthFacts
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
