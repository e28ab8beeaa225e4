package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/paperbase/paperbase/config"
)

// Embedder turns text spans into fixed-dimension vectors. The model
// itself runs as a separate service.
type Embedder interface {
	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension is the vector dimension the model produces.
	Dimension() int

	// Device reports where the model runs (cpu, cuda), for health facts.
	Device() string

	// Model names the loaded embedding model.
	Model() string
}

// HTTPEmbedder calls the embedding model server. Requests are batched
// to the configured batch size and the device's safe concurrency is
// enforced with a weighted semaphore, so a burst of indexing jobs
// cannot oversubscribe a single GPU.
type HTTPEmbedder struct {
	baseURL   string
	model     string
	dimension int
	batchSize int
	useGPU    bool
	sem       *semaphore.Weighted
	client    *http.Client

	device string
}

// NewHTTPEmbedder creates an embedding client for the configured model
// server.
func NewHTTPEmbedder(cfg config.VectorConfig) *HTTPEmbedder {
	concurrency := cfg.EmbeddingConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	batch := cfg.EmbeddingBatchSize
	if batch <= 0 {
		batch = 32
	}
	return &HTTPEmbedder{
		baseURL:   cfg.EmbeddingURL,
		model:     cfg.EmbeddingModel,
		dimension: cfg.EmbeddingDimension,
		batchSize: batch,
		useGPU:    cfg.UseGPU,
		sem:       semaphore.NewWeighted(int64(concurrency)),
		client:    &http.Client{Timeout: 2 * time.Minute},
		device:    "cpu",
	}
}

// Embed sends the texts in batches and concatenates the results.
func (e *HTTPEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}

	if len(out) != len(texts) {
		return nil, fmt.Errorf("embedding server returned %d vectors for %d texts", len(out), len(texts))
	}
	return out, nil
}

func (e *HTTPEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	payload, err := json.Marshal(map[string]interface{}{
		"model":   e.model,
		"texts":   texts,
		"use_gpu": e.useGPU,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding server unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding server returned %d", resp.StatusCode)
	}

	var body struct {
		Embeddings [][]float32 `json:"embeddings"`
		Device     string      `json:"device"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode embeddings: %w", err)
	}
	if body.Device != "" {
		e.device = body.Device
	}

	for i, v := range body.Embeddings {
		if len(v) != e.dimension {
			return nil, fmt.Errorf("embedding %d has dimension %d, want %d", i, len(v), e.dimension)
		}
	}
	return body.Embeddings, nil
}

// Dimension is the configured vector dimension.
func (e *HTTPEmbedder) Dimension() int { return e.dimension }

// Device is the device the model server last reported.
func (e *HTTPEmbedder) Device() string { return e.device }

// Model names the configured embedding model.
func (e *HTTPEmbedder) Model() string { return e.model }
