package vector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/paperbase/paperbase/common"
	"github.com/paperbase/paperbase/config"
	"github.com/paperbase/paperbase/db"
)

// Search validation errors.
var (
	ErrEmptyQuery     = errors.New("vector: query must not be empty")
	ErrBadMaxResults  = errors.New("vector: max_results must be between 1 and 100")
	ErrNothingToIndex = errors.New("vector: document has no text to index")
	ErrWrongDimension = errors.New("vector: embedding dimension mismatch")
)

const (
	maxSearchResults  = 100
	defaultMaxResults = 10
)

// ChunkStore is the persistence slice the service needs.
type ChunkStore interface {
	ReplaceForDocument(ctx context.Context, documentID uint, chunks []*db.Chunk) error
	DeleteForDocument(ctx context.Context, documentID uint) (int64, error)
	Search(ctx context.Context, embedding pgvector.Vector, limit int, filter db.SearchFilter) ([]*db.SearchHit, error)
	SaveSearchLog(ctx context.Context, log *db.SearchLog) error
}

// SearchRequest is the semantic-search contract.
type SearchRequest struct {
	Query      string `json:"query"`
	MaxResults *int   `json:"max_results,omitempty"`
	DocumentID *uint  `json:"document_id,omitempty"`
	Section    string `json:"section,omitempty"`

	// UserID is filled by the caller, not the client body.
	UserID string `json:"-"`
}

// SearchResponse carries results ordered by descending similarity.
type SearchResponse struct {
	Query        string          `json:"query"`
	ResultsCount int             `json:"results_count"`
	SearchTimeMS int64           `json:"search_time_ms"`
	Chunks       []*db.SearchHit `json:"chunks"`
}

// HealthFacts is what the service reports to health aggregation.
type HealthFacts struct {
	Status    string `json:"status"`
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
	Device    string `json:"device"`
}

// Service owns the chunk lifecycle and search path.
type Service struct {
	cfg      config.VectorConfig
	store    ChunkStore
	embedder Embedder
}

// NewService wires the vector service.
func NewService(cfg config.VectorConfig, store ChunkStore, embedder Embedder) *Service {
	return &Service{cfg: cfg, store: store, embedder: embedder}
}

// IndexDocument chunks and embeds a document's text and replaces its
// chunk set in one transaction. Returns the number of chunks written.
func (s *Service) IndexDocument(ctx context.Context, documentID uint, sections map[string]string, fullText string) (int, error) {
	pieces := ChunkDocument(sections, fullText, s.cfg.ChunkSize, s.cfg.ChunkOverlap)
	if len(pieces) == 0 {
		return 0, ErrNothingToIndex
	}

	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Text
	}

	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("failed to embed %d chunks: %w", len(texts), err)
	}

	chunks := make([]*db.Chunk, len(pieces))
	for i, p := range pieces {
		if len(vectors[i]) != s.cfg.EmbeddingDimension {
			return 0, ErrWrongDimension
		}
		chunk := &db.Chunk{
			DocumentID: documentID,
			ChunkIndex: p.Index,
			Text:       p.Text,
			Kind:       db.ChunkKindText,
			Embedding:  pgvector.NewVector(vectors[i]),
		}
		if p.Section != "" {
			section := p.Section
			chunk.Section = &section
		}
		chunks[i] = chunk
	}

	if err := s.store.ReplaceForDocument(ctx, documentID, chunks); err != nil {
		return 0, fmt.Errorf("failed to store chunks: %w", err)
	}

	common.Logger.WithField("document_id", documentID).
		WithField("chunks", len(chunks)).Info("document indexed")
	return len(chunks), nil
}

// Search embeds the query and runs cosine ANN search. max_results
// defaults to 10 when absent; explicit values outside [1, 100] are
// clamped down from above and rejected at and below zero.
func (s *Service) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	if req.Query == "" {
		return nil, ErrEmptyQuery
	}
	limit := defaultMaxResults
	if req.MaxResults != nil {
		limit = *req.MaxResults
		if limit <= 0 {
			return nil, ErrBadMaxResults
		}
		if limit > maxSearchResults {
			limit = maxSearchResults
		}
	}

	started := time.Now()

	vectors, err := s.embedder.Embed(ctx, []string{req.Query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	hits, err := s.store.Search(ctx, pgvector.NewVector(vectors[0]), limit, db.SearchFilter{
		OwnerID:    req.UserID,
		DocumentID: req.DocumentID,
		Section:    req.Section,
	})
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	elapsed := time.Since(started).Milliseconds()

	// Search logging is observability, never a search failure.
	if err := s.store.SaveSearchLog(ctx, &db.SearchLog{
		Query:       req.Query,
		UserID:      req.UserID,
		ResultCount: len(hits),
		LatencyMS:   elapsed,
	}); err != nil {
		common.Logger.WithError(err).Warn("failed to record search log")
	}

	return &SearchResponse{
		Query:        req.Query,
		ResultsCount: len(hits),
		SearchTimeMS: elapsed,
		Chunks:       hits,
	}, nil
}

// DeleteChunks drops all chunks of a document, on document deletion or
// before a reprocess rewrite.
func (s *Service) DeleteChunks(ctx context.Context, documentID uint) error {
	removed, err := s.store.DeleteForDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	common.Logger.WithField("document_id", documentID).
		WithField("removed", removed).Info("chunks deleted")
	return nil
}

// Health reports the embedding facts used by gateway aggregation.
func (s *Service) Health(ctx context.Context) HealthFacts {
	return HealthFacts{
		Status:    "healthy",
		Model:     s.embedder.Model(),
		Dimension: s.embedder.Dimension(),
		Device:    s.embedder.Device(),
	}
}
