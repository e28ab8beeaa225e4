package db

import (
	"context"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
)

// SearchHit is one ANN search result joined with its document title.
type SearchHit struct {
	ChunkID       uint    `json:"chunk_id"`
	DocumentID    uint    `json:"document_id"`
	DocumentTitle string  `json:"document_title"`
	ChunkIndex    int     `json:"chunk_index"`
	Text          string  `json:"text"`
	Section       *string `json:"section,omitempty"`
	Page          *int    `json:"page,omitempty"`
	Similarity    float64 `json:"similarity"`
}

// SearchFilter narrows ANN search to one owner, document, or section.
// OwnerID is filled from the authenticated caller; results never cross
// document ownership when it is set.
type SearchFilter struct {
	OwnerID    string
	DocumentID *uint
	Section    string
}

// ChunkRepository manages chunk rows and pgvector similarity search.
type ChunkRepository struct {
	db *gorm.DB
}

// NewChunkRepository creates the chunk repository.
func NewChunkRepository(gdb *gorm.DB) *ChunkRepository {
	return &ChunkRepository{db: gdb}
}

// ReplaceForDocument deletes a document's existing chunks and inserts the
// new set in one transaction, so a reindex never leaves a partial state.
func (r *ChunkRepository) ReplaceForDocument(ctx context.Context, documentID uint, chunks []*Chunk) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM chunks WHERE document_id = ?", documentID).Error; err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		now := time.Now()
		for _, c := range chunks {
			c.DocumentID = documentID
			c.CreatedAt = now
		}
		return tx.CreateInBatches(chunks, 100).Error
	})
}

// DeleteForDocument removes all chunks of a document. Returns the number
// of rows removed.
func (r *ChunkRepository) DeleteForDocument(ctx context.Context, documentID uint) (int64, error) {
	res := r.db.WithContext(ctx).Exec("DELETE FROM chunks WHERE document_id = ?", documentID)
	return res.RowsAffected, res.Error
}

// CountForDocument returns how many chunks a document owns.
func (r *ChunkRepository) CountForDocument(ctx context.Context, documentID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&Chunk{}).
		Where("document_id = ?", documentID).
		Count(&count).Error
	return count, err
}

// ListForDocument returns a document's chunks in index order, embeddings
// excluded.
func (r *ChunkRepository) ListForDocument(ctx context.Context, documentID uint) ([]*Chunk, error) {
	var chunks []*Chunk
	err := r.db.WithContext(ctx).
		Select("id", "document_id", "chunk_index", "text", "section", "page", "kind", "created_at").
		Where("document_id = ?", documentID).
		Order("chunk_index ASC").
		Find(&chunks).Error
	return chunks, err
}

// Search runs cosine ANN search over the HNSW index. Similarity is
// 1 - cosine distance, so identical vectors score 1.0. Filters are
// applied in SQL so the index prunes before the limit.
func (r *ChunkRepository) Search(ctx context.Context, embedding pgvector.Vector, limit int, filter SearchFilter) ([]*SearchHit, error) {
	query := `
		SELECT c.id AS chunk_id,
		       c.document_id,
		       COALESCE(d.title, '') AS document_title,
		       c.chunk_index,
		       c.text,
		       c.section,
		       c.page,
		       1 - (c.embedding <=> ?) AS similarity
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.embedding IS NOT NULL`
	args := []interface{}{embedding}

	if filter.OwnerID != "" {
		query += " AND d.owner_id = ?"
		args = append(args, filter.OwnerID)
	}
	if filter.DocumentID != nil {
		query += " AND c.document_id = ?"
		args = append(args, *filter.DocumentID)
	}
	if filter.Section != "" {
		query += " AND lower(c.section) = lower(?)"
		args = append(args, filter.Section)
	}

	query += " ORDER BY c.embedding <=> ? LIMIT ?"
	args = append(args, embedding, limit)

	var hits []*SearchHit
	err := r.db.WithContext(ctx).Raw(query, args...).Scan(&hits).Error
	return hits, err
}

// SaveSearchLog records one search for observability. Failures are the
// caller's to ignore; logging never blocks a search response.
func (r *ChunkRepository) SaveSearchLog(ctx context.Context, log *SearchLog) error {
	log.CreatedAt = time.Now()
	return r.db.WithContext(ctx).Create(log).Error
}
