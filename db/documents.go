package db

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// ErrNotFound is returned by repositories when no row matches.
var ErrNotFound = errors.New("db: record not found")

// DocumentRepository manages document rows and their owned chunks.
type DocumentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository creates the document repository.
func NewDocumentRepository(gdb *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: gdb}
}

// Create inserts a new document.
func (r *DocumentRepository) Create(ctx context.Context, doc *Document) error {
	return r.db.WithContext(ctx).Create(doc).Error
}

// Get fetches a document by ID.
func (r *DocumentRepository) Get(ctx context.Context, id uint) (*Document, error) {
	var doc Document
	err := r.db.WithContext(ctx).First(&doc, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// List pages through a user's documents, newest first.
func (r *DocumentRepository) List(ctx context.Context, ownerID string, skip, limit int) ([]*Document, int64, error) {
	var docs []*Document
	var total int64

	q := r.db.WithContext(ctx).Model(&Document{}).Where("owner_id = ?", ownerID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := q.Order("upload_date DESC").Offset(skip).Limit(limit).Find(&docs).Error
	return docs, total, err
}

// ReplaceDerived atomically replaces the derived fields produced by a
// reprocess. The previous values survive if the update fails.
func (r *DocumentRepository) ReplaceDerived(ctx context.Context, doc *Document) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Document{}).Where("id = ?", doc.ID).Updates(map[string]interface{}{
			"doi":         doc.DOI,
			"title":       doc.Title,
			"authors":     doc.Authors,
			"abstract":    doc.Abstract,
			"sections":    doc.Sections,
			"tables":      doc.Tables,
			"figures":     doc.Figures,
			"references":  doc.References,
			"ocr_applied": doc.OCRApplied,
			"page_count":  doc.PageCount,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Delete removes a document and, in the same transaction, all chunks it
// owns. Job rows referencing the document remain as historical audit.
func (r *DocumentRepository) Delete(ctx context.Context, id uint, ownerID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM chunks WHERE document_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Where("id = ? AND owner_id = ?", id, ownerID).Delete(&Document{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
