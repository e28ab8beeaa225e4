// Package db provides the relational persistence layer for Paperbase:
// gorm models and repositories over PostgreSQL, with pgvector for chunk
// embeddings.
package db

import (
	"time"

	"github.com/pgvector/pgvector-go"
)

// Job statuses.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// Step statuses.
const (
	StepStatusStarted   = "started"
	StepStatusCompleted = "completed"
	StepStatusFailed    = "failed"
)

// Chunk kinds.
const (
	ChunkKindText    = "text"
	ChunkKindHeading = "heading"
	ChunkKindCaption = "caption"
)

// Table is a structured table extracted from a document.
type Table struct {
	Page    int        `json:"page"`
	Caption string     `json:"caption,omitempty"`
	Rows    int        `json:"rows"`
	Columns int        `json:"columns"`
	Data    [][]string `json:"data,omitempty"`
}

// Figure is an extracted figure with its stored image path.
type Figure struct {
	Page    int    `json:"page"`
	Index   int    `json:"index"`
	Caption string `json:"caption,omitempty"`
	Path    string `json:"path,omitempty"`
}

// Reference is a bibliographic reference parsed from the document.
type Reference struct {
	Raw     string   `json:"raw"`
	Title   string   `json:"title,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Year    int      `json:"year,omitempty"`
	DOI     string   `json:"doi,omitempty"`
}

// Document is a fully ingested research paper. Derived fields (title,
// authors, sections, tables, figures, references) are replaced atomically
// on reprocess.
type Document struct {
	ID         uint              `json:"id" gorm:"primaryKey"`
	Filename   string            `json:"filename" gorm:"size:512;not null"`
	FilePath   string            `json:"file_path" gorm:"size:1024;not null"`
	OwnerID    string            `json:"owner_id" gorm:"size:36;index;not null"`
	DOI        *string           `json:"doi,omitempty" gorm:"size:255"`
	Title      string            `json:"title" gorm:"size:1024"`
	Authors    []string          `json:"authors" gorm:"serializer:json"`
	Abstract   string            `json:"abstract"`
	Sections   map[string]string `json:"sections" gorm:"serializer:json"`
	Tables     []Table           `json:"tables" gorm:"serializer:json"`
	Figures    []Figure          `json:"figures" gorm:"serializer:json"`
	References []Reference       `json:"references" gorm:"serializer:json"`
	OCRApplied bool              `json:"ocr_applied" gorm:"not null;default:false"`
	PageCount  int               `json:"page_count"`
	UploadDate time.Time         `json:"upload_date"`
	BatchID    *string           `json:"batch_id,omitempty" gorm:"size:36;index"`
}

// Job is the durable record of one background processing unit.
type Job struct {
	ID          string                 `json:"job_id" gorm:"primaryKey;size:36"`
	BatchID     *string                `json:"batch_id,omitempty" gorm:"size:36;index"`
	Filename    string                 `json:"filename" gorm:"size:512;not null"`
	SizeBytes   int64                  `json:"size_bytes"`
	Status      string                 `json:"status" gorm:"size:16;index;not null;default:pending"`
	Progress    int                    `json:"progress" gorm:"not null;default:0"`
	Error       *string                `json:"error,omitempty"`
	OwnerID     string                 `json:"owner_id" gorm:"size:36;index;not null"`
	DocumentID  *uint                  `json:"document_id,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty" gorm:"serializer:json"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// Terminal reports whether the job has reached a final state.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobStep is one append-only audit entry in a job's step log.
type JobStep struct {
	ID         uint                   `json:"-" gorm:"primaryKey"`
	JobID      string                 `json:"-" gorm:"size:36;index;not null"`
	StepIndex  int                    `json:"step_index" gorm:"not null"`
	Name       string                 `json:"name" gorm:"size:64;not null"`
	Status     string                 `json:"status" gorm:"size:16;not null"`
	Message    string                 `json:"message"`
	Detail     map[string]interface{} `json:"detail,omitempty" gorm:"serializer:json"`
	DurationMS int64                  `json:"duration_ms"`
	CreatedAt  time.Time              `json:"timestamp"`
}

// Chunk is a bounded text span of a document with its embedding vector.
// (document_id, chunk_index) is unique and contiguous from 0. The chunks
// table is created with explicit DDL so the vector dimension follows
// configuration; see Migrate.
type Chunk struct {
	ID         uint            `json:"chunk_id" gorm:"primaryKey"`
	DocumentID uint            `json:"document_id" gorm:"not null"`
	ChunkIndex int             `json:"chunk_index" gorm:"not null"`
	Text       string          `json:"text" gorm:"not null"`
	Section    *string         `json:"section,omitempty" gorm:"size:255"`
	Page       *int            `json:"page,omitempty"`
	Kind       string          `json:"kind" gorm:"size:16;not null;default:text"`
	Embedding  pgvector.Vector `json:"-" gorm:"type:vector"`
	CreatedAt  time.Time       `json:"created_at"`
}

// SearchLog records one semantic search for observability.
type SearchLog struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	Query       string    `json:"query" gorm:"not null"`
	UserID      string    `json:"user_id" gorm:"size:36;index"`
	ResultCount int       `json:"result_count"`
	LatencyMS   int64     `json:"latency_ms"`
	CreatedAt   time.Time `json:"created_at"`
}
