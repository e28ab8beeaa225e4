package queue

// Queue names. All four are declared durable at broker startup so tasks
// survive a broker restart.
const (
	QueueDocumentProcessing = "document_processing"
	QueueBatchProcessing    = "batch_processing"
	QueueMetadataExtraction = "metadata_extraction"
	QueueOCRProcessing      = "ocr_processing"
)

// Queues lists every queue the broker declares.
var Queues = []string{
	QueueDocumentProcessing,
	QueueBatchProcessing,
	QueueMetadataExtraction,
	QueueOCRProcessing,
}

// ProcessTask asks a worker to run the full ingestion pipeline for one
// uploaded file. Reprocess reuses the stored file of an existing document.
type ProcessTask struct {
	JobID      string  `json:"job_id"`
	OwnerID    string  `json:"owner_id"`
	Filename   string  `json:"filename"`
	FilePath   string  `json:"file_path"`
	BatchID    *string `json:"batch_id,omitempty"`
	DocumentID *uint   `json:"document_id,omitempty"`
	Reprocess  bool    `json:"reprocess,omitempty"`
	ForceOCR   bool    `json:"force_ocr,omitempty"`
}

// BatchTask fans a batch upload out into per-file process tasks.
type BatchTask struct {
	BatchID string   `json:"batch_id"`
	OwnerID string   `json:"owner_id"`
	JobIDs  []string `json:"job_ids"`
}

// MetadataTask asks a worker to re-run metadata extraction (DOI, title,
// authors) for an already ingested document.
type MetadataTask struct {
	JobID      string `json:"job_id"`
	OwnerID    string `json:"owner_id"`
	DocumentID uint   `json:"document_id"`
}

// OCRTask asks a worker to OCR a stored file outside the main pipeline.
type OCRTask struct {
	JobID    string `json:"job_id"`
	OwnerID  string `json:"owner_id"`
	FilePath string `json:"file_path"`
	Language string `json:"language,omitempty"`
}
