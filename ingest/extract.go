// Package ingest implements the document processing pipeline: text
// extraction, OCR fallback for scanned documents, DOI discovery,
// section parsing, persistence, and vector indexing. Workers consume
// tasks from the broker and record per-step audit entries on the job.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/paperbase/paperbase/config"
	"github.com/paperbase/paperbase/db"
)

// ExtractedFigure is a figure image produced by the extractor, carried
// with its raw bytes until the pipeline persists it to storage.
type ExtractedFigure struct {
	Page    int    `json:"page"`
	Index   int    `json:"index"`
	Caption string `json:"caption,omitempty"`
	Data    []byte `json:"data,omitempty"`
}

// Extraction is the extractor's full output for one PDF.
type Extraction struct {
	FullText   string            `json:"full_text"`
	PageCount  int               `json:"page_count"`
	Title      string            `json:"title,omitempty"`
	Authors    []string          `json:"authors,omitempty"`
	Sections   map[string]string `json:"sections,omitempty"`
	Tables     []db.Table        `json:"tables,omitempty"`
	Figures    []ExtractedFigure `json:"figures,omitempty"`
	References []db.Reference    `json:"references,omitempty"`

	// PageChars holds the extracted character count per page, used by
	// the scanned-document heuristic.
	PageChars []int `json:"page_chars,omitempty"`
}

// Extractor turns a PDF stream into structured text and artifacts. The
// extraction engine itself runs as a separate service.
type Extractor interface {
	Extract(ctx context.Context, filename string, pdf io.Reader) (*Extraction, error)
}

// OCREngine recovers text from scanned documents.
type OCREngine interface {
	Recognize(ctx context.Context, filename string, pdf io.Reader) (string, error)
}

// TransientError marks a failure worth retrying (network, temporary
// storage). Anything else is terminal for the current step.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// HTTPExtractor calls the extractor service over HTTP.
type HTTPExtractor struct {
	baseURL         string
	columnThreshold float64
	client          *http.Client
}

// NewHTTPExtractor creates an extractor client for the configured
// endpoint.
func NewHTTPExtractor(cfg config.IngestConfig) *HTTPExtractor {
	return &HTTPExtractor{
		baseURL:         cfg.ExtractorURL,
		columnThreshold: cfg.SectionColumnThreshold,
		client:          &http.Client{Timeout: 5 * time.Minute},
	}
}

// Extract streams the PDF to the extractor and decodes its response.
// The two-column layout threshold is forwarded as a hint.
func (e *HTTPExtractor) Extract(ctx context.Context, filename string, pdf io.Reader) (*Extraction, error) {
	endpoint := fmt.Sprintf("%s/extract?column_threshold=%s",
		e.baseURL, strconv.FormatFloat(e.columnThreshold, 'f', -1, 64))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pdf)
	if err != nil {
		return nil, fmt.Errorf("failed to build extract request: %w", err)
	}
	req.Header.Set("Content-Type", "application/pdf")
	req.Header.Set("X-Filename", url.PathEscape(filename))

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, Transient(fmt.Errorf("extractor unreachable: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return nil, Transient(fmt.Errorf("extractor returned %d", resp.StatusCode))
	default:
		// 4xx means the document itself cannot be parsed.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("extraction rejected (%d): %s", resp.StatusCode, body)
	}

	var out Extraction
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode extraction: %w", err)
	}
	return &out, nil
}

// HTTPOCREngine calls the OCR service over HTTP.
type HTTPOCREngine struct {
	baseURL  string
	language string
	dpi      int
	client   *http.Client
}

// NewHTTPOCREngine creates an OCR client for the configured endpoint.
func NewHTTPOCREngine(cfg config.IngestConfig) *HTTPOCREngine {
	return &HTTPOCREngine{
		baseURL:  cfg.OCRURL,
		language: cfg.OCRLanguage,
		dpi:      cfg.OCRDPI,
		client:   &http.Client{Timeout: 15 * time.Minute},
	}
}

// Recognize streams the PDF to the OCR engine and returns the
// recognized text.
func (o *HTTPOCREngine) Recognize(ctx context.Context, filename string, pdf io.Reader) (string, error) {
	endpoint := fmt.Sprintf("%s/ocr?lang=%s&dpi=%d",
		o.baseURL, url.QueryEscape(o.language), o.dpi)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pdf)
	if err != nil {
		return "", fmt.Errorf("failed to build ocr request: %w", err)
	}
	req.Header.Set("Content-Type", "application/pdf")
	req.Header.Set("X-Filename", url.PathEscape(filename))

	resp, err := o.client.Do(req)
	if err != nil {
		return "", Transient(fmt.Errorf("ocr engine unreachable: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ocr engine returned %d", resp.StatusCode)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode ocr response: %w", err)
	}
	return out.Text, nil
}
