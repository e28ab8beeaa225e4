package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/paperbase/paperbase/config"
)

// doiRequestRate throttles directory lookups across all workers in the
// process, per the public Crossref politeness guidance.
var doiRequestRate = rate.NewLimiter(rate.Limit(10), 1)

// doiPattern matches DOI strings in extracted text. DOIs start with a
// 10.xxxx registrant prefix followed by a suffix that excludes
// whitespace and common trailing punctuation.
var doiPattern = regexp.MustCompile(`\b10\.\d{4,9}/[^\s"'<>]+`)

// ExtractDOI finds the first DOI-shaped string in text, trimming
// punctuation that sentence context attaches to it.
func ExtractDOI(text string) string {
	match := doiPattern.FindString(text)
	if match == "" {
		return ""
	}
	return strings.TrimRight(match, ".,;)]}")
}

// DOIRecord is the enrichment metadata returned by the DOI directory.
type DOIRecord struct {
	Valid   bool     `json:"valid"`
	Title   string   `json:"title,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Year    int      `json:"year,omitempty"`
}

// DOIValidator checks a DOI against an external directory. Validation
// failures are non-fatal for ingestion.
type DOIValidator interface {
	Validate(ctx context.Context, doi string) (*DOIRecord, error)
}

// HTTPDOIValidator queries a Crossref-style works endpoint.
type HTTPDOIValidator struct {
	baseURL string
	client  *http.Client
}

// NewHTTPDOIValidator creates a validator for the configured directory.
func NewHTTPDOIValidator(cfg config.IngestConfig) *HTTPDOIValidator {
	return &HTTPDOIValidator{
		baseURL: cfg.DOIDirectoryURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Validate resolves the DOI. A 404 from the directory means the DOI is
// unknown, not that the lookup failed.
func (v *HTTPDOIValidator) Validate(ctx context.Context, doi string) (*DOIRecord, error) {
	if err := doiRequestRate.Wait(ctx); err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/works/%s", v.baseURL, url.PathEscape(doi))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build doi request: %w", err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("doi directory unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &DOIRecord{Valid: false}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doi directory returned %d", resp.StatusCode)
	}

	var payload struct {
		Message struct {
			Title  []string `json:"title"`
			Author []struct {
				Given  string `json:"given"`
				Family string `json:"family"`
			} `json:"author"`
			Issued struct {
				DateParts [][]int `json:"date-parts"`
			} `json:"issued"`
		} `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode doi response: %w", err)
	}

	rec := &DOIRecord{Valid: true}
	if len(payload.Message.Title) > 0 {
		rec.Title = payload.Message.Title[0]
	}
	for _, a := range payload.Message.Author {
		name := strings.TrimSpace(a.Given + " " + a.Family)
		if name != "" {
			rec.Authors = append(rec.Authors, name)
		}
	}
	if parts := payload.Message.Issued.DateParts; len(parts) > 0 && len(parts[0]) > 0 {
		rec.Year = parts[0][0]
	}
	return rec, nil
}
