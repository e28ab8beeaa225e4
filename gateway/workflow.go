package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/paperbase/paperbase/common"
	"github.com/paperbase/paperbase/db"
	"github.com/paperbase/paperbase/llm"
)

// workflowPollInterval is the job polling cadence inside the bounded
// indexing wait.
const workflowPollInterval = 250 * time.Millisecond

// Indexing states reported by the workflow response.
const (
	indexingCompleted = "completed"
	indexingPending   = "pending"
)

// uploadAndAnalyze accepts a file plus analysis parameters, hands the file
// to the document service, waits a bounded time for ingestion and vector
// indexing, then runs the analysis. When indexing has not finished inside
// the bound, the analysis proceeds without retrieval context and the
// response marks indexing pending.
func (g *Gateway) uploadAndAnalyze(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return common.JSONError(c, http.StatusBadRequest, "multipart field \"file\" is required")
	}

	analysisType := c.FormValue("analysis_type")
	if analysisType == "" {
		analysisType = c.QueryParam("analysis_type")
	}
	if analysisType == "" {
		analysisType = llm.AnalysisSummary
	}
	if !llm.ValidAnalysisType(analysisType) {
		return common.JSONError(c, http.StatusBadRequest, "unknown analysis type "+strconv.Quote(analysisType))
	}

	useRAG := true
	if raw := firstNonEmpty(c.FormValue("use_rag"), c.QueryParam("use_rag")); raw != "" {
		useRAG, _ = strconv.ParseBool(raw)
	}
	provider := firstNonEmpty(c.FormValue("llm_provider"), c.QueryParam("llm_provider"))
	model := firstNonEmpty(c.FormValue("model"), c.QueryParam("model"))
	customPrompt := firstNonEmpty(c.FormValue("custom_prompt"), c.QueryParam("custom_prompt"))

	ctx := c.Request().Context()
	userID := ""
	if user := currentUser(c); user != nil {
		userID = user.ID
	}

	var enqueue struct {
		JobID string `json:"job_id"`
	}
	if err := g.docProxy.PostFile(ctx, userID, "/upload-async", "file", fh, &enqueue); err != nil {
		common.Logger.WithError(err).Error("workflow upload failed")
		return writeUpstreamError(c, err)
	}

	job := g.awaitIndexing(ctx, userID, enqueue.JobID)
	if job == nil {
		return common.JSONError(c, http.StatusBadGateway, "job status unavailable")
	}

	switch job.Status {
	case db.JobStatusFailed:
		detail := "processing failed"
		if job.Error != nil {
			detail = *job.Error
		}
		return common.JSONError(c, http.StatusBadRequest, detail)
	case db.JobStatusCancelled:
		return common.JSONError(c, http.StatusConflict, "processing was cancelled")
	}

	indexing := indexingPending
	if job.Status == db.JobStatusCompleted {
		indexing = indexingCompleted
	}

	// Without a persisted document there is nothing to analyze yet; hand
	// back the job handle so the client can poll and analyze later.
	if job.DocumentID == nil {
		return c.JSON(http.StatusAccepted, map[string]interface{}{
			"job_id":          job.ID,
			"indexing":        indexing,
			"analysis":        nil,
			"status_endpoint": apiPrefix + "/jobs/" + job.ID,
		})
	}

	analysis, err := g.llm.Analyze(ctx, llm.AnalyzeRequest{
		DocumentID:   *job.DocumentID,
		AnalysisType: analysisType,
		UseRAG:       useRAG && indexing == indexingCompleted,
		LLMProvider:  provider,
		Model:        model,
		CustomPrompt: customPrompt,
	})
	if err != nil {
		return g.llmAPI.WriteError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"job_id":      job.ID,
		"document_id": *job.DocumentID,
		"indexing":    indexing,
		"analysis":    analysis,
	})
}

// awaitIndexing polls the job until it turns terminal or the configured
// wait elapses. Returns the last observed job, or nil when no status
// could be read at all.
func (g *Gateway) awaitIndexing(ctx context.Context, userID, jobID string) *db.Job {
	deadline := time.NewTimer(g.cfg.Gateway.WorkflowIndexWait)
	defer deadline.Stop()
	ticker := time.NewTicker(workflowPollInterval)
	defer ticker.Stop()

	var last *db.Job
	for {
		job, _, err := g.docClient.JobStatus(ctx, userID, jobID)
		if err != nil {
			common.Logger.WithError(err).WithField("job_id", jobID).Warn("workflow job poll failed")
		} else {
			last = job
			if job.Terminal() {
				return job
			}
		}

		select {
		case <-ctx.Done():
			return last
		case <-deadline.C:
			return last
		case <-ticker.C:
		}
	}
}

// PostFile re-posts one uploaded file to a backing service as multipart
// form data.
func (p *Proxy) PostFile(ctx context.Context, userID, path, field string, fh *multipart.FileHeader, out interface{}) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	fw, err := w.CreateFormFile(field, fh.Filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, src); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	if p.token != nil {
		token, err := p.token()
		if err != nil {
			return err
		}
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var envelope struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&envelope)
		return &UpstreamError{Status: resp.StatusCode, Detail: envelope.Detail}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
