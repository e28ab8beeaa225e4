package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperbase/paperbase/auth"
	"github.com/paperbase/paperbase/config"
	"github.com/paperbase/paperbase/db"
	"github.com/paperbase/paperbase/llm"
)

type recordingProvider struct {
	requests []llm.Request
}

func (p *recordingProvider) Name() string { return "openai" }

func (p *recordingProvider) Complete(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	p.requests = append(p.requests, req)
	return &llm.Completion{Text: "a fine paper", Model: "test-model", TotalTokens: 42}, nil
}

type staticDocs struct{}

func (staticDocs) DocumentText(ctx context.Context, id uint) (string, string, error) {
	return "Attention Is All You Need", "We propose the Transformer.", nil
}

// docserviceStub fakes the document service behind the proxy: the async
// upload accepts anything, and job polls walk through the scripted
// sequence of states.
type docserviceStub struct {
	states []db.Job
	polls  int
}

func (s *docserviceStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload-async", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "j-1"})
	})
	mux.HandleFunc("/jobs/j-1", func(w http.ResponseWriter, r *http.Request) {
		idx := s.polls
		if idx >= len(s.states) {
			idx = len(s.states) - 1
		}
		s.polls++
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"job":   s.states[idx],
			"steps": []db.JobStep{},
		})
	})
	return mux
}

func workflowGateway(t *testing.T, stub *docserviceStub, provider llm.Provider) *Gateway {
	t.Helper()
	upstream := httptest.NewServer(stub.handler())
	t.Cleanup(upstream.Close)

	cfg := &config.Config{}
	cfg.Gateway.EnableAuth = true
	cfg.Gateway.WorkflowIndexWait = 2 * time.Second

	registry := llm.NewRegistry("openai")
	registry.Add(provider)
	svc := llm.NewService(config.LLMConfig{DefaultProvider: "openai"}, registry, staticDocs{}, nil)

	proxy := NewProxy(upstream.URL, time.Second, nil)
	return &Gateway{
		cfg:       cfg,
		docProxy:  proxy,
		docClient: NewDocClient(proxy),
		llm:       svc,
		llmAPI:    llm.NewAPI(svc),
	}
}

func workflowRequest(t *testing.T, form map[string]string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	fw, err := w.CreateFormFile("file", "paper.pdf")
	require.NoError(t, err)
	_, err = fw.Write([]byte("%PDF-1.4 stub"))
	require.NoError(t, err)
	for k, v := range form {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflow/upload-and-analyze", body)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

func runWorkflow(t *testing.T, g *Gateway, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set(ctxUserKey, &auth.User{ID: "u-1"})
	require.NoError(t, g.uploadAndAnalyze(c))
	return rec
}

func TestUploadAndAnalyze_CompletedJobRunsAnalysis(t *testing.T) {
	docID := uint(7)
	stub := &docserviceStub{states: []db.Job{
		{ID: "j-1", Status: db.JobStatusProcessing},
		{ID: "j-1", Status: db.JobStatusCompleted, DocumentID: &docID},
	}}
	provider := &recordingProvider{}
	g := workflowGateway(t, stub, provider)

	rec := runWorkflow(t, g, workflowRequest(t, map[string]string{
		"analysis_type": llm.AnalysisKeyFindings,
	}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		JobID      string               `json:"job_id"`
		DocumentID uint                 `json:"document_id"`
		Indexing   string               `json:"indexing"`
		Analysis   *llm.AnalyzeResponse `json:"analysis"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "j-1", resp.JobID)
	assert.Equal(t, docID, resp.DocumentID)
	assert.Equal(t, indexingCompleted, resp.Indexing)
	require.NotNil(t, resp.Analysis)
	assert.Equal(t, "a fine paper", resp.Analysis.Result)
	assert.GreaterOrEqual(t, stub.polls, 2)
	require.Len(t, provider.requests, 1)
}

func TestUploadAndAnalyze_FailedJobAnswers400(t *testing.T) {
	detail := "extraction failed: encrypted file"
	stub := &docserviceStub{states: []db.Job{
		{ID: "j-1", Status: db.JobStatusFailed, Error: &detail},
	}}
	g := workflowGateway(t, stub, &recordingProvider{})

	rec := runWorkflow(t, g, workflowRequest(t, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "encrypted file")
}

func TestUploadAndAnalyze_SlowIndexingAnswers202(t *testing.T) {
	stub := &docserviceStub{states: []db.Job{
		{ID: "j-1", Status: db.JobStatusProcessing},
	}}
	g := workflowGateway(t, stub, &recordingProvider{})
	g.cfg.Gateway.WorkflowIndexWait = 50 * time.Millisecond

	rec := runWorkflow(t, g, workflowRequest(t, nil))

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, indexingPending, resp["indexing"])
	assert.Nil(t, resp["analysis"])
	assert.Equal(t, apiPrefix+"/jobs/j-1", resp["status_endpoint"])
}

func TestUploadAndAnalyze_RejectsUnknownAnalysisType(t *testing.T) {
	g := workflowGateway(t, &docserviceStub{states: []db.Job{{}}}, &recordingProvider{})

	rec := runWorkflow(t, g, workflowRequest(t, map[string]string{
		"analysis_type": "vibes",
	}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadAndAnalyze_CancelledJobAnswers409(t *testing.T) {
	stub := &docserviceStub{states: []db.Job{
		{ID: "j-1", Status: db.JobStatusCancelled},
	}}
	g := workflowGateway(t, stub, &recordingProvider{})

	rec := runWorkflow(t, g, workflowRequest(t, nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}
