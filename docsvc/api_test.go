package docsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperbase/paperbase/db"
	"github.com/paperbase/paperbase/queue"
	"github.com/paperbase/paperbase/storage"
)

type fakeDocStore struct {
	docs    map[uint]*db.Document
	deleted []uint
}

func (f *fakeDocStore) Get(ctx context.Context, id uint) (*db.Document, error) {
	doc, ok := f.docs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return doc, nil
}

func (f *fakeDocStore) List(ctx context.Context, ownerID string, skip, limit int) ([]*db.Document, int64, error) {
	var out []*db.Document
	for _, doc := range f.docs {
		if doc.OwnerID == ownerID {
			out = append(out, doc)
		}
	}
	return out, int64(len(out)), nil
}

func (f *fakeDocStore) Delete(ctx context.Context, id uint, ownerID string) error {
	doc, ok := f.docs[id]
	if !ok || doc.OwnerID != ownerID {
		return db.ErrNotFound
	}
	delete(f.docs, id)
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeJobStore struct {
	jobs      map[string]*db.Job
	steps     map[string][]*db.JobStep
	cancelled []string
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]*db.Job), steps: make(map[string][]*db.JobStep)}
}

func (f *fakeJobStore) Create(ctx context.Context, job *db.Job) error {
	job.Status = db.JobStatusPending
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeJobStore) Get(ctx context.Context, id string) (*db.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobStore) Steps(ctx context.Context, jobID string) ([]*db.JobStep, error) {
	return f.steps[jobID], nil
}

func (f *fakeJobStore) List(ctx context.Context, ownerID, status string, skip, limit int) ([]*db.Job, int64, error) {
	var out []*db.Job
	for _, job := range f.jobs {
		if job.OwnerID != ownerID {
			continue
		}
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, job)
	}
	return out, int64(len(out)), nil
}

func (f *fakeJobStore) Cancel(ctx context.Context, id, ownerID string) error {
	job, ok := f.jobs[id]
	if !ok || job.OwnerID != ownerID {
		return db.ErrNotFound
	}
	if job.Terminal() {
		return db.ErrInvalidTransition
	}
	job.Status = db.JobStatusCancelled
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeJobStore) ListBatches(ctx context.Context, ownerID string) ([]*db.BatchSummary, error) {
	return nil, nil
}

func (f *fakeJobStore) GetBatch(ctx context.Context, batchID, ownerID string) (*db.BatchSummary, error) {
	for _, job := range f.jobs {
		if job.BatchID != nil && *job.BatchID == batchID && job.OwnerID == ownerID {
			return &db.BatchSummary{BatchID: batchID, Status: db.JobStatusProcessing}, nil
		}
	}
	return nil, db.ErrNotFound
}

type fakePublisher struct {
	processTasks []queue.ProcessTask
	batchTasks   []queue.BatchTask
	failWith     error
}

func (f *fakePublisher) PublishProcess(task queue.ProcessTask) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.processTasks = append(f.processTasks, task)
	return nil
}

func (f *fakePublisher) PublishBatch(task queue.BatchTask) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.batchTasks = append(f.batchTasks, task)
	return nil
}

func (f *fakePublisher) PublishMetadata(task queue.MetadataTask) error { return nil }
func (f *fakePublisher) PublishOCR(task queue.OCRTask) error           { return nil }
func (f *fakePublisher) Close() error                                  { return nil }

// fakeRunner simulates the synchronous path: it completes the job and
// materializes a document.
type fakeRunner struct {
	jobs *fakeJobStore
	docs *fakeDocStore
	fail bool
}

func (f *fakeRunner) Run(ctx context.Context, task queue.ProcessTask) error {
	job := f.jobs.jobs[task.JobID]
	if f.fail {
		job.Status = db.JobStatusFailed
		msg := "extraction failed: corrupt file"
		job.Error = &msg
		return nil
	}
	doc := &db.Document{
		ID:       1,
		Filename: task.Filename,
		FilePath: task.FilePath,
		OwnerID:  task.OwnerID,
		Title:    "Extracted Title",
	}
	f.docs.docs[doc.ID] = doc
	job.Status = db.JobStatusCompleted
	job.DocumentID = &doc.ID
	return nil
}

type testEnv struct {
	e         *echo.Echo
	docs      *fakeDocStore
	jobs      *fakeJobStore
	publisher *fakePublisher
	runner    *fakeRunner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	docs := &fakeDocStore{docs: make(map[uint]*db.Document)}
	jobs := newFakeJobStore()
	publisher := &fakePublisher{}
	runner := &fakeRunner{jobs: jobs, docs: docs}

	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	e := echo.New()
	NewAPI(docs, jobs, store, publisher, runner).Register(e, "")
	return &testEnv{e: e, docs: docs, jobs: jobs, publisher: publisher, runner: runner}
}

func multipartPDF(t *testing.T, field, filename string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	fw, err := w.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte("%PDF-1.4 fake"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func doRequest(env *testEnv, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestUploadSynchronous(t *testing.T) {
	env := newTestEnv(t)
	body, contentType := multipartPDF(t, "file", "paper.pdf")

	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	req.Header.Set("X-User-ID", "user-1")
	rec := doRequest(env, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody(t, rec)
	assert.Equal(t, "paper.pdf", resp["filename"])
	assert.Equal(t, "Extracted Title", resp["title"])
	assert.NotEmpty(t, resp["file_path"])
}

func TestUploadSynchronous_PipelineFailure(t *testing.T) {
	env := newTestEnv(t)
	env.runner.fail = true
	body, contentType := multipartPDF(t, "file", "paper.pdf")

	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := doRequest(env, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["detail"], "corrupt file")
}

func TestUpload_RejectsNonPDF(t *testing.T) {
	env := newTestEnv(t)
	body, contentType := multipartPDF(t, "file", "notes.txt")

	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := doRequest(env, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadAsync(t *testing.T) {
	env := newTestEnv(t)
	body, contentType := multipartPDF(t, "file", "paper.pdf")

	req := httptest.NewRequest(http.MethodPost, "/upload-async", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	req.Header.Set("X-User-ID", "user-1")
	rec := doRequest(env, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody(t, rec)
	assert.Equal(t, true, resp["success"])

	jobID, _ := resp["job_id"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, "/api/v1/jobs/"+jobID, resp["status_endpoint"])

	require.Len(t, env.publisher.processTasks, 1)
	task := env.publisher.processTasks[0]
	assert.Equal(t, jobID, task.JobID)
	assert.Equal(t, "user-1", task.OwnerID)
	assert.NotEmpty(t, task.FilePath)

	// The pending job carries the stored path for redelivery fan-out.
	job := env.jobs.jobs[jobID]
	require.NotNil(t, job)
	assert.Equal(t, db.JobStatusPending, job.Status)
	assert.Equal(t, task.FilePath, job.Metadata["file_path"])
}

func TestUploadBatch(t *testing.T) {
	env := newTestEnv(t)

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for _, name := range []string{"a.pdf", "b.pdf", "c.pdf"} {
		fw, err := w.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte("%PDF-1.4"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload-batch", body)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	req.Header.Set("X-User-ID", "user-1")
	rec := doRequest(env, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody(t, rec)
	assert.Equal(t, float64(3), resp["total_files"])

	require.Len(t, env.publisher.batchTasks, 1)
	batch := env.publisher.batchTasks[0]
	assert.Len(t, batch.JobIDs, 3)
	for _, jobID := range batch.JobIDs {
		job := env.jobs.jobs[jobID]
		require.NotNil(t, job)
		require.NotNil(t, job.BatchID)
		assert.Equal(t, batch.BatchID, *job.BatchID)
	}
}

func TestGetDocument_OwnershipHidesForeign(t *testing.T) {
	env := newTestEnv(t)
	env.docs.docs[5] = &db.Document{ID: 5, OwnerID: "owner-a", Title: "T"}

	req := httptest.NewRequest(http.MethodGet, "/documents/5", nil)
	req.Header.Set("X-User-ID", "owner-b")
	rec := doRequest(env, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/documents/5", nil)
	req.Header.Set("X-User-ID", "owner-a")
	rec = doRequest(env, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDocumentSections(t *testing.T) {
	env := newTestEnv(t)
	env.docs.docs[5] = &db.Document{
		ID:       5,
		OwnerID:  "owner-a",
		Abstract: "the abstract",
		Sections: map[string]string{"introduction": "intro text"},
	}

	req := httptest.NewRequest(http.MethodGet, "/documents/5/sections", nil)
	req.Header.Set("X-User-ID", "owner-a")
	rec := doRequest(env, req)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody(t, rec)
	assert.Equal(t, "the abstract", resp["abstract"])
}

func TestDeleteDocument_SweepsStoredFiles(t *testing.T) {
	env := newTestEnv(t)
	env.docs.docs[5] = &db.Document{ID: 5, OwnerID: "owner-a", FilePath: "uploads/gone.pdf"}

	req := httptest.NewRequest(http.MethodDelete, "/documents/5", nil)
	req.Header.Set("X-User-ID", "owner-a")
	rec := doRequest(env, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []uint{5}, env.docs.deleted)
}

func TestReprocess_PublishesWithDocumentID(t *testing.T) {
	env := newTestEnv(t)
	env.docs.docs[5] = &db.Document{
		ID: 5, OwnerID: "owner-a", Filename: "paper.pdf", FilePath: "uploads/1_paper.pdf",
	}

	req := httptest.NewRequest(http.MethodPost, "/documents/5/reprocess?force_ocr=true", nil)
	req.Header.Set("X-User-ID", "owner-a")
	rec := doRequest(env, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, env.publisher.processTasks, 1)
	task := env.publisher.processTasks[0]
	require.NotNil(t, task.DocumentID)
	assert.Equal(t, uint(5), *task.DocumentID)
	assert.True(t, task.Reprocess)
	assert.True(t, task.ForceOCR)
	assert.Equal(t, "uploads/1_paper.pdf", task.FilePath)
}

func TestGetJobWithSteps(t *testing.T) {
	env := newTestEnv(t)
	env.jobs.jobs["j1"] = &db.Job{ID: "j1", OwnerID: "owner-a", Status: db.JobStatusProcessing}
	env.jobs.steps["j1"] = []*db.JobStep{
		{JobID: "j1", StepIndex: 0, Name: "extract_text", Status: db.StepStatusCompleted},
	}

	req := httptest.NewRequest(http.MethodGet, "/jobs/j1", nil)
	req.Header.Set("X-User-ID", "owner-a")
	rec := doRequest(env, req)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody(t, rec)
	require.Contains(t, resp, "job")
	steps, ok := resp["steps"].([]interface{})
	require.True(t, ok)
	assert.Len(t, steps, 1)
}

func TestListJobs_RejectsUnknownStatus(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/jobs?status=exploded", nil)
	rec := doRequest(env, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t)
	env.jobs.jobs["j1"] = &db.Job{ID: "j1", OwnerID: "owner-a", Status: db.JobStatusPending}
	env.jobs.jobs["j2"] = &db.Job{ID: "j2", OwnerID: "owner-a", Status: db.JobStatusCompleted}

	req := httptest.NewRequest(http.MethodPost, "/jobs/j1/cancel", nil)
	req.Header.Set("X-User-ID", "owner-a")
	rec := doRequest(env, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"j1"}, env.jobs.cancelled)

	// Terminal jobs conflict.
	req = httptest.NewRequest(http.MethodPost, "/jobs/j2/cancel", nil)
	req.Header.Set("X-User-ID", "owner-a")
	rec = doRequest(env, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/jobs/missing/cancel", nil)
	req.Header.Set("X-User-ID", "owner-a")
	rec = doRequest(env, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFigureFile(t *testing.T) {
	env := newTestEnv(t)

	// Store a figure through the same backend the handler reads from.
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	path, err := store.SaveFigure(context.Background(), "paper.pdf", 2, 1, []byte("png-bytes"))
	require.NoError(t, err)

	e := echo.New()
	NewAPI(env.docs, env.jobs, store, env.publisher, env.runner).Register(e, "")
	env.e = e

	env.docs.docs[5] = &db.Document{
		ID: 5, OwnerID: "owner-a",
		Figures: []db.Figure{{Page: 2, Index: 1, Path: path}},
	}

	req := httptest.NewRequest(http.MethodGet, "/documents/5/figures/0/file", nil)
	req.Header.Set("X-User-ID", "owner-a")
	rec := doRequest(env, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "png-bytes", rec.Body.String())

	// Out-of-range figure number.
	req = httptest.NewRequest(http.MethodGet, "/documents/5/figures/7/file", nil)
	req.Header.Set("X-User-ID", "owner-a")
	rec = doRequest(env, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := doRequest(env, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeBody(t, rec)["status"])
}
