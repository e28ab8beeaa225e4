// Package docsvc exposes the document service: uploads (synchronous and
// queued), document and job reads, batch tracking, and reprocessing. The
// gateway is its only intended caller; requests carry a service token and
// the acting user in the X-User-ID header.
package docsvc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"github.com/paperbase/paperbase/common"
	"github.com/paperbase/paperbase/db"
	"github.com/paperbase/paperbase/queue"
	"github.com/paperbase/paperbase/storage"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// DocumentStore is the slice of the document repository the handlers use.
type DocumentStore interface {
	Get(ctx context.Context, id uint) (*db.Document, error)
	List(ctx context.Context, ownerID string, skip, limit int) ([]*db.Document, int64, error)
	Delete(ctx context.Context, id uint, ownerID string) error
}

// JobStore is the slice of the job repository the handlers use.
type JobStore interface {
	Create(ctx context.Context, job *db.Job) error
	Get(ctx context.Context, id string) (*db.Job, error)
	Steps(ctx context.Context, jobID string) ([]*db.JobStep, error)
	List(ctx context.Context, ownerID, status string, skip, limit int) ([]*db.Job, int64, error)
	Cancel(ctx context.Context, id, ownerID string) error
	ListBatches(ctx context.Context, ownerID string) ([]*db.BatchSummary, error)
	GetBatch(ctx context.Context, batchID, ownerID string) (*db.BatchSummary, error)
}

// PipelineRunner executes the ingestion pipeline in-process for the
// synchronous upload path.
type PipelineRunner interface {
	Run(ctx context.Context, task queue.ProcessTask) error
}

// API is the document service handler set.
type API struct {
	docs      DocumentStore
	jobs      JobStore
	store     storage.Store
	publisher queue.TaskPublisher
	pipeline  PipelineRunner
}

// NewAPI wires the handler set.
func NewAPI(docs DocumentStore, jobs JobStore, store storage.Store,
	publisher queue.TaskPublisher, pipeline PipelineRunner) *API {
	return &API{docs: docs, jobs: jobs, store: store, publisher: publisher, pipeline: pipeline}
}

// Register mounts the routes. When secret is non-empty, all routes except
// health require a service token signed with it.
func (a *API) Register(e *echo.Echo, secret string) {
	e.GET("/health", a.health)

	g := e.Group("")
	if secret != "" {
		g.Use(echojwt.WithConfig(echojwt.Config{
			SigningKey: []byte(secret),
		}))
	}

	g.POST("/upload", a.upload)
	g.POST("/upload-async", a.uploadAsync)
	g.POST("/upload-batch", a.uploadBatch)

	g.GET("/documents", a.listDocuments)
	g.GET("/documents/:id", a.getDocument)
	g.GET("/documents/:id/sections", a.documentSections)
	g.GET("/documents/:id/tables", a.documentTables)
	g.GET("/documents/:id/figures", a.documentFigures)
	g.GET("/documents/:id/references", a.documentReferences)
	g.GET("/documents/:id/figures/:num/file", a.figureFile)
	g.DELETE("/documents/:id", a.deleteDocument)
	g.POST("/documents/:id/reprocess", a.reprocess)

	g.GET("/jobs", a.listJobs)
	g.GET("/jobs/:id", a.getJob)
	g.POST("/jobs/:id/cancel", a.cancelJob)
	g.GET("/batches", a.listBatches)
	g.GET("/batches/:id", a.getBatch)
}

// owner returns the acting user forwarded by the gateway.
func owner(c echo.Context) string {
	return c.Request().Header.Get("X-User-ID")
}

// savedUpload is one accepted multipart file persisted to storage.
type savedUpload struct {
	filename string
	path     string
	size     int64
}

// saveUpload validates and persists one multipart file.
func (a *API) saveUpload(c echo.Context, field string) (*savedUpload, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return nil, fmt.Errorf("multipart field %q is required", field)
	}
	if !strings.EqualFold(filepath.Ext(fh.Filename), ".pdf") {
		return nil, fmt.Errorf("only PDF files are accepted, got %q", fh.Filename)
	}

	src, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("cannot read upload: %w", err)
	}
	defer src.Close()

	path, size, err := a.store.SavePDF(c.Request().Context(), fh.Filename, src)
	if err != nil {
		return nil, fmt.Errorf("cannot persist upload: %w", err)
	}
	return &savedUpload{filename: fh.Filename, path: path, size: size}, nil
}

// newJob creates the pending job row for an upload.
func (a *API) newJob(ctx context.Context, ownerID string, up *savedUpload, batchID *string) (*db.Job, error) {
	job := &db.Job{
		ID:        uuid.NewString(),
		BatchID:   batchID,
		Filename:  up.filename,
		SizeBytes: up.size,
		OwnerID:   ownerID,
		Metadata:  map[string]interface{}{"file_path": up.path},
	}
	if err := a.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// upload runs the full pipeline synchronously and answers with the
// resulting document. Extraction failures surface the job error.
func (a *API) upload(c echo.Context) error {
	up, err := a.saveUpload(c, "file")
	if err != nil {
		return common.JSONError(c, http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	job, err := a.newJob(ctx, owner(c), up, nil)
	if err != nil {
		common.Logger.WithError(err).Error("job creation failed")
		return common.JSONError(c, http.StatusInternalServerError, "upload failed")
	}

	if err := a.pipeline.Run(ctx, queue.ProcessTask{
		JobID:    job.ID,
		OwnerID:  job.OwnerID,
		Filename: up.filename,
		FilePath: up.path,
	}); err != nil {
		common.Logger.WithError(err).WithField("job_id", job.ID).Error("synchronous ingestion failed")
		return common.JSONError(c, http.StatusInternalServerError, "processing failed")
	}

	job, err = a.jobs.Get(ctx, job.ID)
	if err != nil {
		return common.JSONError(c, http.StatusInternalServerError, "processing failed")
	}
	if job.Status != db.JobStatusCompleted || job.DocumentID == nil {
		detail := "processing failed"
		if job.Error != nil {
			detail = *job.Error
		}
		return common.JSONError(c, http.StatusBadRequest, detail)
	}

	doc, err := a.docs.Get(ctx, *job.DocumentID)
	if err != nil {
		return common.JSONError(c, http.StatusInternalServerError, "processing failed")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":          doc.ID,
		"filename":    doc.Filename,
		"upload_date": doc.UploadDate,
		"title":       doc.Title,
		"authors":     doc.Authors,
		"file_path":   doc.FilePath,
	})
}

func (a *API) uploadAsync(c echo.Context) error {
	up, err := a.saveUpload(c, "file")
	if err != nil {
		return common.JSONError(c, http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	job, err := a.newJob(ctx, owner(c), up, nil)
	if err != nil {
		common.Logger.WithError(err).Error("job creation failed")
		return common.JSONError(c, http.StatusInternalServerError, "upload failed")
	}

	if err := a.publisher.PublishProcess(queue.ProcessTask{
		JobID:    job.ID,
		OwnerID:  job.OwnerID,
		Filename: up.filename,
		FilePath: up.path,
	}); err != nil {
		common.Logger.WithError(err).WithField("job_id", job.ID).Error("enqueue failed")
		return common.JSONError(c, http.StatusInternalServerError, "enqueue failed")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":         true,
		"job_id":          job.ID,
		"task_id":         job.ID,
		"filename":        up.filename,
		"status_endpoint": "/api/v1/jobs/" + job.ID,
	})
}

// uploadBatch accepts several files, creates one pending job per file, and
// publishes a single fan-out task carrying the batch handle.
func (a *API) uploadBatch(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return common.JSONError(c, http.StatusBadRequest, "multipart form is required")
	}
	files := form.File["files"]
	if len(files) == 0 {
		return common.JSONError(c, http.StatusBadRequest, "multipart field \"files\" is required")
	}

	ctx := c.Request().Context()
	ownerID := owner(c)
	batchID := uuid.NewString()

	jobIDs := make([]string, 0, len(files))
	for _, fh := range files {
		if !strings.EqualFold(filepath.Ext(fh.Filename), ".pdf") {
			return common.JSONError(c, http.StatusBadRequest,
				fmt.Sprintf("only PDF files are accepted, got %q", fh.Filename))
		}
		src, err := fh.Open()
		if err != nil {
			return common.JSONError(c, http.StatusBadRequest, "cannot read upload")
		}
		path, size, err := a.store.SavePDF(ctx, fh.Filename, src)
		src.Close()
		if err != nil {
			common.Logger.WithError(err).Error("batch upload persist failed")
			return common.JSONError(c, http.StatusInternalServerError, "upload failed")
		}

		job, err := a.newJob(ctx, ownerID, &savedUpload{filename: fh.Filename, path: path, size: size}, &batchID)
		if err != nil {
			common.Logger.WithError(err).Error("job creation failed")
			return common.JSONError(c, http.StatusInternalServerError, "upload failed")
		}
		jobIDs = append(jobIDs, job.ID)
	}

	if err := a.publisher.PublishBatch(queue.BatchTask{
		BatchID: batchID,
		OwnerID: ownerID,
		JobIDs:  jobIDs,
	}); err != nil {
		common.Logger.WithError(err).WithField("batch_id", batchID).Error("enqueue failed")
		return common.JSONError(c, http.StatusInternalServerError, "enqueue failed")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":         true,
		"batch_id":        batchID,
		"job_ids":         jobIDs,
		"total_files":     len(files),
		"status_endpoint": "/api/v1/batches/" + batchID,
	})
}

func (a *API) listDocuments(c echo.Context) error {
	skip, limit := paging(c)
	docs, total, err := a.docs.List(c.Request().Context(), owner(c), skip, limit)
	if err != nil {
		common.Logger.WithError(err).Error("document listing failed")
		return common.JSONError(c, http.StatusInternalServerError, "listing failed")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"documents": docs,
		"total":     total,
		"skip":      skip,
		"limit":     limit,
	})
}

// fetchOwned loads a document and hides it from non-owners.
func (a *API) fetchOwned(c echo.Context) (*db.Document, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid document id")
	}
	doc, err := a.docs.Get(c.Request().Context(), uint(id))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, echo.NewHTTPError(http.StatusNotFound, "document not found")
		}
		return nil, err
	}
	if ownerID := owner(c); ownerID != "" && doc.OwnerID != ownerID {
		return nil, echo.NewHTTPError(http.StatusNotFound, "document not found")
	}
	return doc, nil
}

func (a *API) getDocument(c echo.Context) error {
	doc, err := a.fetchOwned(c)
	if err != nil {
		return a.writeDocError(c, err)
	}
	return c.JSON(http.StatusOK, doc)
}

func (a *API) documentSections(c echo.Context) error {
	doc, err := a.fetchOwned(c)
	if err != nil {
		return a.writeDocError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"document_id": doc.ID,
		"abstract":    doc.Abstract,
		"sections":    doc.Sections,
	})
}

func (a *API) documentTables(c echo.Context) error {
	doc, err := a.fetchOwned(c)
	if err != nil {
		return a.writeDocError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"document_id": doc.ID,
		"tables":      doc.Tables,
	})
}

func (a *API) documentFigures(c echo.Context) error {
	doc, err := a.fetchOwned(c)
	if err != nil {
		return a.writeDocError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"document_id": doc.ID,
		"figures":     doc.Figures,
	})
}

func (a *API) documentReferences(c echo.Context) error {
	doc, err := a.fetchOwned(c)
	if err != nil {
		return a.writeDocError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"document_id": doc.ID,
		"references":  doc.References,
	})
}

// figureFile streams the stored image of one extracted figure.
func (a *API) figureFile(c echo.Context) error {
	doc, err := a.fetchOwned(c)
	if err != nil {
		return a.writeDocError(c, err)
	}
	num, err := strconv.Atoi(c.Param("num"))
	if err != nil || num < 0 || num >= len(doc.Figures) {
		return common.JSONError(c, http.StatusNotFound, "figure not found")
	}
	fig := doc.Figures[num]
	if fig.Path == "" {
		return common.JSONError(c, http.StatusNotFound, "figure image not stored")
	}

	rc, err := a.store.Open(c.Request().Context(), fig.Path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return common.JSONError(c, http.StatusNotFound, "figure image not stored")
		}
		common.Logger.WithError(err).Error("figure read failed")
		return common.JSONError(c, http.StatusInternalServerError, "figure read failed")
	}
	defer rc.Close()
	return c.Stream(http.StatusOK, "image/png", rc)
}

// deleteDocument removes the document row with its chunks, then sweeps the
// stored PDF and figure images best-effort.
func (a *API) deleteDocument(c echo.Context) error {
	doc, err := a.fetchOwned(c)
	if err != nil {
		return a.writeDocError(c, err)
	}

	ctx := c.Request().Context()
	if err := a.docs.Delete(ctx, doc.ID, doc.OwnerID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return common.JSONError(c, http.StatusNotFound, "document not found")
		}
		common.Logger.WithError(err).Error("document deletion failed")
		return common.JSONError(c, http.StatusInternalServerError, "deletion failed")
	}

	if err := a.store.Remove(ctx, doc.FilePath); err != nil {
		common.Logger.WithError(err).WithField("path", doc.FilePath).Warn("stored file sweep failed")
	}
	for _, fig := range doc.Figures {
		if fig.Path == "" {
			continue
		}
		if err := a.store.Remove(ctx, fig.Path); err != nil {
			common.Logger.WithError(err).WithField("path", fig.Path).Warn("figure sweep failed")
		}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"document_id": doc.ID,
		"deleted":     true,
	})
}

// reprocess re-runs the pipeline over the stored file, replacing the
// document's derived fields in place.
func (a *API) reprocess(c echo.Context) error {
	doc, err := a.fetchOwned(c)
	if err != nil {
		return a.writeDocError(c, err)
	}
	forceOCR, _ := strconv.ParseBool(c.QueryParam("force_ocr"))

	ctx := c.Request().Context()
	job, err := a.newJob(ctx, doc.OwnerID, &savedUpload{filename: doc.Filename, path: doc.FilePath}, nil)
	if err != nil {
		common.Logger.WithError(err).Error("job creation failed")
		return common.JSONError(c, http.StatusInternalServerError, "reprocess failed")
	}

	docID := doc.ID
	if err := a.publisher.PublishProcess(queue.ProcessTask{
		JobID:      job.ID,
		OwnerID:    doc.OwnerID,
		Filename:   doc.Filename,
		FilePath:   doc.FilePath,
		DocumentID: &docID,
		Reprocess:  true,
		ForceOCR:   forceOCR,
	}); err != nil {
		common.Logger.WithError(err).WithField("job_id", job.ID).Error("enqueue failed")
		return common.JSONError(c, http.StatusInternalServerError, "enqueue failed")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":         true,
		"job_id":          job.ID,
		"document_id":     doc.ID,
		"force_ocr":       forceOCR,
		"status_endpoint": "/api/v1/jobs/" + job.ID,
	})
}

func (a *API) listJobs(c echo.Context) error {
	status := c.QueryParam("status")
	switch status {
	case "", db.JobStatusPending, db.JobStatusProcessing, db.JobStatusCompleted,
		db.JobStatusFailed, db.JobStatusCancelled:
	default:
		return common.JSONError(c, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
	}

	skip, limit := paging(c)
	jobs, total, err := a.jobs.List(c.Request().Context(), owner(c), status, skip, limit)
	if err != nil {
		common.Logger.WithError(err).Error("job listing failed")
		return common.JSONError(c, http.StatusInternalServerError, "listing failed")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"total": total,
		"skip":  skip,
		"limit": limit,
	})
}

func (a *API) getJob(c echo.Context) error {
	job, err := a.fetchOwnedJob(c)
	if err != nil {
		return a.writeDocError(c, err)
	}
	steps, err := a.jobs.Steps(c.Request().Context(), job.ID)
	if err != nil {
		common.Logger.WithError(err).Error("step log read failed")
		return common.JSONError(c, http.StatusInternalServerError, "job read failed")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"job":   job,
		"steps": steps,
	})
}

func (a *API) fetchOwnedJob(c echo.Context) (*db.Job, error) {
	job, err := a.jobs.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, echo.NewHTTPError(http.StatusNotFound, "job not found")
		}
		return nil, err
	}
	if ownerID := owner(c); ownerID != "" && job.OwnerID != ownerID {
		return nil, echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	return job, nil
}

func (a *API) cancelJob(c echo.Context) error {
	err := a.jobs.Cancel(c.Request().Context(), c.Param("id"), owner(c))
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]interface{}{
			"job_id": c.Param("id"),
			"status": db.JobStatusCancelled,
		})
	case errors.Is(err, db.ErrNotFound):
		return common.JSONError(c, http.StatusNotFound, "job not found")
	case errors.Is(err, db.ErrInvalidTransition):
		return common.JSONError(c, http.StatusConflict, "job already finished")
	default:
		common.Logger.WithError(err).Error("job cancel failed")
		return common.JSONError(c, http.StatusInternalServerError, "cancel failed")
	}
}

func (a *API) listBatches(c echo.Context) error {
	batches, err := a.jobs.ListBatches(c.Request().Context(), owner(c))
	if err != nil {
		common.Logger.WithError(err).Error("batch listing failed")
		return common.JSONError(c, http.StatusInternalServerError, "listing failed")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"batches": batches,
		"total":   len(batches),
	})
}

func (a *API) getBatch(c echo.Context) error {
	batch, err := a.jobs.GetBatch(c.Request().Context(), c.Param("id"), owner(c))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return common.JSONError(c, http.StatusNotFound, "batch not found")
		}
		common.Logger.WithError(err).Error("batch read failed")
		return common.JSONError(c, http.StatusInternalServerError, "batch read failed")
	}
	return c.JSON(http.StatusOK, batch)
}

func (a *API) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "document",
	})
}

// writeDocError renders fetchOwned/fetchOwnedJob errors with the shared
// envelope.
func (a *API) writeDocError(c echo.Context, err error) error {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return common.JSONError(c, httpErr.Code, fmt.Sprint(httpErr.Message))
	}
	common.Logger.WithError(err).Error("document read failed")
	return common.JSONError(c, http.StatusInternalServerError, "read failed")
}

func paging(c echo.Context) (skip, limit int) {
	skip, _ = strconv.Atoi(c.QueryParam("skip"))
	if skip < 0 {
		skip = 0
	}
	limit, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return skip, limit
}
