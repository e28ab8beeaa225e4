package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/paperbase/paperbase/common"
	"github.com/paperbase/paperbase/config"
	"github.com/paperbase/paperbase/db"
	"github.com/paperbase/paperbase/queue"
	"github.com/paperbase/paperbase/storage"
)

// Step names. The names and their progress values are the contract
// between worker and observer.
const (
	StepExtractText   = "extract_text"
	StepOCRCheck      = "ocr_check"
	StepDOIExtract    = "doi_extract"
	StepParseSections = "parse_sections"
	StepArtifacts     = "extract_tables_figures_refs"
	StepPersist       = "persist_document"
	StepIndexVectors  = "index_vectors"
	StepFinalize      = "finalize"
)

// stepProgress maps each step to the job progress reached when it
// completes.
var stepProgress = map[string]int{
	StepExtractText:   10,
	StepOCRCheck:      25,
	StepDOIExtract:    35,
	StepParseSections: 50,
	StepArtifacts:     70,
	StepPersist:       80,
	StepIndexVectors:  90,
	StepFinalize:      100,
}

// maxAttempts and retryBackoff govern transient-failure retries within
// a step.
const maxAttempts = 3

var retryBackoff = []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second}

// Indexer couples the pipeline to the vector service: chunk, embed, and
// store a document's text, or drop its chunks.
type Indexer interface {
	IndexDocument(ctx context.Context, documentID uint, sections map[string]string, fullText string) (int, error)
	DeleteChunks(ctx context.Context, documentID uint) error
}

// JobStore is the slice of the job repository the pipeline mutates.
type JobStore interface {
	Get(ctx context.Context, id string) (*db.Job, error)
	MarkProcessing(ctx context.Context, id string) error
	SetProgress(ctx context.Context, id string, progress int) error
	SetDocumentID(ctx context.Context, id string, documentID uint) error
	Complete(ctx context.Context, id string, documentID uint) error
	Fail(ctx context.Context, id string, errMsg string) error
	AppendStep(ctx context.Context, step *db.JobStep) error
	CompletedSteps(ctx context.Context, jobID string) (map[string]bool, error)
}

// DocumentStore is the slice of the document repository the pipeline
// writes to.
type DocumentStore interface {
	Create(ctx context.Context, doc *db.Document) error
	ReplaceDerived(ctx context.Context, doc *db.Document) error
}

// Pipeline executes the eight-step document ingestion sequence for one
// job at a time.
type Pipeline struct {
	cfg       config.IngestConfig
	docs      DocumentStore
	jobs      JobStore
	store     storage.Store
	extractor Extractor
	ocr       OCREngine
	doi       DOIValidator
	indexer   Indexer

	// sleep is swapped out in tests so retry backoff does not wait.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPipeline wires the pipeline's collaborators.
func NewPipeline(cfg config.IngestConfig, docs DocumentStore, jobs JobStore,
	store storage.Store, extractor Extractor, ocr OCREngine, doi DOIValidator, indexer Indexer) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		docs:      docs,
		jobs:      jobs,
		store:     store,
		extractor: extractor,
		ocr:       ocr,
		doi:       doi,
		indexer:   indexer,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// pipelineState accumulates step outputs across the run.
type pipelineState struct {
	task       queue.ProcessTask
	extraction *Extraction
	fullText   string
	ocrApplied bool
	doi        *string
	title      string
	authors    []string
	sections   map[string]string
	tables     []db.Table
	figures    []db.Figure
	references []db.Reference
	documentID uint
	chunkCount int
	indexNote  string
}

// Run executes the pipeline for one task. The returned error is nil
// whenever the job reached a terminal state (including failed and
// cancelled): the delivery should then be acknowledged. A non-nil
// return means the job's fate is undecided and the delivery must be
// redelivered.
func (p *Pipeline) Run(ctx context.Context, task queue.ProcessTask) error {
	log := common.Logger.WithFields(logrus.Fields{
		"job_id":   task.JobID,
		"filename": task.Filename,
	})

	job, err := p.jobs.Get(ctx, task.JobID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			log.Warn("task references unknown job, dropping")
			return nil
		}
		return err
	}

	// Redelivered task for an already finished job: nothing to do.
	if job.Terminal() {
		return nil
	}

	if job.Status == db.JobStatusPending {
		if err := p.jobs.MarkProcessing(ctx, task.JobID); err != nil {
			if errors.Is(err, db.ErrInvalidTransition) {
				// Cancelled between enqueue and dequeue.
				return nil
			}
			return err
		}
	}
	state := &pipelineState{task: task}
	if task.DocumentID != nil {
		state.documentID = *task.DocumentID
	}

	// A job already in processing is a redelivery after a worker crash.
	// The derivation steps re-run because their outputs live only in
	// memory; a document already recorded on the job row is reused, and
	// steps whose full effect is durable are skipped below.
	var done map[string]bool
	if job.Status == db.JobStatusProcessing {
		if job.DocumentID != nil {
			state.documentID = *job.DocumentID
		}
		if done, err = p.jobs.CompletedSteps(ctx, task.JobID); err != nil {
			return err
		}
	}

	steps := []struct {
		name string
		fn   func(context.Context, *pipelineState) (map[string]interface{}, error)
	}{
		{StepExtractText, p.stepExtractText},
		{StepOCRCheck, p.stepOCRCheck},
		{StepDOIExtract, p.stepDOIExtract},
		{StepParseSections, p.stepParseSections},
		{StepArtifacts, p.stepArtifacts},
		{StepPersist, p.stepPersist},
		{StepIndexVectors, p.stepIndexVectors},
	}

	for i, step := range steps {
		cancelled, err := p.isCancelled(ctx, task.JobID)
		if err != nil {
			return err
		}
		if cancelled {
			log.Info("job cancelled, aborting at step boundary")
			return nil
		}

		if done[step.name] && durableStep(step.name) && state.documentID != 0 {
			log.WithField("step", step.name).Info("step already durable, skipping on redelivery")
			continue
		}

		if _, err := p.runStep(ctx, task.JobID, i, step.name, state, step.fn); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				p.failJob(task.JobID, i, step.name, "job timed out")
				return nil
			}
			log.WithError(err).WithField("step", step.name).Error("step failed")
			p.failJob(task.JobID, i, step.name, err.Error())
			return nil
		}
	}

	// finalize
	started := time.Now()
	if err := p.jobs.Complete(ctx, task.JobID, state.documentID); err != nil {
		if errors.Is(err, db.ErrInvalidTransition) {
			// Cancelled during the last step; treat as settled.
			return nil
		}
		return err
	}
	p.appendStep(task.JobID, len(steps), StepFinalize, db.StepStatusCompleted,
		"document ready", map[string]interface{}{
			"document_id": state.documentID,
			"chunks":      state.chunkCount,
		}, time.Since(started))

	log.WithField("document_id", state.documentID).Info("job completed")
	return nil
}

// durableStep reports whether a step's entire effect is persisted, so a
// redelivered job can skip it instead of re-running.
func durableStep(name string) bool {
	return name == StepPersist || name == StepIndexVectors
}

// isCancelled reloads the job and reports cancellation.
func (p *Pipeline) isCancelled(ctx context.Context, jobID string) (bool, error) {
	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	return job.Status == db.JobStatusCancelled, nil
}

// runStep executes one step with transient-failure retries and records
// the audit rows.
func (p *Pipeline) runStep(ctx context.Context, jobID string, index int, name string,
	state *pipelineState, fn func(context.Context, *pipelineState) (map[string]interface{}, error)) (map[string]interface{}, error) {

	p.appendStep(jobID, index, name, db.StepStatusStarted, "", nil, 0)
	started := time.Now()

	var detail map[string]interface{}
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		detail, err = fn(ctx, state)
		if err == nil {
			break
		}
		var transient *TransientError
		if !errors.As(err, &transient) || attempt == maxAttempts-1 {
			break
		}
		common.Logger.WithFields(logrus.Fields{
			"job_id": jobID,
			"step":   name,
			"retry":  attempt + 1,
		}).WithError(err).Warn("transient failure, backing off")
		if serr := p.sleep(ctx, retryBackoff[attempt]); serr != nil {
			err = serr
			break
		}
	}

	elapsed := time.Since(started)
	if err != nil {
		p.appendStep(jobID, index, name, db.StepStatusFailed, err.Error(), detail, elapsed)
		return detail, err
	}

	p.appendStep(jobID, index, name, db.StepStatusCompleted, "", detail, elapsed)
	if progress, ok := stepProgress[name]; ok {
		if perr := p.jobs.SetProgress(ctx, jobID, progress); perr != nil {
			common.Logger.WithError(perr).Warn("failed to update job progress")
		}
	}
	return detail, nil
}

// appendStep writes an audit row, tolerating write failures: losing an
// audit entry never fails the job.
func (p *Pipeline) appendStep(jobID string, index int, name, status, message string,
	detail map[string]interface{}, elapsed time.Duration) {
	step := &db.JobStep{
		JobID:      jobID,
		StepIndex:  index,
		Name:       name,
		Status:     status,
		Message:    message,
		Detail:     detail,
		DurationMS: elapsed.Milliseconds(),
	}
	if err := p.jobs.AppendStep(context.Background(), step); err != nil {
		common.Logger.WithError(err).WithField("job_id", jobID).Warn("failed to append job step")
	}
}

// failJob moves the job to failed, using a fresh context so the record
// is written even after the run context expired.
func (p *Pipeline) failJob(jobID string, index int, step, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.jobs.Fail(ctx, jobID, fmt.Sprintf("%s: %s", step, message)); err != nil &&
		!errors.Is(err, db.ErrInvalidTransition) {
		common.Logger.WithError(err).WithField("job_id", jobID).Error("failed to mark job failed")
	}
}

// openStored opens the task's stored PDF.
func (p *Pipeline) openStored(ctx context.Context, state *pipelineState) (io.ReadCloser, error) {
	r, err := p.store.Open(ctx, state.task.FilePath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("stored file missing: %s", state.task.FilePath)
		}
		return nil, Transient(err)
	}
	return r, nil
}

func (p *Pipeline) stepExtractText(ctx context.Context, state *pipelineState) (map[string]interface{}, error) {
	pdf, err := p.openStored(ctx, state)
	if err != nil {
		return nil, err
	}
	defer pdf.Close()

	ex, err := p.extractor.Extract(ctx, state.task.Filename, pdf)
	if err != nil {
		return nil, err
	}

	state.extraction = ex
	state.fullText = ex.FullText
	state.title = ex.Title
	state.authors = ex.Authors
	return map[string]interface{}{
		"page_count": ex.PageCount,
		"chars":      len(ex.FullText),
	}, nil
}

func (p *Pipeline) stepOCRCheck(ctx context.Context, state *pipelineState) (map[string]interface{}, error) {
	confidence := ScanConfidence(state.extraction)
	needed := state.task.ForceOCR || confidence >= scannedThreshold
	detail := map[string]interface{}{
		"scan_confidence": confidence,
		"ocr_applied":     false,
	}
	if !needed || !p.cfg.EnableOCR {
		return detail, nil
	}

	pdf, err := p.openStored(ctx, state)
	if err != nil {
		return detail, err
	}
	defer pdf.Close()

	text, err := p.ocr.Recognize(ctx, state.task.Filename, pdf)
	if err != nil {
		// OCR failure falls through with a warning; the job continues
		// on whatever text extraction produced.
		common.Logger.WithError(err).WithField("job_id", state.task.JobID).Warn("ocr failed, continuing without")
		detail["warning"] = err.Error()
		return detail, nil
	}

	state.fullText = text
	state.ocrApplied = true
	detail["ocr_applied"] = true
	return detail, nil
}

func (p *Pipeline) stepDOIExtract(ctx context.Context, state *pipelineState) (map[string]interface{}, error) {
	doi := ExtractDOI(state.fullText)
	detail := map[string]interface{}{"doi_found": doi != ""}
	if doi == "" {
		return detail, nil
	}
	detail["doi"] = doi

	if p.cfg.EnableDOIValidation && p.doi != nil {
		rec, err := p.doi.Validate(ctx, doi)
		if err != nil {
			// Directory failures are non-fatal.
			common.Logger.WithError(err).WithField("doi", doi).Warn("doi validation failed")
			detail["validation"] = "unavailable"
		} else {
			detail["valid"] = rec.Valid
			if rec.Valid {
				if state.title == "" {
					state.title = rec.Title
				}
				if len(state.authors) == 0 {
					state.authors = rec.Authors
				}
			}
		}
	}

	state.doi = &doi
	return detail, nil
}

func (p *Pipeline) stepParseSections(ctx context.Context, state *pipelineState) (map[string]interface{}, error) {
	if state.fullText == "" {
		return nil, errors.New("no text to segment")
	}

	sections := state.extraction.Sections
	if state.ocrApplied || len(sections) == 0 {
		sections = DetectSections(state.fullText)
	}
	state.sections = sections

	names := make([]string, 0, len(sections))
	for name := range sections {
		names = append(names, name)
	}
	return map[string]interface{}{"sections": names}, nil
}

func (p *Pipeline) stepArtifacts(ctx context.Context, state *pipelineState) (map[string]interface{}, error) {
	ex := state.extraction
	state.tables = ex.Tables
	state.references = ex.References

	// Figure images are persisted best-effort; one bad image does not
	// drop the rest.
	saved := 0
	for _, fig := range ex.Figures {
		figure := db.Figure{Page: fig.Page, Index: fig.Index, Caption: fig.Caption}
		if len(fig.Data) > 0 {
			path, err := p.store.SaveFigure(ctx, state.task.Filename, fig.Page, fig.Index, fig.Data)
			if err != nil {
				common.Logger.WithError(err).WithField("job_id", state.task.JobID).Warn("failed to store figure image")
			} else {
				figure.Path = path
				saved++
			}
		}
		state.figures = append(state.figures, figure)
	}

	return map[string]interface{}{
		"tables":        len(state.tables),
		"figures":       len(state.figures),
		"figures_saved": saved,
		"references":    len(state.references),
	}, nil
}

func (p *Pipeline) stepPersist(ctx context.Context, state *pipelineState) (map[string]interface{}, error) {
	title := state.title
	if title == "" {
		title = state.task.Filename
	}

	doc := &db.Document{
		Filename:   state.task.Filename,
		FilePath:   state.task.FilePath,
		OwnerID:    state.task.OwnerID,
		DOI:        state.doi,
		Title:      title,
		Authors:    state.authors,
		Abstract:   state.sections[SectionAbstract],
		Sections:   state.sections,
		Tables:     state.tables,
		Figures:    state.figures,
		References: state.references,
		OCRApplied: state.ocrApplied,
		PageCount:  state.extraction.PageCount,
		BatchID:    state.task.BatchID,
	}

	// Reprocess and crash redelivery update in place so the document id
	// is stable and at most one document exists per job.
	if state.documentID != 0 {
		doc.ID = state.documentID
		if err := p.docs.ReplaceDerived(ctx, doc); err != nil {
			return nil, err
		}
	} else {
		doc.UploadDate = time.Now()
		if err := p.docs.Create(ctx, doc); err != nil {
			return nil, err
		}
		state.documentID = doc.ID
	}

	// The id lands on the job row before the step completes, so a crash
	// from here on redelivers into the update path instead of a second
	// insert.
	if err := p.jobs.SetDocumentID(ctx, state.task.JobID, state.documentID); err != nil {
		return nil, Transient(err)
	}

	return map[string]interface{}{"document_id": state.documentID}, nil
}

func (p *Pipeline) stepIndexVectors(ctx context.Context, state *pipelineState) (map[string]interface{}, error) {
	count, err := p.indexer.IndexDocument(ctx, state.documentID, state.sections, state.fullText)
	if err != nil {
		// Indexing failure does not fail the job; the document stays
		// reachable by metadata.
		common.Logger.WithError(err).WithField("document_id", state.documentID).Warn("vector indexing failed")
		state.indexNote = err.Error()
		return map[string]interface{}{"warning": err.Error()}, nil
	}
	state.chunkCount = count
	return map[string]interface{}{"chunks": count}, nil
}
