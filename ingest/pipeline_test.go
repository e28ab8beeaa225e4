package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperbase/paperbase/config"
	"github.com/paperbase/paperbase/db"
	"github.com/paperbase/paperbase/queue"
	"github.com/paperbase/paperbase/storage"
)

// fakeJobStore is an in-memory JobStore recording transitions and steps.
type fakeJobStore struct {
	mu          sync.Mutex
	jobs        map[string]*db.Job
	steps       []*db.JobStep
	setDocCalls int
}

func newFakeJobStore(jobs ...*db.Job) *fakeJobStore {
	s := &fakeJobStore{jobs: make(map[string]*db.Job)}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *fakeJobStore) Get(ctx context.Context, id string) (*db.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	copy := *job
	return &copy, nil
}

func (s *fakeJobStore) MarkProcessing(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	if job == nil || job.Status != db.JobStatusPending {
		return db.ErrInvalidTransition
	}
	job.Status = db.JobStatusProcessing
	return nil
}

func (s *fakeJobStore) SetProgress(ctx context.Context, id string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job := s.jobs[id]; job != nil {
		job.Progress = progress
	}
	return nil
}

func (s *fakeJobStore) SetDocumentID(ctx context.Context, id string, documentID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setDocCalls++
	if job := s.jobs[id]; job != nil && job.Status == db.JobStatusProcessing {
		job.DocumentID = &documentID
	}
	return nil
}

func (s *fakeJobStore) Complete(ctx context.Context, id string, documentID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	if job == nil || job.Status != db.JobStatusProcessing {
		return db.ErrInvalidTransition
	}
	job.Status = db.JobStatusCompleted
	job.Progress = 100
	job.DocumentID = &documentID
	return nil
}

func (s *fakeJobStore) Fail(ctx context.Context, id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	if job == nil || job.Terminal() {
		return db.ErrInvalidTransition
	}
	job.Status = db.JobStatusFailed
	job.Progress = 100
	job.Error = &errMsg
	return nil
}

func (s *fakeJobStore) AppendStep(ctx context.Context, step *db.JobStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
	return nil
}

func (s *fakeJobStore) CompletedSteps(ctx context.Context, jobID string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	done := make(map[string]bool)
	for _, step := range s.steps {
		if step.JobID == jobID && step.Status == db.StepStatusCompleted {
			done[step.Name] = true
		}
	}
	return done, nil
}

func (s *fakeJobStore) completedStepNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, step := range s.steps {
		if step.Status == db.StepStatusCompleted {
			names = append(names, step.Name)
		}
	}
	return names
}

// fakeDocStore is an in-memory DocumentStore.
type fakeDocStore struct {
	mu      sync.Mutex
	nextID  uint
	docs    map[uint]*db.Document
	updated int
}

func newFakeDocStore() *fakeDocStore {
	return &fakeDocStore{nextID: 1, docs: make(map[uint]*db.Document)}
}

func (s *fakeDocStore) Create(ctx context.Context, doc *db.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc.ID = s.nextID
	s.nextID++
	copy := *doc
	s.docs[doc.ID] = &copy
	return nil
}

func (s *fakeDocStore) ReplaceDerived(ctx context.Context, doc *db.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc.ID]; !ok {
		return db.ErrNotFound
	}
	copy := *doc
	s.docs[doc.ID] = &copy
	s.updated++
	return nil
}

// fakeExtractor returns a canned extraction, optionally failing a fixed
// number of times first.
type fakeExtractor struct {
	ex        *Extraction
	failures  int
	transient bool
	calls     int
}

func (f *fakeExtractor) Extract(ctx context.Context, filename string, pdf io.Reader) (*Extraction, error) {
	f.calls++
	if f.calls <= f.failures {
		err := fmt.Errorf("extract attempt %d failed", f.calls)
		if f.transient {
			return nil, Transient(err)
		}
		return nil, err
	}
	copy := *f.ex
	return &copy, nil
}

type fakeOCR struct {
	text  string
	err   error
	calls int
}

func (f *fakeOCR) Recognize(ctx context.Context, filename string, pdf io.Reader) (string, error) {
	f.calls++
	return f.text, f.err
}

type fakeDOI struct {
	rec *DOIRecord
	err error
}

func (f *fakeDOI) Validate(ctx context.Context, doi string) (*DOIRecord, error) {
	return f.rec, f.err
}

type fakeIndexer struct {
	mu      sync.Mutex
	indexed map[uint]int
	err     error
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{indexed: make(map[uint]int)}
}

func (f *fakeIndexer) IndexDocument(ctx context.Context, documentID uint, sections map[string]string, fullText string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.indexed[documentID] = 7
	return 7, nil
}

func (f *fakeIndexer) DeleteChunks(ctx context.Context, documentID uint) error {
	return nil
}

func testExtraction() *Extraction {
	return &Extraction{
		FullText:  paperText() + "\nDOI: 10.1234/test.42\n",
		PageCount: 2,
		Title:     "A Study of Things",
		Authors:   []string{"Jane Doe", "John Smith"},
		PageChars: []int{1400, 1300},
		Tables:    []db.Table{{Page: 1, Rows: 2, Columns: 3}},
		Figures: []ExtractedFigure{
			{Page: 1, Index: 1, Caption: "Fig 1", Data: []byte{1, 2, 3}},
		},
		References: []db.Reference{{Raw: "[1] Prior work."}},
	}
}

func testPipeline(t *testing.T, jobs *fakeJobStore, docs *fakeDocStore,
	ex Extractor, ocr OCREngine, doi DOIValidator, idx Indexer) (*Pipeline, storage.Store) {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	cfg := config.IngestConfig{EnableOCR: true, EnableDOIValidation: true}
	p := NewPipeline(cfg, docs, jobs, store, ex, ocr, doi, idx)
	p.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return p, store
}

func storedTask(t *testing.T, store storage.Store, jobID string) queue.ProcessTask {
	t.Helper()
	path, _, err := store.SavePDF(context.Background(), "paper.pdf", strings.NewReader("%PDF-1.7"))
	require.NoError(t, err)
	return queue.ProcessTask{
		JobID:    jobID,
		OwnerID:  "user-1",
		Filename: "paper.pdf",
		FilePath: path,
	}
}

func TestPipeline_HappyPath(t *testing.T) {
	jobs := newFakeJobStore(&db.Job{ID: "job-1", Status: db.JobStatusPending, OwnerID: "user-1"})
	docs := newFakeDocStore()
	idx := newFakeIndexer()
	ex := &fakeExtractor{ex: testExtraction()}
	p, store := testPipeline(t, jobs, docs, ex, &fakeOCR{}, &fakeDOI{rec: &DOIRecord{Valid: true}}, idx)

	require.NoError(t, p.Run(context.Background(), storedTask(t, store, "job-1")))

	job, err := jobs.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	require.NotNil(t, job.DocumentID)

	doc := docs.docs[*job.DocumentID]
	require.NotNil(t, doc)
	assert.Equal(t, "A Study of Things", doc.Title)
	require.NotNil(t, doc.DOI)
	assert.Equal(t, "10.1234/test.42", *doc.DOI)
	assert.False(t, doc.OCRApplied)
	assert.Equal(t, 2, doc.PageCount)
	assert.NotEmpty(t, doc.Sections)
	assert.Len(t, doc.Figures, 1)
	assert.NotEmpty(t, doc.Figures[0].Path, "figure image must be persisted")

	assert.Equal(t, []string{
		StepExtractText, StepOCRCheck, StepDOIExtract, StepParseSections,
		StepArtifacts, StepPersist, StepIndexVectors, StepFinalize,
	}, jobs.completedStepNames())

	assert.Equal(t, 7, idx.indexed[*job.DocumentID])
	assert.Equal(t, 1, jobs.setDocCalls, "document id recorded on the job before completion")
}

func TestPipeline_RedeliveryReusesPersistedDocument(t *testing.T) {
	// Worker crashed after the document row was created and recorded on
	// the job, but before the persist step's completion entry landed.
	docs := newFakeDocStore()
	require.NoError(t, docs.Create(context.Background(), &db.Document{Title: "half done"}))
	docID := uint(1)
	jobs := newFakeJobStore(&db.Job{
		ID: "job-3", Status: db.JobStatusProcessing, OwnerID: "user-1", DocumentID: &docID,
	})

	p, store := testPipeline(t, jobs, docs, &fakeExtractor{ex: testExtraction()}, &fakeOCR{},
		&fakeDOI{rec: &DOIRecord{Valid: true}}, newFakeIndexer())

	require.NoError(t, p.Run(context.Background(), storedTask(t, store, "job-3")))

	job, _ := jobs.Get(context.Background(), "job-3")
	assert.Equal(t, db.JobStatusCompleted, job.Status)
	require.NotNil(t, job.DocumentID)
	assert.Equal(t, docID, *job.DocumentID)
	assert.Len(t, docs.docs, 1, "redelivery must not create a second document")
	assert.Equal(t, 1, docs.updated)
	assert.Equal(t, "A Study of Things", docs.docs[docID].Title)
}

func TestPipeline_RedeliverySkipsDurableSteps(t *testing.T) {
	// Worker crashed after persist and indexing completed but before the
	// job reached a terminal state.
	docs := newFakeDocStore()
	require.NoError(t, docs.Create(context.Background(), &db.Document{Title: "already persisted"}))
	docID := uint(1)
	jobs := newFakeJobStore(&db.Job{
		ID: "job-4", Status: db.JobStatusProcessing, OwnerID: "user-1", DocumentID: &docID,
	})
	jobs.steps = append(jobs.steps,
		&db.JobStep{JobID: "job-4", Name: StepPersist, Status: db.StepStatusCompleted},
		&db.JobStep{JobID: "job-4", Name: StepIndexVectors, Status: db.StepStatusCompleted},
	)
	idx := newFakeIndexer()

	p, store := testPipeline(t, jobs, docs, &fakeExtractor{ex: testExtraction()}, &fakeOCR{},
		&fakeDOI{rec: &DOIRecord{Valid: true}}, idx)

	require.NoError(t, p.Run(context.Background(), storedTask(t, store, "job-4")))

	job, _ := jobs.Get(context.Background(), "job-4")
	assert.Equal(t, db.JobStatusCompleted, job.Status)
	assert.Zero(t, docs.updated, "persisted document is not rewritten")
	assert.Equal(t, "already persisted", docs.docs[docID].Title)
	assert.Empty(t, idx.indexed, "indexed chunks are not rebuilt")
}

func TestPipeline_TransientRetrySucceeds(t *testing.T) {
	jobs := newFakeJobStore(&db.Job{ID: "job-1", Status: db.JobStatusPending})
	docs := newFakeDocStore()
	ex := &fakeExtractor{ex: testExtraction(), failures: 2, transient: true}
	p, store := testPipeline(t, jobs, docs, ex, &fakeOCR{}, &fakeDOI{rec: &DOIRecord{Valid: true}}, newFakeIndexer())

	require.NoError(t, p.Run(context.Background(), storedTask(t, store, "job-1")))

	assert.Equal(t, 3, ex.calls)
	job, _ := jobs.Get(context.Background(), "job-1")
	assert.Equal(t, db.JobStatusCompleted, job.Status)
}

func TestPipeline_TransientRetriesExhausted(t *testing.T) {
	jobs := newFakeJobStore(&db.Job{ID: "job-1", Status: db.JobStatusPending})
	docs := newFakeDocStore()
	ex := &fakeExtractor{ex: testExtraction(), failures: 10, transient: true}
	p, store := testPipeline(t, jobs, docs, ex, &fakeOCR{}, &fakeDOI{}, newFakeIndexer())

	require.NoError(t, p.Run(context.Background(), storedTask(t, store, "job-1")))

	assert.Equal(t, 3, ex.calls, "three attempts then terminal")
	job, _ := jobs.Get(context.Background(), "job-1")
	assert.Equal(t, db.JobStatusFailed, job.Status)
	assert.Equal(t, 100, job.Progress)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, StepExtractText)
}

func TestPipeline_TerminalErrorDoesNotRetry(t *testing.T) {
	jobs := newFakeJobStore(&db.Job{ID: "job-1", Status: db.JobStatusPending})
	docs := newFakeDocStore()
	ex := &fakeExtractor{ex: testExtraction(), failures: 10, transient: false}
	p, store := testPipeline(t, jobs, docs, ex, &fakeOCR{}, &fakeDOI{}, newFakeIndexer())

	require.NoError(t, p.Run(context.Background(), storedTask(t, store, "job-1")))

	assert.Equal(t, 1, ex.calls)
	job, _ := jobs.Get(context.Background(), "job-1")
	assert.Equal(t, db.JobStatusFailed, job.Status)
}

func TestPipeline_ScannedDocumentAppliesOCR(t *testing.T) {
	scanned := testExtraction()
	scanned.FullText = "a"
	scanned.PageChars = []int{2, 1}
	jobs := newFakeJobStore(&db.Job{ID: "job-1", Status: db.JobStatusPending})
	docs := newFakeDocStore()
	ocr := &fakeOCR{text: paperText()}
	p, store := testPipeline(t, jobs, docs, &fakeExtractor{ex: scanned}, ocr, &fakeDOI{rec: &DOIRecord{Valid: true}}, newFakeIndexer())

	require.NoError(t, p.Run(context.Background(), storedTask(t, store, "job-1")))

	assert.Equal(t, 1, ocr.calls)
	job, _ := jobs.Get(context.Background(), "job-1")
	require.NotNil(t, job.DocumentID)
	doc := docs.docs[*job.DocumentID]
	assert.True(t, doc.OCRApplied)
	assert.Contains(t, doc.Sections, SectionIntroduction)
}

func TestPipeline_OCRFailureFallsThrough(t *testing.T) {
	scanned := testExtraction()
	scanned.PageChars = []int{2, 1}
	jobs := newFakeJobStore(&db.Job{ID: "job-1", Status: db.JobStatusPending})
	docs := newFakeDocStore()
	ocr := &fakeOCR{err: errors.New("engine exploded")}
	p, store := testPipeline(t, jobs, docs, &fakeExtractor{ex: scanned}, ocr, &fakeDOI{rec: &DOIRecord{Valid: true}}, newFakeIndexer())

	require.NoError(t, p.Run(context.Background(), storedTask(t, store, "job-1")))

	job, _ := jobs.Get(context.Background(), "job-1")
	assert.Equal(t, db.JobStatusCompleted, job.Status, "ocr failure is a warning, not a job failure")
	doc := docs.docs[*job.DocumentID]
	assert.False(t, doc.OCRApplied)
}

func TestPipeline_DOIValidationFailureNonFatal(t *testing.T) {
	jobs := newFakeJobStore(&db.Job{ID: "job-1", Status: db.JobStatusPending})
	docs := newFakeDocStore()
	doi := &fakeDOI{err: errors.New("directory down")}
	p, store := testPipeline(t, jobs, docs, &fakeExtractor{ex: testExtraction()}, &fakeOCR{}, doi, newFakeIndexer())

	require.NoError(t, p.Run(context.Background(), storedTask(t, store, "job-1")))

	job, _ := jobs.Get(context.Background(), "job-1")
	assert.Equal(t, db.JobStatusCompleted, job.Status)
	doc := docs.docs[*job.DocumentID]
	require.NotNil(t, doc.DOI, "unvalidated DOI is still recorded")
}

func TestPipeline_IndexFailureStillCompletes(t *testing.T) {
	jobs := newFakeJobStore(&db.Job{ID: "job-1", Status: db.JobStatusPending})
	docs := newFakeDocStore()
	idx := newFakeIndexer()
	idx.err = errors.New("embedding service down")
	p, store := testPipeline(t, jobs, docs, &fakeExtractor{ex: testExtraction()}, &fakeOCR{}, &fakeDOI{rec: &DOIRecord{Valid: true}}, idx)

	require.NoError(t, p.Run(context.Background(), storedTask(t, store, "job-1")))

	job, _ := jobs.Get(context.Background(), "job-1")
	assert.Equal(t, db.JobStatusCompleted, job.Status)
	require.NotNil(t, job.DocumentID)
	assert.NotNil(t, docs.docs[*job.DocumentID], "document survives an indexing failure")
}

func TestPipeline_CancelledBeforeStart(t *testing.T) {
	jobs := newFakeJobStore(&db.Job{ID: "job-1", Status: db.JobStatusCancelled})
	docs := newFakeDocStore()
	ex := &fakeExtractor{ex: testExtraction()}
	p, store := testPipeline(t, jobs, docs, ex, &fakeOCR{}, &fakeDOI{}, newFakeIndexer())

	require.NoError(t, p.Run(context.Background(), storedTask(t, store, "job-1")))

	assert.Zero(t, ex.calls, "cancelled job must not run any step")
	assert.Empty(t, docs.docs)
}

func TestPipeline_UnknownJobDropped(t *testing.T) {
	jobs := newFakeJobStore()
	docs := newFakeDocStore()
	p, store := testPipeline(t, jobs, docs, &fakeExtractor{ex: testExtraction()}, &fakeOCR{}, &fakeDOI{}, newFakeIndexer())

	assert.NoError(t, p.Run(context.Background(), storedTask(t, store, "ghost")))
}

func TestPipeline_ReprocessKeepsDocumentID(t *testing.T) {
	jobs := newFakeJobStore(&db.Job{ID: "job-2", Status: db.JobStatusPending})
	docs := newFakeDocStore()
	require.NoError(t, docs.Create(context.Background(), &db.Document{Title: "old"}))

	p, store := testPipeline(t, jobs, docs, &fakeExtractor{ex: testExtraction()}, &fakeOCR{}, &fakeDOI{rec: &DOIRecord{Valid: true}}, newFakeIndexer())

	task := storedTask(t, store, "job-2")
	docID := uint(1)
	task.DocumentID = &docID
	task.Reprocess = true

	require.NoError(t, p.Run(context.Background(), task))

	job, _ := jobs.Get(context.Background(), "job-2")
	require.NotNil(t, job.DocumentID)
	assert.Equal(t, docID, *job.DocumentID)
	assert.Equal(t, 1, docs.updated)
	assert.Equal(t, "A Study of Things", docs.docs[docID].Title)
	assert.Len(t, docs.docs, 1, "reprocess must not create a second document")
}
