package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/paperbase/paperbase/common"
	"github.com/paperbase/paperbase/config"
	"github.com/paperbase/paperbase/db"
	"github.com/paperbase/paperbase/queue"
	"github.com/paperbase/paperbase/storage"
)

// DocumentReader loads and updates documents for the metadata and OCR
// handlers.
type DocumentReader interface {
	Get(ctx context.Context, id uint) (*db.Document, error)
	ReplaceDerived(ctx context.Context, doc *db.Document) error
}

// Consumer is the slice of the broker the pool reads from.
type Consumer interface {
	Consume(queueName, consumer string) (<-chan amqp.Delivery, error)
}

// Pool runs a fixed number of workers per queue. Each worker owns one
// delivery at a time from dequeue to acknowledgement; the ack happens
// only after the job record reached a terminal state, so a worker crash
// leads to broker redelivery.
type Pool struct {
	cfg       config.IngestConfig
	broker    Consumer
	publisher queue.TaskPublisher
	pipeline  *Pipeline
	jobs      JobStore
	docs      DocumentReader
	store     storage.Store
	doi       DOIValidator

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewPool wires the worker pool.
func NewPool(cfg config.IngestConfig, broker Consumer, publisher queue.TaskPublisher,
	pipeline *Pipeline, jobs JobStore, docs DocumentReader, store storage.Store, doi DOIValidator) *Pool {
	return &Pool{
		cfg:       cfg,
		broker:    broker,
		publisher: publisher,
		pipeline:  pipeline,
		jobs:      jobs,
		docs:      docs,
		store:     store,
		doi:       doi,
		stop:      make(chan struct{}),
	}
}

// defaultWorkers is used for queues the configuration does not mention.
var defaultWorkers = map[string]int{
	queue.QueueDocumentProcessing: 2,
	queue.QueueBatchProcessing:    1,
	queue.QueueMetadataExtraction: 1,
	queue.QueueOCRProcessing:      1,
}

// Start launches the workers. It returns after all consumers are
// registered; workers run until Stop.
func (p *Pool) Start() error {
	total := 0
	for _, queueName := range queue.Queues {
		count := p.cfg.Workers[queueName]
		if count <= 0 {
			count = defaultWorkers[queueName]
		}
		for i := 0; i < count; i++ {
			deliveries, err := p.broker.Consume(queueName, workerTag(queueName, i))
			if err != nil {
				return err
			}
			p.wg.Add(1)
			go p.run(queueName, i, deliveries)
			total++
		}
	}
	common.Logger.WithField("workers", total).Info("worker pool started")
	return nil
}

// Stop signals all workers and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	close(p.stop)
	p.wg.Wait()
	common.Logger.Info("worker pool stopped")
}

func workerTag(queueName string, i int) string {
	return queueName + "-worker-" + strconv.Itoa(i)
}

// run is one worker's delivery loop.
func (p *Pool) run(queueName string, id int, deliveries <-chan amqp.Delivery) {
	defer p.wg.Done()
	log := common.Logger.WithFields(logrus.Fields{"queue": queueName, "worker": id})
	log.Info("worker started")

	for {
		select {
		case <-p.stop:
			log.Info("worker stopped")
			return
		case delivery, ok := <-deliveries:
			if !ok {
				log.Warn("delivery channel closed")
				return
			}
			p.handle(queueName, delivery, log)
		}
	}
}

// handle dispatches one delivery. A nil handler error means the job is
// settled and the delivery is acked; an error means the job's fate is
// undecided and the delivery is requeued.
func (p *Pool) handle(queueName string, delivery amqp.Delivery, log *logrus.Entry) {
	timeout := p.cfg.JobTimeout
	if timeout <= 0 {
		timeout = 60 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var err error
	switch queueName {
	case queue.QueueDocumentProcessing:
		err = p.handleProcess(ctx, delivery.Body)
	case queue.QueueBatchProcessing:
		err = p.handleBatch(ctx, delivery.Body)
	case queue.QueueMetadataExtraction:
		err = p.handleMetadata(ctx, delivery.Body)
	case queue.QueueOCRProcessing:
		err = p.handleOCR(ctx, delivery.Body)
	default:
		log.WithField("queue", queueName).Error("no handler for queue")
		delivery.Nack(false, false)
		return
	}

	if err != nil {
		log.WithError(err).Warn("task not settled, requeueing")
		delivery.Nack(false, true)
		return
	}
	delivery.Ack(false)
}

func (p *Pool) handleProcess(ctx context.Context, body []byte) error {
	var task queue.ProcessTask
	if err := json.Unmarshal(body, &task); err != nil {
		common.Logger.WithError(err).Error("malformed process task, dropping")
		return nil
	}
	return p.pipeline.Run(ctx, task)
}

// handleBatch fans a batch out into independent per-file tasks. The
// per-file jobs were created at enqueue time; their stored file paths
// travel in the job metadata.
func (p *Pool) handleBatch(ctx context.Context, body []byte) error {
	var task queue.BatchTask
	if err := json.Unmarshal(body, &task); err != nil {
		common.Logger.WithError(err).Error("malformed batch task, dropping")
		return nil
	}

	for _, jobID := range task.JobIDs {
		job, err := p.jobs.Get(ctx, jobID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				continue
			}
			return err
		}
		if job.Terminal() {
			continue
		}

		filePath, _ := job.Metadata["file_path"].(string)
		if err := p.publisher.PublishProcess(queue.ProcessTask{
			JobID:    job.ID,
			OwnerID:  job.OwnerID,
			Filename: job.Filename,
			FilePath: filePath,
			BatchID:  job.BatchID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// handleMetadata re-runs DOI discovery and metadata enrichment for an
// existing document without touching its chunks.
func (p *Pool) handleMetadata(ctx context.Context, body []byte) error {
	var task queue.MetadataTask
	if err := json.Unmarshal(body, &task); err != nil {
		common.Logger.WithError(err).Error("malformed metadata task, dropping")
		return nil
	}

	job, err := p.jobs.Get(ctx, task.JobID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		return err
	}
	if job.Terminal() {
		return nil
	}
	if job.Status == db.JobStatusPending {
		if err := p.jobs.MarkProcessing(ctx, task.JobID); err != nil {
			if errors.Is(err, db.ErrInvalidTransition) {
				return nil
			}
			return err
		}
	}

	doc, err := p.docs.Get(ctx, task.DocumentID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return p.jobs.Fail(ctx, task.JobID, "document not found")
		}
		return err
	}

	var corpus strings.Builder
	corpus.WriteString(doc.Abstract)
	for _, text := range doc.Sections {
		corpus.WriteString("\n")
		corpus.WriteString(text)
	}

	doi := ExtractDOI(corpus.String())
	if doi != "" {
		if p.cfg.EnableDOIValidation && p.doi != nil {
			if rec, verr := p.doi.Validate(ctx, doi); verr == nil && rec.Valid {
				if rec.Title != "" {
					doc.Title = rec.Title
				}
				if len(rec.Authors) > 0 {
					doc.Authors = rec.Authors
				}
			}
		}
		doc.DOI = &doi
	}

	if err := p.docs.ReplaceDerived(ctx, doc); err != nil {
		return err
	}
	return p.jobs.Complete(ctx, task.JobID, doc.ID)
}

// handleOCR runs the full pipeline for a document with OCR forced,
// replacing its derived fields in place.
func (p *Pool) handleOCR(ctx context.Context, body []byte) error {
	var task queue.OCRTask
	if err := json.Unmarshal(body, &task); err != nil {
		common.Logger.WithError(err).Error("malformed ocr task, dropping")
		return nil
	}

	job, err := p.jobs.Get(ctx, task.JobID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		return err
	}

	process := queue.ProcessTask{
		JobID:      task.JobID,
		OwnerID:    task.OwnerID,
		Filename:   job.Filename,
		FilePath:   task.FilePath,
		DocumentID: job.DocumentID,
		Reprocess:  job.DocumentID != nil,
		ForceOCR:   true,
	}
	return p.pipeline.Run(ctx, process)
}
