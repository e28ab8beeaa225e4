package db

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrInvalidTransition is returned for non-monotonic job status changes.
var ErrInvalidTransition = errors.New("db: invalid job status transition")

// BatchSummary aggregates the jobs sharing one batch handle.
type BatchSummary struct {
	BatchID   string     `json:"batch_id"`
	Total     int64      `json:"total"`
	Pending   int64      `json:"pending"`
	Running   int64      `json:"processing"`
	Completed int64      `json:"completed"`
	Failed    int64      `json:"failed"`
	Cancelled int64      `json:"cancelled"`
	Status    string     `json:"status"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// JobRepository manages job rows and their append-only step log.
// Status transitions are monotonic: pending -> processing -> terminal,
// with cancellation allowed from pending or processing only.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates the job repository.
func NewJobRepository(gdb *gorm.DB) *JobRepository {
	return &JobRepository{db: gdb}
}

// Create inserts a job in pending state.
func (r *JobRepository) Create(ctx context.Context, job *Job) error {
	job.Status = JobStatusPending
	job.Progress = 0
	return r.db.WithContext(ctx).Create(job).Error
}

// Get fetches a job by handle.
func (r *JobRepository) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Steps returns a job's step log in execution order.
func (r *JobRepository) Steps(ctx context.Context, jobID string) ([]*JobStep, error) {
	var steps []*JobStep
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("step_index ASC, id ASC").
		Find(&steps).Error
	return steps, err
}

// List pages through a user's jobs, optionally filtered by status.
func (r *JobRepository) List(ctx context.Context, ownerID, status string, skip, limit int) ([]*Job, int64, error) {
	var jobs []*Job
	var total int64

	q := r.db.WithContext(ctx).Model(&Job{}).Where("owner_id = ?", ownerID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := q.Order("created_at DESC").Offset(skip).Limit(limit).Find(&jobs).Error
	return jobs, total, err
}

// MarkProcessing moves a pending job into processing. Returns
// ErrInvalidTransition when the job already left pending (for example a
// cancellation observed before the first step).
func (r *JobRepository) MarkProcessing(ctx context.Context, id string) error {
	now := time.Now()
	res := r.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ? AND status = ?", id, JobStatusPending).
		Updates(map[string]interface{}{
			"status":     JobStatusProcessing,
			"started_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// SetProgress updates the progress percentage of a running job.
func (r *JobRepository) SetProgress(ctx context.Context, id string, progress int) error {
	return r.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ? AND status = ?", id, JobStatusProcessing).
		Update("progress", progress).Error
}

// Complete marks a processing job completed with its produced document.
// Progress reaches 100 only in a terminal state.
func (r *JobRepository) Complete(ctx context.Context, id string, documentID uint) error {
	now := time.Now()
	res := r.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ? AND status = ?", id, JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":       JobStatusCompleted,
			"progress":     100,
			"document_id":  documentID,
			"completed_at": now,
			"error":        nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// Fail marks a processing job failed with an error description.
func (r *JobRepository) Fail(ctx context.Context, id string, errMsg string) error {
	now := time.Now()
	res := r.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ? AND status IN ?", id, []string{JobStatusPending, JobStatusProcessing}).
		Updates(map[string]interface{}{
			"status":       JobStatusFailed,
			"progress":     100,
			"error":        errMsg,
			"completed_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// Cancel marks a job cancelled. Allowed only from pending or processing;
// the owning worker observes the state at step boundaries and aborts.
func (r *JobRepository) Cancel(ctx context.Context, id, ownerID string) error {
	now := time.Now()
	res := r.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ? AND owner_id = ? AND status IN ?", id, ownerID,
			[]string{JobStatusPending, JobStatusProcessing}).
		Updates(map[string]interface{}{
			"status":       JobStatusCancelled,
			"completed_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// AppendStep writes one audit entry to the job's step log. Steps are
// append-only and never mutated after write.
func (r *JobRepository) AppendStep(ctx context.Context, step *JobStep) error {
	step.CreatedAt = time.Now()
	return r.db.WithContext(ctx).Create(step).Error
}

// SetDocumentID records the document created for a still-running job.
// Written before the persist step completes, so a crashed worker's
// redelivery finds the row and updates it instead of inserting again.
func (r *JobRepository) SetDocumentID(ctx context.Context, id string, documentID uint) error {
	return r.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ? AND status = ?", id, JobStatusProcessing).
		Update("document_id", documentID).Error
}

// CompletedSteps returns the names of steps that already completed for a
// job. Redelivered jobs skip the ones whose effects are durable.
func (r *JobRepository) CompletedSteps(ctx context.Context, jobID string) (map[string]bool, error) {
	var steps []JobStep
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND status = ?", jobID, StepStatusCompleted).
		Find(&steps).Error
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(steps))
	for _, s := range steps {
		done[s.Name] = true
	}
	return done, nil
}

// ListBatches summarizes a user's batches, newest first.
func (r *JobRepository) ListBatches(ctx context.Context, ownerID string) ([]*BatchSummary, error) {
	var batchIDs []string
	err := r.db.WithContext(ctx).
		Model(&Job{}).
		Where("owner_id = ? AND batch_id IS NOT NULL", ownerID).
		Distinct("batch_id").
		Pluck("batch_id", &batchIDs).Error
	if err != nil {
		return nil, err
	}

	summaries := make([]*BatchSummary, 0, len(batchIDs))
	for _, id := range batchIDs {
		summary, err := r.GetBatch(ctx, id, ownerID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// GetBatch computes the aggregate status of one batch from its children.
func (r *JobRepository) GetBatch(ctx context.Context, batchID, ownerID string) (*BatchSummary, error) {
	var jobs []Job
	err := r.db.WithContext(ctx).
		Where("batch_id = ? AND owner_id = ?", batchID, ownerID).
		Order("created_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNotFound
	}

	summary := &BatchSummary{BatchID: batchID, Total: int64(len(jobs))}
	created := jobs[0].CreatedAt
	summary.CreatedAt = &created

	for _, j := range jobs {
		switch j.Status {
		case JobStatusPending:
			summary.Pending++
		case JobStatusProcessing:
			summary.Running++
		case JobStatusCompleted:
			summary.Completed++
		case JobStatusFailed:
			summary.Failed++
		case JobStatusCancelled:
			summary.Cancelled++
		}
	}

	switch {
	case summary.Running > 0 || summary.Pending > 0:
		summary.Status = JobStatusProcessing
	case summary.Failed > 0:
		summary.Status = JobStatusFailed
	case summary.Cancelled == summary.Total:
		summary.Status = JobStatusCancelled
	default:
		summary.Status = JobStatusCompleted
	}

	return summary, nil
}
