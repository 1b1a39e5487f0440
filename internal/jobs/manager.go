package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/inkfeather/inkfeather/internal/cache"
	"github.com/inkfeather/inkfeather/internal/db"
)

// progressCacheTTL keeps progress reads cheap while a job is polled
const progressCacheTTL = 5 * time.Second

// Manager owns job lifecycle operations: creation, pause, retry, deletion
// and progress reporting. Per-subtask execution lives in the Dispatcher.
type Manager struct {
	queue    Queue
	cache    *cache.InMemoryCache
	notifier Notifier
}

// NewManager creates a job manager
func NewManager(queue Queue, c *cache.InMemoryCache, notifier Notifier) *Manager {
	if c == nil {
		c = cache.NewInMemoryCache()
	}
	return &Manager{queue: queue, cache: c, notifier: notifier}
}

// CreateJob creates a job with one queued subtask per input reference.
// The job starts in pending with its full input set recorded on the row,
// so interrupted enqueues can be repaired later from the job itself.
func (m *Manager) CreateJob(ctx context.Context, opts *JobOptions) (*Job, error) {
	span := sentry.StartSpan(ctx, "jobs.create")
	defer span.Finish()

	if opts == nil {
		return nil, fmt.Errorf("job options are required")
	}
	if !opts.Family.Valid() {
		return nil, fmt.Errorf("unknown job family: %q", opts.Family)
	}
	refs := dedupe(opts.InputRefs)
	if len(refs) == 0 {
		return nil, fmt.Errorf("job requires at least one input reference")
	}

	job := &Job{
		ID:              uuid.New().String(),
		Family:          opts.Family,
		Label:           opts.Label,
		RuleID:          opts.RuleID,
		InputRefs:       refs,
		SubtaskStatuses: make(map[string]string),
		Status:          JobStatusPending,
		CreatedAt:       time.Now().UTC(),
	}
	job.Handle = fmt.Sprintf("%s-%s", job.Family, job.ID[:8])

	err := m.queue.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (
				id, handle, family, label, rule_id, input_refs,
				subtask_statuses, status, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, '{}', $7, $8, $8)
		`, job.ID, job.Handle, string(job.Family), job.Label, nullableID(job.RuleID),
			db.Serialise(refs), string(job.Status), job.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.queue.EnqueueSubtasks(ctx, job.ID, string(job.Family), refs); err != nil {
		// The reconciler inserts the missing rows from input_refs, so the
		// job is created but flagged rather than half-rolled-back.
		log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to enqueue subtasks, job left for reconciliation")
		return job, fmt.Errorf("job %s created but enqueue incomplete: %w", job.ID, err)
	}
	job.TotalSubtasks = len(refs)

	log.Info().
		Str("job_id", job.ID).
		Str("family", string(job.Family)).
		Int("subtasks", len(refs)).
		Msg("Created job")

	return job, nil
}

// GetJob loads a job by id
func (m *Manager) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job *Job
	err := m.queue.Execute(ctx, func(tx *sql.Tx) error {
		var err error
		job, err = getJobTx(ctx, tx, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// PauseJob moves a job to paused so the scheduler skips it
func (m *Manager) PauseJob(ctx context.Context, jobID string) error {
	return m.transition(ctx, jobID, JobStatusPaused)
}

// ResumeJob returns a paused job to pending
func (m *Manager) ResumeJob(ctx context.Context, jobID string) error {
	return m.transition(ctx, jobID, JobStatusPending)
}

// CancelJob cancels a job. Remaining queue rows stay in place but the
// terminal status stops the scheduler from ever picking them up.
func (m *Manager) CancelJob(ctx context.Context, jobID string) error {
	return m.transition(ctx, jobID, JobStatusCancelled)
}

func (m *Manager) transition(ctx context.Context, jobID string, to JobStatus) error {
	return m.queue.Execute(ctx, func(tx *sql.Tx) error {
		job, err := getJobTx(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if !CanTransition(job.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, job.Status, to)
		}
		if job.Status == to {
			return nil
		}
		return updateJobStatusTx(ctx, tx, jobID, to)
	})
}

// RetryJob requeues a job's failed subtasks. With a subtask id only that
// row is requeued. Rows past the retry cap are skipped unless force is
// set; force also clears terminal-kind errors that normally need review.
func (m *Manager) RetryJob(ctx context.Context, jobID, subtaskID string, force bool) (int, error) {
	span := sentry.StartSpan(ctx, "jobs.retry")
	defer span.Finish()

	var requeued int
	err := m.queue.Execute(ctx, func(tx *sql.Tx) error {
		job, err := getJobTx(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status == JobStatusCancelled {
			return fmt.Errorf("%w: cannot retry a cancelled job", ErrInvalidStatus)
		}

		query := `
			UPDATE job_queue
			SET status = 'pending', error = '', stage = '',
			    retry_count = retry_count + 1, updated_at = NOW()
			WHERE job_id = $1 AND status = 'failed'
		`
		args := []interface{}{jobID}
		if subtaskID != "" {
			query += fmt.Sprintf(" AND id = $%d", len(args)+1)
			args = append(args, subtaskID)
		}
		if !force {
			query += fmt.Sprintf(" AND retry_count < $%d", len(args)+1)
			args = append(args, MaxSubtaskRetries)
		}

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to requeue subtasks: %w", err)
		}
		n, _ := res.RowsAffected()
		requeued = int(n)
		if requeued == 0 {
			return nil
		}

		// Completed work is preserved; only the failure accounting moves.
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET failed_subtasks = GREATEST(failed_subtasks - $1, 0),
			    status = $2, error_message = '', updated_at = NOW()
			WHERE id = $3
		`, requeued, string(JobStatusPending), jobID)
		if err != nil {
			return fmt.Errorf("failed to reset job after retry: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	m.cache.Delete(progressKey(jobID))

	if requeued > 0 {
		log.Info().Str("job_id", jobID).Int("requeued", requeued).Bool("force", force).Msg("Requeued failed subtasks")
	}
	return requeued, nil
}

// DeleteJob removes a job. Completed and failed queue rows are kept so
// produced articles stay attributable; pending and in-flight rows and the
// job record itself are deleted.
func (m *Manager) DeleteJob(ctx context.Context, jobID string) error {
	span := sentry.StartSpan(ctx, "jobs.delete")
	defer span.Finish()

	err := m.queue.Execute(ctx, func(tx *sql.Tx) error {
		if _, err := getJobTx(ctx, tx, jobID); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `
			DELETE FROM job_queue
			WHERE job_id = $1 AND status NOT IN ('completed', 'failed')
		`, jobID)
		if err != nil {
			return fmt.Errorf("failed to delete queue rows: %w", err)
		}

		_, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
		if err != nil {
			return fmt.Errorf("failed to delete job: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.cache.Delete(progressKey(jobID))
	log.Info().Str("job_id", jobID).Msg("Deleted job")
	return nil
}

// GetProgress returns the operator-facing progress view, cached briefly
// because dashboards poll it.
func (m *Manager) GetProgress(ctx context.Context, jobID string) (*Progress, error) {
	if cached, ok := m.cache.Get(progressKey(jobID)); ok {
		if p, ok := cached.(*Progress); ok {
			return p, nil
		}
	}

	job, err := m.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	p := &Progress{
		JobID:     job.ID,
		Status:    job.Status,
		Total:     job.TotalSubtasks,
		Completed: job.CompletedCount,
		Failed:    job.FailedCount,
		LastError: job.ErrorMessage,
	}
	if job.TotalSubtasks > 0 {
		p.Percentage = float64(job.Processed()) / float64(job.TotalSubtasks) * 100
	}

	m.cache.SetWithTTL(progressKey(jobID), p, progressCacheTTL)
	return p, nil
}

func progressKey(jobID string) string {
	return "job_progress:" + jobID
}

// getJobTx loads a job row inside the caller's transaction
func getJobTx(ctx context.Context, tx *sql.Tx, jobID string) (*Job, error) {
	var (
		job         Job
		family      string
		status      string
		ruleID      sql.NullString
		statuses    []byte
		inputRefs   []byte
		processedAt sql.NullTime
	)

	err := tx.QueryRowContext(ctx, `
		SELECT id, handle, family, label, rule_id, total_subtasks,
		       completed_subtasks, failed_subtasks, position,
		       subtask_statuses, input_refs, status, error_message,
		       processed_at, created_at, updated_at
		FROM jobs WHERE id = $1
	`, jobID).Scan(
		&job.ID, &job.Handle, &family, &job.Label, &ruleID,
		&job.TotalSubtasks, &job.CompletedCount, &job.FailedCount, &job.Position,
		&statuses, &inputRefs, &status, &job.ErrorMessage,
		&processedAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	job.Family = JobFamily(family)
	job.Status = JobStatus(status)
	if ruleID.Valid {
		job.RuleID = ruleID.String
	}
	if processedAt.Valid {
		t := processedAt.Time
		job.ProcessedAt = &t
	}

	job.SubtaskStatuses = make(map[string]string)
	if len(statuses) > 0 {
		if err := json.Unmarshal(statuses, &job.SubtaskStatuses); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("Malformed subtask status map, treating as empty")
		}
	}
	if len(inputRefs) > 0 {
		if err := json.Unmarshal(inputRefs, &job.InputRefs); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("Malformed input refs, treating as empty")
		}
	}

	return &job, nil
}

// updateJobStatusTx writes a job's status. Callers must have checked the
// transition first.
func updateJobStatusTx(ctx context.Context, tx *sql.Tx, jobID string, to JobStatus) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = $1, updated_at = NOW() WHERE id = $2
	`, string(to), jobID)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

// finalizeJobTx applies the finalization rule: once every subtask is
// terminal the job becomes completed or failed. Already-terminal jobs are
// left alone so repeated calls never flip the outcome. Returns whether a
// status change was written.
func finalizeJobTx(ctx context.Context, tx *sql.Tx, job *Job) (bool, error) {
	if job.Status != JobStatusPending && job.Status != JobStatusProcessing {
		return false, nil
	}
	if job.TotalSubtasks == 0 || job.Processed() < job.TotalSubtasks {
		return false, nil
	}

	next := JobStatusCompleted
	if job.FailedCount > 0 {
		next = JobStatusFailed
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, processed_at = NOW(), updated_at = NOW()
		WHERE id = $2
	`, string(next), job.ID)
	if err != nil {
		return false, fmt.Errorf("failed to finalize job: %w", err)
	}
	job.Status = next

	log.Info().
		Str("job_id", job.ID).
		Str("status", string(next)).
		Int("completed", job.CompletedCount).
		Int("failed", job.FailedCount).
		Msg("Finalized job")

	return true, nil
}

func dedupe(refs []string) []string {
	seen := make(map[string]struct{}, len(refs))
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

func nullableID(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
