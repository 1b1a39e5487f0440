package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/inkfeather/inkfeather/internal/db"
	"github.com/inkfeather/inkfeather/internal/observability"
)

// retryBudget is the longest a subtask may legitimately sit in processing
// while the retry controller works through its attempts: three calls at
// the full call timeout plus backoff, rounded up. Rows whose job has been
// touched since the claim get this allowance instead of the short one.
const retryBudget = 16 * time.Minute

// Reconciler repairs persisted job state after crashes, timeouts and
// interrupted writes. Every repair is derived from current row state, so
// running it twice in a row is a no-op the second time, and it needs no
// coordination with the dispatcher.
type Reconciler struct {
	queue Queue
	now   func() time.Time
}

// NewReconciler creates a reconciler over the queue
func NewReconciler(queue Queue) *Reconciler {
	return &Reconciler{queue: queue, now: time.Now}
}

// Run performs a full reconciliation pass: per-job repair for every
// non-terminal job, orphan cleanup, and cross-family collision detection.
func (r *Reconciler) Run(ctx context.Context) (*ReconcileReport, error) {
	span := sentry.StartSpan(ctx, "jobs.reconcile")
	defer span.Finish()

	report := &ReconcileReport{}

	jobIDs, err := r.candidateJobs(ctx)
	if err != nil {
		return nil, err
	}
	for _, jobID := range jobIDs {
		if err := r.reconcileJob(ctx, jobID, report); err != nil {
			// One broken job must not block repair of the rest.
			log.Error().Err(err).Str("job_id", jobID).Msg("Failed to reconcile job")
		}
	}

	if err := r.removeOrphans(ctx, report); err != nil {
		log.Error().Err(err).Msg("Failed to remove orphaned queue rows")
	}
	if err := r.detectCollisions(ctx, report); err != nil {
		log.Error().Err(err).Msg("Failed to check for reference collisions")
	}

	observability.RecordReconciliation(ctx, report.Total())
	if report.Total() > 0 || report.Collisions > 0 {
		log.Info().
			Int("hanging_failed", report.HangingFailed).
			Int("stale_reset", report.StaleReset).
			Int("duplicates_reset", report.DuplicatesReset).
			Int("counts_repaired", report.CountsRepaired).
			Int("missing_inserted", report.MissingInserted).
			Int("orphans_removed", report.OrphansRemoved).
			Int("collisions", report.Collisions).
			Int("finalized", report.Finalized).
			Msg("Reconciliation repaired state")
	}
	return report, nil
}

// RecoverJob repairs a single job. Used by the dispatcher when it finds a
// job in a status it cannot work with.
func (r *Reconciler) RecoverJob(ctx context.Context, jobID string) error {
	report := &ReconcileReport{}
	return r.reconcileJob(ctx, jobID, report)
}

func (r *Reconciler) candidateJobs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.queue.Execute(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM jobs
			WHERE status NOT IN ('completed', 'cancelled')
			ORDER BY updated_at ASC
		`)
		if err != nil {
			return fmt.Errorf("failed to list candidate jobs: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

// reconcileJob repairs one job inside a single transaction, in a fixed
// order: staleness reset, hanging detection, duplicate in-flight repair,
// missing row insertion, count rebuild, finalization.
func (r *Reconciler) reconcileJob(ctx context.Context, jobID string, report *ReconcileReport) error {
	return r.queue.Execute(ctx, func(tx *sql.Tx) error {
		job, err := getJobTx(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return nil
		}
		now := r.now().UTC()

		if err := r.resetStaleJob(ctx, tx, job, now, report); err != nil {
			return err
		}
		if err := r.failHangingSubtasks(ctx, tx, job, now, report); err != nil {
			return err
		}
		if err := r.resetDuplicateInFlight(ctx, tx, job, report); err != nil {
			return err
		}
		if err := r.insertMissingSubtasks(ctx, tx, job, report); err != nil {
			return err
		}
		return r.rebuildCounts(ctx, tx, job, report)
	})
}

// resetStaleJob handles a job whose updated_at is stale beyond the job
// threshold: the worker died before reaching any failure decision, so its
// in-flight rows go back to pending rather than failed.
func (r *Reconciler) resetStaleJob(ctx context.Context, tx *sql.Tx, job *Job, now time.Time, report *ReconcileReport) error {
	if job.Status != JobStatusProcessing || now.Sub(job.UpdatedAt) < JobStaleTimeout {
		return nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE job_queue
		SET status = 'pending', updated_at = NOW()
		WHERE job_id = $1 AND status = 'processing'
	`, job.ID)
	if err != nil {
		return fmt.Errorf("failed to reset stale job rows: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := updateJobStatusTx(ctx, tx, job.ID, JobStatusPending); err != nil {
		return err
	}
	job.Status = JobStatusPending
	report.StaleReset++

	log.Warn().
		Str("job_id", job.ID).
		Int64("rows_reset", n).
		Dur("stale_for", now.Sub(job.UpdatedAt)).
		Msg("Reset stale job to pending")
	return nil
}

// failHangingSubtasks marks rows stuck in processing past the timeout as
// failed. Rows whose job was touched after the row was claimed are given
// the full retry budget before being declared dead: an active retry loop
// keeps bumping the job while a crashed worker stops doing so.
func (r *Reconciler) failHangingSubtasks(ctx context.Context, tx *sql.Tx, job *Job, now time.Time, report *ReconcileReport) error {
	diag := fmt.Sprintf("processing timed out after %s", HangingSubtaskTimeout)
	res, err := tx.ExecContext(ctx, `
		UPDATE job_queue q
		SET status = 'failed', stage = 'timeout', error = $1, updated_at = NOW()
		FROM jobs j
		WHERE q.job_id = j.id AND q.job_id = $2
		  AND q.status = 'processing'
		  AND q.updated_at < $3
		  AND (j.updated_at <= q.updated_at OR q.updated_at < $4)
	`, diag, job.ID, now.Add(-HangingSubtaskTimeout), now.Add(-retryBudget))
	if err != nil {
		return fmt.Errorf("failed to fail hanging subtasks: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil
	}
	report.HangingFailed += int(n)

	if job.Status == JobStatusProcessing {
		if err := updateJobStatusTx(ctx, tx, job.ID, JobStatusPending); err != nil {
			return err
		}
		job.Status = JobStatusPending
	}

	log.Warn().Str("job_id", job.ID).Int64("subtasks", n).Msg("Failed hanging subtasks")
	return nil
}

// resetDuplicateInFlight enforces at most one processing row per job by
// returning all but the oldest claim to pending.
func (r *Reconciler) resetDuplicateInFlight(ctx context.Context, tx *sql.Tx, job *Job, report *ReconcileReport) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE job_queue
		SET status = 'pending', updated_at = NOW()
		WHERE job_id = $1 AND status = 'processing'
		  AND id <> (
			SELECT id FROM job_queue
			WHERE job_id = $1 AND status = 'processing'
			ORDER BY updated_at ASC LIMIT 1
		  )
	`, job.ID)
	if err != nil {
		return fmt.Errorf("failed to reset duplicate in-flight rows: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		report.DuplicatesReset += int(n)
		log.Warn().Str("job_id", job.ID).Int64("rows", n).Msg("Reset duplicate in-flight subtasks")
	}
	return nil
}

// insertMissingSubtasks repairs an interrupted enqueue: every reference in
// the job's declared input set must have a queue row.
func (r *Reconciler) insertMissingSubtasks(ctx context.Context, tx *sql.Tx, job *Job, report *ReconcileReport) error {
	if len(job.InputRefs) == 0 {
		return nil
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT ref_id FROM job_queue WHERE family = $1 AND job_id = $2
	`, string(job.Family), job.ID)
	if err != nil {
		return fmt.Errorf("failed to list queue refs: %w", err)
	}
	present := make(map[string]struct{})
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			rows.Close()
			return err
		}
		present[ref] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	inserted := 0
	for _, ref := range job.InputRefs {
		if _, ok := present[ref]; ok {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO job_queue (id, family, job_id, ref_id, status, retry_count, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 'pending', 0, NOW(), NOW())
		`, uuid.New().String(), string(job.Family), job.ID, ref)
		if err != nil {
			return fmt.Errorf("failed to insert missing subtask: %w", err)
		}
		inserted++
	}
	if inserted > 0 {
		report.MissingInserted += inserted
		log.Warn().Str("job_id", job.ID).Int("inserted", inserted).Msg("Inserted missing queue rows")
	}
	return nil
}

// rebuildCounts recomputes the job's cached counters, cursor and status
// map from the queue rows, overwrites them when they disagree, and re-runs
// the finalization rule on the corrected numbers.
func (r *Reconciler) rebuildCounts(ctx context.Context, tx *sql.Tx, job *Job, report *ReconcileReport) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, status FROM job_queue WHERE family = $1 AND job_id = $2
	`, string(job.Family), job.ID)
	if err != nil {
		return fmt.Errorf("failed to list queue rows: %w", err)
	}

	statuses := make(map[string]string)
	var total, completed, failed int
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			rows.Close()
			return err
		}
		statuses[id] = status
		total++
		switch JobStatus(status) {
		case JobStatusCompleted:
			completed++
		case JobStatusFailed:
			failed++
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	// position tracks successes only: it is the publish-staggering cursor
	// the dispatcher bumps in recordSuccess, never on failure.
	dirty := job.TotalSubtasks != total ||
		job.CompletedCount != completed ||
		job.FailedCount != failed ||
		job.Position != completed ||
		!statusMapsEqual(job.SubtaskStatuses, statuses)

	if dirty {
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET total_subtasks = $1, completed_subtasks = $2, failed_subtasks = $3,
			    position = $4, subtask_statuses = $5, updated_at = NOW()
			WHERE id = $6
		`, total, completed, failed, completed, db.Serialise(statuses), job.ID)
		if err != nil {
			return fmt.Errorf("failed to rewrite job counters: %w", err)
		}
		report.CountsRepaired++

		log.Warn().
			Str("job_id", job.ID).
			Int("total", total).
			Int("completed", completed).
			Int("failed", failed).
			Msg("Repaired job counters from queue rows")
	}

	job.TotalSubtasks = total
	job.CompletedCount = completed
	job.FailedCount = failed
	job.Position = completed
	job.SubtaskStatuses = statuses

	finalized, err := finalizeJobTx(ctx, tx, job)
	if err != nil {
		return err
	}
	if finalized {
		report.Finalized++
	}
	return nil
}

// removeOrphans deletes non-terminal queue rows whose owning job no longer
// exists. Terminal rows stay because deleted jobs keep their completed
// subtasks and produced articles.
func (r *Reconciler) removeOrphans(ctx context.Context, report *ReconcileReport) error {
	return r.queue.Execute(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM job_queue q
			WHERE q.status NOT IN ('completed', 'failed')
			  AND NOT EXISTS (SELECT 1 FROM jobs j WHERE j.id = q.job_id)
		`)
		if err != nil {
			return fmt.Errorf("failed to delete orphaned rows: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			report.OrphansRemoved += int(n)
			log.Warn().Int64("rows", n).Msg("Removed orphaned queue rows")
		}
		return nil
	})
}

// detectCollisions finds reference ids claimed by more than one job
// family. Guessing the correct owner risks corrupting two jobs instead of
// one, so collisions are surfaced and never auto-repaired.
func (r *Reconciler) detectCollisions(ctx context.Context, report *ReconcileReport) error {
	return r.queue.Execute(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT ref_id, COUNT(DISTINCT family)
			FROM job_queue
			WHERE status NOT IN ('completed', 'failed')
			GROUP BY ref_id
			HAVING COUNT(DISTINCT family) > 1
		`)
		if err != nil {
			return fmt.Errorf("failed to query collisions: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var refID string
			var families int
			if err := rows.Scan(&refID, &families); err != nil {
				return err
			}
			report.Collisions++
			log.Error().
				Str("ref_id", refID).
				Int("families", families).
				Msg("Reference id claimed by multiple job families, manual review required")
		}
		return rows.Err()
	})
}

func statusMapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
