package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DbQueue is a PostgreSQL implementation of the job queue
type DbQueue struct {
	db *sql.DB
}

// NewDbQueue creates a PostgreSQL job queue
func NewDbQueue(db *sql.DB) *DbQueue {
	return &DbQueue{
		db: db,
	}
}

// Execute runs a database operation in a transaction
func (q *DbQueue) Execute(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Subtask represents a row in the job queue
type Subtask struct {
	ID         string
	Family     string
	JobID      string
	RefID      string
	Priority   int
	RetryCount int
	Status     string
	Stage      string
	Error      string
	NotBefore  time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// EnqueueSubtasks inserts one queue row per reference id and bumps the
// job's total counter inside a single transaction. A NOTIFY wakes the
// scheduler so new work is picked up before the next tick.
func (q *DbQueue) EnqueueSubtasks(ctx context.Context, jobID, family string, refIDs []string) error {
	if len(refIDs) == 0 {
		return nil
	}

	return q.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET total_subtasks = total_subtasks + $1, updated_at = NOW()
			WHERE id = $2
		`, len(refIDs), jobID)
		if err != nil {
			return fmt.Errorf("failed to update job total subtasks: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO job_queue (
				id, family, job_id, ref_id, status, retry_count, created_at, updated_at
			) VALUES ($1, $2, $3, $4, 'pending', 0, $5, $5)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for _, refID := range refIDs {
			if refID == "" {
				continue
			}
			if _, err := stmt.ExecContext(ctx, uuid.New().String(), family, jobID, refID, now); err != nil {
				return fmt.Errorf("failed to insert subtask: %w", err)
			}
		}

		_, err = tx.ExecContext(ctx, `SELECT pg_notify('new_subtasks', $1)`, jobID)
		return err
	})
}

// ClaimSubtask selects the subtask the dispatcher should work on next and
// marks it processing. A row already in processing wins (crash resumption),
// otherwise the oldest pending row is taken. When subtaskID is non-empty
// only that specific row is considered. Returns nil when nothing is eligible.
func (q *DbQueue) ClaimSubtask(ctx context.Context, family, jobID, subtaskID string) (*Subtask, error) {
	var sub Subtask

	err := q.Execute(ctx, func(tx *sql.Tx) error {
		query := `
			SELECT id, family, job_id, ref_id, priority, retry_count, status, stage, error, created_at
			FROM job_queue
			WHERE family = $1 AND job_id = $2
			  AND status IN ('processing', 'pending')
			  AND (not_before IS NULL OR not_before <= NOW())
		`
		args := []interface{}{family, jobID}
		if subtaskID != "" {
			query += " AND id = $3"
			args = append(args, subtaskID)
		}

		// processing sorts before pending, so a crashed attempt is resumed
		// first. Batch inserts share one created_at, so id breaks the tie
		// to keep the claim order deterministic.
		query += `
			ORDER BY CASE status WHEN 'processing' THEN 0 ELSE 1 END, created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`

		err := tx.QueryRowContext(ctx, query, args...).Scan(
			&sub.ID, &sub.Family, &sub.JobID, &sub.RefID, &sub.Priority,
			&sub.RetryCount, &sub.Status, &sub.Stage, &sub.Error, &sub.CreatedAt,
		)
		if err == sql.ErrNoRows {
			return sql.ErrNoRows
		}
		if err != nil {
			return fmt.Errorf("failed to query subtask: %w", err)
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			UPDATE job_queue
			SET status = 'processing', updated_at = $1
			WHERE id = $2
		`, now, sub.ID)
		if err != nil {
			return fmt.Errorf("failed to mark subtask processing: %w", err)
		}

		sub.Status = "processing"
		sub.UpdatedAt = now
		return nil
	})

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &sub, nil
}

// UpdateSubtaskStatus writes a subtask's status, stage and error text
func (q *DbQueue) UpdateSubtaskStatus(ctx context.Context, sub *Subtask) error {
	if sub == nil {
		return fmt.Errorf("cannot update nil subtask")
	}

	return q.Execute(ctx, func(tx *sql.Tx) error {
		return updateSubtaskStatusTx(ctx, tx, sub)
	})
}

// UpdateSubtaskStatusTx is the transaction-scoped variant of
// UpdateSubtaskStatus, for callers that batch it with other writes.
func (q *DbQueue) UpdateSubtaskStatusTx(ctx context.Context, tx *sql.Tx, sub *Subtask) error {
	return updateSubtaskStatusTx(ctx, tx, sub)
}

func updateSubtaskStatusTx(ctx context.Context, tx *sql.Tx, sub *Subtask) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE job_queue
		SET status = $1, stage = $2, error = $3, retry_count = $4, updated_at = NOW()
		WHERE id = $5
	`, sub.Status, sub.Stage, sub.Error, sub.RetryCount, sub.ID)
	if err != nil {
		return fmt.Errorf("failed to update subtask status: %w", err)
	}
	return nil
}

// CountByStatus returns how many of a job's queue rows are in the given status
func (q *DbQueue) CountByStatus(ctx context.Context, family, jobID, status string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM job_queue
		WHERE family = $1 AND job_id = $2 AND status = $3
	`, family, jobID, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count subtasks: %w", err)
	}
	return n, nil
}
