package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockQueue(t *testing.T) (*DbQueue, sqlmock.Sqlmock, func()) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewDbQueue(mockDB), mock, func() { mockDB.Close() }
}

func TestExecuteCommitsOnSuccess(t *testing.T) {
	q, mock, cleanup := newMockQueue(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := q.Execute(context.Background(), func(tx *sql.Tx) error {
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteRollsBackOnError(t *testing.T) {
	q, mock, cleanup := newMockQueue(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := q.Execute(context.Background(), func(tx *sql.Tx) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueSubtasks(t *testing.T) {
	q, mock, cleanup := newMockQueue(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE jobs`).
		WithArgs(2, "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep := mock.ExpectPrepare(`INSERT INTO job_queue`)
	prep.ExpectExec().
		WithArgs(sqlmock.AnyArg(), "articles", "job-1", "ref-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().
		WithArgs(sqlmock.AnyArg(), "articles", "job-1", "ref-2", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SELECT pg_notify`).
		WithArgs("job-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := q.EnqueueSubtasks(context.Background(), "job-1", "articles", []string{"ref-1", "ref-2"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueSubtasksNoRefsIsNoop(t *testing.T) {
	q, mock, cleanup := newMockQueue(t)
	defer cleanup()

	err := q.EnqueueSubtasks(context.Background(), "job-1", "articles", nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimSubtaskPrefersProcessing(t *testing.T) {
	q, mock, cleanup := newMockQueue(t)
	defer cleanup()

	created := time.Now().Add(-time.Minute)
	rows := sqlmock.NewRows([]string{
		"id", "family", "job_id", "ref_id", "priority", "retry_count", "status", "stage", "error", "created_at",
	}).AddRow("sub-1", "articles", "job-1", "ref-1", 0, 0, "processing", "", "", created)

	mock.ExpectBegin()
	// Pins the claim order: crashed attempts first, then oldest pending,
	// with id breaking created_at ties within a batch.
	mock.ExpectQuery(`ORDER BY CASE status WHEN 'processing' THEN 0 ELSE 1 END, created_at ASC, id ASC`).
		WithArgs("articles", "job-1").
		WillReturnRows(rows)
	mock.ExpectExec(`UPDATE job_queue`).
		WithArgs(sqlmock.AnyArg(), "sub-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	sub, err := q.ClaimSubtask(context.Background(), "articles", "job-1", "")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "sub-1", sub.ID)
	assert.Equal(t, "processing", sub.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimSubtaskNoneEligible(t *testing.T) {
	q, mock, cleanup := newMockQueue(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, family, job_id, ref_id`).
		WithArgs("articles", "job-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	sub, err := q.ClaimSubtask(context.Background(), "articles", "job-1", "")
	require.NoError(t, err)
	assert.Nil(t, sub)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimSubtaskSpecificID(t *testing.T) {
	q, mock, cleanup := newMockQueue(t)
	defer cleanup()

	created := time.Now().Add(-time.Minute)
	rows := sqlmock.NewRows([]string{
		"id", "family", "job_id", "ref_id", "priority", "retry_count", "status", "stage", "error", "created_at",
	}).AddRow("sub-7", "topics", "job-2", "ref-9", 0, 1, "pending", "", "", created)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, family, job_id, ref_id`).
		WithArgs("topics", "job-2", "sub-7").
		WillReturnRows(rows)
	mock.ExpectExec(`UPDATE job_queue`).
		WithArgs(sqlmock.AnyArg(), "sub-7").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	sub, err := q.ClaimSubtask(context.Background(), "topics", "job-2", "sub-7")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "sub-7", sub.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSubtaskStatus(t *testing.T) {
	q, mock, cleanup := newMockQueue(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE job_queue`).
		WithArgs("failed", "call", "upstream timeout", 1, "sub-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := q.UpdateSubtaskStatus(context.Background(), &Subtask{
		ID:         "sub-1",
		Status:     "failed",
		Stage:      "call",
		Error:      "upstream timeout",
		RetryCount: 1,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSubtaskStatusNil(t *testing.T) {
	q, _, cleanup := newMockQueue(t)
	defer cleanup()

	err := q.UpdateSubtaskStatus(context.Background(), nil)
	require.Error(t, err)
}

func TestCountByStatus(t *testing.T) {
	q, mock, cleanup := newMockQueue(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM job_queue`).
		WithArgs("articles", "job-1", "completed").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))

	n, err := q.CountByStatus(context.Background(), "articles", "job-1", "completed")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
