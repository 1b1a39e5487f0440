package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkfeather/inkfeather/internal/db"
)

func newTestReconciler(t *testing.T) (*Reconciler, sqlmock.Sqlmock, func()) {
	t.Helper()
	mockDB, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	r := NewReconciler(db.NewDbQueue(mockDB))
	return r, sqlMock, func() { mockDB.Close() }
}

// reconcileJobRow builds a jobs row with full control over the counters,
// status map, input refs and updated_at that the repair logic keys off.
func reconcileJobRow(id, family string, status JobStatus, total, completed, failed int,
	statuses, refs string, updatedAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(jobColumns).AddRow(
		id, family+"-"+id, family, "", nil, total, completed, failed,
		completed, []byte(statuses), []byte(refs), string(status), "",
		nil, updatedAt, updatedAt,
	)
}

func queueStateRows(pairs ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "status"})
	for i := 0; i+1 < len(pairs); i += 2 {
		rows.AddRow(pairs[i], pairs[i+1])
	}
	return rows
}

// A job that claims 3 of 6 subtasks done while the queue rows show all 6
// terminal must have its counters rebuilt and be finalized as failed.
func TestReconcileJobRepairsCountersAndFinalizes(t *testing.T) {
	r, sqlMock, cleanup := newTestReconciler(t)
	defer cleanup()

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(`SELECT id, handle, family`).
		WillReturnRows(reconcileJobRow("job-1", "articles", JobStatusProcessing,
			6, 3, 0, `{}`, `[]`, time.Now()))

	// Not stale, nothing hanging, nothing duplicated
	sqlMock.ExpectExec(`UPDATE job_queue q`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	sqlMock.ExpectExec(`UPDATE job_queue`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	sqlMock.ExpectQuery(`SELECT id, status FROM job_queue`).
		WillReturnRows(queueStateRows(
			"q1", "completed", "q2", "completed", "q3", "completed",
			"q4", "completed", "q5", "completed", "q6", "failed",
		))
	sqlMock.ExpectExec(`UPDATE jobs`).
		WithArgs(6, 5, 1, 5, sqlmock.AnyArg(), "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	// All subtasks terminal with one failure: the job finalizes as failed
	sqlMock.ExpectExec(`UPDATE jobs`).
		WithArgs("failed", "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	sqlMock.ExpectCommit()

	report := &ReconcileReport{}
	require.NoError(t, r.reconcileJob(context.Background(), "job-1", report))
	assert.Equal(t, 1, report.CountsRepaired)
	assert.Equal(t, 1, report.Finalized)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestReconcileJobLeavesTerminalJobAlone(t *testing.T) {
	r, sqlMock, cleanup := newTestReconciler(t)
	defer cleanup()

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(`SELECT id, handle, family`).
		WillReturnRows(reconcileJobRow("job-1", "articles", JobStatusCompleted,
			2, 2, 0, `{}`, `[]`, time.Now().Add(-24*time.Hour)))
	sqlMock.ExpectCommit()

	report := &ReconcileReport{}
	require.NoError(t, r.reconcileJob(context.Background(), "job-1", report))
	assert.Zero(t, report.Total())
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

// A processing job untouched past the staleness threshold goes back to
// pending along with its in-flight rows, none of them marked failed.
func TestReconcileJobResetsStaleJob(t *testing.T) {
	r, sqlMock, cleanup := newTestReconciler(t)
	defer cleanup()

	stale := time.Now().Add(-JobStaleTimeout - 10*time.Minute)

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(`SELECT id, handle, family`).
		WillReturnRows(reconcileJobRow("job-1", "articles", JobStatusProcessing,
			2, 0, 0, `{"q1":"pending","q2":"pending"}`, `[]`, stale))

	sqlMock.ExpectExec(`UPDATE job_queue`).
		WithArgs("job-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	sqlMock.ExpectExec(`UPDATE jobs SET status`).
		WithArgs("pending", "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sqlMock.ExpectExec(`UPDATE job_queue q`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	sqlMock.ExpectExec(`UPDATE job_queue`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	// Counters already agree with the queue rows
	sqlMock.ExpectQuery(`SELECT id, status FROM job_queue`).
		WillReturnRows(queueStateRows("q1", "pending", "q2", "pending"))
	sqlMock.ExpectCommit()

	report := &ReconcileReport{}
	require.NoError(t, r.reconcileJob(context.Background(), "job-1", report))
	assert.Equal(t, 1, report.StaleReset)
	assert.Zero(t, report.HangingFailed)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

// A row stuck in processing past the hanging threshold is failed with a
// timeout diagnostic and the job is returned to pending.
func TestReconcileJobFailsHangingSubtask(t *testing.T) {
	r, sqlMock, cleanup := newTestReconciler(t)
	defer cleanup()

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(`SELECT id, handle, family`).
		WillReturnRows(reconcileJobRow("job-1", "articles", JobStatusProcessing,
			2, 0, 0, `{"q1":"processing","q2":"pending"}`, `[]`, time.Now()))

	sqlMock.ExpectExec(`UPDATE job_queue q`).
		WithArgs("processing timed out after "+HangingSubtaskTimeout.String(),
			"job-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	sqlMock.ExpectExec(`UPDATE jobs SET status`).
		WithArgs("pending", "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sqlMock.ExpectExec(`UPDATE job_queue`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	sqlMock.ExpectQuery(`SELECT id, status FROM job_queue`).
		WillReturnRows(queueStateRows("q1", "failed", "q2", "pending"))
	sqlMock.ExpectExec(`UPDATE jobs`).
		WithArgs(2, 0, 1, 0, sqlmock.AnyArg(), "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	sqlMock.ExpectCommit()

	report := &ReconcileReport{}
	require.NoError(t, r.reconcileJob(context.Background(), "job-1", report))
	assert.Equal(t, 1, report.HangingFailed)
	assert.Equal(t, 1, report.CountsRepaired)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

// A reference declared on the job but missing from the queue is re-inserted
// as a fresh pending row.
func TestReconcileJobInsertsMissingSubtask(t *testing.T) {
	r, sqlMock, cleanup := newTestReconciler(t)
	defer cleanup()

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(`SELECT id, handle, family`).
		WillReturnRows(reconcileJobRow("job-1", "articles", JobStatusPending,
			2, 0, 0, `{"q1":"pending"}`, `["r1","r2"]`, time.Now()))

	sqlMock.ExpectExec(`UPDATE job_queue q`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	sqlMock.ExpectExec(`UPDATE job_queue`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	sqlMock.ExpectQuery(`SELECT ref_id FROM job_queue`).
		WithArgs("articles", "job-1").
		WillReturnRows(sqlmock.NewRows([]string{"ref_id"}).AddRow("r1"))
	sqlMock.ExpectExec(`INSERT INTO job_queue`).
		WithArgs(sqlmock.AnyArg(), "articles", "job-1", "r2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	// The new row's generated id lands in the rebuilt status map
	sqlMock.ExpectQuery(`SELECT id, status FROM job_queue`).
		WillReturnRows(queueStateRows("q1", "pending", "q2", "pending"))
	sqlMock.ExpectExec(`UPDATE jobs`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	sqlMock.ExpectCommit()

	report := &ReconcileReport{}
	require.NoError(t, r.reconcileJob(context.Background(), "job-1", report))
	assert.Equal(t, 1, report.MissingInserted)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

// A mid-run job in the exact shape the dispatcher leaves behind after one
// success and one failure must pass through untouched: the position cursor
// counts successes only, so it is not a counter discrepancy.
func TestReconcileJobLeavesHealthyMidRunJobAlone(t *testing.T) {
	r, sqlMock, cleanup := newTestReconciler(t)
	defer cleanup()

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(`SELECT id, handle, family`).
		WillReturnRows(reconcileJobRow("job-1", "articles", JobStatusPending,
			3, 1, 1, `{"q1":"completed","q2":"failed","q3":"pending"}`, `[]`, time.Now()))

	sqlMock.ExpectExec(`UPDATE job_queue q`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	sqlMock.ExpectExec(`UPDATE job_queue`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	// No counter rewrite may follow: the rows agree with the job
	sqlMock.ExpectQuery(`SELECT id, status FROM job_queue`).
		WillReturnRows(queueStateRows("q1", "completed", "q2", "failed", "q3", "pending"))
	sqlMock.ExpectCommit()

	report := &ReconcileReport{}
	require.NoError(t, r.reconcileJob(context.Background(), "job-1", report))
	assert.Zero(t, report.CountsRepaired)
	assert.Zero(t, report.Total())
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

// Two rows in processing violate the single-flight rule; the newer claim
// goes back to pending and is reported as a duplicate reset, not a
// counter repair.
func TestReconcileJobResetsDuplicateInFlight(t *testing.T) {
	r, sqlMock, cleanup := newTestReconciler(t)
	defer cleanup()

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(`SELECT id, handle, family`).
		WillReturnRows(reconcileJobRow("job-1", "articles", JobStatusProcessing,
			2, 0, 0, `{"q1":"processing","q2":"pending"}`, `[]`, time.Now()))

	sqlMock.ExpectExec(`UPDATE job_queue q`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	sqlMock.ExpectExec(`UPDATE job_queue`).
		WithArgs("job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sqlMock.ExpectQuery(`SELECT id, status FROM job_queue`).
		WillReturnRows(queueStateRows("q1", "processing", "q2", "pending"))
	sqlMock.ExpectCommit()

	report := &ReconcileReport{}
	require.NoError(t, r.reconcileJob(context.Background(), "job-1", report))
	assert.Equal(t, 1, report.DuplicatesReset)
	assert.Zero(t, report.CountsRepaired)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

// Orphan cleanup only touches non-terminal rows; completed and failed
// rows of deleted jobs are preserved.
func TestRemoveOrphans(t *testing.T) {
	r, sqlMock, cleanup := newTestReconciler(t)
	defer cleanup()

	sqlMock.ExpectBegin()
	sqlMock.ExpectExec(`DELETE FROM job_queue q`).
		WillReturnResult(sqlmock.NewResult(0, 3))
	sqlMock.ExpectCommit()

	report := &ReconcileReport{}
	require.NoError(t, r.removeOrphans(context.Background(), report))
	assert.Equal(t, 3, report.OrphansRemoved)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

// Cross-family collisions are counted and reported, never repaired: the
// pass issues no write for them.
func TestDetectCollisionsReportsOnly(t *testing.T) {
	r, sqlMock, cleanup := newTestReconciler(t)
	defer cleanup()

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(`SELECT ref_id, COUNT\(DISTINCT family\)`).
		WillReturnRows(sqlmock.NewRows([]string{"ref_id", "count"}).
			AddRow("topic-9", 2))
	sqlMock.ExpectCommit()

	report := &ReconcileReport{}
	require.NoError(t, r.detectCollisions(context.Background(), report))
	assert.Equal(t, 1, report.Collisions)
	assert.Zero(t, report.Total())
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestRunWithNothingToRepair(t *testing.T) {
	r, sqlMock, cleanup := newTestReconciler(t)
	defer cleanup()

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(`SELECT id FROM jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	sqlMock.ExpectCommit()

	sqlMock.ExpectBegin()
	sqlMock.ExpectExec(`DELETE FROM job_queue q`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	sqlMock.ExpectCommit()

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(`SELECT ref_id, COUNT\(DISTINCT family\)`).
		WillReturnRows(sqlmock.NewRows([]string{"ref_id", "count"}))
	sqlMock.ExpectCommit()

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Total())
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}
