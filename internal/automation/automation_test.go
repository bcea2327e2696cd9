package automation

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spec-harvester/convergence/internal/frontier"
	"github.com/spec-harvester/convergence/internal/store"
	"github.com/spec-harvester/convergence/internal/types"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "test.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEnqueueThenDequeueRunsJob(t *testing.T) {
	db := openTestDB(t)
	q := New(db, frontier.New(db))

	jobID, err := q.Enqueue(types.JobRefresh, "fp1", "doc1", map[string]string{"doc_id": "doc1"}, 5, "example.com")
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job, ok, err := q.Dequeue()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, jobID, job.JobID)
	require.Equal(t, types.JobRunning, job.Status)
	require.Equal(t, "doc1", job.Payload["doc_id"])
}

func TestEnqueueIsIdempotentWhileQueued(t *testing.T) {
	db := openTestDB(t)
	q := New(db, nil)

	id1, err := q.Enqueue(types.JobRepairSearch, "fp1", "field_a", nil, 1, "")
	require.NoError(t, err)
	id2, err := q.Enqueue(types.JobRepairSearch, "fp1", "field_a", nil, 1, "")
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestDequeueSkipsJobsOnBlockedDomain(t *testing.T) {
	db := openTestDB(t)
	uf := frontier.New(db)
	q := New(db, uf)

	for i := 0; i < 5; i++ {
		require.NoError(t, uf.RecordFetch("https://blocked.example/x", false, true, time.Hour))
	}

	_, err := q.Enqueue(types.JobRefresh, "fp1", "doc1", nil, 0, "blocked.example")
	require.NoError(t, err)

	_, ok, err := q.Dequeue()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompleteSuccessMarksDone(t *testing.T) {
	db := openTestDB(t)
	q := New(db, nil)

	jobID, err := q.Enqueue(types.JobDeficitRediscovery, "fp1", "field_a", nil, 0, "")
	require.NoError(t, err)
	_, _, err = q.Dequeue()
	require.NoError(t, err)

	require.NoError(t, q.Complete(jobID, true, "evidence_found", 0))

	var status string
	require.NoError(t, db.Conn.QueryRow(`SELECT status FROM automation_jobs WHERE job_id = ?`, jobID).Scan(&status))
	require.Equal(t, string(types.JobDone), status)
}

func TestCompleteFailureRetriesThenFailsAfterMaxAttempts(t *testing.T) {
	db := openTestDB(t)
	q := New(db, nil)

	jobID, err := q.Enqueue(types.JobRepairSearch, "fp1", "field_a", nil, 0, "")
	require.NoError(t, err)

	for i := 0; i < maxAttempts; i++ {
		_, _, derr := q.Dequeue()
		require.NoError(t, derr)
		require.NoError(t, q.Complete(jobID, false, "transient_error", 0))
		if i < maxAttempts-1 {
			_, err := db.Conn.Exec(`UPDATE automation_jobs SET next_run_at = 0 WHERE job_id = ?`, jobID)
			require.NoError(t, err)
		}
	}

	var status string
	require.NoError(t, db.Conn.QueryRow(`SELECT status FROM automation_jobs WHERE job_id = ?`, jobID).Scan(&status))
	require.Equal(t, string(types.JobFailed), status)
}

func TestAuditLogRecordsEveryTransition(t *testing.T) {
	db := openTestDB(t)
	q := New(db, nil)

	jobID, err := q.Enqueue(types.JobRefresh, "fp1", "doc1", nil, 0, "")
	require.NoError(t, err)
	_, _, err = q.Dequeue()
	require.NoError(t, err)
	require.NoError(t, q.Complete(jobID, true, "ok", 0))

	var count int
	require.NoError(t, db.Conn.QueryRow(`SELECT COUNT(*) FROM automation_actions WHERE job_id = ?`, jobID).Scan(&count))
	require.GreaterOrEqual(t, count, 3)
}
