// Package automation implements the Automation Queue: a durable
// queued->running->{done,failed}->cooldown? job store for repair, refresh,
// and deficit-rediscovery work, with a dedupe key, an audited transition
// log, and a per-domain backoff consult before dispatch.
package automation

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spec-harvester/convergence/internal/frontier"
	"github.com/spec-harvester/convergence/internal/logging"
	"github.com/spec-harvester/convergence/internal/store"
	"github.com/spec-harvester/convergence/internal/types"
)

// maxAttempts is the TTL proxy for a job: once a job has failed this many
// times it is marked failed outright instead of being requeued again.
const maxAttempts = 5

// Queue is the Automation Queue's single entry point, backed by the shared
// store.
type Queue struct {
	db *store.DB
	uf *frontier.Frontier
}

// New wraps a shared store.DB. uf may be nil, in which case Dequeue skips
// the domain backoff consult.
func New(db *store.DB, uf *frontier.Frontier) *Queue {
	return &Queue{db: db, uf: uf}
}

func dedupeKey(identityFingerprint string, jobType types.JobType, scope string) string {
	return fmt.Sprintf("%s\x00%s\x00%s", identityFingerprint, jobType, scope)
}

// Enqueue inserts a new job, or no-ops if a job with the same dedupe key is
// already queued or running. A job whose prior run ended in done, failed,
// or cooldown is reset to queued and its attempt counter cleared, so a
// fresh repair/refresh/rediscovery signal always gets a turn.
func (q *Queue) Enqueue(jobType types.JobType, identityFingerprint, scope string, payload map[string]string, priority int, domain string) (string, error) {
	key := dedupeKey(identityFingerprint, jobType, scope)
	now := types.Now()

	var existingID, existingStatus string
	row := q.db.Conn.QueryRow(`SELECT job_id, status FROM automation_jobs WHERE dedupe_key = ?`, key)
	switch err := row.Scan(&existingID, &existingStatus); err {
	case nil:
		if existingStatus == string(types.JobQueued) || existingStatus == string(types.JobRunning) {
			return existingID, nil
		}
		if _, err := q.db.Conn.Exec(
			`UPDATE automation_jobs SET status = ?, attempts = 0, last_error = '', next_run_at = ? WHERE job_id = ?`,
			string(types.JobQueued), now.Unix(), existingID); err != nil {
			return "", err
		}
		if err := q.appendAction(existingID, "automation", types.JobStatus(existingStatus), types.JobQueued, "re-enqueued"); err != nil {
			return "", err
		}
		return existingID, nil
	case sql.ErrNoRows:
	default:
		return "", err
	}

	jobID := uuid.NewString()
	payloadJSON, err := encodePayload(payload, domain)
	if err != nil {
		return "", err
	}
	if _, err := q.db.Conn.Exec(`
		INSERT INTO automation_jobs (job_id, job_type, dedupe_key, priority, status, payload, next_run_at, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, '')`,
		jobID, string(jobType), key, priority, string(types.JobQueued), payloadJSON, now.Unix()); err != nil {
		return "", err
	}
	if err := q.appendAction(jobID, "automation", "", types.JobQueued, "enqueued"); err != nil {
		return "", err
	}
	logging.Get(logging.CategoryAutomation).Info("enqueued %s job %s scope=%s", jobType, jobID, scope)
	return jobID, nil
}

// Dequeue claims the highest-priority, earliest-due queued job whose domain
// (if any) is not currently blocked or backing off, marks it running, and
// returns it. ok is false when no eligible job exists right now.
func (q *Queue) Dequeue() (job types.QueueJob, ok bool, err error) {
	now := types.Now()
	rows, err := q.db.Conn.Query(`
		SELECT job_id, job_type, dedupe_key, priority, status, payload, next_run_at, attempts, last_error
		FROM automation_jobs
		WHERE status = ? AND next_run_at <= ?
		ORDER BY priority DESC, next_run_at ASC`,
		string(types.JobQueued), now.Unix())
	if err != nil {
		return types.QueueJob{}, false, err
	}
	defer rows.Close()

	var candidates []types.QueueJob
	for rows.Next() {
		j, domain, scanErr := scanJob(rows)
		if scanErr != nil {
			return types.QueueJob{}, false, scanErr
		}
		if j.Attempts >= maxAttempts {
			if err := q.failOut(j.JobID, "max_attempts_exceeded"); err != nil {
				return types.QueueJob{}, false, err
			}
			continue
		}
		if q.domainBacking(domain) {
			continue
		}
		candidates = append(candidates, j)
	}
	if err := rows.Err(); err != nil {
		return types.QueueJob{}, false, err
	}
	if len(candidates) == 0 {
		return types.QueueJob{}, false, nil
	}

	chosen := candidates[0]
	if _, err := q.db.Conn.Exec(`UPDATE automation_jobs SET status = ? WHERE job_id = ?`,
		string(types.JobRunning), chosen.JobID); err != nil {
		return types.QueueJob{}, false, err
	}
	if err := q.appendAction(chosen.JobID, "worker", types.JobQueued, types.JobRunning, "dequeued"); err != nil {
		return types.QueueJob{}, false, err
	}
	chosen.Status = types.JobRunning
	return chosen, true, nil
}

func (q *Queue) domainBacking(domain string) bool {
	if q.uf == nil || domain == "" {
		return false
	}
	health, err := q.uf.DomainHealth(domain)
	if err != nil {
		return false
	}
	return health.BudgetState == types.HostBlocked || health.BudgetState == types.HostBackoff
}

// Complete records the outcome of a running job. A successful completion
// with requeueAfter > 0 moves to cooldown and schedules the next run (used
// by refresh jobs on a TTL cycle); a successful completion with
// requeueAfter == 0 moves to done. A failed completion increments the
// attempt counter and either retries with backoff or, past maxAttempts,
// fails outright.
func (q *Queue) Complete(jobID string, success bool, reason string, requeueAfter time.Duration) error {
	now := types.Now()
	if success {
		status := types.JobDone
		nextRunAt := now.Unix()
		if requeueAfter > 0 {
			status = types.JobCooldown
			nextRunAt = now.Add(requeueAfter).Unix()
		}
		if _, err := q.db.Conn.Exec(`UPDATE automation_jobs SET status = ?, next_run_at = ?, last_error = '' WHERE job_id = ?`,
			string(status), nextRunAt, jobID); err != nil {
			return err
		}
		return q.appendAction(jobID, "worker", types.JobRunning, status, reason)
	}

	var attempts int
	if err := q.db.Conn.QueryRow(`SELECT attempts FROM automation_jobs WHERE job_id = ?`, jobID).Scan(&attempts); err != nil {
		return err
	}
	attempts++
	status := types.JobQueued
	nextRunAt := now.Add(backoff(attempts)).Unix()
	if attempts >= maxAttempts {
		status = types.JobFailed
		nextRunAt = now.Unix()
	}
	if _, err := q.db.Conn.Exec(`UPDATE automation_jobs SET status = ?, attempts = ?, next_run_at = ?, last_error = ? WHERE job_id = ?`,
		string(status), attempts, nextRunAt, reason, jobID); err != nil {
		return err
	}
	return q.appendAction(jobID, "worker", types.JobRunning, status, reason)
}

func (q *Queue) failOut(jobID, reason string) error {
	if _, err := q.db.Conn.Exec(`UPDATE automation_jobs SET status = ?, last_error = ? WHERE job_id = ?`,
		string(types.JobFailed), reason, jobID); err != nil {
		return err
	}
	return q.appendAction(jobID, "automation", types.JobQueued, types.JobFailed, reason)
}

func (q *Queue) appendAction(jobID, actor string, from, to types.JobStatus, reason string) error {
	_, err := q.db.Conn.Exec(`
		INSERT INTO automation_actions (job_id, actor, from_status, to_status, reason, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		jobID, actor, string(from), string(to), reason, types.Now().Unix())
	return err
}

// backoff returns an exponential delay capped at one hour, keyed by attempt
// count (1-indexed).
func backoff(attempts int) time.Duration {
	d := time.Duration(1<<uint(attempts)) * time.Second
	if d > time.Hour {
		return time.Hour
	}
	return d
}

// encodePayload folds domain into the payload map under a reserved key so
// Dequeue can recover it for the backoff consult without a separate column.
func encodePayload(payload map[string]string, domain string) (string, error) {
	merged := make(map[string]string, len(payload)+1)
	for k, v := range payload {
		merged[k] = v
	}
	if domain != "" {
		merged["__domain"] = domain
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodePayload(payloadJSON string) (map[string]string, string, error) {
	merged := map[string]string{}
	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &merged); err != nil {
			return nil, "", err
		}
	}
	domain := merged["__domain"]
	delete(merged, "__domain")
	return merged, domain, nil
}

func scanJob(rows *sql.Rows) (types.QueueJob, string, error) {
	var j types.QueueJob
	var jobType, status, payloadJSON string
	var nextRunAt int64
	if err := rows.Scan(&j.JobID, &jobType, &j.DedupeKey, &j.Priority, &status, &payloadJSON, &nextRunAt, &j.Attempts, &j.LastError); err != nil {
		return types.QueueJob{}, "", err
	}
	j.Type = types.JobType(jobType)
	j.Status = types.JobStatus(status)
	j.NextRunAt = time.Unix(nextRunAt, 0)
	payload, domain, err := decodePayload(payloadJSON)
	if err != nil {
		return types.QueueJob{}, "", err
	}
	j.Payload = payload
	return j, domain, nil
}
