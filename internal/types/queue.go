package types

import "time"

// JobType enumerates the Automation Queue's job kinds.
type JobType string

const (
	JobRepairSearch       JobType = "repair_search"
	JobRefresh            JobType = "refresh"
	JobDeficitRediscovery JobType = "deficit_rediscovery"
)

// JobStatus is the Automation Queue's strict state machine:
// queued -> running -> {done, failed} -> cooldown?
type JobStatus string

const (
	JobQueued   JobStatus = "queued"
	JobRunning  JobStatus = "running"
	JobDone     JobStatus = "done"
	JobFailed   JobStatus = "failed"
	JobCooldown JobStatus = "cooldown"
)

// QueueJob is one durable automation job.
type QueueJob struct {
	JobID      string            `json:"job_id"`
	Type       JobType           `json:"type"`
	DedupeKey  string            `json:"dedupe_key"`
	Priority   int               `json:"priority"`
	Status     JobStatus         `json:"status"`
	Payload    map[string]string `json:"payload"`
	NextRunAt  time.Time         `json:"next_run_at"`
	Attempts   int               `json:"attempts"`
	LastError  string            `json:"last_error,omitempty"`
}

// QueueAction is one audited state transition of a QueueJob.
type QueueAction struct {
	JobID  string    `json:"job_id"`
	Actor  string    `json:"actor"`
	From   JobStatus `json:"from"`
	To     JobStatus `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}
