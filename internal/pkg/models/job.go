package models

import "time"

// Job states reported by JobResult.Status.
const (
	JobPending = "pending"
	JobDone    = "done"
	JobFailed  = "failed"
)

// An asynchronous duplicate check waiting in the job queue.
type Job struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	Source      string    `json:"source,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Outcome of a job. Result is set when Status is done, Error when it failed.
type JobResult struct {
	JobID       string       `json:"job_id"`
	Status      string       `json:"status"`
	Source      string       `json:"source,omitempty"`
	Result      *CheckResult `json:"result,omitempty"`
	Error       string       `json:"error,omitempty"`
	CompletedAt time.Time    `json:"completed_at,omitempty"`
}
