// Package domain defines entity types shared by the job pipeline, the
// storage backends and the HTTP gateway.
package domain

import (
	"time"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	// JobRejected means validation refused the request and nothing ran.
	JobRejected JobStatus = "rejected"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobRejected:
		return true
	}
	return false
}

// Job is the persisted record of one engine invocation.
// Argv is the validated token vector; it stays empty for rejected jobs.
type Job struct {
	ID            string
	Command       string
	Argv          []string
	Status        JobStatus
	ExitCode      int
	FailureReason string
	// Error holds the rejection message or the capped stderr summary.
	Error      string
	Elapsed    time.Duration
	Backend    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt *time.Time
}
