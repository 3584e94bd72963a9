package domain

import "time"

// JobStatus is the lifecycle state of a collection job. Failed is
// transient and retryable; Error is terminal.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusError      JobStatus = "error"
)

// JobID is the durable identifier of a collection job row.
type JobID int64

// Job is a durable collection-job record. Uniqueness is on (Owner, Name).
type Job struct {
	ID     JobID
	Owner  string
	Name   string
	Status JobStatus

	Priority int

	LastAttemptAt   time.Time
	HasLastAttempt  bool
	LastCompletedAt time.Time
	HasLastComplete bool

	FailureCount int
	ErrorMessage string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FullName returns the "owner/name" form used to key watermarks and
// repository rows.
func (j Job) FullName() string {
	return j.Owner + "/" + j.Name
}
