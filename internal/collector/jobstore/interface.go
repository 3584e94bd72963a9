// Package jobstore defines the durable job queue the collection worker
// claims repository-collection jobs from. Claim semantics rely on
// SELECT ... FOR UPDATE SKIP LOCKED so multiple worker processes can poll
// the same table without claim races.
//
//go:generate mockgen -package mockjobstore -source=interface.go -destination=mock/mockjobstore.go *
package jobstore

import (
	"context"

	"github.com/mhabedinpour-collector/collector/pkg/domain"
)

// Store is a durable job queue backed by a relational substrate.
type Store interface {
	// Enqueue inserts a new pending job for owner/name, or, if a job for
	// that (owner, name) pair already exists, raises its priority to the
	// max of the current and requested values. Returns true if a new row
	// was inserted.
	Enqueue(ctx context.Context, owner, name string, priority int) (bool, error)
	// Claim atomically selects up to limit pending or previously-failed jobs
	// (FOR UPDATE SKIP LOCKED), marks them in_progress, and returns them
	// ordered by priority descending then creation order.
	Claim(ctx context.Context, limit int) ([]domain.Job, error)
	// Complete marks jobID completed and records last_completed_at.
	Complete(ctx context.Context, jobID domain.JobID) error
	// Fail records a failed attempt: increments failure_count, stores
	// errMsg, and sets status to failed, or to the terminal error state
	// (requiring operator intervention) once either failure_count reaches
	// maxFailures or terminal is true. terminal short-circuits the retry
	// budget for failures no further attempt could resolve, e.g. the
	// repository disappearing upstream or a rejected request shape.
	Fail(ctx context.Context, jobID domain.JobID, errMsg string, terminal bool, maxFailures int) error
	// CountByStatus returns the number of jobs in each status, used to
	// publish the jobs_state gauge.
	CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error)
	// Close releases any resources (e.g. a LISTEN connection) held by the store.
	Close() error
}
