// Package postgres implements internal/collector/jobstore against
// PostgreSQL, using goqu's SKIP LOCKED support to let multiple worker
// processes claim from collection_jobs without contending on the same rows.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/mhabedinpour-collector/collector/pkg/domain"
	"github.com/mhabedinpour-collector/collector/pkg/logger"
	"github.com/mhabedinpour-collector/collector/pkg/metrics"
)

const jobsTable = "collection_jobs"

// PgSQL implements jobstore.Store against an existing *sql.DB, shared with
// the store package's own PostgreSQL connection.
type PgSQL struct {
	db       *sql.DB
	builder  *goqu.Database
	listener *pq.Listener
}

// New wraps db for job queue operations. db is expected to already be
// pointed at the same database the store package's schema lives in.
func New(db *sql.DB) *PgSQL {
	return &PgSQL{db: db, builder: goqu.Dialect("postgres").DB(db)}
}

// WithNotify starts a PostgreSQL LISTEN on "collection_jobs" using connStr,
// so Notifications() can wake a worker's poll loop immediately on Enqueue
// instead of waiting out the poll interval. It is optional: a worker that
// never calls this still makes progress by polling alone.
func (p *PgSQL) WithNotify(connStr string) {
	p.listener = pq.NewListener(connStr, time.Second, time.Minute, func(event pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn(context.Background(), "jobstore: listener event error", zap.Error(err))
		}
	})

	if err := p.listener.Listen("collection_jobs"); err != nil {
		logger.Warn(context.Background(), "jobstore: could not listen on collection_jobs", zap.Error(err))
		p.listener = nil
	}
}

// Notifications returns the channel that receives a notification each time
// Enqueue is called (for a new job or an existing one), or nil if WithNotify
// was never called.
func (p *PgSQL) Notifications() <-chan *pq.Notification {
	if p.listener == nil {
		return nil
	}

	return p.listener.Notify
}

// Close releases the listener connection, if any.
func (p *PgSQL) Close() error {
	if p.listener != nil {
		return p.listener.Close()
	}

	return nil
}

type pgJob struct {
	ID       int64  `db:"id" goqu:"skipinsert"`
	Owner    string `db:"owner"`
	Name     string `db:"name"`
	Status   string `db:"status"`
	Priority int    `db:"priority"`

	LastAttemptAt   sql.NullTime `db:"last_attempt_at"`
	LastCompletedAt sql.NullTime `db:"last_completed_at"`

	FailureCount int    `db:"failure_count"`
	ErrorMessage string `db:"error_message"`

	CreatedAt time.Time `db:"created_at" goqu:"skipupdate"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (j *pgJob) toDomain() domain.Job {
	return domain.Job{
		ID: domain.JobID(j.ID), Owner: j.Owner, Name: j.Name, Status: domain.JobStatus(j.Status),
		Priority:        j.Priority,
		LastAttemptAt:   j.LastAttemptAt.Time, HasLastAttempt: j.LastAttemptAt.Valid,
		LastCompletedAt: j.LastCompletedAt.Time, HasLastComplete: j.LastCompletedAt.Valid,
		FailureCount: j.FailureCount, ErrorMessage: j.ErrorMessage,
		CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
	}
}

// Enqueue inserts a new pending job for owner/name, or, if one already
// exists, raises its priority to the max of the current and requested
// values. Returns true when a new row was inserted.
func (p *PgSQL) Enqueue(ctx context.Context, owner, name string, priority int) (bool, error) {
	var inserted bool

	// xmax is 0 only on a freshly inserted tuple; ON CONFLICT DO UPDATE also
	// reports one affected row, so RowsAffected cannot tell the two apart.
	if _, err := p.builder.Insert(jobsTable).
		Rows(goqu.Record{
			"owner": owner, "name": name, "status": string(domain.JobStatusPending), "priority": priority,
		}).
		OnConflict(goqu.DoUpdate("owner, name", goqu.Record{
			"priority": goqu.L("GREATEST(? , ?)", goqu.I(jobsTable+".priority"), priority),
		})).
		Returning(goqu.L("(xmax = 0)")).
		Executor().ScanValContext(ctx, &inserted); err != nil {
		return false, fmt.Errorf("could not enqueue job: %w", err)
	}

	if _, notifyErr := p.db.ExecContext(ctx, "NOTIFY collection_jobs"); notifyErr != nil {
		logger.Warn(ctx, "jobstore: could not notify collection_jobs", zap.Error(notifyErr))
	}

	return inserted, nil
}

// Claim selects up to limit claimable jobs FOR UPDATE SKIP LOCKED and marks
// them in_progress within one transaction, so two concurrent callers never
// claim the same row.
func (p *PgSQL) Claim(ctx context.Context, limit int) ([]domain.Job, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("could not begin claim tx: %w", err)
	}

	jobs, err := p.claimTx(ctx, tx, limit)
	if err != nil {
		_ = tx.Rollback()

		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("could not commit claim tx: %w", err)
	}

	return jobs, nil
}

func (p *PgSQL) claimTx(ctx context.Context, tx *sql.Tx, limit int) ([]domain.Job, error) {
	txBuilder := goqu.NewTx("postgres", tx)

	var candidates []pgJob
	if err := txBuilder.From(jobsTable).
		Where(goqu.Or(
			goqu.I("status").Eq(string(domain.JobStatusPending)),
			goqu.I("status").Eq(string(domain.JobStatusFailed)),
		)).
		Order(goqu.I("priority").Desc(), goqu.I("created_at").Asc()).
		Limit(uint(limit)). //nolint:gosec
		ForUpdate(exp.SkipLocked).
		Executor().ScanStructsContext(ctx, &candidates); err != nil {
		return nil, fmt.Errorf("could not select claimable jobs: %w", err)
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]interface{}, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}

	now := time.Now().UTC()
	if _, err := txBuilder.Update(jobsTable).
		Set(goqu.Record{"status": string(domain.JobStatusInProgress), "last_attempt_at": now, "updated_at": now}).
		Where(goqu.I("id").In(ids...)).
		Executor().ExecContext(ctx); err != nil {
		return nil, fmt.Errorf("could not mark jobs in_progress: %w", err)
	}

	jobs := make([]domain.Job, len(candidates))
	for i, c := range candidates {
		j := c.toDomain()
		j.Status = domain.JobStatusInProgress
		j.LastAttemptAt, j.HasLastAttempt = now, true
		jobs[i] = j
	}

	return jobs, nil
}

// Complete marks jobID completed.
func (p *PgSQL) Complete(ctx context.Context, jobID domain.JobID) error {
	now := time.Now().UTC()

	_, err := p.builder.Update(jobsTable).
		Set(goqu.Record{
			"status": string(domain.JobStatusCompleted), "last_completed_at": now, "updated_at": now,
			"error_message": "",
		}).
		Where(goqu.I("id").Eq(int64(jobID))).
		Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("could not complete job: %w", err)
	}

	return nil
}

// Fail records a failed attempt, promoting the job to the terminal error
// state once failure_count reaches maxFailures or terminal is true.
func (p *PgSQL) Fail(ctx context.Context, jobID domain.JobID, errMsg string, terminal bool, maxFailures int) error {
	var current pgJob

	found, err := p.builder.From(jobsTable).
		Where(goqu.I("id").Eq(int64(jobID))).
		Executor().ScanStructContext(ctx, &current)
	if err != nil {
		return fmt.Errorf("could not look up job for failure update: %w", err)
	}

	if !found {
		return errors.New("job not found")
	}

	failures := current.FailureCount + 1

	status := domain.JobStatusFailed
	if terminal || failures >= maxFailures {
		status = domain.JobStatusError
	}

	_, err = p.builder.Update(jobsTable).
		Set(goqu.Record{
			"status": string(status), "failure_count": failures, "error_message": errMsg,
			"updated_at": time.Now().UTC(),
		}).
		Where(goqu.I("id").Eq(int64(jobID))).
		Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("could not record job failure: %w", err)
	}

	return nil
}

// CountByStatus returns the number of jobs per status.
func (p *PgSQL) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	type row struct {
		Status string `db:"status"`
		Count  int64  `db:"count"`
	}

	var rows []row
	if err := p.builder.From(jobsTable).
		Select(goqu.I("status"), goqu.COUNT(goqu.Star()).As("count")).
		GroupBy(goqu.I("status")).
		Executor().ScanStructsContext(ctx, &rows); err != nil {
		return nil, fmt.Errorf("could not count jobs by status: %w", err)
	}

	out := make(map[domain.JobStatus]int, len(rows))
	for _, r := range rows {
		out[domain.JobStatus(r.Status)] = int(r.Count)
		metrics.JobsState.WithLabelValues(r.Status).Set(float64(r.Count))
	}

	return out, nil
}
