// Package worker implements the collection engine: a job-driven loop that
// claims repository-collection jobs from a durable queue and incrementally
// fetches, normalizes, and upserts their issues, comments, and authors.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mhabedinpour-collector/collector/internal/broker/fetcher"
	"github.com/mhabedinpour-collector/collector/internal/collector/jobstore"
	"github.com/mhabedinpour-collector/collector/internal/collector/normalize"
	"github.com/mhabedinpour-collector/collector/internal/collector/store"
	"github.com/mhabedinpour-collector/collector/internal/config"
	"github.com/mhabedinpour-collector/collector/pkg/domain"
	"github.com/mhabedinpour-collector/collector/pkg/logger"
	"github.com/mhabedinpour-collector/collector/pkg/serrors"
)

// userUpserter is the narrow slice of store.Store the author cache needs,
// kept separate so tests can stub it without a full store.Store fake.
type userUpserter interface {
	UpsertUser(ctx context.Context, user domain.User) (*domain.User, error)
}

// Worker claims jobs and runs the collection pipeline against them.
type Worker struct {
	jobs  jobstore.Store
	store store.Store
	fetch *fetcher.Facade
	cfg   config.WorkerConfig
	wake  <-chan struct{}
}

// New constructs a Worker. wake is optional: a channel that, when readable,
// lets Run skip the remainder of a poll sleep (e.g. driven by the job
// store's LISTEN/NOTIFY wiring). A nil wake makes Run poll on a fixed interval only.
func New(jobs jobstore.Store, st store.Store, fetch *fetcher.Facade, cfg config.WorkerConfig, wake <-chan struct{}) *Worker {
	return &Worker{jobs: jobs, store: st, fetch: fetch, cfg: cfg, wake: wake}
}

// Run claims and processes jobs until ctx is cancelled, or, in RunOnce mode,
// until a poll finds nothing to claim.
func (w *Worker) Run(ctx context.Context) error {
	for {
		jobs, err := w.jobs.Claim(ctx, w.cfg.BatchSize)
		if err != nil {
			return err
		}

		if len(jobs) == 0 {
			if w.cfg.RunOnce {
				return nil
			}

			if err := w.sleep(ctx); err != nil {
				return err
			}

			continue
		}

		if err := w.processBatch(ctx, jobs); err != nil {
			return err
		}
	}
}

func (w *Worker) sleep(ctx context.Context) error {
	timer := time.NewTimer(time.Duration(w.cfg.PollIntervalMS) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case <-w.wake:
		return nil
	}
}

func (w *Worker) processBatch(ctx context.Context, jobs []domain.Job) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(w.cfg.Concurrency)

	for _, job := range jobs {
		group.Go(func() error {
			w.processOne(groupCtx, job)

			return nil
		})
	}

	return group.Wait() //nolint:wrapcheck
}

func (w *Worker) processOne(ctx context.Context, job domain.Job) {
	if err := w.collect(ctx, job); err != nil {
		logger.Warn(ctx, "collection job failed",
			zap.String("owner", job.Owner), zap.String("name", job.Name), zap.Error(err))

		terminal := isTerminalFailure(err)
		if failErr := w.jobs.Fail(ctx, job.ID, err.Error(), terminal, w.cfg.MaxFailures); failErr != nil {
			logger.Error(ctx, "could not record job failure", zap.Error(failErr))
		}

		return
	}

	if err := w.jobs.Complete(ctx, job.ID); err != nil {
		logger.Error(ctx, "could not mark job complete", zap.Error(err))
	}
}

// collect runs one job's full fetch-normalize-upsert pipeline.
func (w *Worker) collect(ctx context.Context, job domain.Job) error {
	repoPayload, err := w.fetch.GetRepository(ctx, job.Owner, job.Name)
	if err != nil {
		return err
	}

	repo, err := w.store.UpsertRepository(ctx, domain.Repository{
		ID: domain.RepositoryID(repoPayload.ID), FullName: repoPayload.FullName, IsFork: repoPayload.Fork,
		CreatedAt: repoPayload.CreatedAt, PushedAt: repoPayload.PushedAt, Raw: repoPayload.Raw,
	})
	if err != nil {
		return err
	}

	watermark, err := w.store.GetWatermark(ctx, repo.FullName)
	if err != nil {
		return err
	}

	newWatermark := watermark.LastUpdated
	authors := newAuthorCache()

	seenNumbers, err := w.fetch.ListIssues(ctx, job.Owner, job.Name, watermark.LastUpdated, func(p fetcher.IssuePayload) error {
		issue, err := w.upsertIssue(ctx, repo.ID, p, authors)
		if err != nil {
			return err
		}

		if p.UpdatedAt.After(newWatermark) {
			newWatermark = p.UpdatedAt
		}

		if p.Comments == 0 {
			return nil
		}

		return w.collectComments(ctx, issue.ID, job.Owner, job.Name, p.Number, authors)
	})
	if err != nil {
		return err
	}

	// ListIssues enumerates every issue currently in the repository on every
	// run (not just the ones touched since watermark), so this reconciles
	// removed/hidden issues on every fetch, the same way MarkCommentsNotFound
	// reconciles comments every time an issue's thread is re-listed.
	if err := w.store.MarkIssuesNotFound(ctx, repo.ID, seenNumbers); err != nil {
		return err
	}

	if newWatermark.After(watermark.LastUpdated) {
		if err := w.store.SetWatermark(ctx, domain.Watermark{RepoFullName: repo.FullName, LastUpdated: newWatermark}); err != nil {
			return err
		}
	}

	return nil
}

func (w *Worker) upsertIssue(
	ctx context.Context,
	repoID domain.RepositoryID,
	p fetcher.IssuePayload,
	authors *authorCache,
) (*domain.Issue, error) {
	issue := domain.Issue{
		ID: domain.IssueID(p.ID), RepositoryID: repoID, Number: p.Number,
		IsPullRequest: p.IsPullRequest(), State: p.State, Title: p.Title, Body: normalize.Body(p.Body),
		CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt, CommentsN: p.Comments, Found: true,
		Raw: p.Raw,
	}

	if p.ClosedAt != nil {
		issue.ClosedAt = *p.ClosedAt
	}

	var authorLogin string

	if p.User != nil {
		author, err := authors.resolve(ctx, w.fetch, w.store, *p.User)
		if err != nil {
			return nil, err
		}

		issue.AuthorID, issue.HasAuthor = author.ID, true
		authorLogin = author.Login
	}

	issue.DedupeHash = normalize.DedupeHash(authorLogin, issue.Body)

	out, _, err := w.store.UpsertIssueIfChanged(ctx, issue)
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (w *Worker) collectComments(
	ctx context.Context, issueID domain.IssueID, owner, name string, number int, authors *authorCache,
) error {
	var seenIDs []domain.CommentID

	err := w.fetch.ListComments(ctx, owner, name, number, func(p fetcher.CommentPayload) error {
		comment := domain.Comment{
			ID: domain.CommentID(p.ID), IssueID: issueID, Body: normalize.Body(p.Body),
			CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt, Found: true, Raw: p.Raw,
		}

		var authorLogin string

		if p.User != nil {
			author, err := authors.resolve(ctx, w.fetch, w.store, *p.User)
			if err != nil {
				return err
			}

			comment.AuthorID, comment.HasAuthor = author.ID, true
			authorLogin = author.Login
		}

		comment.DedupeHash = normalize.DedupeHash(authorLogin, comment.Body)

		if _, _, err := w.store.UpsertCommentIfChanged(ctx, comment); err != nil {
			return err
		}

		seenIDs = append(seenIDs, comment.ID)

		return nil
	})
	if err != nil {
		return err
	}

	return w.store.MarkCommentsNotFound(ctx, issueID, seenIDs)
}

// isNotFound reports whether err is the serrors.ErrNotFound kind, regardless
// of how deeply it is wrapped.
func isNotFound(err error) bool {
	return errors.Is(err, serrors.ErrNotFound)
}

// isTerminalFailure reports whether a collection error should send a job
// straight to the error state instead of being retried: the repository
// disappeared, or the upstream rejected the request itself (contract
// violation or a permanently revoked credential), none of which a later
// attempt against the same job can fix.
func isTerminalFailure(err error) bool {
	return isNotFound(err) ||
		errors.Is(err, serrors.ErrContract) ||
		errors.Is(err, serrors.ErrAuth) ||
		errors.Is(err, serrors.ErrBadRequest)
}
