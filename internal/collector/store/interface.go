// Package store defines the persistence interfaces the collection worker
// uses to upsert normalised repository, user, issue, and comment rows and to
// track per-repository fetch watermarks.
//
//go:generate mockgen -package mockstore -source=interface.go -destination=mock/mockstore.go *
package store

import (
	"context"

	"github.com/mhabedinpour-collector/collector/pkg/domain"
)

// AllStore is a composite interface including every domain-specific storage
// capability the collection engine requires.
type AllStore interface {
	RepositoryStore
	UserStore
	IssueStore
	CommentStore
	WatermarkStore
}

// TxStore is an AllStore bound to a database transaction.
type TxStore interface {
	AllStore

	Commit() error
	Rollback() error
}

// Store is a non-transactional storage handle able to start transactions.
type Store interface {
	AllStore

	Close() error
	Begin(ctx context.Context) (TxStore, error)
	WithTx(ctx context.Context, cb func(store AllStore) error) error
}

// RepositoryStore upserts repository rows.
type RepositoryStore interface {
	// UpsertRepository inserts or updates a repository keyed by its upstream ID.
	UpsertRepository(ctx context.Context, repo domain.Repository) (*domain.Repository, error)
}

// UserStore upserts and soft-deletes user rows.
type UserStore interface {
	// UpsertUser inserts or updates a user keyed by its upstream ID.
	UpsertUser(ctx context.Context, user domain.User) (*domain.User, error)
}

// IssueStore upserts and soft-deletes issue rows, gated by dedupe hash.
type IssueStore interface {
	// UpsertIssueIfChanged inserts the issue, or updates it only when the
	// stored dedupe_hash differs from issue.DedupeHash or the stored row is
	// marked found=false. Returns the row as
	// stored and whether a write actually happened.
	UpsertIssueIfChanged(ctx context.Context, issue domain.Issue) (*domain.Issue, bool, error)
	// MarkIssuesNotFound soft-deletes (found=false) every issue of repositoryID
	// whose number is not in seenNumbers. Used after a full incremental pass to
	// propagate upstream deletions.
	MarkIssuesNotFound(ctx context.Context, repositoryID domain.RepositoryID, seenNumbers []int) error
}

// CommentStore upserts and soft-deletes comment rows, gated by dedupe hash.
type CommentStore interface {
	// UpsertCommentIfChanged inserts the comment, or updates it only when the
	// stored dedupe_hash differs from comment.DedupeHash or the stored row is
	// marked found=false.
	UpsertCommentIfChanged(ctx context.Context, comment domain.Comment) (*domain.Comment, bool, error)
	// MarkCommentsNotFound soft-deletes every comment of issueID whose upstream
	// ID is not in seenIDs.
	MarkCommentsNotFound(ctx context.Context, issueID domain.IssueID, seenIDs []domain.CommentID) error
}

// WatermarkStore tracks the high-water mark of the last successfully
// processed update per repository, used to bound incremental fetches.
type WatermarkStore interface {
	// GetWatermark returns the stored watermark for repoFullName, or
	// domain.Epoch if none has been recorded yet.
	GetWatermark(ctx context.Context, repoFullName string) (domain.Watermark, error)
	// SetWatermark replaces the stored watermark for repoFullName.
	SetWatermark(ctx context.Context, watermark domain.Watermark) error
}
