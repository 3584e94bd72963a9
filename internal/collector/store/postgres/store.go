package postgres

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/mhabedinpour-collector/collector/pkg/domain"
	"github.com/mhabedinpour-collector/collector/pkg/serrors"
)

const (
	repositoriesTable = "repositories"
	usersTable        = "users"
	issuesTable       = "issues"
	commentsTable     = "comments"
	watermarksTable   = "collector_watermarks"
)

// UpsertRepository inserts or replaces the repository row keyed by id.
func (p *PgSQL) UpsertRepository(ctx context.Context, repo domain.Repository) (*domain.Repository, error) {
	if !domain.FullNamePattern.MatchString(repo.FullName) {
		return nil, serrors.With(serrors.ErrBadRequest, "full_name %q does not match owner/name", repo.FullName)
	}

	row := pgRepositoryFromDomain(repo)

	var result pgRepository
	if err := p.Builder.Insert(repositoriesTable).
		Rows(row).
		OnConflict(goqu.DoUpdate("id", goqu.Record{
			"full_name": row.FullName, "is_fork": row.IsFork, "pushed_at": row.PushedAt, "raw": row.Raw,
		})).
		Returning(&pgRepository{}).
		Executor().ScanStructContext(ctx, &result); err != nil {
		return nil, fmt.Errorf("could not upsert repository: %w", err)
	}

	out := result.toDomain()

	return &out, nil
}

// UpsertUser inserts or replaces the user row keyed by id.
func (p *PgSQL) UpsertUser(ctx context.Context, user domain.User) (*domain.User, error) {
	row := pgUserFromDomain(user)

	var result pgUser
	if err := p.Builder.Insert(usersTable).
		Rows(row).
		OnConflict(goqu.DoUpdate("id", goqu.Record{
			"login": row.Login, "type": row.Type, "site_admin": row.SiteAdmin, "found": row.Found,
			"followers": row.Followers, "following": row.Following, "public_repos": row.PublicRepos, "raw": row.Raw,
		})).
		Returning(&pgUser{}).
		Executor().ScanStructContext(ctx, &result); err != nil {
		return nil, fmt.Errorf("could not upsert user: %w", err)
	}

	out := result.toDomain()

	return &out, nil
}

// UpsertIssueIfChanged inserts the issue or updates it only when dedupe_hash differs.
func (p *PgSQL) UpsertIssueIfChanged(ctx context.Context, issue domain.Issue) (*domain.Issue, bool, error) {
	row := pgIssueFromDomain(issue)

	var existing pgIssue

	found, err := p.Builder.From(issuesTable).
		Where(goqu.I("id").Eq(row.ID)).
		Executor().ScanStructContext(ctx, &existing)
	if err != nil {
		return nil, false, fmt.Errorf("could not look up existing issue: %w", err)
	}

	if found && existing.DedupeHash == row.DedupeHash && existing.Found {
		result := existing.toDomain()

		return &result, false, nil
	}

	var result pgIssue
	if err := p.Builder.Insert(issuesTable).
		Rows(row).
		OnConflict(goqu.DoUpdate("id", goqu.Record{
			"repository_id": row.RepositoryID, "number": row.Number, "is_pull_request": row.IsPullRequest,
			"state": row.State, "title": row.Title, "body": row.Body, "author_id": row.AuthorID,
			"comments_count": row.CommentsN, "dedupe_hash": row.DedupeHash, "found": row.Found,
			"updated_at": row.UpdatedAt, "closed_at": row.ClosedAt, "raw": row.Raw,
		})).
		Returning(&pgIssue{}).
		Executor().ScanStructContext(ctx, &result); err != nil {
		return nil, false, fmt.Errorf("could not upsert issue: %w", err)
	}

	out := result.toDomain()

	return &out, true, nil
}

// MarkIssuesNotFound soft-deletes issues of repositoryID absent from seenNumbers.
func (p *PgSQL) MarkIssuesNotFound(ctx context.Context, repositoryID domain.RepositoryID, seenNumbers []int) error {
	numbers := make([]interface{}, len(seenNumbers))
	for i, n := range seenNumbers {
		numbers[i] = n
	}

	_, err := p.Builder.Update(issuesTable).
		Set(goqu.Record{"found": false}).
		Where(
			goqu.I("repository_id").Eq(int64(repositoryID)),
			goqu.I("number").NotIn(numbers...),
			goqu.I("found").Eq(true),
		).
		Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("could not mark issues not found: %w", err)
	}

	return nil
}

// UpsertCommentIfChanged inserts the comment or updates it only when dedupe_hash differs.
func (p *PgSQL) UpsertCommentIfChanged(ctx context.Context, comment domain.Comment) (*domain.Comment, bool, error) {
	row := pgCommentFromDomain(comment)

	var existing pgComment

	found, err := p.Builder.From(commentsTable).
		Where(goqu.I("id").Eq(row.ID)).
		Executor().ScanStructContext(ctx, &existing)
	if err != nil {
		return nil, false, fmt.Errorf("could not look up existing comment: %w", err)
	}

	if found && existing.DedupeHash == row.DedupeHash && existing.Found {
		result := existing.toDomain()

		return &result, false, nil
	}

	var result pgComment
	if err := p.Builder.Insert(commentsTable).
		Rows(row).
		OnConflict(goqu.DoUpdate("id", goqu.Record{
			"issue_id": row.IssueID, "author_id": row.AuthorID, "body": row.Body,
			"dedupe_hash": row.DedupeHash, "found": row.Found, "updated_at": row.UpdatedAt, "raw": row.Raw,
		})).
		Returning(&pgComment{}).
		Executor().ScanStructContext(ctx, &result); err != nil {
		return nil, false, fmt.Errorf("could not upsert comment: %w", err)
	}

	out := result.toDomain()

	return &out, true, nil
}

// MarkCommentsNotFound soft-deletes comments of issueID absent from seenIDs.
func (p *PgSQL) MarkCommentsNotFound(ctx context.Context, issueID domain.IssueID, seenIDs []domain.CommentID) error {
	ids := make([]interface{}, len(seenIDs))
	for i, id := range seenIDs {
		ids[i] = int64(id)
	}

	_, err := p.Builder.Update(commentsTable).
		Set(goqu.Record{"found": false}).
		Where(
			goqu.I("issue_id").Eq(int64(issueID)),
			goqu.I("id").NotIn(ids...),
			goqu.I("found").Eq(true),
		).
		Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("could not mark comments not found: %w", err)
	}

	return nil
}

// GetWatermark returns the stored watermark, or domain.Epoch if none exists.
func (p *PgSQL) GetWatermark(ctx context.Context, repoFullName string) (domain.Watermark, error) {
	var row pgWatermark

	found, err := p.Builder.From(watermarksTable).
		Where(goqu.I("repo_full_name").Eq(repoFullName)).
		Executor().ScanStructContext(ctx, &row)
	if err != nil {
		return domain.Watermark{}, fmt.Errorf("could not fetch watermark: %w", err)
	}

	if !found {
		return domain.Watermark{RepoFullName: repoFullName, LastUpdated: domain.Epoch}, nil
	}

	return row.toDomain(), nil
}

// SetWatermark replaces the stored watermark for repoFullName.
func (p *PgSQL) SetWatermark(ctx context.Context, watermark domain.Watermark) error {
	_, err := p.Builder.Insert(watermarksTable).
		Rows(goqu.Record{"repo_full_name": watermark.RepoFullName, "last_updated": watermark.LastUpdated}).
		OnConflict(goqu.DoUpdate("repo_full_name", goqu.Record{"last_updated": watermark.LastUpdated})).
		Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("could not set watermark: %w", err)
	}

	return nil
}
