package postgres

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/mhabedinpour-collector/collector/pkg/domain"
)

type pgRepository struct {
	ID       int64  `db:"id"        goqu:"skipinsert"`
	FullName string `db:"full_name"`
	IsFork   bool   `db:"is_fork"`

	CreatedAt time.Time `db:"created_at"`
	PushedAt  time.Time `db:"pushed_at"`

	Raw json.RawMessage `db:"raw"`
}

func (r *pgRepository) toDomain() domain.Repository {
	return domain.Repository{
		ID: domain.RepositoryID(r.ID), FullName: r.FullName, IsFork: r.IsFork,
		CreatedAt: r.CreatedAt, PushedAt: r.PushedAt, Raw: r.Raw,
	}
}

func pgRepositoryFromDomain(r domain.Repository) pgRepository {
	return pgRepository{
		ID: int64(r.ID), FullName: r.FullName, IsFork: r.IsFork,
		CreatedAt: r.CreatedAt, PushedAt: r.PushedAt, Raw: r.Raw,
	}
}

type pgUser struct {
	ID    int64  `db:"id" goqu:"skipinsert"`
	Login string `db:"login"`
	Type  string `db:"type"`

	SiteAdmin bool `db:"site_admin"`
	Found     bool `db:"found"`

	CreatedAt time.Time `db:"created_at"`

	Followers   int `db:"followers"`
	Following   int `db:"following"`
	PublicRepos int `db:"public_repos"`

	Raw json.RawMessage `db:"raw"`
}

func (u *pgUser) toDomain() domain.User {
	return domain.User{
		ID: domain.UserID(u.ID), Login: u.Login, Type: u.Type,
		SiteAdmin: u.SiteAdmin, Found: u.Found, CreatedAt: u.CreatedAt,
		Followers: u.Followers, Following: u.Following, PublicRepos: u.PublicRepos, Raw: u.Raw,
	}
}

func pgUserFromDomain(u domain.User) pgUser {
	return pgUser{
		ID: int64(u.ID), Login: u.Login, Type: u.Type,
		SiteAdmin: u.SiteAdmin, Found: u.Found, CreatedAt: u.CreatedAt,
		Followers: u.Followers, Following: u.Following, PublicRepos: u.PublicRepos, Raw: u.Raw,
	}
}

type pgIssue struct {
	ID           int64 `db:"id" goqu:"skipinsert"`
	RepositoryID int64 `db:"repository_id"`
	Number       int   `db:"number"`

	IsPullRequest bool   `db:"is_pull_request"`
	State         string `db:"state"`
	Title         string `db:"title"`
	Body          string `db:"body"`

	AuthorID  sql.NullInt64 `db:"author_id"`
	CommentsN int           `db:"comments_count"`

	DedupeHash string `db:"dedupe_hash"`
	Found      bool   `db:"found"`

	CreatedAt time.Time    `db:"created_at"`
	UpdatedAt time.Time    `db:"updated_at"`
	ClosedAt  sql.NullTime `db:"closed_at"`

	Raw json.RawMessage `db:"raw"`
}

func (i *pgIssue) toDomain() domain.Issue {
	return domain.Issue{
		ID: domain.IssueID(i.ID), RepositoryID: domain.RepositoryID(i.RepositoryID), Number: i.Number,
		IsPullRequest: i.IsPullRequest, State: i.State, Title: i.Title, Body: i.Body,
		AuthorID: domain.UserID(i.AuthorID.Int64), HasAuthor: i.AuthorID.Valid, CommentsN: i.CommentsN,
		DedupeHash: i.DedupeHash, Found: i.Found,
		CreatedAt: i.CreatedAt, UpdatedAt: i.UpdatedAt, ClosedAt: i.ClosedAt.Time, Raw: i.Raw,
	}
}

func pgIssueFromDomain(i domain.Issue) pgIssue {
	return pgIssue{
		ID: int64(i.ID), RepositoryID: int64(i.RepositoryID), Number: i.Number,
		IsPullRequest: i.IsPullRequest, State: i.State, Title: i.Title, Body: i.Body,
		AuthorID:  sql.NullInt64{Int64: int64(i.AuthorID), Valid: i.HasAuthor},
		CommentsN: i.CommentsN, DedupeHash: i.DedupeHash, Found: i.Found,
		CreatedAt: i.CreatedAt, UpdatedAt: i.UpdatedAt,
		ClosedAt: sql.NullTime{Time: i.ClosedAt, Valid: !i.ClosedAt.IsZero()},
		Raw:      i.Raw,
	}
}

type pgComment struct {
	ID      int64 `db:"id" goqu:"skipinsert"`
	IssueID int64 `db:"issue_id"`

	AuthorID sql.NullInt64 `db:"author_id"`

	Body       string `db:"body"`
	DedupeHash string `db:"dedupe_hash"`
	Found      bool   `db:"found"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	Raw json.RawMessage `db:"raw"`
}

func (c *pgComment) toDomain() domain.Comment {
	return domain.Comment{
		ID: domain.CommentID(c.ID), IssueID: domain.IssueID(c.IssueID),
		AuthorID: domain.UserID(c.AuthorID.Int64), HasAuthor: c.AuthorID.Valid,
		Body: c.Body, DedupeHash: c.DedupeHash, Found: c.Found,
		CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt, Raw: c.Raw,
	}
}

func pgCommentFromDomain(c domain.Comment) pgComment {
	return pgComment{
		ID: int64(c.ID), IssueID: int64(c.IssueID),
		AuthorID:   sql.NullInt64{Int64: int64(c.AuthorID), Valid: c.HasAuthor},
		Body:       c.Body,
		DedupeHash: c.DedupeHash, Found: c.Found,
		CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt, Raw: c.Raw,
	}
}

type pgWatermark struct {
	RepoFullName string    `db:"repo_full_name" goqu:"skipinsert"`
	LastUpdated  time.Time `db:"last_updated"`
}

func (w *pgWatermark) toDomain() domain.Watermark {
	return domain.Watermark{RepoFullName: w.RepoFullName, LastUpdated: w.LastUpdated}
}
