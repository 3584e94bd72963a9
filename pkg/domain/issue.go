package domain

import (
	"encoding/json"
	"time"
)

// IssueID is the upstream numeric identifier of an issue or pull request
// (the upstream API models pull requests as issues with an extra flag).
type IssueID int64

// Issue is a harvested issue/pull-request row.
type Issue struct {
	ID           IssueID
	RepositoryID RepositoryID
	Number       int

	IsPullRequest bool
	State         string
	Title         string
	Body          string

	AuthorID   UserID
	HasAuthor  bool
	CommentsN  int
	DedupeHash string
	Found      bool

	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  time.Time

	Raw json.RawMessage
}
