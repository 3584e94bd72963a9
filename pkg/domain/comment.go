package domain

import (
	"encoding/json"
	"time"
)

// CommentID is the upstream numeric identifier of a comment.
type CommentID int64

// Comment is a harvested comment row attached to an issue or pull request.
type Comment struct {
	ID      CommentID
	IssueID IssueID

	AuthorID  UserID
	HasAuthor bool

	Body       string
	DedupeHash string
	Found      bool

	CreatedAt time.Time
	UpdatedAt time.Time

	Raw json.RawMessage
}
