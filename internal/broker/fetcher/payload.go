package fetcher

import (
	"encoding/json"
	"time"
)

// RepoPayload is the upstream representation of a repository.
type RepoPayload struct {
	ID        int64           `json:"id"`
	FullName  string          `json:"full_name"`
	Fork      bool            `json:"fork"`
	CreatedAt time.Time       `json:"created_at"`
	PushedAt  time.Time       `json:"pushed_at"`
	Raw       json.RawMessage `json:"-"`
}

// UserPayload is the upstream representation of an account.
type UserPayload struct {
	ID          int64           `json:"id"`
	Login       string          `json:"login"`
	Type        string          `json:"type"`
	SiteAdmin   bool            `json:"site_admin"`
	CreatedAt   time.Time       `json:"created_at"`
	Followers   int             `json:"followers"`
	Following   int             `json:"following"`
	PublicRepos int             `json:"public_repos"`
	Raw         json.RawMessage `json:"-"`
}

// IssuePayload is the upstream representation of an issue or pull request
// (the upstream API models pull requests as issues carrying a PullRequest marker).
type IssuePayload struct {
	ID            int64           `json:"id"`
	Number        int             `json:"number"`
	State         string          `json:"state"`
	Title         string          `json:"title"`
	Body          string          `json:"body"`
	User          *UserPayload    `json:"user"`
	Comments      int             `json:"comments"`
	PullRequest   json.RawMessage `json:"pull_request"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	ClosedAt      *time.Time      `json:"closed_at"`
	Raw           json.RawMessage `json:"-"`
}

// IsPullRequest reports whether the upstream tagged this issue as a pull request.
func (p IssuePayload) IsPullRequest() bool { return len(p.PullRequest) > 0 }

// CommentPayload is the upstream representation of an issue comment.
type CommentPayload struct {
	ID        int64           `json:"id"`
	Body      string          `json:"body"`
	User      *UserPayload    `json:"user"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Raw       json.RawMessage `json:"-"`
}
