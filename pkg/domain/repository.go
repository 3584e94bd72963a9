// Package domain contains the core row types harvested from the upstream
// code-hosting API and persisted by the collection engine: repositories,
// issues, comments, users, and the watermarks that drive incremental
// ingestion.
package domain

import (
	"encoding/json"
	"regexp"
	"time"
)

// FullNamePattern is the normative shape of a repository's full name:
// exactly one "/" separating owner and name, neither side empty.
var FullNamePattern = regexp.MustCompile(`^[^/]+/[^/]+$`)

// RepositoryID is the upstream numeric identifier of a repository.
type RepositoryID int64

// Repository is a harvested repository row. FullName is unique
// case-insensitively and must match FullNamePattern.
type Repository struct {
	ID       RepositoryID
	FullName string
	IsFork   bool

	CreatedAt time.Time
	PushedAt  time.Time

	Raw json.RawMessage
}
