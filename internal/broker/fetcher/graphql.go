package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/mhabedinpour-collector/collector/internal/broker/executor"
	"github.com/mhabedinpour-collector/collector/pkg/serrors"
)

// graphqlRequest is a minimal GraphQL POST envelope.
type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

// issuesQuery asks for one page of issues ordered by updated_at descending,
// mirroring the REST listing's ordering contract exactly so callers can
// switch fetch_mode without behaviour drift.
const issuesQuery = `
query($owner: String!, $name: String!, $cursor: String) {
  repository(owner: $owner, name: $name) {
    issues(first: 100, after: $cursor, orderBy: {field: UPDATED_AT, direction: DESC}) {
      pageInfo { hasNextPage endCursor }
      nodes {
        databaseId
        number
        state
        title
        body
        comments { totalCount }
        author { login }
        createdAt
        updatedAt
        closedAt
      }
    }
  }
}`

type graphqlIssueNode struct {
	DatabaseID int64  `json:"databaseId"`
	Number     int    `json:"number"`
	State      string `json:"state"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	Comments   struct {
		TotalCount int `json:"totalCount"`
	} `json:"comments"`
	Author *struct {
		Login string `json:"login"`
	} `json:"author"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	ClosedAt  *time.Time `json:"closedAt"`
}

type graphqlIssuesResponse struct {
	Data struct {
		Repository struct {
			Issues struct {
				PageInfo struct {
					HasNextPage bool   `json:"hasNextPage"`
					EndCursor   string `json:"endCursor"`
				} `json:"pageInfo"`
				Nodes []graphqlIssueNode `json:"nodes"`
			} `json:"issues"`
		} `json:"repository"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (n graphqlIssueNode) toPayload() IssuePayload {
	p := IssuePayload{
		ID:        n.DatabaseID,
		Number:    n.Number,
		State:     n.State,
		Title:     n.Title,
		Body:      n.Body,
		Comments:  n.Comments.TotalCount,
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
		ClosedAt:  n.ClosedAt,
	}
	if n.Author != nil {
		p.User = &UserPayload{Login: n.Author.Login}
	}

	return p
}

// listIssuesGraphQL implements ListIssues via a single GraphQL query per
// page instead of the REST listing endpoint, used when fetch_mode is "graph"
// or "hybrid". Like the REST path, it walks every page regardless of since
// so the returned number list is a complete, reconcilable snapshot; yield
// only fires for issues updated at or after since.
func (f *Facade) listIssuesGraphQL(
	ctx context.Context, owner, name string, since time.Time, yield func(IssuePayload) error,
) ([]int, error) {
	ex, ok := f.executors[graphqlBudget]
	if !ok {
		return nil, serrors.With(serrors.ErrContract, "no executor configured for budget %s", graphqlBudget)
	}

	var numbers []int

	cursor := ""

	for {
		body, err := json.Marshal(graphqlRequest{
			Query:     issuesQuery,
			Variables: map[string]any{"owner": owner, "name": name, "cursor": nullableCursor(cursor)},
		})
		if err != nil {
			return numbers, serrors.Wrap(serrors.ErrContract, err, "encoding graphql request")
		}

		res, err := ex.Do(ctx, executor.Request{
			Budget: graphqlBudget, Class: "background", Method: http.MethodPost,
			URL: f.baseURL + "/graphql", Body: body,
			Header: http.Header{"Content-Type": []string{"application/json"}},
		})
		if err != nil {
			return numbers, err
		}

		var decoded graphqlIssuesResponse
		if err := json.Unmarshal(res.Body, &decoded); err != nil {
			return numbers, serrors.Wrap(serrors.ErrContract, err, "decoding graphql response")
		}

		if len(decoded.Errors) > 0 {
			return numbers, serrors.With(serrors.ErrContract, "graphql error: %s", decoded.Errors[0].Message)
		}

		issues := decoded.Data.Repository.Issues
		for _, node := range issues.Nodes {
			payload := node.toPayload()
			numbers = append(numbers, payload.Number)

			if payload.UpdatedAt.Before(since) {
				continue
			}

			if err := yield(payload); err != nil {
				return numbers, err
			}
		}

		if !issues.PageInfo.HasNextPage {
			return numbers, nil
		}

		cursor = issues.PageInfo.EndCursor
	}
}

func nullableCursor(cursor string) any {
	if cursor == "" {
		return nil
	}

	return cursor
}
