// Package fetcher exposes typed, paginated upstream operations on top of the
// executor, hiding budget tagging, REST/GraphQL mode selection, and
// pagination cursors from the collection worker.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mhabedinpour-collector/collector/internal/broker/cache"
	"github.com/mhabedinpour-collector/collector/internal/broker/executor"
	"github.com/mhabedinpour-collector/collector/internal/config"
	"github.com/mhabedinpour-collector/collector/pkg/metrics"
	"github.com/mhabedinpour-collector/collector/pkg/serrors"
)

const (
	restCoreBudget = "rest-core"
	searchBudget   = "search"
	graphqlBudget  = "graphql"

	perPage = 100
)

// Facade dispatches typed operations against the configured set of
// per-budget executors, tagging each with the budget and priority class the
// operation belongs to.
type Facade struct {
	executors map[string]*executor.Executor
	baseURL   string
	mode      config.FetchMode
}

// New constructs a Facade. executors must contain entries keyed "rest-core",
// "search", and "graphql".
func New(executors map[string]*executor.Executor, baseURL string, mode config.FetchMode) *Facade {
	return &Facade{executors: executors, baseURL: strings.TrimRight(baseURL, "/"), mode: mode}
}

// ListIssues walks the complete current issue listing for owner/name
// (ordered by updated_at descending) and returns every issue number seen,
// regardless of since — this full enumeration is what lets the caller
// reconcile deletions/removals on every run, not only on a repository's
// first scan, mirroring how ListComments always returns a full listing.
// yield is only invoked for issues updated at or after since, so a caller
// doing incremental processing still only pays normalization/storage cost
// for what actually changed.
func (f *Facade) ListIssues(
	ctx context.Context, owner, name string, since time.Time, yield func(IssuePayload) error,
) ([]int, error) {
	const op = "list_issues"

	if f.mode == config.FetchModeGraph || f.mode == config.FetchModeHybrid {
		start := time.Now()

		numbers, err := f.listIssuesGraphQL(ctx, owner, name, since, func(p IssuePayload) error {
			metrics.FetchItemsTotal.WithLabelValues("github", op).Inc()

			return yield(p)
		})

		outcome := "ok"
		if err != nil {
			outcome = "error"
		}

		metrics.FetchRequestsTotal.WithLabelValues("github", op, outcome).Inc()
		metrics.FetchLatencySeconds.WithLabelValues("github", op).Observe(time.Since(start).Seconds())

		if err == nil || f.mode == config.FetchModeGraph {
			return numbers, err
		}
		// hybrid mode falls back to the REST listing if the GraphQL path failed.
	}

	start := time.Now()
	url := fmt.Sprintf("%s/repos/%s/%s/issues?state=all&sort=updated&direction=desc&per_page=%d", f.baseURL, owner, name, perPage)

	var numbers []int

	outcome := "ok"
	err := f.paginate(ctx, restCoreBudget, "background", url, func(items []IssuePayload) (bool, error) {
		for _, it := range items {
			numbers = append(numbers, it.Number)

			if it.UpdatedAt.Before(since) {
				continue
			}

			metrics.FetchItemsTotal.WithLabelValues("github", op).Inc()

			if err := yield(it); err != nil {
				return false, err
			}
		}

		return true, nil
	})
	if err != nil {
		outcome = "error"
	}

	metrics.FetchRequestsTotal.WithLabelValues("github", op, outcome).Inc()
	metrics.FetchLatencySeconds.WithLabelValues("github", op).Observe(time.Since(start).Seconds())

	return numbers, err
}

// ListComments yields all comments on owner/name#number.
func (f *Facade) ListComments(ctx context.Context, owner, name string, number int, yield func(CommentPayload) error) error {
	const op = "list_comments"

	start := time.Now()
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments?per_page=%d", f.baseURL, owner, name, number, perPage)

	outcome := "ok"
	err := f.paginate(ctx, restCoreBudget, "background", url, func(items []CommentPayload) (bool, error) {
		for _, it := range items {
			metrics.FetchItemsTotal.WithLabelValues("github", op).Inc()

			if err := yield(it); err != nil {
				return false, err
			}
		}

		return true, nil
	})
	if err != nil {
		outcome = "error"
	}

	metrics.FetchRequestsTotal.WithLabelValues("github", op, outcome).Inc()
	metrics.FetchLatencySeconds.WithLabelValues("github", op).Observe(time.Since(start).Seconds())

	return err
}

// GetRepository fetches a single repository, returning a serrors.ErrNotFound
// error when the upstream reports 404. It always revalidates against
// upstream (cache policy "refresh") rather than serving a stored response
// outright, since repository metadata (default branch, visibility,
// archived state) can change between collection runs and a job should act
// on its current value; a 304 still avoids paying for the body again.
func (f *Facade) GetRepository(ctx context.Context, owner, name string) (*RepoPayload, error) {
	const op = "get_repository"

	url := fmt.Sprintf("%s/repos/%s/%s", f.baseURL, owner, name)

	var out RepoPayload

	err := f.getJSON(ctx, restCoreBudget, "interactive", op, url, cache.Key(url), executor.PolicyRefresh, &out)
	if err != nil {
		return nil, err
	}

	return &out, nil
}

// GetUser fetches a single account by login, returning a serrors.ErrNotFound
// error when the upstream reports 404. The request goes through the broker's
// response cache under the Use policy, so a fresh cached profile is returned
// without dispatching.
func (f *Facade) GetUser(ctx context.Context, login string) (*UserPayload, error) {
	const op = "get_user"

	url := fmt.Sprintf("%s/users/%s", f.baseURL, login)

	var out UserPayload

	err := f.getJSON(ctx, restCoreBudget, "background", op, url, cache.Key(url), executor.PolicyUse, &out)
	if err != nil {
		return nil, err
	}

	return &out, nil
}

// getJSON performs one GET, decoding the JSON body into out, and maps a 404
// Contract error into the more specific NotFound kind.
func (f *Facade) getJSON(
	ctx context.Context, budget, class, op, url string, cacheKey cache.Key, policy executor.Policy, out any,
) error {
	start := time.Now()

	ex, ok := f.executors[budget]
	if !ok {
		return serrors.With(serrors.ErrContract, "no executor configured for budget %s", budget)
	}

	res, err := ex.Do(ctx, executor.Request{
		Budget: budget, Class: class, Method: http.MethodGet, URL: url, CacheKey: cacheKey, Policy: policy,
	})

	outcome := "ok"

	defer func() {
		metrics.FetchRequestsTotal.WithLabelValues("github", op, outcome).Inc()
		metrics.FetchLatencySeconds.WithLabelValues("github", op).Observe(time.Since(start).Seconds())
	}()

	if err != nil {
		outcome = "error"
		if isNotFound(err) {
			return serrors.Wrap(serrors.ErrNotFound, err, "%s not found", url)
		}

		return err
	}

	if jsonErr := json.Unmarshal(res.Body, out); jsonErr != nil {
		outcome = "error"

		return serrors.Wrap(serrors.ErrContract, jsonErr, "decoding response from %s", url)
	}

	return nil
}

// paginate walks a REST collection endpoint, following Link-header-style
// next cursors, invoking onPage for each page decoded. onPage returns
// (continue, error); false stops pagination without error.
func (f *Facade) paginate[T any](
	ctx context.Context,
	budget, class, startURL string,
	onPage func([]T) (bool, error),
) error {
	ex, ok := f.executors[budget]
	if !ok {
		return serrors.With(serrors.ErrContract, "no executor configured for budget %s", budget)
	}

	url := startURL

	for url != "" {
		res, err := ex.Do(ctx, executor.Request{Budget: budget, Class: class, Method: http.MethodGet, URL: url})
		if err != nil {
			if isNotFound(err) {
				return serrors.Wrap(serrors.ErrNotFound, err, "%s not found", url)
			}

			return err
		}

		var items []T
		if jsonErr := json.Unmarshal(res.Body, &items); jsonErr != nil {
			return serrors.Wrap(serrors.ErrContract, jsonErr, "decoding page from %s", url)
		}

		cont, err := onPage(items)
		if err != nil {
			return err
		}

		if !cont {
			return nil
		}

		url = nextLink(res.Header.Get("Link"))
	}

	return nil
}

// nextLink extracts the rel="next" URL from a Link header, or "" if absent.
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		segments := strings.Split(part, ";")
		if len(segments) < 2 { //nolint:mnd
			continue
		}

		if strings.TrimSpace(segments[1]) != `rel="next"` {
			continue
		}

		url := strings.TrimSpace(segments[0])
		url = strings.TrimPrefix(url, "<")
		url = strings.TrimSuffix(url, ">")

		return url
	}

	return ""
}

// isNotFound reports whether err resulted from a 404 response.
func isNotFound(err error) bool {
	var upstream *serrors.UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Status == http.StatusNotFound
	}

	return false
}
