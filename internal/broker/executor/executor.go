// Package executor performs the actual HTTP dispatch for a scheduled
// request: consulting the cache, attaching conditional-request validators,
// classifying the outcome, retrying with jittered backoff, and tripping a
// per-budget circuit breaker on sustained upstream failure.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/mhabedinpour-collector/collector/internal/broker/cache"
	"github.com/mhabedinpour-collector/collector/internal/broker/scheduler"
	"github.com/mhabedinpour-collector/collector/internal/broker/tokenpool"
	"github.com/mhabedinpour-collector/collector/pkg/metrics"
	"github.com/mhabedinpour-collector/collector/pkg/serrors"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/mhabedinpour-collector/collector/internal/broker/executor") //nolint:gochecknoglobals

// Policy selects how Do consults the cache for a request carrying a CacheKey.
type Policy string

const (
	// PolicyUse serves a Fresh cache hit directly, without dispatching. The
	// zero value of Policy behaves as PolicyUse.
	PolicyUse Policy = "use"
	// PolicyBypass skips the cache entirely: no entry is served, no
	// conditional validator is attached, and a successful response is not
	// stored.
	PolicyBypass Policy = "bypass"
	// PolicyRefresh never serves a Fresh hit directly: it always dispatches,
	// attaching the stored validator as a conditional header when one
	// exists, so upstream is always consulted but a 304 still avoids paying
	// for the full response body again.
	PolicyRefresh Policy = "refresh"
)

// Request describes one logical upstream call.
type Request struct {
	Budget string
	Class  string
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// CacheKey, when non-empty, is consulted before dispatch per Policy and
	// populated after a successful response carrying a validator (ETag).
	CacheKey cache.Key
	// Policy selects use/bypass/refresh cache handling. The zero value is PolicyUse.
	Policy Policy
}

// Response is the outcome of a successfully dispatched (or cache-served) request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FromCache  bool

	// validator is the response's ETag, if any. It is only used internally
	// by Do to decide what to store in the cache once a dispatch concludes.
	validator string
}

// Retry and backoff tuning.
const (
	// defaultSecondaryPenalty is used when a secondary rate limit response
	// carries neither a Retry-After header nor a usable X-RateLimit-Reset.
	defaultSecondaryPenalty = time.Minute
)

// Config tunes retry/backoff behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	CapDelay    time.Duration
}

// Executor dispatches requests for one rate-limit budget.
type Executor struct {
	budget    string
	client    *http.Client
	cache     *cache.Cache
	pool      *tokenpool.Pool
	scheduler *scheduler.Scheduler
	breaker   *gobreaker.CircuitBreaker[*Response]
	cfg       Config
	userAgent string
}

// New constructs an Executor for one budget.
func New(
	budget string,
	client *http.Client,
	c *cache.Cache,
	pool *tokenpool.Pool,
	sched *scheduler.Scheduler,
	cfg Config,
	userAgent string,
) *Executor {
	breaker := gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name: "executor-" + budget,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5 //nolint:mnd
		},
	})

	return &Executor{
		budget:    budget,
		client:    client,
		cache:     c,
		pool:      pool,
		scheduler: sched,
		breaker:   breaker,
		cfg:       cfg,
		userAgent: userAgent,
	}
}

// Do executes req, consulting the cache first, then scheduling a dispatch
// slot, then retrying with backoff until MaxAttempts is exhausted or a
// non-retryable outcome is classified.
func (e *Executor) Do(ctx context.Context, req Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "executor.Do", trace.WithAttributes(
		attribute.String("budget", req.Budget),
		attribute.String("class", req.Class),
		attribute.String("http.method", req.Method),
	))
	defer span.End()

	var (
		tk         *cache.Ticket
		condValue  string
		cacheEntry bool
	)

	if req.CacheKey != "" {
		res, beganTk, validator, err := e.consultCache(ctx, req)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())

			return nil, err
		}

		if res != nil {
			return res, nil
		}

		tk, condValue = beganTk, validator
		cacheEntry = req.Policy != PolicyBypass
	}

	var (
		lastErr error
		atHead  bool
	)

	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		if attempt > 0 && !atHead {
			if err := e.sleepBackoff(ctx, attempt); err != nil {
				e.settleTicket(tk, false, nil, "")
				span.SetStatus(codes.Error, err.Error())

				return nil, err
			}

			metrics.BrokerRetriesTotal.WithLabelValues(e.budget, classifyRetryReason(lastErr)).Inc()
		}

		res, err := e.dispatchOnce(ctx, req, atHead, condValue)
		atHead = false

		if err == nil {
			if tk != nil {
				e.settleTicket(tk, true, res.Body, res.validator)
			} else if cacheEntry && res.validator != "" {
				e.cache.Store(req.CacheKey, res.Body, res.validator)
			}

			return res, nil
		}

		lastErr = err

		var secErr *secondaryRateLimitError
		if errors.As(err, &secErr) {
			// secondary-limit penalty is not a failed attempt: it does not
			// consume the retry budget and must cut the queue ahead of
			// requests that never tripped the limit. The ticket, if any,
			// stays open across the requeue.
			attempt--
			atHead = true

			continue
		}

		if !isRetryable(err) {
			e.settleTicket(tk, false, nil, "")
			span.SetStatus(codes.Error, err.Error())

			return nil, err
		}
		// retryable (429/5xx/transport/circuit-open): ticket, if any, stays
		// open for the next attempt of this same logical dispatch.
	}

	e.settleTicket(tk, false, nil, "")
	span.SetStatus(codes.Error, "retries exhausted")

	return nil, serrors.Wrap(serrors.ErrUpstream, lastErr, "retries exhausted for %s %s", req.Method, req.URL)
}

// settleTicket releases tk, if any, unblocking any coalesced waiters.
func (e *Executor) settleTicket(tk *cache.Ticket, found bool, body []byte, validator string) {
	if tk == nil {
		return
	}

	tk.Settle(found, body, validator)
}

// consultCache applies req.Policy against the cache:
//   - PolicyBypass clears any stored entry and forbids storing a fresh one;
//     Do neither serves a hit nor attaches a conditional header.
//   - PolicyUse (the default) serves a Fresh hit directly; an in-flight miss
//     is awaited and its eventual outcome shared.
//   - PolicyRefresh never serves a Fresh hit directly, but passes its
//     validator back so Do attaches it as a conditional header.
//
// On a genuine miss (regardless of policy), it begins a ticket the caller
// must settle once the dispatch concludes, so concurrent identical requests
// coalesce onto the single in-flight dispatch per spec.
func (e *Executor) consultCache(ctx context.Context, req Request) (*Response, *cache.Ticket, string, error) {
	if req.Policy == PolicyBypass {
		e.cache.Bypass(req.CacheKey)

		return nil, nil, "", nil
	}

	lookup := e.cache.Lookup(req.CacheKey)

	switch lookup.Kind {
	case cache.Fresh:
		if req.Policy != PolicyRefresh {
			metrics.FetchRequestsTotal.WithLabelValues(e.budget, req.Method, "cache_hit").Inc()

			return &Response{StatusCode: http.StatusOK, Body: lookup.Body, FromCache: true}, nil, "", nil
		}

		return nil, nil, lookup.Validator, nil

	case cache.InFlight:
		select {
		case wr := <-lookup.Waiter:
			if wr.Found {
				metrics.FetchRequestsTotal.WithLabelValues(e.budget, req.Method, "cache_coalesced").Inc()

				return &Response{StatusCode: http.StatusOK, Body: wr.Body, FromCache: true}, nil, "", nil
			}
			// the in-flight leader's dispatch did not produce anything
			// cacheable (failed or had no validator); contend for the
			// ticket ourselves instead of returning an error to our caller.
			return e.consultCache(ctx, req)
		case <-ctx.Done():
			return nil, nil, "", serrors.Wrap(serrors.ErrCancelled, ctx.Err(), "cancelled awaiting coalesced request")
		}

	default: // Miss
		return nil, e.cache.Begin(req.CacheKey), "", nil
	}
}

// dispatchOnce reserves a scheduler lease, performs one HTTP round-trip
// through the circuit breaker, classifies the outcome, and releases the
// lease. atHead requeues ahead of the class's other waiters instead of
// behind them, used when re-submitting a request penalised by a secondary
// rate limit. condValue, when non-empty, is sent as If-None-Match.
func (e *Executor) dispatchOnce(ctx context.Context, req Request, atHead bool, condValue string) (*Response, error) {
	var (
		lease *scheduler.Lease
		err   error
	)

	if atHead {
		lease, err = e.scheduler.RequeueAtHead(ctx, req.Class)
	} else {
		lease, err = e.scheduler.Submit(ctx, req.Class)
	}

	if err != nil {
		return nil, err
	}
	defer lease.Release()

	res, err := e.breaker.Execute(func() (*Response, error) {
		return e.roundTrip(ctx, req, lease.Credential, condValue)
	})

	e.pool.Observe(lease.Credential, e.budget, responseHeaderOrEmpty(res))

	var secErr *secondaryRateLimitError
	if errors.As(err, &secErr) {
		e.pool.Penalise(lease.Credential, e.budget, secErr.resetAt)

		return nil, err
	}

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, serrors.Wrap(serrors.ErrUnavailable, err, "circuit open for budget %s", e.budget)
		}

		return nil, e.classifyError(lease.Credential, err)
	}

	return res, nil
}

func responseHeaderOrEmpty(res *Response) http.Header {
	if res == nil {
		return make(http.Header)
	}

	return res.Header
}

// roundTrip performs one HTTP request, attaching auth and conditional
// headers. condValue, when non-empty, is sent as If-None-Match — it is
// computed once by consultCache rather than looked up here, since by the
// time roundTrip runs the caller may itself hold the cache's only ticket for
// req.CacheKey and a second Lookup would see its own in-flight entry.
func (e *Executor) roundTrip(ctx context.Context, req Request, cred tokenpool.Credential, condValue string) (*Response, error) {
	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, serrors.Wrap(serrors.ErrTransport, err, "building request")
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	httpReq.Header.Set("Authorization", "Bearer "+e.pool.Secret(cred))
	httpReq.Header.Set("User-Agent", e.userAgent)

	if condValue != "" {
		httpReq.Header.Set("If-None-Match", condValue)
	}

	httpRes, err := e.client.Do(httpReq)
	if err != nil {
		return nil, serrors.Wrap(serrors.ErrTransport, err, "round trip to %s", req.URL)
	}
	defer httpRes.Body.Close()

	body, err := io.ReadAll(httpRes.Body)
	if err != nil {
		return nil, serrors.Wrap(serrors.ErrTransport, err, "reading response body")
	}

	return e.classifyResponse(req, httpRes, body)
}

// classifyResponse turns a raw HTTP response into a Response or a
// semantic error, per the classification table: 2xx is success; 304
// resolves through the cache; 403 carrying a secondary rate limit marker is
// penalised and requeued at the head of its class without counting as a
// failure; 429 is rate-limited (retryable after backoff); 401 is Auth
// (non-retryable, credential revoked); other 4xx (including a bare 403) is
// Contract/Forbidden (non-retryable); 5xx is Upstream (retryable).
func (e *Executor) classifyResponse(req Request, httpRes *http.Response, body []byte) (*Response, error) {
	status := httpRes.StatusCode

	switch {
	case status == http.StatusNotModified:
		lookup := e.cache.Lookup(req.CacheKey)
		metrics.FetchRequestsTotal.WithLabelValues(e.budget, req.Method, "not_modified").Inc()

		return &Response{StatusCode: http.StatusOK, Header: httpRes.Header, Body: lookup.Body, FromCache: true}, nil

	case status >= 200 && status < 300: //nolint:mnd
		metrics.FetchRequestsTotal.WithLabelValues(e.budget, req.Method, "ok").Inc()

		// Storing the body against req.CacheKey, if any, is Do's job: it owns
		// the ticket (or lack of one) for this dispatch and must settle it
		// exactly once regardless of outcome.
		return &Response{
			StatusCode: status,
			Header:     httpRes.Header,
			Body:       body,
			validator:  httpRes.Header.Get("ETag"),
		}, nil

	case status == http.StatusUnauthorized:
		metrics.FetchRequestsTotal.WithLabelValues(e.budget, req.Method, "auth_error").Inc()

		return nil, serrors.Wrap(serrors.ErrAuth, &authError{status: status}, "credential unauthorized")

	case status == http.StatusForbidden && isSecondaryRateLimit(httpRes.Header):
		metrics.FetchRequestsTotal.WithLabelValues(e.budget, req.Method, "secondary_rate_limited").Inc()

		return nil, serrors.Wrap(
			serrors.ErrRateLimited, &secondaryRateLimitError{resetAt: secondaryResetAt(httpRes.Header)}, "secondary rate limit",
		)

	case status == http.StatusTooManyRequests:
		metrics.FetchRequestsTotal.WithLabelValues(e.budget, req.Method, "rate_limited").Inc()

		return nil, serrors.Wrap(serrors.ErrRateLimited, serrors.Upstream(status, string(body)), "rate limited")

	case status >= 400 && status < 500: //nolint:mnd
		metrics.FetchRequestsTotal.WithLabelValues(e.budget, req.Method, "contract_error").Inc()

		return nil, serrors.Wrap(serrors.ErrContract, serrors.Upstream(status, string(body)), "contract violation")

	default:
		metrics.FetchRequestsTotal.WithLabelValues(e.budget, req.Method, "upstream_error").Inc()

		return nil, serrors.Upstream(status, string(body))
	}
}

// classifyError decides what to do with a dispatch error: Auth errors revoke
// the credential for this budget.
func (e *Executor) classifyError(cred tokenpool.Credential, err error) error {
	if err == nil {
		return nil
	}

	var authErr *authError
	if errors.As(err, &authErr) {
		e.pool.Revoke(cred, e.budget)
	}

	return err
}

// isRetryable decides whether an error classified by classifyResponse should
// trigger another attempt. Rate-limited and upstream (5xx/transport) errors
// are retryable; auth and contract errors are not. It checks only the
// outermost semantic kind: serrors.Upstream always carries the ErrUpstream
// kind on the UpstreamError it wraps (by design, so callers can type-assert
// it directly), which would otherwise make errors.Is(err, ErrUpstream) match
// a Contract error that merely wraps one for status/body detail.
func isRetryable(err error) bool {
	var se *serrors.Error
	if errors.As(err, &se) {
		switch se.Kind() {
		case serrors.ErrRateLimited, serrors.ErrUpstream, serrors.ErrTransport, serrors.ErrUnavailable:
			return true
		default:
			return false
		}
	}

	return errors.Is(err, serrors.ErrRateLimited) ||
		errors.Is(err, serrors.ErrUpstream) ||
		errors.Is(err, serrors.ErrTransport) ||
		errors.Is(err, serrors.ErrUnavailable)
}

func classifyRetryReason(err error) string {
	switch {
	case errors.Is(err, serrors.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, serrors.ErrTransport):
		return "transport"
	case errors.Is(err, serrors.ErrUnavailable):
		return "circuit_open"
	default:
		return "upstream"
	}
}

// sleepBackoff waits an exponential, jittered delay for the given attempt
// number, honouring ctx cancellation.
func (e *Executor) sleepBackoff(ctx context.Context, attempt int) error {
	delay := e.cfg.BaseDelay << uint(attempt-1) //nolint:gosec
	if delay > e.cfg.CapDelay || delay <= 0 {
		delay = e.cfg.CapDelay
	}

	// full jitter: a uniformly random delay in [0, delay).
	delay = time.Duration(rand.Float64() * float64(delay)) //nolint:gosec

	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return serrors.Wrap(serrors.ErrCancelled, ctx.Err(), "cancelled during backoff")
	}
}

// authError is a private marker used to detect Auth classification without
// re-parsing the response.
type authError struct{ status int }

func (e *authError) Error() string { return fmt.Sprintf("unauthorized: status %d", e.status) }

// secondaryRateLimitError marks a 403 response as GitHub's secondary (abuse)
// rate limit rather than a terminal Forbidden, so the executor can penalise
// the credential and requeue the request instead of failing it.
type secondaryRateLimitError struct {
	resetAt time.Time
}

func (e *secondaryRateLimitError) Error() string {
	return fmt.Sprintf("secondary rate limit until %s", e.resetAt.Format(time.RFC3339))
}

// isSecondaryRateLimit reports whether a 403 response carries a
// secondary/abuse rate limit marker, per GitHub's convention: an exhausted
// rate limit window or an explicit Retry-After.
func isSecondaryRateLimit(h http.Header) bool {
	if h.Get("Retry-After") != "" {
		return true
	}

	return h.Get("X-RateLimit-Remaining") == "0"
}

// secondaryResetAt derives the instant a secondary-limited credential should
// be penalised until, preferring Retry-After, falling back to
// X-RateLimit-Reset, and finally a fixed default when neither is present.
func secondaryResetAt(h http.Header) time.Time {
	if ra := h.Get("Retry-After"); ra != "" {
		if seconds, err := strconv.Atoi(ra); err == nil {
			return time.Now().Add(time.Duration(seconds) * time.Second)
		}
	}

	if _, remain, resetAt, ok := tokenpool.ParseRateLimitHeaders(h); ok && remain == 0 && !resetAt.IsZero() {
		return resetAt
	}

	return time.Now().Add(defaultSecondaryPenalty)
}
