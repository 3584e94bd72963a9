// Package tokenpool tracks per-credential, per-budget rate-limit state
// (limit/remaining/reset) and selects credentials for dispatch.
package tokenpool

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mhabedinpour-collector/collector/pkg/metrics"
)

// Credential identifies one pooled token by its position in the configured
// list. Position (not the raw secret) is what flows through logs and metrics.
type Credential int

// Snapshot is a point-in-time view of one credential's state for a budget.
type Snapshot struct {
	Credential Credential
	Remaining  int
	Limit      int
	ResetAt    time.Time
}

// state is the live rate-limit state for one (credential, budget) pair.
type state struct {
	mu      sync.Mutex
	limit   int
	remain  int
	resetAt time.Time
	// obsSeq orders observations by arrival so a stale, smaller-seq update
	// can never clobber a fresher one even if it carries a larger remaining.
	obsSeq uint64
	// penalisedUntil forces remaining to behave as 0 until this instant.
	penalisedUntil time.Time
}

// Pool multiplexes a set of credentials and keeps live rate-limit state for
// each, scoped by budget name.
type Pool struct {
	secrets []string

	// seq hands out a monotonic observation number to each Observe call,
	// ordering them by arrival at the pool regardless of which goroutine's
	// HTTP response happens to finish decoding first.
	seq atomic.Uint64

	mu     sync.Mutex
	states map[string][]*state // budget -> per-credential state, index == Credential
}

// New constructs a Pool over the given credential secrets. Every budget the
// pool is asked about lazily gets one state slot per credential, initialised
// optimistically open (remaining defaults to 1 so the first dispatch for a
// never-observed budget is allowed through).
func New(secrets []string) *Pool {
	return &Pool{secrets: secrets, states: make(map[string][]*state)}
}

// Len returns the number of pooled credentials.
func (p *Pool) Len() int { return len(p.secrets) }

// Secret returns the raw credential string for use in the Authorization header.
func (p *Pool) Secret(c Credential) string { return p.secrets[c] }

func (p *Pool) budgetStates(budget string) []*state {
	p.mu.Lock()
	defer p.mu.Unlock()

	ss, ok := p.states[budget]
	if !ok {
		ss = make([]*state, len(p.secrets))
		for i := range ss {
			ss[i] = &state{limit: 1, remain: 1}
		}
		p.states[budget] = ss
	}

	return ss
}

// Snapshot returns the current (credential, remaining, reset_at) tuples for budget.
func (p *Pool) Snapshot(budget string) []Snapshot {
	ss := p.budgetStates(budget)
	out := make([]Snapshot, len(ss))

	for i, st := range ss {
		st.mu.Lock()
		out[i] = Snapshot{Credential: Credential(i), Remaining: st.effectiveRemainingLocked(), Limit: st.limit, ResetAt: st.resetAt}
		st.mu.Unlock()
	}

	return out
}

// effectiveRemainingLocked returns remain, accounting for an active penalty
// and for a reset_at that has already elapsed. Caller must hold st.mu.
func (st *state) effectiveRemainingLocked() int {
	now := time.Now()
	if now.Before(st.penalisedUntil) {
		return 0
	}
	if !st.resetAt.IsZero() && !now.Before(st.resetAt) {
		return st.limit
	}

	return st.remain
}

// Reserve atomically picks a credential with remaining capacity for budget,
// decrements it, and returns it. Ties on remaining are broken by lowest
// index. Returns ok=false if every credential is currently exhausted.
func (p *Pool) Reserve(budget string) (Credential, bool) {
	ss := p.budgetStates(budget)

	best := -1
	bestRemain := 0

	for i, st := range ss {
		st.mu.Lock()
		// a credential whose reset has elapsed is first restored to limit.
		now := time.Now()
		if !st.resetAt.IsZero() && !now.Before(st.resetAt) {
			st.remain = st.limit
			st.resetAt = time.Time{}
		}
		remain := st.effectiveRemainingLocked()
		if remain > 0 && (best == -1 || remain > bestRemain) {
			best, bestRemain = i, remain
		}
		st.mu.Unlock()
	}

	if best == -1 {
		return 0, false
	}

	ss[best].mu.Lock()
	ss[best].remain--
	ss[best].mu.Unlock()
	p.publish(budget)

	return Credential(best), true
}

// EarliestReset returns the soonest reset_at across all credentials for
// budget. The scheduler does not call it; it re-checks capacity on a fixed tick.
func (p *Pool) EarliestReset(budget string) time.Time {
	ss := p.budgetStates(budget)

	var earliest time.Time
	for _, st := range ss {
		st.mu.Lock()
		r := st.resetAt
		st.mu.Unlock()
		if r.IsZero() {
			continue
		}
		if earliest.IsZero() || r.Before(earliest) {
			earliest = r
		}
	}

	return earliest
}

// Observe replaces limit/remaining/reset_at for (credential, budget) from
// authoritative response headers. Observations are ordered by arrival via a
// monotonic sequence counter: a late-arriving, smaller seq update is
// discarded rather than allowed to clobber a fresher one (see spec §5).
func (p *Pool) Observe(c Credential, budget string, h http.Header) {
	limit, remain, resetAt, ok := ParseRateLimitHeaders(h)
	if !ok {
		return
	}

	seq := p.seq.Add(1)

	ss := p.budgetStates(budget)
	st := ss[c]

	st.mu.Lock()
	if seq > st.obsSeq {
		st.obsSeq = seq
		st.limit, st.remain, st.resetAt = limit, remain, resetAt
	}
	st.mu.Unlock()

	p.publish(budget)
}

// Penalise forces credential's effective remaining to 0 for budget until the
// given instant, used on 403/secondary-limit responses.
func (p *Pool) Penalise(c Credential, budget string, until time.Time) {
	ss := p.budgetStates(budget)
	st := ss[c]

	st.mu.Lock()
	st.penalisedUntil = until
	st.mu.Unlock()

	p.publish(budget)
}

// Revoke permanently penalises credential for budget (used on 401 Auth errors).
func (p *Pool) Revoke(c Credential, budget string) {
	p.Penalise(c, budget, time.Now().AddDate(100, 0, 0))
}

// publish updates the broker_rate_limit/remaining and aggregate gauges for budget.
func (p *Pool) publish(budget string) {
	ss := p.budgetStates(budget)

	var limitTotal, remainTotal float64
	for i, st := range ss {
		st.mu.Lock()
		limit, remain := st.limit, st.effectiveRemainingLocked()
		st.mu.Unlock()

		tokenLabel := strconv.Itoa(i)
		metrics.BrokerRateLimit.WithLabelValues(tokenLabel, budget).Set(float64(limit))
		metrics.BrokerRateRemaining.WithLabelValues(tokenLabel, budget).Set(float64(remain))
		limitTotal += float64(limit)
		remainTotal += float64(remain)
	}

	metrics.BrokerBudgetLimitTotal.WithLabelValues(budget).Set(limitTotal)
	metrics.BrokerBudgetRemainingTotal.WithLabelValues(budget).Set(remainTotal)
}

// ParseRateLimitHeaders extracts X-RateLimit-Limit/Remaining/Reset from h.
// ok is false when the headers are absent (e.g. a cache hit that never dispatched).
func ParseRateLimitHeaders(h http.Header) (limit, remaining int, resetAt time.Time, ok bool) {
	l := h.Get("X-RateLimit-Limit")
	r := h.Get("X-RateLimit-Remaining")
	rs := h.Get("X-RateLimit-Reset")
	if l == "" || r == "" || rs == "" {
		return 0, 0, time.Time{}, false
	}

	limit, err1 := strconv.Atoi(l)
	remaining, err2 := strconv.Atoi(r)
	resetUnix, err3 := strconv.ParseInt(rs, 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, time.Time{}, false
	}

	return limit, remaining, time.Unix(resetUnix, 0), true
}
