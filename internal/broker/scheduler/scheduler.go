// Package scheduler implements the per-budget deficit-round-robin (DRR)
// priority scheduler that sits between the fetcher facade and the executor.
// Each Scheduler owns one rate-limit budget: it holds a bounded queue per
// priority class, fairly interleaves dispatch across classes by weight, and
// bounds in-flight dispatch by both a concurrency semaphore and token-pool
// availability.
package scheduler

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/mhabedinpour-collector/collector/internal/broker/tokenpool"
	"github.com/mhabedinpour-collector/collector/pkg/metrics"
	"github.com/mhabedinpour-collector/collector/pkg/serrors"
	"golang.org/x/sync/semaphore"
)

// Class describes one priority class serviced by a Scheduler.
type Class struct {
	Name     string
	Weight   int
	QueueCap int
}

// Lease is a granted dispatch slot: a reserved credential plus the
// concurrency permit that must be released once the dispatch completes.
type Lease struct {
	Credential tokenpool.Credential
	release    func()
}

// Release returns the concurrency permit. Callers must call it exactly once
// after the dispatch this lease authorised has finished (success or error).
func (l *Lease) Release() {
	l.release()
}

// waiter is one queued Submit call.
type waiter struct {
	ctx    context.Context //nolint:containedctx
	result chan waitResult
}

type waitResult struct {
	lease *Lease
	err   error
}

// classQueue is a bounded FIFO of waiters plus its DRR deficit counter.
type classQueue struct {
	class   Class
	items   *list.List // of *waiter
	deficit int
}

// Scheduler fairly admits requests for one rate-limit budget.
type Scheduler struct {
	budget string
	pool   *tokenpool.Pool
	sem    *semaphore.Weighted

	mu      sync.Mutex
	cond    *sync.Cond
	queues  []*classQueue // ordered, highest priority first
	closed  bool
	wakeNow chan struct{}
}

// New constructs a Scheduler for budget, backed by pool for credential
// reservation, with the given priority classes (highest priority first) and
// a concurrency cap.
func New(budget string, pool *tokenpool.Pool, concurrency int, classes []Class) *Scheduler {
	queues := make([]*classQueue, len(classes))
	for i, c := range classes {
		queues[i] = &classQueue{class: c, items: list.New()}
	}

	s := &Scheduler{
		budget:  budget,
		pool:    pool,
		sem:     semaphore.NewWeighted(int64(concurrency)),
		queues:  queues,
		wakeNow: make(chan struct{}, 1),
	}
	s.cond = sync.NewCond(&s.mu)

	go s.run()

	return s
}

// Submit enqueues a dispatch request in class's queue and blocks until a
// Lease is granted, ctx is cancelled, or the class queue is full (returned
// immediately as serrors.ErrQueueFull without blocking).
func (s *Scheduler) Submit(ctx context.Context, class string) (*Lease, error) {
	s.mu.Lock()

	q := s.queueForLocked(class)
	if q == nil {
		s.mu.Unlock()

		return nil, serrors.Wrap(serrors.ErrContract, nil, "unknown priority class "+class)
	}

	if q.items.Len() >= q.class.QueueCap {
		s.mu.Unlock()

		return nil, serrors.Wrap(serrors.ErrQueueFull, nil, "queue full for budget "+s.budget+" class "+class)
	}

	w := &waiter{ctx: ctx, result: make(chan waitResult, 1)}
	q.items.PushBack(w)
	metrics.BrokerQueueLength.WithLabelValues(s.budget, class).Set(float64(q.items.Len()))
	s.mu.Unlock()

	s.nudge()

	select {
	case res := <-w.result:
		return res.lease, res.err
	case <-ctx.Done():
		s.removeWaiter(q, w)

		return nil, serrors.Wrap(serrors.ErrCancelled, ctx.Err(), "submit cancelled")
	}
}

// RequeueAtHead re-enters a request at the front of class's queue instead of
// the back, skipping the QueueCap check. It is used when an upstream
// secondary rate limit (403 with Retry-After/zero remaining) forces a
// request to be retried without losing its place to requests that were
// never penalised, and without the capacity pressure it did not itself cause
// dropping it from the queue.
func (s *Scheduler) RequeueAtHead(ctx context.Context, class string) (*Lease, error) {
	s.mu.Lock()

	q := s.queueForLocked(class)
	if q == nil {
		s.mu.Unlock()

		return nil, serrors.Wrap(serrors.ErrContract, nil, "unknown priority class "+class)
	}

	w := &waiter{ctx: ctx, result: make(chan waitResult, 1)}
	q.items.PushFront(w)
	metrics.BrokerQueueLength.WithLabelValues(s.budget, class).Set(float64(q.items.Len()))
	s.mu.Unlock()

	s.nudge()

	select {
	case res := <-w.result:
		return res.lease, res.err
	case <-ctx.Done():
		s.removeWaiter(q, w)

		return nil, serrors.Wrap(serrors.ErrCancelled, ctx.Err(), "submit cancelled")
	}
}

func (s *Scheduler) queueForLocked(class string) *classQueue {
	for _, q := range s.queues {
		if q.class.Name == class {
			return q
		}
	}

	return nil
}

func (s *Scheduler) removeWaiter(q *classQueue, w *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for el := q.items.Front(); el != nil; el = el.Next() {
		if el.Value.(*waiter) == w { //nolint:errcheck
			q.items.Remove(el)
			metrics.BrokerQueueLength.WithLabelValues(s.budget, q.class.Name).Set(float64(q.items.Len()))

			break
		}
	}
}

// nudge wakes the dispatch loop without blocking if it is asleep.
func (s *Scheduler) nudge() {
	select {
	case s.wakeNow <- struct{}{}:
	default:
	}
}

// Close stops the dispatch loop. Queued waiters are left blocked on their
// context; callers should cancel their contexts before or after Close.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.nudge()
}

// run is the single dispatch loop for this budget's DRR schedule.
func (s *Scheduler) run() {
	const quantumWait = 10 * time.Millisecond

	for {
		if s.closed {
			return
		}

		granted := s.tryDispatchRound()
		if granted {
			continue
		}

		select {
		case <-s.wakeNow:
		case <-time.After(quantumWait):
		}
	}
}

// tryDispatchRound performs one DRR pass across all classes, giving each
// class's queue a chance to drain multiple waiters per pass in proportion to
// its weight (classic deficit round robin: a class's deficit grows by its
// weight once per pass and is spent one unit per grant, so a weight-3 class
// can grant up to 3 waiters in a pass a weight-1 class grants 1 in). It
// returns true if at least one lease was granted.
func (s *Scheduler) tryDispatchRound() bool {
	granted := false

	for _, q := range s.queues {
		if s.dispatchFromClass(q) {
			granted = true
		}
	}

	return granted
}

// dispatchFromClass adds q.class.Weight to its deficit once, then grants
// waiters from q one at a time — each costing one unit of deficit — for as
// long as the queue is non-empty, the deficit covers the cost, a concurrency
// permit is available, and the token pool has a reservable credential. It
// stops, without losing the remaining deficit, the moment any of those is
// unavailable, leaving the rest for the next pass.
func (s *Scheduler) dispatchFromClass(q *classQueue) bool {
	const cost = 1

	s.mu.Lock()
	q.deficit += q.class.Weight
	s.mu.Unlock()

	granted := false

	for {
		s.mu.Lock()

		if q.items.Len() == 0 {
			q.deficit = 0
			s.mu.Unlock()

			return granted
		}

		if q.deficit < cost {
			s.mu.Unlock()

			return granted
		}

		front := q.items.Front()
		w := front.Value.(*waiter) //nolint:errcheck

		s.mu.Unlock()

		if !s.sem.TryAcquire(1) {
			return granted
		}

		cred, ok := s.pool.Reserve(s.budget)
		if !ok {
			s.sem.Release(1)

			return granted
		}

		s.mu.Lock()
		q.items.Remove(front)
		q.deficit -= cost
		metrics.BrokerQueueLength.WithLabelValues(s.budget, q.class.Name).Set(float64(q.items.Len()))
		s.mu.Unlock()

		lease := &Lease{Credential: cred, release: func() { s.sem.Release(1); s.nudge() }}

		if w.ctx.Err() != nil {
			// the waiter already gave up (context cancelled between enqueue and
			// grant); return the concurrency permit instead of handing it over.
			lease.Release()
		} else {
			w.result <- waitResult{lease: lease}
		}

		granted = true
	}
}
