package executor_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mhabedinpour-collector/collector/internal/broker/cache"
	"github.com/mhabedinpour-collector/collector/internal/broker/executor"
	"github.com/mhabedinpour-collector/collector/internal/broker/scheduler"
	"github.com/mhabedinpour-collector/collector/internal/broker/tokenpool"
	"github.com/stretchr/testify/require"
)

func openPool(budget string) *tokenpool.Pool {
	p := tokenpool.New([]string{"t0"})

	h := make(http.Header)
	h.Set("X-RateLimit-Limit", "1000000")
	h.Set("X-RateLimit-Remaining", "1000000")
	h.Set("X-RateLimit-Reset", "9999999999")
	p.Observe(0, budget, h)

	return p
}

func newExecutor(t *testing.T, server *httptest.Server) *executor.Executor {
	t.Helper()

	pool := openPool("rest-core")
	sched := scheduler.New("rest-core", pool, 2, []scheduler.Class{
		{Name: "interactive", Weight: 1, QueueCap: 10},
	})
	t.Cleanup(sched.Close)

	c := cache.New(1 << 20)

	return executor.New("rest-core", server.Client(), c, pool, sched, executor.Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		CapDelay:    10 * time.Millisecond,
	}, "collector-test/1.0")
}

func TestDoReturnsSuccessAndCachesETag(t *testing.T) {
	var hits int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)

		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)

			return
		}

		w.Header().Set("ETag", `"v1"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer server.Close()

	e := newExecutor(t, server)

	res, err := e.Do(context.Background(), executor.Request{
		Budget: "rest-core", Class: "interactive", Method: http.MethodGet,
		URL: server.URL, CacheKey: cache.Key(server.URL),
	})
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), res.Body)
	require.False(t, res.FromCache)

	res2, err := e.Do(context.Background(), executor.Request{
		Budget: "rest-core", Class: "interactive", Method: http.MethodGet,
		URL: server.URL, CacheKey: cache.Key(server.URL),
	})
	require.NoError(t, err)
	require.True(t, res2.FromCache)
	require.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestDoCoalescesConcurrentRequestsForSameKeyIntoOneDispatch(t *testing.T) {
	var (
		inFlight int32
		hits     int32
		maxSeen  int32
	)

	release := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)

		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
				break
			}
		}

		<-release
		atomic.AddInt32(&inFlight, -1)

		w.Header().Set("ETag", `"v1"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer server.Close()

	e := newExecutor(t, server)

	const concurrent = 20

	var wg sync.WaitGroup

	wg.Add(concurrent)

	results := make([]*executor.Response, concurrent)
	errs := make([]error, concurrent)

	for i := 0; i < concurrent; i++ {
		go func(i int) {
			defer wg.Done()

			results[i], errs[i] = e.Do(context.Background(), executor.Request{
				Budget: "rest-core", Class: "interactive", Method: http.MethodGet,
				URL: server.URL, CacheKey: cache.Key(server.URL),
			})
		}(i)
	}

	// give every goroutine a chance to reach consultCache before releasing
	// the single in-flight dispatch.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&hits), "only one dispatch should have reached upstream")
	require.Equal(t, int32(1), atomic.LoadInt32(&maxSeen), "at most one in-flight dispatch per canonical GET key")

	for i := 0; i < concurrent; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, []byte("hello"), results[i].Body)
	}
}

func TestDoRefreshPolicyRevalidatesFreshEntryInsteadOfServingItDirectly(t *testing.T) {
	var hits int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)

		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)

			return
		}

		w.Header().Set("ETag", `"v1"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer server.Close()

	e := newExecutor(t, server)

	req := executor.Request{
		Budget: "rest-core", Class: "interactive", Method: http.MethodGet,
		URL: server.URL, CacheKey: cache.Key(server.URL), Policy: executor.PolicyRefresh,
	}

	res, err := e.Do(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), res.Body)
	require.False(t, res.FromCache)
	require.Equal(t, int32(1), atomic.LoadInt32(&hits))

	// A refresh must dispatch again (not serve the Fresh entry directly),
	// attaching If-None-Match, and the server's 304 should still resolve to
	// the previously stored body.
	res2, err := e.Do(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), res2.Body)
	require.True(t, res2.FromCache)
	require.Equal(t, int32(2), atomic.LoadInt32(&hits), "refresh policy must always dispatch, even against a fresh entry")
}

func TestDoBypassPolicyNeverServesOrStoresCacheEntry(t *testing.T) {
	var hits int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("ETag", `"v1"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer server.Close()

	e := newExecutor(t, server)

	req := executor.Request{
		Budget: "rest-core", Class: "interactive", Method: http.MethodGet,
		URL: server.URL, CacheKey: cache.Key(server.URL), Policy: executor.PolicyBypass,
	}

	_, err := e.Do(context.Background(), req)
	require.NoError(t, err)

	_, err = e.Do(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, int32(2), atomic.LoadInt32(&hits), "bypass must dispatch every time, never serving a stored entry")
}

func TestDoRetriesOn500ThenSucceeds(t *testing.T) {
	var attempts int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)

			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	e := newExecutor(t, server)

	res, err := e.Do(context.Background(), executor.Request{
		Budget: "rest-core", Class: "interactive", Method: http.MethodGet, URL: server.URL,
	})
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), res.Body)
	require.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
}

func TestDoPenalisesAndRetriesOnSecondaryRateLimit(t *testing.T) {
	var attempts int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusForbidden)

			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	e := newExecutor(t, server)

	res, err := e.Do(context.Background(), executor.Request{
		Budget: "rest-core", Class: "interactive", Method: http.MethodGet, URL: server.URL,
	})
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), res.Body)
	require.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
}

func TestDoDoesNotRetryOnBareForbidden(t *testing.T) {
	var attempts int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	e := newExecutor(t, server)

	_, err := e.Do(context.Background(), executor.Request{
		Budget: "rest-core", Class: "interactive", Method: http.MethodGet, URL: server.URL,
	})
	require.Error(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&attempts), "a 403 without a secondary-limit marker must not retry")
}

func TestDoDoesNotRetryOn404(t *testing.T) {
	var attempts int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	e := newExecutor(t, server)

	_, err := e.Do(context.Background(), executor.Request{
		Budget: "rest-core", Class: "interactive", Method: http.MethodGet, URL: server.URL,
	})
	require.Error(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}
