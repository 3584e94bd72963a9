package cache_test

import (
	"testing"

	"github.com/mhabedinpour-collector/collector/internal/broker/cache"
	"github.com/stretchr/testify/require"
)

func TestLookupMissThenFreshAfterSettle(t *testing.T) {
	c := cache.New(1 << 20)

	res := c.Lookup("k1")
	require.Equal(t, cache.Miss, res.Kind)

	tk := c.Begin("k1")
	tk.Settle(true, []byte("body"), `"etag1"`)

	res = c.Lookup("k1")
	require.Equal(t, cache.Fresh, res.Kind)
	require.Equal(t, []byte("body"), res.Body)
	require.Equal(t, `"etag1"`, res.Validator)
}

func TestSingleFlightCoalescesConcurrentMiss(t *testing.T) {
	c := cache.New(1 << 20)

	require.Equal(t, cache.Miss, c.Lookup("k1").Kind)
	tk := c.Begin("k1")

	res := c.Lookup("k1")
	require.Equal(t, cache.InFlight, res.Kind)

	tk.Settle(true, []byte("resolved"), `"v"`)

	wr := <-res.Waiter
	require.True(t, wr.Found)
	require.Equal(t, []byte("resolved"), wr.Body)
}

func TestBypassPreventsStore(t *testing.T) {
	c := cache.New(1 << 20)

	tk := c.Begin("k1")
	c.Bypass("k1")
	tk.Settle(true, []byte("body"), `"etag"`)

	require.Equal(t, cache.Miss, c.Lookup("k1").Kind)
}

func TestEvictionIsLRUAndRespectsByteCap(t *testing.T) {
	// cap fits exactly one 4-byte body
	c := cache.New(4)

	for _, k := range []cache.Key{"a", "b"} {
		tk := c.Begin(k)
		tk.Settle(true, []byte("1234"), "v")
	}

	// "a" should have been evicted as least-recently-used, "b" should remain
	require.Equal(t, cache.Miss, c.Lookup("a").Kind)
	require.Equal(t, cache.Fresh, c.Lookup("b").Kind)
}

func TestPinnedEntryIsNotEvictedWhileAwaited(t *testing.T) {
	c := cache.New(4)

	tk := c.Begin("a")
	tk.Settle(true, []byte("1234"), "v")

	// a refresh ticket for "a" is opened, and a waiter then holds a reference
	// on "a" via Lookup returning InFlight.
	require.Equal(t, cache.Fresh, c.Lookup("a").Kind)

	refreshTicket := c.Begin("a")
	res := c.Lookup("a")
	require.Equal(t, cache.InFlight, res.Kind)

	// storing a new, same-size entry for a different key should not evict "a"
	// because it is pinned while awaited.
	tk2 := c.Begin("b")
	tk2.Settle(true, []byte("5678"), "v2")

	// the pinned "a" is skipped, so "b" is the entry evicted to get back under the cap.
	require.Equal(t, cache.Miss, c.Lookup("b").Kind)

	refreshTicket.Settle(true, []byte("1234"), "v")
	wr := <-res.Waiter
	require.True(t, wr.Found)
}
