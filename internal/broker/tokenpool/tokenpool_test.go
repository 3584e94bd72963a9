package tokenpool_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/mhabedinpour-collector/collector/internal/broker/tokenpool"
	"github.com/stretchr/testify/require"
)

func TestReservePicksHighestRemainingLowestIndexOnTie(t *testing.T) {
	p := tokenpool.New([]string{"t0", "t1", "t2"})

	h := make(http.Header)
	h.Set("X-RateLimit-Limit", "100")
	h.Set("X-RateLimit-Remaining", "5")
	h.Set("X-RateLimit-Reset", "9999999999")
	p.Observe(0, "rest-core", h)
	p.Observe(1, "rest-core", h)

	h.Set("X-RateLimit-Remaining", "10")
	p.Observe(2, "rest-core", h)

	c, ok := p.Reserve("rest-core")
	require.True(t, ok)
	require.Equal(t, tokenpool.Credential(2), c)

	// after exhausting 2, 0 and 1 are tied at 5; index 0 should win.
	h.Set("X-RateLimit-Remaining", "0")
	p.Observe(2, "rest-core", h)

	c, ok = p.Reserve("rest-core")
	require.True(t, ok)
	require.Equal(t, tokenpool.Credential(0), c)
}

func TestReserveFailsWhenAllExhausted(t *testing.T) {
	p := tokenpool.New([]string{"t0"})

	h := make(http.Header)
	h.Set("X-RateLimit-Limit", "1")
	h.Set("X-RateLimit-Remaining", "0")
	h.Set("X-RateLimit-Reset", "9999999999")
	p.Observe(0, "rest-core", h)

	_, ok := p.Reserve("rest-core")
	require.False(t, ok)
}

func TestReserveRestoresAfterResetElapses(t *testing.T) {
	p := tokenpool.New([]string{"t0"})

	h := make(http.Header)
	h.Set("X-RateLimit-Limit", "10")
	h.Set("X-RateLimit-Remaining", "0")
	h.Set("X-RateLimit-Reset", "1")
	p.Observe(0, "rest-core", h)

	c, ok := p.Reserve("rest-core")
	require.True(t, ok)
	require.Equal(t, tokenpool.Credential(0), c)
}

func TestPenaliseForcesZeroRemainingUntilDeadline(t *testing.T) {
	p := tokenpool.New([]string{"t0", "t1"})

	h := make(http.Header)
	h.Set("X-RateLimit-Limit", "10")
	h.Set("X-RateLimit-Remaining", "5")
	h.Set("X-RateLimit-Reset", "9999999999")
	p.Observe(0, "rest-core", h)
	p.Observe(1, "rest-core", h)

	p.Penalise(0, "rest-core", time.Now().Add(time.Hour))

	c, ok := p.Reserve("rest-core")
	require.True(t, ok)
	require.Equal(t, tokenpool.Credential(1), c)
}

func TestRevokeIsEffectivelyPermanent(t *testing.T) {
	p := tokenpool.New([]string{"t0"})

	h := make(http.Header)
	h.Set("X-RateLimit-Limit", "10")
	h.Set("X-RateLimit-Remaining", "5")
	h.Set("X-RateLimit-Reset", "9999999999")
	p.Observe(0, "rest-core", h)

	p.Revoke(0, "rest-core")

	_, ok := p.Reserve("rest-core")
	require.False(t, ok)
}

func TestParseRateLimitHeadersMissingIsNotOk(t *testing.T) {
	_, _, _, ok := tokenpool.ParseRateLimitHeaders(make(http.Header))
	require.False(t, ok)
}

func TestSnapshotReflectsObservations(t *testing.T) {
	p := tokenpool.New([]string{"t0"})

	h := make(http.Header)
	h.Set("X-RateLimit-Limit", "60")
	h.Set("X-RateLimit-Remaining", "42")
	h.Set("X-RateLimit-Reset", "9999999999")
	p.Observe(0, "search", h)

	snaps := p.Snapshot("search")
	require.Len(t, snaps, 1)
	require.Equal(t, 60, snaps[0].Limit)
	require.Equal(t, 42, snaps[0].Remaining)
}
