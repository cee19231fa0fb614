package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/factsync/internal/logstore"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(maxKeys int) (*namespaceLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	l := newNamespaceLimiter(1, 1)
	l.now = clock.now
	l.maxKeys = maxKeys
	return l, clock
}

func TestNamespaceLimiter_Disabled(t *testing.T) {
	l := newNamespaceLimiter(0, 1)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow(fmt.Sprintf("ns-%d", i)))
	}
	assert.Equal(t, 0, l.Len())
}

func TestNamespaceLimiter_BucketPerKey(t *testing.T) {
	l, clock := newTestLimiter(10)

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))

	clock.advance(time.Second)
	assert.True(t, l.Allow("a"))
}

func TestNamespaceLimiter_DropsIdleBuckets(t *testing.T) {
	l, clock := newTestLimiter(100)

	for i := 0; i < 5; i++ {
		l.Allow(fmt.Sprintf("ns-%d", i))
	}
	require.Equal(t, 5, l.Len())

	clock.advance(limiterIdleTTL / 2)
	l.Allow("ns-0")
	clock.advance(limiterIdleTTL/2 + time.Second)
	l.Allow("fresh")

	assert.Equal(t, 2, l.Len(), "ns-0 was seen recently; ns-1..4 went idle")
}

func TestNamespaceLimiter_BoundedKeys(t *testing.T) {
	l, clock := newTestLimiter(3)

	for i := 0; i < 50; i++ {
		clock.advance(time.Millisecond)
		l.Allow(fmt.Sprintf("ns-%d", i))
		require.LessOrEqual(t, l.Len(), 3)
	}

	// The most recent keys survive; their buckets are still spent.
	assert.False(t, l.Allow("ns-49"))
}

func TestRateLimit_InvalidNamespacesHoldNoBuckets(t *testing.T) {
	logs, err := logstore.Open(filepath.Join(t.TempDir(), "log.db"))
	require.NoError(t, err)
	t.Cleanup(func() { logs.Close() })

	srv := New(Config{RateLimitRPS: 1, RateLimitBurst: 1}, logs, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	for i := 0; i < 20; i++ {
		resp, err := ts.Client().Get(fmt.Sprintf("%s/junk-%d/head", ts.URL, i))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}
	assert.Equal(t, 0, srv.limiter.Len())

	resp, err := ts.Client().Get(ts.URL + "/" + nsUser + "/head")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, srv.limiter.Len())
}
