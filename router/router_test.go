package router

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/shellbox/config"
	"github.com/BaSui01/shellbox/types"
)

func newTestRouter(t *testing.T, workers []string) (*Router, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.RouterConfig{
		Workers:       workers,
		ProbeInterval: time.Hour,
		ProbeTimeout:  time.Second,
	}
	return New(cfg, time.Minute, rdb, nil, nil), mr
}

func setHealth(r *Router, worker string, healthy bool, load int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[worker] = workerState{healthy: healthy, load: load}
}

func TestRouteRecordsAffinity(t *testing.T) {
	r, mr := newTestRouter(t, []string{"http://w1", "http://w2"})
	setHealth(r, "http://w1", true, 0)
	setHealth(r, "http://w2", true, 0)
	ctx := context.Background()

	worker, err := r.Route(ctx, "thread-1")
	require.NoError(t, err)
	assert.Contains(t, []string{"http://w1", "http://w2"}, worker)

	// Sticky: every subsequent route lands on the same worker.
	for i := 0; i < 5; i++ {
		again, err := r.Route(ctx, "thread-1")
		require.NoError(t, err)
		assert.Equal(t, worker, again)
	}

	stored, err := mr.Get("route:thread:thread-1")
	require.NoError(t, err)
	assert.Equal(t, worker, stored)
}

func TestRoutePrefersLowestLoad(t *testing.T) {
	r, _ := newTestRouter(t, []string{"http://busy", "http://idle"})
	setHealth(r, "http://busy", true, 9)
	setHealth(r, "http://idle", true, 1)

	for i := 0; i < 5; i++ {
		worker, err := r.Route(context.Background(), "thread-"+string(rune('a'+i)))
		require.NoError(t, err)
		assert.Equal(t, "http://idle", worker)
	}
}

func TestRouteClearsStaleAffinity(t *testing.T) {
	r, mr := newTestRouter(t, []string{"http://dead", "http://alive"})
	setHealth(r, "http://dead", true, 0)
	setHealth(r, "http://alive", true, 0)
	ctx := context.Background()

	require.NoError(t, mr.Set("route:thread:t1", "http://dead"))
	setHealth(r, "http://dead", false, 0)

	worker, err := r.Route(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "http://alive", worker)

	stored, err := mr.Get("route:thread:t1")
	require.NoError(t, err)
	assert.Equal(t, "http://alive", stored, "stale affinity must be replaced")
}

func TestRouteNoHealthyWorker(t *testing.T) {
	r, _ := newTestRouter(t, []string{"http://w1"})
	setHealth(r, "http://w1", false, 0)

	_, err := r.Route(context.Background(), "t1")
	assert.Equal(t, types.ErrNoHealthyWorker, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}

func TestSessionRouteRoundTrip(t *testing.T) {
	r, _ := newTestRouter(t, []string{"http://w1"})
	ctx := context.Background()

	worker, err := r.RouteSession(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, worker)

	require.NoError(t, r.BindSession(ctx, "s1", "http://w1"))
	worker, err = r.RouteSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "http://w1", worker)

	require.NoError(t, r.ClearSession(ctx, "s1"))
	worker, err = r.RouteSession(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, worker)
}

func TestAffinityExpiresWithTTL(t *testing.T) {
	r, mr := newTestRouter(t, []string{"http://w1"})
	setHealth(r, "http://w1", true, 0)
	ctx := context.Background()

	_, err := r.Route(ctx, "t1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	exists := mr.Exists("route:thread:t1")
	assert.False(t, exists, "affinity records must self-expire")
}
