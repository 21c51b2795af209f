package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/shellbox/config"
	"github.com/BaSui01/shellbox/testutil"
	"github.com/BaSui01/shellbox/types"
)

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		MinSize:         2,
		PrewarmSize:     3,
		MaxCapacity:     5,
		IdleTimeout:     time.Hour,
		SweepInterval:   time.Hour,
		SpawnRetries:    3,
		SpawnBackoffMin: time.Millisecond,
	}
}

func TestManagerPrewarm(t *testing.T) {
	rt := testutil.NewFakeRuntime()
	m := NewManager(rt, testPoolConfig(), nil, nil)
	ctx := testutil.TestContext(t)

	warmed := m.Prewarm(ctx, 3)
	assert.Equal(t, 3, warmed)

	stats := m.Stats()
	assert.Equal(t, 3, stats.Available)
	assert.Equal(t, 0, stats.Allocated)
	assert.Equal(t, 3, stats.Total)
}

func TestManagerAllocatePrefersIdle(t *testing.T) {
	rt := testutil.NewFakeRuntime()
	m := NewManager(rt, testPoolConfig(), nil, nil)
	ctx := testutil.TestContext(t)

	m.Prewarm(ctx, 2)
	spawnsBefore := rt.SpawnCount

	unit, err := m.Allocate(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.UnitAllocated, unit.State)
	assert.Equal(t, spawnsBefore, rt.SpawnCount, "idle unit should be reused, not spawned")

	stats := m.Stats()
	assert.Equal(t, 1, stats.Available)
	assert.Equal(t, 1, stats.Allocated)
}

func TestManagerAllocateColdSpawns(t *testing.T) {
	rt := testutil.NewFakeRuntime()
	m := NewManager(rt, testPoolConfig(), nil, nil)
	ctx := testutil.TestContext(t)

	unit, err := m.Allocate(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, unit.ID)
	assert.Equal(t, 1, rt.SpawnCount)
}

func TestManagerAllocateExhausted(t *testing.T) {
	rt := testutil.NewFakeRuntime()
	cfg := testPoolConfig()
	cfg.MaxCapacity = 2
	m := NewManager(rt, cfg, nil, nil)
	ctx := testutil.TestContext(t)

	_, err := m.Allocate(ctx)
	require.NoError(t, err)
	_, err = m.Allocate(ctx)
	require.NoError(t, err)

	_, err = m.Allocate(ctx)
	assert.Equal(t, types.ErrPoolExhausted, types.GetErrorCode(err))
}

func TestManagerReleaseDirtyDestroysAndRefloors(t *testing.T) {
	rt := testutil.NewFakeRuntime()
	cfg := testPoolConfig()
	cfg.MinSize = 1
	m := NewManager(rt, cfg, nil, nil)
	ctx := testutil.TestContext(t)

	unit, err := m.Allocate(ctx)
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, unit.ID, true))
	assert.Contains(t, rt.Destroyed, unit.ID)

	// Pool was refloored back to min_size with a fresh unit.
	stats := m.Stats()
	assert.Equal(t, 1, stats.Available)
	assert.Equal(t, 0, stats.Allocated)

	fresh, err := m.Allocate(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, unit.ID, fresh.ID, "dirty unit must never be handed out again")
}

func TestManagerReleaseCleanRequeues(t *testing.T) {
	rt := testutil.NewFakeRuntime()
	m := NewManager(rt, testPoolConfig(), nil, nil)
	ctx := testutil.TestContext(t)

	unit, err := m.Allocate(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, unit.ID, false))

	assert.Empty(t, rt.Destroyed)
	again, err := m.Allocate(ctx)
	require.NoError(t, err)
	assert.Equal(t, unit.ID, again.ID)
}

func TestManagerReleaseUnknownUnitIsNoop(t *testing.T) {
	rt := testutil.NewFakeRuntime()
	m := NewManager(rt, testPoolConfig(), nil, nil)

	require.NoError(t, m.Release(testutil.TestContext(t), "never-allocated", true))
}

func TestManagerSweepRespectsFloor(t *testing.T) {
	rt := testutil.NewFakeRuntime()
	cfg := testPoolConfig()
	cfg.MinSize = 2
	cfg.IdleTimeout = 10 * time.Millisecond
	m := NewManager(rt, cfg, nil, nil)
	ctx := testutil.TestContext(t)

	m.Prewarm(ctx, 4)
	time.Sleep(20 * time.Millisecond)

	swept := m.Sweep(ctx)
	assert.Equal(t, 2, swept)
	assert.Equal(t, 2, m.Stats().Total, "sweeper must not drop below min_size")

	// A second sweep finds nothing to destroy.
	assert.Equal(t, 0, m.Sweep(ctx))
}

func TestManagerSweepSkipsFreshUnits(t *testing.T) {
	rt := testutil.NewFakeRuntime()
	m := NewManager(rt, testPoolConfig(), nil, nil)
	ctx := testutil.TestContext(t)

	m.Prewarm(ctx, 4)
	assert.Equal(t, 0, m.Sweep(ctx), "fresh units are not idle-expired")
}

func TestManagerSpawnRetriesThenFails(t *testing.T) {
	spawnErr := types.NewError(types.ErrSpawnFailure, "daemon busy").WithRetryable(true)
	rt := testutil.NewFakeRuntime().WithSpawnError(spawnErr)
	m := NewManager(rt, testPoolConfig(), nil, nil)

	_, err := m.Allocate(testutil.TestContext(t))
	assert.Equal(t, types.ErrSpawnFailure, types.GetErrorCode(err))
	assert.Equal(t, 3, rt.SpawnCount, "spawn should be retried up to the limit")
}

func TestManagerSpawnRecoversAfterTransientFailure(t *testing.T) {
	spawnErr := types.NewError(types.ErrSpawnFailure, "daemon busy").WithRetryable(true)
	rt := testutil.NewFakeRuntime().WithSpawnErrorN(spawnErr, 2)
	m := NewManager(rt, testPoolConfig(), nil, nil)

	unit, err := m.Allocate(testutil.TestContext(t))
	require.NoError(t, err)
	assert.NotEmpty(t, unit.ID)
	assert.Equal(t, 3, rt.SpawnCount)
}

func TestManagerConcurrentColdSpawnsReserveDistinctSlots(t *testing.T) {
	rt := testutil.NewFakeRuntime().WithSpawnDelay(50 * time.Millisecond)
	cfg := testPoolConfig()
	cfg.MaxCapacity = 2
	m := NewManager(rt, cfg, nil, nil)
	ctx := testutil.TestContext(t)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := m.Allocate(ctx)
			results <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)

	// Both in-flight spawns hold a reservation, so the pool is already at
	// capacity before either unit exists.
	_, err := m.Allocate(ctx)
	assert.Equal(t, types.ErrPoolExhausted, types.GetErrorCode(err))

	require.NoError(t, <-results)
	require.NoError(t, <-results)

	stats := m.Stats()
	assert.Equal(t, 2, stats.Allocated)
	assert.Equal(t, 2, stats.Total)
}

func TestManagerInvariantUnderConcurrency(t *testing.T) {
	rt := testutil.NewFakeRuntime()
	cfg := testPoolConfig()
	cfg.MaxCapacity = 4
	m := NewManager(rt, cfg, nil, nil)
	ctx := testutil.TestContext(t)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			unit, err := m.Allocate(ctx)
			if err != nil {
				return
			}
			_ = m.Release(ctx, unit.ID, i%2 == 0)
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	stats := m.Stats()
	assert.Equal(t, stats.Total, stats.Available+stats.Allocated)
	assert.LessOrEqual(t, stats.Total, cfg.MaxCapacity)
}

func TestManagerStopDestroysEverything(t *testing.T) {
	rt := testutil.NewFakeRuntime()
	m := NewManager(rt, testPoolConfig(), nil, nil)
	ctx := testutil.TestContext(t)

	m.Prewarm(ctx, 2)
	_, err := m.Allocate(ctx)
	require.NoError(t, err)

	m.Start(ctx)
	m.Stop(ctx)

	assert.Empty(t, rt.Units())
	assert.Equal(t, 0, m.Stats().Total)
}
