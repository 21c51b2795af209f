package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/shellbox/config"
	"github.com/BaSui01/shellbox/pool"
	"github.com/BaSui01/shellbox/testutil"
	"github.com/BaSui01/shellbox/types"
)

func newTestRegistry(t *testing.T, ttl time.Duration) (*Registry, *testutil.FakeRuntime) {
	t.Helper()
	rt := testutil.NewFakeRuntime()
	units := pool.NewManager(rt, config.PoolConfig{
		MinSize:         0,
		MaxCapacity:     10,
		IdleTimeout:     time.Hour,
		SweepInterval:   time.Hour,
		SpawnRetries:    2,
		SpawnBackoffMin: time.Millisecond,
	}, nil, nil)
	reg := NewRegistry(NewMemoryStore(), units, config.SessionConfig{
		TTL:           ttl,
		SweepInterval: time.Hour,
	}, WithWorkerID("test-worker"), WithWorkspaceDir("/workspace"))
	return reg, rt
}

func TestRegistryGetOrCreateIsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Minute)
	ctx := testutil.TestContext(t)

	h1, err := reg.GetOrCreate(ctx, "u1", "thread-1", 0)
	require.NoError(t, err)
	h2, err := reg.GetOrCreate(ctx, "u1", "thread-1", 0)
	require.NoError(t, err)

	assert.Equal(t, h1.Session().ID, h2.Session().ID)
	assert.Equal(t, h1.Session().UnitID, h2.Session().UnitID)
}

func TestRegistryDistinctThreadsGetDistinctUnits(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Minute)
	ctx := testutil.TestContext(t)

	h1, err := reg.GetOrCreate(ctx, "u1", "thread-1", 0)
	require.NoError(t, err)
	h2, err := reg.GetOrCreate(ctx, "u1", "thread-2", 0)
	require.NoError(t, err)

	assert.NotEqual(t, h1.Session().ID, h2.Session().ID)
	assert.NotEqual(t, h1.Session().UnitID, h2.Session().UnitID)
}

func TestRegistryConcurrentCreateCollapses(t *testing.T) {
	reg, rt := newTestRegistry(t, time.Minute)
	ctx := testutil.TestContext(t)

	const callers = 16
	var wg sync.WaitGroup
	ids := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			h, err := reg.GetOrCreate(ctx, "u1", "thread-1", 0)
			if assert.NoError(t, err) {
				ids[n] = h.Session().ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, rt.SpawnCount, "one thread must allocate exactly one unit")
}

func TestRegistryGetNotFoundVsExpired(t *testing.T) {
	reg, _ := newTestRegistry(t, 10*time.Millisecond)
	ctx := testutil.TestContext(t)

	_, err := reg.Get(ctx, "never-existed")
	assert.Equal(t, types.ErrSessionNotFound, types.GetErrorCode(err))

	h, err := reg.GetOrCreate(ctx, "u1", "thread-1", 0)
	require.NoError(t, err)
	sessionID := h.Session().ID

	time.Sleep(20 * time.Millisecond)

	_, err = reg.Get(ctx, sessionID)
	assert.Equal(t, types.ErrSessionExpired, types.GetErrorCode(err))

	// The distinction persists after the handle is gone.
	_, err = reg.Get(ctx, sessionID)
	assert.Equal(t, types.ErrSessionExpired, types.GetErrorCode(err))
}

func TestRegistryTouchExtendsLifetime(t *testing.T) {
	reg, _ := newTestRegistry(t, 50*time.Millisecond)
	ctx := testutil.TestContext(t)

	h, err := reg.GetOrCreate(ctx, "u1", "thread-1", 0)
	require.NoError(t, err)
	sessionID := h.Session().ID

	for i := 0; i < 3; i++ {
		time.Sleep(30 * time.Millisecond)
		require.NoError(t, reg.Touch(ctx, sessionID))
	}

	// Total elapsed exceeds the TTL but activity kept it alive.
	got, err := reg.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, sessionID, got.Session().ID)
}

func TestRegistryCloseReleasesUnitDirty(t *testing.T) {
	reg, rt := newTestRegistry(t, time.Minute)
	ctx := testutil.TestContext(t)

	h, err := reg.GetOrCreate(ctx, "u1", "thread-1", 0)
	require.NoError(t, err)
	sessionID, unitID := h.Session().ID, h.Session().UnitID

	require.NoError(t, reg.Close(ctx, sessionID))
	assert.Contains(t, rt.Destroyed, unitID)

	_, err = reg.Get(ctx, sessionID)
	assert.Equal(t, types.ErrSessionNotFound, types.GetErrorCode(err))

	// The thread is free again and gets a brand new session and unit.
	fresh, err := reg.GetOrCreate(ctx, "u1", "thread-1", 0)
	require.NoError(t, err)
	assert.NotEqual(t, sessionID, fresh.Session().ID)
	assert.NotEqual(t, unitID, fresh.Session().UnitID)
}

func TestRegistryCloseUnknownSession(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Minute)

	err := reg.Close(testutil.TestContext(t), "nope")
	assert.Equal(t, types.ErrSessionNotFound, types.GetErrorCode(err))
}

func TestRegistryExpireSweep(t *testing.T) {
	reg, rt := newTestRegistry(t, 10*time.Millisecond)
	ctx := testutil.TestContext(t)

	h, err := reg.GetOrCreate(ctx, "u1", "thread-1", 0)
	require.NoError(t, err)
	unitID := h.Session().UnitID

	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, reg.ExpireSweep(ctx))
	assert.Contains(t, rt.Destroyed, unitID)
	assert.Equal(t, 0, reg.ExpireSweep(ctx))
}

func TestRegistryReplaceUnit(t *testing.T) {
	reg, rt := newTestRegistry(t, time.Minute)
	ctx := testutil.TestContext(t)

	h, err := reg.GetOrCreate(ctx, "u1", "thread-1", 0)
	require.NoError(t, err)
	old := h.Session().UnitID

	h.Lock()
	err = reg.ReplaceUnit(ctx, h)
	h.Unlock()
	require.NoError(t, err)

	assert.NotEqual(t, old, h.Session().UnitID)
	assert.Contains(t, rt.Destroyed, old)

	// Same session id survives the swap.
	got, err := reg.Get(ctx, h.Session().ID)
	require.NoError(t, err)
	assert.Equal(t, h.Session().UnitID, got.Session().UnitID)
}

func TestRegistrySweepAfterReplacementKeepsNewSession(t *testing.T) {
	reg, rt := newTestRegistry(t, 30*time.Millisecond)
	ctx := testutil.TestContext(t)

	hA, err := reg.GetOrCreate(ctx, "u1", "thread-1", 0)
	require.NoError(t, err)
	idA, unitA := hA.Session().ID, hA.Session().UnitID

	time.Sleep(50 * time.Millisecond)

	// Sweeping the lapsed predecessor after the thread was re-bound must
	// not unbind the thread from its live successor.
	hB, err := reg.GetOrCreate(ctx, "u1", "thread-1", time.Minute)
	require.NoError(t, err)
	idB := hB.Session().ID
	require.NotEqual(t, idA, idB)

	reg.ExpireSweep(ctx)
	assert.Contains(t, rt.Destroyed, unitA)

	hAgain, err := reg.GetOrCreate(ctx, "u1", "thread-1", 0)
	require.NoError(t, err)
	assert.Equal(t, idB, hAgain.Session().ID, "the thread must stay bound to its active session")

	_, err = reg.Get(ctx, idA)
	assert.Equal(t, types.ErrSessionExpired, types.GetErrorCode(err))
}

func TestRegistryTouchAndGetConcurrently(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Minute)
	ctx := testutil.TestContext(t)

	h, err := reg.GetOrCreate(ctx, "u1", "thread-1", 0)
	require.NoError(t, err)
	sessionID := h.Session().ID

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = reg.Touch(ctx, sessionID)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = reg.Get(ctx, sessionID)
				reg.ExpireSweep(ctx)
			}
		}()
	}
	wg.Wait()

	got, err := reg.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, sessionID, got.Session().ID)
}

func TestRegistryReplaceUnitAfterCloseDoesNotLeak(t *testing.T) {
	reg, rt := newTestRegistry(t, time.Minute)
	ctx := testutil.TestContext(t)

	h, err := reg.GetOrCreate(ctx, "u1", "thread-1", 0)
	require.NoError(t, err)
	require.NoError(t, reg.Close(ctx, h.Session().ID))
	spawns := rt.SpawnCount

	h.Lock()
	err = reg.ReplaceUnit(ctx, h)
	h.Unlock()
	assert.Equal(t, types.ErrSessionExpired, types.GetErrorCode(err))
	assert.Equal(t, spawns, rt.SpawnCount, "no unit may be allocated for a dead handle")
	assert.Equal(t, 0, len(rt.Units()), "every spawned unit must be destroyed again")
}

func TestRegistryPoolExhaustionSurfaces(t *testing.T) {
	rt := testutil.NewFakeRuntime()
	units := pool.NewManager(rt, config.PoolConfig{
		MaxCapacity:     1,
		IdleTimeout:     time.Hour,
		SweepInterval:   time.Hour,
		SpawnRetries:    1,
		SpawnBackoffMin: time.Millisecond,
	}, nil, nil)
	reg := NewRegistry(NewMemoryStore(), units, config.SessionConfig{
		TTL: time.Minute, SweepInterval: time.Hour,
	})
	ctx := testutil.TestContext(t)

	_, err := reg.GetOrCreate(ctx, "u1", "thread-1", 0)
	require.NoError(t, err)

	_, err = reg.GetOrCreate(ctx, "u1", "thread-2", 0)
	assert.Equal(t, types.ErrPoolExhausted, types.GetErrorCode(err))
}
