package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/shellbox/config"
	"github.com/BaSui01/shellbox/types"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, err := NewRedisStore(context.Background(), config.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return mr, store
}

func testSession(id string) *types.Session {
	now := time.Now().UTC().Truncate(time.Second)
	return &types.Session{
		ID:           id,
		ThreadID:     "thread-1",
		UserID:       "u1",
		UnitID:       "unit-1",
		Worker:       "worker-a",
		State:        types.SessionActive,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(time.Minute),
		WorkspaceDir: "/workspace",
	}
}

func TestRedisStoreSessionRoundTrip(t *testing.T) {
	_, store := setupTestRedis(t)
	ctx := context.Background()

	sess := testSession("s1")
	require.NoError(t, store.PutSession(ctx, sess, time.Minute))

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sess.ThreadID, got.ThreadID)
	assert.Equal(t, sess.UnitID, got.UnitID)
	assert.Equal(t, sess.Worker, got.Worker)
}

func TestRedisStoreMissingSession(t *testing.T) {
	_, store := setupTestRedis(t)

	got, err := store.GetSession(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStoreSessionTTLExpiry(t *testing.T) {
	mr, store := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.PutSession(ctx, testSession("s1"), time.Minute))

	mr.FastForward(2 * time.Minute)

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got, "records self-expire without any cleanup pass")
}

func TestRedisStoreThreadMapping(t *testing.T) {
	mr, store := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.PutThread(ctx, "thread-1", "s1", time.Minute))

	id, err := store.GetThread(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "s1", id)

	// Refresh replaces the mapping.
	require.NoError(t, store.PutThread(ctx, "thread-1", "s2", time.Minute))
	id, err = store.GetThread(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "s2", id)

	mr.FastForward(2 * time.Minute)
	id, err = store.GetThread(ctx, "thread-1")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestRedisStoreDelete(t *testing.T) {
	_, store := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.PutSession(ctx, testSession("s1"), time.Minute))
	require.NoError(t, store.PutThread(ctx, "thread-1", "s1", time.Minute))

	require.NoError(t, store.DeleteSession(ctx, "s1"))
	require.NoError(t, store.DeleteThread(ctx, "thread-1"))

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Deleting absent records is not an error.
	require.NoError(t, store.DeleteSession(ctx, "s1"))
}

func TestMemoryStoreMatchesRedisContract(t *testing.T) {
	stores := map[string]Store{
		"memory": NewMemoryStore(),
	}
	_, redisStore := setupTestRedis(t)
	stores["redis"] = redisStore

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			got, err := store.GetSession(ctx, "absent")
			require.NoError(t, err)
			assert.Nil(t, got)

			id, err := store.GetThread(ctx, "absent")
			require.NoError(t, err)
			assert.Empty(t, id)

			sess := testSession("contract")
			require.NoError(t, store.PutSession(ctx, sess, time.Minute))
			back, err := store.GetSession(ctx, "contract")
			require.NoError(t, err)
			require.NotNil(t, back)
			assert.Equal(t, sess.ID, back.ID)
		})
	}
}
