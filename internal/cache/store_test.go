package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/spoilr/internal/database/testutil"
)

type storeHarness struct {
	store   Store
	advance func(time.Duration)
}

func redisHarness(t *testing.T) storeHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return storeHarness{store: NewRedisStore(client, "test:"), advance: mr.FastForward}
}

func databaseHarness(t *testing.T) storeHarness {
	t.Helper()
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store := NewDatabaseStore(db)
	now := time.Now().UTC()
	store.now = func() time.Time { return now }
	return storeHarness{store: store, advance: func(d time.Duration) { now = now.Add(d) }}
}

func eachStore(t *testing.T, fn func(t *testing.T, h storeHarness)) {
	t.Run("redis", func(t *testing.T) { fn(t, redisHarness(t)) })
	t.Run("database", func(t *testing.T) { fn(t, databaseHarness(t)) })
}

func TestStoreGetSetDelete(t *testing.T) {
	eachStore(t, func(t *testing.T, h storeHarness) {
		ctx := context.Background()

		_, ok, err := h.store.Get(ctx, "missing")
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, h.store.Set(ctx, "deep:1", []byte("42"), time.Minute))
		value, ok, err := h.store.Get(ctx, "deep:1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("42"), value)

		h.advance(2 * time.Minute)
		_, ok, err = h.store.Get(ctx, "deep:1")
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, h.store.Set(ctx, "forever", []byte("x"), 0))
		h.advance(24 * time.Hour)
		_, ok, err = h.store.Get(ctx, "forever")
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, h.store.Delete(ctx, "forever"))
		_, ok, err = h.store.Get(ctx, "forever")
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestStoreIncrementWithTTL(t *testing.T) {
	eachStore(t, func(t *testing.T, h storeHarness) {
		ctx := context.Background()
		for want := int64(1); want <= 3; want++ {
			got, ttl, err := h.store.IncrementWithTTL(ctx, "login:1.2.3.4", time.Minute)
			require.NoError(t, err)
			require.Equal(t, want, got)
			require.Greater(t, ttl, time.Duration(0))
		}
		h.advance(2 * time.Minute)
		got, _, err := h.store.IncrementWithTTL(ctx, "login:1.2.3.4", time.Minute)
		require.NoError(t, err)
		require.Equal(t, int64(1), got)
	})
}

func TestStoreSetNXAndCompareAndDelete(t *testing.T) {
	eachStore(t, func(t *testing.T, h storeHarness) {
		ctx := context.Background()

		ok, err := h.store.SetNX(ctx, "lock:a", []byte("one"), time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = h.store.SetNX(ctx, "lock:a", []byte("two"), time.Second)
		require.NoError(t, err)
		require.False(t, ok)

		deleted, err := h.store.CompareAndDelete(ctx, "lock:a", []byte("two"))
		require.NoError(t, err)
		require.False(t, deleted)

		h.advance(2 * time.Second)
		ok, err = h.store.SetNX(ctx, "lock:a", []byte("two"), time.Second)
		require.NoError(t, err)
		require.True(t, ok, "expired holder must not block")

		deleted, err = h.store.CompareAndDelete(ctx, "lock:a", []byte("two"))
		require.NoError(t, err)
		require.True(t, deleted)
	})
}

func TestLockerExcludesConcurrentHolders(t *testing.T) {
	eachStore(t, func(t *testing.T, h storeHarness) {
		ctx := context.Background()
		locker := NewLocker(h.store)

		first, err := locker.TryLock(ctx, "task_send_email:1", FastTimeout)
		require.NoError(t, err)

		_, err = locker.TryLock(ctx, "task_send_email:1", FastTimeout)
		require.ErrorIs(t, err, ErrLockBusy)

		_, err = locker.Lock(ctx, "task_send_email:1", 60*time.Millisecond)
		require.ErrorIs(t, err, ErrLockTimeout)

		require.NoError(t, first.Release(ctx))
		require.NoError(t, first.Release(ctx))

		second, err := locker.Lock(ctx, "task_send_email:1", time.Second)
		require.NoError(t, err)
		require.NoError(t, second.Release(ctx))
	})
}

func TestMutexExtendKeepsOwnership(t *testing.T) {
	eachStore(t, func(t *testing.T, h storeHarness) {
		ctx := context.Background()
		locker := NewLocker(h.store)

		held, err := locker.TryLock(ctx, "task_send_email_template:1", time.Second)
		require.NoError(t, err)

		h.advance(800 * time.Millisecond)
		require.NoError(t, held.Extend(ctx, time.Second))
		h.advance(800 * time.Millisecond)
		_, err = locker.TryLock(ctx, "task_send_email_template:1", time.Second)
		require.ErrorIs(t, err, ErrLockBusy)

		// Once expired and taken by someone else, the old holder cannot extend.
		h.advance(2 * time.Second)
		other, err := locker.TryLock(ctx, "task_send_email_template:1", time.Second)
		require.NoError(t, err)
		require.ErrorIs(t, held.Extend(ctx, time.Second), ErrLockLost)
		require.NoError(t, other.Release(ctx))

		require.NoError(t, held.Release(ctx))
		require.ErrorIs(t, held.Extend(ctx, time.Second), ErrLockLost)
	})
}
