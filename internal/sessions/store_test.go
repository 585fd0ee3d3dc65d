package sessions

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/spoilr/internal/cache"
	"github.com/charlesng35/spoilr/internal/database/testutil"
	"github.com/charlesng35/spoilr/internal/jobs"
	"github.com/charlesng35/spoilr/internal/models"
	"github.com/charlesng35/spoilr/internal/services"
)

type harness struct {
	db     *gorm.DB
	mr     *miniredis.Miniredis
	cache  cache.Store
	store  *Store
	queue  *jobs.Queue
	worker *jobs.Worker
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{db: db, mr: mr, now: time.Date(2026, 1, 16, 20, 0, 0, 0, time.UTC)}
	h.cache = cache.NewRedisStore(client, "test:")
	queue, err := jobs.NewQueue(db, jobs.WithQueueClock(func() time.Time { return h.now }))
	require.NoError(t, err)
	h.queue = queue
	h.worker = jobs.NewWorker(queue)

	store, err := NewStore(db, h.cache, queue)
	require.NoError(t, err)
	store.now = func() time.Time { return h.now }
	require.NoError(t, store.InstallInvalidation(db))
	store.Register(h.worker)
	h.store = store
	return h
}

func (h *harness) stored(t *testing.T, key Key) (State, bool) {
	t.Helper()
	var row models.InteractiveSession
	err := h.db.Where(map[string]any{"team_id": key.TeamID, "key": key.Name}).Take(&row).Error
	if err == gorm.ErrRecordNotFound {
		return State{}, false
	}
	require.NoError(t, err)
	var st State
	require.NoError(t, json.Unmarshal(row.State, &st))
	return st, true
}

func (h *harness) cached(t *testing.T, key Key) bool {
	t.Helper()
	_, ok, err := h.cache.Get(context.Background(), key.cacheKey())
	require.NoError(t, err)
	return ok
}

func TestGetOrCreateWritesThrough(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := PuzzleKey(3, "the-vault")

	handle, err := h.store.Begin(ctx, key, Options{Lock: true})
	require.NoError(t, err)
	_, ok, err := handle.GetNoCreate(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	st, err := handle.GetOrCreate(ctx, State{Dialogue: "intro"})
	require.NoError(t, err)
	st.Join(11)
	require.NoError(t, handle.Close(ctx))
	require.NoError(t, handle.Close(ctx))

	require.True(t, h.cached(t, key))
	saved, ok := h.stored(t, key)
	require.True(t, ok)
	require.Equal(t, "intro", saved.Dialogue)
	require.Equal(t, []uint{11}, saved.Users)

	_, err = handle.GetOrCreate(ctx, State{})
	require.ErrorIs(t, err, ErrClosed)
}

func TestThrottledCommitsCollapseIntoOneSync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := PuzzleKey(3, "the-vault")
	opts := Options{ThrottleInterval: 10 * time.Second}

	for user := uint(1); user <= 3; user++ {
		_, err := h.store.Apply(ctx, key, user, Action{Type: ActionJoin}, opts)
		require.NoError(t, err)
	}

	_, ok := h.stored(t, key)
	require.False(t, ok)
	pending, err := h.queue.Pending(ctx, services.JobSyncSession)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	h.now = h.now.Add(11 * time.Second)
	n, err := h.worker.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	saved, ok := h.stored(t, key)
	require.True(t, ok)
	require.Equal(t, []uint{1, 2, 3}, saved.Users)
	require.True(t, h.cached(t, key), "the sync write must not evict its own source")
}

func TestCacheMissFallsBackToDatabase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := StoryCardKey(4, "prologue")

	_, err := h.store.Apply(ctx, key, 7, Action{Type: ActionReady}, Options{})
	require.NoError(t, err)
	h.mr.FlushAll()

	st, ok, err := h.store.Load(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, st.Ready["7"])
	require.False(t, h.cached(t, key), "Load does not warm the cache")

	require.NoError(t, h.store.With(ctx, key, Options{}, func(handle *Handle) error {
		_, _, err := handle.GetNoCreate(ctx)
		return err
	}))
	require.True(t, h.cached(t, key))
}

func TestExternalWritesEvictCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := PuzzleKey(5, "orchestra")

	_, err := h.store.Apply(ctx, key, 1, Action{Type: ActionJoin}, Options{})
	require.NoError(t, err)
	require.True(t, h.cached(t, key))

	var row models.InteractiveSession
	require.NoError(t, h.db.Where(map[string]any{"team_id": key.TeamID, "key": key.Name}).Take(&row).Error)
	reset, err := json.Marshal(State{Dialogue: "reset by staff"})
	require.NoError(t, err)
	require.NoError(t, h.db.Model(&models.InteractiveSession{BaseModel: models.BaseModel{ID: row.ID}}).
		Update("state", datatypes.JSON(reset)).Error)

	require.False(t, h.cached(t, key))
	st, ok, err := h.store.Load(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "reset by staff", st.Dialogue)
	require.Empty(t, st.Users)
}

func TestConcurrentJoinsUnderLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := PuzzleKey(6, "relay")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for user := uint(1); user <= 8; user++ {
		wg.Add(1)
		go func(user uint) {
			defer wg.Done()
			_, err := h.store.Apply(ctx, key, user, Action{Type: ActionJoin}, Options{LockTimeout: 5 * time.Second, ThrottleInterval: time.Minute})
			errs <- err
		}(user)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	st, ok, err := h.store.Load(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.ElementsMatch(t, []uint{1, 2, 3, 4, 5, 6, 7, 8}, st.Users)
}

func TestFirstCreatorWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := PuzzleKey(7, "duel")

	first, err := h.store.Begin(ctx, key, Options{})
	require.NoError(t, err)
	second, err := h.store.Begin(ctx, key, Options{})
	require.NoError(t, err)

	_, err = first.GetOrCreate(ctx, State{Dialogue: "first"})
	require.NoError(t, err)
	_, err = second.GetOrCreate(ctx, State{Dialogue: "second"})
	require.NoError(t, err)

	require.NoError(t, first.Close(ctx))
	require.NoError(t, second.Commit(ctx))
	st, ok, err := second.GetNoCreate(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "first", st.Dialogue)
	second.Discard(ctx)

	saved, ok := h.stored(t, key)
	require.True(t, ok)
	require.Equal(t, "first", saved.Dialogue)
}

func TestTimerSerialisesAsRFC3339(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := PuzzleKey(8, "countdown")

	st, err := h.store.Apply(ctx, key, 1, Action{Type: ActionTimer, Seconds: 90}, Options{})
	require.NoError(t, err)
	require.Equal(t, h.now.Add(90*time.Second), *st.TimerEnd)

	raw, ok, err := h.cache.Get(ctx, key.cacheKey())
	require.NoError(t, err)
	require.True(t, ok)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, "2026-01-16T20:01:30Z", doc["timer_end"])

	// A running timer is not restarted.
	h.now = h.now.Add(30 * time.Second)
	st, err = h.store.Apply(ctx, key, 2, Action{Type: ActionTimer, Seconds: 10}, Options{})
	require.NoError(t, err)
	require.Equal(t, "2026-01-16T20:01:30Z", st.TimerEnd.Format(time.RFC3339))
}

func TestWithDiscardsOnError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := PuzzleKey(9, "abort")

	err := h.store.With(ctx, key, Options{Lock: true}, func(handle *Handle) error {
		if _, err := handle.GetOrCreate(ctx, State{}); err != nil {
			return err
		}
		return context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, h.cached(t, key))

	// The lock was released.
	_, err = h.store.Apply(ctx, key, 1, Action{Type: ActionJoin}, Options{LockTimeout: 100 * time.Millisecond})
	require.NoError(t, err)
}

func TestStateVotesAndReadiness(t *testing.T) {
	var st State
	st.Join(2)
	st.Join(1)
	require.False(t, st.Join(2))
	require.Equal(t, []uint{1, 2}, st.Users)

	st.SetReady(1, true)
	require.False(t, st.AllReady())
	st.SetReady(2, true)
	require.True(t, st.AllReady())

	st.Vote(1, "left")
	st.Vote(2, "left")
	require.Equal(t, map[string]int{"left": 2}, st.Tally())
	st.Leave(2)
	require.Equal(t, map[string]int{"left": 1}, st.Tally())
	st.Vote(1, "")
	require.Empty(t, st.Tally())
}

func TestTransactionalWritesEvictAfterCommit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := PuzzleKey(6, "lighthouse")

	_, err := h.store.Apply(ctx, key, 1, Action{Type: ActionJoin}, Options{})
	require.NoError(t, err)
	require.True(t, h.cached(t, key))

	var row models.InteractiveSession
	require.NoError(t, h.db.Where(map[string]any{"team_id": key.TeamID, "key": key.Name}).Take(&row).Error)
	reset, err := json.Marshal(State{Dialogue: "rewound"})
	require.NoError(t, err)

	txCtx, flush := h.store.DeferInvalidation(ctx)
	err = h.db.WithContext(txCtx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&row).Update("state", datatypes.JSON(reset)).Error; err != nil {
			return err
		}
		// Readers keep the cached entry until the write is visible.
		require.True(t, h.cached(t, key))
		return nil
	})
	require.NoError(t, err)
	require.True(t, h.cached(t, key))
	flush()
	require.False(t, h.cached(t, key))

	require.NoError(t, h.store.With(ctx, key, Options{}, func(handle *Handle) error {
		st, ok, err := handle.GetNoCreate(ctx)
		require.True(t, ok)
		require.Equal(t, "rewound", st.Dialogue)
		return err
	}))
	require.True(t, h.cached(t, key))
}

func TestRolledBackWriteKeepsCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := PuzzleKey(6, "tidepool")

	_, err := h.store.Apply(ctx, key, 1, Action{Type: ActionJoin}, Options{})
	require.NoError(t, err)

	var row models.InteractiveSession
	require.NoError(t, h.db.Where(map[string]any{"team_id": key.TeamID, "key": key.Name}).Take(&row).Error)

	txCtx, flush := h.store.DeferInvalidation(ctx)
	err = h.db.WithContext(txCtx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&row).Update("state", datatypes.JSON(`{}`)).Error; err != nil {
			return err
		}
		return gorm.ErrInvalidData
	})
	require.ErrorIs(t, err, gorm.ErrInvalidData)
	require.True(t, h.cached(t, key))
	flush()

	st, ok, err := h.store.Load(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []uint{1}, st.Users)
}
