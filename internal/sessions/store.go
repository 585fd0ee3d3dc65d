package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/spoilr/internal/cache"
	"github.com/charlesng35/spoilr/internal/models"
	"github.com/charlesng35/spoilr/internal/services"
	"github.com/charlesng35/spoilr/pkg/logger"
	"github.com/charlesng35/spoilr/pkg/metrics"
)

// ErrClosed is returned by Handle methods after Close.
var ErrClosed = errors.New("sessions: handle is closed")

// Options tune a single Begin call.
type Options struct {
	// Lock serialises concurrent writers of the same key.
	Lock bool
	// LockTimeout bounds the wait for Lock. Defaults to cache.FastTimeout.
	LockTimeout time.Duration
	// ThrottleInterval defers the database write to a deduplicated sync job.
	// Zero writes through on every commit.
	ThrottleInterval time.Duration
}

// SyncJob is the payload of the sync_session job.
type SyncJob struct {
	TeamID uint   `json:"team_id"`
	Key    string `json:"key"`
}

// Store keeps session state in the cache with the database as the durable copy.
type Store struct {
	db     *gorm.DB
	cache  cache.Store
	locker *cache.Locker
	jobs   services.JobEnqueuer
	now    func() time.Time
	log    *zap.Logger
}

// NewStore constructs a Store. jobs may be nil when no commit is throttled.
func NewStore(db *gorm.DB, store cache.Store, jobs services.JobEnqueuer) (*Store, error) {
	if db == nil {
		return nil, errors.New("sessions: db is required")
	}
	if store == nil {
		return nil, errors.New("sessions: cache store is required")
	}
	return &Store{
		db:     db,
		cache:  store,
		locker: cache.NewLocker(store),
		jobs:   jobs,
		now:    func() time.Time { return time.Now().UTC() },
		log:    logger.WithModule("sessions"),
	}, nil
}

// Begin opens a handle on key, taking the session lock when requested.
func (s *Store) Begin(ctx context.Context, key Key, opts Options) (*Handle, error) {
	h := &Handle{store: s, key: key, opts: opts}
	if opts.Lock {
		timeout := opts.LockTimeout
		if timeout <= 0 {
			timeout = cache.FastTimeout
		}
		mutex, err := s.locker.Lock(ctx, key.lockName(), timeout)
		if err != nil {
			return nil, fmt.Errorf("sessions: lock %s: %w", key, err)
		}
		h.mutex = mutex
	}
	return h, nil
}

// With runs fn inside a handle and commits on success. The lock is always
// released.
func (s *Store) With(ctx context.Context, key Key, opts Options, fn func(*Handle) error) error {
	h, err := s.Begin(ctx, key, opts)
	if err != nil {
		return err
	}
	if err := fn(h); err != nil {
		h.Discard(ctx)
		return err
	}
	return h.Close(ctx)
}

// Load reads key without a handle.
func (s *Store) Load(ctx context.Context, key Key) (*State, bool, error) {
	h := &Handle{store: s, key: key}
	defer h.Discard(ctx)
	return h.GetNoCreate(ctx)
}

// Handle accumulates changes to one session. It is not safe for concurrent use.
type Handle struct {
	store *Store
	key   Key
	opts  Options
	mutex *cache.Mutex

	state      *State
	loaded     bool
	created    bool
	cacheDirty bool
	dbDirty    bool
	closed     bool
}

// Key reports the session key.
func (h *Handle) Key() Key { return h.key }

// GetNoCreate returns the session state, reading through to the database on
// a cache miss. The bool is false when no session exists.
func (h *Handle) GetNoCreate(ctx context.Context) (*State, bool, error) {
	if h.closed {
		return nil, false, ErrClosed
	}
	if h.loaded {
		return h.state, h.state != nil, nil
	}
	raw, ok, err := h.store.cache.Get(ctx, h.key.cacheKey())
	if err != nil {
		return nil, false, fmt.Errorf("sessions: cache get %s: %w", h.key, err)
	}
	if ok {
		var st State
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, false, fmt.Errorf("sessions: decode cached %s: %w", h.key, err)
		}
		metrics.SessionCache.WithLabelValues("redis").Inc()
		h.state, h.loaded = &st, true
		return h.state, true, nil
	}

	var row models.InteractiveSession
	err = h.store.db.WithContext(ctx).
		Where(map[string]any{"team_id": h.key.TeamID, "key": h.key.Name}).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		metrics.SessionCache.WithLabelValues("miss").Inc()
		h.loaded = true
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sessions: load %s: %w", h.key, err)
	}
	var st State
	if len(row.State) > 0 {
		if err := json.Unmarshal(row.State, &st); err != nil {
			return nil, false, fmt.Errorf("sessions: decode stored %s: %w", h.key, err)
		}
	}
	metrics.SessionCache.WithLabelValues("database").Inc()
	h.state, h.loaded = &st, true
	// Warm the cache without rewriting the row.
	h.created, h.cacheDirty = true, true
	return h.state, true, nil
}

// GetOrCreate returns the session state, starting from initial when none exists.
func (h *Handle) GetOrCreate(ctx context.Context, initial State) (*State, error) {
	st, ok, err := h.GetNoCreate(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return st, nil
	}
	h.state = &initial
	h.created, h.cacheDirty, h.dbDirty = true, true, true
	return h.state, nil
}

// Set replaces the session state.
func (h *Handle) Set(st State) error {
	if h.closed {
		return ErrClosed
	}
	h.state, h.loaded = &st, true
	h.cacheDirty, h.dbDirty = true, true
	return nil
}

// MarkDirty flags in-place changes to the state returned by a getter.
func (h *Handle) MarkDirty() {
	h.cacheDirty, h.dbDirty = true, true
}

// Commit pushes pending changes to the cache and then to the database,
// directly or through a throttled sync job.
func (h *Handle) Commit(ctx context.Context) error {
	if h.closed {
		return ErrClosed
	}
	if h.state == nil || (!h.cacheDirty && !h.dbDirty) {
		return nil
	}
	payload, err := json.Marshal(h.state)
	if err != nil {
		return fmt.Errorf("sessions: encode %s: %w", h.key, err)
	}
	s := h.store

	if h.cacheDirty {
		if h.created {
			stored, err := s.cache.SetNX(ctx, h.key.cacheKey(), payload, 0)
			if err != nil {
				return fmt.Errorf("sessions: cache create %s: %w", h.key, err)
			}
			if !stored {
				// Another writer created it first; theirs wins.
				h.loaded, h.state = false, nil
				h.created, h.cacheDirty, h.dbDirty = false, false, false
				_, _, err := h.GetNoCreate(ctx)
				return err
			}
		} else if err := s.cache.Set(ctx, h.key.cacheKey(), payload, 0); err != nil {
			return fmt.Errorf("sessions: cache set %s: %w", h.key, err)
		}
		h.cacheDirty, h.created = false, false
	}

	if h.dbDirty {
		if err := s.flush(ctx, h.key, payload, h.opts.ThrottleInterval); err != nil {
			return err
		}
		h.dbDirty = false
	}
	return nil
}

// Close commits pending changes and releases the lock. It is idempotent.
func (h *Handle) Close(ctx context.Context) error {
	if h.closed {
		return nil
	}
	err := h.Commit(ctx)
	h.Discard(ctx)
	return err
}

// Discard releases the lock without committing.
func (h *Handle) Discard(ctx context.Context) {
	if h.closed {
		return
	}
	h.closed = true
	if err := h.mutex.Release(ctx); err != nil {
		h.store.log.Warn("release session lock", zap.String("key", h.key.String()), zap.Error(err))
	}
}

func (s *Store) flush(ctx context.Context, key Key, payload []byte, throttle time.Duration) error {
	if throttle <= 0 || s.jobs == nil {
		return s.persist(ctx, key, payload)
	}
	err := s.jobs.Enqueue(ctx, services.JobSyncSession, syncDedupeKey(key),
		SyncJob{TeamID: key.TeamID, Key: key.Name}, s.now().Add(throttle))
	if err != nil {
		return fmt.Errorf("sessions: schedule sync %s: %w", key, err)
	}
	return nil
}

func (s *Store) persist(ctx context.Context, key Key, payload []byte) error {
	row := models.InteractiveSession{TeamID: key.TeamID, Key: key.Name, State: datatypes.JSON(payload)}
	err := s.db.WithContext(WithCacheOrigin(ctx)).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "team_id"}, {Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("sessions: persist %s: %w", key, err)
	}
	return nil
}

// Sync copies the cached state of key into the database.
func (s *Store) Sync(ctx context.Context, key Key) error {
	mutex, err := s.locker.Lock(ctx, key.lockName(), cache.FastTimeout)
	if err != nil {
		return fmt.Errorf("sessions: lock %s: %w", key, err)
	}
	defer func() {
		if rerr := mutex.Release(ctx); rerr != nil {
			s.log.Warn("release session lock", zap.String("key", key.String()), zap.Error(rerr))
		}
	}()
	raw, ok, err := s.cache.Get(ctx, key.cacheKey())
	if err != nil {
		return fmt.Errorf("sessions: cache get %s: %w", key, err)
	}
	if !ok {
		return nil
	}
	return s.persist(ctx, key, raw)
}

func syncDedupeKey(key Key) string {
	return fmt.Sprintf("%s:%d:%s", services.JobSyncSession, key.TeamID, key.Name)
}
