package sessions

import (
	"context"
	"reflect"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/spoilr/internal/models"
)

type cacheOriginKey struct{}

// WithCacheOrigin marks database writes that copy cached state, so they do not
// evict the cache entry they came from.
func WithCacheOrigin(ctx context.Context) context.Context {
	return context.WithValue(ctx, cacheOriginKey{}, true)
}

func fromCacheOrigin(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(cacheOriginKey{}).(bool)
	return v
}

const (
	invalidateCallback = "sessions:invalidate"
	commitCallback     = "gorm:commit_or_rollback_transaction"
	startedTxKey       = "gorm:started_transaction"
)

type pendingKey struct{}

type pendingEvictions struct {
	mu   sync.Mutex
	keys []string
}

func (p *pendingEvictions) add(keys ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, keys...)
}

func (p *pendingEvictions) take() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := p.keys
	p.keys = nil
	return keys
}

// DeferInvalidation collects the evictions of session writes made with the
// returned context inside a transaction. flush evicts them and must be called
// once the transaction has committed or rolled back.
func (s *Store) DeferInvalidation(ctx context.Context) (context.Context, func()) {
	pending := &pendingEvictions{}
	flush := func() { s.evict(ctx, pending.take()) }
	return context.WithValue(ctx, pendingKey{}, pending), flush
}

// InstallInvalidation evicts cached sessions whenever their rows are written
// by anything other than the store itself, e.g. staff edits. Eviction runs
// after the statement's own commit; writes inside a caller's transaction are
// evicted by the flush from DeferInvalidation.
func (s *Store) InstallInvalidation(db *gorm.DB) error {
	cb := db.Callback()
	if err := cb.Create().After(commitCallback).Register(invalidateCallback, s.invalidate); err != nil {
		return err
	}
	if err := cb.Update().After(commitCallback).Register(invalidateCallback, s.invalidate); err != nil {
		return err
	}
	return cb.Delete().After(commitCallback).Register(invalidateCallback, s.invalidate)
}

func (s *Store) invalidate(tx *gorm.DB) {
	if tx.Error != nil || tx.Statement.Schema == nil {
		return
	}
	if tx.Statement.Schema.ModelType != reflect.TypeOf(models.InteractiveSession{}) {
		return
	}
	ctx := tx.Statement.Context
	if fromCacheOrigin(ctx) {
		return
	}
	keys := collectKeys(tx)
	if len(keys) == 0 {
		return
	}
	cacheKeys := make([]string, 0, len(keys))
	for _, k := range keys {
		cacheKeys = append(cacheKeys, k.cacheKey())
	}
	if insideCallerTransaction(tx) {
		if pending, ok := ctx.Value(pendingKey{}).(*pendingEvictions); ok {
			pending.add(cacheKeys...)
			return
		}
		s.log.Warn("session row written in a transaction without deferred invalidation",
			zap.Strings("keys", cacheKeys))
	}
	s.evict(ctx, cacheKeys)
}

func (s *Store) evict(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	if err := s.cache.Delete(context.WithoutCancel(ctx), keys...); err != nil {
		s.log.Warn("evict cached sessions", zap.Strings("keys", keys), zap.Error(err))
	}
}

// insideCallerTransaction reports whether the statement ran in a transaction
// it did not open itself, which has therefore not committed yet.
func insideCallerTransaction(tx *gorm.DB) bool {
	if _, started := tx.InstanceGet(startedTxKey); started {
		return false
	}
	_, inTx := tx.Statement.ConnPool.(gorm.TxCommitter)
	return inTx
}

func collectKeys(tx *gorm.DB) []Key {
	var rows []models.InteractiveSession
	rv := reflect.Indirect(tx.Statement.ReflectValue)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if row, ok := reflect.Indirect(rv.Index(i)).Interface().(models.InteractiveSession); ok {
				rows = append(rows, row)
			}
		}
	case reflect.Struct:
		if row, ok := rv.Interface().(models.InteractiveSession); ok {
			rows = append(rows, row)
		}
	}

	keys := make([]Key, 0, len(rows))
	for _, row := range rows {
		if (row.TeamID == 0 || row.Key == "") && row.ID != 0 {
			// Updates through Model(&InteractiveSession{ID: n}) only carry the id.
			var stored models.InteractiveSession
			err := tx.Session(&gorm.Session{NewDB: true}).
				Select("team_id", "key").Take(&stored, row.ID).Error
			if err != nil {
				continue
			}
			row.TeamID, row.Key = stored.TeamID, stored.Key
		}
		if row.TeamID != 0 && row.Key != "" {
			keys = append(keys, Key{TeamID: row.TeamID, Name: row.Key})
		}
	}
	return keys
}
