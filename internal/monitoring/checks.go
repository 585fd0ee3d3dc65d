package monitoring

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/spoilr/internal/cache"
)

// DatabaseCheck pings the connection pool behind db.
func DatabaseCheck(db *gorm.DB) Check {
	return Check{
		Name: "database",
		Run: func(ctx context.Context) error {
			if db == nil {
				return errors.New("database not configured")
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
}

const cacheProbeKey = "health:probe"

// CacheCheck writes and reads back a short-lived key.
func CacheCheck(store cache.Store) Check {
	return Check{
		Name: "cache",
		Run: func(ctx context.Context) error {
			if store == nil {
				return errors.New("cache not configured")
			}
			if err := store.Set(ctx, cacheProbeKey, []byte("ok"), 30*time.Second); err != nil {
				return err
			}
			_, found, err := store.Get(ctx, cacheProbeKey)
			if err != nil {
				return err
			}
			if !found {
				return errors.New("probe key not readable")
			}
			return nil
		},
	}
}
