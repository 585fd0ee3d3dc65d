package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/spoilr/internal/models"
)

// Hunt schedule settings. Values are RFC 3339 timestamps.
const (
	HuntLaunchSetting = "hunt.launch_time"
	HuntEndSetting    = "hunt.end_time"
	HuntCloseSetting  = "hunt.close_time"
)

// HuntTimes is the global hunt schedule.
type HuntTimes struct {
	Launch time.Time
	End    time.Time
	Close  time.Time
}

// GetSystemSetting retrieves a system setting by key. Returns an empty string when not found.
func GetSystemSetting(ctx context.Context, db *gorm.DB, key string) (string, error) {
	if db == nil {
		return "", fmt.Errorf("system settings: db is nil")
	}

	var setting models.SystemSetting
	err := db.WithContext(ctx).Take(&setting, "key = ?", key).Error
	if err == nil {
		return setting.Value, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	return "", fmt.Errorf("system settings: get %q: %w", key, err)
}

// UpsertSystemSetting stores or updates a system setting value.
func UpsertSystemSetting(ctx context.Context, db *gorm.DB, key, value string) error {
	if db == nil {
		return fmt.Errorf("system settings: db is nil")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("system settings: key is required")
	}

	record := models.SystemSetting{Key: key, Value: value}
	if err := db.WithContext(ctx).
		Where("key = ?", key).
		Assign(map[string]any{"value": value}).
		FirstOrCreate(&record).Error; err != nil {
		return fmt.Errorf("system settings: upsert %q: %w", key, err)
	}
	return nil
}

// DeleteSystemSetting removes key. Missing keys are not an error.
func DeleteSystemSetting(ctx context.Context, db *gorm.DB, key string) error {
	if err := db.WithContext(ctx).Where("key = ?", key).Delete(&models.SystemSetting{}).Error; err != nil {
		return fmt.Errorf("system settings: delete %q: %w", key, err)
	}
	return nil
}

// LoadHuntTimes overlays stored schedule rows on top of the configured defaults.
func LoadHuntTimes(ctx context.Context, db *gorm.DB, defaults HuntTimes) (HuntTimes, error) {
	out := defaults
	for _, item := range []struct {
		key string
		dst *time.Time
	}{
		{HuntLaunchSetting, &out.Launch},
		{HuntEndSetting, &out.End},
		{HuntCloseSetting, &out.Close},
	} {
		raw, err := GetSystemSetting(ctx, db, item.key)
		if err != nil {
			return defaults, err
		}
		if strings.TrimSpace(raw) == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
		if err != nil {
			return defaults, fmt.Errorf("system settings: parse %q: %w", item.key, err)
		}
		*item.dst = parsed
	}
	return out, nil
}

// SaveHuntTime persists one schedule value.
func SaveHuntTime(ctx context.Context, db *gorm.DB, key string, value time.Time) error {
	switch key {
	case HuntLaunchSetting, HuntEndSetting, HuntCloseSetting:
	default:
		return fmt.Errorf("system settings: %q is not a hunt time", key)
	}
	return UpsertSystemSetting(ctx, db, key, value.UTC().Format(time.RFC3339))
}
