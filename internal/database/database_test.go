package database

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/spoilr/internal/models"
)

func TestOpenSQLiteMemoryIsolated(t *testing.T) {
	first, err := Open(Config{Driver: "sqlite"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(first) })
	second, err := Open(Config{Driver: "sqlite"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(second) })

	require.NoError(t, AutoMigrate(first))
	require.NoError(t, first.Create(&models.Team{Name: "Alpha", Slug: "alpha"}).Error)

	require.NoError(t, AutoMigrate(second))
	var count int64
	require.NoError(t, second.Model(&models.Team{}).Count(&count).Error)
	require.Zero(t, count)
	require.NoError(t, Ping(second))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"})
	require.ErrorContains(t, err, "unsupported database driver")
}

func TestBuildPostgresDSN(t *testing.T) {
	dsn, err := buildPostgresDSN(Config{User: "spoilr", Name: "hunt"})
	require.NoError(t, err)
	require.Equal(t, "host=localhost port=5432 user=spoilr dbname=hunt sslmode=disable", dsn)

	dsn, err = buildPostgresDSN(Config{
		User: "u", Name: "db", Host: "db.internal", Port: 6543, Password: "p",
		Options: map[string]string{"sslmode": "require", "search_path": "hunt"},
	})
	require.NoError(t, err)
	for _, part := range []string{"host=db.internal", "port=6543", "password=p", "sslmode=require", "search_path=hunt"} {
		require.True(t, strings.Contains(dsn, part), dsn)
	}

	_, err = buildPostgresDSN(Config{})
	require.Error(t, err)
}

func TestBuildMySQLDSN(t *testing.T) {
	dsn, err := buildMySQLDSN(Config{User: "u", Password: "p", Name: "hunt"})
	require.NoError(t, err)
	require.Equal(t, "u:p@tcp(127.0.0.1:3306)/hunt?charset=utf8mb4&loc=UTC&parseTime=True", dsn)
}

func TestHuntTimesOverlaySettings(t *testing.T) {
	db, err := Open(Config{Driver: "sqlite"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })
	require.NoError(t, AutoMigrate(db))
	ctx := context.Background()

	launch := time.Date(2026, 1, 16, 17, 0, 0, 0, time.UTC)
	defaults := HuntTimes{Launch: launch, End: launch.Add(72 * time.Hour), Close: launch.Add(96 * time.Hour)}

	got, err := LoadHuntTimes(ctx, db, defaults)
	require.NoError(t, err)
	require.Equal(t, defaults, got)

	early := launch.Add(-2 * time.Hour)
	require.NoError(t, SaveHuntTime(ctx, db, HuntLaunchSetting, early))
	require.NoError(t, SaveHuntTime(ctx, db, HuntLaunchSetting, early.Add(time.Hour)))
	got, err = LoadHuntTimes(ctx, db, defaults)
	require.NoError(t, err)
	require.True(t, got.Launch.Equal(early.Add(time.Hour)))
	require.Equal(t, defaults.End, got.End)

	require.Error(t, SaveHuntTime(ctx, db, "imap.INBOX.modseq", early))

	require.NoError(t, UpsertSystemSetting(ctx, db, HuntEndSetting, "garbage"))
	_, err = LoadHuntTimes(ctx, db, defaults)
	require.Error(t, err)

	require.NoError(t, DeleteSystemSetting(ctx, db, HuntEndSetting))
	value, err := GetSystemSetting(ctx, db, HuntEndSetting)
	require.NoError(t, err)
	require.Empty(t, value)
}
