package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/spoilr/internal/database/testutil"
	"github.com/charlesng35/spoilr/internal/events"
	"github.com/charlesng35/spoilr/internal/models"
)

func TestSuiteWiresServicesAndSubscribers(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	bus := events.NewBus()
	jobs := &fakeJobs{}

	suite, err := NewSuite(db, bus, SuiteConfig{Mail: MailSettings{Domain: "hunt.example.org"}},
		WithClock(func() time.Time { return time.Date(2026, 1, 16, 18, 0, 0, 0, time.UTC) }))
	require.NoError(t, err)
	require.NotNil(t, suite.Exports)
	suite.Subscribers(jobs, nil).Register(bus)

	require.True(t, suite.Exports.Supported(ExportHints))

	team := models.Team{Name: "alpha", Slug: "alpha"}
	require.NoError(t, db.Create(&team).Error)
	email := models.Email{
		MessageID:   "<m1@alpha.example.com>",
		FromAddress: "cap@alpha.example.com",
		Subject:     "Hello",
		Status:      models.EmailRecvNoReply,
		TeamID:      &team.ID,
	}
	require.NoError(t, db.Create(&email).Error)
	bus.Publish(context.Background(), events.EmailReceivedEvent{EmailID: email.ID, TeamID: &team.ID, Status: string(models.EmailRecvNoReply), Received: time.Date(2026, 1, 16, 18, 0, 0, 0, time.UTC)})

	var tasks int64
	require.NoError(t, db.Model(&models.Task{}).Where("content_type = ?", models.TaskKindEmail).Count(&tasks).Error)
	require.EqualValues(t, 1, tasks)
}
