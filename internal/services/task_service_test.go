package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/spoilr/internal/events"
	"github.com/charlesng35/spoilr/internal/models"
	appErrors "github.com/charlesng35/spoilr/pkg/errors"
)

func (h *harness) newTask(kind models.TaskKind, contentID uint) *models.Task {
	h.t.Helper()
	task, created, err := h.tasks.Create(context.Background(), kind, contentID, &h.team.ID)
	require.NoError(h.t, err)
	require.True(h.t, created)
	return task
}

func TestTaskCreateIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, created, err := h.tasks.Create(ctx, models.TaskKindEmail, 42, &h.team.ID)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, models.TaskPending, first.Status)
	require.Nil(t, first.HandlerID)

	again, created, err := h.tasks.Create(ctx, models.TaskKindEmail, 42, &h.team.ID)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, []events.Kind{events.TaskCreated}, h.kinds())
}

func TestClaimConflictNamesHolder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.newTask(models.TaskKindEmail, 1)

	claimed, err := h.tasks.Claim(ctx, []uint{task.ID}, h.bob, ClaimOptions{})
	require.NoError(t, err)
	require.Equal(t, h.bob.ID, *claimed[0].HandlerID)

	_, err = h.tasks.Claim(ctx, []uint{task.ID}, h.alice, ClaimOptions{})
	require.Error(t, err)
	require.ErrorIs(t, err, appErrors.ErrAlreadyClaimed)
	require.Equal(t, "bob has already claimed the task(s)", err.(*appErrors.AppError).Message)

	// Reclaiming your own task is allowed.
	_, err = h.tasks.Claim(ctx, []uint{task.ID}, h.bob, ClaimOptions{})
	require.NoError(t, err)
}

func TestYoinkRecordsPreviousHandler(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.newTask(models.TaskKindHint, 1)

	_, err := h.tasks.Claim(ctx, []uint{task.ID}, h.bob, ClaimOptions{})
	require.NoError(t, err)
	_, err = h.tasks.Claim(ctx, []uint{task.ID}, h.alice, ClaimOptions{Yoink: true})
	require.NoError(t, err)

	var yoink *events.TaskEvent
	for _, ev := range h.rec.Events {
		if te, ok := ev.(events.TaskEvent); ok && te.Action == events.TaskYoinked {
			yoink = &te
		}
	}
	require.NotNil(t, yoink)
	require.Equal(t, "bob", yoink.Previous)
	require.Equal(t, "alice", yoink.Handler)

	h.reload(task, task.ID)
	require.Equal(t, h.alice.ID, *task.HandlerID)

	var logs []models.AuditLog
	require.NoError(t, h.db.Where("action = ?", AuditTaskYoink).Find(&logs).Error)
	require.Len(t, logs, 1)
	require.Equal(t, "alice", logs[0].Username)
}

func TestConcurrentClaimHasOneWinner(t *testing.T) {
	h := newHarness(t)
	sqlDB, err := h.db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	task := h.newTask(models.TaskKindEmail, 7)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, u := range []*models.User{h.bob, h.alice} {
		wg.Add(1)
		go func(i int, u *models.User) {
			defer wg.Done()
			_, errs[i] = h.tasks.Claim(context.Background(), []uint{task.ID}, u, ClaimOptions{})
		}(i, u)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
			require.ErrorIs(t, err, appErrors.ErrAlreadyClaimed)
		}
	}
	require.Equal(t, 1, failures)
}

func TestClaimRejectsResolvedUnlessForced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.newTask(models.TaskKindEmail, 3)
	require.NoError(t, h.db.Model(task).Update("status", models.TaskDone).Error)

	_, err := h.tasks.Claim(ctx, []uint{task.ID}, h.bob, ClaimOptions{})
	require.ErrorIs(t, err, appErrors.ErrBadRequest)

	claimed, err := h.tasks.Claim(ctx, []uint{task.ID}, h.bob, ClaimOptions{ForceReopen: true})
	require.NoError(t, err)
	require.Equal(t, models.TaskPending, claimed[0].Status)
}

func TestUnclaimRequiresHolder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.newTask(models.TaskKindEmail, 4)

	_, err := h.tasks.Claim(ctx, []uint{task.ID}, h.bob, ClaimOptions{})
	require.NoError(t, err)
	_, err = h.tasks.Unclaim(ctx, []uint{task.ID}, h.alice)
	require.Error(t, err)

	_, err = h.tasks.Unclaim(ctx, []uint{task.ID}, h.bob)
	require.NoError(t, err)
	h.reload(task, task.ID)
	require.Nil(t, task.HandlerID)
	require.Nil(t, task.ClaimTime)
}

func TestSnoozeBoundsAndExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.newTask(models.TaskKindEmail, 5)

	for _, hours := range []float64{0, -1, 24.5} {
		_, err := h.tasks.Snooze(ctx, []uint{task.ID}, h.bob, hours)
		require.ErrorIs(t, err, appErrors.ErrValidation, "hours=%v", hours)
	}

	snoozed, err := h.tasks.Snooze(ctx, []uint{task.ID}, h.bob, 2)
	require.NoError(t, err)
	require.Equal(t, models.TaskSnoozed, snoozed[0].Status)
	require.Equal(t, h.now.Add(2*time.Hour), *snoozed[0].SnoozeUntil)
	require.Equal(t, h.bob.ID, *snoozed[0].HandlerID)

	// Snoozing an unclaimed task claims it for the snoozer.
	h.reload(task, task.ID)
	require.NotNil(t, task.HandlerID)
	require.Equal(t, h.bob.ID, *task.HandlerID)
	require.NotNil(t, task.ClaimTime)

	n, err := h.tasks.UnsnoozeExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	h.now = h.now.Add(2 * time.Hour)
	n, err = h.tasks.UnsnoozeExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	h.reload(task, task.ID)
	require.Equal(t, models.TaskPending, task.Status)
	require.Nil(t, task.SnoozeUntil)
}

func TestSnoozeHeldByOtherFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.newTask(models.TaskKindEmail, 6)
	_, err := h.tasks.Claim(ctx, []uint{task.ID}, h.bob, ClaimOptions{})
	require.NoError(t, err)

	_, err = h.tasks.Snooze(ctx, []uint{task.ID}, h.alice, 1)
	require.ErrorIs(t, err, appErrors.ErrAlreadyClaimed)

	_, err = h.tasks.Snooze(ctx, []uint{task.ID}, h.bob, 1)
	require.NoError(t, err)
	_, err = h.tasks.Unsnooze(ctx, []uint{task.ID}, h.bob)
	require.NoError(t, err)
	h.reload(task, task.ID)
	require.Equal(t, models.TaskPending, task.Status)
}

func TestIgnoreIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.newTask(models.TaskKindEmail, 8)

	_, err := h.tasks.Ignore(ctx, []uint{task.ID}, h.bob)
	require.Error(t, err, "must hold the task")

	_, err = h.tasks.Claim(ctx, []uint{task.ID}, h.bob, ClaimOptions{})
	require.NoError(t, err)
	_, err = h.tasks.Ignore(ctx, []uint{task.ID}, h.bob)
	require.NoError(t, err)

	_, err = h.tasks.Claim(ctx, []uint{task.ID}, h.alice, ClaimOptions{Yoink: true})
	require.Error(t, err)
}

func TestEmailFromTeamWakesSnoozedInteraction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.newTask(models.TaskKindInteraction, 9)
	_, err := h.tasks.Snooze(ctx, []uint{task.ID}, h.bob, 12)
	require.NoError(t, err)

	n, err := h.tasks.UnsnoozeForTeamEmail(ctx, h.team.ID, h.now.Add(-time.Minute))
	require.NoError(t, err)
	require.Zero(t, n, "email older than the snooze")

	n, err = h.tasks.UnsnoozeForTeamEmail(ctx, h.team.ID, h.now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestListFilters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.newTask(models.TaskKindEmail, 10)
	hintTask := h.newTask(models.TaskKindHint, 11)
	_, err := h.tasks.Claim(ctx, []uint{hintTask.ID}, h.bob, ClaimOptions{})
	require.NoError(t, err)

	all, err := h.tasks.List(ctx, TaskFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	mine, err := h.tasks.List(ctx, TaskFilter{HandlerID: &h.bob.ID})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.Equal(t, "bob", mine[0].Handler.Username)

	emails, err := h.tasks.List(ctx, TaskFilter{Kind: models.TaskKindEmail, Statuses: []models.TaskStatus{models.TaskPending}})
	require.NoError(t, err)
	require.Len(t, emails, 1)
}
