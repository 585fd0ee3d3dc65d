package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/spoilr/internal/events"
	"github.com/charlesng35/spoilr/internal/models"
	appErrors "github.com/charlesng35/spoilr/pkg/errors"
)

func TestInteractionLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	interaction := models.Interaction{Slug: "meet-the-mayor", Name: "Meet the Mayor"}
	require.NoError(t, h.db.Create(&interaction).Error)

	_, err := h.interactions.Request(ctx, h.solver(), "meet-the-mayor", "tonight")
	require.ErrorIs(t, err, appErrors.ErrNotAuthorized)

	access, err := h.interactions.Release(ctx, h.team.ID, "meet-the-mayor")
	require.NoError(t, err)
	again, err := h.interactions.Release(ctx, h.team.ID, "meet-the-mayor")
	require.NoError(t, err)
	require.Equal(t, access.ID, again.ID)

	released := 0
	for _, k := range h.kinds() {
		if k == events.InteractionReleased {
			released++
		}
	}
	require.Equal(t, 1, released)

	requested, err := h.interactions.Request(ctx, h.solver(), "meet-the-mayor", "  after 9pm ")
	require.NoError(t, err)
	require.Equal(t, "after 9pm", requested.RequestComments)

	done, err := h.interactions.Accomplish(ctx, h.bob, access.ID)
	require.NoError(t, err)
	require.True(t, done.Accomplished)
	require.NotNil(t, done.AccomplishedTime)

	task := h.taskFor(models.TaskKindInteraction, access.ID)
	require.Equal(t, models.TaskDone, task.Status)
	require.Equal(t, h.bob.ID, *task.HandlerID)

	_, err = h.interactions.Accomplish(ctx, h.bob, access.ID)
	require.Error(t, err)
	_, err = h.interactions.Request(ctx, h.solver(), "meet-the-mayor", "again")
	require.Error(t, err)
}
