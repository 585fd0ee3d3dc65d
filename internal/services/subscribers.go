package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charlesng35/spoilr/internal/events"
	"github.com/charlesng35/spoilr/internal/models"
	"github.com/charlesng35/spoilr/pkg/metrics"
)

// Background job names.
const (
	JobSendEmail         = "send_email"
	JobSendEmailTemplate = "send_email_template"
	JobSyncSession       = "sync_session"
)

// Websocket frame keys.
const (
	FrameSubmission = "submission"
	FrameHint       = "hint"
	FrameUnlock     = "unlock"
	FrameStoryCard  = "storycard"
	FrameSolve      = "solve"
)

// JobEnqueuer schedules durable background work.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, name, dedupeKey string, payload any, eta time.Time) error
}

// TeamNotifier pushes websocket frames to a team's sockets.
type TeamNotifier interface {
	SendToTeam(ctx context.Context, teamID uint, key string, data any) error
	SendToTeamPuzzle(ctx context.Context, teamID uint, slug, key string, data any) error
}

// EmailJob is the send_email payload.
type EmailJob struct {
	EmailID uint `json:"email_id"`
	Now     bool `json:"now,omitempty"`
}

// TemplateJob is the send_email_template payload.
type TemplateJob struct {
	TemplateID uint `json:"template_id"`
}

// Subscribers wires the cross-cutting reactions to domain events.
type Subscribers struct {
	Tasks    *TaskService
	Hints    *HintService
	Jobs     JobEnqueuer
	Notifier TeamNotifier
}

// Register attaches every subscriber to bus. Nil dependencies skip their handlers.
func (s Subscribers) Register(bus *events.Bus) {
	if s.Tasks != nil {
		bus.Subscribe(events.HintRequested, "task.create.hint", s.createHintTask)
		bus.Subscribe(events.EmailReceived, "task.create.email", s.createEmailTask)
		bus.Subscribe(events.InteractionReleased, "task.create.interaction", s.createInteractionTask)
	}
	if s.Hints != nil {
		bus.Subscribe(events.PuzzleSolved, "hint.obsolete", s.obsoleteHints)
	}
	if s.Jobs != nil {
		bus.Subscribe(events.EmailQueued, "email.enqueue", s.enqueueEmail)
	}
	if s.Notifier != nil {
		bus.Subscribe(events.SubmissionMade, "ws.submission", s.pushSubmission)
		bus.Subscribe(events.HintResponded, "ws.hint", s.pushHintResponse)
		bus.Subscribe(events.HintObsoleted, "ws.hint.obsolete", s.pushHintObsoleted)
		bus.Subscribe(events.PuzzleReleased, "ws.unlock", s.pushUnlock)
		bus.Subscribe(events.StoryCardUnlocked, "ws.storycard", s.pushStoryCard)
	}
	for _, kind := range []events.Kind{
		events.TaskClaimed, events.TaskYoinked, events.TaskUnclaimed, events.TaskSnoozed,
		events.TaskUnsnoozed, events.TaskIgnored, events.TaskResolved,
	} {
		bus.Subscribe(kind, "metrics.task", countTaskAction)
	}
	bus.Subscribe(events.SubmissionMade, "metrics.submission", countSubmission)
}

func (s Subscribers) createHintTask(ctx context.Context, ev events.Event) error {
	e := ev.(events.HintRequestedEvent)
	_, _, err := s.Tasks.Create(ctx, models.TaskKindHint, e.HintID, uintPtr(e.TeamID))
	return err
}

func (s Subscribers) createEmailTask(ctx context.Context, ev events.Event) error {
	e := ev.(events.EmailReceivedEvent)
	if e.Status != string(models.EmailRecvNoReply) {
		return nil
	}
	if _, _, err := s.Tasks.Create(ctx, models.TaskKindEmail, e.EmailID, e.TeamID); err != nil {
		return err
	}
	if e.TeamID != nil {
		if _, err := s.Tasks.UnsnoozeForTeamEmail(ctx, *e.TeamID, e.Received); err != nil {
			return err
		}
	}
	return nil
}

func (s Subscribers) createInteractionTask(ctx context.Context, ev events.Event) error {
	e := ev.(events.InteractionReleasedEvent)
	_, _, err := s.Tasks.Create(ctx, models.TaskKindInteraction, e.AccessID, uintPtr(e.TeamID))
	return err
}

func (s Subscribers) obsoleteHints(ctx context.Context, ev events.Event) error {
	e := ev.(events.PuzzleSolvedEvent)
	_, err := s.Hints.ObsoleteOpen(ctx, e.TeamID, e.PuzzleID)
	return err
}

func (s Subscribers) enqueueEmail(ctx context.Context, ev events.Event) error {
	e := ev.(events.EmailQueuedEvent)
	return s.Jobs.Enqueue(ctx, JobSendEmail, fmt.Sprintf("%s:%d", JobSendEmail, e.EmailID), EmailJob{EmailID: e.EmailID}, time.Now().UTC())
}

func (s Subscribers) pushSubmission(ctx context.Context, ev events.Event) error {
	e := ev.(events.SubmissionMadeEvent)
	return s.Notifier.SendToTeam(ctx, e.TeamID, FrameSubmission, map[string]any{
		"puzzle":    e.PuzzleSlug,
		"guess":     e.Guess,
		"isCorrect": e.IsCorrect,
		"isPartial": e.IsPartial,
		"response":  e.Response,
		"rateLimit": e.RateLimit,
	})
}

func (s Subscribers) pushHintResponse(ctx context.Context, ev events.Event) error {
	e := ev.(events.HintRespondedEvent)
	return s.Notifier.SendToTeamPuzzle(ctx, e.TeamID, e.PuzzleSlug, FrameHint, map[string]any{
		"threadId": e.ThreadID,
		"status":   e.Status,
	})
}

func (s Subscribers) pushHintObsoleted(ctx context.Context, ev events.Event) error {
	e := ev.(events.HintObsoletedEvent)
	return s.Notifier.SendToTeamPuzzle(ctx, e.TeamID, e.PuzzleSlug, FrameHint, map[string]any{
		"obsoleted": e.HintIDs,
		"status":    models.HintObsolete,
	})
}

func (s Subscribers) pushUnlock(ctx context.Context, ev events.Event) error {
	e := ev.(events.PuzzleReleasedEvent)
	return s.Notifier.SendToTeam(ctx, e.TeamID, FrameUnlock, map[string]any{
		"puzzle": e.PuzzleSlug,
		"name":   e.PuzzleName,
	})
}

func (s Subscribers) pushStoryCard(ctx context.Context, ev events.Event) error {
	e := ev.(events.StoryCardUnlockedEvent)
	return s.Notifier.SendToTeam(ctx, e.TeamID, FrameStoryCard, map[string]any{
		"slug": e.StoryCardSlug,
		"name": e.Name,
	})
}

func countTaskAction(_ context.Context, ev events.Event) error {
	e := ev.(events.TaskEvent)
	action := strings.TrimPrefix(string(e.Action), "task.")
	metrics.TaskActions.WithLabelValues(action, e.ContentType).Inc()
	return nil
}

func countSubmission(_ context.Context, ev events.Event) error {
	e := ev.(events.SubmissionMadeEvent)
	result := "wrong"
	switch {
	case e.IsCorrect:
		result = "correct"
	case e.IsPartial:
		result = "partial"
	}
	metrics.Submissions.WithLabelValues(result).Inc()
	return nil
}
