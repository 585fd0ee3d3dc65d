package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/spoilr/internal/events"
	"github.com/charlesng35/spoilr/internal/models"
	appErrors "github.com/charlesng35/spoilr/pkg/errors"
)

// MaxSnoozeHours bounds a single snooze.
const MaxSnoozeHours = 24

var terminalTaskStatuses = []models.TaskStatus{models.TaskDone, models.TaskIgnored}

// ClaimOptions relaxes the claim pre-conditions.
type ClaimOptions struct {
	// Yoink takes tasks held by another handler.
	Yoink bool
	// ForceReopen claims tasks that are already done or ignored.
	ForceReopen bool
}

// TaskFilter narrows List.
type TaskFilter struct {
	Kind      models.TaskKind
	Statuses  []models.TaskStatus
	HandlerID *uint
	TeamID    *uint
	Limit     int
}

// TaskService owns every task transition. Rows are guarded by conditional
// updates, so the first committer of a racing pair wins.
type TaskService struct {
	db    *gorm.DB
	bus   events.Publisher
	audit *AuditService
	now   Clock
}

// NewTaskService constructs a TaskService.
func NewTaskService(db *gorm.DB, bus events.Publisher, audit *AuditService, opts ...Option) (*TaskService, error) {
	if db == nil {
		return nil, errors.New("task service: db is required")
	}
	if bus == nil {
		bus = events.Discard{}
	}
	cfg := buildOptions(opts)
	return &TaskService{db: db, bus: bus, audit: audit, now: cfg.now}, nil
}

// Create returns the task for a content row, creating a pending one if none
// exists. created reports whether this call inserted it.
func (s *TaskService) Create(ctx context.Context, kind models.TaskKind, contentID uint, teamID *uint) (*models.Task, bool, error) {
	ctx = ensureContext(ctx)
	task := models.Task{ContentType: kind, ContentID: contentID, TeamID: teamID, Status: models.TaskPending}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&task)
	if res.Error != nil {
		return nil, false, fmt.Errorf("task service: create: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var existing models.Task
		if err := s.db.WithContext(ctx).
			Take(&existing, "content_type = ? AND content_id = ?", kind, contentID).Error; err != nil {
			return nil, false, fmt.Errorf("task service: load existing: %w", err)
		}
		return &existing, false, nil
	}
	s.bus.Publish(ctx, s.event(events.TaskCreated, &task, nil, nil))
	return &task, true, nil
}

// Get loads a task with its handler.
func (s *TaskService) Get(ctx context.Context, id uint) (*models.Task, error) {
	var task models.Task
	if err := s.db.WithContext(ensureContext(ctx)).Preload("Handler").Take(&task, id).Error; err != nil {
		return nil, notFound(err, "Task")
	}
	return &task, nil
}

// ForContent loads the task attached to a content row.
func (s *TaskService) ForContent(ctx context.Context, kind models.TaskKind, contentID uint) (*models.Task, error) {
	var task models.Task
	err := s.db.WithContext(ensureContext(ctx)).Preload("Handler").
		Take(&task, "content_type = ? AND content_id = ?", kind, contentID).Error
	if err != nil {
		return nil, notFound(err, "Task")
	}
	return &task, nil
}

// List returns tasks for the dashboard, oldest first.
func (s *TaskService) List(ctx context.Context, filter TaskFilter) ([]models.Task, error) {
	query := s.db.WithContext(ensureContext(ctx)).Model(&models.Task{}).Preload("Handler").Preload("Team")
	if filter.Kind != "" {
		query = query.Where("content_type = ?", filter.Kind)
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if filter.HandlerID != nil {
		query = query.Where("handler_id = ?", *filter.HandlerID)
	}
	if filter.TeamID != nil {
		query = query.Where("team_id = ?", *filter.TeamID)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	var tasks []models.Task
	if err := query.Order("id ASC").Limit(limit).Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("task service: list: %w", err)
	}
	return tasks, nil
}

func (s *TaskService) load(ctx context.Context, ids []uint) ([]models.Task, error) {
	ids = normaliseIDs(ids)
	if len(ids) == 0 {
		return nil, errNoTasks
	}
	var tasks []models.Task
	if err := s.db.WithContext(ctx).Preload("Handler").Where("id IN ?", ids).Order("id ASC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("task service: load: %w", err)
	}
	if len(tasks) != len(ids) {
		return nil, appErrors.ErrNotFound.WithMessage("Task not found")
	}
	return tasks, nil
}

// Claim assigns tasks to handler. Without Yoink, any task held by someone
// else fails the whole call with AlreadyClaimed naming the holder.
func (s *TaskService) Claim(ctx context.Context, ids []uint, handler *models.User, opts ClaimOptions) ([]models.Task, error) {
	ctx = ensureContext(ctx)
	tasks, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if !opts.ForceReopen && task.Status.Terminal() {
			return nil, errTaskResolved
		}
		if !opts.Yoink && task.HandlerID != nil && *task.HandlerID != handler.ID {
			return nil, appErrors.AlreadyClaimed(handlerName(task.Handler))
		}
	}

	now := s.now()
	previous := make(map[uint]*models.User, len(tasks))
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range tasks {
			prev, err := s.claimOne(tx, tasks[i].ID, handler, opts, now)
			if err != nil {
				return err
			}
			previous[tasks[i].ID] = prev
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range tasks {
		task := &tasks[i]
		task.HandlerID = uintPtr(handler.ID)
		task.Handler = handler
		task.Status = models.TaskPending
		task.ClaimTime = timePtr(now)
		task.SnoozeTime, task.SnoozeUntil = nil, nil

		prev := previous[task.ID]
		action, audit := events.TaskClaimed, AuditTaskClaim
		if prev != nil && prev.ID != handler.ID {
			action, audit = events.TaskYoinked, AuditTaskYoink
		}
		s.bus.Publish(ctx, s.event(action, task, handler, prev))
		meta := map[string]any{}
		if prev != nil {
			meta["previous"] = prev.Username
		}
		s.record(ctx, audit, task, handler, meta)
	}
	return tasks, nil
}

// claimOne applies the conditional update for one row and returns the
// handler it replaced.
func (s *TaskService) claimOne(tx *gorm.DB, id uint, handler *models.User, opts ClaimOptions, now time.Time) (*models.User, error) {
	var current models.Task
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Preload("Handler").Take(&current, id).Error; err != nil {
		return nil, notFound(err, "Task")
	}

	query := tx.Model(&models.Task{}).Where("id = ?", id)
	if !opts.ForceReopen {
		query = query.Where("status NOT IN ?", terminalTaskStatuses)
	}
	if opts.Yoink {
		if current.HandlerID == nil {
			query = query.Where("handler_id IS NULL")
		} else {
			query = query.Where("handler_id = ?", *current.HandlerID)
		}
	} else {
		query = query.Where("handler_id IS NULL OR handler_id = ?", handler.ID)
	}

	res := query.Updates(map[string]any{
		"handler_id":   handler.ID,
		"claim_time":   now,
		"status":       models.TaskPending,
		"snooze_time":  nil,
		"snooze_until": nil,
	})
	if res.Error != nil {
		return nil, fmt.Errorf("task service: claim: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, s.conflict(tx, id)
	}
	return current.Handler, nil
}

// conflict explains why a conditional update matched nothing.
func (s *TaskService) conflict(tx *gorm.DB, id uint) error {
	var current models.Task
	if err := tx.Preload("Handler").Take(&current, id).Error; err != nil {
		return notFound(err, "Task")
	}
	if current.Status.Terminal() {
		return errTaskResolved
	}
	return appErrors.AlreadyClaimed(handlerName(current.Handler))
}

// Unclaim releases tasks held by handler.
func (s *TaskService) Unclaim(ctx context.Context, ids []uint, handler *models.User) ([]models.Task, error) {
	ctx = ensureContext(ctx)
	tasks, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if task.Status == models.TaskDone {
			return nil, errTaskResolved
		}
		if task.HandlerID == nil || *task.HandlerID != handler.ID {
			return nil, errNotTaskHolder
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Task{}).
			Where("id IN ? AND handler_id = ? AND status <> ?", taskIDs(tasks), handler.ID, models.TaskDone).
			Updates(map[string]any{
				"handler_id":   nil,
				"claim_time":   nil,
				"snooze_time":  nil,
				"snooze_until": nil,
				"status":       gorm.Expr("CASE WHEN status = ? THEN ? ELSE status END", models.TaskSnoozed, models.TaskPending),
			})
		if res.Error != nil {
			return fmt.Errorf("task service: unclaim: %w", res.Error)
		}
		if int(res.RowsAffected) != len(tasks) {
			return errNotTaskHolder
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range tasks {
		task := &tasks[i]
		task.HandlerID, task.Handler, task.ClaimTime = nil, nil, nil
		task.SnoozeTime, task.SnoozeUntil = nil, nil
		if task.Status == models.TaskSnoozed {
			task.Status = models.TaskPending
		}
		s.bus.Publish(ctx, s.event(events.TaskUnclaimed, task, handler, nil))
		s.record(ctx, AuditTaskUnclaim, task, handler, nil)
	}
	return tasks, nil
}

// Snooze hides tasks for hours, which must be in (0, 24].
func (s *TaskService) Snooze(ctx context.Context, ids []uint, handler *models.User, hours float64) ([]models.Task, error) {
	ctx = ensureContext(ctx)
	if hours <= 0 || hours > MaxSnoozeHours {
		return nil, appErrors.Validation("snooze_hours", fmt.Sprintf("Snooze for more than 0 and at most %d hours.", MaxSnoozeHours))
	}
	tasks, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if task.Status.Terminal() {
			return nil, errTaskResolved
		}
		if task.HandlerID != nil && *task.HandlerID != handler.ID {
			return nil, appErrors.AlreadyClaimed(handlerName(task.Handler))
		}
	}

	now := s.now()
	until := now.Add(time.Duration(hours * float64(time.Hour)))
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, task := range tasks {
			res := tx.Model(&models.Task{}).
				Where("id = ? AND status NOT IN ?", task.ID, terminalTaskStatuses).
				Where("handler_id IS NULL OR handler_id = ?", handler.ID).
				Updates(map[string]any{
					"status":       models.TaskSnoozed,
					"handler_id":   handler.ID,
					"claim_time":   gorm.Expr("COALESCE(claim_time, ?)", now),
					"snooze_time":  now,
					"snooze_until": until,
				})
			if res.Error != nil {
				return fmt.Errorf("task service: snooze: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return s.conflict(tx, task.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range tasks {
		task := &tasks[i]
		task.Status = models.TaskSnoozed
		if task.HandlerID == nil {
			task.ClaimTime = timePtr(now)
		}
		task.HandlerID, task.Handler = &handler.ID, handler
		task.SnoozeTime, task.SnoozeUntil = timePtr(now), timePtr(until)
		s.bus.Publish(ctx, s.event(events.TaskSnoozed, task, handler, nil))
		s.record(ctx, AuditTaskSnooze, task, handler, map[string]any{"hours": hours})
	}
	return tasks, nil
}

// Unsnooze reverts snoozed tasks to pending ahead of schedule.
func (s *TaskService) Unsnooze(ctx context.Context, ids []uint, handler *models.User) ([]models.Task, error) {
	ctx = ensureContext(ctx)
	tasks, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if task.HandlerID != nil && *task.HandlerID != handler.ID {
			return nil, appErrors.AlreadyClaimed(handlerName(task.Handler))
		}
	}

	changed, err := s.unsnooze(ctx, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("id IN ?", taskIDs(tasks)).
			Where("handler_id IS NULL OR handler_id = ?", handler.ID)
	}, handler)
	if err != nil {
		return nil, err
	}
	for i := range changed {
		s.record(ctx, AuditTaskUnsnooze, &changed[i], handler, nil)
	}
	return changed, nil
}

// UnsnoozeExpired reverts every snoozed task whose deadline has passed.
func (s *TaskService) UnsnoozeExpired(ctx context.Context) (int, error) {
	now := s.now()
	changed, err := s.unsnooze(ensureContext(ctx), func(tx *gorm.DB) *gorm.DB {
		return tx.Where("snooze_until <= ?", now)
	}, nil)
	return len(changed), err
}

// UnsnoozeForTeamEmail wakes the team's snoozed interaction tasks that were
// snoozed before an email from the team arrived.
func (s *TaskService) UnsnoozeForTeamEmail(ctx context.Context, teamID uint, received time.Time) (int, error) {
	changed, err := s.unsnooze(ensureContext(ctx), func(tx *gorm.DB) *gorm.DB {
		return tx.Where("team_id = ? AND content_type = ? AND snooze_time < ?", teamID, models.TaskKindInteraction, received)
	}, nil)
	return len(changed), err
}

func (s *TaskService) unsnooze(ctx context.Context, scope func(*gorm.DB) *gorm.DB, handler *models.User) ([]models.Task, error) {
	var candidates []models.Task
	if err := scope(s.db.WithContext(ctx).Model(&models.Task{})).
		Where("status = ?", models.TaskSnoozed).
		Order("id ASC").
		Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("task service: find snoozed: %w", err)
	}

	var changed []models.Task
	for i := range candidates {
		task := candidates[i]
		res := s.db.WithContext(ctx).Model(&models.Task{}).
			Where("id = ? AND status = ?", task.ID, models.TaskSnoozed).
			Updates(map[string]any{
				"status":       models.TaskPending,
				"snooze_time":  nil,
				"snooze_until": nil,
			})
		if res.Error != nil {
			return changed, fmt.Errorf("task service: unsnooze: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		task.Status = models.TaskPending
		task.SnoozeTime, task.SnoozeUntil = nil, nil
		changed = append(changed, task)
		s.bus.Publish(ctx, s.event(events.TaskUnsnoozed, &task, handler, nil))
	}
	return changed, nil
}

// Ignore closes tasks held by handler without resolving their content.
func (s *TaskService) Ignore(ctx context.Context, ids []uint, handler *models.User) ([]models.Task, error) {
	ctx = ensureContext(ctx)
	tasks, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if task.Status == models.TaskDone {
			return nil, errTaskResolved
		}
		if task.HandlerID == nil || *task.HandlerID != handler.ID {
			return nil, errNotTaskHolder
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Task{}).
			Where("id IN ? AND handler_id = ? AND status <> ?", taskIDs(tasks), handler.ID, models.TaskDone).
			Updates(map[string]any{"status": models.TaskIgnored, "snooze_time": nil, "snooze_until": nil})
		if res.Error != nil {
			return fmt.Errorf("task service: ignore: %w", res.Error)
		}
		if int(res.RowsAffected) != len(tasks) {
			return errNotTaskHolder
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range tasks {
		task := &tasks[i]
		task.Status = models.TaskIgnored
		task.SnoozeTime, task.SnoozeUntil = nil, nil
		s.bus.Publish(ctx, s.event(events.TaskIgnored, task, handler, nil))
		s.record(ctx, AuditTaskIgnore, task, handler, nil)
	}
	return tasks, nil
}

// ClaimForResponse makes sure handler holds the content's task inside tx,
// claiming it when nobody does. A task held by someone else is a conflict.
func (s *TaskService) ClaimForResponse(tx *gorm.DB, kind models.TaskKind, contentIDs []uint, handler *models.User) error {
	contentIDs = normaliseIDs(contentIDs)
	if len(contentIDs) == 0 {
		return nil
	}
	var tasks []models.Task
	if err := tx.Preload("Handler").
		Where("content_type = ? AND content_id IN ?", kind, contentIDs).
		Find(&tasks).Error; err != nil {
		return fmt.Errorf("task service: load for response: %w", err)
	}
	now := s.now()
	for _, task := range tasks {
		if task.HandlerID != nil && *task.HandlerID == handler.ID {
			continue
		}
		if task.HandlerID != nil {
			return appErrors.AlreadyClaimed(handlerName(task.Handler))
		}
		if _, err := s.claimOne(tx, task.ID, handler, ClaimOptions{ForceReopen: true}, now); err != nil {
			return err
		}
	}
	return nil
}

// ResolveContent marks the tasks of the given content rows done inside tx
// and returns the ones that changed. Callers announce them after commit.
func (s *TaskService) ResolveContent(tx *gorm.DB, kind models.TaskKind, contentIDs []uint) ([]models.Task, error) {
	contentIDs = normaliseIDs(contentIDs)
	if len(contentIDs) == 0 {
		return nil, nil
	}
	var tasks []models.Task
	if err := tx.Where("content_type = ? AND content_id IN ? AND status <> ?", kind, contentIDs, models.TaskDone).
		Order("id ASC").
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("task service: find for resolve: %w", err)
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	updates := map[string]any{"status": models.TaskDone, "snooze_time": nil, "snooze_until": nil}
	if err := tx.Model(&models.Task{}).
		Where("id IN ? AND status <> ?", taskIDs(tasks), models.TaskDone).
		Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("task service: resolve: %w", err)
	}
	for i := range tasks {
		tasks[i].Status = models.TaskDone
		tasks[i].SnoozeTime, tasks[i].SnoozeUntil = nil, nil
	}
	return tasks, nil
}

// AnnounceResolved publishes TaskResolved for tasks returned by ResolveContent.
func (s *TaskService) AnnounceResolved(ctx context.Context, tasks []models.Task, handler *models.User) {
	for i := range tasks {
		s.bus.Publish(ctx, s.event(events.TaskResolved, &tasks[i], handler, nil))
		if handler != nil {
			s.record(ctx, AuditTaskResolve, &tasks[i], handler, nil)
		}
	}
}

func (s *TaskService) event(action events.Kind, task *models.Task, handler, previous *models.User) events.TaskEvent {
	ev := events.TaskEvent{
		Action:      action,
		TaskID:      task.ID,
		ContentType: string(task.ContentType),
		ContentID:   task.ContentID,
		TeamID:      task.TeamID,
	}
	if handler != nil {
		ev.HandlerID = uintPtr(handler.ID)
		ev.Handler = handler.Username
	}
	if previous != nil {
		ev.PreviousID = uintPtr(previous.ID)
		ev.Previous = previous.Username
	}
	return ev
}

func (s *TaskService) record(ctx context.Context, action string, task *models.Task, handler *models.User, meta map[string]any) {
	s.audit.Record(ctx, AuditEntry{
		Handler:     handler,
		Action:      action,
		ContentType: string(task.ContentType),
		ContentID:   task.ContentID,
		TaskID:      uintPtr(task.ID),
		TeamID:      task.TeamID,
		Metadata:    meta,
	})
}

func taskIDs(tasks []models.Task) []uint {
	out := make([]uint, len(tasks))
	for i, task := range tasks {
		out[i] = task.ID
	}
	return out
}

func handlerName(u *models.User) string {
	if u == nil {
		return ""
	}
	return u.Username
}
