package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/spoilr/internal/models"
	"github.com/charlesng35/spoilr/pkg/logger"
)

// Audit actions recorded for handler operations.
const (
	AuditTaskClaim           = "task.claim"
	AuditTaskYoink           = "task.yoink"
	AuditTaskUnclaim         = "task.unclaim"
	AuditTaskSnooze          = "task.snooze"
	AuditTaskUnsnooze        = "task.unsnooze"
	AuditTaskIgnore          = "task.ignore"
	AuditTaskResolve         = "task.resolve"
	AuditHintRespond         = "hint.respond"
	AuditEmailReply          = "email.reply"
	AuditEmailNoReply        = "email.no_reply"
	AuditInteractionComplete = "interaction.accomplish"
)

// AuditEntry captures a single audit event to persist.
type AuditEntry struct {
	Handler     *models.User
	Action      string
	ContentType string
	ContentID   uint
	TaskID      *uint
	TeamID      *uint
	Result      string
	Metadata    map[string]any
}

// AuditFilters encapsulates optional filters when querying audit logs.
type AuditFilters struct {
	HandlerID   *uint
	Action      string
	ContentType string
	TeamID      *uint
	Since       *time.Time
	Until       *time.Time
}

// AuditListOptions controls pagination and filtering for audit queries.
type AuditListOptions struct {
	Page     int
	PageSize int
	Filters  AuditFilters
}

// AuditService persists and retrieves audit log entries.
type AuditService struct {
	db  *gorm.DB
	now Clock
}

// NewAuditService constructs an AuditService using the provided database handle.
func NewAuditService(db *gorm.DB, opts ...Option) (*AuditService, error) {
	if db == nil {
		return nil, errors.New("audit service: db is required")
	}
	cfg := buildOptions(opts)
	return &AuditService{db: db, now: cfg.now}, nil
}

// Log stores an audit entry, marshalling metadata into JSON form.
func (s *AuditService) Log(ctx context.Context, entry AuditEntry) error {
	ctx = ensureContext(ctx)

	if strings.TrimSpace(entry.Action) == "" {
		return errors.New("audit service: action is required")
	}
	result := strings.TrimSpace(entry.Result)
	if result == "" {
		result = "success"
	}

	var payload datatypes.JSON
	if entry.Metadata != nil {
		encoded, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("audit service: marshal metadata: %w", err)
		}
		payload = encoded
	}

	row := models.AuditLog{
		Action:      strings.TrimSpace(entry.Action),
		ContentType: entry.ContentType,
		ContentID:   entry.ContentID,
		TaskID:      entry.TaskID,
		TeamID:      entry.TeamID,
		Result:      result,
		Metadata:    payload,
		CreatedAt:   s.now(),
	}
	if entry.Handler != nil {
		row.HandlerID = uintPtr(entry.Handler.ID)
		row.Username = entry.Handler.Username
	}

	return s.db.WithContext(ctx).Create(&row).Error
}

// Record logs entry and swallows failures; audit must never fail the action.
func (s *AuditService) Record(ctx context.Context, entry AuditEntry) {
	if s == nil {
		return
	}
	if err := s.Log(ctx, entry); err != nil {
		logger.Warn("audit write failed", zap.String("action", entry.Action), zap.Error(err))
	}
}

// List returns paginated audit logs ordered by creation time descending.
func (s *AuditService) List(ctx context.Context, opts AuditListOptions) ([]models.AuditLog, int64, error) {
	ctx = ensureContext(ctx)

	page := opts.Page
	if page <= 0 {
		page = 1
	}
	perPage := opts.PageSize
	if perPage <= 0 || perPage > 200 {
		perPage = 50
	}

	var (
		results []models.AuditLog
		total   int64
	)

	query := applyAuditFilters(s.db.WithContext(ctx).Model(&models.AuditLog{}), opts.Filters)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("audit service: count logs: %w", err)
	}

	if err := query.
		Order("created_at DESC").
		Order("id DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&results).Error; err != nil {
		return nil, 0, fmt.Errorf("audit service: list logs: %w", err)
	}

	return results, total, nil
}

// Export returns matching audit logs oldest first, without pagination.
func (s *AuditService) Export(ctx context.Context, filters AuditFilters) ([]models.AuditLog, error) {
	ctx = ensureContext(ctx)

	var logs []models.AuditLog
	if err := applyAuditFilters(s.db.WithContext(ctx).Model(&models.AuditLog{}), filters).
		Order("id ASC").
		Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("audit service: export logs: %w", err)
	}
	return logs, nil
}

// CleanupOlderThan removes audit logs older than the supplied retention window (in days).
func (s *AuditService) CleanupOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	ctx = ensureContext(ctx)

	if retentionDays <= 0 {
		return 0, errors.New("audit service: retentionDays must be positive")
	}

	cutoff := s.now().AddDate(0, 0, -retentionDays)
	result := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.AuditLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("audit service: cleanup logs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func applyAuditFilters(query *gorm.DB, filters AuditFilters) *gorm.DB {
	if filters.HandlerID != nil {
		query = query.Where("handler_id = ?", *filters.HandlerID)
	}
	if filters.Action != "" {
		query = query.Where("action = ?", filters.Action)
	}
	if filters.ContentType != "" {
		query = query.Where("content_type = ?", filters.ContentType)
	}
	if filters.TeamID != nil {
		query = query.Where("team_id = ?", *filters.TeamID)
	}
	if filters.Since != nil {
		query = query.Where("created_at >= ?", *filters.Since)
	}
	if filters.Until != nil {
		query = query.Where("created_at <= ?", *filters.Until)
	}
	return query
}
