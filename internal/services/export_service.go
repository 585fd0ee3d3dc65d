package services

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/spoilr/internal/models"
)

// Export kinds served as CSV.
const (
	ExportAudit       = "audit"
	ExportSubmissions = "submissions"
	ExportHints       = "hints"
)

// ExportService writes operator reports as CSV.
type ExportService struct {
	db    *gorm.DB
	audit *AuditService
}

// NewExportService constructs an ExportService.
func NewExportService(db *gorm.DB, audit *AuditService) (*ExportService, error) {
	if db == nil || audit == nil {
		return nil, errors.New("export service: db and audit service are required")
	}
	return &ExportService{db: db, audit: audit}, nil
}

// Supported reports whether kind names a known export.
func (s *ExportService) Supported(kind string) bool {
	switch kind {
	case ExportAudit, ExportSubmissions, ExportHints:
		return true
	}
	return false
}

// Write streams the export named kind to w.
func (s *ExportService) Write(ctx context.Context, kind string, w io.Writer) error {
	ctx = ensureContext(ctx)
	cw := csv.NewWriter(w)
	var err error
	switch kind {
	case ExportAudit:
		err = s.writeAudit(ctx, cw)
	case ExportSubmissions:
		err = s.writeSubmissions(ctx, cw)
	case ExportHints:
		err = s.writeHints(ctx, cw)
	default:
		return fmt.Errorf("export service: unknown export %q", kind)
	}
	if err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func (s *ExportService) writeAudit(ctx context.Context, cw *csv.Writer) error {
	logs, err := s.audit.Export(ctx, AuditFilters{})
	if err != nil {
		return err
	}
	if err := cw.Write([]string{"id", "created_at", "username", "action", "content_type", "content_id", "task_id", "team_id", "result", "metadata"}); err != nil {
		return err
	}
	for _, l := range logs {
		if err := cw.Write([]string{
			strconv.FormatUint(uint64(l.ID), 10),
			l.CreatedAt.UTC().Format(time.RFC3339),
			l.Username,
			l.Action,
			l.ContentType,
			strconv.FormatUint(uint64(l.ContentID), 10),
			optionalID(l.TaskID),
			optionalID(l.TeamID),
			l.Result,
			string(l.Metadata),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *ExportService) writeSubmissions(ctx context.Context, cw *csv.Writer) error {
	var subs []models.Submission
	if err := s.db.WithContext(ctx).Preload("Team").Preload("Puzzle").Order("id ASC").Find(&subs).Error; err != nil {
		return fmt.Errorf("export service: load submissions: %w", err)
	}
	if err := cw.Write([]string{"id", "time", "team", "puzzle", "guess", "correct", "partial", "free_answer"}); err != nil {
		return err
	}
	for _, sub := range subs {
		team, puzzle := "", ""
		if sub.Team != nil {
			team = sub.Team.Name
		}
		if sub.Puzzle != nil {
			puzzle = sub.Puzzle.Slug
		}
		if err := cw.Write([]string{
			strconv.FormatUint(uint64(sub.ID), 10),
			sub.Time.UTC().Format(time.RFC3339),
			team,
			puzzle,
			sub.NormalizedGuess,
			strconv.FormatBool(sub.IsCorrect),
			strconv.FormatBool(sub.IsPartial),
			strconv.FormatBool(sub.UsedFreeAnswer),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *ExportService) writeHints(ctx context.Context, cw *csv.Writer) error {
	var hints []models.Hint
	if err := s.db.WithContext(ctx).Preload("Team").Preload("Puzzle").Order("id ASC").Find(&hints).Error; err != nil {
		return fmt.Errorf("export service: load hints: %w", err)
	}
	if err := cw.Write([]string{"id", "timestamp", "team", "puzzle", "thread_id", "is_request", "status", "response_id", "text"}); err != nil {
		return err
	}
	for _, h := range hints {
		team, puzzle := "", ""
		if h.Team != nil {
			team = h.Team.Name
		}
		if h.Puzzle != nil {
			puzzle = h.Puzzle.Slug
		}
		if err := cw.Write([]string{
			strconv.FormatUint(uint64(h.ID), 10),
			h.Timestamp.UTC().Format(time.RFC3339),
			team,
			puzzle,
			strconv.FormatUint(uint64(h.ThreadID()), 10),
			strconv.FormatBool(h.IsRequest),
			string(h.Status),
			optionalID(h.ResponseID),
			h.Text,
		}); err != nil {
			return err
		}
	}
	return nil
}

func optionalID(id *uint) string {
	if id == nil {
		return ""
	}
	return strconv.FormatUint(uint64(*id), 10)
}
