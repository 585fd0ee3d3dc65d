package services

import (
	"gorm.io/gorm"

	"github.com/charlesng35/spoilr/internal/events"
)

// Suite is the full domain service graph shared by every command.
type Suite struct {
	Audit        *AuditService
	Tasks        *TaskService
	Emails       *EmailService
	Hints        *HintService
	Interactions *InteractionService
	Submissions  *SubmissionService
	Exports      *ExportService
}

// SuiteConfig carries the settings the services need beyond db and bus.
type SuiteConfig struct {
	Mail  MailSettings
	Quota HintQuota
}

// NewSuite constructs every service in dependency order.
func NewSuite(db *gorm.DB, bus events.Publisher, cfg SuiteConfig, opts ...Option) (*Suite, error) {
	var (
		s   Suite
		err error
	)
	if s.Audit, err = NewAuditService(db, opts...); err != nil {
		return nil, err
	}
	if s.Tasks, err = NewTaskService(db, bus, s.Audit, opts...); err != nil {
		return nil, err
	}
	if s.Emails, err = NewEmailService(db, bus, s.Tasks, s.Audit, cfg.Mail, opts...); err != nil {
		return nil, err
	}
	if s.Hints, err = NewHintService(db, bus, s.Tasks, s.Emails, s.Audit, cfg.Quota, opts...); err != nil {
		return nil, err
	}
	if s.Interactions, err = NewInteractionService(db, bus, s.Tasks, s.Audit, opts...); err != nil {
		return nil, err
	}
	if s.Submissions, err = NewSubmissionService(db, bus, s.Interactions, opts...); err != nil {
		return nil, err
	}
	if s.Exports, err = NewExportService(db, s.Audit); err != nil {
		return nil, err
	}
	return &s, nil
}

// Subscribers returns the event wiring for this suite.
func (s *Suite) Subscribers(jobs JobEnqueuer, notifier TeamNotifier) Subscribers {
	return Subscribers{Tasks: s.Tasks, Hints: s.Hints, Jobs: jobs, Notifier: notifier}
}
