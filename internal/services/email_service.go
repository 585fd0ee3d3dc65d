package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/spoilr/internal/events"
	"github.com/charlesng35/spoilr/internal/models"
	appErrors "github.com/charlesng35/spoilr/pkg/errors"
	"github.com/charlesng35/spoilr/pkg/mail"
)

// MailSettings names the addresses the hunt sends from.
type MailSettings struct {
	Domain    string
	HintsFrom string
	ReplyFrom string
}

// OutboundEmail is a message to persist in status Sending.
type OutboundEmail struct {
	From       string
	To         []string
	Cc         []string
	Bcc        []string
	Subject    string
	Text       string
	HTML       string
	InReplyTo  string
	References []string
	TeamID     *uint
	TemplateID *uint
	Scheduled  time.Time
}

// EmailService composes outbound rows and handles staff replies to inbound mail.
type EmailService struct {
	db       *gorm.DB
	bus      events.Publisher
	tasks    *TaskService
	audit    *AuditService
	settings MailSettings
	now      Clock
}

// NewEmailService constructs an EmailService.
func NewEmailService(db *gorm.DB, bus events.Publisher, tasks *TaskService, audit *AuditService, settings MailSettings, opts ...Option) (*EmailService, error) {
	if db == nil {
		return nil, errors.New("email service: db is required")
	}
	if tasks == nil {
		return nil, errors.New("email service: task service is required")
	}
	if strings.TrimSpace(settings.Domain) == "" {
		return nil, errors.New("email service: domain is required")
	}
	if bus == nil {
		bus = events.Discard{}
	}
	if settings.HintsFrom == "" {
		settings.HintsFrom = "hints@" + settings.Domain
	}
	if settings.ReplyFrom == "" {
		settings.ReplyFrom = "info@" + settings.Domain
	}
	cfg := buildOptions(opts)
	return &EmailService{db: db, bus: bus, tasks: tasks, audit: audit, settings: settings, now: cfg.now}, nil
}

// Settings returns the configured sender addresses.
func (s *EmailService) Settings() MailSettings { return s.settings }

// Queue renders out and stores it as a Sending row inside tx. Call Announce
// after the transaction commits.
func (s *EmailService) Queue(tx *gorm.DB, out OutboundEmail) (*models.Email, error) {
	now := s.now()
	scheduled := out.Scheduled
	if scheduled.IsZero() {
		scheduled = now
	}
	messageID := mail.NewMessageID(s.settings.Domain)
	raw, err := mail.Render(mail.Message{
		From:       out.From,
		To:         out.To,
		Cc:         out.Cc,
		Subject:    out.Subject,
		Text:       out.Text,
		HTML:       out.HTML,
		MessageID:  messageID,
		InReplyTo:  out.InReplyTo,
		References: out.References,
		Date:       scheduled,
	})
	if err != nil {
		return nil, err
	}

	root := messageID
	if len(out.References) > 0 {
		root = out.References[0]
	} else if out.InReplyTo != "" {
		root = out.InReplyTo
	}

	email := models.Email{
		RawContent:        raw,
		Subject:           out.Subject,
		BodyText:          out.Text,
		BodyHTML:          out.HTML,
		MessageID:         messageID,
		InReplyToID:       out.InReplyTo,
		RootReferenceID:   root,
		ReferenceIDs:      out.References,
		FromAddress:       out.From,
		ToAddresses:       mail.UniqueAddresses(out.To),
		CcAddresses:       mail.UniqueAddresses(out.Cc),
		BccAddresses:      mail.UniqueAddresses(out.Bcc),
		IsFromUs:          true,
		Status:            models.EmailSending,
		TeamID:            out.TeamID,
		TemplateID:        out.TemplateID,
		ScheduledDatetime: scheduled,
	}
	if err := tx.Create(&email).Error; err != nil {
		return nil, fmt.Errorf("email service: queue: %w", err)
	}
	return &email, nil
}

// Announce publishes EmailQueued for committed rows.
func (s *EmailService) Announce(ctx context.Context, emails ...*models.Email) {
	for _, email := range emails {
		if email != nil {
			s.bus.Publish(ctx, events.EmailQueuedEvent{EmailID: email.ID})
		}
	}
}

// Deliverable removes addresses listed as bad for any of reasons. With no
// reasons every bad address is removed.
func (s *EmailService) Deliverable(tx *gorm.DB, addresses []string, reasons ...models.BadAddressReason) ([]string, error) {
	return FilterBadAddresses(tx, addresses, reasons...)
}

// FilterBadAddresses subtracts BadEmailAddress rows from addresses.
func FilterBadAddresses(tx *gorm.DB, addresses []string, reasons ...models.BadAddressReason) ([]string, error) {
	addresses = mail.UniqueAddresses(addresses)
	if len(addresses) == 0 {
		return nil, nil
	}
	lowered := make([]string, len(addresses))
	for i, addr := range addresses {
		lowered[i] = mail.NormalizeAddress(addr)
	}
	query := tx.Model(&models.BadEmailAddress{}).Where("address IN ?", lowered)
	if len(reasons) > 0 {
		query = query.Where("reason IN ?", reasons)
	}
	var bad []string
	if err := query.Pluck("address", &bad).Error; err != nil {
		return nil, fmt.Errorf("email service: load bad addresses: %w", err)
	}
	blocked := make(map[string]struct{}, len(bad))
	for _, addr := range bad {
		blocked[addr] = struct{}{}
	}
	out := make([]string, 0, len(addresses))
	for i, addr := range addresses {
		if _, ok := blocked[lowered[i]]; !ok {
			out = append(out, addr)
		}
	}
	return out, nil
}

// Reply answers an inbound email and resolves its task.
func (s *EmailService) Reply(ctx context.Context, handler *models.User, emailID uint, text string) (*models.Email, error) {
	ctx = ensureContext(ctx)
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, appErrors.Validation("text_content", "This field is required.")
	}

	var (
		reply    *models.Email
		original models.Email
		resolved []models.Task
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Take(&original, emailID).Error; err != nil {
			return notFound(err, "Email")
		}
		if !original.Inbound() {
			return errNotInbound
		}
		// Direct replies are consented, so only bounced addresses are dropped.
		to, err := s.Deliverable(tx, []string{original.FromAddress}, models.BadAddressBounced)
		if err != nil {
			return err
		}
		if len(to) == 0 {
			return errNoRecipients
		}
		if err := s.tasks.ClaimForResponse(tx, models.TaskKindEmail, []uint{original.ID}, handler); err != nil {
			return err
		}

		references := append(append([]string(nil), original.ReferenceIDs...), original.MessageID)
		reply, err = s.Queue(tx, OutboundEmail{
			From:       s.settings.ReplyFrom,
			To:         to,
			Subject:    mail.ReplySubject(original.Subject),
			Text:       text,
			InReplyTo:  original.MessageID,
			References: references,
			TeamID:     original.TeamID,
		})
		if err != nil {
			return err
		}
		if err := tx.Model(&models.Email{}).Where("id = ?", original.ID).Updates(map[string]any{
			"status":      models.EmailRecvAnswered,
			"response_id": reply.ID,
		}).Error; err != nil {
			return fmt.Errorf("email service: mark answered: %w", err)
		}
		resolved, err = s.tasks.ResolveContent(tx, models.TaskKindEmail, []uint{original.ID})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.Announce(ctx, reply)
	s.tasks.AnnounceResolved(ctx, resolved, handler)
	s.audit.Record(ctx, AuditEntry{
		Handler:     handler,
		Action:      AuditEmailReply,
		ContentType: string(models.TaskKindEmail),
		ContentID:   original.ID,
		TeamID:      original.TeamID,
		Metadata:    map[string]any{"reply_id": reply.ID},
	})
	return reply, nil
}

// MarkNoReply records that an inbound email needs no answer.
func (s *EmailService) MarkNoReply(ctx context.Context, handler *models.User, emailID uint) error {
	ctx = ensureContext(ctx)
	var (
		original models.Email
		resolved []models.Task
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Take(&original, emailID).Error; err != nil {
			return notFound(err, "Email")
		}
		if !original.Inbound() {
			return errNotInbound
		}
		if err := s.tasks.ClaimForResponse(tx, models.TaskKindEmail, []uint{original.ID}, handler); err != nil {
			return err
		}
		if err := tx.Model(&models.Email{}).Where("id = ?", original.ID).
			Update("status", models.EmailRecvNoReplyRequired).Error; err != nil {
			return fmt.Errorf("email service: mark no reply: %w", err)
		}
		var err error
		resolved, err = s.tasks.ResolveContent(tx, models.TaskKindEmail, []uint{original.ID})
		return err
	})
	if err != nil {
		return err
	}
	s.tasks.AnnounceResolved(ctx, resolved, handler)
	s.audit.Record(ctx, AuditEntry{
		Handler:     handler,
		Action:      AuditEmailNoReply,
		ContentType: string(models.TaskKindEmail),
		ContentID:   original.ID,
		TeamID:      original.TeamID,
	})
	return nil
}

// EnsureMissedTasks creates tasks for inbound emails awaiting a reply that
// have none, e.g. after a subscriber failure. Returns how many were created.
func (s *EmailService) EnsureMissedTasks(ctx context.Context, since time.Time) (int, error) {
	ctx = ensureContext(ctx)
	var emails []models.Email
	if err := s.db.WithContext(ctx).
		Select("id", "team_id").
		Where("status = ? AND created_at >= ?", models.EmailRecvNoReply, since).
		Where("NOT EXISTS (SELECT 1 FROM tasks WHERE tasks.content_type = ? AND tasks.content_id = emails.id)", models.TaskKindEmail).
		Order("id ASC").
		Find(&emails).Error; err != nil {
		return 0, fmt.Errorf("email service: find missed: %w", err)
	}
	created := 0
	for _, email := range emails {
		_, ok, err := s.tasks.Create(ctx, models.TaskKindEmail, email.ID, email.TeamID)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}
