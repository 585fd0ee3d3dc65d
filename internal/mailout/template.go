package mailout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"text/template"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/spoilr/internal/cache"
	"github.com/charlesng35/spoilr/internal/models"
	"github.com/charlesng35/spoilr/internal/services"
)

const defaultBatchSize = 50

// errCursorMoved aborts a batch whose cursor another run already advanced.
var errCursorMoved = errors.New("mailout: template cursor moved")

// TemplateData is exposed to template subjects and bodies.
type TemplateData struct {
	TeamName string
	TeamSlug string
	Address  string
}

type compiled struct {
	subject *template.Template
	text    *template.Template
	html    *htmltemplate.Template
}

func compile(tpl *models.EmailTemplate) (*compiled, error) {
	subject, err := template.New("subject").Parse(tpl.Subject)
	if err != nil {
		return nil, fmt.Errorf("mailout: template %d subject: %w", tpl.ID, err)
	}
	text, err := template.New("text").Parse(tpl.BodyText)
	if err != nil {
		return nil, fmt.Errorf("mailout: template %d text: %w", tpl.ID, err)
	}
	out := &compiled{subject: subject, text: text}
	if tpl.BodyHTML != "" {
		if out.html, err = htmltemplate.New("html").Parse(tpl.BodyHTML); err != nil {
			return nil, fmt.Errorf("mailout: template %d html: %w", tpl.ID, err)
		}
	}
	return out, nil
}

func (c *compiled) render(data TemplateData) (subject, text, html string, err error) {
	var buf bytes.Buffer
	if err = c.subject.Execute(&buf, data); err != nil {
		return
	}
	subject = buf.String()
	buf.Reset()
	if err = c.text.Execute(&buf, data); err != nil {
		return
	}
	text = buf.String()
	if c.html != nil {
		buf.Reset()
		if err = c.html.Execute(&buf, data); err != nil {
			return
		}
		html = buf.String()
	}
	return
}

// batch is one committed slice of a template run.
type batch struct {
	emails []*models.Email
	done   bool
}

// SendTemplate expands template id from its cursor. Each batch commits its
// Email rows together with the advanced cursor before any of them is
// dispatched, so a crash never re-sends to an address behind the cursor.
// Rows committed but not yet attempted are sent first on resume. The cursor
// only advances from the value this run last saw; a run that lost the race
// rolls its batch back and stops.
func (s *Sender) SendTemplate(ctx context.Context, id uint) error {
	lock, err := s.locker.TryLock(ctx, fmt.Sprintf("task_send_email_template:%d", id), cache.LongTimeout)
	if errors.Is(err, cache.ErrLockBusy) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lock.Release(ctx); rerr != nil {
			s.log.Warn("release template lock", zap.Uint("template_id", id), zap.Error(rerr))
		}
	}()

	var tpl models.EmailTemplate
	if err := s.db.WithContext(ctx).First(&tpl, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("mailout: load template %d: %w", id, err)
	}
	if tpl.Status != models.TemplateScheduled && tpl.Status != models.TemplateSending {
		return nil
	}
	if tpl.ScheduledDatetime.After(s.now()) {
		return nil
	}
	if tpl.Status == models.TemplateScheduled {
		if err := s.db.WithContext(ctx).Model(&tpl).Update("status", models.TemplateSending).Error; err != nil {
			return fmt.Errorf("mailout: start template %d: %w", id, err)
		}
	}

	tmpl, err := compile(&tpl)
	if err != nil {
		return err
	}
	log := s.log.With(zap.Uint("template_id", tpl.ID))

	if err := s.drainPending(ctx, tpl.ID); err != nil {
		return err
	}

	for first := true; ; first = false {
		if !first {
			if err := s.sleep(ctx, msDuration(tpl.BatchDelayMS)); err != nil {
				return err
			}
		}
		if err := lock.Extend(ctx, cache.LongTimeout); err != nil {
			if errors.Is(err, cache.ErrLockLost) {
				log.Warn("template lock lost, leaving the run to its new holder")
				return nil
			}
			return err
		}
		b, err := s.nextBatch(ctx, &tpl, tmpl)
		if errors.Is(err, errCursorMoved) {
			log.Warn("template cursor advanced elsewhere, stopping")
			return nil
		}
		if err != nil {
			return err
		}
		for _, email := range b.emails {
			if _, err := s.Send(ctx, email.ID, true); err != nil {
				log.Warn("template send interrupted", zap.Uint("email_id", email.ID), zap.Error(err))
				return err
			}
		}
		if b.done {
			break
		}
	}

	if err := s.db.WithContext(ctx).Model(&models.EmailTemplate{}).
		Where("id = ? AND status = ?", tpl.ID, models.TemplateSending).
		Update("status", models.TemplateSent).Error; err != nil {
		return fmt.Errorf("mailout: finish template %d: %w", tpl.ID, err)
	}
	log.Info("template sent")
	return nil
}

func (s *Sender) drainPending(ctx context.Context, templateID uint) error {
	var ids []uint
	if err := s.db.WithContext(ctx).Model(&models.Email{}).
		Where("template_id = ? AND status = ? AND attempted_send_datetime IS NULL", templateID, models.EmailSending).
		Order("id ASC").
		Pluck("id", &ids).Error; err != nil {
		return fmt.Errorf("mailout: pending template rows: %w", err)
	}
	for _, id := range ids {
		if _, err := s.Send(ctx, id, true); err != nil {
			return err
		}
	}
	return nil
}

// nextBatch composes and commits the next batch, advancing tpl's cursor.
func (s *Sender) nextBatch(ctx context.Context, tpl *models.EmailTemplate, tmpl *compiled) (batch, error) {
	var out batch
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		switch tpl.RecipientMode {
		case models.RecipientsAllTeams:
			out, err = s.teamBatch(tx, tpl, tmpl)
		case models.RecipientsBatchedAddresses:
			out, err = s.addressBatch(tx, tpl, tmpl)
		default:
			return fmt.Errorf("mailout: template %d has unknown recipient mode %q", tpl.ID, tpl.RecipientMode)
		}
		return err
	})
	return out, err
}

func (s *Sender) teamBatch(tx *gorm.DB, tpl *models.EmailTemplate, tmpl *compiled) (batch, error) {
	var team models.Team
	err := tx.Preload("Members").Where("id > ?", tpl.LastTeamID).Order("id ASC").Take(&team).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return batch{done: true}, nil
	}
	if err != nil {
		return batch{}, fmt.Errorf("mailout: next team: %w", err)
	}

	var out batch
	recipients, err := services.FilterBadAddresses(tx, team.AllEmails())
	if err != nil {
		return batch{}, err
	}
	if len(recipients) > 0 {
		email, err := s.queue(tx, tpl, tmpl, TemplateData{TeamName: team.Name, TeamSlug: team.Slug}, recipients, &team.ID)
		if err != nil {
			return batch{}, err
		}
		out.emails = append(out.emails, email)
	}
	res := tx.Model(&models.EmailTemplate{}).
		Where("id = ? AND last_team_id = ?", tpl.ID, tpl.LastTeamID).
		Update("last_team_id", team.ID)
	if res.Error != nil {
		return batch{}, fmt.Errorf("mailout: advance team cursor: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return batch{}, errCursorMoved
	}
	tpl.LastTeamID = team.ID
	return out, nil
}

func (s *Sender) addressBatch(tx *gorm.DB, tpl *models.EmailTemplate, tmpl *compiled) (batch, error) {
	size := tpl.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}
	start := tpl.LastAddressIndex + 1
	if start < 0 {
		start = 0
	}
	if start >= len(tpl.Addresses) {
		return batch{done: true}, nil
	}
	end := start + size
	if end > len(tpl.Addresses) {
		end = len(tpl.Addresses)
	}

	recipients, err := services.FilterBadAddresses(tx, tpl.Addresses[start:end])
	if err != nil {
		return batch{}, err
	}
	out := batch{done: end == len(tpl.Addresses)}
	for _, rcpt := range recipients {
		email, err := s.queue(tx, tpl, tmpl, TemplateData{Address: rcpt}, []string{rcpt}, nil)
		if err != nil {
			return batch{}, err
		}
		out.emails = append(out.emails, email)
	}
	res := tx.Model(&models.EmailTemplate{}).
		Where("id = ? AND last_address_index = ?", tpl.ID, tpl.LastAddressIndex).
		Update("last_address_index", end-1)
	if res.Error != nil {
		return batch{}, fmt.Errorf("mailout: advance address cursor: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return batch{}, errCursorMoved
	}
	tpl.LastAddressIndex = end - 1
	return out, nil
}

func (s *Sender) queue(tx *gorm.DB, tpl *models.EmailTemplate, tmpl *compiled, data TemplateData, to []string, teamID *uint) (*models.Email, error) {
	subject, text, html, err := tmpl.render(data)
	if err != nil {
		return nil, fmt.Errorf("mailout: render template %d: %w", tpl.ID, err)
	}
	templateID := tpl.ID
	return s.emails.Queue(tx, services.OutboundEmail{
		From:       tpl.FromAddress,
		To:         to,
		Subject:    subject,
		Text:       text,
		HTML:       html,
		TeamID:     teamID,
		TemplateID: &templateID,
		Scheduled:  s.now(),
	})
}

// DispatchScheduled enqueues a template job for every template that is due or
// was interrupted mid-send.
func (s *Sender) DispatchScheduled(ctx context.Context) (int, error) {
	if s.jobs == nil {
		return 0, nil
	}
	var ids []uint
	if err := s.db.WithContext(ctx).Model(&models.EmailTemplate{}).
		Where("status IN ? AND scheduled_datetime <= ?", []models.TemplateStatus{models.TemplateScheduled, models.TemplateSending}, s.now()).
		Order("id ASC").
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("mailout: due templates: %w", err)
	}
	for _, id := range ids {
		key := fmt.Sprintf("%s:%d", services.JobSendEmailTemplate, id)
		if err := s.jobs.Enqueue(ctx, services.JobSendEmailTemplate, key, services.TemplateJob{TemplateID: id}, s.now()); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

func msDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
