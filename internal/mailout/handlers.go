package mailout

import (
	"context"
	"errors"

	"github.com/charlesng35/spoilr/internal/jobs"
	"github.com/charlesng35/spoilr/internal/models"
	"github.com/charlesng35/spoilr/internal/services"
)

// Register attaches the send handlers to worker.
func (s *Sender) Register(worker *jobs.Worker) {
	worker.Handle(services.JobSendEmail, s.handleSendEmail)
	worker.Handle(services.JobSendEmailTemplate, s.handleSendTemplate)
}

func (s *Sender) handleSendEmail(ctx context.Context, job *models.Job) error {
	var payload services.EmailJob
	if err := jobs.Decode(job, &payload); err != nil {
		return err
	}
	_, err := s.Send(ctx, payload.EmailID, payload.Now)
	switch {
	case errors.Is(err, ErrDeliveryFailed):
		// Send has already scheduled the cooldown retry.
		return nil
	case errors.Is(err, ErrForeignSender):
		return errors.Join(jobs.ErrPermanent, err)
	}
	return err
}

func (s *Sender) handleSendTemplate(ctx context.Context, job *models.Job) error {
	var payload services.TemplateJob
	if err := jobs.Decode(job, &payload); err != nil {
		return err
	}
	return s.SendTemplate(ctx, payload.TemplateID)
}
