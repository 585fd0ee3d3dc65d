package sessions

import (
	"context"

	"github.com/charlesng35/spoilr/internal/jobs"
	"github.com/charlesng35/spoilr/internal/models"
	"github.com/charlesng35/spoilr/internal/services"
)

// Register attaches the sync_session handler to worker.
func (s *Store) Register(worker *jobs.Worker) {
	worker.Handle(services.JobSyncSession, s.handleSync)
}

func (s *Store) handleSync(ctx context.Context, job *models.Job) error {
	var payload SyncJob
	if err := jobs.Decode(job, &payload); err != nil {
		return err
	}
	return s.Sync(ctx, Key{TeamID: payload.TeamID, Name: payload.Key})
}
