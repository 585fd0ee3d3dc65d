package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/spoilr/internal/events"
	"github.com/charlesng35/spoilr/internal/models"
	"github.com/charlesng35/spoilr/internal/progress"
	appErrors "github.com/charlesng35/spoilr/pkg/errors"
	"github.com/charlesng35/spoilr/pkg/mail"
	"github.com/charlesng35/spoilr/pkg/validator"
)

// Notify sentinels for hint requests.
const (
	NotifyAll  = "all"
	NotifyNone = "none"
)

// HintQuota decides whether a team may open another hint thread.
type HintQuota interface {
	Allow(ctx context.Context, team *models.Team, puzzle *models.Puzzle) error
	Refund(ctx context.Context, team *models.Team, puzzle *models.Puzzle) error
}

// UnlimitedHints never refuses a request.
type UnlimitedHints struct{}

func (UnlimitedHints) Allow(context.Context, *models.Team, *models.Puzzle) error  { return nil }
func (UnlimitedHints) Refund(context.Context, *models.Team, *models.Puzzle) error { return nil }

// HintRequestInput is a solver's hint request.
type HintRequestInput struct {
	Text         string
	NotifyEmails string
	ThreadID     *uint
}

// HintResponseInput is a handler's answer.
type HintResponseInput struct {
	Text   string
	Status models.HintStatus
}

// HintMessage is one row of a thread as shown to solvers.
type HintMessage struct {
	ID        uint              `json:"id"`
	IsRequest bool              `json:"isRequest"`
	Text      string            `json:"text"`
	Status    models.HintStatus `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
}

// HintThread groups a root request with its follow-ups and responses.
type HintThread struct {
	ID     uint              `json:"threadId"`
	Status models.HintStatus `json:"status"`
	Hints  []HintMessage     `json:"hints"`
}

// HintService runs the hint thread state machine.
type HintService struct {
	db     *gorm.DB
	bus    events.Publisher
	tasks  *TaskService
	emails *EmailService
	audit  *AuditService
	quota  HintQuota
	now    Clock
}

// NewHintService constructs a HintService. A nil quota means unlimited.
func NewHintService(db *gorm.DB, bus events.Publisher, tasks *TaskService, emails *EmailService, audit *AuditService, quota HintQuota, opts ...Option) (*HintService, error) {
	if db == nil {
		return nil, errors.New("hint service: db is required")
	}
	if tasks == nil || emails == nil {
		return nil, errors.New("hint service: task and email services are required")
	}
	if bus == nil {
		bus = events.Discard{}
	}
	if quota == nil {
		quota = UnlimitedHints{}
	}
	cfg := buildOptions(opts)
	return &HintService{db: db, bus: bus, tasks: tasks, emails: emails, audit: audit, quota: quota, now: cfg.now}, nil
}

func openRequests(tx *gorm.DB) *gorm.DB {
	return tx.Model(&models.Hint{}).
		Where("is_request = ? AND response_id IS NULL AND status NOT IN ?", true,
			[]models.HintStatus{models.HintObsolete, models.HintResolved})
}

// Request opens a thread, or appends a follow-up when ThreadID is set.
func (s *HintService) Request(ctx context.Context, pc *progress.Context, slug string, in HintRequestInput) (*models.Hint, error) {
	ctx = ensureContext(ctx)
	team := pc.Team()
	if team == nil {
		return nil, appErrors.ErrNotAuthenticated
	}
	unlocked, puzzle, err := pc.IsUnlocked(slug)
	if err != nil {
		return nil, err
	}
	if !unlocked {
		return nil, appErrors.ErrNotAuthorized
	}
	solved, err := pc.IsSolved(puzzle.ID)
	if err != nil {
		return nil, err
	}
	if solved {
		return nil, appErrors.ErrAlreadySolved
	}
	if !pc.HuntHasStarted() || pc.HuntIsOver() {
		return nil, errHintsPaused
	}

	form := appErrors.FormErrors{}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		form.Add("text_content", "This field is required.")
	}
	notify := strings.TrimSpace(in.NotifyEmails)
	if notify != "" && !validator.ValidNotifyEmails(notify) {
		form.Add("notify_emails", "Enter \"all\", \"none\" or a comma-separated list of addresses.")
	}
	if err := form.Err(); err != nil {
		return nil, err
	}
	if in.ThreadID == nil {
		if err := s.quota.Allow(ctx, team, puzzle); err != nil {
			return nil, err
		}
	}

	hint := models.Hint{
		TeamID:       team.ID,
		PuzzleID:     puzzle.ID,
		IsRequest:    true,
		Status:       models.HintNoResponse,
		Text:         text,
		NotifyEmails: notify,
		Timestamp:    s.now(),
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The team row lock serialises concurrent requests from one team.
		var locked models.Team
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id").Take(&locked, team.ID).Error; err != nil {
			return fmt.Errorf("hint service: lock team: %w", err)
		}

		var root *models.Hint
		if in.ThreadID != nil {
			var r models.Hint
			if err := tx.Take(&r, "id = ? AND team_id = ? AND puzzle_id = ? AND is_request = ? AND root_ancestor_id IS NULL",
				*in.ThreadID, team.ID, puzzle.ID, true).Error; err != nil {
				return notFound(err, "Hint thread")
			}
			root = &r
		}

		query := openRequests(tx).Where("team_id = ? AND puzzle_id = ?", team.ID, puzzle.ID)
		if root != nil {
			query = query.Where("id <> ? AND (root_ancestor_id IS NULL OR root_ancestor_id <> ?)", root.ID, root.ID)
		}
		var open int64
		if err := query.Count(&open).Error; err != nil {
			return fmt.Errorf("hint service: count open: %w", err)
		}
		if open > 0 {
			return appErrors.ErrHintAlreadyOpen
		}

		if root != nil {
			hint.RootAncestorID = uintPtr(root.ID)
			if err := tx.Model(&models.Hint{}).Where("id = ?", root.ID).
				Update("status", models.HintNoResponse).Error; err != nil {
				return fmt.Errorf("hint service: reopen thread: %w", err)
			}
		}
		if err := tx.Create(&hint).Error; err != nil {
			return fmt.Errorf("hint service: create request: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(ctx, events.HintRequestedEvent{
		HintID:     hint.ID,
		ThreadID:   hint.ThreadID(),
		TeamID:     team.ID,
		PuzzleID:   puzzle.ID,
		PuzzleSlug: puzzle.Slug,
	})
	return &hint, nil
}

// CreateFromEmail chains an inbound email onto the thread rooted at root,
// inside tx. The caller publishes HintRequested after commit.
func (s *HintService) CreateFromEmail(tx *gorm.DB, email *models.Email, root *models.Hint) (*models.Hint, error) {
	threadID := root.ThreadID()
	hint := models.Hint{
		TeamID:         root.TeamID,
		PuzzleID:       root.PuzzleID,
		IsRequest:      true,
		Status:         models.HintNoResponse,
		Text:           strings.TrimSpace(email.BodyText),
		NotifyEmails:   email.FromAddress,
		EmailID:        uintPtr(email.ID),
		RootAncestorID: uintPtr(threadID),
		Timestamp:      s.now(),
	}
	if err := tx.Model(&models.Hint{}).Where("id = ?", threadID).
		Update("status", models.HintNoResponse).Error; err != nil {
		return nil, fmt.Errorf("hint service: reopen thread: %w", err)
	}
	if err := tx.Create(&hint).Error; err != nil {
		return nil, fmt.Errorf("hint service: create from email: %w", err)
	}
	return &hint, nil
}

// Respond answers every open request in the request's thread with one
// response row. When the thread has nothing open but the request already
// has a response, the response text is edited in place.
func (s *HintService) Respond(ctx context.Context, handler *models.User, requestID uint, in HintResponseInput) (*models.Hint, error) {
	ctx = ensureContext(ctx)
	form := appErrors.FormErrors{}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		form.Add("text_content", "This field is required.")
	}
	if !in.Status.ResponseStatus() {
		form.Add("status", "Select a valid choice.")
	}
	if err := form.Err(); err != nil {
		return nil, err
	}

	var (
		request  models.Hint
		response models.Hint
		outbound *models.Email
		resolved []models.Task
		edited   bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Preload("Team.Members").Preload("Puzzle").
			Take(&request, "id = ? AND is_request = ?", requestID, true).Error; err != nil {
			return notFound(err, "Hint request")
		}
		threadID := request.ThreadID()
		var open []models.Hint
		if err := openRequests(tx).
			Where("id = ? OR root_ancestor_id = ?", threadID, threadID).
			Order("id ASC").
			Find(&open).Error; err != nil {
			return fmt.Errorf("hint service: load thread: %w", err)
		}

		if len(open) == 0 {
			if request.ResponseID == nil {
				return errHintClosed
			}
			edited = true
			if err := tx.Take(&response, *request.ResponseID).Error; err != nil {
				return notFound(err, "Hint response")
			}
			response.Text, response.Status = text, in.Status
			if err := tx.Model(&response).Updates(map[string]any{"text": text, "status": in.Status}).Error; err != nil {
				return fmt.Errorf("hint service: edit response: %w", err)
			}
			return s.setThreadStatus(tx, threadID, in.Status)
		}

		openIDs := make([]uint, len(open))
		for i := range open {
			openIDs[i] = open[i].ID
		}
		if err := s.tasks.ClaimForResponse(tx, models.TaskKindHint, openIDs, handler); err != nil {
			return err
		}

		response = models.Hint{
			TeamID:         request.TeamID,
			PuzzleID:       request.PuzzleID,
			IsRequest:      false,
			Status:         in.Status,
			Text:           text,
			RootAncestorID: uintPtr(threadID),
			Timestamp:      s.now(),
		}
		if err := tx.Create(&response).Error; err != nil {
			return fmt.Errorf("hint service: create response: %w", err)
		}
		if err := tx.Model(&models.Hint{}).Where("id IN ?", openIDs).Updates(map[string]any{
			"response_id": response.ID,
			"status":      in.Status,
		}).Error; err != nil {
			return fmt.Errorf("hint service: link response: %w", err)
		}
		if err := s.setThreadStatus(tx, threadID, in.Status); err != nil {
			return err
		}

		var err error
		if resolved, err = s.tasks.ResolveContent(tx, models.TaskKindHint, openIDs); err != nil {
			return err
		}
		notify := open[len(open)-1].NotifyEmails
		outbound, err = s.composeEmail(tx, &request, threadID, notify, text)
		if err != nil {
			return err
		}
		if outbound != nil {
			if err := tx.Model(&response).Update("email_id", outbound.ID).Error; err != nil {
				return fmt.Errorf("hint service: link email: %w", err)
			}
			response.EmailID = uintPtr(outbound.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if in.Status == models.HintRefunded && !edited {
		if err := s.quota.Refund(ctx, request.Team, request.Puzzle); err != nil {
			return nil, err
		}
	}
	s.emails.Announce(ctx, outbound)
	s.tasks.AnnounceResolved(ctx, resolved, handler)
	s.bus.Publish(ctx, events.HintRespondedEvent{
		ResponseID: response.ID,
		ThreadID:   request.ThreadID(),
		TeamID:     request.TeamID,
		PuzzleID:   request.PuzzleID,
		PuzzleSlug: request.Puzzle.Slug,
		HandlerID:  handler.ID,
		Status:     string(in.Status),
		Edited:     edited,
	})
	s.audit.Record(ctx, AuditEntry{
		Handler:     handler,
		Action:      AuditHintRespond,
		ContentType: string(models.TaskKindHint),
		ContentID:   request.ID,
		TeamID:      uintPtr(request.TeamID),
		Metadata:    map[string]any{"status": in.Status, "edited": edited, "response_id": response.ID},
	})
	return &response, nil
}

func (s *HintService) setThreadStatus(tx *gorm.DB, threadID uint, status models.HintStatus) error {
	if err := tx.Model(&models.Hint{}).Where("id = ?", threadID).Update("status", status).Error; err != nil {
		return fmt.Errorf("hint service: update thread: %w", err)
	}
	return nil
}

// RecipientsFor expands a notify_emails value. The team's members must be
// preloaded for "all".
func RecipientsFor(team *models.Team, notify string) []string {
	notify = strings.TrimSpace(notify)
	switch strings.ToLower(notify) {
	case "", NotifyNone:
		return nil
	case NotifyAll:
		if team == nil {
			return nil
		}
		return team.AllEmails()
	}
	addrs, err := mail.ParseAddressCSV(notify)
	if err != nil {
		return nil
	}
	return addrs
}

// composeEmail queues the notification for a response. It replies to the
// thread's latest email when there is one.
func (s *HintService) composeEmail(tx *gorm.DB, request *models.Hint, threadID uint, notify, text string) (*models.Email, error) {
	recipients, err := s.emails.Deliverable(tx, RecipientsFor(request.Team, notify), models.BadAddressBounced)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, nil
	}

	out := OutboundEmail{
		From:    s.emails.Settings().HintsFrom,
		To:      recipients,
		Subject: fmt.Sprintf("Hint answered for %s", request.Puzzle.Name),
		Text:    text,
		TeamID:  uintPtr(request.TeamID),
	}

	var previous models.Email
	err = tx.Model(&models.Email{}).
		Select("emails.*").
		Joins("JOIN hints ON hints.email_id = emails.id").
		Where("hints.id = ? OR hints.root_ancestor_id = ?", threadID, threadID).
		Order("emails.id DESC").
		Take(&previous).Error
	switch {
	case err == nil:
		out.Subject = mail.ReplySubject(previous.Subject)
		out.InReplyTo = previous.MessageID
		out.References = append(append([]string(nil), previous.ReferenceIDs...), previous.MessageID)
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, fmt.Errorf("hint service: load thread email: %w", err)
	}
	return s.emails.Queue(tx, out)
}

// ObsoleteOpen closes every open request for (team, puzzle), typically
// after a correct submission.
func (s *HintService) ObsoleteOpen(ctx context.Context, teamID, puzzleID uint) ([]uint, error) {
	ctx = ensureContext(ctx)
	var (
		ids      []uint
		resolved []models.Task
		slugs    []string
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := openRequests(tx).
			Where("team_id = ? AND puzzle_id = ? AND status = ?", teamID, puzzleID, models.HintNoResponse).
			Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("hint service: find open: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		var roots []uint
		if err := tx.Model(&models.Hint{}).
			Where("id IN ? AND root_ancestor_id IS NOT NULL", ids).
			Distinct().Pluck("root_ancestor_id", &roots).Error; err != nil {
			return fmt.Errorf("hint service: find thread roots: %w", err)
		}
		if err := tx.Model(&models.Hint{}).Where("id IN ?", ids).
			Update("status", models.HintObsolete).Error; err != nil {
			return fmt.Errorf("hint service: obsolete: %w", err)
		}
		// A reopened root keeps its old response but follows its thread.
		if len(roots) > 0 {
			if err := tx.Model(&models.Hint{}).
				Where("id IN ? AND status = ?", roots, models.HintNoResponse).
				Update("status", models.HintObsolete).Error; err != nil {
				return fmt.Errorf("hint service: obsolete thread roots: %w", err)
			}
		}
		if err := tx.Model(&models.Puzzle{}).Where("id = ?", puzzleID).Pluck("slug", &slugs).Error; err != nil {
			return err
		}
		var err error
		resolved, err = s.tasks.ResolveContent(tx, models.TaskKindHint, ids)
		return err
	})
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	s.tasks.AnnounceResolved(ctx, resolved, nil)
	ev := events.HintObsoletedEvent{HintIDs: ids, TeamID: teamID, PuzzleID: puzzleID}
	if len(slugs) > 0 {
		ev.PuzzleSlug = slugs[0]
	}
	s.bus.Publish(ctx, ev)
	return ids, nil
}

// Threads returns the team's hint threads for a puzzle, oldest first.
func (s *HintService) Threads(ctx context.Context, teamID, puzzleID uint) ([]HintThread, error) {
	var hints []models.Hint
	if err := s.db.WithContext(ensureContext(ctx)).
		Where("team_id = ? AND puzzle_id = ?", teamID, puzzleID).
		Order("id ASC").
		Find(&hints).Error; err != nil {
		return nil, fmt.Errorf("hint service: list: %w", err)
	}
	var threads []HintThread
	index := make(map[uint]int)
	for _, h := range hints {
		msg := HintMessage{ID: h.ID, IsRequest: h.IsRequest, Text: h.Text, Status: h.Status, Timestamp: h.Timestamp}
		if h.RootAncestorID == nil {
			index[h.ID] = len(threads)
			threads = append(threads, HintThread{ID: h.ID, Status: h.Status, Hints: []HintMessage{msg}})
			continue
		}
		if i, ok := index[*h.RootAncestorID]; ok {
			threads[i].Hints = append(threads[i].Hints, msg)
		}
	}
	return threads, nil
}

// Get loads a hint with team members and puzzle.
func (s *HintService) Get(ctx context.Context, id uint) (*models.Hint, error) {
	var h models.Hint
	if err := s.db.WithContext(ensureContext(ctx)).Preload("Team.Members").Preload("Puzzle").Take(&h, id).Error; err != nil {
		return nil, notFound(err, "Hint")
	}
	return &h, nil
}
