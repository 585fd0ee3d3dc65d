package mailin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/spoilr/internal/events"
	"github.com/charlesng35/spoilr/internal/models"
	"github.com/charlesng35/spoilr/internal/services"
	"github.com/charlesng35/spoilr/pkg/logger"
	mailutil "github.com/charlesng35/spoilr/pkg/mail"
	"github.com/charlesng35/spoilr/pkg/metrics"
)

// ClassifierConfig names our domain and its sentinel mailboxes.
type ClassifierConfig struct {
	Domain string
	// ServerID is the authserv-id our mail server writes at the start of
	// Authentication-Results.
	ServerID             string
	BounceNotifiers      []string
	BouncesLocalname     string
	UnsubscribeLocalname string
	ResubscribeLocalname string
}

func (c *ClassifierConfig) applyDefaults() {
	c.Domain = strings.ToLower(strings.TrimSpace(c.Domain))
	if c.BouncesLocalname == "" {
		c.BouncesLocalname = "bounces"
	}
	if c.UnsubscribeLocalname == "" {
		c.UnsubscribeLocalname = "unsubscribe"
	}
	if c.ResubscribeLocalname == "" {
		c.ResubscribeLocalname = "resubscribe"
	}
}

// Message is one fetched IMAP message.
type Message struct {
	UID          uint32
	ModSeq       uint64
	InternalDate time.Time
	Raw          []byte
}

// Classifier stores fetched messages and routes them by the ordered rules
// in Ingest.
type Classifier struct {
	db    *gorm.DB
	bus   events.Publisher
	hints *services.HintService
	cfg   ClassifierConfig
	now   func() time.Time
	log   *zap.Logger
}

// NewClassifier constructs a Classifier.
func NewClassifier(db *gorm.DB, bus events.Publisher, hints *services.HintService, cfg ClassifierConfig) (*Classifier, error) {
	if db == nil {
		return nil, errors.New("mailin: db is required")
	}
	if hints == nil {
		return nil, errors.New("mailin: hint service is required")
	}
	cfg.applyDefaults()
	if cfg.Domain == "" {
		return nil, errors.New("mailin: domain is required")
	}
	if bus == nil {
		bus = events.Discard{}
	}
	c := &Classifier{
		db:    db,
		bus:   bus,
		hints: hints,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
		log:   logger.WithModule("mailin"),
	}
	if strings.TrimSpace(cfg.ServerID) == "" {
		c.log.Warn("email.server_id is unset; no inbound mail will be treated as sent by us")
	}
	return c, nil
}

// IsFromUs reports whether p was sent by our own server: the From domain is
// ours and our server authenticated it.
func (c *Classifier) IsFromUs(p *Parsed) bool {
	return mailutil.Domain(p.From) == c.cfg.Domain && c.authenticated(p)
}

func (c *Classifier) authenticated(p *Parsed) bool {
	server := strings.ToLower(strings.TrimSpace(c.cfg.ServerID))
	if server == "" {
		return false
	}
	for _, value := range p.AuthResults {
		value = strings.ToLower(strings.TrimSpace(value))
		if !strings.HasPrefix(value, server) {
			continue
		}
		if strings.Contains(value, "auth=pass") || strings.Contains(value, "dmarc=pass") {
			return true
		}
	}
	return false
}

func (c *Classifier) sentinel(local string) string {
	return local + "@" + c.cfg.Domain
}

// bouncedAddress extracts the original recipient from a VERP bounce alias.
func (c *Classifier) bouncedAddress(p *Parsed) (string, bool) {
	prefix := c.cfg.BouncesLocalname + "+"
	suffix := "@" + c.cfg.Domain
	for _, rcpt := range p.Recipients() {
		if !strings.HasPrefix(rcpt, prefix) || !strings.HasSuffix(rcpt, suffix) {
			continue
		}
		if addr, ok := mailutil.UnescapeVERP(strings.TrimSuffix(strings.TrimPrefix(rcpt, prefix), suffix)); ok {
			return addr, true
		}
	}
	return "", false
}

func (c *Classifier) addressedTo(p *Parsed, addr string) bool {
	for _, rcpt := range p.Recipients() {
		if rcpt == addr {
			return true
		}
	}
	return false
}

func (c *Classifier) isBounceNotifier(from string) bool {
	for _, sender := range c.cfg.BounceNotifiers {
		if mailutil.NormalizeAddress(sender) == from {
			return true
		}
	}
	return false
}

// Ingest parses, classifies and stores msg. It returns nil for dropped
// messages. Re-ingesting a message already stored under the same
// (uidValidity, UID) or Message-ID has no side effects.
func (c *Classifier) Ingest(ctx context.Context, uidValidity uint32, msg Message) (*models.Email, error) {
	parsed, err := Parse(msg.Raw)
	if err != nil {
		return nil, err
	}
	if parsed.MessageID == "" {
		parsed.MessageID = fmt.Sprintf("<%d.%d@imap.invalid>", uidValidity, msg.UID)
	}
	log := c.log.With(zap.Uint32("uid", msg.UID), zap.String("message_id", parsed.MessageID))

	if c.isBounceNotifier(parsed.From) {
		metrics.EmailsIngested.WithLabelValues("dropped").Inc()
		return nil, nil
	}

	var (
		stored  *models.Email
		pending []events.Event
		fresh   bool
	)
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Email
		err := tx.Where("uid_validity = ? AND uid = ?", uidValidity, msg.UID).Take(&existing).Error
		if err == nil {
			stored = &existing
			return c.touch(tx, &existing, msg)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		fromUs := c.IsFromUs(parsed)
		err = tx.Where("message_id = ?", parsed.MessageID).Take(&existing).Error
		if err == nil {
			stored = &existing
			if fromUs && existing.IsFromUs {
				return c.markSent(tx, &existing, uidValidity, msg)
			}
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		email := c.newEmail(parsed, uidValidity, msg, fromUs)
		pending, err = c.route(tx, parsed, email)
		if err != nil {
			return err
		}
		stored, fresh = email, true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mailin: ingest uid %d: %w", msg.UID, err)
	}

	if fresh {
		metrics.EmailsIngested.WithLabelValues(string(stored.Status)).Inc()
	}
	for _, ev := range pending {
		c.bus.Publish(ctx, ev)
	}
	log.Debug("email ingested", zap.String("status", string(stored.Status)))
	return stored, nil
}

func (c *Classifier) newEmail(p *Parsed, uidValidity uint32, msg Message, fromUs bool) *models.Email {
	received := msg.InternalDate
	if received.IsZero() {
		received = c.now()
	}
	validity, uid, modseq := uidValidity, msg.UID, msg.ModSeq
	return &models.Email{
		RawContent:        msg.Raw,
		Subject:           p.Subject,
		BodyText:          p.Text,
		BodyHTML:          p.HTML,
		MessageID:         p.MessageID,
		InReplyToID:       p.InReplyTo,
		RootReferenceID:   p.RootReference(),
		ReferenceIDs:      p.References,
		FromAddress:       p.From,
		ToAddresses:       p.To,
		CcAddresses:       p.Cc,
		IsFromUs:          fromUs,
		IsAuthenticated:   c.authenticated(p),
		IsSpam:            p.Spam,
		UIDValidity:       &validity,
		UID:               &uid,
		ModSeq:            &modseq,
		ScheduledDatetime: received,
		ReceivedDatetime:  &received,
	}
}

// route applies rules 3 to 7 and persists email.
func (c *Classifier) route(tx *gorm.DB, p *Parsed, email *models.Email) ([]events.Event, error) {
	if bounced, ok := c.bouncedAddress(p); ok {
		email.Status = models.EmailRecvBounce
		if err := tx.Create(email).Error; err != nil {
			return nil, err
		}
		return nil, markBad(tx, bounced, models.BadAddressBounced)
	}

	if email.IsFromUs {
		email.Status = models.EmailSent
		return nil, tx.Create(email).Error
	}

	root, err := c.hintThread(tx, p)
	if err != nil {
		return nil, err
	}
	if root != nil {
		email.Status = models.EmailRecvHint
		email.TeamID = uintPtr(root.TeamID)
		if err := tx.Create(email).Error; err != nil {
			return nil, err
		}
		hint, err := c.hints.CreateFromEmail(tx, email, root)
		if err != nil {
			return nil, err
		}
		var slug string
		if root.Puzzle != nil {
			slug = root.Puzzle.Slug
		}
		return []events.Event{events.HintRequestedEvent{
			HintID:     hint.ID,
			ThreadID:   root.ThreadID(),
			TeamID:     root.TeamID,
			PuzzleID:   root.PuzzleID,
			PuzzleSlug: slug,
		}}, nil
	}

	teamID, err := c.teamFor(tx, p.From)
	if err != nil {
		return nil, err
	}
	email.TeamID = teamID

	switch {
	case c.addressedTo(p, c.sentinel(c.cfg.UnsubscribeLocalname)):
		email.Status = models.EmailRecvUnsubscribe
		if err := tx.Create(email).Error; err != nil {
			return nil, err
		}
		return nil, markBad(tx, p.From, models.BadAddressUnsubscribed)
	case c.addressedTo(p, c.sentinel(c.cfg.ResubscribeLocalname)):
		email.Status = models.EmailRecvResubscribe
		if err := tx.Create(email).Error; err != nil {
			return nil, err
		}
		return nil, tx.Where("address = ? AND reason = ?", p.From, models.BadAddressUnsubscribed).
			Delete(&models.BadEmailAddress{}).Error
	}

	email.Status = models.EmailRecvNoReply
	if err := tx.Create(email).Error; err != nil {
		return nil, err
	}
	return []events.Event{events.EmailReceivedEvent{
		EmailID:  email.ID,
		TeamID:   email.TeamID,
		Status:   string(email.Status),
		Received: *email.ReceivedDatetime,
	}}, nil
}

// hintThread finds the thread root whose emails share p's reference chain.
func (c *Classifier) hintThread(tx *gorm.DB, p *Parsed) (*models.Hint, error) {
	ids := append([]string{p.RootReference()}, p.References...)
	if p.InReplyTo != "" {
		ids = append(ids, p.InReplyTo)
	}
	var hint models.Hint
	err := tx.Model(&models.Hint{}).
		Joins("JOIN emails ON emails.id = hints.email_id").
		Where("emails.root_reference_id = ? OR emails.message_id IN ?", p.RootReference(), ids).
		Order("hints.id ASC").
		Take(&hint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mailin: find hint thread: %w", err)
	}
	var root models.Hint
	if err := tx.Preload("Puzzle").First(&root, hint.ThreadID()).Error; err != nil {
		return nil, fmt.Errorf("mailin: load hint thread: %w", err)
	}
	return &root, nil
}

func (c *Classifier) teamFor(tx *gorm.DB, from string) (*uint, error) {
	if from == "" {
		return nil, nil
	}
	var ids []uint
	if err := tx.Model(&models.TeamMember{}).Where("LOWER(email) = ?", from).Order("id ASC").Limit(1).Pluck("team_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("mailin: match team: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return &ids[0], nil
}

// markSent attaches IMAP coordinates to an outbound row we sent ourselves.
func (c *Classifier) markSent(tx *gorm.DB, email *models.Email, uidValidity uint32, msg Message) error {
	received := msg.InternalDate
	if received.IsZero() {
		received = c.now()
	}
	updates := map[string]any{
		"status":            models.EmailSent,
		"uid_validity":      uidValidity,
		"uid":               msg.UID,
		"mod_seq":           msg.ModSeq,
		"received_datetime": received,
		"is_authenticated":  true,
	}
	if err := tx.Model(email).Updates(updates).Error; err != nil {
		return fmt.Errorf("mailin: mark sent: %w", err)
	}
	email.Status = models.EmailSent
	return nil
}

func (c *Classifier) touch(tx *gorm.DB, email *models.Email, msg Message) error {
	if email.ModSeq != nil && *email.ModSeq >= msg.ModSeq {
		return nil
	}
	modseq := msg.ModSeq
	email.ModSeq = &modseq
	return tx.Model(email).Update("mod_seq", msg.ModSeq).Error
}

func markBad(tx *gorm.DB, address string, reason models.BadAddressReason) error {
	address = mailutil.NormalizeAddress(address)
	if address == "" {
		return nil
	}
	row := models.BadEmailAddress{Address: address, Reason: reason}
	conflict := clause.OnConflict{Columns: []clause.Column{{Name: "address"}}, DoNothing: true}
	if reason == models.BadAddressBounced {
		// A bounce outranks an earlier unsubscribe.
		conflict = clause.OnConflict{
			Columns:   []clause.Column{{Name: "address"}},
			DoUpdates: clause.AssignmentColumns([]string{"reason", "updated_at"}),
		}
	}
	return tx.Clauses(conflict).Create(&row).Error
}

func uintPtr(v uint) *uint { return &v }
