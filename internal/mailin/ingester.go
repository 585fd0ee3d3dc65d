package mailin

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/spoilr/internal/database"
	"github.com/charlesng35/spoilr/pkg/logger"
)

const (
	defaultFolder        = "INBOX"
	defaultBuffer        = 60 * time.Second
	defaultInitialWindow = 7 * 24 * time.Hour
	reconnectDelay       = time.Second
	fetchChunk           = 100
)

// IngesterConfig tunes the sync loop.
type IngesterConfig struct {
	Folder string
	// Buffer widens the YOUNGER window to cover clock skew.
	Buffer time.Duration
	// InitialWindow is searched when the folder has never been synced.
	InitialWindow time.Duration
}

// Ingester mirrors one IMAP folder into the emails table, resuming from the
// stored UIDVALIDITY and MODSEQ watermarks.
type Ingester struct {
	db         *gorm.DB
	dial       Dialer
	classifier *Classifier
	cfg        IngesterConfig
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	log        *zap.Logger
}

// IngesterOption customises an Ingester.
type IngesterOption func(*Ingester)

// WithIngesterClock overrides the clock.
func WithIngesterClock(now func() time.Time) IngesterOption {
	return func(in *Ingester) {
		if now != nil {
			in.now = now
		}
	}
}

// WithReconnectSleep overrides the pause before reconnecting.
func WithReconnectSleep(fn func(ctx context.Context, d time.Duration) error) IngesterOption {
	return func(in *Ingester) {
		if fn != nil {
			in.sleep = fn
		}
	}
}

// NewIngester constructs an Ingester.
func NewIngester(db *gorm.DB, dial Dialer, classifier *Classifier, cfg IngesterConfig, opts ...IngesterOption) (*Ingester, error) {
	if db == nil || dial == nil || classifier == nil {
		return nil, errors.New("mailin: db, dialer and classifier are required")
	}
	if cfg.Folder == "" {
		cfg.Folder = defaultFolder
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.InitialWindow <= 0 {
		cfg.InitialWindow = defaultInitialWindow
	}
	in := &Ingester{
		db:         db,
		dial:       dial,
		classifier: classifier,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		sleep:      sleepFor,
		log:        logger.WithModule("mailin").With(zap.String("folder", cfg.Folder)),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in, nil
}

func sleepFor(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (in *Ingester) settingKey(name string) string {
	return "imap." + in.cfg.Folder + "." + name
}

// Run syncs and idles until ctx ends. Connection errors reconnect after a
// second; ErrAuthFailed is returned immediately.
func (in *Ingester) Run(ctx context.Context) error {
	for {
		err := in.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrAuthFailed) {
			return err
		}
		if err != nil {
			in.log.Warn("imap session ended", zap.Error(err))
		}
		if err := in.sleep(ctx, reconnectDelay); err != nil {
			return nil
		}
	}
}

func (in *Ingester) session(ctx context.Context) error {
	mb, err := in.dial(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := mb.Close(); cerr != nil {
			in.log.Debug("imap logout", zap.Error(cerr))
		}
	}()
	for {
		n, err := in.Sync(ctx, mb)
		if err != nil {
			return err
		}
		if n > 0 {
			in.log.Info("imap sync", zap.Int("messages", n))
		}
		if err := mb.Wait(ctx); err != nil {
			return err
		}
	}
}

// Sync drains every message changed since the last watermark and returns how
// many were processed.
func (in *Ingester) Sync(ctx context.Context, mb Mailbox) (int, error) {
	started := in.now()
	validity, err := mb.Select(ctx, in.cfg.Folder)
	if err != nil {
		return 0, err
	}
	if err := in.checkValidity(ctx, validity); err != nil {
		return 0, err
	}

	modseq, known, err := in.watermark(ctx)
	if err != nil {
		return 0, err
	}
	var uids []uint32
	if known {
		uids, err = mb.SearchModSeq(ctx, modseq)
	} else {
		uids, err = mb.SearchYounger(ctx, in.youngerWindow(ctx, started))
	}
	if err != nil {
		return 0, err
	}

	processed := 0
	highest := modseq
	for start := 0; start < len(uids); start += fetchChunk {
		end := start + fetchChunk
		if end > len(uids) {
			end = len(uids)
		}
		msgs, err := mb.Fetch(ctx, uids[start:end])
		if err != nil {
			return processed, err
		}
		for _, msg := range msgs {
			if _, err := in.classifier.Ingest(ctx, validity, msg); err != nil {
				in.log.Error("ingest failed", zap.Uint32("uid", msg.UID), zap.Error(err))
				return processed, err
			}
			processed++
			if msg.ModSeq > highest {
				highest = msg.ModSeq
				if err := in.put(ctx, "modseq", strconv.FormatUint(highest, 10)); err != nil {
					return processed, err
				}
			}
		}
	}
	if err := in.put(ctx, "last_seen", started.Format(time.RFC3339)); err != nil {
		return processed, err
	}
	return processed, nil
}

// checkValidity resets the MODSEQ watermark when the server reports a new
// UIDVALIDITY generation.
func (in *Ingester) checkValidity(ctx context.Context, validity uint32) error {
	stored, err := database.GetSystemSetting(ctx, in.db, in.settingKey("uidvalidity"))
	if err != nil {
		return err
	}
	current := strconv.FormatUint(uint64(validity), 10)
	if stored == current {
		return nil
	}
	if stored != "" {
		in.log.Warn("uidvalidity changed, catching up by date", zap.String("previous", stored), zap.String("current", current))
	}
	if err := database.DeleteSystemSetting(ctx, in.db, in.settingKey("modseq")); err != nil {
		return err
	}
	return in.put(ctx, "uidvalidity", current)
}

func (in *Ingester) watermark(ctx context.Context) (uint64, bool, error) {
	value, err := database.GetSystemSetting(ctx, in.db, in.settingKey("modseq"))
	if err != nil || value == "" {
		return 0, false, err
	}
	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("mailin: bad modseq watermark %q: %w", value, err)
	}
	return n, true, nil
}

func (in *Ingester) youngerWindow(ctx context.Context, now time.Time) int64 {
	window := in.cfg.InitialWindow
	value, err := database.GetSystemSetting(ctx, in.db, in.settingKey("last_seen"))
	if err == nil && value != "" {
		if last, perr := time.Parse(time.RFC3339, value); perr == nil {
			window = now.Sub(last) + in.cfg.Buffer
		}
	}
	return int64(math.Ceil(window.Seconds()))
}

func (in *Ingester) put(ctx context.Context, name, value string) error {
	return database.UpsertSystemSetting(ctx, in.db, in.settingKey(name), value)
}
