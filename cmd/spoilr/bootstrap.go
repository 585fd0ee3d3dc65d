package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/spoilr/internal/api"
	"github.com/charlesng35/spoilr/internal/app"
	"github.com/charlesng35/spoilr/internal/app/maintenance"
	iauth "github.com/charlesng35/spoilr/internal/auth"
	"github.com/charlesng35/spoilr/internal/cache"
	"github.com/charlesng35/spoilr/internal/database"
	"github.com/charlesng35/spoilr/internal/events"
	"github.com/charlesng35/spoilr/internal/jobs"
	"github.com/charlesng35/spoilr/internal/mailout"
	"github.com/charlesng35/spoilr/internal/monitoring"
	"github.com/charlesng35/spoilr/internal/progress"
	"github.com/charlesng35/spoilr/internal/realtime"
	"github.com/charlesng35/spoilr/internal/services"
	"github.com/charlesng35/spoilr/internal/sessions"
	"github.com/charlesng35/spoilr/pkg/logger"
	"github.com/charlesng35/spoilr/pkg/mail"
)

const (
	cachePrefix = "spoilr:"
	hoursPerDay = 24
)

// runtimeStack bundles the long-lived components every command shares.
type runtimeStack struct {
	Config   *app.Config
	DB       *gorm.DB
	Redis    redis.UniversalClient
	Store    cache.Store
	Bus      *events.Bus
	Engine   *progress.Engine
	Services *services.Suite
	Queue    *jobs.Queue
	Hub      *realtime.Hub
	Notifier *realtime.Notifier
	Sessions *sessions.Store
	Health   *monitoring.HealthManager

	mailer mail.Mailer
	log    *zap.Logger
}

// bootstrapRuntime opens storage, migrates the schema and wires services,
// the event subscribers and the realtime notifier.
func bootstrapRuntime(ctx context.Context, cfg *app.Config) (*runtimeStack, error) {
	stack := &runtimeStack{Config: cfg, log: logger.WithModule("bootstrap")}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown()
		}
	}()

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	stack.Store = cache.NewDatabaseStore(stack.DB)
	if cfg.Cache.Redis.Enabled {
		stack.Redis, err = cache.NewRedisClient(ctx, cfg.Cache.RedisClientConfig())
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		stack.Store = cache.NewRedisStore(stack.Redis, cachePrefix)
		stack.log.Info("redis connected", zap.Strings("addrs", cfg.Cache.Redis.Addresses))
	}

	var broker realtime.Broker = realtime.NewMemoryBroker()
	if strings.EqualFold(cfg.Realtime.Broker, "redis") {
		if broker, err = realtime.NewRedisBroker(stack.Redis, ""); err != nil {
			return nil, fmt.Errorf("initialise realtime broker: %w", err)
		}
	}
	stack.Hub = realtime.NewHub(broker, realtime.Options{Capacity: cfg.Realtime.Capacity, Expiry: cfg.Realtime.Expiry})
	if stack.Notifier, err = realtime.NewNotifier(stack.DB, stack.Hub); err != nil {
		return nil, fmt.Errorf("initialise notifier: %w", err)
	}

	stack.Bus = events.NewBus()
	stack.Engine, err = progress.NewEngine(stack.DB, stack.Bus, cfg.Hunt.HuntTimes(),
		progress.WithCache(stack.Store),
		progress.WithMainRound(cfg.Hunt.MainRound),
	)
	if err != nil {
		return nil, fmt.Errorf("initialise progress engine: %w", err)
	}

	stack.Services, err = services.NewSuite(stack.DB, stack.Bus, services.SuiteConfig{Mail: cfg.Email.MailSettings()})
	if err != nil {
		return nil, fmt.Errorf("initialise services: %w", err)
	}

	if stack.Queue, err = jobs.NewQueue(stack.DB, jobs.WithLease(cfg.Jobs.Lease)); err != nil {
		return nil, fmt.Errorf("initialise job queue: %w", err)
	}
	stack.Services.Subscribers(stack.Queue, stack.Notifier).Register(stack.Bus)

	if stack.Sessions, err = sessions.NewStore(stack.DB, stack.Store, stack.Queue); err != nil {
		return nil, fmt.Errorf("initialise session store: %w", err)
	}
	if err := stack.Sessions.InstallInvalidation(stack.DB); err != nil {
		return nil, fmt.Errorf("install session invalidation: %w", err)
	}

	stack.Health = monitoring.NewHealthManager(
		monitoring.DatabaseCheck(stack.DB),
		monitoring.CacheCheck(stack.Store),
	)

	success = true
	return stack, nil
}

// Router builds the HTTP surface for serve.
func (s *runtimeStack) Router() (*gin.Engine, error) {
	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	jwtSvc, err := iauth.NewJWTService(s.Config.Auth.JWTServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise jwt service: %w", err)
	}
	resolver, err := iauth.NewResolver(s.DB, jwtSvc)
	if err != nil {
		return nil, fmt.Errorf("initialise auth resolver: %w", err)
	}

	router, err := api.NewRouter(api.Dependencies{
		Config:   s.Config,
		Resolver: resolver,
		Engine:   s.Engine,
		Services: s.Services,
		Sessions: s.Sessions,
		Hub:      s.Hub,
		Notifier: s.Notifier,
		Health:   s.Health,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}
	return router, nil
}

// Sender builds the outbound sender over SMTP. A disabled relay still
// yields a sender; deliveries fail and retry after the cooldown.
func (s *runtimeStack) Sender() (*mailout.Sender, error) {
	mailer, err := mail.NewSMTPMailer(s.Config.Email.SMTPSettings())
	if err != nil {
		return nil, fmt.Errorf("initialise smtp mailer: %w", err)
	}
	s.mailer = mailer
	sender, err := mailout.NewSender(s.DB, mailer, cache.NewLocker(s.Store), s.Services.Emails, s.Queue, s.Config.Email.SenderConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise sender: %w", err)
	}
	return sender, nil
}

// Worker builds the job pool with every handler registered.
func (s *runtimeStack) Worker() (*jobs.Worker, error) {
	sender, err := s.Sender()
	if err != nil {
		return nil, err
	}
	worker := jobs.NewWorker(s.Queue,
		jobs.WithConcurrency(s.Config.Jobs.Workers),
		jobs.WithPollInterval(s.Config.Jobs.PollInterval),
		jobs.WithBackoff(s.Config.Jobs.Backoff),
	)
	sender.Register(worker)
	s.Sessions.Register(worker)
	return worker, nil
}

// Ticker builds the maintenance daemon over the stack's sweeps.
func (s *runtimeStack) Ticker() (*maintenance.Ticker, error) {
	sender, err := s.Sender()
	if err != nil {
		return nil, err
	}
	mc := s.Config.Maintenance
	opts := []maintenance.Option{}
	if mc.SweepSchedule != "" {
		opts = append(opts, maintenance.WithSweepSchedule(mc.SweepSchedule))
	}
	if mc.RetentionSchedule != "" {
		opts = append(opts, maintenance.WithRetentionSchedule(mc.RetentionSchedule))
	}
	if days := int(mc.AuditRetention.Hours() / hoursPerDay); days > 0 {
		opts = append(opts, maintenance.WithAuditRetentionDays(days))
	}
	return maintenance.NewTicker(maintenance.Deps{
		Tasks:  s.Services.Tasks,
		Emails: s.Services.Emails,
		Outbox: sender,
		Audit:  s.Services.Audit,
		Jobs:   s.Queue,
	}, opts...), nil
}

// Shutdown releases connections. It is safe on a partially built stack.
func (s *runtimeStack) Shutdown() {
	if s == nil {
		return
	}
	if s.mailer != nil {
		if err := s.mailer.Close(); err != nil {
			s.log.Warn("smtp shutdown", zap.Error(err))
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			s.log.Warn("redis shutdown", zap.Error(err))
		}
	}
	if s.DB != nil {
		closeDatabase(s.DB, s.log)
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := cfg.Database.DatabaseOpenConfig()
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrate(db); err != nil {
		closeDatabase(db, logger.WithModule("database"))
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	logger.WithModule("database").Info("database connected", zap.String("driver", dbCfg.Driver))
	return db, nil
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if err := database.Close(db); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
