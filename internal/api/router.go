package api

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charlesng35/spoilr/internal/app"
	iauth "github.com/charlesng35/spoilr/internal/auth"
	"github.com/charlesng35/spoilr/internal/handlers"
	"github.com/charlesng35/spoilr/internal/middleware"
	"github.com/charlesng35/spoilr/internal/monitoring"
	"github.com/charlesng35/spoilr/internal/progress"
	"github.com/charlesng35/spoilr/internal/realtime"
	"github.com/charlesng35/spoilr/internal/services"
	"github.com/charlesng35/spoilr/internal/sessions"
)

// Dependencies are the long-lived components the HTTP surface calls into.
type Dependencies struct {
	Config   *app.Config
	Resolver *iauth.Resolver
	Engine   *progress.Engine
	Services *services.Suite
	Sessions *sessions.Store
	Hub      *realtime.Hub
	Notifier services.TeamNotifier
	Health   *monitoring.HealthManager
}

func (d Dependencies) validate() error {
	switch {
	case d.Config == nil:
		return errors.New("api: config must be provided")
	case d.Resolver == nil:
		return errors.New("api: auth resolver must be provided")
	case d.Engine == nil:
		return errors.New("api: progress engine must be provided")
	case d.Services == nil:
		return errors.New("api: services must be provided")
	case d.Sessions == nil:
		return errors.New("api: session store must be provided")
	}
	return nil
}

// NewRouter builds the Gin engine, wires middleware and registers every route.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg := deps.Config
	svc := deps.Services

	r := gin.New()
	r.HandleMethodNotAllowed = true

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders(cfg.Server.HSTS))
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins))

	if cfg.Monitoring.Health.Enabled {
		r.GET("/health", handlers.Health(deps.Health))
	}
	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := strings.TrimSpace(cfg.Monitoring.Prometheus.Endpoint)
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	identified := r.Group("")
	identified.Use(middleware.Identity(deps.Resolver, deps.Engine, cfg.Auth.CookieName))
	identified.Use(middleware.CSRF())

	registerSolverRoutes(identified, deps)
	registerStaffRoutes(identified, svc)

	identified.GET("/check/*path", handlers.Check)
	identified.GET("/ws", handlers.NewRealtimeHandler(deps.Hub).Stream)

	r.NoRoute(middleware.NotFoundHandler)
	r.NoMethod(middleware.MethodNotAllowedHandler)

	return r, nil
}

func registerSolverRoutes(root *gin.RouterGroup, deps Dependencies) {
	cfg := deps.Config
	svc := deps.Services

	authHandler := handlers.NewAuthHandler(deps.Resolver, cfg.Auth.CookieName, cfg.Auth.JWT.TTL)
	loginLimiter := middleware.NewKeyedLimiter(cfg.Auth.LoginLimit())

	api := root.Group("/api")
	api.POST("/login", middleware.RateLimit(loginLimiter), authHandler.Login)
	api.POST("/logout", authHandler.Logout)

	hunt := handlers.NewHuntHandler(svc.Submissions, svc.Hints)
	api.GET("/hunt", hunt.Hunt)

	team := api.Group("")
	team.Use(middleware.RequireTeam())

	solve := handlers.NewSolveHandler(svc.Submissions)
	hints := handlers.NewHintHandler(svc.Hints)
	interactions := handlers.NewInteractionHandler(svc.Interactions)
	session := handlers.NewSessionHandler(deps.Sessions, deps.Notifier, sessions.Options{
		LockTimeout:      cfg.Sessions.LockTimeout,
		ThrottleInterval: cfg.Sessions.ThrottleInterval,
	})

	team.GET("/puzzle/:slug", hunt.Puzzle)
	team.POST("/solve/:slug", solve.Solve)
	team.POST("/puzzle/:slug/hint", hints.Request)
	team.POST("/puzzle/:slug/free-answer", solve.FreeAnswer)
	team.POST("/interaction/:slug", interactions.Request)
	team.GET("/session/:kind/:slug", session.Get)
	team.POST("/session/:kind/:slug", session.Apply)
}

func registerStaffRoutes(root *gin.RouterGroup, svc *services.Suite) {
	staff := root.Group("/spoilr")
	staff.Use(middleware.RequireStaff())

	tasks := handlers.NewTaskHandler(svc.Tasks)
	staff.GET("/tasks", tasks.List)
	staff.POST("/task/claim", tasks.Claim)
	staff.POST("/task/unclaim", tasks.Unclaim)
	staff.POST("/task/snooze", tasks.Snooze)
	staff.POST("/task/unsnooze", tasks.Unsnooze)
	staff.POST("/task/ignore", tasks.Ignore)

	staff.POST("/hints/respond", handlers.NewHintHandler(svc.Hints).Respond)
	staff.POST("/email/reply", handlers.NewEmailHandler(svc.Emails).Reply)
	staff.POST("/interaction/accomplish", handlers.NewInteractionHandler(svc.Interactions).Accomplish)
	staff.GET("/export/:kind", handlers.NewExportHandler(svc.Exports).Export)
}
