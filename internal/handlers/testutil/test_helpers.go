package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/spoilr/internal/api"
	"github.com/charlesng35/spoilr/internal/app"
	iauth "github.com/charlesng35/spoilr/internal/auth"
	"github.com/charlesng35/spoilr/internal/cache"
	"github.com/charlesng35/spoilr/internal/database"
	sharedtestutil "github.com/charlesng35/spoilr/internal/database/testutil"
	"github.com/charlesng35/spoilr/internal/events"
	"github.com/charlesng35/spoilr/internal/jobs"
	"github.com/charlesng35/spoilr/internal/models"
	"github.com/charlesng35/spoilr/internal/monitoring"
	"github.com/charlesng35/spoilr/internal/progress"
	"github.com/charlesng35/spoilr/internal/services"
	"github.com/charlesng35/spoilr/internal/sessions"
	"github.com/charlesng35/spoilr/pkg/response"
)

// Password is shared by every seeded user.
const Password = "hunter2"

// Frame is one websocket push recorded by Notifier.
type Frame struct {
	TeamID uint
	Slug   string
	Key    string
	Data   any
}

// Notifier records team pushes instead of writing to sockets.
type Notifier struct {
	mu     sync.Mutex
	Frames []Frame
}

func (n *Notifier) SendToTeam(_ context.Context, teamID uint, key string, data any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Frames = append(n.Frames, Frame{TeamID: teamID, Key: key, Data: data})
	return nil
}

func (n *Notifier) SendToTeamPuzzle(_ context.Context, teamID uint, slug, key string, data any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Frames = append(n.Frames, Frame{TeamID: teamID, Slug: slug, Key: key, Data: data})
	return nil
}

// Keys lists the recorded frame keys in order.
func (n *Notifier) Keys() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.Frames))
	for i, f := range n.Frames {
		out[i] = f.Key
	}
	return out
}

// Env encapsulates a fully-wired API instance backed by an in-memory database for handler tests.
type Env struct {
	T        *testing.T
	DB       *gorm.DB
	Router   *gin.Engine
	Config   *app.Config
	Services *services.Suite
	Queue    *jobs.Queue
	Notifier *Notifier
	Now      time.Time

	Team   *models.Team
	Solver *models.User
	Staff  *models.User
	Other  *models.User
	Round  *models.Round
	Puzzle *models.Puzzle
}

// NewEnv provisions a fresh handler test environment with one team, two
// handlers and an open puzzle. The hunt started an hour before Now.
func NewEnv(t *testing.T) *Env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	e := &Env{
		T:        t,
		DB:       sharedtestutil.MustOpenTestDB(t, sharedtestutil.WithAutoMigrate()),
		Notifier: &Notifier{},
		Now:      time.Date(2026, 1, 16, 18, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return e.Now }

	e.Config = &app.Config{
		Auth: app.AuthConfig{
			JWT:        app.JWTSettings{Secret: "test-suite-super-secret-key-32-bytes!!", Issuer: "test-suite", TTL: time.Hour},
			LoginRate:  600,
			LoginBurst: 100,
		},
		Monitoring: app.MonitoringConfig{
			Prometheus: app.PrometheusConfig{Enabled: true, Endpoint: "/metrics"},
			Health:     app.HealthConfig{Enabled: true},
		},
	}

	jwt, err := iauth.NewJWTService(e.Config.Auth.JWTServiceConfig())
	require.NoError(t, err)
	resolver, err := iauth.NewResolver(e.DB, jwt)
	require.NoError(t, err)

	store := cache.NewDatabaseStore(e.DB)
	bus := events.NewBus()
	engine, err := progress.NewEngine(e.DB, bus, database.HuntTimes{
		Launch: e.Now.Add(-time.Hour),
		End:    e.Now.Add(48 * time.Hour),
		Close:  e.Now.Add(72 * time.Hour),
	}, progress.WithClock(clock), progress.WithCache(store))
	require.NoError(t, err)

	e.Services, err = services.NewSuite(e.DB, bus, services.SuiteConfig{
		Mail: services.MailSettings{Domain: "hunt.example.org"},
	}, services.WithClock(clock))
	require.NoError(t, err)

	e.Queue, err = jobs.NewQueue(e.DB, jobs.WithQueueClock(clock))
	require.NoError(t, err)
	e.Services.Subscribers(e.Queue, e.Notifier).Register(bus)

	sessionStore, err := sessions.NewStore(e.DB, store, nil)
	require.NoError(t, err)

	e.Router, err = api.NewRouter(api.Dependencies{
		Config:   e.Config,
		Resolver: resolver,
		Engine:   engine,
		Services: e.Services,
		Sessions: sessionStore,
		Notifier: e.Notifier,
		Health:   monitoring.NewHealthManager(monitoring.DatabaseCheck(e.DB), monitoring.CacheCheck(store)),
	})
	require.NoError(t, err)

	e.seed()
	return e
}

func (e *Env) seed() {
	e.T.Helper()
	e.Team = &models.Team{Name: "Alpha", Slug: "alpha", FreeAnswers: 1, Members: []models.TeamMember{
		{Name: "Cap", Email: "cap@alpha.example.com"},
	}}
	require.NoError(e.T, e.DB.Create(e.Team).Error)
	e.Solver = e.CreateUser("alpha", false, &e.Team.ID)
	e.Staff = e.CreateUser("hal", true, nil)
	e.Other = e.CreateUser("sal", true, nil)

	e.Round = &models.Round{Slug: "intro", Name: "Intro"}
	require.NoError(e.T, e.DB.Create(e.Round).Error)
	e.Puzzle = e.CreatePuzzle("intro-1", "Intro One", "MOONLIGHT", 0)
}

// CreateUser inserts an active user with Password.
func (e *Env) CreateUser(username string, staff bool, teamID *uint) *models.User {
	e.T.Helper()
	hashed, err := iauth.HashPassword(Password)
	require.NoError(e.T, err)
	user := &models.User{
		Username: username,
		Email:    username + "@example.com",
		Password: hashed,
		IsStaff:  staff,
		IsActive: true,
		TeamID:   teamID,
	}
	require.NoError(e.T, e.DB.Create(user).Error)
	return user
}

// CreatePuzzle adds a puzzle to the intro round gated at deep.
func (e *Env) CreatePuzzle(slug, name, answer string, deep int) *models.Puzzle {
	e.T.Helper()
	p := &models.Puzzle{Slug: slug, Name: name, Answer: answer, Deep: deep, RoundID: e.Round.ID}
	require.NoError(e.T, e.DB.Create(p).Error)
	return p
}

// LoginResult mirrors the POST /api/login payload.
type LoginResult struct {
	Token string `json:"token"`
	Team  *struct {
		ID   uint   `json:"id"`
		Slug string `json:"slug"`
	} `json:"team"`
}

// Login authenticates through the API and returns the token.
func (e *Env) Login(username string) string {
	e.T.Helper()
	w := e.Form(http.MethodPost, "/api/login", url.Values{"username": {username}, "password": {Password}}, "")
	require.Equal(e.T, http.StatusOK, w.Code, w.Body.String())

	var result LoginResult
	require.NoError(e.T, json.Unmarshal(w.Body.Bytes(), &result))
	require.NotEmpty(e.T, result.Token)
	return result.Token
}

// APIResponse represents the canonical API envelope returned by handlers.
type APIResponse struct {
	Success    bool                `json:"success"`
	Data       json.RawMessage     `json:"data"`
	Error      *response.ErrorInfo `json:"error"`
	FormErrors map[string][]string `json:"form_errors"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}

// Request executes a bodiless request with an optional Bearer token.
func (e *Env) Request(method, path, token string) *httptest.ResponseRecorder {
	e.T.Helper()
	req, err := http.NewRequest(method, path, nil)
	require.NoError(e.T, err)
	return e.do(req, token)
}

// Form posts url-encoded values with an optional Bearer token. Bearer
// requests are exempt from CSRF attestation.
func (e *Env) Form(method, path string, values url.Values, token string) *httptest.ResponseRecorder {
	e.T.Helper()
	req, err := http.NewRequest(method, path, strings.NewReader(values.Encode()))
	require.NoError(e.T, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return e.do(req, token)
}

func (e *Env) do(req *http.Request, token string) *httptest.ResponseRecorder {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}

// RedirectStatus asserts a dashboard redirect and returns its status message.
func RedirectStatus(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())
	u, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	return u.Query().Get("status")
}
