package app

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for every spoilr command.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Email       EmailConfig       `mapstructure:"email"`
	IMAP        IMAPConfig        `mapstructure:"imap"`
	Hunt        HuntConfig        `mapstructure:"hunt"`
	Realtime    RealtimeConfig    `mapstructure:"realtime"`
	Sessions    SessionsConfig    `mapstructure:"sessions"`
	Jobs        JobsConfig        `mapstructure:"jobs"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Sentry      SentryConfig      `mapstructure:"sentry"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	LogLevel       string        `mapstructure:"log_level"`
	LogFormat      string        `mapstructure:"log_format"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	HSTS           bool          `mapstructure:"hsts"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// CacheConfig describes cache backends.
type CacheConfig struct {
	Redis RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig holds Redis connection options. Several addresses select
// a cluster, or a sentinel set when MasterName is given.
type RedisCacheConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Addresses  []string      `mapstructure:"addresses"`
	MasterName string        `mapstructure:"master_name"`
	Username   string        `mapstructure:"username"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	TLS        bool          `mapstructure:"tls"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// AuthConfig captures token settings and the login limiter.
type AuthConfig struct {
	JWT        JWTSettings `mapstructure:"jwt"`
	CookieName string      `mapstructure:"cookie_name"`
	// LoginRate is the sustained login attempts per minute per client.
	LoginRate  float64 `mapstructure:"login_rate"`
	LoginBurst int     `mapstructure:"login_burst"`
}

// JWTSettings configures JWT access tokens.
type JWTSettings struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"access_token_ttl"`
}

// EmailConfig captures the hunt's mail identity and outbound SMTP.
type EmailConfig struct {
	SMTP                 SMTPConfig    `mapstructure:"smtp"`
	Domain               string        `mapstructure:"domain"`
	HintsFrom            string        `mapstructure:"hints_from"`
	ReplyFrom            string        `mapstructure:"reply_from"`
	ServerID             string        `mapstructure:"server_id"`
	BouncesEnabled       bool          `mapstructure:"bounces_enabled"`
	BouncesLocalname     string        `mapstructure:"bounces_localname"`
	UnsubscribeLocalname string        `mapstructure:"unsubscribe_localname"`
	ResubscribeLocalname string        `mapstructure:"resubscribe_localname"`
	BounceNotifiers      []string      `mapstructure:"bounce_notifiers"`
	Cooldown             time.Duration `mapstructure:"cooldown"`
	TestMode             bool          `mapstructure:"test_mode"`
	AllowList            []string      `mapstructure:"allow_list"`
}

// SMTPConfig defines the relay used for outbound email.
type SMTPConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Username           string `mapstructure:"username"`
	Password           string `mapstructure:"password"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// IMAPConfig locates the mailbox mirrored by ingest-mail.
type IMAPConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	TLS           bool          `mapstructure:"tls"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	Folder        string        `mapstructure:"folder"`
	Buffer        time.Duration `mapstructure:"buffer"`
	InitialWindow time.Duration `mapstructure:"initial_window"`
}

// HuntConfig holds the default hunt schedule. Settings rows override it.
type HuntConfig struct {
	Launch    time.Time `mapstructure:"launch"`
	End       time.Time `mapstructure:"end"`
	Close     time.Time `mapstructure:"close"`
	MainRound string    `mapstructure:"main_round"`
}

// RealtimeConfig tunes websocket fan-out.
type RealtimeConfig struct {
	// Broker is "memory" for a single process or "redis" for pub/sub.
	Broker   string        `mapstructure:"broker"`
	Capacity int           `mapstructure:"capacity"`
	Expiry   time.Duration `mapstructure:"expiry"`
}

// SessionsConfig tunes the interactive-session cache.
type SessionsConfig struct {
	LockTimeout      time.Duration `mapstructure:"lock_timeout"`
	ThrottleInterval time.Duration `mapstructure:"throttle_interval"`
}

// JobsConfig sizes the worker pool.
type JobsConfig struct {
	Workers      int           `mapstructure:"workers"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Backoff      time.Duration `mapstructure:"backoff"`
	Lease        time.Duration `mapstructure:"lease"`
}

// MaintenanceConfig schedules the tick daemon.
type MaintenanceConfig struct {
	SweepSchedule     string        `mapstructure:"sweep_schedule"`
	RetentionSchedule string        `mapstructure:"retention_schedule"`
	AuditRetention    time.Duration `mapstructure:"audit_retention"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SentryConfig enables error reporting when DSN is set.
type SentryConfig struct {
	DSN         string  `mapstructure:"dsn"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// LoadConfig initialises configuration from config.yaml, .env and SPOILR_*
// variables. Each path is a directory to search or a config file.
func LoadConfig(paths ...string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		if path = strings.TrimSpace(path); path == "" {
			continue
		}
		if ext := filepath.Ext(path); ext == ".yaml" || ext == ".yml" {
			v.SetConfigFile(path)
			continue
		}
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("SPOILR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func loadDotEnv() error {
	err := godotenv.Load()
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("config: load .env: %w", err)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.shutdown_grace", "10s")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.hsts", false)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/spoilr.sqlite")

	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.addresses", []string{"127.0.0.1:6379"})
	v.SetDefault("cache.redis.master_name", "")
	v.SetDefault("cache.redis.username", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.tls", false)
	v.SetDefault("cache.redis.timeout", "5s")

	v.SetDefault("auth.jwt.secret", "")
	v.SetDefault("auth.jwt.issuer", "spoilr")
	v.SetDefault("auth.jwt.access_token_ttl", "168h")
	v.SetDefault("auth.cookie_name", "spoilr_token")
	v.SetDefault("auth.login_rate", 10)
	v.SetDefault("auth.login_burst", 5)

	v.SetDefault("email.smtp.enabled", false)
	v.SetDefault("email.smtp.host", "")
	v.SetDefault("email.smtp.port", 587)
	v.SetDefault("email.smtp.username", "")
	v.SetDefault("email.smtp.password", "")
	v.SetDefault("email.smtp.insecure_skip_verify", false)
	v.SetDefault("email.domain", "")
	v.SetDefault("email.hints_from", "")
	v.SetDefault("email.reply_from", "")
	v.SetDefault("email.server_id", "")
	v.SetDefault("email.bounces_enabled", false)
	v.SetDefault("email.bounces_localname", "bounces")
	v.SetDefault("email.unsubscribe_localname", "unsubscribe")
	v.SetDefault("email.resubscribe_localname", "resubscribe")
	v.SetDefault("email.bounce_notifiers", []string{})
	v.SetDefault("email.cooldown", "5m")
	v.SetDefault("email.test_mode", false)
	v.SetDefault("email.allow_list", []string{})

	v.SetDefault("imap.host", "")
	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.tls", true)
	v.SetDefault("imap.username", "")
	v.SetDefault("imap.password", "")
	v.SetDefault("imap.folder", "INBOX")
	v.SetDefault("imap.buffer", "60s")
	v.SetDefault("imap.initial_window", "168h")

	v.SetDefault("hunt.launch", "")
	v.SetDefault("hunt.end", "")
	v.SetDefault("hunt.close", "")
	v.SetDefault("hunt.main_round", "")

	v.SetDefault("realtime.broker", "memory")
	v.SetDefault("realtime.capacity", 500)
	v.SetDefault("realtime.expiry", "10s")

	v.SetDefault("sessions.lock_timeout", "5s")
	v.SetDefault("sessions.throttle_interval", "10s")

	v.SetDefault("jobs.workers", 4)
	v.SetDefault("jobs.poll_interval", "1s")
	v.SetDefault("jobs.backoff", "30s")
	v.SetDefault("jobs.lease", "5m")

	v.SetDefault("maintenance.sweep_schedule", "@every 1m")
	v.SetDefault("maintenance.retention_schedule", "@daily")
	v.SetDefault("maintenance.audit_retention", "2160h") // 90 days

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)

	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "production")
	v.SetDefault("sentry.sample_rate", 1.0)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToTimeHook(),
		)
	}
}

// stringToTimeHook decodes RFC 3339 timestamps; an empty string is the zero time.
func stringToTimeHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf(time.Time{}) {
			return data, nil
		}
		s := strings.TrimSpace(data.(string))
		if s == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("config: parse time %q: %w", s, err)
		}
		return t.UTC(), nil
	}
}
