package app

import (
	"strings"

	"github.com/charlesng35/spoilr/internal/cache"
	"github.com/charlesng35/spoilr/internal/database"
)

// RedisClientConfig converts the application cache configuration into the cache package representation.
func (c CacheConfig) RedisClientConfig() cache.RedisConfig {
	return cache.RedisConfig{
		Addresses:  c.Redis.Addresses,
		MasterName: strings.TrimSpace(c.Redis.MasterName),
		Username:   strings.TrimSpace(c.Redis.Username),
		Password:   c.Redis.Password,
		DB:         c.Redis.DB,
		TLS:        c.Redis.TLS,
		Timeout:    c.Redis.Timeout,
	}
}

// DatabaseOpenConfig converts DatabaseConfig for database.Open.
func (c DatabaseConfig) DatabaseOpenConfig() database.Config {
	cfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(c.Driver)),
		Path:   c.Path,
		DSN:    c.DSN,
	}
	var host DBAuthConfig
	switch cfg.Driver {
	case "postgres", "postgresql":
		host = c.Postgres
	case "mysql":
		host = c.MySQL
	}
	cfg.Host = host.Host
	cfg.Port = host.Port
	cfg.Name = host.Database
	cfg.User = host.Username
	cfg.Password = host.Password
	return cfg
}

// HuntTimes returns the configured schedule, before settings overrides.
func (c HuntConfig) HuntTimes() database.HuntTimes {
	return database.HuntTimes{Launch: c.Launch, End: c.End, Close: c.Close}
}
