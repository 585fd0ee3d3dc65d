package app

import (
	"fmt"
	"strings"

	"github.com/charlesng35/spoilr/pkg/crypto"
)

const jwtSecretBytes = 48

// ApplyRuntimeDefaults ensures critical secrets are populated even when no configuration file is supplied.
// It returns a map describing which keys were generated so callers can log the event without exposing values.
func ApplyRuntimeDefaults(cfg *Config) (map[string]bool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	generated := make(map[string]bool)

	if strings.TrimSpace(cfg.Auth.JWT.Secret) == "" {
		secret, err := crypto.GenerateToken(jwtSecretBytes)
		if err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		cfg.Auth.JWT.Secret = secret
		generated["auth.jwt.secret"] = true
	}

	return generated, nil
}

// Validate reports configuration that no command can run without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Email.Domain) == "" {
		return fmt.Errorf("config: email.domain is required")
	}
	switch strings.ToLower(c.Realtime.Broker) {
	case "", "memory":
	case "redis":
		if !c.Cache.Redis.Enabled {
			return fmt.Errorf("config: realtime.broker=redis needs cache.redis.enabled")
		}
	default:
		return fmt.Errorf("config: unknown realtime.broker %q", c.Realtime.Broker)
	}
	return nil
}
