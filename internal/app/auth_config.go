package app

import (
	"golang.org/x/time/rate"

	"github.com/charlesng35/spoilr/internal/auth"
)

const (
	defaultLoginRate  = 10
	defaultLoginBurst = 5
)

// JWTServiceConfig converts AuthConfig into the parameters expected by the JWT service.
func (c AuthConfig) JWTServiceConfig() auth.JWTConfig {
	ttl := c.JWT.TTL
	if ttl <= 0 {
		ttl = auth.DefaultAccessTokenTTL
	}

	return auth.JWTConfig{
		Secret:         c.JWT.Secret,
		Issuer:         c.JWT.Issuer,
		AccessTokenTTL: ttl,
	}
}

// LoginLimit returns the per-client login limiter parameters.
func (c AuthConfig) LoginLimit() (rate.Limit, int) {
	perMinute := c.LoginRate
	if perMinute <= 0 {
		perMinute = defaultLoginRate
	}
	burst := c.LoginBurst
	if burst <= 0 {
		burst = defaultLoginBurst
	}
	return rate.Limit(perMinute / 60), burst
}
