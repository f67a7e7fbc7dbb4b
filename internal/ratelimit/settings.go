package ratelimit

import (
	"strings"

	internalsettings "github.com/router-for-me/ModelProxyAPI/internal/settings"
)

// SettingsConfig captures the rate limit settings stored in DB config.
type SettingsConfig struct {
	Limit         int
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// LoadSettingsConfig reads the current rate limit settings snapshot.
func LoadSettingsConfig() SettingsConfig {
	cfg := SettingsConfig{
		Limit:         internalsettings.Int(internalsettings.RateLimitKey, internalsettings.DefaultRateLimit),
		RedisEnabled:  internalsettings.Bool(internalsettings.RateLimitRedisEnabledKey, false),
		RedisAddr:     internalsettings.String(internalsettings.RateLimitRedisAddrKey, ""),
		RedisPassword: internalsettings.String(internalsettings.RateLimitRedisPasswordKey, ""),
		RedisDB:       internalsettings.Int(internalsettings.RateLimitRedisDBKey, 0),
		RedisPrefix:   internalsettings.String(internalsettings.RateLimitRedisPrefixKey, internalsettings.DefaultRateLimitRedisPrefix),
	}
	cfg.RedisAddr = strings.TrimSpace(cfg.RedisAddr)
	cfg.RedisPassword = strings.TrimSpace(cfg.RedisPassword)
	cfg.RedisPrefix = strings.TrimSpace(cfg.RedisPrefix)
	if cfg.RedisPrefix == "" {
		cfg.RedisPrefix = internalsettings.DefaultRateLimitRedisPrefix
	}
	if cfg.RedisDB < 0 {
		cfg.RedisDB = 0
	}
	if cfg.Limit < 0 {
		cfg.Limit = 0
	}
	return cfg
}

// DefaultSettingsLimit returns the global default limit from settings.
func DefaultSettingsLimit() int {
	cfg := LoadSettingsConfig()
	if cfg.Limit < 0 {
		return 0
	}
	return cfg.Limit
}
