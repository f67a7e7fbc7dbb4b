package settings

// DB config keys and defaults for settings.
const (
	// AdminKeyHashKey stores the bcrypt hash of the admin key.
	AdminKeyHashKey = "ADMIN_KEY_HASH"
	// AdminTOTPSecretKey stores an optional TOTP secret guarding destructive admin calls.
	AdminTOTPSecretKey = "ADMIN_TOTP_SECRET"
	// HostKey records the merged listen host.
	HostKey = "HOST"
	// PortKey records the merged listen port.
	PortKey = "PORT"
	// ProxyURLKey defines the egress proxy for upstream calls.
	ProxyURLKey = "PROXY_URL"
	// LogFileKey records the rotating log file path.
	LogFileKey = "LOG_FILE"
	// EventRedactSensitiveKey toggles body capture redaction on trace records.
	EventRedactSensitiveKey = "EVENT_REDACT_SENSITIVE"
	// RequestTimeoutSecondsKey bounds non-streaming upstream calls.
	RequestTimeoutSecondsKey = "REQUEST_TIMEOUT_SECONDS"
	// RateLimitKey controls the default per-key rate limit per second.
	RateLimitKey = "RATE_LIMIT"
	// RateLimitRedisEnabledKey toggles Redis-backed rate limiting.
	RateLimitRedisEnabledKey = "RATE_LIMIT_REDIS_ENABLED"
	// RateLimitRedisAddrKey defines the Redis address for rate limiting.
	RateLimitRedisAddrKey = "RATE_LIMIT_REDIS_ADDR"
	// RateLimitRedisPasswordKey defines the Redis password for rate limiting.
	RateLimitRedisPasswordKey = "RATE_LIMIT_REDIS_PASSWORD"
	// RateLimitRedisDBKey defines the Redis DB index for rate limiting.
	RateLimitRedisDBKey = "RATE_LIMIT_REDIS_DB"
	// RateLimitRedisPrefixKey defines the Redis key prefix for rate limiting.
	RateLimitRedisPrefixKey = "RATE_LIMIT_REDIS_PREFIX"

	// DefaultEventRedactSensitive keeps bodies out of trace records.
	DefaultEventRedactSensitive = true
	// DefaultRequestTimeoutSeconds is the fallback upstream timeout.
	DefaultRequestTimeoutSeconds = 120
	// DefaultRateLimit is the fallback rate limit (0 means unlimited).
	DefaultRateLimit = 0
	// DefaultRateLimitRedisPrefix is the fallback Redis key prefix.
	DefaultRateLimitRedisPrefix = "mpa:rl"
)
