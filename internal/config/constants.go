package config

// Environment variable names.
const (
	EnvWSURL          = "CRASH_WS_URL"
	EnvAuthToken      = "CRASH_AUTH_TOKEN"
	EnvBaseDelay      = "CRASH_BASE_DELAY"
	EnvMaxDelay       = "CRASH_MAX_DELAY"
	EnvMaxRetries     = "CRASH_MAX_RETRIES"
	EnvConnectTimeout = "CRASH_CONNECT_TIMEOUT"
	EnvWriteTimeout   = "CRASH_WRITE_TIMEOUT"
	EnvHealthInterval = "CRASH_HEALTH_INTERVAL"
	EnvPreflight      = "CRASH_PREFLIGHT"
	EnvDebugAddr      = "CRASH_DEBUG_ADDR"
	EnvDatabaseURL    = "DATABASE_URL"
	EnvLogLevel       = "LOG_LEVEL"
	EnvLogFormat      = "LOG_FORMAT"
)
