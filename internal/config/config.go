// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxPoolSize        = 50
	maxPagesPerBrowser = 50
	maxSessionsPerUser = 1000
	maxBatchSize       = 1000
	maxScriptBytes     = 10 << 20
	maxTimeout         = 10 * time.Minute
	maxRateLimitRPM    = 10000
	minAPIKeyLength    = 16
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Server settings
	Host     string
	Port     int
	GRPCPort int

	// Browser settings
	Headless    bool
	BrowserPath string

	// Pool settings
	PoolMaxSize         int
	PoolMinSize         int
	MaxPagesPerBrowser  int
	IdleTimeout         time.Duration
	AcquireTimeout      time.Duration
	HealthCheckInterval time.Duration
	RecycleAfterUses    int64

	// Session settings
	SessionTTL             time.Duration
	SessionMaxPerUser      int
	SessionCleanupInterval time.Duration
	SessionPersist         bool
	SessionFlushInterval   time.Duration
	SessionBatchSize       int
	SessionStorePath       string

	// Action limits
	ActionMaxBatch int
	ScriptMaxBytes int
	CSSMaxBytes    int
	NavHistoryMax  int

	// Retry policy
	MaxRetries   int
	RetryBase    time.Duration
	RetryMax     time.Duration
	RetryBackoff float64

	// Timeouts
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration

	// WebSocket fabric
	WSPreAuthQueue int
	WSSendBuffer   int

	// Logging
	LogLevel string

	// Profiling
	PProfEnabled  bool
	PProfPort     int
	PProfBindAddr string

	// Metrics
	MetricsEnabled bool
	MetricsPort    int

	// Security
	TLSEnabled         bool
	TLSCertPath        string
	TLSKeyPath         string
	TLSCAPath          string
	TLSClientAuth      bool
	RateLimitEnabled   bool
	RateLimitRPM       int
	TrustProxy         bool
	CORSAllowedOrigins []string

	// API Key Authentication
	APIKeyEnabled bool
	APIKey        string

	// Validation policy
	PolicyPath      string
	PolicyHotReload bool
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		// Server - default to localhost for security (prevents accidental exposure)
		// Set HOST=0.0.0.0 explicitly to bind to all interfaces
		Host:     getEnvString("HOST", "127.0.0.1"),
		Port:     getEnvInt("PORT", 8290),
		GRPCPort: getEnvInt("GRPC_PORT", 8291),

		// Browser
		Headless:    getEnvBool("HEADLESS", true),
		BrowserPath: getEnvString("BROWSER_PATH", ""),

		// Pool
		PoolMaxSize:         getEnvInt("BROWSER_POOL_MAX_SIZE", 5),
		PoolMinSize:         getEnvInt("BROWSER_POOL_MIN_SIZE", 1),
		MaxPagesPerBrowser:  getEnvInt("BROWSER_MAX_PAGES_PER_BROWSER", 10),
		IdleTimeout:         getEnvDuration("BROWSER_IDLE_TIMEOUT", 5*time.Minute),
		AcquireTimeout:      getEnvDuration("BROWSER_ACQUIRE_TIMEOUT", 30*time.Second),
		HealthCheckInterval: getEnvDuration("BROWSER_HEALTH_CHECK_INTERVAL", 1*time.Minute),
		RecycleAfterUses:    int64(getEnvInt("BROWSER_RECYCLE_AFTER_USES", 100)),

		// Sessions
		SessionTTL:             getEnvDuration("SESSION_TTL_DEFAULT", 30*time.Minute),
		SessionMaxPerUser:      getEnvInt("SESSION_MAX_PER_USER", 10),
		SessionCleanupInterval: getEnvDuration("SESSION_CLEANUP_INTERVAL", 1*time.Minute),
		SessionPersist:         getEnvBool("SESSION_PERSIST", false),
		SessionFlushInterval:   getEnvDuration("SESSION_FLUSH_INTERVAL", 5*time.Second),
		SessionBatchSize:       getEnvInt("SESSION_BATCH_SIZE", 10),
		SessionStorePath:       getEnvString("SESSION_STORE_PATH", ""),

		// Action limits
		ActionMaxBatch: getEnvInt("ACTION_MAX_BATCH", 100),
		ScriptMaxBytes: getEnvInt("SCRIPT_MAX_BYTES", 50000),
		CSSMaxBytes:    getEnvInt("CSS_MAX_BYTES", 100000),
		NavHistoryMax:  getEnvInt("NAV_HISTORY_MAX", 50),

		// Retry policy
		MaxRetries:   getEnvInt("ACTION_MAX_RETRIES", 3),
		RetryBase:    getEnvDuration("ACTION_RETRY_BASE_DELAY", 1*time.Second),
		RetryMax:     getEnvDuration("ACTION_RETRY_MAX_DELAY", 5*time.Second),
		RetryBackoff: 2.0,

		// Timeouts
		DefaultTimeout: getEnvDuration("DEFAULT_TIMEOUT", 30*time.Second),
		MaxTimeout:     getEnvDuration("MAX_TIMEOUT", 300*time.Second),

		// WebSocket fabric
		WSPreAuthQueue: getEnvInt("WS_PREAUTH_QUEUE", 32),
		WSSendBuffer:   getEnvInt("WS_SEND_BUFFER", 256),

		// Logging
		LogLevel: getEnvString("LOG_LEVEL", "info"),

		// Profiling - disabled by default for security
		PProfEnabled:  getEnvBool("PPROF_ENABLED", false),
		PProfPort:     getEnvInt("PPROF_PORT", 6060),
		PProfBindAddr: getEnvString("PPROF_BIND_ADDR", "127.0.0.1"),

		// Metrics
		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
		MetricsPort:    getEnvInt("METRICS_PORT", 9290),

		// Security
		TLSEnabled:         getEnvBool("TLS_ENABLED", false),
		TLSCertPath:        getEnvString("SERVER_TLS_CERT_PATH", ""),
		TLSKeyPath:         getEnvString("SERVER_TLS_KEY_PATH", ""),
		TLSCAPath:          getEnvString("SERVER_TLS_CA_PATH", ""),
		TLSClientAuth:      getEnvBool("SERVER_TLS_CLIENT_AUTH", false),
		RateLimitEnabled:   getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:       getEnvInt("RATE_LIMIT_RPM", 120),
		TrustProxy:         getEnvBool("TRUST_PROXY", false),
		CORSAllowedOrigins: getEnvStringSlice("CORS_ALLOWED_ORIGINS", nil),

		// API Key Authentication
		APIKeyEnabled: getEnvBool("API_KEY_ENABLED", false),
		APIKey:        getEnvString("API_KEY", ""),

		// Validation policy
		PolicyPath:      getEnvString("POLICY_PATH", ""),
		PolicyHotReload: getEnvBool("POLICY_HOT_RELOAD", false),
	}
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults; Validate never fails.
func (c *Config) Validate() {
	// Port validation - allow 0 for system-assigned ports
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 8290")
		c.Port = 8290
	}
	if c.GRPCPort < 0 || c.GRPCPort > 65535 {
		log.Warn().Int("port", c.GRPCPort).Msg("Invalid gRPC port, using default 8291")
		c.GRPCPort = 8291
	}

	// BrowserPath validation - prevent path traversal
	if c.BrowserPath != "" && strings.Contains(c.BrowserPath, "..") {
		log.Error().Str("path", c.BrowserPath).Msg("BROWSER_PATH contains path traversal sequence (..), ignoring")
		c.BrowserPath = ""
	}

	// Pool bounds
	if c.PoolMaxSize < 1 {
		log.Warn().Int("size", c.PoolMaxSize).Msg("Invalid pool size, using default 5")
		c.PoolMaxSize = 5
	} else if c.PoolMaxSize > maxPoolSize {
		log.Warn().Int("size", c.PoolMaxSize).Int("max", maxPoolSize).Msg("Pool size too large, capping to maximum")
		c.PoolMaxSize = maxPoolSize
	}
	if c.PoolMinSize < 0 {
		log.Warn().Int("min", c.PoolMinSize).Msg("Invalid pool minimum, using 1")
		c.PoolMinSize = 1
	}
	if c.PoolMinSize > c.PoolMaxSize {
		log.Warn().
			Int("min", c.PoolMinSize).
			Int("max", c.PoolMaxSize).
			Msg("Pool minimum exceeds maximum, adjusting to maximum")
		c.PoolMinSize = c.PoolMaxSize
	}
	if c.MaxPagesPerBrowser < 1 {
		log.Warn().Int("pages", c.MaxPagesPerBrowser).Msg("Invalid page cap, using default 10")
		c.MaxPagesPerBrowser = 10
	} else if c.MaxPagesPerBrowser > maxPagesPerBrowser {
		log.Warn().Int("pages", c.MaxPagesPerBrowser).Int("max", maxPagesPerBrowser).Msg("Page cap too large, capping to maximum")
		c.MaxPagesPerBrowser = maxPagesPerBrowser
	}
	if c.RecycleAfterUses < 1 {
		log.Warn().Int64("uses", c.RecycleAfterUses).Msg("Invalid recycle-after-uses, using 100")
		c.RecycleAfterUses = 100
	}

	// Acquire timeout bounds (minimum 100ms so tests can use short waits)
	const minAcquireTimeout = 100 * time.Millisecond
	if c.AcquireTimeout < minAcquireTimeout {
		log.Warn().Dur("timeout", c.AcquireTimeout).Msg("Acquire timeout too short, using minimum")
		c.AcquireTimeout = minAcquireTimeout
	} else if c.AcquireTimeout > maxTimeout {
		log.Warn().Dur("timeout", c.AcquireTimeout).Dur("max", maxTimeout).Msg("Acquire timeout too long, capping to maximum")
		c.AcquireTimeout = maxTimeout
	}
	if c.IdleTimeout < 10*time.Second {
		log.Warn().Dur("timeout", c.IdleTimeout).Msg("Idle timeout too short, using 10s")
		c.IdleTimeout = 10 * time.Second
	}
	if c.HealthCheckInterval < 5*time.Second {
		log.Warn().Dur("interval", c.HealthCheckInterval).Msg("Health check interval too short, using 5s")
		c.HealthCheckInterval = 5 * time.Second
	}

	// Timeout ordering: validate MaxTimeout first, then DefaultTimeout
	if c.MaxTimeout < time.Second {
		log.Warn().Dur("timeout", c.MaxTimeout).Msg("Max timeout too short, using 300s")
		c.MaxTimeout = 300 * time.Second
	} else if c.MaxTimeout > maxTimeout {
		log.Warn().Dur("timeout", c.MaxTimeout).Dur("max", maxTimeout).Msg("Max timeout too high, capping to maximum")
		c.MaxTimeout = maxTimeout
	}
	if c.DefaultTimeout < time.Second {
		log.Warn().Dur("timeout", c.DefaultTimeout).Msg("Default timeout too short, using 30s")
		c.DefaultTimeout = 30 * time.Second
	}
	if c.DefaultTimeout > c.MaxTimeout {
		log.Warn().
			Dur("default", c.DefaultTimeout).
			Dur("max", c.MaxTimeout).
			Msg("Default timeout exceeds max timeout, adjusting to max")
		c.DefaultTimeout = c.MaxTimeout
	}

	// Session bounds
	const minSessionTTL = 1 * time.Second
	const maxSessionTTL = 24 * time.Hour
	if c.SessionTTL < minSessionTTL {
		log.Warn().Dur("ttl", c.SessionTTL).Dur("min", minSessionTTL).Msg("Session TTL too short, using minimum")
		c.SessionTTL = minSessionTTL
	} else if c.SessionTTL > maxSessionTTL {
		log.Warn().Dur("ttl", c.SessionTTL).Dur("max", maxSessionTTL).Msg("Session TTL too long, using maximum")
		c.SessionTTL = maxSessionTTL
	}
	if c.SessionMaxPerUser < 1 {
		log.Warn().Int("max", c.SessionMaxPerUser).Msg("Invalid per-user session limit, using 10")
		c.SessionMaxPerUser = 10
	} else if c.SessionMaxPerUser > maxSessionsPerUser {
		log.Warn().Int("max", c.SessionMaxPerUser).Int("cap", maxSessionsPerUser).Msg("Per-user session limit too high, capping")
		c.SessionMaxPerUser = maxSessionsPerUser
	}
	if c.SessionCleanupInterval < time.Second {
		log.Warn().Dur("interval", c.SessionCleanupInterval).Msg("Session cleanup interval too short, using 1s")
		c.SessionCleanupInterval = time.Second
	}
	if c.SessionCleanupInterval >= c.SessionTTL {
		log.Warn().
			Dur("cleanup_interval", c.SessionCleanupInterval).
			Dur("ttl", c.SessionTTL).
			Msg("SESSION_CLEANUP_INTERVAL should be less than SESSION_TTL_DEFAULT for timely cleanup")
	}
	if c.SessionBatchSize < 1 {
		log.Warn().Int("size", c.SessionBatchSize).Msg("Invalid session batch size, using 10")
		c.SessionBatchSize = 10
	}
	if c.SessionFlushInterval < 100*time.Millisecond {
		log.Warn().Dur("interval", c.SessionFlushInterval).Msg("Session flush interval too short, using 100ms")
		c.SessionFlushInterval = 100 * time.Millisecond
	}
	if c.SessionPersist && c.SessionStorePath == "" {
		log.Warn().Msg("SESSION_PERSIST enabled but SESSION_STORE_PATH not set - sessions persist in memory only")
	}

	// Action limits
	if c.ActionMaxBatch < 1 {
		log.Warn().Int("batch", c.ActionMaxBatch).Msg("Invalid action batch limit, using 100")
		c.ActionMaxBatch = 100
	} else if c.ActionMaxBatch > maxBatchSize {
		log.Warn().Int("batch", c.ActionMaxBatch).Int("max", maxBatchSize).Msg("Action batch limit too high, capping")
		c.ActionMaxBatch = maxBatchSize
	}
	if c.ScriptMaxBytes < 1 || c.ScriptMaxBytes > maxScriptBytes {
		log.Warn().Int("bytes", c.ScriptMaxBytes).Msg("Invalid script size limit, using 50000")
		c.ScriptMaxBytes = 50000
	}
	if c.CSSMaxBytes < 1 || c.CSSMaxBytes > maxScriptBytes {
		log.Warn().Int("bytes", c.CSSMaxBytes).Msg("Invalid CSS size limit, using 100000")
		c.CSSMaxBytes = 100000
	}
	if c.NavHistoryMax < 1 {
		log.Warn().Int("max", c.NavHistoryMax).Msg("Invalid navigation history limit, using 50")
		c.NavHistoryMax = 50
	}

	// Retry policy
	if c.MaxRetries < 0 {
		log.Warn().Int("retries", c.MaxRetries).Msg("Invalid retry count, using 3")
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMax < c.RetryBase {
		log.Warn().
			Dur("base", c.RetryBase).
			Dur("max", c.RetryMax).
			Msg("Retry max delay below base delay, adjusting")
		c.RetryMax = c.RetryBase
	}
	if c.RetryBackoff < 1 {
		c.RetryBackoff = 2.0
	}

	// Fabric bounds
	if c.WSPreAuthQueue < 1 {
		log.Warn().Int("queue", c.WSPreAuthQueue).Msg("Invalid pre-auth queue size, using 32")
		c.WSPreAuthQueue = 32
	}
	if c.WSSendBuffer < 1 {
		log.Warn().Int("buffer", c.WSSendBuffer).Msg("Invalid send buffer size, using 256")
		c.WSSendBuffer = 256
	}

	// Rate limit bounds
	if c.RateLimitEnabled {
		if c.RateLimitRPM < 1 {
			log.Warn().Int("rpm", c.RateLimitRPM).Msg("Invalid rate limit, using 120 RPM")
			c.RateLimitRPM = 120
		} else if c.RateLimitRPM > maxRateLimitRPM {
			log.Warn().Int("rpm", c.RateLimitRPM).Int("max", maxRateLimitRPM).Msg("Rate limit too high, capping to maximum")
			c.RateLimitRPM = maxRateLimitRPM
		}
	}

	// Log level validation
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	// TLS sanity
	if c.TLSEnabled {
		if c.TLSCertPath == "" || c.TLSKeyPath == "" {
			log.Error().Msg("TLS_ENABLED is true but cert or key path is empty - TLS disabled")
			c.TLSEnabled = false
		}
		if c.TLSClientAuth && c.TLSCAPath == "" {
			log.Error().Msg("TLS client auth requires SERVER_TLS_CA_PATH - client auth disabled")
			c.TLSClientAuth = false
		}
	}

	// PProf security warning
	if c.PProfEnabled && c.PProfBindAddr != "127.0.0.1" && c.PProfBindAddr != "localhost" {
		log.Warn().
			Str("addr", c.PProfBindAddr).
			Msg("WARNING: pprof exposed on non-localhost address - this is a security risk")
	}

	// CORS security warning
	if len(c.CORSAllowedOrigins) == 0 {
		log.Warn().Msg("CORS_ALLOWED_ORIGINS not set - allowing all origins (potential CSRF risk)")
	}

	// Policy path validation
	if c.PolicyPath != "" && strings.Contains(c.PolicyPath, "..") {
		log.Error().Str("path", c.PolicyPath).Msg("POLICY_PATH contains path traversal sequence (..), ignoring")
		c.PolicyPath = ""
	}
	if c.PolicyHotReload && c.PolicyPath == "" {
		log.Warn().Msg("POLICY_HOT_RELOAD enabled but POLICY_PATH not set - hot-reload disabled")
		c.PolicyHotReload = false
	}

	// API key validation with minimum length enforcement
	if c.APIKeyEnabled {
		switch {
		case c.APIKey == "":
			log.Error().Msg("API_KEY_ENABLED is true but API_KEY is empty - authentication will always fail")
		case len(c.APIKey) < minAPIKeyLength:
			log.Error().
				Int("length", len(c.APIKey)).
				Int("min_required", minAPIKeyLength).
				Msg("API_KEY is too short for secure authentication - consider using a longer key")
		}
	}
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		// Accept plain integers as milliseconds for compatibility with
		// callers that pass numeric env values.
		if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
			if ms > 0 {
				return time.Duration(ms) * time.Millisecond
			}
		} else if duration, derr := time.ParseDuration(value); derr == nil {
			if duration > 0 {
				return duration
			}
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
