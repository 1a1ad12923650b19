package internal

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default mpx endpoints
const (
	DefaultIdentityURL   = "https://identity.auth.theplatform.com/idm/web/Authentication"
	DefaultAccountURL    = "https://access.auth.theplatform.com/data/Account"
	DefaultPlayerFeedURL = "https://read.data.player.theplatform.com/player/notify"
	DefaultMediaFeedURL  = "https://read.data.media.theplatform.com/media/notify"
	DefaultMediaDataURL  = "https://read.data.media.theplatform.com/media/data/Media"
)

// Config holds application configuration
type Config struct {
	// Endpoints
	IdentityURL   string
	AccountURL    string
	PlayerFeedURL string
	MediaFeedURL  string
	MediaDataURL  string

	// Token lifecycle
	TokenTTL          time.Duration
	TokenFetchTimeout time.Duration

	// Requests
	RequestTimeout   time.Duration
	NotificationSize int
	BatchLimit       int
	ClientIDPrefix   string
	RateLimit        float64
	ProxyURL         string
	AllowedDomains   []string

	// Ingestion locking
	LockTimeout time.Duration
	LockLease   time.Duration

	// Stores
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DatabaseURL   string

	// Logging configuration
	LogLevel    string
	LogFormat   string
	EnableDebug bool
	QuietMode   bool
	LogFile     string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		IdentityURL:   DefaultIdentityURL,
		AccountURL:    DefaultAccountURL,
		PlayerFeedURL: DefaultPlayerFeedURL,
		MediaFeedURL:  DefaultMediaFeedURL,
		MediaDataURL:  DefaultMediaDataURL,

		TokenTTL:          time.Hour,
		TokenFetchTimeout: 15 * time.Second,

		RequestTimeout:   180 * time.Second,
		NotificationSize: 500,
		BatchLimit:       100,
		ClientIDPrefix:   "mpxsync_",
		AllowedDomains: []string{
			"theplatform.com",
			"theplatform.eu",
		},

		LockTimeout: 180 * time.Second,
		LockLease:   30 * time.Minute,

		RedisAddr:   "localhost:6379",
		DatabaseURL: "sqlite://mpxsync.db",

		LogLevel:  "info",
		LogFormat: "json",
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() {
	c.IdentityURL = GetEnvWithDefault("MPX_IDENTITY_URL", c.IdentityURL)
	c.AccountURL = GetEnvWithDefault("MPX_ACCOUNT_URL", c.AccountURL)
	c.PlayerFeedURL = GetEnvWithDefault("MPX_PLAYER_FEED_URL", c.PlayerFeedURL)
	c.MediaFeedURL = GetEnvWithDefault("MPX_MEDIA_FEED_URL", c.MediaFeedURL)
	c.MediaDataURL = GetEnvWithDefault("MPX_MEDIA_DATA_URL", c.MediaDataURL)

	c.TokenTTL = getEnvDuration("MPX_TOKEN_TTL", c.TokenTTL)
	c.TokenFetchTimeout = getEnvDuration("MPX_TOKEN_FETCH_TIMEOUT", c.TokenFetchTimeout)
	c.RequestTimeout = getEnvDuration("MPX_REQUEST_TIMEOUT", c.RequestTimeout)
	c.LockTimeout = getEnvDuration("MPX_LOCK_TIMEOUT", c.LockTimeout)
	c.LockLease = getEnvDuration("MPX_LOCK_LEASE", c.LockLease)

	if size := os.Getenv("MPX_NOTIFICATION_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil && n > 0 {
			c.NotificationSize = n
		}
	}

	if limit := os.Getenv("MPX_BATCH_LIMIT"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			c.BatchLimit = n
		}
	}

	if rate := os.Getenv("MPX_RATE_LIMIT"); rate != "" {
		if r, err := strconv.ParseFloat(rate, 64); err == nil && r >= 0 {
			c.RateLimit = r
		}
	}

	c.ProxyURL = GetEnvWithDefault("MPX_PROXY", c.ProxyURL)
	c.ClientIDPrefix = GetEnvWithDefault("MPX_CLIENT_ID_PREFIX", c.ClientIDPrefix)

	c.RedisAddr = GetEnvWithDefault("MPX_REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = GetEnvWithDefault("MPX_REDIS_PASSWORD", c.RedisPassword)
	if db := os.Getenv("MPX_REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil && n >= 0 {
			c.RedisDB = n
		}
	}
	c.DatabaseURL = GetEnvWithDefault("MPX_DATABASE_URL", c.DatabaseURL)

	// Load logging configuration from environment
	if logLevel := os.Getenv("MPX_LOG_LEVEL"); logLevel != "" {
		c.LogLevel = logLevel
	}

	if logFormat := os.Getenv("MPX_LOG_FORMAT"); logFormat != "" {
		c.LogFormat = logFormat
	}

	if debug := os.Getenv("MPX_DEBUG"); debug != "" {
		c.EnableDebug = debug == "true" || debug == "1"
	}

	if quiet := os.Getenv("MPX_QUIET"); quiet != "" {
		c.QuietMode = quiet == "true" || quiet == "1"
	}

	if logFile := os.Getenv("MPX_LOG_FILE"); logFile != "" {
		c.LogFile = logFile
	}
}

// GetEnvWithDefault returns environment variable value or default
func GetEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil && d >= 0 {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

// ValidateConfig validates the configuration values
func (c *Config) ValidateConfig() error {
	endpoints := map[string]string{
		"identity_url":    c.IdentityURL,
		"account_url":     c.AccountURL,
		"player_feed_url": c.PlayerFeedURL,
		"media_feed_url":  c.MediaFeedURL,
		"media_data_url":  c.MediaDataURL,
	}
	for field, value := range endpoints {
		u, err := url.Parse(value)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return NewValidationErrorWithValue(field, "must be an absolute URL", value)
		}
	}

	if c.TokenTTL < 0 {
		return fmt.Errorf("invalid token ttl: %v (must be >= 0)", c.TokenTTL)
	}

	if c.TokenFetchTimeout <= 0 {
		return fmt.Errorf("invalid token fetch timeout: %v (must be > 0)", c.TokenFetchTimeout)
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("invalid request timeout: %v (must be > 0)", c.RequestTimeout)
	}

	if c.NotificationSize < 1 {
		return fmt.Errorf("invalid notification size: %d (must be > 0)", c.NotificationSize)
	}

	if c.BatchLimit < 1 {
		return fmt.Errorf("invalid batch limit: %d (must be > 0)", c.BatchLimit)
	}

	if c.RateLimit < 0 {
		return fmt.Errorf("invalid rate limit: %v (must be >= 0)", c.RateLimit)
	}

	if c.LockTimeout < 0 {
		return fmt.Errorf("invalid lock timeout: %v (must be >= 0)", c.LockTimeout)
	}

	if c.LockLease <= 0 {
		return fmt.Errorf("invalid lock lease: %v (must be > 0)", c.LockLease)
	}

	if len(c.AllowedDomains) == 0 {
		return fmt.Errorf("allowed domains list cannot be empty")
	}

	return nil
}
