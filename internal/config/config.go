package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the broker. Every field maps to one
// SDP_-prefixed environment variable; Load applies defaults and Validate
// rejects anything the broker cannot start with.
type Config struct {
	ListenAddr  string // SDP_LISTEN_ADDR
	TLSCertFile string // SDP_TLS_CERT
	TLSKeyFile  string // SDP_TLS_KEY

	MasterKeyHex string // SDP_MASTER_KEY (64 hex chars = 256-bit key)
	StoreDSN     string // SDP_STORE_DSN (postgres URL, or "memory" for dev)
	RedisURL     string // SDP_REDIS_URL (optional; shared rate-limit state)

	DefaultDataCenter string // SDP_DEFAULT_DC

	SessionIdleTimeout time.Duration // SDP_SESSION_IDLE_TIMEOUT
	CallTimeout        time.Duration // SDP_CALL_TIMEOUT (per tools/call)
	KeepAliveInterval  time.Duration // SDP_KEEPALIVE_INTERVAL

	RefreshSafetyMargin time.Duration // SDP_REFRESH_SAFETY_MARGIN
	RefreshMinGap       time.Duration // SDP_REFRESH_MIN_GAP
	RefreshWindow       time.Duration // SDP_REFRESH_WINDOW
	RefreshWindowLimit  int           // SDP_REFRESH_WINDOW_LIMIT
	RefreshTimeout      time.Duration // SDP_REFRESH_TIMEOUT
	ProactiveRefresh    bool          // SDP_PROACTIVE_REFRESH

	CallsPerMinute int // SDP_CALLS_PER_MINUTE
	CallsPerHour   int // SDP_CALLS_PER_HOUR
	CallsPerDay    int // SDP_CALLS_PER_DAY

	BreakerFailureThreshold int           // SDP_BREAKER_FAILURES
	BreakerSuccessThreshold int           // SDP_BREAKER_SUCCESSES
	BreakerResetTimeout     time.Duration // SDP_BREAKER_RESET_TIMEOUT

	AdminJWTSecret string // SDP_ADMIN_JWT_SECRET (HS256, guards /oauth/setup + admin)
	DevMode        bool   // SDP_DEV_MODE (relaxes operator auth; never in production)
	LogLevel       string // SDP_LOG_LEVEL
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Load reads configuration from the environment with defaults applied.
func Load() *Config {
	return &Config{
		ListenAddr:  env("SDP_LISTEN_ADDR", ":8080"),
		TLSCertFile: env("SDP_TLS_CERT", ""),
		TLSKeyFile:  env("SDP_TLS_KEY", ""),

		MasterKeyHex: env("SDP_MASTER_KEY", ""),
		StoreDSN:     env("SDP_STORE_DSN", ""),
		RedisURL:     env("SDP_REDIS_URL", ""),

		DefaultDataCenter: env("SDP_DEFAULT_DC", "US"),

		SessionIdleTimeout: envDuration("SDP_SESSION_IDLE_TIMEOUT", 30*time.Minute),
		CallTimeout:        envDuration("SDP_CALL_TIMEOUT", 60*time.Second),
		KeepAliveInterval:  envDuration("SDP_KEEPALIVE_INTERVAL", 30*time.Second),

		RefreshSafetyMargin: envDuration("SDP_REFRESH_SAFETY_MARGIN", 5*time.Minute),
		RefreshMinGap:       envDuration("SDP_REFRESH_MIN_GAP", 3*time.Minute),
		RefreshWindow:       envDuration("SDP_REFRESH_WINDOW", 10*time.Minute),
		RefreshWindowLimit:  envInt("SDP_REFRESH_WINDOW_LIMIT", 10),
		RefreshTimeout:      envDuration("SDP_REFRESH_TIMEOUT", 20*time.Second),
		ProactiveRefresh:    envBool("SDP_PROACTIVE_REFRESH", true),

		CallsPerMinute: envInt("SDP_CALLS_PER_MINUTE", 100),
		CallsPerHour:   envInt("SDP_CALLS_PER_HOUR", 3000),
		CallsPerDay:    envInt("SDP_CALLS_PER_DAY", 20000),

		BreakerFailureThreshold: envInt("SDP_BREAKER_FAILURES", 5),
		BreakerSuccessThreshold: envInt("SDP_BREAKER_SUCCESSES", 2),
		BreakerResetTimeout:     envDuration("SDP_BREAKER_RESET_TIMEOUT", 5*time.Minute),

		AdminJWTSecret: env("SDP_ADMIN_JWT_SECRET", ""),
		DevMode:        envBool("SDP_DEV_MODE", false),
		LogLevel:       env("SDP_LOG_LEVEL", "info"),
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if _, err := c.MasterKey(); err != nil {
		return err
	}
	if c.StoreDSN == "" {
		return fmt.Errorf("SDP_STORE_DSN is required (postgres URL or \"memory\")")
	}
	if !c.DevMode && c.AdminJWTSecret == "" {
		return fmt.Errorf("SDP_ADMIN_JWT_SECRET is required outside dev mode")
	}
	if c.RefreshWindowLimit < 1 {
		return fmt.Errorf("refresh window limit must be >= 1")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("SDP_TLS_CERT and SDP_TLS_KEY must be set together")
	}
	return nil
}

// MasterKey decodes the 256-bit master encryption key.
func (c *Config) MasterKey() ([]byte, error) {
	if c.MasterKeyHex == "" {
		return nil, fmt.Errorf("SDP_MASTER_KEY is required")
	}
	key, err := hex.DecodeString(c.MasterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("SDP_MASTER_KEY is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("SDP_MASTER_KEY must be 32 bytes (got %d)", len(key))
	}
	return key, nil
}
