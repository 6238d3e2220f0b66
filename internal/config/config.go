// Package config loads service settings from environment variables.
// Every setting has a default except DATABASE_URL, and Load validates the
// whole configuration up front so misconfiguration fails at startup.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Import   ImportConfig
	Session  SessionConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading a request (default: 30s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"30s"`

	// WriteTimeout is the maximum duration for writing a response (default: 5m)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"5m"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout bounds graceful shutdown, including in-flight commits (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 5m)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"5m"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	MaxConns        int           `env:"DB_MAX_CONNS" default:"20"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// ImportConfig holds pipeline settings.
type ImportConfig struct {
	// MaxFileSize is the largest accepted upload in bytes (default: 50MB)
	MaxFileSize int64 `env:"IMPORT_MAX_FILE_SIZE" default:"52428800"`

	// MaxConcurrent is the number of commits allowed in flight (default: 5)
	MaxConcurrent int `env:"IMPORT_MAX_CONCURRENT" default:"5"`

	// MaxWaitTime is how long a commit waits for a slot (default: 30s)
	MaxWaitTime time.Duration `env:"IMPORT_MAX_WAIT_TIME" default:"30s"`

	// CommitTimeout bounds a single commit transaction (default: 2m)
	CommitTimeout time.Duration `env:"IMPORT_COMMIT_TIMEOUT" default:"2m"`

	// Workers is the validation pool size; 0 means one per CPU (default: 0)
	Workers int `env:"IMPORT_WORKERS" default:"0"`

	// MaxRows is the largest accepted data row count; 0 means unlimited (default: 100000)
	MaxRows int `env:"IMPORT_MAX_ROWS" default:"100000"`
}

// SessionConfig holds import session storage settings.
type SessionConfig struct {
	// RedisURL locates the session store. Empty keeps sessions in memory.
	RedisURL string `env:"REDIS_URL" default:"redis://localhost:6379/0"`

	// TTL is how long an idle session is kept (default: 1h)
	TTL time.Duration `env:"SESSION_TTL" default:"1h"`
}

// RateLimitConfig holds per-client request limits.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the limit per client IP (default: 120)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"120"`
}

// SecurityConfig holds request trust settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of proxy CIDRs whose
	// X-Real-IP and X-Forwarded-For headers are believed
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
