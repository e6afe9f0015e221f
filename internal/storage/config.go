package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/statline-io/statline/internal/config"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
)

// ErrDatabaseURLEmpty is returned when the database url is an empty string.
var ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

// Config holds PostgreSQL connection settings for the sync database.
type Config struct {
	// databaseURL stays private; it carries credentials and must only leave
	// this package masked.
	databaseURL string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadConfig reads connection settings from the environment with fallback to
// defaults.
func LoadConfig() *Config {
	return &Config{
		databaseURL:     config.GetEnvStr("DATABASE_URL", ""),
		MaxOpenConns:    config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	return nil
}

// MaskDatabaseURL returns the connection string with the password replaced,
// safe for logging. Parsed by hand rather than net/url: real-world passwords
// contain characters url.Parse rejects.
func (c *Config) MaskDatabaseURL() string {
	url := c.databaseURL

	scheme, rest, found := strings.Cut(url, "://")
	if !found {
		return url
	}

	// Userinfo ends at the last @; passwords may contain @ themselves.
	at := strings.LastIndex(rest, "@")
	if at == -1 {
		return url
	}

	user, password, hasPassword := strings.Cut(rest[:at], ":")
	if !hasPassword || password == "" {
		return url
	}

	return scheme + "://" + user + ":***" + rest[at:]
}
