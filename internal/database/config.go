package database

import (
	"errors"
	"time"
)

// Config holds SQLite connection settings.
type Config struct {
	Path            string        `mapstructure:"path"`
	MaxConnections  int           `mapstructure:"max_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	// WriteRetryDelay is how long a failed write waits before its single
	// retry. Zero disables the retry.
	WriteRetryDelay time.Duration `mapstructure:"write_retry_delay"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// DefaultConfig returns settings suitable for a single-node deployment.
func DefaultConfig() *Config {
	return &Config{
		Path:            "./data/advisorhub.db",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		WriteRetryDelay: 5 * time.Second,
		WriteTimeout:    30 * time.Second,
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.New("database path cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("connection max idle time must be greater than 0")
	}
	if c.WriteRetryDelay < 0 {
		return errors.New("write retry delay cannot be negative")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("write timeout must be greater than 0")
	}
	return nil
}
