// Package config loads advisorhub settings from defaults, an optional config
// file, a .env file and ADVISORHUB_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. ADVISORHUB_HTTP_PORT.
const EnvPrefix = "ADVISORHUB"

type Config struct {
	Database  *DatabaseConfig  `mapstructure:"database"`
	HTTP      *HTTPConfig      `mapstructure:"http"`
	WebSocket *WebSocketConfig `mapstructure:"websocket"`
	Realtime  *RealtimeConfig  `mapstructure:"realtime"`
	Log       *LogConfig       `mapstructure:"log"`
}

type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxConnections  int           `mapstructure:"max_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	WriteRetryDelay time.Duration `mapstructure:"write_retry_delay"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

type HTTPConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// WebSocketConfig tunes each client connection. An empty AllowedOrigins
// accepts any origin.
type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// RealtimeConfig bounds the in-memory messaging and session machinery.
type RealtimeConfig struct {
	MaxQueueSize     int           `mapstructure:"max_queue_size"`
	TypingTimeout    time.Duration `mapstructure:"typing_timeout"`
	MaxParticipants  int           `mapstructure:"max_participants"`
	RateLimit        int           `mapstructure:"rate_limit"`
	RateWindow       time.Duration `mapstructure:"rate_window"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	ReapInterval     time.Duration `mapstructure:"reap_interval"`
	TrackingMaxAge   time.Duration `mapstructure:"tracking_max_age"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:            "./data/advisorhub.db",
			MaxConnections:  10,
			ConnMaxLifetime: time.Hour,
			ConnMaxIdleTime: 10 * time.Minute,
			WriteRetryDelay: 5 * time.Second,
			WriteTimeout:    30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:   30 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
			BufferSize:     100,
			MaxMessageSize: 64 * 1024,
		},
		Realtime: &RealtimeConfig{
			MaxQueueSize:     100,
			TypingTimeout:    5 * time.Second,
			MaxParticipants:  10,
			RateLimit:        100,
			RateWindow:       time.Minute,
			HeartbeatTimeout: 90 * time.Second,
			ReapInterval:     30 * time.Second,
			TrackingMaxAge:   24 * time.Hour,
		},
		Log: &LogConfig{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database max connections must be positive")
	}
	if c.Database.WriteTimeout <= 0 {
		return fmt.Errorf("database write timeout must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	// Port 0 binds an ephemeral port.
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	if c.Realtime == nil {
		return fmt.Errorf("realtime configuration is required")
	}
	if c.Realtime.MaxQueueSize <= 0 {
		return fmt.Errorf("max queue size must be positive")
	}
	if c.Realtime.TypingTimeout <= 0 {
		return fmt.Errorf("typing timeout must be positive")
	}
	if c.Realtime.MaxParticipants < 2 {
		return fmt.Errorf("max participants must be at least 2")
	}
	if c.Realtime.RateLimit <= 0 || c.Realtime.RateWindow <= 0 {
		return fmt.Errorf("rate limit and window must be positive")
	}
	if c.Realtime.HeartbeatTimeout <= 0 || c.Realtime.ReapInterval <= 0 {
		return fmt.Errorf("heartbeat timeout and reap interval must be positive")
	}

	if c.Log == nil {
		return fmt.Errorf("log configuration is required")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}

// Load builds a Config. Precedence, lowest first: defaults, configFile (if
// non-empty), .env, process environment.
func Load(configFile string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.max_connections", d.Database.MaxConnections)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)
	v.SetDefault("database.conn_max_idle_time", d.Database.ConnMaxIdleTime)
	v.SetDefault("database.write_retry_delay", d.Database.WriteRetryDelay)
	v.SetDefault("database.write_timeout", d.Database.WriteTimeout)

	v.SetDefault("http.host", d.HTTP.Host)
	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)

	v.SetDefault("websocket.ping_interval", d.WebSocket.PingInterval)
	v.SetDefault("websocket.read_timeout", d.WebSocket.ReadTimeout)
	v.SetDefault("websocket.write_timeout", d.WebSocket.WriteTimeout)
	v.SetDefault("websocket.buffer_size", d.WebSocket.BufferSize)
	v.SetDefault("websocket.max_message_size", d.WebSocket.MaxMessageSize)
	v.SetDefault("websocket.allowed_origins", append([]string{}, d.WebSocket.AllowedOrigins...))

	v.SetDefault("realtime.max_queue_size", d.Realtime.MaxQueueSize)
	v.SetDefault("realtime.typing_timeout", d.Realtime.TypingTimeout)
	v.SetDefault("realtime.max_participants", d.Realtime.MaxParticipants)
	v.SetDefault("realtime.rate_limit", d.Realtime.RateLimit)
	v.SetDefault("realtime.rate_window", d.Realtime.RateWindow)
	v.SetDefault("realtime.heartbeat_timeout", d.Realtime.HeartbeatTimeout)
	v.SetDefault("realtime.reap_interval", d.Realtime.ReapInterval)
	v.SetDefault("realtime.tracking_max_age", d.Realtime.TrackingMaxAge)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)
}

// Address is the HTTP listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}
