// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the relay.
package server

import (
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// DefaultPalette is the color cycle assigned to participants in join order.
var DefaultPalette = []string{
	"#3B82F6", // blue
	"#10B981", // emerald
	"#F59E0B", // amber
	"#EF4444", // red
	"#8B5CF6", // violet
	"#06B6D4", // cyan
	"#84CC16", // lime
	"#F97316", // orange
	"#EC4899", // pink
	"#6366F1", // indigo
}

const (
	defaultPort             = ":8080"
	defaultMaxMessageSize   = 1 << 20
	defaultRateLimitBurst   = 30
	defaultRateLimitRefill  = time.Second
	defaultSendBuffer       = 256
	defaultPingInterval     = 54 * time.Second
	defaultPongWait         = 60 * time.Second
	defaultWriteWait        = 10 * time.Second
	defaultIdleTimeout      = 30 * time.Minute
	defaultSweepInterval    = 5 * time.Minute
	defaultSessionGrace     = time.Hour
	defaultShutdownTimeout  = 10 * time.Second
	defaultLogLevel         = "INFO"
	allowAllOriginsWildcard = "*"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the relay configuration.
type Config struct {
	Port           string
	AllowedOrigins string
	MaxMessageSize int64
	RateLimit      RateLimitConfig
	SendBuffer     int

	// WebSocket keepalive
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration

	// Reaper
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	SessionGrace  time.Duration

	ShutdownTimeout time.Duration
	Palette         string
	LogLevel        string

	origins  originPolicy
	palette  []string
	prepared bool
}

// DefaultConfig returns a Config populated with default values for all settings.
func DefaultConfig() Config {
	cfg := Config{
		Port:           defaultPort,
		AllowedOrigins: allowAllOriginsWildcard,
		MaxMessageSize: defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultRateLimitBurst,
			RefillInterval: defaultRateLimitRefill,
		},
		SendBuffer:      defaultSendBuffer,
		PingInterval:    defaultPingInterval,
		PongWait:        defaultPongWait,
		WriteWait:       defaultWriteWait,
		IdleTimeout:     defaultIdleTimeout,
		SweepInterval:   defaultSweepInterval,
		SessionGrace:    defaultSessionGrace,
		ShutdownTimeout: defaultShutdownTimeout,
		Palette:         strings.Join(DefaultPalette, ","),
		LogLevel:        defaultLogLevel,
	}
	return cfg.Sanitize()
}

// envConfig mirrors Config with the environment variable bindings. Zero
// values are filled in by Sanitize.
type envConfig struct {
	Port                    string        `env:"RELAY_PORT"`
	AllowedOrigins          string        `env:"RELAY_ALLOWED_ORIGINS"`
	MaxMessageSize          int64         `env:"RELAY_MAX_MESSAGE_SIZE"`
	RateLimitBurst          int           `env:"RELAY_RATE_LIMIT_BURST"`
	RateLimitRefillInterval time.Duration `env:"RELAY_RATE_LIMIT_REFILL_INTERVAL"`
	SendBuffer              int           `env:"RELAY_SEND_BUFFER"`
	PingInterval            time.Duration `env:"RELAY_PING_INTERVAL"`
	PongWait                time.Duration `env:"RELAY_PONG_WAIT"`
	WriteWait               time.Duration `env:"RELAY_WRITE_WAIT"`
	IdleTimeout             time.Duration `env:"RELAY_IDLE_TIMEOUT"`
	SweepInterval           time.Duration `env:"RELAY_SWEEP_INTERVAL"`
	SessionGrace            time.Duration `env:"RELAY_SESSION_GRACE"`
	ShutdownTimeout         time.Duration `env:"RELAY_SHUTDOWN_TIMEOUT"`
	Palette                 string        `env:"RELAY_PALETTE"`
	LogLevel                string        `env:"LOG_LEVEL"`
}

// LoadConfig reads an optional .env file and then the process environment.
// Unset variables fall back to defaults.
func LoadConfig(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && len(envFiles) > 0 {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}

	var raw envConfig
	if _, err := env.UnmarshalFromEnviron(&raw); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg := Config{
		Port:           raw.Port,
		AllowedOrigins: raw.AllowedOrigins,
		MaxMessageSize: raw.MaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          raw.RateLimitBurst,
			RefillInterval: raw.RateLimitRefillInterval,
		},
		SendBuffer:      raw.SendBuffer,
		PingInterval:    raw.PingInterval,
		PongWait:        raw.PongWait,
		WriteWait:       raw.WriteWait,
		IdleTimeout:     raw.IdleTimeout,
		SweepInterval:   raw.SweepInterval,
		SessionGrace:    raw.SessionGrace,
		ShutdownTimeout: raw.ShutdownTimeout,
		Palette:         raw.Palette,
		LogLevel:        raw.LogLevel,
	}
	return cfg.Sanitize(), nil
}

// Sanitize replaces unset or invalid values with defaults and precomputes the
// origin policy and palette.
func (c Config) Sanitize() Config {
	if strings.TrimSpace(c.Port) == "" {
		c.Port = defaultPort
	}
	if strings.TrimSpace(c.AllowedOrigins) == "" {
		c.AllowedOrigins = allowAllOriginsWildcard
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = defaultRateLimitBurst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = defaultRateLimitRefill
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.SessionGrace <= 0 {
		c.SessionGrace = defaultSessionGrace
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = defaultLogLevel
	}

	c.palette = parseList(c.Palette)
	if len(c.palette) == 0 {
		c.palette = append([]string(nil), DefaultPalette...)
	}
	c.Palette = strings.Join(c.palette, ",")

	c.origins = newOriginPolicy(parseList(c.AllowedOrigins))
	c.prepared = true
	return c
}

// PaletteColors returns the configured color cycle.
func (c Config) PaletteColors() []string {
	if !c.prepared {
		c = c.Sanitize()
	}
	return append([]string(nil), c.palette...)
}

func parseList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
