// Package config loads server settings from the environment. A .env file in
// the working directory, when present, fills variables that are not already
// set.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/samber/lo"

	"github.com/whisper/convo/internal/messaging"
	"github.com/whisper/convo/internal/ws"
)

// Config holds every setting of the chat server.
type Config struct {
	ListenAddr      string        `env:"LISTEN_ADDR,default=:8080"`
	WorkerPoolSize  int           `env:"WORKER_POOL_SIZE,default=256"`
	MaxConnections  int           `env:"MAX_CONNECTIONS,default=100000"`
	MaxFrameSize    int           `env:"MAX_FRAME_SIZE,default=65536"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT,default=10s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT,default=10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=5s"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL,default=30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT,default=10s"`

	ServerName string `env:"SERVER_NAME"`
	NATSURL    string `env:"NATS_URL"`
	RedisAddr  string `env:"REDIS_ADDR"`
	DBPath     string `env:"DB_PATH,default=convo.db"`
	JWTSecret  string `env:"JWT_SECRET,required=true"`

	QueueSize       int           `env:"CONNECTION_QUEUE_SIZE,default=256"`
	TypingWindow    time.Duration `env:"TYPING_WINDOW,default=3s"`
	TypingSweep     time.Duration `env:"TYPING_SWEEP_INTERVAL,default=500ms"`
	ReplayLimit     int           `env:"REPLAY_LIMIT,default=20"`
	BlockLinks      bool          `env:"MODERATION_BLOCK_LINKS,default=false"`
	ModerationTerms string        `env:"MODERATION_TERMS"`

	LogLevel  string `env:"LOG_LEVEL,default=INFO"`
	LogFormat string `env:"LOG_FORMAT,default=text"`
}

// Load reads .env, if any, then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	return FromEnviron()
}

// FromEnviron reads the process environment only.
func FromEnviron() (*Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.ServerName == "" {
		cfg.ServerName = defaultServerName()
	}
	return &cfg, nil
}

// defaultServerName derives a per-process name. Instances sharing a host
// must not share an origin on the bus, so a random suffix is appended.
func defaultServerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "ws"
	}
	return host + "-" + uuid.NewString()[:8]
}

func (c *Config) validate() error {
	switch {
	case c.JWTSecret == "":
		return errors.New("config: JWT_SECRET must not be empty")
	case c.WorkerPoolSize <= 0:
		return fmt.Errorf("config: WORKER_POOL_SIZE must be positive, got %d", c.WorkerPoolSize)
	case c.MaxConnections <= 0:
		return fmt.Errorf("config: MAX_CONNECTIONS must be positive, got %d", c.MaxConnections)
	case c.MaxFrameSize <= 0:
		return fmt.Errorf("config: MAX_FRAME_SIZE must be positive, got %d", c.MaxFrameSize)
	case c.QueueSize <= 0:
		return fmt.Errorf("config: CONNECTION_QUEUE_SIZE must be positive, got %d", c.QueueSize)
	case c.ReplayLimit < 0:
		return fmt.Errorf("config: REPLAY_LIMIT must not be negative, got %d", c.ReplayLimit)
	case c.TypingWindow <= 0:
		return fmt.Errorf("config: TYPING_WINDOW must be positive, got %s", c.TypingWindow)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Server returns the transport settings.
func (c *Config) Server() ws.ServerConfig {
	return ws.ServerConfig{
		ListenAddr:      c.ListenAddr,
		WorkerPoolSize:  c.WorkerPoolSize,
		MaxConnections:  c.MaxConnections,
		MaxFrameSize:    int64(c.MaxFrameSize),
		ReadTimeout:     c.ReadTimeout,
		WriteTimeout:    c.WriteTimeout,
		ShutdownTimeout: c.ShutdownTimeout,
	}
}

// Heartbeat returns the ping schedule.
func (c *Config) Heartbeat() ws.HeartbeatConfig {
	return ws.HeartbeatConfig{Interval: c.HeartbeatInterval, Timeout: c.HeartbeatTimeout}
}

// NATS returns the bus settings. The server name doubles as the event
// origin, so an explicit SERVER_NAME must be unique per instance.
func (c *Config) NATS() messaging.NATSConfig {
	cfg := messaging.DefaultNATSConfig()
	if c.NATSURL != "" {
		cfg.URL = c.NATSURL
	}
	cfg.Name = c.ServerName
	return cfg
}

// Terms splits MODERATION_TERMS on commas.
func (c *Config) Terms() []string {
	terms := lo.Map(strings.Split(c.ModerationTerms, ","), func(s string, _ int) string {
		return strings.ToLower(strings.TrimSpace(s))
	})
	return lo.Compact(terms)
}

// Logger builds the process logger.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	return level, nil
}
