package config

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server        ServerConfig
	Storage       StorageConfig
	Log           LogConfig
	Sessions      SessionsConfig
	Inbox         InboxConfig
	Events        EventsConfig
	Notifications NotificationsConfig
	Retention     RetentionConfig
}

type ServerConfig struct {
	Host string
	Port int
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// BaseURL returns the URL clients use to reach the server.
func (s ServerConfig) BaseURL() string {
	host := s.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(s.Port))
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// SlogLevel maps Level to a slog.Level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type SessionsConfig struct {
	// OfflineAfter is the silence after which a session reads as OFFLINE.
	OfflineAfter time.Duration
}

type InboxConfig struct {
	PollInterval time.Duration
}

type EventsConfig struct {
	BufferSize int
}

type NotificationsConfig struct {
	Enabled bool
}

type RetentionConfig struct {
	// PurgeAfter of zero disables purging.
	PurgeAfter    time.Duration
	SweepInterval time.Duration
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8765,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Sessions: SessionsConfig{
			OfflineAfter: 120 * time.Second,
		},
		Inbox: InboxConfig{
			PollInterval: time.Second,
		},
		Events: EventsConfig{
			BufferSize: 100,
		},
		Notifications: NotificationsConfig{
			Enabled: true,
		},
		Retention: RetentionConfig{
			SweepInterval: time.Minute,
		},
	}
}

// Load reads configuration from the platform-native backend and
// environment variables.
//
// On macOS the backend is UserDefaults (domain: com.kalambet.sessionbus).
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/sessionbus/config.json.
//
// Environment variables (SESSIONBUS_*) override backend values on all platforms.
// A .env file in the working directory, if present, is loaded into the
// environment first; variables already set win over it.
func Load() (Config, error) {
	_ = godotenv.Load()
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", c.Server.Port)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("invalid config: storage.data_dir is empty")
	}
	if c.Sessions.OfflineAfter <= 0 {
		return fmt.Errorf("invalid config: sessions.offline_after must be positive")
	}
	if c.Inbox.PollInterval <= 0 {
		return fmt.Errorf("invalid config: inbox.poll_interval must be positive")
	}
	if c.Events.BufferSize <= 0 {
		return fmt.Errorf("invalid config: events.buffer_size must be positive")
	}
	if c.Retention.PurgeAfter < 0 {
		return fmt.Errorf("invalid config: retention.purge_after must not be negative")
	}
	return nil
}
