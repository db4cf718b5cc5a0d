package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "SESSIONBUS_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "SESSIONBUS_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SESSIONBUS_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "SESSIONBUS_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "sessions.offline_after", typ: kDuration, env: "SESSIONBUS_SESSIONS_OFFLINE_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Sessions.OfflineAfter = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sessions.OfflineAfter },
	},
	{
		key: "inbox.poll_interval", typ: kDuration, env: "SESSIONBUS_INBOX_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Inbox.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Inbox.PollInterval },
	},
	{
		key: "events.buffer_size", typ: kInt, env: "SESSIONBUS_EVENTS_BUFFER_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Events.BufferSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Events.BufferSize },
	},
	{
		key: "notifications.enabled", typ: kBool, env: "SESSIONBUS_NOTIFICATIONS_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Notifications.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Notifications.Enabled },
	},
	{
		key: "retention.purge_after", typ: kDuration, env: "SESSIONBUS_RETENTION_PURGE_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Retention.PurgeAfter = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retention.PurgeAfter },
	},
	{
		key: "retention.sweep_interval", typ: kDuration, env: "SESSIONBUS_RETENTION_SWEEP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Retention.SweepInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retention.SweepInterval },
	},
}

// parseValue converts a raw string to the Go type of typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool, kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if pv, err := parseValue(s.typ, v); err == nil {
					s.apply(cfg, pv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
