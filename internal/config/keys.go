package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/caarlos0/env/v11"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "CADENCE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CADENCE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "remote.base_url", typ: kString, env: "CADENCE_REMOTE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Remote.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.BaseURL },
	},
	{
		key: "remote.token", typ: kString, env: "CADENCE_REMOTE_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Remote.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.Token },
	},
	{
		key: "remote.timeout", typ: kString, env: "CADENCE_REMOTE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Remote.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.Timeout },
	},
	{
		key: "sync.probe_interval", typ: kString, env: "CADENCE_SYNC_PROBE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.ProbeInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.ProbeInterval },
	},
	{
		key: "sync.start_online", typ: kBool, env: "CADENCE_SYNC_START_ONLINE",
		apply:   func(cfg *Config, v any) { cfg.Sync.StartOnline = v.(bool) },
		extract: func(cfg Config) any { return cfg.Sync.StartOnline },
	},
	{
		key: "log.level", typ: kString, env: "CADENCE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// envOverrides mirrors specs for environment parsing. Pointer fields stay nil
// when the variable is unset, so only explicit overrides are applied.
type envOverrides struct {
	ServerPort    *int    `env:"CADENCE_SERVER_PORT"`
	DataDir       *string `env:"CADENCE_STORAGE_DATA_DIR"`
	RemoteBaseURL *string `env:"CADENCE_REMOTE_BASE_URL"`
	RemoteToken   *string `env:"CADENCE_REMOTE_TOKEN"`
	RemoteTimeout *string `env:"CADENCE_REMOTE_TIMEOUT"`
	ProbeInterval *string `env:"CADENCE_SYNC_PROBE_INTERVAL"`
	StartOnline   *bool   `env:"CADENCE_SYNC_START_ONLINE"`
	LogLevel      *string `env:"CADENCE_LOG_LEVEL"`
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
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
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config, environ []string) error {
	var raw envOverrides
	if err := env.ParseWithOptions(&raw, env.Options{Environment: env.ToMap(environ)}); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}

	if raw.ServerPort != nil {
		cfg.Server.Port = *raw.ServerPort
	}
	setString(&cfg.Storage.DataDir, raw.DataDir)
	setString(&cfg.Remote.BaseURL, raw.RemoteBaseURL)
	setString(&cfg.Remote.Token, raw.RemoteToken)
	setString(&cfg.Remote.Timeout, raw.RemoteTimeout)
	setString(&cfg.Sync.ProbeInterval, raw.ProbeInterval)
	if raw.StartOnline != nil {
		cfg.Sync.StartOnline = *raw.StartOnline
	}
	setString(&cfg.Log.Level, raw.LogLevel)
	return nil
}

// setString applies a non-empty override. An empty variable is treated as unset.
func setString(dst *string, v *string) {
	if v != nil && *v != "" {
		*dst = *v
	}
}
