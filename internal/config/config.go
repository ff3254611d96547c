package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Remote  RemoteConfig
	Sync    SyncConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

// RemoteConfig points at the hosted data API. An empty BaseURL runs cadence
// in local-only mode.
type RemoteConfig struct {
	BaseURL string
	Token   string
	Timeout string
}

type SyncConfig struct {
	ProbeInterval string
	StartOnline   bool
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Remote: RemoteConfig{
			Timeout: "15s",
		},
		Sync: SyncConfig{
			ProbeInterval: "30s",
			StartOnline:   true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// RemoteEnabled reports whether a remote store is configured.
func (c Config) RemoteEnabled() bool {
	return strings.TrimSpace(c.Remote.BaseURL) != ""
}

// RemoteTimeout parses Remote.Timeout, falling back to 15s.
func (c Config) RemoteTimeout() time.Duration {
	return parseDurationOr(c.Remote.Timeout, 15*time.Second)
}

// ProbeInterval parses Sync.ProbeInterval, falling back to 30s.
func (c Config) ProbeInterval() time.Duration {
	return parseDurationOr(c.Sync.ProbeInterval, 30*time.Second)
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Load reads configuration from the JSON file backend, the secrets file and
// environment variables.
//
// The backend is a JSON file at $XDG_CONFIG_HOME/cadence/config.json.
// Environment variables (CADENCE_*) override backend values. The remote token
// is a secret: it is read from CADENCE_REMOTE_TOKEN or the secrets file and
// never from the config file.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain(), os.Environ())
}

// keychain abstracts secret access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain, environ []string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	if err := applyEnvOverrides(&cfg, environ); err != nil {
		return Config{}, err
	}

	if cfg.Remote.Token == "" {
		if tok, err := kc.Get(secretService, remoteTokenAccount); err == nil && tok != "" {
			cfg.Remote.Token = tok
		}
	}

	if cfg.RemoteEnabled() && cfg.Remote.Token == "" {
		return Config{}, fmt.Errorf("missing required config: remote token for %s. "+
			"Set it via environment variable CADENCE_REMOTE_TOKEN or `cadence config set-token`", cfg.Remote.BaseURL)
	}

	return cfg, nil
}
