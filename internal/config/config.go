package config

import (
	"os"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/ziadkadry99/contentintel/internal/logging"
	"github.com/ziadkadry99/contentintel/internal/permission"
)

const (
	// DefaultPath is the config file looked up in the working directory.
	DefaultPath = ".contentintel.yml"
	// EnvPrefix prefixes environment overrides.
	EnvPrefix = "CONTENTINTEL_"

	minSecretLen = 32
)

// DefaultConfig returns a Config with sensible defaults. The JWT secret is
// left empty; init generates one.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			RequestTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{Path: "contentintel.db"},
		Auth: AuthConfig{
			Issuer:   "contentintel",
			TokenTTL: 12 * time.Hour,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Notifications: NotificationsConfig{
			Enabled:        true,
			WebhookTimeout: 10 * time.Second,
		},
		Roles: permission.DefaultRoles(),
	}
}

// Load reads configuration from the given YAML file, then overlays
// environment variable overrides (CONTENTINTEL_*).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Start from defaults.
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "reading config %s", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "accessing config %s", path)
	}

	// CONTENTINTEL_SERVER_PORT -> server.port, CONTENTINTEL_AUTH_JWT_SECRET -> auth.jwt_secret.
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, errors.Wrap(err, "loading env overrides")
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshalling config")
	}
	return cfg, nil
}

func envKey(s string) string {
	return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".", 1)
}

// Save writes the configuration to the given YAML file path.
func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshalling config")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrapf(err, "writing config to %s", path)
	}
	return nil
}

// Validate checks that the configuration contains valid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.RequestTimeout <= 0 {
		return errors.New("server.request_timeout must be positive")
	}

	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	if len(c.Auth.JWTSecret) < minSecretLen {
		return errors.Errorf("auth.jwt_secret must be at least %d bytes (set %sAUTH_JWT_SECRET or run init)", minSecretLen, EnvPrefix)
	}
	if c.Auth.TokenTTL <= 0 {
		return errors.New("auth.token_ttl must be positive")
	}

	if _, _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return errors.Errorf("invalid log.format %q: must be text or json", c.Log.Format)
	}

	if c.Notifications.WebhookTimeout < 0 {
		return errors.New("notifications.webhook_timeout must be non-negative")
	}

	if _, err := c.RoleTable(); err != nil {
		return errors.Wrap(err, "roles")
	}
	return nil
}

// RoleTable builds the immutable role table from the roles section.
func (c *Config) RoleTable() (*permission.Table, error) {
	return permission.NewTable(c.Roles)
}

// LogOptions converts the log section for logging.New.
func (c *Config) LogOptions() logging.Options {
	return logging.Options{Level: c.Log.Level, Format: c.Log.Format}
}
