package config

import "time"

// Config is the top-level service configuration, corresponding to
// .contentintel.yml.
type Config struct {
	Server        ServerConfig        `yaml:"server" koanf:"server"`
	Database      DatabaseConfig      `yaml:"database" koanf:"database"`
	Auth          AuthConfig          `yaml:"auth" koanf:"auth"`
	Log           LogConfig           `yaml:"log" koanf:"log"`
	Notifications NotificationsConfig `yaml:"notifications" koanf:"notifications"`
	Roles         map[string][]string `yaml:"roles" koanf:"roles"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port            int           `yaml:"port" koanf:"port"`
	AllowAllOrigins bool          `yaml:"allow_all_origins" koanf:"allow_all_origins"`
	RequestTimeout  time.Duration `yaml:"request_timeout" koanf:"request_timeout"`
}

// DatabaseConfig points at the SQLite file.
type DatabaseConfig struct {
	Path string `yaml:"path" koanf:"path"`
}

// AuthConfig holds bearer token settings.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" koanf:"jwt_secret"`
	Issuer    string        `yaml:"issuer" koanf:"issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl" koanf:"token_ttl"`
}

// LogConfig selects level and output format.
type LogConfig struct {
	Level  string `yaml:"level" koanf:"level"`
	Format string `yaml:"format" koanf:"format"`
}

// NotificationsConfig controls webhook delivery of workflow notifications.
type NotificationsConfig struct {
	Enabled        bool          `yaml:"enabled" koanf:"enabled"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout" koanf:"webhook_timeout"`
}
