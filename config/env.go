package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// envOverrides lists the settings that may be supplied through the
// environment instead of the config file, mostly secrets.
type envOverrides struct {
	DatabaseHost     string `env:"ROSTER_DATABASE_HOST"`
	DatabasePassword string `env:"ROSTER_DATABASE_PASSWORD"`
	APIKey           string `env:"ROSTER_HTTP_API_KEY"`
	RelayPassword    string `env:"ROSTER_RELAY_PASSWORD"`
	LogLevel         string `env:"ROSTER_LOG_LEVEL"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ApplyEnvOverrides overlays non-empty ROSTER_* environment variables on cfg.
func ApplyEnvOverrides(cfg *Config) error {
	var o envOverrides
	if err := ParseEnv(&o); err != nil {
		return err
	}

	if cfg.Database.Write == nil && (o.DatabaseHost != "" || o.DatabasePassword != "") {
		cfg.Database.Write = &DatabaseEndpointConfig{}
	}
	if o.DatabaseHost != "" {
		cfg.Database.Write.Hosts = []string{o.DatabaseHost}
	}
	if o.DatabasePassword != "" {
		cfg.Database.Write.Password = o.DatabasePassword
		if cfg.Database.Read != nil {
			cfg.Database.Read.Password = o.DatabasePassword
		}
	}
	if o.APIKey != "" {
		cfg.HTTPAPI.APIKey = o.APIKey
	}
	if o.RelayPassword != "" {
		cfg.Notify.RelayPassword = o.RelayPassword
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	return nil
}
