package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/roster/consts"
	"github.com/migadu/roster/helpers"
)

// DatabaseEndpointConfig holds configuration for a single database endpoint
type DatabaseEndpointConfig struct {
	// List of database hosts. A host may carry its own port ("db1:5433").
	// Read endpoints commonly list several replicas.
	Hosts           []string    `toml:"hosts"`
	Port            interface{} `toml:"port"` // Database port (default: "5432"), can be string or integer
	User            string      `toml:"user"`
	Password        string      `toml:"password"`
	Name            string      `toml:"name"`
	TLSMode         bool        `toml:"tls"`
	MaxConns        int         `toml:"max_conns"`          // Maximum number of connections in the pool
	MinConns        int         `toml:"min_conns"`          // Minimum number of connections in the pool
	MaxConnLifetime string      `toml:"max_conn_lifetime"`  // Maximum lifetime of a connection
	MaxConnIdleTime string      `toml:"max_conn_idle_time"` // Maximum idle time before a connection is closed
}

// DatabaseConfig holds database configuration with separate read/write endpoints
type DatabaseConfig struct {
	Debug            bool                    `toml:"debug"`             // Enable SQL query logging
	QueryTimeout     string                  `toml:"query_timeout"`     // Default timeout for read queries (default: "30s")
	WriteTimeout     string                  `toml:"write_timeout"`     // Timeout for write operations (default: "10s")
	MigrationTimeout string                  `toml:"migration_timeout"` // Timeout for migrations at startup (default: "2m")
	AutoMigrate      bool                    `toml:"auto_migrate"`      // Apply pending migrations when the daemon starts
	Write            *DatabaseEndpointConfig `toml:"write"`             // Write database configuration
	Read             *DatabaseEndpointConfig `toml:"read"`              // Read database configuration
}

// GetPort returns the endpoint port as a string, defaulting to 5432.
func (e *DatabaseEndpointConfig) GetPort() (string, error) {
	if e.Port == nil {
		return "5432", nil
	}
	var portStr string
	switch v := e.Port.(type) {
	case string:
		portStr = v
	case int:
		portStr = strconv.Itoa(v)
	case int64: // TOML parsers often use int64 for numbers
		portStr = strconv.FormatInt(v, 10)
	default:
		return "", fmt.Errorf("invalid type for port: %T", v)
	}
	if portStr == "" {
		return "5432", nil
	}
	if _, err := strconv.Atoi(portStr); err != nil {
		return "", fmt.Errorf("invalid port value '%s': %v", portStr, err)
	}
	return portStr, nil
}

// GetMaxConnLifetime parses the max connection lifetime duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(e.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(e.MaxConnIdleTime)
}

// GetQueryTimeout parses the general query timeout duration.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// GetWriteTimeout parses the write timeout duration
func (d *DatabaseConfig) GetWriteTimeout() (time.Duration, error) {
	if d.WriteTimeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(d.WriteTimeout)
}

// GetMigrationTimeout parses the migration timeout duration
func (d *DatabaseConfig) GetMigrationTimeout() (time.Duration, error) {
	if d.MigrationTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MigrationTimeout)
}

// SubscriptionConfig holds the workflow engine settings.
type SubscriptionConfig struct {
	PendingRequestLifetime string `toml:"pending_request_lifetime"` // How long a pending request stays redeemable (default: "3d")
	DefaultRole            string `toml:"default_role"`             // Role used when a request names none (default: "member")
	DefaultDeliveryMode    string `toml:"default_delivery_mode"`    // Delivery mode for new members (default: "regular")
}

// GetPendingRequestLifetime parses the pending request lifetime
func (s *SubscriptionConfig) GetPendingRequestLifetime() (time.Duration, error) {
	if s.PendingRequestLifetime == "" {
		return consts.DefaultPendingRequestLifetime, nil
	}
	d, err := helpers.ParseDuration(s.PendingRequestLifetime)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("pending_request_lifetime must be positive")
	}
	return d, nil
}

// GetDefaultRole returns the configured default role
func (s *SubscriptionConfig) GetDefaultRole() (consts.Role, error) {
	if s.DefaultRole == "" {
		return consts.DefaultRole, nil
	}
	return consts.ParseRole(s.DefaultRole)
}

// GetDefaultDeliveryMode returns the configured default delivery mode
func (s *SubscriptionConfig) GetDefaultDeliveryMode() (consts.DeliveryMode, error) {
	if s.DefaultDeliveryMode == "" {
		return consts.DefaultDeliveryMode, nil
	}
	return consts.ParseDeliveryMode(s.DefaultDeliveryMode)
}

// CleanupConfig holds cleaner worker configuration.
type CleanupConfig struct {
	WakeInterval       string `toml:"wake_interval"`
	TombstoneRetention string `toml:"tombstone_retention"` // How long expired tokens are remembered (default: "30d")
}

// GetWakeInterval parses the wake interval duration
func (c *CleanupConfig) GetWakeInterval() (time.Duration, error) {
	if c.WakeInterval == "" {
		c.WakeInterval = "1h"
	}
	return helpers.ParseDuration(c.WakeInterval)
}

// GetTombstoneRetention parses the tombstone retention duration
func (c *CleanupConfig) GetTombstoneRetention() (time.Duration, error) {
	if c.TombstoneRetention == "" {
		return 30 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(c.TombstoneRetention)
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// HTTPAPIConfig holds HTTP API server configuration
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"` // If empty, all hosts are allowed
	PublicURL    string   `toml:"public_url"`    // Base URL used to build confirmation links
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// Config holds all configuration for the application.
type Config struct {
	Logging      LoggingConfig      `toml:"logging"`
	Database     DatabaseConfig     `toml:"database"`
	Subscription SubscriptionConfig `toml:"subscription"`
	Cleanup      CleanupConfig      `toml:"cleanup"`
	HTTPAPI      HTTPAPIConfig      `toml:"http_api"`
	Notify       NotifyConfig       `toml:"notify"`
	Metrics      MetricsConfig      `toml:"metrics"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			QueryTimeout:     "30s",
			WriteTimeout:     "10s",
			MigrationTimeout: "2m",
			Write: &DatabaseEndpointConfig{
				Hosts:           []string{"localhost"},
				Port:            "5432",
				User:            "postgres",
				Name:            "roster",
				MaxConns:        20,
				MinConns:        2,
				MaxConnLifetime: "1h",
				MaxConnIdleTime: "30m",
			},
		},
		Subscription: SubscriptionConfig{
			PendingRequestLifetime: "3d",
			DefaultRole:            string(consts.DefaultRole),
			DefaultDeliveryMode:    string(consts.DefaultDeliveryMode),
		},
		Cleanup: CleanupConfig{
			WakeInterval:       "1h",
			TombstoneRetention: "30d",
		},
		HTTPAPI: HTTPAPIConfig{
			Start: true,
			Addr:  ":8080",
		},
		Notify: NotifyConfig{
			OutboxPath:     "/var/spool/roster/outbox.db",
			From:           "roster-bounces@localhost",
			RelayPort:      587,
			RelayTLS:       true,
			WorkerInterval: "30s",
			BatchSize:      20,
			MaxAttempts:    8,
			Retention:      "7d",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}

// LoadConfigFromFile loads configuration from a TOML file and trims whitespace from all string fields.
// Unknown keys are logged and ignored; syntax errors fail with a hint.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if len(metadata.Undecoded()) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range metadata.Undecoded() {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// Validate checks settings that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	if c.Database.Write == nil || len(c.Database.Write.Hosts) == 0 {
		return fmt.Errorf("database.write.hosts is required")
	}
	if _, err := c.Subscription.GetPendingRequestLifetime(); err != nil {
		return fmt.Errorf("subscription.pending_request_lifetime: %w", err)
	}
	if _, err := c.Subscription.GetDefaultRole(); err != nil {
		return fmt.Errorf("subscription.default_role: %w", err)
	}
	if _, err := c.Subscription.GetDefaultDeliveryMode(); err != nil {
		return fmt.Errorf("subscription.default_delivery_mode: %w", err)
	}
	if _, err := c.Cleanup.GetWakeInterval(); err != nil {
		return fmt.Errorf("cleanup.wake_interval: %w", err)
	}
	if _, err := c.Cleanup.GetTombstoneRetention(); err != nil {
		return fmt.Errorf("cleanup.tombstone_retention: %w", err)
	}
	if c.HTTPAPI.Start && c.HTTPAPI.APIKey == "" {
		return fmt.Errorf("http_api.api_key is required when the HTTP API is enabled")
	}
	if _, err := c.Notify.GetWorkerInterval(); err != nil {
		return fmt.Errorf("notify.worker_interval: %w", err)
	}
	if _, err := c.Notify.GetRetention(); err != nil {
		return fmt.Errorf("notify.retention: %w", err)
	}
	return nil
}

// enhanceConfigError provides more helpful error messages for common TOML parsing issues
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file.\n"+
			"Please check your configuration file and remove or comment out the duplicate entry.", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: Invalid boolean value in your TOML configuration file.\n"+
			"In TOML, boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	if strings.Contains(errMsg, "expected") || strings.Contains(errMsg, "invalid") {
		return fmt.Errorf("%w\n\nHINT: There is a syntax error in your TOML configuration file.\n"+
			"Please check that strings are quoted and that brackets are balanced.", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))

	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			elem := v.Index(i)
			if elem.Kind() == reflect.String {
				elem.SetString(strings.TrimSpace(elem.String()))
			} else {
				trimStringFields(elem)
			}
		}

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			field := v.Field(i)
			if field.CanSet() {
				trimStringFields(field)
			}
		}

	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}

	case reflect.Interface:
		// Port may be a string or an integer
		if !v.IsNil() {
			elem := v.Elem()
			if elem.Kind() == reflect.String {
				v.Set(reflect.ValueOf(strings.TrimSpace(elem.String())))
			}
		}
	}
}
