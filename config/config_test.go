package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/migadu/roster/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roster.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
[logging]
level = " debug "

[database.write]
hosts = ["db1"]
port = 5433
user = "roster"
name = "roster"

[subscription]
pending_request_lifetime = "2d"
default_role = "member"

[cleanup]
wake_interval = "10m"

[http_api]
start = true
addr = ":8081"
api_key = "secret"

[notify]
relay_host = "smtp.example.com"
retry_backoff = ["30s", "2m"]

# Unknown keys only warn
typo_setting = 123
`)

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))

	assert.Equal(t, "debug", cfg.Logging.Level, "string fields are trimmed")
	port, err := cfg.Database.Write.GetPort()
	require.NoError(t, err)
	assert.Equal(t, "5433", port)

	lifetime, err := cfg.Subscription.GetPendingRequestLifetime()
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, lifetime)

	wake, err := cfg.Cleanup.GetWakeInterval()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, wake)

	assert.True(t, cfg.Notify.IsRelayConfigured())
	backoff, err := cfg.Notify.GetRetryBackoff()
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{30 * time.Second, 2 * time.Minute}, backoff)

	require.NoError(t, cfg.Validate())
}

func TestLoadConfigFromFile_SyntaxError(t *testing.T) {
	path := writeConfig(t, `
[database]
debug = f
`)
	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(path, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HINT")
}

func TestDefaults(t *testing.T) {
	cfg := NewDefaultConfig()

	lifetime, err := cfg.Subscription.GetPendingRequestLifetime()
	require.NoError(t, err)
	assert.Equal(t, consts.DefaultPendingRequestLifetime, lifetime)

	role, err := cfg.Subscription.GetDefaultRole()
	require.NoError(t, err)
	assert.Equal(t, consts.RoleMember, role)

	mode, err := cfg.Subscription.GetDefaultDeliveryMode()
	require.NoError(t, err)
	assert.Equal(t, consts.DeliveryRegular, mode)

	retention, err := cfg.Cleanup.GetTombstoneRetention()
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, retention)

	assert.True(t, cfg.Notify.GetRelayTLSVerify())
	assert.Equal(t, 8, cfg.Notify.GetMaxAttempts())
	assert.False(t, cfg.Notify.IsRelayConfigured())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "api key required when api starts",
			mutate:  func(c *Config) { c.HTTPAPI.APIKey = "" },
			wantErr: "api_key",
		},
		{
			name:    "bad lifetime",
			mutate:  func(c *Config) { c.Subscription.PendingRequestLifetime = "soon" },
			wantErr: "pending_request_lifetime",
		},
		{
			name:    "non-positive lifetime",
			mutate:  func(c *Config) { c.Subscription.PendingRequestLifetime = "0s" },
			wantErr: "pending_request_lifetime",
		},
		{
			name:    "unknown role",
			mutate:  func(c *Config) { c.Subscription.DefaultRole = "admin" },
			wantErr: "default_role",
		},
		{
			name:    "missing write host",
			mutate:  func(c *Config) { c.Database.Write.Hosts = nil },
			wantErr: "database.write.hosts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.HTTPAPI.APIKey = "secret"
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("ROSTER_DATABASE_PASSWORD", "from-env")
	t.Setenv("ROSTER_HTTP_API_KEY", "env-key")
	t.Setenv("ROSTER_RELAY_PASSWORD", "relay-secret")

	cfg := NewDefaultConfig()
	cfg.Database.Read = &DatabaseEndpointConfig{Hosts: []string{"replica"}}
	require.NoError(t, ApplyEnvOverrides(&cfg))

	assert.Equal(t, "from-env", cfg.Database.Write.Password)
	assert.Equal(t, "from-env", cfg.Database.Read.Password)
	assert.Equal(t, "env-key", cfg.HTTPAPI.APIKey)
	assert.Equal(t, "relay-secret", cfg.Notify.RelayPassword)
	assert.Equal(t, []string{"localhost"}, cfg.Database.Write.Hosts, "unset variables leave values alone")
}
