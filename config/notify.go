package config

import (
	"time"

	"github.com/migadu/roster/helpers"
)

// NotifyConfig defines how subscription notices are queued and relayed.
type NotifyConfig struct {
	OutboxPath string `toml:"outbox_path"` // Path of the sqlite outbox database
	From       string `toml:"from"`        // Envelope and header sender for notices

	// SMTP relay. Notices are only logged when RelayHost is empty.
	RelayHost      string `toml:"relay_host"`
	RelayPort      int    `toml:"relay_port"`
	RelayTLS       bool   `toml:"relay_tls"`       // Implicit TLS when true, STARTTLS when false
	RelayStartTLS  bool   `toml:"relay_starttls"`  // Upgrade with STARTTLS on a plain connection
	RelayUsername  string `toml:"relay_username"`  // SASL PLAIN username (optional)
	RelayPassword  string `toml:"relay_password"`  // SASL PLAIN password (optional)
	RelayTLSVerify *bool  `toml:"relay_tls_verify"` // Verify relay certificates (default: true)

	// Queue
	WorkerInterval          string   `toml:"worker_interval"`           // How often the worker drains the outbox (default: "30s")
	BatchSize               int      `toml:"batch_size"`                // Messages per worker cycle
	MaxAttempts             int      `toml:"max_attempts"`              // Attempts before a notice is marked failed
	RetryBackoff            []string `toml:"retry_backoff"`             // Delay before each retry
	Retention               string   `toml:"retention"`                 // How long delivered or failed rows are kept (default: "7d")
	CircuitBreakerThreshold int      `toml:"circuit_breaker_threshold"` // Consecutive failures before opening circuit (default: 5)
	CircuitBreakerTimeout   string   `toml:"circuit_breaker_timeout"`   // Recovery test interval (default: "30s")
}

// IsRelayConfigured returns true if notices should be sent over SMTP
func (n *NotifyConfig) IsRelayConfigured() bool {
	return n.RelayHost != ""
}

// GetRelayTLSVerify returns whether to verify the relay certificate
func (n *NotifyConfig) GetRelayTLSVerify() bool {
	if n.RelayTLSVerify == nil {
		return true
	}
	return *n.RelayTLSVerify
}

// GetWorkerInterval parses the worker interval duration
func (n *NotifyConfig) GetWorkerInterval() (time.Duration, error) {
	if n.WorkerInterval == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(n.WorkerInterval)
}

// GetBatchSize returns the batch size with default
func (n *NotifyConfig) GetBatchSize() int {
	if n.BatchSize <= 0 {
		return 20
	}
	return n.BatchSize
}

// GetMaxAttempts returns the max delivery attempts with default
func (n *NotifyConfig) GetMaxAttempts() int {
	if n.MaxAttempts <= 0 {
		return 8
	}
	return n.MaxAttempts
}

// GetRetention parses the outbox retention duration
func (n *NotifyConfig) GetRetention() (time.Duration, error) {
	if n.Retention == "" {
		return 7 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(n.Retention)
}

// GetRetryBackoff parses the retry backoff durations
func (n *NotifyConfig) GetRetryBackoff() ([]time.Duration, error) {
	if len(n.RetryBackoff) == 0 {
		return []time.Duration{
			1 * time.Minute,
			5 * time.Minute,
			15 * time.Minute,
			1 * time.Hour,
			6 * time.Hour,
		}, nil
	}

	backoff := make([]time.Duration, 0, len(n.RetryBackoff))
	for _, b := range n.RetryBackoff {
		d, err := helpers.ParseDuration(b)
		if err != nil {
			return nil, err
		}
		backoff = append(backoff, d)
	}
	return backoff, nil
}

// GetCircuitBreakerThreshold returns the circuit breaker failure threshold with default
func (n *NotifyConfig) GetCircuitBreakerThreshold() int {
	if n.CircuitBreakerThreshold <= 0 {
		return 5
	}
	return n.CircuitBreakerThreshold
}

// GetCircuitBreakerTimeout returns the circuit breaker timeout with default
func (n *NotifyConfig) GetCircuitBreakerTimeout() (time.Duration, error) {
	if n.CircuitBreakerTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(n.CircuitBreakerTimeout)
}
