package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/migadu/roster/config"
	"github.com/migadu/roster/logger"
	"github.com/migadu/roster/pkg/circuitbreaker"
)

// RelayError marks a relay failure as permanent (5xx) or temporary
// (4xx, network). Permanent failures are not retried.
type RelayError struct {
	Err       error
	Permanent bool
}

func (e *RelayError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// IsPermanentError reports whether err is a 5xx SMTP reply or a relay
// error already classified as permanent.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Permanent
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}
	return false
}

// Relay hands a composed message to the next hop.
type Relay interface {
	Send(ctx context.Context, from, to string, message []byte) error
}

// SMTPRelay submits notices to a smarthost.
type SMTPRelay struct {
	Addr        string
	ImplicitTLS bool
	StartTLS    bool
	TLSVerify   bool
	Username    string
	Password    string

	breaker *circuitbreaker.CircuitBreaker
}

func NewSMTPRelay(cfg config.NotifyConfig) (*SMTPRelay, error) {
	if !cfg.IsRelayConfigured() {
		return nil, fmt.Errorf("SMTP relay host not configured")
	}
	timeout, err := cfg.GetCircuitBreakerTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid circuit_breaker_timeout: %w", err)
	}

	port := cfg.RelayPort
	if port == 0 {
		port = 587
		if cfg.RelayTLS {
			port = 465
		}
	}

	threshold := uint32(cfg.GetCircuitBreakerThreshold())
	settings := circuitbreaker.Settings{
		Name:        "smtp_relay",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts circuitbreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A 5xx reply means the relay is up and answering.
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanentError(err)
		},
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.Warn("Notify: relay circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &SMTPRelay{
		Addr:        net.JoinHostPort(cfg.RelayHost, strconv.Itoa(port)),
		ImplicitTLS: cfg.RelayTLS,
		StartTLS:    cfg.RelayStartTLS,
		TLSVerify:   cfg.GetRelayTLSVerify(),
		Username:    cfg.RelayUsername,
		Password:    cfg.RelayPassword,
		breaker:     circuitbreaker.NewCircuitBreaker(settings),
	}, nil
}

func (r *SMTPRelay) CircuitBreaker() *circuitbreaker.CircuitBreaker {
	return r.breaker
}

func (r *SMTPRelay) Send(ctx context.Context, from, to string, message []byte) error {
	if r.breaker == nil {
		return r.send(from, to, message)
	}
	err := circuitbreaker.WrapWithContext(ctx, r.breaker, func(context.Context) error {
		return r.send(from, to, message)
	})
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		logger.Warn("Notify: relay circuit breaker is open, skipping delivery", "relay", r.Addr)
	}
	return err
}

func (r *SMTPRelay) dial() (*smtp.Client, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !r.TLSVerify,
	}
	if host, _, err := net.SplitHostPort(r.Addr); err == nil {
		tlsConfig.ServerName = host
	}

	switch {
	case r.ImplicitTLS:
		return smtp.DialTLS(r.Addr, tlsConfig)
	case r.StartTLS:
		return smtp.DialStartTLS(r.Addr, tlsConfig)
	default:
		return smtp.Dial(r.Addr)
	}
}

func (r *SMTPRelay) send(from, to string, message []byte) error {
	c, err := r.dial()
	if err != nil {
		return &RelayError{Err: fmt.Errorf("failed to connect to SMTP relay: %w", err)}
	}
	defer c.Close()

	if r.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", r.Username, r.Password)); err != nil {
			return &RelayError{Err: fmt.Errorf("failed to authenticate: %w", err), Permanent: IsPermanentError(err)}
		}
	}
	if err := c.Mail(from, nil); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to set sender: %w", err), Permanent: IsPermanentError(err)}
	}
	if err := c.Rcpt(to, nil); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to set recipient: %w", err), Permanent: IsPermanentError(err)}
	}

	wc, err := c.Data()
	if err != nil {
		return &RelayError{Err: fmt.Errorf("failed to start data: %w", err), Permanent: IsPermanentError(err)}
	}
	if _, err := wc.Write(message); err != nil {
		_ = wc.Close()
		return &RelayError{Err: fmt.Errorf("failed to write message: %w", err)}
	}
	if err := wc.Close(); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to close data writer: %w", err), Permanent: IsPermanentError(err)}
	}

	// The message is accepted at this point.
	if err := c.Quit(); err != nil {
		logger.Warn("Notify: failed to send QUIT", "relay", r.Addr, "error", err)
	}
	return nil
}

// LogRelay logs notices instead of sending them. It is used when no relay
// host is configured.
type LogRelay struct{}

func (LogRelay) Send(_ context.Context, from, to string, message []byte) error {
	logger.Info("Notify: relay not configured, notice logged only", "from", from, "to", to, "size", len(message))
	return nil
}
