package notify

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/migadu/roster/config"
	"github.com/migadu/roster/pkg/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type receivedMessage struct {
	From string
	To   []string
	Data []byte
}

type testSMTPBackend struct {
	mu       sync.Mutex
	messages []receivedMessage
	rcptErr  error
}

func (b *testSMTPBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &testSMTPSession{backend: b}, nil
}

func (b *testSMTPBackend) received() []receivedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]receivedMessage(nil), b.messages...)
}

type testSMTPSession struct {
	backend *testSMTPBackend
	from    string
	to      []string
}

func (s *testSMTPSession) Mail(from string, opts *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *testSMTPSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.backend.mu.Lock()
	err := s.backend.rcptErr
	s.backend.mu.Unlock()
	if err != nil {
		return err
	}
	s.to = append(s.to, to)
	return nil
}

func (s *testSMTPSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, receivedMessage{From: s.from, To: s.to, Data: data})
	s.backend.mu.Unlock()
	return nil
}

func (s *testSMTPSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *testSMTPSession) Logout() error { return nil }

// startSMTPServer runs a plain SMTP server on a loopback port.
func startSMTPServer(t *testing.T, backend *testSMTPBackend) (string, int) {
	t.Helper()
	server := smtp.NewServer(backend)
	server.Domain = "relay.example.com"
	server.AllowInsecureAuth = true

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		if err := server.Serve(ln); err != nil && !strings.Contains(err.Error(), "closed") {
			t.Logf("SMTP server error: %v", err)
		}
	}()
	t.Cleanup(func() { server.Close() })

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return host, p
}

func newTestRelay(t *testing.T, host string, port int) *SMTPRelay {
	t.Helper()
	r, err := NewSMTPRelay(config.NotifyConfig{
		RelayHost:               host,
		RelayPort:               port,
		CircuitBreakerThreshold: 2,
		CircuitBreakerTimeout:   "1m",
	})
	require.NoError(t, err)
	return r
}

func TestSMTPRelayDelivers(t *testing.T) {
	backend := &testSMTPBackend{}
	host, port := startSMTPServer(t, backend)
	relay := newTestRelay(t, host, port)

	msg := []byte("Subject: Test\r\n\r\nhello\r\n")
	require.NoError(t, relay.Send(context.Background(), "ant-bounces@example.com", "anne@example.com", msg))

	got := backend.received()
	require.Len(t, got, 1)
	assert.Equal(t, "ant-bounces@example.com", got[0].From)
	assert.Equal(t, []string{"anne@example.com"}, got[0].To)
	assert.Contains(t, string(got[0].Data), "hello")
}

func TestSMTPRelayClassifiesReplies(t *testing.T) {
	tests := []struct {
		name      string
		rcptErr   error
		permanent bool
	}{
		{"mailbox unknown", &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"}, true},
		{"greylisted", &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 7, 1}, Message: "try again later"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &testSMTPBackend{rcptErr: tt.rcptErr}
			host, port := startSMTPServer(t, backend)
			relay := newTestRelay(t, host, port)

			err := relay.Send(context.Background(), "ant-bounces@example.com", "anne@example.com", []byte("x\r\n"))
			require.Error(t, err)
			var relayErr *RelayError
			require.True(t, errors.As(err, &relayErr))
			assert.Equal(t, tt.permanent, IsPermanentError(err))
			assert.Empty(t, backend.received())
		})
	}
}

func TestSMTPRelayPermanentRepliesKeepBreakerClosed(t *testing.T) {
	backend := &testSMTPBackend{rcptErr: &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"}}
	host, port := startSMTPServer(t, backend)
	relay := newTestRelay(t, host, port)

	for i := 0; i < 3; i++ {
		err := relay.Send(context.Background(), "ant-bounces@example.com", "anne@example.com", []byte("x\r\n"))
		require.True(t, IsPermanentError(err))
	}
	assert.Equal(t, circuitbreaker.StateClosed, relay.CircuitBreaker().State())
}

func TestSMTPRelayBreakerOpensOnConnectFailures(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	relay := newTestRelay(t, "127.0.0.1", port)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := relay.Send(ctx, "a@example.com", "b@example.com", []byte("x\r\n"))
		require.Error(t, err)
		assert.False(t, IsPermanentError(err))
	}
	assert.Equal(t, circuitbreaker.StateOpen, relay.CircuitBreaker().State())

	err = relay.Send(ctx, "a@example.com", "b@example.com", []byte("x\r\n"))
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitBreakerOpen)
}

func TestNewSMTPRelayDefaults(t *testing.T) {
	_, err := NewSMTPRelay(config.NotifyConfig{})
	assert.Error(t, err)

	r, err := NewSMTPRelay(config.NotifyConfig{RelayHost: "smtp.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com:587", r.Addr)
	assert.True(t, r.TLSVerify)

	r, err = NewSMTPRelay(config.NotifyConfig{RelayHost: "smtp.example.com", RelayTLS: true})
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com:465", r.Addr)
	assert.True(t, r.ImplicitTLS)
}

func TestIsPermanentError(t *testing.T) {
	assert.False(t, IsPermanentError(nil))
	assert.False(t, IsPermanentError(errors.New("connection reset")))
	assert.True(t, IsPermanentError(&RelayError{Err: errors.New("x"), Permanent: true}))
	assert.False(t, IsPermanentError(&RelayError{Err: errors.New("x")}))
	assert.True(t, IsPermanentError(&smtp.SMTPError{Code: 554}))
	assert.False(t, IsPermanentError(&smtp.SMTPError{Code: 421}))
}

func TestLogRelayAcceptsEverything(t *testing.T) {
	assert.NoError(t, LogRelay{}.Send(context.Background(), "a@example.com", "b@example.com", []byte("x")))
}
