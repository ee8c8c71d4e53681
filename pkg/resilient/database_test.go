package resilient

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/migadu/roster/config"
	"github.com/migadu/roster/consts"
	"github.com/migadu/roster/pkg/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResilient() *ResilientDatabase {
	return newResilientDatabase(nil, &config.DatabaseConfig{})
}

func TestIsRetryableError(t *testing.T) {
	rd := newTestResilient()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock wrapped", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"too many connections", &pgconn.PgError{Code: "53300"}, true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"context canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), false},
		{"breaker open", circuitbreaker.ErrCircuitBreakerOpen, false},
		{"token not found", consts.ErrTokenNotFound, false},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rd.isRetryableError(tt.err))
		})
	}
}

func TestDomainErrorsDoNotTripBreaker(t *testing.T) {
	rd := newTestResilient()

	for i := 0; i < 20; i++ {
		_, err := rd.executeReadWithRetry(context.Background(), readRetryConfig, timeoutRead, func(ctx context.Context) (any, error) {
			return nil, consts.ErrTokenNotFound
		})
		require.ErrorIs(t, err, consts.ErrTokenNotFound)
	}
	assert.Equal(t, circuitbreaker.StateClosed, rd.GetQueryBreakerState())
}

func TestInfrastructureErrorsTripBreaker(t *testing.T) {
	rd := newTestResilient()
	boom := errors.New("connection reset")

	for i := 0; i < 10; i++ {
		_, _ = rd.queryBreaker.Execute(func() (any, error) { return nil, boom })
	}
	assert.Equal(t, circuitbreaker.StateOpen, rd.GetQueryBreakerState())

	_, err := rd.executeReadWithRetry(context.Background(), readRetryConfig, timeoutRead, func(ctx context.Context) (any, error) {
		return "unreachable", nil
	})
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitBreakerOpen)
}

func TestExecuteReadRetriesTransientErrors(t *testing.T) {
	rd := newTestResilient()
	calls := 0

	result, err := rd.executeReadWithRetry(context.Background(), readRetryConfig, timeoutRead, func(ctx context.Context) (any, error) {
		calls++
		if calls == 1 {
			return nil, &pgconn.PgError{Code: "40001"}
		}
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 2, calls)
}

func TestExecuteReadStopsOnNonRetryable(t *testing.T) {
	rd := newTestResilient()
	calls := 0
	sentinel := errors.New("no such thing")

	_, err := rd.executeReadWithRetry(context.Background(), readRetryConfig, timeoutRead, func(ctx context.Context) (any, error) {
		calls++
		return nil, sentinel
	}, sentinel)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, "success", statusOf(nil))
	assert.Equal(t, "duplicate", statusOf(consts.ErrDuplicateRequest))
	assert.Equal(t, "not_found", statusOf(fmt.Errorf("x: %w", consts.ErrTokenNotFound)))
	assert.Equal(t, "expired", statusOf(consts.ErrTokenExpired))
	assert.Equal(t, "failure", statusOf(errors.New("boom")))
}
