// Package resilient wraps the db package with retries, circuit breakers and
// per-operation timeouts.
//
// Every operation runs through one of two helpers:
//   - executeReadWithRetry: read pool, query breaker, read timeout
//   - executeWriteInTxWithRetry: a fresh transaction per attempt on the write
//     pool, write breaker, write timeout
//
// Only transient failures are retried (connection loss, deadlock,
// serialization failure, too many connections). Domain outcomes such as a
// consumed token or a duplicate request end the loop immediately and do not
// count against the breakers.
package resilient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/migadu/roster/config"
	"github.com/migadu/roster/consts"
	"github.com/migadu/roster/db"
	"github.com/migadu/roster/logger"
	"github.com/migadu/roster/pkg/circuitbreaker"
	"github.com/migadu/roster/pkg/metrics"
	"github.com/migadu/roster/pkg/retry"
)

type ResilientDatabase struct {
	database *db.Database

	// Circuit breakers (per-operation type)
	queryBreaker *circuitbreaker.CircuitBreaker
	writeBreaker *circuitbreaker.CircuitBreaker

	// Database configuration for timeouts
	config *config.DatabaseConfig
}

// NewResilientDatabase connects the pools described by cfg. With
// runMigrations set, pending schema migrations are applied first.
func NewResilientDatabase(ctx context.Context, cfg *config.DatabaseConfig, runMigrations bool) (*ResilientDatabase, error) {
	if runMigrations {
		if err := runStartupMigrations(ctx, cfg); err != nil {
			return nil, err
		}
	}

	database, err := db.NewDatabaseFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newResilientDatabase(database, cfg), nil
}

func newResilientDatabase(database *db.Database, cfg *config.DatabaseConfig) *ResilientDatabase {
	querySettings := circuitbreaker.DefaultSettings("database_query")
	querySettings.MaxRequests = 5
	querySettings.Interval = 15 * time.Second
	querySettings.Timeout = 45 * time.Second
	querySettings.ReadyToTrip = func(counts circuitbreaker.Counts) bool {
		failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
		return counts.Requests >= 8 && failureRatio >= 0.6
	}
	querySettings.IsSuccessful = breakerSuccess
	querySettings.OnStateChange = onBreakerStateChange

	writeSettings := circuitbreaker.DefaultSettings("database_write")
	writeSettings.MaxRequests = 3
	writeSettings.Interval = 10 * time.Second
	writeSettings.Timeout = 30 * time.Second
	writeSettings.ReadyToTrip = func(counts circuitbreaker.Counts) bool {
		failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
		return counts.Requests >= 5 && failureRatio >= 0.5
	}
	writeSettings.IsSuccessful = breakerSuccess
	writeSettings.OnStateChange = onBreakerStateChange

	return &ResilientDatabase{
		database:     database,
		queryBreaker: circuitbreaker.NewCircuitBreaker(querySettings),
		writeBreaker: circuitbreaker.NewCircuitBreaker(writeSettings),
		config:       cfg,
	}
}

func onBreakerStateChange(name string, from, to circuitbreaker.State) {
	logger.Info("Database circuit breaker state changed", "component", "db", "name", name, "from", from, "to", to)
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
}

func runStartupMigrations(ctx context.Context, cfg *config.DatabaseConfig) error {
	timeout, err := cfg.GetMigrationTimeout()
	if err != nil {
		return err
	}
	migrateCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	connString, err := db.ConnString(cfg.Write, cfg.Write.Hosts[0])
	if err != nil {
		return err
	}
	if err := db.Migrate(migrateCtx, connString); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// timeoutType defines the type of database operation.
type timeoutType int

const (
	timeoutRead timeoutType = iota
	timeoutWrite
	timeoutCleanup // Sweeps and purges, which may touch many rows
)

// withTimeout creates a new context with the appropriate timeout.
func (rd *ResilientDatabase) withTimeout(ctx context.Context, opType timeoutType) (context.Context, context.CancelFunc) {
	var timeout time.Duration
	var err error

	switch opType {
	case timeoutWrite:
		timeout, err = rd.config.GetWriteTimeout()
		if err != nil {
			logger.Warn("Invalid write_timeout, using default 10s", "error", err)
			timeout = 10 * time.Second
		}
	case timeoutCleanup:
		timeout, err = rd.config.GetQueryTimeout()
		if err != nil {
			logger.Warn("Invalid query_timeout for cleanup, using default 60s", "error", err)
			timeout = 30 * time.Second
		}
		timeout *= 2
	default: // timeoutRead
		timeout, err = rd.config.GetQueryTimeout()
		if err != nil {
			logger.Warn("Invalid query_timeout, using default 30s", "error", err)
			timeout = 30 * time.Second
		}
	}

	return context.WithTimeout(ctx, timeout)
}

func (rd *ResilientDatabase) GetDatabase() *db.Database {
	return rd.database
}

// isRetryableError checks if an error is transient and the operation can be retried.
func (rd *ResilientDatabase) isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Do not retry if the circuit breaker is open or the context is done.
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) ||
		errors.Is(err, circuitbreaker.ErrTooManyRequests) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// See: https://www.postgresql.org/docs/current/errcodes-appendix.html
		switch pgErr.Code {
		// Class 40: Transaction Rollback (e.g., deadlock, serialization failure)
		case "40001", "40P01":
			return true
		// Class 53: Insufficient Resources (e.g., too many connections)
		case "53300":
			return true
		// Class 08: Connection Exception
		case "08000", "08001", "08003", "08004", "08006", "08007", "08P01":
			return true
		}
		return false
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// domainErrors are outcomes of a healthy database.
var domainErrors = []error{
	pgx.ErrNoRows,
	consts.ErrDBUniqueViolation,
	consts.ErrDuplicateRequest,
	consts.ErrTokenNotFound,
	consts.ErrTokenExpired,
	consts.ErrListNotFound,
	consts.ErrAddressNotFound,
	consts.ErrMemberNotFound,
	consts.ErrUserNotFound,
	consts.ErrAddressAlreadyLinked,
	db.ErrListExists,
	db.ErrBanExists,
	db.ErrBanNotFound,
}

func isDomainError(err error) bool {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func breakerSuccess(err error) bool {
	return err == nil || isDomainError(err)
}

// executeReadWithRetry runs op against the read side. Errors matching
// nonRetryable, or any domain error, stop the loop unwrapped.
func (rd *ResilientDatabase) executeReadWithRetry(ctx context.Context, cfg retry.BackoffConfig, opType timeoutType, op func(ctx context.Context) (any, error), nonRetryable ...error) (any, error) {
	var result any
	err := retry.WithRetry(ctx, func() error {
		readCtx, cancel := rd.withTimeout(ctx, opType)
		defer cancel()

		res, cbErr := rd.queryBreaker.Execute(func() (any, error) {
			return op(readCtx)
		})
		if cbErr != nil {
			for _, target := range nonRetryable {
				if errors.Is(cbErr, target) {
					return retry.Stop(cbErr)
				}
			}
			if !rd.isRetryableError(cbErr) {
				return retry.Stop(cbErr)
			}
			metrics.DBRetriesTotal.WithLabelValues(cfg.OperationName, "retry").Inc()
			return cbErr
		}
		result = res
		return nil
	}, cfg)
	return result, err
}

// executeWriteInTxWithRetry runs op inside a transaction and commits it.
// Each attempt uses a new transaction; op must not have effects outside it.
func (rd *ResilientDatabase) executeWriteInTxWithRetry(ctx context.Context, cfg retry.BackoffConfig, opType timeoutType, op func(ctx context.Context, tx pgx.Tx) (any, error)) (any, error) {
	var result any
	err := retry.WithRetry(ctx, func() error {
		writeCtx, cancel := rd.withTimeout(ctx, opType)
		defer cancel()

		res, cbErr := rd.writeBreaker.Execute(func() (any, error) {
			tx, err := rd.database.BeginTx(writeCtx)
			if err != nil {
				return nil, err
			}
			defer tx.Rollback(context.Background())

			res, err := op(writeCtx, tx)
			if err != nil {
				return nil, err
			}
			if err := tx.Commit(writeCtx); err != nil {
				return nil, fmt.Errorf("%w: %w", consts.ErrDBCommitTransactionFailed, err)
			}
			return res, nil
		})
		if cbErr != nil {
			if !rd.isRetryableError(cbErr) {
				return retry.Stop(cbErr)
			}
			metrics.DBRetriesTotal.WithLabelValues(cfg.OperationName, "retry").Inc()
			logger.Debug("Retrying write after transient error", "operation", cfg.OperationName, "error", cbErr)
			return cbErr
		}
		result = res
		return nil
	}, cfg)
	return result, err
}

// Ping checks the write pool through the query breaker.
func (rd *ResilientDatabase) Ping(ctx context.Context) error {
	_, err := rd.executeReadWithRetry(ctx, readRetryConfig, timeoutRead, func(ctx context.Context) (any, error) {
		return nil, rd.database.Ping(ctx)
	})
	return err
}

func (rd *ResilientDatabase) StartPoolMetrics(ctx context.Context) {
	rd.database.StartPoolMetrics(ctx)
}

func (rd *ResilientDatabase) GetQueryBreakerState() circuitbreaker.State {
	return rd.queryBreaker.State()
}

func (rd *ResilientDatabase) GetWriteBreakerState() circuitbreaker.State {
	return rd.writeBreaker.State()
}

func (rd *ResilientDatabase) Close() {
	if rd.database != nil {
		rd.database.Close()
	}
}
