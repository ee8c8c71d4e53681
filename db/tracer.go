package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/roster/logger"
)

type queryStartKey struct{}

type queryStart struct {
	sql   string
	start time.Time
}

// queryTracer logs every statement with its duration when database debug
// logging is enabled.
type queryTracer struct{}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryStartKey{}, queryStart{sql: data.SQL, start: time.Now()})
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	qs, _ := ctx.Value(queryStartKey{}).(queryStart)
	if data.Err != nil {
		logger.Debug("DB query failed", "sql", qs.sql, "duration", time.Since(qs.start), "error", data.Err)
		return
	}
	logger.Debug("DB query", "sql", qs.sql, "duration", time.Since(qs.start), "tag", data.CommandTag.String())
}
