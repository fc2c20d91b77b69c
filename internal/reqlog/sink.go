package reqlog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// StdoutSink writes one log line per request. The default sink.
type StdoutSink struct {
	logger *log.Logger
}

func NewStdoutSink(logger *log.Logger) *StdoutSink {
	if logger == nil {
		logger = log.Default()
	}
	return &StdoutSink{logger: logger}
}

func (s *StdoutSink) Write(_ context.Context, entry Entry) error {
	s.logger.Printf("request method=%s path=%s status=%d tenant=%s scope=%s verdict=%s duration_ms=%d",
		entry.Method, entry.Path, entry.Status, entry.TenantID, entry.Scope, entry.Verdict, entry.DurationMS)
	return nil
}

// PostgresSink persists request logs to a request_logs table, one insert per
// entry, on the background worker.
type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	sink := &PostgresSink{pool: pool}
	if err := sink.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return sink, nil
}

func (s *PostgresSink) Close() {
	s.pool.Close()
}

func (s *PostgresSink) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS request_logs (
	id BIGSERIAL PRIMARY KEY,
	method TEXT NOT NULL,
	path TEXT NOT NULL,
	status INT NOT NULL,
	tenant_id TEXT NOT NULL DEFAULT '',
	scope TEXT NOT NULL DEFAULT '',
	verdict TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`)
	if err != nil {
		return fmt.Errorf("initialize request_logs schema: %w", err)
	}
	return nil
}

func (s *PostgresSink) Write(ctx context.Context, entry Entry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO request_logs (method, path, status, tenant_id, scope, verdict, duration_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`, entry.Method, entry.Path, entry.Status, entry.TenantID, entry.Scope, entry.Verdict, entry.DurationMS, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}
	return nil
}
