package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// DB wraps a PostgreSQL connection pool holding execution state and logs.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// EnsureSchema creates the executions and execution_logs tables if absent.
func (db *DB) EnsureSchema(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS executions (
			id              UUID PRIMARY KEY,
			project_id      UUID NOT NULL,
			user_id         UUID NOT NULL,
			container_id    TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			language        TEXT NOT NULL,
			project_type    TEXT NOT NULL,
			started_at      TIMESTAMPTZ,
			completed_at    TIMESTAMPTZ,
			auto_stop_at    TIMESTAMPTZ,
			host_port       INT NOT NULL DEFAULT 0,
			container_port  INT NOT NULL DEFAULT 0,
			public_url      TEXT NOT NULL DEFAULT '',
			cpu_usage_ms    BIGINT NOT NULL DEFAULT 0,
			memory_usage_mb BIGINT NOT NULL DEFAULT 0,
			exit_code       INT,
			error_message   TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_executions_project ON executions (project_id);
		CREATE INDEX IF NOT EXISTS idx_executions_user_status ON executions (user_id, status);
		CREATE INDEX IF NOT EXISTS idx_executions_status_autostop ON executions (status, auto_stop_at);

		CREATE TABLE IF NOT EXISTS execution_logs (
			id           BIGSERIAL PRIMARY KEY,
			execution_id UUID NOT NULL,
			level        TEXT NOT NULL,
			message      TEXT NOT NULL,
			ts           TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_execution_logs_execution ON execution_logs (execution_id, ts);
	`
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}
