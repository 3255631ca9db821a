package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DDL applied by EnsureSchema. Statements are idempotent so the engine can be
// pointed at an empty database and own its own bootstrap.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id          UUID PRIMARY KEY,
		email       TEXT NOT NULL UNIQUE,
		balance     NUMERIC(18,6) NOT NULL DEFAULT 0,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS orders (
		id                      UUID PRIMARY KEY,
		user_id                 UUID NOT NULL REFERENCES users(id),
		external_key            TEXT,
		operation               TEXT NOT NULL DEFAULT 'PLAY_DELIVERY',
		target_url              TEXT NOT NULL,
		country                 TEXT NOT NULL DEFAULT '',
		quantity                INTEGER NOT NULL CHECK (quantity > 0),
		delivered               INTEGER NOT NULL DEFAULT 0,
		remains                 INTEGER NOT NULL,
		failed_permanent        INTEGER NOT NULL DEFAULT 0,
		price_per_unit          NUMERIC(18,6) NOT NULL,
		total_cost              NUMERIC(18,6) NOT NULL,
		refund_amount           NUMERIC(18,6) NOT NULL DEFAULT 0,
		status                  TEXT NOT NULL DEFAULT 'PENDING',
		notes                   TEXT NOT NULL DEFAULT '',
		started_at              TIMESTAMPTZ,
		estimated_completion_at TIMESTAMPTZ,
		completed_at            TIMESTAMPTZ,
		created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_external_key
		ON orders (user_id, external_key) WHERE external_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status)`,

	`CREATE TABLE IF NOT EXISTS order_tasks (
		id                   UUID PRIMARY KEY,
		order_id             UUID NOT NULL REFERENCES orders(id),
		sequence_number      INTEGER NOT NULL,
		quantity             INTEGER NOT NULL CHECK (quantity > 0),
		status               TEXT NOT NULL DEFAULT 'PENDING',
		attempts             INTEGER NOT NULL DEFAULT 0,
		max_attempts         INTEGER NOT NULL DEFAULT 3,
		idempotency_token    TEXT NOT NULL,
		scheduled_at         TIMESTAMPTZ NOT NULL,
		retry_after          TIMESTAMPTZ,
		execution_started_at TIMESTAMPTZ,
		completed_at         TIMESTAMPTZ,
		worker_id            TEXT NOT NULL DEFAULT '',
		proxy_node_id        TEXT NOT NULL DEFAULT '',
		error_message        TEXT NOT NULL DEFAULT '',
		refunded             BOOLEAN NOT NULL DEFAULT FALSE,
		created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (order_id, idempotency_token)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status_scheduled
		ON order_tasks (status, scheduled_at)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status_retry
		ON order_tasks (status, retry_after)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status_started
		ON order_tasks (status, execution_started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_order ON order_tasks (order_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_unrefunded_failures
		ON order_tasks (order_id) WHERE status = 'FAILED_PERMANENT' AND refunded = FALSE`,

	`CREATE TABLE IF NOT EXISTS balance_transactions (
		id             UUID PRIMARY KEY,
		user_id        UUID NOT NULL REFERENCES users(id),
		kind           TEXT NOT NULL,
		amount         NUMERIC(18,6) NOT NULL,
		balance_before NUMERIC(18,6) NOT NULL,
		balance_after  NUMERIC(18,6) NOT NULL,
		order_id       UUID,
		task_id        UUID,
		reason         TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tx_user_time
		ON balance_transactions (user_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS refund_events (
		id         UUID PRIMARY KEY,
		order_id   UUID NOT NULL,
		task_id    UUID NOT NULL UNIQUE,
		user_id    UUID NOT NULL,
		quantity   INTEGER NOT NULL,
		amount     NUMERIC(18,6) NOT NULL,
		reason     TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_refund_events_user_time
		ON refund_events (user_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS refund_anomalies (
		id          UUID PRIMARY KEY,
		order_id    UUID NOT NULL,
		kind        TEXT NOT NULL,
		expected    NUMERIC(18,6) NOT NULL,
		actual      NUMERIC(18,6) NOT NULL,
		severity    TEXT NOT NULL,
		details     TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		resolved_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_anomalies_open
		ON refund_anomalies (order_id, kind) WHERE resolved_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS proxy_nodes (
		id             TEXT PRIMARY KEY,
		endpoint       TEXT NOT NULL,
		tier           TEXT NOT NULL,
		country        TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL DEFAULT 'ONLINE',
		capacity_limit INTEGER NOT NULL DEFAULT 10,
		current_load   INTEGER NOT NULL DEFAULT 0,
		cost_factor    DOUBLE PRECISION NOT NULL DEFAULT 1.0,
		auth           TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_proxy_status_tier
		ON proxy_nodes (status, tier)`,

	`CREATE TABLE IF NOT EXISTS flagged_users (
		user_id      UUID PRIMARY KEY,
		reason       TEXT NOT NULL,
		refund_count INTEGER NOT NULL,
		flagged_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// EnsureSchema applies the DDL. Safe to run on every boot.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
