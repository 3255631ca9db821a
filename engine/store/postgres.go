package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
)

// PostgresStore implements Store using a PostgreSQL backend. All state
// transitions are single conditional statements; cross-instance correctness
// never depends on application-level locking.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Pool exposes the underlying pool for schema bootstrap.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func isUniqueViolation(err error, constraintPart string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return constraintPart == "" || strings.Contains(pgErr.ConstraintName, constraintPart)
	}
	return false
}

// --- User Operations ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	query := `
		INSERT INTO users (id, email, balance, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
	`
	_, err := s.pool.Exec(ctx, query, u.ID, u.Email, u.Balance)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	query := `
		SELECT id, email, balance, created_at, updated_at
		FROM users WHERE id = $1
	`
	var u User
	err := s.pool.QueryRow(ctx, query, id).Scan(&u.ID, &u.Email, &u.Balance, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// AdjustBalance applies a signed delta to a user balance and records the
// ledger entry in the same transaction. Negative deltas that would take the
// balance below zero match zero rows and return ErrInsufficientBalance.
func (s *PostgresStore) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal, kind TxKind, reason string) (*BalanceTransaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE users
		SET balance = balance + $2, updated_at = NOW()
		WHERE id = $1 AND balance + $2 >= 0
		RETURNING balance
	`
	var after decimal.Decimal
	err = tx.QueryRow(ctx, query, userID, delta).Scan(&after)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInsufficientBalance
	}
	if err != nil {
		return nil, err
	}

	entry := &BalanceTransaction{
		ID:            uuid.New().String(),
		UserID:        userID,
		Kind:          kind,
		Amount:        delta,
		BalanceBefore: after.Sub(delta),
		BalanceAfter:  after,
		Reason:        reason,
		CreatedAt:     time.Now().UTC(),
	}
	if err := insertLedgerRow(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return entry, nil
}

func insertLedgerRow(ctx context.Context, tx pgx.Tx, e *BalanceTransaction) error {
	query := `
		INSERT INTO balance_transactions
			(id, user_id, kind, amount, balance_before, balance_after, order_id, task_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, '')::uuid, NULLIF($8, '')::uuid, $9, $10)
	`
	_, err := tx.Exec(ctx, query,
		e.ID, e.UserID, e.Kind, e.Amount, e.BalanceBefore, e.BalanceAfter,
		e.OrderID, e.TaskID, e.Reason, e.CreatedAt,
	)
	return err
}

// --- Order Operations ---

const orderCols = `
	id, user_id, COALESCE(external_key, ''), operation, target_url, country,
	quantity, delivered, remains, failed_permanent,
	price_per_unit, total_cost, refund_amount,
	status, notes, started_at, estimated_completion_at, completed_at,
	created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(
		&o.ID, &o.UserID, &o.ExternalKey, &o.Operation, &o.TargetURL, &o.Country,
		&o.Quantity, &o.Delivered, &o.Remains, &o.FailedPermanent,
		&o.PricePerUnit, &o.TotalCost, &o.RefundAmount,
		&o.Status, &o.Notes, &o.StartedAt, &o.EstimatedCompletionAt, &o.CompletedAt,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func collectOrders(rows pgx.Rows) ([]*Order, error) {
	defer rows.Close()
	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// CreateOrder performs the acceptance transaction: conditional balance debit,
// order insert, DEBIT ledger entry, and the full task batch. Everything lands
// or nothing does.
func (s *PostgresStore) CreateOrder(ctx context.Context, o *Order, tasks []*Task) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	debit := `
		UPDATE users
		SET balance = balance - $2, updated_at = NOW()
		WHERE id = $1 AND balance >= $2
		RETURNING balance
	`
	var after decimal.Decimal
	err = tx.QueryRow(ctx, debit, o.UserID, o.TotalCost).Scan(&after)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrInsufficientBalance
	}
	if err != nil {
		return err
	}

	insert := `
		INSERT INTO orders
			(id, user_id, external_key, operation, target_url, country,
			 quantity, delivered, remains, failed_permanent,
			 price_per_unit, total_cost, refund_amount,
			 status, notes, started_at, estimated_completion_at,
			 created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6,
			$7, 0, $7, 0,
			$8, $9, 0,
			$10, '', $11, $12,
			NOW(), NOW())
	`
	_, err = tx.Exec(ctx, insert,
		o.ID, o.UserID, o.ExternalKey, o.Operation, o.TargetURL, o.Country,
		o.Quantity, o.PricePerUnit, o.TotalCost,
		o.Status, o.StartedAt, o.EstimatedCompletionAt,
	)
	if isUniqueViolation(err, "external_key") {
		return ErrDuplicateExternalKey
	}
	if err != nil {
		return err
	}

	entry := &BalanceTransaction{
		ID:            uuid.New().String(),
		UserID:        o.UserID,
		Kind:          TxDebit,
		Amount:        o.TotalCost.Neg(),
		BalanceBefore: after.Add(o.TotalCost),
		BalanceAfter:  after,
		OrderID:       o.ID,
		Reason:        fmt.Sprintf("debit for %d x %s", o.Quantity, o.Operation),
		CreatedAt:     time.Now().UTC(),
	}
	if err := insertLedgerRow(ctx, tx, entry); err != nil {
		return err
	}

	if err := insertTaskBatch(ctx, tx, tasks); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertTaskBatch(ctx context.Context, tx pgx.Tx, tasks []*Task) error {
	if len(tasks) == 0 {
		return nil
	}
	query := `
		INSERT INTO order_tasks
			(id, order_id, sequence_number, quantity, status,
			 attempts, max_attempts, idempotency_token, scheduled_at,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (order_id, idempotency_token) DO NOTHING
	`
	batch := &pgx.Batch{}
	for _, t := range tasks {
		batch.Queue(query,
			t.ID, t.OrderID, t.SequenceNumber, t.Quantity, t.Status,
			t.MaxAttempts, t.IdempotencyToken, t.ScheduledAt,
		)
	}
	results := tx.SendBatch(ctx, batch)
	defer results.Close()
	for range tasks {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// EnsureTasks inserts any missing tasks for an order. Replanning after a
// partial failure is a no-op for rows whose idempotency token already exists.
func (s *PostgresStore) EnsureTasks(ctx context.Context, tasks []*Task) (int, error) {
	if len(tasks) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO order_tasks
			(id, order_id, sequence_number, quantity, status,
			 attempts, max_attempts, idempotency_token, scheduled_at,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (order_id, idempotency_token) DO NOTHING
	`
	inserted := 0
	batch := &pgx.Batch{}
	for _, t := range tasks {
		batch.Queue(query,
			t.ID, t.OrderID, t.SequenceNumber, t.Quantity, t.Status,
			t.MaxAttempts, t.IdempotencyToken, t.ScheduledAt,
		)
	}
	results := tx.SendBatch(ctx, batch)
	for range tasks {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return 0, err
		}
		inserted += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return 0, err
	}
	return inserted, tx.Commit(ctx)
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	query := `SELECT ` + orderCols + ` FROM orders WHERE id = $1`
	return scanOrder(s.pool.QueryRow(ctx, query, id))
}

func (s *PostgresStore) GetOrderByExternalKey(ctx context.Context, userID, key string) (*Order, error) {
	query := `SELECT ` + orderCols + ` FROM orders WHERE user_id = $1 AND external_key = $2`
	return scanOrder(s.pool.QueryRow(ctx, query, userID, key))
}

func (s *PostgresStore) ListOrdersByStatus(ctx context.Context, status OrderStatus, limit int) ([]*Order, error) {
	query := `SELECT ` + orderCols + ` FROM orders WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, query, status, limit)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

// FinalizeOrder moves a fully accounted order to COMPLETED. Conditional on
// remains = 0 so only the write that drained the order can finalize it.
func (s *PostgresStore) FinalizeOrder(ctx context.Context, orderID, notes string, now time.Time) (bool, error) {
	query := `
		UPDATE orders
		SET status = $3, completed_at = $4, notes = $2, updated_at = $4
		WHERE id = $1 AND status = $5 AND remains = 0
	`
	tag, err := s.pool.Exec(ctx, query, orderID, notes, OrderCompleted, now, OrderRunning)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) SetOrderCancelled(ctx context.Context, orderID, notes string, now time.Time) (bool, error) {
	query := `
		UPDATE orders
		SET status = $3, completed_at = $4, notes = $2, updated_at = $4
		WHERE id = $1 AND status IN ($5, $6)
	`
	tag, err := s.pool.Exec(ctx, query, orderID, notes, OrderCancelled, now, OrderPending, OrderRunning)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// --- Task Operations ---

const taskCols = `
	id, order_id, sequence_number, quantity, status,
	attempts, max_attempts, idempotency_token, scheduled_at, retry_after,
	execution_started_at, completed_at, worker_id, proxy_node_id,
	error_message, refunded, created_at, updated_at`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(
		&t.ID, &t.OrderID, &t.SequenceNumber, &t.Quantity, &t.Status,
		&t.Attempts, &t.MaxAttempts, &t.IdempotencyToken, &t.ScheduledAt, &t.RetryAfter,
		&t.ExecutionStartedAt, &t.CompletedAt, &t.WorkerID, &t.ProxyNodeID,
		&t.ErrorMessage, &t.Refunded, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]*Task, error) {
	defer rows.Close()
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*Task, error) {
	query := `SELECT ` + taskCols + ` FROM order_tasks WHERE id = $1`
	return scanTask(s.pool.QueryRow(ctx, query, id))
}

func (s *PostgresStore) ListTasksByOrder(ctx context.Context, orderID string) ([]*Task, error) {
	query := `SELECT ` + taskCols + ` FROM order_tasks WHERE order_id = $1 ORDER BY sequence_number`
	rows, err := s.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// ListClaimable returns due work: scheduled pending tasks, retry tasks past
// their backoff, and executing tasks whose owner looks dead.
func (s *PostgresStore) ListClaimable(ctx context.Context, now time.Time, orphanCutoff time.Time, limit int) ([]*Task, error) {
	query := `
		SELECT ` + taskCols + `
		FROM order_tasks
		WHERE (status = 'PENDING' AND scheduled_at <= $1)
		   OR (status = 'FAILED_RETRYING' AND retry_after IS NOT NULL AND retry_after <= $1)
		   OR (status = 'EXECUTING' AND execution_started_at IS NOT NULL AND execution_started_at <= $2)
		ORDER BY scheduled_at
		LIMIT $3
	`
	rows, err := s.pool.Query(ctx, query, now, orphanCutoff, limit)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// ClaimTask is the atomic claim. A concurrent claimer changed either the
// status or the execution window, so losing is exactly "zero rows updated".
func (s *PostgresStore) ClaimTask(ctx context.Context, taskID string, prior TaskStatus, workerID string, now time.Time, orphanCutoff time.Time) (bool, int, error) {
	query := `
		UPDATE order_tasks
		SET status = 'EXECUTING',
		    execution_started_at = $3,
		    worker_id = $4,
		    proxy_node_id = '',
		    attempts = attempts + 1,
		    updated_at = $3
		WHERE id = $1
		  AND status = $2
		  AND (execution_started_at IS NULL OR execution_started_at <= $5)
		RETURNING attempts
	`
	var attempts int
	err := s.pool.QueryRow(ctx, query, taskID, prior, now, workerID, orphanCutoff).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return true, attempts, nil
}

func (s *PostgresStore) AssignTaskProxy(ctx context.Context, taskID, nodeID string) error {
	query := `
		UPDATE order_tasks
		SET proxy_node_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'EXECUTING'
	`
	_, err := s.pool.Exec(ctx, query, taskID, nodeID)
	return err
}

const progressReturning = `
	RETURNING id, quantity, delivered, remains, failed_permanent, refund_amount, price_per_unit, status`

func scanProgress(row pgx.Row) (*OrderProgress, error) {
	var p OrderProgress
	err := row.Scan(
		&p.OrderID, &p.Quantity, &p.Delivered, &p.Remains,
		&p.FailedPermanent, &p.RefundAmount, &p.PricePerUnit, &p.Status,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CompleteTask retires a task and folds its quantity into the order counters.
// Returns nil when the (status, worker, attempt) condition no longer holds:
// the task was reclaimed and belongs to someone else now.
func (s *PostgresStore) CompleteTask(ctx context.Context, taskID, orderID string, quantity int, workerID string, attempt int, now time.Time) (*OrderProgress, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	retire := `
		UPDATE order_tasks
		SET status = 'COMPLETED', completed_at = $4, error_message = '', updated_at = $4
		WHERE id = $1 AND status = 'EXECUTING' AND worker_id = $2 AND attempts = $3
	`
	tag, err := tx.Exec(ctx, retire, taskID, workerID, attempt, now)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, nil
	}

	bump := `
		UPDATE orders
		SET delivered = delivered + $2,
		    remains = GREATEST(remains - $2, 0),
		    updated_at = $3
		WHERE id = $1` + progressReturning
	progress, err := scanProgress(tx.QueryRow(ctx, bump, orderID, quantity, now))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return progress, nil
}

// FailTaskTransient parks a task for retry. Clearing execution_started_at
// reopens the claim window without waiting out the orphan threshold.
func (s *PostgresStore) FailTaskTransient(ctx context.Context, taskID, workerID string, attempt int, retryAfter time.Time, errMsg string) (bool, error) {
	query := `
		UPDATE order_tasks
		SET status = 'FAILED_RETRYING',
		    retry_after = $4,
		    execution_started_at = NULL,
		    error_message = $5,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'EXECUTING' AND worker_id = $2 AND attempts = $3
	`
	tag, err := s.pool.Exec(ctx, query, taskID, workerID, attempt, retryAfter, truncateErr(errMsg))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// FailTaskPermanent retires a task as permanently failed and folds its
// quantity into the order failure counters. Returns nil on a lost race.
func (s *PostgresStore) FailTaskPermanent(ctx context.Context, taskID, orderID string, quantity int, workerID string, attempt int, errMsg string, now time.Time) (*OrderProgress, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	retire := `
		UPDATE order_tasks
		SET status = 'FAILED_PERMANENT', error_message = $4, updated_at = $5
		WHERE id = $1 AND status = 'EXECUTING' AND worker_id = $2 AND attempts = $3
	`
	tag, err := tx.Exec(ctx, retire, taskID, workerID, attempt, truncateErr(errMsg), now)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, nil
	}

	progress, err := bumpFailedCounters(ctx, tx, orderID, quantity, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return progress, nil
}

// AbandonTask force-fails a non-terminal task during order cancellation.
func (s *PostgresStore) AbandonTask(ctx context.Context, taskID string, reason string, now time.Time) (*OrderProgress, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	retire := `
		UPDATE order_tasks
		SET status = 'FAILED_PERMANENT', error_message = $2, execution_started_at = NULL, updated_at = $3
		WHERE id = $1 AND status IN ('PENDING', 'EXECUTING', 'FAILED_RETRYING')
		RETURNING order_id, quantity
	`
	var orderID string
	var quantity int
	err = tx.QueryRow(ctx, retire, taskID, truncateErr(reason), now).Scan(&orderID, &quantity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	progress, err := bumpFailedCounters(ctx, tx, orderID, quantity, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return progress, nil
}

func bumpFailedCounters(ctx context.Context, tx pgx.Tx, orderID string, quantity int, now time.Time) (*OrderProgress, error) {
	bump := `
		UPDATE orders
		SET failed_permanent = failed_permanent + $2,
		    remains = GREATEST(remains - $2, 0),
		    updated_at = $3
		WHERE id = $1` + progressReturning
	return scanProgress(tx.QueryRow(ctx, bump, orderID, quantity, now))
}

func (s *PostgresStore) CountTasksByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM order_tasks GROUP BY status`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) CountStuckExecuting(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM order_tasks
		WHERE status = 'EXECUTING' AND execution_started_at <= $1
	`
	var n int
	if err := s.pool.QueryRow(ctx, query, cutoff).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// --- Refund Operations ---

// ApplyRefund issues at most one credit per task. The refunded-flag flip is
// the guard: whoever loses that conditional update changes nothing else.
func (s *PostgresStore) ApplyRefund(ctx context.Context, p RefundParams) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	flip := `
		UPDATE order_tasks
		SET refunded = TRUE, updated_at = NOW()
		WHERE id = $1 AND refunded = FALSE
	`
	tag, err := tx.Exec(ctx, flip, p.TaskID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if p.CreditBalance {
		credit := `
			UPDATE users
			SET balance = balance + $2, updated_at = NOW()
			WHERE id = $1
			RETURNING balance
		`
		var after decimal.Decimal
		if err := tx.QueryRow(ctx, credit, p.UserID, p.Amount).Scan(&after); err != nil {
			return false, err
		}

		entry := &BalanceTransaction{
			ID:            uuid.New().String(),
			UserID:        p.UserID,
			Kind:          TxRefund,
			Amount:        p.Amount,
			BalanceBefore: after.Sub(p.Amount),
			BalanceAfter:  after,
			OrderID:       p.OrderID,
			TaskID:        p.TaskID,
			Reason:        p.Reason,
			CreatedAt:     time.Now().UTC(),
		}
		if err := insertLedgerRow(ctx, tx, entry); err != nil {
			return false, err
		}

		event := `
			INSERT INTO refund_events (id, order_id, task_id, user_id, quantity, amount, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		`
		if _, err := tx.Exec(ctx, event,
			uuid.New().String(), p.OrderID, p.TaskID, p.UserID, p.Quantity, p.Amount, p.Reason,
		); err != nil {
			return false, err
		}
	}

	bump := `
		UPDATE orders
		SET refund_amount = refund_amount + $2, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, bump, p.OrderID, p.Amount); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) SumRefundedTasks(ctx context.Context, orderID string) (*RefundedTaskStats, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(quantity), 0)
		FROM order_tasks
		WHERE order_id = $1 AND refunded = TRUE
	`
	var stats RefundedTaskStats
	if err := s.pool.QueryRow(ctx, query, orderID).Scan(&stats.Tasks, &stats.Quantity); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (s *PostgresStore) ListRefundEventsSince(ctx context.Context, since time.Time) ([]*RefundEvent, error) {
	query := `
		SELECT id, order_id, task_id, user_id, quantity, amount, reason, created_at
		FROM refund_events
		WHERE created_at >= $1
	`
	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*RefundEvent
	for rows.Next() {
		var e RefundEvent
		if err := rows.Scan(&e.ID, &e.OrderID, &e.TaskID, &e.UserID, &e.Quantity, &e.Amount, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// --- Reconciliation Operations ---

func (s *PostgresStore) ListTerminalOrdersWithRefundActivity(ctx context.Context, limit int) ([]*Order, error) {
	query := `
		SELECT ` + orderCols + `
		FROM orders
		WHERE status IN ('COMPLETED', 'CANCELLED', 'FAILED')
		  AND (refund_amount > 0 OR failed_permanent > 0)
		ORDER BY updated_at DESC
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (s *PostgresStore) HasOpenAnomaly(ctx context.Context, orderID string, kind AnomalyKind) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM refund_anomalies
			WHERE order_id = $1 AND kind = $2 AND resolved_at IS NULL
		)
	`
	var exists bool
	if err := s.pool.QueryRow(ctx, query, orderID, kind).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *PostgresStore) InsertAnomaly(ctx context.Context, a *RefundAnomaly) error {
	query := `
		INSERT INTO refund_anomalies (id, order_id, kind, expected, actual, severity, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.pool.Exec(ctx, query,
		a.ID, a.OrderID, a.Kind, a.Expected, a.Actual, a.Severity, a.Details, a.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAnomalies(ctx context.Context, openOnly bool, limit int) ([]*RefundAnomaly, error) {
	query := `
		SELECT id, order_id, kind, expected, actual, severity, details, created_at, resolved_at
		FROM refund_anomalies
		WHERE ($1 = FALSE OR resolved_at IS NULL)
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, openOnly, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var anomalies []*RefundAnomaly
	for rows.Next() {
		var a RefundAnomaly
		if err := rows.Scan(&a.ID, &a.OrderID, &a.Kind, &a.Expected, &a.Actual, &a.Severity, &a.Details, &a.CreatedAt, &a.ResolvedAt); err != nil {
			return nil, err
		}
		anomalies = append(anomalies, &a)
	}
	return anomalies, rows.Err()
}

func (s *PostgresStore) ResolveAnomaly(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `
		UPDATE refund_anomalies
		SET resolved_at = $2
		WHERE id = $1 AND resolved_at IS NULL
	`
	tag, err := s.pool.Exec(ctx, query, id, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) FlagUser(ctx context.Context, f *FlaggedUser) error {
	query := `
		INSERT INTO flagged_users (user_id, reason, refund_count, flagged_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			reason = EXCLUDED.reason,
			refund_count = EXCLUDED.refund_count,
			flagged_at = EXCLUDED.flagged_at
	`
	_, err := s.pool.Exec(ctx, query, f.UserID, f.Reason, f.RefundCount, f.FlaggedAt)
	return err
}

// --- Validator Probes ---

func (s *PostgresStore) ListConservationViolations(ctx context.Context, limit int) ([]*Order, error) {
	query := `
		SELECT ` + orderCols + `
		FROM orders
		WHERE delivered + failed_permanent + remains <> quantity
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (s *PostgresStore) ListRefundCapViolations(ctx context.Context, limit int) ([]*Order, error) {
	query := `
		SELECT ` + orderCols + `
		FROM orders
		WHERE refund_amount > failed_permanent * price_per_unit + 0.01
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

const orderColsO = `
	o.id, o.user_id, COALESCE(o.external_key, ''), o.operation, o.target_url, o.country,
	o.quantity, o.delivered, o.remains, o.failed_permanent,
	o.price_per_unit, o.total_cost, o.refund_amount,
	o.status, o.notes, o.started_at, o.estimated_completion_at, o.completed_at,
	o.created_at, o.updated_at`

func (s *PostgresStore) ListTerminalOrdersWithLiveTasks(ctx context.Context, limit int) ([]*Order, error) {
	query := `
		SELECT DISTINCT ` + orderColsO + `
		FROM orders o
		JOIN order_tasks t ON t.order_id = o.id
		WHERE o.status IN ('COMPLETED', 'CANCELLED', 'FAILED')
		  AND t.status NOT IN ('COMPLETED', 'FAILED_PERMANENT')
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (s *PostgresStore) ListDuplicateTokens(ctx context.Context, limit int) ([]string, error) {
	query := `
		SELECT order_id::text || ':' || idempotency_token
		FROM order_tasks
		GROUP BY order_id, idempotency_token
		HAVING COUNT(*) > 1
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) ListDuplicateExternalKeys(ctx context.Context, limit int) ([]string, error) {
	query := `
		SELECT user_id::text || ':' || external_key
		FROM orders
		WHERE external_key IS NOT NULL
		GROUP BY user_id, external_key
		HAVING COUNT(*) > 1
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) ListStuckTasks(ctx context.Context, cutoff time.Time, limit int) ([]*Task, error) {
	query := `
		SELECT ` + taskCols + `
		FROM order_tasks
		WHERE status = 'EXECUTING' AND execution_started_at <= $1
		ORDER BY execution_started_at
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// --- Proxy Operations ---

const proxyCols = `
	id, endpoint, tier, country, status, capacity_limit, current_load,
	cost_factor, auth, created_at, updated_at`

func scanProxy(row pgx.Row) (*ProxyNode, error) {
	var n ProxyNode
	err := row.Scan(
		&n.ID, &n.Endpoint, &n.Tier, &n.Country, &n.Status, &n.CapacityLimit,
		&n.CurrentLoad, &n.CostFactor, &n.Auth, &n.CreatedAt, &n.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *PostgresStore) UpsertProxyNode(ctx context.Context, n *ProxyNode) error {
	query := `
		INSERT INTO proxy_nodes
			(id, endpoint, tier, country, status, capacity_limit, current_load, cost_factor, auth, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			endpoint = EXCLUDED.endpoint,
			tier = EXCLUDED.tier,
			country = EXCLUDED.country,
			status = EXCLUDED.status,
			capacity_limit = EXCLUDED.capacity_limit,
			cost_factor = EXCLUDED.cost_factor,
			auth = EXCLUDED.auth,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query,
		n.ID, n.Endpoint, n.Tier, n.Country, n.Status, n.CapacityLimit,
		n.CurrentLoad, n.CostFactor, n.Auth,
	)
	return err
}

func (s *PostgresStore) GetProxyNode(ctx context.Context, id string) (*ProxyNode, error) {
	query := `SELECT ` + proxyCols + ` FROM proxy_nodes WHERE id = $1`
	return scanProxy(s.pool.QueryRow(ctx, query, id))
}

func (s *PostgresStore) ListProxyNodes(ctx context.Context, limit int) ([]*ProxyNode, error) {
	query := `SELECT ` + proxyCols + ` FROM proxy_nodes ORDER BY tier, id LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return collectProxies(rows)
}

func (s *PostgresStore) ListProxyCandidates(ctx context.Context, tier ProxyTier, country string, limit int) ([]*ProxyNode, error) {
	query := `
		SELECT ` + proxyCols + `
		FROM proxy_nodes
		WHERE status = 'ONLINE'
		  AND tier = $1
		  AND current_load < capacity_limit
		  AND ($2 = '' OR country = $2)
		ORDER BY current_load
		LIMIT $3
	`
	rows, err := s.pool.Query(ctx, query, tier, country, limit)
	if err != nil {
		return nil, err
	}
	return collectProxies(rows)
}

func collectProxies(rows pgx.Rows) ([]*ProxyNode, error) {
	defer rows.Close()
	var nodes []*ProxyNode
	for rows.Next() {
		n, err := scanProxy(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// AcquireProxyLease reserves one capacity slot. Zero rows means a concurrent
// lease won the last slot or the node went offline; pick another node.
func (s *PostgresStore) AcquireProxyLease(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE proxy_nodes
		SET current_load = current_load + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'ONLINE' AND current_load < capacity_limit
	`
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseProxyLease(ctx context.Context, id string) error {
	query := `
		UPDATE proxy_nodes
		SET current_load = GREATEST(current_load - 1, 0), updated_at = NOW()
		WHERE id = $1
	`
	_, err := s.pool.Exec(ctx, query, id)
	return err
}

func (s *PostgresStore) SetProxyStatus(ctx context.Context, id string, status ProxyStatus) error {
	query := `
		UPDATE proxy_nodes
		SET status = $2, updated_at = NOW()
		WHERE id = $1
	`
	_, err := s.pool.Exec(ctx, query, id, status)
	return err
}

const maxErrLen = 500

func truncateErr(msg string) string {
	if len(msg) > maxErrLen {
		return msg[:maxErrLen]
	}
	return msg
}
