package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Sentinel outcomes surfaced by conditional writes. Callers branch with
// errors.Is; anything else is infrastructure failure.
var (
	// ErrInsufficientBalance means the conditional debit matched zero rows.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateExternalKey means the order's external key already exists
	// for this user. The caller should fetch and return the existing order.
	ErrDuplicateExternalKey = errors.New("duplicate external key")
)

// Store is the durable backend for orders, tasks, balances, refunds, and
// proxy inventory. Postgres is the production implementation; MemoryStore
// backs hermetic tests with the same conditional-update semantics.
//
// Missing rows are (nil, nil), not errors. Conditional mutations report
// "matched zero rows" through their bool return, never through error.
type Store interface {
	// User operations
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal, kind TxKind, reason string) (*BalanceTransaction, error)

	// Order operations
	CreateOrder(ctx context.Context, o *Order, tasks []*Task) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	GetOrderByExternalKey(ctx context.Context, userID, key string) (*Order, error)
	EnsureTasks(ctx context.Context, tasks []*Task) (int, error)
	FinalizeOrder(ctx context.Context, orderID, notes string, now time.Time) (bool, error)
	SetOrderCancelled(ctx context.Context, orderID, notes string, now time.Time) (bool, error)
	ListOrdersByStatus(ctx context.Context, status OrderStatus, limit int) ([]*Order, error)

	// Task operations
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasksByOrder(ctx context.Context, orderID string) ([]*Task, error)
	ListClaimable(ctx context.Context, now time.Time, orphanCutoff time.Time, limit int) ([]*Task, error)
	// ClaimTask transitions one row to EXECUTING iff its status still matches
	// prior and it is not inside another worker's live execution window.
	// Returns the post-claim attempt count when the claim wins.
	ClaimTask(ctx context.Context, taskID string, prior TaskStatus, workerID string, now time.Time, orphanCutoff time.Time) (bool, int, error)
	AssignTaskProxy(ctx context.Context, taskID, nodeID string) error
	// Completion and failure writes are conditional on (EXECUTING, workerID,
	// attempt) so a worker that lost its claim to orphan recovery cannot
	// retire the task a second time.
	CompleteTask(ctx context.Context, taskID, orderID string, quantity int, workerID string, attempt int, now time.Time) (*OrderProgress, error)
	FailTaskTransient(ctx context.Context, taskID, workerID string, attempt int, retryAfter time.Time, errMsg string) (bool, error)
	FailTaskPermanent(ctx context.Context, taskID, orderID string, quantity int, workerID string, attempt int, errMsg string, now time.Time) (*OrderProgress, error)
	AbandonTask(ctx context.Context, taskID string, reason string, now time.Time) (*OrderProgress, error)
	CountTasksByStatus(ctx context.Context) (map[TaskStatus]int, error)
	CountStuckExecuting(ctx context.Context, cutoff time.Time) (int, error)

	// Refund operations
	ApplyRefund(ctx context.Context, p RefundParams) (bool, error)
	SumRefundedTasks(ctx context.Context, orderID string) (*RefundedTaskStats, error)
	ListRefundEventsSince(ctx context.Context, since time.Time) ([]*RefundEvent, error)

	// Reconciliation operations
	ListTerminalOrdersWithRefundActivity(ctx context.Context, limit int) ([]*Order, error)
	HasOpenAnomaly(ctx context.Context, orderID string, kind AnomalyKind) (bool, error)
	InsertAnomaly(ctx context.Context, a *RefundAnomaly) error
	ListAnomalies(ctx context.Context, openOnly bool, limit int) ([]*RefundAnomaly, error)
	ResolveAnomaly(ctx context.Context, id string, now time.Time) (bool, error)
	FlagUser(ctx context.Context, f *FlaggedUser) error

	// Validator probes (read-only)
	ListConservationViolations(ctx context.Context, limit int) ([]*Order, error)
	ListRefundCapViolations(ctx context.Context, limit int) ([]*Order, error)
	ListTerminalOrdersWithLiveTasks(ctx context.Context, limit int) ([]*Order, error)
	ListDuplicateTokens(ctx context.Context, limit int) ([]string, error)
	ListDuplicateExternalKeys(ctx context.Context, limit int) ([]string, error)
	ListStuckTasks(ctx context.Context, cutoff time.Time, limit int) ([]*Task, error)

	// Proxy operations
	UpsertProxyNode(ctx context.Context, n *ProxyNode) error
	GetProxyNode(ctx context.Context, id string) (*ProxyNode, error)
	ListProxyNodes(ctx context.Context, limit int) ([]*ProxyNode, error)
	ListProxyCandidates(ctx context.Context, tier ProxyTier, country string, limit int) ([]*ProxyNode, error)
	AcquireProxyLease(ctx context.Context, id string) (bool, error)
	ReleaseProxyLease(ctx context.Context, id string) error
	SetProxyStatus(ctx context.Context, id string, status ProxyStatus) error
}
