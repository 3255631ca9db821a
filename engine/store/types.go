package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderRunning   OrderStatus = "RUNNING"
	OrderCompleted OrderStatus = "COMPLETED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderFailed    OrderStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderCancelled || s == OrderFailed
}

// TaskStatus is the lifecycle state of a delivery task.
type TaskStatus string

const (
	TaskPending         TaskStatus = "PENDING"
	TaskExecuting       TaskStatus = "EXECUTING"
	TaskCompleted       TaskStatus = "COMPLETED"
	TaskFailedRetrying  TaskStatus = "FAILED_RETRYING"
	TaskFailedPermanent TaskStatus = "FAILED_PERMANENT"
)

// Terminal reports whether the task can never execute again.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailedPermanent
}

// TxKind classifies a balance ledger entry.
type TxKind string

const (
	TxDebit  TxKind = "DEBIT"
	TxRefund TxKind = "REFUND"
	TxCredit TxKind = "CREDIT"
	TxAdjust TxKind = "ADJUST"
)

// Operation is the kind of work an order asks the executor to perform.
type Operation string

const (
	OpPlayDelivery    Operation = "PLAY_DELIVERY"
	OpAccountCreation Operation = "ACCOUNT_CREATION"
	OpPlaylistFollow  Operation = "PLAYLIST_FOLLOW"
)

// ProxyTier is a proxy node class ordered by expected quality and cost.
type ProxyTier string

const (
	TierDatacenter    ProxyTier = "DATACENTER"
	TierISP           ProxyTier = "ISP"
	TierUserArbitrage ProxyTier = "USER_ARBITRAGE"
	TierResidential   ProxyTier = "RESIDENTIAL"
	TierMobile        ProxyTier = "MOBILE"
	TierTor           ProxyTier = "TOR"
)

// ProxyStatus is the administrative availability of a proxy node.
type ProxyStatus string

const (
	ProxyOnline      ProxyStatus = "ONLINE"
	ProxyOffline     ProxyStatus = "OFFLINE"
	ProxyMaintenance ProxyStatus = "MAINTENANCE"
	ProxyBanned      ProxyStatus = "BANNED"
	ProxyRateLimited ProxyStatus = "RATE_LIMITED"
)

// AnomalyKind classifies a reconciliation finding.
type AnomalyKind string

const (
	AnomalyRefundAmountMismatch AnomalyKind = "REFUND_AMOUNT_MISMATCH"
	AnomalyFailedPlaysMismatch  AnomalyKind = "FAILED_PLAYS_MISMATCH"
)

// Anomaly severities.
const (
	SeverityMedium = "MEDIUM"
	SeverityHigh   = "HIGH"
)

// User represents a balance-carrying account.
type User struct {
	ID        string          `json:"id" db:"id"`
	Email     string          `json:"email" db:"email"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Order represents a purchased batch of plays to deliver against a target URL.
type Order struct {
	ID                    string          `json:"id" db:"id"`
	UserID                string          `json:"user_id" db:"user_id"`
	ExternalKey           string          `json:"external_key,omitempty" db:"external_key"` // client-chosen idempotency key, empty = none
	Operation             Operation       `json:"operation" db:"operation"`
	TargetURL             string          `json:"target_url" db:"target_url"`
	Country               string          `json:"country,omitempty" db:"country"` // preferred proxy geo, empty = any
	Quantity              int             `json:"quantity" db:"quantity"`
	Delivered             int             `json:"delivered" db:"delivered"`
	Remains               int             `json:"remains" db:"remains"`
	FailedPermanent       int             `json:"failed_permanent" db:"failed_permanent"`
	PricePerUnit          decimal.Decimal `json:"price_per_unit" db:"price_per_unit"`
	TotalCost             decimal.Decimal `json:"total_cost" db:"total_cost"`
	RefundAmount          decimal.Decimal `json:"refund_amount" db:"refund_amount"`
	Status                OrderStatus     `json:"status" db:"status"`
	Notes                 string          `json:"notes,omitempty" db:"notes"`
	StartedAt             *time.Time      `json:"started_at,omitempty" db:"started_at"`
	EstimatedCompletionAt *time.Time      `json:"estimated_completion_at,omitempty" db:"estimated_completion_at"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt             time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at" db:"updated_at"`
}

// Task is one delivery slice of an order. The sum of task quantities always
// equals the order quantity.
type Task struct {
	ID                 string     `json:"id" db:"id"`
	OrderID            string     `json:"order_id" db:"order_id"`
	SequenceNumber     int        `json:"sequence_number" db:"sequence_number"`
	Quantity           int        `json:"quantity" db:"quantity"`
	Status             TaskStatus `json:"status" db:"status"`
	Attempts           int        `json:"attempts" db:"attempts"`
	MaxAttempts        int        `json:"max_attempts" db:"max_attempts"`
	IdempotencyToken   string     `json:"idempotency_token" db:"idempotency_token"`
	ScheduledAt        time.Time  `json:"scheduled_at" db:"scheduled_at"`
	RetryAfter         *time.Time `json:"retry_after,omitempty" db:"retry_after"`
	ExecutionStartedAt *time.Time `json:"execution_started_at,omitempty" db:"execution_started_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	WorkerID           string     `json:"worker_id,omitempty" db:"worker_id"`
	ProxyNodeID        string     `json:"proxy_node_id,omitempty" db:"proxy_node_id"`
	ErrorMessage       string     `json:"error_message,omitempty" db:"error_message"`
	Refunded           bool       `json:"refunded" db:"refunded"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// BalanceTransaction is one signed ledger entry against a user balance.
type BalanceTransaction struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Kind          TxKind          `json:"kind" db:"kind"`
	Amount        decimal.Decimal `json:"amount" db:"amount"` // signed: debits negative, credits positive
	BalanceBefore decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after" db:"balance_after"`
	OrderID       string          `json:"order_id,omitempty" db:"order_id"`
	TaskID        string          `json:"task_id,omitempty" db:"task_id"`
	Reason        string          `json:"reason" db:"reason"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// RefundEvent records one refund credit for velocity analysis.
type RefundEvent struct {
	ID        string          `json:"id" db:"id"`
	OrderID   string          `json:"order_id" db:"order_id"`
	TaskID    string          `json:"task_id" db:"task_id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Quantity  int             `json:"quantity" db:"quantity"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Reason    string          `json:"reason" db:"reason"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// RefundAnomaly is a reconciliation finding that stays open until an operator
// resolves it.
type RefundAnomaly struct {
	ID         string          `json:"id" db:"id"`
	OrderID    string          `json:"order_id" db:"order_id"`
	Kind       AnomalyKind     `json:"kind" db:"kind"`
	Expected   decimal.Decimal `json:"expected" db:"expected"`
	Actual     decimal.Decimal `json:"actual" db:"actual"`
	Severity   string          `json:"severity" db:"severity"` // MEDIUM, HIGH
	Details    string          `json:"details" db:"details"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
}

// ProxyNode is a routable egress endpoint.
type ProxyNode struct {
	ID            string      `json:"id" db:"id"`
	Endpoint      string      `json:"endpoint" db:"endpoint"`
	Tier          ProxyTier   `json:"tier" db:"tier"`
	Country       string      `json:"country,omitempty" db:"country"`
	Status        ProxyStatus `json:"status" db:"status"`
	CapacityLimit int         `json:"capacity_limit" db:"capacity_limit"`
	CurrentLoad   int         `json:"current_load" db:"current_load"`
	CostFactor    float64     `json:"cost_factor" db:"cost_factor"` // scoring multiplier, 1.0 = neutral
	Auth          string      `json:"auth,omitempty" db:"auth"`     // opaque credentials forwarded to the executor
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at" db:"updated_at"`
}

// FlaggedUser records a user tripped by the refund-velocity check.
type FlaggedUser struct {
	UserID      string    `json:"user_id" db:"user_id"`
	Reason      string    `json:"reason" db:"reason"`
	RefundCount int       `json:"refund_count" db:"refund_count"`
	FlaggedAt   time.Time `json:"flagged_at" db:"flagged_at"`
}

// OrderProgress is the post-update snapshot returned by the conditional
// counter mutations, enough for the caller to decide on completion.
type OrderProgress struct {
	OrderID         string
	Quantity        int
	Delivered       int
	Remains         int
	FailedPermanent int
	RefundAmount    decimal.Decimal
	PricePerUnit    decimal.Decimal
	Status          OrderStatus
}

// RefundedTaskStats aggregates an order's refunded tasks.
type RefundedTaskStats struct {
	Tasks    int
	Quantity int
}

// RefundParams carries one refund application through the store.
type RefundParams struct {
	TaskID   string
	OrderID  string
	UserID   string
	Quantity int
	Amount   decimal.Decimal
	Reason   string
	// CreditBalance false applies bookkeeping only: the task flag flips and
	// the order refund total moves, but no balance change, ledger entry, or
	// refund event is written.
	CreditBalance bool
}
