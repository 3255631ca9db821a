package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// === Delivery worker ===

	// WorkerCycles counts completed delivery cycles.
	WorkerCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "play_worker_cycles_total",
		Help: "Total number of delivery worker cycles run",
	})

	// WorkerCyclesDropped counts ticks rejected because the previous cycle was still running.
	WorkerCyclesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "play_worker_cycles_dropped_total",
		Help: "Ticker fires dropped because a cycle was already in flight",
	})

	// WorkerCycleDuration tracks the duration of a full delivery cycle.
	WorkerCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "play_worker_cycle_duration_seconds",
		Help:    "Duration of a delivery worker cycle",
		Buckets: prometheus.DefBuckets,
	})

	// TasksClaimed counts successful claims by the status the task held before the claim.
	TasksClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "play_tasks_claimed_total",
		Help: "Tasks claimed for execution, labeled by pre-claim status",
	}, []string{"prior"}) // prior: pending, retry, orphan

	// ClaimRaces counts claims lost to a concurrent worker (zero rows updated).
	ClaimRaces = promauto.NewCounter(prometheus.CounterOpts{
		Name: "play_claim_races_total",
		Help: "Claim attempts that matched zero rows because another worker won",
	})

	// TasksCompleted counts tasks that reached COMPLETED.
	TasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "play_tasks_completed_total",
		Help: "Tasks completed successfully",
	})

	// TaskFailures counts failure outcomes by kind.
	TaskFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "play_task_failures_total",
		Help: "Task execution failures",
	}, []string{"kind"}) // kind: transient, permanent, no_proxy, timeout

	// TaskRetriesScheduled counts FAILED_RETRYING transitions (backoff scheduled).
	TaskRetriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "play_task_retries_scheduled_total",
		Help: "Tasks scheduled for retry with exponential backoff",
	})

	// OrphansRecovered counts EXECUTING tasks reclaimed past the orphan threshold.
	OrphansRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "play_orphans_recovered_total",
		Help: "Orphaned tasks reclaimed from dead or stalled workers",
	})

	// InflightTasks tracks tasks currently executing in this process.
	InflightTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "play_inflight_tasks",
		Help: "Tasks currently being executed by this worker",
	})

	// ExecutorLatency tracks executor round-trip time.
	ExecutorLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "play_executor_latency_seconds",
		Help:    "Delivery executor round-trip latency",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
	})

	// === Orders & ledger ===

	// OrdersCreated counts accepted orders by planning path.
	OrdersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "play_orders_created_total",
		Help: "Orders accepted, labeled by planning path",
	}, []string{"path"}) // path: split, instant

	// OrdersCompleted counts orders that reached COMPLETED.
	OrdersCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "play_orders_completed_total",
		Help: "Orders completed, labeled full or partial",
	}, []string{"result"}) // result: full, partial

	// OrdersRejected counts order submissions turned away before any write.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "play_orders_rejected_total",
		Help: "Order submissions rejected",
	}, []string{"reason"}) // reason: validation, insufficient_balance

	// DuplicateSubmissions counts idempotent replays of an existing external key.
	DuplicateSubmissions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "play_duplicate_submissions_total",
		Help: "Order submissions that matched an existing external key",
	})

	// RefundsIssued counts refund credits applied to user balances.
	RefundsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "play_refunds_issued_total",
		Help: "Refund credits applied for permanently failed tasks",
	})

	// RefundAmount accumulates the refunded currency amount.
	RefundAmount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "play_refund_amount_total",
		Help: "Total currency amount refunded",
	})

	// RefundsSkipped counts refund requests that applied no credit.
	RefundsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "play_refunds_skipped_total",
		Help: "Refund requests that issued no credit",
	}, []string{"reason"}) // reason: already_refunded, disabled

	// === Proxy router ===

	// ProxySelections counts successful node selections by tier.
	ProxySelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "play_proxy_selections_total",
		Help: "Proxy nodes handed out, labeled by tier",
	}, []string{"tier"})

	// ProxySelectionFailures counts selection rounds that produced no node.
	ProxySelectionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "play_proxy_selection_failures_total",
		Help: "Selection rounds that could not produce a node",
	}, []string{"reason"}) // reason: no_candidates, below_min_score, rate_limited, lease_race

	// ProxyOfflined counts nodes forced offline by executor error codes.
	ProxyOfflined = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "play_proxy_offlined_total",
		Help: "Proxy nodes set OFFLINE after ban or rate-limit responses",
	}, []string{"code"}) // code: 403, 429

	// ProxyLastResort counts selections forced onto the minimum tier with its breaker open.
	ProxyLastResort = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "play_proxy_last_resort_total",
		Help: "Selections that consulted the minimum tier despite an open breaker",
	}, []string{"tier"})

	// BreakerState reports the current tier circuit state (0=closed, 1=half_open, 2=open).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "play_tier_breaker_state",
		Help: "Tier circuit breaker state (0=closed, 1=half_open, 2=open)",
	}, []string{"tier"})

	// BreakerTransitions counts tier breaker state changes.
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "play_tier_breaker_transitions_total",
		Help: "Tier circuit breaker transitions",
	}, []string{"tier", "to"}) // to: open, half_open, closed

	// StickySessions counts sticky-session routing outcomes.
	StickySessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "play_sticky_sessions_total",
		Help: "Sticky session lookups during selection",
	}, []string{"outcome"}) // outcome: hit, miss, stale

	// === Reconciliation & audit ===

	// ReconcileRuns counts reconciliation sweeps.
	ReconcileRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "play_reconcile_runs_total",
		Help: "Reconciliation sweeps executed",
	})

	// ReconcileAnomalies counts anomalies opened by kind.
	ReconcileAnomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "play_reconcile_anomalies_total",
		Help: "Refund anomalies opened",
	}, []string{"kind"}) // kind: refund_amount_mismatch, failed_plays_mismatch

	// VelocityFlags counts users flagged by the refund-velocity check.
	VelocityFlags = promauto.NewCounter(prometheus.CounterOpts{
		Name: "play_velocity_flags_total",
		Help: "Users flagged for refund velocity",
	})

	// InvariantViolations counts violations surfaced by the validator.
	InvariantViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "play_invariant_violations_total",
		Help: "Invariant violations reported by the validator",
	}, []string{"check"})

	// === Admin surface ===

	// APIRateLimited tracks admin requests rejected by the storm limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "play_api_rate_limited_total",
		Help: "Admin API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})

	// WSClients tracks connected status-stream clients.
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "play_ws_clients",
		Help: "Currently connected status stream clients",
	})
)
