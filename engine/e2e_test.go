package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playforge/playforge/engine/audit"
	"github.com/playforge/playforge/engine/executor"
	"github.com/playforge/playforge/engine/ledger"
	"github.com/playforge/playforge/engine/orders"
	"github.com/playforge/playforge/engine/reconcile"
	"github.com/playforge/playforge/engine/router"
	"github.com/playforge/playforge/engine/store"
	"github.com/playforge/playforge/engine/worker"
)

// scriptedExecutor succeeds every delivery except tasks scripted to fail.
type scriptedExecutor struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls int
}

func (e *scriptedExecutor) Deliver(_ context.Context, req executor.Request) (*executor.Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.fail[req.TaskID] {
		return &executor.Response{Success: false, ErrorCode: 500, Message: "platform rejected the delivery"}, nil
	}
	return &executor.Response{Success: true, PlaysDelivered: req.Quantity, LatencyMs: 50}, nil
}

func (e *scriptedExecutor) failTask(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail == nil {
		e.fail = make(map[string]bool)
	}
	e.fail[taskID] = true
}

func (e *scriptedExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// engineRig wires the full pipeline over the in-memory store: one funded
// user, one datacenter proxy, a single-threaded worker, and live ledger,
// reconciliation, and audit components.
type engineRig struct {
	store  *store.MemoryStore
	orders *orders.Service
	router *router.Router
	worker *worker.Worker
	recon  *reconcile.Job
	audit  *audit.Validator
	exec   *scriptedExecutor
}

func newEngineRig(t *testing.T) *engineRig {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateUser(ctx, &store.User{ID: "u1", Email: "u1@example.com", Balance: decimal.NewFromInt(5)}))
	require.NoError(t, st.UpsertProxyNode(ctx, &store.ProxyNode{
		ID:            "dc-1",
		Endpoint:      "http://dc-1:3128",
		Tier:          store.TierDatacenter,
		Status:        store.ProxyOnline,
		CapacityLimit: 50,
		CostFactor:    1.0,
	}))

	led := ledger.NewEngine(st, true)
	svc := orders.NewService(st, nil, led, orders.Config{
		SplitSize:           500,
		MaxAttempts:         3,
		DeliveryRatePerHour: 60000,
	})

	routerCfg := router.DefaultConfig()
	routerCfg.NodeRatePerSec = 1000
	routerCfg.NodeBurst = 1000
	rtr := router.New(st, nil, routerCfg)

	exec := &scriptedExecutor{}
	// MaxConcurrent 1 keeps execution in schedule order, so the failure
	// script hits the same tasks on every cycle.
	wrk := worker.New(st, rtr, exec, nil, led, worker.Config{
		BatchSize:       50,
		MaxConcurrent:   1,
		OrphanThreshold: 2 * time.Minute,
		MaxAttempts:     3,
		ExecTimeout:     5 * time.Second,
	})

	return &engineRig{
		store:  st,
		orders: svc,
		router: rtr,
		worker: wrk,
		recon: reconcile.New(st, reconcile.Config{
			SweepLimit:        100,
			VelocityWindow:    time.Hour,
			VelocityThreshold: 2,
		}),
		audit: audit.New(st, 2*time.Minute),
		exec:  exec,
	}
}

func (r *engineRig) createOrder(t *testing.T, quantity int) *store.Order {
	t.Helper()
	order, created, err := r.orders.Create(context.Background(), &orders.CreateRequest{
		UserID:       "u1",
		TargetURL:    "https://play.example/track/9",
		Quantity:     quantity,
		PricePerUnit: decimal.NewFromFloat(0.0002),
	})
	require.NoError(t, err)
	require.True(t, created)
	return order
}

// rewindTasks pulls schedules and retry timers into the past so the next
// cycle claims them, preserving sequence order. Tasks at or beyond dueBelow
// are parked an hour out instead.
func (r *engineRig) rewindTasks(t *testing.T, orderID string, dueBelow int) {
	t.Helper()
	tasks, err := r.store.ListTasksByOrder(context.Background(), orderID)
	require.NoError(t, err)
	base := time.Now().Add(-time.Minute)
	for _, tk := range tasks {
		cp := *tk
		if tk.SequenceNumber < dueBelow {
			cp.ScheduledAt = base.Add(time.Duration(tk.SequenceNumber) * time.Millisecond)
			if cp.RetryAfter != nil {
				due := cp.ScheduledAt
				cp.RetryAfter = &due
			}
		} else {
			cp.ScheduledAt = time.Now().Add(time.Hour)
		}
		r.store.PutTask(&cp)
	}
}

// orderState fetches the order and checks play conservation on the way out.
func (r *engineRig) orderState(t *testing.T, orderID string) *store.Order {
	t.Helper()
	o, err := r.store.GetOrder(context.Background(), orderID)
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, o.Quantity, o.Delivered+o.FailedPermanent+o.Remains,
		"delivered + failed + remains must equal quantity")
	return o
}

func (r *engineRig) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	u, err := r.store.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, u)
	return u.Balance
}

// TestFullDeliveryLifecycle tests an order from intake through delivery to a
// clean close: debit on accept, thirty tasks executed, order completed, and
// both the validator and the reconciler finding nothing to complain about.
func TestFullDeliveryLifecycle(t *testing.T) {
	rig := newEngineRig(t)
	ctx := context.Background()

	order := rig.createOrder(t, 15000)
	assert.Equal(t, store.OrderRunning, order.Status)
	assert.True(t, decimal.NewFromInt(3).Equal(order.TotalCost), "total cost %s", order.TotalCost)
	assert.True(t, decimal.NewFromInt(2).Equal(rig.balance(t)), "balance after debit")

	tasks, err := rig.store.ListTasksByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 30)

	rig.rewindTasks(t, order.ID, len(tasks))
	rig.worker.RunCycle(ctx)

	final := rig.orderState(t, order.ID)
	assert.Equal(t, store.OrderCompleted, final.Status)
	assert.Equal(t, 15000, final.Delivered)
	assert.Zero(t, final.FailedPermanent)
	assert.Zero(t, final.Remains)
	assert.Equal(t, "Delivered: 15,000 | Failed: 0", final.Notes)
	require.NotNil(t, final.CompletedAt)
	assert.True(t, final.RefundAmount.IsZero())

	// Money moved exactly once.
	assert.True(t, decimal.NewFromInt(2).Equal(rig.balance(t)))
	entries := rig.store.LedgerEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, store.TxDebit, entries[0].Kind)
	assert.Empty(t, rig.store.RefundEvents())

	stats := rig.worker.Stats()
	assert.Equal(t, int64(30), stats.Completed)
	assert.Zero(t, stats.Transient)
	assert.Zero(t, stats.Permanent)
	assert.Equal(t, 30, rig.exec.callCount())

	node, err := rig.store.GetProxyNode(ctx, "dc-1")
	require.NoError(t, err)
	assert.Zero(t, node.CurrentLoad, "every lease released")

	completions := 0
	for _, ev := range rig.worker.Timeline().ForOrder(order.ID, 200) {
		if ev.Stage == worker.StageCompleted {
			completions++
		}
	}
	assert.Equal(t, 30, completions)

	report, err := rig.audit.Scan(ctx)
	require.NoError(t, err)
	assert.True(t, report.Healthy)

	emitted, err := rig.recon.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, emitted)
}

// TestPartialDeliveryRefunds tests three tasks failing through every retry:
// the order closes partial, each failed slice is refunded exactly once, the
// tier breaker trips on the accumulated failures, and the refund velocity
// check flags the user.
func TestPartialDeliveryRefunds(t *testing.T) {
	rig := newEngineRig(t)
	ctx := context.Background()

	order := rig.createOrder(t, 15000)
	tasks, err := rig.store.ListTasksByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 30)
	for _, tk := range tasks {
		switch tk.SequenceNumber {
		case 7, 15, 23:
			rig.exec.failTask(tk.ID)
		}
	}

	// Cycle 1: 27 complete, 3 go transient on their first attempt.
	rig.rewindTasks(t, order.ID, 30)
	rig.worker.RunCycle(ctx)

	o := rig.orderState(t, order.ID)
	assert.Equal(t, store.OrderRunning, o.Status)
	assert.Equal(t, 13500, o.Delivered)
	assert.Zero(t, o.FailedPermanent)
	assert.Equal(t, 1500, o.Remains)

	counts, err := rig.store.CountTasksByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 27, counts[store.TaskCompleted])
	assert.Equal(t, 3, counts[store.TaskFailedRetrying])
	assert.Equal(t, int64(3), rig.worker.Stats().Transient)

	// Cycle 2: the same three fail their second attempt.
	rig.rewindTasks(t, order.ID, 30)
	rig.worker.RunCycle(ctx)

	o = rig.orderState(t, order.ID)
	assert.Equal(t, store.OrderRunning, o.Status)
	assert.Equal(t, 1500, o.Remains)
	assert.Equal(t, int64(6), rig.worker.Stats().Transient)

	// Cycle 3: third attempt is the last, so the failures go permanent,
	// refunds land, and the order finalizes as partial.
	rig.rewindTasks(t, order.ID, 30)
	rig.worker.RunCycle(ctx)

	final := rig.orderState(t, order.ID)
	assert.Equal(t, store.OrderCompleted, final.Status)
	assert.Equal(t, 13500, final.Delivered)
	assert.Equal(t, 1500, final.FailedPermanent)
	assert.Zero(t, final.Remains)
	assert.Equal(t, "Delivered: 13,500 | Failed: 1,500 (PARTIAL) | Refunded: $0.30", final.Notes)
	assert.True(t, decimal.RequireFromString("0.3").Equal(final.RefundAmount), "refund total %s", final.RefundAmount)

	// 5 in, 3 charged, 0.30 back.
	assert.True(t, decimal.RequireFromString("2.3").Equal(rig.balance(t)), "balance %s", rig.balance(t))

	entries := rig.store.LedgerEntries()
	require.Len(t, entries, 4)
	refunds := 0
	for _, e := range entries {
		if e.Kind == store.TxRefund {
			refunds++
		}
	}
	assert.Equal(t, 3, refunds)
	assert.Len(t, rig.store.RefundEvents(), 3)

	for _, tk := range tasks {
		got, err := rig.store.GetTask(ctx, tk.ID)
		require.NoError(t, err)
		switch tk.SequenceNumber {
		case 7, 15, 23:
			assert.Equal(t, store.TaskFailedPermanent, got.Status)
			assert.Equal(t, 3, got.Attempts)
			assert.True(t, got.Refunded)
		default:
			assert.Equal(t, store.TaskCompleted, got.Status)
			assert.False(t, got.Refunded)
		}
	}

	stats := rig.worker.Stats()
	assert.Equal(t, int64(27), stats.Completed)
	assert.Equal(t, int64(6), stats.Transient)
	assert.Equal(t, int64(3), stats.Permanent)
	assert.Equal(t, 36, rig.exec.callCount())

	// Nine failures inside the window put the datacenter breaker past its
	// threshold of eight.
	assert.Equal(t, "open", rig.router.BreakerStates()[string(store.TierDatacenter)])

	report, err := rig.audit.Scan(ctx)
	require.NoError(t, err)
	assert.True(t, report.Healthy)

	emitted, err := rig.recon.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, emitted, "refund totals agree with failed plays")

	flagged, err := rig.recon.VelocityCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, flagged)
	users := rig.store.FlaggedUsers()
	require.Len(t, users, 1)
	assert.Equal(t, "u1", users[0].UserID)
	assert.Equal(t, 3, users[0].RefundCount)
}

// TestCancelMidDelivery tests cancelling a half-done order: delivered slices
// keep their money, open slices are refunded, and the books still balance.
func TestCancelMidDelivery(t *testing.T) {
	rig := newEngineRig(t)
	ctx := context.Background()

	order := rig.createOrder(t, 15000)

	// Only the first ten tasks are due; the rest stay parked.
	rig.rewindTasks(t, order.ID, 10)
	rig.worker.RunCycle(ctx)

	o := rig.orderState(t, order.ID)
	assert.Equal(t, store.OrderRunning, o.Status)
	assert.Equal(t, 5000, o.Delivered)
	assert.Equal(t, 10000, o.Remains)

	cancelled, err := rig.orders.Cancel(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OrderCancelled, cancelled.Status)

	final := rig.orderState(t, order.ID)
	assert.Equal(t, store.OrderCancelled, final.Status)
	assert.Equal(t, 5000, final.Delivered)
	assert.Equal(t, 10000, final.FailedPermanent)
	assert.Zero(t, final.Remains)
	assert.Equal(t, "Cancelled by operator | Delivered: 5,000 | Failed: 10,000 | Refunded: $2.00", final.Notes)
	assert.True(t, decimal.NewFromInt(2).Equal(final.RefundAmount))

	// 5 in, 3 charged, 2 back for the undelivered portion.
	assert.True(t, decimal.NewFromInt(4).Equal(rig.balance(t)), "balance %s", rig.balance(t))

	tasks, err := rig.store.ListTasksByOrder(ctx, order.ID)
	require.NoError(t, err)
	completed, refunded := 0, 0
	for _, tk := range tasks {
		switch tk.Status {
		case store.TaskCompleted:
			completed++
			assert.False(t, tk.Refunded)
		case store.TaskFailedPermanent:
			assert.True(t, tk.Refunded)
			refunded++
		default:
			t.Fatalf("task %s left in %s after cancel", tk.ID, tk.Status)
		}
	}
	assert.Equal(t, 10, completed)
	assert.Equal(t, 20, refunded)
	assert.Len(t, rig.store.RefundEvents(), 20)

	report, err := rig.audit.Scan(ctx)
	require.NoError(t, err)
	assert.True(t, report.Healthy)

	emitted, err := rig.recon.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, emitted)

	// Cancelling again is a conflict, not a second refund.
	_, err = rig.orders.Cancel(ctx, order.ID)
	require.ErrorIs(t, err, orders.ErrOrderTerminal)
	assert.True(t, decimal.NewFromInt(4).Equal(rig.balance(t)))
}
