package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playforge/playforge/engine/store"
)

func seedTerminalOrder(s *store.MemoryStore, id string, failedPermanent int, refundAmount string) *store.Order {
	price := decimal.RequireFromString("0.0002")
	o := &store.Order{
		ID:              id,
		UserID:          "u1",
		Operation:       store.OpPlayDelivery,
		TargetURL:       "https://play.example/track/9",
		Quantity:        15000,
		Delivered:       15000 - failedPermanent,
		Remains:         0,
		FailedPermanent: failedPermanent,
		PricePerUnit:    price,
		TotalCost:       price.Mul(decimal.NewFromInt(15000)),
		RefundAmount:    decimal.RequireFromString(refundAmount),
		Status:          store.OrderCompleted,
	}
	s.PutOrder(o)
	return o
}

func seedRefundedTask(s *store.MemoryStore, orderID, taskID string, quantity int) {
	s.PutTask(&store.Task{
		ID:               taskID,
		OrderID:          orderID,
		Quantity:         quantity,
		Status:           store.TaskFailedPermanent,
		MaxAttempts:      3,
		IdempotencyToken: taskID + "-token",
		Refunded:         true,
	})
}

// TestSweepConsistentOrder tests that aligned books emit nothing
func TestSweepConsistentOrder(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedTerminalOrder(s, "o1", 500, "0.1")
	seedRefundedTask(s, "o1", "t1", 500)

	j := New(s, Config{})
	emitted, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, emitted)

	anomalies, err := s.ListAnomalies(ctx, false, 10)
	require.NoError(t, err)
	assert.Empty(t, anomalies)
}

// TestSweepRefundAmountMismatch tests the money cross-check and its dedupe
func TestSweepRefundAmountMismatch(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	// Two refunded slices imply $0.20 but the order recorded nothing.
	seedTerminalOrder(s, "o1", 1000, "0")
	seedRefundedTask(s, "o1", "t1", 500)
	seedRefundedTask(s, "o1", "t2", 500)

	j := New(s, Config{})
	emitted, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, emitted)

	anomalies, err := s.ListAnomalies(ctx, true, 10)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	a := anomalies[0]
	assert.Equal(t, store.AnomalyRefundAmountMismatch, a.Kind)
	assert.Equal(t, store.SeverityMedium, a.Severity)
	assert.True(t, a.Expected.Equal(decimal.RequireFromString("0.2")))
	assert.True(t, a.Actual.IsZero())
	assert.Equal(t, "o1", a.OrderID)

	// The open anomaly suppresses a duplicate on the next sweep.
	emitted, err = j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, emitted)

	// Resolving reopens the check; the unchanged books trip it again.
	resolved, err := s.ResolveAnomaly(ctx, a.ID, time.Now())
	require.NoError(t, err)
	require.True(t, resolved)
	emitted, err = j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, emitted)
}

// TestSweepFailedPlaysMismatch tests the play-count cross-check in isolation
func TestSweepFailedPlaysMismatch(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	// Money lines up; the failed counter is 50 plays short of the tasks.
	seedTerminalOrder(s, "o1", 450, "0.1")
	seedRefundedTask(s, "o1", "t1", 500)

	j := New(s, Config{})
	emitted, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, emitted)

	anomalies, _ := s.ListAnomalies(ctx, true, 10)
	require.Len(t, anomalies, 1)
	assert.Equal(t, store.AnomalyFailedPlaysMismatch, anomalies[0].Kind)
	assert.Equal(t, store.SeverityMedium, anomalies[0].Severity)
	assert.True(t, anomalies[0].Expected.Equal(decimal.NewFromInt(500)))
	assert.True(t, anomalies[0].Actual.Equal(decimal.NewFromInt(450)))
}

// TestSweepHighSeverity tests escalation on large gaps
func TestSweepHighSeverity(t *testing.T) {
	ctx := context.Background()

	t.Run("money gap over a dollar", func(t *testing.T) {
		s := store.NewMemoryStore()
		// $2.50 recorded with no refunded task to back it.
		o := seedTerminalOrder(s, "o1", 0, "2.5")
		o.Delivered = 15000
		s.PutOrder(o)

		j := New(s, Config{})
		emitted, err := j.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, emitted)

		anomalies, _ := s.ListAnomalies(ctx, true, 10)
		require.Len(t, anomalies, 1)
		assert.Equal(t, store.AnomalyRefundAmountMismatch, anomalies[0].Kind)
		assert.Equal(t, store.SeverityHigh, anomalies[0].Severity)
	})

	t.Run("play gap over a hundred", func(t *testing.T) {
		s := store.NewMemoryStore()
		seedTerminalOrder(s, "o1", 300, "0.1")
		seedRefundedTask(s, "o1", "t1", 500)

		j := New(s, Config{})
		emitted, err := j.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, emitted)

		anomalies, _ := s.ListAnomalies(ctx, true, 10)
		require.Len(t, anomalies, 1)
		assert.Equal(t, store.AnomalyFailedPlaysMismatch, anomalies[0].Kind)
		assert.Equal(t, store.SeverityHigh, anomalies[0].Severity)
	})
}

// TestSweepSkipsLiveOrders tests that running orders are left alone
func TestSweepSkipsLiveOrders(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	o := seedTerminalOrder(s, "o1", 1000, "0")
	o.Status = store.OrderRunning
	s.PutOrder(o)
	seedRefundedTask(s, "o1", "t1", 500)

	j := New(s, Config{})
	emitted, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, emitted)
}

// TestVelocityCheck tests flagging users with refund bursts
func TestVelocityCheck(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	now := time.Now()

	putEvents := func(userID string, n int, at time.Time) {
		for i := 0; i < n; i++ {
			s.PutRefundEvent(&store.RefundEvent{
				ID:        fmt.Sprintf("%s-e%d", userID, i),
				OrderID:   "o-" + userID,
				TaskID:    fmt.Sprintf("%s-t%d", userID, i),
				UserID:    userID,
				Quantity:  500,
				Amount:    decimal.RequireFromString("0.1"),
				Reason:    "permanent failure",
				CreatedAt: at,
			})
		}
	}
	putEvents("heavy", 3, now.Add(-time.Minute))
	putEvents("light", 2, now.Add(-time.Minute))
	putEvents("stale", 3, now.Add(-2*time.Hour))

	j := New(s, Config{VelocityThreshold: 2})
	flagged, err := j.VelocityCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, flagged)

	users := s.FlaggedUsers()
	require.Len(t, users, 1)
	assert.Equal(t, "heavy", users[0].UserID)
	assert.Equal(t, 3, users[0].RefundCount)
	assert.Equal(t, "3 refunds within 1h0m0s", users[0].Reason)

	// At the threshold is fine; only past it trips.
	j2 := New(s, Config{VelocityThreshold: 3})
	flagged, err = j2.VelocityCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, flagged)
}
