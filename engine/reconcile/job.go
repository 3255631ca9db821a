// Package reconcile cross-checks per-order refund aggregates against
// per-task truth on a timer, independent of the delivery pipeline. Findings
// are persisted as anomalies for ops review; nothing here mutates orders.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/playforge/playforge/engine/logging"
	"github.com/playforge/playforge/engine/observability"
	"github.com/playforge/playforge/engine/store"
)

var (
	// Money mismatches up to a cent are rounding noise, not anomalies.
	moneyTolerance = decimal.NewFromFloat(0.01)

	// Gaps past these escalate the anomaly to HIGH.
	highMoneyGap = decimal.NewFromInt(1)
	highPlayGap  = 100
)

// Config tunes the reconciliation cadence and the refund-velocity check.
type Config struct {
	SweepInterval     time.Duration // per-order aggregate check cadence
	SweepLimit        int           // orders inspected per sweep
	VelocityInterval  time.Duration // velocity check cadence
	VelocityWindow    time.Duration // look-back for counting refund events
	VelocityThreshold int           // flag users with more refunds than this
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval:     15 * time.Minute,
		SweepLimit:        500,
		VelocityInterval:  time.Hour,
		VelocityWindow:    time.Hour,
		VelocityThreshold: 5,
	}
}

// Job runs the periodic checks.
type Job struct {
	store store.Store
	cfg   Config
	log   zerolog.Logger
}

// New builds a reconciliation job.
func New(s store.Store, cfg Config) *Job {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Minute
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = 500
	}
	if cfg.VelocityInterval <= 0 {
		cfg.VelocityInterval = time.Hour
	}
	if cfg.VelocityWindow <= 0 {
		cfg.VelocityWindow = time.Hour
	}
	if cfg.VelocityThreshold <= 0 {
		cfg.VelocityThreshold = 5
	}
	return &Job{store: s, cfg: cfg, log: logging.WithComponent("reconcile")}
}

// Run executes sweeps until the context ends.
func (j *Job) Run(ctx context.Context) {
	j.log.Info().
		Dur("sweep_interval", j.cfg.SweepInterval).
		Dur("velocity_interval", j.cfg.VelocityInterval).
		Msg("reconciliation starting")

	sweep := time.NewTicker(j.cfg.SweepInterval)
	defer sweep.Stop()
	velocity := time.NewTicker(j.cfg.VelocityInterval)
	defer velocity.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info().Msg("reconciliation stopping")
			return
		case <-sweep.C:
			if _, err := j.Sweep(ctx); err != nil {
				j.log.Error().Err(err).Msg("sweep failed")
			}
		case <-velocity.C:
			if _, err := j.VelocityCheck(ctx); err != nil {
				j.log.Error().Err(err).Msg("velocity check failed")
			}
		}
	}
}

// Sweep checks every terminal order with refund activity and returns the
// number of anomalies emitted.
func (j *Job) Sweep(ctx context.Context) (int, error) {
	orders, err := j.store.ListTerminalOrdersWithRefundActivity(ctx, j.cfg.SweepLimit)
	if err != nil {
		return 0, fmt.Errorf("list orders for reconciliation: %w", err)
	}

	emitted := 0
	for _, o := range orders {
		n, err := j.checkOrder(ctx, o)
		if err != nil {
			j.log.Error().Err(err).Str("order_id", o.ID).Msg("order check failed")
			continue
		}
		emitted += n
	}

	observability.ReconcileRuns.Inc()
	j.log.Info().Int("orders", len(orders)).Int("anomalies", emitted).Msg("sweep done")
	return emitted, nil
}

// checkOrder compares the order's refund aggregates against its tasks.
func (j *Job) checkOrder(ctx context.Context, o *store.Order) (int, error) {
	stats, err := j.store.SumRefundedTasks(ctx, o.ID)
	if err != nil {
		return 0, fmt.Errorf("sum refunded tasks: %w", err)
	}

	emitted := 0
	refundedQty := decimal.NewFromInt(int64(stats.Quantity))
	expectedRefund := o.PricePerUnit.Mul(refundedQty)

	moneyGap := expectedRefund.Sub(o.RefundAmount).Abs()
	if moneyGap.GreaterThan(moneyTolerance) {
		severity := store.SeverityMedium
		if moneyGap.GreaterThan(highMoneyGap) {
			severity = store.SeverityHigh
		}
		details := fmt.Sprintf("tasks imply %s refunded, order records %s",
			expectedRefund.StringFixed(4), o.RefundAmount.StringFixed(4))
		n, err := j.emit(ctx, o.ID, store.AnomalyRefundAmountMismatch, expectedRefund, o.RefundAmount, severity, details)
		if err != nil {
			return emitted, err
		}
		emitted += n
	}

	if stats.Quantity != o.FailedPermanent {
		gap := stats.Quantity - o.FailedPermanent
		if gap < 0 {
			gap = -gap
		}
		severity := store.SeverityMedium
		if gap > highPlayGap {
			severity = store.SeverityHigh
		}
		details := fmt.Sprintf("refunded tasks cover %d plays, order counts %d permanently failed",
			stats.Quantity, o.FailedPermanent)
		n, err := j.emit(ctx, o.ID, store.AnomalyFailedPlaysMismatch,
			refundedQty, decimal.NewFromInt(int64(o.FailedPermanent)), severity, details)
		if err != nil {
			return emitted, err
		}
		emitted += n
	}

	return emitted, nil
}

// emit persists one anomaly unless an open one of the same kind already
// exists for the order.
func (j *Job) emit(ctx context.Context, orderID string, kind store.AnomalyKind, expected, actual decimal.Decimal, severity, details string) (int, error) {
	open, err := j.store.HasOpenAnomaly(ctx, orderID, kind)
	if err != nil {
		return 0, fmt.Errorf("check open anomaly: %w", err)
	}
	if open {
		return 0, nil
	}

	a := &store.RefundAnomaly{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Kind:      kind,
		Expected:  expected,
		Actual:    actual,
		Severity:  severity,
		Details:   details,
		CreatedAt: time.Now(),
	}
	if err := j.store.InsertAnomaly(ctx, a); err != nil {
		return 0, fmt.Errorf("insert anomaly: %w", err)
	}

	observability.ReconcileAnomalies.WithLabelValues(string(kind)).Inc()
	j.log.Warn().
		Str("order_id", orderID).
		Str("kind", string(kind)).
		Str("severity", severity).
		Str("details", details).
		Msg("anomaly detected")
	return 1, nil
}

// VelocityCheck flags users whose refund count inside the window exceeds the
// threshold. Returns the number of users flagged.
func (j *Job) VelocityCheck(ctx context.Context) (int, error) {
	since := time.Now().Add(-j.cfg.VelocityWindow)
	events, err := j.store.ListRefundEventsSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("list refund events: %w", err)
	}

	counts := make(map[string]int)
	for _, e := range events {
		counts[e.UserID]++
	}

	flagged := 0
	for userID, n := range counts {
		if n <= j.cfg.VelocityThreshold {
			continue
		}
		f := &store.FlaggedUser{
			UserID:      userID,
			Reason:      fmt.Sprintf("%d refunds within %s", n, j.cfg.VelocityWindow),
			RefundCount: n,
			FlaggedAt:   time.Now(),
		}
		if err := j.store.FlagUser(ctx, f); err != nil {
			j.log.Error().Err(err).Str("user_id", userID).Msg("flag user failed")
			continue
		}
		observability.VelocityFlags.Inc()
		j.log.Warn().Str("user_id", userID).Int("refunds", n).Msg("refund velocity exceeded")
		flagged++
	}
	return flagged, nil
}
