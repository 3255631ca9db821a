// Package ledger owns every balance movement: the debit at order acceptance
// lives inside the store's acceptance transaction, refunds and adjustments go
// through here. Refunds are exactly-once per task; the guard is the
// refunded-flag conditional update, not anything held in memory.
package ledger

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/playforge/playforge/engine/logging"
	"github.com/playforge/playforge/engine/observability"
	"github.com/playforge/playforge/engine/store"
)

// Engine applies refund policy on top of the store's refund mechanics.
type Engine struct {
	store   store.Store
	enabled bool
	log     zerolog.Logger
}

// NewEngine builds a refund engine. With refunds disabled the bookkeeping
// still happens (task flag, order refund total) but no money moves, which is
// what test environments want.
func NewEngine(st store.Store, refundEnabled bool) *Engine {
	return &Engine{
		store:   st,
		enabled: refundEnabled,
		log:     logging.WithComponent("ledger"),
	}
}

// Enabled reports whether refunds credit balances.
func (e *Engine) Enabled() bool {
	return e.enabled
}

// RefundTask credits the order owner for one permanently failed task and
// returns the amount applied. A second call for the same task returns zero
// and does nothing.
func (e *Engine) RefundTask(ctx context.Context, task *store.Task, order *store.Order, reason string) (decimal.Decimal, error) {
	amount := order.PricePerUnit.Mul(decimal.NewFromInt(int64(task.Quantity)))

	applied, err := e.store.ApplyRefund(ctx, store.RefundParams{
		TaskID:        task.ID,
		OrderID:       order.ID,
		UserID:        order.UserID,
		Quantity:      task.Quantity,
		Amount:        amount,
		Reason:        reason,
		CreditBalance: e.enabled,
	})
	if err != nil {
		return decimal.Zero, err
	}
	if !applied {
		observability.RefundsSkipped.WithLabelValues("already_refunded").Inc()
		return decimal.Zero, nil
	}

	if e.enabled {
		observability.RefundsIssued.Inc()
		amt, _ := amount.Float64()
		observability.RefundAmount.Add(amt)
		e.log.Info().
			Str("order_id", order.ID).
			Str("task_id", task.ID).
			Str("amount", amount.StringFixed(4)).
			Str("reason", reason).
			Msg("refund credited")
	} else {
		observability.RefundsSkipped.WithLabelValues("disabled").Inc()
		e.log.Debug().
			Str("order_id", order.ID).
			Str("task_id", task.ID).
			Msg("refund recorded without credit (refunds disabled)")
	}
	return amount, nil
}

// Adjust applies an operator balance correction with an ADJUST ledger entry.
func (e *Engine) Adjust(ctx context.Context, userID string, delta decimal.Decimal, reason string) (*store.BalanceTransaction, error) {
	entry, err := e.store.AdjustBalance(ctx, userID, delta, store.TxAdjust, reason)
	if err != nil {
		return nil, err
	}
	e.log.Info().
		Str("user_id", userID).
		Str("delta", delta.StringFixed(4)).
		Str("reason", reason).
		Msg("balance adjusted")
	return entry, nil
}
