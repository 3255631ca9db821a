// Package audit verifies the engine's accounting laws on demand. Checks are
// read-only; findings surface through the report and a counter, never
// through writes.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/playforge/playforge/engine/logging"
	"github.com/playforge/playforge/engine/observability"
	"github.com/playforge/playforge/engine/store"
)

// Check names, stable for the admin surface and metrics.
const (
	CheckConservation     = "conservation"      // delivered + failed + remains = quantity
	CheckRefundCap        = "refund_cap"        // refunds never exceed failed plays' worth
	CheckTerminalTasks    = "terminal_tasks"    // terminal orders have only terminal tasks
	CheckDuplicateKeys    = "duplicate_keys"    // one order per (user, external key)
	CheckDuplicateTokens  = "duplicate_tokens"  // one task per (order, token)
	CheckStuckTasks       = "stuck_tasks"       // no EXECUTING past the orphan threshold
)

// Refund totals may trail the cap by one cent of rounding.
var refundCapTolerance = decimal.NewFromFloat(0.01)

// CheckResult is one check's outcome.
type CheckResult struct {
	Check      string   `json:"check"`
	Passed     bool     `json:"passed"`
	Violations int      `json:"violations"`
	Samples    []string `json:"samples,omitempty"`
}

// Report bundles a validation run.
type Report struct {
	Scope      string        `json:"scope"`
	RanAt      time.Time     `json:"ran_at"`
	Healthy    bool          `json:"healthy"`
	Checks     []CheckResult `json:"checks"`
	DurationMs int64         `json:"duration_ms"`
}

// Validator runs the checks against a store.
type Validator struct {
	store           store.Store
	orphanThreshold time.Duration
	sampleLimit     int
	log             zerolog.Logger
}

// New builds a validator. The orphan threshold bounds how long EXECUTING is
// legitimate.
func New(s store.Store, orphanThreshold time.Duration) *Validator {
	if orphanThreshold <= 0 {
		orphanThreshold = 120 * time.Second
	}
	return &Validator{
		store:           s,
		orphanThreshold: orphanThreshold,
		sampleLimit:     20,
		log:             logging.WithComponent("audit"),
	}
}

// Scan checks the whole store and returns the structured report.
func (v *Validator) Scan(ctx context.Context) (*Report, error) {
	start := time.Now()
	r := &Report{Scope: "scan", RanAt: start, Healthy: true}

	orderIDs := func(orders []*store.Order) []string {
		out := make([]string, 0, len(orders))
		for _, o := range orders {
			out = append(out, o.ID)
		}
		return out
	}

	conserve, err := v.store.ListConservationViolations(ctx, v.sampleLimit)
	if err != nil {
		return nil, fmt.Errorf("conservation probe: %w", err)
	}
	v.add(r, CheckConservation, orderIDs(conserve))

	caps, err := v.store.ListRefundCapViolations(ctx, v.sampleLimit)
	if err != nil {
		return nil, fmt.Errorf("refund cap probe: %w", err)
	}
	v.add(r, CheckRefundCap, orderIDs(caps))

	terminal, err := v.store.ListTerminalOrdersWithLiveTasks(ctx, v.sampleLimit)
	if err != nil {
		return nil, fmt.Errorf("terminal tasks probe: %w", err)
	}
	v.add(r, CheckTerminalTasks, orderIDs(terminal))

	dupKeys, err := v.store.ListDuplicateExternalKeys(ctx, v.sampleLimit)
	if err != nil {
		return nil, fmt.Errorf("duplicate keys probe: %w", err)
	}
	v.add(r, CheckDuplicateKeys, dupKeys)

	dupTokens, err := v.store.ListDuplicateTokens(ctx, v.sampleLimit)
	if err != nil {
		return nil, fmt.Errorf("duplicate tokens probe: %w", err)
	}
	v.add(r, CheckDuplicateTokens, dupTokens)

	stuck, err := v.store.ListStuckTasks(ctx, time.Now().Add(-v.orphanThreshold), v.sampleLimit)
	if err != nil {
		return nil, fmt.Errorf("stuck tasks probe: %w", err)
	}
	stuckIDs := make([]string, 0, len(stuck))
	for _, t := range stuck {
		stuckIDs = append(stuckIDs, t.ID)
	}
	v.add(r, CheckStuckTasks, stuckIDs)

	r.DurationMs = time.Since(start).Milliseconds()
	return r, nil
}

// ValidateOrder checks one order and its tasks in memory.
func (v *Validator) ValidateOrder(ctx context.Context, orderID string) (*Report, error) {
	start := time.Now()
	o, err := v.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	if o == nil {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	tasks, err := v.store.ListTasksByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}

	r := &Report{Scope: "order:" + orderID, RanAt: start, Healthy: true}

	var conserve []string
	if o.Delivered+o.FailedPermanent+o.Remains != o.Quantity {
		conserve = append(conserve, fmt.Sprintf("%d+%d+%d != %d", o.Delivered, o.FailedPermanent, o.Remains, o.Quantity))
	}
	v.add(r, CheckConservation, conserve)

	var caps []string
	allowed := o.PricePerUnit.Mul(decimal.NewFromInt(int64(o.FailedPermanent))).Add(refundCapTolerance)
	if o.RefundAmount.GreaterThan(allowed) {
		caps = append(caps, fmt.Sprintf("refunded %s, cap %s", o.RefundAmount.StringFixed(4), allowed.StringFixed(4)))
	}
	v.add(r, CheckRefundCap, caps)

	var live []string
	if o.Status.Terminal() {
		for _, t := range tasks {
			if !t.Status.Terminal() {
				live = append(live, t.ID)
			}
		}
	}
	v.add(r, CheckTerminalTasks, live)

	tokens := make(map[string]int, len(tasks))
	for _, t := range tasks {
		tokens[t.IdempotencyToken]++
	}
	var dupTokens []string
	for tok, n := range tokens {
		if n > 1 {
			dupTokens = append(dupTokens, tok)
		}
	}
	v.add(r, CheckDuplicateTokens, dupTokens)

	cutoff := time.Now().Add(-v.orphanThreshold)
	var stuck []string
	for _, t := range tasks {
		if t.Status == store.TaskExecuting && t.ExecutionStartedAt != nil && t.ExecutionStartedAt.Before(cutoff) {
			stuck = append(stuck, t.ID)
		}
	}
	v.add(r, CheckStuckTasks, stuck)

	r.DurationMs = time.Since(start).Milliseconds()
	return r, nil
}

// add appends one check result and records violations.
func (v *Validator) add(r *Report, check string, samples []string) {
	n := len(samples)
	if n > v.sampleLimit {
		samples = samples[:v.sampleLimit]
	}
	res := CheckResult{Check: check, Passed: n == 0, Violations: n, Samples: samples}
	r.Checks = append(r.Checks, res)
	if n > 0 {
		r.Healthy = false
		observability.InvariantViolations.WithLabelValues(check).Add(float64(n))
		v.log.Error().Str("check", check).Int("violations", n).Strs("samples", samples).Msg("invariant violated")
	}
}
