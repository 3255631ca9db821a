package orders

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/playforge/playforge/engine/store"
)

// BuildTasks splits an order into ceil(quantity/splitSize) delivery tasks.
// The last task carries the remainder so task quantities always sum to the
// order quantity. Schedules are spread linearly across the delivery window,
// and idempotency tokens are derived from (order ID, sequence number) so
// replanning regenerates byte-identical tokens.
func BuildTasks(o *store.Order, splitSize, maxAttempts int) []*store.Task {
	if splitSize <= 0 {
		splitSize = 1
	}
	n := (o.Quantity + splitSize - 1) / splitSize

	start := o.CreatedAt
	if o.StartedAt != nil {
		start = *o.StartedAt
	}
	var window time.Duration
	if o.EstimatedCompletionAt != nil && o.EstimatedCompletionAt.After(start) {
		window = o.EstimatedCompletionAt.Sub(start)
	}

	tasks := make([]*store.Task, 0, n)
	for seq := 0; seq < n; seq++ {
		quantity := splitSize
		if seq == n-1 {
			quantity = o.Quantity - splitSize*(n-1)
		}
		offset := time.Duration(0)
		if n > 0 {
			offset = window * time.Duration(seq) / time.Duration(n)
		}
		tasks = append(tasks, &store.Task{
			ID:               uuid.New().String(),
			OrderID:          o.ID,
			SequenceNumber:   seq,
			Quantity:         quantity,
			Status:           store.TaskPending,
			MaxAttempts:      maxAttempts,
			IdempotencyToken: TaskToken(o.ID, seq),
			ScheduledAt:      start.Add(offset),
		})
	}
	return tasks
}

// BuildInstantTask plans the whole order as one immediately scheduled task.
// Small orders skip the spread; the state machine and conservation laws stay
// identical to the split path.
func BuildInstantTask(o *store.Order, maxAttempts int) []*store.Task {
	start := o.CreatedAt
	if o.StartedAt != nil {
		start = *o.StartedAt
	}
	return []*store.Task{{
		ID:               uuid.New().String(),
		OrderID:          o.ID,
		SequenceNumber:   0,
		Quantity:         o.Quantity,
		Status:           store.TaskPending,
		MaxAttempts:      maxAttempts,
		IdempotencyToken: TaskToken(o.ID, 0),
		ScheduledAt:      start,
	}}
}

// TaskToken is the deterministic idempotency token for one slice of an
// order: a SHA1-derived UUID over (order ID, sequence number).
func TaskToken(orderID string, seq int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s:task-%d", orderID, seq))).String()
}
