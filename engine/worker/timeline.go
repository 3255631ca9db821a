package worker

import (
	"sync"
	"time"
)

// Task lifecycle stages recorded on the timeline.
const (
	StageClaimed         = "CLAIMED"
	StageOrphanReclaimed = "ORPHAN_RECLAIMED"
	StageRouted          = "ROUTED"
	StageCompleted       = "COMPLETED"
	StageRetryScheduled  = "RETRY_SCHEDULED"
	StageFailedPermanent = "FAILED_PERMANENT"
)

// TaskEvent is one task transition on the admin timeline.
type TaskEvent struct {
	TaskID    string    `json:"task_id"`
	OrderID   string    `json:"order_id"`
	Stage     string    `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
	WorkerID  string    `json:"worker_id"`
	Detail    string    `json:"detail,omitempty"`
}

// Timeline is a bounded in-memory ring of recent task transitions. Old
// entries are overwritten once capacity is reached.
type Timeline struct {
	mu     sync.RWMutex
	events []TaskEvent
	next   int
	full   bool
}

// NewTimeline builds a ring holding up to capacity events.
func NewTimeline(capacity int) *Timeline {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Timeline{events: make([]TaskEvent, capacity)}
}

// Record appends one event, stamping the time when unset.
func (t *Timeline) Record(e TaskEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events[t.next] = e
	t.next++
	if t.next == len(t.events) {
		t.next = 0
		t.full = true
	}
}

// Recent returns up to limit events, newest first.
func (t *Timeline) Recent(limit int) []TaskEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()

	size := t.next
	if t.full {
		size = len(t.events)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]TaskEvent, 0, limit)
	for i := 0; i < limit; i++ {
		idx := t.next - 1 - i
		if idx < 0 {
			idx += len(t.events)
		}
		out = append(out, t.events[idx])
	}
	return out
}

// ForOrder returns up to limit events for one order, newest first.
func (t *Timeline) ForOrder(orderID string, limit int) []TaskEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()

	size := t.next
	if t.full {
		size = len(t.events)
	}
	if limit <= 0 {
		limit = size
	}

	out := make([]TaskEvent, 0, limit)
	for i := 0; i < size && len(out) < limit; i++ {
		idx := t.next - 1 - i
		if idx < 0 {
			idx += len(t.events)
		}
		if t.events[idx].OrderID == orderID {
			out = append(out, t.events[idx])
		}
	}
	return out
}
