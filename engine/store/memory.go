package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory Store with the same conditional-update
// semantics as the Postgres implementation. It backs hermetic tests and
// single-process development runs.
type MemoryStore struct {
	mu           sync.RWMutex
	users        map[string]*User
	orders       map[string]*Order
	tasks        map[string]*Task
	ledger       []*BalanceTransaction
	refundEvents []*RefundEvent
	anomalies    map[string]*RefundAnomaly
	proxies      map[string]*ProxyNode
	flagged      map[string]*FlaggedUser
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*User),
		orders:    make(map[string]*Order),
		tasks:     make(map[string]*Task),
		anomalies: make(map[string]*RefundAnomaly),
		proxies:   make(map[string]*ProxyNode),
		flagged:   make(map[string]*FlaggedUser),
	}
}

// --- Raw seeding helpers (tests and dev fixtures) ---

// PutOrder stores an order verbatim, bypassing acceptance checks.
func (s *MemoryStore) PutOrder(o *Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.orders[o.ID] = &cp
}

// PutTask stores a task verbatim, bypassing planning.
func (s *MemoryStore) PutTask(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
}

// PutRefundEvent appends a refund event verbatim.
func (s *MemoryStore) PutRefundEvent(e *RefundEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.refundEvents = append(s.refundEvents, &cp)
}

// LedgerEntries returns a snapshot of all balance transactions.
func (s *MemoryStore) LedgerEntries() []*BalanceTransaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*BalanceTransaction, 0, len(s.ledger))
	for _, e := range s.ledger {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// RefundEvents returns a snapshot of all refund events.
func (s *MemoryStore) RefundEvents() []*RefundEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*RefundEvent, 0, len(s.refundEvents))
	for _, e := range s.refundEvents {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// FlaggedUsers returns a snapshot of velocity-flagged users.
func (s *MemoryStore) FlaggedUsers() []*FlaggedUser {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*FlaggedUser, 0, len(s.flagged))
	for _, f := range s.flagged {
		cp := *f
		out = append(out, &cp)
	}
	return out
}

// --- User Operations ---

func (s *MemoryStore) CreateUser(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal, kind TxKind, reason string) (*BalanceTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok || u.Balance.Add(delta).IsNegative() {
		return nil, ErrInsufficientBalance
	}
	before := u.Balance
	u.Balance = u.Balance.Add(delta)
	u.UpdatedAt = time.Now().UTC()

	entry := &BalanceTransaction{
		ID:            uuid.New().String(),
		UserID:        userID,
		Kind:          kind,
		Amount:        delta,
		BalanceBefore: before,
		BalanceAfter:  u.Balance,
		Reason:        reason,
		CreatedAt:     time.Now().UTC(),
	}
	s.ledger = append(s.ledger, entry)
	cp := *entry
	return &cp, nil
}

// --- Order Operations ---

func (s *MemoryStore) CreateOrder(ctx context.Context, o *Order, tasks []*Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.ExternalKey != "" {
		for _, existing := range s.orders {
			if existing.UserID == o.UserID && existing.ExternalKey == o.ExternalKey {
				return ErrDuplicateExternalKey
			}
		}
	}

	u, ok := s.users[o.UserID]
	if !ok || u.Balance.LessThan(o.TotalCost) {
		return ErrInsufficientBalance
	}
	before := u.Balance
	u.Balance = u.Balance.Sub(o.TotalCost)
	u.UpdatedAt = time.Now().UTC()

	now := time.Now().UTC()
	cp := *o
	cp.Delivered = 0
	cp.Remains = o.Quantity
	cp.FailedPermanent = 0
	cp.RefundAmount = decimal.Zero
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.orders[o.ID] = &cp

	s.ledger = append(s.ledger, &BalanceTransaction{
		ID:            uuid.New().String(),
		UserID:        o.UserID,
		Kind:          TxDebit,
		Amount:        o.TotalCost.Neg(),
		BalanceBefore: before,
		BalanceAfter:  u.Balance,
		OrderID:       o.ID,
		Reason:        fmt.Sprintf("debit for %d x %s", o.Quantity, o.Operation),
		CreatedAt:     now,
	})

	for _, t := range tasks {
		if s.tokenExistsLocked(t.OrderID, t.IdempotencyToken) {
			continue
		}
		tc := *t
		tc.CreatedAt = now
		tc.UpdatedAt = now
		s.tasks[t.ID] = &tc
	}
	return nil
}

func (s *MemoryStore) tokenExistsLocked(orderID, token string) bool {
	for _, t := range s.tasks {
		if t.OrderID == orderID && t.IdempotencyToken == token {
			return true
		}
	}
	return false
}

func (s *MemoryStore) EnsureTasks(ctx context.Context, tasks []*Task) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	inserted := 0
	for _, t := range tasks {
		if s.tokenExistsLocked(t.OrderID, t.IdempotencyToken) {
			continue
		}
		tc := *t
		tc.CreatedAt = now
		tc.UpdatedAt = now
		s.tasks[t.ID] = &tc
		inserted++
	}
	return inserted, nil
}

func (s *MemoryStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) GetOrderByExternalKey(ctx context.Context, userID, key string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.orders {
		if o.UserID == userID && o.ExternalKey == key {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListOrdersByStatus(ctx context.Context, status OrderStatus, limit int) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Order
	for _, o := range s.orders {
		if o.Status == status {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) FinalizeOrder(ctx context.Context, orderID, notes string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.Status != OrderRunning || o.Remains != 0 {
		return false, nil
	}
	t := now
	o.Status = OrderCompleted
	o.CompletedAt = &t
	o.Notes = notes
	o.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) SetOrderCancelled(ctx context.Context, orderID, notes string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || (o.Status != OrderPending && o.Status != OrderRunning) {
		return false, nil
	}
	t := now
	o.Status = OrderCancelled
	o.CompletedAt = &t
	o.Notes = notes
	o.UpdatedAt = now
	return true, nil
}

// --- Task Operations ---

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTasksByOrder(ctx context.Context, orderID string) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.OrderID == orderID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

func (s *MemoryStore) ListClaimable(ctx context.Context, now time.Time, orphanCutoff time.Time, limit int) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		claimable := false
		switch t.Status {
		case TaskPending:
			claimable = !t.ScheduledAt.After(now)
		case TaskFailedRetrying:
			claimable = t.RetryAfter != nil && !t.RetryAfter.After(now)
		case TaskExecuting:
			claimable = t.ExecutionStartedAt != nil && !t.ExecutionStartedAt.After(orphanCutoff)
		}
		if claimable {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ClaimTask(ctx context.Context, taskID string, prior TaskStatus, workerID string, now time.Time, orphanCutoff time.Time) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok || t.Status != prior {
		return false, 0, nil
	}
	if t.ExecutionStartedAt != nil && t.ExecutionStartedAt.After(orphanCutoff) {
		return false, 0, nil
	}
	start := now
	t.Status = TaskExecuting
	t.ExecutionStartedAt = &start
	t.WorkerID = workerID
	t.ProxyNodeID = ""
	t.Attempts++
	t.UpdatedAt = now
	return true, t.Attempts, nil
}

func (s *MemoryStore) AssignTaskProxy(ctx context.Context, taskID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok && t.Status == TaskExecuting {
		t.ProxyNodeID = nodeID
		t.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) progressLocked(o *Order) *OrderProgress {
	return &OrderProgress{
		OrderID:         o.ID,
		Quantity:        o.Quantity,
		Delivered:       o.Delivered,
		Remains:         o.Remains,
		FailedPermanent: o.FailedPermanent,
		RefundAmount:    o.RefundAmount,
		PricePerUnit:    o.PricePerUnit,
		Status:          o.Status,
	}
}

func (s *MemoryStore) CompleteTask(ctx context.Context, taskID, orderID string, quantity int, workerID string, attempt int, now time.Time) (*OrderProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok || t.Status != TaskExecuting || t.WorkerID != workerID || t.Attempts != attempt {
		return nil, nil
	}
	done := now
	t.Status = TaskCompleted
	t.CompletedAt = &done
	t.ErrorMessage = ""
	t.UpdatedAt = now

	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	o.Delivered += quantity
	o.Remains -= quantity
	if o.Remains < 0 {
		o.Remains = 0
	}
	o.UpdatedAt = now
	return s.progressLocked(o), nil
}

func (s *MemoryStore) FailTaskTransient(ctx context.Context, taskID, workerID string, attempt int, retryAfter time.Time, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok || t.Status != TaskExecuting || t.WorkerID != workerID || t.Attempts != attempt {
		return false, nil
	}
	retry := retryAfter
	t.Status = TaskFailedRetrying
	t.RetryAfter = &retry
	t.ExecutionStartedAt = nil
	t.ErrorMessage = truncateErr(errMsg)
	t.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) FailTaskPermanent(ctx context.Context, taskID, orderID string, quantity int, workerID string, attempt int, errMsg string, now time.Time) (*OrderProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok || t.Status != TaskExecuting || t.WorkerID != workerID || t.Attempts != attempt {
		return nil, nil
	}
	t.Status = TaskFailedPermanent
	t.ErrorMessage = truncateErr(errMsg)
	t.UpdatedAt = now

	return s.bumpFailedLocked(orderID, quantity, now)
}

func (s *MemoryStore) AbandonTask(ctx context.Context, taskID string, reason string, now time.Time) (*OrderProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok || t.Status.Terminal() {
		return nil, nil
	}
	t.Status = TaskFailedPermanent
	t.ErrorMessage = truncateErr(reason)
	t.ExecutionStartedAt = nil
	t.UpdatedAt = now

	return s.bumpFailedLocked(t.OrderID, t.Quantity, now)
}

func (s *MemoryStore) bumpFailedLocked(orderID string, quantity int, now time.Time) (*OrderProgress, error) {
	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	o.FailedPermanent += quantity
	o.Remains -= quantity
	if o.Remains < 0 {
		o.Remains = 0
	}
	o.UpdatedAt = now
	return s.progressLocked(o), nil
}

func (s *MemoryStore) CountTasksByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[TaskStatus]int)
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) CountStuckExecuting(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status == TaskExecuting && t.ExecutionStartedAt != nil && !t.ExecutionStartedAt.After(cutoff) {
			n++
		}
	}
	return n, nil
}

// --- Refund Operations ---

func (s *MemoryStore) ApplyRefund(ctx context.Context, p RefundParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[p.TaskID]
	if !ok || t.Refunded {
		return false, nil
	}
	t.Refunded = true
	t.UpdatedAt = time.Now().UTC()

	if p.CreditBalance {
		u, ok := s.users[p.UserID]
		if !ok {
			return false, fmt.Errorf("user %s not found", p.UserID)
		}
		before := u.Balance
		u.Balance = u.Balance.Add(p.Amount)
		u.UpdatedAt = time.Now().UTC()

		s.ledger = append(s.ledger, &BalanceTransaction{
			ID:            uuid.New().String(),
			UserID:        p.UserID,
			Kind:          TxRefund,
			Amount:        p.Amount,
			BalanceBefore: before,
			BalanceAfter:  u.Balance,
			OrderID:       p.OrderID,
			TaskID:        p.TaskID,
			Reason:        p.Reason,
			CreatedAt:     time.Now().UTC(),
		})
		s.refundEvents = append(s.refundEvents, &RefundEvent{
			ID:        uuid.New().String(),
			OrderID:   p.OrderID,
			TaskID:    p.TaskID,
			UserID:    p.UserID,
			Quantity:  p.Quantity,
			Amount:    p.Amount,
			Reason:    p.Reason,
			CreatedAt: time.Now().UTC(),
		})
	}

	if o, ok := s.orders[p.OrderID]; ok {
		o.RefundAmount = o.RefundAmount.Add(p.Amount)
		o.UpdatedAt = time.Now().UTC()
	}
	return true, nil
}

func (s *MemoryStore) SumRefundedTasks(ctx context.Context, orderID string) (*RefundedTaskStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &RefundedTaskStats{}
	for _, t := range s.tasks {
		if t.OrderID == orderID && t.Refunded {
			stats.Tasks++
			stats.Quantity += t.Quantity
		}
	}
	return stats, nil
}

func (s *MemoryStore) ListRefundEventsSince(ctx context.Context, since time.Time) ([]*RefundEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*RefundEvent
	for _, e := range s.refundEvents {
		if !e.CreatedAt.Before(since) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Reconciliation Operations ---

func (s *MemoryStore) ListTerminalOrdersWithRefundActivity(ctx context.Context, limit int) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Order
	for _, o := range s.orders {
		if o.Status.Terminal() && (o.RefundAmount.IsPositive() || o.FailedPermanent > 0) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) HasOpenAnomaly(ctx context.Context, orderID string, kind AnomalyKind) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.anomalies {
		if a.OrderID == orderID && a.Kind == kind && a.ResolvedAt == nil {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) InsertAnomaly(ctx context.Context, a *RefundAnomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.anomalies[a.ID] = &cp
	return nil
}

func (s *MemoryStore) ListAnomalies(ctx context.Context, openOnly bool, limit int) ([]*RefundAnomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*RefundAnomaly
	for _, a := range s.anomalies {
		if openOnly && a.ResolvedAt != nil {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ResolveAnomaly(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.anomalies[id]
	if !ok || a.ResolvedAt != nil {
		return false, nil
	}
	t := now
	a.ResolvedAt = &t
	return true, nil
}

func (s *MemoryStore) FlagUser(ctx context.Context, f *FlaggedUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.flagged[f.UserID] = &cp
	return nil
}

// --- Validator Probes ---

func (s *MemoryStore) ListConservationViolations(ctx context.Context, limit int) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Order
	for _, o := range s.orders {
		if o.Delivered+o.FailedPermanent+o.Remains != o.Quantity {
			cp := *o
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) ListRefundCapViolations(ctx context.Context, limit int) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tolerance := decimal.NewFromFloat(0.01)
	var out []*Order
	for _, o := range s.orders {
		allowed := o.PricePerUnit.Mul(decimal.NewFromInt(int64(o.FailedPermanent))).Add(tolerance)
		if o.RefundAmount.GreaterThan(allowed) {
			cp := *o
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) ListTerminalOrdersWithLiveTasks(ctx context.Context, limit int) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Order
	for _, o := range s.orders {
		if !o.Status.Terminal() {
			continue
		}
		for _, t := range s.tasks {
			if t.OrderID == o.ID && !t.Status.Terminal() {
				cp := *o
				out = append(out, &cp)
				break
			}
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListDuplicateTokens(ctx context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]int)
	for _, t := range s.tasks {
		seen[t.OrderID+":"+t.IdempotencyToken]++
	}
	var out []string
	for key, n := range seen {
		if n > 1 {
			out = append(out, key)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) ListDuplicateExternalKeys(ctx context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]int)
	for _, o := range s.orders {
		if o.ExternalKey == "" {
			continue
		}
		seen[o.UserID+":"+o.ExternalKey]++
	}
	var out []string
	for key, n := range seen {
		if n > 1 {
			out = append(out, key)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) ListStuckTasks(ctx context.Context, cutoff time.Time, limit int) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.Status == TaskExecuting && t.ExecutionStartedAt != nil && !t.ExecutionStartedAt.After(cutoff) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExecutionStartedAt.Before(*out[j].ExecutionStartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Proxy Operations ---

func (s *MemoryStore) UpsertProxyNode(ctx context.Context, n *ProxyNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	now := time.Now().UTC()
	if existing, ok := s.proxies[n.ID]; ok {
		cp.CurrentLoad = existing.CurrentLoad
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.proxies[n.ID] = &cp
	return nil
}

func (s *MemoryStore) GetProxyNode(ctx context.Context, id string) (*ProxyNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.proxies[id]
	if !ok {
		return nil, nil
	}
	cp := *n
	return &cp, nil
}

func (s *MemoryStore) ListProxyNodes(ctx context.Context, limit int) ([]*ProxyNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ProxyNode
	for _, n := range s.proxies {
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListProxyCandidates(ctx context.Context, tier ProxyTier, country string, limit int) ([]*ProxyNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ProxyNode
	for _, n := range s.proxies {
		if n.Status != ProxyOnline || n.Tier != tier || n.CurrentLoad >= n.CapacityLimit {
			continue
		}
		if country != "" && n.Country != country {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CurrentLoad < out[j].CurrentLoad })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AcquireProxyLease(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.proxies[id]
	if !ok || n.Status != ProxyOnline || n.CurrentLoad >= n.CapacityLimit {
		return false, nil
	}
	n.CurrentLoad++
	n.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) ReleaseProxyLease(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.proxies[id]; ok && n.CurrentLoad > 0 {
		n.CurrentLoad--
		n.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) SetProxyStatus(ctx context.Context, id string, status ProxyStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.proxies[id]; ok {
		n.Status = status
		n.UpdatedAt = time.Now().UTC()
	}
	return nil
}
