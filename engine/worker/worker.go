// Package worker runs the delivery pipeline: claim due tasks with
// conditional updates, route each through a proxy, call the executor, and
// retire the task as completed, retrying, or permanently failed. Several
// engine instances can run the same pipeline against one database; every
// task-level race is settled by the store's conditional writes, never by
// locks between processes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/playforge/playforge/engine/executor"
	"github.com/playforge/playforge/engine/ledger"
	"github.com/playforge/playforge/engine/logging"
	"github.com/playforge/playforge/engine/observability"
	"github.com/playforge/playforge/engine/router"
	"github.com/playforge/playforge/engine/store"
)

// Config tunes the delivery pipeline.
type Config struct {
	BatchSize       int           // tasks claimed per cycle
	MaxConcurrent   int           // in-flight bound inside a cycle
	CycleInterval   time.Duration // cycle cadence
	OrphanThreshold time.Duration // EXECUTING older than this is reclaimable
	MaxAttempts     int           // fallback when a task row carries none
	ExecTimeout     time.Duration // per-task executor budget
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:       10,
		MaxConcurrent:   5,
		CycleInterval:   10 * time.Second,
		OrphanThreshold: 120 * time.Second,
		MaxAttempts:     3,
		ExecTimeout:     30 * time.Second,
	}
}

const (
	baseRetryDelay  = 30 * time.Second
	maxBackoffShift = 4 // caps the delay at base * 2^4
)

// backoffDelay returns the wait before the next attempt. The delay doubles
// per attempt and tops out at 480s.
func backoffDelay(attempt int) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return baseRetryDelay << shift
}

// Worker drives delivery cycles for one engine instance.
type Worker struct {
	id       string
	store    store.Store
	router   *router.Router
	exec     executor.Client
	injector *executor.FaultInjector // optional; gates claiming when paused
	ledger   *ledger.Engine
	cfg      Config
	log      zerolog.Logger

	cycleActive    atomic.Bool
	firstCycleDone atomic.Bool
	stats          *Stats
	timeline       *Timeline
}

// New builds a worker. The fault injector may be nil outside dev mode.
func New(s store.Store, r *router.Router, exec executor.Client, injector *executor.FaultInjector, led *ledger.Engine, cfg Config) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 10 * time.Second
	}
	if cfg.OrphanThreshold <= 0 {
		cfg.OrphanThreshold = 120 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 30 * time.Second
	}
	id := newWorkerID()
	return &Worker{
		id:       id,
		store:    s,
		router:   r,
		exec:     exec,
		injector: injector,
		ledger:   led,
		cfg:      cfg,
		log:      logging.WithWorkerID(id),
		stats:    newStats(),
		timeline: NewTimeline(2048),
	}
}

// newWorkerID builds an identity that survives restarts only in its host
// part, so a crashed instance's claims always look foreign to its successor.
func newWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:6])
}

// ID returns the worker identity stamped on claims.
func (w *Worker) ID() string { return w.id }

// Stats returns the current counter snapshot.
func (w *Worker) Stats() StatsSnapshot { return w.stats.snapshot(w.id) }

// Timeline returns the task transition ring.
func (w *Worker) Timeline() *Timeline { return w.timeline }

// Run executes cycles until the context ends. The first cycle runs
// immediately so tasks orphaned by a previous crash are reclaimed without
// waiting a full interval.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info().
		Dur("cycle_interval", w.cfg.CycleInterval).
		Int("batch_size", w.cfg.BatchSize).
		Int("max_concurrent", w.cfg.MaxConcurrent).
		Msg("worker starting")

	ticker := time.NewTicker(w.cfg.CycleInterval)
	defer ticker.Stop()

	w.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("worker stopping")
			return
		case <-ticker.C:
			w.RunCycle(ctx)
		}
	}
}

// RunCycle claims and processes one batch. Overlapping invocations are
// dropped, not queued, so a slow cycle never stacks up behind itself.
func (w *Worker) RunCycle(ctx context.Context) {
	if !w.cycleActive.CompareAndSwap(false, true) {
		w.stats.droppedCycles.Add(1)
		observability.WorkerCyclesDropped.Inc()
		return
	}
	defer w.cycleActive.Store(false)

	if w.injector != nil && w.injector.Paused() {
		return
	}

	start := time.Now()
	firstCycle := w.firstCycleDone.CompareAndSwap(false, true)

	cutoff := start.Add(-w.cfg.OrphanThreshold)
	tasks, err := w.store.ListClaimable(ctx, start, cutoff, w.cfg.BatchSize)
	if err != nil {
		w.log.Error().Err(err).Msg("list claimable tasks failed")
		return
	}

	if len(tasks) > 0 {
		sem := make(chan struct{}, w.cfg.MaxConcurrent)
		var wg sync.WaitGroup
		for _, t := range tasks {
			select {
			case <-ctx.Done():
				wg.Wait()
				return
			case sem <- struct{}{}:
			}
			wg.Add(1)
			go func(t *store.Task) {
				defer wg.Done()
				defer func() { <-sem }()
				w.processTask(ctx, t, firstCycle)
			}(t)
		}
		wg.Wait()
	}

	observability.WorkerCycles.Inc()
	observability.WorkerCycleDuration.Observe(time.Since(start).Seconds())
}

// processTask runs one claimed task through routing, execution, and
// retirement. t carries the status seen at listing time; the claim is
// conditional on that status still holding.
func (w *Worker) processTask(ctx context.Context, t *store.Task, firstCycle bool) {
	prior := t.Status
	now := time.Now()
	claimed, attempt, err := w.store.ClaimTask(ctx, t.ID, prior, w.id, now, now.Add(-w.cfg.OrphanThreshold))
	if err != nil {
		w.log.Error().Err(err).Str("task_id", t.ID).Msg("claim failed")
		return
	}
	if !claimed {
		observability.ClaimRaces.Inc()
		return
	}

	observability.TasksClaimed.WithLabelValues(strings.ToLower(string(prior))).Inc()
	if prior == store.TaskExecuting {
		w.stats.orphansRecovered.Add(1)
		observability.OrphansRecovered.Inc()
		if firstCycle {
			w.stats.startupOrphans.Add(1)
		}
		w.timeline.Record(TaskEvent{TaskID: t.ID, OrderID: t.OrderID, Stage: StageOrphanReclaimed, WorkerID: w.id})
	}
	w.timeline.Record(TaskEvent{TaskID: t.ID, OrderID: t.OrderID, Stage: StageClaimed, WorkerID: w.id, Detail: fmt.Sprintf("attempt %d", attempt)})

	w.stats.processed.Add(1)
	w.stats.inFlight.Add(1)
	observability.InflightTasks.Inc()
	defer func() {
		w.stats.inFlight.Add(-1)
		observability.InflightTasks.Dec()
	}()

	order, err := w.store.GetOrder(ctx, t.OrderID)
	if err != nil {
		w.failTask(ctx, t, nil, attempt, "order lookup failed: "+err.Error())
		return
	}
	if order == nil || order.Status.Terminal() {
		// The order ended while the task sat queued. There is nothing left
		// to deliver; abandoning keeps the counters consistent.
		if _, aerr := w.store.AbandonTask(ctx, t.ID, "order no longer active", time.Now()); aerr != nil {
			w.log.Error().Err(aerr).Str("task_id", t.ID).Msg("abandon failed")
		}
		return
	}

	lease, err := w.router.Select(ctx, router.Request{
		Operation: order.Operation,
		Country:   order.Country,
		SessionID: order.ID,
	})
	if err != nil {
		msg := "proxy selection failed: " + err.Error()
		if errors.Is(err, router.ErrNoProxyAvailable) {
			msg = "no proxy available"
		}
		w.failTask(ctx, t, order, attempt, msg)
		return
	}
	defer w.releaseLease(lease)

	if err := w.store.AssignTaskProxy(ctx, t.ID, lease.Node.ID); err != nil {
		w.log.Warn().Err(err).Str("task_id", t.ID).Msg("proxy assignment not recorded")
	}
	w.timeline.Record(TaskEvent{TaskID: t.ID, OrderID: t.OrderID, Stage: StageRouted, WorkerID: w.id, Detail: lease.Node.ID})

	execCtx, cancel := context.WithTimeout(ctx, w.cfg.ExecTimeout)
	defer cancel()
	started := time.Now()
	resp, err := w.exec.Deliver(execCtx, executor.Request{
		TaskID:    t.ID,
		OrderID:   t.OrderID,
		Quantity:  t.Quantity,
		TargetURL: order.TargetURL,
		Proxy: executor.ProxyInfo{
			NodeID:   lease.Node.ID,
			Endpoint: lease.Node.Endpoint,
			Auth:     lease.Node.Auth,
		},
	})
	elapsed := time.Since(started)
	observability.ExecutorLatency.Observe(elapsed.Seconds())

	latencyMs := float64(elapsed.Milliseconds())
	if resp != nil && resp.LatencyMs > 0 {
		latencyMs = float64(resp.LatencyMs)
	}

	switch {
	case err != nil:
		w.router.Report(ctx, lease.Node, order.ID, false, latencyMs, 0)
		w.failTask(ctx, t, order, attempt, "executor error: "+err.Error())
	case !resp.Success:
		w.router.Report(ctx, lease.Node, order.ID, false, latencyMs, resp.ErrorCode)
		msg := resp.Message
		if msg == "" {
			msg = fmt.Sprintf("delivery failed (code %d)", resp.ErrorCode)
		}
		w.failTask(ctx, t, order, attempt, msg)
	default:
		w.router.Report(ctx, lease.Node, order.ID, true, latencyMs, 0)
		w.completeTask(ctx, t, attempt)
	}
}

// completeTask retires a successful execution and finalizes the order when
// it was the last open task.
func (w *Worker) completeTask(ctx context.Context, t *store.Task, attempt int) {
	progress, err := w.store.CompleteTask(ctx, t.ID, t.OrderID, t.Quantity, w.id, attempt, time.Now())
	if err != nil {
		w.log.Error().Err(err).Str("task_id", t.ID).Msg("completion write failed")
		return
	}
	if progress == nil {
		// Another worker reclaimed the task as an orphan mid-execution and
		// owns the outcome now.
		w.log.Warn().Str("task_id", t.ID).Msg("completion lost to reclaim")
		return
	}

	w.stats.completed.Add(1)
	observability.TasksCompleted.Inc()
	w.timeline.Record(TaskEvent{TaskID: t.ID, OrderID: t.OrderID, Stage: StageCompleted, WorkerID: w.id})
	log := logging.WithTaskID(t.ID)
	log.Info().
		Str("order_id", t.OrderID).
		Int("quantity", t.Quantity).
		Int("remains", progress.Remains).
		Msg("task completed")

	w.maybeFinalize(ctx, progress)
}

// failTask decides between a retry and a permanent failure from the attempt
// count. order may be nil when its lookup failed; the refund is then left to
// reconciliation.
func (w *Worker) failTask(ctx context.Context, t *store.Task, order *store.Order, attempt int, msg string) {
	w.stats.failed.Add(1)

	maxAttempts := t.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = w.cfg.MaxAttempts
	}
	if attempt < maxAttempts {
		w.retryTask(ctx, t, attempt, msg)
		return
	}
	w.failPermanently(ctx, t, order, attempt, msg)
}

func (w *Worker) retryTask(ctx context.Context, t *store.Task, attempt int, msg string) {
	delay := backoffDelay(attempt)
	retryAfter := time.Now().Add(delay)
	ok, err := w.store.FailTaskTransient(ctx, t.ID, w.id, attempt, retryAfter, msg)
	if err != nil {
		w.log.Error().Err(err).Str("task_id", t.ID).Msg("retry write failed")
		return
	}
	if !ok {
		w.log.Warn().Str("task_id", t.ID).Msg("retry lost to reclaim")
		return
	}

	w.stats.transient.Add(1)
	w.stats.retries.Add(1)
	observability.TaskFailures.WithLabelValues("transient").Inc()
	observability.TaskRetriesScheduled.Inc()
	w.timeline.Record(TaskEvent{TaskID: t.ID, OrderID: t.OrderID, Stage: StageRetryScheduled, WorkerID: w.id, Detail: msg})
	log := logging.WithTaskID(t.ID)
	log.Warn().
		Str("order_id", t.OrderID).
		Int("attempt", attempt).
		Dur("retry_in", delay).
		Str("reason", msg).
		Msg("task failed, retry scheduled")
}

func (w *Worker) failPermanently(ctx context.Context, t *store.Task, order *store.Order, attempt int, msg string) {
	progress, err := w.store.FailTaskPermanent(ctx, t.ID, t.OrderID, t.Quantity, w.id, attempt, msg, time.Now())
	if err != nil {
		w.log.Error().Err(err).Str("task_id", t.ID).Msg("permanent failure write failed")
		return
	}
	if progress == nil {
		w.log.Warn().Str("task_id", t.ID).Msg("permanent failure lost to reclaim")
		return
	}

	w.stats.permanent.Add(1)
	observability.TaskFailures.WithLabelValues("permanent").Inc()
	w.timeline.Record(TaskEvent{TaskID: t.ID, OrderID: t.OrderID, Stage: StageFailedPermanent, WorkerID: w.id, Detail: msg})
	log := logging.WithTaskID(t.ID)
	log.Error().
		Str("order_id", t.OrderID).
		Int("attempt", attempt).
		Str("reason", msg).
		Msg("task failed permanently")

	if order != nil {
		if _, rerr := w.ledger.RefundTask(ctx, t, order, msg); rerr != nil {
			w.log.Error().Err(rerr).Str("task_id", t.ID).Msg("refund failed")
		}
	} else {
		w.log.Error().Str("task_id", t.ID).Msg("refund skipped, order unavailable")
	}

	w.maybeFinalize(ctx, progress)
}

// maybeFinalize closes the order once no plays remain. The notes are built
// from a fresh read so refunds issued moments ago are included; the close
// itself is conditional, so concurrent finalizers collapse to one winner.
func (w *Worker) maybeFinalize(ctx context.Context, p *store.OrderProgress) {
	if p == nil || p.Remains != 0 {
		return
	}
	order, err := w.store.GetOrder(ctx, p.OrderID)
	if err != nil {
		w.log.Error().Err(err).Str("order_id", p.OrderID).Msg("finalize read failed")
		return
	}
	if order == nil || order.Status != store.OrderRunning {
		return
	}

	notes := store.CompletionNotes(order.Delivered, order.FailedPermanent, order.RefundAmount)
	ok, err := w.store.FinalizeOrder(ctx, order.ID, notes, time.Now())
	if err != nil {
		w.log.Error().Err(err).Str("order_id", order.ID).Msg("finalize failed")
		return
	}
	if !ok {
		return
	}

	result := "full"
	if order.FailedPermanent > 0 {
		result = "partial"
	}
	observability.OrdersCompleted.WithLabelValues(result).Inc()
	log := logging.WithOrderID(order.ID)
	log.Info().
		Int("delivered", order.Delivered).
		Int("failed", order.FailedPermanent).
		Str("result", result).
		Msg("order completed")
}

// releaseLease frees the proxy slot on a fresh context so shutdown cannot
// leak load counts.
func (w *Worker) releaseLease(l *router.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Release(ctx); err != nil {
		w.log.Warn().Err(err).Str("node_id", l.Node.ID).Msg("lease release failed")
	}
}
