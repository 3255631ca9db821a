// Package router selects proxy nodes for task execution. Selection walks an
// operation's tier chain, scores live candidates against in-memory health
// snapshots, and hands out leases that track per-node load. Tier circuit
// breakers and sticky sessions shape the walk; per-node rate limiters keep a
// single node from absorbing a burst.
package router

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/playforge/playforge/engine/logging"
	"github.com/playforge/playforge/engine/observability"
	"github.com/playforge/playforge/engine/store"
)

// ErrNoProxyAvailable is returned when every tier in the chain is exhausted.
// Callers treat it as a transient task failure, not a permanent one.
var ErrNoProxyAvailable = errors.New("no proxy available")

const (
	// Scores below this never win a selection round.
	defaultMinScore = 0.7

	// Weighted random runs over this many top-scored candidates.
	defaultSelectionSpread = 3

	// Candidates fetched from the store per tier attempt.
	defaultCandidatePool = 50

	// A success inside this window earns the freshness bonus.
	freshnessWindow = 5 * time.Minute
)

// Config tunes selection and the tier breakers.
type Config struct {
	MinScore          float64
	SelectionSpread   int
	CandidatePool     int
	SessionTTL        time.Duration
	NodeRatePerSec    float64
	NodeBurst         int
	BreakerWindow     time.Duration
	BreakerOpenFor    time.Duration
	BreakerCloseAfter int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MinScore:          defaultMinScore,
		SelectionSpread:   defaultSelectionSpread,
		CandidatePool:     defaultCandidatePool,
		SessionTTL:        30 * time.Minute,
		NodeRatePerSec:    5,
		NodeBurst:         10,
		BreakerWindow:     60 * time.Second,
		BreakerOpenFor:    5 * time.Minute,
		BreakerCloseAfter: 3,
	}
}

// Request describes one routing decision.
type Request struct {
	Operation store.Operation
	Country   string
	SessionID string // usually the order ID; empty disables stickiness
}

// Lease is a held proxy slot. Release returns the slot exactly once;
// further calls are no-ops.
type Lease struct {
	Node     *store.ProxyNode
	router   *Router
	released atomic.Bool
}

// Release frees the node's load slot.
func (l *Lease) Release(ctx context.Context) error {
	if !l.released.CompareAndSwap(false, true) {
		return nil
	}
	return l.router.store.ReleaseProxyLease(ctx, l.Node.ID)
}

// Router picks proxy nodes for tasks.
type Router struct {
	store    store.Store
	sessions SessionBinder
	health   *healthTracker
	cfg      Config
	log      zerolog.Logger

	breakerMu sync.Mutex
	breakers  map[store.ProxyTier]*tierBreaker

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	randFloat func() float64 // swapped out in tests
}

// New builds a router over the given store. A nil sessions binder falls back
// to the in-process one.
func New(s store.Store, sessions SessionBinder, cfg Config) *Router {
	if sessions == nil {
		sessions = NewMemorySessions()
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = defaultMinScore
	}
	if cfg.SelectionSpread <= 0 {
		cfg.SelectionSpread = defaultSelectionSpread
	}
	if cfg.CandidatePool <= 0 {
		cfg.CandidatePool = defaultCandidatePool
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	if cfg.NodeRatePerSec <= 0 {
		cfg.NodeRatePerSec = 5
	}
	if cfg.NodeBurst <= 0 {
		cfg.NodeBurst = 10
	}
	if cfg.BreakerWindow <= 0 {
		cfg.BreakerWindow = 60 * time.Second
	}
	if cfg.BreakerOpenFor <= 0 {
		cfg.BreakerOpenFor = 5 * time.Minute
	}
	if cfg.BreakerCloseAfter <= 0 {
		cfg.BreakerCloseAfter = 3
	}
	return &Router{
		store:     s,
		sessions:  sessions,
		health:    newHealthTracker(),
		cfg:       cfg,
		log:       logging.WithComponent("router"),
		breakers:  make(map[store.ProxyTier]*tierBreaker),
		limiters:  make(map[string]*rate.Limiter),
		randFloat: rand.Float64,
	}
}

type scoredNode struct {
	node  *store.ProxyNode
	score float64
}

// Select picks a node for the request, acquiring a lease on it. It walks the
// operation's tier chain and returns ErrNoProxyAvailable when nothing usable
// is left. When every breaker in the chain is open, the operation's minimum
// tier is consulted anyway as a last resort.
func (r *Router) Select(ctx context.Context, req Request) (*Lease, error) {
	now := time.Now()

	if req.SessionID != "" {
		if lease, ok := r.trySticky(ctx, req, now); ok {
			return lease, nil
		}
	}

	tried := make(map[store.ProxyTier]bool)
	for _, tier := range tierOrder(req.Operation) {
		if !r.breaker(tier).Allow(now) {
			continue
		}
		tried[tier] = true
		lease, err := r.tryTier(ctx, tier, req, now)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			return lease, nil
		}
	}

	if min := minimumTier(req.Operation); !tried[min] {
		observability.ProxyLastResort.WithLabelValues(string(min)).Inc()
		r.log.Warn().
			Str("tier", string(min)).
			Str("operation", string(req.Operation)).
			Msg("all tier breakers open, consulting minimum tier")
		lease, err := r.tryTier(ctx, min, req, now)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			return lease, nil
		}
	}

	return nil, ErrNoProxyAvailable
}

// tryTier runs one selection round inside a single tier. A nil lease with a
// nil error means the tier had nothing usable.
func (r *Router) tryTier(ctx context.Context, tier store.ProxyTier, req Request, now time.Time) (*Lease, error) {
	nodes, err := r.store.ListProxyCandidates(ctx, tier, req.Country, r.cfg.CandidatePool)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		observability.ProxySelectionFailures.WithLabelValues("no_candidates").Inc()
		return nil, nil
	}

	scored := r.scoreCandidates(nodes, now)
	if len(scored) == 0 {
		observability.ProxySelectionFailures.WithLabelValues("below_min_score").Inc()
		return nil, nil
	}

	return r.acquireFrom(ctx, scored, req, tier), nil
}

// trySticky reuses the node a session is bound to, when it is still usable.
func (r *Router) trySticky(ctx context.Context, req Request, now time.Time) (*Lease, bool) {
	nodeID, err := r.sessions.Lookup(ctx, req.SessionID)
	if err != nil {
		r.log.Warn().Err(err).Str("session_id", req.SessionID).Msg("session lookup failed")
		return nil, false
	}
	if nodeID == "" {
		observability.StickySessions.WithLabelValues("miss").Inc()
		return nil, false
	}

	node, err := r.store.GetProxyNode(ctx, nodeID)
	if err != nil || node == nil || node.Status != store.ProxyOnline || r.health.Snapshot(nodeID).State == HealthOffline {
		observability.StickySessions.WithLabelValues("stale").Inc()
		if derr := r.sessions.Drop(ctx, req.SessionID); derr != nil {
			r.log.Warn().Err(derr).Str("session_id", req.SessionID).Msg("session drop failed")
		}
		return nil, false
	}

	// A busy or rate-limited sticky node falls through to fresh selection;
	// the binding is refreshed when that selection lands.
	if !r.limiter(node.ID).Allow() {
		return nil, false
	}
	ok, err := r.store.AcquireProxyLease(ctx, node.ID)
	if err != nil || !ok {
		return nil, false
	}

	observability.StickySessions.WithLabelValues("hit").Inc()
	observability.ProxySelections.WithLabelValues(string(node.Tier)).Inc()
	if berr := r.sessions.Bind(ctx, req.SessionID, node.ID, r.cfg.SessionTTL); berr != nil {
		r.log.Warn().Err(berr).Str("session_id", req.SessionID).Msg("session refresh failed")
	}
	return &Lease{Node: node, router: r}, true
}

// scoreCandidates scores and sorts nodes, dropping those offline by health
// or below the score floor.
func (r *Router) scoreCandidates(nodes []*store.ProxyNode, now time.Time) []scoredNode {
	scored := make([]scoredNode, 0, len(nodes))
	for _, n := range nodes {
		h := r.health.Snapshot(n.ID)
		if h.State == HealthOffline {
			continue
		}
		s := scoreNode(n, h, now)
		if s < r.cfg.MinScore {
			continue
		}
		scored = append(scored, scoredNode{node: n, score: s})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	return scored
}

// acquireFrom runs weighted random over the top of the scored list until a
// lease lands or the list is exhausted.
func (r *Router) acquireFrom(ctx context.Context, scored []scoredNode, req Request, tier store.ProxyTier) *Lease {
	for len(scored) > 0 {
		spread := r.cfg.SelectionSpread
		if spread > len(scored) {
			spread = len(scored)
		}
		idx := pickWeighted(scored[:spread], r.randFloat)
		cand := scored[idx]

		if !r.limiter(cand.node.ID).Allow() {
			observability.ProxySelectionFailures.WithLabelValues("rate_limited").Inc()
			scored = append(scored[:idx], scored[idx+1:]...)
			continue
		}

		ok, err := r.store.AcquireProxyLease(ctx, cand.node.ID)
		if err != nil {
			r.log.Error().Err(err).Str("node_id", cand.node.ID).Msg("lease acquire failed")
			return nil
		}
		if !ok {
			observability.ProxySelectionFailures.WithLabelValues("lease_race").Inc()
			scored = append(scored[:idx], scored[idx+1:]...)
			continue
		}

		observability.ProxySelections.WithLabelValues(string(tier)).Inc()
		if req.SessionID != "" {
			if berr := r.sessions.Bind(ctx, req.SessionID, cand.node.ID, r.cfg.SessionTTL); berr != nil {
				r.log.Warn().Err(berr).Str("session_id", req.SessionID).Msg("session bind failed")
			}
		}
		r.log.Debug().
			Str("node_id", cand.node.ID).
			Str("tier", string(tier)).
			Float64("score", cand.score).
			Msg("proxy selected")
		return &Lease{Node: cand.node, router: r}
	}
	return nil
}

// pickWeighted draws an index with probability proportional to score^2, so
// better nodes win more often without starving the rest of the spread.
func pickWeighted(cands []scoredNode, rnd func() float64) int {
	var total float64
	for _, c := range cands {
		total += c.score * c.score
	}
	if total <= 0 {
		return 0
	}
	target := rnd() * total
	for i, c := range cands {
		target -= c.score * c.score
		if target <= 0 {
			return i
		}
	}
	return len(cands) - 1
}

// scoreNode folds health, latency, load, cost and freshness into one score.
func scoreNode(n *store.ProxyNode, h HealthSnapshot, now time.Time) float64 {
	score := h.SuccessRate

	switch {
	case h.P95Ms > 5000:
		score *= 0.5
	case h.P95Ms > 2000:
		score *= 0.8
	}

	if n.CapacityLimit > 0 {
		load := float64(n.CurrentLoad) / float64(n.CapacityLimit)
		if load > 1 {
			load = 1
		}
		score *= 1 - 0.3*load
	}

	if n.CostFactor > 0 {
		score *= n.CostFactor
	}

	if !h.LastSuccess.IsZero() && now.Sub(h.LastSuccess) <= freshnessWindow {
		score *= 1.1
	}

	return score
}

// Report feeds an execution result back into health tracking and the tier
// breaker. Ban and rate-limit responses force the node OFFLINE in the store
// and break any session stuck to it.
func (r *Router) Report(ctx context.Context, node *store.ProxyNode, sessionID string, success bool, latencyMs float64, httpCode int) {
	now := time.Now()
	r.health.Observe(node.ID, success, latencyMs, now)

	b := r.breaker(node.Tier)
	if success {
		b.RecordSuccess(now)
	} else {
		b.RecordFailure(now)
	}

	if httpCode == 403 || httpCode == 429 {
		if err := r.store.SetProxyStatus(ctx, node.ID, store.ProxyOffline); err != nil {
			r.log.Error().Err(err).Str("node_id", node.ID).Msg("offline node update failed")
		}
		observability.ProxyOfflined.WithLabelValues(codeLabel(httpCode)).Inc()
		if sessionID != "" {
			if err := r.sessions.Drop(ctx, sessionID); err != nil {
				r.log.Warn().Err(err).Str("session_id", sessionID).Msg("session drop failed")
			}
		}
		r.log.Warn().
			Str("node_id", node.ID).
			Str("tier", string(node.Tier)).
			Int("http_code", httpCode).
			Msg("proxy forced offline")
	}
}

func codeLabel(code int) string {
	if code == 403 {
		return "403"
	}
	return "429"
}

// HealthSnapshots returns the current per-node health view, for the admin
// surface.
func (r *Router) HealthSnapshots() map[string]HealthSnapshot {
	return r.health.SnapshotAll()
}

// BreakerStates returns each tier's current breaker state name.
func (r *Router) BreakerStates() map[string]string {
	r.breakerMu.Lock()
	defer r.breakerMu.Unlock()
	out := make(map[string]string, len(r.breakers))
	for tier, b := range r.breakers {
		out[string(tier)] = b.State().String()
	}
	return out
}

func (r *Router) breaker(tier store.ProxyTier) *tierBreaker {
	r.breakerMu.Lock()
	defer r.breakerMu.Unlock()
	b, ok := r.breakers[tier]
	if !ok {
		b = newTierBreaker(tier, r.cfg.BreakerWindow, r.cfg.BreakerOpenFor, r.cfg.BreakerCloseAfter)
		r.breakers[tier] = b
	}
	return b
}

func (r *Router) limiter(nodeID string) *rate.Limiter {
	r.limiterMu.Lock()
	defer r.limiterMu.Unlock()
	l, ok := r.limiters[nodeID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(r.cfg.NodeRatePerSec), r.cfg.NodeBurst)
		r.limiters[nodeID] = l
	}
	return l
}
