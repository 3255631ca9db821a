package router

import (
	"math"
	"sync"
	"time"
)

// HealthState classifies a node from its observed results.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthDegraded
	HealthOffline
)

func (s HealthState) String() string {
	switch s {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthOffline:
		return "offline"
	default:
		return "unknown"
	}
}

const (
	healthyRateFloor  = 0.85
	degradedRateFloor = 0.70

	// Counters halve at this sample count so the rate tracks recent
	// behavior without timer plumbing.
	decayAtSamples = 1000

	// Consecutive failures past this demote an otherwise healthy node.
	degradeAfterConsecutive = 3
)

// HealthSnapshot is a point-in-time copy of one node's counters, used for
// scoring and exposed on the admin surface.
type HealthSnapshot struct {
	Total               int64       `json:"total"`
	Successful          int64       `json:"successful"`
	SuccessRate         float64     `json:"success_rate"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	P95Ms               float64     `json:"p95_ms"`
	LastSuccess         time.Time   `json:"last_success"`
	State               HealthState `json:"-"`
	StateName           string      `json:"state"`
}

type nodeHealth struct {
	total               int64
	successful          int64
	consecutiveFailures int
	latencyCount        int64
	latencySumMs        float64
	latencySumSqMs      float64
	lastSuccess         time.Time
}

func (n *nodeHealth) successRate() float64 {
	if n.total == 0 {
		return 1.0 // unobserved nodes get the benefit of the doubt
	}
	return float64(n.successful) / float64(n.total)
}

// p95Ms approximates the 95th percentile from the first two latency moments
// (mean + 1.645 sigma), enough to drive the coarse latency penalties.
func (n *nodeHealth) p95Ms() float64 {
	if n.latencyCount == 0 {
		return 0
	}
	mean := n.latencySumMs / float64(n.latencyCount)
	variance := n.latencySumSqMs/float64(n.latencyCount) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean + 1.645*math.Sqrt(variance)
}

func (n *nodeHealth) state() HealthState {
	rate := n.successRate()
	if rate < degradedRateFloor {
		return HealthOffline
	}
	if rate < healthyRateFloor || n.consecutiveFailures >= degradeAfterConsecutive {
		return HealthDegraded
	}
	return HealthHealthy
}

func (n *nodeHealth) snapshot() HealthSnapshot {
	st := n.state()
	return HealthSnapshot{
		Total:               n.total,
		Successful:          n.successful,
		SuccessRate:         n.successRate(),
		ConsecutiveFailures: n.consecutiveFailures,
		P95Ms:               n.p95Ms(),
		LastSuccess:         n.lastSuccess,
		State:               st,
		StateName:           st.String(),
	}
}

// healthTracker folds execution results into per-node counters. Snapshots are
// process-local; cross-instance state goes through the store, not here.
type healthTracker struct {
	mu    sync.RWMutex
	nodes map[string]*nodeHealth
}

func newHealthTracker() *healthTracker {
	return &healthTracker{nodes: make(map[string]*nodeHealth)}
}

// Observe folds one execution result.
func (t *healthTracker) Observe(nodeID string, success bool, latencyMs float64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[nodeID]
	if !ok {
		n = &nodeHealth{}
		t.nodes[nodeID] = n
	}

	n.total++
	if success {
		n.successful++
		n.consecutiveFailures = 0
		n.lastSuccess = now
	} else {
		n.consecutiveFailures++
	}
	if latencyMs > 0 {
		n.latencyCount++
		n.latencySumMs += latencyMs
		n.latencySumSqMs += latencyMs * latencyMs
	}

	if n.total >= decayAtSamples {
		n.total /= 2
		n.successful /= 2
		n.latencyCount /= 2
		n.latencySumMs /= 2
		n.latencySumSqMs /= 2
	}
}

// Snapshot returns the node's current view. Unobserved nodes come back as
// healthy with a perfect rate.
func (t *healthTracker) Snapshot(nodeID string) HealthSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n, ok := t.nodes[nodeID]; ok {
		return n.snapshot()
	}
	return (&nodeHealth{}).snapshot()
}

// SnapshotAll copies every tracked node, for the admin surface.
func (t *healthTracker) SnapshotAll() map[string]HealthSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]HealthSnapshot, len(t.nodes))
	for id, n := range t.nodes {
		out[id] = n.snapshot()
	}
	return out
}
