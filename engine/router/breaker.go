package router

import (
	"sync"
	"time"

	"github.com/playforge/playforge/engine/observability"
	"github.com/playforge/playforge/engine/store"
)

// BreakerState represents the state of a tier circuit breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Normal operation
	BreakerHalfOpen                     // Testing recovery with bounded probes
	BreakerOpen                         // Tier excluded from selection
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half_open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// tierBreaker trips a whole tier when failures pile up inside the rolling
// window, so fallback chains kick in instead of hammering a dying pool.
type tierBreaker struct {
	mu   sync.Mutex
	tier store.ProxyTier

	state            BreakerState
	failureThreshold int
	window           time.Duration
	openFor          time.Duration
	successesToClose int

	failures      []time.Time
	openedAt      time.Time
	probes        int
	probedAt      time.Time
	successStreak int
}

func newTierBreaker(tier store.ProxyTier, window, openFor time.Duration, successesToClose int) *tierBreaker {
	threshold, ok := tierFailureThresholds[tier]
	if !ok {
		threshold = 10
	}
	b := &tierBreaker{
		tier:             tier,
		state:            BreakerClosed,
		failureThreshold: threshold,
		window:           window,
		openFor:          openFor,
		successesToClose: successesToClose,
	}
	observability.BreakerState.WithLabelValues(string(tier)).Set(0)
	return b
}

// Allow reports whether selection may enter this tier right now. In
// half-open it admits a bounded number of probes.
func (b *tierBreaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && now.Sub(b.openedAt) >= b.openFor {
		b.transitionLocked(BreakerHalfOpen)
		b.probes = 0
		b.successStreak = 0
	}

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		// Probe slots consumed by rounds that never reported back (the
		// tier had no usable candidate) are recycled after a window.
		if b.probes >= b.successesToClose && now.Sub(b.probedAt) >= b.window {
			b.probes = 0
			b.successStreak = 0
		}
		if b.probes < b.successesToClose {
			if b.probes == 0 {
				b.probedAt = now
			}
			b.probes++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess feeds one successful execution through the tier.
func (b *tierBreaker) RecordSuccess(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.successStreak++
		if b.successStreak >= b.successesToClose {
			b.transitionLocked(BreakerClosed)
			b.failures = b.failures[:0]
		}
	}
}

// RecordFailure feeds one failed execution through the tier. One probe
// failure reopens a half-open breaker.
func (b *tierBreaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.transitionLocked(BreakerOpen)
		b.openedAt = now
	case BreakerClosed:
		b.failures = append(b.failures, now)
		b.trimLocked(now)
		if len(b.failures) >= b.failureThreshold {
			b.transitionLocked(BreakerOpen)
			b.openedAt = now
			b.failures = b.failures[:0]
		}
	}
}

func (b *tierBreaker) trimLocked(now time.Time) {
	cutoff := now.Add(-b.window)
	keep := b.failures[:0]
	for _, f := range b.failures {
		if f.After(cutoff) {
			keep = append(keep, f)
		}
	}
	b.failures = keep
}

func (b *tierBreaker) transitionLocked(to BreakerState) {
	if b.state == to {
		return
	}
	b.state = to
	observability.BreakerTransitions.WithLabelValues(string(b.tier), to.String()).Inc()
	observability.BreakerState.WithLabelValues(string(b.tier)).Set(float64(to))
}

// State returns the current state (thread-safe).
func (b *tierBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
