package executor

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// FaultSettings is the admin-visible snapshot of the injector.
type FaultSettings struct {
	Enabled         bool     `json:"enabled"`
	FailPercent     int      `json:"fail_percent"`
	SimulateTimeout bool     `json:"simulate_timeout"`
	AddedLatencyMs  int      `json:"added_latency_ms"`
	BannedNodes     []string `json:"banned_nodes"`
	Paused          bool     `json:"paused"`
}

// FaultInjector wraps a Client with togglable failures for dev and load
// testing. Everything passes through untouched until Enabled is set.
type FaultInjector struct {
	mu    sync.RWMutex
	inner Client

	enabled         bool
	failPercent     int
	simulateTimeout bool
	addedLatency    time.Duration
	bannedNodes     map[string]bool
	paused          bool

	randInt func(int) int // swapped out in tests
}

// NewFaultInjector wraps inner with all faults off.
func NewFaultInjector(inner Client) *FaultInjector {
	return &FaultInjector{
		inner:       inner,
		bannedNodes: make(map[string]bool),
		randInt:     rand.Intn,
	}
}

// Settings returns the current toggles.
func (f *FaultInjector) Settings() FaultSettings {
	f.mu.RLock()
	defer f.mu.RUnlock()
	banned := make([]string, 0, len(f.bannedNodes))
	for id := range f.bannedNodes {
		banned = append(banned, id)
	}
	return FaultSettings{
		Enabled:         f.enabled,
		FailPercent:     f.failPercent,
		SimulateTimeout: f.simulateTimeout,
		AddedLatencyMs:  int(f.addedLatency / time.Millisecond),
		BannedNodes:     banned,
		Paused:          f.paused,
	}
}

// Apply replaces the toggles wholesale.
func (f *FaultInjector) Apply(s FaultSettings) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = s.Enabled
	f.failPercent = s.FailPercent
	f.simulateTimeout = s.SimulateTimeout
	f.addedLatency = time.Duration(s.AddedLatencyMs) * time.Millisecond
	f.bannedNodes = make(map[string]bool, len(s.BannedNodes))
	for _, id := range s.BannedNodes {
		f.bannedNodes[id] = true
	}
	f.paused = s.Paused
}

// Paused reports the global pause toggle. The worker checks it before
// claiming, so a pause never burns task attempts.
func (f *FaultInjector) Paused() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.enabled && f.paused
}

func (f *FaultInjector) Deliver(ctx context.Context, req Request) (*Response, error) {
	f.mu.RLock()
	enabled := f.enabled
	failPercent := f.failPercent
	simTimeout := f.simulateTimeout
	added := f.addedLatency
	banned := f.bannedNodes[req.Proxy.NodeID]
	f.mu.RUnlock()

	if !enabled {
		return f.inner.Deliver(ctx, req)
	}

	if added > 0 {
		select {
		case <-time.After(added):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if banned {
		return &Response{
			Success:   false,
			ErrorCode: 403,
			Message:   "node banned by fault injector",
		}, nil
	}

	if simTimeout {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if failPercent > 0 && f.randInt(100) < failPercent {
		return &Response{
			Success:   false,
			ErrorCode: 500,
			Message:   "injected failure",
		}, nil
	}

	return f.inner.Deliver(ctx, req)
}
