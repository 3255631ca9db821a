package worker

import (
	"sync/atomic"
	"time"
)

// Stats holds one worker's activity counters. Cycles write them with atomics
// so the admin surface can read while deliveries are in flight.
type Stats struct {
	startedAt time.Time

	processed        atomic.Int64
	completed        atomic.Int64
	failed           atomic.Int64
	transient        atomic.Int64
	permanent        atomic.Int64
	retries          atomic.Int64
	orphansRecovered atomic.Int64
	startupOrphans   atomic.Int64
	droppedCycles    atomic.Int64
	inFlight         atomic.Int64
}

func newStats() *Stats {
	return &Stats{startedAt: time.Now()}
}

// StatsSnapshot is the JSON shape served on the worker status endpoint.
type StatsSnapshot struct {
	WorkerID         string    `json:"worker_id"`
	StartedAt        time.Time `json:"started_at"`
	UptimeSec        int64     `json:"uptime_sec"`
	Processed        int64     `json:"processed"`
	Completed        int64     `json:"completed"`
	Failed           int64     `json:"failed"`
	Transient        int64     `json:"transient"`
	Permanent        int64     `json:"permanent"`
	Retries          int64     `json:"retries"`
	OrphansRecovered int64     `json:"orphans_recovered"`
	StartupOrphans   int64     `json:"startup_orphans_recovered"`
	DroppedCycles    int64     `json:"dropped_cycles"`
	InFlight         int64     `json:"in_flight"`
}

func (s *Stats) snapshot(workerID string) StatsSnapshot {
	return StatsSnapshot{
		WorkerID:         workerID,
		StartedAt:        s.startedAt,
		UptimeSec:        int64(time.Since(s.startedAt).Seconds()),
		Processed:        s.processed.Load(),
		Completed:        s.completed.Load(),
		Failed:           s.failed.Load(),
		Transient:        s.transient.Load(),
		Permanent:        s.permanent.Load(),
		Retries:          s.retries.Load(),
		OrphansRecovered: s.orphansRecovered.Load(),
		StartupOrphans:   s.startupOrphans.Load(),
		DroppedCycles:    s.droppedCycles.Load(),
		InFlight:         s.inFlight.Load(),
	}
}
