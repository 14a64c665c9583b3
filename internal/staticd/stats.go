package staticd

import (
	"math"
	"sync/atomic"
	"time"
)

// statsCollector aggregates request counters with atomics so workers never
// contend on a lock.
type statsCollector struct {
	startedAt time.Time

	totalRequests atomic.Uint64
	totalBytes    atomic.Uint64
	totalLatency  atomic.Uint64 // nanoseconds
	minLatency    atomic.Uint64
	maxLatency    atomic.Uint64
	cacheHits     atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{startedAt: time.Now()}
	s.minLatency.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) ObserveRequest(ev RequestEvent) {
	if ev.Status == 0 {
		return
	}
	bytes := ev.Bytes
	if bytes < 0 {
		bytes = 0
	}
	lat := ev.Duration
	if lat < 0 {
		lat = 0
	}
	n := uint64(lat)

	s.totalRequests.Add(1)
	s.totalBytes.Add(uint64(bytes))
	s.totalLatency.Add(n)
	if ev.CacheHit {
		s.cacheHits.Add(1)
	}

	for {
		cur := s.minLatency.Load()
		if n >= cur {
			break
		}
		if s.minLatency.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxLatency.Load()
		if n <= cur {
			break
		}
		if s.maxLatency.CompareAndSwap(cur, n) {
			break
		}
	}
}

// StatsSnapshot is a point-in-time copy of the counters. It is also the
// record persisted by the state store, so fields stay exported.
type StatsSnapshot struct {
	TotalRequests uint64
	TotalBytes    uint64
	TotalLatency  time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
	CacheHits     uint64
	Uptime        time.Duration
}

func (s StatsSnapshot) AvgLatency() time.Duration {
	if s.TotalRequests == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.TotalRequests)
}

func (s *statsCollector) Snapshot() StatsSnapshot {
	count := s.totalRequests.Load()
	uptime := time.Since(s.startedAt)
	if count == 0 {
		return StatsSnapshot{Uptime: uptime}
	}
	minv := s.minLatency.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return StatsSnapshot{
		TotalRequests: count,
		TotalBytes:    s.totalBytes.Load(),
		TotalLatency:  time.Duration(s.totalLatency.Load()),
		MinLatency:    time.Duration(minv),
		MaxLatency:    time.Duration(s.maxLatency.Load()),
		CacheHits:     s.cacheHits.Load(),
		Uptime:        uptime,
	}
}

// mergeSnapshots adds cur on top of a persisted baseline.
func mergeSnapshots(base, cur StatsSnapshot) StatsSnapshot {
	out := StatsSnapshot{
		TotalRequests: base.TotalRequests + cur.TotalRequests,
		TotalBytes:    base.TotalBytes + cur.TotalBytes,
		TotalLatency:  base.TotalLatency + cur.TotalLatency,
		CacheHits:     base.CacheHits + cur.CacheHits,
		Uptime:        base.Uptime + cur.Uptime,
		MaxLatency:    max(base.MaxLatency, cur.MaxLatency),
	}
	switch {
	case base.TotalRequests == 0:
		out.MinLatency = cur.MinLatency
	case cur.TotalRequests == 0:
		out.MinLatency = base.MinLatency
	default:
		out.MinLatency = min(base.MinLatency, cur.MinLatency)
	}
	return out
}
