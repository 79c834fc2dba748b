package metrics

import (
	"sync"
	"time"
)

// Stats tracks in-process service counters for the JSON stats endpoint.
// Prometheus metrics cover the same ground for scraping; this exists so
// operators can curl a single JSON document without a Prometheus stack.
type Stats struct {
	mu        sync.RWMutex
	received  int64
	processed int64
	failed    int64
	startTime time.Time
}

// NewStats returns a Stats tracker with the uptime clock started.
func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

// RecordReceived counts one accepted webhook.
func (s *Stats) RecordReceived() {
	s.mu.Lock()
	s.received++
	s.mu.Unlock()
}

// RecordProcessed counts one successfully processed envelope.
func (s *Stats) RecordProcessed() {
	s.mu.Lock()
	s.processed++
	s.mu.Unlock()
}

// RecordFailed counts one failed processing attempt or enqueue error.
func (s *Stats) RecordFailed() {
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
}

// Snapshot is a point-in-time view of the service counters.
type Snapshot struct {
	EventsReceived  int64   `json:"events_received"`
	EventsProcessed int64   `json:"events_processed"`
	EventsFailed    int64   `json:"events_failed"`
	QueueDepth      int64   `json:"queue_depth"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
	SuccessRate     float64 `json:"success_rate"`
}

// Snapshot returns the current counters. Queue depth is supplied by the
// caller since it lives in Redis, not in process memory.
func (s *Stats) Snapshot(queueDepth int64) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rate := 100.0
	if s.received > 0 {
		rate = float64(s.processed) / float64(s.received) * 100
	}

	return Snapshot{
		EventsReceived:  s.received,
		EventsProcessed: s.processed,
		EventsFailed:    s.failed,
		QueueDepth:      queueDepth,
		UptimeSeconds:   time.Since(s.startTime).Seconds(),
		SuccessRate:     rate,
	}
}
