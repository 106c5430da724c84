package workerpool

import (
	"sync/atomic"
	"time"
)

// Stats is a snapshot of pool activity
type Stats struct {
	ActiveWorkers  int
	QueuedTasks    int
	CompletedTasks int64
	FailedTasks    int64
	RejectedTasks  int64
	AverageLatency time.Duration
	Uptime         time.Duration
}

type statsCollector struct {
	started       time.Time
	activeWorkers atomic.Int64
	completed     atomic.Int64
	failed        atomic.Int64
	rejected      atomic.Int64
	totalLatency  atomic.Int64 // nanoseconds
}

func newStatsCollector() *statsCollector {
	return &statsCollector{started: time.Now()}
}

func (s *statsCollector) incActiveWorkers() { s.activeWorkers.Add(1) }
func (s *statsCollector) decActiveWorkers() { s.activeWorkers.Add(-1) }
func (s *statsCollector) recordTaskRejection() { s.rejected.Add(1) }

func (s *statsCollector) recordTaskCompletion(d time.Duration, err error) {
	s.completed.Add(1)
	s.totalLatency.Add(int64(d))
	if err != nil {
		s.failed.Add(1)
	}
}

func (s *statsCollector) snapshot(queued int) Stats {
	st := Stats{
		ActiveWorkers:  int(s.activeWorkers.Load()),
		QueuedTasks:    queued,
		CompletedTasks: s.completed.Load(),
		FailedTasks:    s.failed.Load(),
		RejectedTasks:  s.rejected.Load(),
		Uptime:         time.Since(s.started),
	}
	if st.CompletedTasks > 0 {
		st.AverageLatency = time.Duration(s.totalLatency.Load() / st.CompletedTasks)
	}
	return st
}
