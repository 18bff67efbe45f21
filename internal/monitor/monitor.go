// Package monitor tracks live tunnel sessions for periodic log
// reporting, adapted from the teacher's connection-counting idiom but
// scoped to the two things this core actually produces: accepted
// sessions (active and total) and bridge workers still running.
package monitor

import (
	"context"
	"log"
	"runtime"
	"sync/atomic"
	"time"
)

// SessionMonitor counts active tunnel sessions and bridge workers.
type SessionMonitor struct {
	activeSessions atomic.Int64
	totalSessions  atomic.Int64
	activeWorkers  atomic.Int64
}

// New returns an empty monitor.
func New() *SessionMonitor {
	return &SessionMonitor{}
}

func (m *SessionMonitor) SessionStarted() {
	m.activeSessions.Add(1)
	m.totalSessions.Add(1)
}

func (m *SessionMonitor) SessionEnded() {
	m.activeSessions.Add(-1)
}

func (m *SessionMonitor) WorkerStarted() {
	m.activeWorkers.Add(1)
}

func (m *SessionMonitor) WorkerEnded() {
	m.activeWorkers.Add(-1)
}

// RunPeriodicLogging logs a status line every interval until ctx is
// done. It is meant to be run in its own goroutine, tied to the
// process shutdown scope by the caller.
func (m *SessionMonitor) RunPeriodicLogging(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			log.Printf("monitor: active sessions=%d total sessions=%d active workers=%d goroutines=%d heap=%dMB",
				m.activeSessions.Load(),
				m.totalSessions.Load(),
				m.activeWorkers.Load(),
				runtime.NumGoroutine(),
				ms.HeapAlloc/1024/1024,
			)
		}
	}
}
