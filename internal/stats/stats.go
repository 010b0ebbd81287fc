// Package stats provides lock-free counters and small time-series windows.
// The browser pool feeds these from action outcomes; the recycler reads
// them as health signals.
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// InstanceStats tracks the health signals of one browser instance.
// All mutation is atomic; readers may sample concurrently.
type InstanceStats struct {
	Actions             atomic.Int64
	Errors              atomic.Int64
	ConsecutiveFailures atomic.Int32
	lastErrorNano       atomic.Int64
}

// RecordSuccess notes a successful action.
func (s *InstanceStats) RecordSuccess() {
	s.Actions.Add(1)
	s.ConsecutiveFailures.Store(0)
}

// RecordFailure notes a failed action.
func (s *InstanceStats) RecordFailure() {
	s.Actions.Add(1)
	s.Errors.Add(1)
	s.ConsecutiveFailures.Add(1)
	s.lastErrorNano.Store(time.Now().UnixNano())
}

// ErrorRate returns errors/actions in [0,1]; zero when nothing ran yet.
func (s *InstanceStats) ErrorRate() float64 {
	total := s.Actions.Load()
	if total == 0 {
		return 0
	}
	return float64(s.Errors.Load()) / float64(total)
}

// LastErrorTime returns the time of the most recent failure, zero if none.
func (s *InstanceStats) LastErrorTime() time.Time {
	n := s.lastErrorNano.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Window is a bucketed sliding-window counter: Add increments the bucket
// for the current interval, Sum totals the buckets still inside the window.
// The zero value is not usable; construct with NewWindow.
type Window struct {
	mu       sync.Mutex
	interval time.Duration
	buckets  []bucket
	next     int
}

type bucket struct {
	start time.Time
	count int64
}

// NewWindow creates a window of n buckets, each covering interval.
func NewWindow(n int, interval time.Duration) *Window {
	if n < 1 {
		n = 1
	}
	return &Window{interval: interval, buckets: make([]bucket, n)}
}

// Add increments the current bucket by delta.
func (w *Window) Add(delta int64) {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()

	cur := &w.buckets[w.next]
	if cur.start.IsZero() || now.Sub(cur.start) >= w.interval {
		w.next = (w.next + 1) % len(w.buckets)
		w.buckets[w.next] = bucket{start: now, count: delta}
		return
	}
	cur.count += delta
}

// Sum returns the total over buckets still inside the window span.
func (w *Window) Sum() int64 {
	now := time.Now()
	span := w.interval * time.Duration(len(w.buckets))

	w.mu.Lock()
	defer w.mu.Unlock()

	var total int64
	for _, b := range w.buckets {
		if !b.start.IsZero() && now.Sub(b.start) < span {
			total += b.count
		}
	}
	return total
}
