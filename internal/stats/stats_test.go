package stats

import (
	"sync"
	"testing"
	"time"
)

func TestInstanceStatsCounters(t *testing.T) {
	var s InstanceStats

	if s.ErrorRate() != 0 {
		t.Errorf("ErrorRate on fresh stats = %v, want 0", s.ErrorRate())
	}
	if !s.LastErrorTime().IsZero() {
		t.Error("LastErrorTime should be zero before any failure")
	}

	s.RecordSuccess()
	s.RecordSuccess()
	s.RecordFailure()
	s.RecordFailure()

	if got := s.Actions.Load(); got != 4 {
		t.Errorf("Actions = %d, want 4", got)
	}
	if got := s.Errors.Load(); got != 2 {
		t.Errorf("Errors = %d, want 2", got)
	}
	if got := s.ErrorRate(); got != 0.5 {
		t.Errorf("ErrorRate = %v, want 0.5", got)
	}
	if got := s.ConsecutiveFailures.Load(); got != 2 {
		t.Errorf("ConsecutiveFailures = %d, want 2", got)
	}
	if s.LastErrorTime().IsZero() {
		t.Error("LastErrorTime should be set after a failure")
	}

	// A success resets the failure streak but not the totals.
	s.RecordSuccess()
	if got := s.ConsecutiveFailures.Load(); got != 0 {
		t.Errorf("ConsecutiveFailures after success = %d, want 0", got)
	}
	if got := s.Errors.Load(); got != 2 {
		t.Errorf("Errors after success = %d, want 2", got)
	}
}

func TestInstanceStatsConcurrent(t *testing.T) {
	var s InstanceStats
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if j%4 == 0 {
					s.RecordFailure()
				} else {
					s.RecordSuccess()
				}
			}
		}()
	}
	wg.Wait()

	if got := s.Actions.Load(); got != 1000 {
		t.Errorf("Actions = %d, want 1000", got)
	}
	if got := s.Errors.Load(); got != 250 {
		t.Errorf("Errors = %d, want 250", got)
	}
}

func TestWindowSum(t *testing.T) {
	w := NewWindow(4, time.Hour)

	w.Add(3)
	w.Add(2)
	if got := w.Sum(); got != 5 {
		t.Errorf("Sum = %d, want 5", got)
	}
}

func TestWindowRotation(t *testing.T) {
	w := NewWindow(2, 10*time.Millisecond)

	w.Add(5)
	time.Sleep(15 * time.Millisecond)
	w.Add(1)
	if got := w.Sum(); got != 6 {
		t.Errorf("Sum across two live buckets = %d, want 6", got)
	}

	// After the full span passes the first bucket falls out.
	time.Sleep(25 * time.Millisecond)
	w.Add(2)
	got := w.Sum()
	if got > 3 {
		t.Errorf("Sum after expiry = %d, want at most 3", got)
	}
	if got < 2 {
		t.Errorf("Sum after expiry = %d, current bucket lost", got)
	}
}

func TestNewWindowClampsBucketCount(t *testing.T) {
	w := NewWindow(0, time.Second)
	w.Add(1)
	if got := w.Sum(); got != 1 {
		t.Errorf("Sum = %d, want 1", got)
	}
}
