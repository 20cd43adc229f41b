package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	// Should add a valid cron job without error
	if err := s.AddJob("0 8 * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("not a cron", func() {}); err == nil {
		t.Error("Expected error for invalid expression")
	}
	if got := len(s.NextRuns()); got != 1 {
		t.Errorf("expected one entry, got %d", got)
	}
}

func TestSchedulerLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	s := NewScheduler(WithLocation(loc))
	defer s.Stop()
	if err := s.AddJob("0 19 * * *", func() {}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	next := s.NextRuns()[0].In(loc)
	if next.Hour() != 19 || next.Minute() != 0 {
		t.Errorf("expected next run at 19:00 New York time, got %v", next)
	}
}

func TestTimerRunsOnce(t *testing.T) {
	tm := NewTimer()
	done := make(chan struct{})
	tm.ScheduleAfter("p1", 10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	// entry is removed before fn runs
	if n := len(tm.ListActive()); n != 0 {
		t.Errorf("expected no active timers, got %d", n)
	}
}

func TestTimerReplacesPendingForSameKey(t *testing.T) {
	tm := NewTimer()
	var first, second int32
	tm.ScheduleAfter("p1", 20*time.Millisecond, func() { atomic.AddInt32(&first, 1) })
	tm.ScheduleAfter("p1", 30*time.Millisecond, func() { atomic.AddInt32(&second, 1) })

	if n := len(tm.ListActive()); n != 1 {
		t.Fatalf("expected one pending timer, got %d", n)
	}
	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&first) != 0 || atomic.LoadInt32(&second) != 1 {
		t.Errorf("expected only replacement to fire, got first=%d second=%d", first, second)
	}
}

func TestTimerCancelAndStop(t *testing.T) {
	tm := NewTimer()
	var fired int32
	tm.ScheduleAfter("p1", 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	tm.ScheduleAfter("p2", 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })

	if !tm.Cancel("p1") {
		t.Error("expected Cancel to report a pending timer")
	}
	if tm.Cancel("p1") {
		t.Error("expected second Cancel to report nothing pending")
	}
	tm.Stop()
	tm.ScheduleAfter("p3", time.Millisecond, func() { atomic.AddInt32(&fired, 1) })

	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Errorf("expected no timers to fire, got %d", fired)
	}
	if n := len(tm.ListActive()); n != 0 {
		t.Errorf("expected no active timers, got %d", n)
	}
}
