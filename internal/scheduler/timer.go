package scheduler

import (
	"log/slog"
	"sync"
	"time"
)

// TimerInfo describes a pending timer.
type TimerInfo struct {
	Key         string    `json:"key"`
	ScheduledAt time.Time `json:"scheduled_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Remaining   string    `json:"remaining"`
}

// timerEntry tracks information about a scheduled timer
type timerEntry struct {
	timer       *time.Timer
	scheduledAt time.Time
	expiresAt   time.Time
	generation  uint64
}

// Timer runs one-shot functions after a delay, at most one pending per key. Scheduling a
// key that already has a pending function replaces it.
type Timer struct {
	mu      sync.Mutex
	timers  map[string]*timerEntry
	gen     uint64
	stopped bool
}

// NewTimer creates an empty Timer.
func NewTimer() *Timer {
	return &Timer{timers: make(map[string]*timerEntry)}
}

// ScheduleAfter runs fn after delay under key, replacing any pending function for key.
func (t *Timer) ScheduleAfter(key string, delay time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		slog.Debug("scheduler.Timer.ScheduleAfter: timer stopped, ignoring", "key", key)
		return
	}
	if prev, ok := t.timers[key]; ok {
		prev.timer.Stop()
		slog.Debug("scheduler.Timer.ScheduleAfter: replacing pending timer", "key", key)
	}

	t.gen++
	gen := t.gen
	now := time.Now()
	entry := &timerEntry{scheduledAt: now, expiresAt: now.Add(delay), generation: gen}
	entry.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		current, ok := t.timers[key]
		if !ok || current.generation != gen {
			t.mu.Unlock()
			return
		}
		delete(t.timers, key)
		t.mu.Unlock()

		slog.Debug("scheduler.Timer: executing scheduled function", "key", key)
		fn()
	})
	t.timers[key] = entry
	slog.Debug("scheduler.Timer.ScheduleAfter: scheduled", "key", key, "delay", delay)
}

// Cancel drops the pending function for key and reports whether one existed.
func (t *Timer) Cancel(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.timers[key]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(t.timers, key)
	slog.Debug("scheduler.Timer.Cancel: cancelled", "key", key)
	return true
}

// Stop cancels all pending functions and rejects new ones.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range t.timers {
		entry.timer.Stop()
	}
	slog.Info("scheduler.Timer.Stop: stopped all timers", "count", len(t.timers))
	t.timers = make(map[string]*timerEntry)
	t.stopped = true
}

// ListActive returns information about all pending timers.
func (t *Timer) ListActive() []TimerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	out := make([]TimerInfo, 0, len(t.timers))
	for key, entry := range t.timers {
		remaining := entry.expiresAt.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, TimerInfo{
			Key:         key,
			ScheduledAt: entry.scheduledAt,
			ExpiresAt:   entry.expiresAt,
			Remaining:   remaining.String(),
		})
	}
	return out
}
