package util

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"ON", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("MEDIBOT_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("MEDIBOT_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestStringAndFloatEnv(t *testing.T) {
	t.Setenv("MEDIBOT_TEST_STR", "  value ")
	if got := StringEnv("MEDIBOT_TEST_STR", "def"); got != "value" {
		t.Errorf("expected trimmed value, got %q", got)
	}
	t.Setenv("MEDIBOT_TEST_STR", "  ")
	if got := StringEnv("MEDIBOT_TEST_STR", "def"); got != "def" {
		t.Errorf("expected default for blank value, got %q", got)
	}

	t.Setenv("MEDIBOT_TEST_FLOAT", "0.7")
	if got := ParseFloatEnv("MEDIBOT_TEST_FLOAT", 0.2); got != 0.7 {
		t.Errorf("expected 0.7, got %v", got)
	}
	t.Setenv("MEDIBOT_TEST_FLOAT", "warm")
	if got := ParseFloatEnv("MEDIBOT_TEST_FLOAT", 0.2); got != 0.2 {
		t.Errorf("expected default for invalid float, got %v", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", time.Minute},
		{"45", 45 * time.Second},
		{"90s", 90 * time.Second},
		{"2m", 2 * time.Minute},
		{"-5s", time.Minute},
		{"soon", time.Minute},
	}
	for _, tt := range tests {
		t.Setenv("MEDIBOT_TEST_DURATION", tt.value)
		if got := ParseDurationEnv("MEDIBOT_TEST_DURATION", time.Minute); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	k := NewKeyedMutex()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("conv-1")
			defer unlock()
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Errorf("expected at most one holder, saw %d", maxInside)
	}
	if k.Len() != 0 {
		t.Errorf("expected entries to be released, got %d", k.Len())
	}
}

func TestKeyedMutexDistinctKeysDoNotBlock(t *testing.T) {
	k := NewKeyedMutex()
	unlockA := k.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}
