package clock

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimerSchedulerReplacesPendingTask(t *testing.T) {
	s := NewTimerScheduler()
	defer s.Close()

	var first, second atomic.Int32
	s.Schedule("task", time.Hour, func() { first.Add(1) })
	s.Schedule("task", time.Millisecond, func() { second.Add(1) })

	deadline := time.After(2 * time.Second)
	for second.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("rescheduled task never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if first.Load() != 0 {
		t.Fatal("replaced task should not have fired")
	}
}

func TestTimerSchedulerCancelPrefix(t *testing.T) {
	s := NewTimerScheduler()
	defer s.Close()

	var fired atomic.Int32
	s.Schedule("acct-1/watchdog", time.Millisecond, func() { fired.Add(1) })
	s.Schedule("acct-1/retry", time.Millisecond, func() { fired.Add(1) })
	s.Schedule("acct-2/retry", 20*time.Millisecond, func() { fired.Add(1) })
	s.CancelPrefix("acct-1/")

	time.Sleep(60 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("expected only acct-2 task to fire, got %d firings", got)
	}
}

func TestManualSchedulerFire(t *testing.T) {
	s := NewManualScheduler()

	var ran bool
	s.Schedule("flush", 5*time.Second, func() { ran = true })
	if !s.Pending("flush") {
		t.Fatal("expected pending task")
	}
	if d, ok := s.Delay("flush"); !ok || d != 5*time.Second {
		t.Fatalf("expected recorded delay of 5s, got %v", d)
	}
	if !s.Fire("flush") {
		t.Fatal("expected fire to run the task")
	}
	if !ran {
		t.Fatal("task did not run")
	}
	if s.Pending("flush") {
		t.Fatal("fired task should be removed")
	}
}

func TestVirtualClockAdvance(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewVirtual(start)

	c.Advance(90 * time.Second)
	if got := c.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("unexpected time after advance: %v", got)
	}
	c.AdvanceTo(start)
	if got := c.Now(); got.Before(start.Add(90 * time.Second)) {
		t.Fatal("AdvanceTo must not move the clock backwards")
	}
}
