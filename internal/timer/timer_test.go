package timer

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSetTimeoutFires(t *testing.T) {
	s := New()
	defer s.Stop()

	var fired atomic.Bool
	s.SetTimeout(10*time.Millisecond, func() { fired.Store(true) })

	time.Sleep(50 * time.Millisecond)
	if !fired.Load() {
		t.Fatal("expected timeout to fire")
	}
}

func TestKillTimerBeforeDeadlineNeverFires(t *testing.T) {
	s := New()
	defer s.Stop()

	var fired atomic.Bool
	id := s.SetTimeout(30*time.Millisecond, func() { fired.Store(true) })
	s.KillTimer(id)

	time.Sleep(60 * time.Millisecond)
	if fired.Load() {
		t.Fatal("expected killed timeout to never fire")
	}
}

func TestSetIntervalFiresRepeatedly(t *testing.T) {
	s := New()
	defer s.Stop()

	var count atomic.Int32
	id := s.SetInterval(10*time.Millisecond, func() { count.Add(1) })
	time.Sleep(55 * time.Millisecond)
	s.KillTimer(id)

	got := count.Load()
	if got < 3 {
		t.Fatalf("expected interval to fire at least 3 times, got %d", got)
	}

	after := count.Load()
	time.Sleep(30 * time.Millisecond)
	if count.Load() != after {
		t.Fatal("expected interval to stop firing after KillTimer")
	}
}

func TestKillTimerIsIdempotent(t *testing.T) {
	s := New()
	defer s.Stop()

	id := s.SetTimeout(time.Second, func() {})
	s.KillTimer(id)
	s.KillTimer(id) // must not panic
}
