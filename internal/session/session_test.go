package session

import (
	"testing"

	"github.com/breeze-rmm/loadtestbot/internal/device"
	"github.com/breeze-rmm/loadtestbot/internal/executor"
	"github.com/breeze-rmm/loadtestbot/internal/timer"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	pool := executor.NewArray(1, 8).For(0)
	ts := timer.New()
	t.Cleanup(ts.Stop)

	return New(Config{
		Role:          RoleConference,
		DeviceID:      "dev-1",
		UserID:        "user-1",
		RoomID:        "room-1",
		AuthBaseURL:   "http://example.invalid",
		ProtooBaseURL: "ws://example.invalid",
		Executor:      pool,
		Timer:         ts,
	})
}

func TestNewSessionStartsIdleWithNoPeers(t *testing.T) {
	s := newTestSession(t)
	if s.Status() != StatusIdle {
		t.Fatalf("expected initial status idle, got %v", s.Status())
	}
	ticks, accepted, rejected, peers := s.Stats()
	if ticks != 0 || accepted != 0 || rejected != 0 || peers != 0 {
		t.Fatal("expected all counters to start at zero")
	}
}

func TestLeaveWithoutJoinIsSafeAndIdempotent(t *testing.T) {
	s := newTestSession(t)
	s.Leave(true)
	if s.Status() != StatusIdle {
		t.Fatalf("expected status idle after leave, got %v", s.Status())
	}
	// A second call must not block or panic: leaveOnce guards the teardown.
	s.Leave(true)
}

func TestOnConnectionStateChangeClosedTriggersLeave(t *testing.T) {
	s := newTestSession(t)
	s.setStatus(StatusConnected)

	s.OnConnectionStateChange(device.TransportRecv, "recv-transport", "closed")

	// Leave runs asynchronously on the executor; wait for it to finish.
	<-s.leftCh
	if s.Status() != StatusIdle {
		t.Fatalf("expected status idle after closed-triggered leave, got %v", s.Status())
	}
}
