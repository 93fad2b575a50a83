package swarm

import (
	"testing"

	"github.com/breeze-rmm/loadtestbot/internal/timer"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	ts := timer.New()
	t.Cleanup(ts.Stop)
	return New(Params{
		WorkerThreads:  2,
		NetworkThreads: 2,
		PeerFactories:  1,
		DeviceID:       "dev-1",
		AuthBaseURL:    "http://example.invalid",
		ProtooBaseURL:  "ws://example.invalid",
	}, ts)
}

func TestStatsOnEmptySupervisorReportsZero(t *testing.T) {
	sv := newTestSupervisor(t)
	defer sv.Shutdown()

	stats := sv.Stats()
	if stats.SessionCount != 0 {
		t.Fatalf("expected zero sessions, got %d", stats.SessionCount)
	}
	if stats.ProductivePeer != 0 {
		t.Fatal("expected zero productive peers")
	}
}

func TestApplyConfigIsNoOpWhenUnchanged(t *testing.T) {
	sv := newTestSupervisor(t)
	defer sv.Shutdown()

	sv.mu.Lock()
	sv.configured = true
	sv.roomCount = 2
	sv.userPerRoom = 3
	sv.baseRoomID = 100
	sv.mu.Unlock()

	before := sv.Stats().SessionCount
	sv.ApplyConfig(nil, 2, 3, 100)
	after := sv.Stats().SessionCount
	if before != after {
		t.Fatalf("expected session count unchanged, got %d -> %d", before, after)
	}
}
