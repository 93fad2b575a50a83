// Package swarm owns the component pools and the live set of emulated
// sessions, driving the global producer tick and aggregating per-session
// status into a dashboard-ready snapshot.
package swarm

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/breeze-rmm/loadtestbot/internal/eventloop"
	"github.com/breeze-rmm/loadtestbot/internal/executor"
	"github.com/breeze-rmm/loadtestbot/internal/logging"
	"github.com/breeze-rmm/loadtestbot/internal/session"
	"github.com/breeze-rmm/loadtestbot/internal/timer"
)

var log = logging.L("swarm")

const tickInterval = 50 * time.Millisecond

// Params configures a Supervisor at construction.
type Params struct {
	WorkerThreads       int
	NetworkThreads      int
	PeerFactories       int
	DeviceID            string
	AuthBaseURL         string
	ProtooBaseURL       string
	ValidateDataChannel bool
}

// Supervisor owns W executors, N event loops, one shared HTTP client, and
// the live session set. Params.PeerFactories is clamped to at least 1 but is
// not otherwise used: each session's device creates its own peer
// connections. ApplyConfig and ApplyViewerConfig are its externally driven
// entry points.
type Supervisor struct {
	params Params

	executors  *executor.Array
	loops      *eventloop.Pool
	timer      *timer.Service
	httpClient *http.Client

	mu            sync.Mutex
	sessions      []*session.Session
	roomCount     int
	userPerRoom   int
	baseRoomID    int
	globalCounter int
	configured    bool

	tickID timer.ID
}

// New constructs a Supervisor with W executors and N event loops, sharing
// one timer service for both the producer tick and per-session request
// timeouts.
func New(params Params, ts *timer.Service) *Supervisor {
	if params.WorkerThreads < 1 {
		params.WorkerThreads = 1
	}
	if params.NetworkThreads < 1 {
		params.NetworkThreads = 1
	}
	if params.PeerFactories < 1 {
		params.PeerFactories = 1
	}
	sv := &Supervisor{
		params:     params,
		executors:  executor.NewArray(params.WorkerThreads, 256),
		loops:      eventloop.New(params.NetworkThreads),
		timer:      ts,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	sv.tickID = ts.SetInterval(tickInterval, sv.tickProducer)
	return sv
}

// ApplyConfig resizes the session set to room_count × user_per_room
// sessions. Sessions past the new total are removed and left; sessions that
// stay keep their user and room ids and are not re-joined, even when
// baseRoomID changed. Each new slot gets a fresh session that joins in the
// background. A no-op if the config is unchanged from the last call.
func (sv *Supervisor) ApplyConfig(ctx context.Context, roomCount, userPerRoom, baseRoomID int) {
	sv.mu.Lock()
	if sv.configured && sv.roomCount == roomCount && sv.userPerRoom == userPerRoom && sv.baseRoomID == baseRoomID {
		sv.mu.Unlock()
		return
	}

	target := roomCount * userPerRoom
	existing := sv.sessions
	var toLeave []*session.Session
	var kept []*session.Session

	if target >= len(existing) {
		kept = existing
	} else {
		kept = existing[:target]
		toLeave = append(toLeave, existing[target:]...)
	}

	sv.sessions = kept
	sv.roomCount = roomCount
	sv.userPerRoom = userPerRoom
	sv.baseRoomID = baseRoomID
	sv.configured = true
	startIdx := len(kept)
	sv.mu.Unlock()

	for _, s := range toLeave {
		s.Leave(false)
	}

	if target <= startIdx {
		return
	}

	for k := startIdx; k < target; k++ {
		i := k / userPerRoom
		sv.mu.Lock()
		sv.globalCounter++
		userID := fmt.Sprintf("%s_u%d", sv.params.DeviceID, 10000+sv.globalCounter)
		roomID := fmt.Sprintf("%s_r%d", sv.params.DeviceID, baseRoomID+i)
		sv.mu.Unlock()

		s := sv.newSession(k, userID, roomID)
		sv.mu.Lock()
		sv.sessions = append(sv.sessions, s)
		sv.mu.Unlock()

		go func(s *session.Session, userID, roomID string) {
			if err := s.Join(ctx); err != nil {
				log.Warn("session join failed", "user", userID, "room", roomID, "err", err)
			}
		}(s, userID, roomID)
	}
}

func (sv *Supervisor) newSession(k int, userID, roomID string) *session.Session {
	exec := sv.executors.For(k % sv.params.WorkerThreads)
	_ = sv.loops.For(k % sv.params.NetworkThreads) // shard bookkeeping; see DESIGN.md
	return session.New(session.Config{
		Role:                  session.RoleConference,
		DeviceID:              sv.params.DeviceID,
		UserID:                userID,
		RoomID:                roomID,
		AuthBaseURL:           sv.params.AuthBaseURL,
		ProtooBaseURL:         sv.params.ProtooBaseURL,
		DisableDataValidation: !sv.params.ValidateDataChannel,
		Executor:              exec,
		Timer:                 sv.timer,
		HTTPClient:            sv.httpClient,
	})
}

// ApplyViewerConfig configures a livestream swarm instead of a conference
// swarm: every session is a read-only viewer of one streamer's room.
func (sv *Supervisor) ApplyViewerConfig(ctx context.Context, streamerID string, viewerCount int) {
	sv.mu.Lock()
	if sv.configured && sv.roomCount == 1 && sv.userPerRoom == viewerCount && sv.baseRoomID == 0 {
		sv.mu.Unlock()
		return
	}
	existing := sv.sessions
	sv.sessions = nil
	sv.roomCount = 1
	sv.userPerRoom = viewerCount
	sv.baseRoomID = 0
	sv.configured = true
	sv.mu.Unlock()

	for _, s := range existing {
		s.Leave(false)
	}

	for k := 0; k < viewerCount; k++ {
		sv.mu.Lock()
		sv.globalCounter++
		userID := fmt.Sprintf("%s_u%d", sv.params.DeviceID, 10000+sv.globalCounter)
		sv.mu.Unlock()

		exec := sv.executors.For(k % sv.params.WorkerThreads)
		_ = sv.loops.For(k % sv.params.NetworkThreads)
		s := session.New(session.Config{
			Role:                  session.RoleViewer,
			DeviceID:              sv.params.DeviceID,
			UserID:                userID,
			RoomID:                streamerID,
			AuthBaseURL:           sv.params.AuthBaseURL,
			ProtooBaseURL:         sv.params.ProtooBaseURL,
			DisableDataValidation: !sv.params.ValidateDataChannel,
			Executor:              exec,
			Timer:                 sv.timer,
			HTTPClient:            sv.httpClient,
		})
		sv.mu.Lock()
		sv.sessions = append(sv.sessions, s)
		sv.mu.Unlock()

		go func(s *session.Session, userID string) {
			if err := s.Join(ctx); err != nil {
				log.Warn("viewer session join failed", "user", userID, "streamer", streamerID, "err", err)
			}
		}(s, userID)
	}
}

// tickProducer runs on the timer service's goroutine. It only enqueues
// per-session work; it never blocks on native calls itself.
func (sv *Supervisor) tickProducer() {
	sv.mu.Lock()
	sessions := sv.sessions
	sv.mu.Unlock()

	for _, s := range sessions {
		s.TickProducer()
	}
}

// Stats aggregates every session's reported status and counters into a
// dashboard-ready snapshot.
type Stats struct {
	Status         map[string]int
	ConsumePeer    map[int]int
	ProductivePeer int
	AvgPeerCount   float32
	AvgFrameRate   float32
	SessionCount   int
}

// Stats walks the current session set and aggregates per-session state.
func (sv *Supervisor) Stats() Stats {
	sv.mu.Lock()
	sessions := append([]*session.Session(nil), sv.sessions...)
	sv.mu.Unlock()

	out := Stats{
		Status:      make(map[string]int),
		ConsumePeer: make(map[int]int),
	}
	var totalPeers int64
	var totalTicks int64
	for _, s := range sessions {
		out.Status[s.Status().String()]++
		ticks, accepted, _, peers := s.Stats()
		_ = accepted
		out.ConsumePeer[int(peers)]++
		totalPeers += int64(peers)
		totalTicks += ticks
		if s.ProduceSuccess() {
			out.ProductivePeer++
		}
	}
	out.SessionCount = len(sessions)
	if len(sessions) > 0 {
		out.AvgPeerCount = float32(totalPeers) / float32(len(sessions))
		out.AvgFrameRate = float32(totalTicks) / float32(len(sessions))
	}
	return out
}

// Shutdown leaves every session (blocking) and stops the producer tick.
func (sv *Supervisor) Shutdown() {
	sv.timer.KillTimer(sv.tickID)

	sv.mu.Lock()
	sessions := sv.sessions
	sv.sessions = nil
	sv.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			s.Leave(true)
			return nil
		})
	}
	_ = g.Wait()

	sv.executors.Shutdown()
	sv.loops.Shutdown()
}
