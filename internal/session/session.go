package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/breeze-rmm/loadtestbot/internal/apperror"
	"github.com/breeze-rmm/loadtestbot/internal/device"
	"github.com/breeze-rmm/loadtestbot/internal/executor"
	"github.com/breeze-rmm/loadtestbot/internal/integrity"
	"github.com/breeze-rmm/loadtestbot/internal/logging"
	"github.com/breeze-rmm/loadtestbot/internal/protoo"
	"github.com/breeze-rmm/loadtestbot/internal/timer"
)

var log = logging.L("session")

// Placeholder join-request fields carried over verbatim from the source
// harness's own test fixture; kept as named constants for wire
// compatibility with a real mediasoup server's join handler, not because
// they carry protocol meaning of their own.
const (
	defaultDeviceModel      = "Linux"
	defaultNetworkType      = "LAN"
	defaultGameID           = "werewolf"
	defaultCameraResolution = "TODO"

	scratchBufferSize = 1760
	dataFrameWindow   = integrity.PayloadSize // bytes [4:300) covered by the CRC

	audioFrameCount  = 440
	audioSampleRate  = 44100
	audioChannels    = 2
	audioBytesPerFrm = 2 // 16-bit samples

	httpTimeout = 5 * time.Second
)

// Config is the per-session construction parameters supplied by the swarm
// supervisor.
type Config struct {
	Role          Role
	DeviceID      string
	UserID        string
	RoomID        string
	AuthBaseURL   string
	ProtooBaseURL string

	// DisableDataValidation turns off CRC validation of inbound data-channel
	// frames. A Session constructed directly (zero value) validates by
	// default; the swarm supervisor flips this on for its own sessions to
	// favor throughput over per-frame integrity checking at scale.
	DisableDataValidation bool

	Executor   *executor.Pool
	Timer      *timer.Service
	HTTPClient *http.Client
}

// Session binds one executor, one protoo client, and one device facade for
// a single emulated peer, running the mediasoup signaling script and
// generating synthetic media on each tick.
type Session struct {
	cfg Config

	mu       sync.Mutex
	status   Status
	protoo   *protoo.Client
	device   *device.Device
	peers    map[string]*peerConsumers
	scratch  []byte

	sendOpts *device.CreateTransportOptions
	recvOpts *device.CreateTransportOptions

	dataProducerID  string
	audioProducerID string
	produceSuccess  bool

	counters counters

	leaveOnce sync.Once
	leftCh    chan struct{}
}

// New constructs a Session. The join script does not run until Join is
// called.
func New(cfg Config) *Session {
	s := &Session{
		cfg:     cfg,
		status:  StatusIdle,
		peers:   make(map[string]*peerConsumers),
		scratch: make([]byte, scratchBufferSize),
		leftCh:  make(chan struct{}),
	}
	s.device = device.New(s)
	return s
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Status returns the session's current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Join runs the full join script on the session's executor, sequentially
// awaiting each signaling step. Any error aborts with status Exception,
// except that a viewer session already in one of its viewer-specific
// failure states keeps that status.
func (s *Session) Join(ctx context.Context) error {
	resultCh := s.cfg.Executor.Submit(ctx, func(ctx context.Context) (any, error) {
		return nil, s.runJoinScript(ctx)
	})
	select {
	case res := <-resultCh:
		if res.Err != nil {
			if !isViewerTerminalFailure(s.Status()) {
				s.setStatus(StatusException)
			}
			log.Error("join script failed", "room", s.cfg.RoomID, "user", s.cfg.UserID, "err", res.Err)
			return res.Err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) runJoinScript(ctx context.Context) error {
	// Transport-driven status advances only from OnConnectionStateChange or
	// the Exception path in Join. The script itself sets only the
	// viewer-specific progress and failure states, and only for RoleViewer.

	// 1. GET /auth-token?uid=<user_id>
	token, err := s.fetchAuthToken(ctx)
	if err != nil {
		if s.cfg.Role == RoleViewer {
			s.setStatus(StatusGettingAuthTokenFailed)
		}
		return apperror.New(apperror.AuthFailed, "session.Join", err)
	}

	// 2. Open protoo at ws://.../conference/connect?rid=<room_id>&token=<token>
	wsURL := fmt.Sprintf("%s/conference/connect?rid=%s&token=%s",
		s.cfg.ProtooBaseURL, url.QueryEscape(s.cfg.RoomID), url.QueryEscape(token))
	s.protoo = protoo.New(wsURL, s.cfg.Timer)
	s.protoo.OnRequest = s.handleProtooRequest
	s.protoo.OnNotify = s.handleProtooNotify
	s.protoo.OnClose = s.handleProtooClose

	if err := s.protoo.Connect(ctx); err != nil {
		return apperror.New(apperror.TransportFailure, "session.Join", err)
	}
	if s.cfg.Role == RoleViewer {
		s.setStatus(StatusHandshaking)
	}

	// 3. request("join", {...})
	if _, err := s.protoo.Request(ctx, "join", map[string]any{
		"roomId":           s.cfg.RoomID,
		"deviceId":         s.cfg.DeviceID,
		"deviceModel":      defaultDeviceModel,
		"networkType":      defaultNetworkType,
		"gameId":           defaultGameID,
		"cameraResolution": defaultCameraResolution,
	}); err != nil {
		return err
	}

	// 4. request("getRouterRtpCapabilities", {}) -> load into device
	capsResp, err := s.protoo.Request(ctx, "getRouterRtpCapabilities", map[string]any{})
	if err != nil {
		return err
	}
	if err := s.device.Load(capsResp.Data); err != nil {
		return err
	}

	// 5. request("createWebRtcTransport", {}) twice -> store options for send & recv
	sendOpts, err := s.requestTransportOptions(ctx)
	if err != nil {
		return err
	}
	s.sendOpts = &sendOpts
	recvOpts, err := s.requestTransportOptions(ctx)
	if err != nil {
		return err
	}
	s.recvOpts = &recvOpts

	// 6. ensure_transport(Send), ensure_transport(Recv)
	if s.cfg.Role == RoleViewer {
		s.setStatus(StatusCreatingTransport)
	}
	if err := s.device.EnsureTransport(ctx, device.TransportSend); err != nil {
		return err
	}
	if err := s.device.EnsureTransport(ctx, device.TransportRecv); err != nil {
		return err
	}

	// 7. request("consumeAllExistingProducer", {rtpCapabilities}) -> start_consuming
	consumeResp, err := s.protoo.Request(ctx, "consumeAllExistingProducer", map[string]any{
		"rtpCapabilities": s.device.RtpCapabilities(),
	})
	if err != nil {
		return err
	}
	var infos []ConsumerInfo
	if len(consumeResp.Data) > 0 {
		if err := json.Unmarshal(consumeResp.Data, &infos); err != nil {
			return apperror.New(apperror.ParseError, "session.Join", err)
		}
	}

	if s.cfg.Role == RoleViewer {
		if len(infos) == 0 {
			s.setStatus(StatusStreamNotFound)
			return apperror.New(apperror.JoinRejected, "session.Join", fmt.Errorf("no existing producer in room %q", s.cfg.RoomID))
		}
		s.setStatus(StatusConsuming)
		if err := s.startConsuming(ctx, infos); err != nil {
			s.setStatus(StatusConsumeStreamFailed)
			return apperror.New(apperror.NativeException, "session.Join", err)
		}
	} else if err := s.startConsuming(ctx, infos); err != nil {
		log.Warn("consume setup failed for one or more existing producers", "room", s.cfg.RoomID, "user", s.cfg.UserID, "err", err)
	}

	if s.cfg.Role == RoleConference {
		// 8. create_audio_source
		_, audioProducerID, err := s.device.CreateAudioSource(ctx, device.ProducerOptions{
			CodecOptions: mustJSON(map[string]any{"opusStereo": true, "opusDtx": true}),
		})
		if err != nil {
			return err
		}
		s.audioProducerID = audioProducerID

		// 9. create_data_source
		_, dataProducerID, err := s.device.CreateDataSource(ctx, "virtual-avatar", "", false, 0, 0)
		if err != nil {
			return err
		}
		s.dataProducerID = dataProducerID
	}

	// 10. The join script is done; status still only moves on a transport
	// state change, so a concurrent failure reported mid-script is never
	// overwritten here.
	s.mu.Lock()
	s.produceSuccess = true
	s.mu.Unlock()
	return nil
}

// ProduceSuccess reports whether this session completed its join script's
// produce steps, independent of its current transport status.
func (s *Session) ProduceSuccess() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.produceSuccess
}

func (s *Session) requestTransportOptions(ctx context.Context) (device.CreateTransportOptions, error) {
	resp, err := s.protoo.Request(ctx, "createWebRtcTransport", map[string]any{})
	if err != nil {
		return device.CreateTransportOptions{}, err
	}
	var opts device.CreateTransportOptions
	if err := json.Unmarshal(resp.Data, &opts); err != nil {
		return device.CreateTransportOptions{}, apperror.New(apperror.ParseError, "session.requestTransportOptions", err)
	}
	return opts, nil
}

func (s *Session) fetchAuthToken(ctx context.Context) (string, error) {
	reqURL := fmt.Sprintf("%s/auth-token?uid=%s", s.cfg.AuthBaseURL, url.QueryEscape(s.cfg.UserID))
	ctx, cancel := context.WithTimeout(ctx, httpTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", err
	}
	client := s.cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth endpoint returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var payload struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", err
	}
	return payload.Data, nil
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// --- incoming protoo dispatch ---

func (s *Session) handleProtooNotify(method string, data json.RawMessage) {
	s.cfg.Executor.PushTask(context.Background(), func(ctx context.Context) {
		switch method {
		case "kick", "consumerPaused", "consumerResumed":
			// Placeholder no-ops: acknowledged but not acted on.
		default:
			log.Debug("unhandled notification", "method", method)
		}
	})
}

func (s *Session) handleProtooRequest(ctx context.Context, method string, data json.RawMessage) (json.RawMessage, error) {
	resultCh := s.cfg.Executor.Submit(ctx, func(ctx context.Context) (any, error) {
		switch method {
		case "newConsumer":
			var info ConsumerInfo
			if err := json.Unmarshal(data, &info); err != nil {
				return nil, apperror.New(apperror.ParseError, "session.newConsumer", err)
			}
			if err := s.startConsuming(ctx, []ConsumerInfo{info}); err != nil {
				log.Warn("newConsumer sink setup failed", "peer", info.PeerID, "err", err)
			}
			return json.RawMessage(`{}`), nil
		case "newDataConsumer":
			var info ConsumerInfo
			if err := json.Unmarshal(data, &info); err != nil {
				return nil, apperror.New(apperror.ParseError, "session.newDataConsumer", err)
			}
			info.ProducerType = "data"
			if err := s.startConsuming(ctx, []ConsumerInfo{info}); err != nil {
				log.Warn("newDataConsumer sink setup failed", "peer", info.PeerID, "err", err)
			}
			return json.RawMessage(`{}`), nil
		default:
			return nil, apperror.New(apperror.UnknownInboundRequest, "session.handleProtooRequest", fmt.Errorf("not found"))
		}
	})
	select {
	case res := <-resultCh:
		if res.Err != nil {
			return nil, res.Err
		}
		raw, _ := res.Value.(json.RawMessage)
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) handleProtooClose(err error) {
	log.Warn("protoo connection closed", "room", s.cfg.RoomID, "user", s.cfg.UserID, "err", err)
}

// startConsuming materializes one consumer or data-consumer per info,
// keyed by peer and producer type, then refreshes the peer count.
func (s *Session) startConsuming(ctx context.Context, infos []ConsumerInfo) error {
	var firstErr error
	s.mu.Lock()
	for _, info := range infos {
		pc, ok := s.peers[info.PeerID]
		if !ok {
			pc = &peerConsumers{}
			s.peers[info.PeerID] = pc
		}
		switch info.ProducerType {
		case "data":
			if pc.data == nil {
				pc.data = &consumerToken{peerID: info.PeerID, kind: "data"}
				tok := pc.data
				if err := s.device.CreateDataSink(ctx, tok, func(payload []byte) {
					s.onDataFrame(payload)
				}); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		case "audio":
			if pc.audio == nil {
				pc.audio = &consumerToken{peerID: info.PeerID, kind: "audio"}
				if err := s.device.CreateAudioSink(ctx, pc.audio); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		default:
			if pc.video == nil {
				pc.video = &consumerToken{peerID: info.PeerID, kind: "video"}
				if err := s.device.CreateVideoSink(ctx, pc.video); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	count := int32(len(s.peers))
	s.mu.Unlock()
	s.counters.peerCount.Store(count)
	return firstErr
}

func (s *Session) onDataFrame(payload []byte) {
	if len(payload) < integrity.PrefixSize {
		s.counters.framesRejected.Add(1)
		log.Warn("dropping data frame shorter than its CRC prefix", "room", s.cfg.RoomID, "user", s.cfg.UserID, "len", len(payload))
		return
	}
	s.mu.Lock()
	validate := !s.cfg.DisableDataValidation
	s.mu.Unlock()
	if !validate {
		s.counters.framesAccepted.Add(1)
		return
	}
	if _, ok := integrity.Validate(payload); ok {
		s.counters.framesAccepted.Add(1)
	} else {
		s.counters.framesRejected.Add(1)
		log.Warn("dropping data frame that failed its CRC check", "room", s.cfg.RoomID, "user", s.cfg.UserID)
	}
}

// --- producer tick ---

// TickProducer is called every 50 ms by the supervisor's global timer. It
// enqueues the actual work onto the session's own executor so the timer
// loop never blocks.
func (s *Session) TickProducer() {
	s.cfg.Executor.PushTask(context.Background(), func(ctx context.Context) {
		s.tick(ctx)
	})
}

func (s *Session) tick(ctx context.Context) {
	rand.Read(s.scratch)

	if s.cfg.Role != RoleConference {
		return
	}

	if s.dataProducerID != "" && s.device.BufferedAmount() == 0 {
		frame := s.scratch[:integrity.FrameSize]
		var out []byte
		s.mu.Lock()
		validate := !s.cfg.DisableDataValidation
		s.mu.Unlock()
		if validate {
			stamped, err := integrity.Stamp(frame[integrity.PrefixSize:])
			if err == nil {
				out = stamped
			}
		}
		if out == nil {
			out = frame
		}
		if err := s.device.SendData(out); err == nil {
			s.counters.dataProducerTicks.Add(1)
		}
	}

	audio := make([]byte, audioFrameCount*audioChannels*audioBytesPerFrm)
	rand.Read(audio)
	_ = s.device.WriteAudioSample(audio, 10*time.Millisecond)
}

// --- device.Delegate ---

func (s *Session) CreateServerSideTransport(ctx context.Context, kind device.TransportKind, rtpCapabilities json.RawMessage) (device.CreateTransportOptions, error) {
	if kind == device.TransportSend && s.sendOpts != nil {
		return *s.sendOpts, nil
	}
	if kind == device.TransportRecv && s.recvOpts != nil {
		return *s.recvOpts, nil
	}
	return device.CreateTransportOptions{}, apperror.New(apperror.NativeException, "session.CreateServerSideTransport", fmt.Errorf("transport options not pre-fetched for %s", kind))
}

func (s *Session) ConnectTransport(ctx context.Context, kind device.TransportKind, id string, dtlsParameters json.RawMessage) error {
	_, err := s.protoo.Request(ctx, "connectWebRtcTransport", map[string]any{
		"transportId":    id,
		"dtlsParameters": dtlsParameters,
	})
	return err
}

func (s *Session) ConnectProducer(ctx context.Context, id string, kind device.MediaKind, rtpParameters json.RawMessage) (string, error) {
	resp, err := s.protoo.Request(ctx, "produce", map[string]any{
		"transportId":   id,
		"kind":          kind,
		"rtpParameters": rtpParameters,
	})
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(resp.Data, &out)
	return out.ID, nil
}

func (s *Session) ConnectDataProducer(ctx context.Context, id string, sctpParameters json.RawMessage, label, protocol string) (string, error) {
	resp, err := s.protoo.Request(ctx, "produceData", map[string]any{
		"transportId":    id,
		"sctpParameters": sctpParameters,
		"label":          label,
		"protocol":       protocol,
	})
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(resp.Data, &out)
	return out.ID, nil
}

func (s *Session) OnConnectionStateChange(kind device.TransportKind, id string, state string) {
	st, ok := connectionStateToStatus(state)
	if !ok {
		return
	}
	s.setStatus(st)
	switch st {
	case StatusClosed, StatusDisconnected, StatusFailed:
		s.Leave(false)
	}
}

// Leave tears the session down: closes the protoo client, stops the
// device, drops peers and senders, and sets status Idle. If blocking, it
// waits for teardown to complete before returning.
func (s *Session) Leave(blocking bool) {
	s.leaveOnce.Do(func() {
		resultCh := s.cfg.Executor.Submit(context.Background(), func(ctx context.Context) (any, error) {
			if s.protoo != nil {
				s.protoo.Stop()
			}
			s.device.Stop()
			s.mu.Lock()
			s.peers = make(map[string]*peerConsumers)
			s.dataProducerID, s.audioProducerID = "", ""
			s.status = StatusIdle
			s.mu.Unlock()
			close(s.leftCh)
			return nil, nil
		})
		if blocking {
			<-resultCh
		}
	})
}

// Stats returns a point-in-time snapshot of this session's tick/frame
// counters, read without touching the executor.
func (s *Session) Stats() (dataTicks, framesAccepted, framesRejected int64, peers int32) {
	return s.counters.dataProducerTicks.Load(),
		s.counters.framesAccepted.Load(),
		s.counters.framesRejected.Load(),
		s.counters.peerCount.Load()
}
