// Package device wraps the native WebRTC stack (pion/webrtc) behind the
// signaling-facing contract a session controller drives: load router
// capabilities, bring up send/recv transports on demand, and create
// sinks/sources bridging native media to the mediasoup signaling world.
//
// pion/webrtc only negotiates through SDP offer/answer, unlike mediasoup's
// own ICE/DTLS-parameter-direct bring-up. Each transport here is a plain
// pion PeerConnection that creates a local SDP offer; the offer's SDP text
// is passed opaquely through the delegate's ConnectTransport call, and no
// remote answer is applied to the PeerConnection. This mirrors the desktop
// remote-control session's PeerConnection-per-stream pattern rather than
// mediasoup-client's lower-level ICE/DTLS/SCTP transport split.
package device

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/breeze-rmm/loadtestbot/internal/apperror"
	"github.com/breeze-rmm/loadtestbot/internal/logging"
)

var log = logging.L("device")

// MediaKind distinguishes the payload a producer or consumer carries.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
	KindData  MediaKind = "data"
)

// TransportKind distinguishes the send-side transport (for producers) from
// the recv-side transport (for consumers).
type TransportKind string

const (
	TransportSend TransportKind = "send"
	TransportRecv TransportKind = "recv"
)

const iceGatherTimeout = 10 * time.Second

// CreateTransportOptions is the wire shape returned by the delegate when a
// transport is first needed; it mirrors mediasoup's own transport options.
type CreateTransportOptions struct {
	ID             string          `json:"id"`
	ICEParameters  json.RawMessage `json:"iceParameters,omitempty"`
	ICECandidates  json.RawMessage `json:"iceCandidates,omitempty"`
	DTLSParameters json.RawMessage `json:"dtlsParameters,omitempty"`
	SCTPParameters json.RawMessage `json:"sctpParameters,omitempty"`
}

// ProducerOptions carries the optional encoding/codec JSON a producer may
// be created with; all fields are passed through opaquely to the delegate.
type ProducerOptions struct {
	Encodings    json.RawMessage `json:"encodings,omitempty"`
	CodecOptions json.RawMessage `json:"codecOptions,omitempty"`
	Codec        json.RawMessage `json:"codec,omitempty"`
}

// iceServerConfig mirrors the desktop session's own JSON-flexible ICE server
// shape, letting either a single URL string or an array decode cleanly.
type iceServerConfig struct {
	URLs       interface{} `json:"urls"`
	Username   string      `json:"username,omitempty"`
	Credential string      `json:"credential,omitempty"`
}

func parseICEServers(raw json.RawMessage) []webrtc.ICEServer {
	var configs []iceServerConfig
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &configs)
	}
	if len(configs) == 0 {
		return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	servers := make([]webrtc.ICEServer, 0, len(configs))
	for _, c := range configs {
		var urls []string
		switch v := c.URLs.(type) {
		case string:
			urls = []string{v}
		case []interface{}:
			for _, u := range v {
				if s, ok := u.(string); ok {
					urls = append(urls, s)
				}
			}
		}
		if len(urls) == 0 {
			continue
		}
		server := webrtc.ICEServer{URLs: urls}
		if c.Username != "" {
			server.Username = c.Username
			server.Credential = c.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, server)
	}
	if len(servers) == 0 {
		return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	return servers
}

// Delegate bridges native transport/producer/consumer lifecycle events back
// to mediasoup signaling. Every method is context-aware and error-returning,
// the idiomatic Go analog of the future-returning contract implemented by
// session controllers.
type Delegate interface {
	CreateServerSideTransport(ctx context.Context, kind TransportKind, rtpCapabilities json.RawMessage) (CreateTransportOptions, error)
	ConnectTransport(ctx context.Context, kind TransportKind, id string, dtlsParameters json.RawMessage) error
	ConnectProducer(ctx context.Context, id string, kind MediaKind, rtpParameters json.RawMessage) (producerID string, err error)
	ConnectDataProducer(ctx context.Context, id string, sctpParameters json.RawMessage, label, protocol string) (producerID string, err error)
	OnConnectionStateChange(kind TransportKind, id string, state string)
}

// sinkEntry is a bound remote consumer: a native handle the caller's
// consumer object owns, matched by its opaque user token for CloseSink.
type sinkEntry struct {
	userConsumer any
	close        func()
}

// ReEncodeHandle is the opaque handle returned by ReEncode.
type ReEncodeHandle struct {
	close func()
}

// Close runs the handle's close hook. The hook ReEncode installs only logs;
// the produced track stays on the send transport until Stop.
func (h *ReEncodeHandle) Close() {
	if h.close != nil {
		h.close()
	}
}

// Device facades the native WebRTC stack for one session: one send
// transport, one recv transport, their producers, and the sinks bound to
// consumed tracks/data channels.
type Device struct {
	delegate Delegate

	mu       sync.Mutex
	loaded   bool
	rtpCaps  json.RawMessage
	sendPC   *webrtc.PeerConnection
	recvPC   *webrtc.PeerConnection
	sendID   string
	recvID   string
	sinks    []sinkEntry
	dataProd *webrtc.DataChannel
	audioTrk *webrtc.TrackLocalStaticSample
	stopped  bool
}

// New constructs a Device bound to delegate for signaling round-trips.
func New(delegate Delegate) *Device {
	return &Device{delegate: delegate}
}

// Load records the router's RTP capabilities. Idempotent only on the first
// call; a second call is rejected.
func (d *Device) Load(routerRtpCapabilities json.RawMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded {
		return apperror.New(apperror.NativeException, "device.Load", fmt.Errorf("device already loaded"))
	}
	d.rtpCaps = routerRtpCapabilities
	d.loaded = true
	return nil
}

// RtpCapabilities returns the capabilities recorded by Load.
func (d *Device) RtpCapabilities() json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rtpCaps
}

// CanProduce reports whether the loaded router capabilities admit the given
// kind. Audio and video are always assumed producible once loaded; data
// channels need no codec capability at all.
func (d *Device) CanProduce(kind MediaKind) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if kind == KindData {
		return true
	}
	return d.loaded
}

// EnsureTransport brings up the send or recv transport if it does not yet
// exist. Subsequent calls for the same kind are no-ops.
func (d *Device) EnsureTransport(ctx context.Context, kind TransportKind) error {
	d.mu.Lock()
	if kind == TransportSend && d.sendPC != nil {
		d.mu.Unlock()
		return nil
	}
	if kind == TransportRecv && d.recvPC != nil {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	opts, err := d.delegate.CreateServerSideTransport(ctx, kind, d.RtpCapabilities())
	if err != nil {
		return apperror.New(apperror.NativeException, "device.EnsureTransport", err)
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: parseICEServers(opts.ICECandidates),
	})
	if err != nil {
		return apperror.New(apperror.NativeException, "device.EnsureTransport", err)
	}

	// The delegate needs the ICE-level state vocabulary (new, checking,
	// connected, completed, failed, disconnected, closed), not pion's
	// aggregate PeerConnectionState, which never emits checking/completed.
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		d.delegate.OnConnectionStateChange(kind, opts.ID, state.String())
	})

	d.mu.Lock()
	if kind == TransportSend {
		d.sendPC, d.sendID = pc, opts.ID
	} else {
		d.recvPC, d.recvID = pc, opts.ID
	}
	d.mu.Unlock()

	return d.negotiate(ctx, kind, pc, opts)
}

func (d *Device) negotiate(ctx context.Context, kind TransportKind, pc *webrtc.PeerConnection, opts CreateTransportOptions) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return apperror.New(apperror.NativeException, "device.negotiate", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return apperror.New(apperror.NativeException, "device.negotiate", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		return apperror.New(apperror.TransportFailure, "device.negotiate", fmt.Errorf("ICE gathering timed out"))
	case <-ctx.Done():
		return ctx.Err()
	}

	ld := pc.LocalDescription()
	var dtlsParams json.RawMessage
	if ld != nil {
		dtlsParams, _ = json.Marshal(map[string]string{"fingerprint": ld.SDP})
	}
	if err := d.delegate.ConnectTransport(ctx, kind, opts.ID, dtlsParams); err != nil {
		return apperror.New(apperror.NativeException, "device.negotiate", err)
	}
	return nil
}

// CreateVideoSink registers userConsumer against the next incoming video
// track on the recv transport.
func (d *Device) CreateVideoSink(ctx context.Context, userConsumer any) error {
	return d.createTrackSink(ctx, KindVideo, userConsumer)
}

// CreateAudioSink registers userConsumer against the next incoming audio
// track on the recv transport.
func (d *Device) CreateAudioSink(ctx context.Context, userConsumer any) error {
	return d.createTrackSink(ctx, KindAudio, userConsumer)
}

func (d *Device) createTrackSink(ctx context.Context, kind MediaKind, userConsumer any) error {
	if err := d.EnsureTransport(ctx, TransportRecv); err != nil {
		return err
	}
	d.mu.Lock()
	pc := d.recvPC
	d.mu.Unlock()

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if string(track.Kind()) != string(kind) && !(kind == KindVideo && track.Kind() == webrtc.RTPCodecTypeVideo) && !(kind == KindAudio && track.Kind() == webrtc.RTPCodecTypeAudio) {
			return
		}
		entry := sinkEntry{userConsumer: userConsumer, close: func() { _ = receiver.Stop() }}
		d.mu.Lock()
		d.sinks = append(d.sinks, entry)
		d.mu.Unlock()
	})
	return nil
}

// CreateDataSink registers userConsumer against the next incoming data
// channel on the recv transport.
func (d *Device) CreateDataSink(ctx context.Context, userConsumer any, onMessage func([]byte)) error {
	if err := d.EnsureTransport(ctx, TransportRecv); err != nil {
		return err
	}
	d.mu.Lock()
	pc := d.recvPC
	d.mu.Unlock()

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if onMessage != nil {
				onMessage(msg.Data)
			}
		})
		entry := sinkEntry{userConsumer: userConsumer, close: func() { _ = dc.Close() }}
		d.mu.Lock()
		d.sinks = append(d.sinks, entry)
		d.mu.Unlock()
	})
	return nil
}

// CloseSink removes and closes the native consumer bound to userConsumer.
func (d *Device) CloseSink(userConsumer any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.sinks {
		if s.userConsumer == userConsumer {
			s.close()
			d.sinks = append(d.sinks[:i], d.sinks[i+1:]...)
			return
		}
	}
}

// CreateVideoSource builds a native video track and connects it as a
// producer on the send transport.
func (d *Device) CreateVideoSource(ctx context.Context, opts ProducerOptions) (*webrtc.TrackLocalStaticSample, string, error) {
	if err := d.EnsureTransport(ctx, TransportSend); err != nil {
		return nil, "", err
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", "loadtestbot",
	)
	if err != nil {
		return nil, "", apperror.New(apperror.NativeException, "device.CreateVideoSource", err)
	}
	d.mu.Lock()
	pc := d.sendPC
	d.mu.Unlock()
	if _, err := pc.AddTrack(track); err != nil {
		return nil, "", apperror.New(apperror.NativeException, "device.CreateVideoSource", err)
	}

	rtpParams, _ := json.Marshal(opts)
	producerID, err := d.delegate.ConnectProducer(ctx, d.sendID, KindVideo, rtpParams)
	if err != nil {
		return nil, "", apperror.New(apperror.NativeException, "device.CreateVideoSource", err)
	}
	return track, producerID, nil
}

// CreateAudioSource builds a native audio track (PCMU, matching the
// teacher's own audio-track codec choice) and connects it as a producer.
func (d *Device) CreateAudioSource(ctx context.Context, opts ProducerOptions) (*webrtc.TrackLocalStaticSample, string, error) {
	if err := d.EnsureTransport(ctx, TransportSend); err != nil {
		return nil, "", err
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000, Channels: 2},
		"audio", "loadtestbot",
	)
	if err != nil {
		return nil, "", apperror.New(apperror.NativeException, "device.CreateAudioSource", err)
	}
	d.mu.Lock()
	pc := d.sendPC
	d.audioTrk = track
	d.mu.Unlock()
	if _, err := pc.AddTrack(track); err != nil {
		return nil, "", apperror.New(apperror.NativeException, "device.CreateAudioSource", err)
	}

	rtpParams, _ := json.Marshal(opts)
	producerID, err := d.delegate.ConnectProducer(ctx, d.sendID, KindAudio, rtpParams)
	if err != nil {
		return nil, "", apperror.New(apperror.NativeException, "device.CreateAudioSource", err)
	}
	return track, producerID, nil
}

// WriteAudioSample pushes one synthetic audio sample onto the current
// audio source, if any has been created.
func (d *Device) WriteAudioSample(data []byte, dur time.Duration) error {
	d.mu.Lock()
	track := d.audioTrk
	d.mu.Unlock()
	if track == nil {
		return nil
	}
	return track.WriteSample(media.Sample{Data: data, Duration: dur})
}

// CreateDataSource builds a data-channel producer on the send transport.
func (d *Device) CreateDataSource(ctx context.Context, label, protocol string, ordered bool, maxRetransmits, maxPacketLifetime int) (*webrtc.DataChannel, string, error) {
	if err := d.EnsureTransport(ctx, TransportSend); err != nil {
		return nil, "", err
	}
	init := &webrtc.DataChannelInit{Ordered: &ordered, Protocol: &protocol}
	if maxRetransmits > 0 {
		r := uint16(maxRetransmits)
		init.MaxRetransmits = &r
	}
	if maxPacketLifetime > 0 {
		l := uint16(maxPacketLifetime)
		init.MaxPacketLifeTime = &l
	}

	d.mu.Lock()
	pc := d.sendPC
	d.mu.Unlock()

	dc, err := pc.CreateDataChannel(label, init)
	if err != nil {
		return nil, "", apperror.New(apperror.NativeException, "device.CreateDataSource", err)
	}

	sctpParams, _ := json.Marshal(map[string]any{"ordered": ordered})
	producerID, err := d.delegate.ConnectDataProducer(ctx, d.sendID, sctpParams, label, protocol)
	if err != nil {
		return nil, "", apperror.New(apperror.NativeException, "device.CreateDataSource", err)
	}

	d.mu.Lock()
	d.dataProd = dc
	d.mu.Unlock()
	return dc, producerID, nil
}

// SendData enqueues a frame on the current data producer, if any.
func (d *Device) SendData(payload []byte) error {
	d.mu.Lock()
	dc := d.dataProd
	d.mu.Unlock()
	if dc == nil {
		return nil
	}
	return dc.Send(payload)
}

// BufferedAmount reports the current data producer's outbound buffer, used
// by the session controller's back-pressure check before each tick send.
func (d *Device) BufferedAmount() uint64 {
	d.mu.Lock()
	dc := d.dataProd
	d.mu.Unlock()
	if dc == nil {
		return 0
	}
	return dc.BufferedAmount()
}

// ReEncode creates only the producing half: an audio source for KindAudio,
// a video source otherwise, on the send transport. consumerOpts is not used
// and no consumer is created. The harness's own livestream/conference paths
// never call this.
func (d *Device) ReEncode(ctx context.Context, kind MediaKind, consumerOpts, producerOpts ProducerOptions) (*ReEncodeHandle, error) {
	_ = consumerOpts
	var producerID string
	var err error
	switch kind {
	case KindAudio:
		_, producerID, err = d.CreateAudioSource(ctx, producerOpts)
	default:
		_, producerID, err = d.CreateVideoSource(ctx, producerOpts)
	}
	if err != nil {
		return nil, err
	}
	return &ReEncodeHandle{close: func() { log.Debug("re-encode handle closed", "producerID", producerID) }}, nil
}

// Stop closes every sink, both transports, and drops all senders. Safe to
// call more than once.
func (d *Device) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	sinks := d.sinks
	d.sinks = nil
	d.dataProd, d.audioTrk = nil, nil
	sendPC, recvPC := d.sendPC, d.recvPC
	d.mu.Unlock()

	for _, s := range sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Warn("recovered panic closing sink", "panic", r)
				}
			}()
			s.close()
		}()
	}
	if sendPC != nil {
		_ = sendPC.Close()
	}
	if recvPC != nil {
		_ = recvPC.Close()
	}
}
