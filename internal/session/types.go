// Package session implements the mediasoup signaling script for one
// emulated peer: join, consume, produce, and tear down, bridging a protoo
// client to a device facade.
package session

import (
	"encoding/json"
	"sync/atomic"
)

// Status is a session's lifecycle state, advanced by join-script progress
// and transport connection-state callbacks.
type Status int32

const (
	StatusIdle Status = iota
	StatusNew
	StatusChecking
	StatusConnecting
	StatusConnected
	StatusCompleted
	StatusFailed
	StatusDisconnected
	StatusClosed
	StatusException

	// The remaining values extend the set for RoleViewer sessions only.
	// Unlike the transport-driven values above, these are set directly by
	// the join script to report viewer-specific progress and failure
	// points that have no corresponding ICE connection state.
	StatusHandshaking
	StatusCreatingTransport
	StatusConsuming
	StatusGettingAuthTokenFailed
	StatusStreamNotFound
	StatusConsumeStreamFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusNew:
		return "new"
	case StatusChecking:
		return "checking"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusDisconnected:
		return "disconnected"
	case StatusClosed:
		return "closed"
	case StatusException:
		return "exception"
	case StatusHandshaking:
		return "handshaking"
	case StatusCreatingTransport:
		return "creating_transport"
	case StatusConsuming:
		return "consuming"
	case StatusGettingAuthTokenFailed:
		return "getting_auth_token_failed"
	case StatusStreamNotFound:
		return "stream_not_found"
	case StatusConsumeStreamFailed:
		return "consume_stream_failed"
	default:
		return "unknown"
	}
}

// isViewerTerminalFailure reports whether st is one of the viewer-specific
// failure states the join script sets directly; Join must not stomp these
// back to the generic Exception status.
func isViewerTerminalFailure(st Status) bool {
	switch st {
	case StatusGettingAuthTokenFailed, StatusStreamNotFound, StatusConsumeStreamFailed:
		return true
	default:
		return false
	}
}

// connectionStateToStatus mirrors the native transport's connection-state
// strings onto Status.
func connectionStateToStatus(state string) (Status, bool) {
	switch state {
	case "new":
		return StatusNew, true
	case "checking":
		return StatusChecking, true
	case "connecting":
		return StatusConnecting, true
	case "connected":
		return StatusConnected, true
	case "completed":
		return StatusCompleted, true
	case "failed":
		return StatusFailed, true
	case "disconnected":
		return StatusDisconnected, true
	case "closed":
		return StatusClosed, true
	default:
		return StatusIdle, false
	}
}

// Role distinguishes the conference (mutually producing/consuming) join
// script from the livestream viewer's (consume-only) variant.
type Role int

const (
	RoleConference Role = iota
	RoleViewer
)

// ConsumerInfo is the server-reported shape for one remote consumer,
// returned in bulk from consumeAllExistingProducer and one at a time from
// the newConsumer/newDataConsumer server-initiated requests.
type ConsumerInfo struct {
	ID             string          `json:"id"`
	ProducerID     string          `json:"producerId"`
	ProducerType   string          `json:"producerType"`
	PeerID         string          `json:"peerId"`
	Kind           string          `json:"kind,omitempty"`
	RtpParameters  json.RawMessage `json:"rtpParameters,omitempty"`
	DataProducerID string          `json:"dataProducerId,omitempty"`
	StreamID       string          `json:"streamId,omitempty"`
	Label          string          `json:"label,omitempty"`
	Protocol       string          `json:"protocol,omitempty"`
}

// consumerToken is the opaque handle a session hands the device facade for
// a consumed track or data channel; CloseSink matches on pointer identity.
type consumerToken struct {
	peerID string
	kind   string
}

// peerConsumers tracks the consumers materialized for one remote peer. A
// nil field means that kind has not been seen from this peer yet.
type peerConsumers struct {
	video *consumerToken
	audio *consumerToken
	data  *consumerToken
}

// VideoStat summarizes a consumed video track's recent health.
type VideoStat struct {
	FreezeTimeMS int64
	FrameRate    float64
	Width        int
	Height       int
}

// DataStat summarizes a consumed data channel's recent health.
type DataStat struct {
	FreezeTimeMS int64
	FrameRate    float64
}

// counters are the atomically-updated tick/frame bookkeeping a session
// accumulates across its lifetime; read by the swarm supervisor's stats
// aggregation without touching the session's executor.
type counters struct {
	dataProducerTicks atomic.Int64
	framesAccepted    atomic.Int64
	framesRejected    atomic.Int64
	peerCount         atomic.Int32
}
