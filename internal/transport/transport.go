// Package transport defines the per-peer media transport the session
// orchestrator drives, along with its pion/webrtc implementation and an
// in-memory simulation of the negotiation phases.
package transport

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/pkg/signalling"
)

// PeerTransport is one pairwise session with a remote participant.
//
// Description and candidate operations may be rejected when the transport is
// in the wrong negotiation phase. Callbacks may be invoked from any
// goroutine, but a single transport never invokes the same callback
// concurrently with itself.
type PeerTransport interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)

	// Applying a description of type rollback returns the transport to the
	// stable phase. Transports that cannot roll back return an error.
	SetLocalDescription(ctx context.Context, description webrtc.SessionDescription) error
	SetRemoteDescription(ctx context.Context, description webrtc.SessionDescription) error
	AddICECandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error

	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	ICEConnectionState() webrtc.ICEConnectionState

	// Attach a local track, returning the sender now carrying it.
	AddTrack(track webrtc.TrackLocal) (Sender, error)
	Senders() []Sender

	OnICECandidate(func(webrtc.ICECandidateInit))
	OnTrack(func(InboundFlow))
	// OnTrackEnded reports the ID of a flow announced through OnTrack that
	// the remote no longer sends. The same ID may be announced again later.
	OnTrackEnded(func(flowID string))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnSignalingStateChange(func(webrtc.SignalingState))

	Close() error
}

// Sender carries one local track to the remote participant. Replacing the
// track with nil stops sending without removing the sender.
type Sender interface {
	Track() webrtc.TrackLocal
	ReplaceTrack(track webrtc.TrackLocal) error
}

// InboundFlow describes a media flow announced by the remote participant.
type InboundFlow struct {
	ID       string
	StreamID string
	Kind     webrtc.RTPCodecType

	// Human readable name of the flow, when the remote gives one
	Label string

	// Capture surface reported for video flows (monitor, window, browser).
	// Empty when the transport has no such metadata.
	CaptureSurface string

	// The underlying pion track. Nil for simulated transports.
	Track *webrtc.TrackRemote
}

// Factory creates a fresh transport towards peerID using the given ICE servers.
type Factory interface {
	NewTransport(ctx context.Context, peerID signalling.ParticipantID, iceServers []webrtc.ICEServer) (PeerTransport, error)
}
