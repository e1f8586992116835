package session

import (
	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/classifier"
	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/connstate"
	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/transport"
	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/pkg/signalling"
)

type EventType int

const (
	// A peer's connection state changed: OldState, NewState, Reason
	EventStateChanged EventType = iota

	EventPeerConnected

	// An inbound flow was classified: Kind, Flow
	EventTrackAdded

	// A peer's session was discarded and it left the roster: Reason
	EventPeerRemoved

	// The pinned participant changed: Pinned
	EventPinnedChanged

	// The remote stopped sending a flow: Kind, Flow
	EventTrackRemoved
)

func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state-changed"
	case EventPeerConnected:
		return "peer-connected"
	case EventTrackAdded:
		return "track-added"
	case EventPeerRemoved:
		return "peer-removed"
	case EventPinnedChanged:
		return "pinned-changed"
	case EventTrackRemoved:
		return "track-removed"
	default:
		return "unknown"
	}
}

// Event reports a change in the lifecycle of a peer session. Fields not
// relevant to Type are left zero.
type Event struct {
	Type   EventType
	PeerID signalling.ParticipantID

	OldState connstate.State
	NewState connstate.State
	Reason   string

	Kind classifier.Kind
	Flow transport.InboundFlow

	Pinned signalling.ParticipantID
}
