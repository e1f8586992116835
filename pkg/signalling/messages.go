package signalling

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

// Event names carried over the signalling channel.
const (
	// Client to hub
	EventJoinRoom  = "join-room"
	EventLeaveRoom = "leave-room"

	// Hub to client, roster events
	EventRoomJoined  = "room-joined"
	EventUserJoined  = "user-joined"
	EventUserLeft    = "user-left"
	EventHostChanged = "host-changed"
	EventError       = "error"

	// Both directions, relayed between two participants
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
)

// Envelope is the frame exchanged with the hub: an event name and its
// JSON payload.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Session description as carried in offers and answers.
//
// Type is "offer" or "answer", Payload is the raw SDP.
type SessionDescription struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// Convert a pion session description to its wire form.
func FromWebRTC(desc webrtc.SessionDescription) *SessionDescription {
	return &SessionDescription{
		Type:    desc.Type.String(),
		Payload: desc.SDP,
	}
}

// Convert the wire form back into a pion session description.
func (desc SessionDescription) WebRTC() webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.Payload,
	}
}

// A message relayed between two participants: an Offer, an Answer, or an
// IceCandidate.
//
// Outbound, the sender fills TargetID and RoomID. The hub stamps FromID
// before relaying, so inbound messages always carry the sender.
type SignalMessage struct {
	TargetID ParticipantID `json:"targetId,omitempty"`
	FromID   ParticipantID `json:"fromId,omitempty"`
	RoomID   RoomID        `json:"roomId"`

	// Set for offers and answers
	SDP *SessionDescription `json:"sdp,omitempty"`

	// Set on the offer and answer of a renegotiation
	Renegotiation bool `json:"renegotiation,omitempty"`

	// Set for ICE candidates
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

type JoinRoomRequest struct {
	RoomID      RoomID `json:"roomId"`
	DisplayName string `json:"name"`
}

type LeaveRoomRequest struct {
	RoomID RoomID `json:"roomId"`
}

type RoomJoined struct {
	You          ParticipantID `json:"you"`
	HostID       ParticipantID `json:"hostId"`
	Participants []Participant `json:"participants"`
}

type UserJoined struct {
	UserID   ParticipantID `json:"userId"`
	Name     string        `json:"name"`
	IsHost   bool          `json:"isHost"`
	JoinedAt time.Time     `json:"joinedAt"`
}

type UserLeft struct {
	UserID ParticipantID `json:"userId"`
}

type HostChanged struct {
	PreviousHostID ParticipantID `json:"previousHostId"`
	NewHostID      ParticipantID `json:"newHostId"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}
