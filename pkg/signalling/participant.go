package signalling

import "time"

// Opaque identifier scoping all signalling traffic.
type RoomID string

// Opaque identifier of a participant, assigned by the signalling hub when
// the participant joins a room. Stable for the lifetime of that session.
type ParticipantID string

// A participant of a meeting, as announced by the signalling hub.
//
// The roster of participants is owned by the hub; clients treat these
// values as read-only.
type Participant struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"name"`
	IsHost      bool          `json:"isHost"`
	JoinedAt    time.Time     `json:"joinedAt"`
}
