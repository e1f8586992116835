// Package roster tracks the participants of the room this client is in,
// as reported by the signalling hub, along with the participant the UI
// has pinned.
package roster

import (
	"slices"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/pkg/signalling"
)

type Roster struct {
	mu sync.RWMutex

	self   signalling.ParticipantID
	hostID signalling.ParticipantID

	// Remote participants in join order
	participants []signalling.Participant

	pinned signalling.ParticipantID
}

func New() *Roster {
	return &Roster{}
}

// Reset replaces the roster with the hub's snapshot taken on joining a room.
// participants may include self; it is not stored as a remote participant.
// The pinned participant is reset to self.
func (r *Roster) Reset(self, hostID signalling.ParticipantID, participants []signalling.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.self = self
	r.hostID = hostID
	r.participants = r.participants[:0]
	for _, p := range participants {
		if p.ID == self {
			continue
		}
		p.IsHost = p.ID == hostID
		r.participants = append(r.participants, p)
	}
	slices.SortStableFunc(r.participants, func(a, b signalling.Participant) int {
		return a.JoinedAt.Compare(b.JoinedAt)
	})
	r.pinned = self
}

// Add appends a participant. Adding a known id is a no-op and returns false.
func (r *Roster) Add(p signalling.Participant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.ID == r.self || r.indexLocked(p.ID) >= 0 {
		return false
	}
	if p.IsHost {
		r.hostID = p.ID
	}
	r.participants = append(r.participants, p)
	return true
}

// Remove drops a participant. If the pinned participant was removed, the
// pin moves to the fallback: a host participant, else the first remaining
// participant, else self. Returns whether the participant was known and
// the (possibly unchanged) pinned id.
func (r *Roster) Remove(id signalling.ParticipantID) (bool, signalling.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	index := r.indexLocked(id)
	if index < 0 {
		return false, r.pinned
	}
	r.participants = slices.Delete(r.participants, index, index+1)
	if r.pinned == id {
		r.pinned = r.fallbackLocked()
	}
	return true, r.pinned
}

// SetHost records a host hand-over.
func (r *Roster) SetHost(id signalling.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hostID = id
	for i := range r.participants {
		r.participants[i].IsHost = r.participants[i].ID == id
	}
}

// Pin selects the participant the UI focuses on. Unknown ids are ignored.
func (r *Roster) Pin(id signalling.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id != r.self && r.indexLocked(id) < 0 {
		return false
	}
	r.pinned = id
	return true
}

func (r *Roster) Pinned() signalling.ParticipantID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pinned
}

func (r *Roster) Self() signalling.ParticipantID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.self
}

func (r *Roster) Host() signalling.ParticipantID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hostID
}

func (r *Roster) Get(id signalling.ParticipantID) (signalling.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	index := r.indexLocked(id)
	if index < 0 {
		return signalling.Participant{}, false
	}
	return r.participants[index], true
}

// Participants returns a copy of the remote participants in join order.
func (r *Roster) Participants() []signalling.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.participants)
}

func (r *Roster) indexLocked(id signalling.ParticipantID) int {
	return slices.IndexFunc(r.participants, func(p signalling.Participant) bool {
		return p.ID == id
	})
}

func (r *Roster) fallbackLocked() signalling.ParticipantID {
	for _, p := range r.participants {
		if p.IsHost || p.ID == r.hostID {
			return p.ID
		}
	}
	if len(r.participants) > 0 {
		return r.participants[0].ID
	}
	return r.self
}
