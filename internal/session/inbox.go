package session

import (
	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/pkg/signalling"
)

// inbox runs the signalling work of one peer in arrival order, off the
// channel's delivery goroutine. Guarded by Manager.mu.
type inbox struct {
	pending []func()
	running bool
}

// dispatch queues f on the inbox of peerID, starting a worker if the inbox
// is idle.
func (m *Manager) dispatch(peerID signalling.ParticipantID, f func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	box, ok := m.inboxes[peerID]
	if !ok {
		box = &inbox{}
		m.inboxes[peerID] = box
	}
	box.pending = append(box.pending, f)
	if box.running {
		m.mu.Unlock()
		return
	}
	box.running = true
	m.wg.Add(1)
	m.mu.Unlock()

	go m.runInbox(peerID, box)
}

func (m *Manager) runInbox(peerID signalling.ParticipantID, box *inbox) {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		if len(box.pending) == 0 {
			box.running = false
			if m.inboxes[peerID] == box {
				delete(m.inboxes, peerID)
			}
			m.mu.Unlock()
			return
		}
		f := box.pending[0]
		box.pending = box.pending[1:]
		m.mu.Unlock()

		f()
	}
}
