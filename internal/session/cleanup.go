package session

import (
	"github.com/pion/webrtc/v4"

	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/clock"
	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/connstate"
	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/pkg/signalling"
)

// Reasons a peer is removed
const (
	removalLeft             = "participant left"
	removalLeftRoom         = "left room"
	removalGraceExpired     = "grace period expired"
	removalRetriesExhausted = "retries exhausted"
	removalClosed           = "session manager closed"
)

type graceTimer struct {
	timer clock.Timer
	token uint64
}

// onConnectionState maps the transport's connection state onto the peer's
// state machine. A transport failure is authoritative.
func (m *Manager) onConnectionState(s *peerSession, state webrtc.PeerConnectionState) {
	if !m.current(s) {
		return
	}
	machine := m.machine(s.peerID)
	if machine == nil {
		return
	}
	s.logger.Debug("transport connection state changed", "connectionState", state.String())

	current := machine.State()
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		if current == connstate.Idle || current == connstate.Disconnected || current == connstate.Failed {
			machine.Transition(connstate.Connecting, "transport connecting")
		}

	case webrtc.PeerConnectionStateConnected:
		if current == connstate.Connected {
			return
		}
		if !connstate.CanTransition(current, connstate.Connected) {
			machine.Transition(connstate.Connecting, "transport recovering")
		}
		machine.Transition(connstate.Connected, "transport connected")

	case webrtc.PeerConnectionStateDisconnected:
		if connstate.CanTransition(current, connstate.Disconnected) {
			machine.Transition(connstate.Disconnected, "transport disconnected")
		}

	case webrtc.PeerConnectionStateFailed:
		if current == connstate.Disconnected {
			// Disconnected only leads back through Connecting. The grace
			// timer started on disconnect keeps running.
			machine.Transition(connstate.Connecting, "transport failed while disconnected")
		}
		if connstate.CanTransition(machine.State(), connstate.Failed) {
			machine.Transition(connstate.Failed, "transport failed")
		}
	}
}

// afterTransition is the OnTransition hook of every state machine.
func (m *Manager) afterTransition(transition connstate.Transition) {
	peerID := signalling.ParticipantID(transition.PeerID)

	switch transition.To {
	case connstate.Connected:
		m.cancelGrace(peerID)
	case connstate.Disconnected, connstate.Failed:
		m.startGrace(peerID)
	}

	m.emit(Event{
		Type:     EventStateChanged,
		PeerID:   peerID,
		OldState: transition.From,
		NewState: transition.To,
		Reason:   transition.Reason,
	})
	if transition.To == connstate.Connected {
		m.emit(Event{Type: EventPeerConnected, PeerID: peerID})
	}
}

// startGrace starts the grace timer of peerID unless one is running.
func (m *Manager) startGrace(peerID signalling.ParticipantID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, running := m.graceTimers[peerID]; running || m.sessions[peerID] == nil {
		return
	}
	m.graceSeq++
	token := m.graceSeq
	m.graceTimers[peerID] = &graceTimer{
		token: token,
		timer: m.options.Clock.AfterFunc(m.options.GracePeriod, func() {
			m.onGraceExpired(peerID, token)
		}),
	}
	m.logger.Info("grace period started", "peerId", peerID, "gracePeriod", m.options.GracePeriod)
}

func (m *Manager) cancelGrace(peerID signalling.ParticipantID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	grace, ok := m.graceTimers[peerID]
	if !ok {
		return
	}
	grace.timer.Stop()
	delete(m.graceTimers, peerID)
	m.logger.Info("peer recovered within grace period", "peerId", peerID)
}

func (m *Manager) onGraceExpired(peerID signalling.ParticipantID, token uint64) {
	m.mu.Lock()
	grace, ok := m.graceTimers[peerID]
	if !ok || grace.token != token {
		m.mu.Unlock()
		return
	}
	delete(m.graceTimers, peerID)
	m.mu.Unlock()

	m.removePeer(peerID, removalGraceExpired)
}

// removePeer discards everything held for peerID and removes it from the
// roster. Only the first call for a peer has any effect.
func (m *Manager) removePeer(peerID signalling.ParticipantID, reason string) {
	m.mu.Lock()
	s := m.sessions[peerID]
	machine := m.machines[peerID]
	delete(m.sessions, peerID)
	delete(m.machines, peerID)
	delete(m.orphanCandidates, peerID)
	if grace, ok := m.graceTimers[peerID]; ok {
		grace.timer.Stop()
		delete(m.graceTimers, peerID)
	}
	m.metrics.sessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	m.renegotiation.forget(peerID)

	if machine != nil {
		if connstate.CanTransition(machine.State(), connstate.Idle) {
			machine.Transition(connstate.Idle, reason)
		}
		machine.Stop()
	}
	if s != nil {
		s.close()
	}

	pinnedBefore := m.roster.Pinned()
	inRoster, pinned := m.roster.Remove(peerID)
	if s == nil && !inRoster {
		return
	}

	m.metrics.removals.WithLabelValues(reason).Inc()
	m.logger.Info("removed peer", "peerId", peerID, "reason", reason)
	m.emit(Event{Type: EventPeerRemoved, PeerID: peerID, Reason: reason})
	if pinned != pinnedBefore {
		m.emit(Event{Type: EventPinnedChanged, PeerID: peerID, Pinned: pinned})
	}
}
