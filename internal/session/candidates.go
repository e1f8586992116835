package session

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/pkg/signalling"
)

// candidateQueue holds candidates until the session's remote description
// is set. Once drained it stays open and candidates pass straight through.
type candidateQueue struct {
	mu      sync.Mutex
	open    bool
	pending []webrtc.ICECandidateInit
}

// push queues candidate and reports true, or reports false if the queue is
// open and the caller should use the candidate right away.
func (q *candidateQueue) push(candidate webrtc.ICECandidateInit) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.open {
		return false
	}
	q.pending = append(q.pending, candidate)
	return true
}

// drain hands every queued candidate to apply in arrival order, then opens
// the queue. Candidates pushed while draining are handed over too.
func (q *candidateQueue) drain(apply func(webrtc.ICECandidateInit)) int {
	drained := 0
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.open = true
			q.pending = nil
			q.mu.Unlock()
			return drained
		}
		candidate := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		apply(candidate)
		drained++
	}
}

// --------------------------------------------------------------------------------

// onLocalCandidate sends a candidate gathered by the transport, holding it
// back until the remote description is set.
func (m *Manager) onLocalCandidate(s *peerSession, candidate webrtc.ICECandidateInit) {
	if !m.current(s) {
		return
	}
	if s.localCandidates.push(candidate) {
		return
	}
	m.sendCandidate(s, candidate)
}

func (m *Manager) sendCandidate(s *peerSession, candidate webrtc.ICECandidateInit) {
	err := m.channel.Send(m.ctx, signalling.EventICECandidate, signalling.SignalMessage{
		TargetID:  s.peerID,
		RoomID:    m.roomID(),
		Candidate: &candidate,
	})
	if err != nil {
		s.logger.Warn("failed to send ice candidate", "err", err)
	}
}

// onRemoteCandidate runs on the peer's inbox. Candidates for a peer without
// a session are kept until one is created.
func (m *Manager) onRemoteCandidate(message signalling.SignalMessage) {
	if message.Candidate == nil {
		return
	}
	candidate := *message.Candidate

	m.mu.Lock()
	s := m.sessions[message.FromID]
	if s == nil {
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.orphanCandidates[message.FromID] = append(m.orphanCandidates[message.FromID], candidate)
		m.mu.Unlock()
		m.metrics.candidatesBuffered.Inc()
		m.logger.Debug("buffered candidate for unknown peer", "peerId", message.FromID)
		return
	}
	m.mu.Unlock()

	s.recordReceived(candidate)
	if s.inboundCandidates.push(candidate) {
		m.metrics.candidatesBuffered.Inc()
		return
	}
	m.applyCandidate(s, candidate)
}

// applyCandidate never fails the session: a rejected candidate is logged
// and dropped.
func (m *Manager) applyCandidate(s *peerSession, candidate webrtc.ICECandidateInit) {
	if err := s.transport.AddICECandidate(m.ctx, candidate); err != nil {
		s.logger.Warn("failed to apply ice candidate", "err", err, "candidate", candidate.Candidate)
	}
}

// flushCandidates replays queued remote candidates, then releases held
// local ones. Called once a remote description has been applied.
func (m *Manager) flushCandidates(s *peerSession) {
	applied := s.inboundCandidates.drain(func(candidate webrtc.ICECandidateInit) {
		m.applyCandidate(s, candidate)
	})
	sent := s.localCandidates.drain(func(candidate webrtc.ICECandidateInit) {
		m.sendCandidate(s, candidate)
	})
	if applied > 0 || sent > 0 {
		s.logger.Debug("flushed buffered candidates", "applied", applied, "sent", sent)
	}
}
