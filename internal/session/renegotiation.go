package session

import (
	"context"
	"slices"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/pkg/signalling"
)

// renegotiationQueue is the FIFO of peers waiting for a fresh offer. Only
// one drain loop runs at a time, across all peers.
type renegotiationQueue struct {
	mu      sync.Mutex
	pending []signalling.ParticipantID
	queued  map[signalling.ParticipantID]struct{}
	running bool
}

// push adds peerID unless already queued. Reports whether the caller must
// start the drain loop.
func (q *renegotiationQueue) push(peerID signalling.ParticipantID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queued[peerID]; !ok {
		q.queued[peerID] = struct{}{}
		q.pending = append(q.pending, peerID)
	}
	if q.running {
		return false
	}
	q.running = true
	return true
}

// pop takes the next peer, or stops the loop when the queue is empty.
func (q *renegotiationQueue) pop() (signalling.ParticipantID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		q.running = false
		return "", false
	}
	peerID := q.pending[0]
	q.pending = q.pending[1:]
	delete(q.queued, peerID)
	return peerID, true
}

func (q *renegotiationQueue) forget(peerID signalling.ParticipantID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queued[peerID]; !ok {
		return
	}
	delete(q.queued, peerID)
	q.pending = slices.DeleteFunc(q.pending, func(id signalling.ParticipantID) bool {
		return id == peerID
	})
}

// --------------------------------------------------------------------------------

// RequestRenegotiation queues a fresh offer to peerID.
func (m *Manager) RequestRenegotiation(peerID signalling.ParticipantID) error {
	s := m.session(peerID)
	if s == nil {
		return ErrUnknownPeer
	}
	s.markDirty()
	m.enqueueRenegotiation(peerID)
	return nil
}

func (m *Manager) enqueueRenegotiation(peerID signalling.ParticipantID) {
	if m.renegotiation.push(peerID) {
		m.spawn(m.drainRenegotiations)
	}
}

func (m *Manager) drainRenegotiations() {
	for {
		peerID, ok := m.renegotiation.pop()
		if !ok {
			return
		}
		m.renegotiate(peerID)
	}
}

// renegotiate offers to one queued peer. A session in the middle of a
// negotiation is skipped and stays dirty. Nothing retries it on a timer:
// its next return to stable is the trigger that queues it again (see
// onSignalingState).
func (m *Manager) renegotiate(peerID signalling.ParticipantID) {
	s := m.session(peerID)
	if s == nil || !s.isDirty() {
		return
	}
	if s.transport.SignalingState() != webrtc.SignalingStateStable || !s.hasRemoteDescription() {
		s.logger.Debug(
			"deferring renegotiation until negotiation settles",
			"signalingState", s.transport.SignalingState().String(),
		)
		m.metrics.renegotiations.WithLabelValues(renegotiationSkipped).Inc()
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.options.OfferStableTimeout)
	defer cancel()

	if err := m.sharedOffer(ctx, peerID, true); err != nil {
		s.logger.Warn("renegotiation failed", "err", err)
		m.metrics.renegotiations.WithLabelValues(renegotiationFailed).Inc()
		return
	}
	if err := s.waitForSignalingState(ctx, webrtc.SignalingStateStable); err != nil {
		s.logger.Warn("renegotiation did not settle", "err", err)
		m.metrics.renegotiations.WithLabelValues(renegotiationFailed).Inc()
		return
	}
	m.metrics.renegotiations.WithLabelValues(renegotiationCompleted).Inc()
}
