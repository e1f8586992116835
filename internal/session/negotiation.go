package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/pkg/signalling"
)

// EnsureOffer sends an offer to peerID unless one is already outstanding.
// Concurrent calls for the same peer share a single offer.
func (m *Manager) EnsureOffer(ctx context.Context, peerID signalling.ParticipantID) error {
	return m.sharedOffer(ctx, peerID, false)
}

func (m *Manager) sharedOffer(ctx context.Context, peerID signalling.ParticipantID, renegotiation bool) error {
	result := m.offers.DoChan(string(peerID), func() (any, error) {
		return nil, m.offer(m.ctx, peerID, renegotiation)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-result:
		return r.Err
	}
}

// offer creates and sends an offer once the session is stable. An initial
// offer is skipped when negotiation is already under way; a renegotiation
// offer always goes out.
func (m *Manager) offer(ctx context.Context, peerID signalling.ParticipantID, renegotiation bool) error {
	s := m.session(peerID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}

	if !renegotiation && s.hasPendingOffer() {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.options.OfferStableTimeout)
	defer cancel()

	for {
		if err := s.waitForSignalingState(waitCtx, webrtc.SignalingStateStable); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w: stable before offer to %s", ErrPhaseTimeout, peerID)
			}
			return err
		}

		s.negotiationMu.Lock()
		if !m.current(s) {
			s.negotiationMu.Unlock()
			return ErrOfferSuperseded
		}
		if s.transport.SignalingState() == webrtc.SignalingStateStable {
			break
		}
		s.negotiationMu.Unlock()
	}
	defer s.negotiationMu.Unlock()

	if !renegotiation && (s.hasRemoteDescription() || s.hasPendingOffer()) {
		return nil
	}

	s.startOffer(renegotiation)
	description, err := s.transport.CreateOffer(ctx)
	if err == nil {
		err = s.transport.SetLocalDescription(ctx, description)
	}
	if err != nil {
		s.cancelOffer()
		return fmt.Errorf("creating offer: %w", err)
	}

	err = m.channel.Send(ctx, signalling.EventOffer, signalling.SignalMessage{
		TargetID:      peerID,
		RoomID:        m.roomID(),
		SDP:           signalling.FromWebRTC(description),
		Renegotiation: renegotiation,
	})
	if err != nil {
		return fmt.Errorf("sending offer: %w", err)
	}

	m.metrics.offersSent.Inc()
	s.logger.Info("sent offer", "renegotiation", renegotiation)
	return nil
}

// onOffer runs on the peer's inbox. An offer colliding with our own is
// settled by politeness: the impolite side ignores it, the polite side
// rolls its offer back and answers. A polite side whose transport cannot
// roll back starts over with a fresh session.
func (m *Manager) onOffer(message signalling.SignalMessage) {
	peerID := message.FromID
	logger := m.logger.With("peerId", peerID)
	if message.SDP == nil {
		logger.Warn("offer without session description")
		return
	}

	s, _, err := m.ensureSession(m.ctx, peerID, false, nil)
	if err != nil {
		logger.Warn("failed to prepare session for offer", "err", err)
		return
	}

	s.negotiationMu.Lock()
	if s.transport.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if !s.polite {
			s.negotiationMu.Unlock()
			m.metrics.glare.WithLabelValues(glareIgnored).Inc()
			logger.Info("ignoring colliding offer")
			return
		}

		s.cancelOffer()
		rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
		if err := s.transport.SetLocalDescription(m.ctx, rollback); err != nil {
			s.negotiationMu.Unlock()
			logger.Info("rollback failed, recreating session to answer", "err", err)
			m.metrics.glare.WithLabelValues(glareRecreated).Inc()

			s, _, err = m.ensureSession(m.ctx, peerID, true, s.receivedCandidates())
			if err != nil {
				logger.Warn("failed to recreate session for offer", "err", err)
				return
			}
			s.negotiationMu.Lock()
		} else {
			m.metrics.glare.WithLabelValues(glareRolledBack).Inc()
			logger.Info("rolled back local offer for colliding offer")
		}
	}
	defer s.negotiationMu.Unlock()

	if err := s.transport.SetRemoteDescription(m.ctx, message.SDP.WebRTC()); err != nil {
		logger.Warn("failed to apply remote offer", "err", err)
		return
	}
	s.offerReceived()
	s.inboundCandidates.drain(func(candidate webrtc.ICECandidateInit) {
		m.applyCandidate(s, candidate)
	})

	answer, err := s.transport.CreateAnswer(m.ctx)
	if err == nil {
		err = s.transport.SetLocalDescription(m.ctx, answer)
	}
	if err != nil {
		logger.Warn("failed to create answer", "err", err)
		return
	}

	err = m.channel.Send(m.ctx, signalling.EventAnswer, signalling.SignalMessage{
		TargetID:      peerID,
		RoomID:        m.roomID(),
		SDP:           signalling.FromWebRTC(answer),
		Renegotiation: message.Renegotiation,
	})
	if err != nil {
		logger.Warn("failed to send answer", "err", err)
		return
	}
	s.answerSent()
	logger.Info("sent answer", "renegotiation", message.Renegotiation)

	s.localCandidates.drain(func(candidate webrtc.ICECandidateInit) {
		m.sendCandidate(s, candidate)
	})
}

// onAnswer runs on the peer's inbox. An answer arriving before the session
// is waiting for one gets a bounded grace to catch up, then is dropped.
func (m *Manager) onAnswer(message signalling.SignalMessage) {
	peerID := message.FromID
	logger := m.logger.With("peerId", peerID)
	if message.SDP == nil {
		logger.Warn("answer without session description")
		return
	}

	s := m.session(peerID)
	if s == nil {
		logger.Warn("answer from peer without session")
		return
	}

	waitCtx, cancel := context.WithTimeout(m.ctx, m.options.AnswerPhaseTimeout)
	defer cancel()
	if err := s.waitForSignalingState(waitCtx, webrtc.SignalingStateHaveLocalOffer); err != nil {
		logger.Warn(
			"abandoning answer received in wrong negotiation phase",
			"signalingState", s.transport.SignalingState().String(),
			"err", err,
		)
		return
	}

	s.negotiationMu.Lock()
	defer s.negotiationMu.Unlock()

	if !m.current(s) {
		return
	}
	if err := s.transport.SetRemoteDescription(m.ctx, message.SDP.WebRTC()); err != nil {
		logger.Warn("failed to apply remote answer", "err", err)
		return
	}
	s.offerAnswered()
	logger.Info("applied answer", "renegotiation", message.Renegotiation)
	m.flushCandidates(s)
}

// onSignalingState wakes anything waiting on the negotiation phase. A
// return to stable is the trigger for a renegotiation that was skipped
// while the session was busy: a dirty session is queued again here.
func (m *Manager) onSignalingState(s *peerSession, state webrtc.SignalingState) {
	s.notifyPhaseChanged()
	if !m.current(s) {
		return
	}
	s.logger.Debug("signaling state changed", "signalingState", state.String())

	if state == webrtc.SignalingStateStable && s.isDirty() {
		m.enqueueRenegotiation(s.peerID)
	}
}
