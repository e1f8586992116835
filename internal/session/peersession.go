package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/classifier"
	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/transport"
	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/pkg/signalling"
)

// peerSession is the state held for one remote participant. A session is
// never repaired in place: when its transport has to go, the manager
// replaces the whole session.
type peerSession struct {
	peerID    signalling.ParticipantID
	transport transport.PeerTransport
	logger    *slog.Logger

	// On a collision of offers the polite side gives way
	polite bool

	// Held while a description is created or applied
	negotiationMu sync.Mutex

	inboundCandidates candidateQueue
	localCandidates   candidateQueue

	done      chan struct{}
	closeOnce sync.Once

	mu sync.Mutex

	pendingOffer              bool
	pendingOfferRenegotiation bool
	pendingAnswer             bool
	remoteDescription         bool

	// Local media changed since the last offer was created
	dirty bool

	// Closed and replaced on every signaling state change
	phaseChanged chan struct{}

	// Every remote candidate received, in order
	received []webrtc.ICECandidateInit

	senders      map[classifier.Kind]transport.Sender
	inbound      map[classifier.Kind]transport.InboundFlow
	directions   map[classifier.Kind]webrtc.RTPTransceiverDirection
	cameraFlowID string
}

func newPeerSession(
	peerID signalling.ParticipantID,
	pt transport.PeerTransport,
	polite bool,
	logger *slog.Logger,
) *peerSession {
	return &peerSession{
		peerID:       peerID,
		transport:    pt,
		logger:       logger.With("peerId", peerID),
		polite:       polite,
		done:         make(chan struct{}),
		phaseChanged: make(chan struct{}),
		senders:      make(map[classifier.Kind]transport.Sender),
		inbound:      make(map[classifier.Kind]transport.InboundFlow),
		directions:   make(map[classifier.Kind]webrtc.RTPTransceiverDirection),
	}
}

func (s *peerSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.transport.Close(); err != nil {
			s.logger.Warn("error closing transport", "err", err)
		}
	})
}

// --------------------------------------------------------------------------------
// NEGOTIATION PHASE

func (s *peerSession) notifyPhaseChanged() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.phaseChanged)
	s.phaseChanged = make(chan struct{})
}

// waitForSignalingState blocks until the transport reaches want.
func (s *peerSession) waitForSignalingState(ctx context.Context, want webrtc.SignalingState) error {
	for {
		s.mu.Lock()
		changed := s.phaseChanged
		s.mu.Unlock()

		if s.transport.SignalingState() == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return ErrOfferSuperseded
		case <-changed:
		}
	}
}

func (s *peerSession) hasRemoteDescription() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteDescription
}

func (s *peerSession) hasPendingOffer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingOffer
}

func (s *peerSession) startOffer(renegotiation bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingOffer = true
	s.pendingOfferRenegotiation = renegotiation
	s.dirty = false
}

// cancelOffer drops the outstanding local offer. A cancelled renegotiation
// leaves the session dirty so it is offered again later.
func (s *peerSession) cancelOffer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingOfferRenegotiation || s.sendingLocked() {
		s.dirty = true
	}
	s.pendingOffer = false
	s.pendingOfferRenegotiation = false
}

func (s *peerSession) offerAnswered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingOffer = false
	s.pendingOfferRenegotiation = false
	s.remoteDescription = true
}

func (s *peerSession) offerReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingAnswer = true
	s.remoteDescription = true
}

func (s *peerSession) answerSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingAnswer = false
}

func (s *peerSession) markDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = true
}

func (s *peerSession) isDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// --------------------------------------------------------------------------------
// CANDIDATES

func (s *peerSession) recordReceived(candidate webrtc.ICECandidateInit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, candidate)
}

func (s *peerSession) receivedCandidates() []webrtc.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), s.received...)
}

// --------------------------------------------------------------------------------
// MEDIA

// attachTrack puts track on the sender of kind, adding a sender if there
// is none yet. Reports whether anything changed.
func (s *peerSession) attachTrack(kind classifier.Kind, track webrtc.TrackLocal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sender, ok := s.senders[kind]
	switch {
	case ok:
		if err := sender.ReplaceTrack(track); err != nil {
			return false, err
		}
	case track == nil:
		return false, nil
	default:
		added, err := s.transport.AddTrack(track)
		if err != nil {
			return false, err
		}
		s.senders[kind] = added
	}
	s.updateDirectionLocked(kind)
	return true, nil
}

// recordInbound classifies flow and stores it in its slot, replacing any
// earlier flow there.
func (s *peerSession) recordInbound(flow transport.InboundFlow) classifier.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()

	kind := classifier.Classify(classifier.Flow{
		ID:             flow.ID,
		Kind:           flow.Kind,
		Label:          flow.Label,
		CaptureSurface: flow.CaptureSurface,
	}, s.cameraFlowID)

	if kind == classifier.Camera {
		s.cameraFlowID = flow.ID
	}
	s.inbound[kind] = flow
	s.updateDirectionLocked(kind)
	return kind
}

// endInbound empties the slot holding the flow with flowID. The camera
// flow is forgotten with it, so the next camera-like flow is a camera again.
func (s *peerSession) endInbound(flowID string) (transport.InboundFlow, classifier.Kind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cameraFlowID == flowID {
		s.cameraFlowID = ""
	}
	for kind, flow := range s.inbound {
		if flow.ID != flowID {
			continue
		}
		delete(s.inbound, kind)
		s.updateDirectionLocked(kind)
		return flow, kind, true
	}
	return transport.InboundFlow{}, 0, false
}

// Must hold s.mu
func (s *peerSession) sendingLocked() bool {
	for _, sender := range s.senders {
		if sender.Track() != nil {
			return true
		}
	}
	return false
}

// Must hold s.mu
func (s *peerSession) updateDirectionLocked(kind classifier.Kind) {
	sending := false
	if sender, ok := s.senders[kind]; ok && sender.Track() != nil {
		sending = true
	}
	_, receiving := s.inbound[kind]

	switch {
	case sending && receiving:
		s.directions[kind] = webrtc.RTPTransceiverDirectionSendrecv
	case sending:
		s.directions[kind] = webrtc.RTPTransceiverDirectionSendonly
	case receiving:
		s.directions[kind] = webrtc.RTPTransceiverDirectionRecvonly
	default:
		s.directions[kind] = webrtc.RTPTransceiverDirectionInactive
	}
}
