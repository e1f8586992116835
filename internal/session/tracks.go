package session

import (
	"maps"
	"slices"

	"github.com/pion/webrtc/v4"

	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/classifier"
	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/transport"
)

// SetLocalTrack sends track in slot kind to every peer, now and in every
// session created later. The same track is shared by all sessions; each
// holds its own sender. Every peer is renegotiated.
func (m *Manager) SetLocalTrack(kind classifier.Kind, track webrtc.TrackLocal) {
	m.mu.Lock()
	if track == nil {
		delete(m.localTracks, kind)
	} else {
		m.localTracks[kind] = track
	}
	sessions := slices.Collect(maps.Values(m.sessions))
	m.mu.Unlock()

	for _, s := range sessions {
		changed, err := s.attachTrack(kind, track)
		if err != nil {
			s.logger.Warn("failed to attach local track", "kind", kind.String(), "err", err)
			continue
		}
		if changed {
			m.RequestRenegotiation(s.peerID)
		}
	}
}

// RemoveLocalTrack stops sending in slot kind. Senders are kept, carrying
// nothing, so the slot can be refilled without a new transceiver.
func (m *Manager) RemoveLocalTrack(kind classifier.Kind) {
	m.SetLocalTrack(kind, nil)
}

// LocalTrack returns the track currently sent in slot kind, if any.
func (m *Manager) LocalTrack(kind classifier.Kind) webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localTracks[kind]
}

func (m *Manager) onInboundFlow(s *peerSession, flow transport.InboundFlow) {
	if !m.current(s) {
		return
	}
	kind := s.recordInbound(flow)
	s.logger.Info(
		"inbound flow",
		"kind", kind.String(),
		"flowId", flow.ID,
		"streamId", flow.StreamID,
		"label", flow.Label,
	)
	m.emit(Event{Type: EventTrackAdded, PeerID: s.peerID, Kind: kind, Flow: flow})
}

func (m *Manager) onFlowEnded(s *peerSession, flowID string) {
	if !m.current(s) {
		return
	}
	flow, kind, ok := s.endInbound(flowID)
	if !ok {
		return
	}
	s.logger.Info("inbound flow ended", "kind", kind.String(), "flowId", flowID)
	m.emit(Event{Type: EventTrackRemoved, PeerID: s.peerID, Kind: kind, Flow: flow})
}
