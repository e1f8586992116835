// Package session orchestrates the pairwise sessions of a full-mesh
// meeting. A Manager owns one transport and one connection state machine
// per remote participant. It drives the offer/answer/candidate exchange
// over a signalling channel, resolves simultaneous offers, buffers early
// candidates, classifies inbound media, and cleans up peers that disconnect
// for longer than the grace period.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/classifier"
	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/clock"
	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/connstate"
	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/roster"
	internalsignalling "github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/signalling"
	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/transport"
	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/pkg/signalling"
)

var (
	ErrUnknownPeer = errors.New("no session for peer")

	// The session was replaced while the operation waited on it
	ErrOfferSuperseded = errors.New("session replaced before offer")

	ErrPhaseTimeout = errors.New("timed out waiting for negotiation phase")
	ErrClosed       = errors.New("session manager closed")
	ErrNotJoined    = errors.New("not in a room")
)

const (
	DEFAULT_GRACE_PERIOD         = 15 * time.Second
	DEFAULT_RETRY_BASE_DELAY     = time.Second
	DEFAULT_MAX_RETRY_ATTEMPTS   = 3
	DEFAULT_OFFER_STABLE_TIMEOUT = 10 * time.Second
	DEFAULT_ANSWER_PHASE_TIMEOUT = 2 * time.Second
)

// ICEServerSource supplies the ICE servers for each new transport.
type ICEServerSource interface {
	ICEServers(ctx context.Context) []webrtc.ICEServer
}

type Options struct {
	// How long a disconnected or failed peer may take to recover before it
	// is removed
	GracePeriod time.Duration

	// Connection retries after a failure: the first waits RetryBaseDelay,
	// each further one twice as long, up to MaxRetryAttempts
	RetryBaseDelay   time.Duration
	MaxRetryAttempts int

	// Bound on waiting for the stable phase before creating an offer
	OfferStableTimeout time.Duration

	// Bound on waiting for the have-local-offer phase before applying an
	// answer
	AnswerPhaseTimeout time.Duration

	// Supplies ICE servers. Nil means none.
	ICEServers ICEServerSource

	// Called for every Event. May be called from several goroutines at
	// once, and must not block.
	OnEvent func(Event)

	// Receives the manager's metrics when set
	Registerer prometheus.Registerer

	// Defaults to clock.Real()
	Clock clock.Clock

	Logger *slog.Logger
}

// Manager is the session orchestrator of one client.
type Manager struct {
	channel internalsignalling.Channel
	factory transport.Factory
	options Options
	logger  *slog.Logger
	metrics *managerMetrics
	roster  *roster.Roster

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Keyed by peer id
	offers        singleflight.Group
	renegotiation renegotiationQueue

	mu               sync.Mutex
	room             signalling.RoomID
	sessions         map[signalling.ParticipantID]*peerSession
	machines         map[signalling.ParticipantID]*connstate.Machine
	graceTimers      map[signalling.ParticipantID]*graceTimer
	graceSeq         uint64
	orphanCandidates map[signalling.ParticipantID][]webrtc.ICECandidateInit
	inboxes          map[signalling.ParticipantID]*inbox
	localTracks      map[classifier.Kind]webrtc.TrackLocal
	closed           bool
}

// New creates a Manager and subscribes it to the roster and negotiation
// events of channel. Nothing is sent until Join.
//
// If no logger is given, slog.Default() is used. It is recommended to pass
// a child logger identifying the client:
// ```
// childLogger := slog.Default().With(
//
//	slog.Group("client", slog.String("name", name)),
//
// )
// ```
func New(channel internalsignalling.Channel, factory transport.Factory, options Options) *Manager {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.GracePeriod <= 0 {
		options.GracePeriod = DEFAULT_GRACE_PERIOD
	}
	if options.RetryBaseDelay <= 0 {
		options.RetryBaseDelay = DEFAULT_RETRY_BASE_DELAY
	}
	if options.MaxRetryAttempts <= 0 {
		options.MaxRetryAttempts = DEFAULT_MAX_RETRY_ATTEMPTS
	}
	if options.OfferStableTimeout <= 0 {
		options.OfferStableTimeout = DEFAULT_OFFER_STABLE_TIMEOUT
	}
	if options.AnswerPhaseTimeout <= 0 {
		options.AnswerPhaseTimeout = DEFAULT_ANSWER_PHASE_TIMEOUT
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		channel:          channel,
		factory:          factory,
		options:          options,
		logger:           options.Logger,
		metrics:          newManagerMetrics(options.Registerer),
		roster:           roster.New(),
		ctx:              ctx,
		cancel:           cancel,
		sessions:         make(map[signalling.ParticipantID]*peerSession),
		machines:         make(map[signalling.ParticipantID]*connstate.Machine),
		graceTimers:      make(map[signalling.ParticipantID]*graceTimer),
		orphanCandidates: make(map[signalling.ParticipantID][]webrtc.ICECandidateInit),
		inboxes:          make(map[signalling.ParticipantID]*inbox),
		localTracks:      make(map[classifier.Kind]webrtc.TrackLocal),
	}
	m.renegotiation.queued = make(map[signalling.ParticipantID]struct{})
	m.registerHandlers()
	return m
}

// Join asks the hub to add this client to room. Sessions follow from the
// room-joined and user-joined events.
func (m *Manager) Join(ctx context.Context, room signalling.RoomID, displayName string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.room = room
	m.mu.Unlock()

	m.logger.Info("joining room", "roomId", room, "name", displayName)
	return m.channel.Send(ctx, signalling.EventJoinRoom, signalling.JoinRoomRequest{
		RoomID:      room,
		DisplayName: displayName,
	})
}

// Leave leaves the current room and tears down every session.
func (m *Manager) Leave(ctx context.Context) error {
	m.mu.Lock()
	room := m.room
	m.room = ""
	peers := slices.Collect(maps.Keys(m.sessions))
	m.mu.Unlock()

	if room == "" {
		return ErrNotJoined
	}

	err := m.channel.Send(ctx, signalling.EventLeaveRoom, signalling.LeaveRoomRequest{RoomID: room})
	for _, peerID := range peers {
		m.removePeer(peerID, removalLeftRoom)
	}
	m.roster.Reset(m.roster.Self(), "", nil)
	m.logger.Info("left room", "roomId", room)
	return err
}

// Close tears down every session and waits for background work to stop.
// The manager cannot be used afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	peers := slices.Collect(maps.Keys(m.sessions))
	m.mu.Unlock()
	for _, peerID := range peers {
		m.removePeer(peerID, removalClosed)
	}
}

// Roster returns the participants of the current room.
func (m *Manager) Roster() *roster.Roster {
	return m.roster
}

// Self is the id the hub assigned to this client, empty before joining.
func (m *Manager) Self() signalling.ParticipantID {
	return m.roster.Self()
}

// Pin focuses the UI on a participant. Unknown ids are ignored.
func (m *Manager) Pin(id signalling.ParticipantID) bool {
	previous := m.roster.Pinned()
	if !m.roster.Pin(id) {
		return false
	}
	if previous != id {
		m.emit(Event{Type: EventPinnedChanged, PeerID: id, Pinned: id})
	}
	return true
}

// Peers returns the ids of every remote participant with a session, sorted.
func (m *Manager) Peers() []signalling.ParticipantID {
	m.mu.Lock()
	defer m.mu.Unlock()

	peers := slices.Collect(maps.Keys(m.sessions))
	slices.Sort(peers)
	return peers
}

// PeerInfo is a snapshot of one peer session.
type PeerInfo struct {
	PeerID          signalling.ParticipantID
	State           connstate.State
	SignalingState  webrtc.SignalingState
	ConnectionState webrtc.PeerConnectionState
	PendingOffer    bool
	PendingAnswer   bool

	// Live inbound flow per slot
	Inbound map[classifier.Kind]transport.InboundFlow

	// Last known transport direction per slot
	Directions map[classifier.Kind]webrtc.RTPTransceiverDirection
}

// Peer returns a snapshot of the session with id.
func (m *Manager) Peer(id signalling.ParticipantID) (PeerInfo, bool) {
	m.mu.Lock()
	s := m.sessions[id]
	machine := m.machines[id]
	m.mu.Unlock()

	if s == nil || machine == nil {
		return PeerInfo{}, false
	}

	info := PeerInfo{
		PeerID:          id,
		State:           machine.State(),
		SignalingState:  s.transport.SignalingState(),
		ConnectionState: s.transport.ConnectionState(),
	}
	s.mu.Lock()
	info.PendingOffer = s.pendingOffer
	info.PendingAnswer = s.pendingAnswer
	info.Inbound = maps.Clone(s.inbound)
	info.Directions = maps.Clone(s.directions)
	s.mu.Unlock()
	return info, true
}

// --------------------------------------------------------------------------------
// SIGNALLING HANDLERS

func (m *Manager) registerHandlers() {
	on(m, signalling.EventRoomJoined, m.onRoomJoined)
	on(m, signalling.EventUserJoined, m.onUserJoined)
	on(m, signalling.EventUserLeft, m.onUserLeft)
	on(m, signalling.EventHostChanged, m.onHostChanged)
	on(m, signalling.EventError, func(message signalling.ErrorMessage) {
		m.logger.Warn("signalling error", "message", message.Message)
	})

	on(m, signalling.EventOffer, func(message signalling.SignalMessage) {
		m.dispatch(message.FromID, func() { m.onOffer(message) })
	})
	on(m, signalling.EventAnswer, func(message signalling.SignalMessage) {
		m.dispatch(message.FromID, func() { m.onAnswer(message) })
	})
	on(m, signalling.EventICECandidate, func(message signalling.SignalMessage) {
		m.dispatch(message.FromID, func() { m.onRemoteCandidate(message) })
	})
}

// on subscribes handle to event, decoding its payload into T.
func on[T any](m *Manager, event string, handle func(T)) {
	m.channel.On(event, func(payload json.RawMessage) {
		var message T
		if err := json.Unmarshal(payload, &message); err != nil {
			m.logger.Warn("failed to decode signalling payload", "event", event, "err", err)
			return
		}
		handle(message)
	})
}

func (m *Manager) onRoomJoined(joined signalling.RoomJoined) {
	m.roster.Reset(joined.You, joined.HostID, joined.Participants)
	m.logger.Info("joined room", "participantId", joined.You, "hostId", joined.HostID, "participants", len(joined.Participants))

	// The newcomer offers to everyone already present
	for _, p := range joined.Participants {
		if p.ID == joined.You {
			continue
		}
		peerID := p.ID
		m.spawn(func() {
			if err := m.Connect(m.ctx, peerID, true); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Warn("failed to connect to participant", "peerId", peerID, "err", err)
			}
		})
	}
}

func (m *Manager) onUserJoined(joined signalling.UserJoined) {
	added := m.roster.Add(signalling.Participant{
		ID:          joined.UserID,
		DisplayName: joined.Name,
		IsHost:      joined.IsHost,
		JoinedAt:    joined.JoinedAt,
	})
	if !added {
		return
	}
	m.logger.Info("participant joined", "peerId", joined.UserID, "name", joined.Name)

	peerID := joined.UserID
	m.spawn(func() {
		if err := m.Connect(m.ctx, peerID, false); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("failed to prepare session", "peerId", peerID, "err", err)
		}
	})
}

func (m *Manager) onUserLeft(left signalling.UserLeft) {
	m.dispatch(left.UserID, func() { m.removePeer(left.UserID, removalLeft) })
}

func (m *Manager) onHostChanged(changed signalling.HostChanged) {
	m.roster.SetHost(changed.NewHostID)
	m.logger.Info("host changed", "previousHostId", changed.PreviousHostID, "newHostId", changed.NewHostID)
}

// --------------------------------------------------------------------------------
// SESSIONS

// Connect makes sure a session with peerID exists. A healthy session is
// reused; a stale one is replaced. As initiator, an offer is sent unless
// negotiation has already started; otherwise the session waits for the
// remote offer.
func (m *Manager) Connect(ctx context.Context, peerID signalling.ParticipantID, initiator bool) error {
	s, created, err := m.ensureSession(ctx, peerID, false, nil)
	if err != nil {
		return err
	}
	if !initiator {
		return nil
	}
	if created || (!s.hasRemoteDescription() && !s.hasPendingOffer()) {
		return m.EnsureOffer(ctx, peerID)
	}
	return nil
}

func (m *Manager) session(peerID signalling.ParticipantID) *peerSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[peerID]
}

func (m *Manager) machine(peerID signalling.ParticipantID) *connstate.Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machines[peerID]
}

func (m *Manager) roomID() signalling.RoomID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room
}

func healthy(state connstate.State) bool {
	return state != connstate.Disconnected && state != connstate.Failed
}

// ensureSession returns the session with peerID, creating one if there is
// none or the existing one is unhealthy. replace forces a new session;
// carried candidates are replayed onto it once its remote description is
// set. Reports whether a session was created.
func (m *Manager) ensureSession(
	ctx context.Context,
	peerID signalling.ParticipantID,
	replace bool,
	carried []webrtc.ICECandidateInit,
) (*peerSession, bool, error) {
	self := m.roster.Self()
	if peerID == "" || peerID == self {
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownPeer, peerID)
	}

	if !replace {
		if s := m.healthySession(peerID); s != nil {
			return s, false, nil
		}
	}

	var iceServers []webrtc.ICEServer
	if m.options.ICEServers != nil {
		iceServers = m.options.ICEServers.ICEServers(ctx)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, false, ErrClosed
	}

	machine := m.machines[peerID]
	stale := m.sessions[peerID]
	if stale != nil && !replace && (machine == nil || healthy(machine.State())) {
		m.mu.Unlock()
		return stale, false, nil
	}

	pt, err := m.factory.NewTransport(m.ctx, peerID, iceServers)
	if err != nil {
		m.mu.Unlock()
		return nil, false, fmt.Errorf("creating transport: %w", err)
	}

	s := newPeerSession(peerID, pt, self < peerID, m.logger)
	s.inboundCandidates.pending = append(s.inboundCandidates.pending, carried...)
	s.received = append(s.received, carried...)
	if orphans := m.orphanCandidates[peerID]; len(orphans) > 0 {
		s.inboundCandidates.pending = append(s.inboundCandidates.pending, orphans...)
		s.received = append(s.received, orphans...)
		delete(m.orphanCandidates, peerID)
	}
	m.wireTransport(s)
	for _, kind := range classifier.Kinds {
		if track := m.localTracks[kind]; track != nil {
			if _, err := s.attachTrack(kind, track); err != nil {
				s.logger.Warn("failed to attach local track", "kind", kind.String(), "err", err)
			}
		}
	}

	if machine == nil {
		machine = m.newMachine(peerID)
		m.machines[peerID] = machine
	}
	m.sessions[peerID] = s
	m.metrics.sessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	if stale != nil {
		stale.close()
	}
	s.logger.Info("created peer session", "polite", s.polite, "replaced", stale != nil)

	switch machine.State() {
	case connstate.Idle, connstate.Disconnected, connstate.Failed:
		machine.Transition(connstate.Connecting, "session created")
	case connstate.Connected:
		machine.Transition(connstate.Reconnecting, "session replaced")
	}
	return s, true, nil
}

func (m *Manager) healthySession(peerID signalling.ParticipantID) *peerSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessions[peerID]
	machine := m.machines[peerID]
	if s == nil || machine == nil || !healthy(machine.State()) {
		return nil
	}
	return s
}

// Must hold m.mu
func (m *Manager) newMachine(peerID signalling.ParticipantID) *connstate.Machine {
	return connstate.New(string(peerID), connstate.Config{
		BaseDelay:    m.options.RetryBaseDelay,
		MaxAttempts:  m.options.MaxRetryAttempts,
		Clock:        m.options.Clock,
		OnTransition: m.afterTransition,
		OnRetry: func(id string, attempt int) {
			m.spawn(func() { m.retry(signalling.ParticipantID(id), attempt) })
		},
		OnExhausted: func(id string, attempts int) {
			m.spawn(func() { m.removePeer(signalling.ParticipantID(id), removalRetriesExhausted) })
		},
		Logger: m.logger,
	})
}

// Must hold m.mu. Callbacks from a transport that has since been replaced
// are dropped.
func (m *Manager) wireTransport(s *peerSession) {
	s.transport.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		m.onLocalCandidate(s, candidate)
	})
	s.transport.OnSignalingStateChange(func(state webrtc.SignalingState) {
		m.onSignalingState(s, state)
	})
	s.transport.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.onConnectionState(s, state)
	})
	s.transport.OnTrack(func(flow transport.InboundFlow) {
		m.onInboundFlow(s, flow)
	})
	s.transport.OnTrackEnded(func(flowID string) {
		m.onFlowEnded(s, flowID)
	})
}

func (m *Manager) current(s *peerSession) bool {
	return m.session(s.peerID) == s
}

func (m *Manager) retry(peerID signalling.ParticipantID, attempt int) {
	logger := m.logger.With("peerId", peerID, "attempt", attempt)
	if m.machine(peerID) == nil {
		logger.Debug("peer removed before retry")
		return
	}
	if _, _, err := m.ensureSession(m.ctx, peerID, false, nil); err != nil {
		logger.Warn("failed to recreate session for retry", "err", err)
		return
	}
	if err := m.EnsureOffer(m.ctx, peerID); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("failed to offer on retry", "err", err)
	}
}

// --------------------------------------------------------------------------------
// BACKGROUND WORK

// spawn runs f on a goroutine tracked by Close.
func (m *Manager) spawn(f func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		f()
	}()
}

func (m *Manager) emit(event Event) {
	if m.options.OnEvent != nil {
		m.options.OnEvent(event)
	}
}
