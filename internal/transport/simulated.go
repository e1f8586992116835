package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/pkg/signalling"
)

var (
	ErrInvalidSignalingState = errors.New("operation invalid in current signaling state")
	ErrRollbackUnsupported   = errors.New("rollback unsupported")
	ErrNoRemoteDescription   = errors.New("remote description not set")
	ErrTransportClosed       = errors.New("transport closed")
)

// SimulatedNetwork models pairs of transports negotiating with each other
// without any real networking. It follows the offer/answer phase rules of a
// WebRTC peer connection closely enough to exercise negotiation logic:
//
//   - descriptions are only accepted in the matching signaling state
//   - candidates are gathered once, after the first local description, and
//     are rejected until a remote description is set
//   - a pair connects once each side has applied the other's current
//     description and at least one of its candidates
//   - inbound tracks are announced once a side is connected and stable
//   - an announced track missing from a later remote description ends
//
// Transports are keyed by (local, remote) participant. Creating a new
// transport for a pair replaces the old one; descriptions and candidates
// carry the identity of the transport that produced them, so a replaced
// transport never connects with its successor's counterpart by accident.
type SimulatedNetwork struct {
	logger  *slog.Logger
	options SimulatedNetworkOptions

	mu          sync.Mutex
	endpoints   map[simulatedPair]*SimulatedTransport
	partitioned map[simulatedPair]bool
	nextSerial  uint64
}

type SimulatedNetworkOptions struct {
	// Candidates gathered by each transport. Defaults to 2.
	CandidatesPerTransport int

	// Makes every rollback fail, as on transports without rollback support
	RollbackUnsupported bool

	Logger *slog.Logger
}

type simulatedPair struct {
	local  signalling.ParticipantID
	remote signalling.ParticipantID
}

func NewSimulatedNetwork(options SimulatedNetworkOptions) *SimulatedNetwork {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.CandidatesPerTransport <= 0 {
		options.CandidatesPerTransport = 2
	}
	return &SimulatedNetwork{
		logger:      options.Logger,
		options:     options,
		endpoints:   make(map[simulatedPair]*SimulatedTransport),
		partitioned: make(map[simulatedPair]bool),
	}
}

// Factory returns a Factory creating transports owned by local.
func (n *SimulatedNetwork) Factory(local signalling.ParticipantID) Factory {
	return simulatedFactory{network: n, local: local}
}

type simulatedFactory struct {
	network *SimulatedNetwork
	local   signalling.ParticipantID
}

func (f simulatedFactory) NewTransport(
	ctx context.Context,
	peerID signalling.ParticipantID,
	iceServers []webrtc.ICEServer,
) (PeerTransport, error) {
	return f.network.newTransport(f.local, peerID), nil
}

func (n *SimulatedNetwork) newTransport(local, remote signalling.ParticipantID) *SimulatedTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextSerial++
	t := &SimulatedTransport{
		network:         n,
		logger:          n.logger.With("local", local, "peerId", remote, "serial", n.nextSerial),
		local:           local,
		remote:          remote,
		serial:          n.nextSerial,
		events:          newEventQueue(),
		signalingState:  webrtc.SignalingStateStable,
		connectionState: webrtc.PeerConnectionStateNew,
		announced:       make(map[string]bool),
	}
	n.endpoints[simulatedPair{local: local, remote: remote}] = t
	return t
}

// Transport returns the current transport local holds towards remote, or nil.
func (n *SimulatedNetwork) Transport(local, remote signalling.ParticipantID) *SimulatedTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoints[simulatedPair{local: local, remote: remote}]
}

// TransportsCreated counts every transport ever created on the network.
func (n *SimulatedNetwork) TransportsCreated() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nextSerial
}

// Disconnect moves both connected transports of the pair to disconnected.
func (n *SimulatedNetwork) Disconnect(a, b signalling.ParticipantID) {
	n.setPairState(a, b, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateConnected)
}

// Recover reconnects a disconnected pair.
func (n *SimulatedNetwork) Recover(a, b signalling.ParticipantID) {
	n.setPairState(a, b, webrtc.PeerConnectionStateConnected, webrtc.PeerConnectionStateDisconnected)
}

// Fail moves both transports of the pair to failed from any live state.
func (n *SimulatedNetwork) Fail(a, b signalling.ParticipantID) {
	n.setPairState(
		a, b, webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateConnecting,
		webrtc.PeerConnectionStateConnected,
		webrtc.PeerConnectionStateDisconnected,
	)
}

// Partition fails the pair's transports and makes every later attempt to
// connect them fail too, until Heal.
func (n *SimulatedNetwork) Partition(a, b signalling.ParticipantID) {
	n.mu.Lock()
	n.partitioned[pairKey(a, b)] = true
	n.mu.Unlock()
	n.Fail(a, b)
}

func (n *SimulatedNetwork) Heal(a, b signalling.ParticipantID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.partitioned, pairKey(a, b))
}

// Order independent key of a pair
func pairKey(a, b signalling.ParticipantID) simulatedPair {
	if b < a {
		a, b = b, a
	}
	return simulatedPair{local: a, remote: b}
}

func (n *SimulatedNetwork) setPairState(a, b signalling.ParticipantID, to webrtc.PeerConnectionState, from ...webrtc.PeerConnectionState) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, t := range []*SimulatedTransport{
		n.endpoints[simulatedPair{local: a, remote: b}],
		n.endpoints[simulatedPair{local: b, remote: a}],
	} {
		if t == nil || t.closed || !slices.Contains(from, t.connectionState) {
			continue
		}
		t.setConnectionStateLocked(to)
		t.announceLocked()
	}
}

// Must hold n.mu
func (n *SimulatedNetwork) peerOfLocked(t *SimulatedTransport) *SimulatedTransport {
	return n.endpoints[simulatedPair{local: t.remote, remote: t.local}]
}

// Must hold n.mu. Connects the pair t belongs to once both sides have
// exchanged descriptions and candidates, then announces any tracks.
func (n *SimulatedNetwork) evaluateLocked(t *SimulatedTransport) {
	peer := n.peerOfLocked(t)
	if peer == nil {
		return
	}
	if t.readyFor(peer) && peer.readyFor(t) {
		outcome := webrtc.PeerConnectionStateConnected
		if n.partitioned[pairKey(t.local, t.remote)] {
			outcome = webrtc.PeerConnectionStateFailed
		}
		for _, side := range []*SimulatedTransport{t, peer} {
			if side.connectionState == webrtc.PeerConnectionStateNew {
				side.setConnectionStateLocked(webrtc.PeerConnectionStateConnecting)
				side.setConnectionStateLocked(outcome)
			}
		}
	}
	t.announceLocked()
	peer.announceLocked()
}

// --------------------------------------------------------------------------------

// Wire format of simulated session descriptions
type simulatedDescription struct {
	Serial uint64           `json:"serial"`
	Tracks []simulatedTrack `json:"tracks"`
}

type simulatedTrack struct {
	ID       string              `json:"id"`
	StreamID string              `json:"streamId"`
	Kind     webrtc.RTPCodecType `json:"kind"`
}

// SimulatedTransport is one side of a simulated pair. All state is guarded
// by the owning network's lock. Callbacks run in order on a per-transport
// goroutine.
type SimulatedTransport struct {
	network *SimulatedNetwork
	logger  *slog.Logger
	events  *eventQueue

	local  signalling.ParticipantID
	remote signalling.ParticipantID
	serial uint64

	signalingState    webrtc.SignalingState
	connectionState   webrtc.PeerConnectionState
	remoteDescription *simulatedDescription
	gathered          bool
	applied           []webrtc.ICECandidateInit
	senders           []*simulatedSender
	announced         map[string]bool
	closed            bool

	handlersMu   sync.Mutex
	onCandidate  func(webrtc.ICECandidateInit)
	onTrack      func(InboundFlow)
	onTrackEnded func(string)
	onConnection func(webrtc.PeerConnectionState)
	onSignaling  func(webrtc.SignalingState)
}

func (t *SimulatedTransport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	return t.createDescription(webrtc.SDPTypeOffer, webrtc.SignalingStateStable, webrtc.SignalingStateHaveLocalOffer)
}

func (t *SimulatedTransport) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	return t.createDescription(webrtc.SDPTypeAnswer, webrtc.SignalingStateHaveRemoteOffer)
}

func (t *SimulatedTransport) createDescription(sdpType webrtc.SDPType, validStates ...webrtc.SignalingState) (webrtc.SessionDescription, error) {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()

	if t.closed {
		return webrtc.SessionDescription{}, ErrTransportClosed
	}
	if !slices.Contains(validStates, t.signalingState) {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create %s in %s", ErrInvalidSignalingState, sdpType, t.signalingState)
	}

	description := simulatedDescription{Serial: t.serial}
	for _, sender := range t.senders {
		if sender.track == nil {
			continue
		}
		description.Tracks = append(description.Tracks, simulatedTrack{
			ID:       sender.track.ID(),
			StreamID: sender.track.StreamID(),
			Kind:     sender.track.Kind(),
		})
	}
	payload, err := json.Marshal(description)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{Type: sdpType, SDP: string(payload)}, nil
}

func (t *SimulatedTransport) SetLocalDescription(ctx context.Context, description webrtc.SessionDescription) error {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}

	var next webrtc.SignalingState
	switch {
	case description.Type == webrtc.SDPTypeRollback:
		if t.network.options.RollbackUnsupported {
			return ErrRollbackUnsupported
		}
		if t.signalingState != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("%w: rollback in %s", ErrInvalidSignalingState, t.signalingState)
		}
		next = webrtc.SignalingStateStable
	case description.Type == webrtc.SDPTypeOffer && t.signalingState == webrtc.SignalingStateStable:
		next = webrtc.SignalingStateHaveLocalOffer
	case description.Type == webrtc.SDPTypeAnswer && t.signalingState == webrtc.SignalingStateHaveRemoteOffer:
		next = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("%w: set local %s in %s", ErrInvalidSignalingState, description.Type, t.signalingState)
	}

	t.setSignalingStateLocked(next)
	if description.Type != webrtc.SDPTypeRollback && !t.gathered {
		t.gathered = true
		t.gatherLocked()
	}
	t.network.evaluateLocked(t)
	return nil
}

func (t *SimulatedTransport) SetRemoteDescription(ctx context.Context, description webrtc.SessionDescription) error {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}

	var next webrtc.SignalingState
	switch {
	case description.Type == webrtc.SDPTypeOffer && t.signalingState == webrtc.SignalingStateStable:
		next = webrtc.SignalingStateHaveRemoteOffer
	case description.Type == webrtc.SDPTypeAnswer && t.signalingState == webrtc.SignalingStateHaveLocalOffer:
		next = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("%w: set remote %s in %s", ErrInvalidSignalingState, description.Type, t.signalingState)
	}

	var remote simulatedDescription
	if err := json.Unmarshal([]byte(description.SDP), &remote); err != nil {
		return fmt.Errorf("parsing remote description: %w", err)
	}
	t.remoteDescription = &remote
	t.endMissingLocked()
	t.setSignalingStateLocked(next)
	t.network.evaluateLocked(t)
	return nil
}

func (t *SimulatedTransport) AddICECandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	if t.remoteDescription == nil {
		return ErrNoRemoteDescription
	}
	t.applied = append(t.applied, candidate)
	t.network.evaluateLocked(t)
	return nil
}

func (t *SimulatedTransport) SignalingState() webrtc.SignalingState {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()
	return t.signalingState
}

func (t *SimulatedTransport) ConnectionState() webrtc.PeerConnectionState {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()
	return t.connectionState
}

func (t *SimulatedTransport) ICEConnectionState() webrtc.ICEConnectionState {
	switch t.ConnectionState() {
	case webrtc.PeerConnectionStateConnecting:
		return webrtc.ICEConnectionStateChecking
	case webrtc.PeerConnectionStateConnected:
		return webrtc.ICEConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return webrtc.ICEConnectionStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return webrtc.ICEConnectionStateFailed
	case webrtc.PeerConnectionStateClosed:
		return webrtc.ICEConnectionStateClosed
	default:
		return webrtc.ICEConnectionStateNew
	}
}

func (t *SimulatedTransport) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()

	if t.closed {
		return nil, ErrTransportClosed
	}
	sender := &simulatedSender{network: t.network, track: track}
	t.senders = append(t.senders, sender)
	return sender, nil
}

func (t *SimulatedTransport) Senders() []Sender {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()

	senders := make([]Sender, 0, len(t.senders))
	for _, sender := range t.senders {
		senders = append(senders, sender)
	}
	return senders
}

func (t *SimulatedTransport) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.onCandidate = f
}

func (t *SimulatedTransport) OnTrack(f func(InboundFlow)) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.onTrack = f
}

func (t *SimulatedTransport) OnTrackEnded(f func(string)) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.onTrackEnded = f
}

func (t *SimulatedTransport) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.onConnection = f
}

func (t *SimulatedTransport) OnSignalingStateChange(f func(webrtc.SignalingState)) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.onSignaling = f
}

func (t *SimulatedTransport) Close() error {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	t.connectionState = webrtc.PeerConnectionStateClosed
	t.events.stop()

	key := simulatedPair{local: t.local, remote: t.remote}
	if t.network.endpoints[key] == t {
		delete(t.network.endpoints, key)
	}
	return nil
}

// AppliedCandidates returns the remote candidates applied so far, in order.
func (t *SimulatedTransport) AppliedCandidates() []webrtc.ICECandidateInit {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()
	return slices.Clone(t.applied)
}

// RemoteTrackIDs lists the tracks of the current remote description.
func (t *SimulatedTransport) RemoteTrackIDs() []string {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()

	if t.remoteDescription == nil {
		return nil
	}
	ids := make([]string, 0, len(t.remoteDescription.Tracks))
	for _, track := range t.remoteDescription.Tracks {
		ids = append(ids, track.ID)
	}
	return ids
}

func (t *SimulatedTransport) Closed() bool {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()
	return t.closed
}

// --------------------------------------------------------------------------------
// Must hold network.mu for everything below

func (t *SimulatedTransport) ufrag() string {
	return strconv.FormatUint(t.serial, 10)
}

func (t *SimulatedTransport) gatherLocked() {
	ufrag := t.ufrag()
	for i := range t.network.options.CandidatesPerTransport {
		candidate := webrtc.ICECandidateInit{
			Candidate: fmt.Sprintf(
				"candidate:%d%d 1 udp 2130706431 10.0.%d.%d %d typ host",
				t.serial, i+1, t.serial%256, i+1, 50000+i,
			),
			UsernameFragment: &ufrag,
		}
		t.events.push(func() {
			t.handlersMu.Lock()
			f := t.onCandidate
			t.handlersMu.Unlock()
			if f != nil {
				f(candidate)
			}
		})
	}
}

func (t *SimulatedTransport) readyFor(peer *SimulatedTransport) bool {
	if t.closed || t.remoteDescription == nil || t.remoteDescription.Serial != peer.serial {
		return false
	}
	peerUfrag := peer.ufrag()
	return slices.ContainsFunc(t.applied, func(c webrtc.ICECandidateInit) bool {
		return c.UsernameFragment != nil && *c.UsernameFragment == peerUfrag
	})
}

func (t *SimulatedTransport) setSignalingStateLocked(state webrtc.SignalingState) {
	t.signalingState = state
	t.events.push(func() {
		t.handlersMu.Lock()
		f := t.onSignaling
		t.handlersMu.Unlock()
		if f != nil {
			f(state)
		}
	})
}

func (t *SimulatedTransport) setConnectionStateLocked(state webrtc.PeerConnectionState) {
	t.connectionState = state
	t.logger.Debug("simulated connection state change", "new state", state.String())
	t.events.push(func() {
		t.handlersMu.Lock()
		f := t.onConnection
		t.handlersMu.Unlock()
		if f != nil {
			f(state)
		}
	})
}

func (t *SimulatedTransport) announceLocked() {
	if t.closed ||
		t.connectionState != webrtc.PeerConnectionStateConnected ||
		t.signalingState != webrtc.SignalingStateStable ||
		t.remoteDescription == nil {
		return
	}
	for _, track := range t.remoteDescription.Tracks {
		if t.announced[track.ID] {
			continue
		}
		t.announced[track.ID] = true
		flow := InboundFlow{
			ID:       track.ID,
			StreamID: track.StreamID,
			Kind:     track.Kind,
			Label:    track.ID,
		}
		t.events.push(func() {
			t.handlersMu.Lock()
			f := t.onTrack
			t.handlersMu.Unlock()
			if f != nil {
				f(flow)
			}
		})
	}
}

// Must hold network.mu. Ends every announced track the current remote
// description no longer carries.
func (t *SimulatedTransport) endMissingLocked() {
	for id := range t.announced {
		if slices.ContainsFunc(t.remoteDescription.Tracks, func(track simulatedTrack) bool { return track.ID == id }) {
			continue
		}
		delete(t.announced, id)
		t.events.push(func() {
			t.handlersMu.Lock()
			f := t.onTrackEnded
			t.handlersMu.Unlock()
			if f != nil {
				f(id)
			}
		})
	}
}

// --------------------------------------------------------------------------------

type simulatedSender struct {
	network *SimulatedNetwork
	track   webrtc.TrackLocal
}

func (s *simulatedSender) Track() webrtc.TrackLocal {
	s.network.mu.Lock()
	defer s.network.mu.Unlock()
	return s.track
}

func (s *simulatedSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.network.mu.Lock()
	defer s.network.mu.Unlock()
	s.track = track
	return nil
}

// --------------------------------------------------------------------------------

// eventQueue runs callbacks one at a time, in push order, on its own
// goroutine. Callbacks still pending when the queue stops are dropped.
type eventQueue struct {
	mu       sync.Mutex
	pending  []func()
	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *eventQueue) push(f func()) {
	q.mu.Lock()
	q.pending = append(q.pending, f)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) stop() {
	q.stopOnce.Do(func() { close(q.done) })
}

func (q *eventQueue) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}

		for {
			select {
			case <-q.done:
				return
			default:
			}

			q.mu.Lock()
			if len(q.pending) == 0 {
				q.mu.Unlock()
				break
			}
			f := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()
			f()
		}
	}
}
