package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/logging"
	piontransport "github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"

	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/utils"
	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/pkg/signalling"
)

const (
	HEARTBEAT_PERIOD time.Duration = 5 * time.Second

	heartbeatLabel = "heartbeat"
)

var ErrNoCodecs = errors.New("no codecs to register")

type PionFactoryOptions struct {
	// Codecs registered with the media engine. At least one is required.
	Codecs []webrtc.RTPCodecCapability

	// Network used by the ICE agent. Nil means the host network; tests pass
	// a vnet.Net.
	Net piontransport.Net

	IncludeLoopbackCandidates bool

	// Period between heartbeat messages. Defaults to HEARTBEAT_PERIOD.
	HeartbeatPeriod time.Duration

	// Where pion's internal logs go. Defaults to a utils.SlogLoggerFactory
	// over Logger.
	LoggerFactory logging.LoggerFactory

	Logger *slog.Logger
}

// PionFactory creates PionTransports sharing one webrtc.API, so every
// transport offers the same codecs and network settings.
type PionFactory struct {
	logger          *slog.Logger
	api             *webrtc.API
	heartbeatPeriod time.Duration
}

// Create a new PionFactory.
//
// Every codec in options.Codecs is registered with the media engine. Codecs
// with a static payload type (PCMU, PCMA) keep it; all others are assigned
// dynamic payload types in order, starting from 96.
//
// logger allows for a child logger to be used specifically for this factory. Create a child logger like:
// ```go
// childLogger := slog.Default().With(
//
//	slog.Group("PionFactory"),
//
// )
// ```
// If no logger is given, slog.Default() is used.
func NewPionFactory(options PionFactoryOptions) (*PionFactory, error) {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.HeartbeatPeriod <= 0 {
		options.HeartbeatPeriod = HEARTBEAT_PERIOD
	}
	if options.LoggerFactory == nil {
		options.LoggerFactory = utils.NewSlogLoggerFactory(options.Logger)
	}
	if len(options.Codecs) == 0 {
		return nil, ErrNoCodecs
	}

	mediaEngine := &webrtc.MediaEngine{}
	nextPayloadType := webrtc.PayloadType(96)
	for _, codec := range options.Codecs {
		payloadType, static := staticPayloadType(codec.MimeType)
		if !static {
			payloadType = nextPayloadType
			nextPayloadType++
		}
		err := mediaEngine.RegisterCodec(
			webrtc.RTPCodecParameters{RTPCodecCapability: codec, PayloadType: payloadType},
			utils.CodecKind(codec),
		)
		if err != nil {
			return nil, fmt.Errorf("registering codec %s: %w", codec.MimeType, err)
		}
	}

	settingEngine := webrtc.SettingEngine{LoggerFactory: options.LoggerFactory}
	settingEngine.SetIncludeLoopbackCandidate(options.IncludeLoopbackCandidates)
	if options.Net != nil {
		settingEngine.SetNet(options.Net)
	}

	return &PionFactory{
		logger: options.Logger,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithSettingEngine(settingEngine),
		),
		heartbeatPeriod: options.HeartbeatPeriod,
	}, nil
}

func staticPayloadType(mimeType string) (webrtc.PayloadType, bool) {
	switch mimeType {
	case webrtc.MimeTypePCMU:
		return 0, true
	case webrtc.MimeTypePCMA:
		return 8, true
	}
	return 0, false
}

func (factory *PionFactory) NewTransport(
	ctx context.Context,
	peerID signalling.ParticipantID,
	iceServers []webrtc.ICEServer,
) (PeerTransport, error) {
	connection, err := factory.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		factory.logger.Error("error while creating new peer connection", "err", err, "peerId", peerID)
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	return newPionTransport(peerID, connection, factory.heartbeatPeriod, factory.logger), nil
}

// --------------------------------------------------------------------------------

// PionTransport is a PeerTransport over a webrtc.PeerConnection.
//
// Besides media, the offering side opens a "heartbeat" data channel. Once it
// is open both sides send a timestamp every heartbeat period and log the
// observed latency of the other side's timestamps.
type PionTransport struct {
	logger *slog.Logger

	// The remote participant this transport connects to
	peerID signalling.ParticipantID

	// Closed when the transport shuts down. Heartbeat loops listen on ctx.Done()
	ctx           context.Context
	ctxCancelFunc context.CancelFunc
	shutdownOnce  sync.Once

	connection      *webrtc.PeerConnection
	heartbeatPeriod time.Duration

	heartbeatMu      sync.Mutex
	heartbeatChannel *webrtc.DataChannel

	// IDs of remote tracks announced through OnTrack and not yet ended
	tracksMu     sync.Mutex
	liveTracks   map[string]struct{}
	onTrackEnded func(string)
}

func newPionTransport(
	peerID signalling.ParticipantID,
	connection *webrtc.PeerConnection,
	heartbeatPeriod time.Duration,
	logger *slog.Logger,
) *PionTransport {
	ctx, cancelFunc := context.WithCancel(context.Background())
	t := &PionTransport{
		logger:          logger.With("peerId", peerID),
		peerID:          peerID,
		ctx:             ctx,
		ctxCancelFunc:   cancelFunc,
		connection:      connection,
		heartbeatPeriod: heartbeatPeriod,
		liveTracks:      make(map[string]struct{}),
	}

	connection.OnDataChannel(func(dc *webrtc.DataChannel) {
		switch dc.Label() {
		case heartbeatLabel:
			t.setHeartbeatChannel(dc)
		}
	})

	return t
}

// --------------------------------------------------------------------------------
// NEGOTIATION

// CreateOffer makes sure the offer carries at least one audio and two video
// media sections, adding receive-only transceivers where no local track
// fills them. A participant without local media still receives everything,
// and the answering side can always attach a camera, a screen and an audio
// track. The heartbeat channel is created with the first offer.
func (t *PionTransport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := t.ensureReceiveTransceivers(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.ensureHeartbeatChannel(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return t.connection.CreateOffer(nil)
}

func (t *PionTransport) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	return t.connection.CreateAnswer(nil)
}

func (t *PionTransport) SetLocalDescription(ctx context.Context, description webrtc.SessionDescription) error {
	return t.connection.SetLocalDescription(description)
}

func (t *PionTransport) SetRemoteDescription(ctx context.Context, description webrtc.SessionDescription) error {
	if err := t.connection.SetRemoteDescription(description); err != nil {
		return err
	}
	t.endRemovedTracks()
	return nil
}

// endRemovedTracks reports every live remote track the current remote
// description no longer sends.
func (t *PionTransport) endRemovedTracks() {
	remote := t.connection.RemoteDescription()
	if remote == nil {
		return
	}
	sending, err := remoteSendingTrackIDs(remote)
	if err != nil {
		t.logger.Warn("failed to parse remote description", "err", err)
		return
	}

	t.tracksMu.Lock()
	var ended []string
	for id := range t.liveTracks {
		if _, ok := sending[id]; !ok {
			ended = append(ended, id)
			delete(t.liveTracks, id)
		}
	}
	f := t.onTrackEnded
	t.tracksMu.Unlock()

	for _, id := range ended {
		t.logger.Debug("remote track ended", "track ID", id)
		if f != nil {
			f(id)
		}
	}
}

// remoteSendingTrackIDs returns the track IDs of the media sections in
// which the remote side sends.
func remoteSendingTrackIDs(description *webrtc.SessionDescription) (map[string]struct{}, error) {
	parsed, err := description.Unmarshal()
	if err != nil {
		return nil, err
	}

	ids := make(map[string]struct{})
	for _, media := range parsed.MediaDescriptions {
		if _, ok := media.Attribute("recvonly"); ok {
			continue
		}
		if _, ok := media.Attribute("inactive"); ok {
			continue
		}
		msid, ok := media.Attribute("msid")
		if !ok {
			continue
		}
		// a=msid:<stream id> <track id>
		if fields := strings.Fields(msid); len(fields) == 2 {
			ids[fields[1]] = struct{}{}
		}
	}
	return ids, nil
}

func (t *PionTransport) AddICECandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	return t.connection.AddICECandidate(candidate)
}

func (t *PionTransport) SignalingState() webrtc.SignalingState {
	return t.connection.SignalingState()
}

func (t *PionTransport) ConnectionState() webrtc.PeerConnectionState {
	return t.connection.ConnectionState()
}

func (t *PionTransport) ICEConnectionState() webrtc.ICEConnectionState {
	return t.connection.ICEConnectionState()
}

var receiveTransceiverMinimum = map[webrtc.RTPCodecType]int{
	webrtc.RTPCodecTypeAudio: 1,
	webrtc.RTPCodecTypeVideo: 2,
}

func (t *PionTransport) ensureReceiveTransceivers() error {
	counts := make(map[webrtc.RTPCodecType]int)
	for _, transceiver := range t.connection.GetTransceivers() {
		counts[transceiver.Kind()]++
	}
	for kind, minimum := range receiveTransceiverMinimum {
		for ; counts[kind] < minimum; counts[kind]++ {
			_, err := t.connection.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			})
			if err != nil {
				return fmt.Errorf("adding receive-only %s transceiver: %w", kind, err)
			}
		}
	}
	return nil
}

// --------------------------------------------------------------------------------
// MEDIA

func (t *PionTransport) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	sender, err := t.connection.AddTrack(track)
	if err != nil {
		return nil, err
	}
	return sender, nil
}

func (t *PionTransport) Senders() []Sender {
	rtpSenders := t.connection.GetSenders()
	senders := make([]Sender, 0, len(rtpSenders))
	for _, sender := range rtpSenders {
		senders = append(senders, sender)
	}
	return senders
}

// --------------------------------------------------------------------------------
// CONNECTION HANDLERS

func (t *PionTransport) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	t.connection.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if candidate == nil {
			t.logger.Debug("ice gathering complete")
			return
		}
		f(candidate.ToJSON())
	})
}

func (t *PionTransport) OnTrack(f func(InboundFlow)) {
	t.connection.OnTrack(func(tr *webrtc.TrackRemote, r *webrtc.RTPReceiver) {
		t.logger.Debug(
			"received track",
			"track ID", tr.ID(),
			"track kind", tr.Kind().String(),
		)
		t.tracksMu.Lock()
		t.liveTracks[tr.ID()] = struct{}{}
		t.tracksMu.Unlock()

		f(InboundFlow{
			ID:       tr.ID(),
			StreamID: tr.StreamID(),
			Kind:     tr.Kind(),
			Label:    tr.ID(),
			Track:    tr,
		})
	})
}

func (t *PionTransport) OnTrackEnded(f func(string)) {
	t.tracksMu.Lock()
	defer t.tracksMu.Unlock()
	t.onTrackEnded = f
}

func (t *PionTransport) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	t.connection.OnConnectionStateChange(func(pcs webrtc.PeerConnectionState) {
		t.logger.Debug("peer connection state change", "new state", pcs.String())
		f(pcs)
	})
}

func (t *PionTransport) OnSignalingStateChange(f func(webrtc.SignalingState)) {
	t.connection.OnSignalingStateChange(func(state webrtc.SignalingState) {
		t.logger.Debug("signaling state change", "new state", state.String())
		f(state)
	})
}

func (t *PionTransport) Close() error {
	var err error
	t.shutdownOnce.Do(func() {
		t.ctxCancelFunc()
		err = t.connection.Close()
	})
	return err
}

// --------------------------------------------------------------------------------
// HEARTBEAT

func (t *PionTransport) ensureHeartbeatChannel() error {
	t.heartbeatMu.Lock()
	existing := t.heartbeatChannel
	t.heartbeatMu.Unlock()
	if existing != nil {
		return nil
	}

	dc, err := t.connection.CreateDataChannel(heartbeatLabel, &webrtc.DataChannelInit{})
	if err != nil {
		t.logger.Error("error while creating heartbeat channel", "err", err)
		return fmt.Errorf("creating heartbeat channel: %w", err)
	}
	t.setHeartbeatChannel(dc)
	return nil
}

func (t *PionTransport) setHeartbeatChannel(dc *webrtc.DataChannel) {
	t.heartbeatMu.Lock()
	t.heartbeatChannel = dc
	t.heartbeatMu.Unlock()

	dc.OnOpen(func() { go t.heartbeatLoop(dc) })
	dc.OnMessage(t.heartbeatOnMessageHandler)
}

// Once the channel is open, send a heartbeat message every period until the
// transport closes
func (t *PionTransport) heartbeatLoop(dc *webrtc.DataChannel) {
	heartbeatTicker := time.NewTicker(t.heartbeatPeriod)
	defer heartbeatTicker.Stop()
	for {
		var sendingTimestamp time.Time
		select {
		case <-t.ctx.Done():
			return
		case sendingTimestamp = <-heartbeatTicker.C:
		}

		msg, err := sendingTimestamp.MarshalBinary()
		if err != nil {
			t.logger.Error("error while marshalling sending timestamp to binary", "err", err)
			continue
		}
		t.logger.Debug("sending heartbeat", "sendingTimestamp", sendingTimestamp)
		if err := dc.Send(msg); err != nil {
			t.logger.Warn("error when sending heartbeat", "err", err)
		}
	}
}

func (t *PionTransport) heartbeatOnMessageHandler(msg webrtc.DataChannelMessage) {
	currentTime := time.Now()

	var sendingTime time.Time
	if err := sendingTime.UnmarshalBinary(msg.Data); err != nil {
		t.logger.Warn("malformed heartbeat", "err", err)
		return
	}

	t.logger.Debug(
		"received heartbeat",
		"networkLatency", currentTime.Sub(sendingTime),
		"currentTime", currentTime,
		"sendingTime", sendingTime,
	)
}
