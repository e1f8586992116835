package transport

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/utils"
)

func newVNetFactory(t *testing.T, router *vnet.Router, ip string) *PionFactory {
	t.Helper()

	net, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
	if err != nil {
		t.Fatalf("creating vnet interface: %v", err)
	}
	if err := router.AddNet(net); err != nil {
		t.Fatalf("adding vnet interface to router: %v", err)
	}

	codecs, err := utils.GetUserAuthorizedCodecs([]string{"CodecPCMU8000Mono", "CodecVP8"})
	if err != nil {
		t.Fatal(err)
	}
	factory, err := NewPionFactory(PionFactoryOptions{
		Codecs: codecs,
		Net:    net,
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("NewPionFactory: %v", err)
	}
	return factory
}

func TestNewPionFactory_RequiresCodecs(t *testing.T) {
	if _, err := NewPionFactory(PionFactoryOptions{Logger: testLogger()}); err == nil {
		t.Error("expected error without codecs")
	}
}

func TestPionTransport_OfferCarriesReceiveSections(t *testing.T) {
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "1.2.3.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatal(err)
	}
	factory := newVNetFactory(t, router, "1.2.3.4")

	tr, err := factory.NewTransport(context.Background(), "peer", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	microphone, err := webrtc.NewTrackLocalStaticSample(utils.CodecMap["CodecPCMU8000Mono"], "audio", "local")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.AddTrack(microphone); err != nil {
		t.Fatal(err)
	}

	offer, err := tr.CreateOffer(context.Background())
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if got := strings.Count(offer.SDP, "m=audio"); got != 1 {
		t.Errorf("offer has %d audio sections, want 1", got)
	}
	if got := strings.Count(offer.SDP, "m=video"); got != 2 {
		t.Errorf("offer has %d video sections, want 2", got)
	}
	if !strings.Contains(offer.SDP, "m=application") {
		t.Error("offer has no data channel section for the heartbeat")
	}
	if got := len(tr.Senders()); got != 1 {
		t.Errorf("Senders = %d, want 1", got)
	}
}

func TestRemoteSendingTrackIDs(t *testing.T) {
	description := &webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP: strings.Join([]string{
			"v=0",
			"o=- 0 0 IN IP4 127.0.0.1",
			"s=-",
			"t=0 0",
			"m=video 9 UDP/TLS/RTP/SAVPF 96",
			"c=IN IP4 0.0.0.0",
			"a=mid:0",
			"a=sendonly",
			"a=msid:remote camera",
			"m=video 9 UDP/TLS/RTP/SAVPF 96",
			"c=IN IP4 0.0.0.0",
			"a=mid:1",
			"a=inactive",
			"a=msid:remote screen",
			"m=video 9 UDP/TLS/RTP/SAVPF 96",
			"c=IN IP4 0.0.0.0",
			"a=mid:2",
			"a=recvonly",
			"m=audio 9 UDP/TLS/RTP/SAVPF 0",
			"c=IN IP4 0.0.0.0",
			"a=mid:3",
			"a=sendrecv",
			"a=msid:remote microphone",
			"",
		}, "\r\n"),
	}

	got, err := remoteSendingTrackIDs(description)
	if err != nil {
		t.Fatalf("remoteSendingTrackIDs: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got = %v, want camera and microphone", got)
	}
	for _, id := range []string{"camera", "microphone"} {
		if _, ok := got[id]; !ok {
			t.Errorf("got = %v, want %s", got, id)
		}
	}
}

func TestPionTransport_PairConnectsOverVNet(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "1.2.3.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatal(err)
	}
	offeringFactory := newVNetFactory(t, router, "1.2.3.4")
	answeringFactory := newVNetFactory(t, router, "1.2.3.5")
	if err := router.Start(); err != nil {
		t.Fatal(err)
	}
	defer router.Stop()

	offering, err := offeringFactory.NewTransport(ctx, "answering", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer offering.Close()
	answering, err := answeringFactory.NewTransport(ctx, "offering", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer answering.Close()

	offeringCandidates := make(chan webrtc.ICECandidateInit, 16)
	answeringCandidates := make(chan webrtc.ICECandidateInit, 16)
	offering.OnICECandidate(func(c webrtc.ICECandidateInit) { offeringCandidates <- c })
	answering.OnICECandidate(func(c webrtc.ICECandidateInit) { answeringCandidates <- c })

	offeringConnected := make(chan struct{})
	answeringConnected := make(chan struct{})
	watchConnected := func(tr PeerTransport, connected chan struct{}) {
		var once sync.Once
		tr.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
			if s == webrtc.PeerConnectionStateConnected {
				once.Do(func() { close(connected) })
			}
		})
	}
	watchConnected(offering, offeringConnected)
	watchConnected(answering, answeringConnected)

	offer, err := offering.CreateOffer(ctx)
	mustSucceed(t, err)
	mustSucceed(t, offering.SetLocalDescription(ctx, offer))
	mustSucceed(t, answering.SetRemoteDescription(ctx, offer))
	answer, err := answering.CreateAnswer(ctx)
	mustSucceed(t, err)
	mustSucceed(t, answering.SetLocalDescription(ctx, answer))
	mustSucceed(t, offering.SetRemoteDescription(ctx, answer))

	forward := func(from chan webrtc.ICECandidateInit, to PeerTransport) {
		for {
			select {
			case <-ctx.Done():
				return
			case c := <-from:
				// a lost candidate only slows the pair down
				_ = to.AddICECandidate(ctx, c)
			}
		}
	}
	go forward(offeringCandidates, answering)
	go forward(answeringCandidates, offering)

	for _, connected := range []chan struct{}{offeringConnected, answeringConnected} {
		select {
		case <-connected:
		case <-ctx.Done():
			t.Fatalf("pair did not connect: offering %v, answering %v",
				offering.ConnectionState(), answering.ConnectionState())
		}
	}

	if got := offering.SignalingState(); got != webrtc.SignalingStateStable {
		t.Errorf("offering signaling state = %v, want stable", got)
	}
}
