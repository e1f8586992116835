package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/clock"
	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/connstate"
	internalsignalling "github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/signalling"
	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/transport"
	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/pkg/signalling"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

const testRoom signalling.RoomID = "room"

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// waitFor polls condition until it holds.
func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) count(match func(Event) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, event := range r.events {
		if match(event) {
			n++
		}
	}
	return n
}

func (r *eventRecorder) matching(match func(Event) bool) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var events []Event
	for _, event := range r.events {
		if match(event) {
			events = append(events, event)
		}
	}
	return events
}

func entered(peerID signalling.ParticipantID, state connstate.State) func(Event) bool {
	return func(e Event) bool {
		return e.Type == EventStateChanged && e.PeerID == peerID && e.NewState == state
	}
}

func removed(peerID signalling.ParticipantID) func(Event) bool {
	return func(e Event) bool {
		return e.Type == EventPeerRemoved && e.PeerID == peerID
	}
}

// --------------------------------------------------------------------------------

// testMesh is a hub, an in-process bus and a simulated network shared by
// the clients of a test. Participant ids are p1, p2, ... in connect order.
type testMesh struct {
	hub     *internalsignalling.Hub
	bus     *internalsignalling.MemoryBus
	network *transport.SimulatedNetwork
}

func newTestMesh(t *testing.T, networkOptions transport.SimulatedNetworkOptions) *testMesh {
	t.Helper()
	var next atomic.Int64
	hub := internalsignalling.NewHub(internalsignalling.HubOptions{
		NewID: func() signalling.ParticipantID {
			return signalling.ParticipantID(fmt.Sprintf("p%d", next.Add(1)))
		},
		Logger: testLogger(),
	})
	networkOptions.Logger = testLogger()
	return &testMesh{
		hub:     hub,
		bus:     internalsignalling.NewMemoryBus(hub, testLogger()),
		network: transport.NewSimulatedNetwork(networkOptions),
	}
}

type testClient struct {
	manager *Manager
	channel *internalsignalling.MemoryChannel
	clock   *clock.FakeClock
	events  *eventRecorder
}

// connect creates a client with its own fake clock. It is not in a room
// until join.
func (mesh *testMesh) connect(t *testing.T, options Options) *testClient {
	t.Helper()
	channel := mesh.bus.Connect()
	client := &testClient{
		channel: channel,
		clock:   clock.Fake(epoch),
		events:  &eventRecorder{},
	}
	options.Clock = client.clock
	options.OnEvent = client.events.record
	options.Logger = testLogger()
	client.manager = New(channel, mesh.network.Factory(channel.ID()), options)

	t.Cleanup(func() {
		client.manager.Close()
		channel.Close()
	})
	return client
}

func (c *testClient) id() signalling.ParticipantID {
	return c.channel.ID()
}

func (c *testClient) join(t *testing.T) {
	t.Helper()
	if err := c.manager.Join(context.Background(), testRoom, string(c.id())); err != nil {
		t.Fatalf("Join: %v", err)
	}
	waitFor(t, "room joined", func() bool { return c.manager.Self() == c.id() })
}

func (c *testClient) state(peerID signalling.ParticipantID) (connstate.State, bool) {
	info, ok := c.manager.Peer(peerID)
	return info.State, ok
}

func (c *testClient) connectedTo(peerID signalling.ParticipantID) bool {
	state, ok := c.state(peerID)
	return ok && state == connstate.Connected
}

func waitConnected(t *testing.T, a, b *testClient) {
	t.Helper()
	waitFor(t, fmt.Sprintf("%s and %s connected", a.id(), b.id()), func() bool {
		return a.connectedTo(b.id()) && b.connectedTo(a.id())
	})
}

// connectedPair joins two clients, the second offering to the first, and
// waits for them to connect.
func connectedPair(t *testing.T, mesh *testMesh, options Options) (*testClient, *testClient) {
	t.Helper()
	a := mesh.connect(t, options)
	a.join(t)
	b := mesh.connect(t, options)
	b.join(t)
	waitConnected(t, a, b)
	return a, b
}

// --------------------------------------------------------------------------------

// fakeChannel records what the manager sends and hands deliveries to its
// handlers on the calling goroutine.
type fakeChannel struct {
	mu       sync.Mutex
	handlers map[string][]func(json.RawMessage)
	sent     []fakeSend
}

type fakeSend struct {
	event   string
	payload any
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string][]func(json.RawMessage))}
}

func (c *fakeChannel) Send(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, fakeSend{event: event, payload: payload})
	return nil
}

func (c *fakeChannel) On(event string, handler func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], handler)
}

func (c *fakeChannel) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshalling %s: %v", event, err)
	}
	c.mu.Lock()
	handlers := slices.Clone(c.handlers[event])
	c.mu.Unlock()
	for _, handler := range handlers {
		handler(raw)
	}
}

func (c *fakeChannel) count(event string) int {
	return len(c.messages(event))
}

func (c *fakeChannel) messages(event string) []signalling.SignalMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var messages []signalling.SignalMessage
	for _, send := range c.sent {
		if send.event != event {
			continue
		}
		if message, ok := send.payload.(signalling.SignalMessage); ok {
			messages = append(messages, message)
		}
	}
	return messages
}

// newFakeClient is a manager with id p1 on a fake channel, already in a
// room with the given participants.
func newFakeClient(t *testing.T, network *transport.SimulatedNetwork, others ...signalling.ParticipantID) (*Manager, *fakeChannel) {
	t.Helper()
	return newFakeClientWithOptions(t, network, Options{}, others...)
}

func newFakeClientWithOptions(
	t *testing.T,
	network *transport.SimulatedNetwork,
	options Options,
	others ...signalling.ParticipantID,
) (*Manager, *fakeChannel) {
	t.Helper()
	if options.Clock == nil {
		options.Clock = clock.Fake(epoch)
	}
	if options.Logger == nil {
		options.Logger = testLogger()
	}
	channel := newFakeChannel()
	manager := New(channel, network.Factory("p1"), options)
	t.Cleanup(manager.Close)

	if err := manager.Join(context.Background(), testRoom, "p1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	participants := []signalling.Participant{{ID: "p1", JoinedAt: epoch}}
	for i, id := range others {
		participants = append(participants, signalling.Participant{ID: id, JoinedAt: epoch.Add(time.Duration(i+1) * time.Second)})
	}
	channel.deliver(t, signalling.EventRoomJoined, signalling.RoomJoined{
		You:          "p1",
		HostID:       "p1",
		Participants: participants,
	})
	return manager, channel
}

// --------------------------------------------------------------------------------

func TestManager_NewcomerOffers(t *testing.T) {
	mesh := newTestMesh(t, transport.SimulatedNetworkOptions{})
	a, b := connectedPair(t, mesh, Options{})

	if got := b.channel.Sent(signalling.EventOffer); got != 1 {
		t.Errorf("newcomer sent %d offers, want 1", got)
	}
	if got := a.channel.Sent(signalling.EventAnswer); got != 1 {
		t.Errorf("existing participant sent %d answers, want 1", got)
	}
	if got := a.channel.Sent(signalling.EventOffer); got != 0 {
		t.Errorf("existing participant sent %d offers, want 0", got)
	}
	if got := b.channel.Sent(signalling.EventAnswer); got != 0 {
		t.Errorf("newcomer sent %d answers, want 0", got)
	}

	if a.events.count(func(e Event) bool { return e.Type == EventPeerConnected && e.PeerID == b.id() }) != 1 {
		t.Error("missing peer-connected event")
	}
	if got := a.manager.Roster().Participants(); len(got) != 1 || got[0].ID != b.id() {
		t.Errorf("roster = %+v", got)
	}
}

func TestManager_ThreeWayMesh(t *testing.T) {
	mesh := newTestMesh(t, transport.SimulatedNetworkOptions{})
	clients := make([]*testClient, 3)
	for i := range clients {
		clients[i] = mesh.connect(t, Options{})
		clients[i].join(t)
	}

	for i, a := range clients {
		for _, b := range clients[i+1:] {
			waitConnected(t, a, b)
		}
	}

	offers, answers := 0, 0
	for _, c := range clients {
		offers += c.channel.Sent(signalling.EventOffer)
		answers += c.channel.Sent(signalling.EventAnswer)
		if got := len(c.manager.Peers()); got != 2 {
			t.Errorf("%s holds %d sessions, want 2", c.id(), got)
		}
	}
	if offers != 3 || answers != 3 {
		t.Errorf("offers = %d, answers = %d, want 3 each", offers, answers)
	}
	if got := mesh.network.TransportsCreated(); got != 6 {
		t.Errorf("transports created = %d, want 6", got)
	}
}

func TestManager_ConcurrentConnectKeepsOneSession(t *testing.T) {
	mesh := newTestMesh(t, transport.SimulatedNetworkOptions{})
	a, b := connectedPair(t, mesh, Options{})
	offersBefore := a.channel.Sent(signalling.EventOffer)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- a.manager.Connect(context.Background(), b.id(), true)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Connect: %v", err)
		}
	}

	if got := mesh.network.TransportsCreated(); got != 2 {
		t.Errorf("transports created = %d, want 2", got)
	}
	if got := a.manager.Peers(); !slices.Equal(got, []signalling.ParticipantID{b.id()}) {
		t.Errorf("Peers = %v", got)
	}
	if got := a.channel.Sent(signalling.EventOffer); got != offersBefore {
		t.Errorf("healthy session was offered again: %d offers, had %d", got, offersBefore)
	}
}

func TestManager_SessionMetrics(t *testing.T) {
	mesh := newTestMesh(t, transport.SimulatedNetworkOptions{})
	registry := prometheus.NewRegistry()
	a := mesh.connect(t, Options{Registerer: registry})
	a.join(t)
	b := mesh.connect(t, Options{})
	b.join(t)
	waitConnected(t, a, b)

	if got := testutil.ToFloat64(a.manager.metrics.sessions); got != 1 {
		t.Errorf("sessions gauge = %v, want 1", got)
	}
	if got, err := testutil.GatherAndCount(registry, "roundmesh_peer_sessions"); err != nil || got != 1 {
		t.Errorf("GatherAndCount = %d, %v", got, err)
	}
}

func TestManager_Pin(t *testing.T) {
	mesh := newTestMesh(t, transport.SimulatedNetworkOptions{})
	a, b := connectedPair(t, mesh, Options{})

	if a.manager.Pin("ghost") {
		t.Error("pinned an unknown participant")
	}
	if !a.manager.Pin(b.id()) {
		t.Fatal("Pin failed for a room member")
	}
	if got := a.manager.Roster().Pinned(); got != b.id() {
		t.Errorf("Pinned = %v, want %v", got, b.id())
	}

	if err := b.manager.Leave(context.Background()); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	waitFor(t, "pin falls back to self", func() bool {
		return a.events.count(func(e Event) bool {
			return e.Type == EventPinnedChanged && e.Pinned == a.id()
		}) == 1
	})
}

func TestManager_JoinAfterClose(t *testing.T) {
	mesh := newTestMesh(t, transport.SimulatedNetworkOptions{})
	a := mesh.connect(t, Options{})
	a.manager.Close()

	if err := a.manager.Join(context.Background(), testRoom, "late"); !errors.Is(err, ErrClosed) {
		t.Errorf("Join after Close = %v, want ErrClosed", err)
	}
}
