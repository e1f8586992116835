package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/connstate"
	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/transport"
	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/pkg/signalling"
)

const testGracePeriod = 10 * time.Second

func TestGrace_FailureWhileDisconnectedRemovesOnce(t *testing.T) {
	mesh := newTestMesh(t, transport.SimulatedNetworkOptions{})
	a, b := connectedPair(t, mesh, Options{GracePeriod: testGracePeriod, RetryBaseDelay: time.Hour})

	mesh.network.Disconnect(a.id(), b.id())
	waitFor(t, "disconnected", func() bool { return a.events.count(entered(b.id(), connstate.Disconnected)) == 1 })

	mesh.network.Fail(a.id(), b.id())
	waitFor(t, "failed", func() bool { return a.events.count(entered(b.id(), connstate.Failed)) == 1 })
	a.clock.Advance(testGracePeriod / 2)
	if got := a.events.count(removed(b.id())); got != 0 {
		t.Fatalf("removed before the grace period ended: %d", got)
	}

	a.clock.Advance(testGracePeriod)
	waitFor(t, "removal", func() bool { return a.events.count(removed(b.id())) == 1 })

	a.clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	events := a.events.matching(removed(b.id()))
	if len(events) != 1 {
		t.Fatalf("got %d removals, want 1", len(events))
	}
	if events[0].Reason != removalGraceExpired {
		t.Errorf("removal reason = %q", events[0].Reason)
	}
	if len(a.manager.Peers()) != 0 {
		t.Errorf("session kept after removal: %v", a.manager.Peers())
	}
	if _, known := a.manager.Roster().Get(b.id()); known {
		t.Error("removed peer still in roster")
	}
	if mesh.network.Transport(a.id(), b.id()) != nil {
		t.Error("transport of removed peer still open")
	}
}

func TestGrace_RecoveryCancelsRemoval(t *testing.T) {
	mesh := newTestMesh(t, transport.SimulatedNetworkOptions{})
	a, b := connectedPair(t, mesh, Options{GracePeriod: testGracePeriod})

	mesh.network.Disconnect(a.id(), b.id())
	waitFor(t, "disconnected", func() bool { return a.events.count(entered(b.id(), connstate.Disconnected)) == 1 })

	mesh.network.Recover(a.id(), b.id())
	waitFor(t, "reconnected", func() bool { return a.events.count(entered(b.id(), connstate.Connected)) == 2 })

	a.clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	if got := a.events.count(removed(b.id())); got != 0 {
		t.Errorf("recovered peer removed %d times", got)
	}
	if !a.connectedTo(b.id()) {
		t.Error("recovered peer not connected")
	}
	if got := a.clock.Pending(); got != 0 {
		t.Errorf("%d timers still pending after recovery", got)
	}
}

func TestRetry_FailureAfterDisconnectReconnects(t *testing.T) {
	mesh := newTestMesh(t, transport.SimulatedNetworkOptions{})
	a, b := connectedPair(t, mesh, Options{GracePeriod: testGracePeriod, RetryBaseDelay: time.Second})
	created := mesh.network.TransportsCreated()

	mesh.network.Disconnect(a.id(), b.id())
	waitFor(t, "disconnected", func() bool { return a.events.count(entered(b.id(), connstate.Disconnected)) == 1 })

	mesh.network.Fail(a.id(), b.id())
	waitFor(t, "failed", func() bool { return a.events.count(entered(b.id(), connstate.Failed)) == 1 })
	if got, _ := a.state(b.id()); got != connstate.Failed {
		t.Fatalf("state = %v, want %v", got, connstate.Failed)
	}

	a.clock.Advance(time.Second)
	waitFor(t, "reconnected", func() bool { return a.events.count(entered(b.id(), connstate.Connected)) == 2 })
	waitConnected(t, a, b)
	if got := mesh.network.TransportsCreated(); got <= created {
		t.Errorf("transports created = %d, want more than %d", got, created)
	}

	a.clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	if got := a.events.count(removed(b.id())); got != 0 {
		t.Errorf("reconnected peer removed %d times", got)
	}
}

func TestRetry_ExhaustionRemovesPeer(t *testing.T) {
	mesh := newTestMesh(t, transport.SimulatedNetworkOptions{})
	options := Options{
		GracePeriod:      time.Hour,
		RetryBaseDelay:   time.Second,
		MaxRetryAttempts: 2,
	}
	a, b := connectedPair(t, mesh, options)
	failures := func() int { return a.events.count(entered(b.id(), connstate.Failed)) }

	mesh.network.Partition(a.id(), b.id())
	waitFor(t, "first failure", func() bool { return failures() == 1 })

	a.clock.Advance(time.Second)
	waitFor(t, "second failure", func() bool { return failures() == 2 })
	if got := a.channel.Sent(signalling.EventOffer); got != 1 {
		t.Errorf("retry sent %d offers, want 1", got)
	}

	a.clock.Advance(2 * time.Second)
	waitFor(t, "removal", func() bool { return a.events.count(removed(b.id())) == 1 })

	events := a.events.matching(removed(b.id()))
	if events[0].Reason != removalRetriesExhausted {
		t.Errorf("removal reason = %q, want %q", events[0].Reason, removalRetriesExhausted)
	}
	if len(a.manager.Peers()) != 0 {
		t.Errorf("sessions after exhaustion: %v", a.manager.Peers())
	}
}

func TestLeave_TearsDownBothSides(t *testing.T) {
	mesh := newTestMesh(t, transport.SimulatedNetworkOptions{})
	a, b := connectedPair(t, mesh, Options{})

	if err := b.manager.Leave(context.Background()); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if got := b.manager.Peers(); len(got) != 0 {
		t.Errorf("sessions after Leave: %v", got)
	}
	if got := b.events.matching(removed(a.id())); len(got) != 1 || got[0].Reason != removalLeftRoom {
		t.Errorf("leaver removal events = %+v", got)
	}

	waitFor(t, "remote removal", func() bool { return a.events.count(removed(b.id())) == 1 })
	if got := a.events.matching(removed(b.id()))[0].Reason; got != removalLeft {
		t.Errorf("removal reason = %q, want %q", got, removalLeft)
	}
	if got := a.manager.Roster().Participants(); len(got) != 0 {
		t.Errorf("roster after peer left = %+v", got)
	}

	if err := b.manager.Leave(context.Background()); !errors.Is(err, ErrNotJoined) {
		t.Errorf("second Leave = %v, want ErrNotJoined", err)
	}
}

func TestRemovePeer_OnlyFirstCallCounts(t *testing.T) {
	mesh := newTestMesh(t, transport.SimulatedNetworkOptions{})
	a, b := connectedPair(t, mesh, Options{})

	a.manager.removePeer(b.id(), removalLeft)
	a.manager.removePeer(b.id(), removalGraceExpired)

	if got := a.events.matching(removed(b.id())); len(got) != 1 || got[0].Reason != removalLeft {
		t.Errorf("removal events = %+v", got)
	}
	if len(a.manager.Peers()) != 0 {
		t.Errorf("sessions after removal: %v", a.manager.Peers())
	}
	if mesh.network.Transport(a.id(), b.id()) != nil {
		t.Error("transport of removed peer still open")
	}
}
