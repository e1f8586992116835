package signalling

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/pkg/signalling"
)

func candidateInit(candidate string) *webrtc.ICECandidateInit {
	return &webrtc.ICECandidateInit{Candidate: candidate}
}

func joinRoom(t *testing.T, channel Channel, name string) {
	t.Helper()
	err := channel.Send(context.Background(), signalling.EventJoinRoom, signalling.JoinRoomRequest{RoomID: "room", DisplayName: name})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
}

func collect(channel Channel, event string) chan json.RawMessage {
	received := make(chan json.RawMessage, 64)
	channel.On(event, func(payload json.RawMessage) { received <- payload })
	return received
}

func next(t *testing.T, ch chan json.RawMessage, into any) {
	t.Helper()
	select {
	case payload := <-ch:
		if err := json.Unmarshal(payload, into); err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestMemoryBus_PerPairOrder(t *testing.T) {
	bus := NewMemoryBus(newTestHub(), testLogger())
	sender := bus.Connect()
	receiver := bus.Connect()
	defer sender.Close()
	defer receiver.Close()

	candidates := collect(receiver, signalling.EventICECandidate)
	joinRoom(t, sender, "alice")
	joinRoom(t, receiver, "bob")

	for i := range 20 {
		err := sender.Send(context.Background(), signalling.EventICECandidate, signalling.SignalMessage{
			TargetID:  receiver.ID(),
			Candidate: candidateInit(fmt.Sprintf("candidate:%d", i)),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	for i := range 20 {
		var message signalling.SignalMessage
		next(t, candidates, &message)
		if want := fmt.Sprintf("candidate:%d", i); message.Candidate.Candidate != want {
			t.Fatalf("delivery %d = %q, want %q", i, message.Candidate.Candidate, want)
		}
		if message.FromID != sender.ID() {
			t.Fatalf("FromID = %q, want %q", message.FromID, sender.ID())
		}
	}
	if got := sender.Sent(signalling.EventICECandidate); got != 20 {
		t.Errorf("Sent = %d, want 20", got)
	}
}

func TestMemoryChannel_HoldAndRelease(t *testing.T) {
	bus := NewMemoryBus(newTestHub(), testLogger())
	first := bus.Connect()
	second := bus.Connect()
	defer first.Close()
	defer second.Close()

	joined := collect(first, signalling.EventUserJoined)
	joinRoom(t, first, "alice")

	first.Hold()
	joinRoom(t, second, "bob")

	select {
	case <-joined:
		t.Fatal("delivered while held")
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()
	var userJoined signalling.UserJoined
	next(t, joined, &userJoined)
	if userJoined.UserID != second.ID() {
		t.Errorf("user-joined = %+v", userJoined)
	}
}

func TestMemoryChannel_CloseLeavesRoom(t *testing.T) {
	bus := NewMemoryBus(newTestHub(), testLogger())
	first := bus.Connect()
	second := bus.Connect()
	defer second.Close()

	left := collect(second, signalling.EventUserLeft)
	joinRoom(t, first, "alice")
	joinRoom(t, second, "bob")

	first.Close()
	var userLeft signalling.UserLeft
	next(t, left, &userLeft)
	if userLeft.UserID != first.ID() {
		t.Errorf("user-left = %+v", userLeft)
	}
	if err := first.Send(context.Background(), signalling.EventLeaveRoom, signalling.LeaveRoomRequest{}); err != ErrChannelClosed {
		t.Errorf("Send after Close error = %v, want ErrChannelClosed", err)
	}
}
