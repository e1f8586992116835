package connstate

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type recorder struct {
	transitions []Transition
	retries     []int
	exhausted   []int
}

func newTestMachine(fake *clock.FakeClock, rec *recorder, maxAttempts int) *Machine {
	return New("peer-a", Config{
		BaseDelay:    100 * time.Millisecond,
		MaxAttempts:  maxAttempts,
		Clock:        fake,
		OnTransition: func(tr Transition) { rec.transitions = append(rec.transitions, tr) },
		OnRetry:      func(_ string, attempt int) { rec.retries = append(rec.retries, attempt) },
		OnExhausted:  func(_ string, attempts int) { rec.exhausted = append(rec.exhausted, attempts) },
		Logger:       slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
}

func TestMachine_ValidPath(t *testing.T) {
	rec := &recorder{}
	machine := newTestMachine(clock.Fake(epoch), rec, 3)

	steps := []State{Connecting, Connected, Reconnecting, Connected, Disconnected, Connecting, Connected}
	for _, step := range steps {
		if err := machine.Transition(step, "test"); err != nil {
			t.Fatalf("Transition(%v) error: %v", step, err)
		}
	}
	if got := machine.State(); got != Connected {
		t.Errorf("State = %v, want connected", got)
	}
	if len(rec.transitions) != len(steps) {
		t.Fatalf("got %d transition events, want %d", len(rec.transitions), len(steps))
	}
	first := rec.transitions[0]
	if first.PeerID != "peer-a" || first.From != Idle || first.To != Connecting || first.Reason != "test" {
		t.Errorf("first transition = %+v", first)
	}
}

func TestMachine_InvalidTransitionRejected(t *testing.T) {
	rec := &recorder{}
	machine := newTestMachine(clock.Fake(epoch), rec, 3)

	err := machine.Transition(Connected, "skip connecting")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("error = %v, want ErrInvalidTransition", err)
	}
	if got := machine.State(); got != Idle {
		t.Errorf("State = %v after rejected transition, want idle", got)
	}
	if len(rec.transitions) != 0 {
		t.Errorf("rejected transition emitted %d events", len(rec.transitions))
	}
}

func TestMachine_ExponentialBackoffAndExhaustion(t *testing.T) {
	fake := clock.Fake(epoch)
	rec := &recorder{}
	machine := newTestMachine(fake, rec, 3)

	if err := machine.Transition(Connecting, "start"); err != nil {
		t.Fatal(err)
	}

	wantDelays := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	for i, delay := range wantDelays {
		if err := machine.Transition(Failed, "transport failed"); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}

		fake.Advance(delay - time.Millisecond)
		if len(rec.retries) != i {
			t.Fatalf("attempt %d: retry fired early (%d retries)", i+1, len(rec.retries))
		}
		fake.Advance(time.Millisecond)
		if len(rec.retries) != i+1 || rec.retries[i] != i+1 {
			t.Fatalf("attempt %d: retries = %v", i+1, rec.retries)
		}

		if err := machine.Transition(Connecting, "retry"); err != nil {
			t.Fatal(err)
		}
	}

	if err := machine.Transition(Failed, "transport failed"); err != nil {
		t.Fatal(err)
	}
	if len(rec.exhausted) != 1 || rec.exhausted[0] != 3 {
		t.Errorf("exhausted = %v, want [3]", rec.exhausted)
	}
	if pending := fake.Pending(); pending != 0 {
		t.Errorf("Pending timers after exhaustion = %d, want 0", pending)
	}
}

func TestMachine_ConnectedResetsAttempts(t *testing.T) {
	fake := clock.Fake(epoch)
	rec := &recorder{}
	machine := newTestMachine(fake, rec, 2)

	machine.Transition(Connecting, "start")
	machine.Transition(Failed, "boom")
	fake.Advance(100 * time.Millisecond)
	machine.Transition(Connecting, "retry")
	machine.Transition(Connected, "ok")

	if got := machine.Attempt(); got != 0 {
		t.Fatalf("Attempt = %d after connected, want 0", got)
	}

	machine.Transition(Failed, "boom again")
	fake.Advance(99 * time.Millisecond)
	if len(rec.retries) != 1 {
		t.Fatalf("retry fired before base delay after reset: %v", rec.retries)
	}
	fake.Advance(time.Millisecond)
	if len(rec.retries) != 2 || rec.retries[1] != 1 {
		t.Errorf("retries = %v, want [1 1]", rec.retries)
	}
}

func TestMachine_RetryCancelledByLeavingFailed(t *testing.T) {
	fake := clock.Fake(epoch)
	rec := &recorder{}
	machine := newTestMachine(fake, rec, 3)

	machine.Transition(Connecting, "start")
	machine.Transition(Failed, "boom")
	machine.Transition(Idle, "torn down")
	fake.Advance(time.Second)

	if len(rec.retries) != 0 {
		t.Errorf("retry fired after leaving failed: %v", rec.retries)
	}
}

func TestMachine_Stop(t *testing.T) {
	fake := clock.Fake(epoch)
	rec := &recorder{}
	machine := newTestMachine(fake, rec, 3)

	machine.Transition(Connecting, "start")
	machine.Transition(Failed, "boom")
	machine.Stop()
	fake.Advance(time.Second)

	if len(rec.retries) != 0 {
		t.Errorf("retry fired after Stop: %v", rec.retries)
	}
	if err := machine.Transition(Connecting, "late"); !errors.Is(err, ErrStopped) {
		t.Errorf("Transition after Stop error = %v, want ErrStopped", err)
	}
}
