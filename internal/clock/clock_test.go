package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClock_AfterFuncFiresAtDeadline(t *testing.T) {
	clock := Fake(epoch)
	fired := 0
	clock.AfterFunc(100*time.Millisecond, func() { fired++ })

	clock.Advance(99 * time.Millisecond)
	if fired != 0 {
		t.Fatalf("fired = %d before deadline, want 0", fired)
	}

	clock.Advance(time.Millisecond)
	if fired != 1 {
		t.Fatalf("fired = %d at deadline, want 1", fired)
	}

	clock.Advance(time.Second)
	if fired != 1 {
		t.Errorf("fired = %d after deadline, want 1", fired)
	}
}

func TestFakeClock_StopPreventsCallback(t *testing.T) {
	clock := Fake(epoch)
	fired := false
	timer := clock.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("Stop on pending timer returned false")
	}
	if timer.Stop() {
		t.Error("second Stop returned true")
	}

	clock.Advance(2 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
	if pending := clock.Pending(); pending != 0 {
		t.Errorf("Pending = %d, want 0", pending)
	}
}

func TestFakeClock_ChainedCallbacksWithinWindow(t *testing.T) {
	clock := Fake(epoch)
	var order []string
	clock.AfterFunc(10*time.Millisecond, func() {
		order = append(order, "first")
		clock.AfterFunc(10*time.Millisecond, func() {
			order = append(order, "second")
		})
	})
	clock.AfterFunc(15*time.Millisecond, func() { order = append(order, "middle") })

	clock.Advance(50 * time.Millisecond)

	want := []string{"first", "middle", "second"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
	if got := clock.Now(); !got.Equal(epoch.Add(50 * time.Millisecond)) {
		t.Errorf("Now = %v, want %v", got, epoch.Add(50*time.Millisecond))
	}
}
