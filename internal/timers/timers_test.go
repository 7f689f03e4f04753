package timers_test

import (
	"testing"
	"time"

	"github.com/tutorly/livesync/internal/testutil"
	"github.com/tutorly/livesync/internal/timers"
)

func TestArenaScheduleFires(t *testing.T) {
	clock := testutil.NewFakeClock()
	a := timers.NewArena(clock)

	fired := 0
	a.Schedule("k", time.Second, func() { fired++ })
	if !a.Has("k") {
		t.Fatal("timer should be armed")
	}

	clock.Advance(999 * time.Millisecond)
	if fired != 0 {
		t.Fatal("fired early")
	}
	clock.Advance(time.Millisecond)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	if a.Has("k") {
		t.Error("fired timer should be removed from the arena")
	}
}

func TestArenaScheduleReplacesSameKey(t *testing.T) {
	clock := testutil.NewFakeClock()
	a := timers.NewArena(clock)

	var got []string
	a.Schedule("minor:COURSE_UPDATE", 5*time.Second, func() { got = append(got, "first") })
	a.Schedule("minor:COURSE_UPDATE", 5*time.Second, func() { got = append(got, "second") })
	a.Schedule("minor:COURSE_UPDATE", 5*time.Second, func() { got = append(got, "third") })

	if a.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", a.Len())
	}
	clock.Advance(10 * time.Second)
	if len(got) != 1 || got[0] != "third" {
		t.Errorf("fired = %v, want [third]", got)
	}
}

func TestArenaCancel(t *testing.T) {
	clock := testutil.NewFakeClock()
	a := timers.NewArena(clock)

	fired := false
	a.Schedule("k", time.Second, func() { fired = true })
	if !a.Cancel("k") {
		t.Fatal("Cancel should report an armed timer")
	}
	if a.Cancel("k") {
		t.Error("second Cancel should report nothing armed")
	}
	clock.Advance(time.Minute)
	if fired {
		t.Error("cancelled timer fired")
	}
}

func TestArenaCloseSweepsAndRefuses(t *testing.T) {
	clock := testutil.NewFakeClock()
	a := timers.NewArena(clock)

	fired := 0
	a.Schedule("a", time.Second, func() { fired++ })
	a.Schedule("b", 2*time.Second, func() { fired++ })

	if n := a.Close(); n != 2 {
		t.Errorf("Close() swept %d, want 2", n)
	}
	if a.Schedule("c", time.Second, func() { fired++ }) {
		t.Error("closed arena accepted a new timer")
	}
	clock.Advance(time.Minute)
	if fired != 0 {
		t.Errorf("fired = %d after Close, want 0", fired)
	}
	if clock.Pending() != 0 {
		t.Errorf("clock still has %d pending timers", clock.Pending())
	}
}

func TestArenaKeysSorted(t *testing.T) {
	a := timers.NewArena(testutil.NewFakeClock())
	a.Schedule("b", time.Second, func() {})
	a.Schedule("a", time.Second, func() {})
	keys := a.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("Keys() = %v, want [a b]", keys)
	}
}
