package testutil

import (
	"testing"
	"time"
)

// Eventually polls cond until it holds or within elapses.
func Eventually(t *testing.T, within time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %v: %s", within, msg)
	}
}

// Recv waits for a value on ch or fails the test.
func Recv[T any](t *testing.T, ch <-chan T, within time.Duration) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(within):
		var zero T
		t.Fatalf("nothing received within %v", within)
		return zero
	}
}

// NoRecv fails the test if ch yields a value within the window.
func NoRecv[T any](t *testing.T, ch <-chan T, within time.Duration) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value received: %+v", v)
	case <-time.After(within):
	}
}
