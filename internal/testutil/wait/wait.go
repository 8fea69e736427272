// Package wait bounds every channel wait in tests so a hung goroutine fails
// the test instead of the run.
package wait

import (
	"fmt"
	"testing"
	"time"
)

// Receive returns the next value from ch or fails t after timeout.
func Receive[T any](t testing.TB, ch <-chan T, timeout time.Duration, what string, args ...any) T {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed while waiting for %s", fmt.Sprintf(what, args...))
		}
		return v
	case <-timer.C:
		t.Fatalf("timed out after %v waiting for %s", timeout, fmt.Sprintf(what, args...))
	}
	panic("unreachable")
}

// Never fails t if ch yields a value within d.
func Never[T any](t testing.TB, ch <-chan T, d time.Duration, what string, args ...any) {
	t.Helper()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case v, ok := <-ch:
		if ok {
			t.Fatalf("unexpected %s: %v", fmt.Sprintf(what, args...), v)
		}
		t.Fatalf("channel closed, expected no %s", fmt.Sprintf(what, args...))
	case <-timer.C:
	}
}

// Closed waits for ch to close or deliver.
func Closed(t testing.TB, ch <-chan struct{}, timeout time.Duration, what string, args ...any) {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
		t.Fatalf("timed out after %v waiting for %s", timeout, fmt.Sprintf(what, args...))
	}
}

// Eventually polls cond every few milliseconds until it holds or timeout.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, what string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v: %s", timeout, fmt.Sprintf(what, args...))
		}
		time.Sleep(5 * time.Millisecond)
	}
}
