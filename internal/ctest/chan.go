package ctest

import (
	"testing"
	"time"
)

// ScaleDuration is how long the *Soon helpers wait
// before failing the test.
const ScaleDuration = 500 * time.Millisecond

// ReceiveSoon returns the next value from ch,
// failing the test if nothing arrives within ScaleDuration.
func ReceiveSoon[T any](t testing.TB, ch <-chan T) T {
	t.Helper()

	timer := time.NewTimer(ScaleDuration)
	defer timer.Stop()

	select {
	case v := <-ch:
		return v
	case <-timer.C:
		t.Fatalf("did not receive value within %s", ScaleDuration)
	}

	var zero T
	return zero
}

// IsSending fails the test if a receive from ch would block.
// Intended for closed or already-buffered channels.
func IsSending[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	select {
	case <-ch:
	default:
		t.Fatal("channel was not sending")
	}
}

// NotSending fails the test if ch is ready to receive from.
func NotSending[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	select {
	case <-ch:
		t.Fatal("channel was sending")
	default:
	}
}
