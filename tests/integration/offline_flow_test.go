//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// TestOfflineEnqueueThenAutoFlush exercises the core resilience loop:
// actions queued while offline are delivered automatically, in order,
// when connectivity returns.
func TestOfflineEnqueueThenAutoFlush(t *testing.T) {
	env := NewTestEnv(t)

	env.GoOffline()
	if !WaitFor(t, time.Second, func() bool { return !env.Monitor.State().Online }) {
		t.Fatal("monitor did not go offline")
	}
	env.Sink.SetReachable(false)

	payloads := []string{
		`{"op":"create","doc":"a"}`,
		`{"op":"update","doc":"a"}`,
		`{"op":"delete","doc":"b"}`,
	}
	for _, p := range payloads {
		env.Queue.Enqueue(json.RawMessage(p))
	}
	if got := env.Queue.PendingCount(); got != 3 {
		t.Fatalf("pending = %d, want 3", got)
	}

	env.Sink.SetReachable(true)
	env.GoOnline()

	if !WaitFor(t, 3*time.Second, func() bool { return env.Queue.PendingCount() == 0 }) {
		t.Fatalf("queue did not drain, %d pending", env.Queue.PendingCount())
	}

	got := env.Sink.Delivered()
	if len(got) != 3 {
		t.Fatalf("delivered %d payloads, want 3", len(got))
	}
	for i, want := range payloads {
		if got[i] != want {
			t.Errorf("delivered[%d] = %s, want %s", i, got[i], want)
		}
	}
}

// TestFlapDoesNotDuplicateDelivery flips connectivity several times
// while the endpoint stays reachable and verifies each action is
// delivered exactly once.
func TestFlapDoesNotDuplicateDelivery(t *testing.T) {
	env := NewTestEnv(t)

	env.GoOffline()
	env.Queue.Enqueue(json.RawMessage(`{"op":"save"}`))

	for i := 0; i < 3; i++ {
		env.GoOnline()
		env.GoOffline()
	}
	env.GoOnline()

	if !WaitFor(t, 3*time.Second, func() bool { return env.Queue.PendingCount() == 0 }) {
		t.Fatal("queue did not drain after flapping")
	}
	// Give any trailing auto-flush a moment to run.
	time.Sleep(100 * time.Millisecond)

	if got := env.Sink.Delivered(); len(got) != 1 {
		t.Fatalf("delivered %d payloads, want 1", len(got))
	}
}

// TestFailedDeliveryStaysQueued verifies that an unreachable endpoint
// leaves actions queued across a manual flush and that a later flush
// drains them.
func TestFailedDeliveryStaysQueued(t *testing.T) {
	env := NewTestEnv(t)

	env.Sink.SetReachable(false)
	env.Queue.Enqueue(json.RawMessage(`{"op":"sync"}`))

	res, err := env.Queue.Flush(context.Background(), nil)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if res.Delivered != 0 || res.Remaining != 1 {
		t.Fatalf("flush = %+v, want 0 delivered, 1 remaining", res)
	}

	env.Sink.SetReachable(true)
	res, err = env.Queue.Flush(context.Background(), nil)
	if err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if res.Delivered != 1 || res.Remaining != 0 {
		t.Fatalf("second flush = %+v, want 1 delivered, 0 remaining", res)
	}
}
