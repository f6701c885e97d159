package bus

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPublishToChannelSubscriber(t *testing.T) {
	b := New(4)
	defer b.Close()

	ch := b.Subscribe(TopicConnectivity)
	b.Publish(TopicConnectivity, "online")

	select {
	case ev := <-ch:
		if ev.Topic != TopicConnectivity {
			t.Errorf("topic mismatch: %s", ev.Topic)
		}
		if ev.Data != "online" {
			t.Errorf("data mismatch: %v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishToHandler(t *testing.T) {
	b := New(4)
	defer b.Close()

	var calls atomic.Int64
	b.SubscribeFunc(TopicProxy, func(ev Event) {
		calls.Add(1)
	})

	b.Publish(TopicProxy, nil)
	b.Publish(TopicProxy, nil)

	if got := calls.Load(); got != 2 {
		t.Errorf("expected 2 handler calls, got %d", got)
	}
}

func TestTopicIsolation(t *testing.T) {
	b := New(4)
	defer b.Close()

	ch := b.Subscribe(TopicQueue)
	b.Publish(TopicConnectivity, "x")

	select {
	case ev := <-ch:
		t.Fatalf("unexpected cross-topic delivery: %v", ev)
	default:
	}
}

func TestPanickingHandlerDoesNotBlockPublish(t *testing.T) {
	b := New(4)
	defer b.Close()

	b.SubscribeFunc(TopicConnectivity, func(Event) {
		panic("bad handler")
	})

	var called atomic.Bool
	b.SubscribeFunc(TopicConnectivity, func(Event) {
		called.Store(true)
	})

	b.Publish(TopicConnectivity, nil)

	if !called.Load() {
		t.Error("second handler not invoked after first panicked")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New(1)
	defer b.Close()

	_ = b.Subscribe(TopicQueue)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(TopicQueue, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full subscriber")
	}
}
