package connectivity

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"tetherd/internal/bus"
)

func TestClassify(t *testing.T) {
	ms := time.Millisecond
	cases := []struct {
		name     string
		online   bool
		downlink float64
		rtt      time.Duration
		want     Quality
	}{
		{"offline wins regardless of hints", false, 10.0, 10 * ms, QualityOffline},
		{"excellent", true, 2.0, 100 * ms, QualityExcellent},
		{"excellent boundary rtt too slow", true, 2.0, 150 * ms, QualityGood},
		{"good", true, 1.0, 250 * ms, QualityGood},
		{"fast link slow rtt degrades", true, 2.0, 400 * ms, QualityFair},
		{"fair", true, 0.5, 500 * ms, QualityFair},
		{"poor slow link", true, 0.1, 100 * ms, QualityPoor},
		{"poor slow rtt", true, 0.5, 700 * ms, QualityPoor},
		{"downlink boundary not excellent", true, 1.5, 100 * ms, QualityGood},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.online, tc.downlink, tc.rtt)
			if got != tc.want {
				t.Errorf("Classify(%v, %v, %v) = %v, want %v",
					tc.online, tc.downlink, tc.rtt, got, tc.want)
			}
			// Pure function: same inputs, same bucket.
			if again := Classify(tc.online, tc.downlink, tc.rtt); again != got {
				t.Errorf("classification not stable: %v then %v", got, again)
			}
		})
	}
}

func TestOfflineIffNotOnline(t *testing.T) {
	m := NewMonitor(10, nil)

	m.Observe(Signal{Online: false})
	if s := m.State(); s.Online || s.Quality != QualityOffline {
		t.Errorf("offline invariant broken: %+v", s)
	}

	m.Observe(Signal{Online: true, Downlink: 0.1, RTT: 900 * time.Millisecond})
	if s := m.State(); !s.Online || s.Quality == QualityOffline {
		t.Errorf("online state classified offline: %+v", s)
	}
}

func TestHistoryBoundedAndChronological(t *testing.T) {
	m := NewMonitor(5, nil)

	for i := 0; i < 20; i++ {
		m.Observe(Signal{Online: i%2 == 0})
	}

	h := m.History()
	if len(h) != 5 {
		t.Fatalf("history length = %d, want 5", len(h))
	}
	for i := 1; i < len(h); i++ {
		if h[i].At.Before(h[i-1].At) {
			t.Error("history not in chronological order")
		}
	}
	// Monitor starts online; after 20 alternating signals ending with
	// i=19 (offline), the newest entry must be offline.
	if h[len(h)-1].Online {
		t.Error("newest entry should be offline")
	}
}

func TestHistoryAppendsOnEveryRawSignal(t *testing.T) {
	m := NewMonitor(10, nil)

	// Three signals with the same online flag: no flips, but three
	// history entries.
	for i := 0; i < 3; i++ {
		m.Observe(Signal{Online: true, Downlink: 1.0})
	}

	if got := len(m.History()); got != 3 {
		t.Errorf("history length = %d, want 3", got)
	}
}

func TestHandlerFiresOncePerFlip(t *testing.T) {
	m := NewMonitor(10, nil)

	var calls atomic.Int64
	m.OnTransition(func(Transition) { calls.Add(1) })

	m.Observe(Signal{Online: true})  // no flip: monitor starts online
	m.Observe(Signal{Online: true})  // no flip
	m.Observe(Signal{Online: false}) // flip 1
	m.Observe(Signal{Online: false}) // no flip
	m.Observe(Signal{Online: true})  // flip 2

	if got := calls.Load(); got != 2 {
		t.Errorf("handler fired %d times, want 2", got)
	}
}

func TestFlipPublishedToBus(t *testing.T) {
	events := bus.New(4)
	defer events.Close()
	ch := events.Subscribe(bus.TopicConnectivity)

	m := NewMonitor(10, events)
	m.Observe(Signal{Online: false})

	select {
	case ev := <-ch:
		tr, ok := ev.Data.(Transition)
		if !ok {
			t.Fatalf("unexpected payload type %T", ev.Data)
		}
		if tr.Online {
			t.Error("expected offline transition")
		}
	case <-time.After(time.Second):
		t.Fatal("transition not published")
	}
}

func TestZeroHintsKeepPreviousEstimates(t *testing.T) {
	m := NewMonitor(10, nil)

	m.Observe(Signal{Online: true, Downlink: 2.0, RTT: 100 * time.Millisecond})
	if s := m.State(); s.Quality != QualityExcellent {
		t.Fatalf("setup state = %v", s.Quality)
	}

	// A bare flag signal must not clobber the estimates.
	m.Observe(Signal{Online: true})
	if s := m.State(); s.Quality != QualityExcellent {
		t.Errorf("quality degraded by hint-free signal: %v", s.Quality)
	}
}

func TestRunConsumesSource(t *testing.T) {
	m := NewMonitor(10, nil)
	src := NewManualSource()

	done := make(chan struct{})
	go func() {
		m.Run(context.Background(), src)
		close(done)
	}()

	src.Emit(Signal{Online: false})
	src.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after source close")
	}

	if s := m.State(); s.Online {
		t.Error("signal from source not observed")
	}
}
