// Package connectivity observes raw platform online/offline signals and
// derives a stable link-quality classification.
//
// Signals are push-based: the platform (or the fallback prober) delivers
// them on its own schedule and the monitor never polls on the primary
// path. Every raw signal appends one entry to a bounded transition
// history; registered transition handlers fire exactly once per
// online/offline flip, never for no-op updates.
package connectivity

import (
	"context"
	"sync"
	"time"

	"tetherd/internal/bus"
)

// Quality is the derived link-quality bucket.
type Quality int

const (
	QualityOffline Quality = iota
	QualityPoor
	QualityFair
	QualityGood
	QualityExcellent
)

// String returns the quality name.
func (q Quality) String() string {
	switch q {
	case QualityOffline:
		return "offline"
	case QualityPoor:
		return "poor"
	case QualityFair:
		return "fair"
	case QualityGood:
		return "good"
	case QualityExcellent:
		return "excellent"
	default:
		return "unknown"
	}
}

// Classify derives the quality bucket from a raw online flag, an
// estimated downlink throughput (unit-normalized, Mbps-scaled), and an
// estimated round-trip time. Thresholds are evaluated in a fixed order
// and the first match wins; the ordering is part of the contract, so
// identical inputs always land in the same bucket.
func Classify(online bool, downlink float64, rtt time.Duration) Quality {
	if !online {
		return QualityOffline
	}
	if downlink > 1.5 && rtt < 150*time.Millisecond {
		return QualityExcellent
	}
	if downlink > 0.8 && rtt < 300*time.Millisecond {
		return QualityGood
	}
	if downlink > 0.3 && rtt < 600*time.Millisecond {
		return QualityFair
	}
	return QualityPoor
}

// State is the derived connectivity state. It is recomputed on every raw
// signal and never persisted.
type State struct {
	Online      bool    `json:"online"`
	Quality     Quality `json:"-"`
	QualityName string  `json:"quality"`
	Downlink    float64 `json:"downlink"`
	RTTMillis   float64 `json:"rtt_ms"`
}

// Transition records one raw signal observation.
type Transition struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// Signal is a raw connectivity signal from the platform. Downlink and
// RTT are optional hints; zero values mean "no estimate" and the monitor
// keeps its previous estimate.
type Signal struct {
	Online   bool
	Downlink float64
	RTT      time.Duration
}

// Source yields raw signals pushed by the platform.
type Source interface {
	// Signals returns the channel raw signals arrive on. The channel is
	// closed when the source shuts down.
	Signals() <-chan Signal
}

// TransitionHandler is invoked once per online/offline flip.
type TransitionHandler func(Transition)

// Monitor derives connectivity state from raw signals.
//
// The monitor starts optimistically online with a moderate link estimate;
// the first real signal corrects it.
type Monitor struct {
	mu       sync.Mutex
	state    State
	history  []Transition
	capacity int
	handlers []TransitionHandler

	events *bus.Bus
}

// NewMonitor creates a monitor with the given transition-history
// capacity. events may be nil; when set, every flip is published to
// bus.TopicConnectivity.
func NewMonitor(historySize int, events *bus.Bus) *Monitor {
	if historySize <= 0 {
		historySize = 10
	}
	return &Monitor{
		state: State{
			Online:    true,
			Quality:   QualityGood,
			Downlink:  1.0,
			RTTMillis: 250,
		},
		capacity: historySize,
		events:   events,
	}
}

// State returns the current derived connectivity state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	s.QualityName = s.Quality.String()
	return s
}

// OnTransition registers a handler invoked exactly once per
// online/offline flip. Handlers run on the signal-delivery goroutine.
func (m *Monitor) OnTransition(h TransitionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// History returns the recorded transitions, oldest first. The ring never
// exceeds its fixed capacity; the oldest entry is dropped on overflow.
func (m *Monitor) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Observe applies one raw signal: the derived state is recomputed, the
// signal is appended to the history, and handlers fire if the online
// flag flipped.
func (m *Monitor) Observe(sig Signal) {
	m.mu.Lock()

	flipped := m.state.Online != sig.Online

	m.state.Online = sig.Online
	if sig.Downlink > 0 {
		m.state.Downlink = sig.Downlink
	}
	if sig.RTT > 0 {
		m.state.RTTMillis = float64(sig.RTT.Milliseconds())
	}
	rtt := time.Duration(m.state.RTTMillis) * time.Millisecond
	m.state.Quality = Classify(m.state.Online, m.state.Downlink, rtt)

	tr := Transition{Online: sig.Online, At: time.Now()}
	m.history = append(m.history, tr)
	if len(m.history) > m.capacity {
		m.history = m.history[len(m.history)-m.capacity:]
	}

	var handlers []TransitionHandler
	if flipped {
		handlers = append(handlers, m.handlers...)
	}
	m.mu.Unlock()

	if flipped {
		for _, h := range handlers {
			func() {
				defer func() { recover() }()
				h(tr)
			}()
		}
		if m.events != nil {
			m.events.Publish(bus.TopicConnectivity, tr)
		}
	}
}

// Run consumes signals from src until the context is cancelled or the
// source channel closes.
func (m *Monitor) Run(ctx context.Context, src Source) {
	ch := src.Signals()
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(sig)
		}
	}
}

// ManualSource is a Source fed by explicit Emit calls. It backs tests
// and platforms without a native signal feed.
type ManualSource struct {
	ch chan Signal
}

// NewManualSource creates a manual source with a small buffer.
func NewManualSource() *ManualSource {
	return &ManualSource{ch: make(chan Signal, 16)}
}

// Signals implements Source.
func (s *ManualSource) Signals() <-chan Signal { return s.ch }

// Emit pushes one raw signal.
func (s *ManualSource) Emit(sig Signal) { s.ch <- sig }

// Close closes the signal channel.
func (s *ManualSource) Close() { close(s.ch) }
