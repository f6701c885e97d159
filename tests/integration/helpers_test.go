//go:build integration

// Package integration provides end-to-end tests for tetherd.
//
// These tests wire real components together (store, bus, monitor,
// queue, cache, notify) without a daemon process or unix socket.
//
// Run with: go test -tags=integration ./tests/integration/...
package integration

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tetherd/internal/bus"
	"tetherd/internal/cache"
	"tetherd/internal/connectivity"
	"tetherd/internal/notify"
	"tetherd/internal/queue"
	"tetherd/internal/store"
)

// TestEnv holds the wired components one test run needs.
type TestEnv struct {
	T       *testing.T
	TempDir string
	DBPath  string

	Store   *store.Store
	Bus     *bus.Bus
	Monitor *connectivity.Monitor
	Queue   *queue.Queue
	Cache   *cache.Accountant

	// Sink captures payloads accepted by the queue deliverer.
	Sink *deliverySink
}

// deliverySink records delivered payloads and can simulate an
// unreachable endpoint.
type deliverySink struct {
	mu        sync.Mutex
	delivered []string
	reachable bool
}

func newDeliverySink() *deliverySink {
	return &deliverySink{reachable: true}
}

func (s *deliverySink) SetReachable(ok bool) {
	s.mu.Lock()
	s.reachable = ok
	s.mu.Unlock()
}

func (s *deliverySink) Deliver(ctx context.Context, payload json.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.reachable {
		return false, nil
	}
	s.delivered = append(s.delivered, string(payload))
	return true, nil
}

func (s *deliverySink) Delivered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.delivered))
	copy(out, s.delivered)
	return out
}

// NewTestEnv builds a full environment rooted in a temp directory.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "tetherd.db")

	st, err := store.Open(dbPath, 5000)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	events := bus.New(32)
	mon := connectivity.NewMonitor(20, events)
	sink := newDeliverySink()

	q, err := queue.New(st, events, queue.Options{Deliver: sink.Deliver})
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}

	acct, err := cache.New(filepath.Join(dir, "cache"), cache.Options{
		QuotaBytes: 1 << 20,
	})
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}

	return &TestEnv{
		T:       t,
		TempDir: dir,
		DBPath:  dbPath,
		Store:   st,
		Bus:     events,
		Monitor: mon,
		Queue:   q,
		Cache:   acct,
		Sink:    sink,
	}
}

// Reopen simulates a daemon restart: the store is closed and reopened
// and a fresh queue is rehydrated from it. The bus and monitor are
// rebuilt as well so auto-flush wiring matches a real start.
func (env *TestEnv) Reopen() {
	env.T.Helper()

	if err := env.Store.Close(); err != nil {
		env.T.Fatalf("close store: %v", err)
	}
	st, err := store.Open(env.DBPath, 5000)
	if err != nil {
		env.T.Fatalf("reopen store: %v", err)
	}
	env.T.Cleanup(func() { st.Close() })
	env.Store = st

	env.Bus = bus.New(32)
	env.Monitor = connectivity.NewMonitor(20, env.Bus)

	q, err := queue.New(st, env.Bus, queue.Options{Deliver: env.Sink.Deliver})
	if err != nil {
		env.T.Fatalf("rehydrate queue: %v", err)
	}
	env.Queue = q
}

// GoOffline and GoOnline drive the monitor with synthetic signals.
func (env *TestEnv) GoOffline() {
	env.Monitor.Observe(connectivity.Signal{Online: false})
}

func (env *TestEnv) GoOnline() {
	env.Monitor.Observe(connectivity.Signal{Online: true, Downlink: 10, RTT: 40 * time.Millisecond})
}

// WaitFor polls cond until it returns true or the deadline passes.
func WaitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

// StaticPrompterEnv returns notify options that auto-grant permission
// and swallow notifications, for flows that touch the channel manager.
func StaticPrompterEnv() notify.Options {
	return notify.Options{
		Prompter: notify.StaticPrompter(true),
	}
}
