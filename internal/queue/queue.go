// Package queue implements the durable offline action queue.
//
// User-generated actions are appended regardless of connectivity and
// replayed through a caller-supplied delivery function when the link
// comes back. The queue guarantees FIFO attempt order and at-least-once
// delivery; idempotency is the delivery function's problem. Items are
// removed, not flagged, once their delivery has been confirmed and the
// removal durably committed.
package queue

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"tetherd/internal/bus"
	"tetherd/internal/connectivity"
	"tetherd/internal/logging"
	"tetherd/internal/metrics"
	"tetherd/internal/store"
)

// snapshotKey is the well-known key the queue snapshot lives under in
// the queue namespace of the durable store.
const snapshotKey = "snapshot"

var (
	// ErrNoDeliverer is returned by Flush when no delivery function is
	// available.
	ErrNoDeliverer = errors.New("queue: no delivery function configured")
)

// Action is one queued user action.
type Action struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	Synced    bool            `json:"synced"`
	SyncedAt  *time.Time      `json:"synced_at,omitempty"`
}

// DeliverFunc attempts to deliver one queued payload to the server. A
// true result confirms delivery; false or an error leaves the item
// pending. The function must be idempotent: the queue redelivers on
// ambiguous failures. It owns its own timeout.
type DeliverFunc func(ctx context.Context, payload json.RawMessage) (bool, error)

// FlushResult summarizes one flush pass.
type FlushResult struct {
	// Attempted is how many items a delivery call was made for.
	Attempted int `json:"attempted"`
	// Delivered is how many items were confirmed and removed.
	Delivered int `json:"delivered"`
	// Remaining is the pending count after the pass.
	Remaining int `json:"remaining"`
	// Coalesced is true when this call found a flush already running
	// and did nothing.
	Coalesced bool `json:"coalesced"`
}

// Options configures a Queue.
type Options struct {
	// Deliver is the default delivery function, used by bus-triggered
	// flushes and by Flush(ctx, nil).
	Deliver DeliverFunc

	// DeliverTimeout bounds one delivery attempt during automatic
	// flushes. Zero means 60s.
	DeliverTimeout time.Duration

	// Logger may be nil; the default logger is used.
	Logger *logging.Logger

	// Metrics may be nil.
	Metrics *metrics.Registry
}

// Queue is the offline action queue. It is the sole writer to the queue
// namespace of the durable store.
type Queue struct {
	mu       sync.Mutex
	pending  []*Action
	inflight map[string]bool
	flushing bool

	st             *store.Store
	deliver        DeliverFunc
	deliverTimeout time.Duration
	log            *logging.Logger

	enqueued      *metrics.Counter
	delivered     *metrics.Counter
	failures      *metrics.Counter
	persistErrors *metrics.Counter
	depth         *metrics.Gauge
}

// New creates the queue and rehydrates unsynced items from the durable
// snapshot. A corrupt snapshot is an error: the caller decides whether
// to purge and continue.
func New(st *store.Store, events *bus.Bus, opts Options) (*Queue, error) {
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}

	q := &Queue{
		inflight:       make(map[string]bool),
		st:             st,
		deliver:        opts.Deliver,
		deliverTimeout: opts.DeliverTimeout,
		log:            log.WithComponent("queue"),
	}
	if q.deliverTimeout <= 0 {
		q.deliverTimeout = 60 * time.Second
	}

	if reg := opts.Metrics; reg != nil {
		q.enqueued = reg.RegisterCounter("queue_enqueued_total", "Actions appended to the offline queue", nil)
		q.delivered = reg.RegisterCounter("queue_delivered_total", "Actions confirmed delivered and removed", nil)
		q.failures = reg.RegisterCounter("queue_delivery_failures_total", "Delivery attempts that did not confirm", nil)
		q.persistErrors = reg.RegisterCounter("queue_persist_errors_total", "Durable snapshot writes that failed", nil)
		q.depth = reg.RegisterGauge("queue_pending", "Pending actions awaiting delivery", nil)
	}

	if err := q.rehydrate(); err != nil {
		return nil, err
	}

	if events != nil {
		events.SubscribeFunc(bus.TopicConnectivity, func(ev bus.Event) {
			tr, ok := ev.Data.(connectivity.Transition)
			if !ok || !tr.Online {
				return
			}
			go q.autoFlush()
		})
	}

	return q, nil
}

// rehydrate loads the persisted snapshot. Only records with synced=false
// return to the pending list.
func (q *Queue) rehydrate() error {
	data, err := q.st.Get(store.NamespaceQueue, snapshotKey)
	if err != nil {
		return fmt.Errorf("load queue snapshot: %w", err)
	}
	if data == nil {
		return nil
	}

	if err := ValidateSnapshot(data); err != nil {
		return fmt.Errorf("queue snapshot rejected: %w", err)
	}

	var all []*Action
	if err := json.Unmarshal(data, &all); err != nil {
		return fmt.Errorf("decode queue snapshot: %w", err)
	}

	for _, a := range all {
		if !a.Synced {
			q.pending = append(q.pending, a)
		}
	}
	q.updateDepth()

	if len(q.pending) > 0 {
		q.log.Info("rehydrated pending actions", "count", len(q.pending))
	}
	return nil
}

// Enqueue appends a payload to the queue. It never rejects based on
// connectivity and always returns the new action's id; a failed durable
// write is logged and counted, and the in-memory state is kept so a
// later persist retries the same item.
func (q *Queue) Enqueue(payload json.RawMessage) string {
	a := &Action{
		ID:        newID(),
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: time.Now().UTC(),
	}

	q.mu.Lock()
	q.pending = append(q.pending, a)
	q.persistLocked()
	q.updateDepth()
	q.mu.Unlock()

	if q.enqueued != nil {
		q.enqueued.Inc()
	}
	return a.ID
}

// PendingCount returns the number of unsynced actions.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pending returns a copy of the pending actions in enqueue order.
func (q *Queue) Pending() []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Action, len(q.pending))
	for i, a := range q.pending {
		out[i] = *a
	}
	return out
}

// autoFlush runs a bus-triggered flush with the configured delivery
// function and timeout.
func (q *Queue) autoFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), q.deliverTimeout)
	defer cancel()
	if _, err := q.Flush(ctx, nil); err != nil && !errors.Is(err, ErrNoDeliverer) {
		q.log.Warn("automatic flush failed", "error", err)
	}
}

// Flush attempts to deliver every pending item in enqueue order. A true
// delivery result removes the item durably; false or an error leaves it
// pending and the pass continues with the next item, so one stuck action
// cannot starve the rest. At most one flush runs at a time; concurrent
// calls coalesce. deliver may be nil to use the configured default.
func (q *Queue) Flush(ctx context.Context, deliver DeliverFunc) (FlushResult, error) {
	if deliver == nil {
		deliver = q.deliver
	}
	if deliver == nil {
		return FlushResult{}, ErrNoDeliverer
	}

	q.mu.Lock()
	if q.flushing {
		res := FlushResult{Coalesced: true, Remaining: len(q.pending)}
		q.mu.Unlock()
		return res, nil
	}
	q.flushing = true
	batch := make([]*Action, len(q.pending))
	copy(batch, q.pending)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	var res FlushResult
	for _, a := range batch {
		if err := ctx.Err(); err != nil {
			break
		}

		// In-flight marker: an item whose delivery from an earlier
		// trigger has not resolved yet is skipped, never redelivered
		// concurrently.
		q.mu.Lock()
		if q.inflight[a.ID] || !q.isPendingLocked(a.ID) {
			q.mu.Unlock()
			continue
		}
		q.inflight[a.ID] = true
		q.mu.Unlock()

		res.Attempted++
		ok, err := deliver(ctx, a.Payload)

		q.mu.Lock()
		delete(q.inflight, a.ID)
		if ok && err == nil {
			now := time.Now().UTC()
			a.Synced = true
			a.SyncedAt = &now
			q.removeLocked(a.ID)
			q.persistLocked()
			q.updateDepth()
			res.Delivered++
			if q.delivered != nil {
				q.delivered.Inc()
			}
		} else {
			if q.failures != nil {
				q.failures.Inc()
			}
			if err != nil {
				q.log.Debug("delivery attempt failed", "id", a.ID, "error", err)
			}
		}
		q.mu.Unlock()
	}

	q.mu.Lock()
	res.Remaining = len(q.pending)
	q.mu.Unlock()

	return res, nil
}

func (q *Queue) isPendingLocked(id string) bool {
	for _, a := range q.pending {
		if a.ID == id {
			return true
		}
	}
	return false
}

func (q *Queue) removeLocked(id string) {
	for i, a := range q.pending {
		if a.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// persistLocked writes the snapshot of unsynced items. Callers hold the
// mutex. Errors never roll back in-memory state.
func (q *Queue) persistLocked() {
	data, err := json.Marshal(q.pending)
	if err != nil {
		q.log.Error("encode queue snapshot", "error", err)
		if q.persistErrors != nil {
			q.persistErrors.Inc()
		}
		return
	}
	if err := q.st.Put(store.NamespaceQueue, snapshotKey, data); err != nil {
		q.log.Error("persist queue snapshot", "error", err)
		if q.persistErrors != nil {
			q.persistErrors.Inc()
		}
	}
}

func (q *Queue) updateDepth() {
	if q.depth != nil {
		q.depth.Set(int64(len(q.pending)))
	}
}

// newID generates a random UUIDv4 string. The timestamp fallback only
// triggers when the system entropy source is unavailable.
func newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("t-%d", time.Now().UnixNano())
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
