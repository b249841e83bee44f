// Package eventbus implements the process-wide publish/subscribe broker
// that routes ScanEvents from the Scan Orchestrator to the Stream Endpoint.
// It is keyed by task_id topic, with a per-subscription bounded queue and an
// oldest-drop policy on overflow, generalized from the teacher's websocket
// hub (internal/api/handlers/websocket.go) register/unregister/broadcast
// channel triad — here scoped per topic instead of two global client maps,
// and with a bounded, drop-aware queue per subscriber rather than an
// unbounded broadcast channel.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/eidolon-project/eidolon/internal/logging"
	"github.com/eidolon-project/eidolon/internal/metrics"
	"github.com/eidolon-project/eidolon/internal/scanevents"
)

// DefaultQueueCapacity is the default bounded queue size per subscription.
const DefaultQueueCapacity = 1024

// Subscription is one client's queued view onto a topic. Next blocks until
// an event is available, the subscription is closed, or ctx is done.
type Subscription struct {
	id       string
	taskID   string
	queue    chan scanevents.Event
	dropped  atomic.Uint64
	closeMu  sync.Mutex
	closed   bool
}

// ID returns the subscription's opaque identifier.
func (s *Subscription) ID() string { return s.id }

// TaskID returns the topic this subscription is attached to.
func (s *Subscription) TaskID() string { return s.taskID }

// DroppedCount returns the number of events dropped for a full queue.
func (s *Subscription) DroppedCount() uint64 { return s.dropped.Load() }

// Next returns the next queued event in publish order. The second return
// value is false when the subscription has been closed (by Unsubscribe or
// topic Close) and fully drained, or when ctx is done.
func (s *Subscription) Next(ctx context.Context) (scanevents.Event, bool) {
	select {
	case ev, ok := <-s.queue:
		return ev, ok
	case <-ctx.Done():
		return scanevents.Event{}, false
	}
}

func (s *Subscription) enqueue(ev scanevents.Event) (dropped bool) {
	select {
	case s.queue <- ev:
		return false
	default:
	}

	// Queue full: drop the oldest, then enqueue the new event.
	select {
	case <-s.queue:
		s.dropped.Add(1)
		dropped = true
	default:
	}

	select {
	case s.queue <- ev:
	default:
		// Lost a race with another producer; count the new event as dropped
		// rather than block a publisher.
		s.dropped.Add(1)
		dropped = true
	}
	return dropped
}

// closeQueue closes the underlying channel so in-flight Next calls drain any
// buffered events and then observe ok=false. Idempotent.
func (s *Subscription) closeQueue() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.queue)
}

// topic holds the live subscriptions for one task_id.
type topic struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	seq    scanevents.SequenceCounter
	closed bool
}

// Bus is the process-wide event broker. The zero value is not usable; use
// NewBus. Safe for concurrent use.
type Bus struct {
	mu         sync.RWMutex
	topics     map[string]*topic
	queueCap   int
	metrics    metrics.MetricsRegistry
	logger     *logging.Logger
}

// NewBus creates a Bus with the given per-subscription queue capacity.
func NewBus(queueCap int, metricsRegistry metrics.MetricsRegistry, logger *logging.Logger) *Bus {
	if queueCap <= 0 {
		queueCap = DefaultQueueCapacity
	}
	return &Bus{
		topics:   make(map[string]*topic),
		queueCap: queueCap,
		metrics:  metricsRegistry,
		logger:   logger,
	}
}

func (b *Bus) topicFor(taskID string, createIfMissing bool) *topic {
	b.mu.RLock()
	t, ok := b.topics[taskID]
	b.mu.RUnlock()
	if ok || !createIfMissing {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok = b.topics[taskID]; ok {
		return t
	}
	t = &topic{subs: make(map[string]*Subscription)}
	b.topics[taskID] = t
	return t
}

// Publish assigns the topic's next sequence number to ev and enqueues it to
// every live subscription on task_id. Non-blocking: full subscriber queues
// drop their oldest event. Publishing to a topic with no subscribers is a
// no-op beyond sequence-number bookkeeping.
func (b *Bus) Publish(taskID string, ev scanevents.Event) {
	t := b.topicFor(taskID, true)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	ev.TaskID = taskID
	ev.Seq = t.seq.Next()

	for _, sub := range t.subs {
		if dropped := sub.enqueue(ev); dropped && b.logger != nil {
			b.logger.Warn("subscriber queue full, dropped oldest event",
				"task_id", taskID, "subscription_id", sub.id, "dropped_total", sub.DroppedCount())
		}
	}

	if b.metrics != nil {
		b.metrics.Counter("eventbus_events_published_total", metrics.Labels{"kind": string(ev.Kind)})
	}
}

// Subscribe returns a new Subscription attached to task_id's topic.
func (b *Bus) Subscribe(taskID string) *Subscription {
	t := b.topicFor(taskID, true)

	sub := &Subscription{
		id:     uuid.NewString(),
		taskID: taskID,
		queue:  make(chan scanevents.Event, b.queueCap),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		// Subscribing to an already-closed topic yields an immediately
		// drained subscription rather than an error.
		close(sub.queue)
		return sub
	}
	t.subs[sub.id] = sub
	subCount := len(t.subs)

	if b.metrics != nil {
		b.metrics.Gauge("eventbus_subscribers", float64(subCount), metrics.Labels{"task_id": taskID})
	}
	return sub
}

// Unsubscribe detaches sub from its topic and closes its queue; events
// already queued are still returned by Next before it reports ok=false.
// Idempotent.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	t := b.topicFor(sub.taskID, false)
	if t == nil {
		return
	}

	t.mu.Lock()
	_, existed := t.subs[sub.id]
	delete(t.subs, sub.id)
	subCount := len(t.subs)
	t.mu.Unlock()

	if existed {
		sub.closeQueue()
		if b.metrics != nil {
			b.metrics.Gauge("eventbus_subscribers", float64(subCount), metrics.Labels{"task_id": sub.taskID})
		}
	}
}

// Close marks task_id's topic complete: no further events may be published,
// and every subscription's Next returns a terminal (ok=false) result once
// already-queued events are drained.
func (b *Bus) Close(taskID string) {
	t := b.topicFor(taskID, false)
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for _, sub := range t.subs {
		sub.closeQueue()
	}
}

// Shutdown closes every live topic, for use during graceful server
// shutdown alongside cancelling all running tasks.
func (b *Bus) Shutdown() {
	b.mu.RLock()
	taskIDs := make([]string, 0, len(b.topics))
	for id := range b.topics {
		taskIDs = append(taskIDs, id)
	}
	b.mu.RUnlock()

	for _, id := range taskIDs {
		b.Close(id)
	}
}
