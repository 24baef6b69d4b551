package streaming

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hubenschmidt/prospector/internal/metrics"
)

// queueCapacity bounds each subscriber's event queue. A slow consumer
// loses events rather than blocking publishers.
const queueCapacity = 10

// Subscription is one subscriber's bounded, ordered event queue.
type Subscription struct {
	id      uint64
	ch      chan Event
	dropped atomic.Int64
}

// Events returns the receive side of the subscription queue. The channel
// is closed when the subscription is removed from the hub.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped returns how many events were dropped for this subscriber.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// TopicHub is an in-memory Hub keyed by automation config ID.
// Topics are created lazily on first subscribe and removed when their
// last subscriber leaves, so abandoned topics cannot accumulate.
type TopicHub struct {
	mu     sync.RWMutex
	topics map[string]map[uint64]*Subscription
	seq    atomic.Uint64
	logger *slog.Logger
}

// NewTopicHub creates an empty TopicHub.
func NewTopicHub(logger *slog.Logger) *TopicHub {
	return &TopicHub{
		topics: make(map[string]map[uint64]*Subscription),
		logger: logger,
	}
}

// Subscribe registers a new bounded queue under topic and returns it.
func (h *TopicHub) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		id: h.seq.Add(1),
		ch: make(chan Event, queueCapacity),
	}

	h.mu.Lock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[uint64]*Subscription)
		h.topics[topic] = subs
	}
	subs[sub.id] = sub
	h.mu.Unlock()

	metrics.ActiveSubscriptions.Inc()
	return sub
}

// Unsubscribe removes and closes the subscription. When the topic has no
// subscribers left, the topic entry itself is removed.
func (h *TopicHub) Unsubscribe(topic string, sub *Subscription) {
	h.mu.Lock()
	subs, ok := h.topics[topic]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := subs[sub.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
	h.mu.Unlock()

	close(sub.ch)
	metrics.ActiveSubscriptions.Dec()
}

// Publish attempts a non-blocking enqueue on every current subscriber of
// topic. A full queue drops the event for that subscriber only.
func (h *TopicHub) Publish(ctx context.Context, topic string, event Event) {
	h.mu.RLock()
	subs := h.topics[topic]
	delivered := 0
	droppedFor := 0
	for _, sub := range subs {
		select {
		case sub.ch <- event:
			delivered++
		default:
			sub.dropped.Add(1)
			droppedFor++
		}
	}
	subscriberCount := len(subs)
	h.mu.RUnlock()

	metrics.EventsPublished.WithLabelValues(event.EventType).Inc()
	h.logger.DebugContext(ctx, "event published",
		slog.String("topic", topic),
		slog.String("event_type", event.EventType),
		slog.Int("subscribers", subscriberCount),
	)
	if droppedFor > 0 {
		metrics.EventsDropped.Add(float64(droppedFor))
		h.logger.WarnContext(ctx, "event dropped for slow subscribers",
			slog.String("topic", topic),
			slog.String("event_type", event.EventType),
			slog.Int("dropped_subscribers", droppedFor),
		)
	}
}

// TopicCount returns the number of live topics. Used by tests and the
// health endpoint.
func (h *TopicHub) TopicCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}
