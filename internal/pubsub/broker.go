// Package pubsub is the gateway's event bus. The local broker fans progress
// events out to in-process subscribers; an optional redis bridge mirrors
// every publish to other instances so any subscriber sees every event
// regardless of which instance produced it.
package pubsub

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/aj-archipelago/cortex/internal/metrics"
)

// Topics carried across instances.
const (
	TopicRequestProgress     = "REQUEST_PROGRESS"
	TopicClientToolCallbacks = "CLIENT_TOOL_CALLBACKS"
)

// DoneMarker is the data payload of the terminal event on streamed paths.
const DoneMarker = "[DONE]"

// Event is the progress payload published on a topic.
type Event struct {
	RequestID string  `json:"requestId"`
	Progress  float64 `json:"progress"`
	Data      string  `json:"data,omitempty"`
	Status    string  `json:"status,omitempty"`
	Info      string  `json:"info,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// Marshal returns the event as JSON for the wire.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Terminal reports whether this event closes its request's stream.
func (e Event) Terminal() bool { return e.Progress >= 1 || e.Error != "" }

// Mirror forwards local publishes to other instances.
type Mirror interface {
	Forward(ctx context.Context, topic string, evt Event) error
}

// Subscription is a live attachment to a topic.
//
// Callers must NOT close C themselves; the broker owns the channel lifetime.
// Always call Unsubscribe to clean up — it is idempotent.
type Subscription struct {
	C <-chan Event

	topic  string
	ch     chan Event
	filter map[string]struct{}
}

func (s *Subscription) matches(evt Event) bool {
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[evt.RequestID]
	return ok
}

// defaultCapacity is the per-subscriber buffer before events are dropped.
const defaultCapacity = 256

// Broker is the in-process topic broker. All methods are goroutine-safe.
type Broker struct {
	mu       sync.RWMutex
	subs     map[string]map[*Subscription]struct{}
	mirror   Mirror
	capacity int
	logger   *zap.Logger
}

// NewBroker builds a broker with the given per-subscriber buffer capacity.
func NewBroker(capacity int, logger *zap.Logger) *Broker {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		subs:     make(map[string]map[*Subscription]struct{}),
		capacity: capacity,
		logger:   logger,
	}
}

// SetMirror installs the cross-instance mirror. Pass nil for single-instance
// mode.
func (b *Broker) SetMirror(m Mirror) {
	b.mu.Lock()
	b.mirror = m
	b.mu.Unlock()
}

// Subscribe attaches to a topic. With requestIDs, only events for those ids
// are delivered; without, every event on the topic is.
func (b *Broker) Subscribe(topic string, requestIDs ...string) *Subscription {
	sub := &Subscription{
		topic:  topic,
		ch:     make(chan Event, b.capacity),
		filter: make(map[string]struct{}, len(requestIDs)),
	}
	sub.C = sub.ch
	for _, id := range requestIDs {
		sub.filter[id] = struct{}{}
	}

	b.mu.Lock()
	set := b.subs[topic]
	if set == nil {
		set = make(map[*Subscription]struct{})
		b.subs[topic] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches and closes the subscription. Idempotent.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sub.topic]
	if !ok {
		return
	}
	if _, live := set[sub]; !live {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.topic)
	}
	close(sub.ch)
}

// Publish delivers an event to local subscribers and mirrors it to other
// instances. Delivery is best-effort: a slow subscriber drops the event,
// which is logged.
func (b *Broker) Publish(ctx context.Context, topic string, evt Event) {
	b.deliver(topic, evt)

	b.mu.RLock()
	mirror := b.mirror
	b.mu.RUnlock()
	if mirror != nil {
		if err := mirror.Forward(ctx, topic, evt); err != nil {
			// Bus errors never fail the request.
			b.logger.Warn("mirror forward failed",
				zap.String("topic", topic),
				zap.String("request_id", evt.RequestID),
				zap.Error(err))
		}
	}
}

// Inject delivers an event that arrived from another instance to local
// subscribers only, without re-mirroring it.
func (b *Broker) Inject(topic string, evt Event) {
	b.deliver(topic, evt)
}

func (b *Broker) deliver(topic string, evt Event) {
	metrics.BusEventsPublished.WithLabelValues(topic).Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[topic] {
		if !sub.matches(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			metrics.BusEventsDropped.WithLabelValues(topic).Inc()
			b.logger.Warn("dropped event - subscriber slow",
				zap.String("topic", topic),
				zap.String("request_id", evt.RequestID))
		}
	}
}
