package bus

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/netdebug/signalr/cfg"
	"github.com/netdebug/signalr/telemetry"
)

// MessageBus is the in-process bus facade: publishers append keyed messages,
// subscribers receive ordered batches through an asynchronous callback and
// can resume from an opaque cursor string after a brief disconnect.
type MessageBus struct {
	topics *TopicRegistry
	engine *Engine

	publishedCounter   telemetry.Counter
	subscribersTotal   telemetry.Counter
	subscribersCurrent telemetry.Counter
}

// NewMessageBus creates a bus using the global configuration for store
// capacity and engine tunables. A nil counter provider disables telemetry.
func NewMessageBus(counters telemetry.Provider) *MessageBus {
	if counters == nil {
		counters = telemetry.NoopProvider{}
	}

	topics := NewTopicRegistry(cfg.Config.MessageBus.StoreCapacity)
	return &MessageBus{
		topics: topics,
		engine: NewEngine(topics, counters),

		publishedCounter:   counters.GetCounter(telemetry.CounterMessagesPublishedTotal),
		subscribersTotal:   counters.GetCounter(telemetry.CounterSubscribersTotal),
		subscribersCurrent: counters.GetCounter(telemetry.CounterSubscribersCurrent),
	}
}

// Publish appends the message to its topic's store and schedules every
// current subscriber of that topic. It never fails and never blocks on
// delivery; the ring buffer absorbs bursts by dropping its oldest entries.
func (b *MessageBus) Publish(m Message) {
	topic := b.topics.GetOrAdd(m.Key)
	topic.Store().Add(m)
	b.publishedCounter.SafeIncrement()

	for _, sub := range topic.Subscriptions() {
		b.engine.Schedule(sub)
	}
}

// GetCursor returns the next id for key as a decimal string. It anchors a
// fresh subscription's starting point at "now" without reading the backlog.
func (b *MessageBus) GetCursor(key string) string {
	count := uint64(0)
	if topic, ok := b.topics.Get(key); ok {
		count = topic.Store().GetMessageCount()
	}
	return strconv.FormatUint(count, 10)
}

// AllocatedWorkers returns the engine's current worker count.
func (b *MessageBus) AllocatedWorkers() int64 {
	return b.engine.AllocatedWorkers()
}

// BusyWorkers returns the number of engine workers executing a pump.
func (b *MessageBus) BusyWorkers() int64 {
	return b.engine.BusyWorkers()
}

// Registration is the unsubscribe handle returned by Subscribe. The holder
// strongly owns the subscription; Unsubscribe removes it from every topic
// before it is abandoned.
type Registration struct {
	bus        *MessageBus
	sub        *Subscription
	subscriber Subscriber
	once       sync.Once
}

// Subscription exposes the underlying subscription, chiefly for observation
// in tests and tooling.
func (r *Registration) Subscription() *Subscription {
	return r.sub
}

// Unsubscribe detaches the interest hooks, removes the subscription from all
// of its topics, then disposes it. Disposal delivers one final cursor-only
// result so the caller can persist its position. Idempotent.
func (r *Registration) Unsubscribe() {
	r.once.Do(func() {
		r.subscriber.OnEventAdded(nil)
		r.subscriber.OnEventRemoved(nil)

		for _, key := range r.sub.Keys() {
			if topic, ok := r.bus.topics.Get(key); ok {
				topic.RemoveSubscription(r.sub)
			}
		}

		r.sub.Dispose()
		r.bus.subscribersCurrent.SafeDecrement()
	})
}

// Subscribe registers a subscriber. With an empty cursor string, every key in
// the subscriber's interest set starts at id 0 and the retained backlog is
// replayed; use GetCursor to anchor at the current position instead. With a
// cursor string, the subscription resumes at the decoded per-topic positions.
// Keys added to the subscriber later join anchored at the topic's current
// high watermark; removed keys drop their cursors.
//
// maxMessages caps how many messages one pump reads per topic per batch.
func (b *MessageBus) Subscribe(subscriber Subscriber, cursor string, callback Callback, maxMessages int) (*Registration, error) {
	sub := NewSubscription(subscriber.Identity(), callback, maxMessages)

	if cursor != "" {
		decoded, err := DecodeCursors(cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor: %w", err)
		}
		for _, c := range decoded {
			topic := b.topics.GetOrAdd(c.Key)
			sub.AddOrUpdateCursor(c.Key, c.ID, topic)
			topic.AddSubscription(sub)
		}
	}

	for _, key := range subscriber.EventKeys() {
		topic := b.topics.GetOrAdd(key)
		sub.AddOrUpdateCursor(key, 0, topic)
		topic.AddSubscription(sub)
	}

	subscriber.OnEventAdded(func(key string) {
		topic := b.topics.GetOrAdd(key)
		sub.AddOrUpdateCursor(key, topic.Store().GetMessageCount(), topic)
		topic.AddSubscription(sub)
		b.engine.Schedule(sub)
	})
	subscriber.OnEventRemoved(func(key string) {
		if topic, ok := b.topics.Get(key); ok {
			topic.RemoveSubscription(sub)
		}
		sub.RemoveCursor(key)
	})

	b.subscribersTotal.SafeIncrement()
	b.subscribersCurrent.SafeIncrement()

	log.Debug().
		Str("subscription", sub.Identity()).
		Int("keys", len(sub.Keys())).
		Msg("Subscription registered")

	b.engine.Schedule(sub)

	return &Registration{bus: b, sub: sub, subscriber: subscriber}, nil
}

// Close shuts down the engine. In-flight pumps complete and subscriptions
// already queued are still pumped before the workers exit; publishes after
// Close schedule no further pumps.
func (b *MessageBus) Close() {
	b.engine.Close()
}
